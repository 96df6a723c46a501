package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

const (
	DefaultObjectPath   = dbus.ObjectPath("/")
	DefaultInterface    = "org.freedesktop.Weather"
	DefaultUpdateSignal = "WeatherUpdated"
	DefaultTimeout      = 10 * time.Second

	MinForecastDays = 1
	MaxForecastDays = 7
)

// Client queries one named source. It never interprets the responses and
// never retries; the scheduler owns retry policy.
type Client struct {
	caller       Caller
	path         dbus.ObjectPath
	iface        string
	updateSignal string
	timeout      time.Duration
	logger       *zap.Logger
}

type ClientConfig struct {
	Caller       Caller
	ObjectPath   dbus.ObjectPath
	Interface    string
	UpdateSignal string
	Timeout      time.Duration
	Logger       *zap.Logger
}

func NewClient(cfg ClientConfig) *Client {
	c := &Client{
		caller:       cfg.Caller,
		path:         cfg.ObjectPath,
		iface:        cfg.Interface,
		updateSignal: cfg.UpdateSignal,
		timeout:      cfg.Timeout,
		logger:       cfg.Logger,
	}
	if c.path == "" {
		c.path = DefaultObjectPath
	}
	if c.iface == "" {
		c.iface = DefaultInterface
	}
	if c.updateSignal == "" {
		c.updateSignal = DefaultUpdateSignal
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.Named("client")
	return c
}

// Status holds the read-only properties of a source.
type Status struct {
	Location   string `json:"location"`
	LastUpdate int64  `json:"last_update"`
	IsValid    bool   `json:"is_valid"`
}

func (c *Client) FetchCurrent(ctx context.Context, p WeatherProvider) (Record, error) {
	body, err := c.call(ctx, p, "GetCurrentWeather")
	if err != nil {
		return nil, err
	}
	m, ok := body[0].(map[string]dbus.Variant)
	if !ok {
		return nil, fmt.Errorf("%w: %s returned %T from GetCurrentWeather", ErrProviderUnavailable, p.ServiceName, body[0])
	}
	return RecordFromVariants(m), nil
}

// FetchForecast returns at most days records, in source order.
func (c *Client) FetchForecast(ctx context.Context, p WeatherProvider, days int) ([]Record, error) {
	if days < MinForecastDays || days > MaxForecastDays {
		return nil, fmt.Errorf("forecast days %d out of range %d..%d", days, MinForecastDays, MaxForecastDays)
	}
	body, err := c.call(ctx, p, "GetForecast", int32(days))
	if err != nil {
		return nil, err
	}
	records, ok := recordsFromBody(body[0])
	if !ok {
		return nil, fmt.Errorf("%w: %s returned %T from GetForecast", ErrProviderUnavailable, p.ServiceName, body[0])
	}
	if len(records) > days {
		records = records[:days]
	}
	return records, nil
}

func (c *Client) FetchLocation(ctx context.Context, p WeatherProvider) (string, error) {
	body, err := c.call(ctx, p, "GetLocation")
	if err != nil {
		return "", err
	}
	location, ok := body[0].(string)
	if !ok {
		return "", fmt.Errorf("%w: %s returned %T from GetLocation", ErrProviderUnavailable, p.ServiceName, body[0])
	}
	return location, nil
}

func (c *Client) FetchStatus(ctx context.Context, p WeatherProvider) (Status, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	props, err := c.caller.GetAllProperties(callCtx, p.ServiceName, c.path, c.iface)
	if err != nil {
		return Status{}, c.classify(ctx, callCtx, p, "GetAll", err)
	}
	rec := RecordFromVariants(props)
	var status Status
	if v, ok := rec["Location"]; ok {
		status.Location, _ = v.AsString()
	}
	if v, ok := rec["LastUpdate"]; ok {
		status.LastUpdate, _ = v.Integer()
	}
	if v, ok := rec["IsValid"]; ok {
		status.IsValid, _ = v.AsBool()
	}
	return status, nil
}

// WatchUpdates delivers a notification each time the source announces
// fresh data. Notifications coalesce; receivers should re-fetch.
func (c *Client) WatchUpdates(ctx context.Context, p WeatherProvider) (<-chan struct{}, error) {
	signals, err := c.caller.Signals(ctx, p.ServiceName, c.path, c.iface, c.updateSignal)
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe to %s.%s: %v", ErrTransportFailure, c.iface, c.updateSignal, err)
	}
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-signals:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}

func (c *Client) call(ctx context.Context, p WeatherProvider, method string, args ...interface{}) ([]interface{}, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	body, err := c.caller.Call(callCtx, p.ServiceName, c.path, c.iface+"."+method, args...)
	if err != nil {
		return nil, c.classify(ctx, callCtx, p, method, err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: %s returned no value from %s", ErrProviderUnavailable, p.ServiceName, method)
	}
	c.logger.Debug("Provider call completed",
		zap.String("service", p.ServiceName),
		zap.String("method", method),
		zap.Duration("duration", time.Since(start)))
	return body, nil
}

func (c *Client) classify(ctx, callCtx context.Context, p WeatherProvider, method string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: %s %s after %s", ErrTimeout, p.ServiceName, method, c.timeout)
	}
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		return fmt.Errorf("%w: %s %s: %s", ErrProviderUnavailable, p.ServiceName, method, dbusErr.Name)
	}
	return fmt.Errorf("%w: %s %s: %v", ErrProviderUnavailable, p.ServiceName, method, err)
}
