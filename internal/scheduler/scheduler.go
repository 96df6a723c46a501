package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"weather-bridge/internal/mapper"
	"weather-bridge/internal/protocol"
	"weather-bridge/internal/provider"
	"weather-bridge/internal/weather"
)

const (
	DefaultInterval         = 30 * time.Minute
	DefaultBackoffBase      = 30 * time.Second
	DefaultBackoffMax       = 15 * time.Minute
	DefaultBreakerThreshold = 5
	DefaultBreakerTimeout   = time.Minute
)

// Source fetches raw records from a weather provider.
type Source interface {
	FetchCurrent(ctx context.Context, p provider.WeatherProvider) (provider.Record, error)
	FetchForecast(ctx context.Context, p provider.WeatherProvider, days int) ([]provider.Record, error)
}

// Sink delivers one complete message to the device.
type Sink interface {
	Write(ctx context.Context, data []byte) error
}

// Recorder persists finished cycles.
type Recorder interface {
	SaveCycle(c *Cycle) error
}

// Publisher mirrors successfully mapped weather elsewhere.
type Publisher interface {
	PublishWeather(p provider.WeatherProvider, cw weather.CurrentWeather, fc weather.Forecast) error
}

type Config struct {
	Source Source
	Sink   Sink
	Mapper *mapper.Mapper

	Interval     time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	ForecastDays int

	BreakerThreshold uint32
	BreakerTimeout   time.Duration

	Recorder  Recorder
	Publisher Publisher
	Logger    *zap.Logger

	// Clock hooks, replaced in tests.
	Now   func() time.Time
	After func(time.Duration) <-chan time.Time
}

// Scheduler runs at most one refresh loop at a time.
type Scheduler struct {
	source    Source
	sink      Sink
	mapper    *mapper.Mapper
	recorder  Recorder
	publisher Publisher
	breaker   *gobreaker.CircuitBreaker
	logger    *zap.Logger
	now       func() time.Time
	after     func(time.Duration) <-chan time.Time

	interval     time.Duration
	backoffBase  time.Duration
	backoffMax   time.Duration
	forecastDays int

	refresh chan struct{}

	mu       sync.RWMutex
	cancel   context.CancelFunc
	done     chan struct{}
	active   *provider.WeatherProvider
	phase    Phase
	failures int
	nextRun  time.Time
	last     *Cycle
}

func New(cfg Config) *Scheduler {
	s := &Scheduler{
		source:       cfg.Source,
		sink:         cfg.Sink,
		mapper:       cfg.Mapper,
		recorder:     cfg.Recorder,
		publisher:    cfg.Publisher,
		logger:       cfg.Logger,
		now:          cfg.Now,
		after:        cfg.After,
		interval:     cfg.Interval,
		backoffBase:  cfg.BackoffBase,
		backoffMax:   cfg.BackoffMax,
		forecastDays: cfg.ForecastDays,
		refresh:      make(chan struct{}, 1),
	}
	if s.mapper == nil {
		s.mapper = mapper.New(mapper.Config{})
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.after == nil {
		s.after = time.After
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.backoffBase <= 0 {
		s.backoffBase = DefaultBackoffBase
	}
	if s.backoffMax <= 0 {
		s.backoffMax = DefaultBackoffMax
	}
	if s.backoffMax < s.backoffBase {
		s.backoffMax = s.backoffBase
	}
	if s.forecastDays <= 0 || s.forecastDays > weather.MaxForecastDays {
		s.forecastDays = weather.MaxForecastDays
	}

	threshold := cfg.BreakerThreshold
	if threshold == 0 {
		threshold = DefaultBreakerThreshold
	}
	breakerTimeout := cfg.BreakerTimeout
	if breakerTimeout <= 0 {
		breakerTimeout = DefaultBreakerTimeout
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "device-write",
		MaxRequests: 1,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Info("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return s
}

// Start begins refreshing from p, replacing any loop already running.
func (s *Scheduler) Start(ctx context.Context, p provider.WeatherProvider) {
	s.Stop()

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.active = &p
	s.failures = 0
	s.phase = PhaseNone
	s.nextRun = time.Time{}
	s.mu.Unlock()

	// Drop a refresh requested for the previous provider.
	select {
	case <-s.refresh:
	default:
	}

	s.logger.Info("Starting weather refresh",
		zap.String("provider", p.Name),
		zap.String("service", p.ServiceName),
		zap.Duration("interval", s.interval))

	go s.run(loopCtx, p, done)
}

// Stop cancels the running loop and waits until it has returned. Nothing is
// written to the device once Stop returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done, active := s.cancel, s.done, s.active
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	s.mu.Lock()
	// A concurrent Start may already own the state.
	if s.done == nil {
		s.active = nil
		s.phase = PhaseNone
		s.nextRun = time.Time{}
	}
	s.mu.Unlock()

	if active != nil {
		s.logger.Info("Weather refresh stopped", zap.String("service", active.ServiceName))
	}
}

// HandleProviderEvent stops the loop when its provider disappears.
func (s *Scheduler) HandleProviderEvent(ev provider.Event) {
	if ev.Kind != provider.EventRemoved {
		return
	}
	s.mu.RLock()
	active := s.active
	s.mu.RUnlock()
	if active != nil && active.ServiceName == ev.Provider.ServiceName {
		s.logger.Info("Active provider removed", zap.String("service", ev.Provider.ServiceName))
		s.Stop()
	}
}

// Refresh cuts the current wait short. It never interrupts a cycle in
// flight and is a no-op while idle.
func (s *Scheduler) Refresh() bool {
	if s.State() != StateRunning {
		return false
	}
	select {
	case s.refresh <- struct{}{}:
	default:
	}
	return true
}

func (s *Scheduler) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return StateIdle
	}
	return StateRunning
}

func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		State:     StateIdle,
		Phase:     s.phase,
		Failures:  s.failures,
		NextRun:   s.nextRun,
		LastCycle: s.last,
	}
	if s.active != nil {
		p := *s.active
		st.State = StateRunning
		st.Provider = &p
	}
	return st
}

func (s *Scheduler) run(ctx context.Context, p provider.WeatherProvider, done chan struct{}) {
	defer close(done)

	failures := 0
	for {
		cycle := s.runCycle(ctx, p)
		if cycle.Outcome == OutcomeCancelled {
			s.finish(cycle)
			return
		}

		var wait time.Duration
		switch {
		case errors.Is(cycle.Err, provider.ErrDataIncomplete):
			// Incomplete records are retried on the regular schedule.
			wait = s.interval
			s.logger.Warn("Weather cycle skipped",
				zap.String("cycle", cycle.ID),
				zap.String("service", p.ServiceName),
				zap.Duration("retry_in", wait),
				zap.Error(cycle.Err))
		case cycle.Err != nil:
			failures++
			wait = s.backoff(failures)
			s.logger.Warn("Weather cycle failed",
				zap.String("cycle", cycle.ID),
				zap.String("service", p.ServiceName),
				zap.Int("failures", failures),
				zap.Duration("retry_in", wait),
				zap.Error(cycle.Err))
		default:
			failures = 0
			wait = s.interval
			s.logger.Info("Weather sent",
				zap.String("cycle", cycle.ID),
				zap.String("service", p.ServiceName),
				zap.Float64("temperature_c", cycle.Current.Temperature.Celsius()),
				zap.String("icon", cycle.Current.Icon.String()),
				zap.Int("forecast_days", len(cycle.Forecast.Days)),
				zap.Duration("took", cycle.Duration()))
		}
		cycle.NextWait = wait

		s.mu.Lock()
		s.failures = failures
		s.phase = PhaseWaiting
		s.nextRun = s.now().Add(wait)
		s.mu.Unlock()
		s.finish(cycle)

		select {
		case <-ctx.Done():
			return
		case <-s.refresh:
			s.logger.Debug("Refresh requested", zap.String("service", p.ServiceName))
		case <-s.after(wait):
		}
	}
}

// backoff doubles from the base for each consecutive failure, up to the cap.
func (s *Scheduler) backoff(failures int) time.Duration {
	wait := s.backoffBase
	for i := 1; i < failures; i++ {
		wait *= 2
		if wait >= s.backoffMax {
			return s.backoffMax
		}
	}
	if wait > s.backoffMax {
		return s.backoffMax
	}
	return wait
}

func (s *Scheduler) finish(c *Cycle) {
	s.mu.Lock()
	s.last = c
	s.mu.Unlock()

	if s.recorder != nil {
		if err := s.recorder.SaveCycle(c); err != nil {
			s.logger.Error("Failed to save cycle", zap.String("cycle", c.ID), zap.Error(err))
		}
	}
	if s.publisher != nil && c.Outcome == OutcomeSucceeded {
		if err := s.publisher.PublishWeather(c.Provider, *c.Current, *c.Forecast); err != nil {
			s.logger.Error("Failed to publish weather", zap.String("cycle", c.ID), zap.Error(err))
		}
	}
}

func (s *Scheduler) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// Prepare fetches, maps and encodes both messages without sending them.
func (s *Scheduler) Prepare(ctx context.Context, p provider.WeatherProvider) (*Cycle, error) {
	c := &Cycle{ID: uuid.NewString(), Provider: p, StartedAt: s.now()}
	err := s.prepare(ctx, c)
	c.FinishedAt = s.now()
	return c, err
}

func (s *Scheduler) prepare(ctx context.Context, c *Cycle) error {
	s.setPhase(PhaseFetching)
	rec, err := s.source.FetchCurrent(ctx, c.Provider)
	if err != nil {
		return fmt.Errorf("fetch current: %w", err)
	}
	records, err := s.source.FetchForecast(ctx, c.Provider, s.forecastDays)
	if err != nil {
		return fmt.Errorf("fetch forecast: %w", err)
	}

	cw, adj, err := s.mapper.Current(rec)
	if err != nil {
		return fmt.Errorf("map current: %w", err)
	}
	fc, fadj, err := s.mapper.Forecast(records, s.now())
	if err != nil {
		return fmt.Errorf("map forecast: %w", err)
	}
	c.Current, c.Forecast = &cw, &fc
	c.Adjustments = mergeAdjustments(adj, fadj)
	if !c.Adjustments.Empty() {
		s.logger.Debug("Weather adjusted while mapping",
			zap.String("cycle", c.ID),
			zap.Bool("location_truncated", c.Adjustments.LocationTruncated),
			zap.Int("days_dropped", c.Adjustments.DaysDropped),
			zap.Strings("clamped", c.Adjustments.Clamped),
			zap.Strings("unknown_conditions", c.Adjustments.UnknownConditions))
	}

	s.setPhase(PhaseEncoding)
	c.CurrentPayload = protocol.EncodeCurrent(cw)
	c.ForecastPayload = protocol.EncodeForecast(fc)
	return nil
}

func (s *Scheduler) runCycle(ctx context.Context, p provider.WeatherProvider) *Cycle {
	c := &Cycle{ID: uuid.NewString(), Provider: p, StartedAt: s.now()}
	defer func() { c.FinishedAt = s.now() }()

	settle := func(err error) *Cycle {
		switch {
		case ctx.Err() != nil:
			c.Outcome, c.Err = OutcomeCancelled, ctx.Err()
		case err != nil:
			c.Outcome, c.Err = OutcomeFailed, err
		default:
			c.Outcome = OutcomeSucceeded
		}
		return c
	}

	if err := s.prepare(ctx, c); err != nil {
		return settle(err)
	}

	s.setPhase(PhaseTransmitting)
	for _, msg := range [][]byte{c.CurrentPayload, c.ForecastPayload} {
		if err := ctx.Err(); err != nil {
			return settle(err)
		}
		if err := s.write(ctx, msg); err != nil {
			return settle(err)
		}
		c.Written++
	}
	return settle(nil)
}

func (s *Scheduler) write(ctx context.Context, msg []byte) error {
	if s.sink == nil {
		return fmt.Errorf("%w: no device", provider.ErrTransportFailure)
	}
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.sink.Write(ctx, msg)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, provider.ErrTransportFailure) {
		return err
	}
	return fmt.Errorf("%w: %w", provider.ErrTransportFailure, err)
}

func mergeAdjustments(a, b mapper.Adjustments) mapper.Adjustments {
	return mapper.Adjustments{
		LocationTruncated: a.LocationTruncated || b.LocationTruncated,
		DaysDropped:       a.DaysDropped + b.DaysDropped,
		Clamped:           append(a.Clamped, b.Clamped...),
		UnknownConditions: append(a.UnknownConditions, b.UnknownConditions...),
	}
}
