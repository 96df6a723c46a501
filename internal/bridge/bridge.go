package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"weather-bridge/internal/provider"
	"weather-bridge/internal/scheduler"
)

const (
	DefaultRestartDelay   = 5 * time.Second
	DefaultReconnectDelay = 10 * time.Second
)

var ErrUnknownProvider = errors.New("provider is not available")

type Registry interface {
	WatchProviders(ctx context.Context, events chan<- provider.Event) error
	Snapshot() []provider.WeatherProvider
	Lookup(serviceName string) (provider.WeatherProvider, bool)
}

type Updates interface {
	WatchUpdates(ctx context.Context, p provider.WeatherProvider) (<-chan struct{}, error)
}

// Device is the wearable link. WatchDisconnect closes its channel when the
// link drops.
type Device interface {
	Connect(ctx context.Context) error
	WatchDisconnect(ctx context.Context) (<-chan struct{}, error)
}

type Config struct {
	Registry  Registry
	Updates   Updates
	Device    Device
	Scheduler *scheduler.Scheduler

	// AutoSelect picks the first available provider when none is selected.
	AutoSelect bool
	// Preferred is selected whenever it appears and nothing is selected.
	Preferred string

	RestartDelay   time.Duration
	ReconnectDelay time.Duration
	Logger         *zap.Logger
}

// Bridge ties provider discovery, the user's selection and the device
// connection to the refresh scheduler.
type Bridge struct {
	registry   Registry
	updates    Updates
	device     Device
	scheduler  *scheduler.Scheduler
	autoSelect bool
	preferred  string
	restart    time.Duration
	reconnect  time.Duration
	logger     *zap.Logger

	// opMu serializes selection and connection transitions.
	opMu sync.Mutex

	mu            sync.RWMutex
	ctx           context.Context
	selected      *provider.WeatherProvider
	connected     bool
	stopUpdates   context.CancelFunc
	watchRestarts int
}

type Status struct {
	Selected        *provider.WeatherProvider
	DeviceConnected bool
	AutoSelect      bool
	WatchRestarts   int
	Providers       []provider.WeatherProvider
	Scheduler       scheduler.Status
}

func New(cfg Config) *Bridge {
	b := &Bridge{
		registry:   cfg.Registry,
		updates:    cfg.Updates,
		device:     cfg.Device,
		scheduler:  cfg.Scheduler,
		autoSelect: cfg.AutoSelect,
		preferred:  cfg.Preferred,
		restart:    cfg.RestartDelay,
		reconnect:  cfg.ReconnectDelay,
		logger:     cfg.Logger,
	}
	if b.restart <= 0 {
		b.restart = DefaultRestartDelay
	}
	if b.reconnect <= 0 {
		b.reconnect = DefaultReconnectDelay
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	return b
}

// Run blocks until ctx ends. The scheduler is idle when it returns.
func (b *Bridge) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	b.mu.Lock()
	b.ctx = gctx
	b.mu.Unlock()

	events := make(chan provider.Event, 16)
	g.Go(func() error { return b.watchProviders(gctx, events) })
	g.Go(func() error { return b.handleEvents(gctx, events) })
	if b.device != nil {
		g.Go(func() error { return b.maintainDevice(gctx) })
	} else {
		b.setConnected(true)
	}

	err := g.Wait()

	b.opMu.Lock()
	b.scheduler.Stop()
	b.cancelUpdates()
	b.mu.Lock()
	b.ctx = nil
	b.connected = false
	b.mu.Unlock()
	b.opMu.Unlock()
	return err
}

// watchProviders restarts the registry watch after transport failures.
func (b *Bridge) watchProviders(ctx context.Context, events chan<- provider.Event) error {
	for {
		err := b.registry.WatchProviders(ctx, events)
		if ctx.Err() != nil {
			return nil
		}
		b.mu.Lock()
		b.watchRestarts++
		b.mu.Unlock()
		b.logger.Warn("Provider watch stopped, restarting",
			zap.Duration("delay", b.restart), zap.Error(err))
		if !sleep(ctx, b.restart) {
			return nil
		}
	}
}

func (b *Bridge) handleEvents(ctx context.Context, events <-chan provider.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			b.handleEvent(ev)
		}
	}
}

func (b *Bridge) handleEvent(ev provider.Event) {
	b.logger.Info("Provider event",
		zap.String("event", ev.Kind.String()),
		zap.String("provider", ev.Provider.Name),
		zap.String("service", ev.Provider.ServiceName))

	b.opMu.Lock()
	defer b.opMu.Unlock()

	b.scheduler.HandleProviderEvent(ev)

	b.mu.RLock()
	selected := b.selected
	b.mu.RUnlock()

	switch ev.Kind {
	case provider.EventAdded:
		if selected != nil {
			return
		}
		if b.autoSelect || ev.Provider.ServiceName == b.preferred {
			b.selectLocked(ev.Provider)
		}
	case provider.EventRemoved:
		if selected == nil || selected.ServiceName != ev.Provider.ServiceName {
			return
		}
		b.deselectLocked()
		if !b.autoSelect {
			return
		}
		for _, p := range b.registry.Snapshot() {
			if p.ServiceName != ev.Provider.ServiceName {
				b.selectLocked(p)
				return
			}
		}
	}
}

func (b *Bridge) maintainDevice(ctx context.Context) error {
	for {
		if err := b.device.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Warn("Device connection failed",
				zap.Duration("retry_in", b.reconnect), zap.Error(err))
			if !sleep(ctx, b.reconnect) {
				return nil
			}
			continue
		}
		disconnected, err := b.device.WatchDisconnect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Warn("Failed to watch device", zap.Error(err))
			if !sleep(ctx, b.reconnect) {
				return nil
			}
			continue
		}

		b.logger.Info("Device connected")
		b.setConnected(true)

		select {
		case <-ctx.Done():
			return nil
		case <-disconnected:
		}
		if ctx.Err() != nil {
			return nil
		}
		b.logger.Info("Device disconnected", zap.Duration("reconnect_in", b.reconnect))
		b.setConnected(false)
		if !sleep(ctx, b.reconnect) {
			return nil
		}
	}
}

func (b *Bridge) setConnected(connected bool) {
	b.opMu.Lock()
	defer b.opMu.Unlock()

	b.mu.Lock()
	b.connected = connected
	selected := b.selected
	b.mu.Unlock()

	if !connected {
		b.scheduler.Stop()
		b.cancelUpdates()
		return
	}
	if selected != nil {
		b.activateLocked(*selected)
	}
}

// Select makes the named provider the weather source.
func (b *Bridge) Select(serviceName string) (provider.WeatherProvider, error) {
	p, ok := b.registry.Lookup(serviceName)
	if !ok {
		return provider.WeatherProvider{}, ErrUnknownProvider
	}
	b.opMu.Lock()
	defer b.opMu.Unlock()
	b.selectLocked(p)
	return p, nil
}

// Deselect stops refreshing and clears the selection.
func (b *Bridge) Deselect() {
	b.opMu.Lock()
	defer b.opMu.Unlock()
	b.deselectLocked()
}

func (b *Bridge) selectLocked(p provider.WeatherProvider) {
	b.logger.Info("Provider selected", zap.String("provider", p.Name), zap.String("service", p.ServiceName))
	b.mu.Lock()
	b.selected = &p
	b.mu.Unlock()
	b.activateLocked(p)
}

func (b *Bridge) deselectLocked() {
	b.mu.Lock()
	b.selected = nil
	b.mu.Unlock()
	b.scheduler.Stop()
	b.cancelUpdates()
}

// activateLocked starts the scheduler when running with a connected device.
func (b *Bridge) activateLocked(p provider.WeatherProvider) {
	b.mu.RLock()
	ctx, connected := b.ctx, b.connected
	b.mu.RUnlock()
	if ctx == nil || !connected {
		return
	}
	b.scheduler.Start(ctx, p)
	b.watchUpdates(ctx, p)
}

func (b *Bridge) watchUpdates(ctx context.Context, p provider.WeatherProvider) {
	b.cancelUpdates()
	if b.updates == nil {
		return
	}
	uctx, cancel := context.WithCancel(ctx)
	ch, err := b.updates.WatchUpdates(uctx, p)
	if err != nil {
		cancel()
		b.logger.Warn("Update signal unavailable, polling only",
			zap.String("service", p.ServiceName), zap.Error(err))
		return
	}
	b.mu.Lock()
	b.stopUpdates = cancel
	b.mu.Unlock()

	go func() {
		for range ch {
			b.logger.Debug("Provider announced new data", zap.String("service", p.ServiceName))
			b.scheduler.Refresh()
		}
	}()
}

func (b *Bridge) cancelUpdates() {
	b.mu.Lock()
	cancel := b.stopUpdates
	b.stopUpdates = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Refresh requests an early cycle. It reports false when idle.
func (b *Bridge) Refresh() bool {
	return b.scheduler.Refresh()
}

func (b *Bridge) Providers() []provider.WeatherProvider {
	return b.registry.Snapshot()
}

func (b *Bridge) Status() Status {
	b.mu.RLock()
	st := Status{
		DeviceConnected: b.connected,
		AutoSelect:      b.autoSelect,
		WatchRestarts:   b.watchRestarts,
	}
	if b.selected != nil {
		p := *b.selected
		st.Selected = &p
	}
	b.mu.RUnlock()

	st.Providers = b.registry.Snapshot()
	st.Scheduler = b.scheduler.Status()
	return st
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
