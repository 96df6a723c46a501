package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

var errAlreadyWatching = errors.New("provider registry is already being watched")

type Registry struct {
	bus       Bus
	allowlist Allowlist
	logger    *zap.Logger

	watchMu sync.Mutex

	mu      sync.RWMutex
	present map[string]WeatherProvider
}

type RegistryConfig struct {
	Bus       Bus
	Allowlist Allowlist
	Logger    *zap.Logger
}

func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		bus:       cfg.Bus,
		allowlist: cfg.Allowlist,
		logger:    logger.Named("registry"),
		present:   make(map[string]WeatherProvider),
	}
}

// ListProviders asks the bus which allowlisted sources are reachable right
// now. No sources is an empty result, not an error.
func (r *Registry) ListProviders(ctx context.Context) ([]WeatherProvider, error) {
	names, err := r.bus.ListNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list bus names: %v", ErrTransportFailure, err)
	}
	return r.recognized(names), nil
}

// Snapshot returns the provider set maintained by WatchProviders.
func (r *Registry) Snapshot() []WeatherProvider {
	r.mu.RLock()
	out := make([]WeatherProvider, 0, len(r.present))
	for _, p := range r.present {
		out = append(out, p)
	}
	r.mu.RUnlock()
	r.sort(out)
	return out
}

// Lookup reports whether serviceName is currently present.
func (r *Registry) Lookup(serviceName string) (WeatherProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.present[serviceName]
	return p, ok
}

// WatchProviders sends an EventAdded or EventRemoved event to events each
// time an allowlisted source appears or disappears. It first reconciles the current
// bus state with what earlier runs reported, so it can be called again
// after a failure. It returns nil when ctx ends and a TransportFailure when
// the bus connection is lost.
func (r *Registry) WatchProviders(ctx context.Context, events chan<- Event) error {
	if !r.watchMu.TryLock() {
		return errAlreadyWatching
	}
	defer r.watchMu.Unlock()

	// Subscribe before listing so no change falls between the two.
	changes, err := r.bus.NameOwnerChanges(ctx)
	if err != nil {
		return fmt.Errorf("%w: subscribe to name owner changes: %v", ErrTransportFailure, err)
	}
	names, err := r.bus.ListNames(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: list bus names: %v", ErrTransportFailure, err)
	}
	if !r.reconcile(ctx, r.recognized(names), events) {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-changes:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: name owner stream closed", ErrTransportFailure)
			}
			if !r.apply(ctx, change, events) {
				return nil
			}
		}
	}
}

func (r *Registry) reconcile(ctx context.Context, current []WeatherProvider, events chan<- Event) bool {
	seen := make(map[string]bool, len(current))
	for _, p := range current {
		seen[p.ServiceName] = true
	}

	r.mu.RLock()
	var gone []WeatherProvider
	for name, p := range r.present {
		if !seen[name] {
			gone = append(gone, p)
		}
	}
	r.mu.RUnlock()
	r.sort(gone)

	for _, p := range gone {
		if !r.remove(ctx, p.ServiceName, events) {
			return false
		}
	}
	for _, p := range current {
		if !r.add(ctx, p, events) {
			return false
		}
	}
	return true
}

func (r *Registry) apply(ctx context.Context, change NameOwnerChange, events chan<- Event) bool {
	p, ok := r.allowlist.Lookup(change.Name)
	if !ok {
		return true
	}
	if change.NewOwner == "" {
		return r.remove(ctx, p.ServiceName, events)
	}
	// An owner handover keeps the well-known name reachable, so it is
	// either a new arrival or nothing at all.
	return r.add(ctx, p, events)
}

// add and remove update the present set before the event goes out, so a
// consumer reacting to it already sees the change through Lookup. A send
// cut short by ctx rolls the change back, and a restarted watch re-reports
// it.
func (r *Registry) add(ctx context.Context, p WeatherProvider, events chan<- Event) bool {
	r.mu.Lock()
	if _, exists := r.present[p.ServiceName]; exists {
		r.mu.Unlock()
		return true
	}
	r.present[p.ServiceName] = p
	r.mu.Unlock()

	if !r.emit(ctx, Event{Kind: EventAdded, Provider: p}, events) {
		r.mu.Lock()
		delete(r.present, p.ServiceName)
		r.mu.Unlock()
		return false
	}

	r.logger.Info("Weather provider started", zap.String("provider", p.Name), zap.String("service", p.ServiceName))
	return true
}

func (r *Registry) remove(ctx context.Context, serviceName string, events chan<- Event) bool {
	r.mu.Lock()
	p, exists := r.present[serviceName]
	if !exists {
		r.mu.Unlock()
		return true
	}
	delete(r.present, serviceName)
	r.mu.Unlock()

	if !r.emit(ctx, Event{Kind: EventRemoved, Provider: p}, events) {
		r.mu.Lock()
		r.present[serviceName] = p
		r.mu.Unlock()
		return false
	}

	r.logger.Info("Weather provider stopped", zap.String("provider", p.Name), zap.String("service", p.ServiceName))
	return true
}

func (r *Registry) emit(ctx context.Context, ev Event, events chan<- Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Registry) recognized(names []string) []WeatherProvider {
	var out []WeatherProvider
	for _, name := range names {
		if p, ok := r.allowlist.Lookup(name); ok {
			out = append(out, p)
		}
	}
	r.sort(out)
	return out
}

func (r *Registry) sort(providers []WeatherProvider) {
	sort.Slice(providers, func(i, j int) bool {
		return r.allowlist.order(providers[i].ServiceName) < r.allowlist.order(providers[j].ServiceName)
	})
}
