package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"weather-bridge/internal/provider"
	"weather-bridge/internal/scheduler"
)

var (
	kweather = provider.WeatherProvider{Name: "KWeather", ServiceName: "org.kde.kweather"}
	gnome    = provider.WeatherProvider{Name: "GNOME Weather", ServiceName: "org.gnome.Weather"}
)

type fakeRegistry struct {
	mu        sync.Mutex
	present   map[string]provider.WeatherProvider
	order     []string
	events    chan provider.Event
	failFirst int
	calls     int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{present: make(map[string]provider.WeatherProvider), events: make(chan provider.Event)}
}

func (f *fakeRegistry) WatchProviders(ctx context.Context, out chan<- provider.Event) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failFirst
	f.mu.Unlock()
	if fail {
		return provider.ErrTransportFailure
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-f.events:
			select {
			case out <- ev:
			case <-ctx.Done():
				return nil
			}
			f.mu.Lock()
			if ev.Kind == provider.EventAdded {
				f.present[ev.Provider.ServiceName] = ev.Provider
				f.order = append(f.order, ev.Provider.ServiceName)
			} else {
				delete(f.present, ev.Provider.ServiceName)
			}
			f.mu.Unlock()
		}
	}
}

func (f *fakeRegistry) Snapshot() []provider.WeatherProvider {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []provider.WeatherProvider
	for _, s := range f.order {
		if p, ok := f.present[s]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeRegistry) Lookup(service string) (provider.WeatherProvider, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.present[service]
	return p, ok
}

func (f *fakeRegistry) send(t *testing.T, kind provider.EventKind, p provider.WeatherProvider) {
	t.Helper()
	select {
	case f.events <- provider.Event{Kind: kind, Provider: p}:
	case <-time.After(2 * time.Second):
		t.Fatal("registry event not consumed")
	}
}

type fakeDevice struct {
	mu      sync.Mutex
	current chan struct{}
	// hold, when set, blocks Connect until closed.
	hold chan struct{}
}

func (d *fakeDevice) Connect(ctx context.Context) error {
	d.mu.Lock()
	hold := d.hold
	d.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (d *fakeDevice) WatchDisconnect(ctx context.Context) (<-chan struct{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.current = make(chan struct{})
	return d.current, nil
}

func (d *fakeDevice) drop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	close(d.current)
}

type fakeUpdates struct {
	mu sync.Mutex
	ch chan struct{}
}

func (u *fakeUpdates) WatchUpdates(ctx context.Context, p provider.WeatherProvider) (<-chan struct{}, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(chan struct{})
	u.ch = make(chan struct{}, 1)
	in := u.ch
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-in:
				out <- struct{}{}
			}
		}
	}()
	return out, nil
}

func (u *fakeUpdates) watching() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.ch != nil
}

func (u *fakeUpdates) announce() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.ch != nil {
		u.ch <- struct{}{}
	}
}

type fakeSource struct{}

func (fakeSource) FetchCurrent(ctx context.Context, p provider.WeatherProvider) (provider.Record, error) {
	return provider.Record{
		"timestamp":   provider.Int64(1717236000),
		"temperature": provider.Double(18),
		"location":    provider.String(p.Name),
	}, nil
}

func (fakeSource) FetchForecast(ctx context.Context, p provider.WeatherProvider, days int) ([]provider.Record, error) {
	return nil, nil
}

type nopSink struct{}

func (nopSink) Write(ctx context.Context, data []byte) error { return nil }

type cycleLog struct {
	mu     sync.Mutex
	cycles []*scheduler.Cycle
}

func (l *cycleLog) SaveCycle(c *scheduler.Cycle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cycles = append(l.cycles, c)
	return nil
}

func (l *cycleLog) succeededFor(service string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.cycles {
		if c.Provider.ServiceName == service && c.Outcome == scheduler.OutcomeSucceeded {
			n++
		}
	}
	return n
}

type harness struct {
	bridge   *Bridge
	registry *fakeRegistry
	device   *fakeDevice
	updates  *fakeUpdates
	log      *cycleLog
	cancel   context.CancelFunc
	done     chan error
}

func start(t *testing.T, autoSelect bool) *harness {
	t.Helper()
	h := &harness{
		registry: newFakeRegistry(),
		device:   &fakeDevice{},
		updates:  &fakeUpdates{},
		log:      &cycleLog{},
		done:     make(chan error, 1),
	}
	sched := scheduler.New(scheduler.Config{
		Source:   fakeSource{},
		Sink:     nopSink{},
		Recorder: h.log,
		Logger:   zap.NewNop(),
		After:    func(time.Duration) <-chan time.Time { return nil },
	})
	h.bridge = New(Config{
		Registry:       h.registry,
		Updates:        h.updates,
		Device:         h.device,
		Scheduler:      sched,
		AutoSelect:     autoSelect,
		RestartDelay:   10 * time.Millisecond,
		ReconnectDelay: 10 * time.Millisecond,
		Logger:         zap.NewNop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.bridge.Run(ctx) }()
	t.Cleanup(h.stop)
	eventually(t, "device connected", func() bool { return h.bridge.Status().DeviceConnected })
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.done
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAutoSelectFirstProvider(t *testing.T) {
	h := start(t, true)
	h.registry.send(t, provider.EventAdded, kweather)
	h.registry.send(t, provider.EventAdded, gnome)

	eventually(t, "first cycle", func() bool { return h.log.succeededFor(kweather.ServiceName) == 1 })
	st := h.bridge.Status()
	if st.Selected == nil || st.Selected.ServiceName != kweather.ServiceName {
		t.Fatalf("selected = %+v", st.Selected)
	}
	if st.Scheduler.State != scheduler.StateRunning {
		t.Errorf("scheduler state = %s", st.Scheduler.State)
	}
}

func TestRemovalFallsBackToNextProvider(t *testing.T) {
	h := start(t, true)
	h.registry.send(t, provider.EventAdded, kweather)
	h.registry.send(t, provider.EventAdded, gnome)
	eventually(t, "kweather cycle", func() bool { return h.log.succeededFor(kweather.ServiceName) == 1 })

	h.registry.send(t, provider.EventRemoved, kweather)
	eventually(t, "gnome cycle", func() bool { return h.log.succeededFor(gnome.ServiceName) == 1 })
	if st := h.bridge.Status(); st.Selected == nil || st.Selected.ServiceName != gnome.ServiceName {
		t.Errorf("selected = %+v", st.Selected)
	}
}

func TestManualSelection(t *testing.T) {
	h := start(t, false)
	h.registry.send(t, provider.EventAdded, kweather)
	eventually(t, "provider listed", func() bool { return len(h.bridge.Providers()) == 1 })
	if st := h.bridge.Status(); st.Selected != nil {
		t.Fatalf("selected without auto-select: %+v", st.Selected)
	}

	if _, err := h.bridge.Select("org.example.Missing"); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("unknown provider: %v", err)
	}
	p, err := h.bridge.Select(kweather.ServiceName)
	if err != nil || p != kweather {
		t.Fatalf("Select = %+v, %v", p, err)
	}
	eventually(t, "cycle", func() bool { return h.log.succeededFor(kweather.ServiceName) == 1 })

	h.bridge.Deselect()
	st := h.bridge.Status()
	if st.Selected != nil || st.Scheduler.State != scheduler.StateIdle {
		t.Errorf("after deselect: %+v", st)
	}

	// Removal of a provider that is not selected leaves nothing selected.
	h.registry.send(t, provider.EventRemoved, kweather)
	eventually(t, "provider gone", func() bool { return len(h.bridge.Providers()) == 0 })
	if h.bridge.Status().Selected != nil {
		t.Error("selection appeared after removal")
	}
}

func TestDisconnectStopsScheduler(t *testing.T) {
	h := start(t, true)
	h.registry.send(t, provider.EventAdded, kweather)
	eventually(t, "first cycle", func() bool { return h.log.succeededFor(kweather.ServiceName) == 1 })

	hold := make(chan struct{})
	h.device.mu.Lock()
	h.device.hold = hold
	h.device.mu.Unlock()

	h.device.drop()
	eventually(t, "scheduler idle", func() bool {
		st := h.bridge.Status()
		return !st.DeviceConnected && st.Scheduler.State == scheduler.StateIdle
	})
	if st := h.bridge.Status(); st.Selected == nil {
		t.Error("selection should survive a disconnect")
	}

	close(hold)
	eventually(t, "reconnect cycle", func() bool { return h.log.succeededFor(kweather.ServiceName) == 2 })
}

func TestUpdateSignalTriggersRefresh(t *testing.T) {
	h := start(t, true)
	h.registry.send(t, provider.EventAdded, kweather)
	eventually(t, "first cycle", func() bool { return h.log.succeededFor(kweather.ServiceName) == 1 })

	eventually(t, "update watch", h.updates.watching)
	h.updates.announce()
	eventually(t, "refreshed cycle", func() bool { return h.log.succeededFor(kweather.ServiceName) == 2 })

	if !h.bridge.Refresh() {
		t.Fatal("Refresh returned false while running")
	}
	eventually(t, "manual refresh", func() bool { return h.log.succeededFor(kweather.ServiceName) == 3 })
}

func TestWatchRestartsAfterTransportFailure(t *testing.T) {
	registry := newFakeRegistry()
	registry.failFirst = 2
	b := New(Config{
		Registry:     registry,
		Scheduler:    scheduler.New(scheduler.Config{Source: fakeSource{}, Sink: nopSink{}, Logger: zap.NewNop()}),
		RestartDelay: time.Millisecond,
		Logger:       zap.NewNop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	eventually(t, "restarts", func() bool { return b.Status().WatchRestarts == 2 })
	registry.send(t, provider.EventAdded, gnome)
	eventually(t, "provider listed", func() bool { return len(b.Providers()) == 1 })

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run = %v", err)
	}
}
