package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"weather-bridge/internal/protocol"
	"weather-bridge/internal/provider"
)

var testProvider = provider.WeatherProvider{Name: "KWeather", ServiceName: "org.kde.kweather"}

type fakeSource struct {
	mu       sync.Mutex
	errs     []error // returned by successive FetchCurrent calls, then nil
	calls    int
	current  provider.Record
	forecast []provider.Record

	// When set, FetchCurrent signals entered and blocks until cancelled.
	entered chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		current: provider.Record{
			"timestamp":   provider.Int64(1717236000),
			"temperature": provider.Double(22.5),
			"location":    provider.String("Berlin"),
			"weatherCode": provider.String("few-clouds"),
		},
		forecast: []provider.Record{
			{"temperatureMin": provider.Double(12), "temperatureMax": provider.Double(21), "weatherCode": provider.String("rain")},
		},
	}
}

func (f *fakeSource) FetchCurrent(ctx context.Context, p provider.WeatherProvider) (provider.Record, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	entered := f.entered
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if n <= len(f.errs) {
		return nil, f.errs[n-1]
	}
	return f.current, nil
}

func (f *fakeSource) FetchForecast(ctx context.Context, p provider.WeatherProvider, days int) ([]provider.Record, error) {
	return f.forecast, nil
}

type fakeSink struct {
	mu      sync.Mutex
	writes  [][]byte
	err     error
	onWrite func(n int)
}

func (f *fakeSink) Write(ctx context.Context, data []byte) error {
	f.mu.Lock()
	if f.err != nil {
		f.mu.Unlock()
		return f.err
	}
	f.writes = append(f.writes, data)
	n := len(f.writes)
	hook := f.onWrite
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

type chanRecorder chan *Cycle

func (r chanRecorder) SaveCycle(c *Cycle) error {
	select {
	case r <- c:
	default:
	}
	return nil
}

func nextCycle(t *testing.T, r chanRecorder) *Cycle {
	t.Helper()
	select {
	case c := <-r:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cycle")
		return nil
	}
}

// neverAfter parks the loop in Waiting until a refresh or cancellation.
func neverAfter(time.Duration) <-chan time.Time { return nil }

func TestBackoffSequence(t *testing.T) {
	s := New(Config{BackoffBase: 30 * time.Second, BackoffMax: 3 * time.Minute, Logger: zap.NewNop()})
	want := []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute, 3 * time.Minute, 3 * time.Minute}
	for i, w := range want {
		if got := s.backoff(i + 1); got != w {
			t.Errorf("backoff(%d) = %s, want %s", i+1, got, w)
		}
	}
	if got := s.backoff(500); got != 3*time.Minute {
		t.Errorf("backoff(500) = %s", got)
	}
}

func TestFailuresBackOffThenReset(t *testing.T) {
	source := newFakeSource()
	source.errs = []error{provider.ErrProviderUnavailable, provider.ErrTimeout, provider.ErrProviderUnavailable}
	sink := &fakeSink{}

	var mu sync.Mutex
	var waits []time.Duration
	parked := make(chan struct{})
	after := func(d time.Duration) <-chan time.Time {
		mu.Lock()
		defer mu.Unlock()
		waits = append(waits, d)
		if len(waits) == 4 {
			close(parked)
			return nil
		}
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}

	s := New(Config{
		Source:      source,
		Sink:        sink,
		Interval:    30 * time.Minute,
		BackoffBase: time.Second,
		BackoffMax:  3 * time.Second,
		Logger:      zap.NewNop(),
		After:       after,
	})
	s.Start(context.Background(), testProvider)
	select {
	case <-parked:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not reach the fourth wait")
	}
	status := s.Status()
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 30 * time.Minute}
	for i := range want {
		if waits[i] != want[i] {
			t.Fatalf("waits = %v, want %v", waits, want)
		}
	}
	for i := 1; i < 3; i++ {
		if waits[i] < waits[i-1] {
			t.Errorf("failure waits not monotonic: %v", waits)
		}
	}
	if sink.count() != 2 {
		t.Errorf("writes = %d, want 2 after one success", sink.count())
	}
	if status.Failures != 0 || status.Phase != PhaseWaiting {
		t.Errorf("status = %+v", status)
	}
	if s.State() != StateIdle {
		t.Errorf("state after Stop = %s", s.State())
	}
}

func TestCancelDuringFetchSendsNothing(t *testing.T) {
	source := newFakeSource()
	source.entered = make(chan struct{}, 1)
	sink := &fakeSink{}
	rec := make(chanRecorder, 4)

	s := New(Config{Source: source, Sink: sink, Recorder: rec, Logger: zap.NewNop(), After: neverAfter})
	s.Start(context.Background(), testProvider)
	<-source.entered
	if st := s.Status(); st.Phase != PhaseFetching || st.State != StateRunning {
		t.Errorf("status during fetch = %+v", st)
	}
	s.Stop()

	if n := sink.count(); n != 0 {
		t.Fatalf("%d messages written after cancellation", n)
	}
	c := nextCycle(t, rec)
	if c.Outcome != OutcomeCancelled || c.CurrentPayload != nil {
		t.Errorf("cycle = %+v", c)
	}
}

func TestCancelBetweenMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &fakeSink{onWrite: func(n int) {
		if n == 1 {
			cancel()
		}
	}}
	rec := make(chanRecorder, 4)

	s := New(Config{Source: newFakeSource(), Sink: sink, Recorder: rec, Logger: zap.NewNop(), After: neverAfter})
	s.Start(ctx, testProvider)
	c := nextCycle(t, rec)
	s.Stop()

	if c.Outcome != OutcomeCancelled {
		t.Errorf("outcome = %s", c.Outcome)
	}
	if sink.count() != 1 || c.Written != 1 {
		t.Errorf("writes = %d, cycle.Written = %d, want 1", sink.count(), c.Written)
	}
	if len(sink.writes[0]) != protocol.CurrentSize {
		t.Errorf("first write is %d bytes", len(sink.writes[0]))
	}
}

func TestProviderRemovedStops(t *testing.T) {
	rec := make(chanRecorder, 4)
	s := New(Config{Source: newFakeSource(), Sink: &fakeSink{}, Recorder: rec, Logger: zap.NewNop(), After: neverAfter})
	s.Start(context.Background(), testProvider)
	nextCycle(t, rec)

	s.HandleProviderEvent(provider.Event{Kind: provider.EventAdded, Provider: testProvider})
	s.HandleProviderEvent(provider.Event{Kind: provider.EventRemoved, Provider: provider.WeatherProvider{ServiceName: "org.gnome.Weather"}})
	if s.State() != StateRunning {
		t.Fatal("unrelated events stopped the scheduler")
	}

	s.HandleProviderEvent(provider.Event{Kind: provider.EventRemoved, Provider: testProvider})
	if s.State() != StateIdle {
		t.Fatal("scheduler still running after its provider was removed")
	}
	if s.Refresh() {
		t.Error("Refresh should report false while idle")
	}
}

func TestRefreshSkipsWait(t *testing.T) {
	sink := &fakeSink{}
	rec := make(chanRecorder, 4)
	s := New(Config{Source: newFakeSource(), Sink: sink, Recorder: rec, Logger: zap.NewNop(), After: neverAfter})
	s.Start(context.Background(), testProvider)
	defer s.Stop()

	first := nextCycle(t, rec)
	if first.NextWait != DefaultInterval {
		t.Errorf("next wait = %s", first.NextWait)
	}
	if !s.Refresh() {
		t.Fatal("Refresh returned false while running")
	}
	second := nextCycle(t, rec)
	if second.ID == first.ID || second.Outcome != OutcomeSucceeded {
		t.Errorf("second cycle = %+v", second)
	}
	if sink.count() != 4 {
		t.Errorf("writes = %d", sink.count())
	}
}

func TestTransportFailure(t *testing.T) {
	sink := &fakeSink{err: errors.New("gatt write rejected")}
	rec := make(chanRecorder, 8)
	after := func(time.Duration) <-chan time.Time {
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}
	s := New(Config{
		Source:           newFakeSource(),
		Sink:             sink,
		Recorder:         rec,
		BreakerThreshold: 2,
		Logger:           zap.NewNop(),
		After:            after,
	})
	s.Start(context.Background(), testProvider)
	defer s.Stop()

	for i := 0; i < 3; i++ {
		c := nextCycle(t, rec)
		if c.Outcome != OutcomeFailed || !errors.Is(c.Err, provider.ErrTransportFailure) {
			t.Fatalf("cycle %d: outcome %s err %v", i, c.Outcome, c.Err)
		}
		if c.CurrentPayload == nil {
			t.Errorf("cycle %d: payload should be encoded before the write", i)
		}
	}
}

func TestIncompleteDataSkipsTransmission(t *testing.T) {
	source := newFakeSource()
	source.errs = []error{provider.ErrProviderUnavailable}
	delete(source.current, "timestamp")
	sink := &fakeSink{}
	rec := make(chanRecorder, 8)
	s := New(Config{Source: source, Sink: sink, Recorder: rec, Logger: zap.NewNop(), After: neverAfter})
	s.Start(context.Background(), testProvider)
	defer s.Stop()

	first := nextCycle(t, rec)
	if first.NextWait != DefaultBackoffBase {
		t.Fatalf("unavailable source: next wait = %s", first.NextWait)
	}

	// Incomplete records keep the regular interval and leave the failure
	// count where it was.
	for i := 0; i < 3; i++ {
		if !s.Refresh() {
			t.Fatalf("cycle %d: Refresh returned false", i)
		}
		c := nextCycle(t, rec)
		if !errors.Is(c.Err, provider.ErrDataIncomplete) {
			t.Errorf("cycle %d: err = %v", i, c.Err)
		}
		if c.NextWait != DefaultInterval {
			t.Errorf("cycle %d: next wait = %s, want %s", i, c.NextWait, DefaultInterval)
		}
		if got := s.Status().Failures; got != 1 {
			t.Errorf("cycle %d: failures = %d, want 1", i, got)
		}
	}
	if sink.count() != 0 {
		t.Errorf("writes = %d", sink.count())
	}
}

func TestPrepare(t *testing.T) {
	s := New(Config{Source: newFakeSource(), Logger: zap.NewNop()})
	c, err := s.Prepare(context.Background(), testProvider)
	if err != nil {
		t.Fatal(err)
	}
	if len(c.CurrentPayload) != protocol.CurrentSize || len(c.ForecastPayload) != protocol.ForecastSize {
		t.Fatalf("payload sizes %d/%d", len(c.CurrentPayload), len(c.ForecastPayload))
	}
	cw, err := protocol.DecodeCurrent(c.CurrentPayload)
	if err != nil {
		t.Fatal(err)
	}
	if cw.Location != "Berlin" || cw.Temperature != 2250 {
		t.Errorf("decoded %+v", cw)
	}
	if c.Forecast == nil || len(c.Forecast.Days) != 1 {
		t.Errorf("forecast = %+v", c.Forecast)
	}
}
