package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"weather-bridge/internal/bridge"
	"weather-bridge/internal/provider"
	"weather-bridge/internal/scheduler"
	"weather-bridge/internal/storage"
)

var (
	kweather = provider.WeatherProvider{Name: "KWeather", ServiceName: "org.kde.kweather"}
	gnome    = provider.WeatherProvider{Name: "GNOME Weather", ServiceName: "org.gnome.Weather"}
)

type fakeBridge struct {
	providers []provider.WeatherProvider
	selected  *provider.WeatherProvider
	running   bool
	refreshes int
	sched     scheduler.Status
}

func (f *fakeBridge) Providers() []provider.WeatherProvider { return f.providers }

func (f *fakeBridge) Status() bridge.Status {
	st := bridge.Status{Selected: f.selected, DeviceConnected: true, Providers: f.providers, Scheduler: f.sched}
	if f.running {
		st.Scheduler.State = scheduler.StateRunning
	}
	return st
}

func (f *fakeBridge) Select(service string) (provider.WeatherProvider, error) {
	for _, p := range f.providers {
		if p.ServiceName == service {
			p := p
			f.selected = &p
			f.running = true
			return p, nil
		}
	}
	return provider.WeatherProvider{}, bridge.ErrUnknownProvider
}

func (f *fakeBridge) Deselect() {
	f.selected = nil
	f.running = false
}

func (f *fakeBridge) Refresh() bool {
	if !f.running {
		return false
	}
	f.refreshes++
	return true
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestProviderSelection(t *testing.T) {
	fb := &fakeBridge{providers: []provider.WeatherProvider{kweather, gnome}}
	var persisted []string
	s := NewServer(ServerConfig{Bridge: fb, PersistSelection: func(service string) error {
		persisted = append(persisted, service)
		return nil
	}})

	if rec := do(t, s, http.MethodGet, "/api/v1/provider", ""); rec.Code != http.StatusNotFound {
		t.Errorf("GET provider with none selected = %d", rec.Code)
	}

	rec := do(t, s, http.MethodPut, "/api/v1/provider", `{"service_name":"org.gnome.Weather"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT = %d %s", rec.Code, rec.Body)
	}

	var list []ProviderResponse
	decode(t, do(t, s, http.MethodGet, "/api/v1/providers", ""), &list)
	if len(list) != 2 || list[0].Selected || !list[1].Selected {
		t.Errorf("providers = %+v", list)
	}

	var current ProviderResponse
	decode(t, do(t, s, http.MethodGet, "/api/v1/provider", ""), &current)
	if current.ServiceName != gnome.ServiceName {
		t.Errorf("selected = %+v", current)
	}

	if rec := do(t, s, http.MethodPut, "/api/v1/provider", `{"service_name":"org.example.Gone"}`); rec.Code != http.StatusNotFound {
		t.Errorf("unknown provider = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPut, "/api/v1/provider", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing service_name = %d", rec.Code)
	}

	if rec := do(t, s, http.MethodDelete, "/api/v1/provider", ""); rec.Code != http.StatusNoContent {
		t.Errorf("DELETE = %d", rec.Code)
	}
	if fb.selected != nil {
		t.Error("provider still selected")
	}
	if strings.Join(persisted, ",") != "org.gnome.Weather," {
		t.Errorf("persisted = %q", persisted)
	}
}

func TestSchedulerEndpoints(t *testing.T) {
	started := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	fb := &fakeBridge{
		providers: []provider.WeatherProvider{kweather},
		sched: scheduler.Status{
			Phase:    scheduler.PhaseWaiting,
			Provider: &kweather,
			Failures: 2,
			NextRun:  started.Add(time.Minute),
			LastCycle: &scheduler.Cycle{
				ID:         "c1",
				Provider:   kweather,
				StartedAt:  started,
				FinishedAt: started.Add(250 * time.Millisecond),
				Outcome:    scheduler.OutcomeFailed,
				Err:        provider.ErrTimeout,
			},
		},
	}
	s := NewServer(ServerConfig{Bridge: fb})

	if rec := do(t, s, http.MethodPost, "/api/v1/scheduler/refresh", ""); rec.Code != http.StatusConflict {
		t.Errorf("refresh while idle = %d", rec.Code)
	}
	fb.running = true
	if rec := do(t, s, http.MethodPost, "/api/v1/scheduler/refresh", ""); rec.Code != http.StatusAccepted || fb.refreshes != 1 {
		t.Errorf("refresh = %d, refreshes = %d", rec.Code, fb.refreshes)
	}

	var resp SchedulerResponse
	decode(t, do(t, s, http.MethodGet, "/api/v1/scheduler", ""), &resp)
	if resp.State != "running" || resp.Phase != "waiting" || resp.ConsecutiveFailures != 2 || resp.Provider != kweather.ServiceName {
		t.Errorf("scheduler = %+v", resp)
	}
	if resp.LastCycle == nil || resp.LastCycle.Outcome != "failed" || resp.LastCycle.DurationMs != 250 || resp.LastCycle.Error == "" {
		t.Errorf("last cycle = %+v", resp.LastCycle)
	}

	var health map[string]interface{}
	decode(t, do(t, s, http.MethodGet, "/health", ""), &health)
	if health["status"] != "healthy" || health["scheduler"] != "running" {
		t.Errorf("health = %v", health)
	}
}

func TestCycleHistory(t *testing.T) {
	fb := &fakeBridge{}
	if rec := do(t, NewServer(ServerConfig{Bridge: fb}), http.MethodGet, "/api/v1/cycles", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("without database = %d", rec.Code)
	}

	db, err := storage.NewDatabase(filepath.Join(t.TempDir(), "cycles.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	s := NewServer(ServerConfig{Bridge: fb, Database: db})

	if rec := do(t, s, http.MethodGet, "/api/v1/cycles/latest", ""); rec.Code != http.StatusNotFound {
		t.Errorf("latest on empty db = %d", rec.Code)
	}

	now := time.Now()
	for i, id := range []string{"first", "second"} {
		c := &scheduler.Cycle{
			ID:         id,
			Provider:   kweather,
			StartedAt:  now.Add(time.Duration(i) * time.Minute),
			FinishedAt: now.Add(time.Duration(i)*time.Minute + time.Second),
			Outcome:    scheduler.OutcomeSucceeded,
		}
		if err := db.SaveCycle(c); err != nil {
			t.Fatal(err)
		}
	}

	var latest storage.CycleRecord
	decode(t, do(t, s, http.MethodGet, "/api/v1/cycles/latest", ""), &latest)
	if latest.CycleID != "second" {
		t.Errorf("latest = %+v", latest)
	}

	var list []storage.CycleRecord
	decode(t, do(t, s, http.MethodGet, "/api/v1/cycles?limit=1", ""), &list)
	if len(list) != 1 || list[0].CycleID != "second" {
		t.Errorf("limited list = %+v", list)
	}

	var one storage.CycleRecord
	decode(t, do(t, s, http.MethodGet, "/api/v1/cycles/first", ""), &one)
	if one.CycleID != "first" {
		t.Errorf("by id = %+v", one)
	}
	if rec := do(t, s, http.MethodGet, "/api/v1/cycles/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing id = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/api/v1/cycles?from=yesterday&to=now", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad range = %d", rec.Code)
	}

	var stats []storage.ProviderStats
	decode(t, do(t, s, http.MethodGet, "/api/v1/stats/providers", ""), &stats)
	if len(stats) != 1 || stats[0].Succeeded != 2 {
		t.Errorf("stats = %+v", stats)
	}
}
