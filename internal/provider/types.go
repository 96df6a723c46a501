package provider

import (
	"context"

	"github.com/godbus/dbus/v5"
)

// WeatherProvider is a data source reachable on the bus. Identity is
// ServiceName.
type WeatherProvider struct {
	Name        string `json:"name"`
	ServiceName string `json:"service_name"`
}

type EventKind uint8

const (
	EventAdded EventKind = iota + 1
	EventRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventRemoved:
		return "removed"
	}
	return "unknown"
}

type Event struct {
	Kind     EventKind
	Provider WeatherProvider
}

// NameOwnerChange mirrors org.freedesktop.DBus.NameOwnerChanged.
type NameOwnerChange struct {
	Name     string
	OldOwner string
	NewOwner string
}

// Bus is the part of the message bus the registry needs.
type Bus interface {
	ListNames(ctx context.Context) ([]string, error)
	// NameOwnerChanges streams ownership changes. The channel is closed
	// when the bus connection is lost or ctx ends.
	NameOwnerChanges(ctx context.Context) (<-chan NameOwnerChange, error)
}

// Caller is the part of the message bus the client needs.
type Caller interface {
	Call(ctx context.Context, dest string, path dbus.ObjectPath, method string, args ...interface{}) ([]interface{}, error)
	GetAllProperties(ctx context.Context, dest string, path dbus.ObjectPath, iface string) (map[string]dbus.Variant, error)
	Signals(ctx context.Context, sender string, path dbus.ObjectPath, iface, member string) (<-chan *dbus.Signal, error)
}

// Allowlist is the fixed set of service names the registry recognizes,
// in display order.
type Allowlist struct {
	providers []WeatherProvider
	index     map[string]int
}

func NewAllowlist(providers ...WeatherProvider) Allowlist {
	a := Allowlist{index: make(map[string]int, len(providers))}
	for _, p := range providers {
		if p.ServiceName == "" {
			continue
		}
		if _, dup := a.index[p.ServiceName]; dup {
			continue
		}
		if p.Name == "" {
			p.Name = p.ServiceName
		}
		a.index[p.ServiceName] = len(a.providers)
		a.providers = append(a.providers, p)
	}
	return a
}

// DefaultAllowlist holds the two reference desktop weather applications.
func DefaultAllowlist() Allowlist {
	return NewAllowlist(
		WeatherProvider{Name: "KWeather", ServiceName: "org.kde.kweather"},
		WeatherProvider{Name: "GNOME Weather", ServiceName: "org.gnome.Weather"},
	)
}

func (a Allowlist) Lookup(serviceName string) (WeatherProvider, bool) {
	i, ok := a.index[serviceName]
	if !ok {
		return WeatherProvider{}, false
	}
	return a.providers[i], true
}

func (a Allowlist) Providers() []WeatherProvider {
	out := make([]WeatherProvider, len(a.providers))
	copy(out, a.providers)
	return out
}

func (a Allowlist) order(serviceName string) int {
	return a.index[serviceName]
}
