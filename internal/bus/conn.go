package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"weather-bridge/internal/provider"
)

const (
	busName      = "org.freedesktop.DBus"
	busPath      = dbus.ObjectPath("/org/freedesktop/DBus")
	propertiesIf = "org.freedesktop.DBus.Properties"
)

// Conn adapts a godbus connection to the provider.Bus and provider.Caller
// interfaces.
type Conn struct {
	conn   *dbus.Conn
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

type Config struct {
	// Address of the bus. Empty means the session bus.
	Address string
	Logger  *zap.Logger
}

func Connect(ctx context.Context, cfg Config) (*Conn, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		conn *dbus.Conn
		err  error
	)
	if cfg.Address == "" {
		conn, err = dbus.SessionBusPrivate(dbus.WithContext(ctx))
	} else {
		conn, err = dbus.Dial(cfg.Address, dbus.WithContext(ctx))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: connect to bus: %v", provider.ErrTransportFailure, err)
	}
	if err := conn.Auth(nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: authenticate to bus: %v", provider.ErrTransportFailure, err)
	}
	if err := conn.Hello(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: register on bus: %v", provider.ErrTransportFailure, err)
	}

	return &Conn{conn: conn, logger: logger.Named("bus")}, nil
}

func (c *Conn) ListNames(ctx context.Context) ([]string, error) {
	var names []string
	err := c.conn.BusObject().CallWithContext(ctx, busName+".ListNames", 0).Store(&names)
	if err != nil {
		return nil, fmt.Errorf("ListNames: %w", err)
	}
	return names, nil
}

func (c *Conn) NameOwnerChanges(ctx context.Context) (<-chan provider.NameOwnerChange, error) {
	signals, err := c.subscribe(ctx, []dbus.MatchOption{
		dbus.WithMatchSender(busName),
		dbus.WithMatchObjectPath(busPath),
		dbus.WithMatchInterface(busName),
		dbus.WithMatchMember("NameOwnerChanged"),
	}, func(s *dbus.Signal) bool {
		return s.Path == busPath && s.Name == busName+".NameOwnerChanged"
	})
	if err != nil {
		return nil, err
	}

	out := make(chan provider.NameOwnerChange, 16)
	go func() {
		defer close(out)
		for s := range signals {
			var change provider.NameOwnerChange
			if err := dbus.Store(s.Body, &change.Name, &change.OldOwner, &change.NewOwner); err != nil {
				c.logger.Warn("Malformed NameOwnerChanged signal", zap.Error(err))
				continue
			}
			select {
			case out <- change:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Conn) Call(ctx context.Context, dest string, path dbus.ObjectPath, method string, args ...interface{}) ([]interface{}, error) {
	call := c.conn.Object(dest, path).CallWithContext(ctx, method, 0, args...)
	if call.Err != nil {
		return nil, call.Err
	}
	return call.Body, nil
}

func (c *Conn) GetAllProperties(ctx context.Context, dest string, path dbus.ObjectPath, iface string) (map[string]dbus.Variant, error) {
	var props map[string]dbus.Variant
	err := c.conn.Object(dest, path).CallWithContext(ctx, propertiesIf+".GetAll", 0, iface).Store(&props)
	if err != nil {
		return nil, err
	}
	return props, nil
}

// Signals streams signals emitted by the current owner of sender.
func (c *Conn) Signals(ctx context.Context, sender string, path dbus.ObjectPath, iface, member string) (<-chan *dbus.Signal, error) {
	// Delivered signals carry the unique name, not the well-known one.
	var owner string
	err := c.conn.BusObject().CallWithContext(ctx, busName+".GetNameOwner", 0, sender).Store(&owner)
	if err != nil {
		return nil, fmt.Errorf("GetNameOwner %s: %w", sender, err)
	}
	return c.subscribe(ctx, []dbus.MatchOption{
		dbus.WithMatchSender(sender),
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(iface),
		dbus.WithMatchMember(member),
	}, func(s *dbus.Signal) bool {
		return s.Sender == owner && s.Path == path && s.Name == iface+"."+member
	})
}

// subscribe registers a match rule and a private signal channel. The
// returned channel closes when ctx ends or the connection is lost.
func (c *Conn) subscribe(ctx context.Context, match []dbus.MatchOption, keep func(*dbus.Signal) bool) (<-chan *dbus.Signal, error) {
	if err := c.conn.AddMatchSignalContext(ctx, match...); err != nil {
		return nil, fmt.Errorf("add match: %w", err)
	}

	in := make(chan *dbus.Signal, 32)
	c.conn.Signal(in)

	out := make(chan *dbus.Signal, 16)
	go func() {
		defer close(out)
		defer func() {
			c.conn.RemoveSignal(in)
			if c.conn.Connected() {
				if err := c.conn.RemoveMatchSignal(match...); err != nil {
					c.logger.Debug("Failed to remove match rule", zap.Error(err))
				}
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case s, ok := <-in:
				if !ok {
					return
				}
				if s == nil || !keep(s) {
					continue
				}
				select {
				case out <- s:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
