package bluez

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"weather-bridge/internal/protocol"
)

const (
	DefaultServiceUUID        = protocol.ServiceUUID
	DefaultCharacteristicUUID = protocol.CharacteristicUUID
	DefaultAdapter            = "hci0"
)

const (
	bluezService  = "org.bluez"
	deviceIface   = "org.bluez.Device1"
	serviceIface  = "org.bluez.GattService1"
	charIface     = "org.bluez.GattCharacteristic1"
	propertiesIf  = "org.freedesktop.DBus.Properties"
	objectManager = "org.freedesktop.DBus.ObjectManager"

	resolvePollInterval = 200 * time.Millisecond
)

var ErrNotConnected = errors.New("device not connected")

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Client writes weather messages to one watch through BlueZ on the system
// bus.
type Client struct {
	conn        *dbus.Conn
	mu          sync.Mutex
	adapter     string
	address     string
	serviceUUID string
	charUUID    string
	timeout     time.Duration
	logger      *zap.Logger

	charPath dbus.ObjectPath
}

type ClientConfig struct {
	Adapter            string
	Address            string
	ServiceUUID        string
	CharacteristicUUID string
	Timeout            time.Duration
	Logger             *zap.Logger
}

func NewClient(cfg ClientConfig) *Client {
	c := &Client{
		adapter:     cfg.Adapter,
		address:     cfg.Address,
		serviceUUID: strings.ToLower(cfg.ServiceUUID),
		charUUID:    strings.ToLower(cfg.CharacteristicUUID),
		timeout:     cfg.Timeout,
		logger:      cfg.Logger,
	}
	if c.adapter == "" {
		c.adapter = DefaultAdapter
	}
	if c.serviceUUID == "" {
		c.serviceUUID = DefaultServiceUUID
	}
	if c.charUUID == "" {
		c.charUUID = DefaultCharacteristicUUID
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.Named("bluez").With(zap.String("device", c.address))
	return c
}

func (c *Client) Address() string {
	return c.address
}

func (c *Client) devicePath() dbus.ObjectPath {
	return DevicePath(c.adapter, c.address)
}

// DevicePath is the BlueZ object path of a device on an adapter.
func DevicePath(adapter, address string) dbus.ObjectPath {
	mac := strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(address)), ":", "_")
	return dbus.ObjectPath("/org/bluez/" + adapter + "/dev_" + mac)
}

// Connect makes sure the watch is connected and its weather characteristic
// has been resolved.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.charPath != "" {
		return nil
	}
	if c.conn == nil {
		conn, err := dbus.SystemBusPrivate(dbus.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("failed to open system bus: %w", err)
		}
		if err := conn.Auth(nil); err != nil {
			conn.Close()
			return fmt.Errorf("failed to authenticate to system bus: %w", err)
		}
		if err := conn.Hello(); err != nil {
			conn.Close()
			return fmt.Errorf("failed to register on system bus: %w", err)
		}
		c.conn = conn
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	device := c.conn.Object(bluezService, c.devicePath())
	connected, err := c.boolProperty(device, "Connected")
	if err != nil {
		return fmt.Errorf("failed to query device %s: %w", c.address, err)
	}
	if !connected {
		c.logger.Info("Connecting to device")
		if call := device.CallWithContext(ctx, deviceIface+".Connect", 0); call.Err != nil {
			return fmt.Errorf("failed to connect to device %s: %w", c.address, call.Err)
		}
	}
	if err := c.waitServicesResolved(ctx, device); err != nil {
		return err
	}

	var objects managedObjects
	err = c.conn.Object(bluezService, "/").CallWithContext(ctx, objectManager+".GetManagedObjects", 0).Store(&objects)
	if err != nil {
		return fmt.Errorf("failed to list BlueZ objects: %w", err)
	}
	charPath, err := findCharacteristic(objects, c.devicePath(), c.serviceUUID, c.charUUID)
	if err != nil {
		return err
	}
	c.charPath = charPath
	c.logger.Info("Weather characteristic resolved", zap.String("path", string(charPath)))
	return nil
}

func (c *Client) waitServicesResolved(ctx context.Context, device dbus.BusObject) error {
	ticker := time.NewTicker(resolvePollInterval)
	defer ticker.Stop()
	for {
		resolved, err := c.boolProperty(device, "ServicesResolved")
		if err != nil {
			return fmt.Errorf("failed to query device services: %w", err)
		}
		if resolved {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("device %s services not resolved: %w", c.address, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) boolProperty(obj dbus.BusObject, name string) (bool, error) {
	v, err := obj.GetProperty(deviceIface + "." + name)
	if err != nil {
		return false, err
	}
	b, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("property %s has type %s", name, v.Signature())
	}
	return b, nil
}

// Write sends one complete message with a single acknowledged write.
func (c *Client) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.charPath == "" || c.conn == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	options := map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
	call := c.conn.Object(bluezService, c.charPath).CallWithContext(ctx, charIface+".WriteValue", 0, data, options)
	if call.Err != nil {
		return fmt.Errorf("failed to write weather characteristic: %w", call.Err)
	}
	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.charPath != ""
}

// signalConn is the part of *dbus.Conn used to follow device signals.
type signalConn interface {
	AddMatchSignalContext(ctx context.Context, options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
	Connected() bool
}

// WatchDisconnect returns a channel that is closed once the watch drops its
// connection, or the system bus goes away, or ctx ends.
func (c *Client) WatchDisconnect(ctx context.Context) (<-chan struct{}, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}
	return c.watchDisconnect(ctx, conn)
}

func (c *Client) watchDisconnect(ctx context.Context, conn signalConn) (<-chan struct{}, error) {
	path := c.devicePath()
	match := []dbus.MatchOption{
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(propertiesIf),
		dbus.WithMatchMember("PropertiesChanged"),
	}
	if err := conn.AddMatchSignalContext(ctx, match...); err != nil {
		return nil, fmt.Errorf("failed to watch device: %w", err)
	}
	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			conn.RemoveSignal(signals)
			if conn.Connected() {
				if err := conn.RemoveMatchSignal(match...); err != nil {
					c.logger.Debug("Failed to remove match rule", zap.Error(err))
				}
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case s, ok := <-signals:
				if !ok {
					c.forget()
					return
				}
				if isDisconnect(s, path) {
					c.logger.Info("Device disconnected")
					c.forget()
					return
				}
			}
		}
	}()
	return done, nil
}

func (c *Client) forget() {
	c.mu.Lock()
	c.charPath = ""
	c.mu.Unlock()
}

// Reconnect drops the resolved characteristic and connects again.
func (c *Client) Reconnect(ctx context.Context) error {
	c.forget()
	return c.Connect(ctx)
}

// Close releases the system bus connection. The watch itself stays
// connected to BlueZ.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.charPath = ""
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func findCharacteristic(objects managedObjects, device dbus.ObjectPath, serviceUUID, charUUID string) (dbus.ObjectPath, error) {
	prefix := string(device) + "/"
	var servicePath dbus.ObjectPath
	for path, ifaces := range objects {
		props, ok := ifaces[serviceIface]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if uuidOf(props) == serviceUUID {
			servicePath = path
			break
		}
	}
	if servicePath == "" {
		return "", fmt.Errorf("weather service %s not found on %s", serviceUUID, device)
	}

	for path, ifaces := range objects {
		props, ok := ifaces[charIface]
		if !ok {
			continue
		}
		owner, _ := props["Service"].Value().(dbus.ObjectPath)
		if owner == servicePath && uuidOf(props) == charUUID {
			return path, nil
		}
	}
	return "", fmt.Errorf("weather characteristic %s not found on %s", charUUID, device)
}

func uuidOf(props map[string]dbus.Variant) string {
	v, ok := props["UUID"]
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return strings.ToLower(s)
}

func isDisconnect(s *dbus.Signal, device dbus.ObjectPath) bool {
	if s == nil || s.Path != device || s.Name != propertiesIf+".PropertiesChanged" || len(s.Body) < 2 {
		return false
	}
	iface, _ := s.Body[0].(string)
	changed, _ := s.Body[1].(map[string]dbus.Variant)
	if iface != deviceIface {
		return false
	}
	v, ok := changed["Connected"]
	if !ok {
		return false
	}
	connected, ok := v.Value().(bool)
	return ok && !connected
}
