// Package fake is an in-memory transport.Transport used by the core's tests.
// It stands in for a real dongle: tests register Device fixtures with
// characteristics and write/notify hooks, then drive scenarios the way the
// original project's test suite drives a faked BGAPI connection.
package fake

import (
	"context"
	"sync"
	"time"

	"github.com/microbotd/microbotd/pkg/transport"
)

// Characteristic is one GATT characteristic on a fake Device.
type Characteristic struct {
	UUID       transport.UUID
	Handle     uint16
	Properties transport.CharacteristicProperties

	mu            sync.Mutex
	value         []byte
	notifyEnabled bool
	notifyCB      func([]byte)

	// OnWrite, if set, is invoked synchronously for every write and may push
	// notifications (via Notify) to simulate device behavior, e.g. an auth
	// status reply.
	OnWrite func(c *Characteristic, data []byte) error

	// WriteErr, if set, is returned by every write instead of calling OnWrite.
	WriteErr error
	// ReadErr, if set, is returned by every read.
	ReadErr error
	// SubscribeErr, if set, is returned by SubscribeNotify.
	SubscribeErr error
}

// Notify pushes a notification to whatever callback is currently assigned.
func (c *Characteristic) Notify(data []byte) {
	c.mu.Lock()
	cb := c.notifyCB
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

// SetValue sets the value returned by subsequent reads.
func (c *Characteristic) SetValue(v []byte) {
	c.mu.Lock()
	c.value = append([]byte(nil), v...)
	c.mu.Unlock()
}

// Value returns the last written or explicitly-set value.
func (c *Characteristic) Value() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.value...)
}

// Service is a named group of characteristics under one service UUID.
type Service struct {
	UUID            transport.UUID
	Characteristics []*Characteristic
}

// Device is a fake peripheral: a fixed address plus a set of services.
type Device struct {
	Address  transport.UID
	Services []*Service

	// ConnectErr, if set, makes Connect fail for this device.
	ConnectErr error
	// ConnectDelay simulates discovery/connect latency.
	ConnectDelay time.Duration

	mu        sync.Mutex
	connected bool
}

func (d *Device) findChar(uuid transport.UUID) (*Service, *Characteristic) {
	for _, svc := range d.Services {
		for _, ch := range svc.Characteristics {
			if ch.UUID == uuid {
				return svc, ch
			}
		}
	}
	return nil, nil
}

func (d *Device) findCharByHandle(handle uint16) *Characteristic {
	for _, svc := range d.Services {
		for _, ch := range svc.Characteristics {
			if ch.Handle == handle {
				return ch
			}
		}
	}
	return nil
}

// Transport is an in-memory transport.Transport implementation for tests.
type Transport struct {
	transport.CooldownLock

	localUID transport.UID
	scanCh   chan transport.ScanEvent

	mu      sync.Mutex
	devices map[transport.UID]*Device
}

// New creates a fake transport reporting localUID as its own address.
func New(localUID transport.UID) *Transport {
	return &Transport{
		localUID: localUID,
		scanCh:   make(chan transport.ScanEvent, 64),
		devices:  make(map[transport.UID]*Device),
	}
}

// AddDevice registers a peripheral that Connect can subsequently reach.
func (t *Transport) AddDevice(d *Device) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.devices[d.Address] = d
}

// Emit pushes a scan advertisement onto the event stream, as if observed
// during a scan round. Tests use this to drive Scanner/Registry behavior.
func (t *Transport) Emit(ev transport.ScanEvent) {
	select {
	case t.scanCh <- ev:
	default:
	}
}

// Start marks the transport started. The fake does no real scanning; tests
// drive scan events explicitly via Emit.
func (t *Transport) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
	}()
	return nil
}

// ScanEvents returns the stream tests feed via Emit.
func (t *Transport) ScanEvents() <-chan transport.ScanEvent {
	return t.scanCh
}

// Connect looks up a registered Device by address and returns a live Conn.
func (t *Transport) Connect(ctx context.Context, target transport.Target) (transport.Conn, error) {
	t.mu.Lock()
	dev, ok := t.devices[target.Address]
	t.mu.Unlock()
	if !ok {
		return nil, transport.ErrTimeout
	}
	if dev.ConnectDelay > 0 {
		select {
		case <-time.After(dev.ConnectDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if dev.ConnectErr != nil {
		return nil, dev.ConnectErr
	}

	dev.mu.Lock()
	dev.connected = true
	dev.mu.Unlock()

	return &conn{dev: dev}, nil
}

// LocalUID returns the fixed address configured via New.
func (t *Transport) LocalUID(ctx context.Context) (transport.UID, error) {
	return t.localUID, nil
}

// conn implements transport.Conn against a fake Device.
type conn struct {
	dev *Device
}

func (c *conn) DiscoverPrimaryServices(ctx context.Context, timeout time.Duration) ([]transport.UUID, error) {
	out := make([]transport.UUID, 0, len(c.dev.Services))
	for _, svc := range c.dev.Services {
		out = append(out, svc.UUID)
	}
	return out, nil
}

func (c *conn) DiscoverCharacteristicsOf(ctx context.Context, service transport.UUID, timeout time.Duration) ([]transport.CharacteristicInfo, error) {
	for _, svc := range c.dev.Services {
		if svc.UUID != service {
			continue
		}
		out := make([]transport.CharacteristicInfo, 0, len(svc.Characteristics))
		for _, ch := range svc.Characteristics {
			out = append(out, transport.CharacteristicInfo{
				UUID:       ch.UUID,
				Handle:     ch.Handle,
				Properties: ch.Properties,
			})
		}
		return out, nil
	}
	return nil, nil
}

func (c *conn) ReadByHandle(ctx context.Context, handle uint16, timeout time.Duration) ([]byte, error) {
	if !c.IsConnected() {
		return nil, transport.ErrNotConnected
	}
	ch := c.dev.findCharByHandle(handle)
	if ch == nil {
		return nil, &transport.RemoteError{Code: transport.RemoteErrAttributeNotFound}
	}
	if ch.ReadErr != nil {
		return nil, ch.ReadErr
	}
	return ch.Value(), nil
}

func (c *conn) WriteByUUID(ctx context.Context, char transport.UUID, data []byte, timeout time.Duration) error {
	if !c.IsConnected() {
		return transport.ErrNotConnected
	}
	_, ch := c.dev.findChar(char)
	if ch == nil {
		return &transport.RemoteError{Code: transport.RemoteErrAttributeNotFound}
	}
	if ch.WriteErr != nil {
		return ch.WriteErr
	}
	ch.SetValue(data)
	if ch.OnWrite != nil {
		return ch.OnWrite(ch, data)
	}
	return nil
}

func (c *conn) SubscribeNotify(ctx context.Context, char transport.UUID, enable bool, timeout time.Duration) error {
	if !c.IsConnected() {
		return transport.ErrNotConnected
	}
	_, ch := c.dev.findChar(char)
	if ch == nil {
		return &transport.RemoteError{Code: transport.RemoteErrAttributeNotFound}
	}
	if ch.SubscribeErr != nil {
		return ch.SubscribeErr
	}
	if !ch.Properties.Notifiable {
		return transport.ErrNotSupported
	}
	ch.mu.Lock()
	ch.notifyEnabled = enable
	ch.mu.Unlock()
	return nil
}

func (c *conn) AssignNotifyCallback(handle uint16, cb func(data []byte)) {
	ch := c.dev.findCharByHandle(handle)
	if ch == nil {
		return
	}
	ch.mu.Lock()
	ch.notifyCB = cb
	ch.mu.Unlock()
}

func (c *conn) IsConnected() bool {
	c.dev.mu.Lock()
	defer c.dev.mu.Unlock()
	return c.dev.connected
}

func (c *conn) Disconnect() error {
	c.dev.mu.Lock()
	c.dev.connected = false
	c.dev.mu.Unlock()
	return nil
}
