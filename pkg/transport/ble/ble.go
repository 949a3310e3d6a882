// Package ble is the production transport.Transport driver: it speaks to the
// host's Bluetooth adapter via tinygo.org/x/bluetooth. It is the only package
// in this module that imports a vendor BLE library directly.
package ble

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/microbotd/microbotd/pkg/logger"
	"github.com/microbotd/microbotd/pkg/transport"
)

// ConnectTimeout bounds how long a single Connect call may take, per the
// transport.Transport contract.
const ConnectTimeout = 10 * time.Second

// Transport drives the host's default Bluetooth adapter.
type Transport struct {
	transport.CooldownLock

	adapter *bluetooth.Adapter
	log     *logger.Logger

	scanCh chan transport.ScanEvent

	localUID     atomic.Value // transport.UID
	haveLocalUID atomic.Bool
}

// New returns a driver wrapping the host's default adapter. Enable() is not
// called until Start.
func New(log *logger.Logger) *Transport {
	if log == nil {
		log = logger.Global()
	}
	return &Transport{
		adapter: bluetooth.DefaultAdapter,
		log:     log,
		scanCh:  make(chan transport.ScanEvent, 64),
	}
}

// Start enables the adapter and begins the background scan loop. Scan results
// are translated into transport.ScanEvent and delivered on ScanEvents until
// ctx is cancelled, at which point the scan is stopped and the channel closed.
func (t *Transport) Start(ctx context.Context) error {
	if err := t.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = t.adapter.StopScan()
	}()

	go func() {
		defer close(t.scanCh)
		err := t.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			ev := scanEventFromResult(result)
			select {
			case t.scanCh <- ev:
			default:
				t.log.Warn("scan event dropped, channel full", "address", ev.SenderAddress)
			}
		})
		if err != nil && ctx.Err() == nil {
			t.log.Error("scan loop ended", "error", err)
		}
	}()

	return nil
}

// ScanEvents returns the stream of observed advertisements.
func (t *Transport) ScanEvents() <-chan transport.ScanEvent {
	return t.scanCh
}

// scanEventFromResult adapts a tinygo scan result into the package-neutral
// AD-segment form the Scanner filters on. tinygo does not expose the raw
// advertising-data bytes on every platform, so the local name and each
// manufacturer-data element are re-encoded as segments rather than parsed
// from the original PDU.
func scanEventFromResult(result bluetooth.ScanResult) transport.ScanEvent {
	ev := transport.ScanEvent{
		SenderAddress: uidFromAddress(result.Address),
		ObservedAt:    time.Now(),
	}

	if name := result.LocalName(); name != "" {
		ev.PayloadSegments = append(ev.PayloadSegments, transport.AdvSegment{
			Type: transport.ADTypeCompleteLocalName,
			Data: []byte(name),
		})
	}

	for _, elem := range result.AdvertisementPayload.ManufacturerData() {
		ev.PayloadSegments = append(ev.PayloadSegments, transport.AdvSegment{
			Type: transport.ADTypeManufacturerSpecific,
			Data: elem.Data,
		})
	}

	return ev
}

func uidFromAddress(addr bluetooth.Address) transport.UID {
	mac := addr.MAC
	var u transport.UID
	copy(u[:], mac[:])
	return u
}

// Connect blocks until the peripheral accepts a GATT connection or the
// 10-second bound elapses.
func (t *Transport) Connect(ctx context.Context, target transport.Target) (transport.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	addr := bluetooth.Address{}
	addr.MAC = bluetooth.MAC(target.Address)

	resultCh := make(chan bluetooth.Device, 1)
	errCh := make(chan error, 1)

	go func() {
		dev, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- dev
	}()

	select {
	case dev := <-resultCh:
		c := &conn{device: dev, services: make(map[transport.UUID]bluetooth.DeviceService)}
		c.connected.Store(true)
		return c, nil
	case err := <-errCh:
		return nil, fmt.Errorf("ble: connect %s: %w", target.Address, err)
	case <-ctx.Done():
		return nil, transport.ErrTimeout
	}
}

// LocalUID returns the adapter's own address, read once from the adapter
// and cached.
func (t *Transport) LocalUID(ctx context.Context) (transport.UID, error) {
	if t.haveLocalUID.Load() {
		return t.localUID.Load().(transport.UID), nil
	}
	addr, err := t.adapter.Address()
	if err != nil {
		return transport.UID{}, fmt.Errorf("ble: local address: %w", err)
	}
	u := uidFromAddress(addr)
	t.localUID.Store(u)
	t.haveLocalUID.Store(true)
	return u, nil
}

// conn is a live GATT connection to one peripheral. Primary services are
// discovered once and memoized; characteristics are discovered again on
// every DiscoverCharacteristicsOf call, and their handles are kept per UUID.
type conn struct {
	device bluetooth.Device

	mu          sync.Mutex
	services    map[transport.UUID]bluetooth.DeviceService
	primary     []transport.UUID
	primaryDone bool

	chars      map[uint16]bluetooth.DeviceCharacteristic
	charUUIDs  map[transport.UUID]uint16
	nextHandle uint16
	notifyCBs  map[uint16]func([]byte)

	connected atomic.Bool
}

func (c *conn) DiscoverPrimaryServices(ctx context.Context, timeout time.Duration) ([]transport.UUID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.primaryDone {
		return c.primary, nil
	}

	svcs, err := c.device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}

	c.primary = make([]transport.UUID, 0, len(svcs))
	for _, svc := range svcs {
		u := transport.UUID(svc.UUID().String())
		c.services[u] = svc
		c.primary = append(c.primary, u)
	}
	c.primaryDone = true
	return c.primary, nil
}

func (c *conn) DiscoverCharacteristicsOf(ctx context.Context, service transport.UUID, timeout time.Duration) ([]transport.CharacteristicInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	svc, ok := c.services[service]
	if !ok {
		if _, err := c.discoverPrimaryLocked(); err != nil {
			return nil, err
		}
		svc, ok = c.services[service]
		if !ok {
			return nil, nil
		}
	}

	chars, err := svc.DiscoverCharacteristics(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics of %s: %w", service, err)
	}

	if c.chars == nil {
		c.chars = make(map[uint16]bluetooth.DeviceCharacteristic)
		c.charUUIDs = make(map[transport.UUID]uint16)
	}

	out := make([]transport.CharacteristicInfo, 0, len(chars))
	for _, ch := range chars {
		u := transport.UUID(ch.UUID().String())
		handle, known := c.charUUIDs[u]
		if !known {
			c.nextHandle++
			handle = c.nextHandle
			c.charUUIDs[u] = handle
			c.chars[handle] = ch
		}
		out = append(out, transport.CharacteristicInfo{
			UUID:   u,
			Handle: handle,
			// tinygo does not surface ATT property flags uniformly across
			// backends; operations that the peer actually refuses surface
			// as a RemoteError at call time instead.
			Properties: transport.CharacteristicProperties{
				Readable:   true,
				Writable:   true,
				Notifiable: true,
			},
		})
	}
	return out, nil
}

// discoverPrimaryLocked is DiscoverPrimaryServices without re-acquiring the
// mutex, for call sites that already hold it.
func (c *conn) discoverPrimaryLocked() ([]transport.UUID, error) {
	if c.primaryDone {
		return c.primary, nil
	}
	svcs, err := c.device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	c.primary = make([]transport.UUID, 0, len(svcs))
	for _, svc := range svcs {
		u := transport.UUID(svc.UUID().String())
		c.services[u] = svc
		c.primary = append(c.primary, u)
	}
	c.primaryDone = true
	return c.primary, nil
}

func (c *conn) ReadByHandle(ctx context.Context, handle uint16, timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	ch, ok := c.chars[handle]
	c.mu.Unlock()
	if !ok {
		return nil, &transport.RemoteError{Code: transport.RemoteErrAttributeNotFound}
	}

	buf := make([]byte, 512)
	n, err := ch.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("ble: read handle %d: %w", handle, err)
	}
	return buf[:n], nil
}

func (c *conn) WriteByUUID(ctx context.Context, char transport.UUID, data []byte, timeout time.Duration) error {
	ch, err := c.charByUUID(char)
	if err != nil {
		return err
	}
	if _, err := ch.WriteWithoutResponse(data); err != nil {
		return fmt.Errorf("ble: write %s: %w", char, err)
	}
	return nil
}

func (c *conn) SubscribeNotify(ctx context.Context, char transport.UUID, enable bool, timeout time.Duration) error {
	ch, err := c.charByUUID(char)
	if err != nil {
		return err
	}
	if !enable {
		return ch.EnableNotifications(nil)
	}
	c.mu.Lock()
	handle := c.charUUIDs[char]
	c.mu.Unlock()
	return ch.EnableNotifications(func(buf []byte) {
		c.mu.Lock()
		cb := c.notifyCBFor(handle)
		c.mu.Unlock()
		if cb != nil {
			cb(buf)
		}
	})
}

// notifyCBFor returns the per-handle notification callback held in
// notifyCBs, installed by AssignNotifyCallback and invoked from the tinygo
// notification goroutine.
func (c *conn) notifyCBFor(handle uint16) func([]byte) {
	if c.notifyCBs == nil {
		return nil
	}
	return c.notifyCBs[handle]
}

func (c *conn) charByUUID(u transport.UUID) (bluetooth.DeviceCharacteristic, error) {
	c.mu.Lock()
	handle, ok := c.charUUIDs[u]
	if !ok {
		c.mu.Unlock()
		return bluetooth.DeviceCharacteristic{}, &transport.RemoteError{Code: transport.RemoteErrAttributeNotFound}
	}
	ch := c.chars[handle]
	c.mu.Unlock()
	return ch, nil
}

func (c *conn) AssignNotifyCallback(handle uint16, cb func(data []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notifyCBs == nil {
		c.notifyCBs = make(map[uint16]func([]byte))
	}
	if cb == nil {
		delete(c.notifyCBs, handle)
		return
	}
	c.notifyCBs[handle] = cb
}

func (c *conn) IsConnected() bool {
	return c.connected.Load()
}

func (c *conn) Disconnect() error {
	if !c.connected.CompareAndSwap(true, false) {
		return nil
	}
	if err := c.device.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect: %w", err)
	}
	return nil
}
