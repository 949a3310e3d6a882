// Package transport defines the abstract BLE transport contract THE CORE
// depends on. A concrete driver -- a BlueGiga-style dongle, a host Bluetooth
// stack via tinygo.org/x/bluetooth, or (in tests) an in-memory fake -- speaks
// this interface; the core never imports a vendor BLE library directly.
package transport

import (
	"context"
	"time"
)

// AdvSegment is one Advertising Data (AD) structure from a scan response:
// a type byte followed by its payload, as defined by the Bluetooth Core Spec
// supplement. The Scanner inspects these to recognize microbots.
type AdvSegment struct {
	Type byte
	Data []byte
}

// Well-known AD structure types the Scanner inspects.
const (
	ADTypeCompleteLocalName    byte = 0x09
	ADTypeManufacturerSpecific byte = 0xFF
)

// ScanEvent is one advertisement observed during a scan round.
type ScanEvent struct {
	SenderAddress   UID
	PayloadSegments []AdvSegment
	ObservedAt      time.Time
}

// LocalName returns the COMPLETE_LOCAL_NAME segment's value, if present.
func (e ScanEvent) LocalName() (string, bool) {
	for _, seg := range e.PayloadSegments {
		if seg.Type == ADTypeCompleteLocalName {
			return string(seg.Data), true
		}
	}
	return "", false
}

// ManufacturerSegments returns every manufacturer-specific-data segment.
func (e ScanEvent) ManufacturerSegments() []AdvSegment {
	var out []AdvSegment
	for _, seg := range e.PayloadSegments {
		if seg.Type == ADTypeManufacturerSpecific {
			out = append(out, seg)
		}
	}
	return out
}

// CharacteristicProperties describes what operations a characteristic supports.
type CharacteristicProperties struct {
	Readable   bool
	Writable   bool
	Notifiable bool
}

// CharacteristicInfo describes one discovered GATT characteristic.
type CharacteristicInfo struct {
	UUID       UUID
	Handle     uint16
	Properties CharacteristicProperties
}

// UUID is a canonicalized GATT UUID string, e.g. "1831" for a 16-bit service
// or a full 128-bit UUID for vendor-specific attributes. Equality is plain
// string comparison; drivers are responsible for canonicalizing case.
type UUID string

// Target identifies the peer to connect to, as produced by a ScanEvent.
type Target struct {
	Address UID
}

// Transport is the contract THE CORE requires from any BLE driver.
// Implementations must be safe for concurrent use.
type Transport interface {
	// Start begins the internal scan loop; advertisements are delivered via ScanEvents.
	Start(ctx context.Context) error

	// ScanEvents returns the stream of scan advertisements. The channel is closed
	// when the transport's Start context is done.
	ScanEvents() <-chan ScanEvent

	// Connect blocks until the peripheral accepts a GATT connection, bounded to 10s.
	// It returns ErrTimeout if the peripheral does not respond in time.
	Connect(ctx context.Context, target Target) (Conn, error)

	// Transaction acquires the global transceiver lock and returns a release func.
	// While held, no other goroutine may issue BLE operations on this transport.
	Transaction() func()

	// DelayedUnlock acquires the transceiver lock like Transaction, but the
	// returned release func additionally delays subsequent acquisitions until
	// cooldown has elapsed since release. Cooldowns accumulate: the effective
	// deadline is the max of any existing deadline and time.Now().Add(cooldown).
	DelayedUnlock(cooldown time.Duration) func()

	// LocalUID returns the host adapter's own BLE address, cached after first call.
	LocalUID(ctx context.Context) (UID, error)
}

// Conn is a live GATT connection to one peripheral, as returned by Connect.
type Conn interface {
	// DiscoverPrimaryServices enumerates the peer's primary service UUIDs.
	// Implementations run this once per connection, on first use.
	DiscoverPrimaryServices(ctx context.Context, timeout time.Duration) ([]UUID, error)

	// DiscoverCharacteristicsOf enumerates the characteristics of one service.
	// Called lazily, the first time a service's characteristics are needed.
	// RemoteErrAttributeNotFound encountered during discovery is swallowed;
	// any other error propagates.
	DiscoverCharacteristicsOf(ctx context.Context, service UUID, timeout time.Duration) ([]CharacteristicInfo, error)

	// ReadByHandle reads a characteristic value by its ATT handle.
	ReadByHandle(ctx context.Context, handle uint16, timeout time.Duration) ([]byte, error)

	// WriteByUUID writes a characteristic value addressed by UUID.
	WriteByUUID(ctx context.Context, char UUID, data []byte, timeout time.Duration) error

	// SubscribeNotify enables or disables notifications on a characteristic.
	SubscribeNotify(ctx context.Context, char UUID, enable bool, timeout time.Duration) error

	// AssignNotifyCallback installs the function invoked for every notification
	// arriving on the given value handle. Passing nil clears it.
	AssignNotifyCallback(handle uint16, cb func(data []byte))

	// IsConnected reports whether the underlying link is still up.
	IsConnected() bool

	// Disconnect closes the connection. Idempotent.
	Disconnect() error
}
