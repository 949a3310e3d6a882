package microbot

import (
	"context"
	"sync"
	"time"

	"github.com/microbotd/microbotd/pkg/transport"
)

// FirmwareOverlay hides the version-specific differences in how pusher
// state is observed. It is selected once per authenticated connection,
// based on the 3-byte firmware version read from CharFirmwareVersion.
type FirmwareOverlay interface {
	// Install wires up whatever subscriptions the overlay needs to track
	// state. Called once, immediately after the overlay is selected.
	Install(ctx context.Context) error

	// IsRetracted reports the pusher's last known state.
	IsRetracted(ctx context.Context) (bool, error)

	// WaitForPusherStateChange blocks until the pusher reports wantRetracted
	// or timeout elapses, returning ErrStateChange on timeout.
	WaitForPusherStateChange(ctx context.Context, wantRetracted bool, timeout time.Duration) error
}

// broadcaster lets any number of waiters block until the next state
// change, implemented as a channel that is closed (and replaced) on
// every broadcast.
type broadcaster struct {
	mu sync.Mutex
	ch chan struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{ch: make(chan struct{})}
}

func (b *broadcaster) wait() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch
}

func (b *broadcaster) broadcast() {
	b.mu.Lock()
	old := b.ch
	b.ch = make(chan struct{})
	b.mu.Unlock()
	close(old)
}

// FirmwareV010 is selected for the exact firmware triple (0,1,0). It has
// no DeviceStatus characteristic; pusher state is inferred from which of
// Extend/Retract last fired, tracked via a permanent subscription
// installed once on connect.
type FirmwareV010 struct {
	conn *Connection

	mu        sync.Mutex
	retracted bool
	bc        *broadcaster
}

// NewFirmwareV010 constructs the overlay for conn. Install must be called
// before use.
func NewFirmwareV010(conn *Connection) *FirmwareV010 {
	return &FirmwareV010{conn: conn, bc: newBroadcaster()}
}

// Install subscribes to the Extend/Retract characteristics and forces a
// retract to establish a known starting state.
func (f *FirmwareV010) Install(ctx context.Context) error {
	if _, err := f.conn.OnNotify(ctx, PushService, CharExtend, func([]byte) {
		f.setState(false)
	}); err != nil {
		return err
	}
	if _, err := f.conn.OnNotify(ctx, PushService, CharRetract, func([]byte) {
		f.setState(true)
	}); err != nil {
		return err
	}

	if err := f.conn.Write(ctx, PushService, CharRetract, []byte{0x01}); err != nil {
		return err
	}
	f.setState(true)
	return nil
}

func (f *FirmwareV010) setState(retracted bool) {
	f.mu.Lock()
	if f.retracted == retracted {
		f.mu.Unlock()
		return
	}
	f.retracted = retracted
	f.mu.Unlock()
	f.bc.broadcast()
}

func (f *FirmwareV010) IsRetracted(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retracted, nil
}

func (f *FirmwareV010) WaitForPusherStateChange(ctx context.Context, wantRetracted bool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		f.mu.Lock()
		cur := f.retracted
		ch := f.bc.wait()
		f.mu.Unlock()
		if cur == wantRetracted {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ErrStateChange
		}
	}
}

// FirmwareV015 is selected for every firmware version other than (0,1,0).
// It reads DeviceStatus directly: byte[1] == 0x00 means retracted.
type FirmwareV015 struct {
	reader *SubscribingReader
}

// NewFirmwareV015 constructs the overlay backed by reader, so reads ride
// the SubscribingReader's notify-backed cache.
func NewFirmwareV015(reader *SubscribingReader) *FirmwareV015 {
	return &FirmwareV015{reader: reader}
}

// Install primes the DeviceStatus cache/subscription.
func (f *FirmwareV015) Install(ctx context.Context) error {
	_, err := f.reader.Read(ctx, PushService, CharDeviceStatus)
	return err
}

func (f *FirmwareV015) IsRetracted(ctx context.Context) (bool, error) {
	data, err := f.reader.Read(ctx, PushService, CharDeviceStatus)
	if err != nil {
		return false, err
	}
	if len(data) < 2 {
		return false, &IOError{Msg: "device status payload too short"}
	}
	return data[1] == 0x00, nil
}

func (f *FirmwareV015) WaitForPusherStateChange(ctx context.Context, wantRetracted bool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if cur, err := f.IsRetracted(ctx); err == nil && cur == wantRetracted {
		return nil
	}

	updates := make(chan []byte, 1)
	var prevOnChange func(service, char transport.UUID, value []byte)
	prevOnChange = f.reader.SetOnChange(func(service, char transport.UUID, value []byte) {
		if prevOnChange != nil {
			prevOnChange(service, char, value)
		}
		if service == PushService && char == CharDeviceStatus {
			select {
			case updates <- value:
			default:
			}
		}
	})
	defer f.reader.SetOnChange(prevOnChange)

	for {
		select {
		case data := <-updates:
			if len(data) >= 2 && (data[1] == 0x00) == wantRetracted {
				return nil
			}
		case <-ctx.Done():
			return ErrStateChange
		}
	}
}
