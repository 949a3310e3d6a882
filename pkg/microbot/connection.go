package microbot

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/microbotd/microbotd/pkg/logger"
	"github.com/microbotd/microbotd/pkg/transport"
)

// Handle cancels a notification subscription registered via Connection.OnNotify.
type Handle struct {
	cancel func()
}

// NewHandle builds a Handle from an arbitrary cancel function, for packages
// outside microbot that expose their own handle-based subscriptions
// (Registry.OnDiscovered, Microbot.OnStateChange) using the same contract.
func NewHandle(cancel func()) Handle {
	return Handle{cancel: cancel}
}

// Cancel unsubscribes. Safe to call while a callback for this handle is
// in flight; the current invocation completes.
func (h Handle) Cancel() {
	if h.cancel != nil {
		h.cancel()
	}
}

type notifyEvent struct {
	hub  *notifyHub
	data []byte
}

// notifyHub fans out notifications for one characteristic to every
// subscriber registered via Connection.OnNotify.
type notifyHub struct {
	char transport.UUID

	mu   sync.Mutex
	subs map[uuid.UUID]func([]byte)
}

func (h *notifyHub) snapshot() []func([]byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]func([]byte), 0, len(h.subs))
	for _, cb := range h.subs {
		out = append(out, cb)
	}
	return out
}

// Connection wraps a live transport.Conn with characteristic resolution,
// retrying read/write, and a single-worker notification dispatcher.
type Connection struct {
	conn transport.Conn
	tr   transport.Transport
	uid  transport.UID
	log  *logger.Logger

	mu       sync.Mutex
	charInfo map[transport.UUID]transport.CharacteristicInfo
	hubs     map[transport.UUID]*notifyHub

	notifyQueue chan notifyEvent
	workerDone  chan struct{}

	lastActive atomic.Int64 // unix nanos

	closeOnce sync.Once
}

// NewConnection wraps a freshly-established transport.Conn. The caller is
// responsible for having obtained conn via Transport.Connect.
func NewConnection(tr transport.Transport, conn transport.Conn, uid transport.UID, log *logger.Logger) *Connection {
	if log == nil {
		log = logger.Global()
	}
	c := &Connection{
		conn:        conn,
		tr:          tr,
		uid:         uid,
		log:         log,
		charInfo:    make(map[transport.UUID]transport.CharacteristicInfo),
		hubs:        make(map[transport.UUID]*notifyHub),
		notifyQueue: make(chan notifyEvent, 32),
		workerDone:  make(chan struct{}),
	}
	c.touch()
	go c.dispatchLoop()
	return c
}

func (c *Connection) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// LastActiveTime returns the timestamp of the most recent successful
// operation or incoming notification.
func (c *Connection) LastActiveTime() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// IsActive reports whether the underlying transport connection is up.
func (c *Connection) IsActive() bool {
	return c.conn.IsConnected()
}

// Transaction re-exports the transport's global transceiver lock scope.
func (c *Connection) Transaction() func() {
	return c.tr.Transaction()
}

func (c *Connection) dispatchLoop() {
	defer close(c.workerDone)
	for ev := range c.notifyQueue {
		for _, cb := range ev.hub.snapshot() {
			c.invokeSubscriber(cb, ev.data)
		}
	}
}

// invokeSubscriber runs one subscriber callback; a panicking subscriber
// must not prevent the next queued notification from being delivered.
func (c *Connection) invokeSubscriber(cb func([]byte), data []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("notify subscriber panicked", "uid", c.uid, "panic", r)
		}
	}()
	cb(data)
}

// resolve discovers, if not already known, the characteristic identified
// by (service, char) and returns its info. Discovery is memoized per
// service: the first request for any characteristic under a service
// triggers discovery of the whole service.
func (c *Connection) resolve(ctx context.Context, service, char transport.UUID) (transport.CharacteristicInfo, error) {
	c.mu.Lock()
	info, ok := c.charInfo[char]
	c.mu.Unlock()
	if ok {
		return info, nil
	}

	chars, err := c.conn.DiscoverCharacteristicsOf(ctx, service, 10*time.Second)
	if err != nil {
		return transport.CharacteristicInfo{}, fmt.Errorf("microbot: discover %s: %w", service, err)
	}

	c.mu.Lock()
	for _, ch := range chars {
		c.charInfo[ch.UUID] = ch
	}
	info, ok = c.charInfo[char]
	c.mu.Unlock()
	if !ok {
		return transport.CharacteristicInfo{}, &transport.RemoteError{Code: transport.RemoteErrAttributeNotFound}
	}
	return info, nil
}

// Write resolves the characteristic, asserts it is writable, and retries
// the underlying write according to the default policy.
func (c *Connection) Write(ctx context.Context, service, char transport.UUID, data []byte) error {
	if !c.IsActive() {
		return ErrNotConnected
	}
	info, err := c.resolve(ctx, service, char)
	if err != nil {
		return err
	}
	if !info.Properties.Writable {
		return transport.ErrNotSupported
	}

	policy := transport.DefaultRetryPolicy()
	err = transport.Retry(ctx, c.tr, policy, func(ctx context.Context) error {
		return c.conn.WriteByUUID(ctx, char, data, 15*time.Second)
	})
	if err == nil {
		c.touch()
	}
	return err
}

// WriteDirect issues a write with no retry and no transport-lock
// acquisition of its own: it is for call sites (auth exchange, pairing)
// that already hold the transport transaction for the whole exchange, to
// avoid self-deadlocking on the non-reentrant transceiver lock.
func (c *Connection) WriteDirect(ctx context.Context, service, char transport.UUID, data []byte, timeout time.Duration) error {
	if !c.IsActive() {
		return ErrNotConnected
	}
	info, err := c.resolve(ctx, service, char)
	if err != nil {
		return err
	}
	if !info.Properties.Writable {
		return transport.ErrNotSupported
	}
	if err := c.conn.WriteByUUID(ctx, char, data, timeout); err != nil {
		return err
	}
	c.touch()
	return nil
}

// OnNotifyDirect is OnNotify without retry or transport-lock acquisition,
// for the same already-inside-a-transaction call sites as WriteDirect.
func (c *Connection) OnNotifyDirect(ctx context.Context, service, char transport.UUID, cb func([]byte)) (Handle, error) {
	if !c.IsActive() {
		return Handle{}, ErrNotConnected
	}
	info, err := c.resolve(ctx, service, char)
	if err != nil {
		return Handle{}, err
	}
	if !info.Properties.Notifiable {
		return Handle{}, transport.ErrNotSupported
	}

	c.mu.Lock()
	hub, ok := c.hubs[char]
	if !ok {
		hub = &notifyHub{char: char, subs: make(map[uuid.UUID]func([]byte))}
		c.hubs[char] = hub
	}
	wasEmpty := len(hub.subs) == 0
	id := uuid.New()
	hub.subs[id] = cb
	c.mu.Unlock()

	if wasEmpty {
		c.conn.AssignNotifyCallback(info.Handle, func(data []byte) {
			c.touch()
			select {
			case c.notifyQueue <- notifyEvent{hub: hub, data: data}:
			default:
				c.log.Warn("notify queue full, dropping", "uid", c.uid, "char", char)
			}
		})
		if err := c.conn.SubscribeNotify(ctx, char, true, 10*time.Second); err != nil {
			hub.mu.Lock()
			delete(hub.subs, id)
			hub.mu.Unlock()
			return Handle{}, err
		}
	}

	return Handle{cancel: func() {
		hub.mu.Lock()
		delete(hub.subs, id)
		hub.mu.Unlock()
	}}, nil
}

// Read resolves the characteristic, asserts it is readable, and reads its
// current value by handle.
func (c *Connection) Read(ctx context.Context, service, char transport.UUID, timeout time.Duration) ([]byte, error) {
	if !c.IsActive() {
		return nil, ErrNotConnected
	}
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	info, err := c.resolve(ctx, service, char)
	if err != nil {
		return nil, err
	}
	if !info.Properties.Readable {
		return nil, transport.ErrNotSupported
	}

	var data []byte
	policy := transport.DefaultRetryPolicy()
	err = transport.Retry(ctx, c.tr, policy, func(ctx context.Context) error {
		var readErr error
		data, readErr = c.conn.ReadByHandle(ctx, info.Handle, timeout)
		return readErr
	})
	if err == nil {
		c.touch()
	}
	return data, err
}

// OnNotify subscribes cb to notifications on (service, char). The first
// subscriber for a characteristic triggers subscribe_notify on the wire;
// later subscribers ride the existing subscription.
func (c *Connection) OnNotify(ctx context.Context, service, char transport.UUID, cb func([]byte)) (Handle, error) {
	if !c.IsActive() {
		return Handle{}, ErrNotConnected
	}
	info, err := c.resolve(ctx, service, char)
	if err != nil {
		return Handle{}, err
	}
	if !info.Properties.Notifiable {
		return Handle{}, transport.ErrNotSupported
	}

	c.mu.Lock()
	hub, ok := c.hubs[char]
	if !ok {
		hub = &notifyHub{char: char, subs: make(map[uuid.UUID]func([]byte))}
		c.hubs[char] = hub
	}
	wasEmpty := len(hub.subs) == 0
	id := uuid.New()
	hub.subs[id] = cb
	c.mu.Unlock()

	if wasEmpty {
		c.conn.AssignNotifyCallback(info.Handle, func(data []byte) {
			c.touch()
			select {
			case c.notifyQueue <- notifyEvent{hub: hub, data: data}:
			default:
				c.log.Warn("notify queue full, dropping", "uid", c.uid, "char", char)
			}
		})

		policy := transport.DefaultRetryPolicy().WithRetryOnTimeout()
		if err := transport.Retry(ctx, c.tr, policy, func(ctx context.Context) error {
			return c.conn.SubscribeNotify(ctx, char, true, 10*time.Second)
		}); err != nil {
			hub.mu.Lock()
			delete(hub.subs, id)
			hub.mu.Unlock()
			return Handle{}, err
		}
	}

	return Handle{cancel: func() {
		hub.mu.Lock()
		delete(hub.subs, id)
		hub.mu.Unlock()
	}}, nil
}

// ReadAllCharacteristics discovers every primary service and reads every
// readable characteristic in it, returning a service → characteristic →
// value mapping.
func (c *Connection) ReadAllCharacteristics(ctx context.Context) (map[transport.UUID]map[transport.UUID][]byte, error) {
	if !c.IsActive() {
		return nil, ErrNotConnected
	}
	services, err := c.conn.DiscoverPrimaryServices(ctx, 10*time.Second)
	if err != nil {
		return nil, err
	}

	out := make(map[transport.UUID]map[transport.UUID][]byte, len(services))
	for _, svc := range services {
		chars, err := c.conn.DiscoverCharacteristicsOf(ctx, svc, 10*time.Second)
		if err != nil {
			return nil, err
		}
		values := make(map[transport.UUID][]byte)
		for _, ch := range chars {
			c.mu.Lock()
			c.charInfo[ch.UUID] = ch
			c.mu.Unlock()
			if !ch.Properties.Readable {
				continue
			}
			data, err := c.conn.ReadByHandle(ctx, ch.Handle, 5*time.Second)
			if err != nil {
				return nil, err
			}
			values[ch.UUID] = data
		}
		out[svc] = values
	}
	return out, nil
}

// Close idempotently disconnects the underlying transport connection
// under the global transceiver lock.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		release := c.tr.Transaction()
		defer release()
		err = c.conn.Disconnect()
		close(c.notifyQueue)
	})
	return err
}
