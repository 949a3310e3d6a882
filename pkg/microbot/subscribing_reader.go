package microbot

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/microbotd/microbotd/pkg/transport"
)

type charKey struct {
	service transport.UUID
	char    transport.UUID
}

type cacheEntry struct {
	value   []byte
	expires time.Time // zero means "no TTL, valid until cache.clear()"
}

// SubscribingReader is a read-through cache in front of a Connection:
// notifiable characteristics are cached and kept fresh by their own
// notifications; non-notifiable ones fall back to a 5-minute TTL re-read.
type SubscribingReader struct {
	mu sync.Mutex

	conn              *Connection
	cache             map[charKey]cacheEntry
	unsupportedNotify map[charKey]struct{}
	handles           map[charKey]Handle
	subscribed        []charKey // order of subscription, replayed by Resubscribe

	// onChange is invoked, outside the lock, whenever a notification changes
	// a cached value. Intended for firing the device's state-change
	// subscribers; must be fast and must not call back into the Microbot's
	// BLE-issuing API. Guarded by mu; install/remove it via SetOnChange, not
	// direct assignment — it is read from the Connection's notify-dispatch
	// goroutine and written from whichever goroutine calls SetOnChange.
	onChange func(service, char transport.UUID, value []byte)
}

// NewSubscribingReader wraps conn. conn may be swapped later via Rebind
// when StableConnection reconnects.
func NewSubscribingReader(conn *Connection) *SubscribingReader {
	return &SubscribingReader{
		conn:              conn,
		cache:             make(map[charKey]cacheEntry),
		unsupportedNotify: make(map[charKey]struct{}),
		handles:           make(map[charKey]Handle),
	}
}

// Rebind points the reader at a new Connection, as StableConnection does
// after a successful reconnect. Callers must call Clear and Resubscribe
// around this.
func (r *SubscribingReader) Rebind(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conn = conn
}

// Read returns the current value for (service, char), preferring the
// notify-backed cache and falling back to a timed re-read for
// characteristics that turned out not to support notify.
func (r *SubscribingReader) Read(ctx context.Context, service, char transport.UUID) ([]byte, error) {
	key := charKey{service, char}

	r.mu.Lock()
	_, unsupported := r.unsupportedNotify[key]
	if unsupported {
		if entry, ok := r.cache[key]; ok && time.Now().Before(entry.expires) {
			r.mu.Unlock()
			return entry.value, nil
		}
		r.mu.Unlock()
		return r.readAndCacheTTL(ctx, key, 5*time.Minute)
	}

	if entry, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return entry.value, nil
	}
	r.mu.Unlock()

	return r.readAndSubscribe(ctx, key)
}

func (r *SubscribingReader) readAndCacheTTL(ctx context.Context, key charKey, ttl time.Duration) ([]byte, error) {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()

	data, err := conn.Read(ctx, key.service, key.char, 0)
	if err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			return nil, transport.ErrTimeout
		}
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{value: data, expires: time.Now().Add(ttl)}
	r.mu.Unlock()
	return data, nil
}

func (r *SubscribingReader) readAndSubscribe(ctx context.Context, key charKey) ([]byte, error) {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()

	data, err := conn.Read(ctx, key.service, key.char, 15*time.Second)
	if err != nil {
		return nil, err
	}

	handle, err := conn.OnNotify(ctx, key.service, key.char, func(v []byte) {
		r.handleNotify(key, v)
	})
	if err != nil {
		if err == transport.ErrNotSupported {
			r.mu.Lock()
			r.unsupportedNotify[key] = struct{}{}
			r.cache[key] = cacheEntry{value: data, expires: time.Now().Add(5 * time.Minute)}
			r.mu.Unlock()
			return data, nil
		}
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{value: data}
	r.handles[key] = handle
	r.subscribed = append(r.subscribed, key)
	r.mu.Unlock()
	return data, nil
}

func (r *SubscribingReader) handleNotify(key charKey, value []byte) {
	r.mu.Lock()
	prev, had := r.cache[key]
	r.cache[key] = cacheEntry{value: value}
	onChange := r.onChange
	r.mu.Unlock()

	if onChange != nil && (!had || !bytes.Equal(prev.value, value)) {
		onChange(key.service, key.char, value)
	}
}

// SetOnChange installs fn as the notify-change callback and returns the
// previously installed one (nil if none), so a caller can chain onto it and
// restore it later. The swap is atomic under mu; fn itself still runs
// outside the lock, from handleNotify's caller goroutine.
func (r *SubscribingReader) SetOnChange(fn func(service, char transport.UUID, value []byte)) (prev func(service, char transport.UUID, value []byte)) {
	r.mu.Lock()
	prev = r.onChange
	r.onChange = fn
	r.mu.Unlock()
	return prev
}

// SetCache lets writers keep the cache coherent after a local write
// without waiting for the device's own notification round-trip.
func (r *SubscribingReader) SetCache(service, char transport.UUID, value []byte) {
	key := charKey{service, char}
	r.mu.Lock()
	r.cache[key] = cacheEntry{value: value}
	r.mu.Unlock()
}

// Clear drops all cached values and notify handles, called on reconnect
// or disconnect. The unsupportedNotify set is retained: it is a
// device-level fact, not a connection-level one.
func (r *SubscribingReader) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.handles {
		h.Cancel()
	}
	r.cache = make(map[charKey]cacheEntry)
	r.handles = make(map[charKey]Handle)
}

// Resubscribe replays every previously-subscribed (service, char) against
// the current connection, as StableConnection does after a reconnect.
func (r *SubscribingReader) Resubscribe(ctx context.Context) error {
	r.mu.Lock()
	keys := append([]charKey(nil), r.subscribed...)
	r.subscribed = nil
	r.mu.Unlock()

	for _, key := range keys {
		if _, err := r.readAndSubscribe(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
