// Package hub is the top-level façade: it owns the Transport, the scan
// loop, and the device Registry, and exposes the public discovery API.
package hub

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/microbotd/microbotd/pkg/logger"
	"github.com/microbotd/microbotd/pkg/microbot"
	"github.com/microbotd/microbotd/pkg/transport"
)

// Config bounds the Hub's background behavior.
type Config struct {
	// MaxAge is how long a device may go unseen before GC removes it.
	MaxAge time.Duration
	// AdvertisementFilter, if set, additionally gates which advertisements
	// are treated as microbots, on top of the built-in IsMicrobot check —
	// e.g. the optional Lua advertisement hook.
	AdvertisementFilter func(ev transport.ScanEvent) bool
}

// Handle is the subscription handle returned by OnMicrobot.
type Handle = microbot.Handle

// Hub is the daemon's top-level façade over Transport, Scanner, and Registry.
type Hub struct {
	tr       transport.Transport
	registry *Registry
	log      *logger.Logger
	cfg      Config

	newDeviceCh map[uuid.UUID]chan *microbot.Microbot
	newDeviceMu sync.Mutex
}

// New constructs a Hub. Call Start to begin scanning.
func New(tr transport.Transport, store microbot.PairKeyStore, cfg Config, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Global()
	}
	return &Hub{
		tr:          tr,
		registry:    NewRegistry(tr, store, cfg.MaxAge, log),
		log:         log,
		cfg:         cfg,
		newDeviceCh: make(map[uuid.UUID]chan *microbot.Microbot),
	}
}

// Registry exposes the underlying device Registry for status/metrics
// surfaces that need to enumerate known devices.
func (h *Hub) Registry() *Registry { return h.registry }

// Start begins the transport's scan loop and wires it into the Registry,
// plus the periodic GC timer. It returns once the scan loop is running;
// background work continues until ctx is done.
func (h *Hub) Start(ctx context.Context) error {
	if err := h.tr.Start(ctx); err != nil {
		return fmt.Errorf("hub: start transport: %w", err)
	}

	localUID, err := h.tr.LocalUID(ctx)
	if err != nil {
		return fmt.Errorf("hub: local uid: %w", err)
	}

	go h.scanLoop(ctx, localUID)
	go h.gcLoop(ctx)
	return nil
}

func (h *Hub) scanLoop(ctx context.Context, localUID transport.UID) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-h.tr.ScanEvents():
			if !ok {
				return
			}
			if !IsMicrobot(ev, localUID) {
				continue
			}
			if h.cfg.AdvertisementFilter != nil && !h.cfg.AdvertisementFilter(ev) {
				continue
			}
			h.onScan(ev)
		}
	}
}

func (h *Hub) onScan(ev transport.ScanEvent) {
	_, known := h.registry.Get(ev.SenderAddress)
	h.registry.Observe(ev)
	if !known {
		if dev, ok := h.registry.Get(ev.SenderAddress); ok {
			h.notifyWaiters(dev)
		}
	}
}

func (h *Hub) notifyWaiters(dev *microbot.Microbot) {
	h.newDeviceMu.Lock()
	defer h.newDeviceMu.Unlock()
	for _, ch := range h.newDeviceCh {
		select {
		case ch <- dev:
		default:
		}
	}
}

func (h *Hub) gcLoop(ctx context.Context) {
	maxAge := h.cfg.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	interval := maxAge / 4
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.registry.gcOnce(now)
		}
	}
}

// OnMicrobot is a bundled subscription to both the discovered and lost
// fanouts. Either callback may be nil.
func (h *Hub) OnMicrobot(onDiscovered, onLost func(*microbot.Microbot)) Handle {
	var handles []Handle
	if onDiscovered != nil {
		handles = append(handles, h.registry.OnDiscovered(onDiscovered))
	}
	if onLost != nil {
		handles = append(handles, h.registry.OnLost(onLost))
	}
	return microbot.NewHandle(func() {
		for _, hd := range handles {
			hd.Cancel()
		}
	})
}

// GetMicrobot matches nameOrUID against the current registry. If no match
// exists and timeout > 0, it blocks on new discoveries up to timeout,
// returning transport.ErrTimeout on expiry.
func (h *Hub) GetMicrobot(ctx context.Context, nameOrUID string, timeout time.Duration) (*microbot.Microbot, error) {
	if dev, ok := h.registry.Find(nameOrUID); ok {
		return dev, nil
	}
	if timeout <= 0 {
		return nil, transport.ErrTimeout
	}

	id := uuid.New()
	ch := make(chan *microbot.Microbot, 8)
	h.newDeviceMu.Lock()
	h.newDeviceCh[id] = ch
	h.newDeviceMu.Unlock()
	defer func() {
		h.newDeviceMu.Lock()
		delete(h.newDeviceCh, id)
		h.newDeviceMu.Unlock()
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case dev := <-ch:
			if matchesNameOrUID(dev, nameOrUID) {
				return dev, nil
			}
		case <-deadline.C:
			return nil, transport.ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func matchesNameOrUID(dev *microbot.Microbot, nameOrUID string) bool {
	return strings.EqualFold(dev.UID().String(), nameOrUID) || strings.EqualFold(dev.Name(), nameOrUID)
}
