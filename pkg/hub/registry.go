package hub

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/microbotd/microbotd/pkg/logger"
	"github.com/microbotd/microbotd/pkg/microbot"
	"github.com/microbotd/microbotd/pkg/transport"
)

// DefaultMaxAge is how long a device may go unseen before the Registry
// garbage-collects it.
const DefaultMaxAge = 24 * time.Hour

// Registry maps device UID to its in-memory Microbot, ages out stale
// entries, and fans out discovered/lost events.
type Registry struct {
	tr    transport.Transport
	store microbot.PairKeyStore
	log   *logger.Logger

	maxAge time.Duration

	mu      sync.Mutex
	records map[transport.UID]*ScanRecord
	devices map[transport.UID]*microbot.Microbot

	subMu        sync.Mutex
	onDiscovered map[uuid.UUID]func(*microbot.Microbot)
	onLost       map[uuid.UUID]func(*microbot.Microbot)
}

// NewRegistry constructs a Registry backed by tr for new Microbots and
// store for their pairing keys.
func NewRegistry(tr transport.Transport, store microbot.PairKeyStore, maxAge time.Duration, log *logger.Logger) *Registry {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if log == nil {
		log = logger.Global()
	}
	return &Registry{
		tr:           tr,
		store:        store,
		log:          log,
		maxAge:       maxAge,
		records:      make(map[transport.UID]*ScanRecord),
		devices:      make(map[transport.UID]*microbot.Microbot),
		onDiscovered: make(map[uuid.UUID]func(*microbot.Microbot)),
		onLost:       make(map[uuid.UUID]func(*microbot.Microbot)),
	}
}

// Observe ingests one scan event, creating a new Microbot on first sight
// or updating last_seen/name for a known one. last_seen never regresses:
// an event observed before a known device's last_seen is logged as an
// error and dropped.
func (r *Registry) Observe(ev transport.ScanEvent) {
	r.mu.Lock()
	rec, known := r.records[ev.SenderAddress]
	if known {
		if ev.ObservedAt.Before(rec.LastSeen) {
			r.mu.Unlock()
			r.log.Error("scan event older than last seen, dropping", "uid", ev.SenderAddress)
			return
		}
		rec.LastSeen = ev.ObservedAt
		if name, ok := ev.LocalName(); ok && name != "" && name != localNameFilter {
			rec.Name = name
			if dev, ok := r.devices[ev.SenderAddress]; ok {
				dev.UpdateName(name)
			}
		}
		r.mu.Unlock()
		return
	}

	name, _ := ev.LocalName()
	if name == "" {
		name = strings.ToUpper(ev.SenderAddress.String())
	}
	rec = &ScanRecord{UID: ev.SenderAddress, Name: name, LastSeen: ev.ObservedAt}
	r.records[ev.SenderAddress] = rec

	dev := microbot.New(ev.SenderAddress, name, r.tr, r.store, r.log)
	r.devices[ev.SenderAddress] = dev
	r.mu.Unlock()

	r.fireDiscovered(dev)
}

// List returns every known device as of the call.
func (r *Registry) List() []*microbot.Microbot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*microbot.Microbot, 0, len(r.devices))
	for _, dev := range r.devices {
		out = append(out, dev)
	}
	return out
}

// Get returns the Microbot for uid, if known.
func (r *Registry) Get(uid transport.UID) (*microbot.Microbot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[uid]
	return dev, ok
}

// Find matches nameOrUID case-insensitively against either the UID's
// colon-hex form or the device's last-known advertised name.
func (r *Registry) Find(nameOrUID string) (*microbot.Microbot, bool) {
	needle := strings.ToLower(nameOrUID)
	r.mu.Lock()
	defer r.mu.Unlock()
	for uid, dev := range r.devices {
		if strings.ToLower(uid.String()) == needle || strings.ToLower(dev.Name()) == needle {
			return dev, true
		}
	}
	return nil, false
}

// OnDiscovered subscribes cb to newly-discovered devices.
func (r *Registry) OnDiscovered(cb func(*microbot.Microbot)) microbot.Handle {
	return r.subscribe(r.onDiscovered, cb)
}

// OnLost subscribes cb to devices garbage-collected from the registry.
func (r *Registry) OnLost(cb func(*microbot.Microbot)) microbot.Handle {
	return r.subscribe(r.onLost, cb)
}

func (r *Registry) subscribe(set map[uuid.UUID]func(*microbot.Microbot), cb func(*microbot.Microbot)) microbot.Handle {
	id := uuid.New()
	r.subMu.Lock()
	set[id] = cb
	r.subMu.Unlock()
	return microbot.NewHandle(func() {
		r.subMu.Lock()
		delete(set, id)
		r.subMu.Unlock()
	})
}

func (r *Registry) fireDiscovered(dev *microbot.Microbot) {
	r.subMu.Lock()
	cbs := make([]func(*microbot.Microbot), 0, len(r.onDiscovered))
	for _, cb := range r.onDiscovered {
		cbs = append(cbs, cb)
	}
	r.subMu.Unlock()
	for _, cb := range cbs {
		cb(dev)
	}
}

func (r *Registry) fireLost(dev *microbot.Microbot) {
	r.subMu.Lock()
	cbs := make([]func(*microbot.Microbot), 0, len(r.onLost))
	for _, cb := range r.onLost {
		cbs = append(cbs, cb)
	}
	r.subMu.Unlock()
	for _, cb := range cbs {
		cb(dev)
	}
}

// gcOnce removes every device unseen for longer than maxAge, relative to
// now, firing OnLost for each.
func (r *Registry) gcOnce(now time.Time) {
	r.mu.Lock()
	var stale []*microbot.Microbot
	for uid, rec := range r.records {
		if now.Sub(rec.LastSeen) > r.maxAge {
			if dev, ok := r.devices[uid]; ok {
				stale = append(stale, dev)
			}
			delete(r.records, uid)
			delete(r.devices, uid)
		}
	}
	r.mu.Unlock()

	for _, dev := range stale {
		r.fireLost(dev)
	}
}
