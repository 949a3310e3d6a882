package hub

import (
	"sync"
	"testing"
	"time"

	"github.com/microbotd/microbotd/pkg/microbot"
	"github.com/microbotd/microbotd/pkg/transport"
	"github.com/microbotd/microbotd/pkg/transport/fake"
)

// memPairKeyStore is a minimal in-memory microbot.PairKeyStore for tests.
type memPairKeyStore struct {
	mu   sync.Mutex
	keys map[transport.UID]microbot.PairKey
}

func newMemPairKeyStore() *memPairKeyStore {
	return &memPairKeyStore{keys: make(map[transport.UID]microbot.PairKey)}
}

func (s *memPairKeyStore) Has(uid transport.UID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[uid]
	return ok
}

func (s *memPairKeyStore) Get(uid transport.UID) (microbot.PairKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[uid]
	if !ok {
		return microbot.PairKey{}, transport.ErrNotConnected
	}
	return k, nil
}

func (s *memPairKeyStore) Set(uid transport.UID, key microbot.PairKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[uid] = key
	return nil
}

func (s *memPairKeyStore) Delete(uid transport.UID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, uid)
	return nil
}

func scanEventFor(uid transport.UID, name string, at time.Time) transport.ScanEvent {
	return transport.ScanEvent{
		SenderAddress: uid,
		PayloadSegments: []transport.AdvSegment{
			{Type: transport.ADTypeCompleteLocalName, Data: []byte(name)},
		},
		ObservedAt: at,
	}
}

func TestRegistryObserveDiscoversAndUpdates(t *testing.T) {
	tr := fake.New(transport.UID{1, 2, 3, 4, 5, 6})
	reg := NewRegistry(tr, newMemPairKeyStore(), time.Hour, nil)

	var discovered []*microbot.Microbot
	reg.OnDiscovered(func(dev *microbot.Microbot) { discovered = append(discovered, dev) })

	uid := transport.UID{9, 9, 9, 9, 9, 9}
	now := time.Now()
	reg.Observe(scanEventFor(uid, "mibp", now))

	if len(discovered) != 1 {
		t.Fatalf("expected 1 discovered device, got %d", len(discovered))
	}

	dev, ok := reg.Get(uid)
	if !ok {
		t.Fatal("expected device to be registered")
	}
	if dev.UID() != uid {
		t.Errorf("device UID = %v, want %v", dev.UID(), uid)
	}

	// A later observation of the same UID with a new name updates it but
	// must not fire OnDiscovered again.
	reg.Observe(scanEventFor(uid, "front-door", now.Add(time.Second)))
	if len(discovered) != 1 {
		t.Errorf("expected discovered callback to fire once, fired %d times", len(discovered))
	}
	if dev.Name() != "front-door" {
		t.Errorf("device name = %q, want %q", dev.Name(), "front-door")
	}
}

func TestRegistryFindByNameOrUID(t *testing.T) {
	tr := fake.New(transport.UID{1, 2, 3, 4, 5, 6})
	reg := NewRegistry(tr, newMemPairKeyStore(), time.Hour, nil)

	uid := transport.UID{0xAB, 0xCD, 0, 0, 0, 1}
	reg.Observe(scanEventFor(uid, "kitchen-button", time.Now()))

	if _, ok := reg.Find("KITCHEN-BUTTON"); !ok {
		t.Error("expected case-insensitive name match")
	}
	if _, ok := reg.Find(uid.String()); !ok {
		t.Error("expected UID-string match")
	}
	if _, ok := reg.Find("nonexistent"); ok {
		t.Error("expected no match for unknown name")
	}
}

func TestRegistryGCOnceFiresOnLost(t *testing.T) {
	tr := fake.New(transport.UID{1, 2, 3, 4, 5, 6})
	reg := NewRegistry(tr, newMemPairKeyStore(), time.Minute, nil)

	var lost []*microbot.Microbot
	reg.OnLost(func(dev *microbot.Microbot) { lost = append(lost, dev) })

	uid := transport.UID{1, 1, 1, 1, 1, 1}
	base := time.Now()
	reg.Observe(scanEventFor(uid, "stale-button", base))

	reg.gcOnce(base.Add(2 * time.Minute))

	if len(lost) != 1 {
		t.Fatalf("expected 1 lost device, got %d", len(lost))
	}
	if _, ok := reg.Get(uid); ok {
		t.Error("expected device removed from registry after GC")
	}
}
