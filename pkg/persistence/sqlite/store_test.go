package sqlite

import (
	"testing"
	"time"

	"github.com/microbotd/microbotd/pkg/microbot"
	"github.com/microbotd/microbotd/pkg/persistence"
	"github.com/microbotd/microbotd/pkg/transport"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMicrobotStoreUpsertAndGet(t *testing.T) {
	s := openTestStore(t)
	uid := transport.UID{1, 2, 3, 4, 5, 6}

	rec := &persistence.MicrobotRecord{UID: uid, Name: "front-door", IsPaired: true}
	if err := s.Microbots().Upsert(rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.Microbots().Get(uid)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "front-door" || !got.IsPaired {
		t.Errorf("got %+v, want Name=front-door IsPaired=true", got)
	}

	// Re-upsert updates in place rather than duplicating the row.
	rec.Name = "renamed"
	if err := s.Microbots().Upsert(rec); err != nil {
		t.Fatalf("Upsert (update): %v", err)
	}
	list, err := s.Microbots().List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 row after re-upsert, got %d", len(list))
	}
	if list[0].Name != "renamed" {
		t.Errorf("list[0].Name = %q, want %q", list[0].Name, "renamed")
	}
}

func TestMicrobotStoreGetNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Microbots().Get(transport.UID{9, 9, 9, 9, 9, 9})
	if err != persistence.ErrNotFound {
		t.Errorf("Get on unknown uid = %v, want ErrNotFound", err)
	}
}

func TestPairKeyStoreRoundTrip(t *testing.T) {
	s := openTestStore(t)
	uid := transport.UID{1, 1, 1, 1, 1, 1}
	keys := s.PairKeys()

	if keys.Has(uid) {
		t.Fatal("expected no key before Set")
	}

	var key microbot.PairKey
	for i := range key {
		key[i] = byte(i)
	}
	if err := keys.Set(uid, key); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !keys.Has(uid) {
		t.Fatal("expected key present after Set")
	}

	got, err := keys.Get(uid)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != key {
		t.Errorf("got key %v, want %v", got, key)
	}

	if err := keys.Delete(uid); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if keys.Has(uid) {
		t.Error("expected key absent after Delete")
	}
}

func seedMicrobot(t *testing.T, s *Store, uid transport.UID) *persistence.MicrobotRecord {
	t.Helper()
	rec := &persistence.MicrobotRecord{UID: uid, Name: uid.String()}
	if err := s.Microbots().Upsert(rec); err != nil {
		t.Fatalf("seed microbot: %v", err)
	}
	got, err := s.Microbots().Get(uid)
	if err != nil {
		t.Fatalf("seed microbot get: %v", err)
	}
	return got
}

func TestActionStoreReadyOrdersByIDAndRespectsSchedule(t *testing.T) {
	s := openTestStore(t)
	uid := transport.UID{2, 2, 2, 2, 2, 2}
	rec := seedMicrobot(t, s, uid)
	actions := s.Actions()

	now := time.Now()
	idPast, err := actions.Enqueue(&persistence.Action{
		MicrobotID: rec.ID, MicrobotUID: uid, Kind: persistence.ActionExtend,
		RetriesLeft: 5, ScheduledAt: now.Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("enqueue past: %v", err)
	}
	_, err = actions.Enqueue(&persistence.Action{
		MicrobotID: rec.ID, MicrobotUID: uid, Kind: persistence.ActionExtend,
		RetriesLeft: 5, ScheduledAt: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("enqueue future: %v", err)
	}

	ready, err := actions.Ready(now)
	if err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != idPast {
		t.Fatalf("Ready() = %v, want only action %d", ready, idPast)
	}
}

func TestActionStoreCompleteAdvancesChildren(t *testing.T) {
	s := openTestStore(t)
	uid := transport.UID{3, 3, 3, 3, 3, 3}
	rec := seedMicrobot(t, s, uid)
	actions := s.Actions()

	now := time.Now()
	parentID, err := actions.Enqueue(&persistence.Action{
		MicrobotID: rec.ID, MicrobotUID: uid, Kind: persistence.ActionExtend,
		RetriesLeft: 5, ScheduledAt: now,
	})
	if err != nil {
		t.Fatalf("enqueue parent: %v", err)
	}
	childID, err := actions.Enqueue(&persistence.Action{
		MicrobotID: rec.ID, MicrobotUID: uid, Kind: persistence.ActionExtend,
		PrevActionID: &parentID, PrevActionDelay: 2 * time.Second,
		RetriesLeft: 5, ScheduledAt: now.Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("enqueue child: %v", err)
	}

	// The child is chained, so it must not show up as a ready head yet.
	ready, err := actions.Ready(now)
	if err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != parentID {
		t.Fatalf("Ready() before Complete = %v, want only parent %d", ready, parentID)
	}

	completeAt := now.Add(time.Minute)
	if err := actions.Complete(parentID, completeAt); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if _, err := actions.Get(parentID); err != persistence.ErrNotFound {
		t.Errorf("Get(parentID) after Complete = %v, want ErrNotFound", err)
	}

	child, err := actions.Get(childID)
	if err != nil {
		t.Fatalf("Get(childID): %v", err)
	}
	if child.PrevActionID != nil {
		t.Errorf("child.PrevActionID = %v, want nil after Complete", child.PrevActionID)
	}
	wantScheduled := completeAt.Add(2 * time.Second)
	if child.ScheduledAt.Sub(wantScheduled).Abs() > time.Second {
		t.Errorf("child.ScheduledAt = %v, want ~%v", child.ScheduledAt, wantScheduled)
	}
}

func TestActionStoreRemoveChainDeletesDescendants(t *testing.T) {
	s := openTestStore(t)
	uid := transport.UID{4, 4, 4, 4, 4, 4}
	rec := seedMicrobot(t, s, uid)
	actions := s.Actions()

	now := time.Now()
	parentID, _ := actions.Enqueue(&persistence.Action{
		MicrobotID: rec.ID, MicrobotUID: uid, Kind: persistence.ActionExtend,
		RetriesLeft: 5, ScheduledAt: now,
	})
	childID, _ := actions.Enqueue(&persistence.Action{
		MicrobotID: rec.ID, MicrobotUID: uid, Kind: persistence.ActionExtend,
		PrevActionID: &parentID, RetriesLeft: 5, ScheduledAt: now,
	})
	grandchildID, _ := actions.Enqueue(&persistence.Action{
		MicrobotID: rec.ID, MicrobotUID: uid, Kind: persistence.ActionRetract,
		PrevActionID: &childID, RetriesLeft: 5, ScheduledAt: now,
	})

	if err := actions.RemoveChain(parentID); err != nil {
		t.Fatalf("RemoveChain: %v", err)
	}

	for _, id := range []int64{parentID, childID, grandchildID} {
		if _, err := actions.Get(id); err != persistence.ErrNotFound {
			t.Errorf("Get(%d) after RemoveChain = %v, want ErrNotFound", id, err)
		}
	}
}

func TestActionStoreNextScheduledAt(t *testing.T) {
	s := openTestStore(t)
	actions := s.Actions()

	if _, ok, err := actions.NextScheduledAt(); err != nil || ok {
		t.Fatalf("NextScheduledAt on empty queue = (ok=%v, err=%v), want ok=false", ok, err)
	}

	uid := transport.UID{5, 5, 5, 5, 5, 5}
	rec := seedMicrobot(t, s, uid)
	earlier := time.Now().Add(time.Minute)
	later := time.Now().Add(time.Hour)
	actions.Enqueue(&persistence.Action{MicrobotID: rec.ID, MicrobotUID: uid, Kind: persistence.ActionExtend, RetriesLeft: 5, ScheduledAt: later})
	actions.Enqueue(&persistence.Action{MicrobotID: rec.ID, MicrobotUID: uid, Kind: persistence.ActionExtend, RetriesLeft: 5, ScheduledAt: earlier})

	next, ok, err := actions.NextScheduledAt()
	if err != nil || !ok {
		t.Fatalf("NextScheduledAt = (ok=%v, err=%v)", ok, err)
	}
	if next.Sub(earlier).Abs() > time.Second {
		t.Errorf("NextScheduledAt = %v, want ~%v", next, earlier)
	}
}
