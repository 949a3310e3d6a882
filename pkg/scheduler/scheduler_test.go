package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/microbotd/microbotd/pkg/hub"
	"github.com/microbotd/microbotd/pkg/microbot"
	"github.com/microbotd/microbotd/pkg/persistence"
	"github.com/microbotd/microbotd/pkg/transport"
	"github.com/microbotd/microbotd/pkg/transport/fake"
)

// memActionStore is a minimal in-memory persistence.ActionStore for tests.
type memActionStore struct {
	mu      sync.Mutex
	nextID  int64
	actions map[int64]*persistence.Action
}

func newMemActionStore() *memActionStore {
	return &memActionStore{actions: make(map[int64]*persistence.Action)}
}

func (m *memActionStore) Enqueue(a *persistence.Action) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	a.ID = m.nextID
	cp := *a
	m.actions[a.ID] = &cp
	return a.ID, nil
}

func (m *memActionStore) Ready(now time.Time) ([]*persistence.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*persistence.Action
	for _, a := range m.actions {
		if a.PrevActionID == nil && !a.ScheduledAt.After(now) {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memActionStore) Reschedule(id int64, scheduledAt time.Time, retriesLeft int, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok {
		return persistence.ErrNotFound
	}
	a.ScheduledAt = scheduledAt
	a.RetriesLeft = retriesLeft
	a.LastError = lastErr
	return nil
}

func (m *memActionStore) Complete(id int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.actions, id)
	return nil
}

func (m *memActionStore) RemoveChain(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.actions, id)
	return nil
}

func (m *memActionStore) NextScheduledAt() (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best time.Time
	found := false
	for _, a := range m.actions {
		if a.PrevActionID != nil {
			continue
		}
		if !found || a.ScheduledAt.Before(best) {
			best = a.ScheduledAt
			found = true
		}
	}
	return best, found, nil
}

func (m *memActionStore) Get(id int64) (*persistence.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memActionStore) ApplyTick(now time.Time, results []persistence.TickResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range results {
		switch {
		case r.Complete:
			delete(m.actions, r.ID)
		case r.RemoveChain:
			delete(m.actions, r.ID)
		case r.Reschedule:
			a, ok := m.actions[r.ID]
			if !ok {
				continue
			}
			a.ScheduledAt = r.ScheduledAt
			a.RetriesLeft = r.RetriesLeft
			a.LastError = r.LastError
		}
	}
	return nil
}

func (m *memActionStore) Children(id int64) ([]*persistence.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*persistence.Action
	for _, a := range m.actions {
		if a.PrevActionID != nil && *a.PrevActionID == id {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memActionStore) get(id int64) *persistence.Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.actions[id]
}

func newTestHub(t *testing.T) *hub.Hub {
	t.Helper()
	tr := fake.New(transport.UID{0, 0, 0, 0, 0, 1})
	return hub.New(tr, noPairKeyStore{}, hub.Config{MaxAge: time.Hour}, nil)
}

// noPairKeyStore is an always-empty microbot.PairKeyStore.
type noPairKeyStore struct{}

func (noPairKeyStore) Has(transport.UID) bool                       { return false }
func (noPairKeyStore) Get(transport.UID) (microbot.PairKey, error)   { return microbot.PairKey{}, transport.ErrNotConnected }
func (noPairKeyStore) Set(transport.UID, microbot.PairKey) error     { return nil }
func (noPairKeyStore) Delete(transport.UID) error                   { return nil }

func TestComputeWaitClampsBetweenMinAndMax(t *testing.T) {
	store := newMemActionStore()
	h := newTestHub(t)
	sched := New(store, h, Config{MinWait: time.Second, MaxWait: 10 * time.Second, IdleWait: 30 * time.Second}, nil)

	now := time.Now()

	// Empty queue: idle wait.
	wait, err := sched.computeWait(now)
	if err != nil || wait != 30*time.Second {
		t.Fatalf("computeWait(empty) = (%v, %v), want (30s, nil)", wait, err)
	}

	rec := &persistence.Action{MicrobotUID: transport.UID{1}, Kind: persistence.ActionExtend, ScheduledAt: now.Add(-time.Minute)}
	store.Enqueue(rec)
	wait, err = sched.computeWait(now)
	if err != nil || wait != 0 {
		t.Fatalf("computeWait(overdue) = (%v, %v), want (0, nil)", wait, err)
	}

	store.Reschedule(rec.ID, now.Add(3*time.Second), rec.RetriesLeft, "")
	wait, err = sched.computeWait(now)
	if err != nil || wait < time.Second || wait > 10*time.Second {
		t.Fatalf("computeWait(in range) = (%v, %v), want within [1s,10s]", wait, err)
	}

	store.Reschedule(rec.ID, now.Add(time.Hour), rec.RetriesLeft, "")
	wait, err = sched.computeWait(now)
	if err != nil || wait != 10*time.Second {
		t.Fatalf("computeWait(far future) = (%v, %v), want (10s, nil) due to MaxWait clamp", wait, err)
	}
}

func TestDispatchUnknownMicrobotRetries30s(t *testing.T) {
	store := newMemActionStore()
	h := newTestHub(t)
	sched := New(store, h, DefaultConfig(), nil)

	act := &persistence.Action{MicrobotUID: transport.UID{9, 9, 9, 9, 9, 9}, Kind: persistence.ActionExtend}
	res := sched.dispatch(context.Background(), act)
	if res.success || res.retrySeconds != 30 {
		t.Errorf("dispatch(unknown uid) = %+v, want retrySeconds=30", res)
	}
}

func TestDispatchDisconnectedNonPairRetries60s(t *testing.T) {
	store := newMemActionStore()
	h := newTestHub(t)
	uid := transport.UID{1, 2, 3, 4, 5, 6}
	h.Registry().Observe(transport.ScanEvent{
		SenderAddress: uid,
		PayloadSegments: []transport.AdvSegment{
			{Type: transport.ADTypeCompleteLocalName, Data: []byte("mibp")},
		},
		ObservedAt: time.Now(),
	})

	sched := New(store, h, DefaultConfig(), nil)
	act := &persistence.Action{MicrobotUID: uid, Kind: persistence.ActionExtend}
	res := sched.dispatch(context.Background(), act)
	if res.success || res.retrySeconds != 60 {
		t.Errorf("dispatch(disconnected, extend) = %+v, want retrySeconds=60", res)
	}
}

func TestApplyRetryExhaustsChainAfterRetriesLeftReachesZero(t *testing.T) {
	store := newMemActionStore()
	h := newTestHub(t)
	sched := New(store, h, DefaultConfig(), nil)

	act := &persistence.Action{ID: 1, RetriesLeft: 1, Kind: persistence.ActionExtend}
	result := sched.applyRetry(act, 5, "boom")

	if !result.RemoveChain || result.ID != 1 {
		t.Errorf("applyRetry result = %+v, want RemoveChain for action 1 once retries are exhausted", result)
	}
}

func TestApplyRetryReschedulesWhileBudgetRemains(t *testing.T) {
	store := newMemActionStore()
	h := newTestHub(t)
	sched := New(store, h, DefaultConfig(), nil)

	act := &persistence.Action{Kind: persistence.ActionExtend, RetriesLeft: 3}
	id, _ := store.Enqueue(act)
	act.ID = id

	result := sched.applyRetry(act, 2, "transient")

	if result.RemoveChain {
		t.Fatalf("applyRetry result = %+v, want Reschedule while budget remains", result)
	}
	if !result.Reschedule || result.RetriesLeft != 2 || result.LastError != "transient" {
		t.Errorf("applyRetry result = %+v, want Reschedule with RetriesLeft=2 LastError=%q", result, "transient")
	}

	if err := store.ApplyTick(time.Now(), []persistence.TickResult{result}); err != nil {
		t.Fatalf("ApplyTick: %v", err)
	}
	updated := store.get(id)
	if updated.RetriesLeft != 2 {
		t.Errorf("RetriesLeft = %d, want 2", updated.RetriesLeft)
	}
	if updated.LastError != "transient" {
		t.Errorf("LastError = %q, want %q", updated.LastError, "transient")
	}
}

// S5: two ready actions against the same microbot never dispatch in the same
// tick — the second is pushed back a second rather than commanded alongside
// the first.
func TestStepSerializesReadyActionsPerMicrobot(t *testing.T) {
	store := newMemActionStore()
	h := newTestHub(t)
	sched := New(store, h, DefaultConfig(), nil)

	uid := transport.UID{1, 2, 3, 4, 5, 6}
	// Discovered but never connected, so dispatch takes the
	// disconnected-non-pair branch (retrySeconds=60) for whichever action
	// isn't first pushed back by the per-device collision check.
	h.Registry().Observe(transport.ScanEvent{
		SenderAddress: uid,
		PayloadSegments: []transport.AdvSegment{
			{Type: transport.ADTypeCompleteLocalName, Data: []byte("mibp")},
		},
		ObservedAt: time.Now(),
	})

	now := time.Now()
	first := &persistence.Action{MicrobotUID: uid, Kind: persistence.ActionExtend, RetriesLeft: 5, ScheduledAt: now.Add(-time.Minute)}
	second := &persistence.Action{MicrobotUID: uid, Kind: persistence.ActionRetract, RetriesLeft: 5, ScheduledAt: now.Add(-time.Minute)}
	firstID, _ := store.Enqueue(first)
	secondID, _ := store.Enqueue(second)

	if _, err := sched.step(context.Background()); err != nil {
		t.Fatalf("step: %v", err)
	}

	a, err := store.Get(firstID)
	if err != nil {
		t.Fatalf("Get(first): %v", err)
	}
	b, err := store.Get(secondID)
	if err != nil {
		t.Fatalf("Get(second): %v", err)
	}

	// Exactly one of the two should have been pushed back by the
	// commandedThisTurn collision path (scheduled exactly 1s past its prior
	// ScheduledAt), the other by dispatch's disconnected-retry-60s branch,
	// applied against wall-clock time.Now() rather than the action's old
	// ScheduledAt (so its delta is ~1 minute + 60s here).
	firstDelta := a.ScheduledAt.Sub(first.ScheduledAt)
	secondDelta := b.ScheduledAt.Sub(second.ScheduledAt)

	oneSecondish := func(d time.Duration) bool { return d > 500*time.Millisecond && d < 2*time.Second }
	retriedDisconnected := func(d time.Duration) bool { return d > 100*time.Second && d < 140*time.Second }

	collided := (oneSecondish(firstDelta) && retriedDisconnected(secondDelta)) ||
		(oneSecondish(secondDelta) && retriedDisconnected(firstDelta))
	if !collided {
		t.Errorf("expected exactly one action collision-pushed by 1s and the other retried via the disconnected-retry-60s path, got first delta=%v second delta=%v", firstDelta, secondDelta)
	}

	// Neither action is deleted: "retry 60" dispatch outcomes aren't
	// completions, and the collision path is a pure reschedule.
	if a.RetriesLeft != 5 && a.RetriesLeft != 4 {
		t.Errorf("first.RetriesLeft = %d, want 5 (collided) or 4 (retried)", a.RetriesLeft)
	}
	if b.RetriesLeft != 5 && b.RetriesLeft != 4 {
		t.Errorf("second.RetriesLeft = %d, want 5 (collided) or 4 (retried)", b.RetriesLeft)
	}
}
