// Package persistence defines the durable-storage contracts the daemon's
// core depends on: a microbot's pairing key, and the action queue that
// drives the scheduler. Concrete backends live in subpackages (sqlite).
package persistence

import (
	"errors"
	"time"

	"github.com/microbotd/microbotd/pkg/microbot"
	"github.com/microbotd/microbotd/pkg/transport"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("persistence: not found")

// MicrobotRecord is the persisted mirror of one device, read by external
// consumers (the status API) without holding a reference to the live
// in-memory Microbot. Rows are written only through MicrobotStore.Upsert;
// neither the Hub nor the scheduler calls it, so state changes of live
// devices are not copied into this table.
type MicrobotRecord struct {
	ID          int64
	UID         transport.UID
	Name        string
	IsPaired    bool
	IsConnected bool
	Retracted   *bool
	Battery     *float64
	Calibration *float64
	LastError   string
	LastSeen    time.Time
	CreatedAt   time.Time
}

// MicrobotStore persists the fleet's device mirror.
type MicrobotStore interface {
	Upsert(rec *MicrobotRecord) error
	Get(uid transport.UID) (*MicrobotRecord, error)
	List() ([]*MicrobotRecord, error)
}

// PairKeyStore is an alias for the session layer's store contract: the
// concrete sqlite implementation satisfies microbot.PairKeyStore directly
// so a *Store can be handed straight to microbot.New / hub.NewRegistry.
type PairKeyStore = microbot.PairKeyStore

// ActionKind enumerates the action-kind closed set: pair, blink, extend,
// retract, calibrate, change_button_mode. These literal strings are a wire
// contract — they are inserted verbatim by the external scheduler API (MQTT
// ingest, the action CLI) and must match exactly, or a request silently
// burns its retry budget against the scheduler's unknown-kind branch.
type ActionKind string

const (
	ActionPair             ActionKind = "pair"
	ActionBlink            ActionKind = "blink"
	ActionExtend           ActionKind = "extend"
	ActionRetract          ActionKind = "retract"
	ActionCalibrate        ActionKind = "calibrate"
	ActionChangeButtonMode ActionKind = "change_button_mode"
)

// DefaultRetries is the default retries_left for a freshly-enqueued action
// with no explicit override. Pairing gets a larger budget since it blocks
// on a human touching the device.
const (
	DefaultRetries     = 5
	DefaultPairRetries = 15
)

// Action is one row of the durable command queue. ActionArgs is an opaque
// JSON blob; the scheduler unmarshals it per ActionKind before dispatch.
type Action struct {
	ID              int64
	MicrobotID      int64
	MicrobotUID     transport.UID
	PrevActionID    *int64
	PrevActionDelay time.Duration
	RetriesLeft     int
	ScheduledAt     time.Time
	Kind            ActionKind
	Args            []byte
	LastError       string
	CreatedAt       time.Time
}

// ActionStore persists the scheduler's durable command queue.
type ActionStore interface {
	// Enqueue inserts a new action chain head (or link, if PrevActionID is
	// set) and returns the assigned ID.
	Enqueue(a *Action) (int64, error)

	// Ready returns every action with PrevActionID == nil and
	// ScheduledAt <= now, ordered by ID ascending.
	Ready(now time.Time) ([]*Action, error)

	// Reschedule pushes an action's ScheduledAt forward and optionally
	// decrements RetriesLeft and records lastErr.
	Reschedule(id int64, scheduledAt time.Time, retriesLeft int, lastErr string) error

	// Complete advances every direct successor of id (clears their
	// PrevActionID, sets ScheduledAt = now + PrevActionDelay) and deletes
	// the row for id.
	Complete(id int64, now time.Time) error

	// RemoveChain deletes id and every action transitively chained off it
	// (breadth-first over PrevActionID).
	RemoveChain(id int64) error

	// NextScheduledAt returns the minimum ScheduledAt across every chain
	// head (PrevActionID IS NULL), or ok=false if the queue is empty.
	NextScheduledAt() (t time.Time, ok bool, err error)

	// Get fetches a single action by ID, for chain-walking callers.
	Get(id int64) (*Action, error)

	// Children returns the direct successors of id.
	Children(id int64) ([]*Action, error)

	// ApplyTick writes every outcome from one scheduling round (reschedule,
	// complete, or remove-chain) together, as a single transaction where the
	// backend supports one, so a crash mid-tick can't leave the queue with
	// some actions advanced and others not.
	ApplyTick(now time.Time, results []TickResult) error
}

// TickResult is one ready action's outcome from a single Scheduler.step
// round, passed to ActionStore.ApplyTick in a batch.
type TickResult struct {
	ID int64
	// Exactly one of Complete, RemoveChain, or Reschedule is true.
	Complete    bool
	RemoveChain bool
	Reschedule  bool
	ScheduledAt time.Time
	RetriesLeft int
	LastError   string
}

// Store bundles every persisted collection the daemon needs behind one
// constructor/connection, mirroring the teacher's single-Store convention.
type Store interface {
	Microbots() MicrobotStore
	PairKeys() PairKeyStore
	Actions() ActionStore
	Close() error
}
