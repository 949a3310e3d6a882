// Package sqlite is the pure-Go sqlite-backed persistence.Store, covering
// the microbots/pairing_keys/actions schema.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver, no cgo

	"github.com/microbotd/microbotd/pkg/microbot"
	"github.com/microbotd/microbotd/pkg/persistence"
	"github.com/microbotd/microbotd/pkg/transport"
)

// Store implements persistence.Store against a single sqlite file.
type Store struct {
	db *sql.DB
}

// Open creates or opens the sqlite database at path and ensures its schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer file, avoid SQLITE_BUSY storms

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS microbots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uid TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		is_paired INTEGER NOT NULL DEFAULT 0,
		is_connected INTEGER NOT NULL DEFAULT 0,
		retracted INTEGER,
		battery REAL,
		calibration REAL,
		last_error TEXT NOT NULL DEFAULT '',
		last_seen DATETIME,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pairing_keys (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uid TEXT NOT NULL UNIQUE,
		pair_key BLOB NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS actions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		microbot_id INTEGER NOT NULL REFERENCES microbots(id),
		prev_action_id INTEGER REFERENCES actions(id),
		prev_action_delay REAL NOT NULL DEFAULT 0,
		retries_left INTEGER NOT NULL DEFAULT 5,
		scheduled_at DATETIME NOT NULL,
		action TEXT NOT NULL,
		action_args BLOB,
		last_error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_actions_ready ON actions(prev_action_id, scheduled_at);
	CREATE INDEX IF NOT EXISTS idx_actions_prev ON actions(prev_action_id);
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Microbots returns the MicrobotStore facet.
func (s *Store) Microbots() persistence.MicrobotStore { return &microbotStore{db: s.db} }

// PairKeys returns the PairKeyStore facet.
func (s *Store) PairKeys() persistence.PairKeyStore { return &pairKeyStore{db: s.db} }

// Actions returns the ActionStore facet.
func (s *Store) Actions() persistence.ActionStore { return &actionStore{db: s.db} }

type microbotStore struct{ db *sql.DB }

func (m *microbotStore) Upsert(rec *persistence.MicrobotRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := m.db.Exec(`
		INSERT INTO microbots (uid, name, is_paired, is_connected, retracted, battery, calibration, last_error, last_seen, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uid) DO UPDATE SET
			name=excluded.name, is_paired=excluded.is_paired, is_connected=excluded.is_connected,
			retracted=excluded.retracted, battery=excluded.battery, calibration=excluded.calibration,
			last_error=excluded.last_error, last_seen=excluded.last_seen`,
		rec.UID.String(), rec.Name, rec.IsPaired, rec.IsConnected,
		nullableBool(rec.Retracted), nullableFloat(rec.Battery), nullableFloat(rec.Calibration),
		rec.LastError, rec.LastSeen, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: upsert microbot: %w", err)
	}
	return nil
}

func (m *microbotStore) Get(uid transport.UID) (*persistence.MicrobotRecord, error) {
	row := m.db.QueryRow(`
		SELECT id, uid, name, is_paired, is_connected, retracted, battery, calibration, last_error, last_seen, created_at
		FROM microbots WHERE uid = ?`, uid.String())
	rec, err := scanMicrobot(row)
	if err == sql.ErrNoRows {
		return nil, persistence.ErrNotFound
	}
	return rec, err
}

func (m *microbotStore) List() ([]*persistence.MicrobotRecord, error) {
	rows, err := m.db.Query(`
		SELECT id, uid, name, is_paired, is_connected, retracted, battery, calibration, last_error, last_seen, created_at
		FROM microbots ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list microbots: %w", err)
	}
	defer rows.Close()

	var out []*persistence.MicrobotRecord
	for rows.Next() {
		rec, err := scanMicrobot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMicrobot(row rowScanner) (*persistence.MicrobotRecord, error) {
	var (
		rec       persistence.MicrobotRecord
		uidStr    string
		retracted sql.NullBool
		battery   sql.NullFloat64
		calib     sql.NullFloat64
		lastSeen  sql.NullTime
	)
	if err := row.Scan(&rec.ID, &uidStr, &rec.Name, &rec.IsPaired, &rec.IsConnected,
		&retracted, &battery, &calib, &rec.LastError, &lastSeen, &rec.CreatedAt); err != nil {
		return nil, err
	}
	uid, err := transport.ParseUID(uidStr)
	if err != nil {
		return nil, fmt.Errorf("sqlite: corrupt uid %q: %w", uidStr, err)
	}
	rec.UID = uid
	if retracted.Valid {
		v := retracted.Bool
		rec.Retracted = &v
	}
	if battery.Valid {
		v := battery.Float64
		rec.Battery = &v
	}
	if calib.Valid {
		v := calib.Float64
		rec.Calibration = &v
	}
	if lastSeen.Valid {
		rec.LastSeen = lastSeen.Time
	}
	return &rec, nil
}

func nullableBool(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

func nullableFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

type pairKeyStore struct{ db *sql.DB }

func (p *pairKeyStore) Has(uid transport.UID) bool {
	var id int64
	err := p.db.QueryRow(`SELECT id FROM pairing_keys WHERE uid = ?`, uid.String()).Scan(&id)
	return err == nil
}

func (p *pairKeyStore) Get(uid transport.UID) (microbot.PairKey, error) {
	var raw []byte
	err := p.db.QueryRow(`SELECT pair_key FROM pairing_keys WHERE uid = ?`, uid.String()).Scan(&raw)
	if err == sql.ErrNoRows {
		return microbot.PairKey{}, persistence.ErrNotFound
	}
	if err != nil {
		return microbot.PairKey{}, fmt.Errorf("sqlite: get pair key: %w", err)
	}
	var key microbot.PairKey
	if len(raw) != len(key) {
		return microbot.PairKey{}, fmt.Errorf("sqlite: corrupt pair key for %s: want %d bytes, got %d", uid, len(key), len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

func (p *pairKeyStore) Set(uid transport.UID, key microbot.PairKey) error {
	_, err := p.db.Exec(`
		INSERT INTO pairing_keys (uid, pair_key, created_at) VALUES (?, ?, ?)
		ON CONFLICT(uid) DO UPDATE SET pair_key=excluded.pair_key`,
		uid.String(), key[:], time.Now())
	if err != nil {
		return fmt.Errorf("sqlite: set pair key: %w", err)
	}
	return nil
}

func (p *pairKeyStore) Delete(uid transport.UID) error {
	_, err := p.db.Exec(`DELETE FROM pairing_keys WHERE uid = ?`, uid.String())
	if err != nil {
		return fmt.Errorf("sqlite: delete pair key: %w", err)
	}
	return nil
}

type actionStore struct{ db *sql.DB }

func (a *actionStore) Enqueue(act *persistence.Action) (int64, error) {
	if act.CreatedAt.IsZero() {
		act.CreatedAt = time.Now()
	}
	res, err := a.db.Exec(`
		INSERT INTO actions (microbot_id, prev_action_id, prev_action_delay, retries_left, scheduled_at, action, action_args, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		act.MicrobotID, act.PrevActionID, act.PrevActionDelay.Seconds(), act.RetriesLeft,
		act.ScheduledAt, string(act.Kind), act.Args, act.LastError, act.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("sqlite: enqueue action: %w", err)
	}
	return res.LastInsertId()
}

func (a *actionStore) Ready(now time.Time) ([]*persistence.Action, error) {
	rows, err := a.db.Query(`
		SELECT a.id, a.microbot_id, m.uid, a.prev_action_id, a.prev_action_delay, a.retries_left,
			a.scheduled_at, a.action, a.action_args, a.last_error, a.created_at
		FROM actions a JOIN microbots m ON m.id = a.microbot_id
		WHERE a.prev_action_id IS NULL AND a.scheduled_at <= ?
		ORDER BY a.id ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("sqlite: ready actions: %w", err)
	}
	defer rows.Close()
	return scanActions(rows)
}

func (a *actionStore) Children(id int64) ([]*persistence.Action, error) {
	rows, err := a.db.Query(`
		SELECT a.id, a.microbot_id, m.uid, a.prev_action_id, a.prev_action_delay, a.retries_left,
			a.scheduled_at, a.action, a.action_args, a.last_error, a.created_at
		FROM actions a JOIN microbots m ON m.id = a.microbot_id
		WHERE a.prev_action_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: children: %w", err)
	}
	defer rows.Close()
	return scanActions(rows)
}

func (a *actionStore) Get(id int64) (*persistence.Action, error) {
	row := a.db.QueryRow(`
		SELECT a.id, a.microbot_id, m.uid, a.prev_action_id, a.prev_action_delay, a.retries_left,
			a.scheduled_at, a.action, a.action_args, a.last_error, a.created_at
		FROM actions a JOIN microbots m ON m.id = a.microbot_id
		WHERE a.id = ?`, id)
	act, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, persistence.ErrNotFound
	}
	return act, err
}

func scanActions(rows *sql.Rows) ([]*persistence.Action, error) {
	var out []*persistence.Action
	for rows.Next() {
		act, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, act)
	}
	return out, rows.Err()
}

func scanAction(row rowScanner) (*persistence.Action, error) {
	var (
		act          persistence.Action
		uidStr       string
		prevID       sql.NullInt64
		delaySeconds float64
		kind         string
		argsJSON     []byte
	)
	if err := row.Scan(&act.ID, &act.MicrobotID, &uidStr, &prevID, &delaySeconds, &act.RetriesLeft,
		&act.ScheduledAt, &kind, &argsJSON, &act.LastError, &act.CreatedAt); err != nil {
		return nil, err
	}
	uid, err := transport.ParseUID(uidStr)
	if err != nil {
		return nil, fmt.Errorf("sqlite: corrupt uid %q: %w", uidStr, err)
	}
	act.MicrobotUID = uid
	act.PrevActionDelay = time.Duration(delaySeconds * float64(time.Second))
	act.Kind = persistence.ActionKind(kind)
	if prevID.Valid {
		v := prevID.Int64
		act.PrevActionID = &v
	}
	act.Args = argsJSON
	return &act, nil
}

func (a *actionStore) Reschedule(id int64, scheduledAt time.Time, retriesLeft int, lastErr string) error {
	_, err := a.db.Exec(`UPDATE actions SET scheduled_at = ?, retries_left = ?, last_error = ? WHERE id = ?`,
		scheduledAt, retriesLeft, lastErr, id)
	if err != nil {
		return fmt.Errorf("sqlite: reschedule action %d: %w", id, err)
	}
	return nil
}

func (a *actionStore) Complete(id int64, now time.Time) error {
	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlite: complete action %d: begin: %w", id, err)
	}
	defer tx.Rollback()

	if err := completeInTx(tx, id, now); err != nil {
		return fmt.Errorf("sqlite: complete action %d: %w", id, err)
	}
	return tx.Commit()
}

func (a *actionStore) RemoveChain(id int64) error {
	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlite: remove chain %d: begin: %w", id, err)
	}
	defer tx.Rollback()

	if err := removeChainInTx(tx, id); err != nil {
		return fmt.Errorf("sqlite: remove chain %d: %w", id, err)
	}
	return tx.Commit()
}

// ApplyTick writes every result from one scheduler round inside a single
// transaction, so a crash between results can't leave the queue with some
// actions advanced and others stuck behind them.
func (a *actionStore) ApplyTick(now time.Time, results []persistence.TickResult) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlite: apply tick: begin: %w", err)
	}
	defer tx.Rollback()

	for _, r := range results {
		switch {
		case r.Complete:
			if err := completeInTx(tx, r.ID, now); err != nil {
				return fmt.Errorf("sqlite: apply tick: complete %d: %w", r.ID, err)
			}
		case r.RemoveChain:
			if err := removeChainInTx(tx, r.ID); err != nil {
				return fmt.Errorf("sqlite: apply tick: remove chain %d: %w", r.ID, err)
			}
		case r.Reschedule:
			if _, err := tx.Exec(`UPDATE actions SET scheduled_at = ?, retries_left = ?, last_error = ? WHERE id = ?`,
				r.ScheduledAt, r.RetriesLeft, r.LastError, r.ID); err != nil {
				return fmt.Errorf("sqlite: apply tick: reschedule %d: %w", r.ID, err)
			}
		}
	}
	return tx.Commit()
}

// completeInTx advances id's direct successors and deletes id, within tx.
func completeInTx(tx *sql.Tx, id int64, now time.Time) error {
	rows, err := tx.Query(`SELECT id, prev_action_delay FROM actions WHERE prev_action_id = ?`, id)
	if err != nil {
		return fmt.Errorf("query children: %w", err)
	}
	type child struct {
		id    int64
		delay float64
	}
	var children []child
	for rows.Next() {
		var c child
		if err := rows.Scan(&c.id, &c.delay); err != nil {
			rows.Close()
			return fmt.Errorf("scan child: %w", err)
		}
		children = append(children, c)
	}
	rows.Close()

	for _, c := range children {
		scheduledAt := now.Add(time.Duration(c.delay * float64(time.Second)))
		if _, err := tx.Exec(`UPDATE actions SET prev_action_id = NULL, scheduled_at = ? WHERE id = ?`, scheduledAt, c.id); err != nil {
			return fmt.Errorf("advance child %d: %w", c.id, err)
		}
	}

	if _, err := tx.Exec(`DELETE FROM actions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// removeChainInTx deletes id and every action transitively chained off it,
// within tx.
func removeChainInTx(tx *sql.Tx, id int64) error {
	toDelete := []int64{id}
	frontier := []int64{id}
	for len(frontier) > 0 {
		parent := frontier[0]
		frontier = frontier[1:]

		rows, err := tx.Query(`SELECT id FROM actions WHERE prev_action_id = ?`, parent)
		if err != nil {
			return fmt.Errorf("query children of %d: %w", parent, err)
		}
		var kids []int64
		for rows.Next() {
			var kid int64
			if err := rows.Scan(&kid); err != nil {
				rows.Close()
				return fmt.Errorf("scan: %w", err)
			}
			kids = append(kids, kid)
		}
		rows.Close()

		toDelete = append(toDelete, kids...)
		frontier = append(frontier, kids...)
	}

	for _, actID := range toDelete {
		if _, err := tx.Exec(`DELETE FROM actions WHERE id = ?`, actID); err != nil {
			return fmt.Errorf("delete %d: %w", actID, err)
		}
	}
	return nil
}

func (a *actionStore) NextScheduledAt() (time.Time, bool, error) {
	var t sql.NullTime
	err := a.db.QueryRow(`SELECT MIN(scheduled_at) FROM actions WHERE prev_action_id IS NULL`).Scan(&t)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("sqlite: next scheduled at: %w", err)
	}
	if !t.Valid {
		return time.Time{}, false, nil
	}
	return t.Time, true, nil
}
