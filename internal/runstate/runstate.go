// Package runstate is the append-only run ledger: one SQLite database per
// batch recording every per-document state transition. The ledger is the
// source of truth for resume; artifacts on disk are cross-checked against
// it, never the other way around.
package runstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"
)

// State is a per-document pipeline state. Transitions only move forward;
// Failed is absorbing.
type State string

const (
	Pending    State = "pending"
	Stage1Done State = "stage1_done"
	Stage2Done State = "stage2_done"
	Normalized State = "normalized"
	Complete   State = "complete"
	Failed     State = "failed"
)

var stateRank = map[State]int{
	Pending:    0,
	Stage1Done: 1,
	Stage2Done: 2,
	Normalized: 3,
	Complete:   4,
	Failed:     -1,
}

// Known reports whether s is a ledger state.
func Known(s State) bool {
	_, ok := stateRank[s]
	return ok
}

// AtLeast reports whether s has reached stage. Failed has reached nothing.
func (s State) AtLeast(stage State) bool {
	if s == Failed {
		return false
	}
	return stateRank[s] >= stateRank[stage]
}

// Entry is the latest recorded position of one document.
type Entry struct {
	DocID  string
	State  State
	Reason string
	At     time.Time
}

// Ledger is the append-only run ledger backed by SQLite.
type Ledger struct {
	db *sql.DB
	// SQLite writes are serialized; the mutex keeps append ordering
	// deterministic under concurrent workers.
	mu sync.Mutex
}

// Open creates or opens the ledger database at path.
func Open(path string) (*Ledger, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating ledger directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging ledger: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}
	l := &Ledger{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	ddl := `
CREATE TABLE IF NOT EXISTS run_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    doc_id     TEXT NOT NULL,
    state      TEXT NOT NULL,
    reason     TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_run_events_doc ON run_events(doc_id, id);
`
	if _, err := l.db.Exec(ddl); err != nil {
		return fmt.Errorf("bootstrapping ledger schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error { return l.db.Close() }

// Append records one state transition for a document.
func (l *Ledger) Append(ctx context.Context, docID string, state State, reason string) error {
	if !Known(state) {
		return fmt.Errorf("unknown ledger state %q", state)
	}
	query, args, err := sq.Insert("run_events").
		Columns("doc_id", "state", "reason").
		Values(docID, string(state), reason).
		ToSql()
	if err != nil {
		return fmt.Errorf("building append query: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("appending %s for %s: %w", state, docID, err)
	}
	return nil
}

// Get returns the latest recorded entry for one document. A document with
// no events is Pending.
func (l *Ledger) Get(ctx context.Context, docID string) (Entry, error) {
	query, args, err := sq.Select("state", "reason", "created_at").
		From("run_events").
		Where(sq.Eq{"doc_id": docID}).
		OrderBy("id DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return Entry{}, fmt.Errorf("building get query: %w", err)
	}
	e := Entry{DocID: docID, State: Pending}
	var state string
	err = l.db.QueryRowContext(ctx, query, args...).Scan(&state, &e.Reason, &e.At)
	if errors.Is(err, sql.ErrNoRows) {
		return e, nil
	}
	if err != nil {
		return Entry{}, fmt.Errorf("reading state for %s: %w", docID, err)
	}
	e.State = State(state)
	return e, nil
}

// Snapshot returns the latest entry per document across the whole run.
func (l *Ledger) Snapshot(ctx context.Context) (map[string]Entry, error) {
	// Latest event per doc: max id wins.
	query, args, err := sq.Select("e.doc_id", "e.state", "e.reason", "e.created_at").
		From("run_events e").
		Join("(SELECT doc_id, MAX(id) AS max_id FROM run_events GROUP BY doc_id) m ON e.id = m.max_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building snapshot query: %w", err)
	}
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Entry)
	for rows.Next() {
		var e Entry
		var state string
		if err := rows.Scan(&e.DocID, &state, &e.Reason, &e.At); err != nil {
			return nil, fmt.Errorf("scanning snapshot row: %w", err)
		}
		e.State = State(state)
		out[e.DocID] = e
	}
	return out, rows.Err()
}

// History returns every recorded event for a document in append order.
func (l *Ledger) History(ctx context.Context, docID string) ([]Entry, error) {
	query, args, err := sq.Select("state", "reason", "created_at").
		From("run_events").
		Where(sq.Eq{"doc_id": docID}).
		OrderBy("id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building history query: %w", err)
	}
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("reading history for %s: %w", docID, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e := Entry{DocID: docID}
		var state string
		if err := rows.Scan(&state, &e.Reason, &e.At); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		e.State = State(state)
		out = append(out, e)
	}
	return out, rows.Err()
}
