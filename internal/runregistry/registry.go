// Package runregistry tracks in-flight and completed runs for the HTTP
// control plane: an ephemeral in-memory map for active runs plus a
// durable SQLite-backed sidecar for completed ones, mirroring the
// teacher's cache-then-store split (services/orchestrator/persistence.go
// memCache/executionCache backed by bbolt) but against the same
// jmoiron/sqlx + modernc.org/sqlite stack as internal/history, since runs
// are relational rows rather than workflow blobs.
package runregistry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/scriptguard/runner/internal/eventlog"
	"github.com/scriptguard/runner/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP,
	run_status TEXT,
	error TEXT,
	correlation_id TEXT,
	script_path TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

// activeRun is the live bookkeeping for a run still in flight: its
// registry record plus the collaborators needed to cancel/stop/kill it
// and to read back its event stream.
type activeRun struct {
	record       model.RunRecord
	cancelHandle func(bool) bool // true=kill, false=graceful cancel
	events       *eventlog.Ring
}

// Registry is the C7 component: source of truth for run lifecycle state.
type Registry struct {
	db *sqlx.DB

	mu     sync.RWMutex
	active map[string]*activeRun
}

// Open creates/opens the durable runs database at path.
func Open(path string) (*Registry, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("runregistry: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("runregistry: apply schema: %w", err)
	}
	return &Registry{db: db, active: make(map[string]*activeRun)}, nil
}

func (r *Registry) Close() error { return r.db.Close() }

// Register inserts a new run with rec's status and tracks it as active.
func (r *Registry) Register(ctx context.Context, rec model.RunRecord, cancelHandle func(bool) bool) error {
	r.mu.Lock()
	r.active[rec.RunID] = &activeRun{record: rec, cancelHandle: cancelHandle, events: eventlog.New(1024)}
	r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO runs (id, status, started_at, correlation_id, script_path)
		VALUES (?, ?, ?, ?, ?)`,
		rec.RunID, rec.Status, rec.StartedAt, rec.CorrelationID, rec.Request.ScriptPath)
	if err != nil {
		return fmt.Errorf("runregistry: insert run: %w", err)
	}
	return nil
}

// UpdateStatus transitions status for an active run, recording the event.
func (r *Registry) UpdateStatus(runID string, status model.RunStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ar, ok := r.active[runID]; ok {
		ar.record.Status = status
		ar.events.Append(eventlog.KindAttemptComplete, map[string]interface{}{"status": string(status)})
	}
}

// Events returns the buffered event log for an active run, or nil if the
// run is not currently active (e.g. already completed and drained).
func (r *Registry) Events(runID string) []eventlog.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ar, ok := r.active[runID]
	if !ok {
		return nil
	}
	return ar.events.Events()
}

// Complete finalizes a run: persists the terminal record and drops it
// from the active map.
func (r *Registry) Complete(ctx context.Context, rec model.RunRecord) error {
	r.mu.Lock()
	delete(r.active, rec.RunID)
	r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, finished_at = ?, run_status = ?, error = ?
		WHERE id = ?`, rec.Status, rec.FinishedAt, rec.RunStatus, rec.Error, rec.RunID)
	if err != nil {
		return fmt.Errorf("runregistry: complete run: %w", err)
	}
	return nil
}

// Cancel requests cancellation (kill=false) or immediate kill (kill=true)
// of an active run. Returns false if the run is not active.
func (r *Registry) Cancel(runID string, kill bool) bool {
	r.mu.RLock()
	ar, ok := r.active[runID]
	r.mu.RUnlock()
	if !ok || ar.cancelHandle == nil {
		return false
	}
	return ar.cancelHandle(kill)
}

// Get returns the current view of a run, active or completed.
func (r *Registry) Get(ctx context.Context, runID string) (model.RunRecord, bool, error) {
	r.mu.RLock()
	ar, ok := r.active[runID]
	r.mu.RUnlock()
	if ok {
		return ar.record, true, nil
	}

	var row struct {
		ID            string     `db:"id"`
		Status        string     `db:"status"`
		StartedAt     time.Time  `db:"started_at"`
		FinishedAt    *time.Time `db:"finished_at"`
		RunStatus     string     `db:"run_status"`
		Error         string     `db:"error"`
		CorrelationID string     `db:"correlation_id"`
		ScriptPath    string     `db:"script_path"`
	}
	err := r.db.GetContext(ctx, &row, `SELECT * FROM runs WHERE id = ?`, runID)
	if err != nil {
		return model.RunRecord{}, false, nil
	}
	return model.RunRecord{
		RunID:         row.ID,
		Status:        model.RunStatus(row.Status),
		StartedAt:     row.StartedAt,
		FinishedAt:    row.FinishedAt,
		RunStatus:     row.RunStatus,
		Error:         row.Error,
		CorrelationID: row.CorrelationID,
		Request:       model.RunRequest{ScriptPath: row.ScriptPath},
	}, true, nil
}

// List returns the most recent runs from the durable table, newest
// started_at first; active and finished runs are not ordered separately.
func (r *Registry) List(ctx context.Context, limit int) ([]model.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryxContext(ctx, `SELECT * FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("runregistry: list runs: %w", err)
	}
	defer rows.Close()

	var out []model.RunRecord
	for rows.Next() {
		var row struct {
			ID            string     `db:"id"`
			Status        string     `db:"status"`
			StartedAt     time.Time  `db:"started_at"`
			FinishedAt    *time.Time `db:"finished_at"`
			RunStatus     string     `db:"run_status"`
			Error         string     `db:"error"`
			CorrelationID string     `db:"correlation_id"`
			ScriptPath    string     `db:"script_path"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("runregistry: scan run: %w", err)
		}
		out = append(out, model.RunRecord{
			RunID:         row.ID,
			Status:        model.RunStatus(row.Status),
			StartedAt:     row.StartedAt,
			FinishedAt:    row.FinishedAt,
			RunStatus:     row.RunStatus,
			Error:         row.Error,
			CorrelationID: row.CorrelationID,
			Request:       model.RunRequest{ScriptPath: row.ScriptPath},
		})
	}
	return out, rows.Err()
}
