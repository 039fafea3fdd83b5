// Package history persists ExecutionRecords and MetricSamples to an
// embedded SQLite database and serves aggregation and time-series reads;
// the CLI's --analyze-trend, --detect-regression and --detect-anomalies
// flags use the aggregation read. Derived from the teacher's bbolt-backed
// WorkflowStore (services/orchestrator/persistence.go), rebuilt here
// against jmoiron/sqlx + modernc.org/sqlite without a read cache or otel
// instruments, because the spec's history data is relational (executions
// joined with many metric rows) rather than the teacher's key-value
// workflow blobs.
package history

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/scriptguard/runner/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	script_path TEXT NOT NULL,
	exit_code INTEGER NOT NULL,
	start_time TIMESTAMP NOT NULL,
	end_time TIMESTAMP NOT NULL,
	stdout TEXT,
	stderr TEXT,
	stdout_lines INTEGER NOT NULL DEFAULT 0,
	stderr_lines INTEGER NOT NULL DEFAULT 0,
	correlation_id TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_executions_script_path ON executions(script_path);
CREATE INDEX IF NOT EXISTS idx_executions_created_at ON executions(created_at);

CREATE TABLE IF NOT EXISTS metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	execution_id INTEGER NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
	metric_name TEXT NOT NULL,
	metric_value REAL NOT NULL,
	observed_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metrics_execution_id ON metrics(execution_id);
CREATE INDEX IF NOT EXISTS idx_metrics_name ON metrics(metric_name);

CREATE TABLE IF NOT EXISTS executions_archive (
	id INTEGER PRIMARY KEY,
	script_path TEXT NOT NULL,
	exit_code INTEGER NOT NULL,
	start_time TIMESTAMP NOT NULL,
	end_time TIMESTAMP NOT NULL,
	stdout TEXT,
	stderr TEXT,
	stdout_lines INTEGER NOT NULL DEFAULT 0,
	stderr_lines INTEGER NOT NULL DEFAULT 0,
	correlation_id TEXT,
	created_at TIMESTAMP NOT NULL,
	archived_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS metrics_archive (
	id INTEGER PRIMARY KEY,
	execution_id INTEGER NOT NULL,
	metric_name TEXT NOT NULL,
	metric_value REAL NOT NULL,
	observed_at TIMESTAMP NOT NULL
);
`

// Store wraps an embedded SQLite handle for execution history.
type Store struct {
	db *sqlx.DB
}

// Open creates/opens the SQLite database at path and applies the schema.
// busy_timeout is set to 5s to tolerate contention from concurrent writers
// (spec §4.5 SQLITE_BUSY retry requirement) without hand-rolled retry loops.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveExecution inserts the record and its metric samples inside one
// transaction so partial writes never occur.
func (s *Store) SaveExecution(ctx context.Context, rec model.ExecutionRecord) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("history: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO executions (script_path, exit_code, start_time, end_time, stdout, stderr, stdout_lines, stderr_lines, correlation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ScriptPath, rec.ExitCode, rec.StartedAt, rec.FinishedAt, rec.StdoutText, rec.StderrText,
		rec.StdoutLines, rec.StderrLines, rec.CorrelationID)
	if err != nil {
		return 0, fmt.Errorf("history: insert execution: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("history: last insert id: %w", err)
	}

	for name, value := range rec.Metrics {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO metrics (execution_id, metric_name, metric_value, observed_at)
			VALUES (?, ?, ?, ?)`, id, name, value, rec.FinishedAt); err != nil {
			return 0, fmt.Errorf("history: insert metric %s: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("history: commit: %w", err)
	}
	return id, nil
}

// GetExecutionHistory returns the most recent executions for scriptPath,
// newest first, bounded by limit.
func (s *Store) GetExecutionHistory(ctx context.Context, scriptPath string, limit int) ([]model.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, script_path, exit_code, start_time, end_time, stdout, stderr, stdout_lines, stderr_lines, correlation_id
		FROM executions WHERE script_path = ? ORDER BY start_time DESC LIMIT ?`, scriptPath, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query executions: %w", err)
	}
	defer rows.Close()

	var out []model.ExecutionRecord
	for rows.Next() {
		var rec model.ExecutionRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("history: scan execution: %w", err)
		}
		rec.DurationSecs = rec.FinishedAt.Sub(rec.StartedAt).Seconds()
		rec.Success = rec.IsSuccess()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Aggregation summarizes one metric across a set of executions.
type Aggregation struct {
	Metric string  `json:"metric"`
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Stddev float64 `json:"stddev"`
	P50    float64 `json:"p50"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
}

// GetAggregatedMetrics computes summary statistics for metricName across
// scriptPath's execution history.
func (s *Store) GetAggregatedMetrics(ctx context.Context, scriptPath, metricName string) (Aggregation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.metric_value FROM metrics m
		JOIN executions e ON e.id = m.execution_id
		WHERE e.script_path = ? AND m.metric_name = ?
		ORDER BY m.metric_value ASC`, scriptPath, metricName)
	if err != nil {
		return Aggregation{}, fmt.Errorf("history: query metrics: %w", err)
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return Aggregation{}, fmt.Errorf("history: scan metric: %w", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return Aggregation{}, err
	}
	return summarize(metricName, values), nil
}

func summarize(metric string, values []float64) Aggregation {
	agg := Aggregation{Metric: metric, Count: len(values)}
	if len(values) == 0 {
		return agg
	}
	sort.Float64s(values)
	agg.Min, agg.Max = values[0], values[len(values)-1]
	var sum float64
	for _, v := range values {
		sum += v
	}
	agg.Mean = sum / float64(len(values))
	var variance float64
	for _, v := range values {
		d := v - agg.Mean
		variance += d * d
	}
	agg.Stddev = math.Sqrt(variance / float64(len(values)))
	agg.P50 = percentile(values, 0.50)
	agg.P95 = percentile(values, 0.95)
	agg.P99 = percentile(values, 0.99)
	return agg
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// TimeSeriesPoint is one (timestamp, value) observation for trend analysis.
type TimeSeriesPoint struct {
	ObservedAt time.Time `json:"observed_at"`
	Value      float64   `json:"value"`
}

// TimeSeries returns metricName's observations for scriptPath in
// chronological order.
func (s *Store) TimeSeries(ctx context.Context, scriptPath, metricName string) ([]TimeSeriesPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.observed_at, m.metric_value FROM metrics m
		JOIN executions e ON e.id = m.execution_id
		WHERE e.script_path = ? AND m.metric_name = ?
		ORDER BY m.observed_at ASC`, scriptPath, metricName)
	if err != nil {
		return nil, fmt.Errorf("history: query time series: %w", err)
	}
	defer rows.Close()

	var points []TimeSeriesPoint
	for rows.Next() {
		var p TimeSeriesPoint
		if err := rows.Scan(&p.ObservedAt, &p.Value); err != nil {
			return nil, fmt.Errorf("history: scan time series point: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// DatabaseStats reports basic row counts for the /api/stats endpoint.
type DatabaseStats struct {
	ExecutionCount int64 `json:"execution_count"`
	MetricCount    int64 `json:"metric_count"`
}

func (s *Store) DatabaseStats(ctx context.Context) (DatabaseStats, error) {
	var stats DatabaseStats
	if err := s.db.GetContext(ctx, &stats.ExecutionCount, `SELECT COUNT(*) FROM executions`); err != nil {
		return stats, fmt.Errorf("history: count executions: %w", err)
	}
	if err := s.db.GetContext(ctx, &stats.MetricCount, `SELECT COUNT(*) FROM metrics`); err != nil {
		return stats, fmt.Errorf("history: count metrics: %w", err)
	}
	return stats, nil
}

// Archive relocates executions (and their metrics) older than
// olderThanDays into executions_archive/metrics_archive, then removes them
// from the live tables, all inside one transaction so a row is never lost
// between the copy and the delete. The cutoff is exclusive on created_at:
// a row created exactly at the cutoff instant is retained, matching the
// spec's silence on the boundary by preferring the conservative
// (keep-more) reading.
func (s *Store) Archive(ctx context.Context, olderThanDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("history: archive: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO executions_archive (id, script_path, exit_code, start_time, end_time, stdout, stderr, stdout_lines, stderr_lines, correlation_id, created_at)
		SELECT id, script_path, exit_code, start_time, end_time, stdout, stderr, stdout_lines, stderr_lines, correlation_id, created_at
		FROM executions WHERE created_at < ?`, cutoff); err != nil {
		return 0, fmt.Errorf("history: archive: copy executions: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO metrics_archive (id, execution_id, metric_name, metric_value, observed_at)
		SELECT m.id, m.execution_id, m.metric_name, m.metric_value, m.observed_at
		FROM metrics m JOIN executions e ON e.id = m.execution_id
		WHERE e.created_at < ?`, cutoff); err != nil {
		return 0, fmt.Errorf("history: archive: copy metrics: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM metrics WHERE execution_id IN (SELECT id FROM executions WHERE created_at < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("history: archive: delete metrics: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM executions WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("history: archive: delete executions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("history: archive: rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("history: archive: commit: %w", err)
	}
	return affected, nil
}

// Vacuum reclaims space after an Archive pass. Kept distinct from Archive
// so callers can schedule compaction independently of retention.
func (s *Store) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `VACUUM`)
	if err != nil {
		return fmt.Errorf("history: vacuum: %w", err)
	}
	return nil
}
