// Package model holds the data types shared across the execution engine:
// execution records, metric samples, run records, alert rules, gates and
// workflow tasks. Types here carry no behavior beyond small invariants —
// components own the logic that produces and consumes them.
package model

import "time"

// ExecutionRecord is the immutable outcome of one child-process invocation
// (a single attempt); RunRecord carries the run-level outcome across
// retries.
type ExecutionRecord struct {
	ID            int64             `json:"id,omitempty" db:"id"`
	ScriptPath    string            `json:"script_path" db:"script_path"`
	Argv          []string          `json:"argv"`
	ExitCode      int               `json:"exit_code" db:"exit_code"`
	Success       bool              `json:"success"`
	StartedAt     time.Time         `json:"started_at" db:"start_time"`
	FinishedAt    time.Time         `json:"finished_at" db:"end_time"`
	DurationSecs  float64           `json:"duration_seconds"`
	StdoutText    string            `json:"stdout_text" db:"stdout"`
	StderrText    string            `json:"stderr_text" db:"stderr"`
	StdoutLines   int               `json:"stdout_lines" db:"stdout_lines"`
	StderrLines   int               `json:"stderr_lines" db:"stderr_lines"`
	AttemptNumber int               `json:"attempt_number"`
	TimedOut      bool              `json:"timed_out"`
	Cancelled     bool              `json:"cancelled"`
	CorrelationID string            `json:"correlation_id" db:"correlation_id"`
	Error         string            `json:"error,omitempty"`
	Metrics       map[string]float64 `json:"metrics"`
}

// IsSuccess recomputes the success invariant: exit 0, not timed out, not cancelled.
func (e *ExecutionRecord) IsSuccess() bool {
	return e.ExitCode == 0 && !e.TimedOut && !e.Cancelled
}

// MetricSample is one scalar observation tied to an execution.
type MetricSample struct {
	ExecutionID int64     `db:"execution_id"`
	Name        string    `db:"metric_name"`
	Value       float64   `db:"metric_value"`
	ObservedAt  time.Time `db:"observed_at"`
}

// Fixed metric-name vocabulary (spec §3). Implementations accept unknown
// names but reject non-finite values.
const (
	MetricExecutionTimeSeconds = "execution_time_seconds"
	MetricCPUUserSeconds       = "cpu_user_seconds"
	MetricCPUSystemSeconds     = "cpu_system_seconds"
	MetricCPUMax               = "cpu_max"
	MetricCPUAvg               = "cpu_avg"
	MetricCPUMin               = "cpu_min"
	MetricMemoryMaxMB          = "memory_max_mb"
	MetricMemoryAvgMB          = "memory_avg_mb"
	MetricMemoryMinMB          = "memory_min_mb"
	MetricNumThreadsMax        = "num_threads_max"
	MetricNumFDsMax            = "num_fds_max"
	MetricCtxSwitchesVoluntary = "context_switches_voluntary"
	MetricCtxSwitchesInvol     = "context_switches_involuntary"
	MetricReadBytes            = "read_bytes"
	MetricWriteBytes           = "write_bytes"
	MetricStdoutLines          = "stdout_lines"
	MetricStderrLines          = "stderr_lines"
	MetricExitCode             = "exit_code"
	MetricOutputTruncated      = "output_truncated"
)

// RunStatus is the control-plane lifecycle state of a run (spec §3 Run record).
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// RunRequest is the submitted request body for /api/run.
type RunRequest struct {
	ScriptPath     string            `json:"script_path" validate:"required"`
	Argv           []string          `json:"argv" validate:"max=50"`
	Env            map[string]string `json:"env_vars"`
	WorkingDir     string            `json:"working_dir"`
	TimeoutSeconds float64           `json:"timeout,omitempty" validate:"omitempty,gt=0"`
	CaptureOutput  bool              `json:"capture_output"`
	StreamOutput   bool              `json:"stream_output"`
	LogLevel       string            `json:"log_level"`
	Retry          *RetryConfig      `json:"retry,omitempty"`
}

// RetryConfig is the wire/config shape for a retry policy (spec §4.3, §6).
type RetryConfig struct {
	Strategy          string  `json:"strategy" yaml:"strategy"`
	MaxAttempts       int     `json:"max_attempts" yaml:"max_attempts"`
	InitialDelay      float64 `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay          float64 `json:"max_delay" yaml:"max_delay"`
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	RetryOnExitCodes  []int   `json:"retry_on_exit_codes" yaml:"retry_on_exit_codes"`
	DisableJitter     bool    `json:"disable_jitter" yaml:"disable_jitter"`
}

// RunRecord is the control plane's view of a run; distinct from, and
// embeds, the final ExecutionRecord (spec §3, Open Question preserved:
// C5 and C7 remain separate stores).
type RunRecord struct {
	RunID         string           `json:"run_id" db:"id"`
	Status        RunStatus        `json:"status" db:"status"`
	StartedAt     time.Time        `json:"started_at" db:"started_at"`
	FinishedAt    *time.Time       `json:"finished_at,omitempty" db:"finished_at"`
	Request       RunRequest       `json:"request"`
	Result        *ExecutionRecord `json:"result,omitempty"`
	Error         string           `json:"error,omitempty" db:"error"`
	CorrelationID string           `json:"correlation_id" db:"correlation_id"`
	RunStatus     string           `json:"run_status" db:"run_status"`
	ErrorSummary  []string         `json:"error_summary,omitempty"`
}

// AlertRule is a metric predicate with severity, channels and throttling.
type AlertRule struct {
	Name            string   `json:"name" yaml:"name"`
	Condition       string   `json:"condition" yaml:"condition"`
	Severity        string   `json:"severity" yaml:"severity"`
	Channels        []string `json:"channels" yaml:"channels"`
	ThrottleSeconds float64  `json:"throttle_seconds" yaml:"throttle_seconds"`
	Enabled         bool     `json:"enabled" yaml:"enabled"`
}

// AlertEvent is produced by the evaluator when a rule fires.
type AlertEvent struct {
	RuleName       string             `json:"rule_name"`
	Severity       string             `json:"severity"`
	Timestamp      time.Time          `json:"timestamp"`
	MetricSnapshot map[string]float64 `json:"metric_snapshot"`
}

// PerformanceGate is a post-execution threshold check.
type PerformanceGate struct {
	MetricName string   `json:"metric_name" yaml:"metric_name"`
	MaxValue   *float64 `json:"max_value,omitempty" yaml:"max_value,omitempty"`
	MinValue   *float64 `json:"min_value,omitempty" yaml:"min_value,omitempty"`
}

// GateResult reports whether a gate passed.
type GateResult struct {
	Gate     PerformanceGate `json:"gate"`
	Observed float64         `json:"observed"`
	Passed   bool            `json:"passed"`
}
