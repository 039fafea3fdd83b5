package model

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// TaskStatus is the lifecycle state of a workflow task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskReady     TaskStatus = "ready"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

// TaskPriority orders ready-queue selection; lower numeric value runs first.
type TaskPriority int

const (
	PriorityHigh   TaskPriority = 0
	PriorityNormal TaskPriority = 5
	PriorityLow    TaskPriority = 10
)

// ParsePriority maps the wire vocabulary (low|normal|high) to a TaskPriority.
func ParsePriority(s string) TaskPriority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// TaskMetadata holds per-task scheduling hints.
type TaskMetadata struct {
	TimeoutSeconds float64      `yaml:"timeout" json:"timeout"`
	Priority       TaskPriority `yaml:"-" json:"priority"`
	PriorityLabel  string       `yaml:"priority" json:"-"`
	Retry          *RetryConfig `yaml:"retry" json:"retry,omitempty"`
}

// Task is one node of a workflow DAG, before or after matrix expansion.
type Task struct {
	ID            string            `yaml:"id" json:"id"`
	ScriptCommand string            `yaml:"script" json:"script_command"`
	DependsOn     []string          `yaml:"depends_on" json:"depends_on"`
	SkipIf        string            `yaml:"skip_if" json:"skip_if,omitempty"`
	RunAlways     bool              `yaml:"run_always" json:"run_always"`
	Env           map[string]string `yaml:"env" json:"env"`
	Inputs        map[string]string `yaml:"inputs" json:"inputs,omitempty"`
	Outputs       []string          `yaml:"outputs" json:"outputs,omitempty"`
	Matrix        Matrix            `yaml:"matrix" json:"matrix,omitempty"`
	Metadata      TaskMetadata      `yaml:"metadata" json:"metadata"`
}

// MatrixAxis is one named dimension of a task's matrix expansion.
type MatrixAxis struct {
	Name   string
	Values []string
}

// Matrix is a task's matrix block, kept as a declaration-ordered list of
// axes rather than a map: expandMatrix's "<base>[<v1>,<v2>,...]" task ids
// vary fastest on the last-declared axis, so losing declaration order
// (as a plain map would under YAML unmarshalling) would scramble ids.
type Matrix []MatrixAxis

// UnmarshalYAML decodes a matrix mapping node preserving the order its
// keys appear in the document.
func (m *Matrix) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == 0 {
		*m = nil
		return nil
	}
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("model: matrix must be a mapping of name to value list")
	}
	axes := make(Matrix, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		var name string
		if err := value.Content[i].Decode(&name); err != nil {
			return fmt.Errorf("model: decode matrix key: %w", err)
		}
		var values []string
		if err := value.Content[i+1].Decode(&values); err != nil {
			return fmt.Errorf("model: decode matrix values for %q: %w", name, err)
		}
		axes = append(axes, MatrixAxis{Name: name, Values: values})
	}
	*m = axes
	return nil
}

// MarshalYAML re-encodes the matrix as an ordered mapping node.
func (m Matrix) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, axis := range m {
		var keyNode, valNode yaml.Node
		if err := keyNode.Encode(axis.Name); err != nil {
			return nil, err
		}
		if err := valNode.Encode(axis.Values); err != nil {
			return nil, err
		}
		node.Content = append(node.Content, &keyNode, &valNode)
	}
	return node, nil
}

// TaskResult is the outcome of running one (possibly matrix-expanded) task.
type TaskResult struct {
	TaskID    string        `json:"task_id"`
	Status    TaskStatus    `json:"status"`
	ExitCode  int           `json:"exit_code"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Attempts  int           `json:"attempts"`
	Error     string        `json:"error,omitempty"`
}

// WorkflowDefinition is the parsed YAML/JSON workflow document (spec §6).
type WorkflowDefinition struct {
	ID     string `yaml:"id" json:"id"`
	Config struct {
		MaxParallel int `yaml:"max_parallel" json:"max_parallel"`
	} `yaml:"config" json:"config"`
	Tasks []Task `yaml:"tasks" json:"tasks"`
}

// WorkflowStatus is the terminal or in-flight status of a workflow run.
type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowAborted   WorkflowStatus = "aborted"
)

// WorkflowResult is the final report of a workflow execution.
type WorkflowResult struct {
	WorkflowID string                 `json:"workflow_id"`
	Name       string                 `json:"name"`
	Status     WorkflowStatus         `json:"status"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
	Tasks      map[string]*TaskResult `json:"tasks"`
}

// ScheduledTask is a recurring-entry definition for the C9 scheduler.
type ScheduledTask struct {
	Name         string    `json:"name" yaml:"name"`
	ScriptPath   string    `json:"script_path" yaml:"script_path"`
	Schedule     string    `json:"schedule" yaml:"schedule"`
	NextRun      time.Time `json:"next_run"`
	LastRun      time.Time `json:"last_run"`
	RunCount     int       `json:"run_count"`
	LastStatus   string    `json:"last_status"`
	Dependencies []string  `json:"dependencies" yaml:"dependencies"`
	Enabled      bool      `json:"enabled" yaml:"enabled"`
}
