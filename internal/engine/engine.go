// Package engine wires the execution controller, retry driver, history
// store, run registry and alert evaluator into the single submit/execute
// pipeline shared by the CLI and the HTTP control plane. Grounded on the
// teacher's main.go wiring (services/orchestrator/main.go), which
// similarly constructs one shared set of collaborators and hands them to
// both the HTTP handlers and the direct /v1/run invocation path.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/scriptguard/runner/internal/alert"
	"github.com/scriptguard/runner/internal/execctl"
	"github.com/scriptguard/runner/internal/history"
	"github.com/scriptguard/runner/internal/model"
	"github.com/scriptguard/runner/internal/retry"
	"github.com/scriptguard/runner/internal/runregistry"
)

// Engine ties C2 (execctl), C3 (retry), C4 (alert), C5 (history) and C7
// (runregistry) together behind one Submit/RunSync entry point.
type Engine struct {
	ctrl      *execctl.Controller
	hist      *history.Store
	registry  *runregistry.Registry
	evaluator *alert.Evaluator
	log       *slog.Logger
}

// New builds an Engine from its collaborators.
func New(ctrl *execctl.Controller, hist *history.Store, registry *runregistry.Registry, evaluator *alert.Evaluator, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{ctrl: ctrl, hist: hist, registry: registry, evaluator: evaluator, log: log}
}

// Submit satisfies httpapi.Executor and scheduler.Submitter: it generates
// the run id the caller will see for this run's entire lifetime, registers
// it, and runs the request in a detached goroutine (matching the teacher's
// fire-and-forget handler style, where the caller does not block on the
// HTTP response), updating the registry once the run reaches a terminal
// state. Unlike Submit, RunAndWait blocks until that terminal state is
// known — the scheduler needs the real outcome, not just acceptance.
func (e *Engine) Submit(ctx context.Context, req model.RunRequest) (string, error) {
	runID := uuid.NewString()
	go func() {
		bg := context.Background()
		rec := e.RunSync(bg, req, runID)
		_ = rec
	}()
	return runID, nil
}

// RunAndWait runs req to completion and returns its terminal RunRecord,
// for callers (the cron scheduler's dependency gate) that need the actual
// outcome rather than a fire-and-forget acceptance.
func (e *Engine) RunAndWait(ctx context.Context, req model.RunRequest) (model.RunRecord, error) {
	runID := uuid.NewString()
	return e.RunSync(ctx, req, runID), nil
}

// RunSync executes req to completion, including retries, persisting the
// final ExecutionRecord to history and updating the run registry.
func (e *Engine) RunSync(ctx context.Context, req model.RunRequest, runID string) model.RunRecord {
	started := time.Now()
	correlationID := uuid.NewString()
	rec := model.RunRecord{RunID: runID, Status: model.RunRunning, StartedAt: started, Request: req, CorrelationID: correlationID}
	if e.registry != nil {
		cancelFn := func(kill bool) bool {
			if kill {
				return e.ctrl.Kill(correlationID)
			}
			return e.ctrl.Cancel(correlationID)
		}
		_ = e.registry.Register(ctx, rec, cancelFn)
	}

	retryCfg := model.RetryConfig{MaxAttempts: 1}
	if req.Retry != nil {
		retryCfg = *req.Retry
	}
	driver := retry.New(retryCfg)

	var execRec model.ExecutionRecord
	var runErr error
	for attempt := 1; attempt <= driver.MaxAttempts(); attempt++ {
		execRec, runErr = e.ctrl.Run(ctx, req, attempt, correlationID)
		if runErr == nil && execRec.Success {
			break
		}
		if !driver.ShouldRetry(attempt, execRec.ExitCode) {
			break
		}
		select {
		case <-time.After(driver.Delay(attempt)):
		case <-ctx.Done():
		}
	}

	finished := time.Now()
	rec.FinishedAt = &finished
	rec.Result = &execRec
	if runErr != nil {
		rec.Status = model.RunFailed
		rec.Error = runErr.Error()
	} else if execRec.Success {
		rec.Status = model.RunCompleted
	} else {
		rec.Status = model.RunFailed
		rec.Error = execRec.Error
	}

	if e.hist != nil {
		if _, err := e.hist.SaveExecution(ctx, execRec); err != nil {
			e.log.Error("failed to persist execution history", "run_id", runID, "error", err)
		}
	}
	if e.evaluator != nil {
		e.evaluator.Evaluate(ctx, execRec.Metrics)
	}
	if e.registry != nil {
		if err := e.registry.Complete(ctx, rec); err != nil {
			e.log.Error("failed to finalize run registry entry", "run_id", runID, "error", err)
		}
	}
	return rec
}
