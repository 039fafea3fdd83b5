package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/scriptguard/runner/internal/model"
	"github.com/scriptguard/runner/internal/notify"
)

// Sink delivers a fired AlertEvent to a named channel (stdout, slack, ...).
type Sink interface {
	Send(ctx context.Context, channel string, event model.AlertEvent) error
}

// Evaluator holds the configured rules and per-rule throttle state.
// Grounded on the teacher's scheduler.go lastTrigger map pattern
// (services/orchestrator/scheduler.go EventHandler.lastTrigger), reused
// here for alert throttling instead of event-trigger throttling.
type Evaluator struct {
	mu    sync.Mutex
	rules []compiledRule
	last  map[string]time.Time
	sinks notify.Registry
	log   *slog.Logger
}

type compiledRule struct {
	rule model.AlertRule
	pred Compare
}

// New compiles rules, dropping and logging any with a malformed condition.
func New(rules []model.AlertRule, sinks notify.Registry, log *slog.Logger) *Evaluator {
	if log == nil {
		log = slog.Default()
	}
	e := &Evaluator{last: make(map[string]time.Time), sinks: sinks, log: log}
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		pred, err := Parse(r.Condition)
		if err != nil {
			log.Warn("dropping alert rule with malformed condition", "rule", r.Name, "error", err)
			continue
		}
		e.rules = append(e.rules, compiledRule{rule: r, pred: pred})
	}
	return e
}

// Evaluate checks every compiled rule against metrics and dispatches
// notifications for any that fire and are not currently throttled.
func (e *Evaluator) Evaluate(ctx context.Context, metrics map[string]float64) []model.AlertEvent {
	now := time.Now()
	var fired []model.AlertEvent

	e.mu.Lock()
	var toDispatch []compiledRule
	for _, cr := range e.rules {
		if !cr.pred.Eval(metrics) {
			continue
		}
		if cr.rule.ThrottleSeconds > 0 {
			if last, ok := e.last[cr.rule.Name]; ok && now.Sub(last).Seconds() < cr.rule.ThrottleSeconds {
				continue
			}
		}
		e.last[cr.rule.Name] = now
		toDispatch = append(toDispatch, cr)
	}
	e.mu.Unlock()

	for _, cr := range toDispatch {
		event := model.AlertEvent{
			RuleName:       cr.rule.Name,
			Severity:       cr.rule.Severity,
			Timestamp:      now,
			MetricSnapshot: metrics,
		}
		fired = append(fired, event)
		for _, ch := range cr.rule.Channels {
			if err := e.sinks.Send(ctx, ch, event); err != nil {
				e.log.Error("alert sink failed", "channel", ch, "rule", cr.rule.Name, "error", err)
			}
		}
	}
	return fired
}

// EvaluateGates checks performance gates and reports pass/fail per gate.
// Gate failures never abort a run on their own; callers decide whether to
// fail the overall exit status (spec §6 --fail-on-gate-failure).
func EvaluateGates(gates []model.PerformanceGate, metrics map[string]float64) []model.GateResult {
	results := make([]model.GateResult, 0, len(gates))
	for _, g := range gates {
		observed, ok := metrics[g.MetricName]
		passed := ok
		if ok {
			if g.MaxValue != nil && observed > *g.MaxValue {
				passed = false
			}
			if g.MinValue != nil && observed < *g.MinValue {
				passed = false
			}
		}
		results = append(results, model.GateResult{Gate: g, Observed: observed, Passed: passed})
	}
	return results
}
