package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/scriptguard/runner/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndFetchExecution(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := model.ExecutionRecord{
		ScriptPath: "/scripts/demo.py",
		ExitCode:   0,
		StartedAt:  time.Now().Add(-time.Second),
		FinishedAt: time.Now(),
		Metrics:    map[string]float64{model.MetricCPUMax: 12.5},
	}
	if _, err := s.SaveExecution(ctx, rec); err != nil {
		t.Fatalf("save execution: %v", err)
	}

	hist, err := s.GetExecutionHistory(ctx, "/scripts/demo.py", 10)
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if len(hist) != 1 {
		t.Fatalf("expected 1 record, got %d", len(hist))
	}
}

func TestAggregatedMetrics(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, v := range []float64{1, 2, 3, 4, 5} {
		rec := model.ExecutionRecord{
			ScriptPath: "/scripts/demo.py",
			StartedAt:  time.Now(),
			FinishedAt: time.Now(),
			Metrics:    map[string]float64{model.MetricCPUMax: v},
		}
		if _, err := s.SaveExecution(ctx, rec); err != nil {
			t.Fatalf("save execution: %v", err)
		}
	}

	agg, err := s.GetAggregatedMetrics(ctx, "/scripts/demo.py", model.MetricCPUMax)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if agg.Count != 5 || agg.Mean != 3 {
		t.Fatalf("unexpected aggregation: %+v", agg)
	}
}
