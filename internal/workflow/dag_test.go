package workflow

import (
	"testing"

	"github.com/scriptguard/runner/internal/model"
)

func TestBuildDetectsCycle(t *testing.T) {
	def := model.WorkflowDefinition{
		ID: "cyclic",
		Tasks: []model.Task{
			{ID: "a", DependsOn: []string{"b"}},
			{ID: "b", DependsOn: []string{"a"}},
		},
	}
	if _, err := Build(def); err == nil {
		t.Fatal("expected cycle to be detected")
	}
}

func TestBuildLinearChain(t *testing.T) {
	def := model.WorkflowDefinition{
		ID: "linear",
		Tasks: []model.Task{
			{ID: "a"},
			{ID: "b", DependsOn: []string{"a"}},
			{ID: "c", DependsOn: []string{"b"}},
		},
	}
	dag, err := Build(def)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	roots := dag.RootTasks()
	if len(roots) != 1 || roots[0] != "a" {
		t.Fatalf("expected single root 'a', got %v", roots)
	}
}

func TestMatrixExpansion(t *testing.T) {
	def := model.WorkflowDefinition{
		ID: "matrix",
		Tasks: []model.Task{
			{ID: "build", Matrix: model.Matrix{{Name: "os", Values: []string{"linux", "darwin"}}}},
		},
	}
	dag, err := Build(def)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(dag.Tasks) != 2 {
		t.Fatalf("expected 2 expanded tasks, got %d", len(dag.Tasks))
	}
	if _, ok := dag.Tasks["build[linux]"]; !ok {
		t.Fatalf("expected task build[linux] in %v", dag.Tasks)
	}
}

func TestBuildRejectsUnknownDependency(t *testing.T) {
	def := model.WorkflowDefinition{
		ID: "broken",
		Tasks: []model.Task{
			{ID: "a", DependsOn: []string{"ghost"}},
		},
	}
	if _, err := Build(def); err == nil {
		t.Fatal("expected unknown dependency to error")
	}
}
