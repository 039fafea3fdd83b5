// Package workflow builds and executes task DAGs: matrix expansion,
// cycle detection via Kahn's algorithm, and bounded-parallel scheduling
// with skip_if predicates and run_always overrides. Grounded on the
// teacher's DAGEngine (services/orchestrator/dag_engine.go) — buildDAG,
// executeDAG's worker-pool-plus-ready-channel shape, and skipChildren —
// generalized from the teacher's fixed task-result cache into the spec's
// task/skip/retry semantics.
package workflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/scriptguard/runner/internal/model"
)

// DAG is the expanded, edge-indexed form of a WorkflowDefinition.
type DAG struct {
	Name         string
	Tasks        map[string]model.Task
	ForwardEdges map[string][]string // task -> tasks that depend on it
	ReverseEdges map[string][]string // task -> tasks it depends on
}

// Build expands matrix tasks into concrete nodes and constructs the edge
// indices, returning an error if the result contains a cycle.
func Build(def model.WorkflowDefinition) (*DAG, error) {
	dag := &DAG{
		Name:         def.ID,
		Tasks:        make(map[string]model.Task),
		ForwardEdges: make(map[string][]string),
		ReverseEdges: make(map[string][]string),
	}

	for _, t := range def.Tasks {
		for _, expanded := range expandMatrix(t) {
			if _, exists := dag.Tasks[expanded.ID]; exists {
				return nil, fmt.Errorf("workflow: duplicate task id %q", expanded.ID)
			}
			expanded.Metadata.Priority = model.ParsePriority(expanded.Metadata.PriorityLabel)
			dag.Tasks[expanded.ID] = expanded
		}
	}

	for id, t := range dag.Tasks {
		for _, dep := range t.DependsOn {
			if _, ok := dag.Tasks[dep]; !ok {
				return nil, fmt.Errorf("workflow: task %q depends on unknown task %q", id, dep)
			}
			dag.ReverseEdges[id] = append(dag.ReverseEdges[id], dep)
			dag.ForwardEdges[dep] = append(dag.ForwardEdges[dep], id)
		}
	}

	if err := detectCycle(dag); err != nil {
		return nil, err
	}
	return dag, nil
}

// expandMatrix produces one Task per element of the Cartesian product of
// t.Matrix's value lists, with ids formatted "<base>[<v1>,<v2>,...]" in
// the order the matrix axes were declared (the first-declared axis varies
// slowest). A task with no matrix returns itself unchanged.
func expandMatrix(t model.Task) []model.Task {
	if len(t.Matrix) == 0 {
		return []model.Task{t}
	}

	combos := [][]string{{}}
	for _, axis := range t.Matrix {
		var next [][]string
		for _, combo := range combos {
			for _, v := range axis.Values {
				c := append(append([]string{}, combo...), v)
				next = append(next, c)
			}
		}
		combos = next
	}

	out := make([]model.Task, 0, len(combos))
	for _, combo := range combos {
		clone := t
		clone.Env = cloneEnv(t.Env)
		labels := make([]string, len(combo))
		for i, v := range combo {
			clone.Env[t.Matrix[i].Name] = v
			labels[i] = v
		}
		clone.ID = fmt.Sprintf("%s[%s]", t.ID, strings.Join(labels, ","))
		clone.Matrix = nil
		out = append(out, clone)
	}
	return out
}

func cloneEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}

// detectCycle runs Kahn's algorithm: if fewer nodes are ever removable
// than the total task count, a cycle exists among the remainder.
func detectCycle(dag *DAG) error {
	indegree := make(map[string]int, len(dag.Tasks))
	for id := range dag.Tasks {
		indegree[id] = len(dag.ReverseEdges[id])
	}

	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		children := append([]string{}, dag.ForwardEdges[id]...)
		sort.Strings(children)
		for _, child := range children {
			indegree[child]--
			if indegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if visited != len(dag.Tasks) {
		return fmt.Errorf("workflow: dependency cycle detected involving %d task(s)", len(dag.Tasks)-visited)
	}
	return nil
}

// RootTasks returns tasks with no dependencies, the initial ready set.
func (d *DAG) RootTasks() []string {
	var roots []string
	for id := range d.Tasks {
		if len(d.ReverseEdges[id]) == 0 {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	return roots
}
