package workflow

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scriptguard/runner/internal/alert"
	"github.com/scriptguard/runner/internal/model"
	"github.com/scriptguard/runner/internal/retry"
)

// TaskRunner executes one concrete task's script_command and returns the
// resulting ExecutionRecord. Satisfied by *execctl.Controller in
// production and a fake in tests.
type TaskRunner interface {
	Run(ctx context.Context, req model.RunRequest, attempt int, correlationID string) (model.ExecutionRecord, error)
}

// Executor runs a DAG to completion with bounded parallelism, modeled on
// the teacher's executeDAG worker-pool-plus-coordinator shape
// (services/orchestrator/dag_engine.go executeDAG).
type Executor struct {
	runner      TaskRunner
	maxParallel int
}

// NewExecutor builds an Executor; maxParallel <= 0 defaults to 4, matching
// the teacher's fixed worker count in main.go's execute().
func NewExecutor(runner TaskRunner, maxParallel int) *Executor {
	if maxParallel <= 0 {
		maxParallel = 4
	}
	return &Executor{runner: runner, maxParallel: maxParallel}
}

// readyItem is one task waiting for a dispatch slot, ordered by
// model.TaskPriority (lower runs first) with insertion order as tiebreak.
type readyItem struct {
	taskID   string
	priority model.TaskPriority
	seq      int
}

type readyQueue []readyItem

func (q readyQueue) Len() int { return len(q) }
func (q readyQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}
func (q readyQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *readyQueue) Push(x interface{}) {
	*q = append(*q, x.(readyItem))
}
func (q *readyQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// Run executes every task in dag and returns the aggregate result. A
// task's skip_if is evaluated against the accumulated metric snapshot of
// every task that has finished so far, failed ones included, keyed
// "<task_id>.<metric>"; run_always tasks execute even if upstream
// dependencies failed or were skipped. Ready tasks are dispatched in
// metadata.priority order (high before normal before low), ties broken by
// the order they became ready, whenever more tasks are ready than
// maxParallel allows.
func (e *Executor) Run(ctx context.Context, dag *DAG) model.WorkflowResult {
	result := model.WorkflowResult{
		WorkflowID: uuid.NewString(),
		Name:       dag.Name,
		Status:     model.WorkflowRunning,
		StartedAt:  time.Now(),
		Tasks:      make(map[string]*model.TaskResult, len(dag.Tasks)),
	}

	var mu sync.Mutex
	cond := sync.NewCond(&mu)
	completed := make(map[string]bool)
	failed := make(map[string]bool)
	skipped := make(map[string]bool)
	metrics := make(map[string]float64)

	indegree := make(map[string]int, len(dag.Tasks))
	for id := range dag.Tasks {
		indegree[id] = len(dag.ReverseEdges[id])
	}

	pq := &readyQueue{}
	heap.Init(pq)
	seq := 0
	pushReady := func(id string) {
		seq++
		heap.Push(pq, readyItem{taskID: id, priority: dag.Tasks[id].Metadata.Priority, seq: seq})
	}

	mu.Lock()
	for _, id := range dag.RootTasks() {
		pushReady(id)
	}
	mu.Unlock()

	remaining := len(dag.Tasks)
	active := 0
	var wg sync.WaitGroup

	go func() {
		<-ctx.Done()
		mu.Lock()
		cond.Broadcast()
		mu.Unlock()
	}()

	dispatch := func() {
		for active < e.maxParallel && pq.Len() > 0 {
			item := heap.Pop(pq).(readyItem)
			active++
			wg.Add(1)
			go func(taskID string) {
				defer wg.Done()
				e.runOne(ctx, dag, taskID, &mu, completed, failed, skipped, metrics, result.Tasks)
				mu.Lock()
				active--
				remaining--
				children := append([]string{}, dag.ForwardEdges[taskID]...)
				sort.Strings(children)
				for _, child := range children {
					indegree[child]--
					if indegree[child] == 0 {
						pushReady(child)
					}
				}
				cond.Broadcast()
				mu.Unlock()
			}(item.taskID)
		}
	}

	mu.Lock()
	dispatch()
	for remaining > 0 && ctx.Err() == nil {
		cond.Wait()
		dispatch()
	}
	mu.Unlock()

	wg.Wait()

	result.FinishedAt = time.Now()
	mu.Lock()
	defer mu.Unlock()
	switch {
	case ctx.Err() != nil:
		result.Status = model.WorkflowAborted
	case len(failed) > 0:
		result.Status = model.WorkflowFailed
	default:
		result.Status = model.WorkflowCompleted
	}
	return result
}

func (e *Executor) runOne(
	ctx context.Context,
	dag *DAG,
	taskID string,
	mu *sync.Mutex,
	completed, failed, skipped map[string]bool,
	metrics map[string]float64,
	results map[string]*model.TaskResult,
) {
	task := dag.Tasks[taskID]

	mu.Lock()
	depsFailed := false
	for _, dep := range task.DependsOn {
		if failed[dep] || skipped[dep] {
			depsFailed = true
			break
		}
	}
	mu.Unlock()

	tr := &model.TaskResult{TaskID: taskID, StartTime: time.Now()}

	if depsFailed && !task.RunAlways {
		tr.Status = model.TaskSkipped
		tr.EndTime = time.Now()
		mu.Lock()
		skipped[taskID] = true
		results[taskID] = tr
		mu.Unlock()
		e.skipDescendants(dag, taskID, mu, skipped, results)
		return
	}

	if task.SkipIf != "" {
		mu.Lock()
		snapshot := cloneMetrics(metrics)
		mu.Unlock()
		if pred, err := alert.Parse(task.SkipIf); err == nil && pred.Eval(snapshot) {
			tr.Status = model.TaskSkipped
			tr.EndTime = time.Now()
			mu.Lock()
			skipped[taskID] = true
			results[taskID] = tr
			mu.Unlock()
			e.skipDescendants(dag, taskID, mu, skipped, results)
			return
		}
	}

	req := model.RunRequest{ScriptPath: task.ScriptCommand, Env: task.Env}
	if task.Metadata.TimeoutSeconds > 0 {
		req.TimeoutSeconds = task.Metadata.TimeoutSeconds
	}
	var driver *retry.Driver
	if task.Metadata.Retry != nil {
		driver = retry.New(*task.Metadata.Retry)
	} else {
		driver = retry.New(model.RetryConfig{MaxAttempts: 1})
	}

	correlationID := uuid.NewString()
	var rec model.ExecutionRecord
	var err error
	for attempt := 1; attempt <= driver.MaxAttempts(); attempt++ {
		rec, err = e.runner.Run(ctx, req, attempt, correlationID)
		tr.Attempts = attempt
		if err == nil && rec.Success {
			break
		}
		if !driver.ShouldRetry(attempt, rec.ExitCode) {
			break
		}
		select {
		case <-time.After(driver.Delay(attempt)):
		case <-ctx.Done():
		}
	}

	tr.EndTime = time.Now()
	tr.Duration = tr.EndTime.Sub(tr.StartTime)
	tr.ExitCode = rec.ExitCode
	tr.Stdout = rec.StdoutText
	tr.Stderr = rec.StderrText
	if err != nil {
		tr.Error = err.Error()
	}

	mu.Lock()
	defer mu.Unlock()
	if rec.Success {
		tr.Status = model.TaskCompleted
		completed[taskID] = true
	} else {
		tr.Status = model.TaskFailed
		failed[taskID] = true
	}
	for k, v := range rec.Metrics {
		metrics[fmt.Sprintf("%s.%s", taskID, k)] = v
	}
	results[taskID] = tr
}

func (e *Executor) skipDescendants(dag *DAG, taskID string, mu *sync.Mutex, skipped map[string]bool, results map[string]*model.TaskResult) {
	queue := append([]string{}, dag.ForwardEdges[taskID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		mu.Lock()
		if skipped[id] {
			mu.Unlock()
			continue
		}
		skipped[id] = true
		if _, exists := results[id]; !exists {
			results[id] = &model.TaskResult{TaskID: id, Status: model.TaskSkipped, StartTime: time.Now(), EndTime: time.Now()}
		}
		mu.Unlock()
		queue = append(queue, dag.ForwardEdges[id]...)
	}
}

func cloneMetrics(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
