// Package execctl spawns and supervises individual script subprocesses: it
// validates the requested path, attaches a resource sampler, enforces
// timeouts, and exposes cancel/stop/kill controls while a run is in
// flight. Modeled on the teacher's cancellation manager
// (services/orchestrator/cancellation.go) generalized from workflow-level
// cancellation down to a single-process handle, and its task executor
// (services/orchestrator/task_executor.go) for the spawn/capture shape.
package execctl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/scriptguard/runner/internal/model"
	"github.com/scriptguard/runner/internal/sampler"
)

// MaxCapturedBytes bounds stdout/stderr retained in memory per stream;
// beyond this, output is truncated and MetricOutputTruncated is set.
const MaxCapturedBytes = 1 << 20 // 1 MiB

// GracePeriod is how long a terminated process group is given to exit
// after SIGTERM before the controller escalates to SIGKILL (spec §4.2/§5
// cancel and timeout semantics share this grace window).
const GracePeriod = 5 * time.Second

var (
	// ErrPathEscape is returned when a script path resolves outside the
	// configured allow-root after symlink resolution.
	ErrPathEscape = errors.New("execctl: script path escapes allowed root")
	// ErrNotRegularFile rejects directories, devices, and sockets.
	ErrNotRegularFile = errors.New("execctl: script path is not a regular file")
	// ErrBadSuffix rejects scripts outside the accepted extension profile.
	ErrBadSuffix = errors.New("execctl: script path has unsupported extension")
	// ErrNullByte guards against path injection via embedded NUL.
	ErrNullByte = errors.New("execctl: script path contains a null byte")
)

// Validator resolves and checks a requested script path against a
// configured allow-root, per spec §4.2 path validation rules.
type Validator struct {
	AllowedRoot     string
	AllowedSuffixes []string
}

// NewValidator builds a Validator; empty suffixes disables the extension
// check. cmd/runner and cmd/server both build their validators with no
// suffixes, so neither applies an extension check.
func NewValidator(allowedRoot string, suffixes ...string) *Validator {
	return &Validator{AllowedRoot: allowedRoot, AllowedSuffixes: suffixes}
}

// Resolve validates path and returns its canonical, symlink-resolved form.
func (v *Validator) Resolve(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", ErrNullByte
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("execctl: resolve absolute path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("execctl: resolve symlinks: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("execctl: stat script: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", ErrNotRegularFile
	}
	if v.AllowedRoot != "" {
		rootResolved, err := filepath.EvalSymlinks(v.AllowedRoot)
		if err != nil {
			return "", fmt.Errorf("execctl: resolve allowed root: %w", err)
		}
		rel, err := filepath.Rel(rootResolved, resolved)
		if err != nil || strings.HasPrefix(rel, "..") {
			return "", ErrPathEscape
		}
	}
	if len(v.AllowedSuffixes) > 0 {
		ok := false
		for _, suf := range v.AllowedSuffixes {
			if strings.HasSuffix(resolved, suf) {
				ok = true
				break
			}
		}
		if !ok {
			return "", ErrBadSuffix
		}
	}
	return resolved, nil
}

// Handle tracks one in-flight (or not-yet-started) execution and its
// controls. It is registered before the subprocess is spawned so a
// cancel/kill request arriving before Start() still takes effect.
type Handle struct {
	CorrelationID string

	mu            sync.Mutex
	cmd           *exec.Cmd
	cancelFn      context.CancelFunc
	killRequested bool
}

func (h *Handle) setCmd(cmd *exec.Cmd) {
	h.mu.Lock()
	h.cmd = cmd
	h.mu.Unlock()
}

// requestCancel triggers graceful termination: SIGTERM now (if a process
// has started), SIGKILL after GracePeriod if it hasn't exited.
func (h *Handle) requestCancel() {
	h.mu.Lock()
	cancel := h.cancelFn
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// requestKill triggers immediate SIGKILL, skipping the grace period.
func (h *Handle) requestKill() {
	h.mu.Lock()
	h.killRequested = true
	cancel := h.cancelFn
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (h *Handle) isKillRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killRequested
}

func (h *Handle) process() *os.Process {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd == nil {
		return nil
	}
	return h.cmd.Process
}

func signalGroup(proc *os.Process, sig syscall.Signal) {
	if proc == nil {
		return
	}
	pgid, err := syscall.Getpgid(proc.Pid)
	if err == nil {
		_ = syscall.Kill(-pgid, sig)
		return
	}
	_ = proc.Signal(sig)
}

// Controller runs scripts as subprocesses under a sampler and a
// cancellation-aware handle registry.
type Controller struct {
	validator *Validator
	log       *slog.Logger

	mu      sync.Mutex
	handles map[string]*Handle
}

// New builds a Controller bound to validator; log defaults to slog.Default.
func New(validator *Validator, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{validator: validator, log: log, handles: make(map[string]*Handle)}
}

// Run executes req.ScriptPath once (one attempt, no retry — internal/retry
// wraps repeated calls to Run) and returns the resulting ExecutionRecord.
// The handle registered for the run is keyed by correlationID (generated
// when empty), which is also embedded in the record.
func (c *Controller) Run(ctx context.Context, req model.RunRequest, attempt int, correlationID string) (model.ExecutionRecord, error) {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if req.TimeoutSeconds > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSeconds*float64(time.Second)))
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	handle := &Handle{CorrelationID: correlationID, cancelFn: cancel}
	c.register(correlationID, handle)
	defer c.unregister(correlationID)

	// A cancel/kill requested while the path is still being validated is
	// honored without ever spawning a process.
	if runCtx.Err() != nil {
		return cancelledBeforeStart(req, correlationID, attempt, runCtx.Err())
	}

	resolved, err := c.validator.Resolve(req.ScriptPath)
	if err != nil {
		return model.ExecutionRecord{
			ScriptPath:    req.ScriptPath,
			CorrelationID: correlationID,
			AttemptNumber: attempt,
			Error:         err.Error(),
		}, err
	}

	if runCtx.Err() != nil {
		return cancelledBeforeStart(req, correlationID, attempt, runCtx.Err())
	}

	argv := append([]string{resolved}, req.Argv...)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	cmd.Env = buildEnv(req.Env)

	stdoutBuf := &boundedBuffer{limit: MaxCapturedBytes}
	stderrBuf := &boundedBuffer{limit: MaxCapturedBytes}
	stdoutCounter := &lineCounter{}
	stderrCounter := &lineCounter{}
	cmd.Stdout = io.MultiWriter(stdoutBuf, stdoutCounter)
	cmd.Stderr = io.MultiWriter(stderrBuf, stderrCounter)

	samp := sampler.New(nil, sampler.DefaultInterval, c.log)
	started := time.Now()
	if err := cmd.Start(); err != nil {
		return model.ExecutionRecord{
			ScriptPath:    resolved,
			Argv:          req.Argv,
			CorrelationID: correlationID,
			AttemptNumber: attempt,
			StartedAt:     started,
			FinishedAt:    time.Now(),
			Error:         fmt.Sprintf("spawn failed: %v", err),
		}, err
	}
	handle.setCmd(cmd)
	samp.Start(runCtx, cmd.Process.Pid)

	waitErrCh := make(chan error, 1)
	go func() { waitErrCh <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-waitErrCh:
	case <-runCtx.Done():
		waitErr = c.escalate(handle, waitErrCh)
	}
	finished := time.Now()
	metrics := samp.Stop()

	rec := model.ExecutionRecord{
		ScriptPath:    resolved,
		Argv:          req.Argv,
		StartedAt:     started,
		FinishedAt:    finished,
		DurationSecs:  finished.Sub(started).Seconds(),
		StdoutText:    stdoutBuf.String(),
		StderrText:    stderrBuf.String(),
		StdoutLines:   stdoutCounter.lines,
		StderrLines:   stderrCounter.lines,
		AttemptNumber: attempt,
		CorrelationID: correlationID,
		Metrics:       metrics,
	}
	rec.Metrics[model.MetricExecutionTimeSeconds] = rec.DurationSecs
	rec.Metrics[model.MetricStdoutLines] = float64(stdoutCounter.lines)
	rec.Metrics[model.MetricStderrLines] = float64(stderrCounter.lines)
	if stdoutBuf.truncated || stderrBuf.truncated {
		rec.Metrics[model.MetricOutputTruncated] = 1
	}

	rec.TimedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded)
	rec.Cancelled = errors.Is(runCtx.Err(), context.Canceled)

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		rec.ExitCode = 0
	case errors.As(waitErr, &exitErr):
		rec.ExitCode = exitErr.ExitCode()
	case rec.TimedOut:
		rec.ExitCode = -1
		rec.Error = "execution timed out"
	case rec.Cancelled:
		rec.ExitCode = -1
		rec.Error = "execution cancelled"
	default:
		rec.ExitCode = -1
		rec.Error = waitErr.Error()
	}
	rec.Metrics[model.MetricExitCode] = float64(rec.ExitCode)
	rec.Success = rec.IsSuccess()
	return rec, nil
}

// escalate runs once runCtx has fired (via timeout or an explicit
// Cancel/Kill call): it signals the process group and waits up to
// GracePeriod for exit before forcing SIGKILL. A Kill request skips
// straight to SIGKILL.
func (c *Controller) escalate(h *Handle, waitErrCh chan error) error {
	proc := h.process()
	if h.isKillRequested() {
		signalGroup(proc, syscall.SIGKILL)
		return <-waitErrCh
	}
	signalGroup(proc, syscall.SIGTERM)
	select {
	case err := <-waitErrCh:
		return err
	case <-time.After(GracePeriod):
		signalGroup(proc, syscall.SIGKILL)
		return <-waitErrCh
	}
}

func cancelledBeforeStart(req model.RunRequest, correlationID string, attempt int, ctxErr error) (model.ExecutionRecord, error) {
	now := time.Now()
	rec := model.ExecutionRecord{
		ScriptPath:    req.ScriptPath,
		Argv:          req.Argv,
		CorrelationID: correlationID,
		AttemptNumber: attempt,
		StartedAt:     now,
		FinishedAt:    now,
		ExitCode:      -1,
		Metrics:       map[string]float64{},
	}
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		rec.TimedOut = true
		rec.Error = "execution timed out before start"
	} else {
		rec.Cancelled = true
		rec.Error = "execution cancelled before start"
	}
	rec.Metrics[model.MetricExitCode] = float64(rec.ExitCode)
	return rec, errors.New(rec.Error)
}

func (c *Controller) register(id string, h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handles[id] = h
}

func (c *Controller) unregister(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handles, id)
}

// Cancel requests graceful termination (SIGTERM to the process group,
// escalating to SIGKILL after GracePeriod) of the execution identified by
// correlationID. Returns false if not found.
func (c *Controller) Cancel(id string) bool {
	c.mu.Lock()
	h, ok := c.handles[id]
	c.mu.Unlock()
	if !ok {
		return false
	}
	h.requestCancel()
	return true
}

// Kill sends SIGKILL immediately to the process group of the execution,
// or marks it cancelled before start if it hasn't spawned yet.
func (c *Controller) Kill(id string) bool {
	c.mu.Lock()
	h, ok := c.handles[id]
	c.mu.Unlock()
	if !ok {
		return false
	}
	h.requestKill()
	return true
}

func buildEnv(extra map[string]string) []string {
	// Dangerous inheritance is stripped at the HTTP layer (internal/httpapi);
	// here we simply merge the caller's environment with the request's.
	env := os.Environ()
	for k, v := range extra {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

type boundedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if b.buf.Len() >= b.limit {
		b.truncated = true
		return len(p), nil
	}
	remaining := b.limit - b.buf.Len()
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *boundedBuffer) String() string { return b.buf.String() }

type lineCounter struct {
	lines int
	rest  bytes.Buffer
}

func (l *lineCounter) Write(p []byte) (int, error) {
	l.rest.Write(p)
	for {
		line, err := l.rest.ReadString('\n')
		if err == io.EOF {
			l.rest.Reset()
			l.rest.WriteString(line)
			break
		}
		l.lines++
	}
	return len(p), nil
}
