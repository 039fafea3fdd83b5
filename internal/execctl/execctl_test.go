package execctl

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/scriptguard/runner/internal/model"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestRunSuccess(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "ok.sh", "#!/bin/sh\necho hello\nexit 0\n")

	ctrl := New(NewValidator(dir), nil)
	rec, err := ctrl.Run(context.Background(), model.RunRequest{ScriptPath: script}, 1, "")
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !rec.Success || rec.ExitCode != 0 {
		t.Fatalf("expected success, got %+v", rec)
	}
}

func TestRunTimeout(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "slow.sh", "#!/bin/sh\nsleep 5\n")

	ctrl := New(NewValidator(dir), nil)
	rec, err := ctrl.Run(context.Background(), model.RunRequest{ScriptPath: script, TimeoutSeconds: 0.2}, 1, "")
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !rec.TimedOut {
		t.Fatalf("expected timeout, got %+v", rec)
	}
}

func TestValidatorRejectsEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	script := writeScript(t, outside, "evil.sh", "#!/bin/sh\necho hi\n")

	v := NewValidator(root)
	if _, err := v.Resolve(script); err == nil {
		t.Fatalf("expected path escape to be rejected")
	}
}

func TestCancelDuringRun(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "slow.sh", "#!/bin/sh\nsleep 5\n")
	ctrl := New(NewValidator(dir), nil)

	done := make(chan model.ExecutionRecord, 1)
	go func() {
		rec, _ := ctrl.Run(context.Background(), model.RunRequest{ScriptPath: script}, 1, "corr-1")
		done <- rec
	}()

	time.Sleep(100 * time.Millisecond)
	if !ctrl.Cancel("corr-1") {
		t.Fatalf("expected handle to be found for cancel")
	}

	select {
	case rec := <-done:
		if !rec.Cancelled {
			t.Fatalf("expected cancelled record, got %+v", rec)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("run did not finish after cancel")
	}
}
