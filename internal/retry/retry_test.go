package retry

import (
	"testing"

	"github.com/scriptguard/runner/internal/model"
)

func TestShouldRetry(t *testing.T) {
	cases := []struct {
		name        string
		cfg         model.RetryConfig
		attempt     int
		exitCode    int
		wantRetry   bool
	}{
		{"success never retries", model.RetryConfig{MaxAttempts: 3}, 1, 0, false},
		{"exhausted attempts stop", model.RetryConfig{MaxAttempts: 2}, 2, 1, false},
		{"unrestricted exit codes retry", model.RetryConfig{MaxAttempts: 3}, 1, 7, true},
		{"restricted exit codes match", model.RetryConfig{MaxAttempts: 3, RetryOnExitCodes: []int{2}}, 1, 2, true},
		{"restricted exit codes no match", model.RetryConfig{MaxAttempts: 3, RetryOnExitCodes: []int{2}}, 1, 9, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := New(tc.cfg)
			if got := d.ShouldRetry(tc.attempt, tc.exitCode); got != tc.wantRetry {
				t.Fatalf("ShouldRetry(%d,%d) = %v, want %v", tc.attempt, tc.exitCode, got, tc.wantRetry)
			}
		})
	}
}

func TestDelayStrategies(t *testing.T) {
	strategies := []string{StrategyFixed, StrategyLinear, StrategyExponential, StrategyFibonacci}
	for _, s := range strategies {
		d := New(model.RetryConfig{Strategy: s, InitialDelay: 1, MaxDelay: 30, DisableJitter: true})
		delay := d.Delay(3)
		if delay <= 0 {
			t.Fatalf("strategy %s produced non-positive delay", s)
		}
		if delay.Seconds() > 30 {
			t.Fatalf("strategy %s exceeded max delay: %v", s, delay)
		}
	}
}

func TestDelayCapsAtMax(t *testing.T) {
	d := New(model.RetryConfig{Strategy: StrategyExponential, InitialDelay: 10, BackoffMultiplier: 4, MaxDelay: 20, DisableJitter: true})
	if got := d.Delay(5).Seconds(); got > 20 {
		t.Fatalf("delay %v exceeded max 20s", got)
	}
}
