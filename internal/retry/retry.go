// Package retry implements the per-script retry strategies (spec §4.3):
// fixed, linear, exponential and fibonacci backoff, each with optional
// jitter, plus the retry-on-exit-code predicate. It is distinct from
// internal/platform/resilience, which backs collaborator calls rather
// than script re-execution and carries its own otel instrumentation
// modeled on the teacher's libs/go/core/resilience package.
package retry

import (
	"math/rand"
	"time"

	"github.com/scriptguard/runner/internal/model"
)

// Strategy names accepted in RetryConfig.Strategy.
const (
	StrategyFixed       = "fixed"
	StrategyLinear      = "linear"
	StrategyExponential = "exponential"
	StrategyFibonacci   = "fibonacci"
)

// Driver computes delays and decides whether an exit code warrants a retry.
type Driver struct {
	cfg model.RetryConfig
	rnd *rand.Rand
}

// New builds a Driver from a RetryConfig, filling in defaults for unset
// fields (exponential, 3 attempts, 1s initial, 60s max, multiplier 2).
func New(cfg model.RetryConfig) *Driver {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyExponential
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 1.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60.0
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2.0
	}
	return &Driver{cfg: cfg, rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// MaxAttempts returns the configured attempt ceiling.
func (d *Driver) MaxAttempts() int { return d.cfg.MaxAttempts }

// ShouldRetry reports whether attemptNumber (1-based, the attempt that just
// finished) should be followed by another attempt, given its exit code.
func (d *Driver) ShouldRetry(attemptNumber, exitCode int) bool {
	if attemptNumber >= d.cfg.MaxAttempts {
		return false
	}
	if exitCode == 0 {
		return false
	}
	if len(d.cfg.RetryOnExitCodes) == 0 {
		return true
	}
	for _, c := range d.cfg.RetryOnExitCodes {
		if c == exitCode {
			return true
		}
	}
	return false
}

// Delay computes the backoff duration before attemptNumber+1, applying
// ±25% jitter unless DisableJitter is set.
func (d *Driver) Delay(attemptNumber int) time.Duration {
	base := d.baseSeconds(attemptNumber)
	if base > d.cfg.MaxDelay {
		base = d.cfg.MaxDelay
	}
	if !d.cfg.DisableJitter && base > 0 {
		jitter := base * 0.25
		base += (d.rnd.Float64()*2 - 1) * jitter
		if base < 0 {
			base = 0
		}
	}
	return time.Duration(base * float64(time.Second))
}

func (d *Driver) baseSeconds(attemptNumber int) float64 {
	switch d.cfg.Strategy {
	case StrategyFixed:
		return d.cfg.InitialDelay
	case StrategyLinear:
		return d.cfg.InitialDelay * float64(attemptNumber)
	case StrategyFibonacci:
		return d.cfg.InitialDelay * float64(fibonacci(attemptNumber))
	case StrategyExponential:
		fallthrough
	default:
		v := d.cfg.InitialDelay
		for i := 1; i < attemptNumber; i++ {
			v *= d.cfg.BackoffMultiplier
		}
		return v
	}
}

func fibonacci(n int) int {
	if n <= 1 {
		return 1
	}
	a, b := 1, 1
	for i := 2; i <= n; i++ {
		a, b = b, a+b
	}
	return b
}
