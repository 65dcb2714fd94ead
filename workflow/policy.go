package workflow

import (
	"math"
	"time"

	"github.com/hupe1980/spellbridge/config"
)

// FailurePolicy selects what a step failure does to the run.
type FailurePolicy int

const (
	// Stop ends the run with the step's error.
	Stop FailurePolicy = iota
	// SkipAndContinue records the failure and feeds the previous output to
	// the next step.
	SkipAndContinue
	// Retry re-runs the step with backoff and stops the run once attempts
	// are exhausted.
	Retry
)

func (p FailurePolicy) String() string {
	switch p {
	case Stop:
		return "stop"
	case SkipAndContinue:
		return "skip"
	case Retry:
		return "retry"
	default:
		return "unknown"
	}
}

// RetryPolicy bounds retries of one step.
type RetryPolicy struct {
	// MaxAttempts counts the first attempt. Values below 1 mean 1.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// RetryPolicyFromConfig maps workflow configuration onto a RetryPolicy.
func RetryPolicyFromConfig(c config.WorkflowConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    c.MaxAttempts,
		InitialBackoff: c.InitialBackoff,
		MaxBackoff:     c.MaxBackoff,
		Multiplier:     c.Multiplier,
	}
}

func (r RetryPolicy) attempts() int {
	if r.MaxAttempts < 1 {
		return 1
	}
	return r.MaxAttempts
}

// Backoff returns the wait before attempt n+1, given n attempts so far.
func (r RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 || r.InitialBackoff <= 0 {
		return 0
	}
	mult := r.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(r.InitialBackoff) * math.Pow(mult, float64(n-1))
	if r.MaxBackoff > 0 && d > float64(r.MaxBackoff) {
		return r.MaxBackoff
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
