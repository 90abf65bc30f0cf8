package graph

import (
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// RetryPolicy defines automatic retries for a failing step.
//
// A step opts in through its config:
//
//	"retry": {"max_attempts": 3, "base_delay_ms": 200, "max_delay_ms": 5000}
//
// Without a retry block a step runs exactly once.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Must be >= 1.
	MaxAttempts int

	// BaseDelay is the base of the exponential backoff between attempts.
	BaseDelay time.Duration

	// MaxDelay caps the exponential component. Zero means no cap.
	MaxDelay time.Duration

	// Retryable decides whether an error warrants another attempt.
	// If nil, every error except an unknown step type is retried.
	Retryable func(error) bool
}

// noRetry is the policy of steps without a retry block.
var noRetry = RetryPolicy{MaxAttempts: 1}

// Validate checks the policy constraints:
//   - MaxAttempts must be >= 1
//   - MaxDelay, when set together with BaseDelay, must be >= BaseDelay
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.BaseDelay < 0 || rp.MaxDelay < 0 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

func (rp *RetryPolicy) shouldRetry(err error) bool {
	var unknown *UnknownStepTypeError
	if errors.As(err, &unknown) {
		return false
	}
	if rp.Retryable != nil {
		return rp.Retryable(err)
	}
	return true
}

// retryPolicyFor reads the retry block of a step config.
func retryPolicyFor(config map[string]any) (RetryPolicy, error) {
	block := ConfigMap(config, "retry")
	if block == nil {
		return noRetry, nil
	}
	rp := RetryPolicy{
		MaxAttempts: ConfigInt(block, "max_attempts", 1),
		BaseDelay:   time.Duration(ConfigInt(block, "base_delay_ms", 100)) * time.Millisecond,
		MaxDelay:    time.Duration(ConfigInt(block, "max_delay_ms", 0)) * time.Millisecond,
	}
	if err := rp.Validate(); err != nil {
		return noRetry, fmt.Errorf("%w: %+v", err, block)
	}
	return rp, nil
}

// computeBackoff returns the delay before retry number attempt (0-based):
//
//	min(base * 2^attempt, maxDelay) + jitter(0, base)
//
// With base=1s and maxDelay=30s: 1-2s, 2-3s, 4-5s, 8-9s, ... capped at 30-31s.
// A nil rng uses the global source.
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}

	delay := base * (1 << attempt)
	if maxDelay > 0 && (delay > maxDelay || delay <= 0) {
		delay = maxDelay
	}

	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- jitter for retry timing, not security
	}
	return delay + jitter
}
