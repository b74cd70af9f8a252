// Package retry schedules bounded, deterministic retries of platform calls.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Policy bounds an exponential backoff schedule.
type Policy struct {
	BaseMs      int64 `yaml:"base_ms" json:"base_ms"`
	MaxMs       int64 `yaml:"max_ms" json:"max_ms"`
	MaxJitterMs int64 `yaml:"max_jitter_ms" json:"max_jitter_ms"`
	MaxAttempts int   `yaml:"max_attempts" json:"max_attempts"`
}

// DefaultPolicy is used when no policy is configured.
func DefaultPolicy() Policy {
	return Policy{BaseMs: 200, MaxMs: 5000, MaxJitterMs: 100, MaxAttempts: 3}
}

// Params identify one attempt. The jitter is derived from them so a replayed
// call observes the same schedule.
type Params struct {
	Key     string // e.g. action id + endpoint
	Attempt int
}

// ComputeBackoff returns the delay before the given attempt.
func ComputeBackoff(params Params, policy Policy) time.Duration {
	// delay = base * 2^attempt
	factor := int64(1)
	if params.Attempt > 0 {
		if params.Attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << params.Attempt
		}
	}

	delay := policy.BaseMs * factor
	if policy.MaxMs > 0 && delay > policy.MaxMs {
		delay = policy.MaxMs
	}

	return time.Duration(delay+computeJitter(params, policy)) * time.Millisecond
}

func computeJitter(params Params, policy Policy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%d", params.Key, params.Attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted, or ctx is done. The last error is returned.
func Do(ctx context.Context, policy Policy, key string, retryable func(error) bool, fn func(ctx context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			timer := time.NewTimer(ComputeBackoff(Params{Key: key, Attempt: i}, policy))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry %s: %w (last error: %v)", key, ctx.Err(), err)
			case <-timer.C:
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if retryable == nil || !retryable(err) {
			return err
		}
	}
	return err
}
