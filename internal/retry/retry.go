// Package retry wraps fallible provider calls with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/research/internal/metrics"
)

const (
	// DefaultBase is the backoff base for supervisor and worker calls.
	DefaultBase = 5 * time.Second
	// ClarifyBase is the backoff base for the clarification path.
	ClarifyBase = 3 * time.Second
	// DefaultMaxAttempts bounds the number of invocations per call.
	DefaultMaxAttempts = 3
)

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy configures one call site. The zero value is usable and applies the defaults.
type Policy struct {
	// Name labels logs and metrics ("supervisor", "worker", "clarify", ...).
	Name        string
	MaxAttempts int
	Base        time.Duration
	// Retryable classifies failures; defaults to llm.IsRetryable.
	Retryable func(error) bool
	// Sleep defaults to a context-aware timer.
	Sleep  SleepFunc
	Logger *zap.Logger
}

// FatalError is the terminal outcome of a wrapped call: either a
// non-retryable failure or a retryable one that ran out of attempts.
type FatalError struct {
	Attempts int
	Err      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err is a *FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Backoff returns the wait before the retry that follows the given 0-based attempt.
func Backoff(base time.Duration, attempt int) time.Duration {
	return base * time.Duration(1<<uint(attempt))
}

// Sleep waits for d unless ctx is cancelled first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Base <= 0 {
		p.Base = DefaultBase
	}
	if p.Retryable == nil {
		p.Retryable = llm.IsRetryable
	}
	if p.Sleep == nil {
		p.Sleep = Sleep
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.Name == "" {
		p.Name = "provider"
	}
	return p
}

// Do invokes op until it succeeds, fails with a non-retryable error, or
// exhausts MaxAttempts. Terminal failures are always returned as *FatalError.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	p = p.withDefaults()
	var zero T

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		res, err := op(ctx)
		if err == nil {
			return res, nil
		}

		if !p.Retryable(err) {
			metrics.ProviderFailures.WithLabelValues(p.Name, "fatal").Inc()
			return zero, &FatalError{Attempts: attempt + 1, Err: err}
		}
		if attempt == p.MaxAttempts-1 {
			p.Logger.Warn("Quota exhausted after all retries",
				zap.String("operation", p.Name),
				zap.Int("attempts", p.MaxAttempts),
				zap.Error(err),
			)
			metrics.ProviderFailures.WithLabelValues(p.Name, "exhausted").Inc()
			return zero, &FatalError{Attempts: attempt + 1, Err: err}
		}

		wait := Backoff(p.Base, attempt)
		p.Logger.Info("Rate limited, backing off",
			zap.String("operation", p.Name),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", p.MaxAttempts),
			zap.Duration("wait", wait),
		)
		metrics.ProviderRetries.WithLabelValues(p.Name).Inc()
		if serr := p.Sleep(ctx, wait); serr != nil {
			return zero, &FatalError{Attempts: attempt + 1, Err: fmt.Errorf("backoff interrupted: %w", serr)}
		}
	}
	// MaxAttempts is at least one, so the loop always returns.
	return zero, &FatalError{Attempts: p.MaxAttempts, Err: errors.New("no attempts made")}
}
