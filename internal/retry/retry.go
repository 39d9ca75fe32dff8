// Package retry runs operations with exponential backoff, retrying only the
// failure kinds that faults marks as retryable.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/BadgerOps/dtebundle/internal/faults"
)

// Policy configures attempts and delays.
type Policy struct {
	MaxRetries         int           // attempts = 1 + MaxRetries
	BaseDelay          time.Duration // first delay for transient failures
	SignatureBaseDelay time.Duration // first delay after a signature mismatch
	MaxDelay           time.Duration
	Jitter             bool // ±25% around the computed delay
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:         3,
		BaseDelay:          2 * time.Second,
		SignatureBaseDelay: 60 * time.Second,
		MaxDelay:           300 * time.Second,
		Jitter:             true,
	}
}

// Recorder receives one call per scheduled retry and per failed attempt.
type Recorder interface {
	RecordRetry(op string, kind faults.Kind)
	RecordFailure(op string, kind faults.Kind, err error)
}

// Outcome summarizes one Execute call.
type Outcome struct {
	Attempts      int           `json:"attempts"`
	TotalDuration time.Duration `json:"total_duration"`
	FinalKind     faults.Kind   `json:"final_error,omitempty"`
	Succeeded     bool          `json:"succeeded"`
}

// Retries returns the number of attempts beyond the first.
func (o Outcome) Retries() int {
	if o.Attempts <= 1 {
		return 0
	}
	return o.Attempts - 1
}

// Strategy executes functions under a Policy. It is safe for concurrent use.
type Strategy struct {
	policy   Policy
	recorder Recorder
	logger   *slog.Logger
	jitter   func() float64 // returns a value in [0,1)
}

// New creates a Strategy. recorder may be nil.
func New(policy Policy, recorder Recorder, logger *slog.Logger) *Strategy {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = DefaultPolicy().MaxDelay
	}
	if policy.SignatureBaseDelay <= 0 {
		policy.SignatureBaseDelay = policy.BaseDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Strategy{
		policy:   policy,
		recorder: recorder,
		logger:   logger,
		jitter:   rand.Float64,
	}
}

// Policy returns the policy in effect.
func (s *Strategy) Policy() Policy {
	return s.policy
}

// WithMaxRetries returns a copy of s allowing n retries.
func (s *Strategy) WithMaxRetries(n int) *Strategy {
	c := *s
	if n < 0 {
		n = 0
	}
	c.policy.MaxRetries = n
	return &c
}

// CallOption customizes a single Execute call.
type CallOption func(*call)

type call struct {
	onRetry func(attempt int, kind faults.Kind, err error)
}

// OnRetry registers fn to run before every retry sleep.
func OnRetry(fn func(attempt int, kind faults.Kind, err error)) CallOption {
	return func(c *call) { c.onRetry = fn }
}

// Execute runs fn until it succeeds, fails with a terminal kind, or the
// attempt budget is spent. The last error is returned.
func (s *Strategy) Execute(ctx context.Context, op string, fn func(context.Context) error, opts ...CallOption) error {
	_, err := s.ExecuteOutcome(ctx, op, fn, opts...)
	return err
}

// ExecuteOutcome is Execute that also reports attempt accounting.
func (s *Strategy) ExecuteOutcome(ctx context.Context, op string, fn func(context.Context) error, opts ...CallOption) (Outcome, error) {
	var c call
	for _, o := range opts {
		o(&c)
	}

	start := time.Now()
	maxAttempts := 1 + s.policy.MaxRetries
	var out Outcome

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			out.TotalDuration = time.Since(start)
			out.FinalKind = faults.Classify(err)
			return out, &faults.Error{Kind: out.FinalKind, Op: op, Err: err}
		}

		out.Attempts = attempt
		err := fn(ctx)
		if err == nil {
			out.Succeeded = true
			out.FinalKind = ""
			out.TotalDuration = time.Since(start)
			return out, nil
		}

		kind := faults.Classify(err)
		out.FinalKind = kind
		if s.recorder != nil {
			s.recorder.RecordFailure(op, kind, err)
		}

		if !kind.Retryable() {
			s.logger.Debug("terminal failure, not retrying", "op", op, "attempt", attempt, "kind", kind, "error", err)
			out.TotalDuration = time.Since(start)
			return out, err
		}
		if attempt == maxAttempts {
			out.TotalDuration = time.Since(start)
			return out, fmt.Errorf("%s failed after %d attempts: %w", op, attempt, err)
		}

		delay := s.Backoff(attempt, kind)
		s.logger.Warn("attempt failed, retrying", "op", op, "attempt", attempt, "kind", kind, "delay", delay, "error", err)
		if s.recorder != nil {
			s.recorder.RecordRetry(op, kind)
		}
		if c.onRetry != nil {
			c.onRetry(attempt, kind, err)
		}

		if err := sleep(ctx, delay); err != nil {
			out.TotalDuration = time.Since(start)
			out.FinalKind = faults.Classify(err)
			return out, &faults.Error{Kind: out.FinalKind, Op: op, Err: fmt.Errorf("cancelled during retry backoff: %w", err)}
		}
	}

	// Unreachable: the loop always returns.
	return out, nil
}

// Do runs fn under s and returns its value.
func Do[T any](ctx context.Context, s *Strategy, op string, fn func(context.Context) (T, error), opts ...CallOption) (T, Outcome, error) {
	var result T
	out, err := s.ExecuteOutcome(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	}, opts...)
	if err != nil {
		var zero T
		return zero, out, err
	}
	return result, out, nil
}

// Decorate wraps fn so that every call goes through s.
func (s *Strategy) Decorate(op string, fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		return s.Execute(ctx, op, fn)
	}
}

// Backoff returns the delay after the given 1-based attempt.
// Signature mismatches use the longer signature base delay.
func (s *Strategy) Backoff(attempt int, kind faults.Kind) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := s.policy.BaseDelay
	if kind == faults.SignatureMismatch {
		base = s.policy.SignatureBaseDelay
	}
	if base <= 0 {
		return 0
	}

	delay := float64(base) * math.Pow(2, float64(attempt-1))
	if s.policy.Jitter {
		delay *= 0.75 + 0.5*s.jitter()
	}
	if max := float64(s.policy.MaxDelay); delay > max {
		delay = max
	}
	return time.Duration(delay)
}

// sleep waits for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
