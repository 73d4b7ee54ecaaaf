// Package retry computes exponential backoff and decides which failures are
// transient enough to try again.
package retry

import (
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"time"

	"github.com/rendis/signflow/pkg/schema"
)

// Policy configures attempts and backoff. Attempt numbers are 1-based.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration // zero means uncapped
}

// DefaultPolicy is 3 attempts starting at 1s and doubling.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, InitialDelay: time.Second, Multiplier: 2}
}

// FromSchema converts a definition-level retry policy, filling unset fields
// from fallback.
func FromSchema(p *schema.RetryPolicy, fallback Policy) (Policy, error) {
	if p == nil {
		return fallback, nil
	}
	out := fallback
	if p.MaxAttempts > 0 {
		out.MaxAttempts = p.MaxAttempts
	}
	if p.Multiplier > 0 {
		out.Multiplier = p.Multiplier
	}
	if p.InitialDelay != "" {
		d, err := schema.ParseDuration(p.InitialDelay)
		if err != nil {
			return Policy{}, err
		}
		out.InitialDelay = d
	}
	if p.MaxDelay != "" {
		d, err := schema.ParseDuration(p.MaxDelay)
		if err != nil {
			return Policy{}, err
		}
		out.MaxDelay = d
	}
	return out, nil
}

// Delay returns initialDelay × multiplier^(attempt−1), capped by MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.InitialDelay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	d := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// transientVocabulary are message fragments that mark a failure as transient.
var transientVocabulary = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"timeout",
	"timed out",
	"no such host",
	"dns",
	"network",
	"temporarily unavailable",
	"temporary failure",
	"unexpected eof",
}

// IsRetryable reports whether err is transient. Anything outside the
// transient vocabulary is never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var se *schema.SignflowError
	if errors.As(err, &se) {
		switch se.Code {
		case schema.ErrCodeTimeout:
			return true
		case schema.ErrCodeValidation, schema.ErrCodeApproval, schema.ErrCodeInvalidTransition,
			schema.ErrCodeCancelled, schema.ErrCodeNotFound, schema.ErrCodeConflict, schema.ErrCodeExpression:
			return false
		}
		if se.Cause != nil && IsRetryable(se.Cause) {
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientVocabulary {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Wait sleeps for delay or returns early with the context's error.
func Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Manager runs operations under a Policy.
type Manager struct {
	policy    Policy
	retryable func(error) bool
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClassifier replaces IsRetryable.
func WithClassifier(fn func(error) bool) Option {
	return func(m *Manager) { m.retryable = fn }
}

// NewManager creates a Manager for policy.
func NewManager(policy Policy, opts ...Option) *Manager {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	m := &Manager{policy: policy, retryable: IsRetryable}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Policy returns the manager's policy.
func (m *Manager) Policy() Policy { return m.policy }

// Do calls fn until it succeeds, returns a non-retryable error, or attempts
// run out. onRetry, when non-nil, runs before each wait. It returns the
// number of attempts made and the last error.
func (m *Manager) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error,
	onRetry func(attempt int, err error, delay time.Duration)) (int, error) {
	var err error
	for attempt := 1; attempt <= m.policy.MaxAttempts; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return attempt, nil
		}
		if attempt == m.policy.MaxAttempts || !m.retryable(err) {
			return attempt, err
		}
		delay := m.policy.Delay(attempt)
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}
		if werr := Wait(ctx, delay); werr != nil {
			return attempt, err
		}
	}
	return m.policy.MaxAttempts, err
}
