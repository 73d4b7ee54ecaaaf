package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rendis/signflow/pkg/schema"
)

// BreakerState is the state of one recipient domain's breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes the sender breaker.
type BreakerConfig struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int
	// Cooldown is how long an open breaker rejects sends before probing.
	Cooldown time.Duration
}

// DefaultBreakerConfig opens after 5 failures for 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second}
}

type domainBreaker struct {
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// BreakingSender wraps a DocumentSender with one breaker per recipient
// domain, so a failing mail provider stops burning retries across
// executions. While open, sends fail fast with a non-retryable error.
type BreakingSender struct {
	inner  DocumentSender
	config BreakerConfig
	now    func() time.Time

	mu       sync.Mutex
	breakers map[string]*domainBreaker
}

// NewBreakingSender wraps inner.
func NewBreakingSender(inner DocumentSender, cfg BreakerConfig, now func() time.Time) *BreakingSender {
	if cfg.FailureThreshold <= 0 {
		cfg = DefaultBreakerConfig()
	}
	if now == nil {
		now = time.Now
	}
	return &BreakingSender{inner: inner, config: cfg, now: now, breakers: make(map[string]*domainBreaker)}
}

// SendDocument forwards req unless the recipient's domain breaker is open.
func (b *BreakingSender) SendDocument(ctx context.Context, req SendRequest) (string, error) {
	domain := recipientDomain(req.RecipientEmail)
	if err := b.allow(domain); err != nil {
		return "", err
	}
	id, err := b.inner.SendDocument(ctx, req)
	if err != nil && ctx.Err() == nil {
		b.recordFailure(domain)
		return "", err
	}
	if err == nil {
		b.recordSuccess(domain)
	}
	return id, err
}

// State reports the breaker state for domain.
func (b *BreakingSender) State(domain string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[domain]
	if !ok {
		return BreakerClosed
	}
	if cb.state == BreakerOpen && b.now().Sub(cb.openedAt) >= b.config.Cooldown {
		return BreakerHalfOpen
	}
	return cb.state
}

func (b *BreakingSender) allow(domain string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb := b.get(domain)

	switch cb.state {
	case BreakerOpen:
		remaining := b.config.Cooldown - b.now().Sub(cb.openedAt)
		if remaining > 0 {
			return schema.NewErrorf(schema.ErrCodeExecution,
				"sending to %s suspended after %d consecutive failures", domain, cb.failures).
				WithDetails(map[string]any{"domain": domain, "retryIn": remaining.String()})
		}
		cb.state, cb.probing = BreakerHalfOpen, true
		return nil
	case BreakerHalfOpen:
		if cb.probing {
			return schema.NewErrorf(schema.ErrCodeExecution, "sending to %s is being probed", domain)
		}
		cb.probing = true
	}
	return nil
}

func (b *BreakingSender) recordSuccess(domain string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb := b.get(domain)
	cb.state, cb.failures, cb.probing = BreakerClosed, 0, false
}

func (b *BreakingSender) recordFailure(domain string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb := b.get(domain)
	cb.failures++
	cb.probing = false
	if cb.state == BreakerHalfOpen || cb.failures >= b.config.FailureThreshold {
		cb.state, cb.openedAt = BreakerOpen, b.now()
	}
}

func (b *BreakingSender) get(domain string) *domainBreaker {
	cb, ok := b.breakers[domain]
	if !ok {
		cb = &domainBreaker{}
		b.breakers[domain] = cb
	}
	return cb
}

func recipientDomain(email string) string {
	if i := strings.LastIndexByte(email, '@'); i >= 0 {
		return strings.ToLower(email[i+1:])
	}
	return strings.ToLower(email)
}
