package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/signflow/internal/retry"
	"github.com/rendis/signflow/pkg/schema"
)

type scriptedSender struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (s *scriptedSender) SendDocument(context.Context, SendRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return "ok", nil
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestBreakingSender_OpensPerDomain(t *testing.T) {
	inner := &scriptedSender{err: errors.New("smtp 451")}
	clock := &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreakingSender(inner, BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute}, clock.Now)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := b.SendDocument(ctx, SendRequest{RecipientEmail: "a@Bad.example"})
		require.Error(t, err)
	}
	assert.Equal(t, BreakerOpen, b.State("bad.example"))

	_, err := b.SendDocument(ctx, SendRequest{RecipientEmail: "b@bad.example"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "suspended after 2 consecutive failures")
	assert.False(t, retry.IsRetryable(err))
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))
	assert.Equal(t, 2, inner.calls, "open breaker does not reach the sender")

	inner.err = nil
	_, err = b.SendDocument(ctx, SendRequest{RecipientEmail: "a@good.example"})
	require.NoError(t, err)
	assert.Equal(t, BreakerClosed, b.State("good.example"))
}

func TestBreakingSender_HalfOpenProbe(t *testing.T) {
	inner := &scriptedSender{err: errors.New("smtp 451")}
	clock := &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreakingSender(inner, BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute}, clock.Now)
	ctx := context.Background()

	_, _ = b.SendDocument(ctx, SendRequest{RecipientEmail: "x@d.example"})
	assert.Equal(t, BreakerOpen, b.State("d.example"))

	clock.Advance(time.Minute)
	assert.Equal(t, BreakerHalfOpen, b.State("d.example"))

	// A failed probe reopens.
	_, err := b.SendDocument(ctx, SendRequest{RecipientEmail: "x@d.example"})
	require.Error(t, err)
	assert.Equal(t, BreakerOpen, b.State("d.example"))

	clock.Advance(time.Minute)
	inner.err = nil
	_, err = b.SendDocument(ctx, SendRequest{RecipientEmail: "x@d.example"})
	require.NoError(t, err)
	assert.Equal(t, BreakerClosed, b.State("d.example"))
}

func TestBreakingSender_CancelledSendsDoNotCount(t *testing.T) {
	inner := &scriptedSender{err: context.Canceled}
	b := NewBreakingSender(inner, BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.SendDocument(ctx, SendRequest{RecipientEmail: "x@d.example"})
	require.Error(t, err)
	assert.Equal(t, BreakerClosed, b.State("d.example"))
}
