package events

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/signflow/internal/secrets"
	"github.com/rendis/signflow/internal/store"
	"github.com/rendis/signflow/pkg/schema"
)

type memWebhooks struct {
	mu         sync.Mutex
	hooks      []*schema.WebhookConfig
	deliveries []*schema.WebhookDelivery
}

func (m *memWebhooks) ListWebhooks(_ context.Context, f store.WebhookFilter) ([]*schema.WebhookConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.WebhookConfig
	for _, wh := range m.hooks {
		if f.EnabledOnly && !wh.Enabled {
			continue
		}
		if f.EventType != "" && !wh.Subscribed(f.EventType) {
			continue
		}
		out = append(out, wh)
	}
	return out, nil
}

func (m *memWebhooks) RecordDelivery(_ context.Context, d *schema.WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries = append(m.deliveries, d)
	return nil
}

func (m *memWebhooks) recorded() []*schema.WebhookDelivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*schema.WebhookDelivery(nil), m.deliveries...)
}

func fastRetry(attempts int) schema.WebhookRetryPolicy {
	return schema.WebhookRetryPolicy{MaxAttempts: attempts, InitialDelay: "1ms", Multiplier: 2}
}

func TestSignAndVerify(t *testing.T) {
	body := []byte(`{"event":"workflow.completed"}`)
	sig := Sign("s3cret", body)
	assert.Len(t, sig, 64)
	assert.True(t, Verify("s3cret", body, sig))
	assert.False(t, Verify("other", body, sig))
	assert.False(t, Verify("s3cret", body, "zz"))
}

func TestDispatch_SignedPayloadAndHeaders(t *testing.T) {
	type captured struct {
		header http.Header
		body   []byte
	}
	got := make(chan captured, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got <- captured{header: r.Header.Clone(), body: b}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	src := &memWebhooks{hooks: []*schema.WebhookConfig{{
		ID: "wh-1", URL: srv.URL, Events: []string{schema.EventWorkflowCompleted},
		Secret: "s3cret", Enabled: true, Retry: fastRetry(3),
	}}}
	d := NewWebhookDispatcher(src, nil)

	d.Dispatch(context.Background(), schema.Event{
		Type: schema.EventWorkflowCompleted, ExecutionID: "ex-1", DocumentID: "doc-1",
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	d.Wait()

	c := <-got
	assert.Equal(t, "application/json", c.header.Get("Content-Type"))
	assert.Equal(t, UserAgent, c.header.Get("User-Agent"))
	assert.Equal(t, schema.EventWorkflowCompleted, c.header.Get(HeaderEvent))
	assert.NotEmpty(t, c.header.Get(HeaderDelivery))
	assert.True(t, Verify("s3cret", c.body, c.header.Get(HeaderSignature)))
	assert.JSONEq(t, `{"event":"workflow.completed","timestamp":"2026-01-02T03:04:05Z",
		"documentId":"doc-1","executionId":"ex-1"}`, string(c.body))

	recs := src.recorded()
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Succeeded)
	assert.Equal(t, 1, recs[0].Attempts)
	assert.Equal(t, http.StatusNoContent, recs[0].StatusCode)
}

func TestDispatch_NoSignatureWithoutSecret(t *testing.T) {
	var sig atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig.Store(r.Header.Get(HeaderSignature))
	}))
	defer srv.Close()

	src := &memWebhooks{hooks: []*schema.WebhookConfig{{
		ID: "wh", URL: srv.URL, Events: []string{schema.EventWildcard}, Enabled: true, Retry: fastRetry(1),
	}}}
	d := NewWebhookDispatcher(src, nil)
	d.Dispatch(context.Background(), schema.Event{Type: schema.EventStepStarted})
	d.Wait()
	assert.Equal(t, "", sig.Load())
}

func TestDispatch_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	deliveryIDs := make(chan string, 3)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deliveryIDs <- r.Header.Get(HeaderDelivery)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	src := &memWebhooks{hooks: []*schema.WebhookConfig{{
		ID: "wh", URL: srv.URL, Events: []string{schema.EventWorkflowFailed}, Enabled: true, Retry: fastRetry(3),
	}}}
	d := NewWebhookDispatcher(src, nil)
	d.Dispatch(context.Background(), schema.Event{Type: schema.EventWorkflowFailed})
	d.Wait()

	assert.Equal(t, int32(3), calls.Load())
	close(deliveryIDs)
	seen := map[string]bool{}
	for id := range deliveryIDs {
		seen[id] = true
	}
	assert.Len(t, seen, 3, "each attempt carries a fresh delivery id")

	recs := src.recorded()
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Succeeded)
	assert.Equal(t, 3, recs[0].Attempts)
}

func TestDispatch_ExhaustionIsRecorded(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	src := &memWebhooks{hooks: []*schema.WebhookConfig{{
		ID: "wh", URL: srv.URL, Events: []string{schema.EventWildcard}, Enabled: true, Retry: fastRetry(2),
	}}}
	d := NewWebhookDispatcher(src, nil)
	d.Dispatch(context.Background(), schema.Event{Type: schema.EventStepCompleted})
	d.Wait()

	assert.Equal(t, int32(2), calls.Load())
	recs := src.recorded()
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Succeeded)
	assert.Equal(t, 2, recs[0].Attempts)
	assert.Equal(t, http.StatusInternalServerError, recs[0].StatusCode)
	assert.Contains(t, recs[0].LastError, "500")
}

func TestDispatch_SkipsDisabledAndUnsubscribed(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls.Add(1) }))
	defer srv.Close()

	src := &memWebhooks{hooks: []*schema.WebhookConfig{
		{ID: "off", URL: srv.URL, Events: []string{schema.EventWildcard}, Enabled: false, Retry: fastRetry(1)},
		{ID: "other", URL: srv.URL, Events: []string{schema.EventApprovalResolved}, Enabled: true, Retry: fastRetry(1)},
	}}
	d := NewWebhookDispatcher(src, nil)
	d.Dispatch(context.Background(), schema.Event{Type: schema.EventStepStarted})
	d.Wait()
	assert.Equal(t, int32(0), calls.Load())
}

func TestDispatch_DoesNotBlockCaller(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { <-release }))
	defer srv.Close()
	defer close(release)

	src := &memWebhooks{hooks: []*schema.WebhookConfig{{
		ID: "slow", URL: srv.URL, Events: []string{schema.EventWildcard}, Enabled: true, Retry: fastRetry(1),
	}}}
	d := NewWebhookDispatcher(src, nil)

	start := time.Now()
	d.Dispatch(context.Background(), schema.Event{Type: schema.EventStepStarted})
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestDispatch_OpensSealedSecret(t *testing.T) {
	sealer, err := secrets.NewAESSealer(secrets.KeyConfig{Passphrase: "pw", Salt: []byte("salt"), Iterations: 1000})
	require.NoError(t, err)
	sealed, err := sealer.Seal("whsec")
	require.NoError(t, err)

	sigs := make(chan [2]string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		sigs <- [2]string{string(b), r.Header.Get(HeaderSignature)}
	}))
	defer srv.Close()

	src := &memWebhooks{hooks: []*schema.WebhookConfig{{
		ID: "wh", URL: srv.URL, Events: []string{schema.EventWildcard}, Secret: sealed, Enabled: true, Retry: fastRetry(1),
	}}}
	d := NewWebhookDispatcher(src, nil, WithSealer(sealer))
	d.Dispatch(context.Background(), schema.Event{Type: schema.EventDocumentSent})
	d.Wait()

	got := <-sigs
	assert.True(t, Verify("whsec", []byte(got[0]), got[1]))
}

func TestShutdown_AbortsPendingRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	src := &memWebhooks{hooks: []*schema.WebhookConfig{{
		ID: "wh", URL: srv.URL, Events: []string{schema.EventWildcard}, Enabled: true,
		Retry: schema.WebhookRetryPolicy{MaxAttempts: 5, InitialDelay: "1h", Multiplier: 1},
	}}}
	d := NewWebhookDispatcher(src, nil)
	d.Dispatch(context.Background(), schema.Event{Type: schema.EventStepStarted})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := d.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	recs := src.recorded()
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Succeeded)

	// After shutdown nothing new is dispatched.
	d.Dispatch(context.Background(), schema.Event{Type: schema.EventStepStarted})
	d.Wait()
	assert.Len(t, src.recorded(), 1)
}

func TestShutdown_ConcurrentWithDispatch(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	src := &memWebhooks{hooks: []*schema.WebhookConfig{{
		ID: "wh", URL: srv.URL, Events: []string{schema.EventWildcard}, Enabled: true, Retry: fastRetry(1),
	}}}
	d := NewWebhookDispatcher(src, nil)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 25 {
				d.Dispatch(context.Background(), schema.Event{Type: schema.EventStepStarted})
			}
		}()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))
	wg.Wait()

	// Every delivery that got in before the close was waited for.
	settled := len(src.recorded())
	d.Dispatch(context.Background(), schema.Event{Type: schema.EventStepStarted})
	d.Wait()
	assert.Len(t, src.recorded(), settled)
	assert.Equal(t, int32(settled), hits.Load())
}
