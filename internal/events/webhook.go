package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/signflow/internal/logging"
	"github.com/rendis/signflow/internal/retry"
	"github.com/rendis/signflow/internal/secrets"
	"github.com/rendis/signflow/internal/store"
	"github.com/rendis/signflow/pkg/schema"
)

// Delivery headers.
const (
	HeaderEvent     = "X-Event"
	HeaderDelivery  = "X-Delivery"
	HeaderSignature = "X-Signature"
	UserAgent       = "signflow-webhooks/1.0"
)

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is the valid signature of body.
func Verify(secret string, body []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// WebhookSource is the persistence the dispatcher reads subscriptions from
// and records outcomes to.
type WebhookSource interface {
	ListWebhooks(ctx context.Context, filter store.WebhookFilter) ([]*schema.WebhookConfig, error)
	RecordDelivery(ctx context.Context, d *schema.WebhookDelivery) error
}

// WebhookDispatcher POSTs events to subscribed webhooks. Each delivery runs
// on its own goroutine with its own retry budget and never reports back to
// the emitter.
type WebhookDispatcher struct {
	source   WebhookSource
	sealer   secrets.Sealer
	client   *http.Client
	logger   *slog.Logger
	maxDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// WebhookOption configures a WebhookDispatcher.
type WebhookOption func(*WebhookDispatcher)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(d *WebhookDispatcher) { d.client = c }
}

// WithSealer opens sealed webhook secrets before signing.
func WithSealer(s secrets.Sealer) WebhookOption {
	return func(d *WebhookDispatcher) { d.sealer = s }
}

// WithMaxRetryDelay caps the backoff between attempts.
func WithMaxRetryDelay(max time.Duration) WebhookOption {
	return func(d *WebhookDispatcher) { d.maxDelay = max }
}

// NewWebhookDispatcher creates a dispatcher reading subscriptions from src.
func NewWebhookDispatcher(src WebhookSource, logger *slog.Logger, opts ...WebhookOption) *WebhookDispatcher {
	if logger == nil {
		logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &WebhookDispatcher{
		source:   src,
		sealer:   secrets.Plain{},
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
		maxDelay: time.Minute,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch starts one delivery per subscribed, enabled webhook and returns
// immediately. After Shutdown it does nothing.
func (d *WebhookDispatcher) Dispatch(ctx context.Context, event schema.Event) {
	if d.isClosed() {
		return
	}
	log := logging.LogWith(ctx, d.logger)
	hooks, err := d.source.ListWebhooks(ctx, store.WebhookFilter{EnabledOnly: true, EventType: event.Type})
	if err != nil {
		log.Error("list webhooks", "event", event.Type, "error", err)
		return
	}
	if len(hooks) == 0 {
		return
	}
	body, err := json.Marshal(event)
	if err != nil {
		log.Error("encode webhook payload", "event", event.Type, "error", err)
		return
	}

	// wg.Add must not race Shutdown's wg.Wait.
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.wg.Add(len(hooks))
	for _, wh := range hooks {
		go func(wh *schema.WebhookConfig) {
			defer d.wg.Done()
			d.deliver(wh, event.Type, body, log)
		}(wh)
	}
}

func (d *WebhookDispatcher) deliver(wh *schema.WebhookConfig, eventType string, body []byte, log *slog.Logger) {
	log = log.With("webhook_id", wh.ID, "event", eventType)
	rec := &schema.WebhookDelivery{ID: uuid.NewString(), WebhookID: wh.ID, EventType: eventType}

	secret, err := d.sealer.Open(wh.Secret)
	if err != nil {
		rec.LastError = err.Error()
		log.Error("webhook secret unavailable", "error", err)
		d.record(rec, log)
		return
	}

	delay, err := wh.Retry.Delay()
	if err != nil {
		log.Warn("invalid webhook retry delay, using default", "error", err)
	}
	policy := retry.Policy{
		MaxAttempts:  wh.Retry.MaxAttempts,
		InitialDelay: delay,
		Multiplier:   wh.Retry.Multiplier,
		MaxDelay:     d.maxDelay,
	}
	if policy.MaxAttempts < 1 || err != nil {
		policy = retry.Policy{MaxAttempts: 3, InitialDelay: time.Second, Multiplier: 2, MaxDelay: d.maxDelay}
	}
	// Every failed POST is worth another try; the policy bounds it.
	mgr := retry.NewManager(policy, retry.WithClassifier(func(error) bool { return true }))

	attempts, err := mgr.Do(d.ctx, func(ctx context.Context, _ int) error {
		status, err := d.post(ctx, wh.URL, eventType, body, secret)
		rec.StatusCode = status
		return err
	}, func(attempt int, err error, delay time.Duration) {
		log.Debug("webhook attempt failed", "attempt", attempt, "retry_in", delay, "error", err)
	})

	rec.Attempts = attempts
	rec.Succeeded = err == nil
	if err != nil {
		rec.LastError = err.Error()
		log.Error("webhook delivery failed", "attempts", attempts, "error", err)
	}
	d.record(rec, log)
}

func (d *WebhookDispatcher) post(ctx context.Context, url, eventType string, body []byte, secret string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set(HeaderEvent, eventType)
	req.Header.Set(HeaderDelivery, uuid.NewString())
	if secret != "" {
		req.Header.Set(HeaderSignature, Sign(secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, schema.NewErrorf(schema.ErrCodeWebhook, "webhook responded %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (d *WebhookDispatcher) record(rec *schema.WebhookDelivery, log *slog.Logger) {
	// The dispatcher context may already be cancelled during shutdown.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(d.ctx), 5*time.Second)
	defer cancel()
	if err := d.source.RecordDelivery(ctx, rec); err != nil {
		log.Warn("record webhook delivery", "error", err)
	}
}

func (d *WebhookDispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Wait blocks until in-flight deliveries finish.
func (d *WebhookDispatcher) Wait() { d.wg.Wait() }

// Shutdown refuses further dispatches, waits for in-flight deliveries until
// ctx ends, then aborts the rest.
func (d *WebhookDispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return fmt.Errorf("webhook shutdown: %w", ctx.Err())
	}
}
