package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/signflow/internal/secrets"
	"github.com/rendis/signflow/internal/store"
	"github.com/rendis/signflow/internal/validation"
	"github.com/rendis/signflow/pkg/schema"
)

// Registry manages webhook registrations. Secrets are sealed before they
// are stored and never returned.
type Registry struct {
	store  store.WebhookStore
	sealer secrets.Sealer
}

// NewRegistry creates a Registry. A nil sealer stores secrets as given.
func NewRegistry(st store.WebhookStore, sealer secrets.Sealer) *Registry {
	if sealer == nil {
		sealer = secrets.Plain{}
	}
	return &Registry{store: st, sealer: sealer}
}

// Register validates and stores a webhook. Zero retry fields take their
// value from the default policy.
func (r *Registry) Register(ctx context.Context, wh schema.WebhookConfig) (*schema.WebhookConfig, error) {
	def := schema.DefaultWebhookRetryPolicy()
	if wh.Retry.MaxAttempts == 0 {
		wh.Retry.MaxAttempts = def.MaxAttempts
	}
	if wh.Retry.InitialDelay == "" {
		wh.Retry.InitialDelay = def.InitialDelay
	}
	if wh.Retry.Multiplier == 0 {
		wh.Retry.Multiplier = def.Multiplier
	}
	if err := validation.Struct(&wh); err != nil {
		return nil, err
	}
	if _, err := wh.Retry.Delay(); err != nil {
		return nil, err
	}
	for _, e := range wh.Events {
		if !knownEvent(e) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown event type %q", e)
		}
	}
	sealed, err := r.sealer.Seal(wh.Secret)
	if err != nil {
		return nil, err
	}

	wh.ID = uuid.NewString()
	wh.CreatedAt = time.Now().UTC()
	stored := wh
	stored.Secret = sealed
	if err := r.store.CreateWebhook(ctx, &stored); err != nil {
		return nil, err
	}
	return redact(&stored), nil
}

// Get returns a webhook without its secret.
func (r *Registry) Get(ctx context.Context, id string) (*schema.WebhookConfig, error) {
	wh, err := r.store.GetWebhook(ctx, id)
	if err != nil {
		return nil, err
	}
	return redact(wh), nil
}

// List returns every webhook without secrets.
func (r *Registry) List(ctx context.Context) ([]*schema.WebhookConfig, error) {
	hooks, err := r.store.ListWebhooks(ctx, store.WebhookFilter{})
	if err != nil {
		return nil, err
	}
	for i, wh := range hooks {
		hooks[i] = redact(wh)
	}
	return hooks, nil
}

// SetEnabled toggles delivery.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return r.store.UpdateWebhook(ctx, id, store.WebhookUpdate{Enabled: &enabled})
}

// Remove deletes a webhook.
func (r *Registry) Remove(ctx context.Context, id string) error {
	return r.store.DeleteWebhook(ctx, id)
}

// Deliveries returns the most recent delivery outcomes for a webhook.
func (r *Registry) Deliveries(ctx context.Context, id string, limit int) ([]*schema.WebhookDelivery, error) {
	return r.store.ListDeliveries(ctx, id, limit)
}

func redact(wh *schema.WebhookConfig) *schema.WebhookConfig {
	out := *wh
	out.Events = append([]string(nil), wh.Events...)
	out.Secret = ""
	return &out
}

func knownEvent(t string) bool {
	if t == schema.EventWildcard {
		return true
	}
	for _, e := range schema.AllEventTypes {
		if e == t {
			return true
		}
	}
	return false
}
