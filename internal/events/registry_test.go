package events

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/signflow/internal/secrets"
	"github.com/rendis/signflow/internal/store"
	"github.com/rendis/signflow/pkg/schema"
)

func newStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRegistry_RegisterSealsAndRedacts(t *testing.T) {
	st := newStore(t)
	sealer, err := secrets.NewAESSealer(secrets.KeyConfig{MasterKey: make([]byte, 32)})
	require.NoError(t, err)
	reg := NewRegistry(st, sealer)
	ctx := context.Background()

	wh, err := reg.Register(ctx, schema.WebhookConfig{
		URL: "https://hooks.example.com/signflow", Events: []string{schema.EventWorkflowCompleted},
		Secret: "whsec", Enabled: true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, wh.ID)
	assert.Empty(t, wh.Secret)
	assert.Equal(t, schema.DefaultWebhookRetryPolicy(), wh.Retry)

	raw, err := st.GetWebhook(ctx, wh.ID)
	require.NoError(t, err)
	assert.True(t, secrets.IsSealed(raw.Secret))
	plain, err := sealer.Open(raw.Secret)
	require.NoError(t, err)
	assert.Equal(t, "whsec", plain)

	got, err := reg.Get(ctx, wh.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Secret)

	list, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Empty(t, list[0].Secret)
}

func TestRegistry_RejectsInvalid(t *testing.T) {
	reg := NewRegistry(newStore(t), nil)
	ctx := context.Background()

	tests := []struct {
		name string
		wh   schema.WebhookConfig
	}{
		{"missing url", schema.WebhookConfig{Events: []string{"*"}}},
		{"bad url", schema.WebhookConfig{URL: "not a url", Events: []string{"*"}}},
		{"no events", schema.WebhookConfig{URL: "https://x.example.com"}},
		{"unknown event", schema.WebhookConfig{URL: "https://x.example.com", Events: []string{"document.burned"}}},
		{"too many attempts", schema.WebhookConfig{URL: "https://x.example.com", Events: []string{"*"},
			Retry: schema.WebhookRetryPolicy{MaxAttempts: 50, Multiplier: 2}}},
		{"unparseable delay", schema.WebhookConfig{URL: "https://x.example.com", Events: []string{"*"},
			Retry: schema.WebhookRetryPolicy{InitialDelay: "soon"}}},
		{"negative delay", schema.WebhookConfig{URL: "https://x.example.com", Events: []string{"*"},
			Retry: schema.WebhookRetryPolicy{InitialDelay: "-1s"}}},
		{"shrinking backoff", schema.WebhookConfig{URL: "https://x.example.com", Events: []string{"*"},
			Retry: schema.WebhookRetryPolicy{Multiplier: 0.5}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Register(ctx, tt.wh)
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
		})
	}
}

func TestRegistry_PartialRetryPolicyKeepsDefaultsForZeroFields(t *testing.T) {
	reg := NewRegistry(newStore(t), nil)

	wh, err := reg.Register(context.Background(), schema.WebhookConfig{
		URL: "https://x.example.com", Events: []string{"*"}, Enabled: true,
		Retry: schema.WebhookRetryPolicy{MaxAttempts: 7, InitialDelay: "250ms"},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.WebhookRetryPolicy{MaxAttempts: 7, InitialDelay: "250ms", Multiplier: 2}, wh.Retry)

	got, err := reg.Get(context.Background(), wh.ID)
	require.NoError(t, err)
	assert.Equal(t, "250ms", got.Retry.InitialDelay)
}

func TestRegistry_ToggleRemoveAndDeliveries(t *testing.T) {
	st := newStore(t)
	reg := NewRegistry(st, nil)
	ctx := context.Background()

	wh, err := reg.Register(ctx, schema.WebhookConfig{
		URL: "https://x.example.com", Events: []string{schema.EventWildcard}, Enabled: true,
	})
	require.NoError(t, err)

	require.NoError(t, reg.SetEnabled(ctx, wh.ID, false))
	hooks, err := st.ListWebhooks(ctx, store.WebhookFilter{EnabledOnly: true})
	require.NoError(t, err)
	assert.Empty(t, hooks)

	require.NoError(t, st.RecordDelivery(ctx, &schema.WebhookDelivery{
		ID: "d-1", WebhookID: wh.ID, EventType: schema.EventStepStarted, Attempts: 1, Succeeded: true,
		StatusCode: 200, CreatedAt: time.Now().UTC(),
	}))
	ds, err := reg.Deliveries(ctx, wh.ID, 10)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, "d-1", ds[0].ID)

	require.NoError(t, reg.Remove(ctx, wh.ID))
	_, err = reg.Get(ctx, wh.ID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestAuditSink_AppendsExecutionEvents(t *testing.T) {
	st := newStore(t)
	sink := NewAuditSink(st)
	ctx := context.Background()

	require.NoError(t, sink.Publish(ctx, schema.Event{Type: schema.EventWorkflowStarted, ExecutionID: "ex-1", Timestamp: time.Now()}))
	require.NoError(t, sink.Publish(ctx, schema.Event{Type: schema.EventStepStarted, ExecutionID: "ex-1", StepID: "send", Timestamp: time.Now()}))
	require.NoError(t, sink.Publish(ctx, schema.Event{Type: schema.EventWorkflowStarted}))

	evs, err := st.GetEvents(ctx, "ex-1", 0)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, int64(1), evs[0].Sequence)
	assert.Equal(t, "send", evs[1].StepID)
	assert.Equal(t, schema.EventStepStarted, evs[1].Type)
}
