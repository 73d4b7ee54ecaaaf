package events

import (
	"context"
	"encoding/json"

	"github.com/rendis/signflow/internal/store"
	"github.com/rendis/signflow/pkg/schema"
)

// AuditSink appends execution events to the store's event log.
type AuditSink struct {
	store store.EventStore
}

// NewAuditSink creates an AuditSink.
func NewAuditSink(s store.EventStore) *AuditSink {
	return &AuditSink{store: s}
}

// Publish records event. Events without an execution id are not audited.
func (a *AuditSink) Publish(ctx context.Context, event schema.Event) error {
	if event.ExecutionID == "" {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return a.store.AppendEvent(ctx, &store.Event{
		ExecutionID: event.ExecutionID,
		StepID:      event.StepID,
		Type:        event.Type,
		Payload:     payload,
		Timestamp:   event.Timestamp,
	})
}
