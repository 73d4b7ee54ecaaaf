// Package streaming fans lifecycle events out to in-process subscribers,
// such as a status page tailing one execution.
package streaming

import (
	"context"
	"slices"

	"github.com/rendis/signflow/pkg/schema"
)

// Filter selects the events a subscriber receives. Empty fields match all.
type Filter struct {
	ExecutionID string   `json:"executionId,omitempty"`
	WorkflowID  string   `json:"workflowId,omitempty"`
	DocumentID  string   `json:"documentId,omitempty"`
	EventTypes  []string `json:"eventTypes,omitempty"`
}

// Matches reports whether e passes the filter.
func (f Filter) Matches(e schema.Event) bool {
	switch {
	case f.ExecutionID != "" && f.ExecutionID != e.ExecutionID:
		return false
	case f.WorkflowID != "" && f.WorkflowID != e.WorkflowID:
		return false
	case f.DocumentID != "" && f.DocumentID != e.DocumentID:
		return false
	}
	return len(f.EventTypes) == 0 || slices.Contains(f.EventTypes, e.Type)
}

// Hub is an in-process pub/sub for lifecycle events.
type Hub interface {
	Publish(ctx context.Context, event schema.Event) error
	Subscribe(ctx context.Context, filter Filter) (<-chan schema.Event, func(), error)
}
