package main

import (
	"context"

	"github.com/rendis/signflow/internal/engine"
	"github.com/rendis/signflow/internal/events"
)

// Topics the document service consumes.
const topicSendDocument = "signflow.documents.send"

// busSender hands send-document instructions to the document service over
// the message bus. The returned message id is the bus message UUID.
type busSender struct {
	bus *events.Bus
}

func (s busSender) SendDocument(_ context.Context, req engine.SendRequest) (string, error) {
	return s.bus.PublishJSON(topicSendDocument, map[string]string{
		"executionId":    req.ExecutionID,
		"documentId":     req.DocumentID,
		"stepId":         req.StepID,
		"recipientEmail": req.RecipientEmail,
		"recipientName":  req.RecipientName,
		"customMessage":  req.CustomMessage,
		"template":       req.Template,
	}, map[string]string{events.MetadataExecutionID: req.ExecutionID})
}

// notifiedSignatures reports every recipient as unsigned, so executions
// wait for the document service to call signflow.signed or post to the
// panel signature callback.
type notifiedSignatures struct{}

func (notifiedSignatures) IsSigned(context.Context, string, string) (bool, error) {
	return false, nil
}
