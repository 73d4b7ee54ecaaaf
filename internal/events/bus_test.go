package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/signflow/internal/logging"
	"github.com/rendis/signflow/pkg/schema"
)

func TestGoChannelBus_PublishSubscribe(t *testing.T) {
	bus := NewGoChannelBus(logging.Discard(), "")
	defer bus.Close()
	assert.Equal(t, DefaultTopic, bus.Topic())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	want := schema.Event{
		Type:        schema.EventSignatureReceived,
		ExecutionID: "ex-9",
		StepID:      "sign",
		Timestamp:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Data:        map[string]any{"signer": "ana@example.com"},
	}
	require.NoError(t, bus.Publish(ctx, want))

	select {
	case got := <-ch:
		assert.Equal(t, want.Type, got.Type)
		assert.Equal(t, want.ExecutionID, got.ExecutionID)
		assert.Equal(t, want.StepID, got.StepID)
		assert.True(t, want.Timestamp.Equal(got.Timestamp))
		assert.Equal(t, "ana@example.com", got.Data["signer"])
	case <-time.After(2 * time.Second):
		t.Fatal("no event received from bus")
	}
}

func TestBus_SubscribeWithoutSubscriber(t *testing.T) {
	bus := NewBus(nil, nil, "t")
	_, err := bus.Subscribe(context.Background())
	assert.Error(t, err)
}

func TestNewKafkaBus_RequiresBrokers(t *testing.T) {
	_, err := NewKafkaBus([]string{" ", ""}, "", logging.Discard())
	assert.Error(t, err)
}

func TestBus_PublishJSON(t *testing.T) {
	bus := NewGoChannelBus(logging.Discard(), "")
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := bus.subscriber.Subscribe(ctx, "signflow.documents.send")
	require.NoError(t, err)

	id, err := bus.PublishJSON("signflow.documents.send", map[string]string{"documentId": "doc-1"},
		map[string]string{MetadataExecutionID: "ex-1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	select {
	case msg := <-msgs:
		msg.Ack()
		assert.Equal(t, id, msg.UUID)
		assert.Equal(t, "ex-1", msg.Metadata.Get(MetadataExecutionID))
		assert.JSONEq(t, `{"documentId":"doc-1"}`, string(msg.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("no message received from bus")
	}
}
