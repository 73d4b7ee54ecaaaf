package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/rendis/signflow/pkg/schema"
)

// DefaultTopic is the topic lifecycle events are published on.
const DefaultTopic = "signflow.events"

// Message metadata keys.
const (
	MetadataEventType   = "event_type"
	MetadataExecutionID = "execution_id"
)

// Bus publishes events to a watermill topic so other services can consume
// them.
type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	topic      string
}

// NewBus wraps an existing publisher. subscriber may be nil.
func NewBus(pub message.Publisher, sub message.Subscriber, topic string) *Bus {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Bus{publisher: pub, subscriber: sub, topic: topic}
}

// NewGoChannelBus creates an in-memory bus, used for single-process
// deployments and tests.
func NewGoChannelBus(logger *slog.Logger, topic string) *Bus {
	pubSub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            1000,
		Persistent:                     false,
		BlockPublishUntilSubscriberAck: false,
	}, watermill.NewSlogLogger(logger))
	return NewBus(pubSub, pubSub, topic)
}

// NewKafkaBus creates a publish-only bus on a Kafka cluster.
func NewKafkaBus(brokers []string, topic string, logger *slog.Logger) (*Bus, error) {
	var clean []string
	for _, b := range brokers {
		if b = strings.TrimSpace(b); b != "" {
			clean = append(clean, b)
		}
	}
	if len(clean) == 0 {
		return nil, errors.New("kafka bus needs at least one broker")
	}

	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	pub, err := kafka.NewPublisher(kafka.PublisherConfig{
		Brokers:               clean,
		Marshaler:             kafka.DefaultMarshaler{},
		OverwriteSaramaConfig: cfg,
	}, watermill.NewSlogLogger(logger))
	if err != nil {
		return nil, err
	}
	return NewBus(pub, nil, topic), nil
}

// Topic returns the topic name.
func (b *Bus) Topic() string { return b.topic }

// Publish sends event as a JSON message keyed by execution id.
func (b *Bus) Publish(_ context.Context, event schema.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(MetadataEventType, event.Type)
	msg.Metadata.Set(MetadataExecutionID, event.ExecutionID)
	return b.publisher.Publish(b.topic, msg)
}

// PublishJSON sends payload as a JSON message on topic and returns the
// message id.
func (b *Bus) PublishJSON(topic string, payload any, metadata map[string]string) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	msg := message.NewMessage(watermill.NewUUID(), raw)
	for k, v := range metadata {
		msg.Metadata.Set(k, v)
	}
	if err := b.publisher.Publish(topic, msg); err != nil {
		return "", err
	}
	return msg.UUID, nil
}

// Subscribe decodes events from the topic until ctx ends. Undecodable
// messages are acked and dropped.
func (b *Bus) Subscribe(ctx context.Context) (<-chan schema.Event, error) {
	if b.subscriber == nil {
		return nil, errors.New("bus has no subscriber")
	}
	msgs, err := b.subscriber.Subscribe(ctx, b.topic)
	if err != nil {
		return nil, err
	}
	out := make(chan schema.Event)
	go func() {
		defer close(out)
		for msg := range msgs {
			var ev schema.Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				msg.Ack()
				continue
			}
			select {
			case out <- ev:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}

// Close closes the publisher and subscriber.
func (b *Bus) Close() error {
	err := b.publisher.Close()
	if b.subscriber != nil && any(b.subscriber) != any(b.publisher) {
		err = errors.Join(err, b.subscriber.Close())
	}
	return err
}
