// Package bus provides event bus implementations for riskwatch.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/domain"
)

// MetadataReplyTo carries the reply topic of a request message.
const MetadataReplyTo = "reply_to"

// defaultRequestTimeout bounds a Request whose context has no deadline. A
// detection run answers only when it finishes.
const defaultRequestTimeout = 5 * time.Minute

// QueueSubscriber is implemented by buses that can load-balance a topic
// across the members of a named group.
type QueueSubscriber interface {
	QueueSubscribe(ctx context.Context, topic, queue string, handler domain.MessageHandler) (domain.Subscription, error)
}

// SubscribeShared joins queue on topic when b supports queue groups and
// falls back to a plain subscription otherwise.
func SubscribeShared(ctx context.Context, b domain.EventBus, topic, queue string, handler domain.MessageHandler) (domain.Subscription, error) {
	if qs, ok := b.(QueueSubscriber); ok && queue != "" {
		return qs.QueueSubscribe(ctx, topic, queue, handler)
	}
	return b.Subscribe(ctx, topic, handler)
}

// New creates a new event bus based on configuration.
// For Community tier: returns ChannelBus.
// For Pro tier: returns NATSBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize).WithRequestTimeout(cfg.RequestTimeout), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// Reply answers a request message. It is a no-op for plain publishes.
func Reply(ctx context.Context, b domain.EventBus, msg *domain.Message, payload []byte) error {
	replyTo := msg.Metadata[MetadataReplyTo]
	if replyTo == "" {
		return nil
	}
	return b.Publish(ctx, replyTo, payload)
}

// PublishJSON encodes v and publishes it. Failures are logged and returned;
// callers treat events as best effort.
func PublishJSON(ctx context.Context, b domain.EventBus, topic string, v any) error {
	if b == nil {
		return nil
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", topic, err)
	}

	if err := b.Publish(ctx, topic, payload); err != nil {
		slog.Warn("event publish failed", "topic", topic, "error", err)
		return err
	}
	return nil
}
