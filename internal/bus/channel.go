package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/domain"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus is closed")

// ChannelBus is the in-process EventBus of the Community tier.
//
// Every subscriber owns a buffered inbox drained by one goroutine. Publishing
// never blocks: a message for a full inbox is dropped and counted. Members of
// a queue group share one delivery per message, round robin.
type ChannelBus struct {
	mu             sync.RWMutex
	bufferSize     int
	requestTimeout time.Duration
	topics         map[string]*topicSubscribers
	closed         bool
	dropped        atomic.Int64
}

type topicSubscribers struct {
	fanout []*channelSubscription
	queues map[string]*queueGroup
}

type queueGroup struct {
	members []*channelSubscription
	next    atomic.Uint64
}

type channelSubscription struct {
	bus     *ChannelBus
	id      string
	topic   string
	queue   string
	handler domain.MessageHandler
	inbox   chan *domain.Message
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

// NewChannelBus creates a channel bus whose subscribers buffer bufferSize
// messages each.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize:     bufferSize,
		requestTimeout: defaultRequestTimeout,
		topics:         make(map[string]*topicSubscribers),
	}
}

// WithRequestTimeout bounds Request calls whose context has no deadline.
func (b *ChannelBus) WithRequestTimeout(d time.Duration) *ChannelBus {
	if d > 0 {
		b.requestTimeout = d
	}
	return b
}

// Publish delivers payload to every subscriber of topic.
func (b *ChannelBus) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.publish(topic, payload, nil)
}

func (b *ChannelBus) publish(topic string, payload []byte, metadata map[string]string) error {
	if topic == "" {
		return fmt.Errorf("topic is required")
	}
	if metadata == nil {
		metadata = make(map[string]string)
	}

	msg := &domain.Message{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Metadata:  metadata,
		Timestamp: time.Now().UnixNano(),
	}

	// The read lock is held across delivery so Close cannot race a send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	subs := b.topics[topic]
	if subs == nil {
		return nil
	}
	for _, sub := range subs.fanout {
		b.deliver(sub, msg)
	}
	for _, group := range subs.queues {
		if len(group.members) == 0 {
			continue
		}
		i := (group.next.Add(1) - 1) % uint64(len(group.members))
		b.deliver(group.members[i], msg)
	}
	return nil
}

func (b *ChannelBus) deliver(sub *channelSubscription, msg *domain.Message) {
	select {
	case sub.inbox <- msg:
	default:
		b.dropped.Add(1)
		slog.Warn("subscriber inbox full, message dropped",
			"topic", msg.Topic,
			"message_id", msg.ID,
			"subscription_id", sub.id,
		)
	}
}

// Subscribe registers handler for every message on topic.
func (b *ChannelBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	return b.subscribe(ctx, topic, "", handler)
}

// QueueSubscribe registers handler as a member of queue on topic. Each
// message reaches one member of the group.
func (b *ChannelBus) QueueSubscribe(ctx context.Context, topic, queue string, handler domain.MessageHandler) (domain.Subscription, error) {
	if queue == "" {
		return nil, fmt.Errorf("queue is required")
	}
	return b.subscribe(ctx, topic, queue, handler)
}

func (b *ChannelBus) subscribe(ctx context.Context, topic, queue string, handler domain.MessageHandler) (domain.Subscription, error) {
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{
		bus:     b,
		id:      uuid.New().String(),
		topic:   topic,
		queue:   queue,
		handler: handler,
		inbox:   make(chan *domain.Message, b.bufferSize),
		ctx:     subCtx,
		cancel:  cancel,
	}

	subs := b.topics[topic]
	if subs == nil {
		subs = &topicSubscribers{queues: make(map[string]*queueGroup)}
		b.topics[topic] = subs
	}
	if queue == "" {
		subs.fanout = append(subs.fanout, sub)
	} else {
		group := subs.queues[queue]
		if group == nil {
			group = &queueGroup{}
			subs.queues[queue] = group
		}
		group.members = append(group.members, sub)
	}

	go sub.run()
	return sub, nil
}

// remove detaches sub from its topic. Must be called with mu held.
func (b *ChannelBus) remove(sub *channelSubscription) {
	subs := b.topics[sub.topic]
	if subs == nil {
		return
	}
	if sub.queue == "" {
		subs.fanout = without(subs.fanout, sub)
	} else if group := subs.queues[sub.queue]; group != nil {
		group.members = without(group.members, sub)
		if len(group.members) == 0 {
			delete(subs.queues, sub.queue)
		}
	}
	if len(subs.fanout) == 0 && len(subs.queues) == 0 {
		delete(b.topics, sub.topic)
	}
}

func without(subs []*channelSubscription, sub *channelSubscription) []*channelSubscription {
	out := subs[:0]
	for _, s := range subs {
		if s != sub {
			out = append(out, s)
		}
	}
	return out
}

func (s *channelSubscription) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.inbox:
			if err := s.handler(s.ctx, msg); err != nil {
				slog.Error("handler error",
					"topic", msg.Topic,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}
}

// Request publishes payload with a private reply topic and waits for the
// first Reply. Without a caller deadline the bus request timeout applies.
func (b *ChannelBus) Request(ctx context.Context, topic string, payload []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.requestTimeout)
		defer cancel()
	}

	replyCh := make(chan []byte, 1)
	replyTopic := topic + ".reply." + uuid.New().String()

	sub, err := b.Subscribe(ctx, replyTopic, func(ctx context.Context, msg *domain.Message) error {
		select {
		case replyCh <- msg.Payload:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	if err := b.publish(topic, payload, map[string]string{MetadataReplyTo: replyTopic}); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("request %s: %w", topic, ctx.Err())
	}
}

// Dropped reports how many messages were discarded for full inboxes.
func (b *ChannelBus) Dropped() int64 {
	return b.dropped.Load()
}

// Ping checks bus health.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close stops every subscription. Messages still buffered are discarded.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, subs := range b.topics {
		for _, sub := range subs.fanout {
			sub.cancel()
		}
		for _, group := range subs.queues {
			for _, sub := range group.members {
				sub.cancel()
			}
		}
	}
	b.topics = make(map[string]*topicSubscribers)
	return nil
}

// Unsubscribe stops delivery and detaches the subscription from the bus.
func (s *channelSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		s.bus.mu.Lock()
		s.bus.remove(s)
		s.bus.mu.Unlock()
	})
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSubscription) Topic() string {
	return s.topic
}
