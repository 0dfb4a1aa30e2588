package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/opensource-finance/harrier/internal/domain"
)

// ChannelBus implements domain.EventBus in process with buffered channels.
// Used as the Community tier event bus. Each subscription is served by one
// goroutine, so a subscriber sees its messages in publish order.
type ChannelBus struct {
	mu            sync.RWMutex
	bufferSize    int
	subscriptions map[string][]*channelSubscription
	closed        bool
	wg            sync.WaitGroup
}

type channelSubscription struct {
	bus     *ChannelBus
	key     string
	topic   string
	handler domain.MessageHandler
	msgCh   chan *domain.Message
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

// NewChannelBus creates a new channel-based event bus.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize:    bufferSize,
		subscriptions: make(map[string][]*channelSubscription),
	}
}

// Publish delivers a message to every subscriber of the tenant's topic.
// A subscriber whose buffer is full misses the message.
func (b *ChannelBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	msg := newMessage(ctx, tenantID, topic, payload)
	for _, sub := range b.subscriptions[tenantID+":"+topic] {
		select {
		case sub.msgCh <- msg:
		case <-sub.ctx.Done():
		default:
			slog.Warn("subscriber buffer full, message dropped",
				"tenant_id", tenantID,
				"topic", topic,
				"message_id", msg.ID,
			)
		}
	}
	return nil
}

// Subscribe registers a handler for a tenant's topic. The subscription ends
// when ctx is cancelled, on Unsubscribe, or when the bus closes.
func (b *ChannelBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{
		bus:     b,
		key:     tenantID + ":" + topic,
		topic:   topic,
		handler: handler,
		msgCh:   make(chan *domain.Message, b.bufferSize),
		ctx:     subCtx,
		cancel:  cancel,
	}
	b.subscriptions[sub.key] = append(b.subscriptions[sub.key], sub)

	b.wg.Add(1)
	go sub.serve(&b.wg)

	return sub, nil
}

func (s *channelSubscription) serve(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.msgCh:
			if err := s.handler(handlerContext(s.ctx, msg), msg); err != nil {
				slog.Error("handler error",
					"topic", s.topic,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}
}

// Ping reports whether the bus is open.
func (b *ChannelBus) Ping(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close stops every subscription and waits for in-flight handlers.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.cancel()
		}
	}
	b.subscriptions = make(map[string][]*channelSubscription)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

// Unsubscribe stops receiving messages.
func (s *channelSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()

		b := s.bus
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscriptions[s.key]
		for i, other := range subs {
			if other == s {
				b.subscriptions[s.key] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(b.subscriptions[s.key]) == 0 {
			delete(b.subscriptions, s.key)
		}
	})
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSubscription) Topic() string {
	return s.topic
}
