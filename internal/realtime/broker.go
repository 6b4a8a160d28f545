// Package realtime fans project events out to websocket subscribers. Events
// are scoped to a topic per project and never broadcast globally.
package realtime

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Deliver receives a payload published on topic.
type Deliver func(topic string, payload []byte)

// Broker carries published payloads to every subscribed hub.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe registers deliver for all topics until ctx is cancelled.
	Subscribe(ctx context.Context, deliver Deliver) error
}

// LocalBroker delivers synchronously inside one process.
type LocalBroker struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]Deliver
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{handlers: make(map[int]Deliver)}
}

func (b *LocalBroker) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, deliver := range b.handlers {
		deliver(topic, payload)
	}
	return nil
}

func (b *LocalBroker) Subscribe(ctx context.Context, deliver Deliver) error {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = deliver
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}()
	return nil
}

// RedisBroker relays events between API instances over Redis pub/sub.
type RedisBroker struct {
	client *redis.Client
	prefix string
	logger zerolog.Logger
}

func NewRedisBroker(client *redis.Client, logger zerolog.Logger) *RedisBroker {
	return &RedisBroker{
		client: client,
		prefix: "crewboard:events:",
		logger: logger.With().Str("component", "redis_broker").Logger(),
	}
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, b.prefix+topic, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe returns once the pattern subscription is confirmed, then relays
// messages from a background goroutine.
func (b *RedisBroker) Subscribe(ctx context.Context, deliver Deliver) error {
	pubsub := b.client.PSubscribe(ctx, b.prefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe events: %w", err)
	}

	go func() {
		defer pubsub.Close()
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				deliver(strings.TrimPrefix(msg.Channel, b.prefix), []byte(msg.Payload))
			}
		}
	}()
	b.logger.Info().Str("pattern", b.prefix+"*").Msg("subscribed to realtime events")
	return nil
}
