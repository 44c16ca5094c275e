package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisEventBus fans envelopes out over Redis pub/sub so every API instance
// can deliver to the connections it holds.
type RedisEventBus struct {
	client   *redis.Client
	resolver ChannelResolver
	logger   *zap.Logger
	handlers []Handler
	pubsub   *redis.PubSub
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	running  bool
	done     chan struct{}
}

func NewRedisEventBus(client *redis.Client, resolver ChannelResolver, logger *zap.Logger) *RedisEventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisEventBus{
		client:   client,
		resolver: resolver,
		logger:   logger.With(zap.String("component", "event_bus")),
	}
}

func (b *RedisEventBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.pubsub = b.client.PSubscribe(b.ctx, ChannelPrefixUser+"*")
	if _, err := b.pubsub.Receive(b.ctx); err != nil {
		b.cancel()
		_ = b.pubsub.Close()
		return fmt.Errorf("subscribe: %w", err)
	}
	b.running = true
	b.done = make(chan struct{})
	go b.listen(b.pubsub.Channel())
	return nil
}

func (b *RedisEventBus) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	b.cancel()
	err := b.pubsub.Close()
	done := b.done
	b.mu.Unlock()
	<-done
	return err
}

func (b *RedisEventBus) Subscribe(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

func (b *RedisEventBus) Publish(ctx context.Context, env Envelope, userIDs ...string) error {
	channels := b.resolver.ResolveChannels(userIDs...)
	if len(channels) == 0 {
		return nil
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	pipe := b.client.Pipeline()
	for _, channel := range channels {
		pipe.Publish(ctx, channel, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish %s: %w", env.Type, err)
	}
	return nil
}

func (b *RedisEventBus) listen(ch <-chan *redis.Message) {
	defer close(b.done)
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.dispatch(msg)
		}
	}
}

func (b *RedisEventBus) dispatch(msg *redis.Message) {
	userID, ok := b.resolver.UserID(msg.Channel)
	if !ok {
		return
	}
	var env Envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		b.logger.Warn("dropping malformed event", zap.String("channel", msg.Channel), zap.Error(err))
		return
	}

	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()
	for _, h := range handlers {
		h(userID, env)
	}
}
