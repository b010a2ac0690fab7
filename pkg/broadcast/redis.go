package broadcast

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisChannel implements Channel over Redis pub/sub. Every shield process
// subscribed to the same channel name sees the others' ledger entries.
type RedisChannel struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger

	mu       sync.RWMutex
	handlers []func(Message)

	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisChannel subscribes to the named pub/sub channel and starts the
// receive loop.
func NewRedisChannel(client *redis.Client, channel string, logger *zap.Logger) *RedisChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	rc := &RedisChannel{
		client:  client,
		channel: channel,
		logger:  logger,
		pubsub:  client.Subscribe(ctx, channel),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go rc.receive(ctx)
	return rc
}

func (rc *RedisChannel) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return rc.client.Publish(ctx, rc.channel, data).Err()
}

func (rc *RedisChannel) OnMessage(handler func(Message)) {
	rc.mu.Lock()
	rc.handlers = append(rc.handlers, handler)
	rc.mu.Unlock()
}

func (rc *RedisChannel) Close() error {
	rc.cancel()
	err := rc.pubsub.Close()
	<-rc.done
	return err
}

func (rc *RedisChannel) receive(ctx context.Context) {
	defer close(rc.done)
	ch := rc.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			var msg Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				rc.logger.Debug("Dropping malformed broadcast message", zap.Error(err))
				continue
			}
			rc.mu.RLock()
			handlers := make([]func(Message), len(rc.handlers))
			copy(handlers, rc.handlers)
			rc.mu.RUnlock()
			for _, h := range handlers {
				h(msg)
			}
		}
	}
}
