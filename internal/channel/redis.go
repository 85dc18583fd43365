package channel

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisTransport carries the event channel over Redis pub/sub. All topics
// multiplex over the single injected client; nothing here assumes exclusive
// ownership of the connection.
type RedisTransport struct {
	client *redis.Client
}

func NewRedisTransport(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

// NewRedisClient connects and pings a Redis client for the given URL.
func NewRedisClient(redisURL string, db int) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opt.DB = db

	client := redis.NewClient(opt)

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Println("Connected to Redis successfully")
	return client, nil
}

func (t *RedisTransport) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	pubsub := t.client.Subscribe(ctx, topic)

	// Force the SUBSCRIBE round trip so a dead connection fails here, where
	// the adapter's retry loop can see it, instead of on first receive.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	sub := &redisSub{
		pubsub: pubsub,
		ch:     make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	go sub.pump(pubsub.Channel())
	return sub, nil
}

func (t *RedisTransport) Publish(ctx context.Context, topic string, data []byte) error {
	if err := t.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

type redisSub struct {
	pubsub *redis.PubSub
	ch     chan []byte
	done   chan struct{}
	once   sync.Once
}

// pump bridges the driver's channel to the subscription. The done select
// covers the case where the consumer stopped reading with the buffer full;
// the pump must never outlive a closed subscription.
func (s *redisSub) pump(in <-chan *redis.Message) {
	defer close(s.ch)
	for msg := range in {
		select {
		case s.ch <- []byte(msg.Payload):
		case <-s.done:
			return
		}
	}
}

func (s *redisSub) Data() <-chan []byte { return s.ch }

func (s *redisSub) Close() error {
	s.once.Do(func() { close(s.done) })
	return s.pubsub.Close()
}
