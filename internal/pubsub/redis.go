package pubsub

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisPubSub implements PubSub using Redis pub/sub. Any server speaking the
// Redis protocol works (Redis, Valkey, Dragonfly, KeyDB).
//
// Messages are not persisted and there is no payload size limit beyond
// server memory.
type RedisPubSub struct {
	client *redis.Client
	subs   *fanout
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisPubSub creates a new Redis-backed pub/sub.
// url should be in the format: redis://[password@]host:port[/db]
func NewRedisPubSub(url string) (*RedisPubSub, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	log.Info().Str("addr", opts.Addr).Msg("Connected to Redis-compatible backend for pub/sub")

	return NewRedisPubSubFromClient(client), nil
}

// NewRedisPubSubFromClient wraps an existing client. The pub/sub owns the
// client and closes it on Close.
func NewRedisPubSubFromClient(client *redis.Client) *RedisPubSub {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisPubSub{
		client: client,
		subs:   newFanout(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Publish sends a message to all subscribers of a channel.
func (r *RedisPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

// Subscribe returns a channel that receives messages published to the given channel.
func (r *RedisPubSub) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	pubsub := r.client.Subscribe(r.ctx, channel)

	// Wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	id, ch, err := r.subs.add(channel)
	if err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.subs.remove(channel, id)
			_ = pubsub.Close()
		}()

		msgCh := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.ctx.Done():
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				if !r.subs.deliverTo(channel, id, Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}) {
					log.Warn().Str("channel", channel).Msg("Pub/sub subscriber channel full, dropping message")
				}
			}
		}
	}()

	return ch, nil
}

// Close releases all resources and closes all subscriptions.
func (r *RedisPubSub) Close() error {
	r.cancel()
	r.wg.Wait()
	r.subs.shutdown()

	err := r.client.Close()
	log.Info().Msg("Redis pub/sub closed")
	return err
}
