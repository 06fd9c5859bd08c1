package pubsub

import (
	"context"

	"github.com/rs/zerolog/log"
)

// LocalPubSub delivers messages within the current process only. A single
// instance needs nothing more to keep its rate limit service in sync.
type LocalPubSub struct {
	subs *fanout
}

func NewLocalPubSub() *LocalPubSub {
	return &LocalPubSub{subs: newFanout()}
}

// Publish hands payload to the subscribers of channel. It never blocks.
func (l *LocalPubSub) Publish(_ context.Context, channel string, payload []byte) error {
	if dropped := l.subs.deliver(Message{Channel: channel, Payload: payload}); dropped > 0 {
		log.Debug().Str("channel", channel).Int("dropped", dropped).Msg("Local pub/sub subscribers full, message dropped")
	}
	return nil
}

// Subscribe registers a subscription that lasts until ctx ends or Close.
func (l *LocalPubSub) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	id, ch, err := l.subs.add(channel)
	if err != nil {
		return nil, err
	}
	context.AfterFunc(ctx, func() { l.subs.remove(channel, id) })
	return ch, nil
}

func (l *LocalPubSub) Close() error {
	l.subs.shutdown()
	return nil
}
