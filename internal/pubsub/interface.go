// Package pubsub provides pub/sub backends for cross-instance communication.
// It carries runtime configuration changes, such as new rate limit defaults,
// from the instance that accepted them to every other instance.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Message represents a pub/sub message
type Message struct {
	// Channel is the channel the message was published to
	Channel string `json:"channel"`

	// Payload is the message content
	Payload []byte `json:"payload"`
}

// PubSub is the interface for pub/sub backends.
// Implementations should handle concurrent access safely.
type PubSub interface {
	// Publish sends a message to all subscribers of a channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe returns a channel that receives messages published to the given channel.
	// The returned channel is closed when the context is cancelled or Close is called.
	// Multiple calls to Subscribe with the same channel create independent subscriptions.
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)

	// Close releases all resources and closes all subscriptions.
	Close() error
}

// RateLimitConfigChannel carries rate limit default changes between instances
const RateLimitConfigChannel = "fluxgate:ratelimit:config"

// subscriberBuffer is the per-subscription channel capacity. Messages to a
// full subscriber are dropped.
const subscriberBuffer = 100

// Envelope wraps a payload with the id of the instance that sent it, so a
// subscriber can ignore its own broadcasts.
type Envelope struct {
	Source string          `json:"source"`
	Data   json.RawMessage `json:"data"`
}

// NewInstanceID returns a random identifier for this process
func NewInstanceID() string {
	return uuid.NewString()
}

// Encode marshals v into an envelope from source
func Encode(source string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return json.Marshal(Envelope{Source: source, Data: data})
}

// Decode unmarshals an envelope. The returned source lets the caller skip
// its own messages.
func Decode(payload []byte, v any) (string, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", fmt.Errorf("failed to decode envelope: %w", err)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return env.Source, fmt.Errorf("failed to decode payload: %w", err)
	}
	return env.Source, nil
}
