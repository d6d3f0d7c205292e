package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/terrachat/terrachat/internal/logging"
)

// ErrClosed is returned after the bus is closed.
var ErrClosed = errors.New("event bus closed")

// SubscriberBuffer is the per-subscription channel size.
const SubscriberBuffer = 16

// Bus fans session events out to subscribers of that session's topic.
// Delivery is at-least-once to subscribers connected at publish time; a
// subscriber that joins later sees nothing that came before.
type Bus struct {
	mu     sync.RWMutex
	pubsub *gochannel.GoChannel
	closed bool
}

// NewBus creates a new event bus instance.
func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: 100,
				Persistent:          false,
			},
			logging.Watermill(),
		),
	}
}

// Publish broadcasts e on its session's topic.
func (b *Bus) Publish(e Event) error {
	if e.SessionID == "" {
		return fmt.Errorf("event %s has no session id", e.Type)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.Metadata.Set("type", string(e.Type))
	return b.pubsub.Publish(Topic(e.SessionID), msg)
}

// Subscribe streams events for sessionID until ctx is cancelled, at which
// point the returned channel is closed.
func (b *Bus) Subscribe(ctx context.Context, sessionID string) (<-chan Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}

	messages, err := b.pubsub.Subscribe(ctx, Topic(sessionID))
	if err != nil {
		return nil, err
	}

	out := make(chan Event, SubscriberBuffer)
	go func() {
		defer close(out)
		for msg := range messages {
			var e Event
			if err := json.Unmarshal(msg.Payload, &e); err != nil {
				logging.Warn().Err(err).Str("sessionID", sessionID).Msg("dropping undecodable event")
				msg.Ack()
				continue
			}
			select {
			case out <- e:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}

// Close closes the bus and all its subscribers.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.pubsub.Close()
}

// PubSub returns the underlying watermill GoChannel so other in-process
// topics (the job queue) can share the same infrastructure.
func (b *Bus) PubSub() *gochannel.GoChannel {
	return b.pubsub
}
