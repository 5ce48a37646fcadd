// Package bus implements the message transport over Redis lists: inbound
// request queues are consumed with BLPOP, responses are pushed to the
// reply queue named in the message envelope.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/abdhe/llm-chat-dispatch/pkg/resilience"
)

// ErrTransport marks connect and publish failures.
var ErrTransport = errors.New("transport error")

// popTimeout bounds each BLPOP so the consume loop observes cancellation.
const popTimeout = 5 * time.Second

// Delivery is one message crossing the bus. MessageID correlates a
// response to its request and round-trips unchanged; ReplyTo names the
// queue the response must be pushed to. Both live in the transport
// envelope, not in the payload.
type Delivery struct {
	MessageID string
	ReplyTo   string
	Payload   json.RawMessage
}

type envelope struct {
	MessageID string          `json:"message_id"`
	ReplyTo   string          `json:"reply_to,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// Consumer produces a lazy, restartable stream of deliveries from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)
}

// Publisher emits a delivery to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, d Delivery) error
}

// Bus is the Redis-backed transport.
type Bus struct {
	client *redis.Client
	retry  resilience.RetryConfig
}

// New creates a Bus for the Redis server at addr.
func New(addr, password string, db int) *Bus {
	return &Bus{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		retry: resilience.DefaultRetryConfig(),
	}
}

// Connect verifies the transport with bounded-backoff pings. Failure after
// the final attempt is fatal to the caller: there is no top-level retry
// loop beyond this one.
func (b *Bus) Connect(ctx context.Context) error {
	err := resilience.Retry(ctx, b.retry, func(ctx context.Context) error {
		return b.client.Ping(ctx).Err()
	})
	if err != nil {
		return fmt.Errorf("%w: connect: %v", ErrTransport, err)
	}
	return nil
}

// Consume starts a BLPOP loop on the queue and returns its delivery
// channel. The channel closes when ctx is cancelled; transient pop errors
// are logged and retried with backoff, never surfaced to the receiver.
func (b *Bus) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	if queue == "" {
		return nil, fmt.Errorf("%w: empty queue name", ErrTransport)
	}

	ch := make(chan Delivery)

	go func() {
		defer close(ch)
		backoff := b.retry.BaseDelay

		for {
			vals, err := b.client.BLPop(ctx, popTimeout, queue).Result()
			switch {
			case err == redis.Nil:
				continue
			case err != nil:
				if ctx.Err() != nil {
					return
				}
				log.Printf("[bus] pop %s: %v (retrying in %s)", queue, err, backoff)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				if backoff < b.retry.MaxDelay {
					backoff *= 2
				}
				continue
			}
			backoff = b.retry.BaseDelay

			// BLPOP returns [key, value]
			d, err := decodeDelivery([]byte(vals[1]))
			if err != nil {
				// No envelope means no reply route; the message is lost but
				// never silently so.
				log.Printf("[bus] dropping undecodable message on %s: %v", queue, err)
				continue
			}

			select {
			case ch <- d:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

// Publish pushes a delivery onto the named queue.
func (b *Bus) Publish(ctx context.Context, queue string, d Delivery) error {
	if queue == "" {
		return fmt.Errorf("%w: no reply queue", ErrTransport)
	}

	data, err := json.Marshal(envelope{
		MessageID: d.MessageID,
		ReplyTo:   d.ReplyTo,
		Payload:   d.Payload,
	})
	if err != nil {
		return fmt.Errorf("%w: marshal envelope: %v", ErrTransport, err)
	}

	if err := b.client.LPush(ctx, queue, data).Err(); err != nil {
		return fmt.Errorf("%w: push %s: %v", ErrTransport, queue, err)
	}
	return nil
}

// Close shuts down the underlying Redis client.
func (b *Bus) Close() error {
	return b.client.Close()
}

// decodeDelivery parses a wire envelope. A missing message id is
// generated on ingress so the response stays correlatable.
func decodeDelivery(data []byte) (Delivery, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Delivery{}, fmt.Errorf("envelope: %w", err)
	}
	if len(env.Payload) == 0 {
		return Delivery{}, fmt.Errorf("envelope: missing payload")
	}
	if env.MessageID == "" {
		env.MessageID = uuid.NewString()
	}
	return Delivery{
		MessageID: env.MessageID,
		ReplyTo:   env.ReplyTo,
		Payload:   env.Payload,
	}, nil
}
