// Package broker defines the fan-out topic and the at-least-once queues that connect the
// pipeline stages, independent of the backend that carries them.
package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/eventpipe/internal/foundation/errors"
)

// Message is an opaque body plus string attributes for routing and filtering.
type Message struct {
	ID         string
	Body       []byte
	Attributes map[string]string
}

// NewJSONMessage encodes v as the body of a new message.
func NewJSONMessage(v any, attrs map[string]string) (Message, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Message{}, errors.WrapError(err, errors.CategoryInternal, "failed to encode message").Build()
	}
	return Message{ID: uuid.NewString(), Body: body, Attributes: attrs}, nil
}

// Delivery is one receipt of a queued message. It stays invisible to other receivers until
// acknowledged, released or its visibility timeout lapses.
type Delivery interface {
	Message() Message
	// ReceiveCount is 1 on the first delivery.
	ReceiveCount() int
	// Ack removes the message from the queue.
	Ack(ctx context.Context) error
	// Release makes the message visible again after delay.
	Release(ctx context.Context, delay time.Duration) error
	// Extend pushes the visibility deadline to d from now.
	Extend(ctx context.Context, d time.Duration) error
}

// Publisher fans a message out to every subscribed queue.
type Publisher interface {
	Publish(ctx context.Context, m Message) error
}

// Sender enqueues a message.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// Receiver pulls up to limit deliveries, waiting at most wait for the first one.
type Receiver interface {
	Receive(ctx context.Context, limit int, wait time.Duration) ([]Delivery, error)
}

// Queue is a named Sender and Receiver.
type Queue interface {
	Name() string
	Sender
	Receiver
}

// Peeker lists messages without receiving them. Dead-letter queues implement it so operators
// can inspect them.
type Peeker interface {
	Peek(ctx context.Context, limit int) ([]Message, error)
}

// Topology is the set of channels one deployment uses.
type Topology struct {
	Topic         Publisher
	Main          Queue
	DeadLetter    Queue
	Confirmations Queue
	// Objects carries object-created notifications; nil when the backend has none.
	Objects Queue
	Close   func() error
}

// Queue names shared by every backend.
const (
	QueueMain          = "main"
	QueueDeadLetter    = "dead-letter"
	QueueConfirmations = "confirmations"
	QueueObjects       = "objects"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.BrokerError("broker is closed").Permanent().Build()

// ErrStaleDelivery is returned when a delivery's receipt no longer owns the message, for
// example after its visibility timeout lapsed and another receiver took it.
var ErrStaleDelivery = errors.BrokerError("delivery receipt is no longer valid").Permanent().Build()
