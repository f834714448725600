package memory

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/eventpipe/internal/broker"
	ferrors "git.home.luguber.info/inful/eventpipe/internal/foundation/errors"
)

// Filter selects which published messages a subscription receives. A nil Filter accepts all.
type Filter func(broker.Message) bool

// Topic is an in-process fan-out topic. Every subscribed queue receives its own copy of each
// published message, with a fresh message id, like an SNS-to-SQS subscription.
type Topic struct {
	mu        sync.RWMutex
	subs      map[uint64]*subscription
	nextID    atomic.Uint64
	isClosed  atomic.Bool
	closeOnce sync.Once
}

type subscription struct {
	to     broker.Sender
	filter Filter
}

func NewTopic() *Topic {
	return &Topic{subs: make(map[uint64]*subscription)}
}

// Subscribe delivers matching messages to q until the returned function is called.
func (t *Topic) Subscribe(q broker.Sender, filter Filter) func() {
	if t.isClosed.Load() {
		return func() {}
	}
	id := t.nextID.Add(1)

	t.mu.Lock()
	t.subs[id] = &subscription{to: q, filter: filter}
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		})
	}
}

// SubscriberCount returns the number of active subscriptions.
func (t *Topic) SubscriberCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// Publish delivers m to every matching subscription. It returns the first send error after
// attempting all subscriptions.
func (t *Topic) Publish(ctx context.Context, m broker.Message) error {
	if ctx == nil {
		return ferrors.ValidationError("context cannot be nil").Build()
	}
	if t.isClosed.Load() {
		return broker.ErrClosed
	}

	t.mu.RLock()
	targets := make([]*subscription, 0, len(t.subs))
	for _, s := range t.subs {
		targets = append(targets, s)
	}
	t.mu.RUnlock()

	var first error
	for _, s := range targets {
		if s.filter != nil && !s.filter(m) {
			continue
		}
		c := broker.Message{ID: uuid.NewString(), Body: m.Body, Attributes: maps.Clone(m.Attributes)}
		if err := s.to.Send(ctx, c); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close drops every subscription. Subscribed queues stay open.
func (t *Topic) Close() {
	t.closeOnce.Do(func() {
		t.isClosed.Store(true)
		t.mu.Lock()
		t.subs = make(map[uint64]*subscription)
		t.mu.Unlock()
	})
}

var _ broker.Publisher = (*Topic)(nil)
