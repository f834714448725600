package memory

import (
	"time"

	"git.home.luguber.info/inful/eventpipe/internal/broker"
)

// TopologyOptions mirrors the delivery contract of the managed backends.
type TopologyOptions struct {
	VisibilityTimeout time.Duration
	MaxReceiveCount   int
	Retention         time.Duration
	DLQRetention      time.Duration
	Now               func() time.Time
}

// Topology bundles the in-process channels so callers can reach the concrete queues.
type Topology struct {
	Topic         *Topic
	Main          *Queue
	DeadLetter    *Queue
	Confirmations *Queue
	Objects       *Queue
}

// NewTopology builds the topic, the main queue subscribed to it with its dead-letter queue,
// the confirmation queue (no dead-letter queue, bounded by retention) and the object
// notification queue.
func NewTopology(o TopologyOptions) *Topology {
	dlq := NewQueue(broker.QueueDeadLetter, Options{
		VisibilityTimeout: o.VisibilityTimeout,
		Retention:         o.DLQRetention,
		Now:               o.Now,
	})
	main := NewQueue(broker.QueueMain, Options{
		VisibilityTimeout: o.VisibilityTimeout,
		MaxReceiveCount:   o.MaxReceiveCount,
		DeadLetter:        dlq,
		Retention:         o.Retention,
		Now:               o.Now,
	})
	confirmations := NewQueue(broker.QueueConfirmations, Options{
		VisibilityTimeout: o.VisibilityTimeout,
		Retention:         o.Retention,
		Now:               o.Now,
	})
	objects := NewQueue(broker.QueueObjects, Options{
		VisibilityTimeout: o.VisibilityTimeout,
		MaxReceiveCount:   o.MaxReceiveCount,
		DeadLetter:        dlq,
		Retention:         o.Retention,
		Now:               o.Now,
	})
	topic := NewTopic()
	topic.Subscribe(main, nil)
	return &Topology{Topic: topic, Main: main, DeadLetter: dlq, Confirmations: confirmations, Objects: objects}
}

// Broker exposes the topology through the backend-neutral bundle.
func (t *Topology) Broker() broker.Topology {
	return broker.Topology{
		Topic:         t.Topic,
		Main:          t.Main,
		DeadLetter:    t.DeadLetter,
		Confirmations: t.Confirmations,
		Objects:       t.Objects,
		Close: func() error {
			t.Topic.Close()
			for _, q := range []*Queue{t.Main, t.DeadLetter, t.Confirmations, t.Objects} {
				q.Close()
			}
			return nil
		},
	}
}
