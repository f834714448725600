package memory

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"git.home.luguber.info/inful/eventpipe/internal/broker"
	"git.home.luguber.info/inful/eventpipe/internal/logfields"
)

// Options configures a Queue.
type Options struct {
	// VisibilityTimeout hides a received message from other receivers.
	VisibilityTimeout time.Duration
	// MaxReceiveCount moves a message to DeadLetter instead of delivering it a further time.
	// Zero means unlimited.
	MaxReceiveCount int
	DeadLetter      *Queue
	// Retention drops messages older than this. Zero keeps them forever.
	Retention time.Duration
	Now       func() time.Time
}

// Queue is an in-process queue with visibility timeouts, receive counting and an optional
// dead-letter queue.
type Queue struct {
	name string
	opts Options

	mu          sync.Mutex
	entries     []*entry
	nextReceipt uint64
	wake        chan struct{}
	closed      bool
}

type entry struct {
	msg          broker.Message
	sentAt       time.Time
	visibleAt    time.Time
	receiveCount int
	receipt      uint64
}

// NewQueue creates a queue.
func NewQueue(name string, opts Options) *Queue {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{name: name, opts: opts, wake: make(chan struct{})}
}

func (q *Queue) Name() string { return q.name }

// signal wakes waiting receivers. Callers hold q.mu.
func (q *Queue) signal() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// Send enqueues m, visible immediately.
func (q *Queue) Send(_ context.Context, m broker.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return broker.ErrClosed
	}
	now := q.opts.Now()
	q.entries = append(q.entries, &entry{msg: m, sentAt: now, visibleAt: now})
	q.signal()
	return nil
}

// Receive returns up to limit visible messages, waiting up to wait for at least one.
func (q *Queue) Receive(ctx context.Context, limit int, wait time.Duration) ([]broker.Delivery, error) {
	if limit <= 0 {
		limit = 1
	}
	deadline := q.opts.Now().Add(wait)
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, broker.ErrClosed
		}
		out, nextVisible := q.take(limit)
		wake := q.wake
		q.mu.Unlock()

		if len(out) > 0 {
			return out, nil
		}
		now := q.opts.Now()
		if !now.Before(deadline) {
			return nil, nil
		}
		sleep := deadline.Sub(now)
		if !nextVisible.IsZero() && nextVisible.Sub(now) < sleep {
			sleep = max(nextVisible.Sub(now), time.Millisecond)
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// take claims visible entries and reports when the next hidden one becomes visible.
// Callers hold q.mu.
func (q *Queue) take(limit int) ([]broker.Delivery, time.Time) {
	now := q.opts.Now()
	var (
		out         []broker.Delivery
		nextVisible time.Time
		keep        = q.entries[:0]
	)
	for _, e := range q.entries {
		if q.opts.Retention > 0 && now.Sub(e.sentAt) >= q.opts.Retention {
			continue
		}
		if len(out) >= limit || e.visibleAt.After(now) {
			if e.visibleAt.After(now) && (nextVisible.IsZero() || e.visibleAt.Before(nextVisible)) {
				nextVisible = e.visibleAt
			}
			keep = append(keep, e)
			continue
		}
		if q.opts.MaxReceiveCount > 0 && e.receiveCount >= q.opts.MaxReceiveCount {
			if q.opts.DeadLetter != nil {
				if err := q.opts.DeadLetter.Send(context.Background(), e.msg); err != nil {
					// Kept undeliverable; the next receive tries the move again.
					slog.Warn("dead-letter move failed", logfields.Queue(q.name), logfields.MessageID(e.msg.ID), logfields.Error(err))
					keep = append(keep, e)
				}
			}
			continue
		}
		q.nextReceipt++
		e.receiveCount++
		e.receipt = q.nextReceipt
		e.visibleAt = now.Add(q.opts.VisibilityTimeout)
		out = append(out, &delivery{q: q, e: e, receipt: e.receipt, count: e.receiveCount, msg: e.msg})
		keep = append(keep, e)
	}
	clear(q.entries[len(keep):])
	q.entries = keep
	return out, nextVisible
}

// Peek lists up to limit messages without changing their state.
func (q *Queue) Peek(_ context.Context, limit int) ([]broker.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.opts.Now()
	out := make([]broker.Message, 0, min(limit, len(q.entries)))
	for _, e := range q.entries {
		if len(out) >= limit {
			break
		}
		if q.opts.Retention > 0 && now.Sub(e.sentAt) >= q.opts.Retention {
			continue
		}
		out = append(out, e.msg)
	}
	return out, nil
}

// Len reports the number of messages held, visible or not.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Close rejects further operations and wakes blocked receivers.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.signal()
	}
}

// settle applies fn to the entry if receipt still owns it. Callers must not hold q.mu.
func (q *Queue) settle(receipt uint64, e *entry, fn func(idx int)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return broker.ErrClosed
	}
	idx := slices.Index(q.entries, e)
	if idx < 0 || e.receipt != receipt {
		return broker.ErrStaleDelivery
	}
	fn(idx)
	return nil
}

type delivery struct {
	q       *Queue
	e       *entry
	msg     broker.Message
	receipt uint64
	count   int
}

func (d *delivery) Message() broker.Message { return d.msg }
func (d *delivery) ReceiveCount() int       { return d.count }

func (d *delivery) Ack(context.Context) error {
	return d.q.settle(d.receipt, d.e, func(idx int) {
		d.q.entries = slices.Delete(d.q.entries, idx, idx+1)
	})
}

func (d *delivery) Release(_ context.Context, delay time.Duration) error {
	return d.q.settle(d.receipt, d.e, func(int) {
		d.e.visibleAt = d.q.opts.Now().Add(delay)
		d.q.signal()
	})
}

func (d *delivery) Extend(_ context.Context, dur time.Duration) error {
	return d.q.settle(d.receipt, d.e, func(int) {
		d.e.visibleAt = d.q.opts.Now().Add(dur)
	})
}

var (
	_ broker.Queue  = (*Queue)(nil)
	_ broker.Peeker = (*Queue)(nil)
)
