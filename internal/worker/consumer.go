package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"git.home.luguber.info/inful/eventpipe/internal/broker"
	"git.home.luguber.info/inful/eventpipe/internal/foundation/errors"
	"git.home.luguber.info/inful/eventpipe/internal/logfields"
	"git.home.luguber.info/inful/eventpipe/internal/metrics"
	"git.home.luguber.info/inful/eventpipe/internal/retry"
)

// HandlerFunc handles one delivery. Returning nil acknowledges it.
type HandlerFunc func(ctx context.Context, d broker.Delivery) error

// ConsumerOptions configures a Consumer.
type ConsumerOptions struct {
	Queue   broker.Queue
	Handler HandlerFunc
	// Workers is the number of concurrent receivers.
	Workers int
	// Batch is the receive size per poll.
	Batch int
	// Wait is the long-poll duration.
	Wait time.Duration
	// VisibilityTimeout enables the heartbeat that keeps a running delivery invisible.
	VisibilityTimeout time.Duration
	// Policy yields the release delay from the receive count.
	Policy   retry.Policy
	Recorder metrics.Recorder
}

// Consumer pulls deliveries from a queue with a fixed pool of workers.
type Consumer struct {
	opts     ConsumerOptions
	rec      metrics.Recorder
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewConsumer(o ConsumerOptions) *Consumer {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.Batch <= 0 {
		o.Batch = 1
	}
	if o.Wait <= 0 {
		o.Wait = time.Second
	}
	return &Consumer{opts: o, rec: metrics.OrNoop(o.Recorder), stopChan: make(chan struct{})}
}

// Start launches the workers.
func (c *Consumer) Start(ctx context.Context) {
	slog.Info("Starting consumer", logfields.Queue(c.opts.Queue.Name()), logfields.Count(c.opts.Workers))
	for i := range c.opts.Workers {
		c.wg.Add(1)
		go c.worker(ctx, fmt.Sprintf("%s-%d", c.opts.Queue.Name(), i))
	}
}

// Stop signals the workers and waits for in-flight deliveries to finish.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
	c.wg.Wait()
	slog.Info("Consumer stopped", logfields.Queue(c.opts.Queue.Name()))
}

// Run starts the workers and blocks until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	c.Start(ctx)
	<-ctx.Done()
	c.Stop()
	return nil
}

func (c *Consumer) worker(ctx context.Context, id string) {
	defer c.wg.Done()
	log := slog.With(logfields.Worker(id))
	log.Debug("Consumer worker started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return
		default:
		}

		ds, err := c.opts.Queue.Receive(ctx, c.opts.Batch, c.opts.Wait)
		if err != nil {
			if stderrors.Is(err, broker.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Error("receive failed", logfields.Error(err))
			c.pause(ctx, time.Second)
			continue
		}
		// Every received delivery stays invisible until settled, not only the running one.
		hb := c.heartbeat(ctx, ds, log)
		for i, d := range ds {
			c.process(ctx, d)
			hb.settled(i)
		}
		hb.stop()
	}
}

func (c *Consumer) pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-c.stopChan:
	case <-t.C:
	}
}

// Process runs the handler for d and settles it: ack on success or permanent failure,
// release with backoff otherwise.
func (c *Consumer) Process(ctx context.Context, d broker.Delivery) {
	hb := c.heartbeat(ctx, []broker.Delivery{d}, slog.Default())
	c.process(ctx, d)
	hb.stop()
}

func (c *Consumer) process(ctx context.Context, d broker.Delivery) {
	queue := c.opts.Queue.Name()
	log := slog.With(logfields.Queue(queue), logfields.MessageID(d.Message().ID), logfields.ReceiveCount(d.ReceiveCount()))

	err := c.safeHandle(ctx, d)

	// Settle even when ctx is done so a finished handler is not redelivered.
	sctx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		c.settleAck(sctx, d, log)
	case !errors.IsRetryable(err):
		log.Warn("dropping message after permanent failure", logfields.Error(err))
		c.settleAck(sctx, d, log)
	default:
		delay := c.opts.Policy.Delay(d.ReceiveCount())
		if rerr := d.Release(sctx, delay); rerr != nil {
			log.Warn("release failed, waiting for visibility timeout", logfields.Error(rerr))
		}
		c.rec.IncDelivery(queue, metrics.DeliveryReleased)
		log.Info("message released for retry", logfields.Duration(delay), logfields.Error(err))
	}
}

func (c *Consumer) settleAck(ctx context.Context, d broker.Delivery, log *slog.Logger) {
	if err := d.Ack(ctx); err != nil {
		log.Warn("ack failed", logfields.Error(err))
		return
	}
	c.rec.IncDelivery(c.opts.Queue.Name(), metrics.DeliveryAcked)
}

func (c *Consumer) safeHandle(ctx context.Context, d broker.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewError(errors.CategoryProcessing, fmt.Sprintf("handler panic: %v", r)).Retryable().Build()
		}
	}()
	return c.opts.Handler(ctx, d)
}

// batchHeartbeat extends the visibility of every unsettled delivery of one receive.
type batchHeartbeat struct {
	mu      sync.Mutex
	pending []broker.Delivery
	done    chan struct{}
	wg      sync.WaitGroup
}

// settled stops extending the i-th delivery.
func (h *batchHeartbeat) settled(i int) {
	if h.done == nil {
		return
	}
	h.mu.Lock()
	h.pending[i] = nil
	h.mu.Unlock()
}

func (h *batchHeartbeat) stop() {
	if h.done == nil {
		return
	}
	close(h.done)
	h.wg.Wait()
}

func (h *batchHeartbeat) extendAll(ctx context.Context, vt time.Duration, log *slog.Logger) {
	h.mu.Lock()
	ds := append([]broker.Delivery(nil), h.pending...)
	h.mu.Unlock()
	for i, d := range ds {
		if d == nil {
			continue
		}
		if err := d.Extend(ctx, vt); err != nil {
			log.Warn("visibility extension failed", logfields.MessageID(d.Message().ID), logfields.Error(err))
			h.settled(i)
		}
	}
}

// heartbeat extends the visibility of ds every half timeout until each is settled or stop is called.
func (c *Consumer) heartbeat(ctx context.Context, ds []broker.Delivery, log *slog.Logger) *batchHeartbeat {
	h := &batchHeartbeat{}
	vt := c.opts.VisibilityTimeout
	if vt <= 0 || len(ds) == 0 {
		return h
	}
	h.pending = append([]broker.Delivery(nil), ds...)
	h.done = make(chan struct{})
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(vt / 2)
		defer ticker.Stop()
		for {
			select {
			case <-h.done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.extendAll(ctx, vt, log)
			}
		}
	}()
	return h
}
