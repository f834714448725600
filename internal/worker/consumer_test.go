package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/eventpipe/internal/broker"
	"git.home.luguber.info/inful/eventpipe/internal/broker/memory"
	"git.home.luguber.info/inful/eventpipe/internal/config"
	"git.home.luguber.info/inful/eventpipe/internal/foundation/errors"
	"git.home.luguber.info/inful/eventpipe/internal/retry"
)

func fastPolicy() retry.Policy {
	return retry.NewPolicy(config.RetryBackoffFixed, time.Millisecond, time.Millisecond, 2)
}

func newQueues() (*memory.Queue, *memory.Queue) {
	dlq := memory.NewQueue(broker.QueueDeadLetter, memory.Options{VisibilityTimeout: time.Minute})
	main := memory.NewQueue(broker.QueueMain, memory.Options{VisibilityTimeout: time.Minute, MaxReceiveCount: 3, DeadLetter: dlq})
	return main, dlq
}

func runConsumer(t *testing.T, o ConsumerOptions) {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	c := NewConsumer(o)
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestConsumerDeadLettersAfterMaxReceiveCount(t *testing.T) {
	main, dlq := newQueues()
	var calls atomic.Int32
	runConsumer(t, ConsumerOptions{
		Queue: main,
		Handler: func(context.Context, broker.Delivery) error {
			calls.Add(1)
			return errors.ProcessingError("always fails").Build()
		},
		Workers: 2,
		Wait:    10 * time.Millisecond,
		Policy:  fastPolicy(),
	})

	require.NoError(t, main.Send(t.Context(), broker.Message{ID: "m1", Body: []byte("{}")}))
	require.Eventually(t, func() bool { return dlq.Len() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
	assert.Zero(t, main.Len())
}

func TestConsumerAcksSuccessAndPermanentFailures(t *testing.T) {
	main, dlq := newQueues()
	var calls atomic.Int32
	runConsumer(t, ConsumerOptions{
		Queue: main,
		Handler: func(_ context.Context, d broker.Delivery) error {
			calls.Add(1)
			if d.Message().ID == "bad" {
				return errors.ValidationError("malformed").Build()
			}
			return nil
		},
		Wait:   10 * time.Millisecond,
		Policy: fastPolicy(),
	})

	require.NoError(t, main.Send(t.Context(), broker.Message{ID: "ok"}))
	require.NoError(t, main.Send(t.Context(), broker.Message{ID: "bad"}))
	require.Eventually(t, func() bool { return main.Len() == 0 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
	assert.Zero(t, dlq.Len())
}

func TestConsumerRecoversHandlerPanics(t *testing.T) {
	main, dlq := newQueues()
	runConsumer(t, ConsumerOptions{
		Queue:   main,
		Handler: func(context.Context, broker.Delivery) error { panic("boom") },
		Wait:    10 * time.Millisecond,
		Policy:  fastPolicy(),
	})

	require.NoError(t, main.Send(t.Context(), broker.Message{ID: "p"}))
	require.Eventually(t, func() bool { return dlq.Len() == 1 }, 5*time.Second, 5*time.Millisecond)
}

func TestConsumerHeartbeatKeepsLongHandlersInvisible(t *testing.T) {
	dlq := memory.NewQueue(broker.QueueDeadLetter, memory.Options{})
	main := memory.NewQueue(broker.QueueMain, memory.Options{VisibilityTimeout: 40 * time.Millisecond, MaxReceiveCount: 3, DeadLetter: dlq})
	var calls atomic.Int32
	runConsumer(t, ConsumerOptions{
		Queue: main,
		Handler: func(ctx context.Context, _ broker.Delivery) error {
			calls.Add(1)
			time.Sleep(150 * time.Millisecond)
			return nil
		},
		Workers:           2,
		Wait:              10 * time.Millisecond,
		VisibilityTimeout: 40 * time.Millisecond,
		Policy:            fastPolicy(),
	})

	require.NoError(t, main.Send(t.Context(), broker.Message{ID: "slow"}))
	require.Eventually(t, func() bool { return main.Len() == 0 && calls.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestConsumerKeepsBatchedDeliveriesInvisible(t *testing.T) {
	dlq := memory.NewQueue(broker.QueueDeadLetter, memory.Options{})
	main := memory.NewQueue(broker.QueueMain, memory.Options{VisibilityTimeout: 40 * time.Millisecond, MaxReceiveCount: 3, DeadLetter: dlq})

	var mu sync.Mutex
	calls := map[string]int{}
	runConsumer(t, ConsumerOptions{
		Queue: main,
		Handler: func(_ context.Context, d broker.Delivery) error {
			mu.Lock()
			calls[d.Message().ID]++
			mu.Unlock()
			time.Sleep(150 * time.Millisecond)
			return nil
		},
		Workers:           3,
		Batch:             2,
		Wait:              10 * time.Millisecond,
		VisibilityTimeout: 40 * time.Millisecond,
		Policy:            fastPolicy(),
	})

	require.NoError(t, main.Send(t.Context(), broker.Message{ID: "a"}))
	require.NoError(t, main.Send(t.Context(), broker.Message{ID: "b"}))
	require.Eventually(t, func() bool { return main.Len() == 0 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{"a": 1, "b": 1}, calls)
	assert.Zero(t, dlq.Len())
}
