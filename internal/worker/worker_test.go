package worker

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/eventpipe/internal/broker"
	"git.home.luguber.info/inful/eventpipe/internal/broker/memory"
	"git.home.luguber.info/inful/eventpipe/internal/event"
	"git.home.luguber.info/inful/eventpipe/internal/eventstore"
	"git.home.luguber.info/inful/eventpipe/internal/foundation/errors"
)

type fixture struct {
	store *eventstore.SQLiteStore
	main  *memory.Queue
	conf  *memory.Queue
	rec   event.Record
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := eventstore.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	now := time.Now()
	rec := event.Record{
		EventID:   "evt-1",
		Timestamp: event.FormatTimestamp(now),
		EventType: event.TypeFileUpload,
		Source:    event.SourceAPI,
		Status:    event.StatusUploaded,
		Data:      event.FileUpload{BucketName: "b", ObjectKey: "uploads/evt-1/a.txt", FileName: "a.txt", FileSize: 1},
		TTL:       event.TTLFor(now, time.Hour),
	}
	require.NoError(t, store.Put(t.Context(), rec))

	return &fixture{
		store: store,
		main:  memory.NewQueue(broker.QueueMain, memory.Options{VisibilityTimeout: time.Minute}),
		conf:  memory.NewQueue(broker.QueueConfirmations, memory.Options{VisibilityTimeout: time.Minute}),
		rec:   rec,
	}
}

func (f *fixture) message(t *testing.T) broker.Message {
	t.Helper()
	msg := event.Message{
		EventID:   f.rec.EventID,
		Timestamp: f.rec.Timestamp,
		EventType: event.TypeFileUploaded,
		Source:    event.SourceAPI,
		Data:      f.rec.Data,
	}
	m, err := broker.NewJSONMessage(msg, msg.Attributes())
	require.NoError(t, err)
	return m
}

func deliver(t *testing.T, q *memory.Queue, m broker.Message) broker.Delivery {
	t.Helper()
	require.NoError(t, q.Send(t.Context(), m))
	ds, err := q.Receive(t.Context(), 1, 0)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	return ds[0]
}

func confirmations(t *testing.T, q *memory.Queue) []event.Confirmation {
	t.Helper()
	ms, err := q.Peek(t.Context(), 100)
	require.NoError(t, err)
	out := make([]event.Confirmation, 0, len(ms))
	for _, m := range ms {
		var c event.Confirmation
		require.NoError(t, json.Unmarshal(m.Body, &c))
		out = append(out, c)
	}
	return out
}

var succeed = ProcessorFunc(func(context.Context, event.Message) error { return nil })

func TestHandleSuccess(t *testing.T) {
	f := newFixture(t)
	w := NewWorker(f.store, f.conf, succeed, nil)

	require.NoError(t, w.Handle(t.Context(), deliver(t, f.main, f.message(t))))

	got, err := f.store.Get(t.Context(), f.rec.Key())
	require.NoError(t, err)
	assert.Equal(t, event.StatusCompleted, got.Status)
	assert.Equal(t, event.SourceSQSProcessor, got.Source)
	assert.NotEmpty(t, got.ProcessedAt)

	cs := confirmations(t, f.conf)
	require.Len(t, cs, 1)
	assert.Equal(t, event.StatusCompleted, cs[0].Status)
	assert.Equal(t, event.SourceSQSMessageProcessor, cs[0].Source)
	assert.Equal(t, f.rec.Timestamp, cs[0].Timestamp)

	var details map[string]any
	require.NoError(t, json.Unmarshal(cs[0].Details, &details))
	assert.Equal(t, "File uploads/evt-1/a.txt processing completed", details["message"])
	assert.Contains(t, details, "originalEvent")
	assert.Contains(t, details, "processingTimeMs")
}

func TestHandleFailureRecordsErrorAndReturnsIt(t *testing.T) {
	f := newFixture(t)
	fail := ProcessorFunc(func(context.Context, event.Message) error { return ErrSimulatedFailure })
	w := NewWorker(f.store, f.conf, fail, nil)

	err := w.Handle(t.Context(), deliver(t, f.main, f.message(t)))
	require.ErrorIs(t, err, ErrSimulatedFailure)
	assert.True(t, errors.IsRetryable(err))

	got, err := f.store.Get(t.Context(), f.rec.Key())
	require.NoError(t, err)
	assert.Equal(t, event.StatusError, got.Status)
	assert.Equal(t, "Simulated processing error", got.LastError)

	cs := confirmations(t, f.conf)
	require.Len(t, cs, 1)
	assert.Equal(t, event.StatusError, cs[0].Status)
	var details map[string]any
	require.NoError(t, json.Unmarshal(cs[0].Details, &details))
	assert.Equal(t, "Simulated processing error", details["error"])
	assert.Contains(t, details, "originalMessage")
}

func TestHandleRedeliveryAfterCompletionIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	require.NoError(t, NewWorker(f.store, f.conf, succeed, nil).Handle(ctx, deliver(t, f.main, f.message(t))))

	fail := ProcessorFunc(func(context.Context, event.Message) error { return ErrSimulatedFailure })
	require.NoError(t, NewWorker(f.store, f.conf, fail, nil).Handle(ctx, deliver(t, f.main, f.message(t))))

	got, err := f.store.Get(ctx, f.rec.Key())
	require.NoError(t, err)
	assert.Equal(t, event.StatusCompleted, got.Status)
	assert.Len(t, confirmations(t, f.conf), 1)

	// A successful redelivery rewrites COMPLETED and confirms again.
	require.NoError(t, NewWorker(f.store, f.conf, succeed, nil).Handle(ctx, deliver(t, f.main, f.message(t))))
	got, err = f.store.Get(ctx, f.rec.Key())
	require.NoError(t, err)
	assert.Equal(t, event.StatusCompleted, got.Status)
}

func TestHandleUndecodableMessage(t *testing.T) {
	f := newFixture(t)
	w := NewWorker(f.store, f.conf, succeed, nil)

	err := w.Handle(t.Context(), deliver(t, f.main, broker.Message{ID: "m-bad", Body: []byte("{")}))
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))

	cs := confirmations(t, f.conf)
	require.Len(t, cs, 1)
	assert.Equal(t, "m-bad", cs[0].EventID)
	assert.Equal(t, event.StatusError, cs[0].Status)
}

// failingStore is a Store whose MarkProcessed always fails.
type failingStore struct {
	eventstore.Store
	err   error
	calls atomic.Int32
}

func (s *failingStore) MarkProcessed(context.Context, event.Key, eventstore.ProcessedUpdate) error {
	s.calls.Add(1)
	return s.err
}

func TestHandleStoreFailureConfirmsErrorAndStaysRetryable(t *testing.T) {
	f := newFixture(t)
	outage := errors.EventStoreError("database is locked").Build()
	store := &failingStore{Store: f.store, err: outage}
	w := NewWorker(store, f.conf, succeed, nil)

	err := w.Handle(t.Context(), deliver(t, f.main, f.message(t)))
	require.ErrorIs(t, err, outage)
	assert.True(t, errors.IsRetryable(err))
	assert.Equal(t, int32(2), store.calls.Load(), "COMPLETED then ERROR write attempted")

	cs := confirmations(t, f.conf)
	require.Len(t, cs, 1)
	assert.Equal(t, event.StatusError, cs[0].Status)
	assert.Equal(t, f.rec.Timestamp, cs[0].Timestamp)
}

func TestHandleMissingRecordIsRetryable(t *testing.T) {
	f := newFixture(t)
	w := NewWorker(f.store, f.conf, succeed, nil)
	msg := event.Message{EventID: "missing", Timestamp: "2020-01-01T00:00:00.000Z", EventType: event.TypeManualEvent, Source: event.SourceAPI, Data: event.Manual{}}
	m, err := broker.NewJSONMessage(msg, msg.Attributes())
	require.NoError(t, err)

	err = w.Handle(t.Context(), deliver(t, f.main, m))
	require.ErrorIs(t, err, eventstore.ErrNotFound)
	assert.True(t, errors.IsRetryable(err))
}

func TestMissingRecordIsDeadLettered(t *testing.T) {
	f := newFixture(t)
	main, dlq := newQueues()
	runConsumer(t, ConsumerOptions{
		Queue:   main,
		Handler: NewWorker(f.store, f.conf, succeed, nil).Handle,
		Wait:    10 * time.Millisecond,
		Policy:  fastPolicy(),
	})

	msg := event.Message{EventID: "missing", Timestamp: "2020-01-01T00:00:00.000Z", EventType: event.TypeManualEvent, Source: event.SourceAPI, Data: event.Manual{}}
	m, err := broker.NewJSONMessage(msg, msg.Attributes())
	require.NoError(t, err)
	require.NoError(t, main.Send(t.Context(), m))

	require.Eventually(t, func() bool { return dlq.Len() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Zero(t, main.Len())
}

func TestSimulatedProcessor(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	p := NewSimulatedProcessor(time.Millisecond, 2*time.Millisecond, 0, rng)
	require.NoError(t, p.Process(t.Context(), event.Message{}))

	p = NewSimulatedProcessor(0, 0, 1, rng)
	require.ErrorIs(t, p.Process(t.Context(), event.Message{}), ErrSimulatedFailure)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	p = NewSimulatedProcessor(time.Hour, time.Hour, 0, rng)
	err := p.Process(ctx, event.Message{})
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
}
