package confirm

import (
	"context"
	"encoding/json"
	stderrors "errors"
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

type recordingNotifier struct {
	got []event.Confirmation
	err error
}

func (r *recordingNotifier) Notify(_ context.Context, c event.Confirmation) error {
	r.got = append(r.got, c)
	return r.err
}

func setup(t *testing.T) (*eventstore.SQLiteStore, *memory.Queue, event.Record) {
	t.Helper()
	store, err := eventstore.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	now := time.Now()
	rec := event.Record{
		EventID:   "e1",
		Timestamp: event.FormatTimestamp(now),
		EventType: event.TypeManualEvent,
		Source:    event.SourceAPI,
		Status:    event.StatusCompleted,
		Data:      event.Manual{},
		TTL:       event.TTLFor(now, time.Hour),
	}
	require.NoError(t, store.Put(t.Context(), rec))
	return store, memory.NewQueue(broker.QueueConfirmations, memory.Options{VisibilityTimeout: time.Minute}), rec
}

func deliver(t *testing.T, q *memory.Queue, c event.Confirmation) broker.Delivery {
	t.Helper()
	m, err := broker.NewJSONMessage(c, c.Attributes())
	require.NoError(t, err)
	require.NoError(t, q.Send(t.Context(), m))
	ds, err := q.Receive(t.Context(), 1, 0)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	return ds[0]
}

func TestHandleAppliesThenNotifies(t *testing.T) {
	store, q, rec := setup(t)
	n := &recordingNotifier{}
	w := NewWorker(store, n, nil)

	c := event.Confirmation{
		EventID:   rec.EventID,
		Timestamp: rec.Timestamp,
		Status:    event.StatusCompleted,
		Source:    event.SourceSQSMessageProcessor,
		Details:   json.RawMessage(`{"message":"done"}`),
	}
	require.NoError(t, w.Handle(t.Context(), deliver(t, q, c)))

	got, err := store.Get(t.Context(), rec.Key())
	require.NoError(t, err)
	assert.Equal(t, event.StatusCompleted, got.FinalStatus)
	assert.Equal(t, event.SourceSQSMessageProcessor, got.ConfirmationSource)
	assert.NotEmpty(t, got.ConfirmedAt)
	assert.JSONEq(t, `{"message":"done"}`, string(got.ConfirmationDetails))
	require.Len(t, n.got, 1)
}

func TestHandleNotificationFailureKeepsUpdate(t *testing.T) {
	store, q, rec := setup(t)
	n := &recordingNotifier{err: errors.NotificationError("mail down").Build()}
	w := NewWorker(store, n, nil)

	c := event.Confirmation{EventID: rec.EventID, Timestamp: rec.Timestamp, Status: event.StatusCompleted, Source: event.SourceSQSMessageProcessor}
	err := w.Handle(t.Context(), deliver(t, q, c))
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))

	got, err := store.Get(t.Context(), rec.Key())
	require.NoError(t, err)
	assert.Equal(t, event.StatusCompleted, got.FinalStatus)

	// Redelivery re-applies the same confirmation.
	n.err = nil
	require.NoError(t, w.Handle(t.Context(), deliver(t, q, c)))
	assert.Len(t, n.got, 2)
}

func TestHandleUnknownAndStaleConfirmations(t *testing.T) {
	store, q, rec := setup(t)
	n := &recordingNotifier{}
	w := NewWorker(store, n, nil)
	ctx := t.Context()

	unknown := event.Confirmation{EventID: "nope", Timestamp: rec.Timestamp, Status: event.StatusCompleted}
	require.NoError(t, w.Handle(ctx, deliver(t, q, unknown)))

	done := event.Confirmation{EventID: rec.EventID, Timestamp: rec.Timestamp, Status: event.StatusCompleted}
	require.NoError(t, w.Handle(ctx, deliver(t, q, done)))
	stale := event.Confirmation{EventID: rec.EventID, Timestamp: rec.Timestamp, Status: event.StatusProcessed}
	require.NoError(t, w.Handle(ctx, deliver(t, q, stale)))

	got, err := store.Get(ctx, rec.Key())
	require.NoError(t, err)
	assert.Equal(t, event.StatusCompleted, got.FinalStatus)
	require.Len(t, n.got, 1)
	assert.Equal(t, event.StatusCompleted, n.got[0].Status)
}

func TestHandleUndecodableIsPermanent(t *testing.T) {
	store, q, _ := setup(t)
	w := NewWorker(store, &recordingNotifier{}, nil)

	require.NoError(t, q.Send(t.Context(), broker.Message{ID: "x", Body: []byte("nope")}))
	ds, err := q.Receive(t.Context(), 1, 0)
	require.NoError(t, err)

	err = w.Handle(t.Context(), ds[0])
	require.Error(t, err)
	assert.False(t, errors.IsRetryable(err))
	assert.False(t, stderrors.Is(err, eventstore.ErrNotFound))
}
