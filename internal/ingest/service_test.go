package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/eventpipe/internal/blob"
	"git.home.luguber.info/inful/eventpipe/internal/broker"
	"git.home.luguber.info/inful/eventpipe/internal/broker/memory"
	"git.home.luguber.info/inful/eventpipe/internal/config"
	"git.home.luguber.info/inful/eventpipe/internal/event"
	"git.home.luguber.info/inful/eventpipe/internal/eventstore"
	"git.home.luguber.info/inful/eventpipe/internal/foundation/errors"
	"git.home.luguber.info/inful/eventpipe/internal/retry"
)

type harness struct {
	svc   *Service
	store *eventstore.SQLiteStore
	topo  *memory.Topology
	blobs *blob.FSStore
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	store, err := eventstore.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	blobs, err := blob.NewFSStore(t.TempDir(), "eventpipe-files")
	require.NoError(t, err)

	topo := memory.NewTopology(memory.TopologyOptions{VisibilityTimeout: time.Minute, MaxReceiveCount: 3})
	opts := Options{
		Store:         store,
		Topic:         topo.Topic,
		Confirmations: topo.Confirmations,
		Blobs:         blobs,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return &harness{svc: New(opts), store: store, topo: topo, blobs: blobs}
}

func receiveOne(t *testing.T, q broker.Receiver) (broker.Delivery, event.Message) {
	t.Helper()
	ds, err := q.Receive(t.Context(), 1, 0)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	var m event.Message
	require.NoError(t, json.Unmarshal(ds[0].Message().Body, &m))
	return ds[0], m
}

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(context.Context, broker.Message) error { return f.err }

func TestCreateManualEvent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := t.Context()

	created, err := h.svc.CreateManualEvent(ctx, json.RawMessage(`{"hello":"world"}`))
	require.NoError(t, err)
	require.NotEmpty(t, created.EventID)

	rec, err := h.store.Get(ctx, event.Key{EventID: created.EventID, Timestamp: created.Timestamp})
	require.NoError(t, err)
	assert.Equal(t, event.TypeManualEvent, rec.EventType)
	assert.Equal(t, event.SourceAPI, rec.Source)
	assert.Equal(t, event.StatusCreated, rec.Status)
	assert.Positive(t, rec.TTL)

	d, msg := receiveOne(t, h.topo.Main)
	assert.Equal(t, created.EventID, msg.EventID)
	assert.Equal(t, event.TypeManualEvent, msg.EventType)
	assert.Equal(t, "MANUAL_EVENT", d.Message().Attributes["eventType"])
	manual, ok := msg.Data.(event.Manual)
	require.True(t, ok)
	assert.JSONEq(t, `{"hello":"world"}`, string(manual.Fields))
}

func TestCreateManualEventValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := t.Context()

	_, err := h.svc.CreateManualEvent(ctx, nil)
	require.ErrorIs(t, err, ErrBodyRequired)
	_, err = h.svc.CreateManualEvent(ctx, json.RawMessage(`{not json`))
	require.ErrorIs(t, err, ErrInvalidJSON)

	recs, err := h.store.ListRecent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Zero(t, h.topo.Main.Len())

	_, err = h.svc.CreateManualEvent(ctx, json.RawMessage(`{}`))
	require.NoError(t, err)
}

func TestUploadFile(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.NewID = func() string { return "e-1" } })
	ctx := t.Context()

	up, err := h.svc.UploadFile(ctx, UploadRequest{FileName: "report.txt", FileContent: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "uploads/e-1/report.txt", up.ObjectKey)
	assert.Equal(t, "report.txt", up.FileName)

	obj, err := h.blobs.Get(ctx, up.ObjectKey)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(obj.Data))
	assert.Equal(t, "text/plain", obj.ContentType)
	assert.Equal(t, "e-1", obj.Metadata["eventId"])

	rec, err := h.store.Get(ctx, event.Key{EventID: up.EventID, Timestamp: up.Timestamp})
	require.NoError(t, err)
	assert.Equal(t, event.TypeFileUpload, rec.EventType)
	assert.Equal(t, event.StatusUploaded, rec.Status)
	assert.Equal(t, event.FileUpload{BucketName: "eventpipe-files", ObjectKey: up.ObjectKey, FileName: "report.txt", FileType: "text/plain", FileSize: 5}, rec.Data)

	_, msg := receiveOne(t, h.topo.Main)
	assert.Equal(t, event.TypeFileUploaded, msg.EventType)
	assert.Equal(t, event.SourceAPI, msg.Source)
}

func TestUploadFileValidationHasNoSideEffects(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.NewID = func() string { return "e-2" } })
	ctx := t.Context()

	for _, req := range []UploadRequest{
		{FileContent: "x"},
		{FileName: "a.txt"},
	} {
		_, err := h.svc.UploadFile(ctx, req)
		require.ErrorIs(t, err, ErrFileFieldsRequired)
	}
	_, err := h.svc.UploadFile(ctx, UploadRequest{FileName: "//", FileContent: "x"})
	require.ErrorIs(t, err, ErrInvalidFileName)

	recs, err := h.store.ListRecent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Zero(t, h.topo.Main.Len())
	_, err = h.blobs.Get(ctx, "uploads/e-2/a.txt")
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func TestIngestObject(t *testing.T) {
	h := newHarness(t, nil)
	ctx := t.Context()

	created, err := h.svc.IngestObject(ctx, ObjectEvent{Bucket: "b", Key: "incoming/my file.csv", Size: 42, ETag: "abc"})
	require.NoError(t, err)

	rec, err := h.store.Get(ctx, event.Key{EventID: created.EventID, Timestamp: created.Timestamp})
	require.NoError(t, err)
	assert.Equal(t, event.TypeS3ObjectCreated, rec.EventType)
	assert.Equal(t, event.SourceS3, rec.Source)
	assert.Equal(t, event.StatusProcessing, rec.Status)
	assert.Equal(t, event.ObjectCreated{BucketName: "b", ObjectKey: "incoming/my file.csv", FileSize: 42, ETag: "abc"}, rec.Data)

	_, msg := receiveOne(t, h.topo.Main)
	assert.Equal(t, event.TypeFileUploaded, msg.EventType)
	assert.Equal(t, "my file.csv", msg.Data.(event.FileUpload).FileName)

	ds, err := h.topo.Confirmations.Receive(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	var conf event.Confirmation
	require.NoError(t, json.Unmarshal(ds[0].Message().Body, &conf))
	assert.Equal(t, event.StatusProcessed, conf.Status)
	assert.Equal(t, event.SourceS3EventProcessor, conf.Source)
	assert.Equal(t, created.Timestamp, conf.Timestamp)
	assert.Contains(t, string(conf.Details), "processed successfully")
}

func TestPublishFailureKeepsRecord(t *testing.T) {
	boom := errors.BrokerError("topic down").Build()
	h := newHarness(t, func(o *Options) { o.Topic = failingPublisher{err: boom} })
	ctx := t.Context()

	_, err := h.svc.CreateManualEvent(ctx, json.RawMessage(`{"a":1}`))
	require.ErrorIs(t, err, boom)

	recs, err := h.store.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, event.StatusCreated, recs[0].Status)
}

func TestOutboxRelayPublishesAfterInlineFailure(t *testing.T) {
	pub := &switchPublisher{err: errors.BrokerError("topic down").Build()}
	h := newHarness(t, func(o *Options) { o.UseOutbox = true })
	pub.next = h.topo.Topic
	h.svc.topic = pub
	ctx := t.Context()

	created, err := h.svc.CreateManualEvent(ctx, json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.Zero(t, h.topo.Main.Len())

	pending, err := h.store.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	pub.err = nil
	n, err := h.svc.RelayOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, msg := receiveOne(t, h.topo.Main)
	assert.Equal(t, created.EventID, msg.EventID)

	pending, err = h.store.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

type switchPublisher struct {
	err  error
	next broker.Publisher
}

func (p *switchPublisher) Publish(ctx context.Context, m broker.Message) error {
	if p.err != nil {
		return p.err
	}
	return p.next.Publish(ctx, m)
}

func TestRepublishUsesMessageType(t *testing.T) {
	h := newHarness(t, nil)
	rec := event.Record{
		EventID:   "e",
		Timestamp: event.FormatTimestamp(time.Now()),
		EventType: event.TypeS3ObjectCreated,
		Data:      event.ObjectCreated{BucketName: "b", ObjectKey: "incoming/x.txt", FileSize: 1},
	}
	require.NoError(t, h.svc.Republish(t.Context(), rec))

	_, msg := receiveOne(t, h.topo.Main)
	assert.Equal(t, event.TypeFileUploaded, msg.EventType)
	assert.Equal(t, event.SourceReconciler, msg.Source)
	assert.Equal(t, "x.txt", msg.Data.(event.FileUpload).FileName)
}

func TestConcurrentSubmissionsGetDistinctIDs(t *testing.T) {
	h := newHarness(t, nil)
	ctx := t.Context()

	ids := make(chan string, 5)
	errs := make(chan error, 5)
	for i := range 5 {
		go func() {
			c, err := h.svc.CreateManualEvent(ctx, json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
			errs <- err
			ids <- c.EventID
		}()
	}
	seen := map[string]bool{}
	for range 5 {
		require.NoError(t, <-errs)
		seen[<-ids] = true
	}
	assert.Len(t, seen, 5)
}

func TestSanitizeFileName(t *testing.T) {
	got, err := SanitizeFileName("cafe\u0301.txt")
	require.NoError(t, err)
	assert.Equal(t, "caf\u00e9.txt", got)

	got, err = SanitizeFileName("../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, "..etcpasswd", got)

	_, err = SanitizeFileName(" / ")
	assert.ErrorIs(t, err, ErrInvalidFileName)
}

type failingStore struct {
	eventstore.Store
	err error
}

func (f failingStore) Put(context.Context, event.Record) error { return f.err }

func TestStoreFailurePublishesNothing(t *testing.T) {
	outage := errors.EventStoreError("database is locked").Retryable().Build()
	h := newHarness(t, nil)
	h.svc.store = failingStore{Store: h.store, err: outage}
	ctx := t.Context()

	_, err := h.svc.CreateManualEvent(ctx, json.RawMessage(`{"a":1}`))
	require.ErrorIs(t, err, outage)

	_, err = h.svc.IngestObject(ctx, ObjectEvent{Bucket: "eventpipe-files", Key: "incoming/a.txt", Size: 3})
	require.ErrorIs(t, err, outage)

	assert.Zero(t, h.topo.Main.Len())
	assert.Zero(t, h.topo.Confirmations.Len())
}

type flakyPublisher struct {
	fails int
	err   error
	calls int
	next  broker.Publisher
}

func (p *flakyPublisher) Publish(ctx context.Context, m broker.Message) error {
	p.calls++
	if p.calls <= p.fails {
		return p.err
	}
	return p.next.Publish(ctx, m)
}

func TestPublishRetriesTransientFailures(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.PublishRetry = retry.NewPolicy(config.RetryBackoffFixed, time.Millisecond, time.Millisecond, 2)
	})
	pub := &flakyPublisher{fails: 2, err: errors.BrokerError("throttled").Retryable().Build(), next: h.topo.Topic}
	h.svc.topic = pub

	created, err := h.svc.CreateManualEvent(t.Context(), json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, 3, pub.calls)

	_, msg := receiveOne(t, h.topo.Main)
	assert.Equal(t, created.EventID, msg.EventID)
}

func TestPublishDoesNotRetryPermanentFailures(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.PublishRetry = retry.NewPolicy(config.RetryBackoffFixed, time.Millisecond, time.Millisecond, 2)
	})
	rejected := errors.ValidationError("message too large").Build()
	pub := &flakyPublisher{fails: 5, err: rejected, next: h.topo.Topic}
	h.svc.topic = pub

	_, err := h.svc.CreateManualEvent(t.Context(), json.RawMessage(`{"a":1}`))
	require.ErrorIs(t, err, rejected)
	assert.Equal(t, 1, pub.calls)
	assert.Zero(t, h.topo.Main.Len())
}
