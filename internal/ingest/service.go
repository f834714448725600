// Package ingest turns client requests and observed objects into durable records and the
// messages that drive the rest of the pipeline. A record is always written before its message
// is published.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"git.home.luguber.info/inful/eventpipe/internal/blob"
	"git.home.luguber.info/inful/eventpipe/internal/broker"
	"git.home.luguber.info/inful/eventpipe/internal/event"
	"git.home.luguber.info/inful/eventpipe/internal/eventstore"
	"git.home.luguber.info/inful/eventpipe/internal/foundation/errors"
	"git.home.luguber.info/inful/eventpipe/internal/logfields"
	"git.home.luguber.info/inful/eventpipe/internal/metrics"
	"git.home.luguber.info/inful/eventpipe/internal/retry"
)

var (
	// ErrBodyRequired rejects an empty manual event submission.
	ErrBodyRequired = errors.ValidationError("Request body is required").Build()
	// ErrInvalidJSON rejects a body that does not parse.
	ErrInvalidJSON = errors.ValidationError("Request body must be valid JSON").Build()
	// ErrFileFieldsRequired rejects an upload without a name or content.
	ErrFileFieldsRequired = errors.ValidationError("fileName and fileContent are required").Build()
	// ErrInvalidFileName rejects names that are empty once separators are stripped.
	ErrInvalidFileName = errors.ValidationError("fileName is not a usable file name").Build()
)

// Created identifies a newly written record.
type Created struct {
	EventID   string `json:"eventId"`
	Timestamp string `json:"timestamp"`
}

// UploadRequest is the body of an upload.
type UploadRequest struct {
	FileName    string `json:"fileName"`
	FileContent string `json:"fileContent"`
	FileType    string `json:"fileType,omitempty"`
}

// Uploaded describes a stored upload.
type Uploaded struct {
	Created
	FileName  string `json:"fileName"`
	ObjectKey string `json:"objectKey"`
}

// ObjectEvent is an object observed in a bucket.
type ObjectEvent struct {
	Bucket string
	Key    string
	Size   int64
	ETag   string
	// Source defaults to S3.
	Source event.Source
}

// Options configures a Service.
type Options struct {
	Store         eventstore.Store
	Topic         broker.Publisher
	Confirmations broker.Sender
	Blobs         blob.Store
	Recorder      metrics.Recorder

	Retention       time.Duration
	DefaultFileType string
	// UseOutbox commits the record and its message in one transaction when the store
	// supports it.
	UseOutbox bool
	// PublishRetry retries transient topic publish failures inline. The zero value tries once.
	PublishRetry retry.Policy

	Now   func() time.Time
	NewID func() string
}

// Service implements every ingestion entry point.
type Service struct {
	store         eventstore.Store
	outbox        eventstore.Outbox
	topic         broker.Publisher
	confirmations broker.Sender
	blobs         blob.Store
	rec           metrics.Recorder
	publishRetry  retry.Policy

	retention       time.Duration
	defaultFileType string
	now             func() time.Time
	newID           func() string
}

// New returns a Service. The outbox is used only when requested and the store implements it.
func New(o Options) *Service {
	s := &Service{
		store:           o.Store,
		topic:           o.Topic,
		confirmations:   o.Confirmations,
		blobs:           o.Blobs,
		rec:             metrics.OrNoop(o.Recorder),
		publishRetry:    o.PublishRetry,
		retention:       o.Retention,
		defaultFileType: o.DefaultFileType,
		now:             o.Now,
		newID:           o.NewID,
	}
	if s.retention <= 0 {
		s.retention = 7 * 24 * time.Hour
	}
	if s.defaultFileType == "" {
		s.defaultFileType = "text/plain"
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = event.NewID
	}
	if o.UseOutbox {
		if ob, ok := o.Store.(eventstore.Outbox); ok {
			s.outbox = ob
		} else {
			slog.Warn("event store has no outbox, publishing directly")
		}
	}
	return s
}

// CreateManualEvent records an arbitrary JSON document as a MANUAL_EVENT.
func (s *Service) CreateManualEvent(ctx context.Context, raw json.RawMessage) (Created, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return Created{}, ErrBodyRequired
	}
	if !json.Valid([]byte(trimmed)) {
		return Created{}, ErrInvalidJSON
	}
	payload := event.Manual{Fields: json.RawMessage(trimmed)}
	rec, msg := s.newEvent(event.TypeManualEvent, event.TypeManualEvent, event.SourceAPI, event.StatusCreated, payload, payload)
	if err := s.commit(ctx, rec, msg); err != nil {
		return Created{}, err
	}
	return Created{EventID: rec.EventID, Timestamp: rec.Timestamp}, nil
}

// UploadFile stores the content and records a FILE_UPLOAD. Validation happens before any
// side effect.
func (s *Service) UploadFile(ctx context.Context, req UploadRequest) (Uploaded, error) {
	if req.FileName == "" || req.FileContent == "" {
		return Uploaded{}, ErrFileFieldsRequired
	}
	name, err := SanitizeFileName(req.FileName)
	if err != nil {
		return Uploaded{}, err
	}
	fileType := req.FileType
	if fileType == "" {
		fileType = s.defaultFileType
	}

	id := s.newID()
	ts := event.FormatTimestamp(s.now())
	key := fmt.Sprintf("uploads/%s/%s", id, name)
	data := []byte(req.FileContent)

	err = s.blobs.Put(ctx, blob.Object{
		Key:         key,
		Data:        data,
		ContentType: fileType,
		Metadata:    map[string]string{"eventId": id, "uploadedAt": ts},
	})
	if err != nil {
		s.rec.IncIngested(string(event.TypeFileUpload), string(event.SourceAPI), metrics.ResultFailure)
		return Uploaded{}, err
	}

	payload := event.FileUpload{
		BucketName: s.blobs.Bucket(),
		ObjectKey:  key,
		FileName:   name,
		FileType:   fileType,
		FileSize:   int64(len(data)),
	}
	rec, msg := s.eventWithID(id, ts, event.TypeFileUpload, event.TypeFileUploaded, event.SourceAPI, event.StatusUploaded, payload, payload)
	if err := s.commit(ctx, rec, msg); err != nil {
		return Uploaded{}, err
	}
	return Uploaded{Created: Created{EventID: id, Timestamp: ts}, FileName: name, ObjectKey: key}, nil
}

// IngestObject records an object that appeared in a bucket, publishes it as FILE_UPLOADED and
// reports the in-progress PROCESSED confirmation.
func (s *Service) IngestObject(ctx context.Context, obj ObjectEvent) (Created, error) {
	key, err := blob.CleanKey(obj.Key)
	if err != nil {
		return Created{}, err
	}
	source := obj.Source
	if source == "" {
		source = event.SourceS3
	}
	record := event.ObjectCreated{BucketName: obj.Bucket, ObjectKey: key, FileSize: obj.Size, ETag: obj.ETag}
	message := event.FileUpload{BucketName: obj.Bucket, ObjectKey: key, FileName: path.Base(key), FileSize: obj.Size}
	rec, msg := s.newEvent(event.TypeS3ObjectCreated, event.TypeFileUploaded, source, event.StatusProcessing, record, message)
	if err := s.commit(ctx, rec, msg); err != nil {
		return Created{}, err
	}

	details, err := json.Marshal(map[string]any{
		"bucketName": obj.Bucket,
		"objectKey":  key,
		"message":    fmt.Sprintf("File %s processed successfully", key),
	})
	if err != nil {
		return Created{}, errors.WrapError(err, errors.CategoryInternal, "failed to encode confirmation details").Build()
	}
	conf := event.Confirmation{
		EventID:   rec.EventID,
		Timestamp: rec.Timestamp,
		Status:    event.StatusProcessed,
		Source:    event.SourceS3EventProcessor,
		Details:   details,
	}
	cm, err := broker.NewJSONMessage(conf, conf.Attributes())
	if err != nil {
		return Created{}, err
	}
	err = s.confirmations.Send(ctx, cm)
	s.rec.IncPublished(broker.QueueConfirmations, metrics.Result(err))
	if err != nil {
		return Created{}, err
	}
	slog.Info("object ingested", logfields.EventID(rec.EventID), logfields.ObjectKey(key), logfields.Bucket(obj.Bucket))
	return Created{EventID: rec.EventID, Timestamp: rec.Timestamp}, nil
}

func (s *Service) newEvent(recType, msgType event.Type, src event.Source, st event.Status, recData, msgData event.Payload) (event.Record, event.Message) {
	return s.eventWithID(s.newID(), event.FormatTimestamp(s.now()), recType, msgType, src, st, recData, msgData)
}

func (s *Service) eventWithID(id, ts string, recType, msgType event.Type, src event.Source, st event.Status, recData, msgData event.Payload) (event.Record, event.Message) {
	created, _ := event.ParseTimestamp(ts)
	rec := event.Record{
		EventID:   id,
		Timestamp: ts,
		EventType: recType,
		Source:    src,
		Status:    st,
		Data:      recData,
		TTL:       event.TTLFor(created, s.retention),
	}
	msg := event.Message{EventID: id, Timestamp: ts, EventType: msgType, Source: src, Data: msgData}
	return rec, msg
}

// commit writes the record and publishes its message.
func (s *Service) commit(ctx context.Context, rec event.Record, msg event.Message) error {
	if s.outbox != nil {
		return s.commitOutbox(ctx, rec, msg)
	}
	if err := s.store.Put(ctx, rec); err != nil {
		s.rec.IncIngested(string(rec.EventType), string(rec.Source), metrics.ResultFailure)
		return err
	}
	s.rec.IncIngested(string(rec.EventType), string(rec.Source), metrics.ResultSuccess)

	if err := s.publishWithRetry(ctx, msg); err != nil {
		slog.Error("publish failed after record write", logfields.EventID(rec.EventID), logfields.Error(err))
		return err
	}
	slog.Info("event created", logfields.EventID(rec.EventID), logfields.EventType(string(rec.EventType)), logfields.Source(string(rec.Source)))
	return nil
}

// commitOutbox stores record and message together and attempts one inline publish. A failed
// publish stays pending for the relay.
func (s *Service) commitOutbox(ctx context.Context, rec event.Record, msg event.Message) error {
	id, err := s.outbox.PutWithOutbox(ctx, rec, msg)
	if err != nil {
		s.rec.IncIngested(string(rec.EventType), string(rec.Source), metrics.ResultFailure)
		return err
	}
	s.rec.IncIngested(string(rec.EventType), string(rec.Source), metrics.ResultSuccess)

	if err := s.publishWithRetry(ctx, msg); err != nil {
		slog.Warn("inline publish failed, left for relay", logfields.EventID(rec.EventID), logfields.Error(err))
		if markErr := s.outbox.MarkOutboxFailed(ctx, id, err); markErr != nil {
			slog.Error("failed to record outbox failure", logfields.EventID(rec.EventID), logfields.Error(markErr))
		}
		return nil
	}
	if err := s.outbox.MarkOutboxPublished(ctx, id, s.now()); err != nil {
		// The relay will publish again; consumers tolerate duplicates.
		slog.Warn("failed to mark outbox entry published", logfields.EventID(rec.EventID), logfields.Error(err))
	}
	slog.Info("event created", logfields.EventID(rec.EventID), logfields.EventType(string(rec.EventType)), logfields.Source(string(rec.Source)))
	return nil
}

func (s *Service) publishWithRetry(ctx context.Context, msg event.Message) error {
	return s.publishRetry.Do(ctx, func(ctx context.Context) error { return s.publish(ctx, msg) })
}

func (s *Service) publish(ctx context.Context, msg event.Message) error {
	bm, err := broker.NewJSONMessage(msg, msg.Attributes())
	if err != nil {
		return err
	}
	err = s.topic.Publish(ctx, bm)
	s.rec.IncPublished("topic", metrics.Result(err))
	return err
}

// Republish publishes a message for an existing record again. The reconciler uses it for
// records that never progressed.
func (s *Service) Republish(ctx context.Context, rec event.Record) error {
	msgType := rec.EventType
	data := rec.Data
	switch p := rec.Data.(type) {
	case event.FileUpload:
		msgType = event.TypeFileUploaded
	case event.ObjectCreated:
		msgType = event.TypeFileUploaded
		data = event.FileUpload{BucketName: p.BucketName, ObjectKey: p.ObjectKey, FileName: path.Base(p.ObjectKey), FileSize: p.FileSize}
	}
	return s.publish(ctx, event.Message{
		EventID:   rec.EventID,
		Timestamp: rec.Timestamp,
		EventType: msgType,
		Source:    event.SourceReconciler,
		Data:      data,
	})
}

// RelayOutbox publishes up to limit pending outbox entries and returns how many succeeded.
// Without an outbox it does nothing.
func (s *Service) RelayOutbox(ctx context.Context, limit int) (int, error) {
	if s.outbox == nil {
		return 0, nil
	}
	pending, err := s.outbox.PendingOutbox(ctx, limit)
	if err != nil {
		return 0, err
	}
	s.rec.SetOutboxPending(len(pending))

	published := 0
	for _, e := range pending {
		if err := ctx.Err(); err != nil {
			return published, err
		}
		var msg event.Message
		if err := json.Unmarshal(e.Body, &msg); err != nil {
			_ = s.outbox.MarkOutboxFailed(ctx, e.ID, err)
			slog.Error("undecodable outbox entry", logfields.EventID(e.Key.EventID), logfields.Error(err))
			continue
		}
		if err := s.publish(ctx, msg); err != nil {
			_ = s.outbox.MarkOutboxFailed(ctx, e.ID, err)
			slog.Warn("outbox relay publish failed", logfields.EventID(e.Key.EventID), logfields.Error(err))
			continue
		}
		if err := s.outbox.MarkOutboxPublished(ctx, e.ID, s.now()); err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}

// SanitizeFileName NFC-normalizes name and strips path separators so it stays one key
// segment.
func SanitizeFileName(name string) (string, error) {
	n := norm.NFC.String(name)
	n = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == 0 {
			return -1
		}
		return r
	}, n)
	n = strings.TrimSpace(n)
	if n == "" || n == "." || n == ".." {
		return "", ErrInvalidFileName
	}
	return n, nil
}
