// Package worker runs the processing stage and the queue consumer loop shared by every stage.
package worker

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/eventpipe/internal/broker"
	"git.home.luguber.info/inful/eventpipe/internal/event"
	"git.home.luguber.info/inful/eventpipe/internal/eventstore"
	"git.home.luguber.info/inful/eventpipe/internal/foundation/errors"
	"git.home.luguber.info/inful/eventpipe/internal/logfields"
	"git.home.luguber.info/inful/eventpipe/internal/metrics"
)

// Worker handles deliveries from the primary queue: it processes the event, records the
// outcome and reports it on the confirmation queue.
type Worker struct {
	store         eventstore.Store
	confirmations broker.Sender
	processor     Processor
	rec           metrics.Recorder
	now           func() time.Time
}

func NewWorker(store eventstore.Store, confirmations broker.Sender, p Processor, rec metrics.Recorder) *Worker {
	return &Worker{
		store:         store,
		confirmations: confirmations,
		processor:     p,
		rec:           metrics.OrNoop(rec),
		now:           time.Now,
	}
}

// Handle processes one delivery. A returned error leaves the message for redelivery.
func (w *Worker) Handle(ctx context.Context, d broker.Delivery) error {
	raw := d.Message()
	var msg event.Message
	if err := json.Unmarshal(raw.Body, &msg); err != nil || msg.EventID == "" || msg.Timestamp == "" {
		if err == nil {
			err = stderrors.New("missing eventId or timestamp")
		}
		// Retryable so it reaches the dead-letter queue where operators can see it.
		perr := errors.WrapError(err, errors.CategoryProcessing, "undecodable event message").
			WithContext("message_id", raw.ID).Retryable().Build()
		w.confirmError(ctx, event.Key{EventID: raw.ID, Timestamp: event.FormatTimestamp(w.now())}, perr, raw.Body)
		return perr
	}

	log := slog.With(logfields.EventID(msg.EventID), logfields.EventType(string(msg.EventType)), logfields.ReceiveCount(d.ReceiveCount()))
	start := w.now()
	err := w.processor.Process(ctx, msg)
	w.rec.ObserveProcessingDuration(w.now().Sub(start), metrics.Result(err))
	if err == nil {
		err = w.store.MarkProcessed(ctx, msg.Key(), eventstore.ProcessedUpdate{
			Status:      event.StatusCompleted,
			ProcessedAt: event.FormatTimestamp(w.now()),
			Source:      event.SourceSQSProcessor,
		})
		if err != nil {
			// Whatever the store said, the queue must redeliver and eventually dead-letter.
			err = errors.WrapError(err, errors.CategoryProcessing, "failed to record outcome").
				WithContext("event_id", msg.EventID).Retryable().Build()
		}
	}
	if err == nil {
		// The record is COMPLETED; a failed send is retried without touching the record.
		if err := w.confirmCompleted(ctx, msg, start); err != nil {
			log.Warn("failed to send completion confirmation", logfields.Error(err))
			return err
		}
		log.Info("event processed", logfields.Duration(w.now().Sub(start)))
		return nil
	}

	markErr := w.store.MarkProcessed(ctx, msg.Key(), eventstore.ProcessedUpdate{
		Status:      event.StatusError,
		ProcessedAt: event.FormatTimestamp(w.now()),
		Source:      event.SourceSQSProcessor,
		LastError:   errorText(err),
	})
	if stderrors.Is(markErr, eventstore.ErrTransitionRejected) {
		log.Info("event already completed, ignoring failed redelivery", logfields.Error(err))
		return nil
	}
	if markErr != nil {
		log.Warn("failed to record processing error", logfields.Error(markErr))
	}
	w.confirmError(ctx, msg.Key(), err, raw.Body)
	log.Error("event processing failed", logfields.Error(err))
	if !errors.IsRetryable(err) {
		err = errors.WrapError(err, errors.CategoryProcessing, errorText(err)).Retryable().Build()
	}
	return err
}

func (w *Worker) confirmCompleted(ctx context.Context, msg event.Message, start time.Time) error {
	elapsed := w.now().Sub(start)
	if created, perr := event.ParseTimestamp(msg.Timestamp); perr == nil {
		elapsed = w.now().Sub(created)
	}
	details, err := json.Marshal(map[string]any{
		"originalEvent":    msg,
		"message":          completionText(msg),
		"processingTimeMs": elapsed.Milliseconds(),
	})
	if err != nil {
		return errors.WrapError(err, errors.CategoryInternal, "failed to encode confirmation details").Build()
	}
	return w.confirm(ctx, event.Confirmation{
		EventID:   msg.EventID,
		Timestamp: msg.Timestamp,
		Status:    event.StatusCompleted,
		Source:    event.SourceSQSMessageProcessor,
		Details:   details,
	})
}

func completionText(msg event.Message) string {
	if fu, ok := msg.Data.(event.FileUpload); ok && fu.ObjectKey != "" {
		return fmt.Sprintf("File %s processing completed", fu.ObjectKey)
	}
	return fmt.Sprintf("Event %s processing completed", msg.EventID)
}

// confirmError reports a failure. A send failure is only logged; the redelivery reports again.
func (w *Worker) confirmError(ctx context.Context, k event.Key, cause error, original []byte) {
	details, err := json.Marshal(map[string]any{
		"error":           errorText(cause),
		"originalMessage": string(original),
	})
	if err != nil {
		return
	}
	err = w.confirm(ctx, event.Confirmation{
		EventID:   k.EventID,
		Timestamp: k.Timestamp,
		Status:    event.StatusError,
		Source:    event.SourceSQSMessageProcessor,
		Details:   details,
	})
	if err != nil {
		slog.Warn("failed to send error confirmation", logfields.EventID(k.EventID), logfields.Error(err))
	}
}

// errorText is the message stored and reported for err, without classification decoration.
func errorText(err error) string {
	if c, ok := errors.AsClassified(err); ok {
		return c.Message()
	}
	return err.Error()
}

func (w *Worker) confirm(ctx context.Context, c event.Confirmation) error {
	m, err := broker.NewJSONMessage(c, c.Attributes())
	if err != nil {
		return err
	}
	err = w.confirmations.Send(ctx, m)
	w.rec.IncPublished(broker.QueueConfirmations, metrics.Result(err))
	return err
}
