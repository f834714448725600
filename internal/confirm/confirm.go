// Package confirm applies confirmations to their records and notifies the originator.
package confirm

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/eventpipe/internal/broker"
	"git.home.luguber.info/inful/eventpipe/internal/event"
	"git.home.luguber.info/inful/eventpipe/internal/eventstore"
	"git.home.luguber.info/inful/eventpipe/internal/foundation/errors"
	"git.home.luguber.info/inful/eventpipe/internal/logfields"
	"git.home.luguber.info/inful/eventpipe/internal/metrics"
)

// Notifier delivers the notices for a confirmation.
type Notifier interface {
	Notify(ctx context.Context, c event.Confirmation) error
}

// Worker handles deliveries from the confirmation queue.
type Worker struct {
	store    eventstore.Store
	notifier Notifier
	rec      metrics.Recorder
	now      func() time.Time
}

func NewWorker(store eventstore.Store, n Notifier, rec metrics.Recorder) *Worker {
	return &Worker{store: store, notifier: n, rec: metrics.OrNoop(rec), now: time.Now}
}

// Handle records the final status and then notifies. The record update is not rolled back
// when notification fails; the redelivery re-applies it idempotently.
func (w *Worker) Handle(ctx context.Context, d broker.Delivery) error {
	var c event.Confirmation
	if err := json.Unmarshal(d.Message().Body, &c); err != nil || c.EventID == "" || !c.Status.Valid() {
		if err == nil {
			err = stderrors.New("missing eventId or invalid status")
		}
		w.rec.IncConfirmation("invalid", metrics.ResultSkipped)
		slog.Error("dropping undecodable confirmation", logfields.MessageID(d.Message().ID), logfields.Error(err))
		return errors.WrapError(err, errors.CategoryValidation, "undecodable confirmation").Build()
	}
	log := slog.With(logfields.EventID(c.EventID), logfields.Status(string(c.Status)), logfields.Source(string(c.Source)))

	err := w.store.ApplyConfirmation(ctx, c.Key(), eventstore.ConfirmationUpdate{
		FinalStatus: c.Status,
		ConfirmedAt: event.FormatTimestamp(w.now()),
		Source:      c.Source,
		Details:     c.Details,
	})
	switch {
	case stderrors.Is(err, eventstore.ErrNotFound):
		w.rec.IncConfirmation(string(c.Status), metrics.ResultSkipped)
		log.Warn("confirmation for unknown record")
		return nil
	case stderrors.Is(err, eventstore.ErrTransitionRejected):
		w.rec.IncConfirmation(string(c.Status), metrics.ResultSkipped)
		log.Info("stale confirmation ignored", logfields.Error(err))
		return nil
	case err != nil:
		w.rec.IncConfirmation(string(c.Status), metrics.ResultFailure)
		return err
	}
	w.rec.IncConfirmation(string(c.Status), metrics.ResultSuccess)

	if err := w.notifier.Notify(ctx, c); err != nil {
		log.Warn("notification failed", logfields.Error(err))
		return err
	}
	log.Info("confirmation applied")
	return nil
}
