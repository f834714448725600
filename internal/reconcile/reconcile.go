// Package reconcile runs the periodic maintenance jobs: the outbox relay, the stale-record
// sweep and the retention purge. It never replays the dead-letter queue.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/eventpipe/internal/config"
	"git.home.luguber.info/inful/eventpipe/internal/event"
	"git.home.luguber.info/inful/eventpipe/internal/eventstore"
	"git.home.luguber.info/inful/eventpipe/internal/logfields"
	"git.home.luguber.info/inful/eventpipe/internal/metrics"
)

// StaleStatuses are the statuses a record should not keep for long.
var StaleStatuses = []event.Status{event.StatusCreated, event.StatusUploaded, event.StatusProcessing}

// Republisher publishes a record's message again.
type Republisher interface {
	Republish(ctx context.Context, rec event.Record) error
}

// OutboxRelay publishes pending outbox entries.
type OutboxRelay interface {
	RelayOutbox(ctx context.Context, limit int) (int, error)
}

// Reconciler holds the job bodies. Each job is safe to call directly.
type Reconciler struct {
	store       eventstore.Store
	republisher Republisher
	relay       OutboxRelay
	rec         metrics.Recorder
	cfg         config.ReconcileConfig
	now         func() time.Time
}

func New(store eventstore.Store, republisher Republisher, relay OutboxRelay, cfg config.ReconcileConfig, rec metrics.Recorder) *Reconciler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Reconciler{
		store:       store,
		republisher: republisher,
		relay:       relay,
		rec:         metrics.OrNoop(rec),
		cfg:         cfg,
		now:         time.Now,
	}
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Stale       []event.Record
	Republished int
}

// Sweep finds records stuck before processing finished. They are reported, and republished
// only when configured to.
func (r *Reconciler) Sweep(ctx context.Context) (SweepResult, error) {
	cutoff := r.now().Add(-r.cfg.StaleAfter)
	stale, err := r.store.ListStale(ctx, cutoff, StaleStatuses, r.cfg.BatchSize)
	if err != nil {
		return SweepResult{}, err
	}
	r.rec.SetStaleRecords(len(stale))

	res := SweepResult{Stale: stale}
	for _, rec := range stale {
		slog.Warn("stale event record",
			logfields.EventID(rec.EventID),
			logfields.Timestamp(rec.Timestamp),
			logfields.Status(string(rec.Status)))
		if !r.cfg.Republish || r.republisher == nil {
			continue
		}
		if err := r.republisher.Republish(ctx, rec); err != nil {
			slog.Error("republish failed", logfields.EventID(rec.EventID), logfields.Error(err))
			continue
		}
		res.Republished++
	}
	if len(stale) > 0 {
		slog.Info("stale sweep finished", logfields.Count(len(stale)), slog.Int("republished", res.Republished))
	}
	return res, nil
}

// Relay publishes pending outbox entries.
func (r *Reconciler) Relay(ctx context.Context) (int, error) {
	if r.relay == nil {
		return 0, nil
	}
	n, err := r.relay.RelayOutbox(ctx, r.cfg.BatchSize)
	if n > 0 {
		slog.Info("outbox relayed", logfields.Count(n))
	}
	return n, err
}

// PurgeResult counts removed rows.
type PurgeResult struct {
	Records int64
	Outbox  int64
}

// Purge removes expired records and published outbox history from stores that keep them.
func (r *Reconciler) Purge(ctx context.Context) (PurgeResult, error) {
	var res PurgeResult
	if p, ok := r.store.(eventstore.Purger); ok {
		n, err := p.PurgeExpired(ctx)
		if err != nil {
			return res, err
		}
		res.Records = n
	}
	if ob, ok := r.store.(eventstore.Outbox); ok && r.cfg.OutboxRetention > 0 {
		n, err := ob.PurgeOutbox(ctx, r.now().Add(-r.cfg.OutboxRetention))
		if err != nil {
			return res, err
		}
		res.Outbox = n
	}
	if res.Records > 0 || res.Outbox > 0 {
		slog.Info("retention purge finished", slog.Int64("records", res.Records), slog.Int64("outbox", res.Outbox))
	}
	return res, nil
}
