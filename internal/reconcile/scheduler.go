package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"git.home.luguber.info/inful/eventpipe/internal/logfields"
)

// Scheduler wraps a gocron scheduler running the reconciler's jobs.
type Scheduler struct {
	scheduler gocron.Scheduler
	r         *Reconciler
}

// NewScheduler creates the scheduler; call Schedule to register the jobs.
func NewScheduler(r *Reconciler) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &Scheduler{scheduler: s, r: r}, nil
}

// Schedule registers every job with a positive interval. The sweep runs only when enabled.
// Jobs never overlap with themselves.
func (s *Scheduler) Schedule(ctx context.Context) error {
	cfg := s.r.cfg
	jobs := []struct {
		name     string
		interval time.Duration
		enabled  bool
		run      func(context.Context) error
	}{
		{"outbox-relay", cfg.RelayInterval, s.r.relay != nil, func(ctx context.Context) error {
			_, err := s.r.Relay(ctx)
			return err
		}},
		{"stale-sweep", cfg.Interval, cfg.Enabled, func(ctx context.Context) error {
			_, err := s.r.Sweep(ctx)
			return err
		}},
		{"retention-purge", cfg.PurgeInterval, true, func(ctx context.Context) error {
			_, err := s.r.Purge(ctx)
			return err
		}},
	}
	for _, j := range jobs {
		if !j.enabled || j.interval <= 0 {
			continue
		}
		_, err := s.scheduler.NewJob(
			gocron.DurationJob(j.interval),
			gocron.NewTask(func() { s.execute(ctx, j.name, j.run) }),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("failed to schedule %s: %w", j.name, err)
		}
		slog.Info("Scheduled job", logfields.Job(j.name), logfields.Duration(j.interval))
	}
	return nil
}

func (s *Scheduler) execute(ctx context.Context, name string, run func(context.Context) error) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	if err := run(ctx); err != nil {
		slog.Error("Scheduled job failed", logfields.Job(name), logfields.Error(err))
		return
	}
	slog.Debug("Scheduled job finished", logfields.Job(name), logfields.Duration(time.Since(start)))
}

// JobCount reports the registered jobs.
func (s *Scheduler) JobCount() int { return len(s.scheduler.Jobs()) }

// Run starts the scheduler and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Schedule(ctx); err != nil {
		return err
	}
	slog.Info("Starting scheduler")
	s.scheduler.Start()
	<-ctx.Done()
	slog.Info("Stopping scheduler")
	return s.scheduler.Shutdown()
}
