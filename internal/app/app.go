// Package app assembles the pipeline components selected by the configuration and runs the
// requested roles.
package app

import (
	"context"
	stderrors "errors"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/eventpipe/internal/api"
	"git.home.luguber.info/inful/eventpipe/internal/blob"
	"git.home.luguber.info/inful/eventpipe/internal/broker"
	"git.home.luguber.info/inful/eventpipe/internal/config"
	"git.home.luguber.info/inful/eventpipe/internal/confirm"
	"git.home.luguber.info/inful/eventpipe/internal/eventstore"
	"git.home.luguber.info/inful/eventpipe/internal/foundation/errors"
	"git.home.luguber.info/inful/eventpipe/internal/ingest"
	"git.home.luguber.info/inful/eventpipe/internal/logfields"
	"git.home.luguber.info/inful/eventpipe/internal/metrics"
	"git.home.luguber.info/inful/eventpipe/internal/notify"
	"git.home.luguber.info/inful/eventpipe/internal/reconcile"
	"git.home.luguber.info/inful/eventpipe/internal/retry"
	"git.home.luguber.info/inful/eventpipe/internal/worker"
)

// App holds the shared components. Roles are started with the Run* methods.
type App struct {
	cfg *config.Config

	Store    eventstore.Store
	Topology broker.Topology
	Blobs    blob.Store
	Ingest   *ingest.Service
	Registry *prom.Registry
	Recorder metrics.Recorder

	aws     *awsClients
	rng     *rand.Rand
	closers []func() error
}

// Option customises New, mainly for tests.
type Option func(*buildOptions)

type buildOptions struct {
	store    eventstore.Store
	topology *broker.Topology
	blobs    blob.Store
	rng      *rand.Rand
}

// WithStore replaces the configured event store.
func WithStore(s eventstore.Store) Option { return func(o *buildOptions) { o.store = s } }

// WithTopology replaces the configured broker.
func WithTopology(t broker.Topology) Option { return func(o *buildOptions) { o.topology = &t } }

// WithBlobs replaces the configured blob store.
func WithBlobs(b blob.Store) Option { return func(o *buildOptions) { o.blobs = b } }

// WithRand seeds the simulated processor.
func WithRand(r *rand.Rand) Option { return func(o *buildOptions) { o.rng = r } }

// New builds the store, broker, blob store and ingestion service for cfg. Close releases them.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (a *App, err error) {
	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}

	a = &App{cfg: cfg, Registry: prom.NewRegistry()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()
	a.Recorder = metrics.NoopRecorder{}
	if !cfg.Monitoring.Metrics.Disabled {
		a.Recorder = metrics.NewPrometheusRecorder(a.Registry)
	}

	if needsAWS(cfg) {
		if a.aws, err = loadAWS(ctx, cfg.AWS); err != nil {
			return nil, err
		}
	}

	if a.Store = bo.store; a.Store == nil {
		if a.Store, err = a.openStore(); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.Store.Close)
	}

	if bo.topology != nil {
		a.Topology = *bo.topology
	} else {
		if a.Topology, err = a.openBroker(ctx); err != nil {
			return nil, err
		}
		if a.Topology.Close != nil {
			a.closers = append(a.closers, a.Topology.Close)
		}
	}

	if a.Blobs = bo.blobs; a.Blobs == nil {
		if a.Blobs, err = a.openBlobs(); err != nil {
			return nil, err
		}
	}

	a.Ingest = ingest.New(ingest.Options{
		Store:           a.Store,
		Topic:           a.Topology.Topic,
		Confirmations:   a.Topology.Confirmations,
		Blobs:           a.Blobs,
		Recorder:        a.Recorder,
		Retention:       cfg.Store.Retention,
		DefaultFileType: cfg.Ingest.DefaultFileType,
		UseOutbox:       cfg.Ingest.Outbox,
		PublishRetry:    retry.NewPolicy(config.RetryBackoffExponential, 100*time.Millisecond, time.Second, cfg.Ingest.PublishAttempts-1),
	})
	a.rng = bo.rng
	return a, nil
}

// Close releases every opened resource in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return stderrors.Join(errs...)
}

func (a *App) openStore() (eventstore.Store, error) {
	switch a.cfg.Store.Driver {
	case config.StoreDynamoDB:
		return eventstore.NewDynamoStore(a.aws.dynamo(), a.cfg.Store.DynamoTable), nil
	default:
		return eventstore.NewSQLiteStore(a.cfg.Store.SQLitePath)
	}
}

func (a *App) openBlobs() (blob.Store, error) {
	switch a.cfg.Blob.Driver {
	case config.BlobS3:
		return blob.NewS3Store(a.aws.s3(), a.cfg.Blob.Bucket), nil
	default:
		return blob.NewFSStore(a.cfg.Blob.Root, a.cfg.Blob.Bucket)
	}
}

// Handler returns the HTTP API bound to this app.
func (a *App) Handler() http.Handler {
	return api.NewRouter(api.Options{
		Ingestor:     a.Ingest,
		Store:        a.Store,
		DeadLetter:   a.Topology.DeadLetter,
		RedriveTo:    a.Topology.Main,
		Recorder:     a.Recorder,
		Registry:     a.metricsRegistry(),
		MetricsPath:  a.cfg.Monitoring.Metrics.Path,
		ListLimit:    a.cfg.Store.ListLimit,
		MaxBodyBytes: a.cfg.HTTP.MaxBodyBytes,
	})
}

func (a *App) metricsRegistry() *prom.Registry {
	if a.cfg.Monitoring.Metrics.Disabled {
		return nil
	}
	return a.Registry
}

// RunAPI serves HTTP until ctx is done.
func (a *App) RunAPI(ctx context.Context) error {
	return api.NewServer(a.cfg.HTTP, a.Handler()).Run(ctx)
}

func (a *App) policy() retry.Policy {
	return retry.FromConfig(a.cfg.Worker.Retry, a.cfg.Broker.MaxReceiveCount)
}

// ProcessingConsumer drains the main queue through the processing worker.
func (a *App) ProcessingConsumer() *worker.Consumer {
	w := a.cfg.Worker
	rng := a.rng
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	proc := worker.NewSimulatedProcessor(w.MinDuration, w.MaxDuration, w.FailureRate, rng)
	handler := worker.NewWorker(a.Store, a.Topology.Confirmations, proc, a.Recorder)
	return worker.NewConsumer(worker.ConsumerOptions{
		Queue:             a.Topology.Main,
		Handler:           handler.Handle,
		Workers:           w.Concurrency,
		Batch:             w.Concurrency,
		Wait:              a.cfg.Broker.WaitTime,
		VisibilityTimeout: a.cfg.Broker.VisibilityTimeout,
		Policy:            a.policy(),
		Recorder:          a.Recorder,
	})
}

// RunProcessor runs the processing worker until ctx is done.
func (a *App) RunProcessor(ctx context.Context) error {
	return a.ProcessingConsumer().Run(ctx)
}

// ConfirmationConsumer drains the confirmation queue and dispatches notices.
func (a *App) ConfirmationConsumer() (*worker.Consumer, func() error, error) {
	dispatcher, closeFn, err := a.dispatcher()
	if err != nil {
		return nil, nil, err
	}
	handler := confirm.NewWorker(a.Store, dispatcher, a.Recorder)
	c := worker.NewConsumer(worker.ConsumerOptions{
		Queue:             a.Topology.Confirmations,
		Handler:           handler.Handle,
		Workers:           a.cfg.Worker.ConfirmConcurrency,
		Batch:             a.cfg.Worker.ConfirmConcurrency,
		Wait:              a.cfg.Broker.WaitTime,
		VisibilityTimeout: a.cfg.Broker.VisibilityTimeout,
		Policy:            a.policy(),
		Recorder:          a.Recorder,
	})
	return c, closeFn, nil
}

// RunConfirmer runs the confirmation worker until ctx is done.
func (a *App) RunConfirmer(ctx context.Context) error {
	c, closeFn, err := a.ConfirmationConsumer()
	if err != nil {
		return err
	}
	defer func() {
		if err := closeFn(); err != nil {
			slog.Error("closing notification senders", logfields.Error(err))
		}
	}()
	return c.Run(ctx)
}

// dispatcher registers one sender per channel according to the notify configuration.
func (a *App) dispatcher() (*notify.Dispatcher, func() error, error) {
	d := notify.NewDispatcher(a.Recorder)
	closeFn := func() error { return nil }
	nc := a.cfg.Notify

	switch nc.Email.Driver {
	case config.NotifySES:
		s, err := notify.NewSESSender(a.aws.ses(), nc.Email.From, nc.Email.To)
		if err != nil {
			return nil, nil, err
		}
		d.Register(notify.ChannelEmail, s)
	default:
		d.Register(notify.ChannelEmail, notify.LogSender{})
	}

	switch nc.Urgent.Driver {
	case config.NotifyKafka:
		k := notify.NewKafkaSender(notify.NewKafkaWriter(nc.Urgent.Brokers, nc.Urgent.Topic))
		d.Register(notify.ChannelUrgent, k)
		closeFn = k.Close
	default:
		d.Register(notify.ChannelUrgent, notify.LogSender{})
	}
	return d, closeFn, nil
}

// RunObjects consumes object-created notifications. It returns at once when the broker has
// no object queue.
func (a *App) RunObjects(ctx context.Context) error {
	if a.Topology.Objects == nil {
		slog.Info("broker has no object notification queue, skipping")
		return nil
	}
	return worker.NewConsumer(worker.ConsumerOptions{
		Queue:             a.Topology.Objects,
		Handler:           a.Ingest.HandleObjectNotification,
		Workers:           1,
		Batch:             10,
		Wait:              a.cfg.Broker.WaitTime,
		VisibilityTimeout: a.cfg.Broker.VisibilityTimeout,
		Policy:            a.policy(),
		Recorder:          a.Recorder,
	}).Run(ctx)
}

// RunWatcher ingests files dropped under the watch prefix of the filesystem blob store.
func (a *App) RunWatcher(ctx context.Context) error {
	fs, ok := a.Blobs.(*blob.FSStore)
	if !ok {
		return errors.ConfigError("the watcher needs the filesystem blob driver").
			WithContext("driver", string(a.cfg.Blob.Driver)).Build()
	}
	w, err := ingest.NewWatcher(fs, a.cfg.Blob.WatchPrefix, a.Ingest, a.cfg.Ingest.WatchDebounce)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

// Reconciler builds the sweep, relay and purge jobs.
func (a *App) Reconciler() *reconcile.Reconciler {
	var relay reconcile.OutboxRelay
	if a.cfg.Ingest.Outbox {
		relay = a.Ingest
	}
	return reconcile.New(a.Store, a.Ingest, relay, a.cfg.Reconcile, a.Recorder)
}

// RunScheduler runs the periodic jobs until ctx is done.
func (a *App) RunScheduler(ctx context.Context) error {
	s, err := reconcile.NewScheduler(a.Reconciler())
	if err != nil {
		return err
	}
	return s.Run(ctx)
}
