package config

import (
	"fmt"
	"time"
)

// DefaultApplier applies defaults for a specific configuration domain.
type DefaultApplier interface {
	ApplyDefaults(cfg *Config) error
	Domain() string
}

// CompositeDefaultApplier applies defaults across all configuration domains.
type CompositeDefaultApplier struct {
	appliers []DefaultApplier
}

// NewDefaultApplier creates a composite default applier with all domain appliers.
func NewDefaultApplier() *CompositeDefaultApplier {
	return &CompositeDefaultApplier{
		appliers: []DefaultApplier{
			&httpDefaults{},
			&storeDefaults{},
			&brokerDefaults{},
			&blobDefaults{},
			&ingestDefaults{},
			&workerDefaults{},
			&notifyDefaults{},
			&reconcileDefaults{},
			&monitoringDefaults{},
		},
	}
}

// ApplyDefaults applies defaults for all configuration domains.
func (c *CompositeDefaultApplier) ApplyDefaults(cfg *Config) error {
	for _, applier := range c.appliers {
		if err := applier.ApplyDefaults(cfg); err != nil {
			return fmt.Errorf("applying defaults for %s: %w", applier.Domain(), err)
		}
	}
	return nil
}

type httpDefaults struct{}

func (httpDefaults) Domain() string { return "http" }

func (httpDefaults) ApplyDefaults(cfg *Config) error {
	h := &cfg.HTTP
	if h.Addr == "" {
		h.Addr = ":8080"
	}
	if h.ReadTimeout <= 0 {
		h.ReadTimeout = 15 * time.Second
	}
	if h.WriteTimeout <= 0 {
		h.WriteTimeout = 30 * time.Second
	}
	if h.ShutdownTimeout <= 0 {
		h.ShutdownTimeout = 10 * time.Second
	}
	if h.MaxBodyBytes <= 0 {
		h.MaxBodyBytes = 10 << 20
	}
	return nil
}

type storeDefaults struct{}

func (storeDefaults) Domain() string { return "store" }

func (storeDefaults) ApplyDefaults(cfg *Config) error {
	s := &cfg.Store
	if d := NormalizeStoreDriver(string(s.Driver)); d != "" {
		s.Driver = d
	} else if s.Driver == "" {
		s.Driver = StoreSQLite
	}
	if s.SQLitePath == "" {
		s.SQLitePath = "eventpipe.db"
	}
	if s.DynamoTable == "" {
		s.DynamoTable = "events"
	}
	if s.Retention <= 0 {
		s.Retention = 7 * 24 * time.Hour
	}
	if s.ListLimit <= 0 {
		s.ListLimit = 50
	}
	return nil
}

type brokerDefaults struct{}

func (brokerDefaults) Domain() string { return "broker" }

func (brokerDefaults) ApplyDefaults(cfg *Config) error {
	b := &cfg.Broker
	if d := NormalizeBrokerDriver(string(b.Driver)); d != "" {
		b.Driver = d
	} else if b.Driver == "" {
		b.Driver = BrokerMemory
	}
	if b.VisibilityTimeout <= 0 {
		b.VisibilityTimeout = 30 * time.Second
	}
	if b.MaxReceiveCount <= 0 {
		b.MaxReceiveCount = 3
	}
	if b.Retention <= 0 {
		b.Retention = 4 * 24 * time.Hour
	}
	if b.DLQRetention <= 0 {
		b.DLQRetention = 14 * 24 * time.Hour
	}
	if b.WaitTime <= 0 {
		b.WaitTime = 5 * time.Second
	}
	if b.NATS.Stream == "" {
		b.NATS.Stream = "EVENTS"
	}
	return nil
}

type blobDefaults struct{}

func (blobDefaults) Domain() string { return "blob" }

func (blobDefaults) ApplyDefaults(cfg *Config) error {
	b := &cfg.Blob
	if d := NormalizeBlobDriver(string(b.Driver)); d != "" {
		b.Driver = d
	} else if b.Driver == "" {
		b.Driver = BlobFS
	}
	if b.Root == "" {
		b.Root = "./data/blobs"
	}
	if b.Bucket == "" {
		b.Bucket = "eventpipe-files"
	}
	if b.WatchPrefix == "" {
		b.WatchPrefix = "incoming/"
	}
	return nil
}

type ingestDefaults struct{}

func (ingestDefaults) Domain() string { return "ingest" }

func (ingestDefaults) ApplyDefaults(cfg *Config) error {
	if cfg.Ingest.WatchDebounce <= 0 {
		cfg.Ingest.WatchDebounce = 500 * time.Millisecond
	}
	if cfg.Ingest.DefaultFileType == "" {
		cfg.Ingest.DefaultFileType = "text/plain"
	}
	if cfg.Ingest.PublishAttempts <= 0 {
		cfg.Ingest.PublishAttempts = 3
	}
	return nil
}

type workerDefaults struct{}

func (workerDefaults) Domain() string { return "worker" }

func (workerDefaults) ApplyDefaults(cfg *Config) error {
	w := &cfg.Worker
	if w.Concurrency <= 0 {
		w.Concurrency = 4
	}
	if w.ConfirmConcurrency <= 0 {
		w.ConfirmConcurrency = 2
	}
	if w.MinDuration <= 0 {
		w.MinDuration = 500 * time.Millisecond
	}
	if w.MaxDuration <= 0 {
		w.MaxDuration = 2500 * time.Millisecond
	}
	if w.FailureRate < 0 {
		w.FailureRate = 0
	}
	if m := NormalizeRetryBackoff(string(w.Retry.Backoff)); m != "" {
		w.Retry.Backoff = m
	} else {
		w.Retry.Backoff = RetryBackoffExponential
	}
	if w.Retry.Initial <= 0 {
		w.Retry.Initial = time.Second
	}
	if w.Retry.Max <= 0 {
		w.Retry.Max = cfg.Broker.VisibilityTimeout
	}
	return nil
}

type notifyDefaults struct{}

func (notifyDefaults) Domain() string { return "notify" }

func (notifyDefaults) ApplyDefaults(cfg *Config) error {
	n := &cfg.Notify
	if d := NormalizeNotifyDriver(string(n.Email.Driver)); d != "" {
		n.Email.Driver = d
	} else if n.Email.Driver == "" {
		n.Email.Driver = NotifyLog
	}
	if d := NormalizeNotifyDriver(string(n.Urgent.Driver)); d != "" {
		n.Urgent.Driver = d
	} else if n.Urgent.Driver == "" {
		n.Urgent.Driver = NotifyLog
	}
	if n.Urgent.Topic == "" {
		n.Urgent.Topic = "eventpipe-alerts"
	}
	return nil
}

type reconcileDefaults struct{}

func (reconcileDefaults) Domain() string { return "reconcile" }

func (reconcileDefaults) ApplyDefaults(cfg *Config) error {
	r := &cfg.Reconcile
	if r.Interval <= 0 {
		r.Interval = 5 * time.Minute
	}
	if r.StaleAfter <= 0 {
		r.StaleAfter = 15 * time.Minute
	}
	if r.BatchSize <= 0 {
		r.BatchSize = 100
	}
	if r.RelayInterval <= 0 {
		r.RelayInterval = 10 * time.Second
	}
	if r.PurgeInterval <= 0 {
		r.PurgeInterval = time.Hour
	}
	if r.OutboxRetention <= 0 {
		r.OutboxRetention = 24 * time.Hour
	}
	return nil
}

type monitoringDefaults struct{}

func (monitoringDefaults) Domain() string { return "monitoring" }

func (monitoringDefaults) ApplyDefaults(cfg *Config) error {
	m := &cfg.Monitoring
	if m.Metrics.Path == "" {
		m.Metrics.Path = "/metrics"
	}
	m.Logging.Level = NormalizeLogLevel(string(m.Logging.Level))
	m.Logging.Format = NormalizeLogFormat(string(m.Logging.Format))
	return nil
}
