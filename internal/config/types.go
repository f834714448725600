package config

import "time"

// Config is the complete eventpipe configuration. Every field has a usable default, so an
// empty file (or no file at all) yields a single-process setup backed by sqlite, the
// filesystem and the in-memory broker.
type Config struct {
	Version    string           `yaml:"version"`
	HTTP       HTTPConfig       `yaml:"http"`
	Store      StoreConfig      `yaml:"store"`
	Broker     BrokerConfig     `yaml:"broker"`
	Blob       BlobConfig       `yaml:"blob"`
	AWS        AWSConfig        `yaml:"aws"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Worker     WorkerConfig     `yaml:"worker"`
	Notify     NotifyConfig     `yaml:"notify"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// HTTPConfig configures the ingestion API listener.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	MaxConns        int           `yaml:"max_conns"` // 0 disables the cap
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// StoreConfig selects the event store backend.
type StoreConfig struct {
	Driver      StoreDriver   `yaml:"driver"`
	SQLitePath  string        `yaml:"sqlite_path"`
	DynamoTable string        `yaml:"dynamo_table"`
	Retention   time.Duration `yaml:"retention"` // record TTL
	ListLimit   int           `yaml:"list_limit"`
}

// BrokerConfig selects the topic/queue backend and the delivery contract.
type BrokerConfig struct {
	Driver            BrokerDriver  `yaml:"driver"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	MaxReceiveCount   int           `yaml:"max_receive_count"`
	Retention         time.Duration `yaml:"retention"`
	DLQRetention      time.Duration `yaml:"dlq_retention"`
	WaitTime          time.Duration `yaml:"wait_time"` // long-poll duration per receive

	NATS NATSConfig `yaml:"nats"`
	SQS  SQSConfig  `yaml:"sqs"`
}

// NATSConfig addresses a JetStream deployment.
type NATSConfig struct {
	URL    string `yaml:"url"`
	Stream string `yaml:"stream"`
}

// SQSConfig carries the opaque AWS addresses for the SNS/SQS backend.
type SQSConfig struct {
	TopicARN             string `yaml:"topic_arn"`
	MainQueueURL         string `yaml:"main_queue_url"`
	DLQURL               string `yaml:"dlq_url"`
	ConfirmationQueueURL string `yaml:"confirmation_queue_url"`
	ObjectQueueURL       string `yaml:"object_queue_url"` // S3 object-created notifications
}

// BlobConfig selects where uploaded files are stored.
type BlobConfig struct {
	Driver      BlobDriver `yaml:"driver"`
	Root        string     `yaml:"root"`
	Bucket      string     `yaml:"bucket"`
	WatchPrefix string     `yaml:"watch_prefix"`
}

// AWSConfig is shared by every AWS-backed component.
type AWSConfig struct {
	Region      string `yaml:"region"`
	EndpointURL string `yaml:"endpoint_url"` // localstack and friends
}

// IngestConfig tunes the ingestion service.
type IngestConfig struct {
	Outbox          bool          `yaml:"outbox"`
	WatchDebounce   time.Duration `yaml:"watch_debounce"`
	DefaultFileType string        `yaml:"default_file_type"`
	// PublishAttempts bounds the inline topic publish, first try included.
	PublishAttempts int `yaml:"publish_attempts"`
}

// WorkerConfig tunes the processing and confirmation workers.
type WorkerConfig struct {
	Concurrency        int           `yaml:"concurrency"`
	ConfirmConcurrency int           `yaml:"confirm_concurrency"`
	MinDuration        time.Duration `yaml:"min_duration"`
	MaxDuration        time.Duration `yaml:"max_duration"`
	FailureRate        float64       `yaml:"failure_rate"`
	Retry              RetryConfig   `yaml:"retry"`
}

// RetryConfig configures the delay before a failed delivery becomes visible again.
type RetryConfig struct {
	Backoff RetryBackoffMode `yaml:"backoff"`
	Initial time.Duration    `yaml:"initial"`
	Max     time.Duration    `yaml:"max"`
}

// NotifyConfig routes outgoing notices per channel.
type NotifyConfig struct {
	Email  EmailConfig  `yaml:"email"`
	Urgent UrgentConfig `yaml:"urgent"`
}

type EmailConfig struct {
	Driver NotifyDriver `yaml:"driver"`
	From   string       `yaml:"from"`
	To     []string     `yaml:"to"`
}

type UrgentConfig struct {
	Driver  NotifyDriver `yaml:"driver"`
	Brokers []string     `yaml:"brokers"`
	Topic   string       `yaml:"topic"`
}

// ReconcileConfig drives the periodic jobs.
type ReconcileConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Interval        time.Duration `yaml:"interval"`
	StaleAfter      time.Duration `yaml:"stale_after"`
	Republish       bool          `yaml:"republish"`
	BatchSize       int           `yaml:"batch_size"`
	RelayInterval   time.Duration `yaml:"relay_interval"`
	PurgeInterval   time.Duration `yaml:"purge_interval"`
	OutboxRetention time.Duration `yaml:"outbox_retention"`
}

// MonitoringConfig represents monitoring and observability configuration.
type MonitoringConfig struct {
	Metrics MonitoringMetrics `yaml:"metrics"`
	Logging MonitoringLogging `yaml:"logging"`
}

type MonitoringMetrics struct {
	Disabled bool   `yaml:"disabled"`
	Path     string `yaml:"path"`
}

type MonitoringLogging struct {
	Level  LogLevel  `yaml:"level"`
	Format LogFormat `yaml:"format"`
}
