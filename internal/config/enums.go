package config

import "strings"

// StoreDriver enumerates event store backends.
type StoreDriver string

const (
	StoreSQLite   StoreDriver = "sqlite"
	StoreDynamoDB StoreDriver = "dynamodb"
)

// NormalizeStoreDriver canonicalizes a driver name (case-insensitive) or returns empty if unknown.
func NormalizeStoreDriver(raw string) StoreDriver {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(StoreSQLite), "sqlite3":
		return StoreSQLite
	case string(StoreDynamoDB), "dynamo":
		return StoreDynamoDB
	default:
		return ""
	}
}

// BrokerDriver enumerates topic/queue backends.
type BrokerDriver string

const (
	BrokerMemory BrokerDriver = "memory"
	BrokerNATS   BrokerDriver = "nats"
	BrokerAWS    BrokerDriver = "aws"
)

func NormalizeBrokerDriver(raw string) BrokerDriver {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(BrokerMemory):
		return BrokerMemory
	case string(BrokerNATS), "jetstream":
		return BrokerNATS
	case string(BrokerAWS), "sqs":
		return BrokerAWS
	default:
		return ""
	}
}

// BlobDriver enumerates object storage backends.
type BlobDriver string

const (
	BlobFS BlobDriver = "fs"
	BlobS3 BlobDriver = "s3"
)

func NormalizeBlobDriver(raw string) BlobDriver {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(BlobFS), "filesystem":
		return BlobFS
	case string(BlobS3):
		return BlobS3
	default:
		return ""
	}
}

// NotifyDriver enumerates notice delivery backends.
type NotifyDriver string

const (
	NotifyLog   NotifyDriver = "log"
	NotifySES   NotifyDriver = "ses"
	NotifyKafka NotifyDriver = "kafka"
)

func NormalizeNotifyDriver(raw string) NotifyDriver {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(NotifyLog):
		return NotifyLog
	case string(NotifySES):
		return NotifySES
	case string(NotifyKafka):
		return NotifyKafka
	default:
		return ""
	}
}

// RetryBackoffMode enumerates supported backoff strategies for retries.
type RetryBackoffMode string

const (
	RetryBackoffFixed       RetryBackoffMode = "fixed"
	RetryBackoffLinear      RetryBackoffMode = "linear"
	RetryBackoffExponential RetryBackoffMode = "exponential"
)

// NormalizeRetryBackoff converts arbitrary user input (case-insensitive) into a typed mode, returning empty string for unknown.
func NormalizeRetryBackoff(raw string) RetryBackoffMode {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(RetryBackoffFixed):
		return RetryBackoffFixed
	case string(RetryBackoffLinear):
		return RetryBackoffLinear
	case string(RetryBackoffExponential):
		return RetryBackoffExponential
	default:
		return ""
	}
}

// LogLevel enumerates supported logging levels.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// NormalizeLogLevel defaults unknown input to info.
func NormalizeLogLevel(raw string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogLevelDebug):
		return LogLevelDebug
	case string(LogLevelWarn), "warning":
		return LogLevelWarn
	case string(LogLevelError):
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// LogFormat enumerates supported log output formats.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

// NormalizeLogFormat defaults unknown input to text.
func NormalizeLogFormat(raw string) LogFormat {
	if strings.EqualFold(strings.TrimSpace(raw), string(LogFormatJSON)) {
		return LogFormatJSON
	}
	return LogFormatText
}
