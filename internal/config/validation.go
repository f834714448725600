package config

import (
	"git.home.luguber.info/inful/eventpipe/internal/foundation/errors"
)

// Validate checks cross-field constraints after defaults have been applied.
func Validate(cfg *Config) error {
	v := &validator{cfg: cfg}
	for _, step := range []func() error{v.store, v.broker, v.blob, v.worker, v.notify} {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

type validator struct {
	cfg *Config
}

func invalid(field, msg string) error {
	return errors.ConfigError(msg).WithContext("field", field).Build()
}

func (v *validator) store() error {
	switch v.cfg.Store.Driver {
	case StoreSQLite, StoreDynamoDB:
	default:
		return invalid("store.driver", "unknown store driver: "+string(v.cfg.Store.Driver))
	}
	if v.cfg.Ingest.Outbox && v.cfg.Store.Driver != StoreSQLite {
		return invalid("ingest.outbox", "the outbox requires the sqlite store")
	}
	return nil
}

func (v *validator) broker() error {
	b := v.cfg.Broker
	switch b.Driver {
	case BrokerMemory:
	case BrokerNATS:
		if b.NATS.URL == "" {
			return invalid("broker.nats.url", "broker.nats.url is required for the nats broker")
		}
	case BrokerAWS:
		if b.SQS.TopicARN == "" || b.SQS.MainQueueURL == "" || b.SQS.ConfirmationQueueURL == "" {
			return invalid("broker.sqs", "topic_arn, main_queue_url and confirmation_queue_url are required for the aws broker")
		}
	default:
		return invalid("broker.driver", "unknown broker driver: "+string(b.Driver))
	}
	if b.MaxReceiveCount < 1 {
		return invalid("broker.max_receive_count", "max_receive_count must be at least 1")
	}
	return nil
}

func (v *validator) blob() error {
	switch v.cfg.Blob.Driver {
	case BlobFS, BlobS3:
		return nil
	default:
		return invalid("blob.driver", "unknown blob driver: "+string(v.cfg.Blob.Driver))
	}
}

func (v *validator) worker() error {
	w := v.cfg.Worker
	if w.MaxDuration < w.MinDuration {
		return invalid("worker.max_duration", "worker.max_duration must not be below worker.min_duration")
	}
	if w.FailureRate > 1 {
		return invalid("worker.failure_rate", "worker.failure_rate must be within [0, 1]")
	}
	return nil
}

func (v *validator) notify() error {
	n := v.cfg.Notify
	if n.Email.Driver == NotifySES && n.Email.From == "" {
		return invalid("notify.email.from", "notify.email.from is required for ses")
	}
	if n.Urgent.Driver == NotifyKafka && len(n.Urgent.Brokers) == 0 {
		return invalid("notify.urgent.brokers", "notify.urgent.brokers is required for kafka")
	}
	return nil
}
