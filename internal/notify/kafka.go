package notify

import (
	"context"
	"encoding/json"
	"time"

	kgo "github.com/segmentio/kafka-go"

	"git.home.luguber.info/inful/eventpipe/internal/foundation/errors"
)

// MessageWriter is the part of a kafka-go Writer the sender uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// KafkaSender publishes notices as JSON to an alert topic, keyed by event id.
type KafkaSender struct {
	writer  MessageWriter
	timeout time.Duration
	now     func() time.Time
}

// NewKafkaWriter builds the writer for the alert topic.
func NewKafkaWriter(brokers []string, topic string) *kgo.Writer {
	return &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kgo.LeastBytes{},
		RequiredAcks: kgo.RequireOne,
	}
}

func NewKafkaSender(w MessageWriter) *KafkaSender {
	return &KafkaSender{writer: w, timeout: 3 * time.Second, now: time.Now}
}

func (k *KafkaSender) Send(ctx context.Context, n Notice) error {
	b, err := json.Marshal(n)
	if err != nil {
		return errors.WrapError(err, errors.CategoryInternal, "failed to encode notice").Build()
	}
	cctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	err = k.writer.WriteMessages(cctx, kgo.Message{Key: []byte(n.EventID), Value: b, Time: k.now()})
	if err != nil {
		return errors.WrapError(err, errors.CategoryNotification, "kafka write failed").
			WithContext("event_id", n.EventID).Retryable().Build()
	}
	return nil
}

func (k *KafkaSender) Close() error { return k.writer.Close() }
