package natsq

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/eventpipe/internal/broker"
)

func TestHeadersCarryIDAndAttributes(t *testing.T) {
	m := broker.Message{
		ID:         "m-1",
		Body:       []byte(`{"eventId":"e1"}`),
		Attributes: map[string]string{"eventType": "FILE_UPLOADED", "source": "API"},
	}
	out := toNATS("events.FILE_UPLOADED", m)
	assert.Equal(t, "events.FILE_UPLOADED", out.Subject)

	back := fromNATS(out.Header, out.Data)
	require.Equal(t, "m-1", back.ID)
	assert.Equal(t, m.Body, back.Body)
	assert.Equal(t, m.Attributes, back.Attributes)
}

func TestSubjectToken(t *testing.T) {
	assert.Equal(t, "unknown", subjectToken(""))
	assert.Equal(t, "MANUAL_TRIGGER", subjectToken("MANUAL_TRIGGER"))
	assert.Equal(t, "a_b_c_", subjectToken("a.b*c>"))
}

func TestSubjectMatches(t *testing.T) {
	assert.True(t, subjectMatches("dlq.>", "dlq.main"))
	assert.True(t, subjectMatches("queue.objects", "queue.objects"))
	assert.False(t, subjectMatches("queue.objects", "queue.confirmations"))
	assert.False(t, subjectMatches("events.>", "dlq.main"))
}

type stubPublisher struct {
	err  error
	sent []*nats.Msg
}

func (p *stubPublisher) PublishMsg(_ context.Context, msg *nats.Msg, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.sent = append(p.sent, msg)
	return &jetstream.PubAck{Stream: "EVENTS"}, nil
}

type stubMsg struct {
	header   nats.Header
	data     []byte
	nakDelay time.Duration
	naked    bool
	termed   string
}

func (m *stubMsg) Headers() nats.Header { return m.header }
func (m *stubMsg) Data() []byte         { return m.data }

func (m *stubMsg) NakWithDelay(d time.Duration) error {
	m.naked, m.nakDelay = true, d
	return nil
}

func (m *stubMsg) TermWithReason(reason string) error {
	m.termed = reason
	return nil
}

func overflowing(id string) *stubMsg {
	src := toNATS("queue.main", broker.Message{ID: id, Body: []byte(`{"eventId":"e1"}`)})
	return &stubMsg{header: src.Header, data: src.Data}
}

func TestConsumerConfigLeavesDeliveriesUnlimited(t *testing.T) {
	cfg := consumerConfig("main", "events.>", 30*time.Second)
	assert.Equal(t, "main", cfg.Durable)
	assert.Equal(t, "events.>", cfg.FilterSubject)
	assert.Equal(t, jetstream.AckExplicitPolicy, cfg.AckPolicy)
	assert.Equal(t, 30*time.Second, cfg.AckWait)
	assert.Zero(t, cfg.MaxDeliver)
}

func TestOverLimit(t *testing.T) {
	q := &Queue{maxReceive: 3}
	assert.False(t, q.overLimit(3))
	assert.True(t, q.overLimit(4))
	assert.True(t, q.overLimit(40))

	unlimited := &Queue{}
	assert.False(t, unlimited.overLimit(1000))
}

func TestDeadLetterPublishesAndTerminates(t *testing.T) {
	pub := &stubPublisher{}
	q := &Queue{name: "main", js: pub, dlqSubject: "dlq.main", maxReceive: 3, retryDelay: time.Second}
	msg := overflowing("m-1")

	q.deadLetter(context.Background(), msg)

	require.Len(t, pub.sent, 1)
	assert.Equal(t, "dlq.main", pub.sent[0].Subject)
	assert.Equal(t, "main", pub.sent[0].Header.Get(headerOriginQueue))
	assert.Equal(t, "m-1", fromNATS(pub.sent[0].Header, pub.sent[0].Data).ID)
	assert.NotEmpty(t, msg.termed)
	assert.False(t, msg.naked)
}

func TestFailedDeadLetterIsRedelivered(t *testing.T) {
	pub := &stubPublisher{err: stderrors.New("no responders")}
	q := &Queue{name: "main", js: pub, dlqSubject: "dlq.main", maxReceive: 3, retryDelay: 2 * time.Second}
	msg := overflowing("m-2")

	q.deadLetter(context.Background(), msg)

	assert.Empty(t, msg.termed)
	assert.True(t, msg.naked)
	assert.Equal(t, 2*time.Second, msg.nakDelay)

	// The next delivery is still over the ceiling and the move succeeds once the publish does.
	pub.err = nil
	q.deadLetter(context.Background(), msg)
	require.Len(t, pub.sent, 1)
	assert.NotEmpty(t, msg.termed)
}
