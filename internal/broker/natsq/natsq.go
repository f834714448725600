// Package natsq carries the topic and queues on NATS JetStream.
//
// Layout: stream <name> holds topic subjects events.<eventType> and is read by the durable
// "main" consumer; stream <name>_QUEUES is a work queue for queue.confirmations and
// queue.objects; stream <name>_DLQ is a work queue for dlq.<queue>. Consumers acknowledge
// explicitly with AckWait set to the visibility timeout.
package natsq

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"git.home.luguber.info/inful/eventpipe/internal/broker"
	"git.home.luguber.info/inful/eventpipe/internal/foundation/errors"
	"git.home.luguber.info/inful/eventpipe/internal/logfields"
)

const (
	headerMessageID   = "Eventpipe-Msg-Id"
	headerAttrPrefix  = "Eventpipe-Attr-"
	headerOriginQueue = "Eventpipe-Origin-Queue"

	subjectConfirmations = "queue.confirmations"
	subjectObjects       = "queue.objects"
)

// Options configures the JetStream topology.
type Options struct {
	URL               string
	Stream            string
	VisibilityTimeout time.Duration
	MaxReceiveCount   int
	Retention         time.Duration
	DLQRetention      time.Duration
}

// Client owns the connection and the streams.
type Client struct {
	conn *nats.Conn
	js   jetstream.JetStream
	opts Options

	events jetstream.Stream
	queues jetstream.Stream
	dlq    jetstream.Stream
}

// Connect dials NATS and creates or updates the streams.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	conn, err := nats.Connect(opts.URL, nats.Name("eventpipe"))
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryBroker, "failed to connect to NATS").
			WithContext("url", opts.URL).Retryable().Build()
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, errors.WrapError(err, errors.CategoryBroker, "failed to create JetStream context").Build()
	}
	c := &Client{conn: conn, js: js, opts: opts}
	if err := c.initStreams(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	slog.Info("NATS broker initialized", slog.String("url", opts.URL), slog.String("stream", opts.Stream))
	return c, nil
}

func (c *Client) initStreams(ctx context.Context) error {
	specs := []struct {
		target *jetstream.Stream
		cfg    jetstream.StreamConfig
	}{
		{&c.events, jetstream.StreamConfig{
			Name:        c.opts.Stream,
			Description: "eventpipe topic",
			Subjects:    []string{"events.>"},
			Retention:   jetstream.LimitsPolicy,
			MaxAge:      c.opts.Retention,
		}},
		{&c.queues, jetstream.StreamConfig{
			Name:        c.opts.Stream + "_QUEUES",
			Description: "eventpipe point-to-point queues",
			Subjects:    []string{"queue.>"},
			Retention:   jetstream.WorkQueuePolicy,
			MaxAge:      c.opts.Retention,
		}},
		{&c.dlq, jetstream.StreamConfig{
			Name:        c.opts.Stream + "_DLQ",
			Description: "eventpipe dead letters",
			Subjects:    []string{"dlq.>"},
			Retention:   jetstream.WorkQueuePolicy,
			MaxAge:      c.opts.DLQRetention,
		}},
	}
	for _, s := range specs {
		stream, err := c.js.CreateOrUpdateStream(ctx, s.cfg)
		if err != nil {
			return errors.WrapError(err, errors.CategoryBroker, "failed to create stream").
				WithContext("stream", s.cfg.Name).Build()
		}
		*s.target = stream
	}
	return nil
}

// Topology creates the durable consumers and returns the backend-neutral bundle.
func (c *Client) Topology(ctx context.Context) (broker.Topology, error) {
	dlq, err := c.queue(ctx, c.dlq, broker.QueueDeadLetter, "dlq.>", "dlq."+broker.QueueDeadLetter, 0)
	if err != nil {
		return broker.Topology{}, err
	}
	main, err := c.queue(ctx, c.events, broker.QueueMain, "events.>", "events.redrive", c.opts.MaxReceiveCount)
	if err != nil {
		return broker.Topology{}, err
	}
	conf, err := c.queue(ctx, c.queues, broker.QueueConfirmations, subjectConfirmations, subjectConfirmations, 0)
	if err != nil {
		return broker.Topology{}, err
	}
	objects, err := c.queue(ctx, c.queues, broker.QueueObjects, subjectObjects, subjectObjects, c.opts.MaxReceiveCount)
	if err != nil {
		return broker.Topology{}, err
	}
	return broker.Topology{
		Topic:         &Topic{js: c.js},
		Main:          main,
		DeadLetter:    dlq,
		Confirmations: conf,
		Objects:       objects,
		Close:         c.Close,
	}, nil
}

func (c *Client) queue(ctx context.Context, stream jetstream.Stream, name, filter, sendSubject string, maxReceive int) (*Queue, error) {
	cfg := consumerConfig(name, filter, c.opts.VisibilityTimeout)
	cons, err := stream.CreateOrUpdateConsumer(ctx, cfg)
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryBroker, "failed to create consumer").
			WithContext("consumer", name).Build()
	}
	return &Queue{
		name:        name,
		js:          c.js,
		stream:      stream,
		consumer:    cons,
		filter:      filter,
		sendSubject: sendSubject,
		maxReceive:  maxReceive,
		dlqSubject:  "dlq." + name,
		retryDelay:  c.opts.VisibilityTimeout,
	}, nil
}

// consumerConfig leaves MaxDeliver unlimited. The receive ceiling is enforced in Receive, so a
// message whose dead-letter publish failed is still redelivered and moved on a later fetch.
func consumerConfig(name, filter string, ackWait time.Duration) jetstream.ConsumerConfig {
	return jetstream.ConsumerConfig{
		Durable:       name,
		FilterSubject: filter,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}
}

// Close drains the connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Drain()
}

// Topic publishes to events.<eventType>.
type Topic struct {
	js jetstream.JetStream
}

// Publish waits for the stream acknowledgement.
func (t *Topic) Publish(ctx context.Context, m broker.Message) error {
	subject := "events." + subjectToken(m.Attributes["eventType"])
	if _, err := t.js.PublishMsg(ctx, toNATS(subject, m)); err != nil {
		return errors.WrapError(err, errors.CategoryBroker, "failed to publish message").
			WithContext("subject", subject).Retryable().Build()
	}
	return nil
}

type publisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// overflowMsg is the part of jetstream.Msg the dead-letter move needs.
type overflowMsg interface {
	Headers() nats.Header
	Data() []byte
	NakWithDelay(delay time.Duration) error
	TermWithReason(reason string) error
}

// Queue is a durable pull consumer plus the subject its Send publishes to.
type Queue struct {
	name        string
	js          publisher
	stream      jetstream.Stream
	consumer    jetstream.Consumer
	filter      string
	sendSubject string
	dlqSubject  string
	maxReceive  int
	retryDelay  time.Duration
}

func (q *Queue) Name() string { return q.name }

// Send publishes to the queue's subject.
func (q *Queue) Send(ctx context.Context, m broker.Message) error {
	if _, err := q.js.PublishMsg(ctx, toNATS(q.sendSubject, m)); err != nil {
		return errors.WrapError(err, errors.CategoryBroker, "failed to send message").
			WithContext("queue", q.name).Retryable().Build()
	}
	return nil
}

// Receive fetches up to limit messages. Deliveries past the receive ceiling are moved to the
// dead-letter subject and terminated instead of being returned.
func (q *Queue) Receive(ctx context.Context, limit int, wait time.Duration) ([]broker.Delivery, error) {
	if limit <= 0 {
		limit = 1
	}
	var (
		batch jetstream.MessageBatch
		err   error
	)
	if wait > 0 {
		batch, err = q.consumer.Fetch(limit, jetstream.FetchMaxWait(wait))
	} else {
		batch, err = q.consumer.FetchNoWait(limit)
	}
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryBroker, "failed to fetch messages").
			WithContext("queue", q.name).Retryable().Build()
	}

	var out []broker.Delivery
	for msg := range batch.Messages() {
		meta, err := msg.Metadata()
		if err != nil {
			_ = msg.Nak()
			continue
		}
		count := int(meta.NumDelivered)
		if q.overLimit(count) {
			q.deadLetter(ctx, msg)
			continue
		}
		out = append(out, &delivery{msg: msg, m: fromNATS(msg.Headers(), msg.Data()), count: count})
	}
	if err := batch.Error(); err != nil && !isFetchTimeout(err) {
		return out, errors.WrapError(err, errors.CategoryBroker, "fetch failed").
			WithContext("queue", q.name).Retryable().Build()
	}
	return out, nil
}

func (q *Queue) overLimit(count int) bool {
	return q.maxReceive > 0 && count > q.maxReceive
}

// deadLetter publishes msg to the dead-letter subject and terminates it. When the publish
// fails the message is naked so the server redelivers it and the move is tried again.
func (q *Queue) deadLetter(ctx context.Context, msg overflowMsg) {
	m := fromNATS(msg.Headers(), msg.Data())
	out := toNATS(q.dlqSubject, m)
	out.Header.Set(headerOriginQueue, q.name)
	if _, err := q.js.PublishMsg(ctx, out); err != nil {
		slog.Error("dead-letter publish failed", logfields.Queue(q.name), logfields.MessageID(m.ID), logfields.Error(err))
		if err := msg.NakWithDelay(q.retryDelay); err != nil {
			slog.Warn("nak after failed dead-letter failed", logfields.Queue(q.name), logfields.MessageID(m.ID), logfields.Error(err))
		}
		return
	}
	if err := msg.TermWithReason("max receive count exceeded"); err != nil {
		slog.Warn("terminate after dead-letter failed", logfields.Queue(q.name), logfields.MessageID(m.ID), logfields.Error(err))
	}
	slog.Warn("message dead-lettered", logfields.Queue(q.name), logfields.MessageID(m.ID))
}

// Peek reads stored messages directly from the stream without consuming them.
func (q *Queue) Peek(ctx context.Context, limit int) ([]broker.Message, error) {
	info, err := q.stream.Info(ctx)
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryBroker, "failed to read stream info").Build()
	}
	var out []broker.Message
	for seq := info.State.FirstSeq; seq <= info.State.LastSeq && len(out) < limit && seq > 0; seq++ {
		raw, err := q.stream.GetMsg(ctx, seq)
		if stderrors.Is(err, jetstream.ErrMsgNotFound) {
			continue
		}
		if err != nil {
			return out, errors.WrapError(err, errors.CategoryBroker, "failed to read message").Build()
		}
		if !subjectMatches(q.filter, raw.Subject) {
			continue
		}
		out = append(out, fromNATS(raw.Header, raw.Data))
	}
	return out, nil
}

type delivery struct {
	msg   jetstream.Msg
	m     broker.Message
	count int
}

func (d *delivery) Message() broker.Message { return d.m }
func (d *delivery) ReceiveCount() int       { return d.count }

// Ack waits for the server to confirm so an acknowledged message is never redelivered.
func (d *delivery) Ack(ctx context.Context) error {
	if err := d.msg.DoubleAck(ctx); err != nil {
		return errors.WrapError(err, errors.CategoryBroker, "ack failed").Retryable().Build()
	}
	return nil
}

func (d *delivery) Release(_ context.Context, delay time.Duration) error {
	var err error
	if delay > 0 {
		err = d.msg.NakWithDelay(delay)
	} else {
		err = d.msg.Nak()
	}
	if err != nil {
		return errors.WrapError(err, errors.CategoryBroker, "nak failed").Retryable().Build()
	}
	return nil
}

// Extend resets the ack deadline to a full AckWait; JetStream does not take a duration.
func (d *delivery) Extend(context.Context, time.Duration) error {
	if err := d.msg.InProgress(); err != nil {
		return errors.WrapError(err, errors.CategoryBroker, "in-progress failed").Retryable().Build()
	}
	return nil
}

func toNATS(subject string, m broker.Message) *nats.Msg {
	out := nats.NewMsg(subject)
	out.Data = m.Body
	out.Header.Set(headerMessageID, m.ID)
	for k, v := range m.Attributes {
		out.Header.Set(headerAttrPrefix+k, v)
	}
	return out
}

func fromNATS(h nats.Header, data []byte) broker.Message {
	m := broker.Message{Body: data, Attributes: map[string]string{}}
	for k, vs := range h {
		if len(vs) == 0 {
			continue
		}
		switch {
		case k == headerMessageID:
			m.ID = vs[0]
		case strings.HasPrefix(k, headerAttrPrefix):
			m.Attributes[strings.TrimPrefix(k, headerAttrPrefix)] = vs[0]
		}
	}
	return m
}

// subjectToken makes s safe as a single subject token.
func subjectToken(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}

func subjectMatches(filter, subject string) bool {
	if filter == "" || filter == subject {
		return true
	}
	if prefix, ok := strings.CutSuffix(filter, ">"); ok {
		return strings.HasPrefix(subject, prefix)
	}
	return false
}

func isFetchTimeout(err error) bool {
	return stderrors.Is(err, nats.ErrTimeout) || stderrors.Is(err, context.DeadlineExceeded)
}

var (
	_ broker.Publisher = (*Topic)(nil)
	_ broker.Queue     = (*Queue)(nil)
	_ broker.Peeker    = (*Queue)(nil)
)

// String aids debugging output.
func (q *Queue) String() string { return fmt.Sprintf("natsq.Queue(%s)", q.name) }
