// Package awsq carries the topic on SNS and the queues on SQS. Dead-lettering is native: the
// main and object queues carry a redrive policy with maxReceiveCount set on the infrastructure.
package awsq

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"git.home.luguber.info/inful/eventpipe/internal/broker"
	"git.home.luguber.info/inful/eventpipe/internal/foundation/errors"
)

// SQS limits.
const (
	maxBatch       = 10
	maxWaitSeconds = 20
)

// SNSAPI is the subset of the SNS client the topic uses.
type SNSAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SQSAPI is the subset of the SQS client the queues use.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Options names the AWS resources of one deployment.
type Options struct {
	TopicARN             string
	MainQueueURL         string
	DLQURL               string
	ConfirmationQueueURL string
	ObjectQueueURL       string
}

// NewTopology wires the topic and queues. The objects queue is omitted when no URL is set.
func NewTopology(snsClient SNSAPI, sqsClient SQSAPI, o Options) broker.Topology {
	t := broker.Topology{
		Topic:         &Topic{client: snsClient, arn: o.TopicARN},
		Main:          NewQueue(sqsClient, broker.QueueMain, o.MainQueueURL),
		DeadLetter:    NewQueue(sqsClient, broker.QueueDeadLetter, o.DLQURL),
		Confirmations: NewQueue(sqsClient, broker.QueueConfirmations, o.ConfirmationQueueURL),
		Close:         func() error { return nil },
	}
	if o.ObjectQueueURL != "" {
		t.Objects = NewQueue(sqsClient, broker.QueueObjects, o.ObjectQueueURL)
	}
	return t
}

// Topic publishes to an SNS topic.
type Topic struct {
	client SNSAPI
	arn    string
}

func (t *Topic) Publish(ctx context.Context, m broker.Message) error {
	attrs := make(map[string]snstypes.MessageAttributeValue, len(m.Attributes))
	for k, v := range m.Attributes {
		attrs[k] = snstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
	}
	_, err := t.client.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(t.arn),
		Message:           aws.String(string(m.Body)),
		MessageAttributes: attrs,
	})
	if err != nil {
		return errors.WrapError(err, errors.CategoryBroker, "sns publish failed").
			WithContext("topic_arn", t.arn).Retryable().Build()
	}
	return nil
}

// Queue is one SQS queue.
type Queue struct {
	client SQSAPI
	name   string
	url    string
}

func NewQueue(client SQSAPI, name, url string) *Queue {
	return &Queue{client: client, name: name, url: url}
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) Send(ctx context.Context, m broker.Message) error {
	attrs := make(map[string]sqstypes.MessageAttributeValue, len(m.Attributes))
	for k, v := range m.Attributes {
		attrs[k] = sqstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
	}
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(q.url),
		MessageBody:       aws.String(string(m.Body)),
		MessageAttributes: attrs,
	})
	if err != nil {
		return errors.WrapError(err, errors.CategoryBroker, "sqs send failed").
			WithContext("queue", q.name).Retryable().Build()
	}
	return nil
}

// Receive long-polls for up to limit messages; SQS caps both at 10 messages and 20 seconds.
func (q *Queue) Receive(ctx context.Context, limit int, wait time.Duration) ([]broker.Delivery, error) {
	msgs, err := q.receive(ctx, limit, wait, nil)
	if err != nil {
		return nil, err
	}
	out := make([]broker.Delivery, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, &delivery{client: q.client, url: q.url, queue: q.name, raw: m, m: decodeMessage(m)})
	}
	return out, nil
}

// Peek receives with a one second visibility timeout so the messages come back almost at
// once. SQS has no read-only listing, so each peek counts as a receive.
func (q *Queue) Peek(ctx context.Context, limit int) ([]broker.Message, error) {
	peekVisibility := int32(1)
	var out []broker.Message
	seen := map[string]bool{}
	for len(out) < limit {
		msgs, err := q.receive(ctx, limit-len(out), 0, &peekVisibility)
		if err != nil {
			return out, err
		}
		fresh := 0
		for _, m := range msgs {
			id := aws.ToString(m.MessageId)
			if seen[id] {
				continue
			}
			seen[id] = true
			fresh++
			out = append(out, decodeMessage(m))
		}
		if fresh == 0 {
			break
		}
	}
	return out, nil
}

func (q *Queue) receive(ctx context.Context, limit int, wait time.Duration, visibility *int32) ([]sqstypes.Message, error) {
	in := &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(q.url),
		MaxNumberOfMessages:         int32(min(max(limit, 1), maxBatch)),
		WaitTimeSeconds:             int32(min(int(wait/time.Second), maxWaitSeconds)),
		MessageAttributeNames:       []string{"All"},
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{sqstypes.MessageSystemAttributeNameApproximateReceiveCount},
	}
	if visibility != nil {
		in.VisibilityTimeout = *visibility
	}
	out, err := q.client.ReceiveMessage(ctx, in)
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryBroker, "sqs receive failed").
			WithContext("queue", q.name).Retryable().Build()
	}
	return out.Messages, nil
}

type delivery struct {
	client SQSAPI
	url    string
	queue  string
	raw    sqstypes.Message
	m      broker.Message
}

func (d *delivery) Message() broker.Message { return d.m }

func (d *delivery) ReceiveCount() int {
	n, err := strconv.Atoi(d.raw.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func (d *delivery) Ack(ctx context.Context) error {
	_, err := d.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(d.url),
		ReceiptHandle: d.raw.ReceiptHandle,
	})
	if err != nil {
		return errors.WrapError(err, errors.CategoryBroker, "sqs delete failed").
			WithContext("queue", d.queue).Retryable().Build()
	}
	return nil
}

func (d *delivery) Release(ctx context.Context, delay time.Duration) error {
	return d.visibility(ctx, delay)
}

func (d *delivery) Extend(ctx context.Context, dur time.Duration) error {
	return d.visibility(ctx, dur)
}

func (d *delivery) visibility(ctx context.Context, dur time.Duration) error {
	_, err := d.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(d.url),
		ReceiptHandle:     d.raw.ReceiptHandle,
		VisibilityTimeout: int32(max(dur, 0) / time.Second),
	})
	if err != nil {
		return errors.WrapError(err, errors.CategoryBroker, "sqs change visibility failed").
			WithContext("queue", d.queue).Retryable().Build()
	}
	return nil
}

// snsEnvelope is the JSON wrapper SNS adds when raw message delivery is off.
type snsEnvelope struct {
	Type              string `json:"Type"`
	MessageID         string `json:"MessageId"`
	TopicArn          string `json:"TopicArn"`
	Message           string `json:"Message"`
	MessageAttributes map[string]struct {
		Type  string `json:"Type"`
		Value string `json:"Value"`
	} `json:"MessageAttributes"`
}

// decodeMessage unwraps an SNS notification envelope when present.
func decodeMessage(raw sqstypes.Message) broker.Message {
	body := aws.ToString(raw.Body)
	m := broker.Message{
		ID:         aws.ToString(raw.MessageId),
		Body:       []byte(body),
		Attributes: map[string]string{},
	}
	for k, v := range raw.MessageAttributes {
		if v.StringValue != nil {
			m.Attributes[k] = *v.StringValue
		}
	}
	var env snsEnvelope
	if err := json.Unmarshal([]byte(body), &env); err != nil || env.Type != "Notification" || env.TopicArn == "" {
		return m
	}
	m.Body = []byte(env.Message)
	if env.MessageID != "" {
		m.ID = env.MessageID
	}
	for k, v := range env.MessageAttributes {
		m.Attributes[k] = v.Value
	}
	return m
}

var (
	_ broker.Publisher = (*Topic)(nil)
	_ broker.Queue     = (*Queue)(nil)
	_ broker.Peeker    = (*Queue)(nil)
)
