package notify

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	kgo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/eventpipe/internal/event"
	"git.home.luguber.info/inful/eventpipe/internal/foundation/errors"
)

func TestCompose(t *testing.T) {
	c := event.Confirmation{EventID: "e1", Status: event.StatusCompleted}
	ns := Compose(c)
	require.Len(t, ns, 1)
	assert.Equal(t, ChannelEmail, ns[0].Channel)
	assert.Equal(t, "Your file has been processed successfully", ns[0].Body)

	c.Status = event.StatusProcessed
	assert.Equal(t, "Your file is being processed", Compose(c)[0].Body)

	c.Status = event.StatusError
	ns = Compose(c)
	require.Len(t, ns, 2)
	assert.Equal(t, "There was an error processing your file", ns[0].Body)
	assert.Equal(t, ChannelUrgent, ns[1].Channel)
	assert.Equal(t, "File processing error - please check your email", ns[1].Body)

	c.Status = event.StatusCreated
	assert.Empty(t, Compose(c))
}

type captureSender struct {
	got []Notice
	err error
}

func (c *captureSender) Send(_ context.Context, n Notice) error {
	c.got = append(c.got, n)
	return c.err
}

func TestDispatcherRoutesByChannel(t *testing.T) {
	email, urgent := &captureSender{}, &captureSender{}
	d := NewDispatcher(nil).Register(ChannelEmail, email).Register(ChannelUrgent, urgent)

	require.NoError(t, d.Notify(t.Context(), event.Confirmation{EventID: "e", Status: event.StatusError}))
	assert.Len(t, email.got, 1)
	assert.Len(t, urgent.got, 1)
}

func TestDispatcherSkipsUnregisteredAndWrapsFailures(t *testing.T) {
	email := &captureSender{err: stderrors.New("smtp down")}
	d := NewDispatcher(nil).Register(ChannelEmail, email)

	err := d.Notify(t.Context(), event.Confirmation{EventID: "e", Status: event.StatusCompleted})
	require.Error(t, err)
	ce, ok := errors.AsClassified(err)
	require.True(t, ok)
	assert.Equal(t, errors.CategoryNotification, ce.Category())
	assert.True(t, errors.IsRetryable(err))

	require.NoError(t, NewDispatcher(nil).Notify(t.Context(), event.Confirmation{EventID: "e", Status: event.StatusError}))
}

type stubSES struct{ in *sesv2.SendEmailInput }

func (s *stubSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	s.in = in
	return &sesv2.SendEmailOutput{MessageId: aws.String("m")}, nil
}

func TestSESSender(t *testing.T) {
	_, err := NewSESSender(&stubSES{}, "", []string{"a@example.com"})
	require.Error(t, err)

	client := &stubSES{}
	s, err := NewSESSender(client, "noreply@example.com", []string{"ops@example.com"})
	require.NoError(t, err)
	require.NoError(t, s.Send(t.Context(), Notice{Subject: "subj", Body: "body"}))
	assert.Equal(t, "noreply@example.com", aws.ToString(client.in.FromEmailAddress))
	assert.Equal(t, []string{"ops@example.com"}, client.in.Destination.ToAddresses)
	assert.Equal(t, "body", aws.ToString(client.in.Content.Simple.Body.Text.Data))
}

type stubWriter struct{ msgs []kgo.Message }

func (w *stubWriter) WriteMessages(_ context.Context, msgs ...kgo.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}
func (w *stubWriter) Close() error { return nil }

func TestKafkaSender(t *testing.T) {
	w := &stubWriter{}
	s := NewKafkaSender(w)
	require.NoError(t, s.Send(t.Context(), Notice{Channel: ChannelUrgent, EventID: "e9", Body: "alert"}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "e9", string(w.msgs[0].Key))

	var n Notice
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &n))
	assert.Equal(t, "alert", n.Body)
	require.NoError(t, s.Close())
}

func TestLogSender(t *testing.T) {
	require.NoError(t, LogSender{}.Send(t.Context(), Notice{Channel: ChannelEmail, EventID: "e"}))
}
