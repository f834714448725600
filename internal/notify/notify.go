// Package notify turns confirmations into user-facing notices and delivers them per channel.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"git.home.luguber.info/inful/eventpipe/internal/event"
	"git.home.luguber.info/inful/eventpipe/internal/foundation/errors"
	"git.home.luguber.info/inful/eventpipe/internal/logfields"
	"git.home.luguber.info/inful/eventpipe/internal/metrics"
)

// Channel names a delivery route.
type Channel string

const (
	ChannelEmail  Channel = "email"
	ChannelUrgent Channel = "urgent"
)

// Notice is one message for one channel.
type Notice struct {
	Channel Channel `json:"channel"`
	EventID string  `json:"eventId"`
	Status  string  `json:"status"`
	Subject string  `json:"subject"`
	Body    string  `json:"body"`
}

// Compose returns the notices a confirmation produces. Unknown statuses produce none.
func Compose(c event.Confirmation) []Notice {
	email := func(body string) Notice {
		return Notice{
			Channel: ChannelEmail,
			EventID: c.EventID,
			Status:  string(c.Status),
			Subject: fmt.Sprintf("Event %s: %s", c.EventID, c.Status),
			Body:    body,
		}
	}
	switch c.Status {
	case event.StatusCompleted:
		return []Notice{email("Your file has been processed successfully")}
	case event.StatusProcessed:
		return []Notice{email("Your file is being processed")}
	case event.StatusError:
		return []Notice{
			email("There was an error processing your file"),
			{
				Channel: ChannelUrgent,
				EventID: c.EventID,
				Status:  string(c.Status),
				Subject: "File processing error",
				Body:    "File processing error - please check your email",
			},
		}
	default:
		return nil
	}
}

// Sender delivers notices for one channel.
type Sender interface {
	Send(ctx context.Context, n Notice) error
}

// Dispatcher routes notices to the sender registered for their channel.
type Dispatcher struct {
	senders map[Channel]Sender
	rec     metrics.Recorder
}

func NewDispatcher(rec metrics.Recorder) *Dispatcher {
	return &Dispatcher{senders: make(map[Channel]Sender), rec: metrics.OrNoop(rec)}
}

// Register sets the sender for ch, replacing any previous one.
func (d *Dispatcher) Register(ch Channel, s Sender) *Dispatcher {
	d.senders[ch] = s
	return d
}

// Notify composes and sends every notice for c. It stops at the first failure so the
// confirmation can be redelivered.
func (d *Dispatcher) Notify(ctx context.Context, c event.Confirmation) error {
	for _, n := range Compose(c) {
		s, ok := d.senders[n.Channel]
		if !ok {
			d.rec.IncNotification(string(n.Channel), metrics.ResultSkipped)
			slog.Debug("no sender for channel", logfields.Channel(string(n.Channel)), logfields.EventID(n.EventID))
			continue
		}
		err := s.Send(ctx, n)
		d.rec.IncNotification(string(n.Channel), metrics.Result(err))
		if err != nil {
			if _, ok := errors.AsClassified(err); ok {
				return err
			}
			return errors.WrapError(err, errors.CategoryNotification, "notification failed").
				WithContext("channel", string(n.Channel)).Retryable().Build()
		}
	}
	return nil
}

// LogSender writes notices to the structured log.
type LogSender struct {
	Logger *slog.Logger
}

func (l LogSender) Send(ctx context.Context, n Notice) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification sent",
		logfields.Channel(string(n.Channel)),
		logfields.EventID(n.EventID),
		logfields.Status(n.Status),
		slog.String("body", n.Body))
	return nil
}
