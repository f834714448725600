package notify

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"git.home.luguber.info/inful/eventpipe/internal/foundation/errors"
)

// SESAPI is the subset of the SES v2 client the sender uses.
type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender e-mails notices through Amazon SES.
type SESSender struct {
	client SESAPI
	from   string
	to     []string
}

func NewSESSender(client SESAPI, from string, to []string) (*SESSender, error) {
	if from == "" {
		return nil, errors.ConfigError("ses sender requires a from address").Build()
	}
	if len(to) == 0 {
		return nil, errors.ConfigError("ses sender requires at least one recipient").Build()
	}
	return &SESSender{client: client, from: from, to: to}, nil
}

func (s *SESSender) Send(ctx context.Context, n Notice) error {
	_, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination:      &types.Destination{ToAddresses: s.to},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(n.Subject)},
				Body:    &types.Body{Text: &types.Content{Data: aws.String(n.Body)}},
			},
		},
	})
	if err != nil {
		return errors.WrapError(err, errors.CategoryNotification, "ses send failed").
			WithContext("event_id", n.EventID).Retryable().Build()
	}
	return nil
}
