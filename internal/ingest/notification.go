package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"

	"git.home.luguber.info/inful/eventpipe/internal/broker"
	"git.home.luguber.info/inful/eventpipe/internal/foundation/errors"
	"git.home.luguber.info/inful/eventpipe/internal/logfields"
)

// s3Notification is the body S3 sends to a queue for bucket events.
type s3Notification struct {
	Records []struct {
		EventName string `json:"eventName"`
		S3        struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key  string `json:"key"`
				Size int64  `json:"size"`
				ETag string `json:"eTag"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
	// Event is set on the s3:TestEvent sent when a notification is configured.
	Event string `json:"Event"`
}

// DecodeS3Notification extracts the created objects from an S3 event notification. Keys
// arrive form-encoded: '+' is a space and the rest is percent-decoded.
func DecodeS3Notification(body []byte) ([]ObjectEvent, error) {
	var n s3Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, errors.WrapError(err, errors.CategoryValidation, "invalid object notification").Build()
	}
	out := make([]ObjectEvent, 0, len(n.Records))
	for _, r := range n.Records {
		if r.EventName != "" && !strings.HasPrefix(r.EventName, "ObjectCreated:") {
			continue
		}
		key, err := url.PathUnescape(strings.ReplaceAll(r.S3.Object.Key, "+", " "))
		if err != nil {
			return nil, errors.WrapError(err, errors.CategoryValidation, "invalid object key encoding").
				WithContext("key", r.S3.Object.Key).Build()
		}
		out = append(out, ObjectEvent{
			Bucket: r.S3.Bucket.Name,
			Key:    key,
			Size:   r.S3.Object.Size,
			ETag:   r.S3.Object.ETag,
		})
	}
	return out, nil
}

// HandleObjectNotification ingests every object in a queued notification. Undecodable
// bodies are permanent failures.
func (s *Service) HandleObjectNotification(ctx context.Context, d broker.Delivery) error {
	objs, err := DecodeS3Notification(d.Message().Body)
	if err != nil {
		slog.Error("dropping undecodable object notification", logfields.MessageID(d.Message().ID), logfields.Error(err))
		return err
	}
	for _, obj := range objs {
		if _, err := s.IngestObject(ctx, obj); err != nil {
			return err
		}
	}
	return nil
}
