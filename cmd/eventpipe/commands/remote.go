package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"git.home.luguber.info/inful/eventpipe/internal/client"
	"git.home.luguber.info/inful/eventpipe/internal/foundation/errors"
)

const requestTimeout = 30 * time.Second

// APIFlags addresses a running eventpipe API.
type APIFlags struct {
	URL string `name:"url" help:"Base URL of the eventpipe API" default:"http://localhost:8080" env:"EVENTPIPE_API_URL"`
}

func (f APIFlags) client() (*client.Client, error) {
	return client.New(f.URL, nil)
}

func requestContext() (context.Context, context.CancelFunc) {
	ctx, stop := signalContext()
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	return ctx, func() { cancel(); stop() }
}

// DLQCmd groups the dead-letter queue commands.
type DLQCmd struct {
	List    DLQListCmd    `cmd:"" help:"List dead-lettered messages without removing them"`
	Redrive DLQRedriveCmd `cmd:"" help:"Move dead-lettered messages back to the main queue"`
}

// DLQListCmd implements 'dlq list'.
type DLQListCmd struct {
	APIFlags `embed:""`
	Limit    int `short:"n" help:"Maximum messages to show" default:"10"`
}

func (d *DLQListCmd) Run(g *Global, _ *CLI) error {
	c, err := d.client()
	if err != nil {
		return err
	}
	ctx, cancel := requestContext()
	defer cancel()

	msgs, err := c.DeadLetters(ctx, d.Limit)
	if err != nil {
		return err
	}
	out := g.out()
	for _, m := range msgs {
		_, _ = fmt.Fprintf(out, "%s\t%s\n", m.MessageID, compact(m.Body))
	}
	_, _ = fmt.Fprintf(out, "%d message(s)\n", len(msgs))
	return nil
}

// DLQRedriveCmd implements 'dlq redrive'.
type DLQRedriveCmd struct {
	APIFlags `embed:""`
	Max      int `short:"n" help:"Maximum messages to move (1-100)" default:"10"`
}

func (d *DLQRedriveCmd) Run(g *Global, _ *CLI) error {
	c, err := d.client()
	if err != nil {
		return err
	}
	ctx, cancel := requestContext()
	defer cancel()

	n, err := c.Redrive(ctx, d.Max)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(g.out(), "redriven %d message(s)\n", n)
	return nil
}

// TriggerCmd implements the 'trigger' command.
type TriggerCmd struct {
	APIFlags `embed:""`
	Type     string `short:"t" help:"Sample payload kind" enum:"MANUAL_EVENT,CLICK_EVENT" default:"MANUAL_EVENT"`
	Data     string `short:"d" help:"JSON object merged over the sample payload"`
}

func (t *TriggerCmd) Run(g *Global, _ *CLI) error {
	payload, err := samplePayload(t.Type, t.Data, time.Now().UTC())
	if err != nil {
		return err
	}
	c, err := t.client()
	if err != nil {
		return err
	}
	ctx, cancel := requestContext()
	defer cancel()

	created, err := c.CreateEvent(ctx, payload)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(g.out(), "%s\n  eventId:   %s\n  timestamp: %s\n", created.Message, created.EventID, created.Timestamp)
	return nil
}

// samplePayload builds the data submitted by 'trigger'. Keys in custom replace sample keys.
func samplePayload(kind, custom string, now time.Time) (json.RawMessage, error) {
	ts := now.Format(time.RFC3339Nano)
	var data map[string]any
	switch kind {
	case "CLICK_EVENT":
		data = map[string]any{
			"type":      kind,
			"elementId": "cta-button",
			"pageUrl":   "/",
			"sessionId": fmt.Sprintf("session-%d", now.UnixMilli()),
			"clickTime": ts,
			"userAgent": "eventpipe-cli",
		}
	default:
		data = map[string]any{
			"type":        kind,
			"description": "Manual event triggered from the command line",
			"priority":    "MEDIUM",
			"timestamp":   ts,
		}
	}
	if strings.TrimSpace(custom) != "" {
		var extra map[string]any
		if err := json.Unmarshal([]byte(custom), &extra); err != nil {
			return nil, errors.ValidationError("--data must be a JSON object").WithCause(err).Build()
		}
		for k, v := range extra {
			data[k] = v
		}
	}
	return json.Marshal(data)
}

// UploadCmd implements the 'upload' command.
type UploadCmd struct {
	APIFlags `embed:""`
	Path     string `arg:"" optional:"" help:"File to upload; a generated test file when omitted" type:"existingfile"`
	FileType string `name:"file-type" help:"Content type recorded with the upload"`
}

func (u *UploadCmd) Run(g *Global, _ *CLI) error {
	up, err := u.request(time.Now().UTC())
	if err != nil {
		return err
	}
	c, err := u.client()
	if err != nil {
		return err
	}
	ctx, cancel := requestContext()
	defer cancel()

	res, err := c.UploadFile(ctx, up)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(g.out(), "%s\n  eventId:   %s\n  objectKey: %s\n  timestamp: %s\n",
		res.Message, res.EventID, res.ObjectKey, res.Timestamp)
	return nil
}

func (u *UploadCmd) request(now time.Time) (client.Upload, error) {
	if u.Path == "" {
		return client.Upload{
			FileName:    fmt.Sprintf("test-file-%d.txt", now.UnixMilli()),
			FileContent: fmt.Sprintf("This is a test file uploaded at %s\nContent for testing the event pipeline.", now.Format(time.RFC3339)),
			FileType:    firstNonEmpty(u.FileType, "text/plain"),
		}, nil
	}
	data, err := os.ReadFile(u.Path)
	if err != nil {
		return client.Upload{}, errors.WrapError(err, errors.CategoryValidation, "failed to read upload file").
			WithContext("path", u.Path).Build()
	}
	return client.Upload{
		FileName:    filepath.Base(u.Path),
		FileContent: string(data),
		FileType:    u.FileType,
	}, nil
}

func firstNonEmpty(v ...string) string {
	for _, s := range v {
		if s != "" {
			return s
		}
	}
	return ""
}

func compact(raw json.RawMessage) string {
	var v any
	if json.Unmarshal(raw, &v) != nil {
		return string(raw)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(b)
}
