// Package client calls the eventpipe HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"git.home.luguber.info/inful/eventpipe/internal/foundation/errors"
)

const maxResponseBytes = 5 * 1024 * 1024

// NewHTTPClient creates an HTTP client that refuses cross-host redirects.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) == 0 {
				return nil
			}
			if req.URL.Host != via[0].URL.Host {
				return stderrors.New("redirect to different host blocked")
			}
			if len(via) >= 5 {
				return stderrors.New("too many redirects")
			}
			return nil
		},
	}
}

// Client talks to one eventpipe API.
type Client struct {
	base *url.URL
	http *http.Client
}

// New validates baseURL. A nil httpClient uses NewHTTPClient.
func New(baseURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.ValidationError("API URL must be an absolute http(s) URL").
			WithContext("url", baseURL).Build()
	}
	if httpClient == nil {
		httpClient = NewHTTPClient()
	}
	return &Client{base: u, http: httpClient}, nil
}

// Created is the API's answer to POST /events.
type Created struct {
	Message   string `json:"message"`
	EventID   string `json:"eventId"`
	Timestamp string `json:"timestamp"`
}

// Uploaded is the API's answer to POST /upload.
type Uploaded struct {
	Message   string `json:"message"`
	EventID   string `json:"eventId"`
	FileName  string `json:"fileName"`
	ObjectKey string `json:"objectKey"`
	Timestamp string `json:"timestamp"`
}

// Upload is the body of POST /upload.
type Upload struct {
	FileName    string `json:"fileName"`
	FileContent string `json:"fileContent"`
	FileType    string `json:"fileType,omitempty"`
}

// DeadLetter is one entry of GET /dlq.
type DeadLetter struct {
	MessageID  string            `json:"messageId"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Body       json.RawMessage   `json:"body"`
}

// CreateEvent submits data as a manual event.
func (c *Client) CreateEvent(ctx context.Context, data json.RawMessage) (Created, error) {
	var out Created
	err := c.do(ctx, http.MethodPost, "/events", nil, data, http.StatusCreated, &out)
	return out, err
}

// UploadFile stores a file and records its upload event.
func (c *Client) UploadFile(ctx context.Context, up Upload) (Uploaded, error) {
	body, err := json.Marshal(up)
	if err != nil {
		return Uploaded{}, fmt.Errorf("encode upload: %w", err)
	}
	var out Uploaded
	err = c.do(ctx, http.MethodPost, "/upload", nil, body, http.StatusCreated, &out)
	return out, err
}

// DeadLetters lists up to limit dead-lettered messages.
func (c *Client) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Messages []DeadLetter `json:"messages"`
	}
	err := c.do(ctx, http.MethodGet, "/dlq", q, nil, http.StatusOK, &out)
	return out.Messages, err
}

// Redrive moves up to limit dead-lettered messages back to the main queue.
func (c *Client) Redrive(ctx context.Context, limit int) (int, error) {
	body, _ := json.Marshal(map[string]int{"max": limit})
	var out struct {
		Redriven int `json:"redriven"`
	}
	err := c.do(ctx, http.MethodPost, "/dlq/redrive", nil, body, http.StatusOK, &out)
	return out.Redriven, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, want int, out any) error {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = query.Encode()

	var rd io.Reader = http.NoBody
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.WrapError(err, errors.CategoryNetwork, "request failed").
			WithContext("url", u.String()).Retryable().Build()
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return errors.WrapError(err, errors.CategoryNetwork, "failed to read response").Build()
	}
	if resp.StatusCode != want {
		return statusError(resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.WrapError(err, errors.CategoryNetwork, "unexpected response body").Build()
	}
	return nil
}

// statusError classifies an API error so the CLI exits with a matching code.
func statusError(status int, body []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	msg := http.StatusText(status)
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	var b *errors.ErrorBuilder
	switch {
	case status == http.StatusNotFound:
		b = errors.NotFoundError(msg)
	case status >= 400 && status < 500:
		b = errors.ValidationError(msg)
	default:
		b = errors.NetworkError(msg)
	}
	return b.WithContext("status", status).Build()
}
