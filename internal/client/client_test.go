package client

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/eventpipe/internal/foundation/errors"
)

func newServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL+"/", nil)
	require.NoError(t, err)
	return c
}

func TestNewRejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "localhost:8080", "ftp://x", "http://"} {
		_, err := New(raw, nil)
		assert.Error(t, err, raw)
	}
}

func TestCreateEvent(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/events", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"k":"v"}`, string(body))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"message":"Event created successfully","eventId":"e-1","timestamp":"2026-01-02T03:04:05.000Z"}`))
	})

	created, err := c.CreateEvent(t.Context(), json.RawMessage(`{"k":"v"}`))
	require.NoError(t, err)
	assert.Equal(t, "e-1", created.EventID)
}

func TestUploadFile(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		var up Upload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&up))
		assert.Equal(t, "a.txt", up.FileName)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Uploaded{EventID: "e-2", FileName: up.FileName, ObjectKey: "uploads/e-2/a.txt"})
	})

	up, err := c.UploadFile(t.Context(), Upload{FileName: "a.txt", FileContent: "x"})
	require.NoError(t, err)
	assert.Equal(t, "uploads/e-2/a.txt", up.ObjectKey)
}

func TestErrorStatusesAreClassified(t *testing.T) {
	tests := []struct {
		status   int
		body     string
		category errors.ErrorCategory
		message  string
	}{
		{http.StatusBadRequest, `{"error":"fileName and fileContent are required"}`, errors.CategoryValidation, "fileName and fileContent are required"},
		{http.StatusNotFound, `{"error":"Endpoint not found"}`, errors.CategoryNotFound, "Endpoint not found"},
		{http.StatusInternalServerError, `oops`, errors.CategoryNetwork, "Internal Server Error"},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.CreateEvent(t.Context(), json.RawMessage(`{}`))
			require.Error(t, err)
			ce, ok := errors.AsClassified(err)
			require.True(t, ok)
			assert.Equal(t, tt.category, ce.Category())
			assert.Equal(t, tt.message, ce.Message())
		})
	}
}

func TestDeadLettersAndRedrive(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/dlq":
			assert.Equal(t, "5", r.URL.Query().Get("limit"))
			_, _ = w.Write([]byte(`{"messages":[{"messageId":"m1","body":{"eventId":"e1"}}],"count":1}`))
		case "/dlq/redrive":
			body, _ := io.ReadAll(r.Body)
			assert.JSONEq(t, `{"max":3}`, string(body))
			_, _ = w.Write([]byte(`{"redriven":2}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	msgs, err := c.DeadLetters(t.Context(), 5)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].MessageID)

	n, err := c.Redrive(t.Context(), 3)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
