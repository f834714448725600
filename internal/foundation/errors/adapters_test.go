package errors

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPErrorAdapter(t *testing.T) {
	a := NewHTTPErrorAdapter(nil)

	tests := []struct {
		name   string
		err    error
		status int
		body   string
	}{
		{"validation", ValidationError("Request body is required").Build(), http.StatusBadRequest, `{"error":"Request body is required"}`},
		{"not found", NotFoundError("Event not found").Build(), http.StatusNotFound, `{"error":"Event not found"}`},
		{"store", EventStoreError("Failed to create event").Build(), http.StatusInternalServerError, `{"error":"Failed to create event"}`},
		{"unclassified", errors.New("dial tcp: refused"), http.StatusInternalServerError, `{"error":"internal error"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/events", nil)
			a.WriteErrorResponse(rec, req, tt.err)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.JSONEq(t, tt.body, rec.Body.String())
		})
	}
}

func TestCLIErrorAdapter(t *testing.T) {
	a := NewCLIErrorAdapter(false, nil)

	assert.Equal(t, 0, a.ExitCodeFor(nil))
	assert.Equal(t, 1, a.ExitCodeFor(errors.New("boom")))
	assert.Equal(t, 2, a.ExitCodeFor(ValidationError("bad").Build()))
	assert.Equal(t, 7, a.ExitCodeFor(ConfigError("bad").Build()))
	assert.Equal(t, 8, a.ExitCodeFor(BrokerError("down").Build()))
	assert.Equal(t, 10, a.ExitCodeFor(InternalError("bug").Build()))

	assert.Equal(t, "Error: missing queue url", a.FormatError(ConfigError("missing queue url").Build()))
	assert.Contains(t, a.FormatError(InternalError("bug").Build()), "use -v")
	assert.Equal(t, "Error: boom", a.FormatError(errors.New("boom")))
}
