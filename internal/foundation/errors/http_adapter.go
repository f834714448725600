package errors

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// HTTPErrorAdapter handles error presentation and status code determination for HTTP handlers.
type HTTPErrorAdapter struct {
	logger *slog.Logger
}

// NewHTTPErrorAdapter creates a new HTTP error adapter with an optional slog logger.
// If logger is nil, the default logger will be used.
func NewHTTPErrorAdapter(logger *slog.Logger) *HTTPErrorAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPErrorAdapter{logger: logger}
}

// HTTPErrorResponse is the JSON error payload. Clients only ever see the message.
type HTTPErrorResponse struct {
	Error string `json:"error"`
}

// StatusCodeFor determines the HTTP status code for a given error based on
// its classification. Unknown errors map to 500.
func (a *HTTPErrorAdapter) StatusCodeFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	c, ok := AsClassified(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch c.Category() {
	case CategoryValidation:
		return http.StatusBadRequest
	case CategoryNotFound:
		return http.StatusNotFound
	case CategoryAlreadyExists, CategoryConflict:
		return http.StatusConflict
	case CategoryNetwork:
		return http.StatusBadGateway
	case CategoryRuntime:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteErrorResponse writes a JSON error response and logs with the matching level.
func (a *HTTPErrorAdapter) WriteErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	status := a.StatusCodeFor(err)
	a.WriteJSON(w, status, a.FormatErrorResponse(err))

	attrs := []any{slog.Int("status", status), slog.String("path", r.URL.Path), slog.String("error", err.Error())}
	if c, ok := AsClassified(err); ok {
		attrs = append(attrs, slog.String("category", string(c.Category())))
		a.logger.Log(r.Context(), a.slogLevelFromSeverity(c.Severity()), "request failed", attrs...)
		return
	}
	a.logger.ErrorContext(r.Context(), "request failed", attrs...)
}

// WriteJSON renders v with the given status. Marshal failures fall back to a minimal body.
func (a *HTTPErrorAdapter) WriteJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal error"}`))
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

// FormatErrorResponse converts errors into the canonical error payload.
// Unclassified errors never leak their text.
func (a *HTTPErrorAdapter) FormatErrorResponse(err error) HTTPErrorResponse {
	if err == nil {
		return HTTPErrorResponse{}
	}
	if c, ok := AsClassified(err); ok {
		return HTTPErrorResponse{Error: c.Message()}
	}
	return HTTPErrorResponse{Error: "internal error"}
}

func (a *HTTPErrorAdapter) slogLevelFromSeverity(s ErrorSeverity) slog.Level {
	switch s {
	case SeverityInfo:
		return slog.LevelInfo
	case SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
