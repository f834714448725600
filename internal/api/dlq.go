package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"git.home.luguber.info/inful/eventpipe/internal/broker"
	"git.home.luguber.info/inful/eventpipe/internal/foundation/errors"
	"git.home.luguber.info/inful/eventpipe/internal/logfields"
)

const (
	defaultDLQPeek    = 10
	defaultDLQRedrive = 10
	maxDLQBatch       = 100
)

var (
	errDLQUnavailable = errors.NewError(errors.CategoryBroker, "Dead-letter queue cannot be listed").Build()
	errInvalidLimit   = errors.ValidationError("limit must be a positive integer").Build()
)

// DeadLetterDTO is one dead-lettered message as returned by GET /dlq.
type DeadLetterDTO struct {
	MessageID  string            `json:"messageId"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Body       json.RawMessage   `json:"body"`
}

type deadLettersResponse struct {
	Messages []DeadLetterDTO `json:"messages"`
	Count    int             `json:"count"`
}

type redriveRequest struct {
	Max int `json:"max"`
}

type redriveResponse struct {
	Redriven int `json:"redriven"`
}

func (h *handlers) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	peeker, ok := h.deadLetter.(broker.Peeker)
	if !ok {
		h.adapter.WriteJSON(w, http.StatusNotImplemented, errors.HTTPErrorResponse{Error: errDLQUnavailable.Message()})
		return
	}
	limit, err := limitParam(r, defaultDLQPeek)
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}
	msgs, err := peeker.Peek(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err, "Failed to list dead-letter queue")
		return
	}
	out := make([]DeadLetterDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toDeadLetterDTO(m))
	}
	h.adapter.WriteJSON(w, http.StatusOK, deadLettersResponse{Messages: out, Count: len(out)})
}

func (h *handlers) redrive(w http.ResponseWriter, r *http.Request) {
	if h.deadLetter == nil || h.redriveTo == nil {
		h.adapter.WriteJSON(w, http.StatusNotImplemented, errors.HTTPErrorResponse{Error: "Dead-letter queue cannot be redriven"})
		return
	}
	body, err := h.readBody(w, r)
	if err != nil {
		h.fail(w, r, err, "Failed to redrive messages")
		return
	}
	req := redriveRequest{Max: defaultDLQRedrive}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			h.adapter.WriteErrorResponse(w, r, errors.ValidationError("Request body must be valid JSON").Build())
			return
		}
	}
	if req.Max <= 0 {
		req.Max = defaultDLQRedrive
	}
	req.Max = min(req.Max, maxDLQBatch)

	moved, err := broker.Redrive(r.Context(), h.deadLetter, h.redriveTo, req.Max)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "Redrive stopped early", logfields.Count(moved), logfields.Error(err))
		h.adapter.WriteJSON(w, http.StatusInternalServerError, struct {
			Error    string `json:"error"`
			Redriven int    `json:"redriven"`
		}{Error: "Failed to redrive messages", Redriven: moved})
		return
	}
	h.logger.InfoContext(r.Context(), "Redrove dead-lettered messages", logfields.Count(moved))
	h.adapter.WriteJSON(w, http.StatusOK, redriveResponse{Redriven: moved})
}

func limitParam(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errInvalidLimit
	}
	return min(n, maxDLQBatch), nil
}

// toDeadLetterDTO inlines JSON bodies and quotes anything else.
func toDeadLetterDTO(m broker.Message) DeadLetterDTO {
	body := json.RawMessage(m.Body)
	if !json.Valid(m.Body) {
		body, _ = json.Marshal(string(m.Body))
	}
	return DeadLetterDTO{MessageID: m.ID, Attributes: m.Attributes, Body: body}
}
