package api

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"git.home.luguber.info/inful/eventpipe/internal/event"
	"git.home.luguber.info/inful/eventpipe/internal/foundation/errors"
	"git.home.luguber.info/inful/eventpipe/internal/ingest"
)

var (
	errBodyTooLarge  = errors.ValidationError("Request body is too large").Build()
	errEventNotFound = errors.NotFoundError("Event not found").Build()
)

type createdResponse struct {
	Message   string `json:"message"`
	EventID   string `json:"eventId"`
	Timestamp string `json:"timestamp"`
}

type uploadedResponse struct {
	Message   string `json:"message"`
	EventID   string `json:"eventId"`
	FileName  string `json:"fileName"`
	ObjectKey string `json:"objectKey"`
	Timestamp string `json:"timestamp"`
}

type eventsResponse struct {
	Events []event.Record `json:"events"`
	Count  int            `json:"count"`
}

func (h *handlers) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			return nil, errBodyTooLarge
		}
		return nil, errors.WrapError(err, errors.CategoryValidation, "Failed to read request body").Build()
	}
	return body, nil
}

func (h *handlers) createEvent(w http.ResponseWriter, r *http.Request) {
	body, err := h.readBody(w, r)
	if err != nil {
		h.fail(w, r, err, "Failed to create event")
		return
	}
	created, err := h.ingestor.CreateManualEvent(r.Context(), body)
	if err != nil {
		h.fail(w, r, err, "Failed to create event")
		return
	}
	h.adapter.WriteJSON(w, http.StatusCreated, createdResponse{
		Message:   "Event created successfully",
		EventID:   created.EventID,
		Timestamp: created.Timestamp,
	})
}

func (h *handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.ListRecent(r.Context(), h.listLimit)
	if err != nil {
		h.fail(w, r, err, "Failed to get events")
		return
	}
	h.writeEvents(w, records)
}

func (h *handlers) getEvent(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.ListByEventID(r.Context(), chi.URLParam(r, "eventId"))
	if err != nil {
		h.fail(w, r, err, "Failed to get events")
		return
	}
	if len(records) == 0 {
		h.adapter.WriteErrorResponse(w, r, errEventNotFound)
		return
	}
	h.writeEvents(w, records)
}

func (h *handlers) writeEvents(w http.ResponseWriter, records []event.Record) {
	if records == nil {
		records = []event.Record{}
	}
	h.adapter.WriteJSON(w, http.StatusOK, eventsResponse{Events: records, Count: len(records)})
}

func (h *handlers) uploadFile(w http.ResponseWriter, r *http.Request) {
	body, err := h.readBody(w, r)
	if err != nil {
		h.fail(w, r, err, "Failed to upload file")
		return
	}
	if len(body) == 0 {
		h.fail(w, r, ingest.ErrBodyRequired, "Failed to upload file")
		return
	}
	var req ingest.UploadRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.fail(w, r, ingest.ErrInvalidJSON, "Failed to upload file")
		return
	}
	up, err := h.ingestor.UploadFile(r.Context(), req)
	if err != nil {
		h.fail(w, r, err, "Failed to upload file")
		return
	}
	h.adapter.WriteJSON(w, http.StatusCreated, uploadedResponse{
		Message:   "File uploaded successfully",
		EventID:   up.EventID,
		FileName:  up.FileName,
		ObjectKey: up.ObjectKey,
		Timestamp: up.Timestamp,
	})
}
