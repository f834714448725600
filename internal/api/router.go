// Package api serves the ingestion and operator HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/eventpipe/internal/broker"
	"git.home.luguber.info/inful/eventpipe/internal/eventstore"
	"git.home.luguber.info/inful/eventpipe/internal/foundation/errors"
	"git.home.luguber.info/inful/eventpipe/internal/ingest"
	"git.home.luguber.info/inful/eventpipe/internal/metrics"
)

// Ingestor accepts events from clients.
type Ingestor interface {
	CreateManualEvent(ctx context.Context, raw json.RawMessage) (ingest.Created, error)
	UploadFile(ctx context.Context, req ingest.UploadRequest) (ingest.Uploaded, error)
}

// Options wires the handlers to the pipeline.
type Options struct {
	Ingestor Ingestor
	Store    eventstore.Store
	// DeadLetter is listed by GET /dlq when it implements broker.Peeker and drained by
	// POST /dlq/redrive into RedriveTo.
	DeadLetter broker.Receiver
	RedriveTo  broker.Sender

	Recorder metrics.Recorder
	// Registry is exposed at MetricsPath when set.
	Registry    *prom.Registry
	MetricsPath string

	Logger       *slog.Logger
	ListLimit    int
	MaxBodyBytes int64
}

type handlers struct {
	ingestor   Ingestor
	store      eventstore.Store
	deadLetter broker.Receiver
	redriveTo  broker.Sender
	adapter    *errors.HTTPErrorAdapter
	logger     *slog.Logger
	listLimit  int
	maxBody    int64
}

// NewRouter builds the chi router for every endpoint.
func NewRouter(o Options) http.Handler {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{
		ingestor:   o.Ingestor,
		store:      o.Store,
		deadLetter: o.DeadLetter,
		redriveTo:  o.RedriveTo,
		adapter:    errors.NewHTTPErrorAdapter(logger),
		logger:     logger,
		listLimit:  o.ListLimit,
		maxBody:    o.MaxBodyBytes,
	}
	if h.listLimit <= 0 {
		h.listLimit = 50
	}
	if h.maxBody <= 0 {
		h.maxBody = 10 << 20
	}

	r := chi.NewRouter()
	r.Use(Chain(logger, h.adapter, metrics.OrNoop(o.Recorder)))
	r.Use(permissiveHeaders)
	r.Use(corsHandler())

	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/healthz", h.health)

	r.Post("/events", h.createEvent)
	r.Get("/events", h.listEvents)
	r.Get("/events/{eventId}", h.getEvent)
	r.Post("/upload", h.uploadFile)

	r.Get("/dlq", h.listDeadLetters)
	r.Post("/dlq/redrive", h.redrive)

	if o.Registry != nil {
		path := o.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, metrics.HTTPHandler(o.Registry))
	}

	r.NotFound(h.notFound)
	r.MethodNotAllowed(h.notFound)
	return r
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	h.adapter.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *handlers) notFound(w http.ResponseWriter, _ *http.Request) {
	h.adapter.WriteJSON(w, http.StatusNotFound, errors.HTTPErrorResponse{Error: "Endpoint not found"})
}

// fail renders client errors with their own message and everything else as a 500 carrying
// fallback, so internal failures never leak details.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	if status := h.adapter.StatusCodeFor(err); status < http.StatusInternalServerError {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}
	h.logger.ErrorContext(r.Context(), fallback, slog.String("path", r.URL.Path), slog.String("error", err.Error()))
	h.adapter.WriteJSON(w, http.StatusInternalServerError, errors.HTTPErrorResponse{Error: fallback})
}
