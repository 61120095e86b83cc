// Package server exposes the HTTP surface: event intake for storage and
// document triggers, the authenticated export endpoint, and health.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ledgerlens/ledgerlens/internal/common"
	"github.com/ledgerlens/ledgerlens/internal/dispatch"
	"github.com/ledgerlens/ledgerlens/internal/export"
)

// Exporter is the export use case behind POST /export.
type Exporter interface {
	ExportBatch(ctx context.Context, callerUID, batchID string) (*export.Result, error)
}

// EventHandler is the dispatcher surface the intake endpoints feed.
type EventHandler interface {
	HandleObjectFinalized(ctx context.Context, ev dispatch.ObjectEvent) error
	HandleReceiptUpdated(ctx context.Context, ev dispatch.ReceiptUpdateEvent) error
}

type Server struct {
	router   chi.Router
	events   EventHandler
	exporter Exporter
	verifier TokenVerifier
	health   func(ctx context.Context) error
	logger   *slog.Logger
}

func New(events EventHandler, exporter Exporter, verifier TokenVerifier,
	health func(ctx context.Context) error, requestTimeout time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if requestTimeout <= 0 {
		requestTimeout = 5 * time.Minute
	}
	s := &Server{
		events:   events,
		exporter: exporter,
		verifier: verifier,
		health:   health,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/healthz", s.handleHealthz)
	r.Post("/events/object", s.handleObjectEvent)
	r.Post("/events/receipt", s.handleReceiptEvent)
	r.Post("/export", s.handleExport)

	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// handleObjectEvent ingests a storage object-finalized notification. A 2xx
// acknowledges the event; processing errors return 5xx so the broker
// redelivers, which is safe because the pipeline is idempotent.
func (s *Server) handleObjectEvent(w http.ResponseWriter, r *http.Request) {
	var ev dispatch.ObjectEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		s.writeError(w, common.WrapError(common.ErrInvalidInput, "malformed event payload"))
		return
	}
	if err := s.events.HandleObjectFinalized(r.Context(), ev); err != nil {
		s.logger.Error("server.object_event_failed", "object", ev.Name, "error", err)
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReceiptEvent(w http.ResponseWriter, r *http.Request) {
	var ev dispatch.ReceiptUpdateEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		s.writeError(w, common.WrapError(common.ErrInvalidInput, "malformed event payload"))
		return
	}
	if err := s.events.HandleReceiptUpdated(r.Context(), ev); err != nil {
		s.logger.Error("server.receipt_event_failed",
			"batch_id", ev.BatchID, "receipt_id", ev.ReceiptID, "error", err)
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type exportRequest struct {
	BatchID string `json:"batch_id"`
}

type exportResponse struct {
	DownloadURL string `json:"download_url"`
	Filename    string `json:"filename"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	uid, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, common.WrapError(common.ErrInvalidInput, "malformed request body"))
		return
	}
	res, err := s.exporter.ExportBatch(r.Context(), uid, req.BatchID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, exportResponse{
		DownloadURL: res.DownloadURL,
		Filename:    res.Filename,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy"})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) authenticate(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", common.WrapError(common.ErrUnauthorized, "missing or malformed Authorization header")
	}
	return s.verifier.Verify(strings.TrimSpace(token))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("server.write_response_failed", "error", err)
	}
}

// writeError maps domain errors onto HTTP statuses. Internal failures get
// a generic message; the detail stays in the server log.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "An internal error occurred. Please try again."
	switch {
	case errors.Is(err, common.ErrInvalidInput):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, common.ErrUnauthorized):
		status, message = http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, common.ErrForbidden):
		status, message = http.StatusForbidden, "Access denied. You do not own this batch."
	case errors.Is(err, common.ErrNotFound):
		status, message = http.StatusNotFound, err.Error()
	default:
		s.logger.Error("server.internal_error", "error", err)
	}
	s.writeJSON(w, status, map[string]any{"error": message})
}
