// Package core exposes the scan pipeline over HTTP: a webhook for bucket
// notifications, a manual definitions refresh, health and metrics.
package core

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"clamgate/internal/engine"
	"clamgate/internal/events"
	"clamgate/internal/metrics"
)

// maxNotificationSize bounds the body of a webhook delivery.
const maxNotificationSize = 1 << 20

// Server serves the webhook API in front of an event handler.
type Server struct {
	Config  Config
	handler events.Handler
	metrics *metrics.Collector
}

// NewServer returns a Server that hands every accepted event to handler.
func NewServer(cfg Config, handler events.Handler, collector *metrics.Collector) (*Server, error) {
	if handler == nil {
		return nil, errors.New("event handler must not be nil")
	}
	return &Server{
		Config:  cfg,
		handler: handler,
		metrics: collector,
	}, nil
}

type objectResponse struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	State  string `json:"state"`
	Virus  string `json:"virus,omitempty"`
	Error  string `json:"error,omitempty"`
}

type batchResponse struct {
	Batch   string           `json:"batch,omitempty"`
	Status  string           `json:"status"`
	Objects []objectResponse `json:"objects,omitempty"`
	Error   string           `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler returns the http.Handler of the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	protected := RequireAuthentication(s.Config.AuthEngine())

	mux.Handle("POST /events", protected(http.HandlerFunc(s.handleEvents)))
	mux.Handle("POST /refresh", protected(http.HandlerFunc(s.handleRefresh)))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", s.metrics.Handler())

	return Recoverer(LogRequest(SlashFix(mux)))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxNotificationSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > maxNotificationSize {
		writeError(w, http.StatusRequestEntityTooLarge, "notification too large")
		return
	}

	ev, err := events.ParseNotification(body)
	switch {
	case errors.Is(err, events.ErrIgnored):
		writeJSON(w, http.StatusAccepted, batchResponse{Status: "ignored"})
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.runBatch(w, r, ev)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.runBatch(w, r, engine.Event{})
}

// runBatch processes ev synchronously. A failed batch answers 500 so the
// sender retries the delivery.
func (s *Server) runBatch(w http.ResponseWriter, r *http.Request, ev engine.Event) {
	result, err := s.handler.HandleEvent(r.Context(), ev)

	resp := batchResponse{Batch: result.ID, Status: "ok"}
	for _, o := range result.Objects {
		or := objectResponse{
			Bucket: o.Bucket,
			Key:    o.Key,
			State:  string(o.State),
			Virus:  o.VirusName,
		}
		if o.Err != nil {
			or.Error = o.Err.Error()
		}
		resp.Objects = append(resp.Objects, or)
	}

	if err != nil {
		resp.Status = "error"
		resp.Error = err.Error()
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
