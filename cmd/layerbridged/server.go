package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/marko911/layerbridge/internal/adapter"
	"github.com/marko911/layerbridge/internal/manager"
	"github.com/marko911/layerbridge/internal/policy"
	"github.com/marko911/layerbridge/internal/transfer"
)

// Server exposes the manager over HTTP.
type Server struct {
	manager *manager.Manager
	feed    http.Handler
	checks  []DependencyCheck
	logger  *slog.Logger
}

// DependencyCheck is an external dependency /ready waits on.
type DependencyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

const dependencyCheckTimeout = 2 * time.Second

func NewServer(m *manager.Manager, feed http.Handler, logger *slog.Logger) *Server {
	return &Server{
		manager: m,
		feed:    feed,
		logger:  logger.With("component", "http"),
	}
}

func (s *Server) AddCheck(c DependencyCheck) {
	s.checks = append(s.checks, c)
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)

	mux.HandleFunc("POST /api/v1/transfers", s.handleSubmit)
	mux.HandleFunc("GET /api/v1/transfers", s.handleList)
	mux.HandleFunc("GET /api/v1/transfers/{id}", s.handleGet)
	mux.HandleFunc("POST /api/v1/transfers/{id}/cancel", s.handleCancel)

	if s.feed != nil {
		mux.Handle("GET /ws/events", s.feed)
	}

	return s.loggingMiddleware(mux)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade through the logging wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady reports ready while every registered protocol can move funds
// and every dependency answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	report := s.manager.StatusReport()

	var down []string
	for _, p := range report.Protocols {
		if !p.State.AllowsFunds() {
			down = append(down, p.Kind.String()+":"+p.State.String())
		}
	}
	for _, c := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), dependencyCheckTimeout)
		err := c.Check(ctx)
		cancel()
		if err != nil {
			s.logger.Warn("dependency check failed", "dependency", c.Name, "error", err)
			down = append(down, c.Name)
		}
	}

	status := map[string]any{
		"ready":     len(down) == 0,
		"protocols": len(report.Protocols),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if len(down) > 0 {
		status["unavailable"] = down
		writeJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.StatusReport())
}

type submitRequest struct {
	ID          string       `json:"id,omitempty"`
	Source      adapter.Kind `json:"source"`
	Destination adapter.Kind `json:"destination"`
	Asset       string       `json:"asset"`
	Amount      uint64       `json:"amount"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Asset == "" || req.Amount == 0 {
		writeError(w, http.StatusBadRequest, "asset and a positive amount are required")
		return
	}

	id, err := s.manager.SubmitTransfer(r.Context(), manager.TransferRequest{
		ID:          req.ID,
		Source:      req.Source,
		Destination: req.Destination,
		Asset:       req.Asset,
		Amount:      req.Amount,
	})
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

// handleList accepts repeated or comma separated phase parameters.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var phases []transfer.Phase
	for _, raw := range r.URL.Query()["phase"] {
		for _, name := range strings.Split(raw, ",") {
			p, err := transfer.ParsePhase(name)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			phases = append(phases, p)
		}
	}

	records, err := s.manager.ListTransfers(r.Context(), phases...)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	if records == nil {
		records = []*transfer.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":     len(records),
		"transfers": records,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.manager.GetTransfer(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.CancelTransfer(r.Context(), id); err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancel requested"})
}

func (s *Server) writeManagerError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, transfer.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, transfer.ErrDuplicateTransfer),
		errors.Is(err, transfer.ErrNotCancelable),
		errors.Is(err, transfer.ErrNotRunning):
		status = http.StatusConflict
	case errors.Is(err, policy.ErrDenied):
		status = http.StatusForbidden
	case errors.Is(err, manager.ErrSameKind),
		errors.Is(err, manager.ErrProtocolUnavailable),
		errors.Is(err, adapter.ErrAssetUnsupported),
		errors.Is(err, adapter.ErrConfiguration):
		status = http.StatusBadRequest
	case errors.Is(err, adapter.ErrProtocolNotActive),
		errors.Is(err, transfer.ErrStopped):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
