// Package server provides the HTTP surface of the origin registry.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	originregistry "github.com/wolfeidau/origin-registry"
	"github.com/wolfeidau/origin-registry/registry"
	"github.com/wolfeidau/origin-registry/telemetry"
)

// maxBodySize bounds announce/refresh request bodies. Origin records are a
// single URL, so anything larger is malformed.
const maxBodySize = 64 * 1024

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the origin registry. It is thin routing over
// the registry: handlers decode the request, call one registry operation and
// translate the resulting error kind to a status code.
type Server struct {
	config     Config
	registry   *registry.Registry
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new server over the given registry.
func New(cfg Config, reg *registry.Registry) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	s := &Server{
		config:   cfg,
		registry: reg,
		logger:   cfg.Logger,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Registry operations
	mux.HandleFunc("GET /origin/{relay}/{namespace}", s.handleGet)
	mux.HandleFunc("POST /origin/{relay}/{namespace}", s.handleAnnounce)
	mux.HandleFunc("DELETE /origin/{namespace}", s.handleRevoke)
	mux.HandleFunc("PATCH /origin/{namespace}", s.handleRefresh)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "health")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleGet serves the next-hop record for a (relay, namespace) pair.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "get")

	relay, err := originregistry.ParseRelayID(r.PathValue("relay"))
	if err != nil {
		// An unparseable relay token can never have a record.
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	origin, err := s.registry.Get(r.Context(), relay, r.PathValue("namespace"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(origin); err != nil {
		s.logger.Error("encoding response", "error", err)
	}
}

// handleAnnounce registers a publisher's origin and fans out next-hop records.
func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "announce")

	origin, ok := s.decodeOrigin(w, r)
	if !ok {
		return
	}

	err := s.registry.Announce(r.Context(), r.PathValue("relay"), r.PathValue("namespace"), origin)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// handleRevoke removes every relay's record for the namespace.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "revoke")

	if err := s.registry.Revoke(r.Context(), r.PathValue("namespace")); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// handleRefresh verifies the namespace's records and renews their TTLs.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "refresh")

	origin, ok := s.decodeOrigin(w, r)
	if !ok {
		return
	}

	if err := s.registry.Refresh(r.Context(), r.PathValue("namespace"), origin); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// decodeOrigin reads and validates an origin record body, replying 400 on
// malformed input.
func (s *Server) decodeOrigin(w http.ResponseWriter, r *http.Request) (originregistry.Origin, bool) {
	var origin originregistry.Origin

	body := http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(body).Decode(&origin); err != nil {
		http.Error(w, fmt.Sprintf("decoding origin record: %v", err), http.StatusBadRequest)
		return originregistry.Origin{}, false
	}
	if err := origin.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return originregistry.Origin{}, false
	}

	return origin, true
}

// writeError is the single boundary translating registry error kinds to
// transport status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	switch {
	case errors.Is(err, registry.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, registry.ErrUnauthorizedPublisher):
		status = http.StatusBadRequest
	default:
		// Store transport failures and anything unclassified.
		status = http.StatusInternalServerError
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}

	http.Error(w, err.Error(), status)
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set the operation served.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}
		if tags.Operation != "" {
			attrs = append(attrs, "operation", tags.Operation)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// Handler returns the fully wired HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// responseWriter wraps http.ResponseWriter to capture the status code and
// bytes written.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
