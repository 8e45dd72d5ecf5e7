// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package api serves the mesh admin API: datapath statistics, origin
// lookups, recent trace events and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/gorilla/mux"

	"grimm.is/meshredirect/internal/ebpf/types"
	"grimm.is/meshredirect/internal/errors"
	"grimm.is/meshredirect/internal/logging"
	"grimm.is/meshredirect/internal/store"
	"grimm.is/meshredirect/internal/trace"
)

// Prefix is the path prefix of the mesh routes.
const Prefix = "/api/v1/mesh"

// Stats is the datapath snapshot returned by GET /stats.
type Stats struct {
	Mode      string                     `json:"mode"`
	Proxy     string                     `json:"proxy"`
	Ports     []uint16                   `json:"ports"`
	Stores    map[string]store.Stats     `json:"stores"`
	FlowTable store.Stats                `json:"flow_table"`
	Trace     TraceStats                 `json:"trace"`
	Hooks     map[string]types.HookStats `json:"hooks,omitempty"`
}

// TraceStats summarises the trace channel.
type TraceStats struct {
	Session string `json:"session,omitempty"`
	Emitted uint64 `json:"emitted"`
	Dropped uint64 `json:"dropped"`
}

// Backend is the datapath the API reports on.
type Backend interface {
	Stats() Stats
	// Origin looks up the connect-time origin without refreshing its recency.
	Origin(key types.ConnectionKey) (types.OriginInfo, bool, error)
	// FlowOrigin resolves an accepted connection by its peer and local ends.
	FlowOrigin(remote, local netip.AddrPort) (types.OriginInfo, bool, error)
	// Healthy returns nil when the datapath is serving.
	Healthy() error
}

// EventSource returns recently traced records, oldest first.
type EventSource interface {
	Records() []trace.Record
}

// ServerConfig holds HTTP server hardening settings.
type ServerConfig struct {
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
}

// DefaultServerConfig returns secure defaults for the admin server.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ReadHeaderTimeout: 10 * time.Second, // Slowloris prevention
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16, // 64KB header limit
	}
}

// Server is the admin HTTP server.
type Server struct {
	backend    Backend
	events     EventSource
	metrics    http.Handler
	logger     *logging.Logger
	config     ServerConfig
	router     *mux.Router
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithEvents serves GET /events from src.
func WithEvents(src EventSource) Option {
	return func(s *Server) { s.events = src }
}

// WithMetrics serves h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithServerConfig overrides the HTTP server settings.
func WithServerConfig(cfg ServerConfig) Option {
	return func(s *Server) { s.config = cfg }
}

// WithLogger sets the server logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates an admin server for backend.
func NewServer(backend Backend, opts ...Option) *Server {
	s := &Server{
		backend: backend,
		logger:  logging.Default(),
		config:  DefaultServerConfig(),
		router:  mux.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("api")
	s.setupRoutes()

	// Created up front so a Shutdown that wins the race against Serve
	// still stops it.
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		ReadTimeout:       s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
		MaxHeaderBytes:    s.config.MaxHeaderBytes,
	}
	return s
}

// setupRoutes sets up HTTP routes for the admin API
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix(Prefix).Subrouter()

	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/origins", s.handleOrigin).Methods("GET")
	api.HandleFunc("/flows/{remote}/{local}/origin", s.handleFlowOrigin).Methods("GET")
	api.HandleFunc("/events", s.handleEvents).Methods("GET")
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods("GET")
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve accepts connections on ln until Shutdown is called. After Shutdown
// it closes ln and returns nil at once.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("admin API listening", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, errors.KindUnavailable, "admin API server failed")
	}
	return nil
}

// ListenAndServe listens on addr and serves until Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindUnavailable, "failed to listen"), "addr", addr)
	}
	return s.Serve(ln)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// respondWithJSON sends a JSON response
func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

// respondWithErr sends err with the status of its kind. Attributes of the
// error chain are returned as details.
func respondWithErr(w http.ResponseWriter, err error) {
	body := map[string]any{
		"error": err.Error(),
		"kind":  errors.GetKind(err).String(),
	}
	if attrs := errors.GetAttributes(err); len(attrs) > 0 {
		body["details"] = attrs
	}
	respondWithJSON(w, statusFor(err), body)
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch errors.GetKind(err) {
	case errors.KindValidation:
		return http.StatusBadRequest
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
