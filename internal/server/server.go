// Package server exposes the chat orchestrator over HTTP, streaming replies
// as server-sent events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/NERVsystems/letterchat/internal/chat"
	"github.com/NERVsystems/letterchat/internal/logging"
)

// Options configures the server.
type Options struct {
	// RateLimit is the sustained chat requests per second allowed per
	// client. Zero disables limiting.
	RateLimit float64
	Burst     int
}

// Server serves the letterchat API.
type Server struct {
	orch    *chat.Orchestrator
	limiter *clientLimiter
	logger  *zap.Logger
	mux     *http.ServeMux
}

// New creates a server for orch.
func New(orch *chat.Orchestrator, opts Options, logger *zap.Logger) *Server {
	logger = logging.OrNop(logger)
	s := &Server{
		orch:    orch,
		limiter: newClientLimiter(opts.RateLimit, opts.Burst),
		logger:  logger,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	s.mux.HandleFunc("PUT /api/settings", s.handlePutSettings)

	s.mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("PUT /api/sessions/{id}", s.handlePutSession)
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	s.mux.HandleFunc("GET /api/sessions/{id}/letter", s.handleGetLetter)
	s.mux.HandleFunc("GET /api/sessions/{id}/context", s.handleGetContext)
	s.mux.HandleFunc("POST /api/sessions/{id}/context", s.handleAddContext)
	s.mux.HandleFunc("GET /api/sessions/{id}/usage", s.handleUsage)
	s.mux.HandleFunc("POST /api/sessions/{id}/compact", s.handleCompact)
	s.mux.HandleFunc("POST /api/sessions/{id}/chat", s.handleChat)

	s.mux.HandleFunc("POST /api/feedback/{id}", s.handleRate)
}

// Handler returns the HTTP handler with request logging applied.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully, waiting at most shutdownTimeout for open requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln, shutdownTimeout)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Requests outlive ctx so that Shutdown can drain them.
		BaseContext: func(net.Listener) context.Context { return context.Background() },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("letterchat listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	backend := s.orch.Backend()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"provider": backend.Name(),
		"model":    backend.Model(),
		"sessions": len(s.orch.Sessions().List()),
	})
}

type settings struct {
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature,omitempty"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	backend := s.orch.Backend()
	temp := backend.Temperature()
	writeJSON(w, http.StatusOK, settings{Model: backend.Model(), Temperature: &temp})
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req settings
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	backend := s.orch.Backend()
	if req.Temperature != nil {
		if err := backend.SetTemperature(*req.Temperature); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.Model != "" {
		backend.SetModel(req.Model)
	}
	s.logger.Info("Settings changed", zap.String("model", backend.Model()), zap.Float64("temperature", backend.Temperature()))
	s.handleGetSettings(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// clientIP returns the host part of the request's remote address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
