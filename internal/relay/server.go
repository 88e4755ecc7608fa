// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package relay exposes the provider adapters over one unified outward
// framing. Each inbound chat request is validated, dispatched to the right
// adapter, and every decoded text delta is re-emitted as an SSE frame
// `data: {"content":...,"model":...,"provider":...}` terminated by
// `data: [DONE]`.
//
// Endpoints:
//   - POST /api/chat       - streaming chat relay
//   - GET  /api/providers  - enabled providers and their model catalogs
//   - GET  /health         - health check
//   - GET  /stats          - usage counters
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/morganforge/chatrelay/internal/provider"
	"github.com/morganforge/chatrelay/internal/registry"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultPort is the default port for the relay server.
	DefaultPort = 8787

	// DefaultIdleTimeout bounds the wait between upstream fragments. A turn
	// that stalls longer is terminated like a mid-stream failure.
	DefaultIdleTimeout = 90 * time.Second

	// MaxRequestBodySize caps the inbound request body (1MB).
	MaxRequestBodySize = 1 * 1024 * 1024

	// MaxMessageCount is the maximum number of messages in a request.
	MaxMessageCount = 100

	// Version is the server version.
	Version = "1.0.0"
)

// DoneFrame is the terminal sentinel payload closing every successful stream.
const DoneFrame = "[DONE]"

// =============================================================================
// WIRE TYPES
// =============================================================================

// ChatPayload is the inbound request body. The API key rides along per
// request and is never persisted or logged.
type ChatPayload struct {
	Messages []provider.ChatMessage `json:"messages"`
	Provider string                 `json:"provider"`
	Model    string                 `json:"model"`
	APIKey   string                 `json:"apiKey"`
}

// Frame is one outward SSE payload.
type Frame struct {
	Content  string `json:"content,omitempty"`
	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`
	Error    string `json:"error,omitempty"`
}

// validRoles is the set of acceptable message roles.
var validRoles = map[string]bool{
	"user":      true,
	"assistant": true,
	"system":    true,
}

// =============================================================================
// SERVER STATS
// =============================================================================

// StatsSnapshot is a point-in-time copy of the usage counters.
type StatsSnapshot struct {
	TotalRequests  int64            `json:"total_requests"`
	TotalFrames    int64            `json:"total_frames"`
	FailedRequests int64            `json:"failed_requests"`
	ByProvider     map[string]int64 `json:"by_provider"`
	StartTime      time.Time        `json:"start_time"`
}

// Stats tracks relay usage counters.
type Stats struct {
	mu             sync.Mutex
	totalRequests  int64
	totalFrames    int64
	failedRequests int64
	byProvider     map[string]int64
	startTime      time.Time
}

// NewStats creates zeroed usage counters.
func NewStats() *Stats {
	return &Stats{
		byProvider: make(map[string]int64),
		startTime:  time.Now(),
	}
}

// Record adds one completed relay request to the counters.
func (s *Stats) Record(providerID string, frames int64, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalRequests++
	s.totalFrames += frames
	s.byProvider[providerID]++
	if failed {
		s.failedRequests++
	}
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	byProvider := make(map[string]int64, len(s.byProvider))
	for k, v := range s.byProvider {
		byProvider[k] = v
	}
	return StatsSnapshot{
		TotalRequests:  s.totalRequests,
		TotalFrames:    s.totalFrames,
		FailedRequests: s.failedRequests,
		ByProvider:     byProvider,
		StartTime:      s.startTime,
	}
}

// =============================================================================
// SERVER
// =============================================================================

// Server relays normalized chat requests to provider adapters. It holds no
// per-request state; concurrent invocations are independent, one upstream
// connection each.
type Server struct {
	port        int
	idleTimeout atomic.Int64 // nanoseconds
	registry    *registry.Registry
	mux         *http.ServeMux
	server      *http.Server
	stats       *Stats
	cors        CORSConfig
	limiter     *RateLimiter
}

// NewServer creates a relay server on the given port (0 selects the default).
func NewServer(port int, reg *registry.Registry) *Server {
	if port == 0 {
		port = DefaultPort
	}
	s := &Server{
		port:     port,
		registry: reg,
		mux:      http.NewServeMux(),
		stats:    NewStats(),
		cors:     DefaultCORSConfig(),
		limiter:  NewRateLimiter(defaultRateLimit, defaultRateBurst),
	}
	s.idleTimeout.Store(int64(DefaultIdleTimeout))
	s.setupRoutes()
	return s
}

// WithIdleTimeout overrides the max wait between upstream fragments. Safe
// to call while serving; in-flight streams keep their current timeout.
func (s *Server) WithIdleTimeout(d time.Duration) *Server {
	if d > 0 {
		s.idleTimeout.Store(int64(d))
	}
	return s
}

// WithCORS overrides the allowed cross-origin origins. Must be called
// before the handler is built.
func (s *Server) WithCORS(origins []string) *Server {
	if len(origins) > 0 {
		s.cors.AllowedOrigins = origins
	}
	return s
}

// WithRateLimit overrides the per-client request rate bounds. Safe to call
// while serving.
func (s *Server) WithRateLimit(rps float64, burst int) *Server {
	if rps > 0 && burst > 0 {
		s.limiter.SetRate(rps, burst)
	}
	return s
}

// Port returns the server port.
func (s *Server) Port() int {
	return s.port
}

// Handler returns the routed handler with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	return Chain(
		RecoveryMiddleware(),
		SecurityHeadersMiddleware(),
		CORSMiddleware(s.cors),
		LoggingMiddleware(log.Default()),
		RateLimitMiddleware(s.limiter),
	)(s.mux)
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /api/chat", s.handleChat)
	s.mux.HandleFunc("GET /api/providers", s.handleProviders)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /stats", s.handleStats)
}

// =============================================================================
// CHAT HANDLER
// =============================================================================

// handleChat handles POST /api/chat.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var payload ChatPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Fail fast: no upstream connection is opened for an invalid payload.
	if msg, ok := s.validatePayload(payload); !ok {
		s.writeError(w, http.StatusBadRequest, msg)
		return
	}

	adapter, err := s.registry.Adapter(payload.Provider)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Cancelling this context tears down the upstream connection; it fires
	// when the browser disconnects or when the idle watchdog trips.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	req := provider.ChatRequest{
		Messages: payload.Messages,
		Provider: payload.Provider,
		Model:    payload.Model,
	}

	fragments := make(chan string, 64)
	errCh := make(chan error, 1)
	go func() {
		defer close(fragments)
		errCh <- adapter.Stream(ctx, req, payload.APIKey, func(delta string) {
			select {
			case fragments <- delta:
			case <-ctx.Done():
			}
		})
	}()

	var frames int64
	failed := false
	idleTimeout := time.Duration(s.idleTimeout.Load())
	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()

loop:
	for {
		select {
		case delta, ok := <-fragments:
			if !ok {
				// Upstream finished; the buffered error tells us how.
				if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
					log.Printf("RELAY_ERROR | provider=%s model=%s frames=%d error=%v",
						payload.Provider, payload.Model, frames, err)
					s.sendFrame(w, flusher, Frame{Error: summarizeStreamError(err)})
					failed = true
				} else if err == nil {
					s.sendDone(w, flusher)
				}
				break loop
			}
			s.sendFrame(w, flusher, Frame{
				Content:  delta,
				Model:    payload.Model,
				Provider: payload.Provider,
			})
			frames++
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(idleTimeout)

		case <-idle.C:
			// Treated identically to a mid-stream failure; already-emitted
			// fragments stand.
			cancel()
			log.Printf("RELAY_IDLE_TIMEOUT | provider=%s model=%s frames=%d", payload.Provider, payload.Model, frames)
			s.sendFrame(w, flusher, Frame{Error: "stream timed out waiting for the provider"})
			failed = true
			break loop

		case <-r.Context().Done():
			// Client went away; cancel() via defer closes the upstream.
			break loop
		}
	}

	s.stats.Record(payload.Provider, frames, failed)
	log.Printf("RELAY_COMPLETE | provider=%s model=%s frames=%d failed=%t",
		payload.Provider, payload.Model, frames, failed)
}

// validatePayload checks the inbound payload; the API key itself never
// appears in any returned message.
func (s *Server) validatePayload(p ChatPayload) (string, bool) {
	if len(p.Messages) == 0 {
		return "messages must not be empty", false
	}
	if len(p.Messages) > MaxMessageCount {
		return fmt.Sprintf("too many messages: maximum is %d", MaxMessageCount), false
	}
	for i, m := range p.Messages {
		if !validRoles[m.Role] {
			return fmt.Sprintf("invalid role %q at message %d", m.Role, i), false
		}
	}
	if err := s.registry.Validate(p.Provider, p.Model); err != nil {
		return err.Error(), false
	}
	if d, _ := s.registry.Lookup(p.Provider); d.RequiresAPIKey && strings.TrimSpace(p.APIKey) == "" {
		return "apiKey is required for provider " + p.Provider, false
	}
	return "", true
}

// sendDone writes the bare terminal sentinel.
func (s *Server) sendDone(w http.ResponseWriter, flusher http.Flusher) {
	fmt.Fprintf(w, "data: %s\n\n", DoneFrame)
	flusher.Flush()
}

// sendFrame writes one JSON-encoded SSE frame.
func (s *Server) sendFrame(w http.ResponseWriter, flusher http.Flusher, frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

// summarizeStreamError renders an adapter error for the outward channel
// without leaking request internals.
func summarizeStreamError(err error) string {
	var upstream *provider.UpstreamError
	if errors.As(err, &upstream) {
		return fmt.Sprintf("%s returned HTTP %d", upstream.Provider, upstream.Status)
	}
	var protocol *provider.ProtocolError
	if errors.As(err, &protocol) {
		return fmt.Sprintf("unreadable response from %s", protocol.Provider)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "stream timed out waiting for the provider"
	}
	return "provider stream failed"
}

// =============================================================================
// METADATA HANDLERS
// =============================================================================

// handleProviders handles GET /api/providers.
func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"providers": s.registry.ListEnabled(),
	})
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   Version,
		"providers": len(s.registry.ListEnabled()),
	})
}

// handleStats handles GET /stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := s.stats.Snapshot()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"total_requests":  snap.TotalRequests,
		"total_frames":    snap.TotalFrames,
		"failed_requests": snap.FailedRequests,
		"by_provider":     snap.ByProvider,
		"uptime_seconds":  int64(time.Since(snap.StartTime).Seconds()),
	})
}

// =============================================================================
// SERVER LIFECYCLE
// =============================================================================

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.port)
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No write timeout: streams are bounded by the idle watchdog.
		IdleTimeout: 120 * time.Second,
	}

	log.Printf("SERVER_START | addr=%s version=%s", addr, Version)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	log.Printf("SERVER_SHUTDOWN | starting graceful shutdown")
	return s.server.Shutdown(ctx)
}

// =============================================================================
// HELPERS
// =============================================================================

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
