// Package httpapi exposes the router over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	. "github.com/yshimada/llmrouter/internal/logging"
	"github.com/yshimada/llmrouter/internal/router"
)

// Server is the HTTP front of the router.
type Server struct {
	server      *http.Server
	router      *router.Router
	rateLimiter *RateLimiter
	wg          sync.WaitGroup
}

// NewServer builds the server from the router's current config.
func NewServer(rt *router.Router) *Server {
	cfg := rt.Config()

	listen := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)

	s := &Server{
		router:      rt,
		rateLimiter: NewRateLimiter(time.Duration(cfg.API.RateLimitMs) * time.Millisecond),
	}

	s.server = &http.Server{
		Addr:         listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // generation can be slow
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	// Apply middleware chain: logging -> strip headers -> CORS -> rate limit
	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		return s.logRequest(s.stripHeaders(s.cors(s.rateLimit(h))))
	}

	// Routing
	mux.HandleFunc("/router/query", wrap(s.handleQuery))
	mux.HandleFunc("/router/stats", wrap(s.handleStats))
	mux.HandleFunc("/router/config/reload", wrap(s.handleReload))

	// Model discovery
	mux.HandleFunc("/models/scan", wrap(s.handleScan))
	mux.HandleFunc("/models/detected", wrap(s.handleDetected))

	// Conversations
	mux.HandleFunc("/api/v1/conversations", wrap(s.handleConversations))
	mux.HandleFunc("/api/v1/conversations/", wrap(s.handleConversationByID))
	mux.HandleFunc("/api/v1/search", wrap(s.handleSearch))
	mux.HandleFunc("/api/v1/export", wrap(s.handleExport))
	mux.HandleFunc("/api/v1/import", wrap(s.handleImport))

	return mux
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		L_info("httpapi: server starting", "addr", s.server.Addr)

		err := s.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			L_error("httpapi: server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		L_error("httpapi: shutdown error", "error", err)
		return err
	}

	s.wg.Wait()
	L_info("httpapi: server stopped")
	return nil
}

// logRequest wraps an HTTP handler to log requests
func (s *Server) logRequest(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(lw, r)

		L_debug("httpapi: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.statusCode,
			"duration", time.Since(start).Round(time.Millisecond))
	}
}

// loggingResponseWriter wraps ResponseWriter to capture status code
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.statusCode = code
	lw.ResponseWriter.WriteHeader(code)
}

// stripHeaders removes fingerprinting headers
func (s *Server) stripHeaders(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Del("Server")
		w.Header().Del("X-Powered-By")

		handler(w, r)
	}
}

// cors applies the configured allowed origins. No config means no CORS
// headers at all.
func (s *Server) cors(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler(w, r)
	}
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.router.Config().API.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// rateLimit enforces a minimum spacing between requests per source IP.
func (s *Server) rateLimit(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !s.rateLimiter.Allow(ip) {
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		handler(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		L_warn("httpapi: failed to encode response", "error", err)
	}
}

type errorResponse struct {
	Error    string `json:"error"`
	Attempts any    `json:"attempts,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
