// Package httpapi is the HTTP surface: a thin net/http handler
// translating REST/SSE calls into turn-pipeline and store operations
// across six resources (chats, messages, settings, chat turns, memory,
// slash-commands) plus /health.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nexuschat/orchestrator/internal/memory"
	"github.com/nexuschat/orchestrator/internal/observability"
	"github.com/nexuschat/orchestrator/internal/pipeline"
	"github.com/nexuschat/orchestrator/internal/registry"
	"github.com/nexuschat/orchestrator/internal/router"
	"github.com/nexuschat/orchestrator/internal/store"
)

const maxAPIRequestBodyBytes = 64 * 1024

// Config wires every collaborator the HTTP surface needs. Pipeline, Store,
// and Registry are required; the rest have safe nil/zero defaults.
type Config struct {
	Pipeline *pipeline.Pipeline
	Store    store.Store
	Registry *registry.Registry
	Router   *router.Router
	Memory   *memory.Budgeted

	// CSRFSecret, when non-empty, is compared against the X-CSRF-Token
	// header on every write endpoint. Empty disables the check.
	CSRFSecret string
	// CORSOrigins, when non-empty, enables CORSMiddleware for the listed
	// origins; "*" allows any.
	CORSOrigins []string

	Metrics *observability.Metrics
	Logger  *observability.Logger
}

// Server is the HTTPSurface: one *http.ServeMux plus the collaborators its
// handlers close over.
type Server struct {
	cfg Config

	httpServer *http.Server
	listener   net.Listener
	startTime  time.Time
}

// New builds a Server. It does not start listening; call ListenAndServe.
func New(cfg Config) *Server {
	return &Server{cfg: cfg, startTime: time.Now()}
}

// Mux builds the route table, wrapped in the logging/CORS/CSRF
// middleware chain.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/chats", s.handleCreateSession)
	mux.HandleFunc("GET /api/chats", s.handleListSessions)
	mux.HandleFunc("GET /api/chats/{id}/messages", s.handleGetMessages)
	mux.HandleFunc("POST /api/chats/{id}/messages", s.handleAppendMessage)
	mux.HandleFunc("DELETE /api/chats/{id}", s.handleDeleteSession)
	mux.HandleFunc("PATCH /api/chats/{id}/read", s.handleMarkRead)
	mux.HandleFunc("GET /api/chats/{id}/settings", s.handleGetSettings)
	mux.HandleFunc("POST /api/chats/{id}/settings", s.handleUpdateSettings)

	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/chat/stream", s.handleChatStream)

	mux.HandleFunc("POST /api/memory/cross-session", s.handleMemoryQuery)
	mux.HandleFunc("GET /api/slash-commands", s.handleSlashCommands)

	var handler http.Handler = mux
	handler = s.csrfMiddleware(handler)
	if len(s.cfg.CORSOrigins) > 0 {
		handler = corsMiddleware(s.cfg.CORSOrigins)(handler)
	}
	handler = s.loggingMiddleware(handler)
	return handler
}

// ListenAndServe starts the HTTP server on addr and blocks until ctx is
// cancelled or the server errors, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("httpapi: listen %s: %w", addr, err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:           s.Mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	if s.cfg.Logger != nil {
		s.cfg.Logger.Info(ctx, "http server listening", "addr", addr)
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// loggingMiddleware logs every request's method/path/status/duration.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start)

		if s.cfg.Logger != nil {
			s.cfg.Logger.Debug(r.Context(), "http request",
				"method", r.Method, "path", r.URL.Path,
				"status", wrapped.status, "duration", duration.String())
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(wrapped.status), duration.Seconds())
		}
	})
}

// csrfMiddleware requires the X-CSRF-Token header on every mutating
// request when CSRFSecret is configured. Disabled (no-op) when CSRFSecret
// is empty.
func (s *Server) csrfMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.CSRFSecret == "" || !isWriteMethod(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("X-CSRF-Token")
		if token == "" || token != s.cfg.CSRFSecret {
			jsonError(w, "invalid or missing X-CSRF-Token", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isWriteMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// corsMiddleware adds CORS headers for the configured origins.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			allowed := false
			for _, o := range allowedOrigins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}
			if allowed && origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-CSRF-Token")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
		w.ResponseWriter.WriteHeader(code)
	}
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	}
	if s.cfg.Registry != nil {
		resp["active_sessions"] = s.cfg.Registry.ActiveCount()
	}
	jsonResponse(w, resp)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("httpapi: json encode failed", "error", err)
	}
}

func jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) (int, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAPIRequestBodyBytes)
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return http.StatusRequestEntityTooLarge, err
		}
		return http.StatusBadRequest, err
	}
	return 0, nil
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	val := strings.TrimSpace(r.URL.Query().Get(name))
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
