package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jadenj13/memoir/internals/chat"
	"github.com/jadenj13/memoir/internals/history"
	"github.com/jadenj13/memoir/internals/llm"
	"github.com/jadenj13/memoir/internals/memory"
	"github.com/jadenj13/memoir/internals/persist"
)

type Chatter interface {
	HandleTurn(ctx context.Context, session, text string, sink chat.Sink) error
	Reply(ctx context.Context, session, text string) (string, error)
	ContextLimited(ctx context.Context, session, text string, recent, relevant int) []llm.Message
	Stats() chat.Stats
}

// Exporter publishes a snapshot of a session's memories and returns its URL.
type Exporter interface {
	Export(ctx context.Context, session string, entries []memory.Entry) (string, error)
}

type QueueStats interface {
	Stats() persist.Stats
}

type CacheStats interface {
	Stats() memory.CacheStats
}

type Deps struct {
	Chat      Chatter
	Store     memory.Store
	Sessions  *history.SessionStore
	Queue     QueueStats // optional
	Cache     CacheStats // optional
	Exporters map[string]Exporter
	Model     string
	Version   string
}

type Server struct {
	Deps
	log     *slog.Logger
	started time.Time
}

func New(deps Deps, log *slog.Logger) *Server {
	return &Server{Deps: deps, log: log, started: time.Now()}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /chat/complete", s.handleChatComplete)

	mux.HandleFunc("GET /memories/stats", s.handleStats)
	mux.HandleFunc("GET /memories/{user_id}", s.handleListMemories)
	mux.HandleFunc("POST /memories/{user_id}", s.handleAddMemory)
	mux.HandleFunc("DELETE /memories/{user_id}", s.handleClearMemories)
	mux.HandleFunc("DELETE /memories/{user_id}/{memory_id}", s.handleDeleteMemory)
	mux.HandleFunc("GET /memories/{user_id}/search", s.handleSearchMemories)
	mux.HandleFunc("GET /memories/{user_id}/context", s.handleContext)
	mux.HandleFunc("GET /memories/{user_id}/history", s.handleHistory)
	mux.HandleFunc("POST /memories/{user_id}/export", s.handleExport)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/detailed", s.handleHealthDetailed)
	return s.logRequests(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "elapsed", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(v)
}

// intParam reads an integer query parameter, falling back to def when it is
// absent. ok is false when the value is malformed or outside [lo, hi].
func intParam(r *http.Request, name string, def, lo, hi int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < lo || v > hi {
		return 0, false
	}
	return v, true
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
