package server

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/jadenj13/memoir/internals/llm"
	"github.com/jadenj13/memoir/internals/memory"
)

// storeError maps memory store failures onto status codes.
func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, memory.ErrNotFound):
		writeError(w, http.StatusNotFound, "memory not found")
	case errors.Is(err, memory.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "memory store not available")
	default:
		s.log.Error("memory store failed", "op", op, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user_id")
	limit, ok := intParam(r, "limit", 20, 1, 100)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
		return
	}

	var (
		entries []memory.Entry
		err     error
	)
	if q := strings.TrimSpace(r.URL.Query().Get("search")); q != "" {
		entries, err = s.Store.Search(r.Context(), user, q, limit)
	} else {
		entries, err = s.Store.ListAll(r.Context(), user)
		if len(entries) > limit {
			entries = entries[:limit]
		}
	}
	if err != nil {
		s.storeError(w, "list", err)
		return
	}
	if entries == nil {
		entries = []memory.Entry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  user,
		"count":    len(entries),
		"memories": entries,
	})
}

type addMemoryRequest struct {
	MemoryText string         `json:"memory_text"`
	Importance *float64       `json:"importance"`
	Metadata   map[string]any `json:"metadata"`
}

func (s *Server) handleAddMemory(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user_id")
	var req addMemoryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.MemoryText) == "" {
		writeError(w, http.StatusBadRequest, "memory_text is required")
		return
	}
	importance := memory.DefaultImportance
	if req.Importance != nil {
		if *req.Importance < 0 || *req.Importance > 1 {
			writeError(w, http.StatusBadRequest, "importance must be between 0 and 1")
			return
		}
		importance = *req.Importance
	}
	meta := req.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	if _, ok := meta["type"]; !ok {
		meta["type"] = "manual"
	}

	e, err := s.Store.Add(r.Context(), user, req.MemoryText, importance, meta)
	if err != nil {
		s.storeError(w, "add", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"status":    "created",
		"user_id":   user,
		"memory_id": e.ID,
		"memory":    e,
	})
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	user, id := r.PathValue("user_id"), r.PathValue("memory_id")
	if err := s.Store.Delete(r.Context(), id, user); err != nil {
		s.storeError(w, "delete", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "deleted",
		"user_id":   user,
		"memory_id": id,
	})
}

// handleClearMemories forgets everything about a user: in-process history
// and every stored memory.
func (s *Server) handleClearMemories(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user_id")
	exchanges := s.Sessions.Clear(user)
	n, err := s.Store.DeleteAll(r.Context(), user)
	if err != nil {
		s.storeError(w, "delete_all", err)
		return
	}
	s.log.Info("user memories cleared", "user", user, "exchanges", exchanges, "memories", n)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "cleared",
		"user_id":           user,
		"exchanges_cleared": exchanges,
		"memories_deleted":  n,
	})
}

func (s *Server) handleSearchMemories(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user_id")
	q := strings.TrimSpace(r.URL.Query().Get("query"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	limit, ok := intParam(r, "limit", 10, 1, 50)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 50")
		return
	}

	entries, err := s.Store.Search(r.Context(), user, q, limit)
	if err != nil {
		s.storeError(w, "search", err)
		return
	}
	if entries == nil {
		entries = []memory.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": user,
		"query":   q,
		"count":   len(entries),
		"results": entries,
	})
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user_id")
	msg := strings.TrimSpace(r.URL.Query().Get("message"))
	if msg == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	recent, ok := intParam(r, "max_recent", 5, 1, 20)
	if !ok {
		writeError(w, http.StatusBadRequest, "max_recent must be between 1 and 20")
		return
	}
	relevant, ok := intParam(r, "max_memories", 3, 1, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "max_memories must be between 1 and 10")
		return
	}

	msgs := s.Chat.ContextLimited(r.Context(), user, msg, recent, relevant)
	type contextMessage struct {
		Role    llm.Role `json:"role"`
		Content string   `json:"content"`
	}
	out := make([]contextMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, contextMessage{Role: m.Role, Content: m.Content})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":       user,
		"message":       msg,
		"context":       out,
		"context_count": len(out),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user_id")
	limit, ok := intParam(r, "limit", 0, 0, 1000)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be between 0 and 1000")
		return
	}
	ex := s.Sessions.Exchanges(user, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":   user,
		"count":     len(ex),
		"exchanges": ex,
	})
}

type exportRequest struct {
	Target string `json:"target"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user_id")
	var req exportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	exp, ok := s.Exporters[req.Target]
	if !ok {
		targets := make([]string, 0, len(s.Exporters))
		for k := range s.Exporters {
			targets = append(targets, k)
		}
		sort.Strings(targets)
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"detail":  "unknown export target",
			"targets": targets,
		})
		return
	}

	entries, err := s.Store.ListAll(r.Context(), user)
	if err != nil {
		s.storeError(w, "list", err)
		return
	}
	url, err := exp.Export(r.Context(), user, entries)
	if err != nil {
		s.log.Error("export failed", "user", user, "target", req.Target, "err", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "exported",
		"user_id": user,
		"target":  req.Target,
		"count":   len(entries),
		"url":     url,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"sessions": s.Sessions.Stats(),
		"turns":    s.Chat.Stats(),
		"backend":  s.Store.Name(),
	}
	if s.Queue != nil {
		resp["persistence"] = s.Queue.Stats()
	}
	if s.Cache != nil {
		resp["cache"] = s.Cache.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}
