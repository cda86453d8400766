package server

import (
	"context"
	"net/http"
	"time"
)

const healthProbeTimeout = 2 * time.Second

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": now(),
	})
}

// handleHealthDetailed probes the memory store with a read. A failing store
// degrades the service but chat keeps working.
func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()

	status, storeStatus := "healthy", "ok"
	if _, err := s.Store.Search(ctx, "__health__", "probe", 1); err != nil {
		status, storeStatus = "degraded", err.Error()
	}

	resp := map[string]any{
		"status":    status,
		"timestamp": now(),
		"version":   s.Version,
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"model":     s.Model,
		"memory": map[string]any{
			"backend": s.Store.Name(),
			"status":  storeStatus,
		},
		"sessions": s.Sessions.Stats(),
		"turns":    s.Chat.Stats(),
	}
	if s.Queue != nil {
		resp["persistence"] = s.Queue.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}
