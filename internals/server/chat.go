package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jadenj13/memoir/internals/chat"
	"github.com/jadenj13/memoir/internals/history"
)

type chatRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

func (c *chatRequest) validate() error {
	c.UserID = strings.TrimSpace(c.UserID)
	if c.UserID == "" {
		return errors.New("user_id is required")
	}
	if strings.TrimSpace(c.Message) == "" {
		return errors.New("message is required")
	}
	return nil
}

// sseSink writes emissions as server-sent events. Headers go out with the
// first emission so a rejected turn can still answer with a plain status.
type sseSink struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
}

func newSSESink(w http.ResponseWriter) *sseSink {
	return &sseSink{w: w, rc: http.NewResponseController(w)}
}

func (s *sseSink) Emit(e chat.Emission) error {
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}

	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return err
	}
	if e.Done {
		if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
			return err
		}
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sink := newSSESink(w)
	err := s.Chat.HandleTurn(r.Context(), req.UserID, req.Message, sink)
	if err == nil || sink.started {
		return
	}
	if errors.Is(err, history.ErrBusy) {
		writeError(w, http.StatusConflict, "a response for this user is already in progress")
		return
	}
	s.log.Error("chat failed before streaming", "user", req.UserID, "err", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) handleChatComplete(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reply, err := s.Chat.Reply(r.Context(), req.UserID, req.Message)
	if errors.Is(err, history.ErrBusy) {
		writeError(w, http.StatusConflict, "a response for this user is already in progress")
		return
	}
	if err != nil {
		s.log.Error("chat completion failed", "user", req.UserID, "err", err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Sorry, I encountered an error: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":   req.UserID,
		"message":   req.Message,
		"response":  reply,
		"timestamp": now(),
	})
}
