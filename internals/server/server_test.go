package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jadenj13/memoir/internals/chat"
	"github.com/jadenj13/memoir/internals/history"
	"github.com/jadenj13/memoir/internals/llm"
	"github.com/jadenj13/memoir/internals/memory"
	"github.com/jadenj13/memoir/internals/memory/memorytest"
	"github.com/jadenj13/memoir/internals/server"
)

type fakeChat struct {
	parts   []string
	turnErr error
	busy    bool
	reply   string

	gotRecent, gotRelevant int
}

func (c *fakeChat) HandleTurn(_ context.Context, session, text string, sink chat.Sink) error {
	if c.busy {
		return fmt.Errorf("session %s: %w", session, history.ErrBusy)
	}
	em := chat.NewEmitter(sink)
	for _, p := range c.parts {
		if err := em.Content(p); err != nil {
			return err
		}
	}
	if c.turnErr != nil {
		em.Fail(c.turnErr)
		return c.turnErr
	}
	return em.Finish()
}

func (c *fakeChat) Reply(context.Context, string, string) (string, error) {
	if c.busy {
		return "", history.ErrBusy
	}
	return c.reply, nil
}

func (c *fakeChat) ContextLimited(_ context.Context, _, text string, recent, relevant int) []llm.Message {
	c.gotRecent, c.gotRelevant = recent, relevant
	return []llm.Message{
		{Role: llm.RoleSystem, Content: "sys"},
		{Role: llm.RoleUser, Content: text},
	}
}

func (c *fakeChat) Stats() chat.Stats { return chat.Stats{Turns: 1} }

type fakeExporter struct {
	got []memory.Entry
}

func (e *fakeExporter) Export(_ context.Context, _ string, entries []memory.Entry) (string, error) {
	e.got = entries
	return "https://example.test/snippet/1", nil
}

type harness struct {
	chat     *fakeChat
	store    *memorytest.Fake
	sessions *history.SessionStore
	exporter *fakeExporter
	srv      *httptest.Server
}

func newHarness(t *testing.T, store memory.Store) *harness {
	t.Helper()
	h := &harness{
		chat:     &fakeChat{},
		sessions: history.NewSessionStore(0),
		exporter: &fakeExporter{},
	}
	if store == nil {
		h.store = memorytest.New()
		store = h.store
	}
	s := server.New(server.Deps{
		Chat:      h.chat,
		Store:     store,
		Sessions:  h.sessions,
		Exporters: map[string]server.Exporter{"gist": h.exporter},
		Model:     "test-model",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.srv = httptest.NewServer(s.Handler())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp, out
}

func decode(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("decode %q: %v", b, err)
	}
	return m
}

func TestChat_StreamsFramesThenDone(t *testing.T) {
	h := newHarness(t, nil)
	h.chat.parts = []string{"Hel", "lo"}

	resp, body := h.do(t, http.MethodPost, "/chat", map[string]string{"user_id": "u1", "message": "hi"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	want := `data: {"content":"Hel","done":false}` + "\n\n" +
		`data: {"content":"lo","done":false}` + "\n\n" +
		`data: {"content":"","done":true}` + "\n\n" +
		"data: [DONE]\n\n"
	if string(body) != want {
		t.Fatalf("body =\n%s\nwant\n%s", body, want)
	}
}

func TestChat_FailureIsTerminalFrame(t *testing.T) {
	h := newHarness(t, nil)
	h.chat.turnErr = fmt.Errorf("provider down")

	resp, body := h.do(t, http.MethodPost, "/chat", map[string]string{"user_id": "u1", "message": "hi"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	frames := strings.Split(strings.TrimSpace(string(body)), "\n\n")
	if len(frames) != 2 || frames[1] != "data: [DONE]" {
		t.Fatalf("frames = %q", frames)
	}
	if !strings.Contains(frames[0], `Sorry, I encountered an error: provider down`) || !strings.Contains(frames[0], `"done":true`) {
		t.Fatalf("terminal frame = %s", frames[0])
	}
}

func TestChat_BusySessionConflict(t *testing.T) {
	h := newHarness(t, nil)
	h.chat.busy = true

	resp, _ := h.do(t, http.MethodPost, "/chat", map[string]string{"user_id": "u1", "message": "hi"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	resp, _ = h.do(t, http.MethodPost, "/chat/complete", map[string]string{"user_id": "u1", "message": "hi"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("complete status = %d, want 409", resp.StatusCode)
	}
}

func TestChat_Validation(t *testing.T) {
	h := newHarness(t, nil)
	for _, body := range []map[string]string{
		{"message": "hi"},
		{"user_id": "u1"},
		{"user_id": "  ", "message": "hi"},
	} {
		resp, _ := h.do(t, http.MethodPost, "/chat", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%v: status = %d", body, resp.StatusCode)
		}
	}
}

func TestChatComplete(t *testing.T) {
	h := newHarness(t, nil)
	h.chat.reply = "Paris."

	resp, body := h.do(t, http.MethodPost, "/chat/complete", map[string]string{"user_id": "u1", "message": "capital?"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := decode(t, body)["response"]; got != "Paris." {
		t.Fatalf("response = %v", got)
	}
}

func TestMemories_AddListDelete(t *testing.T) {
	h := newHarness(t, nil)

	resp, body := h.do(t, http.MethodPost, "/memories/u1", map[string]any{"memory_text": "likes tea"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add status = %d: %s", resp.StatusCode, body)
	}
	id := decode(t, body)["memory_id"].(string)

	entries := h.store.Entries("u1")
	if len(entries) != 1 || entries[0].Importance != memory.DefaultImportance || entries[0].Metadata["type"] != "manual" {
		t.Fatalf("stored = %+v", entries)
	}

	_, body = h.do(t, http.MethodGet, "/memories/u1", nil)
	if got := decode(t, body)["count"]; got != float64(1) {
		t.Fatalf("count = %v", got)
	}

	resp, _ = h.do(t, http.MethodDelete, "/memories/u1/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp, _ = h.do(t, http.MethodDelete, "/memories/u1/"+id, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", resp.StatusCode)
	}
}

func TestMemories_AddValidation(t *testing.T) {
	h := newHarness(t, nil)
	cases := []map[string]any{
		{"memory_text": ""},
		{"memory_text": "x", "importance": 1.5},
	}
	for _, c := range cases {
		resp, _ := h.do(t, http.MethodPost, "/memories/u1", c)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%v: status = %d", c, resp.StatusCode)
		}
	}
	if n := h.store.CallCount(); n != 0 {
		t.Fatalf("store calls = %d", n)
	}
}

func TestMemories_ListLimitBounds(t *testing.T) {
	h := newHarness(t, nil)
	h.store.Seed("u1", "a", "b", "c")

	_, body := h.do(t, http.MethodGet, "/memories/u1?limit=2", nil)
	if got := decode(t, body)["count"]; got != float64(2) {
		t.Fatalf("count = %v", got)
	}
	for _, q := range []string{"limit=0", "limit=101", "limit=x"} {
		resp, _ := h.do(t, http.MethodGet, "/memories/u1?"+q, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d", q, resp.StatusCode)
		}
	}
}

func TestMemories_Search(t *testing.T) {
	h := newHarness(t, nil)
	h.store.Seed("u1", "lives in Lisbon", "has a cat")

	resp, _ := h.do(t, http.MethodGet, "/memories/u1/search", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing query status = %d", resp.StatusCode)
	}

	_, body := h.do(t, http.MethodGet, "/memories/u1/search?query=lisbon", nil)
	m := decode(t, body)
	if m["count"] != float64(1) {
		t.Fatalf("search = %v", m)
	}
}

func TestMemories_ClearDropsHistoryAndStore(t *testing.T) {
	h := newHarness(t, nil)
	h.store.Seed("u1", "a", "b")
	h.sessions.Append("u1", "hi", "hello")

	_, body := h.do(t, http.MethodDelete, "/memories/u1", nil)
	m := decode(t, body)
	if m["memories_deleted"] != float64(2) || m["exchanges_cleared"] != float64(1) {
		t.Fatalf("clear = %v", m)
	}
	if len(h.store.Entries("u1")) != 0 || len(h.sessions.Exchanges("u1", 0)) != 0 {
		t.Fatal("user not cleared")
	}
}

func TestMemories_DisabledStoreUnavailable(t *testing.T) {
	h := newHarness(t, memory.Disabled{})

	resp, _ := h.do(t, http.MethodPost, "/memories/u1", map[string]any{"memory_text": "x"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	resp, _ = h.do(t, http.MethodGet, "/memories/u1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
}

func TestMemories_Context(t *testing.T) {
	h := newHarness(t, nil)

	_, body := h.do(t, http.MethodGet, "/memories/u1/context?message=hi&max_recent=2&max_memories=4", nil)
	m := decode(t, body)
	if m["context_count"] != float64(2) {
		t.Fatalf("context = %v", m)
	}
	if h.chat.gotRecent != 2 || h.chat.gotRelevant != 4 {
		t.Fatalf("limits = %d, %d", h.chat.gotRecent, h.chat.gotRelevant)
	}

	resp, _ := h.do(t, http.MethodGet, "/memories/u1/context?message=hi&max_recent=21", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestMemories_History(t *testing.T) {
	h := newHarness(t, nil)
	h.sessions.Append("u1", "one", "1")
	h.sessions.Append("u1", "two", "2")

	_, body := h.do(t, http.MethodGet, "/memories/u1/history?limit=1", nil)
	m := decode(t, body)
	ex := m["exchanges"].([]any)
	if len(ex) != 1 || ex[0].(map[string]any)["user_message"] != "two" {
		t.Fatalf("history = %v", m)
	}
}

func TestMemories_Export(t *testing.T) {
	h := newHarness(t, nil)
	h.store.Seed("u1", "a")

	_, body := h.do(t, http.MethodPost, "/memories/u1/export", map[string]string{"target": "gist"})
	m := decode(t, body)
	if m["url"] != "https://example.test/snippet/1" || len(h.exporter.got) != 1 {
		t.Fatalf("export = %v", m)
	}

	resp, _ := h.do(t, http.MethodPost, "/memories/u1/export", map[string]string{"target": "fax"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown target status = %d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)

	_, body := h.do(t, http.MethodGet, "/health", nil)
	if decode(t, body)["status"] != "healthy" {
		t.Fatalf("health = %s", body)
	}

	h.store.Err["search"] = memory.ErrUnavailable
	_, body = h.do(t, http.MethodGet, "/health/detailed", nil)
	m := decode(t, body)
	if m["status"] != "degraded" || m["model"] != "test-model" {
		t.Fatalf("detailed = %v", m)
	}
}

func TestStats(t *testing.T) {
	h := newHarness(t, nil)
	_, body := h.do(t, http.MethodGet, "/memories/stats", nil)
	m := decode(t, body)
	if m["backend"] != "fake" {
		t.Fatalf("stats = %v", m)
	}
}
