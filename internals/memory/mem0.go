package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

const DefaultMem0URL = "https://api.mem0.ai"

// Mem0Store talks to the hosted Mem0 memory API.
type Mem0Store struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

type Mem0Option func(*Mem0Store)

func WithMem0BaseURL(u string) Mem0Option {
	return func(m *Mem0Store) {
		if u != "" {
			m.baseURL = strings.TrimRight(u, "/")
		}
	}
}

func WithMem0HTTPClient(c *http.Client) Mem0Option {
	return func(m *Mem0Store) { m.http = c }
}

func NewMem0(apiKey string, opts ...Mem0Option) *Mem0Store {
	m := &Mem0Store{
		apiKey:  apiKey,
		baseURL: DefaultMem0URL,
		http:    cleanhttp.DefaultPooledClient(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Mem0Store) Name() string { return string(BackendMem0) }

type mem0Memory struct {
	ID        string         `json:"id"`
	Memory    string         `json:"memory"`
	UserID    string         `json:"user_id"`
	Metadata  map[string]any `json:"metadata"`
	Score     float64        `json:"score"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
}

func (mm mem0Memory) entry(session string) Entry {
	e := Entry{
		ID:         mm.ID,
		Session:    session,
		Text:       mm.Memory,
		Importance: DefaultImportance,
		Metadata:   mm.Metadata,
		Score:      mm.Score,
		CreatedAt:  parseTime(mm.CreatedAt),
		UpdatedAt:  parseTime(mm.UpdatedAt),
	}
	if v, ok := mm.Metadata["importance"].(float64); ok {
		e.Importance = v
	}
	return e
}

func (m *Mem0Store) Add(ctx context.Context, session, text string, importance float64, metadata map[string]any) (Entry, error) {
	meta := map[string]any{"importance": clampImportance(importance)}
	for k, v := range metadata {
		meta[k] = v
	}
	body := map[string]any{
		"messages": []map[string]string{{"role": "user", "content": text}},
		"user_id":  session,
		"metadata": meta,
		"infer":    false,
	}

	var events []struct {
		ID     string `json:"id"`
		Memory string `json:"memory"`
		Event  string `json:"event"`
	}
	if err := m.do(ctx, http.MethodPost, "/v1/memories/", nil, body, &events); err != nil {
		return Entry{}, fmt.Errorf("mem0 add: %w", err)
	}

	now := time.Now().UTC()
	e := Entry{Session: session, Text: text, Importance: clampImportance(importance), Metadata: meta, CreatedAt: now, UpdatedAt: now}
	if len(events) > 0 {
		e.ID = events[0].ID
		if events[0].Memory != "" {
			e.Text = events[0].Memory
		}
	}
	return e, nil
}

func (m *Mem0Store) Search(ctx context.Context, session, query string, limit int) ([]Entry, error) {
	body := map[string]any{"query": query, "user_id": session}
	if limit > 0 {
		body["limit"] = limit
	}
	var found []mem0Memory
	if err := m.do(ctx, http.MethodPost, "/v1/memories/search/", nil, body, &found); err != nil {
		return nil, fmt.Errorf("mem0 search: %w", err)
	}
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	out := make([]Entry, 0, len(found))
	for _, f := range found {
		out = append(out, f.entry(session))
	}
	return out, nil
}

func (m *Mem0Store) ListAll(ctx context.Context, session string) ([]Entry, error) {
	var found []mem0Memory
	q := url.Values{"user_id": {session}}
	if err := m.do(ctx, http.MethodGet, "/v1/memories/", q, nil, &found); err != nil {
		return nil, fmt.Errorf("mem0 list: %w", err)
	}
	out := make([]Entry, 0, len(found))
	for _, f := range found {
		out = append(out, f.entry(session))
	}
	return out, nil
}

func (m *Mem0Store) Update(ctx context.Context, id, session, text string, importance float64, metadata map[string]any) (Entry, error) {
	meta := map[string]any{}
	for k, v := range metadata {
		meta[k] = v
	}
	if importance >= 0 {
		meta["importance"] = clampImportance(importance)
	}
	body := map[string]any{"text": text}
	if len(meta) > 0 {
		body["metadata"] = meta
	}

	var updated mem0Memory
	if err := m.do(ctx, http.MethodPut, "/v1/memories/"+url.PathEscape(id)+"/", nil, body, &updated); err != nil {
		return Entry{}, fmt.Errorf("mem0 update %s: %w", id, err)
	}
	if updated.ID == "" {
		updated.ID = id
	}
	if updated.Memory == "" {
		updated.Memory = text
	}
	return updated.entry(session), nil
}

func (m *Mem0Store) Delete(ctx context.Context, id, session string) error {
	if err := m.do(ctx, http.MethodDelete, "/v1/memories/"+url.PathEscape(id)+"/", nil, nil, nil); err != nil {
		return fmt.Errorf("mem0 delete %s: %w", id, err)
	}
	return nil
}

func (m *Mem0Store) DeleteAll(ctx context.Context, session string) (int, error) {
	all, err := m.ListAll(ctx, session)
	if err != nil {
		return 0, err
	}
	q := url.Values{"user_id": {session}}
	if err := m.do(ctx, http.MethodDelete, "/v1/memories/", q, nil, nil); err != nil {
		return 0, fmt.Errorf("mem0 delete all: %w", err)
	}
	return len(all), nil
}

func (m *Mem0Store) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	u := m.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Token "+m.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
