package memory_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jadenj13/memoir/internals/memory"
)

func TestMem0Store_Search(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/memories/search/" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Token k" {
			t.Errorf("Authorization = %q", auth)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"id":"m1","memory":"name: Sam","user_id":"u1","metadata":{"importance":0.8},"score":0.9,"created_at":"2024-05-01T10:00:00Z"},
			{"id":"m2","memory":"likes tea","user_id":"u1","score":0.3}
		]`))
	}))
	defer srv.Close()

	s := memory.NewMem0("k", memory.WithMem0BaseURL(srv.URL))
	hits, err := s.Search(context.Background(), "u1", "name", 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if got["query"] != "name" || got["user_id"] != "u1" {
		t.Fatalf("unexpected request body: %v", got)
	}
	if len(hits) != 1 || hits[0].ID != "m1" || hits[0].Text != "name: Sam" || hits[0].Importance != 0.8 {
		t.Fatalf("unexpected hits: %+v", hits)
	}
	if hits[0].CreatedAt.IsZero() {
		t.Fatal("created_at not parsed")
	}
}

func TestMem0Store_ErrorsAreWrapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodDelete:
			http.NotFound(w, r)
		default:
			http.Error(w, "boom", http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	s := memory.NewMem0("k", memory.WithMem0BaseURL(srv.URL))

	if err := s.Delete(context.Background(), "m1", "u1"); !errors.Is(err, memory.ErrNotFound) {
		t.Fatalf("Delete: want ErrNotFound, got %v", err)
	}
	if _, err := s.Add(context.Background(), "u1", "x", 0.5, nil); err == nil {
		t.Fatal("Add: expected error on 502")
	}
}
