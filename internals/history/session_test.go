package history_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jadenj13/memoir/internals/history"
	"github.com/jadenj13/memoir/internals/llm"
)

func TestSessionStore_CapsExchanges(t *testing.T) {
	s := history.NewSessionStore(3)
	for i := range 5 {
		s.Append("u1", fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i))
	}

	ex := s.Exchanges("u1", 0)
	if len(ex) != 3 {
		t.Fatalf("kept %d exchanges, want 3", len(ex))
	}
	if ex[0].User != "q2" || ex[2].User != "q4" {
		t.Fatalf("wrong exchanges kept: %+v", ex)
	}
	if st := s.Stats(); st.Sessions != 1 || st.Exchanges != 3 || st.MaxExchanges != 3 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestSessionStore_Recent(t *testing.T) {
	s := history.NewSessionStore(0)
	s.Append("u1", "hi", "hello")
	s.Append("u1", "my name is Sam", "nice to meet you")
	s.Append("u1", "bye", "see you")

	msgs := s.Recent("u1", 2)
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	if msgs[0].Role != llm.RoleUser || msgs[0].Content != "my name is Sam" {
		t.Fatalf("first = %+v", msgs[0])
	}
	if msgs[3].Role != llm.RoleAssistant || msgs[3].Content != "see you" {
		t.Fatalf("last = %+v", msgs[3])
	}
	if got := s.Recent("nobody", 5); len(got) != 0 {
		t.Fatalf("unknown session should have no history: %v", got)
	}
}

func TestSessionStore_Clear(t *testing.T) {
	s := history.NewSessionStore(0)
	s.Append("u1", "a", "b")
	s.Append("u1", "c", "d")
	if n := s.Clear("u1"); n != 2 {
		t.Fatalf("Clear = %d, want 2", n)
	}
	if len(s.Exchanges("u1", 0)) != 0 {
		t.Fatal("history survived Clear")
	}
}

func TestSessionStore_TurnsAreSerialized(t *testing.T) {
	s := history.NewSessionStore(0)

	unlock, err := s.TryLock("u1")
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if _, err := s.TryLock("u1"); !errors.Is(err, history.ErrBusy) {
		t.Fatalf("second TryLock: want ErrBusy, got %v", err)
	}

	other, err := s.TryLock("u2")
	if err != nil {
		t.Fatalf("other sessions must not be blocked: %v", err)
	}
	other()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Lock(ctx, "u1"); !errors.Is(err, history.ErrBusy) {
		t.Fatalf("Lock with expiring ctx: want ErrBusy, got %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		release, err := s.Lock(context.Background(), "u1")
		if err == nil {
			close(acquired)
			release()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("waiter acquired while turn still held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired after release")
	}
}

func TestSessionStore_RecentSkipsUnansweredExchanges(t *testing.T) {
	s := history.NewSessionStore(0)
	s.Append("u1", "remember I like tea", "")
	s.Append("u1", "what do I like?", "tea")

	msgs := s.Recent("u1", 0)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d: %+v", len(msgs), msgs)
	}
	for i, m := range msgs {
		want := llm.RoleUser
		if i%2 == 1 {
			want = llm.RoleAssistant
		}
		if m.Role != want {
			t.Fatalf("message %d role = %s, want %s: %+v", i, m.Role, want, msgs)
		}
	}
	if msgs[0].Content != "what do I like?" {
		t.Fatalf("first = %+v", msgs[0])
	}
}

func TestSessionStore_EvictIdle(t *testing.T) {
	s := history.NewSessionStore(0)
	s.Append("idle", "q", "a")
	s.Append("busy", "q", "a")
	release, err := s.TryLock("busy")
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if n := s.Evict(time.Millisecond); n != 1 {
		t.Fatalf("Evict = %d, want 1", n)
	}
	if len(s.Exchanges("idle", 0)) != 0 {
		t.Fatal("idle session survived eviction")
	}
	if len(s.Exchanges("busy", 0)) != 1 {
		t.Fatal("session with a running turn was evicted")
	}
	release()

	s.Append("fresh", "q", "a")
	if n := s.Evict(time.Hour); n != 0 {
		t.Fatalf("Evict(1h) = %d, want 0", n)
	}
}

func TestSessionStore_LockAfterEviction(t *testing.T) {
	s := history.NewSessionStore(0)
	s.Append("u1", "q", "a")
	time.Sleep(2 * time.Millisecond)
	if n := s.Evict(time.Millisecond); n != 1 {
		t.Fatalf("Evict = %d, want 1", n)
	}

	release, err := s.TryLock("u1")
	if err != nil {
		t.Fatalf("TryLock after eviction: %v", err)
	}
	if _, err := s.TryLock("u1"); !errors.Is(err, history.ErrBusy) {
		t.Fatalf("second TryLock: want ErrBusy, got %v", err)
	}
	release()
	if st := s.Stats(); st.Sessions != 1 || st.Exchanges != 0 {
		t.Fatalf("stats = %+v", st)
	}
}
