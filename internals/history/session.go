package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jadenj13/memoir/internals/llm"
)

const (
	DefaultMaxExchanges = 50
	DefaultSessionIdle  = 24 * time.Hour
)

var ErrBusy = errors.New("session has a turn in progress")

type Exchange struct {
	User      string    `json:"user_message"`
	Assistant string    `json:"assistant_response"`
	At        time.Time `json:"timestamp"`
}

type Session struct {
	ID        string
	Exchanges []Exchange

	CreatedAt time.Time
	UpdatedAt time.Time

	turn    chan struct{} // capacity 1, held for the duration of a turn
	evicted bool          // guarded by the store mutex
}

func newSession(id string) *Session {
	now := time.Now()
	return &Session{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		turn:      make(chan struct{}, 1),
	}
}

type Stats struct {
	Sessions     int `json:"total_users"`
	Exchanges    int `json:"total_conversations"`
	MaxExchanges int `json:"max_memories_per_user"`
}

// SessionStore keeps the most recent exchanges of every session in memory
// and serializes turns within a session.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	max      int
}

func NewSessionStore(maxExchanges int) *SessionStore {
	if maxExchanges <= 0 {
		maxExchanges = DefaultMaxExchanges
	}
	return &SessionStore{
		sessions: make(map[string]*Session),
		max:      maxExchanges,
	}
}

func (s *SessionStore) GetOrCreate(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok {
		return sess
	}
	sess := newSession(id)
	s.sessions[id] = sess
	return sess
}

// Append records a finished exchange, dropping the oldest once the cap is hit.
func (s *SessionStore) Append(id, user, assistant string) {
	sess := s.GetOrCreate(id)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	sess.Exchanges = append(sess.Exchanges, Exchange{User: user, Assistant: assistant, At: now})
	if over := len(sess.Exchanges) - s.max; over > 0 {
		sess.Exchanges = append(sess.Exchanges[:0:0], sess.Exchanges[over:]...)
	}
	sess.UpdatedAt = now
}

// Exchanges returns up to limit of the most recent exchanges, oldest first.
// A limit of zero or less returns all of them.
func (s *SessionStore) Exchanges(id string, limit int) []Exchange {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	ex := sess.Exchanges
	if limit > 0 && len(ex) > limit {
		ex = ex[len(ex)-limit:]
	}
	return append([]Exchange(nil), ex...)
}

// Recent renders the last n exchanges as alternating user and assistant
// messages. Exchanges without a reply are left out so roles keep
// alternating.
func (s *SessionStore) Recent(id string, n int) []llm.Message {
	ex := s.Exchanges(id, n)
	out := make([]llm.Message, 0, 2*len(ex))
	for _, e := range ex {
		if e.Assistant == "" {
			continue
		}
		out = append(out,
			llm.Message{Role: llm.RoleUser, Content: e.User},
			llm.Message{Role: llm.RoleAssistant, Content: e.Assistant},
		)
	}
	return out
}

// Clear drops a session's exchanges and reports how many were removed.
func (s *SessionStore) Clear(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return 0
	}
	n := len(sess.Exchanges)
	sess.Exchanges = nil
	sess.UpdatedAt = time.Now()
	return n
}

func (s *SessionStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Sessions: len(s.sessions), MaxExchanges: s.max}
	for _, sess := range s.sessions {
		st.Exchanges += len(sess.Exchanges)
	}
	return st
}

// Evict drops sessions untouched for longer than idle and reports how many
// went. Sessions with a turn in progress are kept.
func (s *SessionStore) Evict(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if sess.UpdatedAt.After(cutoff) {
			continue
		}
		select {
		case sess.turn <- struct{}{}:
			sess.evicted = true
			delete(s.sessions, id)
			<-sess.turn
			n++
		default:
		}
	}
	return n
}

// Lock waits until no other turn is running for the session, or ctx is
// done. The returned func releases the turn.
func (s *SessionStore) Lock(ctx context.Context, id string) (func(), error) {
	for {
		sess := s.GetOrCreate(id)
		select {
		case sess.turn <- struct{}{}:
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for session %s: %w", id, errors.Join(ErrBusy, ctx.Err()))
		}
		if release, ok := s.held(sess); ok {
			return release, nil
		}
	}
}

// TryLock is Lock without waiting.
func (s *SessionStore) TryLock(id string) (func(), error) {
	for {
		sess := s.GetOrCreate(id)
		select {
		case sess.turn <- struct{}{}:
		default:
			return nil, ErrBusy
		}
		if release, ok := s.held(sess); ok {
			return release, nil
		}
	}
}

// held finishes taking a turn slot. A session evicted between lookup and
// acquisition is let go so the caller retries against its replacement.
func (s *SessionStore) held(sess *Session) (func(), bool) {
	s.mu.RLock()
	evicted := sess.evicted
	s.mu.RUnlock()
	if evicted {
		<-sess.turn
		return nil, false
	}
	return func() { <-sess.turn }, true
}

// RunEvictor calls Evict every interval until ctx is done.
func (s *SessionStore) RunEvictor(ctx context.Context, idle, interval time.Duration, log *slog.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.Evict(idle); n > 0 {
				log.Info("idle sessions evicted", "count", n, "idle", idle)
			}
		}
	}
}
