// Package memorytest provides an in-memory memory.Store for tests.
package memorytest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jadenj13/memoir/internals/memory"
)

type Fake struct {
	mu      sync.Mutex
	entries map[string][]memory.Entry
	next    int

	// Err, when set for an operation name ("add", "search", "list",
	// "update", "delete"), is returned instead of running it.
	Err map[string]error
	// Delay is applied before every call, honouring ctx.
	Delay time.Duration

	Calls []string
}

func New() *Fake {
	return &Fake{entries: make(map[string][]memory.Entry), Err: make(map[string]error)}
}

func (f *Fake) Seed(session string, texts ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range texts {
		f.next++
		f.entries[session] = append(f.entries[session], memory.Entry{
			ID: fmt.Sprintf("m%d", f.next), Session: session, Text: t, Importance: memory.DefaultImportance,
		})
	}
}

func (f *Fake) Entries(session string) []memory.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]memory.Entry(nil), f.entries[session]...)
}

func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}

func (f *Fake) begin(ctx context.Context, op string) error {
	f.mu.Lock()
	f.Calls = append(f.Calls, op)
	err := f.Err[op]
	f.mu.Unlock()

	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) Add(ctx context.Context, session, text string, importance float64, metadata map[string]any) (memory.Entry, error) {
	if err := f.begin(ctx, "add"); err != nil {
		return memory.Entry{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	e := memory.Entry{ID: fmt.Sprintf("m%d", f.next), Session: session, Text: text, Importance: importance, Metadata: metadata}
	f.entries[session] = append(f.entries[session], e)
	return e, nil
}

func (f *Fake) Search(ctx context.Context, session, query string, limit int) ([]memory.Entry, error) {
	if err := f.begin(ctx, "search"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []memory.Entry
	for _, e := range f.entries[session] {
		if strings.Contains(strings.ToLower(e.Text), strings.ToLower(query)) {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) ListAll(ctx context.Context, session string) ([]memory.Entry, error) {
	if err := f.begin(ctx, "list"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]memory.Entry(nil), f.entries[session]...), nil
}

func (f *Fake) Update(ctx context.Context, id, session, text string, importance float64, _ map[string]any) (memory.Entry, error) {
	if err := f.begin(ctx, "update"); err != nil {
		return memory.Entry{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, e := range f.entries[session] {
		if e.ID == id {
			e.Text = text
			if importance >= 0 {
				e.Importance = importance
			}
			f.entries[session][i] = e
			return e, nil
		}
	}
	return memory.Entry{}, memory.ErrNotFound
}

func (f *Fake) Delete(ctx context.Context, id, session string) error {
	if err := f.begin(ctx, "delete"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.entries[session]
	for i, e := range list {
		if e.ID == id {
			f.entries[session] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return memory.ErrNotFound
}

func (f *Fake) DeleteAll(ctx context.Context, session string) (int, error) {
	if err := f.begin(ctx, "delete_all"); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.entries[session])
	delete(f.entries, session)
	return n, nil
}
