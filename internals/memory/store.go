package memory

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound    = errors.New("memory not found")
	ErrUnavailable = errors.New("memory store not available")
)

const (
	DefaultImportance = 0.5
	FactImportance    = 0.8
)

type Entry struct {
	ID         string         `json:"id"`
	Session    string         `json:"user_id"`
	Text       string         `json:"memory"`
	Importance float64        `json:"importance"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Score      float64        `json:"score,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Store is a durable, queryable set of facts per session. Implementations
// must be safe for concurrent use. A negative importance passed to Update
// keeps the stored value.
type Store interface {
	Add(ctx context.Context, session, text string, importance float64, metadata map[string]any) (Entry, error)
	Search(ctx context.Context, session, query string, limit int) ([]Entry, error)
	ListAll(ctx context.Context, session string) ([]Entry, error)
	Update(ctx context.Context, id, session, text string, importance float64, metadata map[string]any) (Entry, error)
	Delete(ctx context.Context, id, session string) error
	DeleteAll(ctx context.Context, session string) (int, error)
	Name() string
}

type Backend string

const (
	BackendSQLite   Backend = "sqlite"
	BackendMem0     Backend = "mem0"
	BackendDisabled Backend = "disabled"
)

type Options struct {
	Backend    Backend
	SQLitePath string
	Mem0APIKey string
	Mem0URL    string
}

// New opens the configured backend. A mem0 backend without an API key
// degrades to Disabled rather than failing.
func New(opts Options) (Store, error) {
	switch opts.Backend {
	case BackendSQLite, "":
		return OpenSQLite(opts.SQLitePath)
	case BackendMem0:
		if opts.Mem0APIKey == "" {
			return Disabled{}, nil
		}
		return NewMem0(opts.Mem0APIKey, WithMem0BaseURL(opts.Mem0URL)), nil
	case BackendDisabled:
		return Disabled{}, nil
	default:
		return nil, fmt.Errorf("unknown memory backend %q", opts.Backend)
	}
}

// Disabled stands in when no store is configured. Reads are empty, writes
// fail with ErrUnavailable.
type Disabled struct{}

func (Disabled) Add(context.Context, string, string, float64, map[string]any) (Entry, error) {
	return Entry{}, ErrUnavailable
}

func (Disabled) Search(context.Context, string, string, int) ([]Entry, error) { return nil, nil }

func (Disabled) ListAll(context.Context, string) ([]Entry, error) { return nil, nil }

func (Disabled) Update(context.Context, string, string, string, float64, map[string]any) (Entry, error) {
	return Entry{}, ErrUnavailable
}

func (Disabled) Delete(context.Context, string, string) error { return ErrUnavailable }

func (Disabled) DeleteAll(context.Context, string) (int, error) { return 0, nil }

func (Disabled) Name() string { return string(BackendDisabled) }

func clampImportance(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
