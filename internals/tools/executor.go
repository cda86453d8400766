package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jadenj13/memoir/internals/llm"
	"github.com/jadenj13/memoir/internals/memory"
)

const (
	DefaultTimeout     = 10 * time.Second
	DefaultSearchLimit = 3
	MaxSearchLimit     = 20
)

// Result is the outcome of one invocation. Payload is what the model sees.
type Result struct {
	ToolCallID string
	Name       string
	Payload    map[string]any
	Success    bool
}

// Message renders the result as a tool-role message answering its call.
func (r Result) Message() llm.Message {
	b, err := json.Marshal(r.Payload)
	if err != nil {
		b = []byte(`{"error":"unencodable tool result"}`)
	}
	return llm.Message{
		Role:       llm.RoleTool,
		Content:    string(b),
		ToolCallID: r.ToolCallID,
		IsError:    !r.Success,
	}
}

// Failed builds the result for an invocation that could not run.
func Failed(inv Invocation, err error) Result {
	return Result{
		ToolCallID: inv.ID,
		Name:       inv.Name,
		Payload:    map[string]any{"error": err.Error()},
		Success:    false,
	}
}

type handler func(ctx context.Context, session string, args map[string]any) (map[string]any, error)

// Executor runs invocations against a memory store, one call per invocation.
type Executor struct {
	store    memory.Store
	timeout  time.Duration
	log      *slog.Logger
	handlers map[Op]handler
}

type ExecutorOption func(*Executor)

// WithTimeout bounds each store call. A call that runs out of time becomes
// a failed result.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func NewExecutor(store memory.Store, log *slog.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{store: store, timeout: DefaultTimeout, log: log}
	for _, o := range opts {
		o(e)
	}
	e.handlers = map[Op]handler{
		OpStoreFact: e.storeFact,
		OpSearch:    e.search,
		OpListAll:   e.listAll,
		OpUpdate:    e.update,
		OpDelete:    e.delete,
	}
	return e
}

// Execute performs exactly one attempt. Once started, the store call is not
// cancelled by ctx; it only stops at the executor timeout.
func (e *Executor) Execute(ctx context.Context, inv Invocation, session string) Result {
	h, ok := e.handlers[inv.Op]
	if !ok {
		err := &CallError{Tool: inv.Name, Op: inv.Op, Err: ErrUnknownTool}
		e.log.Warn("unknown tool requested", "tool", inv.Name, "session", session)
		return Failed(inv, err)
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	start := time.Now()
	payload, err := h(callCtx, session, inv.Arguments)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("memory store timed out after %s: %w", e.timeout, err)
		}
		err = &CallError{Tool: inv.Name, Op: inv.Op, Err: err}
		e.log.Warn("tool failed", "tool", inv.Name, "session", session, "err", err)
		return Failed(inv, err)
	}

	e.log.Info("tool executed", "tool", inv.Name, "session", session, "elapsed", time.Since(start))
	return Result{ToolCallID: inv.ID, Name: inv.Name, Payload: payload, Success: true}
}

func decodeArgs(args map[string]any, into any) error {
	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := json.Unmarshal(b, into); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

func (e *Executor) storeFact(ctx context.Context, session string, args map[string]any) (map[string]any, error) {
	var in StoreInput
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	fact := strings.TrimSpace(in.Fact)
	if fact == "" {
		return nil, fmt.Errorf("%w: fact is required", ErrInvalidArguments)
	}
	importance := memory.FactImportance
	if in.Importance != nil {
		importance = *in.Importance
	}
	meta := map[string]any{
		"type":      "important_fact",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if in.Category != "" {
		meta["category"] = in.Category
	}

	entry, err := e.store.Add(ctx, session, fact, importance, meta)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"status":    "stored",
		"memory_id": entry.ID,
		"message":   "Stored " + fact,
	}, nil
}

func (e *Executor) search(ctx context.Context, session string, args map[string]any) (map[string]any, error) {
	var in SearchInput
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidArguments)
	}
	limit := in.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	limit = min(limit, MaxSearchLimit)

	entries, err := e.store.Search(ctx, session, query, limit)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return map[string]any{
			"status":  "not_found",
			"query":   query,
			"message": "No information found for " + query,
		}, nil
	}
	return map[string]any{
		"status":   "ok",
		"query":    query,
		"count":    len(entries),
		"memories": summarize(entries),
	}, nil
}

func (e *Executor) listAll(ctx context.Context, session string, _ map[string]any) (map[string]any, error) {
	entries, err := e.store.ListAll(ctx, session)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"status":   "ok",
		"count":    len(entries),
		"memories": summarize(entries),
	}, nil
}

func (e *Executor) update(ctx context.Context, session string, args map[string]any) (map[string]any, error) {
	var in UpdateInput
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if in.MemoryID == "" || strings.TrimSpace(in.Fact) == "" {
		return nil, fmt.Errorf("%w: memory_id and fact are required", ErrInvalidArguments)
	}
	importance := -1.0
	if in.Importance != nil {
		importance = *in.Importance
	}

	entry, err := e.store.Update(ctx, in.MemoryID, session, strings.TrimSpace(in.Fact), importance,
		map[string]any{"updated_via": "tool"})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"status":    "updated",
		"memory_id": entry.ID,
		"memory":    entry.Text,
	}, nil
}

func (e *Executor) delete(ctx context.Context, session string, args map[string]any) (map[string]any, error) {
	var in DeleteInput
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if in.MemoryID == "" {
		return nil, fmt.Errorf("%w: memory_id is required", ErrInvalidArguments)
	}
	if err := e.store.Delete(ctx, in.MemoryID, session); err != nil {
		return nil, err
	}
	return map[string]any{
		"status":    "deleted",
		"memory_id": in.MemoryID,
	}, nil
}

func summarize(entries []memory.Entry) []map[string]any {
	out := make([]map[string]any, 0, len(entries))
	for _, en := range entries {
		out = append(out, map[string]any{
			"id":         en.ID,
			"memory":     en.Text,
			"importance": en.Importance,
		})
	}
	return out
}
