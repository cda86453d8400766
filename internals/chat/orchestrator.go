package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jadenj13/memoir/internals/assembler"
	"github.com/jadenj13/memoir/internals/history"
	"github.com/jadenj13/memoir/internals/llm"
	"github.com/jadenj13/memoir/internals/memory"
	"github.com/jadenj13/memoir/internals/persist"
	"github.com/jadenj13/memoir/internals/tools"
)

const (
	DefaultSystemPrompt = "You are a helpful assistant with long-term memory. " +
		"When the user shares something worth remembering about themselves, store it. " +
		"When answering depends on something they told you before, search your memories first. " +
		"Never mention the memory tools unless asked."
	DefaultRecentExchanges  = 5
	DefaultRelevantMemories = 3
	DefaultTurnWait         = 30 * time.Second
	DefaultRecallTimeout    = 5 * time.Second
)

type Provider interface {
	OpenStream(ctx context.Context, messages []llm.Message, tools []llm.Tool, choice llm.ToolChoice) (llm.Stream, error)
	Complete(ctx context.Context, messages []llm.Message) (llm.Message, error)
}

type ToolRunner interface {
	Execute(ctx context.Context, inv tools.Invocation, session string) tools.Result
}

// Recaller looks up memories relevant to an incoming message.
type Recaller interface {
	Search(ctx context.Context, session, query string, limit int) ([]memory.Entry, error)
}

type Enqueuer interface {
	Enqueue(job persist.Job) error
}

type State int

const (
	StateStreamingPrimary State = iota
	StateContentOnlyTerminal
	StateAwaitingTools
	StateExecutingTools
	StateStreamingFollowup
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateStreamingPrimary:
		return "streaming_primary"
	case StateContentOnlyTerminal:
		return "content_only_terminal"
	case StateAwaitingTools:
		return "awaiting_tools"
	case StateExecutingTools:
		return "executing_tools"
	case StateStreamingFollowup:
		return "streaming_followup"
	case StateTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Stats struct {
	Turns     int64 `json:"turns"`
	Failed    int64 `json:"failed"`
	ToolCalls int64 `json:"tool_calls"`
	Rejected  int64 `json:"rejected"`
}

// Orchestrator runs conversation turns: one streaming round with the memory
// tools offered, and at most one follow-up round without them.
type Orchestrator struct {
	provider Provider
	executor ToolRunner
	sessions *history.SessionStore
	log      *slog.Logger

	recaller      Recaller
	relevant      int
	recallTimeout time.Duration
	queue         Enqueuer
	tools         []llm.Tool
	recent        int
	turnWait      time.Duration

	mu     sync.RWMutex
	system string

	turns     atomic.Int64
	failed    atomic.Int64
	toolCalls atomic.Int64
	rejected  atomic.Int64
}

type Option func(*Orchestrator)

func WithSystemPrompt(p string) Option {
	return func(o *Orchestrator) { o.system = p }
}

// WithRecall adds a note of up to n relevant memories to every turn's context.
func WithRecall(r Recaller, n int) Option {
	return func(o *Orchestrator) {
		o.recaller = r
		if n > 0 {
			o.relevant = n
		}
	}
}

func WithQueue(q Enqueuer) Option {
	return func(o *Orchestrator) { o.queue = q }
}

func WithRecentExchanges(n int) Option {
	return func(o *Orchestrator) { o.recent = n }
}

// WithTurnWait bounds how long a turn waits for an earlier turn of the same
// session. Zero rejects immediately.
func WithTurnWait(d time.Duration) Option {
	return func(o *Orchestrator) { o.turnWait = d }
}

func WithTools(t []llm.Tool) Option {
	return func(o *Orchestrator) { o.tools = t }
}

func New(provider Provider, executor ToolRunner, sessions *history.SessionStore, log *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		provider:      provider,
		executor:      executor,
		sessions:      sessions,
		log:           log,
		relevant:      DefaultRelevantMemories,
		recallTimeout: DefaultRecallTimeout,
		tools:         tools.Definitions(),
		recent:        DefaultRecentExchanges,
		turnWait:      DefaultTurnWait,
		system:        DefaultSystemPrompt,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) SetSystemPrompt(p string) {
	o.mu.Lock()
	o.system = p
	o.mu.Unlock()
	o.log.Info("system prompt updated", "length", len(p))
}

func (o *Orchestrator) SystemPrompt() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.system
}

func (o *Orchestrator) Stats() Stats {
	return Stats{
		Turns:     o.turns.Load(),
		Failed:    o.failed.Load(),
		ToolCalls: o.toolCalls.Load(),
		Rejected:  o.rejected.Load(),
	}
}

func (o *Orchestrator) acquire(ctx context.Context, session string) (func(), error) {
	if o.turnWait <= 0 {
		return o.sessions.TryLock(session)
	}
	waitCtx, cancel := context.WithTimeout(ctx, o.turnWait)
	defer cancel()
	return o.sessions.Lock(waitCtx, session)
}

// HandleTurn runs one turn and streams it to sink. If another turn for the
// session holds the lock past the wait, it returns an error wrapping
// history.ErrBusy without emitting anything. Otherwise exactly one terminal
// emission reaches the sink, and the returned error reports why the turn
// failed, if it did.
func (o *Orchestrator) HandleTurn(ctx context.Context, session, text string, sink Sink) error {
	release, err := o.acquire(ctx, session)
	if err != nil {
		o.rejected.Add(1)
		return err
	}
	defer release()

	turnID := uuid.NewString()
	log := o.log.With("session", session, "turn", turnID)
	o.turns.Add(1)

	em := NewEmitter(sink)
	if err := o.run(ctx, log, session, text, em); err != nil {
		o.failed.Add(1)
		log.Error("turn failed", "err", err, "streamed", em.Started())
		if termErr := em.Fail(err); termErr != nil && !errors.Is(termErr, ErrEmitterClosed) {
			log.Debug("terminal emission not delivered", "err", termErr)
		}
		log.Debug("state", "state", StateTerminal)
		return err
	}

	if err := em.Finish(); err != nil {
		log.Warn("terminal emission not delivered", "err", err)
	}
	log.Debug("state", "state", StateTerminal)

	o.remember(log, turnID, session, text, em.Text())
	return nil
}

func (o *Orchestrator) run(ctx context.Context, log *slog.Logger, session, text string, em *Emitter) error {
	msgs := o.Context(ctx, session, text)

	log.Debug("state", "state", StateStreamingPrimary)
	asm := assembler.New()
	finish, err := o.stream(ctx, log, msgs, llm.ToolChoiceAuto, em, asm)
	if err != nil {
		return fmt.Errorf("primary stream: %w", err)
	}
	if !asm.Complete(finish) {
		if asm.Len() > 0 {
			log.Warn("tool call fragments without tool_calls finish, ignoring", "finish", finish, "calls", asm.Len())
		}
		log.Debug("state", "state", StateContentOnlyTerminal, "finish", finish)
		return nil
	}

	log.Debug("state", "state", StateAwaitingTools, "calls", asm.Len())
	batch := asm.Drain()

	log.Debug("state", "state", StateExecutingTools)
	assistant := llm.Message{Role: llm.RoleAssistant, Content: em.Text()}
	for _, a := range batch {
		assistant.ToolCalls = append(assistant.ToolCalls, a.Invocation.ToolCall())
	}
	msgs = append(msgs, assistant)

	for _, a := range batch {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("abandoned before %s: %w", a.Invocation.Name, err)
		}
		var res tools.Result
		if a.Err != nil {
			log.Warn("tool call not executed", "tool", a.Invocation.Name, "err", a.Err)
			res = tools.Failed(a.Invocation, a.Err)
		} else {
			res = o.executor.Execute(ctx, a.Invocation, session)
		}
		o.toolCalls.Add(1)
		msgs = append(msgs, res.Message())
	}

	// The definitions go out again because the context now holds tool calls,
	// but the model may not make new ones.
	log.Debug("state", "state", StateStreamingFollowup)
	if _, err := o.stream(ctx, log, msgs, llm.ToolChoiceNone, em, nil); err != nil {
		return fmt.Errorf("follow-up stream: %w", err)
	}
	return nil
}

// stream forwards content as it arrives and feeds tool call fragments to
// asm. A nil asm means tool calls are not accepted and fragments are dropped.
func (o *Orchestrator) stream(ctx context.Context, log *slog.Logger, msgs []llm.Message, choice llm.ToolChoice, em *Emitter, asm *assembler.Assembler) (llm.FinishReason, error) {
	s, err := o.provider.OpenStream(ctx, msgs, o.tools, choice)
	if err != nil {
		return llm.FinishNone, fmt.Errorf("open: %w", err)
	}
	defer s.Close()

	finish := llm.FinishNone
	for s.Next() {
		ch := s.Chunk()
		switch {
		case ch.Content != "":
			if err := em.Content(ch.Content); err != nil {
				return finish, fmt.Errorf("emit: %w", err)
			}
		case ch.Fragment != nil:
			if asm == nil {
				log.Warn("tool call fragment in a round without tools, dropping", "index", ch.Fragment.Index)
				continue
			}
			if err := asm.Ingest(*ch.Fragment); err != nil {
				return finish, fmt.Errorf("malformed response: %w", err)
			}
		case ch.Finish != llm.FinishNone:
			finish = ch.Finish
		}
		if err := ctx.Err(); err != nil {
			return finish, err
		}
	}
	if err := s.Err(); err != nil {
		return finish, fmt.Errorf("read: %w", err)
	}
	return finish, nil
}

// Context builds the messages for a new turn: system prompt, an optional
// note of relevant memories, recent history and the user's message.
func (o *Orchestrator) Context(ctx context.Context, session, text string) []llm.Message {
	return o.ContextLimited(ctx, session, text, o.recent, o.relevant)
}

// ContextLimited is Context with explicit history and memory counts.
func (o *Orchestrator) ContextLimited(ctx context.Context, session, text string, recent, relevant int) []llm.Message {
	var msgs []llm.Message
	if sys := o.SystemPrompt(); sys != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: sys})
	}
	if note := o.memoryNote(ctx, session, text, relevant); note != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: note})
	}
	msgs = append(msgs, o.sessions.Recent(session, recent)...)
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: text})
}

func (o *Orchestrator) memoryNote(ctx context.Context, session, text string, limit int) string {
	if o.recaller == nil || limit <= 0 {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, o.recallTimeout)
	defer cancel()

	entries, err := o.recaller.Search(ctx, session, text, limit)
	if err != nil {
		o.log.Warn("memory recall failed", "session", session, "err", err)
		return ""
	}
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant memories: ")
	for _, e := range entries {
		b.WriteString(e.Text)
		b.WriteString("; ")
	}
	return b.String()
}

func (o *Orchestrator) remember(log *slog.Logger, turnID, session, user, assistant string) {
	o.sessions.Append(session, user, assistant)
	if o.queue == nil {
		return
	}
	err := o.queue.Enqueue(persist.Job{ID: turnID, Session: session, User: user, Assistant: assistant})
	if err != nil {
		log.Warn("exchange not queued for persistence", "err", err)
	}
}

// Reply answers without streaming and without tools.
func (o *Orchestrator) Reply(ctx context.Context, session, text string) (string, error) {
	release, err := o.acquire(ctx, session)
	if err != nil {
		o.rejected.Add(1)
		return "", err
	}
	defer release()

	turnID := uuid.NewString()
	log := o.log.With("session", session, "turn", turnID)
	o.turns.Add(1)

	msg, err := o.provider.Complete(ctx, o.Context(ctx, session, text))
	if err != nil {
		o.failed.Add(1)
		return "", fmt.Errorf("complete: %w", err)
	}
	o.remember(log, turnID, session, text, msg.Content)
	return msg.Content, nil
}
