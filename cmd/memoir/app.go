package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/jadenj13/memoir/internals/chat"
	"github.com/jadenj13/memoir/internals/config"
	"github.com/jadenj13/memoir/internals/history"
	"github.com/jadenj13/memoir/internals/llm"
	"github.com/jadenj13/memoir/internals/memory"
	"github.com/jadenj13/memoir/internals/persist"
	"github.com/jadenj13/memoir/internals/tools"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg config.Config
	log *slog.Logger

	backend  memory.Store
	store    *memory.CachedStore
	executor *tools.Executor
	sessions *history.SessionStore
	queue    *persist.Queue
	llm      *llm.Client
	chat     *chat.Orchestrator
}

func newLogger(cfg config.Config, out io.Writer) *slog.Logger {
	level, _ := cfg.LogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}

// loadConfig reads the config file and fills missing credentials from the
// OS keyring.
func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.FillSecrets(); err != nil {
		slog.Warn("keyring lookup failed", "err", err)
	}
	return cfg, nil
}

// newApp wires the memory store, the persistence queue and, when needLLM is
// set, the model client and orchestrator.
func newApp(cfg config.Config, log *slog.Logger, needLLM bool) (*app, error) {
	backend, err := memory.New(cfg.MemoryOptions())
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	if cfg.Memory.Backend == memory.BackendMem0 && cfg.Memory.Mem0APIKey == "" {
		log.Warn("MEM0_API_KEY not set, memory disabled")
	}
	log.Info("memory store ready", "backend", backend.Name())

	a := &app{
		cfg:      cfg,
		log:      log,
		backend:  backend,
		store:    memory.NewCachedStore(backend, cfg.Memory.CacheTTL),
		sessions: history.NewSessionStore(cfg.Chat.MaxExchanges),
	}
	a.executor = tools.NewExecutor(a.store, log, tools.WithTimeout(cfg.Memory.Timeout))
	a.queue = persist.New(a.store, log, persist.Options{
		Workers:   cfg.Persist.Workers,
		QueueSize: cfg.Persist.QueueSize,
		Timeout:   cfg.Persist.Timeout,
	})

	if !needLLM {
		return a, nil
	}
	if cfg.LLM.APIKey == "" {
		a.close(context.Background())
		return nil, errors.New("ANTHROPIC_API_KEY is not set; export it or run `memoir secret set ANTHROPIC_API_KEY`")
	}

	a.llm = llm.NewClient(cfg.LLM.APIKey,
		llm.WithModel(anthropic.Model(cfg.LLM.Model)),
		llm.WithMaxTokens(cfg.LLM.MaxTokens),
		llm.WithTemperature(cfg.LLM.Temperature),
	)

	opts := []chat.Option{
		chat.WithSystemPrompt(cfg.Chat.SystemPrompt),
		chat.WithQueue(a.queue),
		chat.WithRecentExchanges(cfg.Chat.RecentExchanges),
		chat.WithTurnWait(cfg.Chat.TurnWait),
	}
	if cfg.Chat.RelevantMemories > 0 {
		opts = append(opts, chat.WithRecall(a.store, cfg.Chat.RelevantMemories))
	}
	a.chat = chat.New(a.llm, a.executor, a.sessions, log, opts...)
	return a, nil
}

// evictIdleSessions drops in-memory history for sessions idle longer than
// chat.session_idle until ctx is done.
func (a *app) evictIdleSessions(ctx context.Context) {
	idle := a.cfg.Chat.SessionIdle
	if idle <= 0 {
		return
	}
	interval := max(idle/4, time.Minute)
	go a.sessions.RunEvictor(ctx, idle, interval, a.log)
}

// close drains the persistence queue, then closes the backend.
func (a *app) close(ctx context.Context) {
	stats, err := a.queue.Shutdown(ctx)
	if err != nil {
		a.log.Warn("persistence queue not drained", "err", err, "pending", stats.Pending)
	}
	a.log.Info("persistence queue stopped", "completed", stats.Completed, "failed", stats.Failed, "dropped", stats.Dropped)

	if c, ok := a.backend.(io.Closer); ok {
		if err := c.Close(); err != nil {
			a.log.Error("close memory store", "err", err)
		}
	}
}
