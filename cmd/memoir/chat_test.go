package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/jadenj13/memoir/internals/chat"
	"github.com/jadenj13/memoir/internals/history"
	"github.com/jadenj13/memoir/internals/llm"
	"github.com/jadenj13/memoir/internals/memory"
	"github.com/jadenj13/memoir/internals/memory/memorytest"
	"github.com/jadenj13/memoir/internals/persist"
	"github.com/jadenj13/memoir/internals/tools"
)

type echoProvider struct{}

func (echoProvider) OpenStream(_ context.Context, msgs []llm.Message, _ []llm.Tool, _ llm.ToolChoice) (llm.Stream, error) {
	last := msgs[len(msgs)-1].Content
	return &sliceStream{chunks: []llm.Chunk{
		{Content: "echo: "},
		{Content: last},
		{Finish: llm.FinishStop},
	}}, nil
}

func (echoProvider) Complete(context.Context, []llm.Message) (llm.Message, error) {
	return llm.Message{Role: llm.RoleAssistant}, nil
}

type sliceStream struct {
	chunks []llm.Chunk
	cur    llm.Chunk
}

func (s *sliceStream) Next() bool {
	if len(s.chunks) == 0 {
		return false
	}
	s.cur, s.chunks = s.chunks[0], s.chunks[1:]
	return true
}

func (s *sliceStream) Chunk() llm.Chunk { return s.cur }
func (s *sliceStream) Err() error       { return nil }
func (s *sliceStream) Close() error     { return nil }

func testApp(t *testing.T) (*app, *memorytest.Fake) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	fake := memorytest.New()
	a := &app{
		log:      log,
		backend:  fake,
		store:    memory.NewCachedStore(fake, 0),
		sessions: history.NewSessionStore(0),
	}
	a.executor = tools.NewExecutor(a.store, log)
	a.queue = persist.New(a.store, log, persist.Options{})
	a.chat = chat.New(echoProvider{}, a.executor, a.sessions, log)
	t.Cleanup(func() { a.close(context.Background()) })
	return a, fake
}

func TestRepl_StreamsTurnAndCommands(t *testing.T) {
	a, fake := testApp(t)
	fake.Seed("local:me", "likes tea")

	in := strings.NewReader("hello\n/memories\n/forget\n/quit\nnever read\n")
	var out bytes.Buffer
	if err := repl(context.Background(), a, "local:me", in, &out); err != nil {
		t.Fatalf("repl: %v", err)
	}

	got := out.String()
	for _, want := range []string{"echo: hello", "likes tea", "forgot 1 memories"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "never read") {
		t.Error("input after /quit was processed")
	}
	if ex := a.sessions.Exchanges("local:me", 0); len(ex) != 0 {
		t.Errorf("history not cleared: %+v", ex)
	}
}

func TestRepl_EOF(t *testing.T) {
	a, _ := testApp(t)
	var out bytes.Buffer
	if err := repl(context.Background(), a, "s", strings.NewReader(""), &out); err != nil {
		t.Fatalf("repl: %v", err)
	}
}
