package tools_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jadenj13/memoir/internals/llm"
	"github.com/jadenj13/memoir/internals/memory/memorytest"
	"github.com/jadenj13/memoir/internals/tools"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestExecute_StoreFact(t *testing.T) {
	store := memorytest.New()
	ex := tools.NewExecutor(store, discard())

	inv := tools.NewInvocation("call_1", tools.NameStoreMemory, map[string]any{"fact": "name: Sam"})
	res := ex.Execute(context.Background(), inv, "u1")

	if !res.Success {
		t.Fatalf("expected success, got %+v", res.Payload)
	}
	if res.ToolCallID != "call_1" || res.Name != tools.NameStoreMemory {
		t.Fatalf("result not tied to invocation: %+v", res)
	}
	if res.Payload["message"] != "Stored name: Sam" {
		t.Fatalf("payload = %v", res.Payload)
	}
	got := store.Entries("u1")
	if len(got) != 1 || got[0].Text != "name: Sam" || got[0].Importance != 0.8 {
		t.Fatalf("store contents = %+v", got)
	}
	if got[0].Metadata["type"] != "important_fact" {
		t.Fatalf("metadata = %v", got[0].Metadata)
	}
}

func TestExecute_SearchFindsSeededFact(t *testing.T) {
	store := memorytest.New()
	store.Seed("u1", "name: Sam", "likes tea")
	ex := tools.NewExecutor(store, discard())

	res := ex.Execute(context.Background(),
		tools.NewInvocation("c", tools.NameSearchMemories, map[string]any{"query": "name"}), "u1")
	if !res.Success || res.Payload["count"] != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	msg := res.Message()
	if msg.Role != llm.RoleTool || msg.ToolCallID != "c" || msg.IsError {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if !strings.Contains(msg.Content, "name: Sam") {
		t.Fatalf("content missing fact: %s", msg.Content)
	}
}

func TestExecute_UnknownToolIsLocalFailure(t *testing.T) {
	store := memorytest.New()
	ex := tools.NewExecutor(store, discard())

	res := ex.Execute(context.Background(), tools.NewInvocation("c", "launch_rockets", nil), "u1")
	if res.Success {
		t.Fatal("unknown tool must fail")
	}
	if !strings.Contains(res.Payload["error"].(string), "unknown tool") {
		t.Fatalf("payload = %v", res.Payload)
	}
	if store.CallCount() != 0 {
		t.Fatalf("store touched %d times for an unknown tool", store.CallCount())
	}
}

func TestExecute_StoreErrorBecomesFailedResult(t *testing.T) {
	store := memorytest.New()
	store.Err["search"] = errors.New("connection reset")
	ex := tools.NewExecutor(store, discard())

	res := ex.Execute(context.Background(),
		tools.NewInvocation("c", tools.NameSearchMemories, map[string]any{"query": "name"}), "u1")
	if res.Success {
		t.Fatal("expected failure")
	}

	var payload map[string]string
	if err := json.Unmarshal([]byte(res.Message().Content), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if !strings.Contains(payload["error"], "connection reset") {
		t.Fatalf("payload = %v", payload)
	}
	if !res.Message().IsError {
		t.Fatal("tool message should be flagged as error")
	}
	if n := store.CallCount(); n != 1 {
		t.Fatalf("expected exactly one attempt, got %d", n)
	}
}

func TestExecute_InvalidArguments(t *testing.T) {
	ex := tools.NewExecutor(memorytest.New(), discard())

	cases := []tools.Invocation{
		tools.NewInvocation("a", tools.NameStoreMemory, map[string]any{"fact": "  "}),
		tools.NewInvocation("b", tools.NameSearchMemories, map[string]any{"query": 42}),
		tools.NewInvocation("c", tools.NameUpdateMemory, map[string]any{"fact": "x"}),
		tools.NewInvocation("d", tools.NameDeleteMemory, nil),
	}
	for _, inv := range cases {
		res := ex.Execute(context.Background(), inv, "u1")
		if res.Success {
			t.Errorf("%s: expected failure", inv.ID)
		}
	}
}

func TestExecute_TimeoutBecomesFailure(t *testing.T) {
	store := memorytest.New()
	store.Delay = time.Second
	ex := tools.NewExecutor(store, discard(), tools.WithTimeout(20*time.Millisecond))

	res := ex.Execute(context.Background(), tools.NewInvocation("c", tools.NameListMemories, nil), "u1")
	if res.Success {
		t.Fatal("expected timeout failure")
	}
	if !strings.Contains(res.Payload["error"].(string), "timed out") {
		t.Fatalf("payload = %v", res.Payload)
	}
}

func TestExecute_DispatchedCallSurvivesCancellation(t *testing.T) {
	store := memorytest.New()
	store.Delay = 30 * time.Millisecond
	ex := tools.NewExecutor(store, discard())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	res := ex.Execute(ctx, tools.NewInvocation("c", tools.NameStoreMemory, map[string]any{"fact": "city: Lyon"}), "u1")
	if !res.Success {
		t.Fatalf("dispatched call should complete despite cancellation: %v", res.Payload)
	}
	if len(store.Entries("u1")) != 1 {
		t.Fatal("store write did not land")
	}
}

func TestExecute_UpdateAndDelete(t *testing.T) {
	store := memorytest.New()
	store.Seed("u1", "city: Paris")
	ex := tools.NewExecutor(store, discard())
	ctx := context.Background()

	res := ex.Execute(ctx, tools.NewInvocation("u", tools.NameUpdateMemory,
		map[string]any{"memory_id": "m1", "fact": "city: Lyon"}), "u1")
	if !res.Success || res.Payload["memory"] != "city: Lyon" {
		t.Fatalf("update: %+v", res)
	}

	res = ex.Execute(ctx, tools.NewInvocation("d", tools.NameDeleteMemory, map[string]any{"memory_id": "m1"}), "u1")
	if !res.Success {
		t.Fatalf("delete: %+v", res)
	}
	res = ex.Execute(ctx, tools.NewInvocation("d2", tools.NameDeleteMemory, map[string]any{"memory_id": "m1"}), "u1")
	if res.Success {
		t.Fatal("second delete should fail")
	}
}

func TestDefinitions(t *testing.T) {
	defs := tools.Definitions()
	if len(defs) != 5 {
		t.Fatalf("expected 5 tools, got %d", len(defs))
	}
	for _, d := range defs {
		if tools.ParseOp(d.Name) == tools.OpUnknown {
			t.Errorf("definition %q does not map to an operation", d.Name)
		}
	}

	b, err := json.Marshal(tools.StoreInputSchema)
	if err != nil {
		t.Fatalf("marshal schema: %v", err)
	}
	var schema struct {
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required"`
	}
	json.Unmarshal(b, &schema)
	if _, ok := schema.Properties["fact"]; !ok {
		t.Fatalf("schema missing fact: %s", b)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "fact" {
		t.Fatalf("required = %v", schema.Required)
	}
}
