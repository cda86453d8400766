package llm

import "github.com/anthropics/anthropic-sdk-go"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type Message struct {
	Role       Role
	Content    string     // may be empty on an assistant message that only carries tool calls
	ToolCalls  []ToolCall // assistant role only
	ToolCallID string     // tool role only
	IsError    bool       // tool role only; marks a failed tool result
}

// ToolCall is a completed tool invocation as recorded on an assistant message.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Fragment is one index-tagged piece of a streamed tool call. ID and Name
// usually arrive only on the first fragment for an index.
type Fragment struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

type FinishReason string

const (
	FinishNone      FinishReason = ""
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
)

// Chunk is a single unit read from a streaming completion. At most one of
// Content, Fragment and Finish is set.
type Chunk struct {
	Content  string
	Fragment *Fragment
	Finish   FinishReason
}

// Tool describes a function the model may call.
type Tool struct {
	Name        string
	Description string
	InputSchema anthropic.ToolInputSchemaParam
}

// ToolChoice controls whether the model may call the tools sent with a
// request.
type ToolChoice int

const (
	ToolChoiceAuto ToolChoice = iota
	// ToolChoiceNone still sends the definitions, which a conversation that
	// already contains tool calls needs, but forbids new calls.
	ToolChoiceNone
)
