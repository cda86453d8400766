package tools

import "github.com/jadenj13/memoir/internals/llm"

// Op is the memory operation a tool call resolves to.
type Op int

const (
	OpUnknown Op = iota
	OpStoreFact
	OpSearch
	OpListAll
	OpUpdate
	OpDelete
)

const (
	NameStoreMemory    = "store_memory"
	NameSearchMemories = "search_memories"
	NameListMemories   = "list_memories"
	NameUpdateMemory   = "update_memory"
	NameDeleteMemory   = "delete_memory"
)

var opNames = map[string]Op{
	NameStoreMemory:    OpStoreFact,
	NameSearchMemories: OpSearch,
	NameListMemories:   OpListAll,
	NameUpdateMemory:   OpUpdate,
	NameDeleteMemory:   OpDelete,
}

func ParseOp(name string) Op {
	return opNames[name]
}

func (o Op) String() string {
	switch o {
	case OpStoreFact:
		return "store"
	case OpSearch:
		return "search"
	case OpListAll:
		return "list"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Invocation is a fully assembled tool call. It is built once, with its Op
// resolved from Name, and not modified afterwards.
type Invocation struct {
	ID        string
	Name      string
	Op        Op
	Arguments map[string]any
}

func NewInvocation(id, name string, args map[string]any) Invocation {
	if args == nil {
		args = map[string]any{}
	}
	return Invocation{ID: id, Name: name, Op: ParseOp(name), Arguments: args}
}

// ToolCall is the form recorded on the assistant message sent back to the model.
func (inv Invocation) ToolCall() llm.ToolCall {
	return llm.ToolCall{ID: inv.ID, Name: inv.Name, Arguments: inv.Arguments}
}
