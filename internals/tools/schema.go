package tools

import (
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/invopop/jsonschema"
	"github.com/jadenj13/memoir/internals/llm"
)

type StoreInput struct {
	Fact       string   `json:"fact" jsonschema_description:"The fact to remember, phrased as 'key: value'. E.g. 'name: Sam' or 'favorite food: ramen'."`
	Importance *float64 `json:"importance,omitempty" jsonschema_description:"How important the fact is, from 0 to 1. Defaults to 0.8."`
	Category   string   `json:"category,omitempty" jsonschema_description:"Optional short category such as 'preference', 'profile' or 'plan'."`
}

type SearchInput struct {
	Query string `json:"query" jsonschema_description:"What to look for. E.g. 'name' or 'food preferences'."`
	Limit int    `json:"limit,omitempty" jsonschema_description:"Maximum memories to return (default 3, max 20)."`
}

type ListInput struct{}

type UpdateInput struct {
	MemoryID   string   `json:"memory_id" jsonschema_description:"ID of the memory to change, as returned by search_memories or list_memories."`
	Fact       string   `json:"fact" jsonschema_description:"Replacement text for the memory."`
	Importance *float64 `json:"importance,omitempty" jsonschema_description:"New importance from 0 to 1. Keeps the current value when omitted."`
}

type DeleteInput struct {
	MemoryID string `json:"memory_id" jsonschema_description:"ID of the memory to forget."`
}

// GenerateSchema derives a tool input schema from an argument struct.
func GenerateSchema[T any]() anthropic.ToolInputSchemaParam {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	schema := reflector.Reflect(v)
	return anthropic.ToolInputSchemaParam{
		Properties: schema.Properties,
		Required:   schema.Required,
	}
}

var (
	StoreInputSchema  = GenerateSchema[StoreInput]()
	SearchInputSchema = GenerateSchema[SearchInput]()
	ListInputSchema   = GenerateSchema[ListInput]()
	UpdateInputSchema = GenerateSchema[UpdateInput]()
	DeleteInputSchema = GenerateSchema[DeleteInput]()
)

var definitions = []llm.Tool{
	{
		Name:        NameStoreMemory,
		Description: "Save an important detail about the user for future conversations. Use it when the user shares personal information, preferences or plans.",
		InputSchema: StoreInputSchema,
	},
	{
		Name:        NameSearchMemories,
		Description: "Look up previously stored details about the user. Use it when answering needs something the user told you before.",
		InputSchema: SearchInputSchema,
	},
	{
		Name:        NameListMemories,
		Description: "List everything remembered about the user.",
		InputSchema: ListInputSchema,
	},
	{
		Name:        NameUpdateMemory,
		Description: "Correct or refresh a stored detail when the user says something changed.",
		InputSchema: UpdateInputSchema,
	},
	{
		Name:        NameDeleteMemory,
		Description: "Forget a stored detail when the user asks you to.",
		InputSchema: DeleteInputSchema,
	},
}

// Definitions returns the memory tools offered to the model. The slice is a
// copy and may be modified by the caller.
func Definitions() []llm.Tool {
	out := make([]llm.Tool, len(definitions))
	copy(out, definitions)
	return out
}
