// Package assembler rebuilds tool calls that arrive as indexed fragments in
// a streaming completion.
package assembler

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jadenj13/memoir/internals/llm"
	"github.com/jadenj13/memoir/internals/tools"
)

// MaxIndex caps the arena so a misbehaving provider cannot make it grow
// without bound.
const MaxIndex = 255

var ErrIndexOutOfRange = errors.New("fragment index out of range")

// ParseError reports an invocation whose accumulated arguments were not a
// JSON object. Other invocations of the batch are unaffected.
type ParseError struct {
	Index int
	Name  string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("tool call %d (%s): malformed arguments: %v", e.Index, e.Name, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Assembled is one drained slot. When Err is set, Invocation still carries
// the id and name so a failed result can answer the call.
type Assembled struct {
	Index      int
	Invocation tools.Invocation
	Err        error
}

type slot struct {
	id   string
	name string
	args strings.Builder
}

// Assembler accumulates fragments for one batch. It is not safe for
// concurrent use and is meant to be discarded after Drain.
type Assembler struct {
	slots []*slot
	count int
}

func New() *Assembler {
	return &Assembler{}
}

func (a *Assembler) Ingest(f llm.Fragment) error {
	if f.Index < 0 || f.Index > MaxIndex {
		return fmt.Errorf("%w: %d", ErrIndexOutOfRange, f.Index)
	}
	if f.Index >= len(a.slots) {
		grown := make([]*slot, f.Index+1)
		copy(grown, a.slots)
		a.slots = grown
	}

	s := a.slots[f.Index]
	if s == nil {
		s = &slot{}
		a.slots[f.Index] = s
		a.count++
	}
	if s.id == "" {
		s.id = f.ID
	}
	if s.name == "" {
		s.name = f.Name
	}
	s.args.WriteString(f.Arguments)
	return nil
}

// Len is the number of distinct indices seen.
func (a *Assembler) Len() int { return a.count }

// Complete reports whether finish closes a batch that has calls to drain.
func (a *Assembler) Complete(finish llm.FinishReason) bool {
	return finish == llm.FinishToolCalls && a.count > 0
}

// Drain parses every slot in index order and resets the assembler.
func (a *Assembler) Drain() []Assembled {
	out := make([]Assembled, 0, a.count)
	for i, s := range a.slots {
		if s == nil {
			continue
		}
		out = append(out, s.assemble(i))
	}
	a.slots = nil
	a.count = 0
	return out
}

func (s *slot) assemble(index int) Assembled {
	id := s.id
	if id == "" {
		id = "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	raw := strings.TrimSpace(s.args.String())
	if raw == "" {
		return Assembled{Index: index, Invocation: tools.NewInvocation(id, s.name, nil)}
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return Assembled{
			Index:      index,
			Invocation: tools.NewInvocation(id, s.name, nil),
			Err:        &ParseError{Index: index, Name: s.name, Err: err},
		}
	}
	if args == nil {
		return Assembled{
			Index:      index,
			Invocation: tools.NewInvocation(id, s.name, nil),
			Err:        &ParseError{Index: index, Name: s.name, Err: errors.New("arguments are null")},
		}
	}
	return Assembled{Index: index, Invocation: tools.NewInvocation(id, s.name, args)}
}
