package chat

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var ErrEmitterClosed = errors.New("emitter closed")

// Emission is the client-visible unit of a turn.
type Emission struct {
	Content string `json:"content"`
	Done    bool   `json:"done"`
}

// Sink receives a turn's emissions in order. An error from Emit means the
// client is gone.
type Sink interface {
	Emit(Emission) error
}

type SinkFunc func(Emission) error

func (f SinkFunc) Emit(e Emission) error { return f(e) }

// Emitter forwards content to a Sink and guarantees a single terminal
// emission, always last.
type Emitter struct {
	mu      sync.Mutex
	sink    Sink
	closed  bool
	sinkErr error
	text    strings.Builder
	sent    int
}

func NewEmitter(sink Sink) *Emitter {
	return &Emitter{sink: sink}
}

// Content forwards a non-terminal fragment. Empty fragments are skipped.
func (e *Emitter) Content(s string) error {
	if s == "" {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEmitterClosed
	}
	if e.sinkErr != nil {
		return e.sinkErr
	}
	if err := e.sink.Emit(Emission{Content: s}); err != nil {
		e.sinkErr = err
		return err
	}
	e.text.WriteString(s)
	e.sent++
	return nil
}

// Finish closes the turn normally.
func (e *Emitter) Finish() error {
	return e.terminal(Emission{Done: true})
}

// Fail closes the turn with a readable error as its content.
func (e *Emitter) Fail(cause error) error {
	return e.terminal(Emission{Content: fmt.Sprintf("Sorry, I encountered an error: %v", cause), Done: true})
}

func (e *Emitter) terminal(em Emission) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEmitterClosed
	}
	e.closed = true
	e.sent++
	return e.sink.Emit(em)
}

func (e *Emitter) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Text is the content forwarded so far, excluding the terminal emission.
func (e *Emitter) Text() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.text.String()
}

// Started reports whether anything reached the sink.
func (e *Emitter) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sent > 0
}

// Collector is a Sink that buffers a whole turn, for front doors that
// reply in one piece.
type Collector struct {
	mu    sync.Mutex
	parts []Emission
}

func (c *Collector) Emit(e Emission) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parts = append(c.parts, e)
	return nil
}

func (c *Collector) Emissions() []Emission {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Emission(nil), c.parts...)
}

// Text joins all content, including an error carried by the terminal
// emission.
func (c *Collector) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var b strings.Builder
	for _, p := range c.parts {
		b.WriteString(p.Content)
	}
	return b.String()
}
