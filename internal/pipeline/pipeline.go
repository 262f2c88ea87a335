// Package pipeline implements the runtime handle for one discovered
// pipeline unit: a Lua script exposing a global Pipeline table whose pipe
// function is invoked once per chat-completion request.
//
// A standalone unit is a single .lua file; a package unit is a directory
// whose init.lua may require sibling files. Either way the unit's pipe may
// return a string, return a table, or coroutine.yield a mixed sequence of
// strings and tables; the handle pumps all three shapes through the same
// coroutine loop and hands the caller a uniform stream of tagged items.
package pipeline

import (
	"errors"

	"github.com/pipeworks-ai/pipeworks/internal/openai"
)

var (
	// ErrNoPipeline marks a unit that does not declare a Pipeline table.
	ErrNoPipeline = errors.New("no Pipeline table found")

	// ErrNoPipe marks a Pipeline table without a pipe function.
	ErrNoPipe = errors.New("Pipeline has no pipe function")

	// ErrClosed is returned when invoking a closed handle.
	ErrClosed = errors.New("pipeline handle is closed")
)

// ItemKind tags one unit of pipe output.
type ItemKind int

const (
	// ItemText is a plain text fragment.
	ItemText ItemKind = iota

	// ItemEvent is a structured record yielded mid-stream, such as a
	// status or progress marker.
	ItemEvent

	// ItemObject is a structured value returned (not yielded) by pipe;
	// in non-streaming mode it is already the final response shape.
	ItemObject
)

// Item is one classified unit of pipe output.
type Item struct {
	Kind  ItemKind
	Text  string
	Value any
}

// Request is the per-invocation context handed to a pipe call.
type Request struct {
	PipelineID  string
	UserMessage string
	Messages    []openai.ChatCompletionMessage
	Body        map[string]any
	User        map[string]any
	Stream      bool
}
