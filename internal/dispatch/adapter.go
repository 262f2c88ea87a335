package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/pipeworks-ai/pipeworks/internal/openai"
	"github.com/pipeworks-ai/pipeworks/internal/pipeline"
)

// streamAdapter translates one classified item at a time into its wire
// representation. It is stateless between items; the only transition is
// the end-of-stream finish chunk, produced exactly once by finish.
type streamAdapter struct {
	model string
}

func newStreamAdapter(model string) *streamAdapter {
	return &streamAdapter{model: model}
}

// frame renders one item as the JSON payload of a data line.
func (a *streamAdapter) frame(it pipeline.Item) ([]byte, error) {
	switch it.Kind {
	case pipeline.ItemText:
		return json.Marshal(openai.NewChunk(a.model, map[string]any{"content": it.Text}))
	case pipeline.ItemEvent, pipeline.ItemObject:
		if preframed(it.Value) {
			return json.Marshal(it.Value)
		}
		return json.Marshal(openai.NewChunk(a.model, map[string]any{"content": it.Value}))
	}
	return nil, fmt.Errorf("unknown item kind %d", it.Kind)
}

// preframed reports whether a structured value is already in final wire
// form and must be forwarded verbatim rather than re-wrapped: UI event
// envelopes and chunks the pipeline assembled itself.
func preframed(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	if _, ok := m["event"]; ok {
		return true
	}
	if obj, _ := m["object"].(string); obj == "chat.completion.chunk" {
		return true
	}
	if _, ok := m["choices"]; ok {
		return true
	}
	return false
}

// errorChunk renders a mid-stream execution failure as a text delta so
// the client sees what happened before the stream terminates normally.
func (a *streamAdapter) errorChunk(err error) ([]byte, error) {
	content := fmt.Sprintf("\n\nError: %v", err)
	return json.Marshal(openai.NewChunk(a.model, map[string]any{"content": content}))
}

// finish renders the synthetic terminal chunk: empty delta, finish
// reason "stop".
func (a *streamAdapter) finish() ([]byte, error) {
	return json.Marshal(openai.NewFinishChunk(a.model))
}
