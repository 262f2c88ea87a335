// Package openai defines the OpenAI-compatible wire types served by the
// pipelines frontdoor: chat completion requests, completion objects,
// streaming chunks, and model descriptors.
package openai

import (
	"time"

	"github.com/google/uuid"
)

// ChatCompletionRequest is the body of POST /chat/completions.
// Pipelines receive the full decoded body, so fields not modeled here are
// preserved separately as a raw map by the frontdoor.
type ChatCompletionRequest struct {
	Model    string                  `json:"model"`
	Messages []ChatCompletionMessage `json:"messages"`
	Stream   bool                    `json:"stream,omitempty"`
	User     map[string]any          `json:"user,omitempty"`
}

// ChatCompletionMessage is one message of the conversation history.
type ChatCompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LastUserMessage returns the content of the most recent user-role message,
// or the empty string if there is none.
func LastUserMessage(messages []ChatCompletionMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

// ChatCompletion is a non-streaming completion response.
type ChatCompletion struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice is a completion choice.
type Choice struct {
	Index        int                   `json:"index"`
	Message      ChatCompletionMessage `json:"message"`
	Logprobs     any                   `json:"logprobs"`
	FinishReason string                `json:"finish_reason"`
}

// ChatCompletionChunk is one streamed completion chunk.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ChunkChoice is a streaming choice carrying an incremental delta.
type ChunkChoice struct {
	Index        int            `json:"index"`
	Delta        map[string]any `json:"delta"`
	Logprobs     any            `json:"logprobs"`
	FinishReason *string        `json:"finish_reason"`
}

// Usage reports token counts for a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Model is one entry of the /models listing.
type Model struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Object   string        `json:"object"`
	Created  int64         `json:"created"`
	OwnedBy  string        `json:"owned_by"`
	Pipeline PipelineFlags `json:"pipeline"`
}

// PipelineFlags carries pipeline-specific capabilities of a model entry.
type PipelineFlags struct {
	Valves bool `json:"valves"`
}

// ModelList is the /models response envelope.
type ModelList struct {
	Data      []Model `json:"data"`
	Object    string  `json:"object"`
	Pipelines bool    `json:"pipelines"`
}

// ErrorBody is the error envelope used by all endpoints.
type ErrorBody struct {
	Detail string `json:"detail"`
}

// CompletionID builds a response identifier in the "<model>-<uuid>" form
// the original service used for synthesized completions and chunks.
func CompletionID(model string) string {
	return model + "-" + uuid.New().String()
}

// NewCompletion wraps an assistant message in a completion object with a
// synthetic id and a "stop" finish reason.
func NewCompletion(model, content string) *ChatCompletion {
	return &ChatCompletion{
		ID:      CompletionID(model),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{
			{
				Index:        0,
				Message:      ChatCompletionMessage{Role: "assistant", Content: content},
				FinishReason: "stop",
			},
		},
	}
}

// NewChunk wraps an incremental delta payload in a completion chunk.
func NewChunk(model string, delta map[string]any) *ChatCompletionChunk {
	return &ChatCompletionChunk{
		ID:      CompletionID(model),
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChunkChoice{
			{Index: 0, Delta: delta, FinishReason: nil},
		},
	}
}

// NewFinishChunk builds the synthetic terminal chunk emitted after a
// stream is exhausted: empty delta, finish reason "stop".
func NewFinishChunk(model string) *ChatCompletionChunk {
	stop := "stop"
	return &ChatCompletionChunk{
		ID:      CompletionID(model),
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChunkChoice{
			{Index: 0, Delta: map[string]any{}, FinishReason: &stop},
		},
	}
}
