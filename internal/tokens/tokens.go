// Package tokens estimates token usage for synthesized completions using
// tiktoken encodings. Pipeline identifiers are not real OpenAI models, so
// counts use a fixed encoding; they exist to fill the usage block of
// responses the runtime assembles itself.
package tokens

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/pipeworks-ai/pipeworks/internal/openai"
)

// Overheads applied per chat message, per OpenAI's counting guidance.
const (
	tokensPerMessage = 3
	tokensPerRole    = 1
	assistantPriming = 3
)

// Counter counts tokens with a lazily initialized, shared codec.
type Counter struct {
	once  sync.Once
	codec tokenizer.Codec
}

// NewCounter creates a Counter.
func NewCounter() *Counter {
	return &Counter{}
}

func (c *Counter) get() tokenizer.Codec {
	c.once.Do(func() {
		codec, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			return
		}
		c.codec = codec
	})
	return c.codec
}

// CountText returns the token count of a plain string. When the encoding
// is unavailable it falls back to a bytes/4 estimate.
func (c *Counter) CountText(text string) int {
	codec := c.get()
	if codec == nil {
		return (len(text) + 3) / 4
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return (len(text) + 3) / 4
	}
	return len(ids)
}

// CountMessages returns the prompt token count for a message history,
// including per-message framing overhead.
func (c *Counter) CountMessages(messages []openai.ChatCompletionMessage) int {
	total := 0
	for _, m := range messages {
		total += tokensPerMessage + tokensPerRole
		total += c.CountText(m.Content)
	}
	return total + assistantPriming
}

// Usage assembles the usage block for a synthesized completion.
func (c *Counter) Usage(messages []openai.ChatCompletionMessage, completion string) *openai.Usage {
	prompt := c.CountMessages(messages)
	out := c.CountText(completion)
	return &openai.Usage{
		PromptTokens:     prompt,
		CompletionTokens: out,
		TotalTokens:      prompt + out,
	}
}
