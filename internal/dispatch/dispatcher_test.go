package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pipeworks-ai/pipeworks/internal/openai"
	"github.com/pipeworks-ai/pipeworks/internal/pipeline"
	"github.com/pipeworks-ai/pipeworks/internal/registry"
)

func buildRegistry(t *testing.T, units map[string]string) *registry.Registry {
	t.Helper()
	var handles []*pipeline.Handle
	for unit, source := range units {
		path := filepath.Join(t.TempDir(), unit+".lua")
		if err := os.WriteFile(path, []byte(source), 0o644); err != nil {
			t.Fatal(err)
		}
		h, err := pipeline.Load(unit, path, false)
		if err != nil {
			t.Fatalf("Load %s returned error: %v", unit, err)
		}
		t.Cleanup(h.Close)
		handles = append(handles, h)
	}
	reg := registry.New(nil)
	reg.Replace(handles)
	return reg
}

func decodeChunk(t *testing.T, data []byte) openai.ChatCompletionChunk {
	t.Helper()
	var chunk openai.ChatCompletionChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		t.Fatalf("Failed to decode chunk %s: %v", data, err)
	}
	return chunk
}

func TestCompleteUnknownPipeline(t *testing.T) {
	d := New(buildRegistry(t, nil), 2, nil)
	_, err := d.Complete(context.Background(), &pipeline.Request{PipelineID: "nope"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestCompleteConcatenatesTexts(t *testing.T) {
	reg := buildRegistry(t, map[string]string{
		"chunks": `
			Pipeline = { id = "chunks" }
			function Pipeline.pipe(req)
				coroutine.yield("one ")
				coroutine.yield("two ")
				return "three"
			end
		`,
	})
	d := New(reg, 2, nil)

	res, err := d.Complete(context.Background(), &pipeline.Request{
		PipelineID: "chunks",
		Messages:   []openai.ChatCompletionMessage{{Role: "user", Content: "go"}},
	})
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}

	completion, ok := res.(*openai.ChatCompletion)
	if !ok {
		t.Fatalf("Expected *openai.ChatCompletion, got %T", res)
	}
	if got := completion.Choices[0].Message.Content; got != "one two three" {
		t.Errorf("Expected concatenated output, got %q", got)
	}
	if !strings.HasPrefix(completion.ID, "chunks-") {
		t.Errorf("Expected model-prefixed id, got %s", completion.ID)
	}
	if completion.Choices[0].FinishReason != "stop" {
		t.Errorf("Expected finish reason stop, got %s", completion.Choices[0].FinishReason)
	}
	if completion.Usage == nil || completion.Usage.TotalTokens == 0 {
		t.Error("Expected usage to be populated")
	}
}

func TestCompleteLoneObjectPassesThrough(t *testing.T) {
	reg := buildRegistry(t, map[string]string{
		"raw": `
			Pipeline = { id = "raw" }
			function Pipeline.pipe(req)
				return { object = "chat.completion", custom = "yes" }
			end
		`,
	})
	d := New(reg, 2, nil)

	res, err := d.Complete(context.Background(), &pipeline.Request{PipelineID: "raw"})
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	m, ok := res.(map[string]any)
	if !ok {
		t.Fatalf("Expected verbatim map, got %T", res)
	}
	if m["custom"] != "yes" {
		t.Errorf("Expected pipeline's object untouched, got %v", m)
	}
}

func TestCompleteObjectAfterTextIsNotVerbatim(t *testing.T) {
	reg := buildRegistry(t, map[string]string{
		"mixed": `
			Pipeline = { id = "mixed" }
			function Pipeline.pipe(req)
				coroutine.yield("text")
				return { object = "chat.completion" }
			end
		`,
	})
	d := New(reg, 2, nil)

	res, err := d.Complete(context.Background(), &pipeline.Request{PipelineID: "mixed"})
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if _, ok := res.(*openai.ChatCompletion); !ok {
		t.Fatalf("Expected synthesized completion for mixed output, got %T", res)
	}
}

func TestCompleteErrorWithoutOutput(t *testing.T) {
	reg := buildRegistry(t, map[string]string{
		"boom": `
			Pipeline = { id = "boom" }
			function Pipeline.pipe(req) error("exploded") end
		`,
	})
	d := New(reg, 2, nil)

	_, err := d.Complete(context.Background(), &pipeline.Request{PipelineID: "boom"})
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("Expected *ExecutionError, got %v", err)
	}
	if execErr.PipelineID != "boom" {
		t.Errorf("Expected pipeline id in error, got %s", execErr.PipelineID)
	}
	if !strings.Contains(execErr.Error(), "exploded") {
		t.Errorf("Expected script message, got %v", execErr)
	}
}

func TestCompleteErrorAfterOutputFoldedIntoMessage(t *testing.T) {
	reg := buildRegistry(t, map[string]string{
		"half": `
			Pipeline = { id = "half" }
			function Pipeline.pipe(req)
				coroutine.yield("partial")
				error("midway")
			end
		`,
	})
	d := New(reg, 2, nil)

	res, err := d.Complete(context.Background(), &pipeline.Request{PipelineID: "half"})
	if err != nil {
		t.Fatalf("Expected partial output response, got error %v", err)
	}
	completion := res.(*openai.ChatCompletion)
	content := completion.Choices[0].Message.Content
	if !strings.HasPrefix(content, "partial") {
		t.Errorf("Expected partial output first, got %q", content)
	}
	if !strings.Contains(content, "Error:") || !strings.Contains(content, "midway") {
		t.Errorf("Expected folded error, got %q", content)
	}
}

func TestStreamFrameOrder(t *testing.T) {
	reg := buildRegistry(t, map[string]string{
		"progress": `
			Pipeline = { id = "progress" }
			function Pipeline.pipe(req)
				coroutine.yield("A")
				coroutine.yield({ event = { type = "status", data = { done = false } } })
				coroutine.yield("B")
			end
		`,
	})
	d := New(reg, 2, nil)

	frames, err := d.Stream(context.Background(), &pipeline.Request{PipelineID: "progress", Stream: true})
	if err != nil {
		t.Fatalf("Stream returned error: %v", err)
	}

	var collected []Frame
	for f := range frames {
		collected = append(collected, f)
	}
	if len(collected) != 5 {
		t.Fatalf("Expected 5 frames, got %d", len(collected))
	}

	first := decodeChunk(t, collected[0].Data)
	if first.Object != "chat.completion.chunk" {
		t.Errorf("Expected chunk object, got %s", first.Object)
	}
	if first.Choices[0].Delta["content"] != "A" {
		t.Errorf("Expected delta A, got %v", first.Choices[0].Delta)
	}

	// Event envelopes are forwarded verbatim, not wrapped as chunks.
	var event map[string]any
	if err := json.Unmarshal(collected[1].Data, &event); err != nil {
		t.Fatal(err)
	}
	if _, ok := event["event"]; !ok {
		t.Errorf("Expected verbatim event frame, got %s", collected[1].Data)
	}

	second := decodeChunk(t, collected[2].Data)
	if second.Choices[0].Delta["content"] != "B" {
		t.Errorf("Expected delta B, got %v", second.Choices[0].Delta)
	}

	finish := decodeChunk(t, collected[3].Data)
	if finish.Choices[0].FinishReason == nil || *finish.Choices[0].FinishReason != "stop" {
		t.Errorf("Expected terminal stop chunk, got %s", collected[3].Data)
	}
	if len(finish.Choices[0].Delta) != 0 {
		t.Errorf("Expected empty delta in stop chunk, got %v", finish.Choices[0].Delta)
	}

	if !collected[4].Done {
		t.Error("Expected final frame to be the sentinel")
	}
}

func TestStreamErrorBeforeOutput(t *testing.T) {
	reg := buildRegistry(t, map[string]string{
		"boom": `
			Pipeline = { id = "boom" }
			function Pipeline.pipe(req) error("early") end
		`,
	})
	d := New(reg, 2, nil)

	_, err := d.Stream(context.Background(), &pipeline.Request{PipelineID: "boom", Stream: true})
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("Expected *ExecutionError, got %v", err)
	}
}

func TestStreamErrorAfterOutputBecomesChunk(t *testing.T) {
	reg := buildRegistry(t, map[string]string{
		"half": `
			Pipeline = { id = "half" }
			function Pipeline.pipe(req)
				coroutine.yield("partial")
				error("midway")
			end
		`,
	})
	d := New(reg, 2, nil)

	frames, err := d.Stream(context.Background(), &pipeline.Request{PipelineID: "half", Stream: true})
	if err != nil {
		t.Fatalf("Stream returned error: %v", err)
	}

	var collected []Frame
	for f := range frames {
		collected = append(collected, f)
	}
	// partial, error chunk, finish, sentinel
	if len(collected) != 4 {
		t.Fatalf("Expected 4 frames, got %d", len(collected))
	}
	errChunk := decodeChunk(t, collected[1].Data)
	content, _ := errChunk.Choices[0].Delta["content"].(string)
	if !strings.Contains(content, "midway") {
		t.Errorf("Expected error folded into chunk, got %q", content)
	}
	if !collected[3].Done {
		t.Error("Expected sentinel after stop chunk")
	}
}

type memRecorder struct {
	mu   sync.Mutex
	rows []Invocation
}

func (m *memRecorder) RecordInvocation(ctx context.Context, inv Invocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, inv)
	return nil
}

func (m *memRecorder) snapshot() []Invocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Invocation(nil), m.rows...)
}

func TestRecorderReceivesInvocation(t *testing.T) {
	reg := buildRegistry(t, map[string]string{
		"echo": `
			Pipeline = { id = "echo" }
			function Pipeline.pipe(req) return req.user_message end
		`,
	})
	rec := &memRecorder{}
	d := New(reg, 2, nil, WithRecorder(rec))

	_, err := d.Complete(context.Background(), &pipeline.Request{
		PipelineID:  "echo",
		UserMessage: "hi",
		User:        map[string]any{"id": "user-7"},
	})
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}

	rows := rec.snapshot()
	if len(rows) != 1 {
		t.Fatalf("Expected 1 invocation, got %d", len(rows))
	}
	inv := rows[0]
	if inv.PipelineID != "echo" || inv.Status != "ok" || inv.UserID != "user-7" {
		t.Errorf("Unexpected invocation row: %+v", inv)
	}
	if inv.Streaming {
		t.Error("Expected non-streaming invocation")
	}
}

func TestDispatchTimeout(t *testing.T) {
	reg := buildRegistry(t, map[string]string{
		"hang": `
			Pipeline = { id = "hang" }
			function Pipeline.pipe(req)
				while true do end
			end
		`,
	})
	d := New(reg, 2, nil, WithTimeout(100*time.Millisecond))

	start := time.Now()
	_, err := d.Complete(context.Background(), &pipeline.Request{PipelineID: "hang"})
	if err == nil {
		t.Fatal("Expected error for hung pipeline")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Expected timeout to fire promptly")
	}
}
