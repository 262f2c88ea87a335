// Package dispatch executes pipeline entry points off the serving
// goroutine and adapts their output into the chat-completion wire
// protocol, as a single completion object or a lazily produced SSE frame
// stream.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/pipeworks-ai/pipeworks/internal/openai"
	"github.com/pipeworks-ai/pipeworks/internal/pipeline"
	"github.com/pipeworks-ai/pipeworks/internal/registry"
	"github.com/pipeworks-ai/pipeworks/internal/tokens"
)

// ErrNotFound marks a dispatch against an unknown pipeline identifier.
var ErrNotFound = errors.New("pipeline not found")

// ExecutionError wraps a failure raised by a pipeline's entry point
// before any output was produced. The HTTP surface reports it as a
// server error; failures after output are folded into the response body
// instead.
type ExecutionError struct {
	PipelineID string
	Err        error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("pipeline %s: %v", e.PipelineID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// itemBuffer bounds the in-flight items between a running pipe and its
// consumer; a full buffer blocks the producer, which is the stream's
// back-pressure.
const itemBuffer = 16

// Recorder persists one row per completed dispatch. Optional.
type Recorder interface {
	RecordInvocation(ctx context.Context, inv Invocation) error
}

// Invocation summarizes one dispatch for the invocation log.
type Invocation struct {
	ID         string
	PipelineID string
	Model      string
	UserID     string
	Streaming  bool
	Status     string
	Duration   time.Duration
	Error      string
	CreatedAt  time.Time
}

// Dispatcher resolves pipeline identifiers and runs their entry points on
// a bounded worker pool with a per-request deadline.
type Dispatcher struct {
	reg      *registry.Registry
	sem      *semaphore.Weighted
	timeout  time.Duration
	counter  *tokens.Counter
	recorder Recorder
	logger   *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRecorder attaches an invocation log.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithTimeout sets the per-request execution deadline. Zero disables it.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = timeout }
}

// New creates a Dispatcher with the given worker-pool size.
func New(reg *registry.Registry, workers int64, logger *slog.Logger, opts ...Option) *Dispatcher {
	if workers <= 0 {
		workers = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		reg:     reg,
		sem:     semaphore.NewWeighted(workers),
		timeout: 5 * time.Minute,
		counter: tokens.NewCounter(),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// emission is one unit off the producer: an item, or the terminal error.
// An error emission is always the last one before the channel closes.
type emission struct {
	item pipeline.Item
	err  error
}

// run acquires a worker slot and starts the pipe invocation, returning
// the bounded channel its output arrives on.
func (d *Dispatcher) run(ctx context.Context, h *pipeline.Handle, req *pipeline.Request) (<-chan emission, error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	ch := make(chan emission, itemBuffer)
	go func() {
		defer d.sem.Release(1)
		defer close(ch)

		cctx := ctx
		if d.timeout > 0 {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(ctx, d.timeout)
			defer cancel()
		}

		err := h.Pipe(cctx, req, func(it pipeline.Item) error {
			select {
			case ch <- emission{item: it}:
				return nil
			case <-cctx.Done():
				return cctx.Err()
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			select {
			case ch <- emission{err: err}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// Complete dispatches a non-streaming request. The result is either a
// *openai.ChatCompletion synthesized from the pipeline's text output, or
// the raw structured value when the pipeline returned one directly (it is
// already in final response shape).
func (d *Dispatcher) Complete(ctx context.Context, req *pipeline.Request) (any, error) {
	h, ok := d.reg.Resolve(req.PipelineID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, req.PipelineID)
	}

	start := time.Now()
	ch, err := d.run(ctx, h, req)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	var object any
	texts, events, objects := 0, 0, 0
	var execErr error

	for em := range ch {
		if em.err != nil {
			execErr = em.err
			continue
		}
		switch em.item.Kind {
		case pipeline.ItemText:
			sb.WriteString(em.item.Text)
			texts++
		case pipeline.ItemEvent:
			events++
		case pipeline.ItemObject:
			object = em.item.Value
			objects++
		}
	}

	status, errText := statusOf(execErr)
	d.record(ctx, req, false, status, time.Since(start), errText)

	if execErr != nil && texts == 0 && objects == 0 {
		return nil, &ExecutionError{PipelineID: req.PipelineID, Err: execErr}
	}

	// A lone returned object is already the final response shape.
	if objects == 1 && texts == 0 && events == 0 && execErr == nil {
		return object, nil
	}

	message := sb.String()
	if execErr != nil {
		message += fmt.Sprintf("\n\nError: %v", execErr)
	}

	completion := openai.NewCompletion(req.PipelineID, message)
	completion.Usage = d.counter.Usage(req.Messages, message)
	return completion, nil
}

// Frame is one unit of a streaming response body: a data payload, or the
// end-of-stream sentinel.
type Frame struct {
	Data []byte
	Done bool
}

// Stream dispatches a streaming request. It waits for the pipeline's
// first output before returning, so a failure with no output surfaces as
// an HTTP-level error instead of a broken stream. The returned channel
// delivers frames in production order and always ends with exactly one
// terminal stop chunk followed by the sentinel.
func (d *Dispatcher) Stream(ctx context.Context, req *pipeline.Request) (<-chan Frame, error) {
	h, ok := d.reg.Resolve(req.PipelineID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, req.PipelineID)
	}

	start := time.Now()
	ch, err := d.run(ctx, h, req)
	if err != nil {
		return nil, err
	}

	first, open := <-ch
	if open && first.err != nil {
		d.record(ctx, req, true, "error", time.Since(start), first.err.Error())
		return nil, &ExecutionError{PipelineID: req.PipelineID, Err: first.err}
	}

	frames := make(chan Frame, 1)
	adapter := newStreamAdapter(req.PipelineID)

	go func() {
		defer close(frames)

		execStatus := "ok"
		errText := ""

		forward := func(em emission) {
			if em.err != nil {
				execStatus = "error"
				errText = em.err.Error()
				data, err := adapter.errorChunk(em.err)
				if err == nil {
					d.send(ctx, frames, Frame{Data: data})
				}
				return
			}
			data, err := adapter.frame(em.item)
			if err != nil {
				d.logger.Error("failed to frame stream item", slog.String("error", err.Error()))
				return
			}
			d.send(ctx, frames, Frame{Data: data})
		}

		if open {
			forward(first)
			for em := range ch {
				forward(em)
			}
		}

		if data, err := adapter.finish(); err == nil {
			d.send(ctx, frames, Frame{Data: data})
		}
		d.send(ctx, frames, Frame{Done: true})

		d.record(ctx, req, true, execStatus, time.Since(start), errText)
	}()

	return frames, nil
}

// send forwards a frame unless the client has gone away.
func (d *Dispatcher) send(ctx context.Context, frames chan<- Frame, f Frame) {
	select {
	case frames <- f:
	case <-ctx.Done():
	}
}

func statusOf(err error) (string, string) {
	if err == nil {
		return "ok", ""
	}
	return "error", err.Error()
}

func (d *Dispatcher) record(ctx context.Context, req *pipeline.Request, streaming bool, status string, dur time.Duration, errText string) {
	if d.recorder == nil {
		return
	}
	userID := ""
	if req.User != nil {
		if id, ok := req.User["id"].(string); ok {
			userID = id
		}
	}
	inv := Invocation{
		ID:         openai.CompletionID(req.PipelineID),
		PipelineID: req.PipelineID,
		Model:      req.PipelineID,
		UserID:     userID,
		Streaming:  streaming,
		Status:     status,
		Duration:   dur,
		Error:      errText,
		CreatedAt:  time.Now().UTC(),
	}
	if err := d.recorder.RecordInvocation(context.WithoutCancel(ctx), inv); err != nil {
		d.logger.Warn("failed to record invocation", slog.String("error", err.Error()))
	}
}
