// Package frontdoor exposes the pipeline runtime over HTTP: discovery,
// valve configuration, and the OpenAI-compatible chat-completions
// endpoint. Every route is served both bare and under the /v1 prefix.
package frontdoor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"

	"github.com/pipeworks-ai/pipeworks/internal/auth"
	"github.com/pipeworks-ai/pipeworks/internal/dispatch"
	"github.com/pipeworks-ai/pipeworks/internal/openai"
	"github.com/pipeworks-ai/pipeworks/internal/pipeline"
	"github.com/pipeworks-ai/pipeworks/internal/registry"
	"github.com/pipeworks-ai/pipeworks/internal/server"
	"github.com/pipeworks-ai/pipeworks/internal/valves"
)

// Handler serves the pipeline HTTP surface.
type Handler struct {
	reg        *registry.Registry
	dispatcher *dispatch.Dispatcher
	store      *valves.Store
	auth       *auth.Authenticator
	logger     *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(reg *registry.Registry, dispatcher *dispatch.Dispatcher, store *valves.Store, authenticator *auth.Authenticator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		reg:        reg,
		dispatcher: dispatcher,
		store:      store,
		auth:       authenticator,
		logger:     logger,
	}
}

// Mount registers the routes on the router, bare and under /v1.
func (h *Handler) Mount(r chi.Router) {
	h.routes(r)
	r.Route("/v1", func(sub chi.Router) {
		h.routes(sub)
	})
}

func (h *Handler) routes(r chi.Router) {
	r.Get("/", h.handleStatus)

	r.Group(func(g chi.Router) {
		g.Use(server.AuthMiddleware(h.auth))
		g.Get("/models", h.handleModels)
		g.Get("/pipelines", h.handlePipelines)
	})

	r.Get("/{id}/valves", h.handleGetValves)
	r.Get("/{id}/valves/spec", h.handleValvesSpec)
	r.Post("/{id}/valves/update", h.handleUpdateValves)

	r.Post("/chat/completions", h.handleChatCompletion)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"status": true})
}

func (h *Handler) handleModels(w http.ResponseWriter, r *http.Request) {
	entries := h.reg.Snapshot()
	now := time.Now().Unix()

	data := make([]openai.Model, 0, len(entries))
	for _, e := range entries {
		data = append(data, openai.Model{
			ID:       e.ID,
			Name:     e.Name,
			Object:   "model",
			Created:  now,
			OwnedBy:  "openai",
			Pipeline: openai.PipelineFlags{Valves: e.HasValves},
		})
	}

	writeJSON(w, http.StatusOK, openai.ModelList{
		Data:      data,
		Object:    "list",
		Pipelines: true,
	})
}

func (h *Handler) handlePipelines(w http.ResponseWriter, r *http.Request) {
	entries := h.reg.Snapshot()

	type row struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Valves bool   `json:"valves"`
	}
	data := make([]row, 0, len(entries))
	for _, e := range entries {
		data = append(data, row{ID: e.ID, Name: e.Unit, Valves: e.HasValves})
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

// resolveWithValves looks up a handle and requires a valve schema,
// writing the 404s shared by the three valve endpoints.
func (h *Handler) resolveWithValves(w http.ResponseWriter, id string) (*pipeline.Handle, bool) {
	handle, ok := h.reg.Resolve(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Pipeline %s not found", id))
		return nil, false
	}
	if !handle.HasValves() {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Valves for %s not found", id))
		return nil, false
	}
	return handle, true
}

func (h *Handler) handleGetValves(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.resolveWithValves(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, handle.Values())
}

func (h *Handler) handleValvesSpec(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.resolveWithValves(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, handle.Schema().Doc())
}

func (h *Handler) handleUpdateValves(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.resolveWithValves(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	next, err := handle.Schema().Apply(payload)
	if err != nil {
		server.AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	handle.SetValves(next)

	if err := h.store.Persist(handle.Unit(), next); err != nil {
		h.logger.Error("failed to persist valves",
			slog.String("pipeline", handle.ID()),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := handle.OnValvesUpdated(r.Context()); err != nil {
		h.logger.Error("on_valves_updated hook failed",
			slog.String("pipeline", handle.ID()),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, handle.Values())
}

func (h *Handler) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var form openai.ChatCompletionRequest
	if err := json.Unmarshal(raw, &form); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	server.AddLogField(r.Context(), "pipeline", form.Model)
	server.AddLogField(r.Context(), "user_id", gjson.GetBytes(raw, "user.id").String())

	req := &pipeline.Request{
		PipelineID:  form.Model,
		UserMessage: openai.LastUserMessage(form.Messages),
		Messages:    form.Messages,
		Body:        body,
		User:        form.User,
		Stream:      form.Stream,
	}

	if form.Stream {
		h.streamCompletion(w, r, req)
		return
	}

	res, err := h.dispatcher.Complete(r.Context(), req)
	if err != nil {
		h.writeDispatchError(w, r, req.PipelineID, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) streamCompletion(w http.ResponseWriter, r *http.Request, req *pipeline.Request) {
	frames, err := h.dispatcher.Stream(r.Context(), req)
	if err != nil {
		h.writeDispatchError(w, r, req.PipelineID, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for frame := range frames {
		if frame.Done {
			fmt.Fprint(w, "data: [DONE]\n\n")
		} else {
			fmt.Fprintf(w, "data: %s\n\n", frame.Data)
		}
		flusher.Flush()
	}
}

func (h *Handler) writeDispatchError(w http.ResponseWriter, r *http.Request, id string, err error) {
	server.AddError(r.Context(), err)

	if errors.Is(err, dispatch.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Pipeline %s not found", id))
		return
	}

	var execErr *dispatch.ExecutionError
	if errors.As(err, &execErr) {
		writeError(w, http.StatusInternalServerError, execErr.Err.Error())
		return
	}

	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, openai.ErrorBody{Detail: detail})
}
