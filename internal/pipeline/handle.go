package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/pipeworks-ai/pipeworks/internal/valves"
)

var hookNames = []string{"on_startup", "on_shutdown", "on_valves_updated"}

// Handle is the runtime instance of one discovered pipeline unit. It owns
// the unit's Lua state for the process lifetime; the state is not
// goroutine-safe, so every invocation is serialized by the handle mutex.
// Valve values live behind their own lock so configuration reads never
// wait on a running pipe call; an update racing an in-flight request is
// last-writer-wins.
type Handle struct {
	id   string
	name string
	unit string
	path string

	mu     sync.Mutex // serializes all Lua state access
	state  *lua.LState
	pipe   *lua.LFunction
	hooks  map[string]*lua.LFunction
	closed bool

	schema *valves.Schema

	valveMu sync.RWMutex
	values  map[string]any
}

// Load executes a unit's source and instantiates its Pipeline table. For a
// package unit, entry is the directory's init.lua and sibling files are
// made requirable relative to that directory. Valve values start at the
// schema defaults until the loader hydrates them.
func Load(unit, entry string, pkg bool) (*Handle, error) {
	L := lua.NewState()

	if pkg {
		dir := filepath.Dir(entry)
		pkgTable, ok := L.GetGlobal("package").(*lua.LTable)
		if ok {
			path := lua.LVAsString(pkgTable.RawGetString("path"))
			prefix := filepath.Join(dir, "?.lua") + ";" + filepath.Join(dir, "?", "init.lua")
			pkgTable.RawSetString("path", lua.LString(prefix+";"+path))
		}
	}

	if err := doFile(L, unit, entry); err != nil {
		L.Close()
		return nil, fmt.Errorf("load %s: %w", unit, err)
	}

	tbl, ok := L.GetGlobal("Pipeline").(*lua.LTable)
	if !ok {
		L.Close()
		return nil, fmt.Errorf("%s: %w", unit, ErrNoPipeline)
	}

	pipe, ok := tbl.RawGetString("pipe").(*lua.LFunction)
	if !ok {
		L.Close()
		return nil, fmt.Errorf("%s: %w", unit, ErrNoPipe)
	}

	h := &Handle{
		id:    unit,
		name:  unit,
		unit:  unit,
		path:  entry,
		state: L,
		pipe:  pipe,
		hooks: make(map[string]*lua.LFunction),
	}

	if id, ok := tbl.RawGetString("id").(lua.LString); ok && id != "" {
		h.id = string(id)
	}
	h.name = h.id
	if name, ok := tbl.RawGetString("name").(lua.LString); ok && name != "" {
		h.name = string(name)
	}

	for _, hook := range hookNames {
		if fn, ok := tbl.RawGetString(hook).(*lua.LFunction); ok {
			h.hooks[hook] = fn
		}
	}

	if decl, ok := tbl.RawGetString("valves").(*lua.LTable); ok {
		declMap, ok := goValue(decl).(map[string]any)
		if !ok {
			L.Close()
			return nil, fmt.Errorf("%s: valves declaration must be a table of fields", unit)
		}
		schema, err := valves.Parse(declMap)
		if err != nil {
			L.Close()
			return nil, fmt.Errorf("%s: %w", unit, err)
		}
		h.schema = schema
		h.values = schema.Defaults()
	}

	return h, nil
}

// doFile compiles and runs a unit's source under the unit name, so error
// text reads "unit:line" rather than carrying the entry path. Runs with
// panic recovery; gopher-lua panics on some internal errors and a broken
// unit must not take the process down.
func doFile(L *lua.LState, unit, path string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	src, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	fn, err := L.Load(bytes.NewReader(src), unit)
	if err != nil {
		return err
	}
	L.Push(fn)
	return L.PCall(0, lua.MultRet, nil)
}

// ID returns the pipeline identifier (declared id or the unit name).
func (h *Handle) ID() string { return h.id }

// Name returns the display name.
func (h *Handle) Name() string { return h.name }

// Unit returns the filesystem unit name the handle was loaded from. Valve
// records are keyed by unit name, not pipeline id.
func (h *Handle) Unit() string { return h.unit }

// HasValves reports whether the unit declared a valve schema.
func (h *Handle) HasValves() bool { return h.schema != nil }

// Schema returns the valve schema, nil when the unit declares none.
func (h *Handle) Schema() *valves.Schema { return h.schema }

// Values returns a copy of the current effective valve record.
func (h *Handle) Values() map[string]any {
	h.valveMu.RLock()
	defer h.valveMu.RUnlock()
	out := make(map[string]any, len(h.values))
	for k, v := range h.values {
		out[k] = v
	}
	return out
}

// SetValves replaces the effective valve record in place.
func (h *Handle) SetValves(values map[string]any) {
	h.valveMu.Lock()
	h.values = values
	h.valveMu.Unlock()
}

// Pipe invokes the unit's entry point for one request. The pipe function
// runs as a coroutine: every yielded value and every returned value is
// classified into an Item and passed to emit in production order. emit may
// block; that blocking is the stream's back-pressure. The context deadline
// propagates into the Lua state, so a hung script aborts when the deadline
// passes.
func (h *Handle) Pipe(ctx context.Context, req *Request, emit func(Item) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}

	L := h.state
	L.SetContext(ctx)
	defer L.RemoveContext()

	arg := h.requestTable(L, req)

	return h.pump(L, arg, emit)
}

func (h *Handle) pump(L *lua.LState, arg lua.LValue, emit func(Item) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = h.scrub(fmt.Errorf("lua panic: %v", r))
		}
	}()

	co, _ := L.NewThread()
	st, rerr, vals := L.Resume(co, h.pipe, arg)
	for {
		if rerr != nil {
			return h.scrub(fmt.Errorf("pipe: %w", rerr))
		}
		yielded := st == lua.ResumeYield
		for _, v := range vals {
			item, ok := classify(v, yielded)
			if !ok {
				continue
			}
			if err := emit(item); err != nil {
				return err
			}
		}
		if !yielded {
			return nil
		}
		st, rerr, vals = L.Resume(co, h.pipe)
	}
}

// classify maps one Lua value to a tagged item. Yielded tables are events;
// returned tables are terminal objects. Scalars stringify to text the way
// Lua's tostring would render them. Nil and non-data values are dropped.
func classify(v lua.LValue, yielded bool) (Item, bool) {
	switch val := v.(type) {
	case lua.LString:
		return Item{Kind: ItemText, Text: string(val)}, true
	case lua.LNumber, lua.LBool:
		return Item{Kind: ItemText, Text: v.String()}, true
	case *lua.LTable:
		kind := ItemObject
		if yielded {
			kind = ItemEvent
		}
		return Item{Kind: kind, Value: goValue(val)}, true
	default:
		return Item{}, false
	}
}

func (h *Handle) requestTable(L *lua.LState, req *Request) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("user_message", lua.LString(req.UserMessage))
	t.RawSetString("model_id", lua.LString(req.PipelineID))
	t.RawSetString("stream", lua.LBool(req.Stream))

	msgs := L.NewTable()
	for i, m := range req.Messages {
		mt := L.NewTable()
		mt.RawSetString("role", lua.LString(m.Role))
		mt.RawSetString("content", lua.LString(m.Content))
		msgs.RawSetInt(i+1, mt)
	}
	t.RawSetString("messages", msgs)

	if req.Body != nil {
		t.RawSetString("body", luaValue(L, req.Body))
	}
	if req.User != nil {
		t.RawSetString("user", luaValue(L, req.User))
	}
	t.RawSetString("valves", luaValue(L, h.Values()))

	return t
}

// OnStartup runs the unit's on_startup hook, if declared.
func (h *Handle) OnStartup(ctx context.Context) error {
	return h.callHook(ctx, "on_startup")
}

// OnShutdown runs the unit's on_shutdown hook, if declared.
func (h *Handle) OnShutdown(ctx context.Context) error {
	return h.callHook(ctx, "on_shutdown")
}

// OnValvesUpdated notifies the unit that its valve record changed. The
// hook receives the new effective record.
func (h *Handle) OnValvesUpdated(ctx context.Context) error {
	return h.callHook(ctx, "on_valves_updated", h.Values())
}

func (h *Handle) callHook(ctx context.Context, name string, args ...any) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	fn, ok := h.hooks[name]
	if !ok {
		return nil
	}

	L := h.state
	L.SetContext(ctx)
	defer L.RemoveContext()

	return h.call(L, fn, args...)
}

func (h *Handle) call(L *lua.LState, fn *lua.LFunction, args ...any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = h.scrub(fmt.Errorf("lua panic: %v", r))
		}
	}()

	L.Push(fn)
	for _, a := range args {
		L.Push(luaValue(L, a))
	}
	return h.scrub(L.PCall(len(args), 0, nil))
}

// scrub strips the unit's directory from Lua error text. The entry chunk
// is compiled under the unit name, but chunks pulled in through require
// keep their file path as the chunk name, and that path has no business
// in an error a client may see.
func (h *Handle) scrub(err error) error {
	if err == nil {
		return nil
	}
	dir := filepath.Dir(h.path) + string(filepath.Separator)
	msg := strings.ReplaceAll(err.Error(), dir, "")
	if msg == err.Error() {
		return err
	}
	return errors.New(msg)
}

// Close releases the handle's Lua state. Only tests and process shutdown
// call this; handles held by the registry live for the process lifetime.
func (h *Handle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.state.Close()
}
