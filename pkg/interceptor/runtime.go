// Package interceptor loads user plugins and dispatches captured requests
// through them. Plugins are Lua files in the project interceptors
// directory; each returns a table with an optional name, an optional
// match predicate, and a required handler.
package interceptor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
	"go.uber.org/zap"

	"github.com/mtford90/procsi/pkg/store"
)

// Default dispatch deadlines.
const (
	DefaultMatchTimeout   = 250 * time.Millisecond
	DefaultHandlerTimeout = 30 * time.Second
)

// PluginExt is the file extension of interceptor plugins.
const PluginExt = ".lua"

// Request is the plain view of an inbound request handed to plugins.
type Request struct {
	ID      string
	Method  string
	URL     string
	Host    string
	Path    string
	Headers map[string]string
	Body    []byte
}

// Response is the plain response a handler may produce.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Forwarder sends the request upstream on behalf of a handler and returns
// the upstream response.
type Forwarder func(*Request) (*Response, error)

// Kind enumerates dispatch outcomes.
type Kind int

const (
	// KindPassthrough means no interceptor matched.
	KindPassthrough Kind = iota
	// KindObserved means a handler ran and returned no response.
	KindObserved
	// KindMocked means a handler produced a response without forwarding.
	KindMocked
	// KindModified means a handler produced a response after forwarding.
	KindModified
	// KindHandlerError means the handler failed; the proxy answers 500.
	KindHandlerError
	// KindHandlerTimeout means the handler timed out; the proxy answers 504.
	KindHandlerTimeout
)

// Outcome is the result of running the interceptor set against a request.
type Outcome struct {
	Kind     Kind
	Name     string
	Response *Response
}

// Plugin is one loaded interceptor.
type Plugin struct {
	// Name is the declared name, or the file basename when missing.
	Name string `json:"name"`
	// Path is the source file.
	Path string `json:"path"`
	// HasMatch reports whether the plugin declared a match predicate.
	HasMatch bool `json:"hasMatch"`
	// LoadError is set when the plugin failed to load; the plugin is then
	// skipped by dispatch.
	LoadError string `json:"loadError,omitempty"`

	proto *lua.FunctionProto
}

// EventSink receives runtime events.
type EventSink interface {
	AppendEvent(e *store.Event) (int64, error)
}

// Capture gives handlers read-only access to the request store.
type Capture interface {
	Count(f *store.Filter) (int, error)
	ListSummaries(f *store.Filter, limit, offset int) ([]store.Summary, error)
	Get(id string) (*store.Request, error)
	SearchBodies(query, target string, f *store.Filter, limit, offset int) ([]store.Summary, error)
	QueryJSONBodies(path, value, target string, f *store.Filter) ([]store.Summary, error)
}

// Options configures the runtime.
type Options struct {
	MatchTimeout   time.Duration
	HandlerTimeout time.Duration
	Logger         *zap.Logger
}

// Runtime owns the loaded plugin set and dispatches requests through it.
type Runtime struct {
	dir            string
	events         EventSink
	capture        Capture
	matchTimeout   time.Duration
	handlerTimeout time.Duration
	log            *zap.Logger

	mu      sync.RWMutex
	plugins []*Plugin
}

// New creates a runtime over the given plugin directory.
func New(dir string, events EventSink, capture Capture, opts *Options) *Runtime {
	if opts == nil {
		opts = &Options{}
	}
	matchTimeout := opts.MatchTimeout
	if matchTimeout <= 0 {
		matchTimeout = DefaultMatchTimeout
	}
	handlerTimeout := opts.HandlerTimeout
	if handlerTimeout <= 0 {
		handlerTimeout = DefaultHandlerTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Runtime{
		dir:            dir,
		events:         events,
		capture:        capture,
		matchTimeout:   matchTimeout,
		handlerTimeout: handlerTimeout,
		log:            logger,
	}
}

// Load walks the interceptors directory (non-recursive) and atomically
// replaces the plugin set. Load failures are recorded per plugin and the
// runtime stays usable without them.
func (r *Runtime) Load() error {
	plugins, err := r.loadDir()
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.plugins = plugins
	r.mu.Unlock()

	loaded := 0
	for _, p := range plugins {
		if p.LoadError == "" {
			loaded++
		}
	}
	r.emit(&store.Event{
		Type:    store.EventLoaded,
		Level:   store.LevelInfo,
		Message: fmt.Sprintf("loaded %d interceptor(s) from %s", loaded, r.dir),
	})
	return nil
}

// Reload re-reads the plugin directory and swaps in the new set.
func (r *Runtime) Reload() error {
	r.emit(&store.Event{Type: store.EventReload, Level: store.LevelInfo, Message: "reloading interceptors"})
	return r.Load()
}

// List returns the current plugin set in declaration order.
func (r *Runtime) List() []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Plugin, len(r.plugins))
	copy(out, r.plugins)
	return out
}

func (r *Runtime) loadDir() ([]*Plugin, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read interceptors directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), PluginExt) {
			continue
		}
		names = append(names, entry.Name())
	}
	// Declaration order is lexical file order.
	sort.Strings(names)

	plugins := make([]*Plugin, 0, len(names))
	for _, name := range names {
		plugins = append(plugins, r.loadPlugin(filepath.Join(r.dir, name)))
	}
	return plugins, nil
}

// loadPlugin compiles and validates a single plugin file. A failure is
// captured on the plugin record and emitted as a load_error event.
func (r *Runtime) loadPlugin(path string) *Plugin {
	base := strings.TrimSuffix(filepath.Base(path), PluginExt)
	p := &Plugin{Name: base, Path: path}

	fail := func(err error) *Plugin {
		p.LoadError = err.Error()
		p.proto = nil
		r.emit(&store.Event{
			Type:        store.EventLoadError,
			Level:       store.LevelError,
			Interceptor: p.Name,
			Message:     fmt.Sprintf("failed to load %s", filepath.Base(path)),
			Error:       err.Error(),
		})
		return p
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return fail(err)
	}

	chunk, err := parse.Parse(strings.NewReader(string(src)), path)
	if err != nil {
		return fail(err)
	}
	proto, err := lua.Compile(chunk, path)
	if err != nil {
		return fail(err)
	}
	p.proto = proto

	// Execute once in a scratch state to validate the declaration shape
	// and pick up the declared name.
	L := lua.NewState()
	defer L.Close()
	decl, err := evalPlugin(L, proto)
	if err != nil {
		return fail(err)
	}

	if name := L.GetField(decl, "name"); name != lua.LNil {
		if s, ok := name.(lua.LString); ok && string(s) != "" {
			p.Name = string(s)
		}
	}
	if match := L.GetField(decl, "match"); match != lua.LNil {
		if _, ok := match.(*lua.LFunction); !ok {
			return fail(fmt.Errorf("match must be a function"))
		}
		p.HasMatch = true
	}
	if handler := L.GetField(decl, "handler"); handler == lua.LNil {
		return fail(fmt.Errorf("plugin must declare a handler"))
	} else if _, ok := handler.(*lua.LFunction); !ok {
		return fail(fmt.Errorf("handler must be a function"))
	}

	return p
}

// evalPlugin runs a compiled plugin chunk and returns its declaration
// table.
func evalPlugin(L *lua.LState, proto *lua.FunctionProto) (*lua.LTable, error) {
	L.Push(L.NewFunctionFromProto(proto))
	if err := L.PCall(0, 1, nil); err != nil {
		return nil, err
	}
	ret := L.Get(-1)
	L.Pop(1)

	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("plugin must return a table")
	}
	return tbl, nil
}

// Dispatch runs the interceptor set against req. Selection is by
// declaration order; the first interceptor whose match predicate accepts
// the request (or that has no predicate) handles it.
func (r *Runtime) Dispatch(ctx context.Context, req *Request, forward Forwarder) *Outcome {
	r.mu.RLock()
	plugins := r.plugins
	r.mu.RUnlock()

	for _, p := range plugins {
		if p.LoadError != "" {
			continue
		}

		matched, err := r.runMatch(ctx, p, req)
		if err != nil {
			// Timeout and error both skip this interceptor; events were
			// emitted by runMatch.
			continue
		}
		if !matched {
			continue
		}

		r.emitDispatch(store.EventMatched, store.LevelInfo, p.Name, req, "")
		return r.runHandler(ctx, p, req, forward)
	}

	return &Outcome{Kind: KindPassthrough}
}

func (r *Runtime) emit(e *store.Event) {
	if r.events == nil {
		return
	}
	if _, err := r.events.AppendEvent(e); err != nil {
		r.log.Warn("failed to append interceptor event", zap.Error(err))
	}
}

func (r *Runtime) emitDispatch(eventType, level, name string, req *Request, errMsg string) {
	r.emit(&store.Event{
		Type:          eventType,
		Level:         level,
		Interceptor:   name,
		RequestID:     req.ID,
		RequestURL:    req.URL,
		RequestMethod: req.Method,
		Error:         errMsg,
	})
}
