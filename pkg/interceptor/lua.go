package interceptor

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/mtford90/procsi/pkg/store"
)

// runMatch evaluates the plugin's match predicate under the match
// timeout. A plugin without a predicate matches everything. Timeouts and
// errors emit their events and return a non-nil error so dispatch skips
// the plugin.
func (r *Runtime) runMatch(ctx context.Context, p *Plugin, req *Request) (bool, error) {
	if !p.HasMatch {
		return true, nil
	}

	mctx, cancel := context.WithTimeout(ctx, r.matchTimeout)
	defer cancel()

	type result struct {
		matched bool
		err     error
	}
	done := make(chan result, 1)

	go func() {
		L := lua.NewState()
		defer L.Close()
		L.SetContext(mctx)

		decl, err := evalPlugin(L, p.proto)
		if err != nil {
			done <- result{err: err}
			return
		}
		match := L.GetField(decl, "match")

		if err := L.CallByParam(lua.P{Fn: match, NRet: 1, Protect: true}, requestToLua(L, req)); err != nil {
			done <- result{err: err}
			return
		}
		ret := L.Get(-1)
		L.Pop(1)
		done <- result{matched: lua.LVAsBool(ret)}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if mctx.Err() != nil {
				r.emitDispatch(store.EventMatchTimeout, store.LevelWarn, p.Name, req, mctx.Err().Error())
				return false, mctx.Err()
			}
			r.emitDispatch(store.EventMatchError, store.LevelError, p.Name, req, res.err.Error())
			return false, res.err
		}
		return res.matched, nil
	case <-mctx.Done():
		r.emitDispatch(store.EventMatchTimeout, store.LevelWarn, p.Name, req, mctx.Err().Error())
		return false, mctx.Err()
	}
}

// handlerResult carries the handler's outcome out of its goroutine.
type handlerResult struct {
	resp      *Response
	forwarded bool
	fwdResp   *Response
	invalid   string
	err       error
}

// runHandler invokes the plugin handler under the handler timeout and
// maps its behavior to a dispatch outcome.
func (r *Runtime) runHandler(ctx context.Context, p *Plugin, req *Request, forward Forwarder) *Outcome {
	hctx, cancel := context.WithTimeout(ctx, r.handlerTimeout)
	defer cancel()

	done := make(chan handlerResult, 1)
	go func() {
		done <- r.invokeHandler(hctx, p, req, forward)
	}()

	var res handlerResult
	select {
	case res = <-done:
	case <-hctx.Done():
		// The Lua VM observes the context and unwinds on its own; the
		// task is detached here so a stuck handler cannot hold the proxy.
		r.emitDispatch(store.EventHandlerTimeout, store.LevelError, p.Name, req, hctx.Err().Error())
		return &Outcome{Kind: KindHandlerTimeout, Name: p.Name}
	}

	if res.err != nil {
		if hctx.Err() != nil {
			r.emitDispatch(store.EventHandlerTimeout, store.LevelError, p.Name, req, hctx.Err().Error())
			return &Outcome{Kind: KindHandlerTimeout, Name: p.Name}
		}
		r.emitDispatch(store.EventHandlerError, store.LevelError, p.Name, req, res.err.Error())
		return &Outcome{Kind: KindHandlerError, Name: p.Name}
	}

	if res.invalid != "" {
		r.emitDispatch(store.EventInvalidResponse, store.LevelWarn, p.Name, req, res.invalid)
		res.resp = nil
	}

	switch {
	case res.resp != nil && res.forwarded:
		r.emitDispatch(store.EventModified, store.LevelInfo, p.Name, req, "")
		return &Outcome{Kind: KindModified, Name: p.Name, Response: res.resp}
	case res.resp != nil:
		r.emitDispatch(store.EventMocked, store.LevelInfo, p.Name, req, "")
		return &Outcome{Kind: KindMocked, Name: p.Name, Response: res.resp}
	case res.forwarded && res.fwdResp != nil:
		// The handler forwarded but returned nothing; the upstream
		// response flows through unchanged under its attribution.
		r.emitDispatch(store.EventModified, store.LevelInfo, p.Name, req, "")
		return &Outcome{Kind: KindModified, Name: p.Name, Response: res.fwdResp}
	default:
		r.emitDispatch(store.EventObserved, store.LevelInfo, p.Name, req, "")
		return &Outcome{Kind: KindObserved, Name: p.Name}
	}
}

// invokeHandler runs the handler function inside a fresh Lua state.
func (r *Runtime) invokeHandler(ctx context.Context, p *Plugin, req *Request, forward Forwarder) handlerResult {
	L := lua.NewState()
	defer L.Close()
	L.SetContext(ctx)

	decl, err := evalPlugin(L, p.proto)
	if err != nil {
		return handlerResult{err: err}
	}
	handler := L.GetField(decl, "handler")

	var (
		forwarded bool
		fwdResp   *Response
	)

	hctxTable := L.NewTable()

	L.SetField(hctxTable, "forward", L.NewFunction(func(L *lua.LState) int {
		if forwarded {
			r.emitDispatch(store.EventForwardAfterComplete, store.LevelWarn, p.Name, req, "")
			L.Push(responseToLua(L, fwdResp))
			return 1
		}
		forwarded = true

		resp, err := forward(req)
		if err != nil {
			L.RaiseError("forward failed: %s", err.Error())
			return 0
		}
		fwdResp = resp
		L.Push(responseToLua(L, resp))
		return 1
	}))

	L.SetField(hctxTable, "log", L.NewFunction(func(L *lua.LState) int {
		msg := L.CheckString(1)
		r.emit(&store.Event{
			Type:          store.EventUserLog,
			Level:         store.LevelInfo,
			Interceptor:   p.Name,
			Message:       msg,
			RequestID:     req.ID,
			RequestURL:    req.URL,
			RequestMethod: req.Method,
		})
		return 0
	}))

	L.SetField(hctxTable, "capture", r.captureTable(L))

	if err := L.CallByParam(lua.P{Fn: handler, NRet: 1, Protect: true}, hctxTable, requestToLua(L, req)); err != nil {
		return handlerResult{forwarded: forwarded, fwdResp: fwdResp, err: err}
	}
	ret := L.Get(-1)
	L.Pop(1)

	res := handlerResult{forwarded: forwarded, fwdResp: fwdResp}
	switch v := ret.(type) {
	case *lua.LNilType:
	case *lua.LTable:
		resp, invalid := luaToResponse(L, v)
		if invalid != "" {
			res.invalid = invalid
		} else {
			res.resp = resp
		}
	default:
		res.invalid = fmt.Sprintf("handler returned %s, expected table or nil", ret.Type())
	}
	return res
}

// requestToLua builds the plain request table plugins receive.
func requestToLua(L *lua.LState, req *Request) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "id", lua.LString(req.ID))
	L.SetField(tbl, "method", lua.LString(req.Method))
	L.SetField(tbl, "url", lua.LString(req.URL))
	L.SetField(tbl, "host", lua.LString(req.Host))
	L.SetField(tbl, "path", lua.LString(req.Path))
	L.SetField(tbl, "body", lua.LString(req.Body))

	headers := L.NewTable()
	for k, v := range req.Headers {
		L.SetField(headers, k, lua.LString(v))
	}
	L.SetField(tbl, "headers", headers)
	return tbl
}

func responseToLua(L *lua.LState, resp *Response) lua.LValue {
	if resp == nil {
		return lua.LNil
	}
	tbl := L.NewTable()
	L.SetField(tbl, "status", lua.LNumber(resp.Status))
	L.SetField(tbl, "body", lua.LString(resp.Body))

	headers := L.NewTable()
	for k, v := range resp.Headers {
		L.SetField(headers, k, lua.LString(v))
	}
	L.SetField(tbl, "headers", headers)
	return tbl
}

// luaToResponse validates a handler's returned table. The empty string
// return means valid.
func luaToResponse(L *lua.LState, tbl *lua.LTable) (*Response, string) {
	statusVal := L.GetField(tbl, "status")
	status, ok := statusVal.(lua.LNumber)
	if !ok {
		return nil, "response is missing a numeric status"
	}
	if status < 100 || status > 599 {
		return nil, fmt.Sprintf("response status %d out of range", int(status))
	}

	resp := &Response{Status: int(status), Headers: map[string]string{}}

	if headersVal := L.GetField(tbl, "headers"); headersVal != lua.LNil {
		headers, ok := headersVal.(*lua.LTable)
		if !ok {
			return nil, "response headers must be a table"
		}
		headers.ForEach(func(k, v lua.LValue) {
			resp.Headers[k.String()] = v.String()
		})
	}

	if bodyVal := L.GetField(tbl, "body"); bodyVal != lua.LNil {
		body, ok := bodyVal.(lua.LString)
		if !ok {
			return nil, "response body must be a string"
		}
		resp.Body = []byte(body)
	}

	return resp, ""
}

// captureTable exposes the read-only capture client to handlers.
func (r *Runtime) captureTable(L *lua.LState) *lua.LTable {
	tbl := L.NewTable()
	if r.capture == nil {
		return tbl
	}

	L.SetField(tbl, "count", L.NewFunction(func(L *lua.LState) int {
		f := luaToFilter(L, L.OptTable(1, nil))
		count, err := r.capture.Count(f)
		if err != nil {
			L.RaiseError("count failed: %s", err.Error())
			return 0
		}
		L.Push(lua.LNumber(count))
		return 1
	}))

	L.SetField(tbl, "list", L.NewFunction(func(L *lua.LState) int {
		f := luaToFilter(L, L.OptTable(1, nil))
		limit := L.OptInt(2, 50)
		offset := L.OptInt(3, 0)
		summaries, err := r.capture.ListSummaries(f, limit, offset)
		if err != nil {
			L.RaiseError("list failed: %s", err.Error())
			return 0
		}
		L.Push(summariesToLua(L, summaries))
		return 1
	}))

	L.SetField(tbl, "get", L.NewFunction(func(L *lua.LState) int {
		id := L.CheckString(1)
		req, err := r.capture.Get(id)
		if err != nil {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(storedRequestToLua(L, req))
		return 1
	}))

	L.SetField(tbl, "search", L.NewFunction(func(L *lua.LState) int {
		query := L.CheckString(1)
		target := L.OptString(2, store.TargetBoth)
		f := luaToFilter(L, L.OptTable(3, nil))
		summaries, err := r.capture.SearchBodies(query, target, f, 50, 0)
		if err != nil {
			L.RaiseError("search failed: %s", err.Error())
			return 0
		}
		L.Push(summariesToLua(L, summaries))
		return 1
	}))

	L.SetField(tbl, "queryJson", L.NewFunction(func(L *lua.LState) int {
		path := L.CheckString(1)
		value := L.OptString(2, "")
		target := L.OptString(3, store.TargetBoth)
		summaries, err := r.capture.QueryJSONBodies(path, value, target, &store.Filter{})
		if err != nil {
			L.RaiseError("queryJson failed: %s", err.Error())
			return 0
		}
		L.Push(summariesToLua(L, summaries))
		return 1
	}))

	return tbl
}

func luaToFilter(L *lua.LState, tbl *lua.LTable) *store.Filter {
	f := &store.Filter{}
	if tbl == nil {
		return f
	}

	if v := L.GetField(tbl, "methods"); v != lua.LNil {
		if methods, ok := v.(*lua.LTable); ok {
			methods.ForEach(func(_, m lua.LValue) {
				f.Methods = append(f.Methods, m.String())
			})
		}
	}
	if v := L.GetField(tbl, "host"); v != lua.LNil {
		f.Host = v.String()
	}
	if v := L.GetField(tbl, "path_prefix"); v != lua.LNil {
		f.PathPrefix = v.String()
	}
	if v := L.GetField(tbl, "search"); v != lua.LNil {
		f.Search = v.String()
	}
	if v := L.GetField(tbl, "status_range"); v != lua.LNil {
		f.StatusRange = v.String()
	}
	if v := L.GetField(tbl, "source"); v != lua.LNil {
		f.Source = v.String()
	}
	if v := L.GetField(tbl, "saved"); v != lua.LNil {
		saved := lua.LVAsBool(v)
		f.Saved = &saved
	}
	return f
}

func summariesToLua(L *lua.LState, summaries []store.Summary) *lua.LTable {
	out := L.NewTable()
	for _, s := range summaries {
		tbl := L.NewTable()
		L.SetField(tbl, "id", lua.LString(s.ID))
		L.SetField(tbl, "method", lua.LString(s.Method))
		L.SetField(tbl, "url", lua.LString(s.URL))
		L.SetField(tbl, "host", lua.LString(s.Host))
		L.SetField(tbl, "path", lua.LString(s.Path))
		L.SetField(tbl, "timestamp", lua.LNumber(s.Timestamp))
		if s.ResponseStatus != nil {
			L.SetField(tbl, "status", lua.LNumber(*s.ResponseStatus))
		}
		if s.InterceptedBy != "" {
			L.SetField(tbl, "interceptedBy", lua.LString(s.InterceptedBy))
		}
		L.SetField(tbl, "saved", lua.LBool(s.Saved))
		out.Append(tbl)
	}
	return out
}

func storedRequestToLua(L *lua.LState, r *store.Request) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "id", lua.LString(r.ID))
	L.SetField(tbl, "method", lua.LString(r.Method))
	L.SetField(tbl, "url", lua.LString(r.URL))
	L.SetField(tbl, "host", lua.LString(r.Host))
	L.SetField(tbl, "path", lua.LString(r.Path))
	L.SetField(tbl, "timestamp", lua.LNumber(r.Timestamp))
	L.SetField(tbl, "requestBody", lua.LString(r.RequestBody))
	if r.ResponseStatus != nil {
		L.SetField(tbl, "status", lua.LNumber(*r.ResponseStatus))
		L.SetField(tbl, "responseBody", lua.LString(r.ResponseBody))
	}

	reqHeaders := L.NewTable()
	for k, v := range r.RequestHeaders {
		L.SetField(reqHeaders, k, lua.LString(v))
	}
	L.SetField(tbl, "requestHeaders", reqHeaders)

	respHeaders := L.NewTable()
	for k, v := range r.ResponseHeaders {
		L.SetField(respHeaders, k, lua.LString(v))
	}
	L.SetField(tbl, "responseHeaders", respHeaders)
	return tbl
}
