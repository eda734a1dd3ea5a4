// Copyright 2026 The apiproxyd Authors
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"encoding/json"

	"github.com/afterdarksys/apiproxyd/lib/exchange"
	"github.com/afterdarksys/apiproxyd/lib/wire"
)

// methodSpec declares one hook: its required positional arity and the
// invoke function that decodes params and runs the handler. Extra
// parameters are ignored; too few is an InvalidParams failure before
// any handler code runs.
type methodSpec struct {
	arity  int
	invoke func(d *Dispatcher, params []json.RawMessage) (any, error)
}

// methods is the fixed hook table. There is no registration API: the
// protocol defines exactly these six methods.
var methods = map[string]methodSpec{
	"get_info":     {arity: 0, invoke: (*Dispatcher).getInfo},
	"init":         {arity: 1, invoke: (*Dispatcher).initialize},
	"on_request":   {arity: 1, invoke: (*Dispatcher).onRequest},
	"on_response":  {arity: 2, invoke: (*Dispatcher).onResponse},
	"on_cache_hit": {arity: 2, invoke: (*Dispatcher).onCacheHit},
	"shutdown":     {arity: 0, invoke: (*Dispatcher).shutdown},
}

// statusResult is the acknowledgment for init and shutdown.
type statusResult struct {
	Status string `json:"status"`
}

// requestResult is the on_request reply shape. Response is present
// only for a short-circuited exchange.
type requestResult struct {
	Request  *exchange.Request  `json:"request"`
	Continue bool               `json:"continue"`
	Response *exchange.Response `json:"response,omitempty"`
}

// Dispatcher routes decoded calls to the handler's hooks, gated by
// the session's lifecycle state. Every failure — unknown method, bad
// params, lifecycle violation, handler error, handler panic — is
// converted to a *CallError at this boundary; a hook is never allowed
// to crash the process or leave a call unanswered.
type Dispatcher struct {
	session *Session
	handler Handler
}

// NewDispatcher creates a dispatcher driving handler under session.
func NewDispatcher(session *Session, handler Handler) *Dispatcher {
	return &Dispatcher{session: session, handler: handler}
}

// Session returns the session this dispatcher gates on.
func (d *Dispatcher) Session() *Session { return d.session }

// Dispatch routes one decoded call and returns either a result value
// to encode or a classified failure. Panics raised by the handler are
// recovered here and surfaced as handler errors.
func (d *Dispatcher) Dispatch(req *wire.Request) (result any, callErr *CallError) {
	defer func() {
		if recovered := recover(); recovered != nil {
			result = nil
			callErr = HandlerError("hook %s panicked: %v", req.Method, recovered)
		}
	}()

	spec, known := methods[req.Method]
	if !known {
		return nil, MethodNotFound("unknown method %q", req.Method)
	}
	if len(req.Params) < spec.arity {
		return nil, InvalidParams("%s requires %d params, got %d",
			req.Method, spec.arity, len(req.Params))
	}

	value, err := spec.invoke(d, req.Params)
	if err != nil {
		return nil, asCallError(err)
	}
	return value, nil
}

// asCallError preserves an existing classification and wraps anything
// else as a handler failure.
func asCallError(err error) *CallError {
	if classified, ok := err.(*CallError); ok {
		return classified
	}
	return &CallError{Kind: KindHandler, Err: err}
}

func (d *Dispatcher) getInfo(params []json.RawMessage) (any, error) {
	// Static identity only — callable in any state, including before
	// init and after shutdown.
	return d.session.Info(), nil
}

func (d *Dispatcher) initialize(params []json.RawMessage) (any, error) {
	if err := d.session.BeginInit(); err != nil {
		return nil, err
	}
	config, err := ParseConfig(params[0])
	if err != nil {
		return nil, InvalidParams("invalid config: %v", err)
	}
	if err := d.handler.Init(config); err != nil {
		// The session keeps its previous state and config: a failed
		// re-init must not half-apply.
		return nil, err
	}
	d.session.CompleteInit(config)
	return statusResult{Status: "ok"}, nil
}

func (d *Dispatcher) onRequest(params []json.RawMessage) (any, error) {
	if err := d.session.RequireReady(); err != nil {
		return nil, err
	}
	req, callErr := requestParam(params, 0)
	if callErr != nil {
		return nil, callErr
	}

	outcome, err := d.handler.OnRequest(req)
	if err != nil {
		return nil, err
	}
	if outcome == nil {
		return nil, HandlerError("on_request returned no outcome")
	}
	if outcome.Request == nil {
		outcome.Request = req
	}
	if !outcome.Continue && outcome.Response == nil {
		// A short-circuiting plugin owes the daemon the final outcome;
		// without a synthetic response the daemon would have nothing
		// to send the client.
		return nil, HandlerError("on_request short-circuit without a synthetic response")
	}
	result := requestResult{
		Request:  outcome.Request,
		Continue: outcome.Continue,
	}
	if !outcome.Continue {
		result.Response = outcome.Response
	}
	return result, nil
}

func (d *Dispatcher) onResponse(params []json.RawMessage) (any, error) {
	return d.responseHook(params, d.handler.OnResponse)
}

func (d *Dispatcher) onCacheHit(params []json.RawMessage) (any, error) {
	return d.responseHook(params, d.handler.OnCacheHit)
}

// responseHook implements the shared on_response/on_cache_hit shape:
// two text params (request, response), one mutated response result.
func (d *Dispatcher) responseHook(
	params []json.RawMessage,
	hook func(*exchange.Request, *exchange.Response) (*exchange.Response, error),
) (any, error) {
	if err := d.session.RequireReady(); err != nil {
		return nil, err
	}
	req, callErr := requestParam(params, 0)
	if callErr != nil {
		return nil, callErr
	}
	resp, callErr := responseParam(params, 1)
	if callErr != nil {
		return nil, callErr
	}

	mutated, err := hook(req, resp)
	if err != nil {
		return nil, err
	}
	if mutated == nil {
		// Identity transform.
		mutated = resp
	}
	return mutated, nil
}

func (d *Dispatcher) shutdown(params []json.RawMessage) (any, error) {
	if err := d.session.BeginShutdown(); err != nil {
		return nil, err
	}
	cleanupErr := d.handler.Shutdown()
	// The session terminates even when cleanup failed: a plugin whose
	// cleanup broke must not keep accepting mutation hooks.
	d.session.CompleteShutdown()
	if cleanupErr != nil {
		return nil, cleanupErr
	}
	return statusResult{Status: "ok"}, nil
}

// textParam decodes positional parameter i, which must be a JSON
// string carrying a serialized value.
func textParam(params []json.RawMessage, i int) ([]byte, *CallError) {
	var text string
	if err := json.Unmarshal(params[i], &text); err != nil {
		return nil, InvalidParams("param %d must be a string: %v", i, err)
	}
	return []byte(text), nil
}

// requestParam decodes positional parameter i as a serialized proxy
// request. The value is a JSON string whose content is the encoded
// request — not a nested object.
func requestParam(params []json.RawMessage, i int) (*exchange.Request, *CallError) {
	text, callErr := textParam(params, i)
	if callErr != nil {
		return nil, callErr
	}
	req, err := exchange.DecodeRequest(text)
	if err != nil {
		return nil, InvalidParams("param %d: %v", i, err)
	}
	return req, nil
}

// responseParam decodes positional parameter i as a serialized proxy
// response.
func responseParam(params []json.RawMessage, i int) (*exchange.Response, *CallError) {
	text, callErr := textParam(params, i)
	if callErr != nil {
		return nil, callErr
	}
	resp, err := exchange.DecodeResponse(text)
	if err != nil {
		return nil, InvalidParams("param %d: %v", i, err)
	}
	return resp, nil
}
