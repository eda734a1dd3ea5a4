// Copyright 2026 The apiproxyd Authors
// SPDX-License-Identifier: Apache-2.0

package plugin

import "github.com/afterdarksys/apiproxyd/lib/exchange"

// Info identifies a plugin. It must be static: get_info is callable
// in any lifecycle state and must return the same pair regardless of
// prior call history.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// RequestOutcome is the result of an on_request hook.
type RequestOutcome struct {
	// Request is the (possibly mutated) request. A nil Request means
	// the hook left the request unchanged.
	Request *exchange.Request

	// Continue reports whether the daemon should proceed upstream (or
	// to cache lookup) with the mutated request. False short-circuits
	// the exchange.
	Continue bool

	// Response is the synthetic final response for a short-circuited
	// exchange. Required when Continue is false — the daemon forwards
	// nothing upstream, so the plugin must supply the outcome itself.
	// Ignored when Continue is true.
	Response *exchange.Response
}

// Handler is the set of lifecycle hooks a plugin implements. The
// runtime drives a Handler from the read loop: decode call, gate on
// session state, invoke the hook, encode the reply.
//
// Hooks run on a single goroutine with exactly one in-flight call, so
// implementations need no locking for state confined to the handler.
// A hook may return an error (or panic); the runtime converts either
// into an error reply rather than letting it take down the process.
type Handler interface {
	// Info returns the plugin's static name and version. Pure; called
	// before init is allowed.
	Info() Info

	// Init configures the plugin. Called once at load, and possibly
	// again later — re-init replaces the previous configuration.
	Init(config *Config) error

	// OnRequest runs before the daemon forwards a request upstream.
	OnRequest(req *exchange.Request) (*RequestOutcome, error)

	// OnResponse runs after the upstream response arrives. The req is
	// the (possibly already-mutated) request from on_request, carrying
	// that hook's metadata.
	OnResponse(req *exchange.Request, resp *exchange.Response) (*exchange.Response, error)

	// OnCacheHit runs instead of OnResponse when the response came
	// from the cache layer rather than a live upstream call. Identical
	// signature and metadata semantics.
	OnCacheHit(req *exchange.Request, resp *exchange.Response) (*exchange.Response, error)

	// Shutdown performs plugin-owned cleanup. Safe to call even when
	// no prior state mutation occurred.
	Shutdown() error
}
