// Copyright 2026 The apiproxyd Authors
// SPDX-License-Identifier: Apache-2.0

// Package plugin implements the plugin-side runtime for the apiproxyd
// out-of-process plugin protocol: a single-threaded read loop over
// newline-delimited JSON-RPC 2.0 on stdin/stdout, a fixed dispatch
// table for the lifecycle hooks, and an explicit session state
// machine gating which hooks are callable when.
//
// A plugin implements [Handler] and calls [Serve]. The runtime owns
// everything else: envelope decoding, arity and type validation of
// positional parameters, lifecycle enforcement (mutation hooks
// require a prior init; nothing but get_info is callable after
// shutdown), and the guarantee that exactly one reply line is
// produced per call — handler errors and panics included. The daemon
// blocks on each reply before issuing the next call, so an unanswered
// call is a hang, not a degradation.
//
// The hook table:
//
//	get_info      ()                    -> {name, version}
//	init          (config)              -> {status}
//	on_request    (request)             -> {request, continue, response?}
//	on_response   (request, response)   -> response
//	on_cache_hit  (request, response)   -> response
//	shutdown      ()                    -> {status}
//
// Proxied requests and responses travel as serialized JSON strings
// inside params ([lib/exchange] defines the shapes); the runtime
// decodes them before the hook runs and re-encodes the hook's result.
//
// There is no cancellation in the protocol. If the daemon times out
// waiting on a reply it abandons the plugin for that exchange; the
// plugin cannot observe the abandonment and simply finishes the call.
package plugin
