// Copyright 2026 The apiproxyd Authors
// SPDX-License-Identifier: Apache-2.0

// Package host implements the daemon side of the plugin protocol: it
// spawns each configured plugin executable, connects its stdin/stdout
// as the call/reply stream, and drives the lifecycle hooks around
// proxied exchanges.
//
// The protocol is strictly lock-step — the host writes exactly one
// call line, then blocks until it reads exactly one reply line. There
// is no pipelining and no cancellation signal on the wire, so each
// call carries a host-side timeout: a plugin that misses it is marked
// unavailable ([ErrUnavailable]), its process is killed, and the
// daemon continues with the exchange unmutated. Plugin failures are
// never surfaced to the end-user's API call.
//
// [Manager] chains on_request / on_response / on_cache_hit across all
// loaded plugins in configuration order, honoring a short-circuit
// (continue=false) by stopping the chain and returning the plugin's
// synthetic response as the final outcome. Lifecycle: every enabled
// plugin is started at daemon startup and immediately sent init with
// its configuration; at daemon shutdown each receives a shutdown call
// before its stream is closed.
package host
