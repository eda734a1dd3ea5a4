// Copyright 2026 The apiproxyd Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the envelope codec for the plugin protocol:
// JSON-RPC 2.0, one UTF-8 message per line, over the plugin process's
// stdin/stdout pipes.
//
// The codec is deliberately narrow. [Decode] parses one line into a
// [Request] and distinguishes exactly two failure kinds — not valid
// JSON ([ErrParse]) and wrong protocol version ([ErrVersion]) — as
// sentinel errors so callers can enumerate the failure paths.
// [ExtractID] recovers the call id independently of decode success,
// which lets the serve loop answer even a malformed line with an error
// reply carrying the original id when it is recoverable and null
// otherwise. A version-mismatched call is likewise always answered
// rather than dropped: a silently dropped call would hang any host
// awaiting a reply by id.
//
// [Writer] emits one reply per line and flushes after every message.
// The host issues calls lock-step — one call, one reply — so the flush
// is part of the protocol, not an optimization choice.
//
// All plugin-side failures share the single reserved code [CodePlugin]
// on the wire; the internal failure taxonomy lives in the plugin
// runtime's dispatch layer, not in the envelope.
package wire
