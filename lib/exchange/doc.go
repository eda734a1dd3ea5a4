// Copyright 2026 The apiproxyd Authors
// SPDX-License-Identifier: Apache-2.0

// Package exchange defines the request and response values passed
// between the daemon and its plugins. Both sides import this package
// so the wire shapes are defined once rather than mirrored.
//
// A [Request]/[Response] pair is one exchange: one proxied client
// request together with its eventual response, as seen by a plugin
// across possibly multiple hook calls. The daemon retains no
// plugin-private state between hooks — the Metadata map is the only
// channel a plugin has for carrying state from on_request to the
// paired on_response or on_cache_hit call, which is why
// [Request.RewriteEndpoint] records the pre-rewrite endpoint there
// under the reserved [MetadataOriginalEndpoint] key.
//
// Bodies are [Payload] values that preserve their original text or
// binary representation across decode, mutation, and re-encode. On
// the wire a body is a JSON string; binary content is base64 with a
// body_encoding discriminator field.
package exchange
