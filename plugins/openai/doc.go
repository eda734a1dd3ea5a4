// Copyright 2026 The apiproxyd Authors
// SPDX-License-Identifier: Apache-2.0

// Package openai adapts proxied OpenAI API requests. It lets the
// daemon front api.openai.com with its own caching and accounting:
// clients call /v1/openai/<path> without credentials, and the adapter
// injects the configured API key, rewrites the path to the real API,
// and records token usage from responses in exchange metadata.
//
// The adapter recognizes its own exchanges across hooks via the
// "provider" metadata key written during on_request — the daemon
// carries no other plugin state between hooks.
package openai
