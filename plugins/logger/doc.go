// Copyright 2026 The apiproxyd Authors
// SPDX-License-Identifier: Apache-2.0

// Package logger is a pass-through plugin that logs every proxied
// exchange to stderr. Payloads never reach the log; each line carries
// a short blake3 digest of the body instead, which is enough to
// correlate a request with its response.
package logger
