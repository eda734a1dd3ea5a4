// Copyright 2026 The apiproxyd Authors
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/zeebo/blake3"

	"github.com/afterdarksys/apiproxyd/lib/exchange"
	"github.com/afterdarksys/apiproxyd/lib/plugin"
)

// headerTag is added to every request that passed through this
// plugin, so upstream-side debugging can tell logged traffic apart.
const headerTag = "X-Plugin-Logger"

// metadataLoggedAt records when the response passed the logger.
const metadataLoggedAt = "logged_at"

// Logger is a request/response logging plugin. It writes one stderr
// log line per hook with a short body digest, letting operators
// correlate a request with its response without the payloads
// themselves ever reaching the log.
type Logger struct {
	logger *slog.Logger

	// now is injected by tests that assert on timestamps.
	now func() time.Time
}

// New creates an unconfigured logging plugin.
func New() *Logger {
	return &Logger{
		logger: slog.Default(),
		now:    time.Now,
	}
}

// Info implements [plugin.Handler].
func (l *Logger) Info() plugin.Info {
	return plugin.Info{Name: "request_logger", Version: "1.0.0"}
}

// Init implements [plugin.Handler].
func (l *Logger) Init(config *plugin.Config) error {
	l.logger = plugin.NewLogger(config.LogLevel)
	l.logger.Info("initialized request logger")
	return nil
}

// OnRequest implements [plugin.Handler]. Logs the request and tags it
// with the [headerTag] header; never mutates anything else.
func (l *Logger) OnRequest(req *exchange.Request) (*plugin.RequestOutcome, error) {
	l.logger.Info("request",
		"method", req.Method,
		"endpoint", req.Endpoint,
		"body_bytes", len(req.Body.Bytes()),
		"body_digest", bodyDigest(req.Body),
	)
	req.SetHeader(headerTag, "enabled")
	return &plugin.RequestOutcome{Request: req, Continue: true}, nil
}

// OnResponse implements [plugin.Handler]. Logs the response and
// records the log time in metadata.
func (l *Logger) OnResponse(req *exchange.Request, resp *exchange.Response) (*exchange.Response, error) {
	l.logger.Info("response",
		"endpoint", req.Endpoint,
		"status", resp.StatusCode,
		"body_bytes", len(resp.Body.Bytes()),
		"body_digest", bodyDigest(resp.Body),
	)
	resp.SetMetadata(metadataLoggedAt, l.now().UTC().Format(time.RFC3339))
	return resp, nil
}

// OnCacheHit implements [plugin.Handler]. Logs the hit; the cached
// response passes through unchanged.
func (l *Logger) OnCacheHit(req *exchange.Request, resp *exchange.Response) (*exchange.Response, error) {
	l.logger.Info("cache hit",
		"method", req.Method,
		"endpoint", req.Endpoint,
	)
	return resp, nil
}

// Shutdown implements [plugin.Handler].
func (l *Logger) Shutdown() error {
	l.logger.Info("shutting down request logger")
	return nil
}

// bodyDigest returns a short blake3 digest of the payload for
// correlating log lines. Eight bytes is plenty for correlation and
// keeps log lines readable.
func bodyDigest(body exchange.Payload) string {
	if body.IsEmpty() {
		return ""
	}
	sum := blake3.Sum256(body.Bytes())
	return hex.EncodeToString(sum[:8])
}
