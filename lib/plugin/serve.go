// Copyright 2026 The apiproxyd Authors
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"

	"github.com/afterdarksys/apiproxyd/lib/wire"
)

// Serve runs the plugin on os.Stdin and os.Stdout with a stderr
// logger. This is the entry point for plugin main functions:
//
//	func main() {
//		if err := plugin.Serve(newAdapter()); err != nil {
//			fmt.Fprintf(os.Stderr, "error: %v\n", err)
//			os.Exit(1)
//		}
//	}
func Serve(handler Handler) error {
	return Run(handler, os.Stdin, os.Stdout, NewLogger(slog.LevelInfo))
}

// Run processes calls from input and writes replies to output until
// input reaches EOF. Each call occupies a single line; each reply is
// written and flushed before the next line is read. The loop is
// single-threaded: line reads are the only suspension points, and
// there is never more than one call in flight.
//
// Every failure is answered. A line that fails to decode still
// produces an error reply, carrying the original id when it is
// recoverable and null otherwise; a version-mismatched call is
// answered with an error rather than dropped, since a silent drop
// would hang a host awaiting the reply by id. Only reply-write
// failures terminate the loop — once stdout is gone the host is gone.
func Run(handler Handler, input io.Reader, output io.Writer, logger *slog.Logger) error {
	session := NewSession(handler.Info())
	dispatcher := NewDispatcher(session, handler)
	writer := wire.NewWriter(output)

	scanner := bufio.NewScanner(input)
	// Proxied bodies ride inside params, so lines can be large.
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		req, err := wire.Decode(line)
		if err != nil {
			logger.Warn("undecodable call", "error", err)
			if writeErr := writer.WriteError(wire.ExtractID(line), wire.CodePlugin, err.Error()); writeErr != nil {
				return fmt.Errorf("writing decode error reply: %w", writeErr)
			}
			continue
		}

		result, callErr := dispatcher.Dispatch(req)

		// Notifications receive no reply, but they are dispatched: a
		// host may legitimately fire shutdown as a notification.
		if req.IsNotification() {
			if callErr != nil {
				logger.Warn("notification failed", "method", req.Method, "error", callErr)
			}
			continue
		}

		if callErr != nil {
			logger.Warn("call failed",
				"method", req.Method,
				"kind", string(callErr.Kind),
				"error", callErr,
			)
			if writeErr := writer.WriteError(req.ID, wire.CodePlugin, callErr.Error()); writeErr != nil {
				return fmt.Errorf("writing error reply: %w", writeErr)
			}
			continue
		}

		if writeErr := writer.WriteResult(req.ID, result); writeErr != nil {
			return fmt.Errorf("writing reply: %w", writeErr)
		}
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return fmt.Errorf("call line exceeds maximum size: %w", err)
		}
		return fmt.Errorf("reading calls: %w", err)
	}
	return nil
}

// NewLogger creates a structured stderr logger for a plugin process.
// Stdout belongs to the wire, so all diagnostics go to stderr — the
// daemon relays plugin stderr into its own log. When stderr is a
// terminal (running a plugin by hand), uses a text handler for
// human-readable output; when piped, uses JSON compatible with the
// daemon's log format.
func NewLogger(level slog.Level) *slog.Logger {
	options := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, options)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, options)
	}
	return slog.New(handler)
}
