// Copyright 2026 The apiproxyd Authors
// SPDX-License-Identifier: Apache-2.0

package plugin

// State is a session's lifecycle position.
type State int

const (
	// StateUninitialized is the state at process start, before any
	// successful init call.
	StateUninitialized State = iota

	// StateReady means init has succeeded and mutation hooks are
	// callable.
	StateReady

	// StateTerminated is terminal: shutdown has run and no further
	// hook is callable.
	StateTerminated
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Session tracks one plugin process's lifecycle state and effective
// configuration. A Session is created once at process start and
// passed into every dispatch; no hook reads or writes state outside
// it. It is owned exclusively by the single plugin process and driven
// by one call at a time, so it needs no locking.
//
// The daemon cannot observe plugin-internal state, so the session
// enforces the lifecycle order itself: a hook arriving before init or
// after shutdown is answered with a StateError instead of failing
// somewhere inside the handler.
type Session struct {
	info   Info
	state  State
	config *Config
}

// NewSession creates a session in the uninitialized state.
func NewSession(info Info) *Session {
	return &Session{info: info}
}

// Info returns the plugin's static identity. Callable in any state.
func (s *Session) Info() Info { return s.info }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Config returns the effective configuration, or nil before init.
func (s *Session) Config() *Config { return s.config }

// BeginInit checks that an init call is admissible. Init is permitted
// in Uninitialized and Ready (re-init replaces the configuration) but
// never after shutdown.
func (s *Session) BeginInit() error {
	if s.state == StateTerminated {
		return StateError("already shut down")
	}
	return nil
}

// CompleteInit moves the session to Ready and replaces the effective
// configuration. Called only after the handler's Init succeeded, so a
// failed init leaves the previous state and config intact.
func (s *Session) CompleteInit(config *Config) {
	s.state = StateReady
	s.config = config
}

// RequireReady checks that a mutation hook is callable.
func (s *Session) RequireReady() error {
	switch s.state {
	case StateReady:
		return nil
	case StateTerminated:
		return StateError("already shut down")
	default:
		return StateError("not initialized")
	}
}

// BeginShutdown checks that a shutdown call is admissible. Shutdown
// is safe even when no prior state mutation occurred (Uninitialized),
// but a second shutdown is a StateError rather than a crash.
func (s *Session) BeginShutdown() error {
	if s.state == StateTerminated {
		return StateError("already shut down")
	}
	return nil
}

// CompleteShutdown moves the session to the terminal state.
func (s *Session) CompleteShutdown() {
	s.state = StateTerminated
}
