// Copyright 2026 The apiproxyd Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/afterdarksys/apiproxyd/lib/exchange"
)

// Manager owns the configured plugin processes and chains the
// lifecycle hooks across them in configuration order.
//
// A plugin failure never fails the end-user's API call: the failed
// plugin is logged and bypassed, and the exchange continues with the
// values it had before that plugin ran.
type Manager struct {
	logger  *slog.Logger
	clients []*Client
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger}
}

// LoadAll starts every enabled plugin from config and sends each its
// init call. baseDir resolves relative plugin config file paths. A
// plugin that fails to start or init is skipped with a log line; the
// daemon runs with whatever plugins came up.
func (m *Manager) LoadAll(ctx context.Context, config *Config, baseDir string) error {
	if !config.Enabled {
		return nil
	}
	for _, pc := range config.Plugins {
		if !pc.Enabled {
			continue
		}
		if err := m.load(ctx, pc, baseDir); err != nil {
			m.logger.Warn("skipping plugin", "plugin", pc.Name, "error", err)
		}
	}
	return nil
}

func (m *Manager) load(ctx context.Context, pc PluginConfig, baseDir string) error {
	initConfig, err := pc.EffectiveConfig(baseDir)
	if err != nil {
		return err
	}
	client, err := Start(ctx, pc.Path, Options{
		Timeout: pc.Timeout(),
		Logger:  m.logger.With("plugin", pc.Name),
	})
	if err != nil {
		return fmt.Errorf("starting %s: %w", pc.Path, err)
	}
	if err := client.Init(ctx, initConfig); err != nil {
		client.Close()
		return fmt.Errorf("init: %w", err)
	}
	m.logger.Info("loaded plugin",
		"plugin", pc.Name,
		"name", client.Info().Name,
		"version", client.Info().Version,
	)
	m.clients = append(m.clients, client)
	return nil
}

// Add registers an already-started client. Used by tests and by
// callers that manage process lifecycle themselves.
func (m *Manager) Add(client *Client) {
	m.clients = append(m.clients, client)
}

// Plugins returns the names of the loaded plugins, in chain order.
func (m *Manager) Plugins() []string {
	names := make([]string, 0, len(m.clients))
	for _, client := range m.clients {
		names = append(names, client.Info().Name)
	}
	return names
}

// OnRequest chains the pre-request hook across all plugins. Each
// plugin sees the previous plugin's mutated request. A short-circuit
// stops the chain immediately: the returned response is the final
// outcome and the daemon must not forward anything upstream.
func (m *Manager) OnRequest(ctx context.Context, req *exchange.Request) (*exchange.Request, bool, *exchange.Response) {
	current := req
	for _, client := range m.clients {
		result, err := client.OnRequest(ctx, current.Clone())
		if err != nil {
			m.logger.Warn("on_request failed, bypassing plugin",
				"plugin", client.Info().Name, "error", err)
			continue
		}
		if !result.Continue {
			return result.Request, false, result.Response
		}
		current = result.Request
	}
	return current, true, nil
}

// OnResponse chains the post-response hook across all plugins.
func (m *Manager) OnResponse(ctx context.Context, req *exchange.Request, resp *exchange.Response) *exchange.Response {
	return m.responseChain(ctx, "on_response", req, resp, (*Client).OnResponse)
}

// OnCacheHit chains the cache-hit hook across all plugins.
func (m *Manager) OnCacheHit(ctx context.Context, req *exchange.Request, resp *exchange.Response) *exchange.Response {
	return m.responseChain(ctx, "on_cache_hit", req, resp, (*Client).OnCacheHit)
}

func (m *Manager) responseChain(
	ctx context.Context,
	method string,
	req *exchange.Request,
	resp *exchange.Response,
	hook func(*Client, context.Context, *exchange.Request, *exchange.Response) (*exchange.Response, error),
) *exchange.Response {
	current := resp
	for _, client := range m.clients {
		mutated, err := hook(client, ctx, req, current.Clone())
		if err != nil {
			m.logger.Warn("hook failed, bypassing plugin",
				"plugin", client.Info().Name, "method", method, "error", err)
			continue
		}
		current = mutated
	}
	return current
}

// Shutdown sends every plugin its shutdown call and reaps the
// processes. Called once at daemon shutdown.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, client := range m.clients {
		client.Shutdown(ctx)
	}
	m.clients = nil
}
