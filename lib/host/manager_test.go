// Copyright 2026 The apiproxyd Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/afterdarksys/apiproxyd/lib/exchange"
	"github.com/afterdarksys/apiproxyd/lib/plugin"
)

// chainManager builds a manager over in-memory plugins, initializing
// each in order.
func chainManager(t *testing.T, handlers ...plugin.Handler) *Manager {
	t.Helper()
	ctx := context.Background()
	m := NewManager(discardLogger())
	for _, handler := range handlers {
		client, _ := startInMemory(t, handler, Options{})
		if err := client.Init(ctx, nil); err != nil {
			t.Fatalf("Init: %v", err)
		}
		m.Add(client)
	}
	return m
}

func TestManagerChainsRequestsInOrder(t *testing.T) {
	first := &echoPlugin{
		name: "first",
		onRequest: func(req *exchange.Request) (*plugin.RequestOutcome, error) {
			req.SetMetadata("order", "first")
			req.SetHeader("X-First", "1")
			return &plugin.RequestOutcome{Request: req, Continue: true}, nil
		},
	}
	second := &echoPlugin{
		name: "second",
		onRequest: func(req *exchange.Request) (*plugin.RequestOutcome, error) {
			// The second plugin must observe the first one's mutations.
			if req.Headers["X-First"] != "1" {
				return nil, errors.New("first plugin's mutation not visible")
			}
			req.SetMetadata("order", "second")
			return &plugin.RequestOutcome{Request: req, Continue: true}, nil
		},
	}
	m := chainManager(t, first, second)

	req, cont, resp := m.OnRequest(context.Background(),
		&exchange.Request{Method: "POST", Endpoint: "/v1/chat/completions"})
	if !cont {
		t.Fatalf("chain short-circuited: %+v", resp)
	}
	if req.Metadata["order"] != "second" {
		t.Errorf("metadata order = %q, want second (last plugin wins)", req.Metadata["order"])
	}
	if req.Headers["X-First"] != "1" {
		t.Error("first plugin's header lost in the chain")
	}
}

func TestManagerShortCircuitStopsChain(t *testing.T) {
	limiter := &echoPlugin{
		name: "limiter",
		onRequest: func(req *exchange.Request) (*plugin.RequestOutcome, error) {
			return &plugin.RequestOutcome{
				Request:  req,
				Continue: false,
				Response: &exchange.Response{StatusCode: 429, Body: exchange.Text(`{"error":"limited"}`)},
			}, nil
		},
	}
	reached := false
	after := &echoPlugin{
		name: "after",
		onRequest: func(req *exchange.Request) (*plugin.RequestOutcome, error) {
			reached = true
			return &plugin.RequestOutcome{Request: req, Continue: true}, nil
		},
	}
	m := chainManager(t, limiter, after)

	_, cont, resp := m.OnRequest(context.Background(),
		&exchange.Request{Method: "POST", Endpoint: "/v1/chat/completions"})
	if cont {
		t.Fatal("continue = true, want short-circuit")
	}
	if resp == nil || resp.StatusCode != 429 {
		t.Fatalf("response = %+v, want the synthetic 429", resp)
	}
	if reached {
		t.Error("plugin after the short-circuit still ran")
	}
}

func TestManagerBypassesFailedPlugin(t *testing.T) {
	broken := &echoPlugin{
		name: "broken",
		onRequest: func(req *exchange.Request) (*plugin.RequestOutcome, error) {
			req.SetMetadata("should_not_survive", "x")
			return nil, errors.New("hook blew up")
		},
	}
	healthy := &echoPlugin{name: "healthy"}
	m := chainManager(t, broken, healthy)

	req, cont, _ := m.OnRequest(context.Background(),
		&exchange.Request{Method: "GET", Endpoint: "/v1/models"})
	if !cont {
		t.Fatal("chain short-circuited")
	}
	if req.Metadata["touched_by_healthy"] != "request" {
		t.Error("healthy plugin skipped after a failed one")
	}
	// The failed plugin got a clone; its half-done mutation must not
	// leak into the chained value.
	if _, leaked := req.Metadata["should_not_survive"]; leaked {
		t.Error("failed plugin's mutation leaked into the exchange")
	}
}

func TestManagerUnavailablePluginDoesNotStallChain(t *testing.T) {
	slow := &echoPlugin{name: "slow", requestDelay: 300 * time.Millisecond}
	healthy := &echoPlugin{name: "healthy"}

	ctx := context.Background()
	m := NewManager(discardLogger())
	slowClient, _ := startInMemory(t, slow, Options{Timeout: 50 * time.Millisecond})
	if err := slowClient.Init(ctx, nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	healthyClient, _ := startInMemory(t, healthy, Options{})
	if err := healthyClient.Init(ctx, nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	m.Add(slowClient)
	m.Add(healthyClient)

	// First call burns the slow plugin's timeout, then it is bypassed.
	req, cont, _ := m.OnRequest(ctx, &exchange.Request{Method: "GET", Endpoint: "/v1/models"})
	if !cont {
		t.Fatal("chain short-circuited")
	}
	if req.Metadata["touched_by_healthy"] != "request" {
		t.Error("healthy plugin skipped")
	}

	start := time.Now()
	resp := m.OnResponse(ctx, req, &exchange.Response{StatusCode: 200})
	if elapsed := time.Since(start); elapsed > 40*time.Millisecond {
		t.Errorf("failed plugin stalled the chain for %v", elapsed)
	}
	if resp.Metadata["touched_by_healthy"] != "response" {
		t.Errorf("metadata = %v", resp.Metadata)
	}
}

func TestManagerResponseChainMergesMetadata(t *testing.T) {
	tagger := &echoPlugin{
		name: "tagger",
		onResponse: func(req *exchange.Request, resp *exchange.Response) (*exchange.Response, error) {
			resp.SetMetadata("shared", "tagger")
			resp.SetMetadata("tagger_only", "1")
			return resp, nil
		},
	}
	overrider := &echoPlugin{
		name: "overrider",
		onResponse: func(req *exchange.Request, resp *exchange.Response) (*exchange.Response, error) {
			resp.SetMetadata("shared", "overrider")
			return resp, nil
		},
	}
	m := chainManager(t, tagger, overrider)

	resp := m.OnResponse(context.Background(),
		&exchange.Request{Method: "GET", Endpoint: "/v1/models"},
		&exchange.Response{StatusCode: 200})
	if resp.Metadata["shared"] != "overrider" {
		t.Errorf("shared = %q, want the later plugin's value", resp.Metadata["shared"])
	}
	if resp.Metadata["tagger_only"] != "1" {
		t.Error("earlier plugin's metadata lost in the chain")
	}
}

func TestManagerCacheHitChain(t *testing.T) {
	m := chainManager(t, &echoPlugin{name: "a"}, &echoPlugin{name: "b"})
	resp := m.OnCacheHit(context.Background(),
		&exchange.Request{Method: "GET", Endpoint: "/v1/models"},
		&exchange.Response{StatusCode: 200})
	if resp.Metadata["touched_by_a"] != "cache_hit" || resp.Metadata["touched_by_b"] != "cache_hit" {
		t.Errorf("metadata = %v, want both plugins' marks", resp.Metadata)
	}
}

func TestManagerPluginsAndShutdown(t *testing.T) {
	m := chainManager(t, &echoPlugin{name: "a"}, &echoPlugin{name: "b"})
	names := m.Plugins()
	// Names come from startup get_info in production; in-memory clients
	// have no fetched identity, but order and count still hold.
	if len(names) != 2 {
		t.Fatalf("Plugins() = %v, want 2 entries", names)
	}

	m.Shutdown(context.Background())
	if len(m.Plugins()) != 0 {
		t.Error("clients survive Shutdown")
	}

	// A shut-down manager chains nothing and passes exchanges through.
	req, cont, _ := m.OnRequest(context.Background(),
		&exchange.Request{Method: "GET", Endpoint: "/v1/models"})
	if !cont || len(req.Metadata) != 0 {
		t.Errorf("pass-through broken: cont=%v metadata=%v", cont, req.Metadata)
	}
}
