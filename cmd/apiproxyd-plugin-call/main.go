// Copyright 2026 The apiproxyd Authors
// SPDX-License-Identifier: Apache-2.0

// Apiproxyd-plugin-call exercises a plugin executable from the
// command line: it spawns the plugin, initializes it, runs a single
// on_request with a synthetic proxy request, and prints the mutated
// request as JSON. Useful for developing plugins without running the
// daemon.
//
//	apiproxyd-plugin-call --plugin ./apiproxyd-plugin-openai \
//	    --config openai.jsonc \
//	    --method POST --endpoint /v1/openai/chat/completions \
//	    --body '{"messages":[]}'
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"

	"github.com/afterdarksys/apiproxyd/lib/exchange"
	"github.com/afterdarksys/apiproxyd/lib/host"
	"github.com/afterdarksys/apiproxyd/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var pluginPath string
	var configPath string
	var method string
	var endpoint string
	var body string
	var headers []string
	var timeout time.Duration
	var showVersion bool

	pflag.StringVar(&pluginPath, "plugin", "", "path to plugin executable (required)")
	pflag.StringVar(&configPath, "config", "", "path to plugin config file (JSON, comments allowed)")
	pflag.StringVar(&method, "method", "GET", "request method")
	pflag.StringVar(&endpoint, "endpoint", "/", "request endpoint path")
	pflag.StringVar(&body, "body", "", "request body (text)")
	pflag.StringSliceVar(&headers, "header", nil, "request header as name=value (repeatable)")
	pflag.DurationVar(&timeout, "timeout", host.DefaultCallTimeout, "per-call timeout")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("apiproxyd-plugin-call %s\n", version.Info())
		return nil
	}
	if pluginPath == "" {
		return fmt.Errorf("--plugin is required")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	config := map[string]any{}
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}
		if err := json.Unmarshal(jsonc.ToJSON(data), &config); err != nil {
			return fmt.Errorf("parsing config %s: %w", configPath, err)
		}
	}

	req := &exchange.Request{
		Method:   method,
		Endpoint: endpoint,
		Body:     exchange.Text(body),
	}
	for _, header := range headers {
		name, value, found := strings.Cut(header, "=")
		if !found {
			return fmt.Errorf("invalid --header %q, want name=value", header)
		}
		req.SetHeader(name, value)
	}

	ctx := context.Background()
	client, err := host.Start(ctx, pluginPath, host.Options{
		Timeout: timeout,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("starting plugin: %w", err)
	}
	defer client.Shutdown(ctx)

	info := client.Info()
	logger.Info("plugin started", "name", info.Name, "version", info.Version)

	if err := client.Init(ctx, config); err != nil {
		return fmt.Errorf("init: %w", err)
	}

	result, err := client.OnRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("on_request: %w", err)
	}

	output := map[string]any{
		"request":  result.Request,
		"continue": result.Continue,
	}
	if result.Response != nil {
		output["response"] = result.Response
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(output); err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	return nil
}
