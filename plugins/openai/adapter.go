// Copyright 2026 The apiproxyd Authors
// SPDX-License-Identifier: Apache-2.0

package openai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/afterdarksys/apiproxyd/lib/exchange"
	"github.com/afterdarksys/apiproxyd/lib/plugin"
)

const (
	// routePrefix is the daemon-side path namespace this adapter
	// claims. Requests outside it pass through untouched.
	routePrefix = "/v1/openai/"

	// upstreamPrefix replaces routePrefix when rewriting to the real
	// OpenAI API path: /v1/openai/chat/completions -> /v1/chat/completions.
	upstreamPrefix = "/v1/"

	// defaultModel is filled into request bodies that omit a model.
	defaultModel = "gpt-3.5-turbo"
)

// Metadata keys written by this adapter.
const (
	metadataProvider         = "provider"
	metadataModel            = "model"
	metadataTokensUsed       = "tokens_used"
	metadataPromptTokens     = "prompt_tokens"
	metadataCompletionTokens = "completion_tokens"
	metadataCached           = "cached"
	metadataCacheHitAt       = "cache_hit_at"
)

// providerName tags exchanges this adapter rewrote, so the paired
// on_response call can recognize them. The daemon carries only
// metadata between hooks.
const providerName = "openai"

// Adapter routes /v1/openai/* requests to the OpenAI API: it injects
// the configured API key as a Bearer token, rewrites the endpoint,
// fills body defaults, and extracts token usage from responses into
// exchange metadata for the daemon's accounting.
type Adapter struct {
	logger *slog.Logger
	apiKey string
	model  string

	// now is injected by tests that assert on timestamps.
	now func() time.Time
}

// New creates an unconfigured adapter. Configuration arrives via the
// init hook.
func New() *Adapter {
	return &Adapter{
		logger: slog.Default(),
		now:    time.Now,
	}
}

// Info implements [plugin.Handler].
func (a *Adapter) Info() plugin.Info {
	return plugin.Info{Name: "openai_adapter", Version: "1.0.0"}
}

// Init implements [plugin.Handler]. Recognized config keys:
// openai_api_key (string) and default_model (string).
func (a *Adapter) Init(config *plugin.Config) error {
	a.logger = plugin.NewLogger(config.LogLevel)
	a.apiKey = config.String("openai_api_key")
	a.model = config.StringOr("default_model", defaultModel)
	a.logger.Info("initialized OpenAI adapter", "has_api_key", a.apiKey != "")
	return nil
}

// OnRequest implements [plugin.Handler]. Requests outside the
// /v1/openai/ namespace pass through unchanged.
func (a *Adapter) OnRequest(req *exchange.Request) (*plugin.RequestOutcome, error) {
	if !strings.HasPrefix(req.Endpoint, routePrefix) {
		return &plugin.RequestOutcome{Request: req, Continue: true}, nil
	}

	a.logger.Info("processing OpenAI request", "endpoint", req.Endpoint)

	if a.apiKey != "" {
		req.SetHeader("Authorization", "Bearer "+a.apiKey)
	}

	// RewriteEndpoint records the pre-rewrite path in metadata; the
	// provider tag lets the paired on_response recognize the exchange.
	req.RewriteEndpoint(upstreamPrefix + strings.TrimPrefix(req.Endpoint, routePrefix))
	req.SetMetadata(metadataProvider, providerName)

	a.fillBodyDefaults(req)

	return &plugin.RequestOutcome{Request: req, Continue: true}, nil
}

// fillBodyDefaults parses the request body and fills in the model and
// user fields when absent. An unparseable body is left alone — the
// upstream will reject it with a better error than this adapter could
// produce.
func (a *Adapter) fillBodyDefaults(req *exchange.Request) {
	if req.Body.IsEmpty() {
		return
	}
	var body map[string]any
	if err := json.Unmarshal(req.Body.Bytes(), &body); err != nil {
		a.logger.Warn("request body is not JSON, leaving unmodified", "error", err)
		return
	}

	if _, ok := body["model"]; !ok {
		body["model"] = a.model
	}
	if _, ok := body["user"]; !ok {
		// Stable per-day tag for OpenAI-side usage attribution.
		body["user"] = "apiproxyd-" + a.now().UTC().Format("20060102")
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		a.logger.Warn("re-encoding request body failed", "error", err)
		return
	}
	req.Body = req.Body.WithContent(encoded)
	a.logger.Info("transformed request", "model", body["model"])
}

// OnResponse implements [plugin.Handler]. Exchanges not tagged by
// this adapter's on_request are returned untouched; tagged ones get
// usage and model metadata extracted from the response body.
func (a *Adapter) OnResponse(req *exchange.Request, resp *exchange.Response) (*exchange.Response, error) {
	if req.Metadata[metadataProvider] != providerName {
		return resp, nil
	}

	body, err := a.responseBody(resp)
	if err != nil {
		a.logger.Warn("cannot read response body", "error", err)
		return resp, nil
	}

	var parsed struct {
		Model string `json:"model"`
		Usage *struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		a.logger.Warn("response body is not JSON, skipping usage extraction", "error", err)
		return resp, nil
	}

	if parsed.Usage != nil {
		resp.SetMetadata(metadataTokensUsed, strconv.Itoa(parsed.Usage.TotalTokens))
		resp.SetMetadata(metadataPromptTokens, strconv.Itoa(parsed.Usage.PromptTokens))
		resp.SetMetadata(metadataCompletionTokens, strconv.Itoa(parsed.Usage.CompletionTokens))
	}
	if parsed.Model != "" {
		resp.SetMetadata(metadataModel, parsed.Model)
	}

	a.logger.Info("response processed", "tokens_used", resp.Metadata[metadataTokensUsed])
	return resp, nil
}

// responseBody returns the response body bytes for inspection,
// transparently decompressing gzip. The body itself is never
// modified: the downstream consumer gets the representation and
// encoding it negotiated with the upstream.
func (a *Adapter) responseBody(resp *exchange.Response) ([]byte, error) {
	if resp.Headers["Content-Encoding"] != "gzip" {
		return resp.Body.Bytes(), nil
	}
	reader, err := gzip.NewReader(bytes.NewReader(resp.Body.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("opening gzip body: %w", err)
	}
	defer reader.Close()
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("decompressing body: %w", err)
	}
	return body, nil
}

// OnCacheHit implements [plugin.Handler]. Cached exchanges are tagged
// so the daemon's accounting can separate cache savings from live
// API spend.
func (a *Adapter) OnCacheHit(req *exchange.Request, resp *exchange.Response) (*exchange.Response, error) {
	if req.Metadata[metadataProvider] != providerName {
		return resp, nil
	}
	a.logger.Info("cache hit for OpenAI request", "endpoint", req.Endpoint)
	resp.SetMetadata(metadataCached, "true")
	resp.SetMetadata(metadataCacheHitAt, a.now().UTC().Format(time.RFC3339))
	return resp, nil
}

// Shutdown implements [plugin.Handler].
func (a *Adapter) Shutdown() error {
	a.logger.Info("shutting down OpenAI adapter")
	return nil
}
