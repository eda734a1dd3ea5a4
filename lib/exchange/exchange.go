// Copyright 2026 The apiproxyd Authors
// SPDX-License-Identifier: Apache-2.0

package exchange

import (
	"encoding/json"
	"fmt"
)

// MetadataOriginalEndpoint is the reserved metadata key under which a
// plugin records the original endpoint before rewriting it. Metadata
// is the only value the daemon carries forward from on_request to the
// paired on_response/on_cache_hit call, so a plugin that needs the
// pre-rewrite endpoint later must stash it here.
const MetadataOriginalEndpoint = "original_endpoint"

// Request is one proxied API request as seen by a plugin. The daemon
// constructs a fresh Request per exchange and discards it after the
// paired reply; plugins own nothing beyond the call.
type Request struct {
	// Method is the HTTP method of the proxied request.
	Method string

	// Endpoint is the request path (e.g., "/v1/chat/completions").
	Endpoint string

	// Headers are the request headers, single-valued.
	Headers map[string]string

	// Body is the request payload, text or binary.
	Body Payload

	// Metadata carries plugin state across hooks on the same exchange.
	// The daemon passes it through untouched.
	Metadata map[string]string
}

// Response is one upstream (or cached) API response as seen by a plugin.
type Response struct {
	// StatusCode is the upstream HTTP status.
	StatusCode int

	// Headers are the response headers, single-valued.
	Headers map[string]string

	// Body is the response payload, text or binary.
	Body Payload

	// Metadata carries plugin state across hooks on the same exchange.
	Metadata map[string]string
}

// requestWire and responseWire are the JSON shapes on the plugin wire.
// The body travels as a string plus a body_encoding discriminator so
// the text/binary representation survives a round trip.
type requestWire struct {
	Method       string            `json:"method"`
	Endpoint     string            `json:"endpoint"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         string            `json:"body,omitempty"`
	BodyEncoding string            `json:"body_encoding,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type responseWire struct {
	StatusCode   int               `json:"status_code"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         string            `json:"body,omitempty"`
	BodyEncoding string            `json:"body_encoding,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// MarshalJSON encodes the request in its wire shape.
func (r Request) MarshalJSON() ([]byte, error) {
	body, encoding := r.Body.encode()
	return json.Marshal(requestWire{
		Method:       r.Method,
		Endpoint:     r.Endpoint,
		Headers:      r.Headers,
		Body:         body,
		BodyEncoding: encoding,
		Metadata:     r.Metadata,
	})
}

// UnmarshalJSON decodes the request from its wire shape.
func (r *Request) UnmarshalJSON(data []byte) error {
	var w requestWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	body, err := decodePayload(w.Body, w.BodyEncoding)
	if err != nil {
		return err
	}
	*r = Request{
		Method:   w.Method,
		Endpoint: w.Endpoint,
		Headers:  w.Headers,
		Body:     body,
		Metadata: w.Metadata,
	}
	return nil
}

// MarshalJSON encodes the response in its wire shape.
func (r Response) MarshalJSON() ([]byte, error) {
	body, encoding := r.Body.encode()
	return json.Marshal(responseWire{
		StatusCode:   r.StatusCode,
		Headers:      r.Headers,
		Body:         body,
		BodyEncoding: encoding,
		Metadata:     r.Metadata,
	})
}

// UnmarshalJSON decodes the response from its wire shape.
func (r *Response) UnmarshalJSON(data []byte) error {
	var w responseWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	body, err := decodePayload(w.Body, w.BodyEncoding)
	if err != nil {
		return err
	}
	*r = Response{
		StatusCode: w.StatusCode,
		Headers:    w.Headers,
		Body:       body,
		Metadata:   w.Metadata,
	}
	return nil
}

// DecodeRequest parses a serialized request as carried inside an RPC
// parameter.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decoding proxy request: %w", err)
	}
	return &req, nil
}

// DecodeResponse parses a serialized response as carried inside an
// RPC parameter.
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decoding proxy response: %w", err)
	}
	return &resp, nil
}

// SetHeader sets a request header, allocating the map on first use.
func (r *Request) SetHeader(name, value string) {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	r.Headers[name] = value
}

// SetMetadata sets a metadata key, allocating the map on first use.
func (r *Request) SetMetadata(key, value string) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]string)
	}
	r.Metadata[key] = value
}

// RewriteEndpoint replaces the request endpoint, first recording the
// current value under [MetadataOriginalEndpoint]. Only the first
// rewrite on an exchange records the original: a second rewrite must
// not clobber the true pre-rewrite endpoint.
func (r *Request) RewriteEndpoint(endpoint string) {
	if _, recorded := r.Metadata[MetadataOriginalEndpoint]; !recorded {
		r.SetMetadata(MetadataOriginalEndpoint, r.Endpoint)
	}
	r.Endpoint = endpoint
}

// SetHeader sets a response header, allocating the map on first use.
func (r *Response) SetHeader(name, value string) {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	r.Headers[name] = value
}

// SetMetadata sets a metadata key, allocating the map on first use.
func (r *Response) SetMetadata(key, value string) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]string)
	}
	r.Metadata[key] = value
}

// MergeMetadata merges updates into the response metadata: existing
// keys are preserved, new keys added, and collisions resolved
// last-write — the update's value wins.
func (r *Response) MergeMetadata(updates map[string]string) {
	for key, value := range updates {
		r.SetMetadata(key, value)
	}
}

// Clone returns a deep copy of the request. The manager clones before
// chaining so a failed plugin cannot leave a half-mutated exchange
// behind.
func (r *Request) Clone() *Request {
	clone := *r
	clone.Headers = cloneMap(r.Headers)
	clone.Metadata = cloneMap(r.Metadata)
	clone.Body = r.Body.WithContent(append([]byte(nil), r.Body.Bytes()...))
	return &clone
}

// Clone returns a deep copy of the response.
func (r *Response) Clone() *Response {
	clone := *r
	clone.Headers = cloneMap(r.Headers)
	clone.Metadata = cloneMap(r.Metadata)
	clone.Body = r.Body.WithContent(append([]byte(nil), r.Body.Bytes()...))
	return &clone
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	clone := make(map[string]string, len(m))
	for k, v := range m {
		clone[k] = v
	}
	return clone
}
