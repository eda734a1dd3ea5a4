// Copyright 2026 The apiproxyd Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/afterdarksys/apiproxyd/lib/exchange"
	"github.com/afterdarksys/apiproxyd/lib/plugin"
	"github.com/afterdarksys/apiproxyd/lib/wire"
)

// ErrUnavailable marks a plugin that has failed (timeout, broken
// pipe, undecodable reply) and is bypassed for the rest of the
// daemon's life. The manager logs it and falls back to the unmutated
// exchange rather than failing the end-user's API call.
var ErrUnavailable = errors.New("plugin unavailable")

// Options configures a client.
type Options struct {
	// Timeout bounds each call. Zero means [DefaultCallTimeout].
	Timeout time.Duration

	// Logger receives call failures and relayed plugin stderr.
	// Nil means slog.Default.
	Logger *slog.Logger
}

// Client drives one plugin process over its stdio byte stream. Calls
// are strictly lock-step: one encoded call, then block for one
// encoded reply. The mutex serializes callers so the no-overlap
// protocol invariant holds even when the daemon handles exchanges
// concurrently.
type Client struct {
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	output  io.Writer
	scanner *bufio.Scanner
	cmd     *exec.Cmd
	nextID  int
	failed  bool

	info plugin.Info
}

// NewClient creates a client over an already-connected duplex stream:
// input carries the plugin's replies, output carries calls. Used
// directly by tests with in-memory pipes; production goes through
// [Start], which connects a spawned process and fetches get_info.
func NewClient(input io.Reader, output io.Writer, options Options) *Client {
	if options.Timeout <= 0 {
		options.Timeout = DefaultCallTimeout
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &Client{
		timeout: options.Timeout,
		logger:  options.Logger,
		output:  output,
		scanner: scanner,
	}
}

// Start spawns the plugin executable, connects its stdio, relays its
// stderr into the logger, and fetches the plugin's identity with a
// get_info call. The returned client is ready for Init.
func Start(ctx context.Context, path string, options Options) (*Client, error) {
	cmd := exec.Command(path)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting plugin process: %w", err)
	}

	client := NewClient(stdout, stdin, options)
	client.cmd = cmd

	// Plugin stderr is diagnostics, not protocol. Relay each line
	// into the daemon log so operators see plugin output in one place.
	go relayStderr(stderr, client.logger.With("plugin_path", path))

	info, err := client.fetchInfo(ctx)
	if err != nil {
		client.kill()
		return nil, fmt.Errorf("get_info: %w", err)
	}
	client.info = info
	return client, nil
}

func relayStderr(stderr io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		logger.Info("plugin stderr", "line", scanner.Text())
	}
}

// Info returns the plugin identity fetched at startup. Zero-valued
// for clients constructed with [NewClient].
func (c *Client) Info() plugin.Info { return c.info }

// fetchInfo performs the startup get_info call.
func (c *Client) fetchInfo(ctx context.Context) (plugin.Info, error) {
	result, err := c.Call(ctx, "get_info", nil)
	if err != nil {
		return plugin.Info{}, err
	}
	var info plugin.Info
	if err := json.Unmarshal(result, &info); err != nil {
		return plugin.Info{}, fmt.Errorf("parsing info: %w", err)
	}
	return info, nil
}

// Init sends the plugin its configuration. The config travels as a
// structured object, unlike proxied requests which travel as
// serialized text.
func (c *Client) Init(ctx context.Context, config map[string]any) error {
	if config == nil {
		config = map[string]any{}
	}
	_, err := c.Call(ctx, "init", []any{config})
	return err
}

// RequestResult is a decoded on_request reply.
type RequestResult struct {
	// Request is the possibly-mutated request to forward.
	Request *exchange.Request `json:"request"`

	// Continue is false when the plugin short-circuited the exchange.
	Continue bool `json:"continue"`

	// Response is the synthetic final response of a short-circuited
	// exchange; nil when Continue is true.
	Response *exchange.Response `json:"response"`
}

// OnRequest runs the plugin's pre-request hook.
func (c *Client) OnRequest(ctx context.Context, req *exchange.Request) (*RequestResult, error) {
	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	raw, err := c.Call(ctx, "on_request", []any{string(encoded)})
	if err != nil {
		return nil, err
	}
	var result RequestResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parsing on_request result: %w", err)
	}
	if result.Request == nil {
		return nil, fmt.Errorf("on_request result missing request")
	}
	if !result.Continue && result.Response == nil {
		return nil, fmt.Errorf("on_request short-circuit missing response")
	}
	return &result, nil
}

// OnResponse runs the plugin's post-response hook.
func (c *Client) OnResponse(ctx context.Context, req *exchange.Request, resp *exchange.Response) (*exchange.Response, error) {
	return c.responseHook(ctx, "on_response", req, resp)
}

// OnCacheHit runs the plugin's cache-hit hook.
func (c *Client) OnCacheHit(ctx context.Context, req *exchange.Request, resp *exchange.Response) (*exchange.Response, error) {
	return c.responseHook(ctx, "on_cache_hit", req, resp)
}

func (c *Client) responseHook(ctx context.Context, method string, req *exchange.Request, resp *exchange.Response) (*exchange.Response, error) {
	reqEncoded, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	respEncoded, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encoding response: %w", err)
	}
	raw, err := c.Call(ctx, method, []any{string(reqEncoded), string(respEncoded)})
	if err != nil {
		return nil, err
	}
	var mutated exchange.Response
	if err := json.Unmarshal(raw, &mutated); err != nil {
		return nil, fmt.Errorf("parsing %s result: %w", method, err)
	}
	return &mutated, nil
}

// Shutdown asks the plugin to clean up, then closes the stream and
// reaps the process. Called once at daemon shutdown; errors from the
// shutdown call itself are logged, not returned, since the process is
// going away regardless.
func (c *Client) Shutdown(ctx context.Context) {
	if _, err := c.Call(ctx, "shutdown", nil); err != nil {
		c.logger.Warn("plugin shutdown call failed", "plugin", c.info.Name, "error", err)
	}
	c.Close()
}

// Close closes the plugin's stdin (EOF ends its read loop) and waits
// briefly for exit before killing.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = true
	if closer, ok := c.output.(io.Closer); ok {
		closer.Close()
	}
	if c.cmd == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		c.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		c.cmd.Process.Kill()
		<-done
	}
	c.cmd = nil
}

// kill tears down the process without the shutdown handshake. Used
// when startup fails or a call times out — the plugin is presumed
// wedged and the lock-step stream is unrecoverable.
func (c *Client) kill() {
	c.failed = true
	if closer, ok := c.output.(io.Closer); ok {
		closer.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		c.cmd.Process.Kill()
		go c.cmd.Wait()
		c.cmd = nil
	}
}

// Call performs one lock-step call: encode one line, block for one
// reply line, bounded by the per-call timeout. There is no
// cancellation on the wire — an overdue reply marks the whole client
// failed, because a late reply would desynchronize the call/reply
// pairing for every subsequent call.
func (c *Client) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failed {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, method)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	encoded := make([]json.RawMessage, 0, len(params))
	for i, param := range params {
		data, err := json.Marshal(param)
		if err != nil {
			return nil, fmt.Errorf("encoding param %d: %w", i, err)
		}
		encoded = append(encoded, data)
	}

	c.nextID++
	id := json.RawMessage(strconv.Itoa(c.nextID))
	line, err := json.Marshal(wire.Request{
		JSONRPC: wire.Version,
		Method:  method,
		Params:  encoded,
		ID:      id,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding call: %w", err)
	}
	line = append(line, '\n')

	if _, err := c.output.Write(line); err != nil {
		c.kill()
		return nil, fmt.Errorf("%w: writing %s call: %v", ErrUnavailable, method, err)
	}

	// The scanner read has no deadline of its own, so it runs on a
	// goroutine raced against the context. On timeout the process is
	// killed; the abandoned read ends when the pipe closes.
	type scanOutcome struct {
		line []byte
		err  error
	}
	replies := make(chan scanOutcome, 1)
	go func() {
		if !c.scanner.Scan() {
			err := c.scanner.Err()
			if err == nil {
				err = io.EOF
			}
			replies <- scanOutcome{err: err}
			return
		}
		// Copy out: the scanner reuses its buffer on the next Scan.
		replies <- scanOutcome{line: append([]byte(nil), c.scanner.Bytes()...)}
	}()

	select {
	case reply := <-replies:
		if reply.err != nil {
			c.kill()
			return nil, fmt.Errorf("%w: reading %s reply: %v", ErrUnavailable, method, reply.err)
		}
		return c.decodeReply(method, id, reply.line)
	case <-ctx.Done():
		c.kill()
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, method, ctx.Err())
	}
}

func (c *Client) decodeReply(method string, id, line []byte) (json.RawMessage, error) {
	var reply struct {
		JSONRPC string          `json:"jsonrpc"`
		Result  json.RawMessage `json:"result"`
		Error   *wire.RPCError  `json:"error"`
		ID      json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(line, &reply); err != nil {
		c.kill()
		return nil, fmt.Errorf("%w: undecodable %s reply: %v", ErrUnavailable, method, err)
	}
	if !wire.EqualID(reply.ID, id) {
		// A mismatched id means the lock-step pairing is broken; no
		// future reply can be trusted to belong to its call.
		c.kill()
		return nil, fmt.Errorf("%w: %s reply id %s does not match call id %s",
			ErrUnavailable, method, reply.ID, id)
	}
	if reply.Error != nil {
		return nil, fmt.Errorf("%s failed: %s (code %d)", method, reply.Error.Message, reply.Error.Code)
	}
	return reply.Result, nil
}
