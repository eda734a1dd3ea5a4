// Copyright 2026 The apiproxyd Authors
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/afterdarksys/apiproxyd/lib/exchange"
	"github.com/afterdarksys/apiproxyd/lib/wire"
)

// testReply is the decoded shape of one reply line.
type testReply struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *wire.RPCError  `json:"error"`
	ID      json.RawMessage `json:"id"`
}

// recordingHandler is a scriptable Handler that records every hook
// invocation. Zero value behaves: passthrough hooks, successful init
// and shutdown.
type recordingHandler struct {
	calls []string

	lastConfig *Config

	initErr     error
	shutdownErr error

	onRequest  func(*exchange.Request) (*RequestOutcome, error)
	onResponse func(*exchange.Request, *exchange.Response) (*exchange.Response, error)
}

func (h *recordingHandler) Info() Info {
	return Info{Name: "recorder", Version: "1.0.0"}
}

func (h *recordingHandler) Init(config *Config) error {
	h.calls = append(h.calls, "init")
	if h.initErr != nil {
		return h.initErr
	}
	h.lastConfig = config
	return nil
}

func (h *recordingHandler) OnRequest(req *exchange.Request) (*RequestOutcome, error) {
	h.calls = append(h.calls, "on_request")
	if h.onRequest != nil {
		return h.onRequest(req)
	}
	return &RequestOutcome{Request: req, Continue: true}, nil
}

func (h *recordingHandler) OnResponse(req *exchange.Request, resp *exchange.Response) (*exchange.Response, error) {
	h.calls = append(h.calls, "on_response")
	if h.onResponse != nil {
		return h.onResponse(req, resp)
	}
	return resp, nil
}

func (h *recordingHandler) OnCacheHit(req *exchange.Request, resp *exchange.Response) (*exchange.Response, error) {
	h.calls = append(h.calls, "on_cache_hit")
	return resp, nil
}

func (h *recordingHandler) Shutdown() error {
	h.calls = append(h.calls, "shutdown")
	return h.shutdownErr
}

// pluginSession feeds the given call lines through Run and returns the
// decoded replies in output order.
func pluginSession(t *testing.T, handler Handler, lines ...string) []testReply {
	t.Helper()

	input := strings.NewReader(strings.Join(lines, "\n") + "\n")
	var output bytes.Buffer
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if err := Run(handler, input, &output, logger); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var replies []testReply
	scanner := bufio.NewScanner(&output)
	for scanner.Scan() {
		var reply testReply
		if err := json.Unmarshal(scanner.Bytes(), &reply); err != nil {
			t.Fatalf("undecodable reply line %q: %v", scanner.Text(), err)
		}
		replies = append(replies, reply)
	}
	return replies
}

// call builds one call line with positional params.
func call(t *testing.T, id any, method string, params ...any) string {
	t.Helper()
	message := map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
	}
	if id != nil {
		message["id"] = id
	}
	if len(params) > 0 {
		message["params"] = params
	}
	encoded, err := json.Marshal(message)
	if err != nil {
		t.Fatalf("building call: %v", err)
	}
	return string(encoded)
}

// serializedRequest encodes a proxy request the way it travels inside
// params: as a JSON string.
func serializedRequest(t *testing.T, req *exchange.Request) string {
	t.Helper()
	encoded, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("encoding request: %v", err)
	}
	return string(encoded)
}

func serializedResponse(t *testing.T, resp *exchange.Response) string {
	t.Helper()
	encoded, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("encoding response: %v", err)
	}
	return string(encoded)
}

func requireError(t *testing.T, reply testReply, fragment string) {
	t.Helper()
	if reply.Error == nil {
		t.Fatalf("expected error reply, got result %s", reply.Result)
	}
	if reply.Error.Code != wire.CodePlugin {
		t.Errorf("error code = %d, want %d", reply.Error.Code, wire.CodePlugin)
	}
	if !strings.Contains(reply.Error.Message, fragment) {
		t.Errorf("error message %q does not mention %q", reply.Error.Message, fragment)
	}
}

func TestGetInfoCallableInAnyState(t *testing.T) {
	handler := &recordingHandler{}
	replies := pluginSession(t, handler,
		call(t, 1, "get_info"),
		call(t, 2, "init", map[string]any{}),
		call(t, 3, "get_info"),
		call(t, 4, "shutdown"),
		call(t, 5, "get_info"),
	)
	if len(replies) != 5 {
		t.Fatalf("got %d replies, want 5", len(replies))
	}
	for _, i := range []int{0, 2, 4} {
		if replies[i].Error != nil {
			t.Fatalf("get_info reply %d failed: %v", i, replies[i].Error)
		}
		var info Info
		if err := json.Unmarshal(replies[i].Result, &info); err != nil {
			t.Fatalf("decoding info: %v", err)
		}
		if info.Name != "recorder" || info.Version != "1.0.0" {
			t.Errorf("info = %+v", info)
		}
	}
}

func TestInitThenOnRequest(t *testing.T) {
	handler := &recordingHandler{}
	req := &exchange.Request{Method: "POST", Endpoint: "/v1/chat/completions"}
	replies := pluginSession(t, handler,
		call(t, 1, "init", map[string]any{"log_level": "debug"}),
		call(t, 2, "on_request", serializedRequest(t, req)),
	)
	if len(replies) != 2 {
		t.Fatalf("got %d replies, want 2", len(replies))
	}
	if replies[0].Error != nil {
		t.Fatalf("init failed: %v", replies[0].Error)
	}
	var status statusResult
	if err := json.Unmarshal(replies[0].Result, &status); err != nil || status.Status != "ok" {
		t.Errorf("init result = %s (err %v), want status ok", replies[0].Result, err)
	}
	if handler.lastConfig == nil || handler.lastConfig.LogLevel != slog.LevelDebug {
		t.Errorf("config = %+v, want debug level", handler.lastConfig)
	}

	if replies[1].Error != nil {
		t.Fatalf("on_request failed: %v", replies[1].Error)
	}
	var result struct {
		Request  *exchange.Request `json:"request"`
		Continue bool              `json:"continue"`
	}
	if err := json.Unmarshal(replies[1].Result, &result); err != nil {
		t.Fatalf("decoding on_request result: %v", err)
	}
	if !result.Continue {
		t.Error("continue = false, want true")
	}
	if result.Request == nil || result.Request.Endpoint != "/v1/chat/completions" {
		t.Errorf("result request = %+v", result.Request)
	}
}

func TestHookBeforeInit(t *testing.T) {
	handler := &recordingHandler{}
	req := &exchange.Request{Method: "GET", Endpoint: "/v1/models"}
	replies := pluginSession(t, handler,
		call(t, 1, "on_request", serializedRequest(t, req)),
	)
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(replies))
	}
	requireError(t, replies[0], "not initialized")
	for _, c := range handler.calls {
		if c == "on_request" {
			t.Error("handler hook ran before init")
		}
	}
}

func TestHookAfterShutdown(t *testing.T) {
	handler := &recordingHandler{}
	req := &exchange.Request{Method: "GET", Endpoint: "/v1/models"}
	replies := pluginSession(t, handler,
		call(t, 1, "init", map[string]any{}),
		call(t, 2, "shutdown"),
		call(t, 3, "on_request", serializedRequest(t, req)),
		call(t, 4, "shutdown"),
		call(t, 5, "init", map[string]any{}),
	)
	if len(replies) != 5 {
		t.Fatalf("got %d replies, want 5", len(replies))
	}
	requireError(t, replies[2], "already shut down")
	requireError(t, replies[3], "already shut down")
	requireError(t, replies[4], "already shut down")
}

func TestShutdownFromUninitialized(t *testing.T) {
	handler := &recordingHandler{}
	replies := pluginSession(t, handler, call(t, 1, "shutdown"))
	if replies[0].Error != nil {
		t.Fatalf("shutdown before init failed: %v", replies[0].Error)
	}
	if len(handler.calls) != 1 || handler.calls[0] != "shutdown" {
		t.Errorf("calls = %v, want [shutdown]", handler.calls)
	}
}

func TestShutdownTerminatesDespiteCleanupError(t *testing.T) {
	handler := &recordingHandler{shutdownErr: errors.New("flush failed")}
	req := &exchange.Request{Method: "GET", Endpoint: "/v1/models"}
	replies := pluginSession(t, handler,
		call(t, 1, "init", map[string]any{}),
		call(t, 2, "shutdown"),
		call(t, 3, "on_request", serializedRequest(t, req)),
	)
	requireError(t, replies[1], "flush failed")
	// The session terminated regardless of the cleanup failure.
	requireError(t, replies[2], "already shut down")
}

func TestReinitReplacesConfig(t *testing.T) {
	handler := &recordingHandler{}
	replies := pluginSession(t, handler,
		call(t, 1, "init", map[string]any{"upstream": "a"}),
		call(t, 2, "init", map[string]any{"upstream": "b"}),
	)
	for i, reply := range replies {
		if reply.Error != nil {
			t.Fatalf("init %d failed: %v", i, reply.Error)
		}
	}
	if got := handler.lastConfig.String("upstream"); got != "b" {
		t.Errorf("config upstream = %q, want b (re-init replaces, not merges)", got)
	}
}

func TestFailedInitKeepsPreviousConfig(t *testing.T) {
	handler := &recordingHandler{}

	// Drive the dispatcher directly so the session survives between
	// the failed re-init and the inspection.
	session := NewSession(handler.Info())
	dispatcher := NewDispatcher(session, handler)
	if _, callErr := dispatcher.Dispatch(&wire.Request{
		Method: "init",
		Params: []json.RawMessage{json.RawMessage(`{"upstream":"a"}`)},
		ID:     json.RawMessage("1"),
	}); callErr != nil {
		t.Fatalf("init: %v", callErr)
	}

	handler.initErr = errors.New("bad credentials")
	_, callErr := dispatcher.Dispatch(&wire.Request{
		Method: "init",
		Params: []json.RawMessage{json.RawMessage(`{"upstream":"b"}`)},
		ID:     json.RawMessage("2"),
	})
	if callErr == nil {
		t.Fatal("expected re-init failure")
	}
	if session.State() != StateReady {
		t.Errorf("state = %v, want Ready after failed re-init", session.State())
	}
	if got := session.Config().String("upstream"); got != "a" {
		t.Errorf("config upstream = %q, want a (failed init must not half-apply)", got)
	}
}

func TestUnknownMethod(t *testing.T) {
	handler := &recordingHandler{}
	replies := pluginSession(t, handler, call(t, 1, "reload"))
	requireError(t, replies[0], `unknown method "reload"`)
}

func TestArityViolation(t *testing.T) {
	handler := &recordingHandler{}
	req := &exchange.Request{Method: "GET", Endpoint: "/v1/models"}
	replies := pluginSession(t, handler,
		call(t, 1, "init", map[string]any{}),
		call(t, 2, "on_response", serializedRequest(t, req)),
	)
	requireError(t, replies[1], "requires 2 params, got 1")
}

func TestParamTypeViolation(t *testing.T) {
	handler := &recordingHandler{}
	replies := pluginSession(t, handler,
		call(t, 1, "init", map[string]any{}),
		// Request passed as a nested object instead of a serialized string.
		call(t, 2, "on_request", map[string]any{"method": "GET"}),
	)
	requireError(t, replies[1], "must be a string")
}

func TestMalformedLineAnswersNullID(t *testing.T) {
	handler := &recordingHandler{}
	replies := pluginSession(t, handler, `{"jsonrpc":"2.0","method":`)
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(replies))
	}
	requireError(t, replies[0], "")
	if string(replies[0].ID) != "null" {
		t.Errorf("id = %s, want null", replies[0].ID)
	}
}

func TestMalformedLineRecoversID(t *testing.T) {
	handler := &recordingHandler{}
	// Valid JSON, undecodable call: method has the wrong type. The id
	// is still extracted and echoed.
	replies := pluginSession(t, handler, `{"jsonrpc":"2.0","method":17,"id":9}`)
	requireError(t, replies[0], "")
	if string(replies[0].ID) != "9" {
		t.Errorf("id = %s, want 9", replies[0].ID)
	}
}

func TestVersionMismatchIsAnswered(t *testing.T) {
	handler := &recordingHandler{}
	replies := pluginSession(t, handler,
		`{"jsonrpc":"1.0","method":"get_info","id":12}`,
		call(t, 13, "get_info"),
	)
	if len(replies) != 2 {
		t.Fatalf("got %d replies, want 2 (mismatch must be answered, not dropped)", len(replies))
	}
	requireError(t, replies[0], "version")
	if string(replies[0].ID) != "12" {
		t.Errorf("id = %s, want 12", replies[0].ID)
	}
	if replies[1].Error != nil {
		t.Errorf("loop did not survive version mismatch: %v", replies[1].Error)
	}
}

func TestNotificationGetsNoReply(t *testing.T) {
	handler := &recordingHandler{}
	replies := pluginSession(t, handler,
		call(t, nil, "init", map[string]any{}),
		call(t, nil, "shutdown"),
		call(t, 1, "get_info"),
	)
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want 1 (notifications are unanswered)", len(replies))
	}
	// Both notifications were dispatched, not skipped.
	want := []string{"init", "shutdown"}
	if len(handler.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", handler.calls, want)
	}
	for i := range want {
		if handler.calls[i] != want[i] {
			t.Errorf("calls[%d] = %q, want %q", i, handler.calls[i], want[i])
		}
	}
}

func TestPanicIsContained(t *testing.T) {
	handler := &recordingHandler{
		onRequest: func(*exchange.Request) (*RequestOutcome, error) {
			panic("boom")
		},
	}
	req := &exchange.Request{Method: "GET", Endpoint: "/v1/models"}
	replies := pluginSession(t, handler,
		call(t, 1, "init", map[string]any{}),
		call(t, 2, "on_request", serializedRequest(t, req)),
		call(t, 3, "get_info"),
	)
	if len(replies) != 3 {
		t.Fatalf("got %d replies, want 3", len(replies))
	}
	requireError(t, replies[1], "panicked")
	if replies[2].Error != nil {
		t.Errorf("loop did not survive handler panic: %v", replies[2].Error)
	}
}

func TestRepliesArriveInCallOrder(t *testing.T) {
	handler := &recordingHandler{}
	req := &exchange.Request{Method: "GET", Endpoint: "/v1/models"}
	replies := pluginSession(t, handler,
		call(t, "a", "init", map[string]any{}),
		call(t, "b", "on_request", serializedRequest(t, req)),
		call(t, "c", "on_request", serializedRequest(t, req)),
		call(t, "d", "shutdown"),
	)
	wantIDs := []string{`"a"`, `"b"`, `"c"`, `"d"`}
	if len(replies) != len(wantIDs) {
		t.Fatalf("got %d replies, want %d", len(replies), len(wantIDs))
	}
	for i, want := range wantIDs {
		if string(replies[i].ID) != want {
			t.Errorf("reply %d id = %s, want %s", i, replies[i].ID, want)
		}
	}
}

func TestShortCircuitCarriesResponse(t *testing.T) {
	synthetic := &exchange.Response{
		StatusCode: 429,
		Body:       exchange.Text(`{"error":"rate limited"}`),
	}
	handler := &recordingHandler{
		onRequest: func(req *exchange.Request) (*RequestOutcome, error) {
			return &RequestOutcome{Request: req, Continue: false, Response: synthetic}, nil
		},
	}
	req := &exchange.Request{Method: "POST", Endpoint: "/v1/chat/completions"}
	replies := pluginSession(t, handler,
		call(t, 1, "init", map[string]any{}),
		call(t, 2, "on_request", serializedRequest(t, req)),
	)
	if replies[1].Error != nil {
		t.Fatalf("on_request failed: %v", replies[1].Error)
	}
	var result struct {
		Continue bool               `json:"continue"`
		Response *exchange.Response `json:"response"`
	}
	if err := json.Unmarshal(replies[1].Result, &result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if result.Continue {
		t.Error("continue = true, want false")
	}
	if result.Response == nil || result.Response.StatusCode != 429 {
		t.Errorf("response = %+v, want the synthetic 429", result.Response)
	}
}

func TestShortCircuitWithoutResponseIsRejected(t *testing.T) {
	handler := &recordingHandler{
		onRequest: func(req *exchange.Request) (*RequestOutcome, error) {
			return &RequestOutcome{Request: req, Continue: false}, nil
		},
	}
	req := &exchange.Request{Method: "POST", Endpoint: "/v1/chat/completions"}
	replies := pluginSession(t, handler,
		call(t, 1, "init", map[string]any{}),
		call(t, 2, "on_request", serializedRequest(t, req)),
	)
	requireError(t, replies[1], "synthetic response")
}

func TestResponseHookIdentityOnNil(t *testing.T) {
	handler := &recordingHandler{
		onResponse: func(req *exchange.Request, resp *exchange.Response) (*exchange.Response, error) {
			return nil, nil
		},
	}
	req := &exchange.Request{Method: "GET", Endpoint: "/v1/models"}
	resp := &exchange.Response{StatusCode: 200, Body: exchange.Text(`{"data":[]}`)}
	replies := pluginSession(t, handler,
		call(t, 1, "init", map[string]any{}),
		call(t, 2, "on_response", serializedRequest(t, req), serializedResponse(t, resp)),
	)
	if replies[1].Error != nil {
		t.Fatalf("on_response failed: %v", replies[1].Error)
	}
	var mutated exchange.Response
	if err := json.Unmarshal(replies[1].Result, &mutated); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if mutated.StatusCode != 200 || mutated.Body.String() != `{"data":[]}` {
		t.Errorf("mutated = %+v, want the input response unchanged", mutated)
	}
}

func TestBinaryBodySurvivesHookRoundTrip(t *testing.T) {
	raw := []byte{0x1f, 0x8b, 0x08, 0x00}
	handler := &recordingHandler{}
	req := &exchange.Request{Method: "GET", Endpoint: "/v1/files/abc"}
	resp := &exchange.Response{StatusCode: 200, Body: exchange.Binary(raw)}
	replies := pluginSession(t, handler,
		call(t, 1, "init", map[string]any{}),
		call(t, 2, "on_response", serializedRequest(t, req), serializedResponse(t, resp)),
	)
	if replies[1].Error != nil {
		t.Fatalf("on_response failed: %v", replies[1].Error)
	}
	var mutated exchange.Response
	if err := json.Unmarshal(replies[1].Result, &mutated); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if !mutated.Body.IsBinary() {
		t.Error("binary body lost its representation across the hook")
	}
	if !bytes.Equal(mutated.Body.Bytes(), raw) {
		t.Errorf("body = %x, want %x", mutated.Body.Bytes(), raw)
	}
}

func TestHandlerErrorMessageReachesReply(t *testing.T) {
	handler := &recordingHandler{
		onRequest: func(*exchange.Request) (*RequestOutcome, error) {
			return nil, fmt.Errorf("upstream unreachable")
		},
	}
	req := &exchange.Request{Method: "GET", Endpoint: "/v1/models"}
	replies := pluginSession(t, handler,
		call(t, 1, "init", map[string]any{}),
		call(t, 2, "on_request", serializedRequest(t, req)),
	)
	requireError(t, replies[1], "upstream unreachable")
}
