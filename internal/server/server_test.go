package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bobmcallan/opmanager-mcp/internal/bridge"
	"github.com/bobmcallan/opmanager-mcp/internal/catalog"
	"github.com/bobmcallan/opmanager-mcp/internal/client"
	"github.com/bobmcallan/opmanager-mcp/internal/common"
	"github.com/bobmcallan/opmanager-mcp/internal/config"
	"github.com/bobmcallan/opmanager-mcp/internal/tools"
)

// newTestServer builds a server over a one-tool registry.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	ops := []catalog.Operation{
		{
			Method:      "GET",
			Path:        "/api/json/device/listDevices",
			OperationID: "listDevices",
			Summary:     "List monitored devices",
		},
	}
	logger := common.NewSilentLogger()
	reg := tools.Generate(ops, []string{"GET"}, logger)
	d := client.NewDispatcher(5*time.Second, logger)
	b := bridge.New(reg, d, logger)

	cfg := config.NewDefaultConfig()
	return New(cfg, b, logger)
}

// upstreamArgs points a tool call at the given upstream stub.
func upstreamArgs(t *testing.T, upstream *httptest.Server) map[string]any {
	t.Helper()
	u, err := url.Parse(upstream.URL)
	if err != nil {
		t.Fatalf("parse upstream URL: %v", err)
	}
	port, _ := strconv.Atoi(u.Port())
	return map[string]any{
		"host":   u.Hostname(),
		"port":   port,
		"useSsl": false,
		"apiKey": "test-key",
	}
}

// --- GET /tools ---

func TestHandleTools_ListsRegisteredTools(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("GET", "/tools", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		Tools []struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			InputSchema map[string]any `json:"inputSchema"`
		} `json:"tools"`
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Count != 1 || len(body.Tools) != 1 {
		t.Fatalf("expected 1 tool, got %+v", body)
	}
	tool := body.Tools[0]
	if tool.Name != "opmanager_device_listdevices" {
		t.Errorf("unexpected tool name %s", tool.Name)
	}
	props, ok := tool.InputSchema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("schema has no properties: %v", tool.InputSchema)
	}
	for _, field := range []string{"host", "apiKey", "port", "useSsl", "verifySsl"} {
		if _, ok := props[field]; !ok {
			t.Errorf("schema missing %s", field)
		}
	}
}

func TestHandleTools_MethodNotAllowed(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("POST", "/tools", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

// --- POST /call ---

func callBody(t *testing.T, name string, args map[string]any) io.Reader {
	t.Helper()
	data, err := json.Marshal(map[string]any{"name": name, "arguments": args})
	if err != nil {
		t.Fatalf("marshal call body: %v", err)
	}
	return bytes.NewReader(data)
}

func TestHandleCall_Success(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"devices": [{"name": "core-sw-01"}]}`)
	}))
	defer upstream.Close()

	s := newTestServer(t)
	req := httptest.NewRequest("POST", "/call", callBody(t, "opmanager_device_listdevices", upstreamArgs(t, upstream)))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.IsError {
		t.Fatalf("unexpected error result: %s", resp.Content[0].Text)
	}
	if len(resp.Content) != 1 || !strings.Contains(resp.Content[0].Text, "core-sw-01") {
		t.Errorf("unexpected content %+v", resp.Content)
	}
}

func TestHandleCall_UnknownTool(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("POST", "/call", callBody(t, "opmanager_nope", nil))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandleCall_InvalidJSON(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("POST", "/call", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandleCall_MissingName(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("POST", "/call", strings.NewReader(`{"arguments": {}}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandleCall_ValidationFailureInline(t *testing.T) {
	// Bad arguments are a tool-level error result, not an HTTP failure.
	s := newTestServer(t)
	req := httptest.NewRequest("POST", "/call", callBody(t, "opmanager_device_listdevices", map[string]any{
		"apiKey": "k",
	}))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.IsError {
		t.Fatal("expected isError=true")
	}
	if !strings.Contains(resp.Content[0].Text, "ValidationError") {
		t.Errorf("expected ValidationError category, got %s", resp.Content[0].Text)
	}
	if strings.Contains(resp.Content[0].Text, "test-key") {
		t.Error("error text must not echo credentials")
	}
}

// --- Health and fallthrough ---

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("unexpected health body %v", body)
	}
	if body["tool_count"] != float64(1) {
		t.Errorf("expected tool_count 1, got %v", body["tool_count"])
	}
}

func TestUnknownRoute_JSON404(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/nope", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON 404, got %s", ct)
	}
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("OPTIONS", "/call", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS allow-origin header")
	}
}

// --- SSE sessions ---

// testSSESession wraps one open /sse stream.
type testSSESession struct {
	resp     *http.Response
	reader   *bufio.Reader
	endpoint string
}

func openSession(t *testing.T, base string) *testSSESession {
	t.Helper()
	resp, err := http.Get(base + "/sse")
	if err != nil {
		t.Fatalf("open SSE stream: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on /sse, got %d", resp.StatusCode)
	}
	sess := &testSSESession{resp: resp, reader: bufio.NewReader(resp.Body)}

	event, data := sess.nextEvent(t)
	if event != "endpoint" {
		t.Fatalf("expected endpoint event first, got %q", event)
	}
	sess.endpoint = base + data
	return sess
}

// nextEvent reads one SSE event, skipping comments and keep-alives.
func (s *testSSESession) nextEvent(t *testing.T) (event, data string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for SSE event")
		}
		line, err := s.reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read SSE stream: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "":
			if event != "" || data != "" {
				return event, data
			}
		}
	}
}

func (s *testSSESession) close() {
	s.resp.Body.Close()
}

// send posts one JSON-RPC message to the session endpoint.
func (s *testSSESession) send(t *testing.T, msg string) {
	t.Helper()
	resp, err := http.Post(s.endpoint, "application/json", strings.NewReader(msg))
	if err != nil {
		t.Fatalf("post message: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("unexpected message status %d: %s", resp.StatusCode, body)
	}
}

// initialize performs the MCP handshake on the session.
func (s *testSSESession) initialize(t *testing.T) {
	t.Helper()
	s.send(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"test-client","version":"0.1"}}}`)
	_, data := s.nextEvent(t)
	if !strings.Contains(data, `"id":1`) {
		t.Fatalf("expected initialize response, got %s", data)
	}
	s.send(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
}

func TestSSE_ToolsListOverSession(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	sess := openSession(t, ts.URL)
	defer sess.close()
	sess.initialize(t)

	sess.send(t, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	_, data := sess.nextEvent(t)

	var rpc struct {
		ID     int `json:"id"`
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal([]byte(data), &rpc); err != nil {
		t.Fatalf("decode tools/list response: %v", err)
	}
	if rpc.ID != 2 {
		t.Errorf("expected response id 2, got %d", rpc.ID)
	}
	if len(rpc.Result.Tools) != 1 || rpc.Result.Tools[0].Name != "opmanager_device_listdevices" {
		t.Errorf("unexpected tool listing %+v", rpc.Result.Tools)
	}
}

func TestSSE_ToolCallOverSession(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"devices": []}`)
	}))
	defer upstream.Close()

	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	sess := openSession(t, ts.URL)
	defer sess.close()
	sess.initialize(t)

	args, _ := json.Marshal(upstreamArgs(t, upstream))
	sess.send(t, fmt.Sprintf(
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"opmanager_device_listdevices","arguments":%s}}`,
		args,
	))
	_, data := sess.nextEvent(t)

	if !strings.Contains(data, `"id":3`) {
		t.Fatalf("expected response for id 3, got %s", data)
	}
	if !strings.Contains(data, "devices") {
		t.Errorf("expected upstream payload in result, got %s", data)
	}
}

func TestSSE_SessionsAreIsolated(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	a := openSession(t, ts.URL)
	defer a.close()
	b := openSession(t, ts.URL)
	defer b.close()

	if a.endpoint == b.endpoint {
		t.Fatal("sessions must get distinct message endpoints")
	}

	a.initialize(t)
	b.initialize(t)

	// Each session only sees responses to its own requests.
	a.send(t, `{"jsonrpc":"2.0","id":100,"method":"tools/list"}`)
	b.send(t, `{"jsonrpc":"2.0","id":200,"method":"tools/list"}`)

	_, dataA := a.nextEvent(t)
	if !strings.Contains(dataA, `"id":100`) {
		t.Errorf("session A received a foreign response: %s", dataA)
	}
	_, dataB := b.nextEvent(t)
	if !strings.Contains(dataB, `"id":200`) {
		t.Errorf("session B received a foreign response: %s", dataB)
	}
}

// TestSSE_ResponsesInAcceptanceOrder submits a slow tool call and then a
// tools/list without waiting; the session must deliver the slow response
// first because requests drain one at a time in acceptance order.
func TestSSE_ResponsesInAcceptanceOrder(t *testing.T) {
	var calls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			time.Sleep(300 * time.Millisecond)
		}
		io.WriteString(w, `{"devices": []}`)
	}))
	defer upstream.Close()

	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	sess := openSession(t, ts.URL)
	defer sess.close()
	sess.initialize(t)

	args, _ := json.Marshal(upstreamArgs(t, upstream))
	sess.send(t, fmt.Sprintf(
		`{"jsonrpc":"2.0","id":10,"method":"tools/call","params":{"name":"opmanager_device_listdevices","arguments":%s}}`,
		args,
	))
	sess.send(t, `{"jsonrpc":"2.0","id":11,"method":"tools/list"}`)

	_, first := sess.nextEvent(t)
	if !strings.Contains(first, `"id":10`) {
		t.Fatalf("expected the slow call's response first, got %s", first)
	}
	_, second := sess.nextEvent(t)
	if !strings.Contains(second, `"id":11`) {
		t.Errorf("expected the listing response second, got %s", second)
	}
}

func TestSSE_UnknownSessionRejected(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Post(
		ts.URL+"/message?sessionId=no-such-session",
		"application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`),
	)
	if err != nil {
		t.Fatalf("post message: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for an unknown session, got %d", resp.StatusCode)
	}
}

func TestSSE_MissingSessionIDRejected(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Post(
		ts.URL+"/message",
		"application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`),
	)
	if err != nil {
		t.Fatalf("post message: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 without a sessionId, got %d", resp.StatusCode)
	}
}

func TestSSE_ClosedSessionRejected(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	sess := openSession(t, ts.URL)
	sess.initialize(t)
	sess.close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Post(
			sess.endpoint,
			"application/json",
			strings.NewReader(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`),
		)
		if err != nil {
			t.Fatalf("post message: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 404 after the stream closed, got %d", resp.StatusCode)
		}
		// The server tears the session down when the stream disconnect is
		// observed, which may lag the client-side close slightly.
		time.Sleep(20 * time.Millisecond)
	}
}
