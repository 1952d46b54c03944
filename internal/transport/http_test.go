// Copyright 2025 Joseph Cumines
//
// HTTP/SSE and WebSocket transport unit tests

package transport

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func echoHandler(_ context.Context, msg *Message) (*Message, error) {
	if len(msg.ID) == 0 {
		return nil, nil
	}
	return &Message{
		JSONRPC: "2.0",
		ID:      msg.ID,
		Result:  json.RawMessage(`{"method":"` + msg.Method + `"}`),
	}, nil
}

// startTestServer serves tr through httptest. The transport is closed before
// the server so that open SSE and WebSocket streams end.
func startTestServer(t *testing.T, tr *HTTPTransport) *httptest.Server {
	t.Helper()
	tr.handler = echoHandler
	srv := httptest.NewServer(tr.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = tr.Close() })
	return srv
}

// =============================================================================
// Configuration
// =============================================================================

func TestNewHTTPTransport_Defaults(t *testing.T) {
	tr := NewHTTPTransport(nil)
	if tr.config.Address != ":8080" {
		t.Errorf("Address = %s, want :8080", tr.config.Address)
	}
	if tr.config.HeartbeatInterval != 15*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 15s", tr.config.HeartbeatInterval)
	}
	if tr.config.CORSOrigin != "*" {
		t.Errorf("CORSOrigin = %s, want *", tr.config.CORSOrigin)
	}
	if tr.config.WriteTimeout != 0 {
		t.Errorf("WriteTimeout = %v, want 0 (disabled for SSE)", tr.config.WriteTimeout)
	}
	if tr.Metrics() == nil {
		t.Error("Metrics() = nil, want private registry")
	}
	if tr.IsTLSEnabled() || tr.IsAuthEnabled() || tr.IsRateLimitEnabled() {
		t.Error("default transport should have TLS, auth and rate limiting disabled")
	}
}

func TestNewHTTPTransport_Feature(t *testing.T) {
	tests := []struct {
		name    string
		cfg     HTTPTransportConfig
		tls     bool
		auth    bool
		limited bool
	}{
		{name: "cert only", cfg: HTTPTransportConfig{TLSCertFile: "c.pem"}},
		{name: "key only", cfg: HTTPTransportConfig{TLSKeyFile: "k.pem"}},
		{name: "tls", cfg: HTTPTransportConfig{TLSCertFile: "c.pem", TLSKeyFile: "k.pem"}, tls: true},
		{name: "api key", cfg: HTTPTransportConfig{APIKey: "secret"}, auth: true},
		{name: "rate limit", cfg: HTTPTransportConfig{RateLimit: 5}, limited: true},
		{name: "negative rate", cfg: HTTPTransportConfig{RateLimit: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			tr := NewHTTPTransport(&cfg)
			if got := tr.IsTLSEnabled(); got != tt.tls {
				t.Errorf("IsTLSEnabled() = %v, want %v", got, tt.tls)
			}
			if got := tr.IsAuthEnabled(); got != tt.auth {
				t.Errorf("IsAuthEnabled() = %v, want %v", got, tt.auth)
			}
			if got := tr.IsRateLimitEnabled(); got != tt.limited {
				t.Errorf("IsRateLimitEnabled() = %v, want %v", got, tt.limited)
			}
		})
	}
}

// =============================================================================
// POST /message
// =============================================================================

func TestHTTPTransport_HandleMessage(t *testing.T) {
	tr := NewHTTPTransport(nil)
	tr.handler = echoHandler

	tests := []struct {
		name       string
		method     string
		body       string
		wantStatus int
		wantBody   string
	}{
		{name: "request", method: http.MethodPost, body: `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, wantStatus: http.StatusOK, wantBody: `"method":"tools/list"`},
		{name: "notification", method: http.MethodPost, body: `{"jsonrpc":"2.0","method":"notifications/initialized"}`, wantStatus: http.StatusNoContent},
		{name: "invalid json", method: http.MethodPost, body: `{not json`, wantStatus: http.StatusBadRequest, wantBody: "Invalid JSON"},
		{name: "wrong method", method: http.MethodGet, wantStatus: http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/message", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			tr.handleMessage(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("Status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusNoContent && w.Body.Len() != 0 {
				t.Errorf("Body = %q, want empty", w.Body.String())
			}
			if tt.wantBody != "" && !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("Body = %q, want it to contain %q", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestHTTPTransport_HandleMessage_HandlerError(t *testing.T) {
	tr := NewHTTPTransport(nil)
	tr.handler = func(context.Context, *Message) (*Message, error) {
		return nil, errors.New("boom")
	}

	req := httptest.NewRequest(http.MethodPost, "/message", strings.NewReader(`{"jsonrpc":"2.0","id":3,"method":"x"}`))
	w := httptest.NewRecorder()
	tr.handleMessage(w, req)

	var msg Message
	if err := json.Unmarshal(w.Body.Bytes(), &msg); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if msg.Error == nil || msg.Error.Code != ErrCodeInternalError || msg.Error.Message != "boom" {
		t.Errorf("Error = %+v, want internal error 'boom'", msg.Error)
	}
	if string(msg.ID) != "3" {
		t.Errorf("ID = %s, want 3", msg.ID)
	}
}

func TestHTTPTransport_HandleMessage_NoHandler(t *testing.T) {
	tr := NewHTTPTransport(nil)
	req := httptest.NewRequest(http.MethodPost, "/message", strings.NewReader(`{"jsonrpc":"2.0","id":1}`))
	w := httptest.NewRecorder()
	tr.handleMessage(w, req)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("Status = %d, want 500", w.Code)
	}
}

// =============================================================================
// Health and metrics
// =============================================================================

func TestHTTPTransport_HandleHealth(t *testing.T) {
	tr := NewHTTPTransport(nil)
	w := httptest.NewRecorder()
	tr.handleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to unmarshal health: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if _, ok := body["server_time"]; !ok {
		t.Error("missing server_time")
	}
}

func TestHTTPTransport_HandleMetrics(t *testing.T) {
	tr := NewHTTPTransport(nil)
	tr.BroadcastEvent("test", "payload")

	w := httptest.NewRecorder()
	tr.handleMetrics(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
	if !strings.Contains(w.Body.String(), "uiinspector_sse_events_sent_total 1") {
		t.Errorf("metrics output missing SSE event count:\n%s", w.Body.String())
	}

	w = httptest.NewRecorder()
	tr.handleMetrics(w, httptest.NewRequest(http.MethodPost, "/metrics", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /metrics status = %d, want 405", w.Code)
	}
}

// =============================================================================
// Middleware
// =============================================================================

func TestHTTPTransport_CORS(t *testing.T) {
	tr := NewHTTPTransport(&HTTPTransportConfig{CORSOrigin: "https://example.com"})
	tr.handler = echoHandler
	h := tr.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/message", nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("preflight body = %q, want empty", w.Body.String())
	}

	want := map[string]string{
		"Access-Control-Allow-Origin":   "https://example.com",
		"Access-Control-Allow-Methods":  "GET, POST, OPTIONS",
		"Access-Control-Expose-Headers": "Content-Type",
	}
	for k, v := range want {
		if got := w.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	allowHeaders := w.Header().Get("Access-Control-Allow-Headers")
	for _, hdr := range []string{"Content-Type", "Last-Event-ID", "Authorization"} {
		if !strings.Contains(allowHeaders, hdr) {
			t.Errorf("Access-Control-Allow-Headers = %q, missing %s", allowHeaders, hdr)
		}
	}

	// headers are also set on ordinary responses
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://example.com" {
		t.Errorf("GET /health Allow-Origin = %q", got)
	}
}

func TestHTTPTransport_Auth(t *testing.T) {
	tr := NewHTTPTransport(&HTTPTransportConfig{APIKey: "s3cret"})
	tr.handler = echoHandler
	h := tr.Handler()

	tests := []struct {
		name       string
		path       string
		header     string
		wantStatus int
		wantBody   string
	}{
		{name: "valid", path: "/message", header: "Bearer s3cret", wantStatus: http.StatusOK},
		{name: "missing", path: "/message", wantStatus: http.StatusUnauthorized, wantBody: "Authorization header required"},
		{name: "basic scheme", path: "/message", header: "Basic s3cret", wantStatus: http.StatusUnauthorized, wantBody: "Invalid authorization format"},
		{name: "wrong key", path: "/message", header: "Bearer nope", wantStatus: http.StatusUnauthorized, wantBody: "Invalid API key"},
		{name: "health exempt", path: "/health", wantStatus: http.StatusOK},
		{name: "metrics protected", path: "/metrics", wantStatus: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method := http.MethodGet
			var body io.Reader
			if tt.path == "/message" {
				method = http.MethodPost
				body = strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
			}
			req := httptest.NewRequest(method, tt.path, body)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("Status = %d, want %d (body %q)", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantBody != "" && !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("Body = %q, want it to contain %q", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestHTTPTransport_RateLimit(t *testing.T) {
	// burst of 1; refill is slow enough that the test never sees a new token
	tr := NewHTTPTransport(&HTTPTransportConfig{RateLimit: 0.5})
	tr.handler = echoHandler
	h := tr.Handler()

	post := func() int {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/message",
			strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)))
		return w.Code
	}
	if got := post(); got != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", got)
	}
	if got := post(); got != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", got)
	}

	// exempt paths still answer
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("/health status = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(w.Body.String(), "uiinspector_rate_limited_total 1") {
		t.Errorf("rate limited counter not recorded:\n%s", w.Body.String())
	}
}

func TestHTTPTransport_Mount(t *testing.T) {
	tr := NewHTTPTransport(&HTTPTransportConfig{APIKey: "k"})
	tr.Mount("/v1", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "mounted "+r.URL.Path)
	}))
	h := tr.Handler()

	req := httptest.NewRequest(http.MethodGet, "/v1/tree", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", w.Code)
	}

	req.Header.Set("Authorization", "Bearer k")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "mounted /v1/tree" {
		t.Errorf("got %d %q, want 200 %q", w.Code, w.Body.String(), "mounted /v1/tree")
	}
}

// =============================================================================
// SSE
// =============================================================================

// readSSEEvent reads lines until a blank line, skipping comments.
func readSSEEvent(t *testing.T, r *bufio.Reader) map[string]string {
	t.Helper()
	event := make(map[string]string)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("reading SSE stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if len(event) > 0 {
				return event
			}
		case strings.HasPrefix(line, ":"):
		default:
			k, v, _ := strings.Cut(line, ": ")
			event[k] = v
		}
	}
}

func TestHTTPTransport_SSE_ReceivesResponses(t *testing.T) {
	tr := NewHTTPTransport(nil)
	srv := startTestServer(t, tr)

	resp, err := http.Get(srv.URL + "/events")
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}
	if n := tr.clients.Count(); n != 1 {
		t.Fatalf("clients = %d, want 1", n)
	}

	post, err := http.Post(srv.URL+"/message", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":9,"method":"tools/call"}`))
	if err != nil {
		t.Fatalf("POST /message: %v", err)
	}
	post.Body.Close()

	event := readSSEEvent(t, bufio.NewReader(resp.Body))
	if event["event"] != "message" {
		t.Errorf("event = %q, want message", event["event"])
	}
	if event["id"] != "1" {
		t.Errorf("id = %q, want 1", event["id"])
	}
	if !strings.Contains(event["data"], `"id":9`) {
		t.Errorf("data = %q, want the response to id 9", event["data"])
	}
}

func TestHTTPTransport_SSE_ShutdownSendsComplete(t *testing.T) {
	tr := NewHTTPTransport(nil)
	srv := startTestServer(t, tr)

	resp, err := http.Get(srv.URL + "/events")
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	event := readSSEEvent(t, bufio.NewReader(resp.Body))
	if event["event"] != "complete" {
		t.Errorf("event = %q, want complete", event["event"])
	}
}

func TestHTTPTransport_SSE_Heartbeat(t *testing.T) {
	tr := NewHTTPTransport(&HTTPTransportConfig{HeartbeatInterval: 20 * time.Millisecond})
	srv := startTestServer(t, tr)

	resp, err := http.Get(srv.URL + "/events")
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()

	r := bufio.NewReader(resp.Body)
	for i := 0; i < 2; i++ {
		line, err := r.ReadString('\n')
		for err == nil && line == "\n" {
			line, err = r.ReadString('\n')
		}
		if err != nil {
			t.Fatalf("reading heartbeat: %v", err)
		}
		if line != ": heartbeat\n" {
			t.Fatalf("line = %q, want heartbeat comment", line)
		}
	}
}

func TestHTTPTransport_SSE_ReplaysAfterLastEventID(t *testing.T) {
	tr := NewHTTPTransport(nil)
	srv := startTestServer(t, tr)

	tr.BroadcastEvent("a", "first")
	tr.BroadcastEvent("b", "second")
	tr.BroadcastEvent("c", "third")

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/events", nil)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()

	r := bufio.NewReader(resp.Body)
	for _, want := range []string{"second", "third"} {
		if got := readSSEEvent(t, r)["data"]; got != want {
			t.Errorf("replayed data = %q, want %q", got, want)
		}
	}
}

func TestWriteSSEEvent_MultilineData(t *testing.T) {
	var buf bytes.Buffer
	if err := writeSSEEvent(&buf, &SSEEvent{ID: "7", Event: "message", Data: "a\nb"}); err != nil {
		t.Fatalf("writeSSEEvent: %v", err)
	}
	want := "id: 7\nevent: message\ndata: a\ndata: b\n\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

func TestEventStore_EvictsOldest(t *testing.T) {
	s := NewEventStore(2)
	s.Add(&SSEEvent{ID: "1"})
	s.Add(&SSEEvent{ID: "2"})
	s.Add(&SSEEvent{ID: "3"})

	if got := s.GetSince("1"); got != nil {
		t.Errorf("GetSince(evicted) = %v, want nil", got)
	}
	got := s.GetSince("2")
	if len(got) != 1 || got[0].ID != "3" {
		t.Errorf("GetSince(2) = %v, want [3]", got)
	}
	if got := s.GetSince("3"); len(got) != 0 {
		t.Errorf("GetSince(latest) = %v, want empty", got)
	}
}

func TestClientRegistry_AddRemove(t *testing.T) {
	r := NewClientRegistry()
	c1 := r.Add("")
	c2 := r.Add("5")
	if c1.ID == c2.ID {
		t.Fatalf("duplicate client ID %s", c1.ID)
	}
	if c2.LastEventID != "5" {
		t.Errorf("LastEventID = %q, want 5", c2.LastEventID)
	}
	if r.Count() != 2 {
		t.Errorf("Count = %d, want 2", r.Count())
	}

	r.Broadcast(&SSEEvent{ID: "1", Event: "x"})
	if ev := <-c1.ResponseChan; ev.ID != "1" {
		t.Errorf("c1 received %v", ev)
	}

	r.Remove(c1.ID)
	if _, ok := r.Get(c1.ID); ok {
		t.Error("client still registered after Remove")
	}
	if _, open := <-c1.ResponseChan; open {
		t.Error("ResponseChan not closed after Remove")
	}
	r.Remove(c1.ID) // no-op
}

// =============================================================================
// WebSocket
// =============================================================================

func TestHTTPTransport_WebSocket(t *testing.T) {
	tr := NewHTTPTransport(nil)
	srv := startTestServer(t, tr)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// notifications produce no reply, so the next frame answers id 2
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)); err != nil {
		t.Fatal(err)
	}
	var resp Message
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if string(resp.ID) != "2" || !strings.Contains(string(resp.Result), "tools/list") {
		t.Errorf("response = %+v", resp)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{bad`)); err != nil {
		t.Fatal(err)
	}
	resp = Message{}
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != ErrCodeParseError {
		t.Errorf("Error = %+v, want parse error", resp.Error)
	}

	// the connection survives a parse error
	if err := conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": 3, "method": "ping"}); err != nil {
		t.Fatal(err)
	}
	resp = Message{}
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if string(resp.ID) != "3" {
		t.Errorf("ID = %s, want 3", resp.ID)
	}
}

func TestHTTPTransport_WebSocket_RejectsForeignOrigin(t *testing.T) {
	tr := NewHTTPTransport(&HTTPTransportConfig{CORSOrigin: "https://ok.example"})
	srv := startTestServer(t, tr)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	hdr := http.Header{"Origin": []string{"https://evil.example"}}
	if _, resp, err := websocket.DefaultDialer.Dial(url, hdr); err == nil {
		t.Fatal("Dial succeeded, want origin rejection")
	} else if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("resp = %v, want 403", resp)
	}

	hdr.Set("Origin", "https://ok.example")
	conn, _, err := websocket.DefaultDialer.Dial(url, hdr)
	if err != nil {
		t.Fatalf("Dial with allowed origin: %v", err)
	}
	conn.Close()
}

func TestHTTPTransport_WebSocket_ClosedOnShutdown(t *testing.T) {
	tr := NewHTTPTransport(nil)
	srv := startTestServer(t, tr)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	_ = tr.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("ReadMessage error = %v, want going-away close", err)
	}
}

// =============================================================================
// Broadcast and lifecycle
// =============================================================================

func TestHTTPTransport_BroadcastEvent(t *testing.T) {
	tr := NewHTTPTransport(nil)
	client := tr.clients.Add("")

	tr.BroadcastEvent("tree", "a")
	tr.BroadcastEvent("tree", "b")
	for _, wantID := range []string{"1", "2"} {
		select {
		case ev := <-client.ResponseChan:
			if ev.ID != wantID || ev.Event != "tree" {
				t.Errorf("event = %+v, want id %s", ev, wantID)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}

	_ = tr.Close()
	tr.BroadcastEvent("tree", "c")
	select {
	case ev := <-client.ResponseChan:
		t.Errorf("received %+v after Close", ev)
	default:
	}
}

func TestHTTPTransport_WriteMessage(t *testing.T) {
	tr := NewHTTPTransport(nil)
	client := tr.clients.Add("")

	if err := tr.WriteMessage(&Message{JSONRPC: "2.0", Method: "notifications/progress"}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	ev := <-client.ResponseChan
	if ev.Event != "message" || !strings.Contains(ev.Data, "notifications/progress") {
		t.Errorf("event = %+v", ev)
	}

	_ = tr.Close()
	if err := tr.WriteMessage(&Message{JSONRPC: "2.0"}); err == nil {
		t.Error("WriteMessage after Close succeeded, want error")
	}
}

func TestHTTPTransport_Close(t *testing.T) {
	tr := NewHTTPTransport(nil)
	select {
	case <-tr.ShutdownChan():
		t.Fatal("ShutdownChan closed before Close")
	default:
	}

	for i := 0; i < 2; i++ {
		if err := tr.Close(); err != nil {
			t.Fatalf("Close #%d: %v", i+1, err)
		}
	}
	if !tr.IsClosed() {
		t.Error("IsClosed() = false after Close")
	}
	select {
	case <-tr.ShutdownChan():
	default:
		t.Error("ShutdownChan not closed after Close")
	}
}

// serve runs tr.Serve in the background until the test ends, returning once
// the listener is bound.
func serve(t *testing.T, tr *HTTPTransport) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Serve(ctx, echoHandler) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})

	deadline := time.Now().Add(5 * time.Second)
	for tr.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("transport never started listening")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHTTPTransport_Serve_TCP(t *testing.T) {
	tr := NewHTTPTransport(&HTTPTransportConfig{Address: "127.0.0.1:0"})
	serve(t, tr)

	resp, err := http.Get("http://" + tr.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Status = %d, want 200", resp.StatusCode)
	}
}

func TestHTTPTransport_Listen(t *testing.T) {
	tr := NewHTTPTransport(&HTTPTransportConfig{Address: "127.0.0.1:0"})
	if err := tr.Listen(); err != nil {
		t.Fatalf("Listen error = %v", err)
	}
	addr := tr.Addr()
	if addr == nil {
		t.Fatal("Addr() = nil after Listen")
	}
	if err := tr.Listen(); err != nil || tr.Addr().String() != addr.String() {
		t.Errorf("second Listen = %v, addr %v, want the same listener", err, tr.Addr())
	}
	serve(t, tr)

	if tr.Addr().String() != addr.String() {
		t.Errorf("Serve bound %v, want the listener from Listen %v", tr.Addr(), addr)
	}
	resp, err := http.Get("http://" + addr.String() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Status = %d, want 200", resp.StatusCode)
	}
}

func TestHTTPTransport_Listen_AddressInUse(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()

	tr := NewHTTPTransport(&HTTPTransportConfig{Address: busy.Addr().String()})
	if err := tr.Listen(); err == nil || !strings.Contains(err.Error(), "failed to listen on") {
		t.Fatalf("Listen error = %v, want a listen error", err)
	}
	if tr.Addr() != nil {
		t.Errorf("Addr() = %v after a failed Listen", tr.Addr())
	}
}

func TestHTTPTransport_CloseReleasesUnservedListener(t *testing.T) {
	tr := NewHTTPTransport(&HTTPTransportConfig{Address: "127.0.0.1:0"})
	if err := tr.Listen(); err != nil {
		t.Fatalf("Listen error = %v", err)
	}
	addr := tr.Addr().String()
	if err := tr.Close(); err != nil {
		t.Fatalf("Close error = %v", err)
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("address still held after Close: %v", err)
	}
	l.Close()
	if err := tr.Listen(); err == nil {
		t.Error("Listen after Close succeeded")
	}
	if err := tr.Serve(context.Background(), echoHandler); err != nil {
		t.Errorf("Serve after Close error = %v", err)
	}
}

func TestHTTPTransport_Serve_UnixSocket(t *testing.T) {
	dir, err := os.MkdirTemp("", "uis")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	sock := filepath.Join(dir, "s.sock")

	// a stale file at the socket path is replaced
	if err := os.WriteFile(sock, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	tr := NewHTTPTransport(&HTTPTransportConfig{SocketPath: sock})
	serve(t, tr)

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", sock)
		},
	}}
	resp, err := client.Post("http://unix/message", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	if err != nil {
		t.Fatalf("POST over unix socket: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Status = %d, want 200", resp.StatusCode)
	}
}

// =============================================================================
// TLS
// =============================================================================

// writeSelfSignedCert writes a localhost certificate and key to dir.
func writeSelfSignedCert(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}

func TestHTTPTransport_Serve_TLS(t *testing.T) {
	certFile, keyFile := writeSelfSignedCert(t, t.TempDir())
	tr := NewHTTPTransport(&HTTPTransportConfig{
		Address:     "127.0.0.1:0",
		TLSCertFile: certFile,
		TLSKeyFile:  keyFile,
	})
	serve(t, tr)

	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12},
	}}
	resp, err := client.Get("https://" + tr.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET https /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.TLS == nil {
		t.Fatal("response was not served over TLS")
	}
	if resp.TLS.Version < tls.VersionTLS12 {
		t.Errorf("TLS version = %x, want >= 1.2", resp.TLS.Version)
	}
}

func TestHTTPTransport_Serve_TLSLoadError(t *testing.T) {
	dir := t.TempDir()
	tr := NewHTTPTransport(&HTTPTransportConfig{
		Address:     "127.0.0.1:0",
		TLSCertFile: filepath.Join(dir, "missing-cert.pem"),
		TLSKeyFile:  filepath.Join(dir, "missing-key.pem"),
	})
	err := tr.Serve(context.Background(), echoHandler)
	if err == nil || !strings.Contains(err.Error(), "TLS certificate") {
		t.Fatalf("Serve error = %v, want TLS certificate error", err)
	}
}
