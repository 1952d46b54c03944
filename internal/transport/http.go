// Copyright 2025 Joseph Cumines
//
// HTTP/SSE and WebSocket transport for JSON-RPC 2.0 communication

package transport

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/joeycumines/uiinspector/internal/metrics"
)

// maxMessageBytes bounds a single JSON-RPC request body or WebSocket frame.
const maxMessageBytes = 4 << 20

// HTTPTransportConfig holds configuration for HTTP transport.
// SocketPath takes precedence over Address. WriteTimeout defaults to 0
// (disabled) because SSE streams are long-lived. TLS is enabled only when both
// TLSCertFile and TLSKeyFile are set. A non-empty APIKey requires
// "Authorization: Bearer <key>" on every route except /health. RateLimit is in
// requests per second; 0 disables it. A nil Metrics gets a private registry.
type HTTPTransportConfig struct {
	Metrics           *metrics.Registry
	Address           string
	SocketPath        string
	CORSOrigin        string
	TLSCertFile       string
	TLSKeyFile        string
	APIKey            string
	HeartbeatInterval time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	RateLimit         float64
}

// DefaultHTTPConfig returns default HTTP transport configuration
func DefaultHTTPConfig() *HTTPTransportConfig {
	return &HTTPTransportConfig{
		Address:           ":8080",
		HeartbeatInterval: 15 * time.Second,
		CORSOrigin:        "*",
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0, // Disabled for SSE compatibility
	}
}

// HTTPTransport implements HTTP/SSE and WebSocket transport for MCP
type HTTPTransport struct {
	config     *HTTPTransportConfig
	server     *http.Server
	router     chi.Router
	handler    Handler
	clients    *ClientRegistry
	metrics    *metrics.Registry
	limiter    *RateLimiter
	upgrader   websocket.Upgrader
	addr       atomic.Pointer[net.Addr]
	pending    atomic.Pointer[net.Listener]
	shutdownCh chan struct{}
	eventID    atomic.Uint64
	closed     atomic.Bool
}

// ClientRegistry manages connected SSE clients
type ClientRegistry struct {
	clients    map[string]*SSEClient
	eventStore *EventStore
	mu         sync.RWMutex
	nextID     atomic.Uint64
}

// SSEClient represents a connected SSE client
type SSEClient struct {
	ResponseChan chan *SSEEvent
	CreatedAt    time.Time
	ID           string
	LastEventID  string
}

// SSEEvent represents a Server-Sent Event
type SSEEvent struct {
	ID    string
	Event string
	Data  string
}

// EventStore stores recent events for reconnection handling
type EventStore struct {
	eventMap map[string]*SSEEvent
	events   []*SSEEvent
	mu       sync.RWMutex
	maxSize  int
}

// NewEventStore creates a new event store
func NewEventStore(maxSize int) *EventStore {
	return &EventStore{
		events:   make([]*SSEEvent, 0, maxSize),
		maxSize:  maxSize,
		eventMap: make(map[string]*SSEEvent),
	}
}

// Add adds an event to the store, evicting the oldest when full
func (s *EventStore) Add(event *SSEEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.events) >= s.maxSize {
		oldest := s.events[0]
		delete(s.eventMap, oldest.ID)
		s.events = s.events[1:]
	}
	s.events = append(s.events, event)
	s.eventMap[event.ID] = event
}

// GetSince returns the events after lastEventID, or nothing if that ID is
// unknown (never seen or already evicted).
func (s *EventStore) GetSince(lastEventID string) []*SSEEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.eventMap[lastEventID]; !ok {
		return nil
	}

	found := false
	var result []*SSEEvent
	for _, e := range s.events {
		if found {
			result = append(result, e)
		}
		if e.ID == lastEventID {
			found = true
		}
	}
	return result
}

// NewClientRegistry creates a new client registry
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients:    make(map[string]*SSEClient),
		eventStore: NewEventStore(1000),
	}
}

// Add adds a client to the registry
func (r *ClientRegistry) Add(lastEventID string) *SSEClient {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := fmt.Sprintf("client-%d", r.nextID.Add(1))
	client := &SSEClient{
		ID:           id,
		ResponseChan: make(chan *SSEEvent, 100),
		CreatedAt:    time.Now(),
		LastEventID:  lastEventID,
	}
	r.clients[id] = client
	return client
}

// Remove removes a client from the registry
func (r *ClientRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, ok := r.clients[id]; ok {
		close(client.ResponseChan)
		delete(r.clients, id)
	}
}

// Get returns a client by ID
func (r *ClientRegistry) Get(id string) (*SSEClient, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[id]
	return client, ok
}

// Broadcast stores the event for replay and sends it to all connected clients
func (r *ClientRegistry) Broadcast(event *SSEEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	r.eventStore.Add(event)

	for _, client := range r.clients {
		select {
		case client.ResponseChan <- event:
		default:
			log.Printf("Warning: dropping event %s for client %s (buffer full)", event.ID, client.ID)
		}
	}
}

// Count returns the number of connected clients
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// NewHTTPTransport creates a new HTTP transport. The middleware chain is
// CORS, then authentication, then rate limiting, then the router.
func NewHTTPTransport(config *HTTPTransportConfig) *HTTPTransport {
	if config == nil {
		config = DefaultHTTPConfig()
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = 15 * time.Second
	}
	if config.CORSOrigin == "" {
		config.CORSOrigin = "*"
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 30 * time.Second
	}
	m := config.Metrics
	if m == nil {
		m = metrics.New(false)
	}

	t := &HTTPTransport{
		config:     config,
		clients:    NewClientRegistry(),
		metrics:    m,
		limiter:    NewRateLimiter(config.RateLimit),
		shutdownCh: make(chan struct{}),
	}
	if t.limiter != nil {
		t.limiter.OnLimited = m.RecordRateLimited
	}
	t.upgrader = websocket.Upgrader{CheckOrigin: t.checkOrigin}

	r := chi.NewRouter()
	r.HandleFunc("/message", t.handleMessage)
	r.HandleFunc("/events", t.handleSSE)
	r.HandleFunc("/ws", t.handleWebSocket)
	r.HandleFunc("/health", t.handleHealth)
	r.HandleFunc("/metrics", t.handleMetrics)
	t.router = r

	var h http.Handler = r
	h = RateLimitMiddleware(t.limiter, h)
	if t.IsAuthEnabled() {
		h = t.authMiddleware(h)
	}
	h = t.corsMiddleware(h)

	t.server = &http.Server{
		Handler:      h,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return t
}

// Mount attaches an additional handler under pattern, behind the same
// middleware chain as the built-in routes. Call before Serve.
func (t *HTTPTransport) Mount(pattern string, h http.Handler) {
	t.router.Mount(pattern, h)
}

// Handler returns the full middleware chain, e.g. for httptest servers.
func (t *HTTPTransport) Handler() http.Handler {
	return t.server.Handler
}

// Metrics returns the registry the transport records into.
func (t *HTTPTransport) Metrics() *metrics.Registry {
	return t.metrics
}

// IsTLSEnabled reports whether both a certificate and a key are configured.
func (t *HTTPTransport) IsTLSEnabled() bool {
	return t.config.TLSCertFile != "" && t.config.TLSKeyFile != ""
}

// IsAuthEnabled reports whether an API key is required.
func (t *HTTPTransport) IsAuthEnabled() bool {
	return t.config.APIKey != ""
}

// IsRateLimitEnabled reports whether requests are rate limited.
func (t *HTTPTransport) IsRateLimitEnabled() bool {
	return t.limiter != nil
}

// ShutdownChan is closed when the transport closes.
func (t *HTTPTransport) ShutdownChan() <-chan struct{} {
	return t.shutdownCh
}

// Addr returns the bound listener address once Listen or Serve has bound it.
func (t *HTTPTransport) Addr() net.Addr {
	if a := t.addr.Load(); a != nil {
		return *a
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses
func (t *HTTPTransport) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", t.config.CORSOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID, Authorization")
		w.Header().Set("Access-Control-Expose-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authMiddleware requires "Authorization: Bearer <APIKey>". /health is exempt.
func (t *HTTPTransport) authMiddleware(next http.Handler) http.Handler {
	want := []byte(t.config.APIKey)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="uiinspector"`)
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="uiinspector"`)
			http.Error(w, "Invalid authorization format (expected Bearer token)", http.StatusUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			http.Error(w, "Invalid API key", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (t *HTTPTransport) checkOrigin(r *http.Request) bool {
	if t.config.CORSOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || origin == t.config.CORSOrigin
}

// handleMessage handles POST /message for JSON-RPC requests
func (t *HTTPTransport) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var msg Message
	if err := json.NewDecoder(io.LimitReader(r.Body, maxMessageBytes)).Decode(&msg); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	if t.handler == nil {
		http.Error(w, "Handler not set", http.StatusInternalServerError)
		return
	}

	response, err := t.handler(r.Context(), &msg)
	if err != nil {
		response = errorResponse(&msg, err)
	}

	if response == nil {
		// notification
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Printf("Error encoding response: %v", err)
	}

	// streaming clients see every response too
	if eventData, err := json.Marshal(response); err == nil {
		t.BroadcastEvent("message", string(eventData))
	}
}

// handleSSE handles GET /events for SSE streaming
func (t *HTTPTransport) handleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	lastEventID := r.Header.Get("Last-Event-ID")

	client := t.clients.Add(lastEventID)
	t.metrics.SetSSEConnections(t.clients.Count())
	defer func() {
		t.clients.Remove(client.ID)
		t.metrics.SetSSEConnections(t.clients.Count())
	}()

	log.Printf("SSE client connected: %s", client.ID)

	// replay what a reconnecting client missed
	if lastEventID != "" {
		for _, event := range t.clients.eventStore.GetSince(lastEventID) {
			if err := writeSSEEvent(w, event); err != nil {
				log.Printf("SSE client %s: write error during reconnect replay: %v", client.ID, err)
				return
			}
		}
	}
	flusher.Flush()

	heartbeatTicker := time.NewTicker(t.config.HeartbeatInterval)
	defer heartbeatTicker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			log.Printf("SSE client disconnected: %s", client.ID)
			return
		case <-t.shutdownCh:
			fmt.Fprintf(w, "event: complete\ndata: server shutdown\n\n")
			flusher.Flush()
			return
		case <-heartbeatTicker.C:
			if _, err := fmt.Fprintf(w, ": heartbeat\n\n"); err != nil {
				log.Printf("SSE client %s: heartbeat write error: %v", client.ID, err)
				return
			}
			flusher.Flush()
		case event, ok := <-client.ResponseChan:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, event); err != nil {
				log.Printf("SSE client %s: write error: %v", client.ID, err)
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes an SSE event, prefixing each data line with "data:".
func writeSSEEvent(w io.Writer, event *SSEEvent) error {
	if _, err := fmt.Fprintf(w, "id: %s\n", event.ID); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Event); err != nil {
		return err
	}
	for _, line := range strings.Split(event.Data, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}

// handleWebSocket handles GET /ws: one JSON-RPC message per text frame, each
// answered in order on the same connection.
func (t *HTTPTransport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		ticker := time.NewTicker(t.config.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.shutdownCh:
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
					time.Now().Add(time.Second))
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	for {
		var msg Message
		err := conn.ReadJSON(&msg)
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		switch {
		case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
			if err := conn.WriteJSON(&Message{
				JSONRPC: "2.0",
				ID:      json.RawMessage("null"),
				Error:   &ErrorObj{Code: ErrCodeParseError, Message: err.Error()},
			}); err != nil {
				return
			}
			continue
		case err != nil:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("WebSocket read error: %v", err)
			}
			return
		}

		var response *Message
		if t.handler == nil {
			response = errorResponse(&msg, errors.New("handler not set"))
		} else if response, err = t.handler(ctx, &msg); err != nil {
			response = errorResponse(&msg, err)
		}
		if response == nil {
			continue
		}
		if err := conn.WriteJSON(response); err != nil {
			log.Printf("WebSocket write error: %v", err)
			return
		}
	}
}

// handleHealth handles GET /health for health checks
func (t *HTTPTransport) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"clients":     t.clients.Count(),
		"server_time": time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		log.Printf("Error encoding health response: %v", err)
	}
}

// handleMetrics handles GET /metrics in the Prometheus exposition format
func (t *HTTPTransport) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	t.metrics.Handler().ServeHTTP(w, r)
}

// BroadcastEvent sends a custom event to every SSE client. It is a no-op
// once the transport is closed.
func (t *HTTPTransport) BroadcastEvent(event, data string) {
	if t.closed.Load() {
		return
	}
	t.clients.Broadcast(&SSEEvent{
		ID:    strconv.FormatUint(t.eventID.Add(1), 10),
		Event: event,
		Data:  data,
	})
	t.metrics.RecordSSEEvent()
}

// Listen binds the listener without serving it, so that address and TLS
// errors reach the caller before Serve runs. Serve binds on its own when
// Listen was not called.
func (t *HTTPTransport) Listen() error {
	if t.closed.Load() {
		return fmt.Errorf("transport is closed")
	}
	if t.pending.Load() != nil {
		return nil
	}
	l, err := t.listen()
	if err != nil {
		return err
	}
	t.pending.Store(&l)
	return nil
}

func (t *HTTPTransport) listen() (net.Listener, error) {
	if t.IsTLSEnabled() {
		cert, err := tls.LoadX509KeyPair(t.config.TLSCertFile, t.config.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		t.server.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	var listener net.Listener
	var err error

	if t.config.SocketPath != "" {
		// remove a stale socket left by a previous run
		if err := os.Remove(t.config.SocketPath); err != nil && !os.IsNotExist(err) {
			log.Printf("Warning: failed to remove stale socket %s: %v", t.config.SocketPath, err)
		}
		listener, err = net.Listen("unix", t.config.SocketPath)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on socket %s: %w", t.config.SocketPath, err)
		}
		log.Printf("HTTP transport listening on unix:%s", t.config.SocketPath)
	} else {
		listener, err = net.Listen("tcp", t.config.Address)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", t.config.Address, err)
		}
		log.Printf("HTTP transport listening on %s (tls=%v)", listener.Addr(), t.IsTLSEnabled())
	}
	addr := listener.Addr()
	t.addr.Store(&addr)
	return listener, nil
}

// Serve handles messages until ctx ends or Close is called, on the listener
// bound by Listen or on a fresh one.
func (t *HTTPTransport) Serve(ctx context.Context, handler Handler) error {
	if t.closed.Load() {
		return nil
	}
	t.handler = handler

	var listener net.Listener
	var err error
	if l := t.pending.Swap(nil); l != nil {
		listener = *l
	} else if listener, err = t.listen(); err != nil {
		return err
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = t.Close()
		case <-t.shutdownCh:
		}
	}()

	if t.IsTLSEnabled() {
		err = t.server.ServeTLS(listener, "", "")
	} else {
		err = t.server.Serve(listener)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// WriteMessage broadcasts a message to all connected SSE clients
func (t *HTTPTransport) WriteMessage(msg *Message) error {
	if t.closed.Load() {
		return fmt.Errorf("transport is closed")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	t.BroadcastEvent("message", string(data))
	return nil
}

// Close shuts the server down. It is idempotent.
func (t *HTTPTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}

	close(t.shutdownCh)
	if l := t.pending.Swap(nil); l != nil {
		_ = (*l).Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := t.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	if t.config.SocketPath != "" {
		if err := os.Remove(t.config.SocketPath); err != nil && !os.IsNotExist(err) {
			log.Printf("Warning: failed to remove socket file %s: %v", t.config.SocketPath, err)
		}
	}

	return nil
}

// IsClosed returns whether the transport is closed
func (t *HTTPTransport) IsClosed() bool {
	return t.closed.Load()
}
