// Package testhelpers provides common utilities and helper functions for
// testing the persistence server end to end.
//
// It starts a complete stack (sqlite store, hasher, token authority, router,
// hub) behind an httptest server and offers helpers to exchange protocol
// envelopes over a WebSocket connection.
package testhelpers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gochat-persistence/internal/account"
	"github.com/Tyrowin/gochat-persistence/internal/auth"
	"github.com/Tyrowin/gochat-persistence/internal/server"
	"github.com/Tyrowin/gochat-persistence/internal/store"
)

// TestOrigin is an origin the default test configuration allows.
const TestOrigin = "http://localhost:8080"

// FastHashParams keeps scrypt cheap enough for tests.
var FastHashParams = auth.HashParams{LogN: 10, R: 8, P: 1, KeyLen: 32}

// Counter is a server.Metrics that counts traffic.
type Counter struct {
	Requests  atomic.Int64
	Responses atomic.Int64
}

// Request counts one request.
func (c *Counter) Request() { c.Requests.Add(1) }

// Response counts one response.
func (c *Counter) Response() { c.Responses.Add(1) }

// Stack is a running persistence server.
type Stack struct {
	DB      *store.DB
	Tokens  *auth.Authority
	Hub     *server.Hub
	Server  *httptest.Server
	Metrics *Counter
	WSURL   string
}

// StartStack starts a persistence server on a fresh database. customize,
// when non-nil, adjusts the transport configuration. Everything is torn
// down with the test.
func StartStack(t *testing.T, customize func(cfg *server.Config)) *Stack {
	t.Helper()

	db, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "persistence.db")}, nil)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}

	tokens, err := auth.NewAuthority([]byte("integration-secret"))
	if err != nil {
		t.Fatalf("Failed to create token authority: %v", err)
	}

	cfg := server.DefaultConfig()
	cfg.AllowedOrigins = []string{TestOrigin}
	if customize != nil {
		customize(&cfg)
	}

	metrics := &Counter{}
	router := server.NewRouter(server.Services{
		Accounts: account.NewDirectory(db.Accounts(), auth.NewHasher(FastHashParams, 4), tokens, nil),
		Rooms:    db.Rooms(),
		History:  db.History(),
		Tokens:   tokens,
	}, metrics, cfg.HandlerTimeout, nil)

	hub := server.NewHub(cfg, router, nil)
	go hub.Run()

	srv := httptest.NewServer(server.SetupRoutes(hub, db))

	s := &Stack{
		DB:      db,
		Tokens:  tokens,
		Hub:     hub,
		Server:  srv,
		Metrics: metrics,
		WSURL:   "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
	t.Cleanup(func() {
		srv.Close()
		if err := hub.ShutdownTimeout(5 * time.Second); err != nil {
			t.Errorf("Hub shutdown failed: %v", err)
		}
		_ = db.Close(context.Background())
	})
	return s
}

// Connect opens a WebSocket connection to the stack, closed with the test.
func (s *Stack) Connect(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, err := ConnectWebSocket(s.WSURL)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// ConnectWebSocket creates a WebSocket connection to the specified URL.
// It returns the connection or an error if connection fails.
func ConnectWebSocket(url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	headers.Set("Origin", TestOrigin)

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// Request builds an envelope for action with the given header actor and
// body fields.
func Request(action string, actor any, fields map[string]any) map[string]any {
	header := map[string]any{"action": action}
	if actor != nil {
		header["actor"] = actor
	}
	env := map[string]any{"header": header}
	for k, v := range fields {
		env[k] = v
	}
	return env
}

// Send writes v as one JSON text frame.
func Send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("Failed to send request: %v", err)
	}
}

// Receive reads one response, failing the test after timeout.
func Receive(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]json.RawMessage {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	var resp map[string]json.RawMessage
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	return resp
}

// RoundTrip sends v and reads one response.
func RoundTrip(t *testing.T, conn *websocket.Conn, v any) map[string]json.RawMessage {
	t.Helper()
	Send(t, conn, v)
	return Receive(t, conn, 5*time.Second)
}

// ExpectNoResponse fails the test if anything arrives within wait.
func ExpectNoResponse(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	if _, msg, err := conn.ReadMessage(); err == nil {
		t.Errorf("Expected no response, got %s", msg)
	}
}

// Field decodes one response field into out.
func Field(t *testing.T, resp map[string]json.RawMessage, name string, out any) {
	t.Helper()
	raw, ok := resp[name]
	if !ok {
		t.Fatalf("Response has no %q field: %v", name, resp)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("Field %q: %v", name, err)
	}
}

// AssertBool checks a boolean response field.
func AssertBool(t *testing.T, resp map[string]json.RawMessage, name string, want bool) {
	t.Helper()
	var got bool
	Field(t, resp, name, &got)
	if got != want {
		t.Errorf("Field %s = %v, want %v", name, got, want)
	}
}

// AssertString checks a string response field.
func AssertString(t *testing.T, resp map[string]json.RawMessage, name, want string) {
	t.Helper()
	var got string
	Field(t, resp, name, &got)
	if got != want {
		t.Errorf("Field %s = %q, want %q", name, got, want)
	}
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}
