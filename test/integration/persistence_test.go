// Package integration exercises the persistence server end to end over a
// real WebSocket connection and a real sqlite database.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gochat-persistence/internal/auth"
	"github.com/Tyrowin/gochat-persistence/internal/protocol"
	"github.com/Tyrowin/gochat-persistence/internal/store"
	"github.com/Tyrowin/gochat-persistence/test/testhelpers"
)

// TestAuthenticateOrRegisterFlow walks a new user through registration,
// a repeat login and a wrong password.
func TestAuthenticateOrRegisterFlow(t *testing.T) {
	stack := testhelpers.StartStack(t, nil)
	conn := stack.Connect(t)
	username := "user-" + uuid.NewString()

	first := testhelpers.RoundTrip(t, conn, testhelpers.Request("authenticate", "actor-1", map[string]any{
		"username": username,
		"password": "correct horse",
	}))
	testhelpers.AssertBool(t, first, "authenticated", true)
	testhelpers.AssertBool(t, first, "created", true)
	testhelpers.AssertString(t, first, "username", username)

	var header map[string]any
	testhelpers.Field(t, first, "header", &header)
	if header["actor"] != "actor-1" || header["action"] != "authenticate" {
		t.Errorf("Header not echoed: %v", header)
	}

	var token auth.Token
	testhelpers.Field(t, first, "token", &token)
	if !stack.Tokens.Validate(token) {
		t.Errorf("Issued token does not validate: %+v", token)
	}
	if remaining := time.Until(token.ExpiresAt()); remaining < 899*time.Second {
		t.Errorf("Token lifetime %v, want at least 899s", remaining)
	}

	second := testhelpers.RoundTrip(t, conn, testhelpers.Request("authenticate", "actor-2", map[string]any{
		"username": username,
		"password": "correct horse",
	}))
	testhelpers.AssertBool(t, second, "authenticated", true)
	testhelpers.AssertBool(t, second, "created", false)

	wrong := testhelpers.RoundTrip(t, conn, testhelpers.Request("authenticate", "actor-3", map[string]any{
		"username": username,
		"password": "battery staple",
	}))
	testhelpers.AssertBool(t, wrong, "authenticated", false)
	testhelpers.AssertBool(t, wrong, "created", false)
	if _, ok := wrong["token"]; ok {
		t.Error("A rejected login must not carry a token")
	}
}

// TestTokenAction verifies tokens issued over the wire validate over the
// wire and tampered ones do not.
func TestTokenAction(t *testing.T) {
	stack := testhelpers.StartStack(t, nil)
	conn := stack.Connect(t)

	login := testhelpers.RoundTrip(t, conn, testhelpers.Request("authenticate", nil, map[string]any{
		"username": "tok-" + uuid.NewString(),
		"password": "pw",
	}))
	var token auth.Token
	testhelpers.Field(t, login, "token", &token)

	valid := testhelpers.RoundTrip(t, conn, testhelpers.Request("token", nil, map[string]any{"token": token}))
	testhelpers.AssertBool(t, valid, "valid", true)
	testhelpers.AssertString(t, valid, "username", token.Username)

	token.Expiry++
	tampered := testhelpers.RoundTrip(t, conn, testhelpers.Request("token", nil, map[string]any{"token": token}))
	testhelpers.AssertBool(t, tampered, "valid", false)
}

// TestHistoryWindow sends 200 messages one request at a time and expects
// the last 150 back in the order they were sent.
func TestHistoryWindow(t *testing.T) {
	stack := testhelpers.StartStack(t, nil)
	conn := stack.Connect(t)
	room := "room-" + uuid.NewString()

	for i := 0; i < 200; i++ {
		testhelpers.Send(t, conn, testhelpers.Request("message", nil, map[string]any{
			"room": room, "sender": "bot", "content": fmt.Sprintf("line %03d", i), "command": i%10 == 0,
		}))
	}

	stored := waitForHistory(t, stack.Connect(t), room, store.DefaultHistoryLimit, "line 199")
	for i, line := range stored {
		want := fmt.Sprintf("line %03d", 50+i)
		if line.Content != want {
			t.Fatalf("list[%d] = %q, want %q", i, line.Content, want)
		}
		if line.Command != ((50+i)%10 == 0) {
			t.Errorf("list[%d] command flag lost", i)
		}
		if line.Room != "" {
			t.Errorf("history entries should not repeat the room")
		}
	}
}

// TestHistoryBatch stores a list of lines from one request and reads them
// back in list order.
func TestHistoryBatch(t *testing.T) {
	stack := testhelpers.StartStack(t, nil)
	conn := stack.Connect(t)
	room := "room-" + uuid.NewString()

	lines := make([]map[string]any, 20)
	for i := range lines {
		lines[i] = map[string]any{"sender": "bot", "content": fmt.Sprintf("batch %02d", i), "command": false}
	}
	testhelpers.Send(t, conn, testhelpers.Request("message", nil, map[string]any{"room": room, "list": lines}))

	stored := waitForHistory(t, conn, room, len(lines), "batch 19")
	for i, line := range stored {
		if want := fmt.Sprintf("batch %02d", i); line.Content != want {
			t.Errorf("list[%d] = %q, want %q", i, line.Content, want)
		}
	}
}

// waitForHistory polls the room until it holds n lines ending with last.
func waitForHistory(t *testing.T, conn *websocket.Conn, room string, n int, last string) []protocol.Line {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		var list []protocol.Line
		resp := testhelpers.RoundTrip(t, conn, testhelpers.Request("history", nil, map[string]any{"room": room}))
		testhelpers.Field(t, resp, "list", &list)
		if len(list) == n && list[n-1].Content == last {
			return list
		}
		if time.Now().After(deadline) {
			t.Fatalf("history has %d lines, want %d ending with %q", len(list), n, last)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// TestHistoryEmptyRoom verifies an unknown room yields an empty list.
func TestHistoryEmptyRoom(t *testing.T) {
	stack := testhelpers.StartStack(t, nil)
	conn := stack.Connect(t)

	resp := testhelpers.RoundTrip(t, conn, testhelpers.Request("history", nil, map[string]any{"room": "nobody-" + uuid.NewString()}))
	if string(resp["list"]) != "[]" {
		t.Errorf("list = %s, want []", resp["list"])
	}
}

// TestRoomLoadIsIdempotent verifies the first load creates the room and
// later loads return it unchanged until the topic is changed explicitly.
func TestRoomLoadIsIdempotent(t *testing.T) {
	stack := testhelpers.StartStack(t, nil)
	conn := stack.Connect(t)
	room := "room-" + uuid.NewString()

	first := testhelpers.RoundTrip(t, conn, testhelpers.Request("room", nil, map[string]any{
		"room": room, "topic": "T", "username": "A",
	}))
	testhelpers.AssertBool(t, first, "created", true)
	testhelpers.AssertString(t, first, "owner", "A")
	testhelpers.AssertString(t, first, "username", "A")
	testhelpers.AssertString(t, first, "topic", "T")

	second := testhelpers.RoundTrip(t, conn, testhelpers.Request("room", nil, map[string]any{
		"room": room, "topic": "other", "username": "B",
	}))
	testhelpers.AssertBool(t, second, "created", false)
	testhelpers.AssertString(t, second, "owner", "A")
	testhelpers.AssertString(t, second, "topic", "T")

	testhelpers.Send(t, conn, testhelpers.Request("topic", nil, map[string]any{"room": room, "topic": "news"}))
	testhelpers.ExpectNoResponse(t, conn, 100*time.Millisecond)

	conn = stack.Connect(t)
	third := testhelpers.RoundTrip(t, conn, testhelpers.Request("room", nil, map[string]any{"room": room, "username": "C"}))
	testhelpers.AssertString(t, third, "topic", "news")
	testhelpers.AssertString(t, third, "owner", "A")
}

// TestRoomDefaultTopic verifies a room created without a topic gets the
// default, while an explicitly empty topic is kept.
func TestRoomDefaultTopic(t *testing.T) {
	stack := testhelpers.StartStack(t, nil)
	conn := stack.Connect(t)

	resp := testhelpers.RoundTrip(t, conn, testhelpers.Request("room", nil, map[string]any{
		"room": "room-" + uuid.NewString(), "username": "A",
	}))
	testhelpers.AssertString(t, resp, "topic", store.DefaultTopic)

	empty := testhelpers.RoundTrip(t, conn, testhelpers.Request("room", nil, map[string]any{
		"room": "room-" + uuid.NewString(), "topic": "", "username": "A",
	}))
	testhelpers.AssertString(t, empty, "topic", "")
}

// TestUnknownActionIsDropped verifies unknown actions get no response but
// are counted.
func TestUnknownActionIsDropped(t *testing.T) {
	stack := testhelpers.StartStack(t, nil)
	conn := stack.Connect(t)

	testhelpers.Send(t, conn, testhelpers.Request("logging.io", nil, map[string]any{"in": 1}))
	testhelpers.ExpectNoResponse(t, conn, 150*time.Millisecond)

	if got := stack.Metrics.Requests.Load(); got != 1 {
		t.Errorf("requests = %d, want 1", got)
	}
}

// TestErrorEnvelope verifies an invalid request that expects a response
// gets an error envelope echoing the header.
func TestErrorEnvelope(t *testing.T) {
	stack := testhelpers.StartStack(t, nil)
	conn := stack.Connect(t)

	resp := testhelpers.RoundTrip(t, conn, testhelpers.Request("authenticate", 99, map[string]any{
		"username": "", "password": "pw",
	}))

	var body protocol.ErrorBody
	testhelpers.Field(t, resp, "error", &body)
	if body.Code != protocol.CodeInvalidRequest {
		t.Errorf("code = %q, want %q", body.Code, protocol.CodeInvalidRequest)
	}
	var header map[string]json.RawMessage
	testhelpers.Field(t, resp, "header", &header)
	if string(header["actor"]) != "99" {
		t.Errorf("actor = %s, want 99", header["actor"])
	}
}

// TestStorageUnavailable verifies requests fail with an error envelope
// once the database is gone, instead of going unanswered.
func TestStorageUnavailable(t *testing.T) {
	stack := testhelpers.StartStack(t, nil)
	conn := stack.Connect(t)

	if err := stack.DB.Close(context.Background()); err != nil {
		t.Fatalf("close db: %v", err)
	}

	resp := testhelpers.RoundTrip(t, conn, testhelpers.Request("history", nil, map[string]any{"room": "lobby"}))
	var body protocol.ErrorBody
	testhelpers.Field(t, resp, "error", &body)
	if body.Code != protocol.CodeStorageUnavailable {
		t.Errorf("code = %q, want %q", body.Code, protocol.CodeStorageUnavailable)
	}
}
