// Package protocol defines the JSON envelopes exchanged with front-end chat
// servers. Every request carries a header whose action selects one of a
// closed set of request types; every response echoes that header verbatim.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Tyrowin/gochat-persistence/internal/auth"
)

// Action names.
const (
	ActionAuthenticate = "authenticate"
	ActionMessage      = "message"
	ActionHistory      = "history"
	ActionTopic        = "topic"
	ActionRoom         = "room"
	ActionToken        = "token"
)

var (
	// ErrMalformed is returned for payloads that are not a JSON envelope
	// with a header action.
	ErrMalformed = errors.New("malformed request")
	// ErrUnknownAction is returned for a well-formed envelope whose action
	// has no request type.
	ErrUnknownAction = errors.New("unknown action")
)

// Header is the routing part of an envelope. The raw bytes it was decoded
// from are kept so responses echo fields this server does not know about.
type Header struct {
	Action string
	Actor  json.RawMessage
	raw    json.RawMessage
}

type headerFields struct {
	Action string          `json:"action"`
	Actor  json.RawMessage `json:"actor,omitempty"`
}

// UnmarshalJSON decodes the header and remembers its raw form.
func (h *Header) UnmarshalJSON(data []byte) error {
	var f headerFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	h.Action = f.Action
	h.Actor = f.Actor
	h.raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON writes the header exactly as it was received, or builds it
// from Action and Actor when it was constructed in code.
func (h Header) MarshalJSON() ([]byte, error) {
	if len(h.raw) > 0 {
		return h.raw, nil
	}
	return json.Marshal(headerFields{Action: h.Action, Actor: h.Actor})
}

// NewHeader builds a header for action with an optional actor value.
func NewHeader(action string, actor any) (Header, error) {
	h := Header{Action: action}
	if actor != nil {
		raw, err := json.Marshal(actor)
		if err != nil {
			return Header{}, fmt.Errorf("marshal actor: %w", err)
		}
		h.Actor = raw
	}
	return h, nil
}

// Envelope is embedded by every request type.
type Envelope struct {
	Header Header `json:"header"`
}

// Head returns the request header.
func (e Envelope) Head() Header { return e.Header }

func (Envelope) isRequest() {}

// Request is implemented only by the request types of this package.
type Request interface {
	Head() Header
	isRequest()
}

// Ordered reports whether req changes stored state. A connection applies
// such requests one at a time, in the order they arrived.
func Ordered(req Request) bool {
	switch req.(type) {
	case *ChatMessage, *TopicChange:
		return true
	}
	return false
}

// Answered reports whether the action of req has a response.
func Answered(req Request) bool {
	switch req.(type) {
	case *Authenticate, *HistoryQuery, *RoomLoad, *TokenCheck:
		return true
	}
	return false
}

// Authenticate asks to log in, registering the account on first use.
type Authenticate struct {
	Envelope
	Username string `json:"username"`
	Password string `json:"password"`
}

// Line is one chat message as stored and as returned in history lists.
type Line struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
	Room    string `json:"room,omitempty"`
	Command bool   `json:"command"`
}

// ChatMessage appends to a room history. When List is set every entry is
// stored in one batch; entries without a room use Room.
type ChatMessage struct {
	Envelope
	Sender  string `json:"sender"`
	Content string `json:"content"`
	Room    string `json:"room"`
	Command bool   `json:"command"`
	List    []Line `json:"list,omitempty"`
}

// Lines returns the messages to store.
func (m *ChatMessage) Lines() []Line {
	if len(m.List) == 0 {
		return []Line{{Sender: m.Sender, Content: m.Content, Room: m.Room, Command: m.Command}}
	}
	lines := make([]Line, len(m.List))
	for i, l := range m.List {
		if l.Room == "" {
			l.Room = m.Room
		}
		lines[i] = l
	}
	return lines
}

// HistoryQuery asks for the recent history of a room.
type HistoryQuery struct {
	Envelope
	Room string `json:"room"`
}

// TopicChange sets the topic of a room.
type TopicChange struct {
	Envelope
	Room  string `json:"room"`
	Topic string `json:"topic"`
}

// RoomLoad loads a room, creating it owned by Username when absent.
type RoomLoad struct {
	Envelope
	Room     string  `json:"room"`
	Topic    *string `json:"topic,omitempty"`
	Username string  `json:"username"`
}

// TokenCheck asks whether a session token is valid.
type TokenCheck struct {
	Envelope
	Token auth.Token `json:"token"`
}

// Decode parses a raw envelope into its request type.
func Decode(data []byte) (Request, error) {
	var head Envelope
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if head.Header.Action == "" {
		return nil, fmt.Errorf("%w: missing header action", ErrMalformed)
	}

	var req Request
	switch head.Header.Action {
	case ActionAuthenticate:
		req = &Authenticate{}
	case ActionMessage:
		req = &ChatMessage{}
	case ActionHistory:
		req = &HistoryQuery{}
	case ActionTopic:
		req = &TopicChange{}
	case ActionRoom:
		req = &RoomLoad{}
	case ActionToken:
		req = &TokenCheck{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, head.Header.Action)
	}

	if err := json.Unmarshal(data, req); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, head.Header.Action, err)
	}
	return req, nil
}
