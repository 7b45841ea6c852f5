package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Variants(t *testing.T) {
	tests := []struct {
		name  string
		input string
		check func(t *testing.T, req Request)
	}{
		{
			name:  "authenticate",
			input: `{"header":{"action":"authenticate","actor":"conn-1"},"username":"alice","password":"pw"}`,
			check: func(t *testing.T, req Request) {
				a, ok := req.(*Authenticate)
				require.True(t, ok, "got %T", req)
				assert.Equal(t, "alice", a.Username)
				assert.Equal(t, "pw", a.Password)
				assert.JSONEq(t, `"conn-1"`, string(a.Head().Actor))
			},
		},
		{
			name:  "message",
			input: `{"header":{"action":"message"},"sender":"bob","content":"hi","room":"lobby","command":true}`,
			check: func(t *testing.T, req Request) {
				m, ok := req.(*ChatMessage)
				require.True(t, ok, "got %T", req)
				assert.Equal(t, []Line{{Sender: "bob", Content: "hi", Room: "lobby", Command: true}}, m.Lines())
			},
		},
		{
			name:  "history",
			input: `{"header":{"action":"history"},"room":"lobby"}`,
			check: func(t *testing.T, req Request) {
				h, ok := req.(*HistoryQuery)
				require.True(t, ok, "got %T", req)
				assert.Equal(t, "lobby", h.Room)
			},
		},
		{
			name:  "topic",
			input: `{"header":{"action":"topic"},"room":"lobby","topic":"news"}`,
			check: func(t *testing.T, req Request) {
				c, ok := req.(*TopicChange)
				require.True(t, ok, "got %T", req)
				assert.Equal(t, "news", c.Topic)
			},
		},
		{
			name:  "room without topic",
			input: `{"header":{"action":"room"},"room":"lobby","username":"carol"}`,
			check: func(t *testing.T, req Request) {
				r, ok := req.(*RoomLoad)
				require.True(t, ok, "got %T", req)
				assert.Nil(t, r.Topic)
				assert.Equal(t, "carol", r.Username)
			},
		},
		{
			name:  "room with topic",
			input: `{"header":{"action":"room"},"room":"lobby","topic":"welcome","username":"carol"}`,
			check: func(t *testing.T, req Request) {
				r := req.(*RoomLoad)
				require.NotNil(t, r.Topic)
				assert.Equal(t, "welcome", *r.Topic)
			},
		},
		{
			name:  "token",
			input: `{"header":{"action":"token"},"token":{"username":"dave","expiry":42,"key":"ab"}}`,
			check: func(t *testing.T, req Request) {
				c, ok := req.(*TokenCheck)
				require.True(t, ok, "got %T", req)
				assert.Equal(t, "dave", c.Token.Username)
				assert.Equal(t, int64(42), c.Token.Expiry)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := Decode([]byte(tt.input))
			require.NoError(t, err)
			tt.check(t, req)
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{name: "not json", input: `hello`, want: ErrMalformed},
		{name: "no header", input: `{"username":"x"}`, want: ErrMalformed},
		{name: "empty action", input: `{"header":{"action":""}}`, want: ErrMalformed},
		{name: "header not object", input: `{"header":"authenticate"}`, want: ErrMalformed},
		{name: "wrong field type", input: `{"header":{"action":"message"},"command":"yes"}`, want: ErrMalformed},
		{name: "unknown action", input: `{"header":{"action":"logging.io"}}`, want: ErrUnknownAction},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := Decode([]byte(tt.input))
			assert.Nil(t, req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestHeader_EchoedVerbatim(t *testing.T) {
	input := `{"header":{"action":"history","actor":{"id":7,"server":"fe-2"},"trace":"abc"},"room":"lobby"}`
	req, err := Decode([]byte(input))
	require.NoError(t, err)

	out, err := json.Marshal(HistoryResult{Header: req.Head(), Room: "lobby", List: []Line{}})
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.JSONEq(t, `{"action":"history","actor":{"id":7,"server":"fe-2"},"trace":"abc"}`, string(decoded["header"]))
	assert.JSONEq(t, `[]`, string(decoded["list"]))
}

func TestNewHeader(t *testing.T) {
	h, err := NewHeader(ActionRoom, "actor-9")
	require.NoError(t, err)

	out, err := json.Marshal(h)
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"room","actor":"actor-9"}`, string(out))

	bare, err := NewHeader(ActionTopic, nil)
	require.NoError(t, err)
	out, err = json.Marshal(bare)
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"topic"}`, string(out))
}

func TestChatMessage_ListInheritsRoom(t *testing.T) {
	input := `{"header":{"action":"message"},"room":"lobby","list":[
		{"sender":"a","content":"1"},
		{"sender":"b","content":"2","room":"side","command":true}
	]}`
	req, err := Decode([]byte(input))
	require.NoError(t, err)

	lines := req.(*ChatMessage).Lines()
	assert.Equal(t, []Line{
		{Sender: "a", Content: "1", Room: "lobby"},
		{Sender: "b", Content: "2", Room: "side", Command: true},
	}, lines)
}

func TestErrorResult_JSON(t *testing.T) {
	h, err := NewHeader(ActionAuthenticate, 1)
	require.NoError(t, err)

	out, err := json.Marshal(ErrorResult{Header: h, Error: ErrorBody{Code: CodeStorageTimeout, Message: "timed out"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"header":{"action":"authenticate","actor":1},"error":{"code":"storage_timeout","message":"timed out"}}`, string(out))
}

func TestOrderedAndAnswered(t *testing.T) {
	tests := []struct {
		req      Request
		ordered  bool
		answered bool
	}{
		{req: &Authenticate{}, answered: true},
		{req: &ChatMessage{}, ordered: true},
		{req: &HistoryQuery{}, answered: true},
		{req: &TopicChange{}, ordered: true},
		{req: &RoomLoad{}, answered: true},
		{req: &TokenCheck{}, answered: true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.ordered, Ordered(tt.req), "Ordered(%T)", tt.req)
		assert.Equal(t, tt.answered, Answered(tt.req), "Answered(%T)", tt.req)
	}
}
