package protocol

import "github.com/Tyrowin/gochat-persistence/internal/auth"

// Error codes carried by ErrorResult.
const (
	CodeStorageUnavailable = "storage_unavailable"
	CodeStorageTimeout     = "storage_timeout"
	CodeInvalidRequest     = "invalid_request"
	CodeInternal           = "internal"
	CodeRateLimited        = "rate_limited"
)

// AuthenticateResult answers Authenticate.
type AuthenticateResult struct {
	Header        Header      `json:"header"`
	Authenticated bool        `json:"authenticated"`
	Created       bool        `json:"created"`
	Username      string      `json:"username"`
	Token         *auth.Token `json:"token,omitempty"`
}

// HistoryResult answers HistoryQuery. List is never null.
type HistoryResult struct {
	Header Header `json:"header"`
	Room   string `json:"room"`
	List   []Line `json:"list"`
}

// RoomResult answers RoomLoad. Owner and Username hold the same value;
// older front ends read username.
type RoomResult struct {
	Header   Header `json:"header"`
	Room     string `json:"room"`
	Topic    string `json:"topic"`
	Owner    string `json:"owner"`
	Username string `json:"username"`
	Created  bool   `json:"created"`
}

// TokenResult answers TokenCheck.
type TokenResult struct {
	Header   Header `json:"header"`
	Valid    bool   `json:"valid"`
	Username string `json:"username,omitempty"`
}

// ErrorBody describes why a request produced no result.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResult is sent instead of a result when a request that expects a
// response fails.
type ErrorResult struct {
	Header Header    `json:"header"`
	Error  ErrorBody `json:"error"`
}
