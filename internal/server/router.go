// Package server routes decoded requests to the account, room, history and
// token services and writes their results back to the originating connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-persistence/internal/account"
	"github.com/Tyrowin/gochat-persistence/internal/auth"
	"github.com/Tyrowin/gochat-persistence/internal/protocol"
	"github.com/Tyrowin/gochat-persistence/internal/store"
)

var (
	// errInvalidRequest marks requests missing a field the handler needs.
	errInvalidRequest = errors.New("invalid request")
	// errRateLimited marks requests refused by the connection's rate limiter.
	errRateLimited = errors.New("rate limit exceeded")
)

// ResponseWriter delivers one response to the connection a request came from.
type ResponseWriter interface {
	Send(v any) error
}

// Metrics counts routed traffic.
type Metrics interface {
	Request()
	Response()
}

// Authenticator authenticates users, registering unknown ones.
type Authenticator interface {
	AuthenticateOrRegister(ctx context.Context, username, password string) (account.Result, error)
}

// RoomRegistry stores room metadata.
type RoomRegistry interface {
	LoadOrCreate(ctx context.Context, name, owner string, topic *string) (store.RoomState, error)
	SetTopic(ctx context.Context, name, topic string) error
}

// HistoryStore stores room messages.
type HistoryStore interface {
	Append(ctx context.Context, msgs ...store.Message) error
	Recent(ctx context.Context, room string) ([]store.Message, error)
}

// TokenChecker validates session tokens.
type TokenChecker interface {
	Check(t auth.Token) error
}

// Services are the collaborators a Router dispatches to.
type Services struct {
	Accounts Authenticator
	Rooms    RoomRegistry
	History  HistoryStore
	Tokens   TokenChecker
}

// Router maps each request variant to its handler. It keeps no state
// between requests and is safe for concurrent use.
type Router struct {
	svc     Services
	metrics Metrics
	timeout time.Duration
	log     *zap.Logger
}

type nopMetrics struct{}

func (nopMetrics) Request()  {}
func (nopMetrics) Response() {}

// NewRouter creates a Router. A nil metrics discards counts; timeout <= 0
// uses the default handler timeout.
func NewRouter(svc Services, metrics Metrics, timeout time.Duration, log *zap.Logger) *Router {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if timeout <= 0 {
		timeout = defaultHandlerTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{svc: svc, metrics: metrics, timeout: timeout, log: log}
}

// Handle decodes a raw envelope and dispatches it.
func (r *Router) Handle(ctx context.Context, w ResponseWriter, raw []byte) {
	if req, ok := r.Decode(raw); ok {
		r.Dispatch(ctx, w, req)
	}
}

// Decode parses a raw envelope. Malformed payloads and unknown actions are
// logged and reported as not ok: neither has a header that is safe to answer.
func (r *Router) Decode(raw []byte) (protocol.Request, bool) {
	req, err := protocol.Decode(raw)
	switch {
	case errors.Is(err, protocol.ErrUnknownAction):
		r.metrics.Request()
		r.log.Debug("dropping request with unknown action", zap.Error(err))
		return nil, false
	case err != nil:
		r.log.Warn("dropping malformed request", zap.Error(err), zap.Int("bytes", len(raw)))
		return nil, false
	}
	return req, true
}

// Reject refuses req without running it. Actions with a response get an
// error envelope for reason; the others are logged with their rooms so the
// lost writes can be traced.
func (r *Router) Reject(w ResponseWriter, req protocol.Request, reason error) {
	r.metrics.Request()

	action := req.Head().Action
	code := errorCode(reason)
	if !protocol.Answered(req) {
		fields := []zap.Field{zap.String("action", action), zap.String("code", code)}
		switch req := req.(type) {
		case *protocol.ChatMessage:
			lines := req.Lines()
			fields = append(fields, zap.Strings("rooms", roomsOf(lines)), zap.Int("lines", len(lines)))
		case *protocol.TopicChange:
			fields = append(fields, zap.String("room", req.Room))
		}
		r.log.Warn("dropping rejected request", fields...)
		return
	}

	r.log.Debug("rejecting request", zap.String("action", action), zap.String("code", code))
	r.send(w, action, protocol.ErrorResult{
		Header: req.Head(),
		Error:  protocol.ErrorBody{Code: code, Message: reason.Error()},
	})
}

func roomsOf(lines []protocol.Line) []string {
	seen := make(map[string]struct{}, len(lines))
	rooms := make([]string, 0, 1)
	for _, l := range lines {
		if _, ok := seen[l.Room]; ok {
			continue
		}
		seen[l.Room] = struct{}{}
		rooms = append(rooms, l.Room)
	}
	return rooms
}

// Dispatch runs the handler for req under the handler timeout. Actions with
// a response get either their result or an error envelope; fire-and-forget
// actions only log failures.
func (r *Router) Dispatch(ctx context.Context, w ResponseWriter, req protocol.Request) {
	r.metrics.Request()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		resp  any
		err   error
		reply = protocol.Answered(req)
	)
	switch req := req.(type) {
	case *protocol.Authenticate:
		resp, err = r.authenticate(ctx, req)
	case *protocol.ChatMessage:
		err = r.message(ctx, req)
	case *protocol.HistoryQuery:
		resp, err = r.history(ctx, req)
	case *protocol.TopicChange:
		err = r.topic(ctx, req)
	case *protocol.RoomLoad:
		resp, err = r.room(ctx, req)
	case *protocol.TokenCheck:
		resp = r.token(req)
	default:
		r.log.Error("no handler for request type", zap.String("type", fmt.Sprintf("%T", req)))
		return
	}

	action := req.Head().Action
	if err != nil {
		code := errorCode(err)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			code = protocol.CodeStorageTimeout
		}
		r.log.Warn("request failed", zap.String("action", action), zap.String("code", code), zap.Error(err))
		if !reply || errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		resp = protocol.ErrorResult{
			Header: req.Head(),
			Error:  protocol.ErrorBody{Code: code, Message: err.Error()},
		}
	}
	if !reply {
		return
	}
	r.send(w, action, resp)
}

func (r *Router) send(w ResponseWriter, action string, resp any) {
	if err := w.Send(resp); err != nil {
		r.log.Warn("response not delivered", zap.String("action", action), zap.Error(err))
		return
	}
	r.metrics.Response()
}

// errorCode classifies a handler error for the error envelope. Deadline
// checks come first: a timed out query is also reported as unavailable.
func errorCode(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.CodeStorageTimeout
	case errors.Is(err, errRateLimited):
		return protocol.CodeRateLimited
	case errors.Is(err, errInvalidRequest), errors.Is(err, account.ErrInvalidUsername):
		return protocol.CodeInvalidRequest
	case errors.Is(err, store.ErrUnavailable):
		return protocol.CodeStorageUnavailable
	default:
		return protocol.CodeInternal
	}
}

func (r *Router) authenticate(ctx context.Context, req *protocol.Authenticate) (any, error) {
	result, err := r.svc.Accounts.AuthenticateOrRegister(ctx, req.Username, req.Password)
	if err != nil {
		return nil, err
	}
	return protocol.AuthenticateResult{
		Header:        req.Head(),
		Authenticated: result.Authenticated,
		Created:       result.Created,
		Username:      result.Username,
		Token:         result.Token,
	}, nil
}

func (r *Router) message(ctx context.Context, req *protocol.ChatMessage) error {
	lines := req.Lines()
	msgs := make([]store.Message, 0, len(lines))
	for _, l := range lines {
		if l.Room == "" {
			return fmt.Errorf("%w: message without room", errInvalidRequest)
		}
		msgs = append(msgs, store.Message{Room: l.Room, Sender: l.Sender, Content: l.Content, Command: l.Command})
	}
	return r.svc.History.Append(ctx, msgs...)
}

func (r *Router) history(ctx context.Context, req *protocol.HistoryQuery) (any, error) {
	if req.Room == "" {
		return nil, fmt.Errorf("%w: history without room", errInvalidRequest)
	}
	msgs, err := r.svc.History.Recent(ctx, req.Room)
	if err != nil {
		return nil, err
	}

	list := make([]protocol.Line, len(msgs))
	for i, m := range msgs {
		list[i] = protocol.Line{Sender: m.Sender, Content: m.Content, Command: m.Command}
	}
	return protocol.HistoryResult{Header: req.Head(), Room: req.Room, List: list}, nil
}

func (r *Router) topic(ctx context.Context, req *protocol.TopicChange) error {
	if req.Room == "" {
		return fmt.Errorf("%w: topic without room", errInvalidRequest)
	}
	err := r.svc.Rooms.SetTopic(ctx, req.Room, req.Topic)
	if errors.Is(err, store.ErrNotFound) {
		r.log.Debug("topic change for unknown room", zap.String("room", req.Room))
		return nil
	}
	return err
}

func (r *Router) room(ctx context.Context, req *protocol.RoomLoad) (any, error) {
	if req.Room == "" {
		return nil, fmt.Errorf("%w: room without name", errInvalidRequest)
	}
	state, err := r.svc.Rooms.LoadOrCreate(ctx, req.Room, req.Username, req.Topic)
	if err != nil {
		return nil, err
	}
	return protocol.RoomResult{
		Header:   req.Head(),
		Room:     state.Room,
		Topic:    state.Topic,
		Owner:    state.Owner,
		Username: state.Owner,
		Created:  state.Created,
	}, nil
}

func (r *Router) token(req *protocol.TokenCheck) any {
	result := protocol.TokenResult{Header: req.Head()}
	if err := r.svc.Tokens.Check(req.Token); err != nil {
		r.log.Debug("token rejected", zap.String("username", req.Token.Username), zap.Error(err))
		return result
	}
	result.Valid = true
	result.Username = req.Token.Username
	return result
}
