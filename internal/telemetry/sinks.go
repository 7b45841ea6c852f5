package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// WebSocketSink writes reports as JSON text frames to a logging endpoint.
// The connection is dialed lazily and dropped on any error, so the next
// push reconnects.
type WebSocketSink struct {
	url    string
	dialer *websocket.Dialer
	log    *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketSink creates a sink for the websocket endpoint at url.
func NewWebSocketSink(url string, log *zap.Logger) *WebSocketSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebSocketSink{
		url:    url,
		dialer: &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		log:    log,
	}
}

// Push sends r, dialing first when not connected.
func (s *WebSocketSink) Push(ctx context.Context, r Report) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		conn, resp, err := s.dialer.DialContext(ctx, s.url, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return fmt.Errorf("dial telemetry endpoint: %w", err)
		}
		s.log.Info("telemetry connected", zap.String("url", s.url))
		s.conn = conn
	}

	deadline := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		s.dropLocked()
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.dropLocked()
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

func (s *WebSocketSink) dropLocked() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
		s.log.Info("telemetry connection dropped", zap.String("url", s.url))
	}
}

// Close closes the connection if one is open.
func (s *WebSocketSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	closeErr := s.conn.Close()
	s.conn = nil
	return errors.Join(err, closeErr)
}

// RedisSink publishes reports on a redis channel. The go-redis client
// reconnects on its own.
type RedisSink struct {
	client  *redis.Client
	channel string
}

// NewRedisSink creates a sink publishing to channel on the redis server at addr.
func NewRedisSink(addr, channel string) *RedisSink {
	if channel == "" {
		channel = DefaultConfig().RedisChannel
	}
	return &RedisSink{
		client:  redis.NewClient(&redis.Options{Addr: addr}),
		channel: channel,
	}
}

// Push publishes r.
func (s *RedisSink) Push(ctx context.Context, r Report) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish report: %w", err)
	}
	return nil
}

// Close closes the redis client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

// NewSink builds the sink selected by cfg.
func NewSink(cfg Config, log *zap.Logger) Sink {
	switch {
	case cfg.URL != "":
		return NewWebSocketSink(cfg.URL, log)
	case cfg.RedisAddr != "":
		return NewRedisSink(cfg.RedisAddr, cfg.RedisChannel)
	default:
		return NopSink{}
	}
}
