// Package server manages individual WebSocket connections from front-end
// chat servers, handling read/write pumps, rate limiting, and lifecycle
// control for each connection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/gochat-persistence/internal/protocol"
)

const (
	pongWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
	writeWait    = 10 * time.Second
	sendQueueLen = 256
)

var (
	errClientClosed  = errors.New("client closed")
	errSendQueueFull = errors.New("send queue full")
)

// Client represents one connected front-end server. Requests that change
// stored state (messages, topic changes) are applied one at a time in
// arrival order; all other requests run concurrently, bounded by
// MaxInFlight. Responses are queued for the write pump.
type Client struct {
	id             string
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
	log            *zap.Logger

	ctx         context.Context
	cancel      context.CancelFunc
	inflight    errgroup.Group
	ordered     chan protocol.Request
	orderedDone chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewClient creates a new Client for conn using the hub's configuration.
// The client's send channel is buffered to handle response queuing.
func NewClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	cfg := hub.cfg
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(hub.ctx)
	c := &Client{
		id:             id,
		conn:           conn,
		send:           make(chan []byte, sendQueueLen),
		hub:            hub,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit),
		rateLimit:      cfg.RateLimit,
		log:            hub.log.With(zap.String("conn", id), zap.String("addr", addr)),
		ctx:            ctx,
		cancel:         cancel,
		ordered:        make(chan protocol.Request, sendQueueLen),
		orderedDone:    make(chan struct{}),
	}
	c.inflight.SetLimit(cfg.MaxInFlight)
	return c
}

// ID returns the connection id used in log fields.
func (c *Client) ID() string {
	return c.id
}

// GetSendChan returns the client's send channel for reading outgoing messages.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

// Send encodes v and queues it for the write pump. It never blocks: a
// full queue means the peer stopped reading and the response is dropped.
func (c *Client) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return errSendQueueFull
	}
}

// close stops accepting responses and lets the write pump drain and exit.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn("error setting initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Warn("error setting read deadline in pong handler", zap.Error(err))
		}
		return nil
	})
}

// handleReadError logs the read error at a level matching its cause.
// Every read error ends the read loop.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("request exceeded maximum size", zap.Int64("limit", c.maxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Info("peer disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Info("connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.log.Warn("unexpected websocket close", zap.Error(err))
	default:
		c.log.Warn("websocket read error", zap.Error(err))
	}
}

// checkRateLimit reports whether the next request may be processed.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.log.Warn("rate limit exceeded, rejecting request",
			zap.Int("burst", c.rateLimit.Burst),
			zap.Duration("interval", c.rateLimit.RefillInterval))
		return false
	}
	return true
}

// dispatch decodes a raw request and routes it. Ordered requests are queued
// for the ordered worker; the rest run on their own goroutine. Both paths
// block when full, so a busy connection stops reading instead of queueing
// without bound.
func (c *Client) dispatch(raw []byte, allowed bool) {
	router := c.hub.router
	req, ok := router.Decode(raw)
	if !ok {
		return
	}
	if !allowed {
		router.Reject(c, req, errRateLimited)
		return
	}

	if protocol.Ordered(req) {
		c.ordered <- req
		return
	}
	c.inflight.Go(func() error {
		router.Dispatch(c.ctx, c, req)
		return nil
	})
}

// applyOrdered runs queued state changes one at a time until the queue is
// closed.
func (c *Client) applyOrdered() {
	defer close(c.orderedDone)
	for req := range c.ordered {
		c.hub.router.Dispatch(c.ctx, c, req)
	}
}

func (c *Client) readPump() {
	go c.applyOrdered()

	defer func() {
		// Writes already read from the peer are still applied; only then
		// are outstanding reads cancelled.
		close(c.ordered)
		<-c.orderedDone
		c.cancel()
		_ = c.inflight.Wait()
		c.hub.unregisterClient(c)
		c.close()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Warn("error closing connection in readPump", zap.Error(err))
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		c.dispatch(raw, c.checkRateLimit())
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Warn("error closing connection in writePump", zap.Error(err))
	}
}

// handleMessage writes one outgoing response and returns false if the connection should be closed
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn("error setting write deadline", zap.Error(err))
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	return c.writeTextMessage(message)
}

// writeCloseMessage sends a close message to the peer
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
		c.log.Warn("error writing close message", zap.Error(err))
	}
	return false
}

// writeTextMessage writes one response per text frame. Responses are JSON
// documents and the peer decodes one document per frame, so queued
// responses are never coalesced.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("error writing response", zap.Error(err))
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn("error setting write deadline for ping", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.Warn("error writing ping", zap.Error(err))
		return false
	}
	return true
}
