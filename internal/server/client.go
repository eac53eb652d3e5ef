// Package server manages individual WebSocket clients, handling read/write
// pumps and lifecycle control for each connection.
package server

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// client owns one gorilla connection. readPump feeds frames to the router in
// arrival order; writePump drains the send queue in the order Send was
// called. The registry reaches the client only through the Socket methods.
type client struct {
	id     string
	conn   *websocket.Conn
	addr   string
	server *Server
	logger *zap.Logger

	mu          sync.Mutex
	send        chan []byte
	closed      bool
	closeCode   int
	closeReason string

	writeTimeout time.Duration
	pingPeriod   time.Duration
}

func newClient(id string, conn *websocket.Conn, addr string, s *Server) *client {
	cfg := s.cfg.Server
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	return &client{
		id:           id,
		conn:         conn,
		addr:         addr,
		server:       s,
		logger:       s.logger.With(zap.String("conn_id", id), zap.String("addr", addr)),
		send:         make(chan []byte, cfg.SendBuffer),
		writeTimeout: cfg.WriteTimeout,
		pingPeriod:   s.cfg.Heartbeat.Interval(),
	}
}

// Send queues payload without blocking.
func (c *client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrSocketClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close stops the write pump, which sends a close frame carrying code and
// reason before closing the connection.
func (c *client) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.send)
	return nil
}

// handleReadError logs appropriate error messages based on the error type.
func (c *client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("message exceeded maximum size", zap.Int64("limit", c.server.cfg.Server.MaxMessageSize))
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		c.logger.Debug("client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Debug("connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		c.logger.Warn("unexpected websocket close", zap.Error(err))
	default:
		c.logger.Debug("websocket read error", zap.Error(err))
	}
}

func (c *client) readPump() {
	registry := c.server.registry
	defer func() {
		registry.RemoveConnection(c.id)
	}()

	c.conn.SetPongHandler(func(string) error {
		registry.Touch(c.id)
		return nil
	})

	for {
		msgType, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		registry.Touch(c.id)
		if msgType != websocket.TextMessage {
			continue
		}
		c.server.router.Handle(c.server.ctx, c.id, c.addr, raw)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
		c.server.registry.CloseConnection(c.id, websocket.CloseGoingAway, "write failed")
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		if !ok {
			c.writeCloseMessage()
			return false
		}
		return c.writeTextMessage(message)
	case <-ticker.C:
		return c.writePing()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn("error closing connection", zap.Error(err))
	}
}

func (c *client) writeCloseMessage() {
	c.mu.Lock()
	code, reason := c.closeCode, c.closeReason
	c.mu.Unlock()

	deadline := time.Now().Add(c.writeTimeout)
	if err := c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Debug("error writing close message", zap.Error(err))
		}
	}
}

func (c *client) writeTextMessage(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		c.logger.Warn("error setting write deadline", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("error writing message", zap.Error(err))
		}
		return false
	}
	return true
}

// writePing keeps idle clients answering with pongs, which refresh their heartbeat.
func (c *client) writePing() bool {
	if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("error writing ping", zap.Error(err))
		}
		return false
	}
	return true
}
