// Package gateway owns the transport half of a session: the WebSocket pumps,
// heartbeat probing and the buffered send sink. The party and chat services
// layer their routing on top of it.
package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cinesala/backend/internal/v1/logging"
	"github.com/cinesala/backend/internal/v1/metrics"
)

const (
	// writeWait bounds a single transport write.
	writeWait = 10 * time.Second

	// pingPeriod is the liveness probe interval. pongWait is two probe
	// intervals: a session missing two pongs is terminated.
	pingPeriod = 30 * time.Second
	pongWait   = 2 * pingPeriod

	sendBufferSize = 64
)

// Conn is the subset of *websocket.Conn the session needs. Tests substitute
// mock implementations.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// Session is one live bidirectional connection bound to a user identity.
type Session struct {
	ID       string
	UserID   string
	Username string

	conn Conn
	send chan []byte

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// NewSession wraps an accepted connection.
func NewSession(conn Conn, userID, username string) *Session {
	return &Session{
		ID:       uuid.NewString(),
		UserID:   userID,
		Username: username,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
	}
}

// Send serializes a frame and queues it. A full buffer drops the frame and
// marks the session dead so the reaper collects it; one slow peer must not
// block the rest of a room.
func (s *Session) Send(v any) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return
	}
	s.mu.RUnlock()

	data, err := json.Marshal(v)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal outbound frame", zap.Error(err))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Recovered from send on closed session",
				zap.String("session_id", s.ID), zap.Any("panic", r))
		}
	}()

	select {
	case s.send <- data:
	default:
		logging.Warn(context.Background(), "Session send buffer full, dropping frame and closing",
			zap.String("session_id", s.ID), zap.String("user_id", s.UserID))
		s.Disconnect()
	}
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Disconnect closes the send channel, which drives the write pump to flush
// and close the transport. Safe to call more than once.
func (s *Session) Disconnect() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.send)
	})
}

// CloseWithStatus sends a close frame with the given status code and a
// human-readable reason, then tears the session down. Used for policy
// violations (1008) and host removals (1000) so clients can distinguish
// kicks from ordinary disconnects.
func (s *Session) CloseWithStatus(code int, reason string) {
	deadline := time.Now().Add(writeWait)
	if err := s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline); err != nil {
		logging.Warn(context.Background(), "Failed to write close frame",
			zap.String("session_id", s.ID), zap.Error(err))
	}
	s.Disconnect()
}

// ReadLoop pumps inbound frames into the router until the connection errors
// or closes, then runs the teardown callback. Malformed or unroutable frames
// are the router's problem; a read error is the only exit.
func (s *Session) ReadLoop(router func(data []byte), onClose func()) {
	defer func() {
		onClose()
		_ = s.conn.Close()
		metrics.DecConnection()
	}()

	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		router(data)
	}
}

// WriteLoop drains the send buffer and emits liveness probes. It owns the
// transport writes; when the send channel closes it writes a close frame
// and returns.
func (s *Session) WriteLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logging.Warn(context.Background(), "Transport write failed",
					zap.String("session_id", s.ID), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
