// Package server manages individual WebSocket sessions, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// SessionState is the position of a session in the protocol state machine.
type SessionState int

// Session states.
const (
	StateUnjoined SessionState = iota
	StateJoined
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateUnjoined:
		return "unjoined"
	case StateJoined:
		return "joined"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Session represents one client's WebSocket connection. Only the session
// writes to its transport; everyone else goes through Send.
type Session struct {
	id   string
	conn *websocket.Conn
	addr string
	log  logrus.FieldLogger

	mu     sync.Mutex
	send   chan []byte
	closed bool
	room   string
	state  SessionState

	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
	closeOnce      sync.Once
}

// NewSession creates a Session for conn. conn may be nil, in which case the
// session only queues outbound frames (used by tests and in-process callers).
func NewSession(conn *websocket.Conn, addr string, cfg *Config, log logrus.FieldLogger) *Session {
	if cfg == nil {
		cfg = NewConfig()
	}
	c := cfg.sanitize()
	if conn != nil {
		conn.SetReadLimit(c.MaxMessageSize)
	}
	if log == nil {
		log = discardLogger()
	}

	id := uuid.NewString()
	return &Session{
		id:   id,
		conn: conn,
		addr: addr,
		log: log.WithFields(logrus.Fields{
			"session":     id,
			"remote_addr": addr,
		}),
		send:           make(chan []byte, c.SendBufferSize),
		state:          StateUnjoined,
		maxMessageSize: c.MaxMessageSize,
		rateLimiter:    newRateLimiter(c.RateLimit.Burst, c.RateLimit.RefillInterval),
		rateLimit:      c.RateLimit,
	}
}

// ID returns the session's process-unique identifier.
func (s *Session) ID() string {
	return s.id
}

// Addr returns the remote address the session connected from.
func (s *Session) Addr() string {
	return s.addr
}

// Outbound returns the session's queue of encoded outbound frames.
// This channel is read-only from the caller's perspective.
func (s *Session) Outbound() <-chan []byte {
	return s.send
}

// Room returns the room the session is in, if any.
func (s *Session) Room() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room, s.room != ""
}

// State returns the session's current protocol state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setRoom is called by the Registry while it holds the affected room locks.
func (s *Session) setRoom(room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		s.room = ""
		return
	}
	s.room = room
	if room == "" {
		s.state = StateUnjoined
	} else {
		s.state = StateJoined
	}
}

// markDisconnected moves the session to its terminal state. It reports
// whether this call performed the transition.
func (s *Session) markDisconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return false
	}
	s.state = StateDisconnected
	return true
}

// Send encodes msg and queues it without blocking. It fails with
// ErrTransportClosed once the session is closed and with ErrSlowConsumer
// when the queue is full.
func (s *Session) Send(msg OutboundMessage) error {
	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	return s.enqueue(data)
}

func (s *Session) enqueue(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrTransportClosed
	}

	select {
	case s.send <- data:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Close stops the session's outbound queue. The write pump then sends a close
// frame and tears down the transport. Close is idempotent and safe to call
// concurrently with Send.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.send)
		s.mu.Unlock()
	})
}

// terminate closes the session and its transport immediately.
func (s *Session) terminate() {
	s.Close()
	if s.conn == nil {
		return
	}
	if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
		s.log.WithError(err).Warn("error closing connection")
	}
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (s *Session) setupReadConnection() {
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.log.WithError(err).Warn("error setting initial read deadline")
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// handleReadError logs the reason the read loop is ending.
func (s *Session) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.log.WithField("limit", s.maxMessageSize).Warn("message exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		s.log.WithError(err).Info("client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		s.log.WithError(err).Info("connection closed")
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		s.log.WithError(err).Warn("unexpected WebSocket close")
	default:
		s.log.WithError(err).Info("WebSocket read ended")
	}
}

// checkRateLimit verifies if the session has exceeded rate limits
// and returns true if the frame should be processed
func (s *Session) checkRateLimit() bool {
	if s.rateLimiter != nil && !s.rateLimiter.allow() {
		s.log.WithFields(logrus.Fields{
			"burst":    s.rateLimit.Burst,
			"interval": s.rateLimit.RefillInterval,
		}).Warn("rate limit exceeded; discarding frame")
		return false
	}
	return true
}

// readPump feeds inbound frames to the router in arrival order. Its exit is
// the session's single close notification.
func (s *Session) readPump(router *Router) {
	defer func() {
		router.Disconnect(s)
		s.terminate()
	}()

	s.setupReadConnection()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.handleReadError(err)
			return
		}

		if !s.checkRateLimit() {
			router.reject(s, CodeRateLimited, "too many messages")
			continue
		}

		router.HandleFrame(s, raw)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.closeConnection()
	}()

	for s.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (s *Session) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-s.send:
		return s.handleMessage(message, ok)
	case <-ticker.C:
		return s.handlePing()
	}
}

func (s *Session) closeConnection() {
	if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
		s.log.WithError(err).Warn("error closing connection in write pump")
	}
}

// handleMessage processes outgoing frames and returns false if the connection should be closed
func (s *Session) handleMessage(message []byte, ok bool) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		s.log.WithError(err).Warn("error setting write deadline")
		return false
	}

	if !ok {
		return s.writeCloseMessage()
	}

	if !s.writeTextMessage(message) {
		return false
	}
	return s.writeQueuedMessages()
}

func (s *Session) writeCloseMessage() bool {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := s.conn.WriteMessage(websocket.CloseMessage, msg); err != nil && !isExpectedCloseError(err) {
		s.log.WithError(err).Debug("error writing close message")
	}
	return false
}

// writeTextMessage writes one frame. Each outbound message is its own frame so
// clients can parse every event independently.
func (s *Session) writeTextMessage(message []byte) bool {
	if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			s.log.WithError(err).Warn("error writing message")
		}
		return false
	}
	return true
}

// writeQueuedMessages drains frames that were already queued when the current
// write started.
func (s *Session) writeQueuedMessages() bool {
	n := len(s.send)
	for i := 0; i < n; i++ {
		message, ok := <-s.send
		if !ok {
			return s.writeCloseMessage()
		}
		if !s.writeTextMessage(message) {
			return false
		}
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (s *Session) handlePing() bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		s.log.WithError(err).Warn("error setting write deadline for ping")
		return false
	}
	if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			s.log.WithError(err).Warn("error writing ping")
		}
		return false
	}
	return true
}
