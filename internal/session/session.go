package session

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/suPer8Hu/wardlink/internal/common"
)

// WriteWait bounds a single frame write.
const WriteWait = 10 * time.Second

var ErrClosed = errors.New("session closed")

// Conn is the write half of a websocket connection. *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Session is one authenticated duplex connection. Identity fields are fixed
// at creation.
type Session struct {
	ID       string
	UserID   uint64
	Username string
	Role     string

	conn   Conn
	mu     sync.Mutex // serializes writes
	closed atomic.Bool
}

func New(conn Conn, userID uint64, username, role string) *Session {
	return &Session{
		ID:       common.MustULID(),
		UserID:   userID,
		Username: username,
		Role:     role,
		conn:     conn,
	}
}

// Send writes v as a JSON text frame.
func (s *Session) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.SendRaw(b)
}

// SendRaw writes b unchanged as a text frame. A failed write closes the
// session; callers are expected to purge it from their registry.
func (s *Session) SendRaw(b []byte) error {
	return s.write(websocket.TextMessage, b)
}

func (s *Session) Ping() error {
	return s.write(websocket.PingMessage, nil)
}

func (s *Session) write(messageType int, b []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(WriteWait))
	if err := s.conn.WriteMessage(messageType, b); err != nil {
		s.closed.Store(true)
		_ = s.conn.Close()
		return err
	}
	return nil
}

// Close is idempotent.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.conn.Close()
}

func (s *Session) Closed() bool {
	return s.closed.Load()
}
