// Package sessiontest provides an in-memory Conn for tests.
package sessiontest

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/suPer8Hu/wardlink/internal/session"
)

var ErrBroken = errors.New("broken pipe")

// Conn records text frames and counts pings. Setting Fail makes every
// later write fail.
type Conn struct {
	mu     sync.Mutex
	frames [][]byte
	pings  int
	closed bool
	Fail   bool
}

func (c *Conn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail || c.closed {
		return ErrBroken
	}
	switch messageType {
	case websocket.PingMessage:
		c.pings++
	default:
		c.frames = append(c.frames, append([]byte(nil), data...))
	}
	return nil
}

func (c *Conn) SetWriteDeadline(time.Time) error { return nil }

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *Conn) SetFail(v bool) {
	c.mu.Lock()
	c.Fail = v
	c.mu.Unlock()
}

func (c *Conn) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

// Decoded returns every frame unmarshalled into a generic map.
func (c *Conn) Decoded() []map[string]any {
	var out []map[string]any
	for _, f := range c.Frames() {
		var m map[string]any
		if err := json.Unmarshal(f, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// Types lists the "type" field of every recorded frame.
func (c *Conn) Types() []string {
	var out []string
	for _, m := range c.Decoded() {
		t, _ := m["type"].(string)
		out = append(out, t)
	}
	return out
}

func (c *Conn) Pings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

func (c *Conn) Reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

// NewSession returns a session backed by a fresh Conn.
func NewSession(userID uint64, username, role string) (*session.Session, *Conn) {
	c := &Conn{}
	return session.New(c, userID, username, role), c
}
