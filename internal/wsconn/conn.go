package wsconn

import (
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second

	// CloseReplaced is sent to an ingest connection displaced by a newer one.
	CloseReplaced = websocket.CloseServiceRestart

	maxReasonBytes = 123
)

// Conn wraps a gorilla connection with serialized writes and an idempotent
// close. Reads must stay on a single goroutine.
type Conn struct {
	id string
	ws *websocket.Conn

	mu        sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	lastWrite atomic.Int64
}

func New(ws *websocket.Conn) *Conn {
	c := &Conn{id: uuid.NewString(), ws: ws}
	c.lastWrite.Store(time.Now().UnixNano())
	return c
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) RemoteAddr() string { return c.ws.RemoteAddr().String() }

// Send writes payload as a text frame.
func (c *Conn) Send(payload []byte) error {
	return c.write(websocket.TextMessage, payload)
}

func (c *Conn) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, b)
}

func (c *Conn) write(messageType int, b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(messageType, b); err != nil {
		return err
	}
	c.lastWrite.Store(time.Now().UnixNano())
	return nil
}

// Ping sends a control ping. Safe to call concurrently with writes.
func (c *Conn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// IdleFor reports the time since the last successful data write.
func (c *Conn) IdleFor() time.Duration {
	return time.Since(time.Unix(0, c.lastWrite.Load()))
}

func (c *Conn) ReadMessage() (int, []byte, error) { return c.ws.ReadMessage() }

func (c *Conn) NextReader() (int, io.Reader, error) { return c.ws.NextReader() }

func (c *Conn) SetReadDeadline(t time.Time) error { return c.ws.SetReadDeadline(t) }

func (c *Conn) SetReadLimit(n int64) { c.ws.SetReadLimit(n) }

func (c *Conn) SetPongHandler(h func(string) error) { c.ws.SetPongHandler(h) }

// Close sends a close frame with code and reason, then drops the socket.
// Only the first call has any effect.
func (c *Conn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if len(reason) > maxReasonBytes {
			reason = reason[:maxReasonBytes]
		}
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) Closed() bool { return c.closed.Load() }
