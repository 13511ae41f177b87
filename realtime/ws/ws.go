// Package ws wraps gorilla/websocket with context-aware reads and writes,
// origin checking, and a bounded asynchronous sender. Handlers read through
// Conn and write through Sender so a stalled peer never blocks the relay.
package ws

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a websocket connection whose blocking calls honor a context.
type Conn struct {
	raw *websocket.Conn
}

// Upgrade switches an HTTP request to a websocket. checkOrigin may be nil,
// in which case gorilla's same-host default applies.
func Upgrade(w http.ResponseWriter, r *http.Request, checkOrigin func(*http.Request) bool) (*Conn, error) {
	up := websocket.Upgrader{CheckOrigin: checkOrigin}
	raw, err := up.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Conn{raw: raw}, nil
}

// Dial opens a client websocket connection. The handshake observes the
// context deadline when one is set.
func Dial(ctx context.Context, urlStr string, header http.Header) (*Conn, *http.Response, error) {
	d := websocket.Dialer{}
	if deadline, ok := ctx.Deadline(); ok {
		d.HandshakeTimeout = time.Until(deadline)
	}
	raw, resp, err := d.DialContext(ctx, urlStr, header)
	if err != nil {
		return nil, resp, err
	}
	return &Conn{raw: raw}, resp, nil
}

// SetReadLimit caps the size of incoming frames.
func (c *Conn) SetReadLimit(n int64) {
	c.raw.SetReadLimit(n)
}

// ReadMessage reads one frame, unblocking when ctx is done.
func (c *Conn) ReadMessage(ctx context.Context) (int, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	deadline, hasDeadline := ctx.Deadline()
	_ = c.raw.SetReadDeadline(deadline) // zero time clears the deadline
	release := armCancel(ctx, c.raw.SetReadDeadline)
	mt, b, err := c.raw.ReadMessage()
	release()
	if err != nil {
		return 0, nil, mapTimeout(ctx, deadline, hasDeadline, err)
	}
	return mt, b, nil
}

// WriteMessage writes one frame, unblocking when ctx is done. Handlers do
// not call this directly; Sender owns the write side of every connection.
func (c *Conn) WriteMessage(ctx context.Context, messageType int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, hasDeadline := ctx.Deadline()
	_ = c.raw.SetWriteDeadline(deadline)
	release := armCancel(ctx, c.raw.SetWriteDeadline)
	err := c.raw.WriteMessage(messageType, data)
	release()
	if err != nil {
		return mapTimeout(ctx, deadline, hasDeadline, err)
	}
	return nil
}

// Close tears the connection down without a close handshake.
func (c *Conn) Close() error {
	return c.raw.Close()
}

// CloseWithStatus sends a close control frame, then closes the connection.
func (c *Conn) CloseWithStatus(code int, text string) error {
	msg := websocket.FormatCloseMessage(code, text)
	_ = c.raw.WriteControl(websocket.CloseMessage, msg, time.Now().Add(2*time.Second))
	return c.raw.Close()
}

// armCancel makes a blocked read or write wake up when ctx is canceled by
// snapping the socket deadline to now. gorilla/websocket has no other way
// to interrupt an in-flight call. The returned release must run before the
// next deadline change on the same side of the socket.
func armCancel(ctx context.Context, setDeadline func(time.Time) error) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	var armed atomic.Bool
	armed.Store(true)
	stop := context.AfterFunc(ctx, func() {
		if armed.Load() {
			_ = setDeadline(time.Now())
		}
	})
	return func() {
		armed.Store(false)
		stop()
	}
}

// mapTimeout converts the i/o timeout produced by a forced deadline back
// into the context error the caller expects. The socket deadline can fire a
// hair before the context timer, so a timeout at or past the deadline is
// reported as DeadlineExceeded even when ctx.Err() is still nil.
func mapTimeout(ctx context.Context, deadline time.Time, hasDeadline bool, err error) error {
	ne, ok := err.(net.Error)
	if !ok || !ne.Timeout() {
		return err
	}
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	if hasDeadline && !time.Now().Before(deadline) {
		return context.DeadlineExceeded
	}
	return err
}
