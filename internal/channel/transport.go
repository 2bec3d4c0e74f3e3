package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Conn is one established duplex connection. Read blocks until a data
// frame arrives; Write and Close may be called from any goroutine.
type Conn interface {
	Read() ([]byte, error)
	Write(data []byte) error
	Close() error
}

// Dialer establishes a Conn authenticated with token.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, token string) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, token string) (Conn, error) {
	return f(ctx, token)
}

// WSDialer dials the channel over WebSocket. The token is sent both as the
// access_token query parameter and as a bearer Authorization header.
type WSDialer struct {
	URL     string
	Timeout time.Duration
	Header  http.Header
}

// Dial performs the WebSocket handshake.
func (d WSDialer) Dial(ctx context.Context, token string) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", d.URL, err)
	}
	header := http.Header{}
	for k, v := range d.Header {
		header[k] = append([]string(nil), v...)
	}
	if token != "" {
		q := u.Query()
		q.Set("access_token", token)
		u.RawQuery = q.Encode()
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := ws.Dialer{
		Timeout: d.Timeout,
		Header:  ws.HandshakeHeaderHTTP(header),
	}
	conn, br, _, err := dialer.Dial(ctx, u.String())
	if err != nil {
		return nil, err
	}
	return newWSConn(conn, br), nil
}

// wsConn is the client side of a WebSocket connection. The write mutex
// serializes application frames with the control-frame replies written
// from the read loop.
type wsConn struct {
	conn    net.Conn
	rw      io.ReadWriter
	writeMu sync.Mutex
}

func newWSConn(conn net.Conn, br *bufio.Reader) *wsConn {
	c := &wsConn{conn: conn}
	var r io.Reader = conn
	if br != nil {
		// The handshake may have buffered the first frames.
		r = br
	}
	c.rw = struct {
		io.Reader
		io.Writer
	}{r, lockedWriter{mu: &c.writeMu, w: conn}}
	return c
}

// Read returns the next text or binary message. Pings from the server
// are answered inside wsutil.
func (c *wsConn) Read() ([]byte, error) {
	data, _, err := wsutil.ReadServerData(c.rw)
	return data, err
}

// Write sends a masked text frame.
func (c *wsConn) Write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// Close sends a best-effort close frame and closes the socket.
func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
