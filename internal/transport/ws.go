package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const wsReadLimit = 32 * 1024 * 1024

// WebSocket carries the tunnel's byte stream inside a single WebSocket
// connection, for operators who need it to traverse an HTTP(S) proxy. It
// changes nothing about framing or multiplexing, which operate on the
// net.Conn this transport hands back.
type WebSocket struct {
	path string
}

// NewWebSocket returns a WebSocket transport upgrading at path (defaults to
// "/tunnel" if empty).
func NewWebSocket(path string) WebSocket {
	if path == "" {
		path = "/tunnel"
	}
	return WebSocket{path: path}
}

func (t WebSocket) Dial(ctx context.Context, addr string) (net.Conn, error) {
	url := "ws://" + addr + t.path
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	conn.SetReadLimit(wsReadLimit)
	return newWSConn(conn, nil, nil), nil
}

func (t WebSocket) Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	wl := &wsListener{
		ln:     ln,
		path:   t.path,
		connCh: make(chan net.Conn),
		closed: make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(t.path, wl.upgrade)
	wl.server = &http.Server{Handler: mux}
	go wl.server.Serve(ln)
	return wl, nil
}

// wsListener implements net.Listener by upgrading every HTTP request on
// path to a WebSocket connection and handing it to Accept.
type wsListener struct {
	ln     net.Listener
	path   string
	server *http.Server
	connCh chan net.Conn
	closed chan struct{}
	once   sync.Once
}

func (l *wsListener) upgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(wsReadLimit)

	remote, _ := net.ResolveTCPAddr("tcp", r.RemoteAddr)
	wc := newWSConn(conn, l.ln.Addr(), remote)
	select {
	case l.connCh <- wc:
	case <-l.closed:
		conn.Close(websocket.StatusGoingAway, "listener closed")
	}
}

func (l *wsListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.connCh:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return l.server.Close()
}

func (l *wsListener) Addr() net.Addr { return l.ln.Addr() }

// wsConn adapts a *websocket.Conn (binary messages only) to net.Conn. Read
// buffers leftovers across calls since a caller's buffer rarely lines up
// exactly with message boundaries; Write sends one binary message per call.
type wsConn struct {
	conn       *websocket.Conn
	localAddr  net.Addr
	remoteAddr net.Addr

	readMu sync.Mutex
	reader io.Reader
}

func newWSConn(conn *websocket.Conn, local, remote net.Addr) *wsConn {
	return &wsConn{conn: conn, localAddr: local, remoteAddr: remote}
}

func (c *wsConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.reader == nil {
		msgType, r, err := c.conn.Reader(context.Background())
		if err != nil {
			return 0, err
		}
		if msgType != websocket.MessageBinary {
			return 0, fmt.Errorf("transport: unexpected websocket message type %v", msgType)
		}
		c.reader = r
	}

	n, err := c.reader.Read(p)
	if err == io.EOF {
		c.reader = nil
		err = nil
	}
	return n, err
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.conn.Write(context.Background(), websocket.MessageBinary, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "tunnel closed")
}

func (c *wsConn) LocalAddr() net.Addr  { return c.localAddr }
func (c *wsConn) RemoteAddr() net.Addr { return c.remoteAddr }

// The underlying library uses context-based deadlines rather than the
// net.Conn deadline model; this system never sets read/write deadlines on
// the tunnel connection (the idle watcher owns timeout semantics instead),
// so these are no-ops required only to satisfy net.Conn.
func (c *wsConn) SetDeadline(t time.Time) error      { return nil }
func (c *wsConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return nil }
