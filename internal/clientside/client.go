// Package clientside implements the client half of the tunnel: it accepts
// local SOCKS5 connections, drives the INIT/CONNECT handshake directly
// against the local socket, and multiplexes every resulting logical stream
// over the single tunnel connection.
package clientside

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ytgui/shadowsocks-naive/internal/idle"
	"github.com/ytgui/shadowsocks-naive/internal/logging"
	"github.com/ytgui/shadowsocks-naive/internal/metrics"
	"github.com/ytgui/shadowsocks-naive/internal/muxtable"
	"github.com/ytgui/shadowsocks-naive/internal/protocol"
	"github.com/ytgui/shadowsocks-naive/internal/socks5"
	"github.com/ytgui/shadowsocks-naive/internal/tunnelbus"
)

// Client is the client-side dispatcher: one tunnel connection, one local
// listener, one connection table shared between the local-accept loop and
// the tunnel-read loop.
type Client struct {
	listener net.Listener
	tunnel   net.Conn
	bus      *tunnelbus.Bus
	reader   *protocol.Reader
	watcher  *idle.Watcher
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu    sync.Mutex
	table *muxtable.Table[*Session]

	closeOnce sync.Once
	done      chan struct{}
}

// New builds a Client. tunnel is the already-established (and already
// transport/cipher-wrapped, if configured) connection to the server;
// listener accepts local SOCKS5 connections. maxFramePayload bounds frames
// this Client's reader will accept.
func New(tunnel net.Conn, listener net.Listener, maxFramePayload int, idleTimeout, sweepInterval time.Duration, m *metrics.Metrics, logger *slog.Logger) *Client {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Client{
		listener: listener,
		tunnel:   tunnel,
		bus:      tunnelbus.New(protocol.NewWriter(tunnel)),
		reader:   protocol.NewReader(tunnel, uint32(maxFramePayload)),
		watcher:  idle.NewWatcher(idleTimeout, sweepInterval),
		metrics:  m,
		logger:   logger,
		table:    muxtable.New[*Session](),
		done:     make(chan struct{}),
	}
}

// Run blocks, accepting local connections and dispatching tunnel frames
// until the tunnel is lost or Close is called.
func (c *Client) Run() {
	go c.watcher.Run(c.done, c.snapshot)
	go c.acceptLoop()
	c.dispatchLoop()
}

// Close tears down the listener, the tunnel, and every live session.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.listener.Close()
		c.tunnel.Close()
		close(c.done)
	})
}

func (c *Client) acceptLoop() {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
				c.logger.Warn("local accept failed", logging.KeyError, err)
				return
			}
		}
		go c.handleLocal(conn)
	}
}

func (c *Client) handleLocal(conn net.Conn) {
	greeting := make([]byte, len(socks5.Greeting))
	if _, err := io.ReadFull(conn, greeting); err != nil {
		conn.Close()
		return
	}
	if !bytes.Equal(greeting, socks5.Greeting[:]) {
		c.logger.Debug("rejected non-SOCKS5 greeting", logging.KeyRemoteAddr, conn.RemoteAddr())
		conn.Close()
		return
	}
	if _, err := conn.Write(socks5.GreetingReply[:]); err != nil {
		conn.Close()
		return
	}

	payload, err := readConnectPayload(conn)
	if err != nil {
		c.logger.Debug("malformed CONNECT request", logging.KeyError, err)
		conn.Close()
		return
	}

	c.mu.Lock()
	id := c.table.Allocate()
	sess := newSession(id, conn, c.bus, c.logger, c.teardown)
	if err := c.table.Bind(id, sess); err != nil {
		c.mu.Unlock()
		panic("clientside: " + err.Error())
	}
	c.mu.Unlock()

	c.metrics.StreamOpened()
	c.logger.Debug("connect requested", logging.KeyConnectionID, id, logging.KeyRemoteAddr, conn.RemoteAddr())

	if err := c.bus.Write(id, payload); err != nil {
		c.teardown(id, metrics.ReasonLocal)
		return
	}
	c.metrics.FrameSent(len(payload))

	sess.localReadLoop()
}

func (c *Client) dispatchLoop() {
	defer c.onTunnelLost()
	for {
		frame, err := c.reader.ReadFrame()
		if err != nil {
			if errors.Is(err, protocol.ErrFrameTooLarge) {
				c.logger.Error("fatal tunnel protocol violation", logging.KeyError, err)
			} else {
				c.logger.Info("tunnel connection lost", logging.KeyError, err)
			}
			return
		}
		c.metrics.FrameReceived(len(frame.Payload))

		c.mu.Lock()
		sess, ok := c.table.Lookup(frame.ConnectionID)
		c.mu.Unlock()
		if !ok {
			// A close-frame or a stray data frame for an id this side
			// already tore down locally; a legitimate race, not an error.
			continue
		}

		if frame.IsClose() {
			c.teardownSuppressFrame(frame.ConnectionID, metrics.ReasonPeer)
			continue
		}
		sess.Deliver(frame.Payload)
	}
}

// teardown removes id from the table, closes its session, and emits a
// close-frame to the peer (the normal unregister path).
func (c *Client) teardown(id uint32, reason string) {
	c.mu.Lock()
	sess, ok := c.table.Unregister(id)
	c.mu.Unlock()
	if !ok {
		return
	}
	sess.Close()
	c.bus.WriteClose(id)
	c.metrics.StreamClosed(reason)
	c.logger.Debug("stream closed", logging.KeyConnectionID, id, logging.KeyReason, reason)
}

// teardownSuppressFrame is the same as teardown but does not emit a
// close-frame: used only when this removal was itself triggered by
// receiving a close-frame from the peer.
func (c *Client) teardownSuppressFrame(id uint32, reason string) {
	c.mu.Lock()
	sess, ok := c.table.Unregister(id)
	c.mu.Unlock()
	if !ok {
		return
	}
	sess.Close()
	c.metrics.StreamClosed(reason)
	c.logger.Debug("stream closed", logging.KeyConnectionID, id, logging.KeyReason, reason)
}

func (c *Client) onTunnelLost() {
	c.mu.Lock()
	sessions := c.table.Drain()
	c.mu.Unlock()
	for _, sess := range sessions {
		sess.Close()
		c.metrics.StreamClosed(metrics.ReasonTunnelLoss)
	}
	c.bus.Close()
	c.Close()
}

func (c *Client) snapshot() []idle.Entry {
	c.mu.Lock()
	sessions := c.table.Snapshot()
	c.mu.Unlock()

	out := make([]idle.Entry, len(sessions))
	for i, sess := range sessions {
		out[i] = sess
	}
	return out
}

// readConnectPayload reads a raw SOCKS5 CONNECT request off r, returning
// the bytes verbatim (VER CMD RSV ATYP DST.ADDR DST.PORT) so the client can
// forward them to the server unparsed; only enough structure is read here
// to know how many bytes the variable-length address field needs.
func readConnectPayload(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	if header[0] != socks5.Version || header[1] != socks5.CmdConnect || header[2] != 0x00 {
		return nil, socks5.ErrMalformed
	}

	switch header[3] {
	case socks5.AddrIPv4:
		rest := make([]byte, 4+2)
		if _, err := io.ReadFull(r, rest); err != nil {
			return nil, err
		}
		return append(header, rest...), nil
	case socks5.AddrIPv6:
		rest := make([]byte, 16+2)
		if _, err := io.ReadFull(r, rest); err != nil {
			return nil, err
		}
		return append(header, rest...), nil
	case socks5.AddrDomain:
		lenByte := make([]byte, 1)
		if _, err := io.ReadFull(r, lenByte); err != nil {
			return nil, err
		}
		rest := make([]byte, int(lenByte[0])+2)
		if _, err := io.ReadFull(r, rest); err != nil {
			return nil, err
		}
		payload := append(header, lenByte...)
		return append(payload, rest...), nil
	default:
		return nil, socks5.ErrMalformed
	}
}
