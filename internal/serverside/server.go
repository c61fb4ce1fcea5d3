// Package serverside implements the server half of the tunnel: a single
// dispatcher loop that reads frames off the tunnel connection, relays data
// to already-dialed upstream sockets, and dials a fresh upstream whenever a
// frame arrives for an id not yet in the table (a CONNECT request).
package serverside

import (
	"context"
	"errors"
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

// Dialer opens the upstream TCP connection a CONNECT request names. It
// exists as an interface (rather than a bare net.Dialer field) purely so
// tests can substitute a fake without touching the network.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Server is the server-side dispatcher: one tunnel connection, one
// connection table, one dialer for new upstream connections.
type Server struct {
	tunnel      net.Conn
	bus         *tunnelbus.Bus
	reader      *protocol.Reader
	watcher     *idle.Watcher
	metrics     *metrics.Metrics
	logger      *slog.Logger
	dialer      Dialer
	dialTimeout time.Duration

	mu    sync.Mutex
	table *muxtable.Table[*Session]

	closeOnce sync.Once
	done      chan struct{}
}

// New builds a Server. tunnel is the already-established (and already
// transport/cipher-wrapped, if configured) connection from the client.
func New(tunnel net.Conn, maxFramePayload int, idleTimeout, sweepInterval, dialTimeout time.Duration, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Server{
		tunnel:      tunnel,
		bus:         tunnelbus.New(protocol.NewWriter(tunnel)),
		reader:      protocol.NewReader(tunnel, uint32(maxFramePayload)),
		watcher:     idle.NewWatcher(idleTimeout, sweepInterval),
		metrics:     m,
		logger:      logger,
		dialer:      &net.Dialer{Timeout: dialTimeout},
		dialTimeout: dialTimeout,
		table:       muxtable.New[*Session](),
		done:        make(chan struct{}),
	}
}

// SetDialer overrides the upstream dialer, for tests.
func (s *Server) SetDialer(d Dialer) {
	s.dialer = d
}

// Run blocks, dispatching tunnel frames until the tunnel is lost or Close
// is called.
func (s *Server) Run() {
	go s.watcher.Run(s.done, s.snapshot)
	s.dispatchLoop()
}

// Close tears down the tunnel connection and every live upstream session.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.tunnel.Close()
		close(s.done)
	})
}

func (s *Server) dispatchLoop() {
	defer s.onTunnelLost()
	for {
		frame, err := s.reader.ReadFrame()
		if err != nil {
			if errors.Is(err, protocol.ErrFrameTooLarge) {
				s.logger.Error("fatal tunnel protocol violation", logging.KeyError, err)
			} else {
				s.logger.Info("tunnel connection lost", logging.KeyError, err)
			}
			return
		}
		s.metrics.FrameReceived(len(frame.Payload))

		s.mu.Lock()
		sess, ok := s.table.Lookup(frame.ConnectionID)
		s.mu.Unlock()

		if ok {
			if frame.IsClose() {
				s.teardownSuppressFrame(frame.ConnectionID, metrics.ReasonPeer)
				continue
			}
			sess.Deliver(frame.Payload)
			continue
		}

		if frame.IsClose() {
			// Close-frame for an unknown id: the close may have crossed
			// an upstream close already in flight. Ignored.
			continue
		}

		go s.handleConnect(frame.ConnectionID, frame.Payload)
	}
}

// handleConnect parses a raw CONNECT payload for an id not yet in the
// table, dials the destination, and replies with success or failure. It
// runs in its own goroutine so a slow dial never blocks the dispatch loop.
func (s *Server) handleConnect(id uint32, payload []byte) {
	req, err := socks5.ParseConnect(payload)
	if err != nil {
		s.logger.Debug("malformed CONNECT request", logging.KeyConnectionID, id, logging.KeyError, err)
		s.bus.Write(id, socks5.EncodeReply(socks5.ReplyHostUnreachable))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.dialTimeout)
	defer cancel()

	start := time.Now()
	conn, err := s.dialer.DialContext(ctx, "tcp", req.HostPort())
	s.metrics.DialObserved(time.Since(start).Seconds(), err)
	if err != nil {
		s.logger.Debug("upstream dial failed", logging.KeyConnectionID, id, logging.KeyRemoteAddr, req.HostPort(), logging.KeyError, err)
		s.bus.Write(id, socks5.EncodeReply(socks5.ReplyHostUnreachable))
		return
	}

	sess := newSession(id, conn, s.bus, s.logger, s.teardown)
	s.mu.Lock()
	if err := s.table.Bind(id, sess); err != nil {
		s.mu.Unlock()
		conn.Close()
		panic("serverside: " + err.Error())
	}
	s.mu.Unlock()

	s.metrics.StreamOpened()
	s.logger.Debug("upstream connected", logging.KeyConnectionID, id, logging.KeyRemoteAddr, req.HostPort())

	if err := s.bus.Write(id, socks5.EncodeReply(socks5.ReplySuccess)); err != nil {
		s.teardown(id, metrics.ReasonLocal)
		return
	}

	sess.upstreamReadLoop()
}

// teardown removes id from the table, closes its session, and emits a
// close-frame to the peer (the normal unregister path).
func (s *Server) teardown(id uint32, reason string) {
	s.mu.Lock()
	sess, ok := s.table.Unregister(id)
	s.mu.Unlock()
	if !ok {
		return
	}
	sess.Close()
	s.bus.WriteClose(id)
	s.metrics.StreamClosed(reason)
	s.logger.Debug("stream closed", logging.KeyConnectionID, id, logging.KeyReason, reason)
}

// teardownSuppressFrame is the same as teardown but does not emit a
// close-frame: used only when this removal was itself triggered by
// receiving a close-frame from the peer.
func (s *Server) teardownSuppressFrame(id uint32, reason string) {
	s.mu.Lock()
	sess, ok := s.table.Unregister(id)
	s.mu.Unlock()
	if !ok {
		return
	}
	sess.Close()
	s.metrics.StreamClosed(reason)
	s.logger.Debug("stream closed", logging.KeyConnectionID, id, logging.KeyReason, reason)
}

func (s *Server) onTunnelLost() {
	s.mu.Lock()
	sessions := s.table.Drain()
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.Close()
		s.metrics.StreamClosed(metrics.ReasonTunnelLoss)
	}
	s.bus.Close()
	s.Close()
}

func (s *Server) snapshot() []idle.Entry {
	s.mu.Lock()
	sessions := s.table.Snapshot()
	s.mu.Unlock()

	out := make([]idle.Entry, len(sessions))
	for i, sess := range sessions {
		out[i] = sess
	}
	return out
}
