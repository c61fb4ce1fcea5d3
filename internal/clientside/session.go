package clientside

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ytgui/shadowsocks-naive/internal/idle"
	"github.com/ytgui/shadowsocks-naive/internal/metrics"
	"github.com/ytgui/shadowsocks-naive/internal/protocol"
	"github.com/ytgui/shadowsocks-naive/internal/socks5"
	"github.com/ytgui/shadowsocks-naive/internal/tunnelbus"
)

// Stage is a Session's position in the client-side SOCKS5 state machine.
// INIT and CONNECT are handled synchronously before a Session is created;
// a Session only ever exists from CONNECT-WAIT onward.
type Stage int

const (
	StageConnectWait Stage = iota
	StageStream
)

// Session is the client-side stream handler for one local SOCKS5
// connection: it owns the local socket and tracks which half of the
// CONNECT-WAIT → STREAM transition it has reached.
type Session struct {
	id      uint32
	conn    net.Conn
	bus     *tunnelbus.Bus
	logger  *slog.Logger
	onClose func(id uint32, reason string)

	activity *idle.Activity

	mu      sync.Mutex
	stage   Stage
	pending [][]byte
}

func newSession(id uint32, conn net.Conn, bus *tunnelbus.Bus, logger *slog.Logger, onClose func(uint32, string)) *Session {
	return &Session{
		id:       id,
		conn:     conn,
		bus:      bus,
		logger:   logger,
		onClose:  onClose,
		activity: idle.NewActivity(time.Now()),
		stage:    StageConnectWait,
	}
}

// Close closes the local socket. It is the muxtable.Handler contract; it
// does not unregister from the table or emit a close-frame, since callers
// that already removed the entry (Drain, an explicit teardown) handle that
// separately.
func (s *Session) Close() error {
	return s.conn.Close()
}

// LastActivity implements idle.Entry.
func (s *Session) LastActivity() *idle.Activity {
	return s.activity
}

// CloseIdle implements idle.Entry: the watcher fires this when the session
// has seen no payload traffic for longer than the configured timeout.
func (s *Session) CloseIdle() {
	s.onClose(s.id, metrics.ReasonIdle)
}

// Deliver processes one tunnel-frame payload addressed to this session: the
// server's SOCKS5 reply while in CONNECT-WAIT, or relayed stream bytes
// once in STREAM.
func (s *Session) Deliver(payload []byte) {
	s.activity.Touch(time.Now())

	s.mu.Lock()
	stage := s.stage
	s.mu.Unlock()

	switch stage {
	case StageConnectWait:
		s.deliverConnectReply(payload)
	case StageStream:
		if _, err := s.conn.Write(payload); err != nil {
			s.onClose(s.id, metrics.ReasonLocal)
		}
	}
}

func (s *Session) deliverConnectReply(payload []byte) {
	if _, err := s.conn.Write(payload); err != nil {
		s.onClose(s.id, metrics.ReasonPeer)
		return
	}

	rep := byte(socks5.ReplyServerFailure)
	if len(payload) > 1 {
		rep = payload[1]
	}
	if rep != socks5.ReplySuccess {
		s.logger.Debug("upstream connect failed", "connection_id", s.id, "reply", rep)
		s.onClose(s.id, metrics.ReasonPeer)
		return
	}
	s.logger.Debug("stream established", "connection_id", s.id)

	// Flip to STREAM and flush whatever local data arrived while we were
	// waiting on the reply, all under the same lock so localReadLoop
	// cannot interleave a fresh STREAM write ahead of the flush.
	s.mu.Lock()
	s.stage = StageStream
	pending := s.pending
	s.pending = nil
	for _, chunk := range pending {
		if err := s.bus.Write(s.id, chunk); err != nil {
			s.mu.Unlock()
			s.onClose(s.id, metrics.ReasonLocal)
			return
		}
	}
	s.mu.Unlock()
}

const localReadBufSize = protocol.RecommendedPayloadSize

// localReadLoop reads the local application socket until it closes or
// errors, forwarding bytes as data frames once in STREAM and buffering
// them in-process while still in CONNECT-WAIT.
func (s *Session) localReadLoop() {
	buf := make([]byte, localReadBufSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.activity.Touch(time.Now())
			s.mu.Lock()
			switch s.stage {
			case StageConnectWait:
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				s.pending = append(s.pending, chunk)
				s.mu.Unlock()
			case StageStream:
				s.mu.Unlock()
				if werr := s.bus.Write(s.id, buf[:n]); werr != nil {
					s.onClose(s.id, metrics.ReasonLocal)
					return
				}
			default:
				s.mu.Unlock()
			}
		}
		if err != nil {
			s.onClose(s.id, metrics.ReasonLocal)
			return
		}
	}
}
