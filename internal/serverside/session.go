package serverside

import (
	"log/slog"
	"net"
	"time"

	"github.com/ytgui/shadowsocks-naive/internal/idle"
	"github.com/ytgui/shadowsocks-naive/internal/metrics"
	"github.com/ytgui/shadowsocks-naive/internal/protocol"
	"github.com/ytgui/shadowsocks-naive/internal/tunnelbus"
)

// Session is the server-side stream handler for one upstream TCP
// connection, created after a successful CONNECT dial.
type Session struct {
	id      uint32
	conn    net.Conn
	bus     *tunnelbus.Bus
	logger  *slog.Logger
	onClose func(id uint32, reason string)

	activity *idle.Activity
}

func newSession(id uint32, conn net.Conn, bus *tunnelbus.Bus, logger *slog.Logger, onClose func(uint32, string)) *Session {
	return &Session{
		id:       id,
		conn:     conn,
		bus:      bus,
		logger:   logger,
		onClose:  onClose,
		activity: idle.NewActivity(time.Now()),
	}
}

// Close closes the upstream socket; the muxtable.Handler contract.
func (s *Session) Close() error {
	return s.conn.Close()
}

// LastActivity implements idle.Entry.
func (s *Session) LastActivity() *idle.Activity {
	return s.activity
}

// CloseIdle implements idle.Entry.
func (s *Session) CloseIdle() {
	s.onClose(s.id, metrics.ReasonIdle)
}

// Deliver writes a relayed data-frame payload to the upstream socket.
// Close-frames are handled by the dispatcher before reaching here.
func (s *Session) Deliver(payload []byte) {
	s.activity.Touch(time.Now())
	if _, err := s.conn.Write(payload); err != nil {
		s.onClose(s.id, metrics.ReasonPeer)
	}
}

const upstreamReadBufSize = protocol.RecommendedPayloadSize

// upstreamReadLoop reads the upstream socket until it closes or errors,
// forwarding bytes to the tunnel as data frames for this session's id.
func (s *Session) upstreamReadLoop() {
	buf := make([]byte, upstreamReadBufSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.activity.Touch(time.Now())
			if werr := s.bus.Write(s.id, buf[:n]); werr != nil {
				s.onClose(s.id, metrics.ReasonLocal)
				return
			}
		}
		if err != nil {
			s.onClose(s.id, metrics.ReasonLocal)
			return
		}
	}
}
