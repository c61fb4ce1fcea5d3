package clientside

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/ytgui/shadowsocks-naive/internal/logging"
	"github.com/ytgui/shadowsocks-naive/internal/protocol"
	"github.com/ytgui/shadowsocks-naive/internal/socks5"
)

func TestReadConnectPayloadIPv4(t *testing.T) {
	raw := []byte{0x05, 0x01, 0x00, 0x01, 8, 8, 8, 8, 0x00, 0x50}
	got, err := readConnectPayload(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("readConnectPayload: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Fatalf("got %x, want %x", got, raw)
	}
}

func TestReadConnectPayloadDomain(t *testing.T) {
	raw := []byte{0x05, 0x01, 0x00, 0x03, 11, 'e', 'x', 'a', 'm', 'p', 'l', 'e', '.', 'c', 'o', 'm', 0x00, 0x50}
	got, err := readConnectPayload(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("readConnectPayload: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Fatalf("got %x, want %x", got, raw)
	}
}

func TestReadConnectPayloadRejectsBadVersion(t *testing.T) {
	raw := []byte{0x04, 0x01, 0x00, 0x01, 8, 8, 8, 8, 0x00, 0x50}
	if _, err := readConnectPayload(bytes.NewReader(raw)); err != socks5.ErrMalformed {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

// testHarness wires a Client against a fake server sitting on the other
// end of the tunnel pipe, speaking the frame protocol directly.
type testHarness struct {
	t        *testing.T
	client   *Client
	listener net.Listener
	srvRead  *protocol.Reader
	srvWrite *protocol.Writer
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	clientConn, serverConn := net.Pipe()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	c := New(clientConn, ln, protocol.RecommendedPayloadSize, time.Hour, time.Hour, nil, logging.Nop())
	go c.Run()

	return &testHarness{
		t:        t,
		client:   c,
		listener: ln,
		srvRead:  protocol.NewReader(serverConn, protocol.RecommendedPayloadSize),
		srvWrite: protocol.NewWriter(serverConn),
	}
}

func (h *testHarness) dialApp() net.Conn {
	h.t.Helper()
	conn, err := net.Dial("tcp", h.listener.Addr().String())
	if err != nil {
		h.t.Fatalf("dial local listener: %v", err)
	}
	return conn
}

func TestClientConnectSuccessAndRelay(t *testing.T) {
	h := newTestHarness(t)
	defer h.client.Close()

	app := h.dialApp()
	defer app.Close()

	if _, err := app.Write(socks5.Greeting[:]); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	reply := make([]byte, 2)
	if _, err := io.ReadFull(app, reply); err != nil {
		t.Fatalf("read greeting reply: %v", err)
	}
	if !bytes.Equal(reply, socks5.GreetingReply[:]) {
		t.Fatalf("greeting reply = %x, want %x", reply, socks5.GreetingReply)
	}

	connectPayload := []byte{0x05, 0x01, 0x00, 0x01, 8, 8, 8, 8, 0x00, 0x50}
	if _, err := app.Write(connectPayload); err != nil {
		t.Fatalf("write CONNECT: %v", err)
	}

	frame, err := h.srvRead.ReadFrame()
	if err != nil {
		t.Fatalf("server ReadFrame: %v", err)
	}
	if !bytes.Equal(frame.Payload, connectPayload) {
		t.Fatalf("server saw payload %x, want %x", frame.Payload, connectPayload)
	}
	id := frame.ConnectionID

	successReply := socks5.EncodeReply(socks5.ReplySuccess)
	if err := h.srvWrite.WriteFrame(id, successReply); err != nil {
		t.Fatalf("server WriteFrame: %v", err)
	}

	gotReply := make([]byte, len(successReply))
	if _, err := io.ReadFull(app, gotReply); err != nil {
		t.Fatalf("read CONNECT reply: %v", err)
	}
	if !bytes.Equal(gotReply, successReply) {
		t.Fatalf("CONNECT reply = %x, want %x", gotReply, successReply)
	}

	if _, err := app.Write([]byte("hello")); err != nil {
		t.Fatalf("write stream data: %v", err)
	}
	dataFrame, err := h.srvRead.ReadFrame()
	if err != nil {
		t.Fatalf("server ReadFrame (data): %v", err)
	}
	if dataFrame.ConnectionID != id || string(dataFrame.Payload) != "hello" {
		t.Fatalf("server saw %+v, want id=%d payload=hello", dataFrame, id)
	}

	if err := h.srvWrite.WriteFrame(id, []byte("world")); err != nil {
		t.Fatalf("server WriteFrame (data): %v", err)
	}
	got := make([]byte, len("world"))
	if _, err := io.ReadFull(app, got); err != nil {
		t.Fatalf("read relayed data: %v", err)
	}
	if string(got) != "world" {
		t.Fatalf("app read %q, want world", got)
	}

	app.Close()
	closeFrame, err := h.srvRead.ReadFrame()
	if err != nil {
		t.Fatalf("server ReadFrame (close): %v", err)
	}
	if closeFrame.ConnectionID != id || !closeFrame.IsClose() {
		t.Fatalf("expected close-frame for id %d, got %+v", id, closeFrame)
	}
}

func TestClientConnectFailureClosesLocal(t *testing.T) {
	h := newTestHarness(t)
	defer h.client.Close()

	app := h.dialApp()
	defer app.Close()

	app.Write(socks5.Greeting[:])
	io.ReadFull(app, make([]byte, 2))

	connectPayload := []byte{0x05, 0x01, 0x00, 0x01, 10, 20, 30, 40, 0x00, 0x50}
	app.Write(connectPayload)

	frame, err := h.srvRead.ReadFrame()
	if err != nil {
		t.Fatalf("server ReadFrame: %v", err)
	}
	id := frame.ConnectionID

	failureReply := socks5.EncodeReply(socks5.ReplyHostUnreachable)
	if err := h.srvWrite.WriteFrame(id, failureReply); err != nil {
		t.Fatalf("server WriteFrame: %v", err)
	}

	gotReply := make([]byte, len(failureReply))
	if _, err := io.ReadFull(app, gotReply); err != nil {
		t.Fatalf("read failure reply: %v", err)
	}
	if !bytes.Equal(gotReply, failureReply) {
		t.Fatalf("reply = %x, want %x", gotReply, failureReply)
	}

	// The client still owns the id (the server never registered it on its
	// side); it must still emit a close-frame, which is a harmless no-op
	// for the server.
	closeFrame, err := h.srvRead.ReadFrame()
	if err != nil {
		t.Fatalf("server ReadFrame (close): %v", err)
	}
	if closeFrame.ConnectionID != id || !closeFrame.IsClose() {
		t.Fatalf("expected close-frame for id %d, got %+v", id, closeFrame)
	}

	buf := make([]byte, 1)
	if _, err := app.Read(buf); err == nil {
		t.Fatalf("expected local socket to be closed after failure reply")
	}
}
