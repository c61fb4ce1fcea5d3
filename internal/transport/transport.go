// Package transport abstracts how the tunnel's single persistent byte
// stream is carried. The frame codec, connection table, and SOCKS5/dialer
// components only ever see the net.Conn a Transport hands back; none of
// them know or care which transport produced it.
package transport

import (
	"context"
	"fmt"
	"net"
)

// Transport dials or listens for the tunnel connection.
type Transport interface {
	// Dial opens the single tunnel connection to addr.
	Dial(ctx context.Context, addr string) (net.Conn, error)
	// Listen starts accepting tunnel connections on addr.
	Listen(addr string) (net.Listener, error)
}

// New returns the Transport named by kind ("tcp" or "websocket"). path is
// only used by the websocket transport and is ignored otherwise.
func New(kind, path string) (Transport, error) {
	switch kind {
	case "", "tcp":
		return TCP{}, nil
	case "websocket":
		return NewWebSocket(path), nil
	default:
		return nil, fmt.Errorf("transport: unknown kind %q", kind)
	}
}
