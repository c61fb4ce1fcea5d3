package transport

import (
	"context"
	"net"
)

// TCP is the default transport: a thin wrapper over net.Dial/net.Listen.
type TCP struct{}

func (TCP) Dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

func (TCP) Listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
