// Package tunnelbus serializes outbound frame writes onto the shared
// tunnel socket. Writes for different connection ids must never interleave
// mid-frame; a Bus is the single writer goroutine fed by an in-process
// queue (compare smux's Session.writes/sendLoop).
package tunnelbus

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ytgui/shadowsocks-naive/internal/protocol"
)

// ErrClosed is returned by Write/WriteClose once the bus has been closed
// or has failed writing to the underlying tunnel socket.
var ErrClosed = errors.New("tunnelbus: closed")

type writeRequest struct {
	id      uint32
	payload []byte
	result  chan error
}

// Bus owns the tunnel's io.Writer and is the only goroutine that ever
// calls Write on it. Any number of goroutines (the SOCKS5 state machine,
// upstream readers) may call Write/WriteClose concurrently; requests are
// queued and flushed one frame at a time, in FIFO order.
type Bus struct {
	fw     *protocol.Writer
	queue  chan writeRequest
	done   chan struct{}
	closed atomic.Bool
	wg     sync.WaitGroup
}

// New starts a Bus writing frames to fw. Call Close when the tunnel goes
// away to stop the writer goroutine and fail any queued writes.
func New(fw *protocol.Writer) *Bus {
	b := &Bus{
		fw:    fw,
		queue: make(chan writeRequest, 256),
		done:  make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

func (b *Bus) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case req := <-b.queue:
			err := b.fw.WriteFrame(req.id, req.payload)
			req.result <- err
			if err != nil {
				// The tunnel socket is broken; stop trying to drain
				// further queued writes so they fail fast instead of
				// blocking on a dead connection.
				if !b.closed.Swap(true) {
					close(b.done)
				}
				return
			}
		}
	}
}

// Write queues a data frame for id and blocks until it has been written
// (or the bus has failed/closed).
func (b *Bus) Write(id uint32, payload []byte) error {
	return b.enqueue(id, payload)
}

// WriteClose queues a close-frame for id.
func (b *Bus) WriteClose(id uint32) error {
	return b.enqueue(id, nil)
}

func (b *Bus) enqueue(id uint32, payload []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	result := make(chan error, 1)
	select {
	case b.queue <- writeRequest{id: id, payload: payload, result: result}:
	case <-b.done:
		return ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-b.done:
		return ErrClosed
	}
}

// Close stops the writer goroutine. Safe to call more than once.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	close(b.done)
	b.wg.Wait()
}
