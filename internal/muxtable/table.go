// Package muxtable implements the connection-id table that binds a
// logical stream's wire identifier to its per-side handler. One instance
// lives on the client, one on the server; each is owned exclusively by its
// side's single dispatcher goroutine and is not safe for concurrent use on
// its own — callers needing access from more than one goroutine must guard
// it themselves.
package muxtable

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// Handler is the minimal contract a table entry must satisfy: it owns a
// local or upstream socket and can be asked to close it.
type Handler interface {
	Close() error
}

// ErrDuplicateID is returned by Bind when id is already present. This is a
// table-invariant violation — a programming error — and callers should
// treat it as fatal rather than recover from it.
var ErrDuplicateID = fmt.Errorf("muxtable: duplicate connection id")

// Table maps connection_id to its side's stream handler.
type Table[H Handler] struct {
	entries map[uint32]H
	freed   *mru
}

// New creates an empty connection table.
func New[H Handler]() *Table[H] {
	return &Table[H]{
		entries: make(map[uint32]H),
		freed:   newMRU(),
	}
}

// Allocate returns a fresh connection id: not currently in the table, and
// not among the last mruSize freed ids. Only the client side calls this;
// the server only ever binds ids it receives from the client.
func (t *Table[H]) Allocate() uint32 {
	for {
		id := randomID()
		if _, present := t.entries[id]; present {
			continue
		}
		if t.freed.contains(id) {
			continue
		}
		return id
	}
}

func randomID() uint32 {
	var b [4]byte
	// crypto/rand never fails on supported platforms; a read short of 4
	// bytes would itself indicate a fatal host problem, not something
	// worth a fallback path here.
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("muxtable: rand.Read: %v", err))
	}
	return binary.BigEndian.Uint32(b[:])
}

// Bind inserts handler under id. id must not already be present; a
// duplicate bind is a programming error.
func (t *Table[H]) Bind(id uint32, handler H) error {
	if _, present := t.entries[id]; present {
		return ErrDuplicateID
	}
	t.entries[id] = handler
	return nil
}

// Lookup returns the handler bound to id, if any.
func (t *Table[H]) Lookup(id uint32) (H, bool) {
	h, ok := t.entries[id]
	return h, ok
}

// Unregister removes id from the table and records it in the MRU so a
// future Allocate will not immediately reissue it. It returns the removed
// handler, or ok=false if id was not present (a legitimate no-op, e.g. a
// close frame arriving for an id already torn down on this side).
func (t *Table[H]) Unregister(id uint32) (h H, ok bool) {
	h, ok = t.entries[id]
	if !ok {
		return h, false
	}
	delete(t.entries, id)
	t.freed.push(id)
	return h, true
}

// Len returns the number of live entries.
func (t *Table[H]) Len() int {
	return len(t.entries)
}

// Snapshot returns a copy of every handler currently bound, without
// removing them. Used by callers that need to sweep the live set (the idle
// watcher) without holding the table locked for the duration of the sweep.
func (t *Table[H]) Snapshot() []H {
	out := make([]H, 0, len(t.entries))
	for _, h := range t.entries {
		out = append(out, h)
	}
	return out
}

// Drain removes and returns every handler currently in the table, for use
// when the tunnel itself is lost: each returned handler should have its
// local/upstream socket closed, with no close-frames emitted since there is
// no tunnel left to carry them. Freed ids are still recorded in the MRU for
// hygiene, though in practice the table's owning process tears down
// entirely after a drain (tunnel reconnection is not supported).
func (t *Table[H]) Drain() []H {
	out := make([]H, 0, len(t.entries))
	for id, h := range t.entries {
		out = append(out, h)
		t.freed.push(id)
	}
	t.entries = make(map[uint32]H)
	return out
}
