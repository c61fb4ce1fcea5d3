package muxtable

import "testing"

type fakeHandler struct {
	closed bool
}

func (f *fakeHandler) Close() error {
	f.closed = true
	return nil
}

func TestAllocateDisjointFromTableAndMRU(t *testing.T) {
	tbl := New[*fakeHandler]()

	ids := make(map[uint32]struct{})
	for i := 0; i < 1000; i++ {
		id := tbl.Allocate()
		if _, dup := ids[id]; dup {
			t.Fatalf("allocate returned duplicate id %d", id)
		}
		ids[id] = struct{}{}
		if err := tbl.Bind(id, &fakeHandler{}); err != nil {
			t.Fatalf("Bind: %v", err)
		}
		if i%3 == 0 {
			tbl.Unregister(id)
		}
	}
}

func TestBindDuplicateIsError(t *testing.T) {
	tbl := New[*fakeHandler]()
	if err := tbl.Bind(42, &fakeHandler{}); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := tbl.Bind(42, &fakeHandler{}); err != ErrDuplicateID {
		t.Fatalf("err = %v, want ErrDuplicateID", err)
	}
}

func TestUnregisterAbsentIsNoOp(t *testing.T) {
	tbl := New[*fakeHandler]()
	if _, ok := tbl.Unregister(999); ok {
		t.Fatalf("expected no-op for absent id")
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	tbl := New[*fakeHandler]()
	h := &fakeHandler{}
	tbl.Bind(1, h)

	got, ok := tbl.Unregister(1)
	if !ok || got != h {
		t.Fatalf("first unregister: got=%v ok=%v", got, ok)
	}
	if _, ok := tbl.Unregister(1); ok {
		t.Fatalf("second unregister should be a no-op")
	}
}

func TestMRUPreventsImmediateReuse(t *testing.T) {
	tbl := New[*fakeHandler]()
	tbl.Bind(7, &fakeHandler{})
	tbl.Unregister(7)

	for i := 0; i < 10_000; i++ {
		id := tbl.Allocate()
		if id == 7 {
			t.Fatalf("allocate reissued recently freed id 7")
		}
		tbl.Bind(id, &fakeHandler{})
		tbl.Unregister(id)
	}
}

func TestSnapshotDoesNotRemove(t *testing.T) {
	tbl := New[*fakeHandler]()
	tbl.Bind(1, &fakeHandler{})
	tbl.Bind(2, &fakeHandler{})

	snap := tbl.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot() len = %d, want 2", len(snap))
	}
	if tbl.Len() != 2 {
		t.Fatalf("Snapshot must not remove entries, Len() = %d", tbl.Len())
	}
}

func TestDrainEmptiesTableAndClosesNothingItself(t *testing.T) {
	tbl := New[*fakeHandler]()
	handlers := []*fakeHandler{{}, {}, {}}
	for i, h := range handlers {
		tbl.Bind(uint32(i+1), h)
	}

	drained := tbl.Drain()
	if len(drained) != len(handlers) {
		t.Fatalf("drained %d handlers, want %d", len(drained), len(handlers))
	}
	if tbl.Len() != 0 {
		t.Fatalf("table should be empty after drain, len=%d", tbl.Len())
	}
	for _, h := range handlers {
		if h.closed {
			t.Fatalf("Drain must not close handlers itself; caller does")
		}
	}
}
