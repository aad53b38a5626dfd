package pool

import "testing"

func TestBufferPoolReuse(t *testing.T) {
    p := NewBufferPool(1024, 2)
    b1 := p.Acquire()
    if cap(b1) != 1024 || len(b1) != 0 {
        t.Fatalf("acquire: cap=%d len=%d", cap(b1), len(b1))
    }
    b1 = append(b1, 1, 2, 3)
    p.Release(b1)

    b2 := p.Acquire()
    if cap(b2) != 1024 || len(b2) != 0 {
        t.Fatalf("reacquire: cap=%d len=%d", cap(b2), len(b2))
    }
    _, reuses := p.Stats()
    if reuses != 1 {
        t.Fatalf("expected 1 reuse, got %d", reuses)
    }
}

func TestBufferPoolOverflowAllocates(t *testing.T) {
    p := NewBufferPool(64, 1)
    a := p.Acquire()
    b := p.Acquire()
    if cap(a) != 64 || cap(b) != 64 {
        t.Fatalf("wrong caps: %d %d", cap(a), cap(b))
    }
    allocs, _ := p.Stats()
    if allocs != 2 {
        t.Fatalf("expected 2 allocations, got %d", allocs)
    }
    // Only one slot: second release is dropped silently.
    p.Release(a)
    p.Release(b)
}

func TestBufferPoolRejectsForeignBuffer(t *testing.T) {
    p := NewBufferPool(64, 1)
    p.Release(make([]byte, 0, 128))
    b := p.Acquire()
    if cap(b) != 64 {
        t.Fatalf("foreign buffer leaked into pool: cap=%d", cap(b))
    }
}

type thing struct{ n int }

func TestObjectPoolRoundtrip(t *testing.T) {
    p := NewObjectPool(2, func() *thing { return &thing{} }, func(v *thing) { v.n = 0 })
    a := p.Acquire()
    a.n = 7
    if !p.Release(a) {
        t.Fatalf("expected release into empty pool to retain")
    }
    b := p.Acquire()
    if b != a {
        t.Fatalf("expected pooled instance back")
    }
    if b.n != 0 {
        t.Fatalf("expected reset instance, got n=%d", b.n)
    }
}

func TestObjectPoolOverflowDiscards(t *testing.T) {
    p := NewObjectPool(1, func() *thing { return &thing{} }, nil)
    a := p.Acquire()
    b := p.Acquire()
    if !p.Release(a) {
        t.Fatalf("first release should be retained")
    }
    if p.Release(b) {
        t.Fatalf("second release should be discarded")
    }
}
