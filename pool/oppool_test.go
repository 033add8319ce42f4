// Copyright 2025 momentics@gmail.com
// Licensed under the Apache License, Version 2.0.

// oppool_test.go — operation record pool contract and drain semantics.
package pool

import (
	"sync"
	"testing"
	"time"
)

func TestOperationPool_AcquireStampsRecord(t *testing.T) {
	p := NewOperationPool()
	op := p.Acquire(42, KindReceive)
	if op.Owner() != 42 {
		t.Fatalf("owner = %d, want 42", op.Owner())
	}
	if op.Kind() != KindReceive {
		t.Fatalf("kind = %v, want receive", op.Kind())
	}
	if op.Token() == 0 {
		t.Fatal("token must be non-zero")
	}
	got, ok := p.Lookup(op.Token())
	if !ok || got != op {
		t.Fatal("Lookup must resolve a live record")
	}
}

func TestOperationPool_TokensAreUnique(t *testing.T) {
	p := NewOperationPool()
	seen := make(map[uint64]bool)
	for i := 0; i < 1000; i++ {
		op := p.Acquire(1, KindSend)
		if seen[op.Token()] {
			t.Fatalf("token %d issued twice", op.Token())
		}
		seen[op.Token()] = true
		p.Release(op)
	}
}

func TestOperationPool_ReleaseRemovesFromLiveTable(t *testing.T) {
	p := NewOperationPool()
	op := p.Acquire(7, KindConnect)
	token := op.Token()
	p.Release(op)
	if _, ok := p.Lookup(token); ok {
		t.Fatal("released record must not resolve")
	}
	if n := p.Outstanding(7); n != 0 {
		t.Fatalf("outstanding = %d, want 0", n)
	}
}

func TestOperationPool_DoubleReleaseIsNoop(t *testing.T) {
	p := NewOperationPool()
	a := p.Acquire(7, KindConnect)
	b := p.Acquire(7, KindReceive)
	p.Release(a)
	p.Release(a) // must not disturb b's accounting
	if n := p.Outstanding(7); n != 1 {
		t.Fatalf("outstanding = %d, want 1", n)
	}
	p.Release(b)
	if n := p.Outstanding(7); n != 0 {
		t.Fatalf("outstanding = %d, want 0", n)
	}
}

func TestOperationPool_WaitIdleBlocksUntilDrained(t *testing.T) {
	p := NewOperationPool()
	op := p.Acquire(9, KindReceive)

	done := make(chan struct{})
	go func() {
		p.WaitIdle(9)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitIdle returned while a record was outstanding")
	case <-time.After(20 * time.Millisecond):
	}

	p.Release(op)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitIdle did not return after release")
	}
}

func TestOperationPool_ConcurrentAcquireRelease(t *testing.T) {
	p := NewOperationPool()
	const workers, iters = 8, 500
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(owner uint64) {
			defer wg.Done()
			for i := 0; i < iters; i++ {
				op := p.Acquire(owner, KindSend)
				if _, ok := p.Lookup(op.Token()); !ok {
					t.Error("live record not resolvable")
					return
				}
				p.Release(op)
			}
		}(uint64(w))
	}
	wg.Wait()
	for w := 0; w < workers; w++ {
		if n := p.Outstanding(uint64(w)); n != 0 {
			t.Fatalf("owner %d outstanding = %d, want 0", w, n)
		}
	}
}

func TestBytePool_FixedCapacity(t *testing.T) {
	bp := NewBytePool(1024)
	buf := bp.GetBuffer()
	if len(buf) != 1024 {
		t.Fatalf("len = %d, want 1024", len(buf))
	}
	bp.PutBuffer(buf)
	bp.PutBuffer(make([]byte, 13)) // foreign size must be dropped
	again := bp.GetBuffer()
	if len(again) != 1024 {
		t.Fatalf("len after recycle = %d, want 1024", len(again))
	}
}
