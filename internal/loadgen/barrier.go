package loadgen

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrBarrierBroken is returned by Wait once the barrier has been broken
var ErrBarrierBroken = errors.New("barrier broken")

// generation is one cycle of the barrier
type generation struct {
	release chan struct{}
	broken  bool
}

// Barrier releases a fixed number of parties together. It is reusable: once
// all parties of a generation arrive they are released and the next Wait
// starts a fresh generation. Breaking the barrier wakes every waiter, and
// every later Wait, with ErrBarrierBroken.
type Barrier struct {
	parties int

	mu      sync.Mutex
	arrived int
	gen     *generation
	cycles  int
	broken  bool
}

// NewBarrier creates a barrier for n parties
func NewBarrier(n int) *Barrier {
	if n < 1 {
		panic(fmt.Sprintf("loadgen: barrier needs at least one party, got %d", n))
	}
	return &Barrier{
		parties: n,
		gen:     &generation{release: make(chan struct{})},
	}
}

// Waiting returns the number of parties blocked in the current generation
func (b *Barrier) Waiting() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.arrived
}

// Cycles returns how many generations have been released
func (b *Barrier) Cycles() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cycles
}

// Broken reports whether the barrier has been broken
func (b *Barrier) Broken() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.broken
}

// Wait blocks until all parties have called Wait for the current generation.
// If ctx is cancelled first the barrier is broken for everyone.
func (b *Barrier) Wait(ctx context.Context) error {
	b.mu.Lock()
	if b.broken {
		b.mu.Unlock()
		return ErrBarrierBroken
	}

	g := b.gen
	b.arrived++
	if b.arrived == b.parties {
		b.arrived = 0
		b.cycles++
		b.gen = &generation{release: make(chan struct{})}
		close(g.release)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	select {
	case <-g.release:
	case <-ctx.Done():
		b.mu.Lock()
		b.breakLocked()
		b.mu.Unlock()
		// g may have tripped before the break
		<-g.release
		if !g.broken {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrBarrierBroken, ctx.Err())
	}
	if g.broken {
		return ErrBarrierBroken
	}
	return nil
}

// Break wakes every waiting party with ErrBarrierBroken and fails all future
// waits. It is safe to call more than once.
func (b *Barrier) Break() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.breakLocked()
}

func (b *Barrier) breakLocked() {
	b.broken = true
	if g := b.gen; !g.broken {
		g.broken = true
		b.arrived = 0
		close(g.release)
	}
}
