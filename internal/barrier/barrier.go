// Package barrier implements the cyclic rendezvous point pause/resume
// uses (§5 "a barrier sized exactly to (#workers + caller)"). Unlike
// sync.WaitGroup it is reusable across repeated pause/resume cycles for
// the lifetime of one activation.
package barrier

import "sync"

// Barrier blocks n parties in Wait until all n have called it, then
// releases them together and resets for the next cycle.
type Barrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	n       int
	waiting int
	gen     uint64
}

// New creates a Barrier for exactly n parties.
func New(n int) *Barrier {
	b := &Barrier{n: n}
	b.cond = sync.NewCond(&b.mu)

	return b
}

// Wait blocks the caller until n-1 other parties have also called Wait,
// then releases all of them.
func (b *Barrier) Wait() {
	b.mu.Lock()
	defer b.mu.Unlock()

	gen := b.gen
	b.waiting++

	if b.waiting == b.n {
		b.waiting = 0
		b.gen++
		b.cond.Broadcast()

		return
	}

	for gen == b.gen {
		b.cond.Wait()
	}
}

// N returns the configured party count.
func (b *Barrier) N() int { return b.n }
