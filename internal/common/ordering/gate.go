// Package ordering delivers per-key snapshots to observers in revision
// order when they are produced on different goroutines.
package ordering

import "sync"

type keyState struct {
	mu   sync.Mutex
	last uint64
}

// Gate serializes delivery per key. A snapshot whose revision is not newer
// than the last one delivered for its key is dropped, so observers never see
// a key move backwards.
type Gate[K comparable] struct {
	mu   sync.Mutex
	keys map[K]*keyState
}

// NewGate creates an empty gate.
func NewGate[K comparable]() *Gate[K] {
	return &Gate[K]{keys: make(map[K]*keyState)}
}

func (g *Gate[K]) state(key K) *keyState {
	g.mu.Lock()
	defer g.mu.Unlock()

	if ks, ok := g.keys[key]; ok {
		return ks
	}
	ks := &keyState{}
	g.keys[key] = ks
	return ks
}

// Deliver runs fn while holding key's delivery lock if revision is newer
// than the last delivered revision for key. It reports whether fn ran.
// fn must not deliver for the same key.
func (g *Gate[K]) Deliver(key K, revision uint64, fn func()) bool {
	ks := g.state(key)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if revision <= ks.last {
		return false
	}
	ks.last = revision
	fn()
	return true
}

// Last returns the last revision delivered for key.
func (g *Gate[K]) Last(key K) uint64 {
	ks := g.state(key)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.last
}

// Forget drops the state kept for key.
func (g *Gate[K]) Forget(key K) {
	g.mu.Lock()
	delete(g.keys, key)
	g.mu.Unlock()
}
