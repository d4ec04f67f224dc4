// ABOUTME: Reentrant FIFO lock owned by a goroutine, with ownership assertions
// ABOUTME: Waiters are served in arrival order; unlocking from a non-owner panics

package state

import (
	"fmt"
	"sync"

	"github.com/petermattis/goid"
)

type waiter struct {
	gid   int64
	ready chan struct{}
}

// Lock is a reentrant mutex. The goroutine that holds it may lock it again;
// it is released when Unlock has been called as many times as Lock.
// Contending goroutines acquire it in the order they asked.
type Lock struct {
	mu      sync.Mutex
	owner   int64
	depth   int
	waiters []waiter
}

// Lock acquires the lock, blocking until it is available.
func (l *Lock) Lock() {
	gid := goid.Get()

	l.mu.Lock()
	if l.depth > 0 && l.owner == gid {
		l.depth++
		l.mu.Unlock()
		return
	}
	if l.depth == 0 && len(l.waiters) == 0 {
		l.owner, l.depth = gid, 1
		l.mu.Unlock()
		return
	}
	w := waiter{gid: gid, ready: make(chan struct{})}
	l.waiters = append(l.waiters, w)
	l.mu.Unlock()

	// Ownership is handed over by Unlock before ready is closed.
	<-w.ready
}

// Unlock releases one level of ownership. It panics if the calling goroutine
// does not hold the lock.
func (l *Lock) Unlock() {
	gid := goid.Get()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.depth == 0 || l.owner != gid {
		panic(fmt.Sprintf("state: unlock of lock not held by goroutine %d", gid))
	}
	l.depth--
	if l.depth > 0 {
		return
	}
	if len(l.waiters) > 0 {
		next := l.waiters[0]
		l.waiters = l.waiters[1:]
		l.owner, l.depth = next.gid, 1
		close(next.ready)
		return
	}
	l.owner = 0
}

// HeldByCurrent reports whether the calling goroutine holds the lock.
func (l *Lock) HeldByCurrent() bool {
	gid := goid.Get()

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.depth > 0 && l.owner == gid
}

// AssertLocked panics unless the calling goroutine holds the lock.
func (l *Lock) AssertLocked() {
	if !l.HeldByCurrent() {
		panic("state: mutation without holding the conversation lock")
	}
}
