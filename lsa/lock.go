package lsa

import (
	"sync"
	"sync/atomic"

	"github.com/timandy/routine"
)

// reentrantLock serializes all work on a tracker while letting the owning
// goroutine re-enter. Reclaim runs user eviction callbacks and the host
// low-memory hook re-enters allocation paths, so plain sync.Mutex would
// self-deadlock on those edges.
type reentrantLock struct {
	mu    sync.Mutex
	owner atomic.Int64
	depth int
}

func (l *reentrantLock) lock() {
	id := routine.Goid()
	if l.owner.Load() == id {
		l.depth++
		return
	}
	l.mu.Lock()
	l.owner.Store(id)
	l.depth = 1
}

func (l *reentrantLock) unlock() {
	if l.owner.Load() != routine.Goid() {
		panic("lsa: unlock by non-owner goroutine")
	}
	l.depth--
	if l.depth == 0 {
		l.owner.Store(0)
		l.mu.Unlock()
	}
}

// held reports whether the calling goroutine owns the lock.
func (l *reentrantLock) held() bool {
	return l.owner.Load() == routine.Goid()
}
