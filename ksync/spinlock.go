// Package ksync provides the lock used for the core's short critical
// sections: frame allocator state, ready queues and object cache free lists.
package ksync

import (
	"runtime"
	"sync/atomic"
)

// SpinLock is a test-and-set lock. It must only guard structural updates
// that never block. The zero value is an unlocked lock.
type SpinLock struct {
	v atomic.Uint32
}

// Lock acquires the lock, spinning until it is available.
func (l *SpinLock) Lock() {
	for {
		if l.v.Swap(1) == 0 {
			return
		}
		for l.v.Load() != 0 {
			runtime.Gosched()
		}
	}
}

// TryLock acquires the lock if it is free and reports whether it did.
func (l *SpinLock) TryLock() bool {
	return l.v.CompareAndSwap(0, 1)
}

// Unlock releases the lock.
func (l *SpinLock) Unlock() {
	l.v.Store(0)
}
