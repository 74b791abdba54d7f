package sched

import (
	"fmt"

	"github.com/iansmith/kcore/kernel"
)

// WaitQueue is the blocking primitive: threads block on it and are woken
// from it in FIFO order. A WaitQueue must only be used with one scheduler.
// There is no timeout; a blocked thread stays blocked until woken or killed.
type WaitQueue struct {
	Name string

	q queue
}

// Waiters returns the number of threads blocked on wq.
func (wq *WaitQueue) Waiters() int {
	return wq.q.len
}

// BlockOn blocks the running thread on wq and switches to the next ready
// thread. The idle thread cannot block.
func (s *Scheduler) BlockOn(wq *WaitQueue) error {
	rq := s.rq
	rq.lock.Lock()
	defer rq.lock.Unlock()

	cur := rq.current
	if cur == rq.idle {
		return fmt.Errorf("%w: the idle thread cannot block", kernel.ErrInvalidArgument)
	}
	cur.State = Blocked
	wq.q.pushBack(cur)
	s.switchTo(s.next(), ReasonBlock)
	return nil
}

// Wake makes the longest waiting thread of wq ready. It is queued at the
// tail of its tier and runs no later than the next tick boundary at which
// its tier is the highest ready one.
func (s *Scheduler) Wake(wq *WaitQueue) (ThreadID, bool) {
	rq := s.rq
	rq.lock.Lock()
	defer rq.lock.Unlock()

	t := wq.q.popFront()
	if t == nil {
		return 0, false
	}
	s.makeReady(t)
	return t.ID, true
}

// WakeAll makes every thread blocked on wq ready and returns how many.
func (s *Scheduler) WakeAll(wq *WaitQueue) int {
	rq := s.rq
	rq.lock.Lock()
	defer rq.lock.Unlock()

	n := 0
	for t := wq.q.popFront(); t != nil; t = wq.q.popFront() {
		s.makeReady(t)
		n++
	}
	return n
}

func (s *Scheduler) makeReady(t *TCB) {
	t.State = Ready
	t.slice = s.cfg.Slice
	s.rq.enqueue(t)
}
