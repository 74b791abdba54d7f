package sched

import (
	"golang.org/x/sys/cpu"

	"github.com/iansmith/kcore/ksync"
)

// queue is an intrusive FIFO of TCBs linked through their next/prev
// fields. Linking never allocates.
type queue struct {
	head, tail *TCB
	len        int
}

func (q *queue) pushBack(t *TCB) {
	t.on = q
	t.next = nil
	t.prev = q.tail
	if q.tail != nil {
		q.tail.next = t
	} else {
		q.head = t
	}
	q.tail = t
	q.len++
}

func (q *queue) pushFront(t *TCB) {
	t.on = q
	t.prev = nil
	t.next = q.head
	if q.head != nil {
		q.head.prev = t
	} else {
		q.tail = t
	}
	q.head = t
	q.len++
}

func (q *queue) popFront() *TCB {
	t := q.head
	if t != nil {
		q.remove(t)
	}
	return t
}

func (q *queue) remove(t *TCB) {
	if t.prev != nil {
		t.prev.next = t.next
	} else {
		q.head = t.next
	}
	if t.next != nil {
		t.next.prev = t.prev
	} else {
		q.tail = t.prev
	}
	t.next, t.prev, t.on = nil, nil, nil
	q.len--
}

func (q *queue) ids() []ThreadID {
	ids := make([]ThreadID, 0, q.len)
	for t := q.head; t != nil; t = t.next {
		ids = append(ids, t.ID)
	}
	return ids
}

// readyQueue is the FIFO of one tier, padded so tiers touched by different
// cores later do not share cache lines.
type readyQueue struct {
	queue
	_ cpu.CacheLinePad
}

// runQueue is the per-core scheduling state.
type runQueue struct {
	lock ksync.SpinLock
	_    cpu.CacheLinePad

	tiers    [MaxTiers]readyQueue
	nonEmpty uint8 // bit t set when tiers[t] is not empty

	current *TCB
	idle    *TCB
}

func (rq *runQueue) enqueue(t *TCB) {
	rq.tiers[t.Tier].pushBack(t)
	rq.nonEmpty |= 1 << t.Tier
}

func (rq *runQueue) enqueueFront(t *TCB) {
	rq.tiers[t.Tier].pushFront(t)
	rq.nonEmpty |= 1 << t.Tier
}

func (rq *runQueue) dequeue(t *TCB) {
	rq.tiers[t.Tier].remove(t)
	if rq.tiers[t.Tier].len == 0 {
		rq.nonEmpty &^= 1 << t.Tier
	}
}

// highest returns the highest tier with a ready thread.
func (rq *runQueue) highest() (Tier, bool) {
	if rq.nonEmpty == 0 {
		return 0, false
	}
	tier := Tier(MaxTiers - 1)
	for rq.nonEmpty&(1<<tier) == 0 {
		tier--
	}
	return tier, true
}

func (rq *runQueue) pop(tier Tier) *TCB {
	t := rq.tiers[tier].head
	rq.dequeue(t)
	return t
}

func (rq *runQueue) ready() int {
	n := 0
	for i := range rq.tiers {
		n += rq.tiers[i].len
	}
	return n
}
