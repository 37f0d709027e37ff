// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package reclaim

import (
	"sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
)

// intake collects CallRCU callbacks from any number of goroutines for the
// grace-period sweeper, which is the only consumer.
//
// Producers claim a ring slot by CAS on tail, stamp the callback with the
// latest begun generation while they own the slot, then publish it by
// setting the slot's turn. When the ring is full the callback is stamped
// and appended to a locked spill list instead, so a push never fails.
//
// A slot at position pos has turn pos while free, pos+1 once published,
// and pos+capacity after the sweeper has taken it.
//
// Memory: n slots for capacity n, plus the spill list
type intake struct {
	_      pad
	head   atomix.Uint64 // Next position the sweeper takes
	_      pad
	tail   atomix.Uint64 // Next position a producer claims
	_      pad
	slots  []intakeSlot
	mask   uint64
	spillN atomix.Int64

	spillMu sync.Mutex
	spill   []deferred
}

type intakeSlot struct {
	turn atomix.Uint64
	cb   deferred
	_    padShort // Pad to cache line
}

// newIntake creates an intake. Capacity rounds up to the next power of 2.
func newIntake(capacity int) *intake {
	n := uint64(roundToPow2(capacity))
	q := &intake{
		slots: make([]intakeSlot, n),
		mask:  n - 1,
	}
	for i := range q.slots {
		q.slots[i].turn.StoreRelaxed(uint64(i))
	}
	return q
}

// push queues fn stamped with the current value of gen and returns the
// stamp. Safe for concurrent producers.
func (q *intake) push(fn func(), gen *atomix.Uint64) uint64 {
	sw := spin.Wait{}
	for {
		tail := q.tail.LoadAcquire()
		s := &q.slots[tail&q.mask]
		turn := s.turn.LoadAcquire()
		switch {
		case turn == tail:
			if !q.tail.CompareAndSwapAcqRel(tail, tail+1) {
				break
			}
			stamp := gen.Load()
			s.cb = deferred{fn: fn, stamp: stamp}
			s.turn.StoreRelease(tail + 1)
			return stamp
		case turn < tail:
			// The slot still holds last lap's callback: ring full.
			return q.pushSpill(fn, gen)
		}
		sw.Once()
	}
}

func (q *intake) pushSpill(fn func(), gen *atomix.Uint64) uint64 {
	q.spillMu.Lock()
	stamp := gen.Load()
	q.spill = append(q.spill, deferred{fn: fn, stamp: stamp})
	q.spillN.Add(1)
	q.spillMu.Unlock()
	return stamp
}

// drain appends every published callback to dst, ring first, then the
// spill list, and returns dst (sweeper only).
//
// A slot claimed but not yet published ends the ring pass; it and the
// slots behind it are taken by a later drain.
func (q *intake) drain(dst []deferred) []deferred {
	head := q.head.LoadRelaxed()
	pos := head
	for {
		s := &q.slots[pos&q.mask]
		if s.turn.LoadAcquire() != pos+1 {
			break
		}
		dst = append(dst, s.cb)
		s.cb = deferred{}
		s.turn.StoreRelease(pos + q.mask + 1)
		pos++
	}
	if pos != head {
		q.head.StoreRelease(pos)
	}

	if q.spillN.Load() == 0 {
		return dst
	}
	q.spillMu.Lock()
	dst = append(dst, q.spill...)
	q.spillN.Add(-int64(len(q.spill)))
	clear(q.spill)
	q.spill = q.spill[:0]
	q.spillMu.Unlock()
	return dst
}

// size returns the approximate number of queued callbacks.
func (q *intake) size() int {
	n := int64(q.tail.LoadAcquire()) - int64(q.head.LoadAcquire())
	if n < 0 {
		n = 0
	}
	return int(n + q.spillN.Load())
}

// capacity returns the ring capacity, not counting the spill list.
func (q *intake) capacity() int {
	return int(q.mask + 1)
}
