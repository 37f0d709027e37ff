// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package reclaim

import "code.hybscloud.com/atomix"

// bag is a per-participant ring of retired objects.
//
// The owning participant is the only producer; the domain collector,
// serialized by collectMu, is the only consumer. The owner retires in
// non-decreasing epoch order, so a collection sweep stops at the first
// entry that is not yet eligible and publishes its progress once per
// sweep rather than once per entry.
//
// Memory: O(capacity) with minimal per-slot overhead
type bag struct {
	_         pad
	head      atomix.Uint64 // First unswept entry, collector writes
	_         pad
	tail      atomix.Uint64 // Next free entry, owner writes
	_         pad
	ownerHead uint64 // Owner's cached view of head
	_         pad
	buffer    []retired
	mask      uint64
}

// newBag creates a bag. Capacity rounds up to the next power of 2.
func newBag(capacity int) *bag {
	n := uint64(roundToPow2(capacity))
	return &bag{
		buffer: make([]retired, n),
		mask:   n - 1,
	}
}

// push appends an entry (owner only).
// Returns ErrWouldBlock if the bag is full; the caller spills r elsewhere.
func (b *bag) push(r *retired) error {
	tail := b.tail.LoadRelaxed()
	if tail-b.ownerHead > b.mask {
		// Refresh only when the cached view says full.
		if b.ownerHead = b.head.LoadAcquire(); tail-b.ownerHead > b.mask {
			return ErrWouldBlock
		}
	}
	b.buffer[tail&b.mask] = *r
	b.tail.StoreRelease(tail + 1)
	return nil
}

// sweep appends to dst every leading entry retired early enough to be
// reclaimed at safe, and returns dst (collector only).
func (b *bag) sweep(dst []retired, safe uint64) []retired {
	return b.sweepUntil(dst, func(r *retired) bool { return eligible(r.epoch, safe) })
}

// empty appends every entry to dst regardless of epoch (collector only).
func (b *bag) empty(dst []retired) []retired {
	return b.sweepUntil(dst, func(*retired) bool { return true })
}

func (b *bag) sweepUntil(dst []retired, take func(*retired) bool) []retired {
	head := b.head.LoadRelaxed()
	tail := b.tail.LoadAcquire()
	pos := head
	for ; pos != tail; pos++ {
		e := &b.buffer[pos&b.mask]
		if !take(e) {
			break
		}
		dst = append(dst, *e)
		*e = retired{}
	}
	if pos != head {
		b.head.StoreRelease(pos)
	}
	return dst
}

// size returns the number of entries. Exact only when neither side is
// running concurrently; good enough for statistics otherwise.
func (b *bag) size() int {
	return int(b.tail.LoadAcquire() - b.head.LoadAcquire())
}

// capacity returns the bag capacity.
func (b *bag) capacity() int {
	return int(b.mask + 1)
}
