// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package reclaim

import (
	"sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/spin"
)

// readSpinLimit bounds the busy spin in ReadBegin before it falls back to
// adaptive backoff.
const readSpinLimit = 64

// SeqLock is a sequence counter for optimistic reads of small records.
//
// The sequence is even while the record is stable and odd while a writer
// is in progress. Readers never block writers; they detect a concurrent
// write and retry:
//
//	for {
//	    seq := sl.ReadBegin()
//	    x, y := rec.x, rec.y // snapshot only, do not act on it yet
//	    if !sl.ReadRetry(seq) {
//	        use(x, y)
//	        break
//	    }
//	}
//
// SeqLock does not arbitrate between writers: serialize WriteBegin/WriteEnd
// with an external mutex, or use it from a single writer by construction.
//
// Protect only plain values that can be read while being overwritten
// (fixed-size integers, floats, arrays of them). Never protect a pointer
// whose target may be freed without separate epoch or RCU protection.
//
// The zero value is ready to use.
type SeqLock struct {
	_   pad
	seq atomix.Uint64
	_   padShort
}

// WriteBegin enters the writer section and returns the (odd) sequence.
func (s *SeqLock) WriteBegin() uint64 {
	seq := s.seq.AddAcqRel(1)
	assertThat(seq&1 == 1, "nested seqlock write")
	return seq
}

// WriteEnd leaves the writer section, publishing the record.
func (s *SeqLock) WriteEnd() {
	seq := s.seq.AddAcqRel(1)
	assertThat(seq&1 == 0, "seqlock write end without begin")
}

// ReadBegin waits until no write is in progress and returns the (even)
// sequence to pass to ReadRetry.
//
// It spins a bounded number of times, then yields with adaptive backoff,
// so a stalled writer cannot monopolize the reader's core.
func (s *SeqLock) ReadBegin() uint64 {
	if seq, ok := s.TryReadBegin(); ok {
		return seq
	}
	sw := spin.Wait{}
	for range readSpinLimit {
		sw.Once()
		if seq, ok := s.TryReadBegin(); ok {
			return seq
		}
	}
	backoff := iox.Backoff{}
	for {
		backoff.Wait()
		if seq, ok := s.TryReadBegin(); ok {
			return seq
		}
	}
}

// TryReadBegin returns the current sequence and true when no write is in
// progress. It never waits.
func (s *SeqLock) TryReadBegin() (uint64, bool) {
	seq := s.seq.LoadAcquire()
	return seq, seq&1 == 0
}

// ReadRetry reports whether the snapshot taken since ReadBegin returned
// start may be torn and must be discarded.
func (s *SeqLock) ReadRetry(start uint64) bool {
	// Sequentially consistent load: the snapshot reads must complete
	// before the sequence is reread.
	return s.seq.Load() != start
}

// Sequence returns the raw sequence value. Odd means a write is in
// progress.
func (s *SeqLock) Sequence() uint64 {
	return s.seq.LoadAcquire()
}

// SeqValue is a value of type T published through a SeqLock.
//
// Load returns a consistent copy without blocking writers; Store and
// Update serialize writers internally. T must be a plain value type (no
// pointers, slices, maps or strings) so that a torn copy is harmless until
// it is discarded.
type SeqValue[T any] struct {
	lock    SeqLock
	wmu     sync.Mutex
	value   T
	retries atomix.Uint64
}

// NewSeqValue creates a SeqValue holding v.
func NewSeqValue[T any](v T) *SeqValue[T] {
	return &SeqValue[T]{value: v}
}

// Load returns a consistent copy of the value.
func (v *SeqValue[T]) Load() T {
	for {
		seq := v.lock.ReadBegin()
		snapshot := v.value
		if !v.lock.ReadRetry(seq) {
			return snapshot
		}
		v.retries.Add(1)
	}
}

// Store replaces the value.
func (v *SeqValue[T]) Store(x T) {
	v.wmu.Lock()
	v.lock.WriteBegin()
	v.value = x
	v.lock.WriteEnd()
	v.wmu.Unlock()
}

// Update modifies the value in place under the writer section.
// fn must not call Load, Store or Update on the same SeqValue.
func (v *SeqValue[T]) Update(fn func(*T)) {
	v.wmu.Lock()
	defer v.wmu.Unlock()
	v.lock.WriteBegin()
	defer v.lock.WriteEnd()
	fn(&v.value)
}

// Retries returns how many Load snapshots were discarded because a write
// overlapped them.
func (v *SeqValue[T]) Retries() uint64 {
	return v.retries.Load()
}

// Sequence returns the underlying sequence; it increases by two per write.
func (v *SeqValue[T]) Sequence() uint64 {
	return v.lock.Sequence()
}
