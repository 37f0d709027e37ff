// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package reclaim

import "go.uber.org/zap"

// retired is an object awaiting reclamation.
type retired struct {
	handle  Handle
	epoch   uint64 // Global epoch at retirement
	reclaim func()
}

// eligible reports whether an object retired in epoch may be reclaimed
// once every pinned participant has observed at least safe.
func eligible(epoch, safe uint64) bool {
	return epoch+Lag <= safe
}

// Retire hands an object unlinked from a shared structure to the domain's
// shared list, stamped with the current epoch.
//
// Use it from goroutines that are not registered participants, or from
// administrative paths; pinned participants should prefer Guard.Retire,
// which avoids the lock.
//
// Returns ErrDoubleRetire if h is already pending (debug builds panic).
// Panics if reclaim is nil.
func (d *EpochDomain) Retire(h Handle, reclaim func()) error {
	if reclaim == nil {
		panic("reclaim: nil reclaim function")
	}
	if !d.track(h) {
		return ErrDoubleRetire
	}
	d.pending.Add(1)
	r := retired{handle: h, epoch: d.epoch.LoadAcquire(), reclaim: reclaim}
	d.mu.Lock()
	d.shared = append(d.shared, r)
	d.mu.Unlock()
	return nil
}

func (d *EpochDomain) retireLocal(p *participant, h Handle, reclaim func()) error {
	if reclaim == nil {
		panic("reclaim: nil reclaim function")
	}
	if !d.track(h) {
		return ErrDoubleRetire
	}
	d.pending.Add(1)
	r := retired{handle: h, epoch: d.epoch.LoadAcquire(), reclaim: reclaim}
	if err := p.bag.push(&r); err == nil {
		return nil
	}
	// Bag full: spill to the shared list.
	d.mu.Lock()
	d.shared = append(d.shared, r)
	d.mu.Unlock()
	return nil
}

// track records h as pending and reports false on a double retire.
func (d *EpochDomain) track(h Handle) bool {
	if d.handles.add(h) {
		return true
	}
	d.log.Error("double retire", zap.Uint64("handle", uint64(h)))
	assertThat(false, "double retire")
	return false
}

// Collect reclaims every retired object that no pinned participant can
// still reference, and returns how many it reclaimed.
//
// The safe epoch is the oldest epoch observed by a pinned participant, or
// the current epoch when none is pinned; an object retired in epoch e is
// reclaimed once e+Lag <= safe. Other entries stay in place for a later
// Collect. Calling Collect with nothing eligible returns 0 and changes
// nothing.
//
// Collectors are serialized among themselves but run concurrently with
// Pin, Unpin and Retire. Reclaim functions run on the calling goroutine
// after every internal lock is released; they must not panic.
func (d *EpochDomain) Collect() int {
	d.collectMu.Lock()
	safe := d.safeEpoch()

	var ready []retired
	for i := range d.slots {
		ready = d.slots[i].bag.sweep(ready, safe)
	}

	d.mu.Lock()
	ready = d.drainShared(ready, safe)
	d.mu.Unlock()
	d.collectMu.Unlock()

	return d.reclaim(ready)
}

// drainShared moves eligible entries of the shared list to ready.
// Caller must hold d.mu.
func (d *EpochDomain) drainShared(ready []retired, safe uint64) []retired {
	first := -1
	for i := range d.shared {
		if eligible(d.shared[i].epoch, safe) {
			first = i
			break
		}
	}
	if first < 0 {
		return ready
	}

	kept := d.shared[:first]
	for _, r := range d.shared[first:] {
		if eligible(r.epoch, safe) {
			ready = append(ready, r)
		} else {
			kept = append(kept, r)
		}
	}
	clear(d.shared[len(kept):])
	d.shared = kept
	return ready
}

// reclaim runs the reclaim functions outside any critical section.
//
// A handle leaves the pending set before its reclaim function runs: the
// function may recycle the object, and the recycled object may be retired
// under the same handle before the function returns.
func (d *EpochDomain) reclaim(ready []retired) int {
	for i := range ready {
		d.handles.remove(ready[i].handle)
		ready[i].reclaim()
		d.reclaimed.Add(1)
		d.pending.Add(-1)
	}
	if n := len(ready); n > 0 {
		d.log.Debug("collected", zap.Int("reclaimed", n), zap.Uint64("epoch", d.epoch.LoadAcquire()))
	}
	return len(ready)
}

// Pending returns the number of retired objects not yet reclaimed.
func (d *EpochDomain) Pending() int {
	return int(d.pending.Load())
}

// IsRetired reports whether h is retired and has not yet been handed to
// its reclaim function.
func (d *EpochDomain) IsRetired(h Handle) bool {
	return d.handles.contains(h)
}
