// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package reclaim

import (
	"context"
	"sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	nestingBits = 16
	nestingMask = 1<<nestingBits - 1

	// quiescentMark in a snapshot slot means the reader already passed
	// through a quiescent state during the open grace period.
	quiescentMark = ^uint64(0)
)

// ReaderID is a stable index into an RcuDomain's reader table.
type ReaderID uint32

// GracePeriod is a ticket naming the generation a caller waits for.
// It is satisfied once that generation has completed.
type GracePeriod uint64

// RcuDomain is a read-copy-update domain based on quiescent-state
// observation.
//
// Readers bracket accesses with ReadLock and ReadUnlock; both are
// wait-free and only touch the reader's own cache line. Updaters publish a
// new version, then either poll for a grace period (Synchronize,
// StartGracePeriod/PollGracePeriod) before destroying the old one, or defer
// the destruction with CallRCU.
//
// A grace period completes once every reader that was inside a read-side
// section when it began has left that section. Read-side sections must be
// short and must not block: grace-period completion depends on every
// reader eventually leaving.
//
// The domain schedules nothing on its own. An external driver calls Tick
// (or Synchronize) to advance grace periods and fire deferred callbacks.
type RcuDomain struct {
	_         pad
	started   atomix.Uint64 // Latest generation begun
	_         padShort
	completed atomix.Uint64 // Latest generation completed
	_         padShort
	requested atomix.Uint64 // Highest generation anyone waits for
	_         padShort

	fired      atomix.Uint64
	queued     atomix.Int64
	registered atomix.Int64
	_          pad

	readers []reader
	intake  *intake
	watch   *stallWatch
	opts    Options
	log     *zap.Logger

	metrics []prometheus.Collector // Registered with opts.registerer

	regMu sync.Mutex // RegisterReader/UnregisterReader

	gpMu       sync.Mutex // Grace-period machine; sole intake consumer
	gpActive   bool
	snap       []uint64    // Reader states when the open grace period began
	syncTicket GracePeriod // Ticket opened by Synchronize, 0 if none
	waiting    []deferred  // Drained callbacks awaiting their generation
}

type reader struct {
	_     pad
	state atomix.Uint64 // quiescent<<nestingBits | nesting, owner writes
	_     padShort
	inUse atomix.Bool
	_     pad
}

// deferred is a CallRCU callback stamped with the generation that was
// latest begun when it was queued.
type deferred struct {
	fn    func()
	stamp uint64
}

// NewRcuDomain creates an RcuDomain. It is equivalent to b.BuildRcu().
func NewRcuDomain(b *Builder) *RcuDomain {
	return b.BuildRcu()
}

func newRcuDomain(opts Options) *RcuDomain {
	d := &RcuDomain{
		readers: make([]reader, opts.capacity),
		snap:    make([]uint64, opts.capacity),
		intake:  newIntake(opts.intakeCapacity),
		opts:    opts,
		log:     opts.log().With(zap.String("domain", opts.name), zap.String("kind", "rcu")),
	}
	d.watch = newStallWatch(opts, d.log)
	registerRcuMetrics(d)
	return d
}

// Cap returns the size of the reader table.
func (d *RcuDomain) Cap() int {
	return len(d.readers)
}

// RegisterReader allocates a reader slot. The reader starts quiescent.
// Returns ErrTooManyParticipants when every slot is taken.
func (d *RcuDomain) RegisterReader() (ReaderID, error) {
	d.regMu.Lock()
	defer d.regMu.Unlock()

	for i := range d.readers {
		r := &d.readers[i]
		if r.inUse.LoadAcquire() {
			continue
		}
		r.inUse.StoreRelease(true)
		d.registered.Add(1)
		d.log.Debug("reader registered", zap.Uint32("reader", uint32(i)))
		return ReaderID(i), nil
	}
	return 0, ErrTooManyParticipants
}

// UnregisterReader releases a reader slot.
//
// Must not be called inside a read-side section: debug builds panic,
// release builds log and return ErrUnregisterWhilePinned, leaving the
// reader registered.
func (d *RcuDomain) UnregisterReader(id ReaderID) error {
	r := d.reader(id)
	s := r.state.LoadRelaxed()
	if s&nestingMask != 0 {
		d.log.Error("unregister inside read-side section",
			zap.Uint32("reader", uint32(id)),
			zap.Uint64("nesting", s&nestingMask))
		assertThat(false, "unregister inside read-side section")
		return ErrUnregisterWhilePinned
	}

	d.regMu.Lock()
	defer d.regMu.Unlock()
	// Counts as a quiescent state for any open grace period, including
	// one that later sees a new reader in this slot.
	r.state.StoreRelease((s>>nestingBits + 1) << nestingBits)
	if r.inUse.LoadAcquire() {
		r.inUse.StoreRelease(false)
		d.registered.Add(-1)
	}
	d.log.Debug("reader unregistered", zap.Uint32("reader", uint32(id)))
	return nil
}

// ReadLock enters a read-side critical section. Sections nest up to
// 65535 levels; a deeper ReadLock is a defect that debug builds panic on
// and release builds log and ignore.
//
// A ReaderID must be used by one goroutine at a time.
func (d *RcuDomain) ReadLock(id ReaderID) {
	r := d.reader(id)
	assertThat(r.inUse.LoadAcquire(), "read lock of unregistered reader")
	s := r.state.LoadRelaxed()
	if s&nestingMask == nestingMask {
		// The section stays counted at the maximum depth; the carry would
		// otherwise read as a quiescent state.
		d.log.Error("read-side nesting overflow", zap.Uint32("reader", uint32(id)))
		assertThat(false, "read-side nesting overflow")
		return
	}
	// Sequentially consistent publish: the section's loads must not be
	// observed before the announcement.
	r.state.Store(s + 1)
}

// ReadUnlock leaves a read-side critical section. Leaving the outermost
// section is a quiescent state.
func (d *RcuDomain) ReadUnlock(id ReaderID) {
	r := d.reader(id)
	s := r.state.LoadRelaxed()
	assertThat(s&nestingMask != 0, "read unlock without read lock")
	switch s & nestingMask {
	case 0:
		return
	case 1:
		r.state.StoreRelease((s>>nestingBits + 1) << nestingBits)
	default:
		r.state.StoreRelease(s - 1)
	}
}

// Nesting returns the read-side nesting depth of reader id.
func (d *RcuDomain) Nesting(id ReaderID) uint32 {
	return uint32(d.reader(id).state.LoadAcquire() & nestingMask)
}

// Quiescent returns how many times reader id has left its outermost
// read-side section.
func (d *RcuDomain) Quiescent(id ReaderID) uint64 {
	return d.reader(id).state.LoadAcquire() >> nestingBits
}

// Synchronize polls for a grace period without blocking.
//
// The first call opens a grace period; later calls poll it. Synchronize
// returns true once every reader that was inside a read-side section at
// the first call has been observed outside it, then the next call opens a
// new one. Loop on it (with backoff, or once per scheduler tick) to wait.
//
// Synchronize keeps one ticket per domain and is meant for a single
// updater, or updaters serialized by their own write lock. Concurrent
// independent updaters should use StartGracePeriod and PollGracePeriod.
//
// Until a call returns true, every call polls the same grace period. A
// true result covers only versions unpublished before the first call of
// that run: an updater that publishes again while a run is open must keep
// the newer old version until a later run, or take its own ticket with
// StartGracePeriod.
//
// Eligible CallRCU callbacks run before Synchronize returns.
func (d *RcuDomain) Synchronize() bool {
	d.gpMu.Lock()
	if d.syncTicket == 0 {
		d.syncTicket = d.startLocked()
	}
	d.advanceLocked()
	done := d.completed.LoadAcquire() >= uint64(d.syncTicket)
	if done {
		d.syncTicket = 0
	}
	ready := d.collectLocked()
	d.gpMu.Unlock()

	d.run(ready)
	return done
}

// StartGracePeriod returns a ticket satisfied only by a grace period that
// begins after this call.
func (d *RcuDomain) StartGracePeriod() GracePeriod {
	d.gpMu.Lock()
	gp := d.startLocked()
	d.advanceLocked()
	d.gpMu.Unlock()
	return gp
}

// PollGracePeriod reports whether the grace period named by gp has
// completed, advancing the grace-period machine if needed.
// Eligible CallRCU callbacks run before it returns.
func (d *RcuDomain) PollGracePeriod(gp GracePeriod) bool {
	if d.completed.LoadAcquire() >= uint64(gp) {
		return true
	}
	d.gpMu.Lock()
	d.advanceLocked()
	ready := d.collectLocked()
	d.gpMu.Unlock()

	d.run(ready)
	return d.completed.LoadAcquire() >= uint64(gp)
}

// WaitGracePeriod blocks until a grace period that begins after the call
// has completed, polling with adaptive backoff. Returns ctx.Err() if the
// context ends first.
//
// Never call it inside a read-side section of the same domain.
func (d *RcuDomain) WaitGracePeriod(ctx context.Context) error {
	gp := d.StartGracePeriod()
	backoff := iox.Backoff{}
	for !d.PollGracePeriod(gp) {
		if err := ctx.Err(); err != nil {
			return err
		}
		backoff.Wait()
	}
	return nil
}

// CallRCU defers fn until a grace period that begins after this call has
// completed. Any goroutine may call it; it never blocks on readers.
//
// fn runs on the goroutine that drives Tick, Synchronize or
// PollGracePeriod, outside every internal lock. Panics if fn is nil.
func (d *RcuDomain) CallRCU(fn func()) {
	if fn == nil {
		panic("reclaim: nil callback")
	}
	d.queued.Add(1)
	stamp := d.intake.push(fn, &d.started)
	raise(&d.requested, stamp+1)
}

// Tick drives the domain from a periodic timer or idle hook: it advances
// the grace-period machine and fires eligible callbacks. Returns the
// number of callbacks fired.
func (d *RcuDomain) Tick() int {
	d.gpMu.Lock()
	d.advanceLocked()
	ready := d.collectLocked()
	d.gpMu.Unlock()

	return d.run(ready)
}

// Generation returns the latest completed grace-period generation.
func (d *RcuDomain) Generation() uint64 {
	return d.completed.LoadAcquire()
}

// startLocked returns the ticket for the first grace period that begins
// after now, opening it immediately if none is open.
func (d *RcuDomain) startLocked() GracePeriod {
	gp := GracePeriod(d.started.Load() + 1)
	raise(&d.requested, uint64(gp))
	if !d.gpActive {
		d.beginLocked()
	}
	return gp
}

// advanceLocked runs the grace-period machine until it either waits on a
// reader or has nothing left to do.
func (d *RcuDomain) advanceLocked() {
	for {
		if !d.gpActive {
			if d.requested.LoadAcquire() <= d.completed.LoadAcquire() {
				return
			}
			d.beginLocked()
		}
		if !d.scanLocked() {
			return
		}
		d.completed.Store(d.started.Load())
		d.gpActive = false
		d.watch.clear()
	}
}

// beginLocked opens the next generation and snapshots every reader.
func (d *RcuDomain) beginLocked() {
	// The new generation is published before the snapshot, so a CallRCU
	// that still stamps the previous generation queued its callback
	// before any reader this grace period ignores.
	d.started.Store(d.started.Load() + 1)
	for i := range d.readers {
		s := d.readers[i].state.Load()
		if s&nestingMask == 0 {
			d.snap[i] = quiescentMark
		} else {
			d.snap[i] = s
		}
	}
	d.gpActive = true
}

// scanLocked reports whether every reader in the snapshot has since been
// seen quiescent.
func (d *RcuDomain) scanLocked() bool {
	done := true
	var holder int
	for i := range d.snap {
		if d.snap[i] == quiescentMark {
			continue
		}
		s := d.readers[i].state.Load()
		if s&nestingMask == 0 || s>>nestingBits != d.snap[i]>>nestingBits {
			d.snap[i] = quiescentMark
			continue
		}
		if done {
			holder = i
		}
		done = false
	}
	if !done {
		d.watch.blocked(StallEvent{
			Domain: d.opts.name,
			Kind:   StallGracePeriod,
			ID:     uint32(holder),
			Epoch:  d.started.Load(),
		})
	}
	return done
}

// Close tears the domain down. Every queued callback fires immediately,
// without waiting for a grace period, and the domain's metrics are
// unregistered. The domain must not be used afterwards.
//
// No reader may be inside a read-side section: debug builds panic,
// release builds log and return ErrUnregisterWhilePinned without closing.
func (d *RcuDomain) Close() error {
	for i := range d.readers {
		if d.readers[i].state.LoadAcquire()&nestingMask != 0 {
			d.log.Error("close inside read-side section", zap.Uint32("reader", uint32(i)))
			assertThat(false, "close inside read-side section")
			return ErrUnregisterWhilePinned
		}
	}

	d.gpMu.Lock()
	d.drainLocked()
	ready := d.waiting
	d.waiting = nil
	d.gpMu.Unlock()

	n := d.run(ready)
	if d.opts.registerer != nil {
		unregister(d.opts.registerer, d.metrics)
		d.metrics = nil
	}
	d.log.Debug("domain closed", zap.Int("fired", n))
	return nil
}

// collectLocked drains the intake and returns the callbacks
// whose generation has completed.
func (d *RcuDomain) collectLocked() []deferred {
	d.drainLocked()

	completed := d.completed.LoadAcquire()
	var ready []deferred
	kept := d.waiting[:0]
	for _, cb := range d.waiting {
		if cb.stamp < completed {
			ready = append(ready, cb)
		} else {
			kept = append(kept, cb)
		}
	}
	clear(d.waiting[len(kept):])
	d.waiting = kept
	return ready
}

// drainLocked moves queued callbacks from the intake to waiting.
func (d *RcuDomain) drainLocked() {
	d.waiting = d.intake.drain(d.waiting)
}

func (d *RcuDomain) run(ready []deferred) int {
	for i := range ready {
		ready[i].fn()
		d.fired.Add(1)
		d.queued.Add(-1)
	}
	if n := len(ready); n > 0 {
		d.log.Debug("callbacks fired", zap.Int("fired", n), zap.Uint64("generation", d.completed.LoadAcquire()))
	}
	return len(ready)
}

func (d *RcuDomain) reader(id ReaderID) *reader {
	if int(id) >= len(d.readers) {
		panic("reclaim: reader id out of range")
	}
	return &d.readers[id]
}

// raise stores v into a unless a already holds a larger value.
func raise(a *atomix.Uint64, v uint64) {
	for {
		cur := a.LoadAcquire()
		if cur >= v || a.CompareAndSwapAcqRel(cur, v) {
			return
		}
	}
}

// RcuStats is a point-in-time snapshot of an RcuDomain.
type RcuStats struct {
	Generation       uint64 // Latest completed grace period
	Started          uint64 // Latest begun grace period
	Readers          int    // Registered readers
	Reading          int    // Readers inside a read-side section
	CallbacksPending int    // Queued, not yet fired
	CallbacksFired   uint64
	Stalls           uint64
}

// Stats returns a snapshot of the domain counters. Fields are read
// independently and may be mutually inconsistent under concurrency.
func (d *RcuDomain) Stats() RcuStats {
	reading := 0
	for i := range d.readers {
		if d.readers[i].state.LoadAcquire()&nestingMask != 0 {
			reading++
		}
	}
	return RcuStats{
		Generation:       d.completed.LoadAcquire(),
		Started:          d.started.LoadAcquire(),
		Readers:          int(d.registered.Load()),
		Reading:          reading,
		CallbacksPending: int(d.queued.Load()),
		CallbacksFired:   d.fired.Load(),
		Stalls:           d.watch.count.Load(),
	}
}
