// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package reclaim provides safe memory reclamation for shared, concurrently
// accessed data structures without blocking readers.
//
// Three primitives are offered:
//
//   - EpochDomain: epoch-based reclamation. Participants pin around
//     accesses, unlinked objects are retired and reclaimed once no pinned
//     participant can still hold them.
//   - RcuDomain: read-copy-update with quiescent-state grace periods and
//     deferred callbacks.
//   - SeqLock: a sequence counter for optimistic, retrying reads of small
//     records written by a single writer.
//
// Nothing in the package starts a goroutine. Reclamation is driven by the
// embedding system through Tick, TryAdvance, Collect or Synchronize, from a
// timer, an idle hook or an updater's own loop.
//
// # Quick Start
//
//	ed := reclaim.New(runtime.GOMAXPROCS(0)).Name("routes").BuildEpoch()
//	rd := reclaim.New(64).Name("config").BuildRcu()
//
// # Epoch-Based Reclamation
//
// Each long-lived goroutine registers once and pins around every access:
//
//	id, err := ed.Register()
//	if err != nil {
//	    return err // reclaim.ErrTooManyParticipants
//	}
//	defer ed.Unregister(id)
//
//	g := ed.Pin(id)
//	n := head.Load()
//	if head.CompareAndSwap(n, n.next) {
//	    g.Retire(reclaim.Handle(n.id), func() { pool.Put(n) })
//	}
//	g.Unpin()
//
// A driver advances the epoch and reclaims:
//
//	for range ticker.C {
//	    ed.Tick() // TryAdvance + Collect
//	}
//
// An object retired in epoch e is reclaimed once every pinned participant
// has observed epoch e+Lag or later. Reclaim functions run on the
// goroutine calling Collect, after internal locks are released.
//
// Pins nest. Only the outermost Pin publishes a fresh epoch; guards must be
// released in reverse order of acquisition.
//
// # Read-Copy-Update
//
// Readers bracket accesses with ReadLock and ReadUnlock:
//
//	rd.ReadLock(rid)
//	cfg := current.Load()
//	use(cfg)
//	rd.ReadUnlock(rid)
//
// Updaters publish a new version and either wait for a grace period:
//
//	old := current.Swap(next)
//	if err := rd.WaitGracePeriod(ctx); err != nil {
//	    return err
//	}
//	release(old)
//
// or defer the destruction:
//
//	old := current.Swap(next)
//	rd.CallRCU(func() { release(old) })
//
// Synchronize is the non-blocking form for a single updater: it opens a
// grace period on the first call and reports true once it has completed.
// StartGracePeriod and PollGracePeriod give each concurrent updater its own
// ticket.
//
// # Sequence Locks
//
//	var pos reclaim.SeqValue[[2]int64]
//	pos.Store([2]int64{x, y})  // writer
//	xy := pos.Load()           // readers, never torn
//
// SeqLock exposes the raw protocol for records laid out by the caller.
//
// # Error Handling
//
// The one recoverable condition is returned as a sentinel error:
//
//	reclaim.ErrTooManyParticipants  // participant or reader table is full
//
// Contract violations (double retire, unregister while pinned) panic in
// default builds. Built with -tags release they are logged and returned as
// ErrDoubleRetire or ErrUnregisterWhilePinned instead. Stalls never panic:
// they are reported through the logger, the stall counter and the OnStall
// callback with ErrGracePeriodStalled.
//
// # Diagnostics
//
// Builder.Logger attaches a [go.uber.org/zap] logger; Builder.Registerer
// exports domain counters to [github.com/prometheus/client_golang]:
//
//	rd := reclaim.New(64).
//	    Name("config").
//	    Logger(logger).
//	    Registerer(prometheus.DefaultRegisterer).
//	    OnStall(func(ev reclaim.StallEvent) { alert(ev) }).
//	    BuildRcu()
//
// # Race Detection
//
// The protocols here synchronize plain memory through explicit acquire and
// release orderings on separate words, which the race detector cannot
// follow. SeqLock readers in particular read fields while a writer may be
// overwriting them and discard the result. Tests relying on this are
// skipped when the race detector is enabled.
//
// # Dependencies
//
// This package uses [code.hybscloud.com/atomix] for atomics with explicit
// memory ordering, [code.hybscloud.com/spin] and [code.hybscloud.com/iox]
// for spinning and backoff, and [github.com/cespare/xxhash/v2] to shard
// the outstanding-handle set.
package reclaim
