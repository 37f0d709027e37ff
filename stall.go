// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package reclaim

import (
	"fmt"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"go.uber.org/zap"
)

// StallKind tells which mechanism is held back.
type StallKind uint8

const (
	// StallEpoch: a pinned participant keeps the global epoch from advancing.
	StallEpoch StallKind = iota + 1
	// StallGracePeriod: an RCU reader keeps a grace period open.
	StallGracePeriod
)

func (k StallKind) String() string {
	switch k {
	case StallEpoch:
		return "epoch"
	case StallGracePeriod:
		return "grace-period"
	default:
		return "unknown"
	}
}

// StallEvent describes a liveness problem: reclamation has been held back
// by one participant or reader for longer than the stall threshold.
//
// A stall is never a safety failure. The correct response is to find the
// section that stays pinned (a blocking call inside a read-side section,
// a leaked Guard) rather than to crash.
type StallEvent struct {
	Domain   string
	Kind     StallKind
	ID       uint32        // ParticipantID or ReaderID holding back progress
	Epoch    uint64        // Epoch observed by the participant, or the generation awaited
	Duration time.Duration // Time since progress was first blocked
	Err      error         // Always ErrGracePeriodStalled
}

func (e StallEvent) String() string {
	return fmt.Sprintf("%s: %s stalled by %d for %v (epoch %d)", e.Domain, e.Kind, e.ID, e.Duration, e.Epoch)
}

// stallWatch is the watchdog shared by both domain kinds. It reports at
// most one event per stall; a stall ends when progress is made.
type stallWatch struct {
	blocking  atomix.Bool // Fast path for clear
	count     atomix.Uint64
	mu        sync.Mutex
	since     time.Time
	reported  bool
	threshold time.Duration
	onStall   func(StallEvent)
	now       func() time.Time
	log       *zap.Logger
}

func newStallWatch(opts Options, log *zap.Logger) *stallWatch {
	return &stallWatch{
		threshold: opts.stallThreshold,
		onStall:   opts.onStall,
		now:       time.Now,
		log:       log,
	}
}

// blocked records that progress was attempted and refused because of ev.ID.
func (w *stallWatch) blocked(ev StallEvent) {
	if w.threshold <= 0 {
		return
	}
	now := w.now()

	w.mu.Lock()
	if !w.blocking.LoadAcquire() {
		w.since = now
		w.reported = false
		w.blocking.StoreRelease(true)
		w.mu.Unlock()
		return
	}
	ev.Duration = now.Sub(w.since)
	if w.reported || ev.Duration < w.threshold {
		w.mu.Unlock()
		return
	}
	w.reported = true
	w.mu.Unlock()

	ev.Err = ErrGracePeriodStalled
	w.count.Add(1)
	w.log.Warn("reclamation stalled",
		zap.Stringer("stall", ev.Kind),
		zap.Uint32("holder", ev.ID),
		zap.Uint64("epoch", ev.Epoch),
		zap.Duration("stalled_for", ev.Duration),
		zap.Error(ev.Err))
	if w.onStall != nil {
		w.onStall(ev)
	}
}

// clear ends the current stall, if any.
func (w *stallWatch) clear() {
	if !w.blocking.LoadAcquire() {
		return
	}
	w.mu.Lock()
	w.blocking.StoreRelease(false)
	w.reported = false
	w.mu.Unlock()
}
