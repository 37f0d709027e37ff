// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package reclaim

import (
	"sync"

	"code.hybscloud.com/atomix"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Lag is the number of epoch advances between the epoch an object is
// retired in and the safe epoch at which it may be reclaimed.
const Lag = 2

// firstEpoch is the initial global epoch. Zero is never a valid epoch.
const firstEpoch = 1

// activeBit marks a participant state word as pinned. The observed epoch
// lives in the remaining 63 bits.
const activeBit = 1

// ParticipantID is a stable index into an EpochDomain's participant table.
type ParticipantID uint32

// EpochDomain is an epoch-based reclamation domain.
//
// A participant (one per core or long-lived goroutine) registers once,
// pins around every access to a shared lock-free structure, and retires
// unlinked objects instead of freeing them. An external driver calls
// TryAdvance and Collect (or Tick) periodically; Collect runs the reclaim
// function of every object retired at least Lag epochs before the oldest
// epoch still observed by a pinned participant.
//
// The hot path (Pin, Unpin, Guard.Retire) never takes a lock. Register,
// Unregister, Retire on the shared list and Collect are cold paths.
//
// Memory: one cache line for the state word plus one for the bookkeeping
// of each participant, and a bag of BagCapacity entries per participant.
type EpochDomain struct {
	_     pad
	epoch atomix.Uint64 // Global epoch (CAS to advance)
	_     padShort

	advances   atomix.Uint64
	reclaimed  atomix.Uint64
	pending    atomix.Int64
	registered atomix.Int64
	_          pad

	slots   []participant
	handles *handleSet
	watch   *stallWatch
	opts    Options
	log     *zap.Logger

	metrics []prometheus.Collector // Registered with opts.registerer

	regMu     sync.Mutex // Register/Unregister
	collectMu sync.Mutex // Serializes collectors: sole consumer of every bag
	mu        sync.Mutex // Guards shared
	shared    []retired
}

type participant struct {
	_     pad
	state atomix.Uint64 // observed<<1 | activeBit
	_     padShort
	inUse atomix.Bool // Registered
	depth uint32      // Pin nesting, owner only
	bag   *bag        // Owner produces, collector consumes
	_     pad
}

// NewEpochDomain creates an EpochDomain. It is equivalent to b.BuildEpoch().
func NewEpochDomain(b *Builder) *EpochDomain {
	return b.BuildEpoch()
}

func newEpochDomain(opts Options) *EpochDomain {
	d := &EpochDomain{
		slots:   make([]participant, opts.capacity),
		handles: newHandleSet(),
		opts:    opts,
		log:     opts.log().With(zap.String("domain", opts.name), zap.String("kind", "epoch")),
	}
	d.epoch.StoreRelaxed(firstEpoch)
	for i := range d.slots {
		d.slots[i].bag = newBag(opts.bagCapacity)
	}
	d.watch = newStallWatch(opts, d.log)
	registerEpochMetrics(d)
	return d
}

// Epoch returns the current global epoch.
func (d *EpochDomain) Epoch() uint64 {
	return d.epoch.LoadAcquire()
}

// Cap returns the size of the participant table.
func (d *EpochDomain) Cap() int {
	return len(d.slots)
}

// Register allocates a participant slot.
//
// The participant starts inactive with its observed epoch set to the
// current global epoch. Returns ErrTooManyParticipants when every slot is
// taken.
func (d *EpochDomain) Register() (ParticipantID, error) {
	d.regMu.Lock()
	defer d.regMu.Unlock()

	for i := range d.slots {
		p := &d.slots[i]
		if p.inUse.LoadAcquire() {
			continue
		}
		p.depth = 0
		p.state.StoreRelease(d.epoch.LoadAcquire() << 1)
		p.inUse.StoreRelease(true)
		d.registered.Add(1)
		d.log.Debug("participant registered", zap.Uint32("participant", uint32(i)))
		return ParticipantID(i), nil
	}
	return 0, ErrTooManyParticipants
}

// Unregister releases a participant slot.
//
// Must not be called while the participant is pinned: debug builds panic,
// release builds log and return ErrUnregisterWhilePinned, leaving the
// participant registered. Objects still in the participant's bag move to
// the shared list and are reclaimed by a later Collect.
func (d *EpochDomain) Unregister(id ParticipantID) error {
	p := d.participant(id)
	if p.depth > 0 {
		d.log.Error("unregister while pinned",
			zap.Uint32("participant", uint32(id)),
			zap.Uint32("depth", p.depth))
		assertThat(false, "unregister while pinned")
		return ErrUnregisterWhilePinned
	}

	d.collectMu.Lock()
	moved := p.bag.empty(nil)
	if len(moved) > 0 {
		d.mu.Lock()
		d.shared = append(d.shared, moved...)
		d.mu.Unlock()
	}
	d.collectMu.Unlock()

	d.regMu.Lock()
	defer d.regMu.Unlock()
	if p.inUse.LoadAcquire() {
		p.inUse.StoreRelease(false)
		d.registered.Add(-1)
	}
	d.log.Debug("participant unregistered",
		zap.Uint32("participant", uint32(id)),
		zap.Int("moved", len(moved)))
	return nil
}

// Pin enters a protected section for participant id and returns its Guard.
//
// While pinned, the participant may dereference objects obtained from any
// structure protected by this domain; none of them is reclaimed before the
// matching Unpin. Pins nest: only the outermost Pin refreshes the observed
// epoch, so references taken by an outer section stay protected.
//
// A ParticipantID must be used by one goroutine at a time.
func (d *EpochDomain) Pin(id ParticipantID) Guard {
	p := d.participant(id)
	assertThat(p.inUse.LoadAcquire(), "pin of unregistered participant")

	p.depth++
	if p.depth == 1 {
		// Sequentially consistent publish: the announcement must be
		// visible before any load the section performs.
		p.state.Store(d.epoch.LoadAcquire()<<1 | activeBit)
	}
	return Guard{d: d, p: p, id: id, depth: p.depth}
}

// unpin leaves one level of the participant's protected section.
func (d *EpochDomain) unpin(p *participant, depth uint32) {
	assertThat(p.depth == depth, "guard released out of order or twice")
	if p.depth == 0 {
		return
	}
	p.depth--
	if p.depth == 0 {
		p.state.StoreRelease(p.state.LoadRelaxed() &^ activeBit)
	}
}

// TryAdvance advances the global epoch by one if every pinned participant
// has observed the current epoch.
//
// Returns false, without error, when some participant still lags. The
// epoch never decreases and only advances when no pinned participant has
// observed an older value.
func (d *EpochDomain) TryAdvance() bool {
	current := d.epoch.LoadAcquire()
	oldest, lagging, ok := d.oldestActive()
	if ok && oldest < current {
		d.watch.blocked(StallEvent{
			Domain: d.opts.name,
			Kind:   StallEpoch,
			ID:     uint32(lagging),
			Epoch:  oldest,
		})
		return false
	}
	if !d.epoch.CompareAndSwapAcqRel(current, current+1) {
		return false
	}
	d.advances.Add(1)
	d.watch.clear()
	return true
}

// Tick drives the domain from a periodic timer or idle hook: it attempts
// one epoch advance and then collects. Returns the number of objects
// reclaimed.
func (d *EpochDomain) Tick() int {
	d.TryAdvance()
	return d.Collect()
}

// oldestActive returns the minimum observed epoch over pinned participants
// and the participant holding it. ok is false when no participant is
// pinned.
func (d *EpochDomain) oldestActive() (oldest uint64, id ParticipantID, ok bool) {
	for i := range d.slots {
		s := d.slots[i].state.LoadAcquire()
		if s&activeBit == 0 {
			continue
		}
		if e := s >> 1; !ok || e < oldest {
			oldest, id, ok = e, ParticipantID(i), true
		}
	}
	return oldest, id, ok
}

// safeEpoch returns the minimum observed epoch over pinned participants,
// or the current epoch if none is pinned.
func (d *EpochDomain) safeEpoch() uint64 {
	current := d.epoch.LoadAcquire()
	if oldest, _, ok := d.oldestActive(); ok {
		return oldest
	}
	return current
}

// Close tears the domain down. Every pending reclaim function runs
// immediately, regardless of epoch, and the domain's metrics are
// unregistered. The domain must not be used afterwards.
//
// No participant may be pinned: debug builds panic, release builds log
// and return ErrUnregisterWhilePinned without closing.
func (d *EpochDomain) Close() error {
	if _, id, ok := d.oldestActive(); ok {
		d.log.Error("close while pinned", zap.Uint32("participant", uint32(id)))
		assertThat(false, "close while pinned")
		return ErrUnregisterWhilePinned
	}

	d.collectMu.Lock()
	var ready []retired
	for i := range d.slots {
		ready = d.slots[i].bag.empty(ready)
	}
	d.mu.Lock()
	ready = append(ready, d.shared...)
	d.shared = nil
	d.mu.Unlock()
	d.collectMu.Unlock()

	n := d.reclaim(ready)
	if d.opts.registerer != nil {
		unregister(d.opts.registerer, d.metrics)
		d.metrics = nil
	}
	d.log.Debug("domain closed", zap.Int("reclaimed", n))
	return nil
}

func (d *EpochDomain) participant(id ParticipantID) *participant {
	if int(id) >= len(d.slots) {
		panic("reclaim: participant id out of range")
	}
	return &d.slots[id]
}

// EpochStats is a point-in-time snapshot of an EpochDomain.
type EpochStats struct {
	Epoch        uint64 // Current global epoch
	Participants int    // Registered participants
	Active       int    // Currently pinned participants
	Pending      int    // Retired, not yet reclaimed
	Reclaimed    uint64 // Reclaim functions run so far
	Advances     uint64 // Successful TryAdvance calls
	Stalls       uint64 // StallEvents emitted
}

// Stats returns a snapshot of the domain counters. Fields are read
// independently and may be mutually inconsistent under concurrency.
func (d *EpochDomain) Stats() EpochStats {
	active := 0
	for i := range d.slots {
		if d.slots[i].state.LoadAcquire()&activeBit != 0 {
			active++
		}
	}
	return EpochStats{
		Epoch:        d.epoch.LoadAcquire(),
		Participants: int(d.registered.Load()),
		Active:       active,
		Pending:      int(d.pending.Load()),
		Reclaimed:    d.reclaimed.Load(),
		Advances:     d.advances.Load(),
		Stalls:       d.watch.count.Load(),
	}
}
