// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package reclaim

// Guard is a pinned section of one participant.
//
// Release it with Unpin on every exit path, normally with defer:
//
//	g := ed.Pin(id)
//	defer g.Unpin()
//	node := table.Lookup(key) // safe to dereference until Unpin
//
// Nested guards must be released in reverse order of acquisition. A Guard
// is a value; copying it does not create a new pin, and a copy must not be
// unpinned in addition to the original.
type Guard struct {
	d     *EpochDomain
	p     *participant
	id    ParticipantID
	depth uint32
}

// Unpin leaves the section. When the outermost guard is released the
// participant becomes inactive and no longer holds back reclamation.
func (g Guard) Unpin() {
	assertThat(g.p != nil, "unpin of zero Guard")
	if g.p == nil {
		return
	}
	g.d.unpin(g.p, g.depth)
}

// Epoch returns the epoch observed by the outermost pin of this section.
func (g Guard) Epoch() uint64 {
	return g.p.state.LoadRelaxed() >> 1
}

// Participant returns the id of the pinned participant.
func (g Guard) Participant() ParticipantID {
	return g.id
}

// Depth returns the nesting depth this guard was acquired at (1 for the
// outermost pin).
func (g Guard) Depth() uint32 {
	return g.depth
}

// Retire hands an object unlinked from a shared structure to the domain.
//
// The entry goes to the participant's lock-free bag; when the bag is full
// it spills to the domain's shared list. reclaim runs exactly once, from a
// later Collect, after every participant that could still hold a
// reference has unpinned.
//
// Returns ErrDoubleRetire if h is already pending (debug builds panic).
// Panics if reclaim is nil.
func (g Guard) Retire(h Handle, reclaim func()) error {
	return g.d.retireLocal(g.p, h, reclaim)
}
