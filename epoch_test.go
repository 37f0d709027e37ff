// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package reclaim_test

import (
	"errors"
	"testing"

	"code.hybscloud.com/reclaim"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Registration
// =============================================================================

func TestRegisterCapacity(t *testing.T) {
	d := reclaim.New(2).BuildEpoch()

	if d.Cap() != 2 {
		t.Fatalf("Cap: got %d, want 2", d.Cap())
	}
	a, err := d.Register()
	if err != nil {
		t.Fatalf("Register(a): %v", err)
	}
	b, err := d.Register()
	if err != nil {
		t.Fatalf("Register(b): %v", err)
	}
	if a == b {
		t.Fatalf("Register: duplicate id %d", a)
	}

	// Full table
	if _, err := d.Register(); !errors.Is(err, reclaim.ErrTooManyParticipants) {
		t.Fatalf("Register on full: got %v, want ErrTooManyParticipants", err)
	}

	// A released slot is reused
	if err := d.Unregister(a); err != nil {
		t.Fatalf("Unregister(a): %v", err)
	}
	c, err := d.Register()
	if err != nil {
		t.Fatalf("Register after Unregister: %v", err)
	}
	if c != a {
		t.Fatalf("Register after Unregister: got %d, want %d", c, a)
	}
	if got := d.Stats().Participants; got != 2 {
		t.Fatalf("Stats.Participants: got %d, want 2", got)
	}
}

func TestNewPanicsOnZeroCapacity(t *testing.T) {
	require.Panics(t, func() { reclaim.New(0) })
	require.Panics(t, func() { reclaim.New(4).BagCapacity(1) })
	require.Panics(t, func() { reclaim.New(4).IntakeCapacity(0) })
}

func TestUnregisterWhilePinned(t *testing.T) {
	d := reclaim.New(1).BuildEpoch()
	id, _ := d.Register()
	g := d.Pin(id)

	if reclaim.DebugAssertions {
		require.Panics(t, func() { _ = d.Unregister(id) })
	} else {
		err := d.Unregister(id)
		require.ErrorIs(t, err, reclaim.ErrUnregisterWhilePinned)
		require.True(t, reclaim.IsDefect(err))
	}

	g.Unpin()
	require.NoError(t, d.Unregister(id))
	require.Equal(t, 0, d.Stats().Participants)
}

// =============================================================================
// Pin and Advance
// =============================================================================

func TestPinUnpin(t *testing.T) {
	d := reclaim.New(2).BuildEpoch()
	id, _ := d.Register()

	g := d.Pin(id)
	if g.Participant() != id {
		t.Fatalf("Participant: got %d, want %d", g.Participant(), id)
	}
	if g.Depth() != 1 {
		t.Fatalf("Depth: got %d, want 1", g.Depth())
	}
	if g.Epoch() != d.Epoch() {
		t.Fatalf("Guard.Epoch: got %d, want %d", g.Epoch(), d.Epoch())
	}
	if got := d.Stats().Active; got != 1 {
		t.Fatalf("Stats.Active while pinned: got %d, want 1", got)
	}

	g.Unpin()
	if got := d.Stats().Active; got != 0 {
		t.Fatalf("Stats.Active after Unpin: got %d, want 0", got)
	}
}

func TestTryAdvanceMonotonic(t *testing.T) {
	d := reclaim.New(1).BuildEpoch()

	prev := d.Epoch()
	if prev == 0 {
		t.Fatalf("initial Epoch: got 0, want > 0")
	}
	for i := range 100 {
		if !d.TryAdvance() {
			t.Fatalf("TryAdvance(%d) with no participants: got false, want true", i)
		}
		cur := d.Epoch()
		if cur != prev+1 {
			t.Fatalf("Epoch after TryAdvance(%d): got %d, want %d", i, cur, prev+1)
		}
		prev = cur
	}
	if got := d.Stats().Advances; got != 100 {
		t.Fatalf("Stats.Advances: got %d, want 100", got)
	}
}

func TestTryAdvanceBlockedByLaggingParticipant(t *testing.T) {
	d := reclaim.New(2).BuildEpoch()
	a, _ := d.Register()
	b, _ := d.Register()

	e0 := d.Epoch()
	ga := d.Pin(a)

	// a has observed the current epoch: one advance is allowed.
	require.True(t, d.TryAdvance())
	require.Equal(t, e0+1, d.Epoch())

	// a now lags behind: no further advance.
	require.False(t, d.TryAdvance())
	require.Equal(t, e0+1, d.Epoch())

	// A participant that pins on the new epoch does not help.
	gb := d.Pin(b)
	require.False(t, d.TryAdvance())
	gb.Unpin()

	ga.Unpin()
	require.True(t, d.TryAdvance())
	require.Equal(t, e0+2, d.Epoch())
}

func TestNestedPinKeepsOuterEpoch(t *testing.T) {
	d := reclaim.New(1).BuildEpoch()
	id, _ := d.Register()

	outer := d.Pin(id)
	start := outer.Epoch()
	require.True(t, d.TryAdvance())

	inner := d.Pin(id)
	require.Equal(t, uint32(2), inner.Depth())
	require.Equal(t, start, inner.Epoch(), "nested pin must not refresh the observed epoch")
	require.False(t, d.TryAdvance())

	inner.Unpin()
	require.Equal(t, 1, d.Stats().Active, "participant stays pinned after inner Unpin")
	require.False(t, d.TryAdvance())

	outer.Unpin()
	require.True(t, d.TryAdvance())
}

func TestGuardReleasedOutOfOrder(t *testing.T) {
	if !reclaim.DebugAssertions {
		t.Skip("assertions disabled")
	}
	d := reclaim.New(1).BuildEpoch()
	id, _ := d.Register()

	outer := d.Pin(id)
	_ = d.Pin(id)
	require.Panics(t, func() { outer.Unpin() })
}

// =============================================================================
// Retire and Collect
// =============================================================================

func TestCollectAfterTwoAdvances(t *testing.T) {
	d := reclaim.New(1).BuildEpoch()

	reclaimed := 0
	if err := d.Retire(1, func() { reclaimed++ }); err != nil {
		t.Fatalf("Retire: %v", err)
	}
	if d.Pending() != 1 {
		t.Fatalf("Pending: got %d, want 1", d.Pending())
	}

	// Same epoch: not yet eligible
	if n := d.Collect(); n != 0 {
		t.Fatalf("Collect before advance: got %d, want 0", n)
	}

	// One advance is not enough
	d.TryAdvance()
	if n := d.Collect(); n != 0 {
		t.Fatalf("Collect after 1 advance: got %d, want 0", n)
	}

	d.TryAdvance()
	if n := d.Collect(); n != 1 {
		t.Fatalf("Collect after %d advances: got %d, want 1", reclaim.Lag, n)
	}
	if reclaimed != 1 {
		t.Fatalf("reclaim calls: got %d, want 1", reclaimed)
	}
	if d.Pending() != 0 {
		t.Fatalf("Pending after Collect: got %d, want 0", d.Pending())
	}
}

func TestCollectNoopIsIdempotent(t *testing.T) {
	d := reclaim.New(2).BuildEpoch()
	id, _ := d.Register()

	if n := d.Collect(); n != 0 {
		t.Fatalf("Collect on empty domain: got %d, want 0", n)
	}

	g := d.Pin(id)
	_ = g.Retire(7, func() { t.Error("reclaimed too early") })
	g.Unpin()

	before := d.Stats()
	for range 3 {
		if n := d.Collect(); n != 0 {
			t.Fatalf("Collect with nothing eligible: got %d, want 0", n)
		}
	}
	after := d.Stats()
	if before != after {
		t.Fatalf("Stats changed by no-op Collect: before %+v, after %+v", before, after)
	}
	if !d.IsRetired(7) {
		t.Fatalf("IsRetired(7): got false, want true")
	}
}

func TestCollectRespectsPinnedReader(t *testing.T) {
	d := reclaim.New(2).BuildEpoch()
	reader, _ := d.Register()
	writer, _ := d.Register()

	rg := d.Pin(reader)
	require.True(t, d.TryAdvance())

	freed := false
	wg := d.Pin(writer)
	require.NoError(t, wg.Retire(42, func() { freed = true }))
	wg.Unpin()

	// The reader pinned before the retire keeps it alive.
	for range 5 {
		d.Tick()
	}
	require.False(t, freed)
	require.True(t, d.IsRetired(42))

	rg.Unpin()
	total := 0
	for range reclaim.Lag + 1 {
		total += d.Tick()
	}
	require.Equal(t, 1, total)
	require.True(t, freed)
	require.False(t, d.IsRetired(42))
}

func TestBagOverflowSpillsToShared(t *testing.T) {
	d := reclaim.New(1).BagCapacity(2).BuildEpoch()
	id, _ := d.Register()

	const n = 10
	reclaimed := 0
	g := d.Pin(id)
	for i := range n {
		if err := g.Retire(reclaim.Handle(i), func() { reclaimed++ }); err != nil {
			t.Fatalf("Retire(%d): %v", i, err)
		}
	}
	g.Unpin()

	if d.Pending() != n {
		t.Fatalf("Pending: got %d, want %d", d.Pending(), n)
	}
	for range reclaim.Lag {
		d.TryAdvance()
	}
	if got := d.Collect(); got != n {
		t.Fatalf("Collect: got %d, want %d", got, n)
	}
	if reclaimed != n {
		t.Fatalf("reclaim calls: got %d, want %d", reclaimed, n)
	}
}

func TestUnregisterMovesBag(t *testing.T) {
	d := reclaim.New(1).BuildEpoch()
	id, _ := d.Register()

	reclaimed := 0
	g := d.Pin(id)
	for i := range 3 {
		require.NoError(t, g.Retire(reclaim.Handle(i), func() { reclaimed++ }))
	}
	g.Unpin()
	require.NoError(t, d.Unregister(id))
	require.Equal(t, 3, d.Pending())

	for range reclaim.Lag {
		d.Tick()
	}
	require.Equal(t, 3, reclaimed)
	require.Equal(t, 0, d.Pending())
}

func TestDoubleRetire(t *testing.T) {
	d := reclaim.New(1).BuildEpoch()
	calls := 0
	require.NoError(t, d.Retire(5, func() { calls++ }))

	if reclaim.DebugAssertions {
		require.Panics(t, func() { _ = d.Retire(5, func() { calls++ }) })
	} else {
		require.ErrorIs(t, d.Retire(5, func() { calls++ }), reclaim.ErrDoubleRetire)
	}
	require.Equal(t, 1, d.Pending())

	for range reclaim.Lag {
		d.Tick()
	}
	require.Equal(t, 1, calls, "reclaim must run exactly once")

	// Once reclaimed, the handle may be retired again.
	require.NoError(t, d.Retire(5, func() { calls++ }))
}

func TestRetireHandleRecycledDuringReclaim(t *testing.T) {
	d := reclaim.New(1).BuildEpoch()

	freed := make(chan struct{})
	reretired := make(chan error, 1)
	go func() {
		<-freed
		// The object is back in its pool and gets unlinked again under
		// the same handle while the first reclaim function is running.
		reretired <- d.Retire(42, func() {})
	}()

	require.NoError(t, d.Retire(42, func() {
		close(freed)
		if err := <-reretired; err != nil {
			t.Errorf("Retire of recycled handle: %v", err)
		}
	}))
	for range reclaim.Lag {
		d.TryAdvance()
	}
	require.Equal(t, 1, d.Collect())

	require.True(t, d.IsRetired(42))
	require.Equal(t, 1, d.Pending())
	for range reclaim.Lag {
		d.TryAdvance()
	}
	require.Equal(t, 1, d.Collect())
	require.False(t, d.IsRetired(42))
}

func TestRetireNilPanics(t *testing.T) {
	d := reclaim.New(1).BuildEpoch()
	require.Panics(t, func() { _ = d.Retire(1, nil) })
}

func TestCollectRunsOutsideLocks(t *testing.T) {
	d := reclaim.New(1).BuildEpoch()
	id, _ := d.Register()

	// A reclaim function may retire and pin again.
	inner := false
	require.NoError(t, d.Retire(1, func() {
		g := d.Pin(id)
		_ = g.Retire(2, func() { inner = true })
		g.Unpin()
	}))
	for range reclaim.Lag {
		d.TryAdvance()
	}
	require.Equal(t, 1, d.Collect())
	require.Equal(t, 1, d.Pending())

	for range reclaim.Lag {
		d.Tick()
	}
	require.True(t, inner)
}

func TestEpochStats(t *testing.T) {
	d := reclaim.New(4).BuildEpoch()
	a, _ := d.Register()
	_, _ = d.Register()

	g := d.Pin(a)
	_ = g.Retire(1, func() {})
	_ = d.Retire(2, func() {})

	s := d.Stats()
	require.Equal(t, 2, s.Participants)
	require.Equal(t, 1, s.Active)
	require.Equal(t, 2, s.Pending)
	require.Zero(t, s.Reclaimed)
	g.Unpin()

	for range reclaim.Lag {
		d.Tick()
	}
	s = d.Stats()
	require.Equal(t, 0, s.Pending)
	require.Equal(t, uint64(2), s.Reclaimed)
	require.Equal(t, uint64(reclaim.Lag), s.Advances)
}

// =============================================================================
// Teardown
// =============================================================================

func TestEpochClose(t *testing.T) {
	d := reclaim.New(2).BuildEpoch()
	id, _ := d.Register()

	reclaimed := 0
	g := d.Pin(id)
	require.NoError(t, g.Retire(1, func() { reclaimed++ }))
	require.NoError(t, d.Retire(2, func() { reclaimed++ }))

	if reclaim.DebugAssertions {
		require.Panics(t, func() { _ = d.Close() })
	} else {
		require.ErrorIs(t, d.Close(), reclaim.ErrUnregisterWhilePinned)
	}
	require.Zero(t, reclaimed)

	g.Unpin()
	require.NoError(t, d.Close())
	require.Equal(t, 2, reclaimed, "Close reclaims without waiting for epochs")
	require.Zero(t, d.Pending())
}
