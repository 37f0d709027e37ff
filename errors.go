// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package reclaim

import (
	"errors"

	"code.hybscloud.com/iox"
)

// ErrWouldBlock indicates a bounded internal buffer cannot accept more work.
//
// A participant's retired bag returns it when its ring is full; the entry
// then goes to the domain's shared list.
//
// ErrWouldBlock is a control flow signal, not a failure. Callers of the
// public API never see it.
//
// This is an alias for [iox.ErrWouldBlock] for ecosystem consistency.
var ErrWouldBlock = iox.ErrWouldBlock

// ErrTooManyParticipants is returned by Register and RegisterReader when
// every slot of the fixed-size table is taken.
//
// It is recoverable: the caller may fall back to a locking path, or retry
// after another participant unregisters.
var ErrTooManyParticipants = errors.New("reclaim: too many participants")

// ErrDoubleRetire reports that a handle was retired while a previous retire
// of the same handle is still pending.
//
// This is a programming defect. Debug builds panic before returning it.
// Release builds (-tags release) drop the duplicate, so the object is
// reclaimed once rather than twice.
var ErrDoubleRetire = errors.New("reclaim: handle already retired")

// ErrUnregisterWhilePinned reports an Unregister of a participant that is
// pinned, or of an RCU reader inside a read-side critical section.
//
// This is a programming defect. Debug builds panic before returning it.
// Release builds leave the participant registered.
var ErrUnregisterWhilePinned = errors.New("reclaim: unregister while pinned")

// ErrGracePeriodStalled is carried by [StallEvent] when a pinned participant
// or an RCU reader holds back reclamation longer than the stall threshold.
//
// It is a liveness diagnostic, never a safety failure, and is never
// returned from a hot-path operation.
var ErrGracePeriodStalled = errors.New("reclaim: grace period stalled")

// IsWouldBlock reports whether err indicates the operation would block.
// Delegates to [iox.IsWouldBlock] for wrapped error support.
func IsWouldBlock(err error) bool {
	return iox.IsWouldBlock(err)
}

// IsSemantic reports whether err is a control flow signal (not a failure).
// Delegates to [iox.IsSemantic].
func IsSemantic(err error) bool {
	return iox.IsSemantic(err)
}

// IsDefect reports whether err is one of the programming-defect errors
// that debug builds turn into assertion failures.
func IsDefect(err error) bool {
	return errors.Is(err, ErrDoubleRetire) || errors.Is(err, ErrUnregisterWhilePinned)
}
