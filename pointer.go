// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package reclaim

import "sync/atomic"

// Pointer publishes successive versions of a *T to concurrent readers.
//
// Readers Load inside a pinned section (EpochDomain) or a read-side section
// (RcuDomain). Updaters build a new version, Swap it in, and hand the old
// version to Guard.Retire, EpochDomain.Retire or RcuDomain.CallRCU:
//
//	next := cloneWith(cur, change)
//	old := cfg.Swap(next)
//	rd.CallRCU(func() { release(old) })
//
// The zero value holds nil.
type Pointer[T any] struct {
	p atomic.Pointer[T]
}

// Load returns the current version.
func (p *Pointer[T]) Load() *T {
	return p.p.Load()
}

// Store publishes v, discarding the previous version. Use it only when no
// previous version needs reclaiming.
func (p *Pointer[T]) Store(v *T) {
	p.p.Store(v)
}

// Swap publishes v and returns the previous version, which readers may
// still hold until it is retired and reclaimed.
func (p *Pointer[T]) Swap(v *T) *T {
	return p.p.Swap(v)
}

// CompareAndSwap publishes v if the current version is old.
func (p *Pointer[T]) CompareAndSwap(old, v *T) bool {
	return p.p.CompareAndSwap(old, v)
}
