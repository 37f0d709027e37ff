// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package reclaim_test

import (
	"errors"
	"fmt"

	"code.hybscloud.com/reclaim"
)

// ExampleEpochDomain_Collect retires an object and reclaims it once two
// epochs have passed.
func ExampleEpochDomain_Collect() {
	d := reclaim.New(4).Name("example").BuildEpoch()
	id, _ := d.Register()
	defer d.Unregister(id)

	g := d.Pin(id)
	g.Retire(1, func() { fmt.Println("reclaimed 1") })
	g.Unpin()

	fmt.Println("collected:", d.Collect())
	for range reclaim.Lag {
		d.TryAdvance()
	}
	fmt.Println("collected:", d.Collect())

	// Output:
	// collected: 0
	// reclaimed 1
	// collected: 1
}

// ExampleEpochDomain_Register shows the recoverable full-table error.
func ExampleEpochDomain_Register() {
	d := reclaim.New(1).BuildEpoch()
	d.Register()

	_, err := d.Register()
	fmt.Println(errors.Is(err, reclaim.ErrTooManyParticipants))

	// Output:
	// true
}

// ExampleRcuDomain_Synchronize polls for a grace period around a reader.
func ExampleRcuDomain_Synchronize() {
	d := reclaim.New(4).BuildRcu()
	r, _ := d.RegisterReader()

	d.ReadLock(r)
	fmt.Println("reader inside:", d.Synchronize())
	d.ReadUnlock(r)
	fmt.Println("reader left:", d.Synchronize())

	// Output:
	// reader inside: false
	// reader left: true
}

// ExampleRcuDomain_CallRCU replaces a published configuration and frees
// the old one after a grace period.
func ExampleRcuDomain_CallRCU() {
	type config struct{ version int }

	d := reclaim.New(4).BuildRcu()
	r, _ := d.RegisterReader()

	var current reclaim.Pointer[config]
	current.Store(&config{version: 1})

	d.ReadLock(r)
	seen := current.Load()

	old := current.Swap(&config{version: 2})
	d.CallRCU(func() { fmt.Println("released version", old.version) })

	fmt.Println("fired while reading:", d.Tick())
	fmt.Println("reader sees version", seen.version)
	d.ReadUnlock(r)
	fmt.Println("fired after unlock:", d.Tick())

	// Output:
	// fired while reading: 0
	// reader sees version 1
	// released version 1
	// fired after unlock: 1
}

// ExampleSeqValue publishes a pair that readers always see consistently.
func ExampleSeqValue() {
	pos := reclaim.NewSeqValue([2]int{0, 0})
	pos.Store([2]int{1, 1})
	pos.Update(func(p *[2]int) { p[0]++; p[1]++ })

	fmt.Println(pos.Load(), pos.Sequence())

	// Output:
	// [2 2] 4
}

// ExampleSeqLock writes a record laid out by the caller.
func ExampleSeqLock() {
	var (
		sl   reclaim.SeqLock
		x, y int
	)

	sl.WriteBegin()
	x, y = 1, 1
	sl.WriteEnd()

	for {
		seq := sl.ReadBegin()
		rx, ry := x, y
		if !sl.ReadRetry(seq) {
			fmt.Println(rx, ry)
			break
		}
	}

	// Output:
	// 1 1
}
