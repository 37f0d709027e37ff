// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build !release

package reclaim

// DebugAssertions is true unless built with -tags release. Tests use it to
// choose between expecting a panic and expecting an error return.
const DebugAssertions = true

// assertThat panics when cond is false. Release builds compile it away and
// rely on the caller's error return instead.
func assertThat(cond bool, info string) {
	if !cond {
		panic("reclaim: assertion failed: " + info)
	}
}
