// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build release

package reclaim

// DebugAssertions is true unless built with -tags release. Tests use it to
// choose between expecting a panic and expecting an error return.
const DebugAssertions = false

func assertThat(bool, string) {}
