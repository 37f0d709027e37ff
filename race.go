// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build race

package reclaim

// RaceEnabled is true when the race detector is active.
// Used by tests to skip scenarios that race plain payload memory by design,
// such as SeqLock torn-read detection.
const RaceEnabled = true
