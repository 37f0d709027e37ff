// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package reclaim

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Handle identifies a retired object for double-retire detection.
//
// A Handle is chosen by the caller and must be unique among objects that
// are retired at the same time: a node index, a slab offset, or
// uintptr(unsafe.Pointer(node)) all work. A handle may be retired again
// as soon as its previous reclaim function has been called, including from
// inside that function.
type Handle uint64

const handleShards = 64

// handleSet is the set of handles retired but not yet reclaimed.
//
// Shards are picked by hashing the handle so that sequential handles
// (slab indices, aligned addresses) spread evenly.
type handleSet struct {
	shards [handleShards]handleShard
}

type handleShard struct {
	mu sync.Mutex
	m  map[Handle]struct{}
	_  [64 - 8 - 8]byte
}

func newHandleSet() *handleSet {
	s := &handleSet{}
	for i := range s.shards {
		s.shards[i].m = make(map[Handle]struct{})
	}
	return s
}

func (s *handleSet) shard(h Handle) *handleShard {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(h))
	return &s.shards[xxhash.Sum64(b[:])%handleShards]
}

// add inserts h and reports false if it was already present.
func (s *handleSet) add(h Handle) bool {
	sh := s.shard(h)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.m[h]; ok {
		return false
	}
	sh.m[h] = struct{}{}
	return true
}

// remove deletes h just before its reclaim function runs.
func (s *handleSet) remove(h Handle) {
	sh := s.shard(h)
	sh.mu.Lock()
	delete(sh.m, h)
	sh.mu.Unlock()
}

// contains reports whether h is retired and not yet reclaimed.
func (s *handleSet) contains(h Handle) bool {
	sh := s.shard(h)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.m[h]
	return ok
}
