/*
Copyright 2026 The DeskGate Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package wsutil collects small helpers shared by the splice and
// dispatcher packages: a byte-slice pool for the hot copy loops, the
// helper that extracts bearer tokens from a request, and process-wide
// logger setup.
package wsutil

import "sync"

// SlicePool manages a pool of byte slices to avoid a fresh allocation
// on every read in the splice engine's copy loops.
type SlicePool interface {
	// Get returns a new or already allocated slice.
	Get() []byte
	// Put returns a slice back to the pool, zeroing it first so stale
	// display bytes don't linger in memory between sessions.
	Put(b []byte)
	// Size returns the slice size this pool hands out.
	Size() int
}

// NewSlicePool returns a slice pool backed by sync.Pool, handing out
// slices of sliceSize bytes.
func NewSlicePool(sliceSize int) *SyncSlicePool {
	s := &SyncSlicePool{sliceSize: sliceSize}
	s.pool.New = func() interface{} {
		b := make([]byte, sliceSize)
		return &b
	}
	return s
}

// SyncSlicePool is a sync.Pool of same-sized byte slices.
type SyncSlicePool struct {
	pool      sync.Pool
	sliceSize int
}

// Get returns a new or already allocated slice.
func (s *SyncSlicePool) Get() []byte {
	pslice := s.pool.Get().(*[]byte)
	return *pslice
}

// Put zeroes and returns a slice back to the pool.
func (s *SyncSlicePool) Put(b []byte) {
	for i := range b {
		b[i] = 0
	}
	s.pool.Put(&b)
}

// Size returns the slice size handed out by this pool.
func (s *SyncSlicePool) Size() int {
	return s.sliceSize
}
