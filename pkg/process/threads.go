// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package process

import (
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/prometheus/procfs"
)

// Threads returns the ids of all threads of the process pid.
func Threads(fs procfs.FS, pid int) ([]int32, error) {
	procs, err := fs.AllThreads(pid)
	if err != nil {
		return nil, fmt.Errorf("list threads of %d: %w", pid, err)
	}
	tids := make([]int32, 0, len(procs))
	for _, p := range procs {
		tids = append(tids, int32(p.PID))
	}
	return tids, nil
}

// ThreadSet is a set of thread ids. A nil *ThreadSet contains every thread.
type ThreadSet struct {
	mtx sync.RWMutex
	bm  *roaring.Bitmap
}

// NewThreadSet returns a set holding tids.
func NewThreadSet(tids ...int32) *ThreadSet {
	s := &ThreadSet{bm: roaring.New()}
	for _, tid := range tids {
		s.bm.Add(uint32(tid))
	}
	return s
}

// ThreadsOf returns the set of threads currently alive in pid.
func ThreadsOf(fs procfs.FS, pid int) (*ThreadSet, error) {
	tids, err := Threads(fs, pid)
	if err != nil {
		return nil, err
	}
	return NewThreadSet(tids...), nil
}

// Add inserts tid and reports whether it was not present.
func (s *ThreadSet) Add(tid int32) bool {
	if s == nil || tid < 0 {
		return false
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.bm.CheckedAdd(uint32(tid))
}

// Contains reports whether tid is in the set.
func (s *ThreadSet) Contains(tid int32) bool {
	if s == nil {
		return true
	}
	if tid < 0 {
		return false
	}
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.bm.Contains(uint32(tid))
}

// Len returns the number of threads in the set.
func (s *ThreadSet) Len() int {
	if s == nil {
		return 0
	}
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return int(s.bm.GetCardinality())
}
