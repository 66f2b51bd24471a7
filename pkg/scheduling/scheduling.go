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

// Package scheduling reconstructs per thread scheduling states from context
// switch and wake-up events.
package scheduling

import (
	"slices"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/parca-dev/parca-tracer/pkg/event"
)

// Emitter receives the slices produced by a Tracker.
type Emitter interface {
	OnSchedulingSlice(event.SchedulingSlice)
}

// Filter decides which threads are tracked.
type Filter interface {
	Contains(tid int32) bool
}

type thread struct {
	state event.ThreadState
	cpu   int32
	since uint64
}

// Tracker is a per thread state machine:
//
//	Runnable -> Running            on switch-in
//	Running  -> Runnable | Blocked on switch-out, by the previous task state
//	Blocked  -> Runnable           on wake-up
//
// Every transition closes the slice of the previous state. Running and
// Runnable slices are emitted, Blocked periods are not.
//
// Tracker is not safe for concurrent use.
type Tracker struct {
	logger log.Logger
	out    Emitter
	filter Filter

	threads    map[int32]*thread
	outOfOrder uint64
}

// New returns a Tracker. A nil filter tracks every thread.
func New(logger log.Logger, out Emitter, filter Filter) *Tracker {
	return &Tracker{
		logger:  logger,
		out:     out,
		filter:  filter,
		threads: map[int32]*thread{},
	}
}

// Process consumes one raw event. Events other than context switches and
// wake-ups are ignored.
func (t *Tracker) Process(e event.RawEvent) {
	switch e.Kind {
	case event.KindContextSwitchIn, event.KindContextSwitchOut, event.KindWakeUp:
	default:
		return
	}
	// TID 0 is the idle task, one per CPU. It is not a thread to track.
	if e.TID == 0 {
		return
	}
	if t.filter != nil && !t.filter.Contains(e.TID) {
		return
	}

	th, ok := t.threads[e.TID]
	if !ok {
		th = &thread{}
		t.threads[e.TID] = th
	}

	switch e.Kind {
	case event.KindContextSwitchIn:
		t.transition(e.TID, th, event.ThreadStateRunning, e.CPU, e.Timestamp)
	case event.KindContextSwitchOut:
		next := event.ThreadStateBlocked
		if p, ok := e.Payload.(event.SwitchOut); ok && p.Preempted() {
			next = event.ThreadStateRunnable
		}
		t.transition(e.TID, th, next, e.CPU, e.Timestamp)
	case event.KindWakeUp:
		switch th.state {
		case event.ThreadStateRunning, event.ThreadStateRunnable:
			// Already on or waiting for a CPU.
			return
		}
		cpu := e.CPU
		if p, ok := e.Payload.(event.WakeUp); ok {
			cpu = p.TargetCPU
		}
		t.transition(e.TID, th, event.ThreadStateRunnable, cpu, e.Timestamp)
	}
}

func (t *Tracker) transition(tid int32, th *thread, state event.ThreadState, cpu int32, ts uint64) {
	t.close(tid, th, ts)
	th.state = state
	th.cpu = cpu
	th.since = ts
}

func (t *Tracker) close(tid int32, th *thread, end uint64) {
	switch th.state {
	case event.ThreadStateRunning, event.ThreadStateRunnable:
	default:
		return
	}
	if end < th.since {
		t.outOfOrder++
		level.Debug(t.logger).Log("msg", "scheduling event out of order", "tid", tid, "since", th.since, "ts", end)
		return
	}
	t.out.OnSchedulingSlice(event.SchedulingSlice{
		TID:   tid,
		CPU:   th.cpu,
		State: th.state,
		Begin: th.since,
		End:   end,
	})
}

// Finish closes every open Running or Runnable slice at end, in thread id
// order, and forgets all threads.
func (t *Tracker) Finish(end uint64) {
	tids := make([]int32, 0, len(t.threads))
	for tid := range t.threads {
		tids = append(tids, tid)
	}
	slices.Sort(tids)
	for _, tid := range tids {
		t.close(tid, t.threads[tid], end)
	}
	clear(t.threads)
}

// OutOfOrder returns the number of slices dropped because they would have
// ended before they began.
func (t *Tracker) OutOfOrder() uint64 {
	return t.outOfOrder
}

// Threads returns the number of threads currently tracked.
func (t *Tracker) Threads() int {
	return len(t.threads)
}
