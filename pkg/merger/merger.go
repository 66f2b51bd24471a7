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

// Package merger combines the event streams of several sources into a single
// stream ordered by timestamp within a bounded reordering tolerance.
package merger

import (
	"container/heap"
	"time"

	"github.com/parca-dev/parca-tracer/pkg/event"
)

// Merger is a watermark based k-way merge. Each source is expected to
// deliver its own events in non-decreasing timestamp order; events of
// different sources may be skewed by up to the tolerance.
//
// Events with equal timestamps are ordered by source priority (lower is
// first), then by arrival.
//
// Merger is not safe for concurrent use.
type Merger struct {
	tolerance uint64
	priority  []int

	pending eventHeap
	late    []event.RawEvent
	seq     uint64

	latest    []uint64
	watermark uint64

	lateEvents uint64
}

// New returns a Merger for sources whose priorities are given in priority,
// indexed by source.
func New(priority []int, tolerance time.Duration) *Merger {
	p := make([]int, len(priority))
	copy(p, priority)
	return &Merger{
		tolerance: uint64(tolerance.Nanoseconds()),
		priority:  p,
		latest:    make([]uint64, len(priority)),
	}
}

// Add buffers an event of the given source.
func (m *Merger) Add(source int, e event.RawEvent) {
	e.Source = source
	if e.Timestamp > m.latest[source] {
		m.latest[source] = e.Timestamp
	}
	if m.watermark > 0 && e.Timestamp < m.watermark {
		// Everything up to the watermark has already been emitted.
		m.lateEvents++
		m.late = append(m.late, e)
		return
	}
	m.seq++
	heap.Push(&m.pending, item{event: e, priority: m.priority[source], seq: m.seq})
}

// Advance tells the merger that source has no events older than ts left to
// deliver, typically because its ring buffer was found empty at time ts.
func (m *Merger) Advance(source int, ts uint64) {
	if ts > m.latest[source] {
		m.latest[source] = ts
	}
}

// Watermark returns the timestamp up to which events have been released.
func (m *Merger) Watermark() uint64 {
	return m.watermark
}

// LateEvents returns the number of events that arrived below the watermark.
func (m *Merger) LateEvents() uint64 {
	return m.lateEvents
}

// Len returns the number of buffered events.
func (m *Merger) Len() int {
	return len(m.pending) + len(m.late)
}

// Drain appends to dst, in order, every buffered event at or below the
// current watermark, followed by the late events received since the last
// call.
func (m *Merger) Drain(dst []event.RawEvent) []event.RawEvent {
	if wm := m.computeWatermark(); wm > m.watermark {
		m.watermark = wm
	}
	for len(m.pending) > 0 && m.pending[0].event.Timestamp <= m.watermark {
		dst = append(dst, heap.Pop(&m.pending).(item).event)
	}
	return m.appendLate(dst)
}

// Flush appends every buffered event to dst regardless of the watermark and
// moves the watermark past the last emitted event.
func (m *Merger) Flush(dst []event.RawEvent) []event.RawEvent {
	for len(m.pending) > 0 {
		e := heap.Pop(&m.pending).(item).event
		if e.Timestamp > m.watermark {
			m.watermark = e.Timestamp
		}
		dst = append(dst, e)
	}
	return m.appendLate(dst)
}

func (m *Merger) appendLate(dst []event.RawEvent) []event.RawEvent {
	if len(m.late) == 0 {
		return dst
	}
	dst = append(dst, m.late...)
	clear(m.late)
	m.late = m.late[:0]
	return dst
}

func (m *Merger) computeWatermark() uint64 {
	if len(m.latest) == 0 {
		return 0
	}
	low := m.latest[0]
	for _, ts := range m.latest[1:] {
		low = min(low, ts)
	}
	if low <= m.tolerance {
		return 0
	}
	return low - m.tolerance
}

type item struct {
	event    event.RawEvent
	priority int
	seq      uint64
}

type eventHeap []item

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.event.Timestamp != b.event.Timestamp {
		return a.event.Timestamp < b.event.Timestamp
	}
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.seq < b.seq
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) { *h = append(*h, x.(item)) }

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = item{}
	*h = old[:n-1]
	return it
}
