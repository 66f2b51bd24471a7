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

// Package correlator pairs function entry and exit events into timed spans.
package correlator

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/parca-dev/parca-tracer/pkg/event"
)

// DefaultMaxStackDepth is the default bound on the number of open entries per
// thread and stack.
const DefaultMaxStackDepth = 1024

// Emitter receives the spans produced by a Correlator.
type Emitter interface {
	OnTimer(event.Timer)
	OnAsyncSpan(event.AsyncSpan)
	OnValueSample(event.ValueSample)
}

type frame struct {
	function *event.FunctionIdentity
	pid      int32
	start    uint64
}

// callStack is a bounded stack of open entries. When full, pushing drops the
// oldest entry.
type callStack struct {
	frames []frame
}

func (s *callStack) push(f frame, limit int) (dropped bool) {
	if len(s.frames) >= limit {
		copy(s.frames, s.frames[1:])
		s.frames = s.frames[:len(s.frames)-1]
		dropped = true
	}
	s.frames = append(s.frames, f)
	return dropped
}

func (s *callStack) pop() (frame, bool) {
	n := len(s.frames)
	if n == 0 {
		return frame{}, false
	}
	f := s.frames[n-1]
	s.frames[n-1] = frame{}
	s.frames = s.frames[:n-1]
	return f, true
}

type thread struct {
	// calls holds dynamically instrumented functions, manual holds
	// TimerStart markers. They never pop each other.
	calls  callStack
	manual callStack
}

type asyncStart struct {
	function *event.FunctionIdentity
	tid      int32
	start    uint64
}

// Correlator turns function entry and exit events into Timer, AsyncSpan and
// ValueSample events. Synchronous pairing is strictly per thread, async spans
// are keyed by their id only and may stop on any thread.
//
// Correlator is not safe for concurrent use.
type Correlator struct {
	logger   log.Logger
	out      Emitter
	maxDepth int

	threads map[int32]*thread
	async   map[uint64]asyncStart

	orphanedEntries   uint64
	orphanedExits     uint64
	supersededAsync   uint64
	unterminatedAtEnd uint64
}

// New returns a Correlator emitting to out. A maxStackDepth of zero or less
// selects DefaultMaxStackDepth.
func New(logger log.Logger, out Emitter, maxStackDepth int) *Correlator {
	if maxStackDepth <= 0 {
		maxStackDepth = DefaultMaxStackDepth
	}
	return &Correlator{
		logger:   logger,
		out:      out,
		maxDepth: maxStackDepth,
		threads:  map[int32]*thread{},
		async:    map[uint64]asyncStart{},
	}
}

// Process consumes one raw event. Events other than function entries and
// exits are ignored.
func (c *Correlator) Process(e event.RawEvent) {
	call, ok := e.Payload.(event.FunctionCall)
	if !ok || call.Function == nil {
		return
	}

	switch e.Kind {
	case event.KindFunctionEntry:
		c.entry(e, call)
	case event.KindFunctionExit:
		c.exit(e, call)
	}
}

func (c *Correlator) thread(tid int32) *thread {
	t, ok := c.threads[tid]
	if !ok {
		t = &thread{}
		c.threads[tid] = t
	}
	return t
}

func (c *Correlator) entry(e event.RawEvent, call event.FunctionCall) {
	fn := call.Function
	switch fn.Marker {
	case event.MarkerNone:
		c.push(&c.thread(e.TID).calls, e, fn)
	case event.MarkerTimerStart:
		c.push(&c.thread(e.TID).manual, e, fn)
	case event.MarkerTimerStop:
		c.pop(&c.thread(e.TID).manual, e)
	case event.MarkerTimerStartAsync:
		id := call.Args[1]
		if _, open := c.async[id]; open {
			c.supersededAsync++
			level.Debug(c.logger).Log("msg", "async span superseded", "id", id, "tid", e.TID)
		}
		c.async[id] = asyncStart{function: fn, tid: e.TID, start: e.Timestamp}
	case event.MarkerTimerStopAsync:
		id := call.Args[0]
		start, open := c.async[id]
		if !open {
			c.orphanedExits++
			level.Debug(c.logger).Log("msg", "async stop without start", "id", id, "tid", e.TID)
			return
		}
		delete(c.async, id)
		c.out.OnAsyncSpan(event.AsyncSpan{
			ID:       id,
			Function: start.function,
			StartTID: start.tid,
			Start:    start.start,
			StopTID:  e.TID,
			Stop:     e.Timestamp,
		})
	case event.MarkerTrackValue:
		c.out.OnValueSample(event.ValueSample{
			Function:  fn,
			TID:       e.TID,
			Timestamp: e.Timestamp,
			Value:     call.Args[2],
		})
	}
}

func (c *Correlator) exit(e event.RawEvent, call event.FunctionCall) {
	if call.Function.IsMarker() {
		// Markers are only ever probed on entry.
		return
	}
	c.pop(&c.thread(e.TID).calls, e)
}

func (c *Correlator) push(s *callStack, e event.RawEvent, fn *event.FunctionIdentity) {
	if s.push(frame{function: fn, pid: e.PID, start: e.Timestamp}, c.maxDepth) {
		c.orphanedEntries++
		level.Debug(c.logger).Log("msg", "call stack too deep, dropping oldest entry", "tid", e.TID, "limit", c.maxDepth)
	}
}

func (c *Correlator) pop(s *callStack, e event.RawEvent) {
	f, ok := s.pop()
	if !ok {
		c.orphanedExits++
		level.Debug(c.logger).Log("msg", "exit without entry", "tid", e.TID, "ts", e.Timestamp)
		return
	}
	end := e.Timestamp
	if end < f.start {
		end = f.start
	}
	c.out.OnTimer(event.Timer{
		Function: f.function,
		PID:      f.pid,
		TID:      e.TID,
		Start:    f.start,
		End:      end,
		Depth:    len(s.frames),
	})
}

// Finish discards every open entry and async span, counting each of them as
// unterminated. No span is emitted for them.
func (c *Correlator) Finish() {
	for tid, t := range c.threads {
		c.unterminatedAtEnd += uint64(len(t.calls.frames) + len(t.manual.frames))
		delete(c.threads, tid)
	}
	c.unterminatedAtEnd += uint64(len(c.async))
	clear(c.async)
}

// Open returns the number of open entries and async spans.
func (c *Correlator) Open() int {
	n := len(c.async)
	for _, t := range c.threads {
		n += len(t.calls.frames) + len(t.manual.frames)
	}
	return n
}

// Statistics returns the pairing counters. Fields not owned by the
// correlator are left zero.
func (c *Correlator) Statistics() event.Statistics {
	return event.Statistics{
		OrphanedEntries:   c.orphanedEntries,
		OrphanedExits:     c.orphanedExits,
		SupersededAsync:   c.supersededAsync,
		UnterminatedAtEnd: c.unterminatedAtEnd,
	}
}
