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

package event

// Timer is a finished synchronous span.
type Timer struct {
	Function *FunctionIdentity
	PID      int32
	TID      int32
	Start    uint64
	End      uint64
	// Depth is the nesting depth of the span on its thread, 0 for the
	// outermost span.
	Depth int
}

// Duration returns the length of the span in nanoseconds.
func (t Timer) Duration() uint64 { return t.End - t.Start }

// AsyncSpan is a span keyed by an application supplied id, which may stop on
// a different thread than the one it started on.
type AsyncSpan struct {
	ID       uint64
	Function *FunctionIdentity
	StartTID int32
	Start    uint64
	StopTID  int32
	Stop     uint64
}

// ValueSample is an instantaneous value reported by a TrackValue marker.
type ValueSample struct {
	Function  *FunctionIdentity
	TID       int32
	Timestamp uint64
	Value     uint64
}

// ThreadState is the scheduling state of a thread.
type ThreadState uint8

const (
	ThreadStateUnknown ThreadState = iota
	ThreadStateRunning
	ThreadStateRunnable
	ThreadStateBlocked
)

func (s ThreadState) String() string {
	switch s {
	case ThreadStateRunning:
		return "running"
	case ThreadStateRunnable:
		return "runnable"
	case ThreadStateBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// SchedulingSlice is a period a thread spent in one scheduling state. Only
// ThreadStateRunning and ThreadStateRunnable slices are emitted.
type SchedulingSlice struct {
	TID   int32
	CPU   int32
	State ThreadState
	Begin uint64
	End   uint64
}

// CallstackSample is an unsymbolized stack captured by the sampling source.
type CallstackSample struct {
	PID       int32
	TID       int32
	CPU       int32
	Timestamp uint64
	IPs       []uint64
}

// GpuSubmission is a command submission observed on the GPU driver.
type GpuSubmission struct {
	PID       int32
	TID       int32
	CPU       int32
	Timestamp uint64
	Context   uint32
	Seqno     uint32
	JobID     uint64
}

// Statistics are the cumulative anomaly counters of a session.
type Statistics struct {
	// LostRecords counts records lost by the kernel plus records dropped
	// because a handoff queue was full.
	LostRecords       uint64
	OrphanedEntries   uint64
	OrphanedExits     uint64
	SupersededAsync   uint64
	UnterminatedAtEnd uint64
	LateEvents        uint64
}

// Listener receives the output of a tracing session. It is called from a
// single goroutine and must return promptly; it must not call back into the
// session.
type Listener interface {
	OnTimer(Timer)
	OnAsyncSpan(AsyncSpan)
	OnValueSample(ValueSample)
	OnSchedulingSlice(SchedulingSlice)
	OnCallstackSample(CallstackSample)
	OnGpuSubmission(GpuSubmission)
	OnStatistics(Statistics)
}
