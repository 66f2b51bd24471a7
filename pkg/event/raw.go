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

// Package event holds the data model shared by the tracing pipeline: the raw
// events decoded from kernel ring buffers and the higher level events handed
// to a Listener.
package event

import "fmt"

// Kind is the type of a raw event.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindFunctionEntry
	KindFunctionExit
	KindContextSwitchIn
	KindContextSwitchOut
	KindWakeUp
	KindSampleStack
	KindGpuSubmit
	KindOverflow
)

var kindNames = [...]string{
	KindUnknown:          "unknown",
	KindFunctionEntry:    "function_entry",
	KindFunctionExit:     "function_exit",
	KindContextSwitchIn:  "context_switch_in",
	KindContextSwitchOut: "context_switch_out",
	KindWakeUp:           "wake_up",
	KindSampleStack:      "sample_stack",
	KindGpuSubmit:        "gpu_submit",
	KindOverflow:         "overflow",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// RawEvent is a single timestamped record produced by one event source.
// Timestamps are CLOCK_MONOTONIC nanoseconds.
type RawEvent struct {
	Kind      Kind
	Timestamp uint64
	PID       int32
	TID       int32
	CPU       int32
	// Source is the index of the producing source within the session.
	Source int

	Payload Payload
}

// Payload is the kind specific part of a RawEvent. The set of payloads is
// closed: only the types in this package implement it.
type Payload interface {
	payload()
}

// FunctionCall is the payload of KindFunctionEntry and KindFunctionExit.
type FunctionCall struct {
	Function *FunctionIdentity
	// Args holds the first six integer arguments for entries of marker
	// functions, in calling convention order. Zero for exits.
	Args [6]uint64
}

// taskReportMax is the flag sched_switch adds to prev_state when the task was
// preempted. Task states reported by the tracepoint are all below it.
const taskReportMax = 0x100

// SwitchOut is the payload of KindContextSwitchOut.
type SwitchOut struct {
	// PrevState is the task state reported by sched_switch for the thread
	// leaving the CPU. A zero state means the thread is still runnable.
	PrevState int64
}

// Preempted reports whether the thread left the CPU while runnable.
func (s SwitchOut) Preempted() bool { return s.PrevState&(taskReportMax-1) == 0 }

// WakeUp is the payload of KindWakeUp.
type WakeUp struct {
	TargetCPU int32
	// New is set for the first wake-up of a newly created task.
	New bool
}

// Stack is the payload of KindSampleStack.
type Stack struct {
	IPs []uint64
}

// GpuJob is the payload of KindGpuSubmit.
type GpuJob struct {
	Context uint32
	Seqno   uint32
	JobID   uint64
}

// Lost is the payload of KindOverflow.
type Lost struct {
	Count uint64
}

func (FunctionCall) payload() {}
func (SwitchOut) payload()    {}
func (WakeUp) payload()       {}
func (Stack) payload()        {}
func (GpuJob) payload()       {}
func (Lost) payload()         {}
