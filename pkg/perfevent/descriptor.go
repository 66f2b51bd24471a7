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

// Package perfevent opens perf_event_open(2) based event sources and
// decodes the records of their memory mapped ring buffers into raw events.
package perfevent

import (
	"fmt"
	"time"

	"github.com/parca-dev/parca-tracer/pkg/event"
)

// Kind is the type of an event source.
type Kind uint8

const (
	KindSampling Kind = iota + 1
	KindUprobe
	KindUretprobe
	KindTracepoint
)

func (k Kind) String() string {
	switch k {
	case KindSampling:
		return "sampling"
	case KindUprobe:
		return "uprobe"
	case KindUretprobe:
		return "uretprobe"
	case KindTracepoint:
		return "tracepoint"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Tracepoint names a static kernel tracepoint.
type Tracepoint struct {
	Category string
	Name     string
}

func (t Tracepoint) String() string {
	return t.Category + ":" + t.Name
}

var (
	TracepointSchedSwitch    = Tracepoint{Category: "sched", Name: "sched_switch"}
	TracepointSchedWakeup    = Tracepoint{Category: "sched", Name: "sched_wakeup"}
	TracepointSchedWakeupNew = Tracepoint{Category: "sched", Name: "sched_wakeup_new"}
	TracepointGpuSubmit      = Tracepoint{Category: "amdgpu", Name: "amdgpu_cs_ioctl"}
)

// DefaultRingBufferPages is the number of data pages mapped per source when
// the descriptor leaves it unset.
const DefaultRingBufferPages = 64

// Descriptor describes a single event source bound to one CPU.
type Descriptor struct {
	Kind Kind
	CPU  int

	// Function is the probed function of KindUprobe and KindUretprobe.
	Function *event.FunctionIdentity
	// Tracepoint is the event of KindTracepoint.
	Tracepoint Tracepoint
	// SamplePeriod is the CPU clock period of KindSampling.
	SamplePeriod time.Duration

	// RingBufferPages is the number of data pages of the ring buffer, a
	// power of two.
	RingBufferPages int
}

func (d Descriptor) String() string {
	switch d.Kind {
	case KindUprobe, KindUretprobe:
		name := "<nil>"
		if d.Function != nil {
			name = d.Function.String()
		}
		return fmt.Sprintf("%s %s cpu=%d", d.Kind, name, d.CPU)
	case KindTracepoint:
		return fmt.Sprintf("%s %s cpu=%d", d.Kind, d.Tracepoint, d.CPU)
	case KindSampling:
		return fmt.Sprintf("%s period=%s cpu=%d", d.Kind, d.SamplePeriod, d.CPU)
	default:
		return fmt.Sprintf("%s cpu=%d", d.Kind, d.CPU)
	}
}

func (d Descriptor) ringBufferPages() int {
	if d.RingBufferPages <= 0 {
		return DefaultRingBufferPages
	}
	return d.RingBufferPages
}

func (d Descriptor) validate() error {
	switch d.Kind {
	case KindSampling:
		if d.SamplePeriod <= 0 {
			return fmt.Errorf("sample period must be positive, got %s", d.SamplePeriod)
		}
	case KindUprobe, KindUretprobe:
		if d.Function == nil || d.Function.ModulePath == "" {
			return fmt.Errorf("%s needs a function with a module path", d.Kind)
		}
	case KindTracepoint:
		if d.Tracepoint.Category == "" || d.Tracepoint.Name == "" {
			return fmt.Errorf("tracepoint name is empty")
		}
	default:
		return fmt.Errorf("unknown source kind %d", uint8(d.Kind))
	}
	if d.CPU < 0 {
		return fmt.Errorf("invalid cpu %d", d.CPU)
	}
	if p := d.ringBufferPages(); p&(p-1) != 0 {
		return fmt.Errorf("ring buffer pages must be a power of two, got %d", p)
	}
	return nil
}
