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

package tracer

import (
	"github.com/parca-dev/parca-tracer/pkg/config"
	"github.com/parca-dev/parca-tracer/pkg/event"
	"github.com/parca-dev/parca-tracer/pkg/perfevent"
)

var schedTracepoints = []perfevent.Tracepoint{
	perfevent.TracepointSchedSwitch,
	perfevent.TracepointSchedWakeup,
	perfevent.TracepointSchedWakeupNew,
}

// descriptors returns the sources needed to record cfg on every CPU in cpus.
// Functions must already be classified: marker functions only need their
// entry probe.
func descriptors(cfg *config.Capture, functions []*event.FunctionIdentity, cpus []int) []perfevent.Descriptor {
	var descs []perfevent.Descriptor
	for _, cpu := range cpus {
		if cfg.Scheduling {
			for _, tp := range schedTracepoints {
				descs = append(descs, perfevent.Descriptor{
					Kind:            perfevent.KindTracepoint,
					CPU:             cpu,
					Tracepoint:      tp,
					RingBufferPages: cfg.RingBuffer.TracepointPages,
				})
			}
		}
		for _, f := range functions {
			descs = append(descs, perfevent.Descriptor{
				Kind:            perfevent.KindUprobe,
				CPU:             cpu,
				Function:        f,
				RingBufferPages: cfg.RingBuffer.UprobePages,
			})
			if f.IsMarker() {
				continue
			}
			descs = append(descs, perfevent.Descriptor{
				Kind:            perfevent.KindUretprobe,
				CPU:             cpu,
				Function:        f,
				RingBufferPages: cfg.RingBuffer.UprobePages,
			})
		}
		if cfg.Sampling.Enabled {
			descs = append(descs, perfevent.Descriptor{
				Kind:            perfevent.KindSampling,
				CPU:             cpu,
				SamplePeriod:    cfg.Sampling.Period,
				RingBufferPages: cfg.RingBuffer.SamplingPages,
			})
		}
		if cfg.GPU {
			descs = append(descs, perfevent.Descriptor{
				Kind:            perfevent.KindTracepoint,
				CPU:             cpu,
				Tracepoint:      perfevent.TracepointGpuSubmit,
				RingBufferPages: cfg.RingBuffer.TracepointPages,
			})
		}
	}
	return descs
}

// Source classes in the order events with equal timestamps are delivered.
const (
	prioritySchedule = iota
	priorityEntry
	priorityExit
	prioritySampling
	priorityGPU
)

// priority orders sources for the merger: by source class, then by CPU.
func priority(d perfevent.Descriptor) int {
	class := prioritySampling
	switch d.Kind {
	case perfevent.KindUprobe:
		class = priorityEntry
	case perfevent.KindUretprobe:
		class = priorityExit
	case perfevent.KindTracepoint:
		class = prioritySchedule
		if d.Tracepoint == perfevent.TracepointGpuSubmit {
			class = priorityGPU
		}
	}
	return class<<16 | d.CPU&0xffff
}
