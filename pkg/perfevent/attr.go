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

package perfevent

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const baseSampleType = unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_TIME | unix.PERF_SAMPLE_CPU

// buildAttr returns the perf_event_attr for d. Every source starts disabled,
// stamps records with CLOCK_MONOTONIC and appends the sample id to non
// sample records. The module path of uprobes is set by the caller.
func buildAttr(d Descriptor, pmu uprobePMU, format *Format) *unix.PerfEventAttr {
	attr := &unix.PerfEventAttr{
		Size:        uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Sample:      1,
		Sample_type: baseSampleType,
		Bits:        unix.PerfBitDisabled | unix.PerfBitUseClockID | unix.PerfBitSampleIDAll,
		Clockid:     unix.CLOCK_MONOTONIC,
	}

	switch d.Kind {
	case KindSampling:
		attr.Type = unix.PERF_TYPE_SOFTWARE
		attr.Config = unix.PERF_COUNT_SW_CPU_CLOCK
		attr.Sample = uint64(d.SamplePeriod.Nanoseconds())
		attr.Sample_type |= unix.PERF_SAMPLE_CALLCHAIN
	case KindUprobe, KindUretprobe:
		attr.Type = pmu.typ
		attr.Config = pmu.config(d.Kind == KindUretprobe)
		attr.Ext2 = d.Function.Address
		if d.Kind == KindUprobe && d.Function.IsMarker() {
			if mask := argRegsMask(); mask != 0 {
				attr.Sample_type |= unix.PERF_SAMPLE_REGS_USER
				attr.Sample_regs_user = mask
			}
		}
	case KindTracepoint:
		attr.Type = unix.PERF_TYPE_TRACEPOINT
		attr.Config = format.ID
		attr.Sample_type |= unix.PERF_SAMPLE_RAW
	}
	return attr
}
