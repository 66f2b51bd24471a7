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
	"errors"
	"fmt"
	"math/bits"

	"golang.org/x/sys/unix"

	"github.com/parca-dev/parca-tracer/pkg/byteorder"
	"github.com/parca-dev/parca-tracer/pkg/event"
)

// perfContextMax is PERF_CONTEXT_MAX. Callchain entries at or above it are
// context markers rather than instruction pointers.
const perfContextMax uint64 = 0xfffffffffffff001

const supportedSampleType = unix.PERF_SAMPLE_IDENTIFIER | unix.PERF_SAMPLE_IP | unix.PERF_SAMPLE_TID |
	unix.PERF_SAMPLE_TIME | unix.PERF_SAMPLE_ADDR | unix.PERF_SAMPLE_ID | unix.PERF_SAMPLE_STREAM_ID |
	unix.PERF_SAMPLE_CPU | unix.PERF_SAMPLE_PERIOD | unix.PERF_SAMPLE_CALLCHAIN | unix.PERF_SAMPLE_RAW |
	unix.PERF_SAMPLE_REGS_USER

var errTruncated = errors.New("truncated record")

// sample holds the fields of a PERF_RECORD_SAMPLE the decoder cares about.
type sample struct {
	pid, tid uint32
	time     uint64
	cpu      uint32
	ips      []uint64
	raw      []byte
	regs     []uint64
}

// decoder turns the records of one source into raw events.
type decoder struct {
	desc       Descriptor
	sampleType uint64
	regsMask   uint64

	tracepoint tracepointDecoder
}

func newDecoder(desc Descriptor, sampleType, regsMask uint64, format *Format) (*decoder, error) {
	if unsupported := sampleType &^ supportedSampleType; unsupported != 0 {
		return nil, fmt.Errorf("unsupported sample type bits %#x", unsupported)
	}
	d := &decoder{desc: desc, sampleType: sampleType, regsMask: regsMask}
	if desc.Kind == KindTracepoint {
		if format == nil {
			return nil, fmt.Errorf("%s: missing format", desc.Tracepoint)
		}
		td, err := newTracepointDecoder(desc.Tracepoint, format)
		if err != nil {
			return nil, err
		}
		d.tracepoint = td
	}
	return d, nil
}

// decode appends the events of one record to dst. Records other than
// samples and lost notifications are skipped.
func (d *decoder) decode(dst []event.RawEvent, typ uint32, record []byte) ([]event.RawEvent, error) {
	switch typ {
	case unix.PERF_RECORD_SAMPLE:
		s, err := d.parseSample(record)
		if err != nil {
			return dst, err
		}
		return d.appendSample(dst, s)
	case unix.PERF_RECORD_LOST:
		return d.appendLost(dst, record)
	default:
		return dst, nil
	}
}

func (d *decoder) parseSample(record []byte) (sample, error) {
	var s sample
	r := recordReader{buf: record}
	st := d.sampleType

	if st&unix.PERF_SAMPLE_IDENTIFIER != 0 {
		r.skip(8)
	}
	if st&unix.PERF_SAMPLE_IP != 0 {
		r.skip(8)
	}
	if st&unix.PERF_SAMPLE_TID != 0 {
		s.pid, s.tid = r.u32(), r.u32()
	}
	if st&unix.PERF_SAMPLE_TIME != 0 {
		s.time = r.u64()
	}
	if st&unix.PERF_SAMPLE_ADDR != 0 {
		r.skip(8)
	}
	if st&unix.PERF_SAMPLE_ID != 0 {
		r.skip(8)
	}
	if st&unix.PERF_SAMPLE_STREAM_ID != 0 {
		r.skip(8)
	}
	if st&unix.PERF_SAMPLE_CPU != 0 {
		s.cpu = r.u32()
		r.skip(4)
	}
	if st&unix.PERF_SAMPLE_PERIOD != 0 {
		r.skip(8)
	}
	if st&unix.PERF_SAMPLE_CALLCHAIN != 0 {
		nr := r.u64()
		if nr > uint64(r.remaining()/8) {
			return s, errTruncated
		}
		s.ips = make([]uint64, 0, nr)
		for i := uint64(0); i < nr; i++ {
			if ip := r.u64(); ip < perfContextMax {
				s.ips = append(s.ips, ip)
			}
		}
	}
	if st&unix.PERF_SAMPLE_RAW != 0 {
		size := r.u32()
		s.raw = r.bytes(int(size))
	}
	if st&unix.PERF_SAMPLE_REGS_USER != 0 {
		// The ABI is zero when no user registers could be captured, for
		// example for kernel threads.
		if abi := r.u64(); abi != 0 {
			s.regs = make([]uint64, bits.OnesCount64(d.regsMask))
			for i := range s.regs {
				s.regs[i] = r.u64()
			}
		}
	}
	return s, r.err
}

func (d *decoder) appendSample(dst []event.RawEvent, s sample) ([]event.RawEvent, error) {
	e := event.RawEvent{
		Timestamp: s.time,
		PID:       int32(s.pid),
		TID:       int32(s.tid),
		CPU:       int32(s.cpu),
	}
	switch d.desc.Kind {
	case KindSampling:
		e.Kind = event.KindSampleStack
		e.Payload = event.Stack{IPs: s.ips}
	case KindUprobe:
		call := event.FunctionCall{Function: d.desc.Function}
		if s.regs != nil {
			call.Args = argsFromRegs(d.regsMask, s.regs)
		}
		e.Kind = event.KindFunctionEntry
		e.Payload = call
	case KindUretprobe:
		e.Kind = event.KindFunctionExit
		e.Payload = event.FunctionCall{Function: d.desc.Function}
	case KindTracepoint:
		return d.tracepoint.appendEvents(dst, e, s.raw)
	default:
		return dst, fmt.Errorf("unknown source kind %d", d.desc.Kind)
	}
	return append(dst, e), nil
}

// appendLost decodes a PERF_RECORD_LOST: id, lost count and the sample_id
// trailer enabled by sample_id_all.
func (d *decoder) appendLost(dst []event.RawEvent, record []byte) ([]event.RawEvent, error) {
	r := recordReader{buf: record}
	r.skip(8)
	lost := r.u64()
	if r.err != nil {
		return dst, r.err
	}

	e := event.RawEvent{
		Kind:    event.KindOverflow,
		PID:     -1,
		TID:     -1,
		CPU:     int32(d.desc.CPU),
		Payload: event.Lost{Count: lost},
	}
	st := d.sampleType
	if st&unix.PERF_SAMPLE_TID != 0 {
		e.PID, e.TID = int32(r.u32()), int32(r.u32())
	}
	if st&unix.PERF_SAMPLE_TIME != 0 {
		e.Timestamp = r.u64()
	}
	if st&unix.PERF_SAMPLE_ID != 0 {
		r.skip(8)
	}
	if st&unix.PERF_SAMPLE_STREAM_ID != 0 {
		r.skip(8)
	}
	if st&unix.PERF_SAMPLE_CPU != 0 {
		e.CPU = int32(r.u32())
	}
	if r.err != nil {
		// The count is still meaningful without the trailer.
		e.Timestamp = 0
	}
	return append(dst, e), nil
}

// tracepointDecoder extracts the fields of a known tracepoint from the raw
// payload of a sample.
type tracepointDecoder interface {
	appendEvents(dst []event.RawEvent, base event.RawEvent, raw []byte) ([]event.RawEvent, error)
}

func newTracepointDecoder(tp Tracepoint, f *Format) (tracepointDecoder, error) {
	lookup := func(names ...string) ([]Field, error) {
		fields := make([]Field, 0, len(names))
		for _, n := range names {
			field, ok := f.Field(n)
			if !ok {
				return nil, fmt.Errorf("%s: format has no field %q", tp, n)
			}
			fields = append(fields, field)
		}
		return fields, nil
	}

	switch tp {
	case TracepointSchedSwitch:
		fields, err := lookup("prev_pid", "prev_state", "next_pid")
		if err != nil {
			return nil, err
		}
		return schedSwitch{prevPID: fields[0], prevState: fields[1], nextPID: fields[2]}, nil
	case TracepointSchedWakeup, TracepointSchedWakeupNew:
		fields, err := lookup("pid", "target_cpu")
		if err != nil {
			return nil, err
		}
		return schedWakeup{pid: fields[0], targetCPU: fields[1], isNew: tp == TracepointSchedWakeupNew}, nil
	case TracepointGpuSubmit:
		fields, err := lookup("sched_job_id", "context", "seqno")
		if err != nil {
			return nil, err
		}
		return gpuSubmit{jobID: fields[0], context: fields[1], seqno: fields[2]}, nil
	default:
		return nil, fmt.Errorf("no decoder for tracepoint %s", tp)
	}
}

type schedSwitch struct {
	prevPID, prevState, nextPID Field
}

// appendEvents emits the switch-out of the previous task followed by the
// switch-in of the next one, both at the same timestamp.
func (s schedSwitch) appendEvents(dst []event.RawEvent, base event.RawEvent, raw []byte) ([]event.RawEvent, error) {
	prev, err := s.prevPID.Int(raw)
	if err != nil {
		return dst, err
	}
	state, err := s.prevState.Int(raw)
	if err != nil {
		return dst, err
	}
	next, err := s.nextPID.Int(raw)
	if err != nil {
		return dst, err
	}

	out := base
	out.Kind = event.KindContextSwitchOut
	out.TID = int32(prev)
	out.Payload = event.SwitchOut{PrevState: state}

	in := base
	in.Kind = event.KindContextSwitchIn
	// The tracepoint fires in the context of the previous task, the process
	// of the next one is unknown.
	in.PID = -1
	in.TID = int32(next)
	return append(dst, out, in), nil
}

type schedWakeup struct {
	pid, targetCPU Field
	isNew          bool
}

func (s schedWakeup) appendEvents(dst []event.RawEvent, base event.RawEvent, raw []byte) ([]event.RawEvent, error) {
	tid, err := s.pid.Int(raw)
	if err != nil {
		return dst, err
	}
	cpu, err := s.targetCPU.Int(raw)
	if err != nil {
		return dst, err
	}

	e := base
	e.Kind = event.KindWakeUp
	e.TID = int32(tid)
	if !s.isNew {
		// The waker is unrelated to the woken task. A new task is woken by
		// its creator, which shares its thread group for threads.
		e.PID = -1
	}
	e.Payload = event.WakeUp{TargetCPU: int32(cpu), New: s.isNew}
	return append(dst, e), nil
}

type gpuSubmit struct {
	jobID, context, seqno Field
}

func (g gpuSubmit) appendEvents(dst []event.RawEvent, base event.RawEvent, raw []byte) ([]event.RawEvent, error) {
	job, err := g.jobID.Uint(raw)
	if err != nil {
		return dst, err
	}
	ctx, err := g.context.Uint(raw)
	if err != nil {
		return dst, err
	}
	seqno, err := g.seqno.Uint(raw)
	if err != nil {
		return dst, err
	}

	e := base
	e.Kind = event.KindGpuSubmit
	e.Payload = event.GpuJob{Context: uint32(ctx), Seqno: uint32(seqno), JobID: job}
	return append(dst, e), nil
}

// recordReader reads host ordered integers from a record, remembering the
// first out of bounds access.
type recordReader struct {
	buf []byte
	off int
	err error
}

func (r *recordReader) remaining() int {
	return len(r.buf) - r.off
}

func (r *recordReader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > r.remaining() {
		r.err = errTruncated
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *recordReader) skip(n int) {
	r.bytes(n)
}

func (r *recordReader) u32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return byteorder.Host().Uint32(b)
}

func (r *recordReader) u64() uint64 {
	b := r.bytes(8)
	if b == nil {
		return 0
	}
	return byteorder.Host().Uint64(b)
}
