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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parca-dev/parca-tracer/pkg/byteorder"
)

const schedSwitchFormat = `name: sched_switch
ID: 316
format:
	field:unsigned short common_type;	offset:0;	size:2;	signed:0;
	field:unsigned char common_flags;	offset:2;	size:1;	signed:0;
	field:unsigned char common_preempt_count;	offset:3;	size:1;	signed:0;
	field:int common_pid;	offset:4;	size:4;	signed:1;

	field:char prev_comm[16];	offset:8;	size:16;	signed:0;
	field:pid_t prev_pid;	offset:24;	size:4;	signed:1;
	field:int prev_prio;	offset:28;	size:4;	signed:1;
	field:long prev_state;	offset:32;	size:8;	signed:1;
	field:char next_comm[16];	offset:40;	size:16;	signed:0;
	field:pid_t next_pid;	offset:56;	size:4;	signed:1;
	field:int next_prio;	offset:60;	size:4;	signed:1;

print fmt: "prev_comm=%s prev_pid=%d prev_prio=%d prev_state=%s%s ==> next_comm=%s next_pid=%d next_prio=%d", REC->prev_comm, REC->prev_pid, REC->prev_prio, REC->prev_state & (256-1) ? "S" : "R", REC->prev_state & 256 ? "+" : "", REC->next_comm, REC->next_pid, REC->next_prio
`

const schedWakeupFormat = `name: sched_wakeup
ID: 318
format:
	field:unsigned short common_type;	offset:0;	size:2;	signed:0;
	field:unsigned char common_flags;	offset:2;	size:1;	signed:0;
	field:unsigned char common_preempt_count;	offset:3;	size:1;	signed:0;
	field:int common_pid;	offset:4;	size:4;	signed:1;

	field:char comm[16];	offset:8;	size:16;	signed:0;
	field:pid_t pid;	offset:24;	size:4;	signed:1;
	field:int prio;	offset:28;	size:4;	signed:1;
	field:int target_cpu;	offset:32;	size:4;	signed:1;

print fmt: "comm=%s pid=%d prio=%d target_cpu=%03d", REC->comm, REC->pid, REC->prio, REC->target_cpu
`

const gpuSubmitFormat = `name: amdgpu_cs_ioctl
ID: 1523
format:
	field:unsigned short common_type;	offset:0;	size:2;	signed:0;
	field:unsigned char common_flags;	offset:2;	size:1;	signed:0;
	field:unsigned char common_preempt_count;	offset:3;	size:1;	signed:0;
	field:int common_pid;	offset:4;	size:4;	signed:1;

	field:uint64_t sched_job_id;	offset:8;	size:8;	signed:0;
	field:__data_loc char[] timeline;	offset:16;	size:4;	signed:0;
	field:unsigned int context;	offset:20;	size:4;	signed:0;
	field:unsigned int seqno;	offset:24;	size:4;	signed:0;
	field:struct dma_fence * fence;	offset:32;	size:8;	signed:0;
	field:__data_loc char[] ring_name;	offset:40;	size:4;	signed:0;
	field:u32 num_ibs;	offset:44;	size:4;	signed:0;

print fmt: "sched_job=%llu, timeline=%s, context=%u, seqno=%u, ring_name=%s, num_ibs=%u", REC->sched_job_id, __get_str(timeline), REC->context, REC->seqno, __get_str(ring_name), REC->num_ibs
`

func mustParseFormat(t *testing.T, s string) *Format {
	t.Helper()
	f, err := ParseFormat([]byte(s))
	require.NoError(t, err)
	return f
}

// recordBuilder writes host ordered perf records.
type recordBuilder struct {
	buf []byte
}

func (b *recordBuilder) u16(v uint16) *recordBuilder {
	var tmp [2]byte
	byteorder.Host().PutUint16(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
	return b
}

func (b *recordBuilder) u32(v uint32) *recordBuilder {
	var tmp [4]byte
	byteorder.Host().PutUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
	return b
}

func (b *recordBuilder) u64(v uint64) *recordBuilder {
	var tmp [8]byte
	byteorder.Host().PutUint64(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
	return b
}

func (b *recordBuilder) raw(data []byte) *recordBuilder {
	b.u32(uint32(len(data)))
	b.buf = append(b.buf, data...)
	return b
}

func (b *recordBuilder) bytes() []byte {
	return b.buf
}

// record wraps a body into a record with a perf_event_header.
func record(typ uint32, body []byte) []byte {
	b := &recordBuilder{}
	b.u32(typ).u16(0).u16(uint16(recordHeaderSize + len(body)))
	b.buf = append(b.buf, body...)
	return b.buf
}

// tracepointPayload builds a raw tracepoint payload of size bytes with the
// given fields set.
func tracepointPayload(t *testing.T, size int, f *Format, values map[string]uint64) []byte {
	t.Helper()
	data := make([]byte, size)
	order := byteorder.Host()
	for name, v := range values {
		field, ok := f.Field(name)
		require.True(t, ok, name)
		b := data[field.Offset : field.Offset+field.Size]
		switch field.Size {
		case 4:
			order.PutUint32(b, uint32(v))
		case 8:
			order.PutUint64(b, v)
		default:
			t.Fatalf("unsupported field size %d", field.Size)
		}
	}
	return data
}

const (
	testPageSize = 2048
	testDataSize = 256
)

// testRing returns the memory of a mapped ring buffer with the given
// records written from position start.
func testRing(start uint64, records ...[]byte) []byte {
	mem := make([]byte, testPageSize+testDataSize)
	data := mem[testPageSize:]
	pos := start
	for _, r := range records {
		for _, c := range r {
			data[pos%testDataSize] = c
			pos++
		}
	}
	order := byteorder.Host()
	order.PutUint64(mem[dataHeadOffset:], pos)
	order.PutUint64(mem[dataTailOffset:], start)
	return mem
}
