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
	"sync/atomic"
	"unsafe"

	"github.com/parca-dev/parca-tracer/pkg/byteorder"
)

const (
	// Offsets of data_head and data_tail in struct perf_event_mmap_page.
	dataHeadOffset = 1024
	dataTailOffset = 1032

	recordHeaderSize = 8
)

var errCorruptRecord = errors.New("corrupt record header")

// ringBuffer reads records from the memory mapped ring buffer of a perf
// event: one metadata page followed by a power of two sized data area. The
// kernel advances data_head, the reader advances data_tail.
type ringBuffer struct {
	head *uint64
	tail *uint64
	data []byte
	mask uint64

	scratch []byte
}

func newRingBuffer(mem []byte, pageSize int) *ringBuffer {
	return &ringBuffer{
		head: (*uint64)(unsafe.Pointer(&mem[dataHeadOffset])),
		tail: (*uint64)(unsafe.Pointer(&mem[dataTailOffset])),
		data: mem[pageSize:],
		mask: uint64(len(mem)-pageSize) - 1,
	}
}

// read calls fn for every complete record between tail and head, then
// releases the consumed space to the kernel. The record slice is only valid
// during the call. A corrupt header discards everything up to head.
func (r *ringBuffer) read(fn func(typ uint32, misc uint16, record []byte)) error {
	head := atomic.LoadUint64(r.head)
	tail := atomic.LoadUint64(r.tail)
	order := byteorder.Host()

	var err error
	for tail < head {
		if head-tail < recordHeaderSize {
			err = errCorruptRecord
			break
		}
		hdr := r.slice(tail, recordHeaderSize)
		typ := order.Uint32(hdr[0:4])
		misc := order.Uint16(hdr[4:6])
		size := uint64(order.Uint16(hdr[6:8]))
		if size < recordHeaderSize || size > head-tail {
			err = errCorruptRecord
			break
		}
		fn(typ, misc, r.slice(tail+recordHeaderSize, size-recordHeaderSize))
		tail += size
	}
	if err != nil {
		tail = head
	}
	atomic.StoreUint64(r.tail, tail)
	return err
}

// slice returns n bytes starting at the absolute position pos, copying them
// into a scratch buffer when they wrap around the end of the data area.
func (r *ringBuffer) slice(pos, n uint64) []byte {
	start := pos & r.mask
	if start+n <= uint64(len(r.data)) {
		return r.data[start : start+n]
	}
	if uint64(cap(r.scratch)) < n {
		r.scratch = make([]byte, n)
	}
	buf := r.scratch[:n]
	k := copy(buf, r.data[start:])
	copy(buf[k:], r.data)
	return buf
}
