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

// Package byteorder reports the byte order of the host. The kernel writes
// perf records and tracepoint payloads in host order.
package byteorder

import (
	"encoding/binary"
	"unsafe"
)

var host = detect()

// Host returns the byte order of the running machine.
func Host() binary.ByteOrder {
	return host
}

func detect() binary.ByteOrder {
	var i int32 = 0x01020304
	if *(*byte)(unsafe.Pointer(&i)) == 0x04 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}
