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

// Indices of enum perf_event_x86_regs.
const (
	regCX = 2
	regDX = 3
	regSI = 4
	regDI = 5
	regR8 = 16
	regR9 = 17
)

// System V AMD64 integer argument registers, in argument order.
var argRegs = []uint{regDI, regSI, regDX, regCX, regR8, regR9}
