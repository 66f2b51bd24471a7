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

import "math/bits"

// argRegsMask is the sample_regs_user mask covering the integer argument
// registers of the platform calling convention.
func argRegsMask() uint64 {
	var mask uint64
	for _, r := range argRegs {
		mask |= 1 << r
	}
	return mask
}

// argsFromRegs maps the registers of a PERF_SAMPLE_REGS_USER dump, stored in
// ascending register order of mask, to the function arguments.
func argsFromRegs(mask uint64, regs []uint64) [6]uint64 {
	var args [6]uint64
	for i, r := range argRegs {
		if i == len(args) || mask&(1<<r) == 0 {
			continue
		}
		idx := bits.OnesCount64(mask & (1<<r - 1))
		if idx < len(regs) {
			args[i] = regs[idx]
		}
	}
	return args
}
