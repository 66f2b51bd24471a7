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

// Package cpuinfo reports the CPUs event sources are opened on.
package cpuinfo

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const onlinePath = "/sys/devices/system/cpu/online"

// InclusiveRange is a range of CPU numbers, both ends included.
type InclusiveRange struct {
	First uint64
	Last  uint64
}

// CPUSet is a set of CPUs as a list of ranges.
type CPUSet []InclusiveRange

// Num returns the number of CPUs in the set.
func (s CPUSet) Num() uint64 {
	ret := uint64(0)
	for _, r := range s {
		ret += r.Last - r.First + 1
	}
	return ret
}

// List returns every CPU of the set in ascending order.
func (s CPUSet) List() []int {
	ret := make([]int, 0, s.Num())
	for _, r := range s {
		for cpu := r.First; cpu <= r.Last; cpu++ {
			ret = append(ret, int(cpu))
		}
	}
	return ret
}

// OnlineCPUs returns the CPUs currently online.
func OnlineCPUs() (CPUSet, error) {
	buf, err := os.ReadFile(onlinePath)
	if err != nil {
		return nil, err
	}
	return ParseCPUSet(string(buf))
}

// ParseCPUSet parses the kernel cpulist format, for example "0-3,8,10-11".
func ParseCPUSet(s string) (CPUSet, error) {
	ret := CPUSet{}
	for _, cpuRange := range strings.Split(strings.Trim(s, "\n "), ",") {
		if len(cpuRange) == 0 {
			continue
		}
		from, to, found := strings.Cut(cpuRange, "-")
		first, err := strconv.ParseUint(from, 10, 32)
		if err != nil {
			return nil, err
		}
		last := first
		if found {
			if last, err = strconv.ParseUint(to, 10, 32); err != nil {
				return nil, err
			}
		}
		if last < first {
			return nil, fmt.Errorf("last online CPU in range (%d) less than first (%d)", last, first)
		}
		ret = append(ret, InclusiveRange{First: first, Last: last})
	}
	return ret, nil
}
