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
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultUprobePMUPath is the sysfs directory of the uprobe PMU.
const DefaultUprobePMUPath = "/sys/bus/event_source/devices/uprobe"

// uprobePMU is the dynamic perf event type used to create uprobes and
// uretprobes with perf_event_open.
type uprobePMU struct {
	typ uint32
	// retprobe is the config bit turning a uprobe into a uretprobe.
	retprobe uint
}

func (p uprobePMU) config(ret bool) uint64 {
	if ret {
		return 1 << p.retprobe
	}
	return 0
}

func readUprobePMU(dir string) (uprobePMU, error) {
	data, err := os.ReadFile(filepath.Join(dir, "type"))
	if err != nil {
		return uprobePMU{}, fmt.Errorf("%w: %w", ErrNoUprobePMU, err)
	}
	typ, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32)
	if err != nil {
		return uprobePMU{}, fmt.Errorf("parse uprobe PMU type: %w", err)
	}

	data, err = os.ReadFile(filepath.Join(dir, "format", "retprobe"))
	if err != nil {
		return uprobePMU{}, fmt.Errorf("%w: read retprobe format: %w", ErrNoUprobePMU, err)
	}
	bit, err := parseConfigBit(strings.TrimSpace(string(data)))
	if err != nil {
		return uprobePMU{}, fmt.Errorf("parse retprobe format: %w", err)
	}
	return uprobePMU{typ: uint32(typ), retprobe: bit}, nil
}

// parseConfigBit parses a single bit PMU format such as "config:0".
func parseConfigBit(s string) (uint, error) {
	v, ok := strings.CutPrefix(s, "config:")
	if !ok {
		return 0, fmt.Errorf("unexpected format %q", s)
	}
	bit, err := strconv.ParseUint(v, 10, 8)
	if err != nil || bit > 63 {
		return 0, fmt.Errorf("unexpected format %q", s)
	}
	return uint(bit), nil
}
