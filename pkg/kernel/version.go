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

package kernel

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/zcalusic/sysinfo"
)

var (
	// The uprobe PMU, which allows creating uprobes with perf_event_open
	// instead of tracefs, was added in 4.17.
	uprobePMUConstraint = mustConstraint(">= 4.17")
	// use_clockid was added in 4.1.
	clockIDConstraint = mustConstraint(">= 4.1")
)

func mustConstraint(c string) *semver.Constraints {
	constraint, err := semver.NewConstraint(c)
	if err != nil {
		panic(fmt.Sprintf("bad constraint %q: %v", c, err))
	}
	return constraint
}

// GetRelease returns the version of the running kernel.
func GetRelease() (*semver.Version, error) {
	var si sysinfo.SysInfo
	si.GetSysInfo()
	return ParseRelease(si.Kernel.Release)
}

// ParseRelease parses a kernel release string such as "6.5.0-14-generic",
// ignoring the distribution suffix.
func ParseRelease(release string) (*semver.Version, error) {
	short, _, _ := strings.Cut(strings.TrimSpace(release), "-")
	short, _, _ = strings.Cut(short, "+")
	if parts := strings.SplitN(short, ".", 4); len(parts) == 4 {
		short = strings.Join(parts[:3], ".")
	}
	v, err := semver.NewVersion(short)
	if err != nil {
		return nil, fmt.Errorf("parse kernel release %q: %w", release, err)
	}
	return v, nil
}

// SupportsUprobePMU reports whether uprobes can be opened with
// perf_event_open on the given kernel.
func SupportsUprobePMU(v *semver.Version) bool {
	return uprobePMUConstraint.Check(v)
}

// SupportsClockID reports whether perf events can be stamped with a chosen
// clock on the given kernel.
func SupportsClockID(v *semver.Version) bool {
	return clockIDConstraint.Check(v)
}
