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

// Package buildinfo reports how the running binary was built.
package buildinfo

import (
	"errors"
	"fmt"
	"runtime/debug"
)

var errNoBuildInfo = errors.New("binary built without module support")

// BuildInfo holds the build settings recorded by the Go toolchain.
type BuildInfo struct {
	Version     string
	GoVersion   string
	GoArch      string
	GoOS        string
	VcsRevision string
	VcsTime     string
	VcsModified bool
}

func (b BuildInfo) String() string {
	rev := b.VcsRevision
	if rev == "" {
		rev = "unknown"
	}
	if b.VcsModified {
		rev += "-dirty"
	}
	return fmt.Sprintf("%s (revision %s, %s %s/%s)", b.Version, rev, b.GoVersion, b.GoOS, b.GoArch)
}

// Fetch returns the build information embedded in the binary.
func Fetch() (BuildInfo, error) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return BuildInfo{}, errNoBuildInfo
	}
	return fromDebug(bi), nil
}

func fromDebug(bi *debug.BuildInfo) BuildInfo {
	info := BuildInfo{
		Version:   bi.Main.Version,
		GoVersion: bi.GoVersion,
	}
	for _, setting := range bi.Settings {
		switch setting.Key {
		case "GOARCH":
			info.GoArch = setting.Value
		case "GOOS":
			info.GoOS = setting.Value
		case "vcs.revision":
			info.VcsRevision = setting.Value
		case "vcs.time":
			info.VcsTime = setting.Value
		case "vcs.modified":
			info.VcsModified = setting.Value == "true"
		}
	}
	return info
}
