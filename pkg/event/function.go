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

package event

import (
	"fmt"
	"path/filepath"
)

// MarkerKind identifies manual instrumentation functions.
type MarkerKind uint8

const (
	MarkerNone MarkerKind = iota
	MarkerTimerStart
	MarkerTimerStop
	MarkerTimerStartAsync
	MarkerTimerStopAsync
	MarkerTrackValue
)

func (m MarkerKind) String() string {
	switch m {
	case MarkerNone:
		return "none"
	case MarkerTimerStart:
		return "timer_start"
	case MarkerTimerStop:
		return "timer_stop"
	case MarkerTimerStartAsync:
		return "timer_start_async"
	case MarkerTimerStopAsync:
		return "timer_stop_async"
	case MarkerTrackValue:
		return "track_value"
	default:
		return fmt.Sprintf("marker(%d)", uint8(m))
	}
}

// FunctionIdentity is an already resolved function to instrument.
type FunctionIdentity struct {
	// Address is the offset of the function in the module file.
	Address     uint64
	ModulePath  string
	DisplayName string
	Marker      MarkerKind
}

// IsMarker reports whether the function is manual instrumentation.
func (f *FunctionIdentity) IsMarker() bool {
	return f.Marker != MarkerNone
}

func (f *FunctionIdentity) String() string {
	return fmt.Sprintf("%s@%s+%#x", f.DisplayName, filepath.Base(f.ModulePath), f.Address)
}
