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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSwitchOutPreempted(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state int64
		want  bool
	}{
		{state: 0, want: true},
		{state: taskReportMax, want: true},
		{state: 1, want: false},
		{state: 2, want: false},
		{state: 0x80, want: false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, SwitchOut{PrevState: tt.state}.Preempted(), "state %#x", tt.state)
	}
}

func TestKindString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "function_entry", KindFunctionEntry.String())
	require.Equal(t, "overflow", KindOverflow.String())
	require.Equal(t, "kind(200)", Kind(200).String())
	require.Equal(t, "timer_start_async", MarkerTimerStartAsync.String())
}
