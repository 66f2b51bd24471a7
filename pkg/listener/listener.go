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

// Package listener provides event.Listener implementations used by the
// command line tool: logging, metrics, a buffer of recent events and a fan-out.
package listener

import (
	"github.com/parca-dev/parca-tracer/pkg/event"
)

type multi []event.Listener

// Multi returns a listener that forwards every event to each of listeners,
// in order.
func Multi(listeners ...event.Listener) event.Listener {
	m := make(multi, 0, len(listeners))
	for _, l := range listeners {
		if l == nil {
			continue
		}
		if nested, ok := l.(multi); ok {
			m = append(m, nested...)
			continue
		}
		m = append(m, l)
	}
	return m
}

func (m multi) OnTimer(e event.Timer) {
	for _, l := range m {
		l.OnTimer(e)
	}
}

func (m multi) OnAsyncSpan(e event.AsyncSpan) {
	for _, l := range m {
		l.OnAsyncSpan(e)
	}
}

func (m multi) OnValueSample(e event.ValueSample) {
	for _, l := range m {
		l.OnValueSample(e)
	}
}

func (m multi) OnSchedulingSlice(e event.SchedulingSlice) {
	for _, l := range m {
		l.OnSchedulingSlice(e)
	}
}

func (m multi) OnCallstackSample(e event.CallstackSample) {
	for _, l := range m {
		l.OnCallstackSample(e)
	}
}

func (m multi) OnGpuSubmission(e event.GpuSubmission) {
	for _, l := range m {
		l.OnGpuSubmission(e)
	}
}

func (m multi) OnStatistics(s event.Statistics) {
	for _, l := range m {
		l.OnStatistics(s)
	}
}
