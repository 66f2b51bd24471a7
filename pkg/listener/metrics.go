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

package listener

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/parca-dev/parca-tracer/pkg/event"
)

const (
	labelTimer           = "timer"
	labelAsyncSpan       = "async_span"
	labelValueSample     = "value_sample"
	labelSchedulingSlice = "scheduling_slice"
	labelCallstack       = "callstack_sample"
	labelGpuSubmission   = "gpu_submission"
	labelStatistics      = "statistics"
)

// Metrics counts the events delivered by a session.
type Metrics struct {
	timers, asyncSpans, values, slices, callstacks, gpu, statistics prometheus.Counter

	timerDuration     prometheus.Histogram
	asyncSpanDuration prometheus.Histogram
	scheduled         *prometheus.CounterVec
}

// NewMetrics registers the listener metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	events := promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "parca_tracer_output_events_total",
			Help: "Total number of events delivered to listeners, by type.",
		},
		[]string{"type"},
	)
	return &Metrics{
		timers:     events.WithLabelValues(labelTimer),
		asyncSpans: events.WithLabelValues(labelAsyncSpan),
		values:     events.WithLabelValues(labelValueSample),
		slices:     events.WithLabelValues(labelSchedulingSlice),
		callstacks: events.WithLabelValues(labelCallstack),
		gpu:        events.WithLabelValues(labelGpuSubmission),
		statistics: events.WithLabelValues(labelStatistics),
		timerDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:                        "parca_tracer_timer_duration_seconds",
			Help:                        "Duration of the traced synchronous spans.",
			NativeHistogramBucketFactor: 1.1,
		}),
		asyncSpanDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:                        "parca_tracer_async_span_duration_seconds",
			Help:                        "Duration of the traced asynchronous spans.",
			NativeHistogramBucketFactor: 1.1,
		}),
		scheduled: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "parca_tracer_scheduled_seconds_total",
				Help: "Total time traced threads spent in each scheduling state.",
			},
			[]string{"state"},
		),
	}
}

func seconds(begin, end uint64) float64 {
	if end < begin {
		return 0
	}
	return time.Duration(end - begin).Seconds()
}

func (m *Metrics) OnTimer(e event.Timer) {
	m.timers.Inc()
	m.timerDuration.Observe(seconds(e.Start, e.End))
}

func (m *Metrics) OnAsyncSpan(e event.AsyncSpan) {
	m.asyncSpans.Inc()
	m.asyncSpanDuration.Observe(seconds(e.Start, e.Stop))
}

func (m *Metrics) OnValueSample(event.ValueSample) {
	m.values.Inc()
}

func (m *Metrics) OnSchedulingSlice(e event.SchedulingSlice) {
	m.slices.Inc()
	m.scheduled.WithLabelValues(e.State.String()).Add(seconds(e.Begin, e.End))
}

func (m *Metrics) OnCallstackSample(event.CallstackSample) {
	m.callstacks.Inc()
}

func (m *Metrics) OnGpuSubmission(event.GpuSubmission) {
	m.gpu.Inc()
}

func (m *Metrics) OnStatistics(event.Statistics) {
	m.statistics.Inc()
}
