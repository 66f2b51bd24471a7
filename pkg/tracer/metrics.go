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

package tracer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/parca-dev/parca-tracer/pkg/event"
)

const (
	labelLostRecords       = "lost_records"
	labelOrphanedEntries   = "orphaned_entries"
	labelOrphanedExits     = "orphaned_exits"
	labelSupersededAsync   = "superseded_async"
	labelUnterminatedAtEnd = "unterminated_at_end"
	labelLateEvents        = "late_events"
	labelOutOfOrderSlices  = "out_of_order_slices"

	labelSuccess = "success"
	labelError   = "error"
)

var allKinds = [...]event.Kind{
	event.KindUnknown,
	event.KindFunctionEntry,
	event.KindFunctionExit,
	event.KindContextSwitchIn,
	event.KindContextSwitchOut,
	event.KindWakeUp,
	event.KindSampleStack,
	event.KindGpuSubmit,
	event.KindOverflow,
}

// Metrics are the Prometheus metrics of tracing sessions. A process running
// several sessions one after the other shares a single Metrics.
type Metrics struct {
	events       [len(allKinds)]prometheus.Counter
	filtered     prometheus.Counter
	queueDrops   prometheus.Counter
	pollDuration prometheus.Histogram
	anomalies    *prometheus.CounterVec
	sources      prometheus.Gauge
	sessions     *prometheus.CounterVec
}

// NewMetrics registers the session metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	events := promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "parca_tracer_events_processed_total",
			Help: "Total number of raw events processed, by kind.",
		},
		[]string{"kind"},
	)
	m := &Metrics{
		filtered: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "parca_tracer_events_filtered_total",
			Help: "Total number of raw events discarded because they belong to another process.",
		}),
		queueDrops: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "parca_tracer_queue_dropped_records_total",
			Help: "Total number of records dropped because a source queue was full.",
		}),
		pollDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:                        "parca_tracer_poll_duration_seconds",
			Help:                        "The duration it takes to drain the ring buffer of a source.",
			NativeHistogramBucketFactor: 1.1,
		}),
		anomalies: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "parca_tracer_anomalies_total",
				Help: "Total number of absorbed tracing anomalies, by type.",
			},
			[]string{"type"},
		),
		sources: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "parca_tracer_sources",
			Help: "Number of event sources of the running session.",
		}),
		sessions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "parca_tracer_sessions_total",
				Help: "Total number of tracing sessions started, by result.",
			},
			[]string{"result"},
		),
	}
	for i, k := range allKinds {
		m.events[i] = events.WithLabelValues(k.String())
	}
	m.anomalies.WithLabelValues(labelLostRecords)
	m.anomalies.WithLabelValues(labelOrphanedEntries)
	m.anomalies.WithLabelValues(labelOrphanedExits)
	m.anomalies.WithLabelValues(labelSupersededAsync)
	m.anomalies.WithLabelValues(labelUnterminatedAtEnd)
	m.anomalies.WithLabelValues(labelLateEvents)
	m.anomalies.WithLabelValues(labelOutOfOrderSlices)

	m.sessions.WithLabelValues(labelSuccess)
	m.sessions.WithLabelValues(labelError)
	return m
}

func (m *Metrics) processed(k event.Kind) {
	if int(k) < len(m.events) {
		m.events[k].Inc()
	}
}

// observeStatistics adds the growth of every counter since prev.
func (m *Metrics) observeStatistics(prev, cur event.Statistics) {
	add := func(label string, before, after uint64) {
		if after > before {
			m.anomalies.WithLabelValues(label).Add(float64(after - before))
		}
	}
	add(labelLostRecords, prev.LostRecords, cur.LostRecords)
	add(labelOrphanedEntries, prev.OrphanedEntries, cur.OrphanedEntries)
	add(labelOrphanedExits, prev.OrphanedExits, cur.OrphanedExits)
	add(labelSupersededAsync, prev.SupersededAsync, cur.SupersededAsync)
	add(labelUnterminatedAtEnd, prev.UnterminatedAtEnd, cur.UnterminatedAtEnd)
	add(labelLateEvents, prev.LateEvents, cur.LateEvents)
}

// observeOutOfOrder adds the scheduling slices dropped since the last call.
func (m *Metrics) observeOutOfOrder(prev, cur uint64) {
	if cur > prev {
		m.anomalies.WithLabelValues(labelOutOfOrderSlices).Add(float64(cur - prev))
	}
}
