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
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/parca-dev/parca-tracer/pkg/event"
)

// Logger logs events. Statistics are logged at info level, everything else
// at debug level.
type Logger struct {
	logger log.Logger
}

// NewLogger returns a listener logging to logger.
func NewLogger(logger log.Logger) *Logger {
	return &Logger{logger: logger}
}

func (l *Logger) OnTimer(e event.Timer) {
	level.Debug(l.logger).Log(timerKeyvals(e)...)
}

func (l *Logger) OnAsyncSpan(e event.AsyncSpan) {
	level.Debug(l.logger).Log(asyncSpanKeyvals(e)...)
}

func (l *Logger) OnValueSample(e event.ValueSample) {
	level.Debug(l.logger).Log(valueSampleKeyvals(e)...)
}

func (l *Logger) OnSchedulingSlice(e event.SchedulingSlice) {
	level.Debug(l.logger).Log(schedulingSliceKeyvals(e)...)
}

func (l *Logger) OnCallstackSample(e event.CallstackSample) {
	level.Debug(l.logger).Log(callstackSampleKeyvals(e)...)
}

func (l *Logger) OnGpuSubmission(e event.GpuSubmission) {
	level.Debug(l.logger).Log(gpuSubmissionKeyvals(e)...)
}

func (l *Logger) OnStatistics(s event.Statistics) {
	level.Info(l.logger).Log(statisticsKeyvals(s)...)
}

func functionName(f *event.FunctionIdentity) string {
	if f == nil {
		return ""
	}
	return f.String()
}

func timerKeyvals(e event.Timer) []interface{} {
	return []interface{}{
		"msg", "timer",
		"function", functionName(e.Function),
		"pid", e.PID,
		"tid", e.TID,
		"start", e.Start,
		"duration_ns", e.Duration(),
		"depth", e.Depth,
	}
}

func asyncSpanKeyvals(e event.AsyncSpan) []interface{} {
	return []interface{}{
		"msg", "async span",
		"id", e.ID,
		"function", functionName(e.Function),
		"start_tid", e.StartTID,
		"start", e.Start,
		"stop_tid", e.StopTID,
		"stop", e.Stop,
	}
}

func valueSampleKeyvals(e event.ValueSample) []interface{} {
	return []interface{}{
		"msg", "value",
		"function", functionName(e.Function),
		"tid", e.TID,
		"ts", e.Timestamp,
		"value", e.Value,
	}
}

func schedulingSliceKeyvals(e event.SchedulingSlice) []interface{} {
	return []interface{}{
		"msg", "scheduling slice",
		"tid", e.TID,
		"cpu", e.CPU,
		"state", e.State,
		"begin", e.Begin,
		"end", e.End,
	}
}

func callstackSampleKeyvals(e event.CallstackSample) []interface{} {
	return []interface{}{
		"msg", "callstack",
		"pid", e.PID,
		"tid", e.TID,
		"cpu", e.CPU,
		"ts", e.Timestamp,
		"frames", len(e.IPs),
	}
}

func gpuSubmissionKeyvals(e event.GpuSubmission) []interface{} {
	return []interface{}{
		"msg", "gpu submission",
		"pid", e.PID,
		"tid", e.TID,
		"ts", e.Timestamp,
		"context", e.Context,
		"seqno", e.Seqno,
		"job", e.JobID,
	}
}

func statisticsKeyvals(s event.Statistics) []interface{} {
	return []interface{}{
		"msg", "statistics",
		"lost_records", s.LostRecords,
		"orphaned_entries", s.OrphanedEntries,
		"orphaned_exits", s.OrphanedExits,
		"superseded_async", s.SupersededAsync,
		"unterminated_at_end", s.UnterminatedAtEnd,
		"late_events", s.LateEvents,
	}
}
