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
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/parca-dev/parca-tracer/pkg/classifier"
	"github.com/parca-dev/parca-tracer/pkg/config"
	"github.com/parca-dev/parca-tracer/pkg/event"
	"github.com/parca-dev/parca-tracer/pkg/perfevent"
)

type recorder struct {
	mtx        sync.Mutex
	timers     []event.Timer
	async      []event.AsyncSpan
	values     []event.ValueSample
	slices     []event.SchedulingSlice
	stacks     []event.CallstackSample
	gpu        []event.GpuSubmission
	statistics []event.Statistics
}

func (r *recorder) OnTimer(e event.Timer) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.timers = append(r.timers, e)
}

func (r *recorder) OnAsyncSpan(e event.AsyncSpan) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.async = append(r.async, e)
}

func (r *recorder) OnValueSample(e event.ValueSample) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.values = append(r.values, e)
}

func (r *recorder) OnSchedulingSlice(e event.SchedulingSlice) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.slices = append(r.slices, e)
}

func (r *recorder) OnCallstackSample(e event.CallstackSample) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.stacks = append(r.stacks, e)
}

func (r *recorder) OnGpuSubmission(e event.GpuSubmission) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.gpu = append(r.gpu, e)
}

func (r *recorder) OnStatistics(e event.Statistics) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.statistics = append(r.statistics, e)
}

func (r *recorder) statisticsCount() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.statistics)
}

// fakeSource delivers its events on the first poll.
type fakeSource struct {
	desc      perfevent.Descriptor
	enableErr error

	mtx     sync.Mutex
	pending []event.RawEvent
	enabled bool
	closed  bool
}

func (s *fakeSource) Descriptor() perfevent.Descriptor { return s.desc }

func (s *fakeSource) Enable() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.enableErr != nil {
		return s.enableErr
	}
	s.enabled = true
	return nil
}

func (s *fakeSource) Poll(dst []event.RawEvent) []event.RawEvent {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	dst = append(dst, s.pending...)
	s.pending = nil
	return dst
}

func (s *fakeSource) DecodeErrors() uint64 { return 0 }

func (s *fakeSource) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSource) isClosed() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.closed
}

// fakeOpener opens fake sources fed by events.
type fakeOpener struct {
	events func(perfevent.Descriptor) []event.RawEvent
	fail   func(perfevent.Descriptor) error

	mtx    sync.Mutex
	opened []*fakeSource
}

func (o *fakeOpener) Open(d perfevent.Descriptor) (perfevent.Source, error) {
	if o.fail != nil {
		if err := o.fail(d); err != nil {
			return nil, err
		}
	}
	s := &fakeSource{desc: d}
	if o.events != nil {
		s.pending = o.events(d)
	}
	o.mtx.Lock()
	defer o.mtx.Unlock()
	o.opened = append(o.opened, s)
	return s, nil
}

func (o *fakeOpener) sources() []*fakeSource {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	return append([]*fakeSource(nil), o.opened...)
}

// streamSource returns a new stack sample on every poll.
type streamSource struct {
	desc perfevent.Descriptor

	mtx    sync.Mutex
	polled int
}

func (s *streamSource) Descriptor() perfevent.Descriptor { return s.desc }
func (s *streamSource) Enable() error                    { return nil }
func (s *streamSource) DecodeErrors() uint64             { return 0 }
func (s *streamSource) Close() error                     { return nil }

func (s *streamSource) Poll(dst []event.RawEvent) []event.RawEvent {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.polled++
	return append(dst, event.RawEvent{
		Kind:      event.KindSampleStack,
		Timestamp: uint64(s.polled),
		PID:       3,
		TID:       3,
		Payload:   event.Stack{IPs: []uint64{0x1}},
	})
}

func (s *streamSource) records() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.polled
}

type streamOpener struct {
	mtx    sync.Mutex
	source *streamSource
}

func (o *streamOpener) Open(d perfevent.Descriptor) (perfevent.Source, error) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	o.source = &streamSource{desc: d}
	return o.source, nil
}

func (o *streamOpener) records() int {
	o.mtx.Lock()
	src := o.source
	o.mtx.Unlock()
	if src == nil {
		return 0
	}
	return src.records()
}

func call(kind event.Kind, ts uint64, pid, tid int32, fn *event.FunctionIdentity, args ...uint64) event.RawEvent {
	c := event.FunctionCall{Function: fn}
	copy(c.Args[:], args)
	return event.RawEvent{Kind: kind, Timestamp: ts, PID: pid, TID: tid, Payload: c}
}

func testOptions(t *testing.T, opener perfevent.Opener) []Option {
	fs, err := procfs.NewFS(t.TempDir())
	require.NoError(t, err)
	return []Option{
		WithOpener(opener),
		WithCPUs(0),
		WithProcFS(fs),
		WithClock(func() uint64 { return 1000 }),
		WithPollInterval(time.Millisecond),
		WithProcessingInterval(time.Millisecond),
		WithStatisticsInterval(time.Hour),
	}
}

func TestSession(t *testing.T) {
	t.Parallel()

	opener := &fakeOpener{
		events: func(d perfevent.Descriptor) []event.RawEvent {
			switch {
			case d.Kind == perfevent.KindUprobe:
				return []event.RawEvent{
					call(event.KindFunctionEntry, 100, 5, 7, d.Function),
					call(event.KindFunctionEntry, 300, 9, 11, d.Function),
				}
			case d.Kind == perfevent.KindUretprobe:
				return []event.RawEvent{
					call(event.KindFunctionExit, 200, 5, 7, d.Function),
					call(event.KindFunctionExit, 400, 9, 11, d.Function),
				}
			case d.Kind == perfevent.KindSampling:
				return []event.RawEvent{
					{Kind: event.KindSampleStack, Timestamp: 120, PID: 5, TID: 7, Payload: event.Stack{IPs: []uint64{1, 2}}},
					{Kind: event.KindOverflow, Timestamp: 130, Payload: event.Lost{Count: 3}},
					{Kind: event.KindSampleStack, Timestamp: 140, PID: 9, TID: 11, Payload: event.Stack{IPs: []uint64{3}}},
				}
			case d.Tracepoint == perfevent.TracepointSchedSwitch:
				return []event.RawEvent{
					{Kind: event.KindContextSwitchOut, Timestamp: 150, PID: 5, TID: 7, Payload: event.SwitchOut{}},
					{Kind: event.KindContextSwitchIn, Timestamp: 150, PID: -1, TID: 8},
					{Kind: event.KindContextSwitchOut, Timestamp: 250, PID: 0, TID: 8, Payload: event.SwitchOut{}},
					{Kind: event.KindContextSwitchIn, Timestamp: 250, PID: -1, TID: 7},
				}
			}
			return nil
		},
	}

	cfg := config.Default()
	cfg.TargetPID = 5
	cfg.Functions = []config.Function{{Address: 0x10, ModulePath: "/usr/bin/app", DisplayName: "work"}}
	cfg.Sampling.Enabled = true
	cfg.Scheduling = true

	rec := &recorder{}
	s, err := Start(context.Background(), log.NewNopLogger(), prometheus.NewRegistry(), cfg, rec, testOptions(t, opener)...)
	require.NoError(t, err)
	require.Equal(t, StateRunning, s.State())

	s.RequestStop()
	s.RequestStop()
	stats := s.AwaitStopped()
	require.Equal(t, StateStopped, s.State())

	sources := opener.sources()
	require.Len(t, sources, 6)
	for _, src := range sources {
		require.True(t, src.isClosed(), src.desc.String())
	}

	work := sources[3].desc.Function
	require.Equal(t, "work", work.DisplayName)

	if diff := cmp.Diff([]event.Timer{
		{Function: work, PID: 5, TID: 7, Start: 100, End: 200},
	}, rec.timers); diff != "" {
		t.Errorf("timers mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]event.CallstackSample{
		{PID: 5, TID: 7, Timestamp: 120, IPs: []uint64{1, 2}},
	}, rec.stacks); diff != "" {
		t.Errorf("callstacks mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]event.SchedulingSlice{
		{TID: 7, State: event.ThreadStateRunnable, Begin: 150, End: 250},
		{TID: 7, State: event.ThreadStateRunning, Begin: 250, End: 1000},
	}, rec.slices); diff != "" {
		t.Errorf("scheduling slices mismatch (-want +got):\n%s", diff)
	}

	want := event.Statistics{LostRecords: 3}
	require.Equal(t, want, stats)
	require.Equal(t, []event.Statistics{want}, rec.statistics)
}

func TestSessionMarkers(t *testing.T) {
	t.Parallel()

	startAsync, _ := classifier.Signature(event.MarkerTimerStartAsync)
	stopAsync, _ := classifier.Signature(event.MarkerTimerStopAsync)
	trackValue, _ := classifier.Signature(event.MarkerTrackValue)

	opener := &fakeOpener{
		events: func(d perfevent.Descriptor) []event.RawEvent {
			switch d.Function.DisplayName {
			case startAsync:
				return []event.RawEvent{call(event.KindFunctionEntry, 10, 1, 1, d.Function, 0, 42)}
			case stopAsync:
				return []event.RawEvent{call(event.KindFunctionEntry, 20, 1, 2, d.Function, 42)}
			case trackValue:
				return []event.RawEvent{call(event.KindFunctionEntry, 15, 1, 1, d.Function, 0, 0, 99)}
			}
			return nil
		},
	}

	cfg := config.Default()
	cfg.Functions = []config.Function{
		{Address: 0x100, ModulePath: "/usr/lib/libapi.so", DisplayName: startAsync},
		{Address: 0x200, ModulePath: "/usr/lib/libapi.so", DisplayName: stopAsync},
		{Address: 0x300, ModulePath: "/usr/lib/libapi.so", DisplayName: trackValue},
	}

	rec := &recorder{}
	s, err := Start(context.Background(), log.NewNopLogger(), prometheus.NewRegistry(), cfg, rec, testOptions(t, opener)...)
	require.NoError(t, err)
	stats, err := s.Stop(context.Background())
	require.NoError(t, err)
	require.Equal(t, event.Statistics{}, stats)

	sources := opener.sources()
	require.Len(t, sources, 3)
	for _, src := range sources {
		require.Equal(t, perfevent.KindUprobe, src.desc.Kind)
		require.True(t, src.desc.Function.IsMarker())
	}

	require.Len(t, rec.async, 1)
	require.Equal(t, uint64(42), rec.async[0].ID)
	require.Equal(t, int32(1), rec.async[0].StartTID)
	require.Equal(t, int32(2), rec.async[0].StopTID)
	require.Equal(t, uint64(10), rec.async[0].Start)
	require.Equal(t, uint64(20), rec.async[0].Stop)

	require.Len(t, rec.values, 1)
	require.Equal(t, uint64(99), rec.values[0].Value)
}

func TestSessionGpuSubmissions(t *testing.T) {
	t.Parallel()

	opener := &fakeOpener{
		events: func(d perfevent.Descriptor) []event.RawEvent {
			return []event.RawEvent{
				{Kind: event.KindGpuSubmit, Timestamp: 50, PID: 3, TID: 4, CPU: 0, Payload: event.GpuJob{Context: 1, Seqno: 2, JobID: 3}},
			}
		},
	}

	cfg := config.Default()
	cfg.GPU = true

	rec := &recorder{}
	s, err := Start(context.Background(), log.NewNopLogger(), prometheus.NewRegistry(), cfg, rec, testOptions(t, opener)...)
	require.NoError(t, err)
	s.RequestStop()
	s.AwaitStopped()

	require.Equal(t, []event.GpuSubmission{
		{PID: 3, TID: 4, Timestamp: 50, Context: 1, Seqno: 2, JobID: 3},
	}, rec.gpu)
}

func TestSessionUnterminatedAtEnd(t *testing.T) {
	t.Parallel()

	opener := &fakeOpener{
		events: func(d perfevent.Descriptor) []event.RawEvent {
			if d.Kind != perfevent.KindUprobe {
				return nil
			}
			return []event.RawEvent{
				call(event.KindFunctionEntry, 10, 1, 1, d.Function),
				call(event.KindFunctionEntry, 20, 1, 1, d.Function),
			}
		},
	}

	cfg := config.Default()
	cfg.Functions = []config.Function{{ModulePath: "/usr/bin/app", DisplayName: "loop"}}

	rec := &recorder{}
	s, err := Start(context.Background(), log.NewNopLogger(), prometheus.NewRegistry(), cfg, rec, testOptions(t, opener)...)
	require.NoError(t, err)
	s.RequestStop()
	stats := s.AwaitStopped()

	require.Empty(t, rec.timers)
	require.Equal(t, uint64(2), stats.UnterminatedAtEnd)
}

func TestStartAcquisitionFailure(t *testing.T) {
	t.Parallel()

	opener := &fakeOpener{
		fail: func(d perfevent.Descriptor) error {
			if d.Kind == perfevent.KindUretprobe {
				return &perfevent.AcquisitionError{Descriptor: d, Reason: perfevent.ReasonPermission, Err: unix.EACCES}
			}
			return nil
		},
	}

	cfg := config.Default()
	cfg.Scheduling = true
	cfg.Functions = []config.Function{{ModulePath: "/usr/bin/app", DisplayName: "work"}}

	rec := &recorder{}
	s, err := Start(context.Background(), log.NewNopLogger(), prometheus.NewRegistry(), cfg, rec, testOptions(t, opener)...)
	require.Nil(t, s)

	var aerr *perfevent.AcquisitionError
	require.True(t, errors.As(err, &aerr))
	require.Equal(t, perfevent.ReasonPermission, aerr.Reason)
	require.ErrorIs(t, err, unix.EACCES)

	sources := opener.sources()
	require.Len(t, sources, 4)
	for _, src := range sources {
		require.True(t, src.isClosed())
	}
	require.Empty(t, rec.statistics)
}

func TestStartEnableFailure(t *testing.T) {
	t.Parallel()

	enableErr := errors.New("enable failed")
	var opened []*fakeSource
	opener := perfevent.OpenerFunc(func(d perfevent.Descriptor) (perfevent.Source, error) {
		s := &fakeSource{desc: d}
		if d.Tracepoint == perfevent.TracepointSchedWakeupNew {
			s.enableErr = enableErr
		}
		opened = append(opened, s)
		return s, nil
	})

	cfg := config.Default()
	cfg.Scheduling = true

	_, err := Start(context.Background(), log.NewNopLogger(), prometheus.NewRegistry(), cfg, &recorder{}, testOptions(t, opener)...)
	require.ErrorIs(t, err, enableErr)
	require.Len(t, opened, 3)
	for _, src := range opened {
		require.True(t, src.isClosed())
	}
}

func TestStartInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	_, err := Start(context.Background(), log.NewNopLogger(), prometheus.NewRegistry(), cfg, &recorder{}, testOptions(t, &fakeOpener{})...)
	require.ErrorContains(t, err, "invalid capture configuration")
}

func TestSessionStop(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Scheduling = true

	s, err := Start(context.Background(), log.NewNopLogger(), prometheus.NewRegistry(), cfg, &recorder{}, testOptions(t, &fakeOpener{})...)
	require.NoError(t, err)

	_, err = s.Stop(context.Background())
	require.NoError(t, err)

	_, err = s.Stop(context.Background())
	require.ErrorIs(t, err, ErrAlreadyStopped)

	s.RequestStop()
	require.Equal(t, StateStopped, s.State())
}

func TestSessionContextCanceled(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Scheduling = true

	ctx, cancel := context.WithCancel(context.Background())
	s, err := Start(ctx, log.NewNopLogger(), prometheus.NewRegistry(), cfg, &recorder{}, testOptions(t, &fakeOpener{})...)
	require.NoError(t, err)

	cancel()
	s.AwaitStopped()
	require.Equal(t, StateStopped, s.State())
}

func TestSessionPeriodicStatistics(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Scheduling = true

	rec := &recorder{}
	opts := append(testOptions(t, &fakeOpener{}), WithStatisticsInterval(time.Millisecond))
	s, err := Start(context.Background(), log.NewNopLogger(), prometheus.NewRegistry(), cfg, rec, opts...)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return rec.statisticsCount() >= 2
	}, 5*time.Second, time.Millisecond)

	s.RequestStop()
	s.AwaitStopped()
}

func TestSessionSharedMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	c := classifier.New(reg)

	cfg := config.Default()
	cfg.Scheduling = true

	for i := 0; i < 2; i++ {
		opts := append(testOptions(t, &fakeOpener{}), WithMetrics(metrics), WithClassifier(c))
		s, err := Start(context.Background(), log.NewNopLogger(), reg, cfg, &recorder{}, opts...)
		require.NoError(t, err)
		s.RequestStop()
		s.AwaitStopped()
	}
}

func TestSessionQueueFull(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Sampling.Enabled = true
	cfg.QueueCapacity = 1

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	opener := &streamOpener{}
	rec := &recorder{}
	opts := append(testOptions(t, opener), WithMetrics(metrics), WithProcessingInterval(time.Hour))
	s, err := Start(context.Background(), log.NewNopLogger(), reg, cfg, rec, opts...)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return opener.records() >= 10
	}, 5*time.Second, time.Millisecond)

	s.RequestStop()
	stats := s.AwaitStopped()

	// One queued batch plus the final poll get through, the rest is dropped.
	require.Positive(t, stats.LostRecords)
	require.Equal(t, opener.records(), len(rec.stacks)+int(stats.LostRecords))
	require.Equal(t, float64(stats.LostRecords), testutil.ToFloat64(metrics.queueDrops))
	require.Equal(t, float64(stats.LostRecords), testutil.ToFloat64(metrics.anomalies.WithLabelValues(labelLostRecords)))
}

func TestStartInvalidOptions(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Scheduling = true

	tests := []struct {
		name string
		opt  Option
		want string
	}{
		{name: "poll interval", opt: WithPollInterval(0), want: "poll interval must be positive"},
		{name: "processing interval", opt: WithProcessingInterval(-time.Second), want: "processing interval must be positive"},
		{name: "statistics interval", opt: WithStatisticsInterval(0), want: "statistics interval must be positive"},
		{name: "clock", opt: WithClock(nil), want: "clock must not be nil"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			opener := &fakeOpener{}
			opts := append(testOptions(t, opener), tt.opt)
			_, err := Start(context.Background(), log.NewNopLogger(), prometheus.NewRegistry(), cfg, &recorder{}, opts...)
			require.ErrorContains(t, err, "invalid session options")
			require.ErrorContains(t, err, tt.want)
			require.Empty(t, opener.sources())
		})
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "idle", StateIdle.String())
	require.Equal(t, "running", StateRunning.String())
	require.Equal(t, "stopped", StateStopped.String())
	require.Equal(t, "state(9)", State(9).String())
}
