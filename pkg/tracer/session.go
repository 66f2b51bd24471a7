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

// Package tracer runs tracing sessions: it opens the event sources a capture
// needs, drains them concurrently and turns their merged stream into the
// events delivered to a Listener.
package tracer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/procfs"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/parca-dev/parca-tracer/pkg/classifier"
	"github.com/parca-dev/parca-tracer/pkg/config"
	"github.com/parca-dev/parca-tracer/pkg/correlator"
	"github.com/parca-dev/parca-tracer/pkg/cpuinfo"
	"github.com/parca-dev/parca-tracer/pkg/event"
	"github.com/parca-dev/parca-tracer/pkg/merger"
	"github.com/parca-dev/parca-tracer/pkg/perfevent"
	"github.com/parca-dev/parca-tracer/pkg/process"
	"github.com/parca-dev/parca-tracer/pkg/rlimit"
	"github.com/parca-dev/parca-tracer/pkg/scheduling"
)

// ErrAlreadyStopped is returned by Stop when the session had stopped before.
var ErrAlreadyStopped = errors.New("session already stopped")

var errNoSources = errors.New("no event source to open")

// State is the lifecycle state of a Session.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// batch is the result of one poll of a source.
type batch struct {
	events []event.RawEvent
	// polled is the time the ring buffer was drained at. The source has no
	// older record left.
	polled uint64
}

// Session is a running capture. Every Session method is safe for concurrent
// use.
type Session struct {
	logger   log.Logger
	cfg      *config.Capture
	listener event.Listener
	metrics  *Metrics
	opts     options

	sources []perfevent.Source
	queues  []chan batch
	// drops counts the records of batches discarded on a full queue, per
	// source.
	drops []atomic.Uint64

	state    atomic.Int32
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	final    event.Statistics

	// Owned by the processing goroutine.
	merger     *merger.Merger
	correlator *correlator.Correlator
	scheduling *scheduling.Tracker
	threads    *process.ThreadSet
	kernelLost uint64
	published  event.Statistics
	outOfOrder uint64
	buf        []event.RawEvent
}

// Start opens and enables every source cfg needs and starts tracing. The
// listener is called from a single goroutine until the session is stopped.
//
// If any source cannot be acquired, Start returns the error, usually a
// *perfevent.AcquisitionError, and leaves no source open.
func Start(ctx context.Context, logger log.Logger, reg prometheus.Registerer, cfg *config.Capture, listener event.Listener, opts ...Option) (*Session, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return nil, fmt.Errorf("invalid session options: %w", err)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(reg)
	}
	if o.classifier == nil {
		o.classifier = classifier.New(reg)
	}

	s := &Session{
		logger:   logger,
		cfg:      cfg,
		listener: listener,
		metrics:  o.metrics,
		opts:     o,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.state.Store(int32(StateStarting))

	if err := s.acquire(); err != nil {
		s.state.Store(int32(StateStopped))
		close(s.done)
		s.metrics.sessions.WithLabelValues(labelError).Inc()
		return nil, err
	}
	s.metrics.sessions.WithLabelValues(labelSuccess).Inc()
	s.metrics.sources.Add(float64(len(s.sources)))

	n := len(s.sources)
	priorities := make([]int, n)
	s.queues = make([]chan batch, n)
	for i, src := range s.sources {
		priorities[i] = priority(src.Descriptor())
		s.queues[i] = make(chan batch, cfg.QueueCapacity)
	}
	s.drops = make([]atomic.Uint64, n)
	s.merger = merger.New(priorities, cfg.ReorderTolerance)
	s.correlator = correlator.New(log.With(logger, "component", "correlator"), listener, cfg.MaxStackDepth)

	var filter scheduling.Filter
	if s.threads != nil {
		filter = s.threads
	}
	s.scheduling = scheduling.New(log.With(logger, "component", "scheduling"), listener, filter)

	s.state.Store(int32(StateRunning))
	level.Info(logger).Log("msg", "tracing session started", "sources", n, "target_pid", cfg.TargetPID)

	go s.run(ctx)
	return s, nil
}

func (s *Session) acquire() error {
	if err := s.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid capture configuration: %w", err)
	}

	functions := s.cfg.FunctionIdentities()
	s.opts.classifier.Identify(functions)

	cpus := s.opts.cpus
	if len(cpus) == 0 {
		online, err := cpuinfo.OnlineCPUs()
		if err != nil {
			return fmt.Errorf("get online cpus: %w", err)
		}
		cpus = online.List()
	}
	descs := descriptors(s.cfg, functions, cpus)
	if len(descs) == 0 {
		return errNoSources
	}

	opener := s.opts.opener
	if opener == nil {
		limit, err := rlimit.EnsureFiles(len(descs))
		if err != nil {
			return fmt.Errorf("preflight: %w", err)
		}
		level.Debug(s.logger).Log("msg", "file descriptor limit", "soft", limit, "sources", len(descs))
		opener = perfevent.NewOpener(log.With(s.logger, "component", "perfevent"))
	}

	if s.cfg.TargetPID != 0 {
		s.threads = s.targetThreads()
	}

	sources, err := perfevent.OpenAll(opener, descs)
	if err != nil {
		return err
	}
	for _, src := range sources {
		if err := src.Enable(); err != nil {
			err = fmt.Errorf("enable %s: %w", src.Descriptor(), err)
			if cerr := perfevent.CloseAll(sources); cerr != nil {
				err = errors.Join(err, cerr)
			}
			return err
		}
	}
	s.sources = sources
	return nil
}

// targetThreads returns the threads of the target process alive now. Threads
// created later are added as they show up in the event stream.
func (s *Session) targetThreads() *process.ThreadSet {
	pid := s.cfg.TargetPID
	fs := s.opts.procfs
	if fs == nil {
		dfs, err := procfs.NewDefaultFS()
		if err != nil {
			level.Warn(s.logger).Log("msg", "failed to open procfs", "err", err)
			return process.NewThreadSet(int32(pid))
		}
		fs = &dfs
	}
	threads, err := process.ThreadsOf(*fs, pid)
	if err != nil {
		level.Warn(s.logger).Log("msg", "failed to list threads of target process", "pid", pid, "err", err)
		return process.NewThreadSet(int32(pid))
	}
	level.Debug(s.logger).Log("msg", "target process threads", "pid", pid, "threads", threads.Len())
	return threads
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// RequestStop asks the session to stop and returns immediately. It may be
// called any number of times.
func (s *Session) RequestStop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}

// AwaitStopped blocks until the session is stopped and returns the final
// statistics.
func (s *Session) AwaitStopped() event.Statistics {
	<-s.done
	return s.final
}

// Stop requests the session to stop and waits for it, or for ctx to be done.
// If the session had already stopped, its final statistics are returned with
// ErrAlreadyStopped.
func (s *Session) Stop(ctx context.Context) (event.Statistics, error) {
	if s.State() == StateStopped {
		return s.AwaitStopped(), ErrAlreadyStopped
	}
	s.RequestStop()
	select {
	case <-s.done:
		return s.final, nil
	case <-ctx.Done():
		return event.Statistics{}, ctx.Err()
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	pullCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, pullCtx := errgroup.WithContext(pullCtx)
	for i, src := range s.sources {
		g.Go(func() error {
			s.pull(pullCtx, i, src)
			return nil
		})
	}

	processing := time.NewTicker(s.opts.processingInterval)
	defer processing.Stop()
	statistics := time.NewTicker(s.opts.statisticsInterval)
	defer statistics.Stop()

loop:
	for {
		select {
		case <-s.stop:
			break loop
		case <-ctx.Done():
			break loop
		case <-processing.C:
			s.receive()
			s.drain(false)
		case <-statistics.C:
			s.publish(s.statistics())
		}
	}

	s.state.Store(int32(StateStopping))
	cancel()
	_ = g.Wait()
	s.finish()
}

// pull polls the source i until ctx is done and hands every batch to the
// processing loop. A batch that does not fit in the queue is dropped.
func (s *Session) pull(ctx context.Context, i int, src perfevent.Source) {
	ticker := time.NewTicker(s.opts.pollInterval)
	defer ticker.Stop()

	queue := s.queues[i]
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		polled := s.opts.clock()
		start := time.Now()
		events := src.Poll(nil)
		s.metrics.pollDuration.Observe(time.Since(start).Seconds())

		select {
		case queue <- batch{events: events, polled: polled}:
		default:
			s.drops[i].Add(uint64(len(events)))
			s.metrics.queueDrops.Add(float64(len(events)))
			level.Debug(s.logger).Log("msg", "source queue full, batch dropped", "source", src.Descriptor(), "records", len(events))
		}
	}
}

// receive moves every queued batch into the merger.
func (s *Session) receive() {
	for i, queue := range s.queues {
		s.receiveFrom(i, queue)
	}
}

func (s *Session) receiveFrom(i int, queue <-chan batch) {
	for {
		select {
		case b := <-queue:
			s.add(i, b)
		default:
			return
		}
	}
}

func (s *Session) add(i int, b batch) {
	for _, e := range b.events {
		s.merger.Add(i, e)
	}
	s.merger.Advance(i, b.polled)
}

// drain dispatches the events the merger releases, or every buffered event
// when flushing.
func (s *Session) drain(flush bool) {
	if flush {
		s.buf = s.merger.Flush(s.buf[:0])
	} else {
		s.buf = s.merger.Drain(s.buf[:0])
	}
	for _, e := range s.buf {
		s.dispatch(e)
	}
	clear(s.buf)
}

func (s *Session) dispatch(e event.RawEvent) {
	s.metrics.processed(e.Kind)

	switch e.Kind {
	case event.KindOverflow:
		if lost, ok := e.Payload.(event.Lost); ok {
			s.kernelLost += lost.Count
		}
	case event.KindFunctionEntry, event.KindFunctionExit:
		if s.inTarget(e) {
			s.correlator.Process(e)
		}
	case event.KindContextSwitchIn, event.KindContextSwitchOut, event.KindWakeUp:
		s.track(e)
		s.scheduling.Process(e)
	case event.KindSampleStack:
		stack, ok := e.Payload.(event.Stack)
		if !ok || !s.inTarget(e) {
			return
		}
		s.listener.OnCallstackSample(event.CallstackSample{
			PID:       e.PID,
			TID:       e.TID,
			CPU:       e.CPU,
			Timestamp: e.Timestamp,
			IPs:       stack.IPs,
		})
	case event.KindGpuSubmit:
		job, ok := e.Payload.(event.GpuJob)
		if !ok || !s.inTarget(e) {
			return
		}
		s.listener.OnGpuSubmission(event.GpuSubmission{
			PID:       e.PID,
			TID:       e.TID,
			CPU:       e.CPU,
			Timestamp: e.Timestamp,
			Context:   job.Context,
			Seqno:     job.Seqno,
			JobID:     job.JobID,
		})
	}
}

// inTarget reports whether e was recorded in the target process. Sources are
// opened system wide, so events of other processes are discarded here.
func (s *Session) inTarget(e event.RawEvent) bool {
	if s.cfg.TargetPID == 0 {
		return true
	}
	if int(e.PID) != s.cfg.TargetPID {
		s.metrics.filtered.Inc()
		return false
	}
	s.threads.Add(e.TID)
	return true
}

// track adds the threads of the target process seen in scheduling events to
// the scheduling filter.
func (s *Session) track(e event.RawEvent) {
	if s.threads == nil || int(e.PID) != s.cfg.TargetPID {
		return
	}
	switch p := e.Payload.(type) {
	case event.SwitchOut:
		s.threads.Add(e.TID)
	case event.WakeUp:
		// The first wake-up of a new task is reported in the context of
		// its creator.
		if p.New {
			s.threads.Add(e.TID)
		}
	}
}

func (s *Session) statistics() event.Statistics {
	st := s.correlator.Statistics()
	st.LostRecords = s.kernelLost
	for i, src := range s.sources {
		st.LostRecords += s.drops[i].Load() + src.DecodeErrors()
	}
	st.LateEvents = s.merger.LateEvents()
	return st
}

func (s *Session) publish(st event.Statistics) {
	s.metrics.observeStatistics(s.published, st)
	s.published = st
	outOfOrder := s.scheduling.OutOfOrder()
	s.metrics.observeOutOfOrder(s.outOfOrder, outOfOrder)
	s.outOfOrder = outOfOrder
	s.listener.OnStatistics(st)
}

// finish runs once the pullers have returned: it drains the sources one last
// time, flushes every pending event and closes the sources.
func (s *Session) finish() {
	s.receive()
	now := s.opts.clock()
	for i, src := range s.sources {
		s.add(i, batch{events: src.Poll(nil), polled: now})
	}
	s.drain(true)

	s.correlator.Finish()
	s.scheduling.Finish(max(now, s.merger.Watermark()))

	s.final = s.statistics()
	s.publish(s.final)

	if err := perfevent.CloseAll(s.sources); err != nil {
		level.Warn(s.logger).Log("msg", "failed to close event sources", "err", err)
	}
	s.metrics.sources.Sub(float64(len(s.sources)))

	s.state.Store(int32(StateStopped))
	level.Info(s.logger).Log(
		"msg", "tracing session stopped",
		"lost_records", s.final.LostRecords,
		"orphaned_entries", s.final.OrphanedEntries,
		"orphaned_exits", s.final.OrphanedExits,
		"superseded_async", s.final.SupersededAsync,
		"unterminated_at_end", s.final.UnterminatedAtEnd,
		"late_events", s.final.LateEvents,
	)
}
