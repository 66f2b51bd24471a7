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
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"

	"github.com/parca-dev/parca-tracer/pkg/classifier"
	"github.com/parca-dev/parca-tracer/pkg/perfevent"
)

const (
	DefaultPollInterval       = 10 * time.Millisecond
	DefaultProcessingInterval = 10 * time.Millisecond
	DefaultStatisticsInterval = 5 * time.Second
)

type options struct {
	pollInterval       time.Duration
	processingInterval time.Duration
	statisticsInterval time.Duration

	opener     perfevent.Opener
	classifier *classifier.Classifier
	metrics    *Metrics
	procfs     *procfs.FS
	cpus       []int
	clock      func() uint64
}

// Option configures a Session.
type Option func(*options)

// WithPollInterval sets how often every ring buffer is drained.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		o.pollInterval = d
	}
}

// WithProcessingInterval sets how often the processing loop merges and
// dispatches the polled events.
func WithProcessingInterval(d time.Duration) Option {
	return func(o *options) {
		o.processingInterval = d
	}
}

// WithStatisticsInterval sets how often Statistics are sent to the listener
// while the session runs.
func WithStatisticsInterval(d time.Duration) Option {
	return func(o *options) {
		o.statisticsInterval = d
	}
}

// WithOpener replaces the kernel opener, mostly for tests.
func WithOpener(op perfevent.Opener) Option {
	return func(o *options) {
		o.opener = op
	}
}

// WithClassifier shares a classifier, and its cache, between sessions.
func WithClassifier(c *classifier.Classifier) Option {
	return func(o *options) {
		o.classifier = c
	}
}

// WithMetrics shares metrics between sessions. Without it the session
// registers its own with the registerer given to Start.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithProcFS sets the procfs mount the threads of the target process are
// read from.
func WithProcFS(fs procfs.FS) Option {
	return func(o *options) {
		o.procfs = &fs
	}
}

// WithCPUs restricts the sources to the given CPUs instead of every online
// one.
func WithCPUs(cpus ...int) Option {
	return func(o *options) {
		o.cpus = cpus
	}
}

// WithClock replaces the CLOCK_MONOTONIC clock used to advance idle sources.
func WithClock(clock func() uint64) Option {
	return func(o *options) {
		o.clock = clock
	}
}

func defaultOptions() options {
	return options{
		pollInterval:       DefaultPollInterval,
		processingInterval: DefaultProcessingInterval,
		statisticsInterval: DefaultStatisticsInterval,
		clock:              monotonicNow,
	}
}

func (o options) validate() error {
	var errs []error
	if o.pollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", o.pollInterval))
	}
	if o.processingInterval <= 0 {
		errs = append(errs, fmt.Errorf("processing interval must be positive, got %s", o.processingInterval))
	}
	if o.statisticsInterval <= 0 {
		errs = append(errs, fmt.Errorf("statistics interval must be positive, got %s", o.statisticsInterval))
	}
	if o.clock == nil {
		errs = append(errs, errors.New("clock must not be nil"))
	}
	return errors.Join(errs...)
}

// monotonicNow returns the time in the clock perf records are stamped with.
func monotonicNow() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return uint64(ts.Nano())
}
