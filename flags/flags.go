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

// Package flags defines the command line flags of parca-tracer.
package flags

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/alecthomas/kong"

	"github.com/parca-dev/parca-tracer/pkg/config"
	"github.com/parca-dev/parca-tracer/pkg/tracer"
)

const (
	defaultStartRetries     = 3
	defaultRecentEventsSize = 1 << 20
)

type ExitCode int

const (
	ExitSuccess ExitCode = 0
	ExitFailure ExitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	ExitParseError ExitCode = 2
)

func vars() kong.Vars {
	return kong.Vars{
		"default_memlock_rlimit":      "0", // No limit by default.
		"default_poll_interval":       tracer.DefaultPollInterval.String(),
		"default_processing_interval": tracer.DefaultProcessingInterval.String(),
		"default_statistics_interval": tracer.DefaultStatisticsInterval.String(),
		"default_start_retries":       strconv.Itoa(defaultStartRetries),
		"default_recent_events_size":  strconv.Itoa(defaultRecentEventsSize),
	}
}

// Parse parses the command line, exiting on invalid input.
func Parse() Flags {
	flags := Flags{}
	kong.Parse(&flags, vars())
	return flags
}

func parse(args []string) (Flags, error) {
	flags := Flags{}
	parser, err := kong.New(&flags, vars(), kong.Exit(func(int) {}))
	if err != nil {
		return Flags{}, err
	}
	if _, err := parser.Parse(args); err != nil {
		return Flags{}, err
	}
	return flags, nil
}

type Flags struct {
	Log         FlagsLogs `embed:""                  prefix:"log-"`
	HTTPAddress string    `default:"127.0.0.1:7072" help:"Address to bind HTTP server to."`
	Version     bool      `help:"Show application version."`

	ConfigPath    string `default:""                          help:"Path to the capture configuration file."`
	MemlockRlimit uint64 `default:"${default_memlock_rlimit}" help:"The value for the maximum number of bytes of memory that may be locked into RAM. Ring buffers are charged against it. 0 means no limit."`

	Capture FlagsCapture `embed:"" prefix:"capture-"`
	Session FlagsSession `embed:"" prefix:"session-"`
	Debug   FlagsDebug   `embed:"" prefix:"debug-"`
	Hidden  FlagsHidden  `embed:"" hidden:""        prefix:""`
}

// Validate reports every invalid flag.
func (f Flags) Validate() error {
	var errs []error
	if f.Capture.PID < 0 {
		errs = append(errs, fmt.Errorf("--capture-pid must not be negative, got %d", f.Capture.PID))
	}
	if f.Capture.Duration < 0 {
		errs = append(errs, fmt.Errorf("--capture-duration must not be negative, got %s", f.Capture.Duration))
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"--session-poll-interval", f.Session.PollInterval},
		{"--session-processing-interval", f.Session.ProcessingInterval},
		{"--session-statistics-interval", f.Session.StatisticsInterval},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.name, d.value))
		}
	}
	if f.Debug.RecentEventsSize <= 0 {
		errs = append(errs, fmt.Errorf("--debug-recent-events-size must be positive, got %d", f.Debug.RecentEventsSize))
	}
	return errors.Join(errs...)
}

// CaptureConfig returns the capture configuration file, or the defaults when
// no file is given, with the capture flags applied on top.
func (f Flags) CaptureConfig() (*config.Capture, error) {
	cfg := config.Default()
	if f.ConfigPath != "" {
		c, err := config.LoadFile(f.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		cfg = c
	}

	if f.Capture.PID != 0 {
		cfg.TargetPID = f.Capture.PID
	}
	if f.Capture.Sampling {
		cfg.Sampling.Enabled = true
	}
	if f.Capture.SamplingPeriod > 0 {
		cfg.Sampling.Period = f.Capture.SamplingPeriod
	}
	if f.Capture.Scheduling {
		cfg.Scheduling = true
	}
	if f.Capture.GPU {
		cfg.GPU = true
	}
	if f.Capture.ReorderTolerance > 0 {
		cfg.ReorderTolerance = f.Capture.ReorderTolerance
	}
	return cfg, cfg.Validate()
}

// FlagsLogs provides logging configuration flags.
type FlagsLogs struct {
	Level  string `default:"info"   enum:"error,warn,info,debug" help:"Log level."`
	Format string `default:"logfmt" enum:"logfmt,json"           help:"Configure if structured logging as JSON or as logfmt"`
}

// FlagsCapture overrides fields of the capture configuration file.
type FlagsCapture struct {
	PID              int           `default:"0" help:"Process to trace. Overrides target_pid of the configuration file when set."`
	Duration         time.Duration `default:"0" help:"Stop tracing after this long. 0 traces until interrupted."`
	Sampling         bool          `help:"Enable CPU callstack sampling."`
	SamplingPeriod   time.Duration `default:"0" help:"CPU sampling period. Leave this empty to use the configured value."`
	Scheduling       bool          `help:"Record thread scheduling slices."`
	GPU              bool          `help:"Record AMD GPU command submissions."`
	ReorderTolerance time.Duration `default:"0" help:"Maximum timestamp skew between event sources. Leave this empty to use the configured value."`
}

// FlagsSession provides flags tuning the tracing session.
type FlagsSession struct {
	PollInterval       time.Duration `default:"${default_poll_interval}"       help:"The interval at which the ring buffers are polled."`
	ProcessingInterval time.Duration `default:"${default_processing_interval}" help:"The interval at which polled events are merged and processed."`
	StatisticsInterval time.Duration `default:"${default_statistics_interval}" help:"The interval at which session statistics are reported."`
	StartRetries       uint64        `default:"${default_start_retries}"       help:"The number of times starting the session is retried when event sources cannot be acquired."`
}

// FlagsDebug provides debugging flags.
type FlagsDebug struct {
	RecentEventsSize int64 `default:"${default_recent_events_size}" help:"Size in bytes of the buffer of recent events served at /debug/recent."`
}

// FlagsHidden contains hidden flags used for debugging or running with untested configurations.
type FlagsHidden struct {
	IgnoreUnsafeKernelVersion bool `default:"false" help:"Forces runs in kernels without the uprobe PMU." hidden:""`
}
