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

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/cenkalti/backoff/v4"
	"github.com/common-nighthawk/go-figure"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	okrun "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/parca-dev/parca-tracer/flags"
	"github.com/parca-dev/parca-tracer/pkg/buildinfo"
	"github.com/parca-dev/parca-tracer/pkg/classifier"
	"github.com/parca-dev/parca-tracer/pkg/config"
	"github.com/parca-dev/parca-tracer/pkg/event"
	"github.com/parca-dev/parca-tracer/pkg/kernel"
	"github.com/parca-dev/parca-tracer/pkg/listener"
	"github.com/parca-dev/parca-tracer/pkg/logger"
	"github.com/parca-dev/parca-tracer/pkg/perfevent"
	"github.com/parca-dev/parca-tracer/pkg/rlimit"
	"github.com/parca-dev/parca-tracer/pkg/tracer"
)

var version string

func main() {
	f := flags.Parse()

	if f.Version {
		info, err := buildinfo.Fetch()
		if err != nil {
			fmt.Println(version)
			os.Exit(int(flags.ExitSuccess))
		}
		if version != "" {
			info.Version = version
		}
		fmt.Println(info)
		os.Exit(int(flags.ExitSuccess))
	}

	logger := logger.NewLogger(f.Log.Level, f.Log.Format, "parca-tracer")

	if err := f.Validate(); err != nil {
		level.Error(logger).Log("msg", "invalid flags", "err", err)
		os.Exit(int(flags.ExitParseError))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewBuildInfoCollector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	intro := figure.NewColorFigure("Parca Tracer ", "roman", "yellow", true)
	intro.Print()

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...interface{}) {
		level.Info(logger).Log("msg", fmt.Sprintf(format, a...))
	})); err != nil {
		level.Warn(logger).Log("msg", "failed to set GOMAXPROCS automatically", "err", err)
	}

	if limit, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(0.9),
		memlimit.WithProvider(memlimit.FromCgroup),
	); err != nil {
		level.Debug(logger).Log("msg", "failed to set GOMEMLIMIT automatically", "err", err)
	} else {
		level.Debug(logger).Log("msg", "GOMEMLIMIT set", "limit", limit)
	}

	if err := run(logger, reg, f); err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(int(flags.ExitFailure))
	}
}

func run(logger log.Logger, reg *prometheus.Registry, f flags.Flags) error {
	cfg, err := f.CaptureConfig()
	if err != nil {
		return err
	}

	if err := preflight(logger, f, cfg); err != nil {
		return err
	}

	lim, err := rlimit.BumpMemlock(f.MemlockRlimit, f.MemlockRlimit)
	if err != nil {
		level.Warn(logger).Log("msg", "failed to increase rlimit", "err", err)
	} else {
		level.Debug(logger).Log("msg", "memlock rlimit", "soft", rlimit.Humanize(lim.Cur), "hard", rlimit.Humanize(lim.Max))
	}

	recent, err := listener.NewRecent(f.Debug.RecentEventsSize)
	if err != nil {
		return err
	}
	out := listener.Multi(
		listener.NewLogger(log.With(logger, "component", "listener")),
		listener.NewMetrics(reg),
		recent,
	)

	ctx := context.Background()
	session, err := startSession(ctx, logger, reg, cfg, out, f)
	if err != nil {
		return fmt.Errorf("failed to start tracing session: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/debug/recent", recent)
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<p><b>Tracing session</b>: %s</p>\n", session.State())
		fmt.Fprint(w, "<a href='/debug/recent'>/debug/recent</a><br/>\n")
		fmt.Fprint(w, "<a href='/metrics'>/metrics</a><br/>\n")
		fmt.Fprint(w, "<a href='/debug/pprof/'>/debug/pprof</a><br/>\n")
	})

	var g okrun.Group
	{
		g.Add(func() error {
			level.Debug(logger).Log("msg", "starting: tracing session")
			defer level.Debug(logger).Log("msg", "stopped: tracing session")

			session.AwaitStopped()
			return nil
		}, func(error) {
			session.RequestStop()
		})
	}

	if f.Capture.Duration > 0 {
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			select {
			case <-time.After(f.Capture.Duration):
				level.Info(logger).Log("msg", "capture duration elapsed", "duration", f.Capture.Duration)
			case <-ctx.Done():
			}
			return nil
		}, func(error) {
			cancel()
		})
	}

	{
		ln, err := net.Listen("tcp", f.HTTPAddress)
		if err != nil {
			session.RequestStop()
			session.AwaitStopped()
			return fmt.Errorf("failed to listen on %s: %w", f.HTTPAddress, err)
		}
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Add(func() error {
			level.Info(logger).Log("msg", "starting HTTP server", "address", ln.Addr())
			return srv.Serve(ln)
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		})
	}

	g.Add(okrun.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	err = g.Run()
	var signalErr okrun.SignalError
	if errors.As(err, &signalErr) {
		level.Info(logger).Log("msg", "received signal, stopped", "signal", signalErr.Signal)
		return nil
	}
	return err
}

// startSession starts the tracing session, retrying with an exponential
// backoff while sources cannot be acquired for a reason that may go away.
func startSession(ctx context.Context, logger log.Logger, reg prometheus.Registerer, cfg *config.Capture, out event.Listener, f flags.Flags) (*tracer.Session, error) {
	opts := []tracer.Option{
		tracer.WithMetrics(tracer.NewMetrics(reg)),
		tracer.WithClassifier(classifier.New(reg)),
		tracer.WithPollInterval(f.Session.PollInterval),
		tracer.WithProcessingInterval(f.Session.ProcessingInterval),
		tracer.WithStatisticsInterval(f.Session.StatisticsInterval),
	}

	var session *tracer.Session
	expBackOff := backoff.NewExponentialBackOff()
	expBackOff.InitialInterval = 500 * time.Millisecond

	err := backoff.Retry(func() error {
		var err error
		session, err = tracer.Start(ctx, log.With(logger, "component", "tracer"), reg, cfg, out, opts...)
		if err == nil {
			return nil
		}
		var aerr *perfevent.AcquisitionError
		if !errors.As(err, &aerr) || aerr.Reason == perfevent.ReasonPermission || aerr.Reason == perfevent.ReasonInvalid {
			return backoff.Permanent(err)
		}
		level.Warn(logger).Log("msg", "failed to start tracing session", "retry", expBackOff.NextBackOff(), "err", err)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(expBackOff, f.Session.StartRetries), ctx))
	return session, err
}

// preflight checks that the running kernel can serve the capture.
func preflight(logger log.Logger, f flags.Flags, cfg *config.Capture) error {
	machine, err := kernel.Machine()
	if err != nil {
		level.Warn(logger).Log("msg", "failed to get machine hardware name", "err", err)
	}

	release, err := kernel.GetRelease()
	if err != nil {
		level.Warn(logger).Log("msg", "failed to determine kernel version", "err", err)
	} else {
		level.Info(logger).Log("msg", "running kernel", "release", release, "machine", machine)
		if !kernel.SupportsClockID(release) {
			return fmt.Errorf("kernel %s cannot timestamp perf events with CLOCK_MONOTONIC", release)
		}
		if len(cfg.Functions) > 0 && !kernel.SupportsUprobePMU(release) {
			if !f.Hidden.IgnoreUnsafeKernelVersion {
				return fmt.Errorf("kernel %s has no uprobe PMU, function instrumentation needs 4.17 or newer", release)
			}
			level.Warn(logger).Log("msg", "kernel has no uprobe PMU, function instrumentation will fail", "release", release)
		}
	}

	if err := kernel.CheckTracingEnabled(); err != nil {
		level.Warn(logger).Log("msg", "failed to determine if tracing is supported, host kernel might not support it", "err", err)
	} else {
		level.Info(logger).Log("msg", "perf events, uprobes and tracepoints are enabled by the host kernel")
	}
	return nil
}
