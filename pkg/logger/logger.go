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

package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const (
	LogFormatLogfmt = "logfmt"
	LogFormatJSON   = "json"
)

// New returns a logger writing to w in the given format, filtered at the
// given level, with a UTC timestamp and the caller of each entry.
func New(w io.Writer, logLevel, logFormat, debugName string) (log.Logger, error) {
	var lvl level.Option
	switch logLevel {
	case "error":
		lvl = level.AllowError()
	case "warn":
		lvl = level.AllowWarn()
	case "info":
		lvl = level.AllowInfo()
	case "debug":
		lvl = level.AllowDebug()
	default:
		return nil, fmt.Errorf("unexpected log level %q", logLevel)
	}

	var logger log.Logger
	switch logFormat {
	case LogFormatLogfmt, "":
		logger = log.NewLogfmtLogger(log.NewSyncWriter(w))
	case LogFormatJSON:
		logger = log.NewJSONLogger(log.NewSyncWriter(w))
	default:
		return nil, fmt.Errorf("unexpected log format %q", logFormat)
	}

	logger = level.NewFilter(logger, lvl)
	if debugName != "" {
		logger = log.With(logger, "name", debugName)
	}
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller), nil
}

// NewLogger returns a logger writing to stderr. It panics on an unknown level
// or format; flag parsing rejects those before.
func NewLogger(logLevel, logFormat, debugName string) log.Logger {
	logger, err := New(os.Stderr, logLevel, logFormat, debugName)
	if err != nil {
		panic(err)
	}
	return logger
}
