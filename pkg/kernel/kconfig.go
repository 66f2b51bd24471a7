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

package kernel

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/klauspost/compress/gzip"
)

type kconfigOption struct {
	name string
	// Synonymous options, any of which satisfies the requirement.
	alternatives []string
}

// tracingOptions are the kernel options perf based tracing depends on.
var tracingOptions = []kconfigOption{
	{name: "CONFIG_PERF_EVENTS"},
	{name: "CONFIG_UPROBE_EVENTS", alternatives: []string{"CONFIG_UPROBES"}},
	{name: "CONFIG_TRACEPOINTS", alternatives: []string{"CONFIG_EVENT_TRACING"}},
}

var errNoKconfig = errors.New("kernel config not found")

// CheckTracingEnabled returns a non-nil error if the running kernel was
// built without the options needed for uprobes and tracepoints.
func CheckTracingEnabled() error {
	release, err := Release()
	if err != nil {
		return err
	}
	return checkTracingEnabled([]string{
		"/proc/config.gz",
		"/boot/config",
		"/boot/config-" + release,
	})
}

func checkTracingEnabled(configPaths []string) error {
	var result error
	for _, path := range configPaths {
		config, err := readConfig(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			result = errors.Join(result, err)
			continue
		}
		return checkOptions(config, tracingOptions)
	}
	if result != nil {
		return result
	}
	return fmt.Errorf("%w, tried paths: %s", errNoKconfig, strings.Join(configPaths, ", "))
}

func checkOption(config map[string]string, option string) error {
	value, found := config[option]
	if !found {
		return fmt.Errorf("kernel config required for tracing not found, option: %s", option)
	}
	if value != "y" && value != "m" {
		return fmt.Errorf("kernel config required for tracing is disabled, option: %s", option)
	}
	return nil
}

func checkOptions(config map[string]string, options []kconfigOption) error {
	for _, option := range options {
		err := checkOption(config, option.name)
		if err == nil {
			continue
		}
		found := false
		for _, alt := range option.alternatives {
			if checkOption(config, alt) == nil {
				found = true
				break
			}
		}
		if !found {
			if len(option.alternatives) == 0 {
				return err
			}
			return fmt.Errorf("%w; alternatives checked: %s", err, strings.Join(option.alternatives, ", "))
		}
	}
	return nil
}

// readConfig reads a kernel config, gzip compressed when the path ends in
// .gz as /proc/config.gz does.
func readConfig(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}

	config := map[string]string{}
	if err := parse(bufio.NewScanner(r), config); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return config, nil
}

var kconfigLine = regexp.MustCompile(`^(?:# *)?(CONFIG_\w*)(?:=| )(y|n|m|is not set|\d+|0x.+|".*")$`)

func parse(s *bufio.Scanner, config map[string]string) error {
	for s.Scan() {
		m := kconfigLine.FindStringSubmatch(s.Text())
		if m == nil {
			continue
		}
		if len(m[2]) > 1 {
			m[2] = strings.Trim(m[2], `"`)
		}
		config[m[1]] = m[2]
	}
	return s.Err()
}
