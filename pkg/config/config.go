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

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/parca-dev/parca-tracer/pkg/event"
)

var ErrEmptyConfig = errors.New("empty config")

const (
	DefaultReorderTolerance = 50 * time.Millisecond
	DefaultQueueCapacity    = 256
	DefaultSamplingPeriod   = time.Millisecond
	DefaultMaxStackDepth    = 1024

	DefaultSamplingPages   = 64
	DefaultUprobePages     = 16
	DefaultTracepointPages = 64
)

// Capture describes what a tracing session records. It is read-only for the
// lifetime of the session.
type Capture struct {
	// TargetPID restricts probe, sampling and scheduling events to one
	// process. Zero records every process.
	TargetPID int `yaml:"target_pid"`

	// Functions are the already resolved functions to instrument.
	Functions []Function `yaml:"functions,omitempty"`

	Sampling   Sampling `yaml:"sampling"`
	Scheduling bool     `yaml:"scheduling"`
	GPU        bool     `yaml:"gpu"`

	// ReorderTolerance is the maximum timestamp skew expected between
	// sources. Events are held back this long before being ordered.
	ReorderTolerance time.Duration `yaml:"reorder_tolerance"`
	// QueueCapacity is the number of batches buffered between each source
	// and the processing loop.
	QueueCapacity int        `yaml:"queue_capacity"`
	RingBuffer    RingBuffer `yaml:"ring_buffer"`
	MaxStackDepth int        `yaml:"max_stack_depth"`
}

// Function is a function to instrument.
type Function struct {
	// Address is the offset of the function in ModulePath.
	Address     uint64 `yaml:"address"`
	ModulePath  string `yaml:"module_path"`
	DisplayName string `yaml:"display_name"`
}

// Sampling configures the CPU sampling source.
type Sampling struct {
	Enabled bool          `yaml:"enabled"`
	Period  time.Duration `yaml:"period"`
}

// RingBuffer holds the number of data pages per source, powers of two.
type RingBuffer struct {
	SamplingPages   int `yaml:"sampling_pages"`
	UprobePages     int `yaml:"uprobe_pages"`
	TracepointPages int `yaml:"tracepoint_pages"`
}

// Default returns a Capture with every tunable at its default and no source
// enabled.
func Default() *Capture {
	return &Capture{
		Sampling:         Sampling{Period: DefaultSamplingPeriod},
		ReorderTolerance: DefaultReorderTolerance,
		QueueCapacity:    DefaultQueueCapacity,
		RingBuffer: RingBuffer{
			SamplingPages:   DefaultSamplingPages,
			UprobePages:     DefaultUprobePages,
			TracepointPages: DefaultTracepointPages,
		},
		MaxStackDepth: DefaultMaxStackDepth,
	}
}

func (c Capture) String() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<error creating config string: %s>", err)
	}
	return string(b)
}

// Load parses the YAML input b into a Capture. Fields missing from the input
// keep their defaults.
func Load(b []byte) (*Capture, error) {
	if len(b) == 0 {
		return nil, ErrEmptyConfig
	}

	cfg := Default()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling YAML: %w", err)
	}
	return cfg, nil
}

// LoadFile parses the given YAML file into a Capture.
func LoadFile(filename string) (*Capture, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(content)
	if err != nil {
		return nil, fmt.Errorf("parsing YAML file %s: %w", filename, err)
	}
	return cfg, nil
}

// Validate reports every invalid field of the Capture.
func (c *Capture) Validate() error {
	var errs []error
	if c.TargetPID < 0 {
		errs = append(errs, fmt.Errorf("target_pid must not be negative, got %d", c.TargetPID))
	}
	if len(c.Functions) == 0 && !c.Sampling.Enabled && !c.Scheduling && !c.GPU {
		errs = append(errs, errors.New("nothing to capture: no functions and every source disabled"))
	}
	for i, f := range c.Functions {
		if f.ModulePath == "" {
			errs = append(errs, fmt.Errorf("functions[%d]: module_path is required", i))
		}
		if f.DisplayName == "" {
			errs = append(errs, fmt.Errorf("functions[%d]: display_name is required", i))
		}
	}
	if c.Sampling.Enabled && c.Sampling.Period <= 0 {
		errs = append(errs, fmt.Errorf("sampling.period must be positive, got %s", c.Sampling.Period))
	}
	if c.ReorderTolerance < 0 {
		errs = append(errs, fmt.Errorf("reorder_tolerance must not be negative, got %s", c.ReorderTolerance))
	}
	if c.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("queue_capacity must be positive, got %d", c.QueueCapacity))
	}
	if c.MaxStackDepth <= 0 {
		errs = append(errs, fmt.Errorf("max_stack_depth must be positive, got %d", c.MaxStackDepth))
	}
	for _, rb := range []struct {
		name  string
		pages int
	}{
		{"ring_buffer.sampling_pages", c.RingBuffer.SamplingPages},
		{"ring_buffer.uprobe_pages", c.RingBuffer.UprobePages},
		{"ring_buffer.tracepoint_pages", c.RingBuffer.TracepointPages},
	} {
		if rb.pages <= 0 || rb.pages&(rb.pages-1) != 0 {
			errs = append(errs, fmt.Errorf("%s must be a positive power of two, got %d", rb.name, rb.pages))
		}
	}
	return errors.Join(errs...)
}

// FunctionIdentities returns one identity per configured function. Marker
// kinds are left for the classifier to fill in.
func (c *Capture) FunctionIdentities() []*event.FunctionIdentity {
	res := make([]*event.FunctionIdentity, 0, len(c.Functions))
	for _, f := range c.Functions {
		res = append(res, &event.FunctionIdentity{
			Address:     f.Address,
			ModulePath:  f.ModulePath,
			DisplayName: f.DisplayName,
		})
	}
	return res
}
