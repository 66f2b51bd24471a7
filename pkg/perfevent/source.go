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

package perfevent

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/parca-dev/parca-tracer/pkg/event"
)

// Source is an opened event source. Sources are created disabled.
//
// Poll and Close may be called from different goroutines. Enable, Poll and
// DecodeErrors never block on the kernel.
type Source interface {
	Descriptor() Descriptor
	// Enable starts the delivery of records.
	Enable() error
	// Poll appends every record currently in the ring buffer to dst.
	Poll(dst []event.RawEvent) []event.RawEvent
	// DecodeErrors returns the number of records that could not be decoded.
	DecodeErrors() uint64
	Close() error
}

// Opener opens sources.
type Opener interface {
	Open(Descriptor) (Source, error)
}

// OpenerFunc adapts a function to an Opener.
type OpenerFunc func(Descriptor) (Source, error)

func (f OpenerFunc) Open(d Descriptor) (Source, error) {
	return f(d)
}

// OpenAll opens every descriptor with o. If any of them fails, the sources
// opened so far are closed and the error of the failing one is returned.
func OpenAll(o Opener, descs []Descriptor) ([]Source, error) {
	sources := make([]Source, 0, len(descs))
	for _, d := range descs {
		s, err := o.Open(d)
		if err != nil {
			if cerr := CloseAll(sources); cerr != nil {
				err = errors.Join(err, fmt.Errorf("close opened sources: %w", cerr))
			}
			return nil, err
		}
		sources = append(sources, s)
	}
	return sources, nil
}

// CloseAll closes every source and returns the joined errors.
func CloseAll(sources []Source) error {
	var errs []error
	for i := len(sources) - 1; i >= 0; i-- {
		if err := sources[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", sources[i].Descriptor(), err))
		}
	}
	return errors.Join(errs...)
}

var defaultOpener = sync.OnceValue(func() *KernelOpener {
	return NewOpener(log.NewNopLogger())
})

// Open opens d on the running kernel with the default settings.
func Open(d Descriptor) (Source, error) {
	return defaultOpener().Open(d)
}

// KernelOpener opens sources with perf_event_open(2).
type KernelOpener struct {
	logger   log.Logger
	pageSize int

	tracefsPaths  []string
	uprobePMUPath string

	tracefs func() (*Tracefs, error)
	pmu     func() (uprobePMU, error)
}

// Option configures a KernelOpener.
type Option func(*KernelOpener)

// WithTracefsPaths overrides the candidate tracefs mount points.
func WithTracefsPaths(paths ...string) Option {
	return func(o *KernelOpener) {
		o.tracefsPaths = paths
	}
}

// WithUprobePMUPath overrides the sysfs directory of the uprobe PMU.
func WithUprobePMUPath(path string) Option {
	return func(o *KernelOpener) {
		o.uprobePMUPath = path
	}
}

// NewOpener returns a KernelOpener.
func NewOpener(logger log.Logger, opts ...Option) *KernelOpener {
	o := &KernelOpener{
		logger:        logger,
		pageSize:      os.Getpagesize(),
		tracefsPaths:  DefaultTracefsPaths,
		uprobePMUPath: DefaultUprobePMUPath,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.tracefs = sync.OnceValues(func() (*Tracefs, error) {
		return FindTracefs(o.tracefsPaths...)
	})
	o.pmu = sync.OnceValues(func() (uprobePMU, error) {
		return readUprobePMU(o.uprobePMUPath)
	})
	return o
}

// Open opens a single source. Failures are reported as *AcquisitionError.
func (o *KernelOpener) Open(d Descriptor) (Source, error) {
	if err := d.validate(); err != nil {
		return nil, acquisitionError(d, fmt.Errorf("%w: %w", unix.EINVAL, err))
	}

	var (
		pmu    uprobePMU
		format *Format
	)
	switch d.Kind {
	case KindUprobe, KindUretprobe:
		p, err := o.pmu()
		if err != nil {
			return nil, acquisitionError(d, err)
		}
		pmu = p
	case KindTracepoint:
		tfs, err := o.tracefs()
		if err != nil {
			return nil, acquisitionError(d, err)
		}
		f, err := tfs.Format(d.Tracepoint)
		if err != nil {
			return nil, acquisitionError(d, err)
		}
		format = f
	}

	attr := buildAttr(d, pmu, format)
	dec, err := newDecoder(d, attr.Sample_type, attr.Sample_regs_user, format)
	if err != nil {
		return nil, acquisitionError(d, fmt.Errorf("%w: %w", unix.EINVAL, err))
	}

	var path *byte
	if d.Kind == KindUprobe || d.Kind == KindUretprobe {
		path, err = unix.BytePtrFromString(d.Function.ModulePath)
		if err != nil {
			return nil, acquisitionError(d, err)
		}
		attr.Ext1 = uint64(uintptr(unsafe.Pointer(path)))
	}
	fd, err := unix.PerfEventOpen(attr, -1, d.CPU, -1, unix.PERF_FLAG_FD_CLOEXEC)
	runtime.KeepAlive(path)
	if err != nil {
		return nil, acquisitionError(d, fmt.Errorf("perf_event_open: %w", err))
	}

	size := (1 + d.ringBufferPages()) * o.pageSize
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, acquisitionError(d, fmt.Errorf("mmap ring buffer of %s: %w", humanize.IBytes(uint64(size)), err))
	}

	level.Debug(o.logger).Log("msg", "opened event source", "source", d, "fd", fd, "ring_buffer", humanize.IBytes(uint64(size)))
	return newSource(d, mem, o.pageSize, dec, fd), nil
}

type source struct {
	desc Descriptor
	// fd is -1 for sources not backed by the kernel.
	fd int

	mtx  sync.Mutex
	mem  []byte
	ring *ringBuffer
	dec  *decoder

	decodeErrors *atomic.Uint64
}

func newSource(d Descriptor, mem []byte, pageSize int, dec *decoder, fd int) *source {
	return &source{
		desc:         d,
		fd:           fd,
		mem:          mem,
		ring:         newRingBuffer(mem, pageSize),
		dec:          dec,
		decodeErrors: atomic.NewUint64(0),
	}
}

func (s *source) Descriptor() Descriptor {
	return s.desc
}

func (s *source) Enable() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.mem == nil {
		return ErrClosed
	}
	if s.fd < 0 {
		return nil
	}
	if err := unix.IoctlSetInt(s.fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		return fmt.Errorf("enable %s: %w", s.desc, err)
	}
	return nil
}

func (s *source) Poll(dst []event.RawEvent) []event.RawEvent {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.mem == nil {
		return dst
	}
	err := s.ring.read(func(typ uint32, _ uint16, record []byte) {
		var derr error
		if dst, derr = s.dec.decode(dst, typ, record); derr != nil {
			s.decodeErrors.Inc()
		}
	})
	if err != nil {
		s.decodeErrors.Inc()
	}
	return dst
}

func (s *source) DecodeErrors() uint64 {
	return s.decodeErrors.Load()
}

func (s *source) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.mem == nil {
		return nil
	}
	var errs []error
	if s.fd >= 0 {
		if err := unix.Munmap(s.mem); err != nil {
			errs = append(errs, fmt.Errorf("munmap: %w", err))
		}
		if err := unix.Close(s.fd); err != nil {
			errs = append(errs, fmt.Errorf("close fd: %w", err))
		}
	}
	s.mem = nil
	s.ring = nil
	return errors.Join(errs...)
}
