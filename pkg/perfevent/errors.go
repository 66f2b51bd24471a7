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

	"golang.org/x/sys/unix"
)

var (
	// ErrNoTracefs is returned when no tracefs mount could be found.
	ErrNoTracefs = errors.New("tracefs not found")
	// ErrNoUprobePMU is returned when the kernel has no uprobe PMU.
	ErrNoUprobePMU = errors.New("uprobe PMU not available")
	// ErrClosed is returned by operations on a closed source.
	ErrClosed = errors.New("source closed")
)

// Reason classifies why a source could not be acquired.
type Reason uint8

const (
	ReasonOther Reason = iota
	// ReasonPermission means the caller lacks the privileges, typically
	// CAP_PERFMON or a permissive perf_event_paranoid.
	ReasonPermission
	// ReasonInvalid means the kernel rejected the description of the
	// source, or a resource it names does not exist.
	ReasonInvalid
	// ReasonLimit means a resource limit was hit: file descriptors, locked
	// memory or kernel memory.
	ReasonLimit
)

func (r Reason) String() string {
	switch r {
	case ReasonPermission:
		return "permission"
	case ReasonInvalid:
		return "invalid"
	case ReasonLimit:
		return "limit"
	default:
		return "other"
	}
}

// AcquisitionError is returned when a source could not be opened.
type AcquisitionError struct {
	Descriptor Descriptor
	Reason     Reason
	Err        error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquire %s (%s): %v", e.Descriptor, e.Reason, e.Err)
}

func (e *AcquisitionError) Unwrap() error {
	return e.Err
}

func acquisitionError(d Descriptor, err error) *AcquisitionError {
	return &AcquisitionError{Descriptor: d, Reason: reasonOf(err), Err: err}
}

func reasonOf(err error) Reason {
	switch {
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return ReasonPermission
	case errors.Is(err, unix.EINVAL), errors.Is(err, unix.ENOENT), errors.Is(err, unix.EOPNOTSUPP), errors.Is(err, unix.E2BIG),
		errors.Is(err, ErrNoTracefs), errors.Is(err, ErrNoUprobePMU):
		return ReasonInvalid
	case errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE), errors.Is(err, unix.ENOMEM),
		errors.Is(err, unix.ENOSPC):
		return ReasonLimit
	default:
		return ReasonOther
	}
}
