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

// Package rlimit adjusts the resource limits the tracer depends on: locked
// memory for perf ring buffers and file descriptors for event sources.
package rlimit

import (
	"errors"
	"fmt"
	"sync"
	"syscall"

	"github.com/cilium/ebpf/rlimit"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// ErrTooManyFiles is returned when the hard file descriptor limit cannot
// accommodate the requested sources.
var ErrTooManyFiles = errors.New("file descriptor limit too low")

var rlimitMu sync.Mutex

// BumpMemlock sets RLIMIT_MEMLOCK. Ring buffer pages beyond
// perf_event_mlock_kb are charged against it. With cur and max both zero
// the limit is removed. It returns the limit in effect afterwards.
func BumpMemlock(cur, max uint64) (syscall.Rlimit, error) {
	rlimitMu.Lock()
	defer rlimitMu.Unlock()

	if cur == 0 && max == 0 {
		// Requires CAP_SYS_RESOURCE.
		if err := rlimit.RemoveMemlock(); err != nil {
			return syscall.Rlimit{}, fmt.Errorf("remove memlock rlimit: %w", err)
		}
	} else if err := syscall.Setrlimit(unix.RLIMIT_MEMLOCK, &syscall.Rlimit{Cur: cur, Max: max}); err != nil {
		return syscall.Rlimit{}, fmt.Errorf("set memlock rlimit to %s: %w", Humanize(cur), err)
	}

	var lim syscall.Rlimit
	if err := syscall.Getrlimit(unix.RLIMIT_MEMLOCK, &lim); err != nil {
		return lim, fmt.Errorf("get memlock rlimit: %w", err)
	}
	return lim, nil
}

// Humanize formats a limit in bytes.
func Humanize(val uint64) string {
	if val == unix.RLIM_INFINITY {
		return "unlimited"
	}
	return humanize.IBytes(val)
}

// Files returns the soft and hard RLIMIT_NOFILE of the process.
func Files() (uint64, uint64, error) {
	var lim syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &lim); err != nil {
		return 0, 0, err
	}
	return lim.Cur, lim.Max, nil
}

// EnsureFiles makes sure n more file descriptors can be opened, raising the
// soft limit up to the hard limit when needed. It returns the soft limit in
// effect.
func EnsureFiles(n int) (uint64, error) {
	self, err := procfs.Self()
	if err != nil {
		return 0, fmt.Errorf("open /proc/self: %w", err)
	}
	open, err := self.FileDescriptorsLen()
	if err != nil {
		return 0, fmt.Errorf("count open file descriptors: %w", err)
	}
	return ensureFiles(uint64(open), uint64(n))
}

func ensureFiles(open, n uint64) (uint64, error) {
	rlimitMu.Lock()
	defer rlimitMu.Unlock()

	soft, hard, err := Files()
	if err != nil {
		return 0, fmt.Errorf("get nofile rlimit: %w", err)
	}
	// The limit is one greater than the highest descriptor number.
	need := open + n + 1
	if need <= soft {
		return soft, nil
	}
	if need > hard {
		return soft, fmt.Errorf("%w: %d open and %d requested, hard limit %d", ErrTooManyFiles, open, n, hard)
	}
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &syscall.Rlimit{Cur: hard, Max: hard}); err != nil {
		return soft, fmt.Errorf("raise nofile rlimit to %d: %w", hard, err)
	}
	return hard, nil
}
