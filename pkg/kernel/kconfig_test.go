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
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

const enabledConfig = `#
# Automatically generated file; DO NOT EDIT.
#
CONFIG_PERF_EVENTS=y
CONFIG_UPROBE_EVENTS=y
CONFIG_TRACEPOINTS=y
CONFIG_LOCALVERSION=""
CONFIG_HZ=250
`

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func writeGzipConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := gzip.NewWriter(f)
	_, err = zw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func TestCheckTracingEnabled(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	missing := filepath.Join(dir, "missing")

	tests := []struct {
		name    string
		paths   []string
		wantErr string
	}{
		{
			name:  "plain config",
			paths: []string{missing, writeConfig(t, dir, "config", enabledConfig)},
		},
		{
			name:  "compressed config",
			paths: []string{writeGzipConfig(t, dir, "config.gz", enabledConfig)},
		},
		{
			name: "alternative option",
			paths: []string{writeConfig(t, dir, "config-alt", `CONFIG_PERF_EVENTS=y
CONFIG_UPROBES=y
CONFIG_EVENT_TRACING=y
`)},
		},
		{
			name:    "disabled option",
			paths:   []string{writeConfig(t, dir, "config-disabled", "CONFIG_PERF_EVENTS=y\n# CONFIG_UPROBE_EVENTS is not set\nCONFIG_TRACEPOINTS=y\n")},
			wantErr: "alternatives checked: CONFIG_UPROBES",
		},
		{
			name:    "missing option",
			paths:   []string{writeConfig(t, dir, "config-missing", "CONFIG_UPROBE_EVENTS=y\nCONFIG_TRACEPOINTS=y\n")},
			wantErr: "option: CONFIG_PERF_EVENTS",
		},
		{
			name:    "no config",
			paths:   []string{missing},
			wantErr: "kernel config not found",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := checkTracingEnabled(tt.paths)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestParseConfigValues(t *testing.T) {
	t.Parallel()

	config, err := readConfig(writeConfig(t, t.TempDir(), "config", enabledConfig))
	require.NoError(t, err)
	require.Equal(t, "y", config["CONFIG_PERF_EVENTS"])
	require.Equal(t, "250", config["CONFIG_HZ"])
	require.Equal(t, `""`, config["CONFIG_LOCALVERSION"])
}
