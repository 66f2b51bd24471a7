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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadUprobePMU(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "format"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "type"), []byte("9\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "format", "retprobe"), []byte("config:0\n"), 0o644))

	pmu, err := readUprobePMU(dir)
	require.NoError(t, err)
	require.Equal(t, uprobePMU{typ: 9, retprobe: 0}, pmu)
	require.Equal(t, uint64(0), pmu.config(false))
	require.Equal(t, uint64(1), pmu.config(true))
}

func TestReadUprobePMUMissing(t *testing.T) {
	t.Parallel()

	_, err := readUprobePMU(t.TempDir())
	require.ErrorIs(t, err, ErrNoUprobePMU)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseConfigBit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    uint
		wantErr bool
	}{
		{in: "config:0", want: 0},
		{in: "config:63", want: 63},
		{in: "config:64", wantErr: true},
		{in: "config1:0", wantErr: true},
		{in: "config:0-7", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseConfigBit(tt.in)
		if tt.wantErr {
			require.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got)
	}
}
