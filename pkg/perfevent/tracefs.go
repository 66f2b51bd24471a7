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
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/parca-dev/parca-tracer/pkg/byteorder"
)

// DefaultTracefsPaths are the mount points probed for tracefs, in order.
var DefaultTracefsPaths = []string{"/sys/kernel/tracing", "/sys/kernel/debug/tracing"}

// Tracefs reads tracepoint descriptions from a tracefs mount.
type Tracefs struct {
	root string

	mtx     sync.Mutex
	formats map[Tracepoint]*Format
}

// NewTracefs returns a Tracefs rooted at root.
func NewTracefs(root string) *Tracefs {
	return &Tracefs{root: root, formats: map[Tracepoint]*Format{}}
}

// FindTracefs returns the first of paths that holds tracepoint events.
func FindTracefs(paths ...string) (*Tracefs, error) {
	if len(paths) == 0 {
		paths = DefaultTracefsPaths
	}
	for _, p := range paths {
		if fi, err := os.Stat(filepath.Join(p, "events")); err == nil && fi.IsDir() {
			return NewTracefs(p), nil
		}
	}
	return nil, fmt.Errorf("%w in %s", ErrNoTracefs, strings.Join(paths, ", "))
}

// Root returns the mount point.
func (t *Tracefs) Root() string {
	return t.root
}

// Format returns the parsed format of tp.
func (t *Tracefs) Format(tp Tracepoint) (*Format, error) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if f, ok := t.formats[tp]; ok {
		return f, nil
	}
	data, err := os.ReadFile(filepath.Join(t.root, "events", tp.Category, tp.Name, "format"))
	if err != nil {
		return nil, fmt.Errorf("read format of %s: %w", tp, err)
	}
	f, err := ParseFormat(data)
	if err != nil {
		return nil, fmt.Errorf("parse format of %s: %w", tp, err)
	}
	t.formats[tp] = f
	return f, nil
}

// Format is the layout of a tracepoint record as described by its tracefs
// format file.
type Format struct {
	Name   string
	ID     uint64
	Fields []Field
}

// Field is one field of a tracepoint record.
type Field struct {
	Name   string
	Type   string
	Offset int
	Size   int
	Signed bool
}

var errFieldOutOfBounds = errors.New("field out of bounds")

// Field returns the field called name.
func (f *Format) Field(name string) (Field, bool) {
	for _, field := range f.Fields {
		if field.Name == name {
			return field, true
		}
	}
	return Field{}, false
}

// Uint reads the field as an unsigned integer from a raw record.
func (f Field) Uint(data []byte) (uint64, error) {
	if f.Offset < 0 || f.Offset+f.Size > len(data) {
		return 0, fmt.Errorf("%s: %w", f.Name, errFieldOutOfBounds)
	}
	b := data[f.Offset : f.Offset+f.Size]
	order := byteorder.Host()
	switch f.Size {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(order.Uint16(b)), nil
	case 4:
		return uint64(order.Uint32(b)), nil
	case 8:
		return order.Uint64(b), nil
	default:
		return 0, fmt.Errorf("%s: unsupported integer size %d", f.Name, f.Size)
	}
}

// Int reads the field as an integer, sign extended when the field is signed.
func (f Field) Int(data []byte) (int64, error) {
	v, err := f.Uint(data)
	if err != nil || !f.Signed {
		return int64(v), err
	}
	switch f.Size {
	case 1:
		return int64(int8(v)), nil
	case 2:
		return int64(int16(v)), nil
	case 4:
		return int64(int32(v)), nil
	default:
		return int64(v), nil
	}
}

// ParseFormat parses the content of a tracefs format file.
func ParseFormat(data []byte) (*Format, error) {
	f := &Format{}
	hasID := false
	for i, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon == -1 {
			return nil, fmt.Errorf("missing ':' on line %d", i+1)
		}
		key := strings.TrimSpace(line[:colon])
		value := strings.TrimSpace(line[colon+1:])

		switch key {
		case "name":
			f.Name = value
		case "ID":
			id, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid ID on line %d: %w", i+1, err)
			}
			f.ID = id
			hasID = true
		case "field":
			field, err := parseField(value)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", i+1, err)
			}
			f.Fields = append(f.Fields, field)
		case "format", "print fmt":
		default:
			return nil, fmt.Errorf("unexpected key %q on line %d", key, i+1)
		}
	}
	if !hasID {
		return nil, errors.New("format has no ID")
	}
	return f, nil
}

// parseField parses everything following "field:", for example
// "int prev_pid;	offset:24;	size:4;	signed:1;".
func parseField(line string) (Field, error) {
	var field Field

	parts := strings.Split(line, ";")
	decl := strings.TrimSpace(parts[0])
	sp := strings.LastIndexByte(decl, ' ')
	if sp == -1 {
		return field, fmt.Errorf("missing field type and name in %q", decl)
	}
	field.Type = decl[:sp]
	field.Name = decl[sp+1:]
	if b := strings.IndexByte(field.Name, '['); b != -1 {
		field.Name = field.Name[:b]
	}

	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		colon := strings.IndexByte(p, ':')
		if colon == -1 {
			return field, fmt.Errorf("missing ':' in field entry %q", p)
		}
		key, value := strings.TrimSpace(p[:colon]), strings.TrimSpace(p[colon+1:])

		var err error
		switch key {
		case "offset":
			field.Offset, err = strconv.Atoi(value)
		case "size":
			field.Size, err = strconv.Atoi(value)
		case "signed":
			field.Signed, err = strconv.ParseBool(value)
		default:
			err = fmt.Errorf("unknown field entry %q", key)
		}
		if err != nil {
			return field, err
		}
	}
	if field.Offset < 0 || field.Size < 0 {
		return field, fmt.Errorf("field %s has a negative offset or size", field.Name)
	}
	return field, nil
}
