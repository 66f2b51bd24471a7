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

package listener

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"

	"github.com/armon/circbuf"
	"github.com/go-kit/log"

	"github.com/parca-dev/parca-tracer/pkg/event"
)

// Recent keeps the most recent events, as logfmt lines, in a fixed size
// buffer and serves them over HTTP.
type Recent struct {
	mtx    sync.Mutex
	buf    *circbuf.Buffer
	logger log.Logger
}

// NewRecent returns a Recent holding up to size bytes of events.
func NewRecent(size int64) (*Recent, error) {
	buf, err := circbuf.NewBuffer(size)
	if err != nil {
		return nil, fmt.Errorf("create recent events buffer: %w", err)
	}
	return &Recent{
		buf:    buf,
		logger: log.NewLogfmtLogger(buf),
	}, nil
}

func (r *Recent) log(keyvals []interface{}) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	_ = r.logger.Log(keyvals...)
}

func (r *Recent) OnTimer(e event.Timer)                     { r.log(timerKeyvals(e)) }
func (r *Recent) OnAsyncSpan(e event.AsyncSpan)             { r.log(asyncSpanKeyvals(e)) }
func (r *Recent) OnValueSample(e event.ValueSample)         { r.log(valueSampleKeyvals(e)) }
func (r *Recent) OnSchedulingSlice(e event.SchedulingSlice) { r.log(schedulingSliceKeyvals(e)) }
func (r *Recent) OnCallstackSample(e event.CallstackSample) { r.log(callstackSampleKeyvals(e)) }
func (r *Recent) OnGpuSubmission(e event.GpuSubmission)     { r.log(gpuSubmissionKeyvals(e)) }
func (r *Recent) OnStatistics(s event.Statistics)           { r.log(statisticsKeyvals(s)) }

// Bytes returns the buffered events. Once the buffer has wrapped, the
// partially overwritten oldest line is left out.
func (r *Recent) Bytes() []byte {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	b := bytes.Clone(r.buf.Bytes())
	if r.buf.TotalWritten() > r.buf.Size() {
		if i := bytes.IndexByte(b, '\n'); i >= 0 {
			b = b[i+1:]
		}
	}
	return b
}

// Reset discards every buffered event.
func (r *Recent) Reset() {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.buf.Reset()
}

func (r *Recent) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method == http.MethodDelete {
		r.Reset()
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(r.Bytes())
}
