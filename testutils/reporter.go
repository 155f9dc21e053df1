// Copyright (c) 2018 Uber Technologies, Inc.

// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package testutils

import (
	"sync"

	"go.uber.org/atomic"
)

// RecordingStatsReporter is a StatsReporter that keeps counters in memory for
// assertions.
type RecordingStatsReporter struct {
	mu       sync.Mutex
	counters map[string]*atomic.Int64
}

// NewRecordingStatsReporter returns an empty RecordingStatsReporter.
func NewRecordingStatsReporter() *RecordingStatsReporter {
	return &RecordingStatsReporter{counters: make(map[string]*atomic.Int64)}
}

// IncCounter implements the proxy's StatsReporter.
func (r *RecordingStatsReporter) IncCounter(name string, tags map[string]string, value int64) {
	r.counter(name).Add(value)
}

// Counter returns the current value of the named counter.
func (r *RecordingStatsReporter) Counter(name string) int64 {
	return r.counter(name).Load()
}

func (r *RecordingStatsReporter) counter(name string) *atomic.Int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.counters[name]
	if !ok {
		c = atomic.NewInt64(0)
		r.counters[name] = c
	}
	return c
}
