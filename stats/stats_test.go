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

package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
)

func TestTallyReporterCounters(t *testing.T) {
	scope := tally.NewTestScope("", nil)
	reporter := NewTallyReporter(scope)

	reporter.IncCounter("request", nil, 1)
	reporter.IncCounter("request", nil, 1)
	reporter.IncCounter("request_call", nil, 1)

	snapshot := scope.Snapshot().Counters()
	require.Contains(t, snapshot, "request+")
	assert.EqualValues(t, 2, snapshot["request+"].Value())
	require.Contains(t, snapshot, "request_call+")
	assert.EqualValues(t, 1, snapshot["request_call+"].Value())
}

func TestTallyReporterTags(t *testing.T) {
	scope := tally.NewTestScope("", nil)
	reporter := NewTallyReporter(scope)

	tags := map[string]string{"listener": "ingress"}
	reporter.IncCounter("request", tags, 1)
	reporter.IncCounter("request", tags, 2)

	var total int64
	for key, counter := range scope.Snapshot().Counters() {
		if key != "request+" {
			total += counter.Value()
			assert.Equal(t, "ingress", counter.Tags()["listener"], "key %v", key)
		}
	}
	assert.EqualValues(t, 3, total)
}

func TestTallyReporterReusesCounters(t *testing.T) {
	scope, closer := tally.NewRootScope(tally.ScopeOptions{}, time.Minute)
	defer closer.Close()

	reporter := NewTallyReporter(scope).(*tallyReporter)
	reporter.IncCounter("response", nil, 1)
	reporter.IncCounter("response", nil, 1)

	reporter.RLock()
	defer reporter.RUnlock()
	assert.Len(t, reporter.counters, 1)
}
