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

// Package stats adapts the proxy's StatsReporter to common metrics backends.
package stats

import (
	"sort"
	"sync"

	"github.com/uber/thriftrelay-go"

	"github.com/uber-go/tally"
)

type tallyReporter struct {
	sync.RWMutex

	scope    tally.Scope
	counters map[string]tally.Counter
}

// NewTallyReporter wraps a tally.Scope as a StatsReporter. Counters are
// cached per name and tag set; non-empty tags are applied through
// scope.Tagged.
func NewTallyReporter(scope tally.Scope) thriftrelay.StatsReporter {
	return &tallyReporter{
		scope:    scope,
		counters: make(map[string]tally.Counter),
	}
}

func (r *tallyReporter) IncCounter(name string, tags map[string]string, value int64) {
	r.getCounter(name, tags).Inc(value)
}

func (r *tallyReporter) getCounter(name string, tags map[string]string) tally.Counter {
	key := name
	if len(tags) > 0 {
		key = name + tagsKey(tags)
	}

	r.RLock()
	counter, ok := r.counters[key]
	r.RUnlock()
	if ok {
		return counter
	}

	r.Lock()
	defer r.Unlock()

	// Always double-check under the write-lock.
	if counter, ok := r.counters[key]; ok {
		return counter
	}

	scope := r.scope
	if len(tags) > 0 {
		scope = scope.Tagged(tags)
	}
	counter = scope.Counter(name)
	r.counters[key] = counter
	return counter
}

func tagsKey(tags map[string]string) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	key := ""
	for _, k := range keys {
		key += "|" + k + "=" + tags[k]
	}
	return key
}
