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
	"github.com/uber/thriftrelay-go"

	"github.com/cactus/go-statsd-client/statsd"
)

type statsdReporter struct {
	client statsd.Statter
}

// NewStatsdReporter wraps a statsd client as a StatsReporter. Statsd has no
// native tags, so tags are dropped; counter names alone carry the contract.
func NewStatsdReporter(client statsd.Statter) thriftrelay.StatsReporter {
	return &statsdReporter{client: client}
}

func (r *statsdReporter) IncCounter(name string, tags map[string]string, value int64) {
	// Inc error means the client is shut down; nothing useful to do with it.
	_ = r.client.Inc(name, value, 1.0)
}
