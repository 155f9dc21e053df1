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

package thriftrelay

// StatsReporter is the destination for proxy metrics. Implementations must be
// safe for concurrent use; counters are only ever incremented.
type StatsReporter interface {
	IncCounter(name string, tags map[string]string, value int64)
}

type nullStatsReporter struct{}

func (nullStatsReporter) IncCounter(string, map[string]string, int64) {}

// NullStatsReporter is a StatsReporter that discards all metrics.
var NullStatsReporter StatsReporter = nullStatsReporter{}

// Counter is a monotonic counter bound to a name and tag set.
type Counter struct {
	name     string
	tags     map[string]string
	reporter StatsReporter
}

// Inc increments the counter by one.
func (c *Counter) Inc() {
	c.reporter.IncCounter(c.name, c.tags, 1)
}

// Stats holds the proxy's counters. Names are part of the operational
// contract; dashboards and alerts key on them.
type Stats struct {
	Request              *Counter
	RequestCall          *Counter
	RequestOneway        *Counter
	RequestInvalidType   *Counter
	RequestDecodingError *Counter

	Response              *Counter
	ResponseReply         *Counter
	ResponseException     *Counter
	ResponseInvalidType   *Counter
	ResponseSuccess       *Counter
	ResponseError         *Counter
	ResponseDecodingError *Counter

	CxDestroyLocalWithActiveRq  *Counter
	CxDestroyRemoteWithActiveRq *Counter
}

// NewStats returns Stats whose counters report to reporter with the given
// tags. The tags map is shared by every counter and must not be mutated.
func NewStats(reporter StatsReporter, tags map[string]string) *Stats {
	counter := func(name string) *Counter {
		return &Counter{name: name, tags: tags, reporter: reporter}
	}
	return &Stats{
		Request:              counter("request"),
		RequestCall:          counter("request_call"),
		RequestOneway:        counter("request_oneway"),
		RequestInvalidType:   counter("request_invalid_type"),
		RequestDecodingError: counter("request_decoding_error"),

		Response:              counter("response"),
		ResponseReply:         counter("response_reply"),
		ResponseException:     counter("response_exception"),
		ResponseInvalidType:   counter("response_invalid_type"),
		ResponseSuccess:       counter("response_success"),
		ResponseError:         counter("response_error"),
		ResponseDecodingError: counter("response_decoding_error"),

		CxDestroyLocalWithActiveRq:  counter("cx_destroy_local_with_active_rq"),
		CxDestroyRemoteWithActiveRq: counter("cx_destroy_remote_with_active_rq"),
	}
}
