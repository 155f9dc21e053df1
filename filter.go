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

// DecoderFilterCallbacks is the surface an in-flight request exposes to its
// decoder filters.
type DecoderFilterCallbacks interface {
	// Connection returns the originating downstream connection.
	Connection() Connection

	// ContinueDecoding resumes decoding paused by a filter's
	// FilterStatusStopIteration. Must be called on the connection's event
	// loop.
	ContinueDecoding()

	// Route returns the route for this request, or nil if none matched. The
	// result is computed once and cached, including a nil result.
	Route() Route

	// StreamID returns this request's unique stream ID.
	StreamID() uint64

	// SendLocalReply encodes response with the downstream codecs, writes it to
	// the downstream connection, and completes the request.
	SendLocalReply(response DirectResponse)

	// StartUpstreamResponse readies the request to receive upstream response
	// data encoded with the given transport and protocol. Called at most once.
	StartUpstreamResponse(transport Transport, protocol Protocol)

	// UpstreamData feeds upstream response bytes; it reports whether the
	// response is complete. Decode failures are translated to downstream
	// replies internally.
	UpstreamData(buf *Buffer) bool

	// ResetDownstreamConnection abruptly closes the downstream connection.
	ResetDownstreamConnection()
}

// DecoderFilter is a filter in a request's decode path.
type DecoderFilter interface {
	DecoderEventHandler

	// OnDestroy notifies the filter that its request is being torn down; any
	// outstanding upstream work must be cancelled.
	OnDestroy()

	// SetDecoderFilterCallbacks provides the filter its callbacks before any
	// event is delivered.
	SetDecoderFilterCallbacks(cb DecoderFilterCallbacks)

	// ResetUpstreamConnection terminates the filter's upstream connection, if
	// it owns one.
	ResetUpstreamConnection()
}

// FilterChainFactoryCallbacks is handed to a FilterChainFactory to install
// filters on a new request.
type FilterChainFactoryCallbacks interface {
	AddDecoderFilter(filter DecoderFilter)
}

// FilterChainFactory builds the decoder filter chain for each request.
type FilterChainFactory interface {
	CreateFilterChain(callbacks FilterChainFactoryCallbacks)
}

// FilterChainFactoryFunc adapts a function to FilterChainFactory.
type FilterChainFactoryFunc func(callbacks FilterChainFactoryCallbacks)

// CreateFilterChain calls f.
func (f FilterChainFactoryFunc) CreateFilterChain(callbacks FilterChainFactoryCallbacks) {
	f(callbacks)
}

// PassThroughDecoderFilter is a DecoderFilter base that ignores every event
// and records its callbacks. Embed it to implement only what a filter needs.
type PassThroughDecoderFilter struct {
	PassThroughDecoderEventHandler

	Callbacks DecoderFilterCallbacks
}

// OnDestroy implements DecoderFilter.
func (f *PassThroughDecoderFilter) OnDestroy() {}

// SetDecoderFilterCallbacks implements DecoderFilter.
func (f *PassThroughDecoderFilter) SetDecoderFilterCallbacks(cb DecoderFilterCallbacks) {
	f.Callbacks = cb
}

// ResetUpstreamConnection implements DecoderFilter.
func (f *PassThroughDecoderFilter) ResetUpstreamConnection() {}
