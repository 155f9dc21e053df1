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

import (
	"net"

	"go.uber.org/zap"
)

// routerFilter is the terminal decoder filter: it resolves the route, opens
// the upstream connection, re-encodes the request with the upstream codecs,
// and pumps the upstream's reply back through its request's callbacks.
//
// The upstream leg always speaks framed binary. Cross-codec proxying works
// because the response path re-encodes for the downstream wire.
type routerFilter struct {
	ProtocolConverter

	log  *zap.Logger
	pool ClusterPool

	callbacks DecoderFilterCallbacks
	metadata  *MessageMetadata

	upstreamTransport Transport
	upstreamProtocol  Protocol
	requestBuffer     Buffer
	upstream          net.Conn

	destroyed bool
}

// NewRouterFilter returns the terminal routing filter over the given upstream
// pool.
func NewRouterFilter(log *zap.Logger, pool ClusterPool) DecoderFilter {
	return &routerFilter{log: log, pool: pool}
}

func (f *routerFilter) SetDecoderFilterCallbacks(cb DecoderFilterCallbacks) {
	f.callbacks = cb
}

func (f *routerFilter) OnDestroy() {
	f.destroyed = true
	f.closeUpstream()
}

func (f *routerFilter) ResetUpstreamConnection() {
	f.closeUpstream()
}

func (f *routerFilter) closeUpstream() {
	if f.upstream != nil {
		_ = f.upstream.Close()
		f.upstream = nil
	}
}

// MessageBegin resolves the route and opens the upstream leg. Failures are
// returned as AppExceptions so the connection manager answers the client
// in-band and drops the rest of the request.
func (f *routerFilter) MessageBegin(metadata *MessageMetadata) (FilterStatus, error) {
	f.metadata = metadata

	route := f.callbacks.Route()
	if route == nil {
		return FilterStatusContinue,
			NewAppException(AppExceptionUnknownMethod, "no route for method %q", metadata.MethodName())
	}

	conn, err := f.pool.GetConnection(route.ClusterName())
	if err != nil {
		f.log.Warn("upstream connection failed",
			zap.String("cluster", route.ClusterName()),
			zap.Error(err),
		)
		return FilterStatusContinue,
			NewAppException(AppExceptionInternalError, "connection failure to cluster %q", route.ClusterName())
	}

	f.upstream = conn
	f.upstreamTransport = NewFramedTransport()
	f.upstreamProtocol = NewBinaryProtocol()
	f.initProtocolConverter(f.upstreamProtocol, &f.requestBuffer)

	return f.ProtocolConverter.MessageBegin(metadata)
}

// TransportEnd flushes the re-encoded request upstream and, for calls that
// expect a reply, starts the response pump.
func (f *routerFilter) TransportEnd() (FilterStatus, error) {
	if f.upstream == nil {
		return FilterStatusContinue, nil
	}

	var frame Buffer
	f.upstreamTransport.EncodeFrame(&frame, f.metadata, &f.requestBuffer)
	if _, err := f.upstream.Write(frame.Bytes()); err != nil {
		f.closeUpstream()
		return FilterStatusContinue,
			NewAppException(AppExceptionInternalError, "upstream write failed: %v", err)
	}

	if f.metadata.MessageType() == MessageTypeOneway {
		f.closeUpstream()
		return FilterStatusContinue, nil
	}

	f.callbacks.StartUpstreamResponse(NewFramedTransport(), NewBinaryProtocol())
	go f.pumpUpstream(f.upstream, f.callbacks.Connection().Dispatcher())
	return FilterStatusContinue, nil
}

// pumpUpstream reads the upstream socket and posts each chunk onto the
// connection's event loop, where all request state lives.
func (f *routerFilter) pumpUpstream(conn net.Conn, dispatcher Dispatcher) {
	readBuf := make([]byte, 8192)
	for {
		n, err := conn.Read(readBuf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, readBuf[:n])
			dispatcher.Post(func() {
				if f.destroyed {
					return
				}
				if complete := f.callbacks.UpstreamData(NewBufferBytes(data)); complete {
					f.closeUpstream()
				}
			})
		}
		if err != nil {
			dispatcher.Post(func() {
				if f.destroyed || f.upstream == nil {
					return
				}
				// The upstream went away mid-response.
				f.closeUpstream()
				f.callbacks.SendLocalReply(
					NewAppException(AppExceptionInternalError, "upstream connection closed before response completed"))
			})
			return
		}
	}
}

// forward re-encodes an event for the upstream leg. Events arriving with no
// upstream (the request was answered locally mid-message) are dropped.
func (f *routerFilter) forward(emit func() (FilterStatus, error)) (FilterStatus, error) {
	if f.upstream == nil {
		return FilterStatusContinue, nil
	}
	return emit()
}

func (f *routerFilter) MessageEnd() (FilterStatus, error) {
	return f.forward(f.ProtocolConverter.MessageEnd)
}
func (f *routerFilter) StructBegin(name string) (FilterStatus, error) {
	return f.forward(func() (FilterStatus, error) { return f.ProtocolConverter.StructBegin(name) })
}
func (f *routerFilter) StructEnd() (FilterStatus, error) {
	return f.forward(f.ProtocolConverter.StructEnd)
}
func (f *routerFilter) FieldBegin(name string, fieldType FieldType, fieldID int16) (FilterStatus, error) {
	return f.forward(func() (FilterStatus, error) {
		return f.ProtocolConverter.FieldBegin(name, fieldType, fieldID)
	})
}
func (f *routerFilter) FieldEnd() (FilterStatus, error) {
	return f.forward(f.ProtocolConverter.FieldEnd)
}
func (f *routerFilter) BoolValue(v bool) (FilterStatus, error) {
	return f.forward(func() (FilterStatus, error) { return f.ProtocolConverter.BoolValue(v) })
}
func (f *routerFilter) ByteValue(v int8) (FilterStatus, error) {
	return f.forward(func() (FilterStatus, error) { return f.ProtocolConverter.ByteValue(v) })
}
func (f *routerFilter) Int16Value(v int16) (FilterStatus, error) {
	return f.forward(func() (FilterStatus, error) { return f.ProtocolConverter.Int16Value(v) })
}
func (f *routerFilter) Int32Value(v int32) (FilterStatus, error) {
	return f.forward(func() (FilterStatus, error) { return f.ProtocolConverter.Int32Value(v) })
}
func (f *routerFilter) Int64Value(v int64) (FilterStatus, error) {
	return f.forward(func() (FilterStatus, error) { return f.ProtocolConverter.Int64Value(v) })
}
func (f *routerFilter) DoubleValue(v float64) (FilterStatus, error) {
	return f.forward(func() (FilterStatus, error) { return f.ProtocolConverter.DoubleValue(v) })
}
func (f *routerFilter) StringValue(v string) (FilterStatus, error) {
	return f.forward(func() (FilterStatus, error) { return f.ProtocolConverter.StringValue(v) })
}
func (f *routerFilter) MapBegin(keyType, valueType FieldType, size int) (FilterStatus, error) {
	return f.forward(func() (FilterStatus, error) {
		return f.ProtocolConverter.MapBegin(keyType, valueType, size)
	})
}
func (f *routerFilter) MapEnd() (FilterStatus, error) {
	return f.forward(f.ProtocolConverter.MapEnd)
}
func (f *routerFilter) ListBegin(elemType FieldType, size int) (FilterStatus, error) {
	return f.forward(func() (FilterStatus, error) { return f.ProtocolConverter.ListBegin(elemType, size) })
}
func (f *routerFilter) ListEnd() (FilterStatus, error) {
	return f.forward(f.ProtocolConverter.ListEnd)
}
func (f *routerFilter) SetBegin(elemType FieldType, size int) (FilterStatus, error) {
	return f.forward(func() (FilterStatus, error) { return f.ProtocolConverter.SetBegin(elemType, size) })
}
func (f *routerFilter) SetEnd() (FilterStatus, error) {
	return f.forward(f.ProtocolConverter.SetEnd)
}
