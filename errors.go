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
	"errors"
	"fmt"
)

// AppExceptionType is the Thrift application exception type code. The values
// match TApplicationException in the Apache Thrift libraries so generated
// clients classify our replies the same way they classify a server's.
type AppExceptionType int32

// Application exception type codes.
const (
	AppExceptionUnknown               AppExceptionType = 0
	AppExceptionUnknownMethod         AppExceptionType = 1
	AppExceptionInvalidMessageType    AppExceptionType = 2
	AppExceptionWrongMethodName       AppExceptionType = 3
	AppExceptionBadSequenceID         AppExceptionType = 4
	AppExceptionMissingResult         AppExceptionType = 5
	AppExceptionInternalError         AppExceptionType = 6
	AppExceptionProtocolError         AppExceptionType = 7
	AppExceptionInvalidTransform      AppExceptionType = 8
	AppExceptionInvalidProtocol       AppExceptionType = 9
	AppExceptionUnsupportedClientType AppExceptionType = 10
)

// AppException is a Thrift-level error that can be reported to the client
// in-band as an Exception-typed reply. The connection survives it.
type AppException struct {
	Type    AppExceptionType
	Message string
}

// NewAppException returns an AppException with the given type code and message.
func NewAppException(t AppExceptionType, format string, args ...interface{}) *AppException {
	return &AppException{Type: t, Message: fmt.Sprintf(format, args...)}
}

func (e *AppException) Error() string {
	return e.Message
}

// Encode implements DirectResponse. The reply body is the standard
// TApplicationException struct: message at field 1, type code at field 2.
func (e *AppException) Encode(metadata *MessageMetadata, proto Protocol, out *Buffer) {
	name := ""
	if metadata.HasMethodName() {
		name = metadata.MethodName()
	}
	var seqID int32
	if metadata.HasSequenceID() {
		seqID = metadata.SequenceID()
	}

	proto.WriteMessageBegin(out, name, MessageTypeException, seqID)
	proto.WriteStructBegin(out, "TApplicationException")

	proto.WriteFieldBegin(out, "message", FieldTypeString, 1)
	proto.WriteString(out, e.Message)
	proto.WriteFieldEnd(out)

	proto.WriteFieldBegin(out, "type", FieldTypeI32, 2)
	proto.WriteI32(out, int32(e.Type))
	proto.WriteFieldEnd(out)

	proto.WriteStructEnd(out)
	proto.WriteMessageEnd(out)
}

// asAppException classifies err, returning the wrapped AppException if any.
func asAppException(err error) (*AppException, bool) {
	var app *AppException
	ok := errors.As(err, &app)
	return app, ok
}

// DecodeError is an out-of-band framing or protocol failure: malformed frame
// size, undetectable transport or protocol, truncated or corrupt encoding.
// The connection does not survive it.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return e.Reason
}

// decodeErrorf returns a DecodeError with a formatted reason.
func decodeErrorf(format string, args ...interface{}) error {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}

// DirectResponse is a reply the proxy originates itself, without consulting an
// upstream: application exceptions and protocol upgrade responses. Encode
// writes the protocol-level reply bytes for metadata's message into out; the
// caller frames them with a transport.
type DirectResponse interface {
	Encode(metadata *MessageMetadata, proto Protocol, out *Buffer)
}
