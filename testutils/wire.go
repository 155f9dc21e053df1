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

// Package testutils builds Thrift wire bytes for tests using the Apache
// Thrift library as the reference encoder, so our decoders are checked
// against an independent implementation.
package testutils

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/apache/thrift/lib/go/thrift"
)

// messagePayload encodes one strict-binary message, returning the raw
// protocol bytes with no transport framing.
func messagePayload(method string, typeID thrift.TMessageType, seqID int32, body func(p *thrift.TBinaryProtocol)) []byte {
	mem := thrift.NewTMemoryBuffer()
	p := thrift.NewTBinaryProtocolTransport(mem)

	must(p.WriteMessageBegin(method, typeID, seqID))
	body(p)
	must(p.WriteMessageEnd())
	must(p.Flush(context.Background()))

	return append([]byte(nil), mem.Bytes()...)
}

func emptyStruct(p *thrift.TBinaryProtocol) {
	must(p.WriteStructBegin("args"))
	must(p.WriteFieldStop())
	must(p.WriteStructEnd())
}

// BinaryCall returns a strict binary Call with an empty argument struct.
func BinaryCall(method string, seqID int32) []byte {
	return messagePayload(method, thrift.CALL, seqID, emptyStruct)
}

// BinaryOneway returns a strict binary Oneway with an empty argument struct.
func BinaryOneway(method string, seqID int32) []byte {
	return messagePayload(method, thrift.ONEWAY, seqID, emptyStruct)
}

// BinaryCallI32Arg returns a strict binary Call whose argument struct has a
// single i32 at the given field ID.
func BinaryCallI32Arg(method string, seqID int32, fieldID int16, value int32) []byte {
	return messagePayload(method, thrift.CALL, seqID, func(p *thrift.TBinaryProtocol) {
		must(p.WriteStructBegin("args"))
		must(p.WriteFieldBegin("value", thrift.I32, fieldID))
		must(p.WriteI32(value))
		must(p.WriteFieldEnd())
		must(p.WriteFieldStop())
		must(p.WriteStructEnd())
	})
}

// BinaryReplySuccess returns a strict binary Reply whose struct sets field 0
// to an i32 result, the shape of a successful call.
func BinaryReplySuccess(method string, seqID int32, result int32) []byte {
	return messagePayload(method, thrift.REPLY, seqID, func(p *thrift.TBinaryProtocol) {
		must(p.WriteStructBegin("result"))
		must(p.WriteFieldBegin("success", thrift.I32, 0))
		must(p.WriteI32(result))
		must(p.WriteFieldEnd())
		must(p.WriteFieldStop())
		must(p.WriteStructEnd())
	})
}

// BinaryReplyIDLException returns a strict binary Reply whose struct sets
// field 1 to an exception struct, the shape of a declared IDL exception.
func BinaryReplyIDLException(method string, seqID int32, message string) []byte {
	return messagePayload(method, thrift.REPLY, seqID, func(p *thrift.TBinaryProtocol) {
		must(p.WriteStructBegin("result"))
		must(p.WriteFieldBegin("notFound", thrift.STRUCT, 1))
		must(p.WriteStructBegin("NotFound"))
		must(p.WriteFieldBegin("message", thrift.STRING, 1))
		must(p.WriteString(message))
		must(p.WriteFieldEnd())
		must(p.WriteFieldStop())
		must(p.WriteStructEnd())
		must(p.WriteFieldEnd())
		must(p.WriteFieldStop())
		must(p.WriteStructEnd())
	})
}

// BinaryException returns a strict binary Exception reply carrying a
// TApplicationException body.
func BinaryException(method string, seqID int32, typeID int32, message string) []byte {
	return messagePayload(method, thrift.EXCEPTION, seqID, func(p *thrift.TBinaryProtocol) {
		must(p.WriteStructBegin("TApplicationException"))
		must(p.WriteFieldBegin("message", thrift.STRING, 1))
		must(p.WriteString(message))
		must(p.WriteFieldEnd())
		must(p.WriteFieldBegin("type", thrift.I32, 2))
		must(p.WriteI32(typeID))
		must(p.WriteFieldEnd())
		must(p.WriteFieldStop())
		must(p.WriteStructEnd())
	})
}

// Framed wraps payload in a framed-transport length prefix.
func Framed(payload []byte) []byte {
	framed := make([]byte, 4, 4+len(payload))
	binary.BigEndian.PutUint32(framed, uint32(len(payload)))
	return append(framed, payload...)
}

// DecodedMessage is the envelope of a message parsed by ParseFramedBinary.
type DecodedMessage struct {
	Method string
	Type   thrift.TMessageType
	SeqID  int32
}

// ParseFramedBinary decodes the envelope of a framed strict-binary message
// with the Apache library, returning the envelope and the bytes of buf that
// follow the frame. It is the test-side check that replies we emit are
// readable by a real Thrift client.
func ParseFramedBinary(buf []byte) (DecodedMessage, []byte, error) {
	if len(buf) < 4 {
		return DecodedMessage{}, nil, fmt.Errorf("short frame header")
	}
	size := int(binary.BigEndian.Uint32(buf))
	if len(buf) < 4+size {
		return DecodedMessage{}, nil, fmt.Errorf("short frame: have %d want %d", len(buf)-4, size)
	}

	mem := thrift.NewTMemoryBuffer()
	if _, err := mem.Write(buf[4 : 4+size]); err != nil {
		return DecodedMessage{}, nil, err
	}
	p := thrift.NewTBinaryProtocolTransport(mem)

	method, typeID, seqID, err := p.ReadMessageBegin()
	if err != nil {
		return DecodedMessage{}, nil, err
	}
	return DecodedMessage{Method: method, Type: typeID, SeqID: seqID}, buf[4+size:], nil
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
