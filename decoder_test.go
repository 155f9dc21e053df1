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
	"context"
	"testing"

	"github.com/uber/thriftrelay-go/testutils"

	"github.com/apache/thrift/lib/go/thrift"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHandler records decoder events for assertions.
type recordingHandler struct {
	PassThroughDecoderEventHandler

	messageBegins []string
	transportEnds int
	fields        []int16
	strings       []string
	i32s          []int32
	i64s          []int64
	mapSizes      []int
	listSizes     []int

	stopOnFieldBegin bool
	stoppedOnce      bool
}

func (h *recordingHandler) MessageBegin(metadata *MessageMetadata) (FilterStatus, error) {
	h.messageBegins = append(h.messageBegins, metadata.MethodName())
	return FilterStatusContinue, nil
}

func (h *recordingHandler) TransportEnd() (FilterStatus, error) {
	h.transportEnds++
	return FilterStatusContinue, nil
}

func (h *recordingHandler) FieldBegin(name string, fieldType FieldType, fieldID int16) (FilterStatus, error) {
	h.fields = append(h.fields, fieldID)
	if h.stopOnFieldBegin && !h.stoppedOnce {
		h.stoppedOnce = true
		return FilterStatusStopIteration, nil
	}
	return FilterStatusContinue, nil
}

func (h *recordingHandler) StringValue(v string) (FilterStatus, error) {
	h.strings = append(h.strings, v)
	return FilterStatusContinue, nil
}

func (h *recordingHandler) Int32Value(v int32) (FilterStatus, error) {
	h.i32s = append(h.i32s, v)
	return FilterStatusContinue, nil
}

func (h *recordingHandler) Int64Value(v int64) (FilterStatus, error) {
	h.i64s = append(h.i64s, v)
	return FilterStatusContinue, nil
}

func (h *recordingHandler) MapBegin(keyType, valueType FieldType, size int) (FilterStatus, error) {
	h.mapSizes = append(h.mapSizes, size)
	return FilterStatusContinue, nil
}

func (h *recordingHandler) ListBegin(elemType FieldType, size int) (FilterStatus, error) {
	h.listSizes = append(h.listSizes, size)
	return FilterStatusContinue, nil
}

func newTestDecoder(h DecoderEventHandler) *Decoder {
	return NewDecoder(NewFramedTransport(), NewBinaryProtocol(), singleHandler{handler: h})
}

// Feeding any chunking of N messages must produce exactly N messageBegin and
// N transportEnd events, in order. One-byte chunks exercise underflow at
// every possible boundary.
func TestDecoderChunkedMessages(t *testing.T) {
	wire := testutils.Framed(testutils.BinaryCallI32Arg("first", 1, 1, 42))
	wire = append(wire, testutils.Framed(testutils.BinaryOneway("second", 2))...)
	wire = append(wire, testutils.Framed(testutils.BinaryReplyIDLException("third", 3, "nope"))...)

	for _, chunkSize := range []int{1, 2, 3, 7, len(wire)} {
		handler := &recordingHandler{}
		decoder := newTestDecoder(handler)

		var buf Buffer
		for start := 0; start < len(wire); start += chunkSize {
			end := start + chunkSize
			if end > len(wire) {
				end = len(wire)
			}
			buf.Append(wire[start:end])

			status, underflow, err := decoder.OnData(&buf)
			require.NoError(t, err, "chunk size %d", chunkSize)
			assert.Equal(t, FilterStatusContinue, status)
			assert.True(t, underflow)
		}

		assert.Equal(t, []string{"first", "second", "third"}, handler.messageBegins,
			"chunk size %d", chunkSize)
		assert.Equal(t, 3, handler.transportEnds, "chunk size %d", chunkSize)
		assert.Equal(t, 0, buf.Len(), "chunk size %d", chunkSize)
		assert.Equal(t, []int32{42}, handler.i32s, "chunk size %d", chunkSize)
	}
}

// Nested containers decode through the frame stack: the payload is built with
// the Apache library so the wire bytes come from an independent encoder.
func TestDecoderNestedContainers(t *testing.T) {
	mem := thrift.NewTMemoryBuffer()
	p := thrift.NewTBinaryProtocolTransport(mem)

	require.NoError(t, p.WriteMessageBegin("nested", thrift.CALL, 9))
	require.NoError(t, p.WriteStructBegin("args"))

	require.NoError(t, p.WriteFieldBegin("labels", thrift.MAP, 1))
	require.NoError(t, p.WriteMapBegin(thrift.STRING, thrift.I32, 2))
	require.NoError(t, p.WriteString("a"))
	require.NoError(t, p.WriteI32(1))
	require.NoError(t, p.WriteString("b"))
	require.NoError(t, p.WriteI32(2))
	require.NoError(t, p.WriteMapEnd())
	require.NoError(t, p.WriteFieldEnd())

	require.NoError(t, p.WriteFieldBegin("ids", thrift.LIST, 2))
	require.NoError(t, p.WriteListBegin(thrift.I64, 3))
	require.NoError(t, p.WriteI64(10))
	require.NoError(t, p.WriteI64(20))
	require.NoError(t, p.WriteI64(30))
	require.NoError(t, p.WriteListEnd())
	require.NoError(t, p.WriteFieldEnd())

	require.NoError(t, p.WriteFieldBegin("inner", thrift.STRUCT, 3))
	require.NoError(t, p.WriteStructBegin("Inner"))
	require.NoError(t, p.WriteFieldBegin("name", thrift.STRING, 1))
	require.NoError(t, p.WriteString("deep"))
	require.NoError(t, p.WriteFieldEnd())
	require.NoError(t, p.WriteFieldStop())
	require.NoError(t, p.WriteStructEnd())
	require.NoError(t, p.WriteFieldEnd())

	require.NoError(t, p.WriteFieldStop())
	require.NoError(t, p.WriteStructEnd())
	require.NoError(t, p.WriteMessageEnd())
	require.NoError(t, p.Flush(context.Background()))

	handler := &recordingHandler{}
	decoder := newTestDecoder(handler)

	buf := NewBufferBytes(testutils.Framed(mem.Bytes()))
	_, underflow, err := decoder.OnData(buf)
	require.NoError(t, err)
	assert.True(t, underflow)

	assert.Equal(t, []string{"nested"}, handler.messageBegins)
	assert.Equal(t, 1, handler.transportEnds)
	assert.Equal(t, []int16{1, 2, 3, 1}, handler.fields)
	assert.Equal(t, []string{"a", "b", "deep"}, handler.strings)
	assert.Equal(t, []int32{1, 2}, handler.i32s)
	assert.Equal(t, []int64{10, 20, 30}, handler.i64s)
	assert.Equal(t, []int{2}, handler.mapSizes)
	assert.Equal(t, []int{3}, handler.listSizes)
	assert.Equal(t, 0, buf.Len())
}

func TestDecoderStopAndResume(t *testing.T) {
	handler := &recordingHandler{stopOnFieldBegin: true}
	decoder := newTestDecoder(handler)

	buf := NewBufferBytes(testutils.Framed(testutils.BinaryCallI32Arg("ping", 4, 1, 7)))

	status, underflow, err := decoder.OnData(buf)
	require.NoError(t, err)
	assert.Equal(t, FilterStatusStopIteration, status)
	assert.False(t, underflow)
	assert.Equal(t, 0, handler.transportEnds)

	status, underflow, err = decoder.OnData(buf)
	require.NoError(t, err)
	assert.Equal(t, FilterStatusContinue, status)
	assert.True(t, underflow)
	assert.Equal(t, 1, handler.transportEnds)
	assert.Equal(t, []int32{7}, handler.i32s)
}

func TestDecoderConcreteTypesAfterDetection(t *testing.T) {
	handler := &recordingHandler{}
	decoder := NewDecoder(NewAutoTransport(), NewAutoProtocol(), singleHandler{handler: handler})

	assert.Equal(t, TransportAuto, decoder.TransportType())
	assert.Equal(t, ProtocolAuto, decoder.ProtocolType())

	buf := NewBufferBytes(testutils.Framed(testutils.BinaryCall("ping", 1)))
	_, _, err := decoder.OnData(buf)
	require.NoError(t, err)

	assert.Equal(t, TransportFramed, decoder.TransportType())
	assert.Equal(t, ProtocolBinary, decoder.ProtocolType())
	assert.Equal(t, 1, handler.transportEnds)
}

func TestDecoderResyncToFrameEnd(t *testing.T) {
	handler := &recordingHandler{}
	decoder := newTestDecoder(handler)

	// Stop mid-message, then abandon it.
	handler.stopOnFieldBegin = true
	buf := NewBufferBytes(testutils.Framed(testutils.BinaryCallI32Arg("bad", 1, 1, 9)))
	status, _, err := decoder.OnData(buf)
	require.NoError(t, err)
	require.Equal(t, FilterStatusStopIteration, status)

	require.True(t, decoder.ResyncToFrameEnd())

	// The rest of the abandoned frame is discarded and the next message
	// decodes cleanly.
	buf.Append(testutils.Framed(testutils.BinaryCall("good", 2)))
	_, underflow, err := decoder.OnData(buf)
	require.NoError(t, err)
	assert.True(t, underflow)
	assert.Equal(t, []string{"bad", "good"}, handler.messageBegins)
	assert.Equal(t, 1, handler.transportEnds)
	assert.Equal(t, 0, buf.Len())
}
