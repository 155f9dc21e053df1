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

// FilterStatus is the result of delivering data or an event to a filter.
type FilterStatus int

const (
	// FilterStatusContinue lets iteration proceed.
	FilterStatusContinue FilterStatus = iota

	// FilterStatusStopIteration pauses iteration. Decoding resumes only when
	// the filter later calls ContinueDecoding on the same worker.
	FilterStatusStopIteration
)

// DecoderEventHandler is the sink for structured events emitted by a Decoder
// as it walks a Thrift message. Every method may pause decoding by returning
// FilterStatusStopIteration, or fail it by returning an error (an
// *AppException for in-band errors, anything else is fatal for the stream).
type DecoderEventHandler interface {
	MessageBegin(metadata *MessageMetadata) (FilterStatus, error)
	MessageEnd() (FilterStatus, error)
	TransportEnd() (FilterStatus, error)
	StructBegin(name string) (FilterStatus, error)
	StructEnd() (FilterStatus, error)
	FieldBegin(name string, fieldType FieldType, fieldID int16) (FilterStatus, error)
	FieldEnd() (FilterStatus, error)
	BoolValue(value bool) (FilterStatus, error)
	ByteValue(value int8) (FilterStatus, error)
	Int16Value(value int16) (FilterStatus, error)
	Int32Value(value int32) (FilterStatus, error)
	Int64Value(value int64) (FilterStatus, error)
	DoubleValue(value float64) (FilterStatus, error)
	StringValue(value string) (FilterStatus, error)
	MapBegin(keyType, valueType FieldType, size int) (FilterStatus, error)
	MapEnd() (FilterStatus, error)
	ListBegin(elemType FieldType, size int) (FilterStatus, error)
	ListEnd() (FilterStatus, error)
	SetBegin(elemType FieldType, size int) (FilterStatus, error)
	SetEnd() (FilterStatus, error)
}

// PassThroughDecoderEventHandler implements every DecoderEventHandler method
// as a no-op returning FilterStatusContinue. Embed it to implement only the
// events a handler cares about.
type PassThroughDecoderEventHandler struct{}

func (PassThroughDecoderEventHandler) MessageBegin(*MessageMetadata) (FilterStatus, error) {
	return FilterStatusContinue, nil
}
func (PassThroughDecoderEventHandler) MessageEnd() (FilterStatus, error) {
	return FilterStatusContinue, nil
}
func (PassThroughDecoderEventHandler) TransportEnd() (FilterStatus, error) {
	return FilterStatusContinue, nil
}
func (PassThroughDecoderEventHandler) StructBegin(string) (FilterStatus, error) {
	return FilterStatusContinue, nil
}
func (PassThroughDecoderEventHandler) StructEnd() (FilterStatus, error) {
	return FilterStatusContinue, nil
}
func (PassThroughDecoderEventHandler) FieldBegin(string, FieldType, int16) (FilterStatus, error) {
	return FilterStatusContinue, nil
}
func (PassThroughDecoderEventHandler) FieldEnd() (FilterStatus, error) {
	return FilterStatusContinue, nil
}
func (PassThroughDecoderEventHandler) BoolValue(bool) (FilterStatus, error) {
	return FilterStatusContinue, nil
}
func (PassThroughDecoderEventHandler) ByteValue(int8) (FilterStatus, error) {
	return FilterStatusContinue, nil
}
func (PassThroughDecoderEventHandler) Int16Value(int16) (FilterStatus, error) {
	return FilterStatusContinue, nil
}
func (PassThroughDecoderEventHandler) Int32Value(int32) (FilterStatus, error) {
	return FilterStatusContinue, nil
}
func (PassThroughDecoderEventHandler) Int64Value(int64) (FilterStatus, error) {
	return FilterStatusContinue, nil
}
func (PassThroughDecoderEventHandler) DoubleValue(float64) (FilterStatus, error) {
	return FilterStatusContinue, nil
}
func (PassThroughDecoderEventHandler) StringValue(string) (FilterStatus, error) {
	return FilterStatusContinue, nil
}
func (PassThroughDecoderEventHandler) MapBegin(FieldType, FieldType, int) (FilterStatus, error) {
	return FilterStatusContinue, nil
}
func (PassThroughDecoderEventHandler) MapEnd() (FilterStatus, error) {
	return FilterStatusContinue, nil
}
func (PassThroughDecoderEventHandler) ListBegin(FieldType, int) (FilterStatus, error) {
	return FilterStatusContinue, nil
}
func (PassThroughDecoderEventHandler) ListEnd() (FilterStatus, error) {
	return FilterStatusContinue, nil
}
func (PassThroughDecoderEventHandler) SetBegin(FieldType, int) (FilterStatus, error) {
	return FilterStatusContinue, nil
}
func (PassThroughDecoderEventHandler) SetEnd() (FilterStatus, error) {
	return FilterStatusContinue, nil
}

// DecoderCallbacks is how a Decoder obtains the event handler for each new
// message. The returned handler receives every event through the matching
// TransportEnd.
type DecoderCallbacks interface {
	NewDecoderEventHandler() DecoderEventHandler
}

// singleHandler adapts a fixed DecoderEventHandler into DecoderCallbacks, for
// decoders whose every message flows into the same sink.
type singleHandler struct {
	handler DecoderEventHandler
}

func (s singleHandler) NewDecoderEventHandler() DecoderEventHandler { return s.handler }

type decoderState int

const (
	stateFrameBegin decoderState = iota
	stateMessageBegin
	stateInMessage
	stateMessageEnd
	stateFrameEnd
)

type frameKind int

const (
	frameStruct frameKind = iota
	frameMap
	frameList
	frameSet
	framePrimitive

	// framePendingFieldEnd marks a completed field value whose FieldEnd event
	// has not fired yet; it gets its own step so StopIteration on the value
	// event resumes before, not after, the FieldEnd.
	framePendingFieldEnd
)

// decoderFrame tracks one level of struct/container nesting so decoding can
// suspend and resume at any byte boundary.
type decoderFrame struct {
	kind      frameKind
	needBegin bool

	// fromField marks a frame pushed as a struct field's value; its pop emits
	// the matching FieldEnd.
	fromField bool

	// Container bookkeeping. For maps, remaining counts keys and values
	// individually and nextIsKey alternates.
	keyType   FieldType
	valueType FieldType
	elemType  FieldType
	remaining int
	nextIsKey bool
}

// Decoder is a streaming Thrift decoder. Bytes are appended to a Buffer by
// the caller; OnData walks as many complete decode steps as the buffer allows,
// emitting events to the handler supplied by callbacks. When the buffer runs
// out mid-unit the decoder reports underflow and resumes exactly where it
// stopped on the next call.
type Decoder struct {
	transport Transport
	protocol  Protocol
	callbacks DecoderCallbacks

	state    decoderState
	stack    []*decoderFrame
	metadata *MessageMetadata
	handler  DecoderEventHandler

	// frameRemaining counts undecoded payload bytes of the current framed
	// message; skipBytes carries a resync discard across underflows.
	frameRemaining int
	skipBytes      int
}

// NewDecoder returns a Decoder reading with the given transport and protocol.
func NewDecoder(transport Transport, protocol Protocol, callbacks DecoderCallbacks) *Decoder {
	return &Decoder{
		transport: transport,
		protocol:  protocol,
		callbacks: callbacks,
		state:     stateFrameBegin,
	}
}

// TransportType returns the concrete transport type observed on the wire,
// after any auto-detection.
func (d *Decoder) TransportType() TransportType { return d.transport.Type() }

// ProtocolType returns the concrete protocol type observed on the wire, after
// any auto-detection.
func (d *Decoder) ProtocolType() ProtocolType { return d.protocol.Type() }

// OnData decodes from buf until it underflows, a handler pauses iteration, or
// decoding fails. It returns the handler's status and whether the decoder is
// waiting for more bytes.
func (d *Decoder) OnData(buf *Buffer) (FilterStatus, bool, error) {
	for {
		if d.skipBytes > 0 {
			n := d.skipBytes
			if buf.Len() < n {
				n = buf.Len()
			}
			buf.Drain(n)
			d.skipBytes -= n
			if d.skipBytes > 0 {
				return FilterStatusContinue, true, nil
			}
		}

		// Track payload consumption for resync. The frame header itself is not
		// payload, so the frame-begin step is excluded.
		before := buf.Len()
		wasFrameBegin := d.state == stateFrameBegin
		status, underflow, err := d.step(buf)
		if !wasFrameBegin {
			d.frameRemaining -= before - buf.Len()
		}
		if err != nil {
			return FilterStatusContinue, false, err
		}
		if underflow {
			return FilterStatusContinue, true, nil
		}
		if status == FilterStatusStopIteration {
			return FilterStatusStopIteration, false, nil
		}
	}
}

// ResyncToFrameEnd abandons the message being decoded and arranges for the
// remainder of its frame to be discarded, leaving the decoder ready for the
// next frame. It reports whether resynchronization is possible: an unframed
// stream has no frame boundary to recover to.
func (d *Decoder) ResyncToFrameEnd() bool {
	if d.state == stateFrameBegin {
		return true
	}
	if d.metadata == nil || !d.metadata.HasFrameSize() {
		return false
	}

	d.skipBytes += d.frameRemaining
	d.resetFrame()
	return true
}

func (d *Decoder) resetFrame() {
	d.state = stateFrameBegin
	d.stack = nil
	d.metadata = nil
	d.handler = nil
	d.frameRemaining = 0
}

// step performs one atomic decode unit: a single protocol read plus the event
// it produces. State is advanced before the event fires so a
// FilterStatusStopIteration resumes after, not on, the event.
func (d *Decoder) step(buf *Buffer) (FilterStatus, bool, error) {
	switch d.state {
	case stateFrameBegin:
		if buf.Len() == 0 {
			return FilterStatusContinue, true, nil
		}
		metadata := NewMessageMetadata()
		ok, err := d.transport.DecodeFrameStart(buf, metadata)
		if !ok || err != nil {
			return FilterStatusContinue, !ok, err
		}
		d.metadata = metadata
		if metadata.HasFrameSize() {
			d.frameRemaining = int(metadata.FrameSize())
		}
		d.state = stateMessageBegin
		return FilterStatusContinue, false, nil

	case stateMessageBegin:
		ok, err := d.protocol.ReadMessageBegin(buf, d.metadata)
		if !ok || err != nil {
			return FilterStatusContinue, !ok, err
		}
		d.handler = d.callbacks.NewDecoderEventHandler()
		d.state = stateInMessage
		d.stack = append(d.stack, &decoderFrame{kind: frameStruct, needBegin: true})
		status, err := d.handler.MessageBegin(d.metadata)
		return status, false, err

	case stateInMessage:
		if len(d.stack) == 0 {
			d.state = stateMessageEnd
			return FilterStatusContinue, false, nil
		}
		return d.stepFrame(buf)

	case stateMessageEnd:
		ok, err := d.protocol.ReadMessageEnd(buf)
		if !ok || err != nil {
			return FilterStatusContinue, !ok, err
		}
		d.state = stateFrameEnd
		status, err := d.handler.MessageEnd()
		return status, false, err

	case stateFrameEnd:
		ok, err := d.transport.DecodeFrameEnd(buf)
		if !ok || err != nil {
			return FilterStatusContinue, !ok, err
		}
		handler := d.handler
		d.resetFrame()
		status, err := handler.TransportEnd()
		return status, false, err
	}

	panic("unreachable thrift decoder state")
}

func (d *Decoder) stepFrame(buf *Buffer) (FilterStatus, bool, error) {
	top := d.stack[len(d.stack)-1]

	switch top.kind {
	case framePendingFieldEnd:
		d.stack = d.stack[:len(d.stack)-1]
		status, err := d.handler.FieldEnd()
		return status, false, err

	case framePrimitive:
		return d.stepValue(buf, top)

	case frameStruct:
		if top.needBegin {
			name, ok, err := d.protocol.ReadStructBegin(buf)
			if !ok || err != nil {
				return FilterStatusContinue, !ok, err
			}
			top.needBegin = false
			status, err := d.handler.StructBegin(name)
			return status, false, err
		}

		name, fieldType, fieldID, ok, err := d.protocol.ReadFieldBegin(buf)
		if !ok || err != nil {
			return FilterStatusContinue, !ok, err
		}
		if fieldType == FieldTypeStop {
			if _, err := d.protocol.ReadStructEnd(buf); err != nil {
				return FilterStatusContinue, false, err
			}
			return d.popFrame()
		}
		d.pushValue(fieldType, true /* fromField */)
		status, err := d.handler.FieldBegin(name, fieldType, fieldID)
		return status, false, err

	case frameMap:
		if top.needBegin {
			keyType, valueType, size, ok, err := d.protocol.ReadMapBegin(buf)
			if !ok || err != nil {
				return FilterStatusContinue, !ok, err
			}
			top.needBegin = false
			top.keyType = keyType
			top.valueType = valueType
			top.remaining = size * 2
			top.nextIsKey = true
			status, err := d.handler.MapBegin(keyType, valueType, size)
			return status, false, err
		}
		if top.remaining == 0 {
			if _, err := d.protocol.ReadMapEnd(buf); err != nil {
				return FilterStatusContinue, false, err
			}
			return d.popFrame()
		}
		elemType := top.valueType
		if top.nextIsKey {
			elemType = top.keyType
		}
		top.nextIsKey = !top.nextIsKey
		top.remaining--
		d.pushValue(elemType, false)
		return FilterStatusContinue, false, nil

	case frameList, frameSet:
		if top.needBegin {
			elemType, size, ok, err := d.readContainerBegin(buf, top.kind)
			if !ok || err != nil {
				return FilterStatusContinue, !ok, err
			}
			top.needBegin = false
			top.elemType = elemType
			top.remaining = size
			status, err := d.fireContainerBegin(top.kind, elemType, size)
			return status, false, err
		}
		if top.remaining == 0 {
			if _, err := d.readContainerEnd(buf, top.kind); err != nil {
				return FilterStatusContinue, false, err
			}
			return d.popFrame()
		}
		top.remaining--
		d.pushValue(top.elemType, false)
		return FilterStatusContinue, false, nil
	}

	panic("unreachable thrift decoder frame kind")
}

func (d *Decoder) readContainerBegin(buf *Buffer, kind frameKind) (FieldType, int, bool, error) {
	if kind == frameSet {
		return d.protocol.ReadSetBegin(buf)
	}
	return d.protocol.ReadListBegin(buf)
}

func (d *Decoder) readContainerEnd(buf *Buffer, kind frameKind) (bool, error) {
	if kind == frameSet {
		return d.protocol.ReadSetEnd(buf)
	}
	return d.protocol.ReadListEnd(buf)
}

func (d *Decoder) fireContainerBegin(kind frameKind, elemType FieldType, size int) (FilterStatus, error) {
	if kind == frameSet {
		return d.handler.SetBegin(elemType, size)
	}
	return d.handler.ListBegin(elemType, size)
}

func (d *Decoder) fireContainerEnd(kind frameKind) (FilterStatus, error) {
	switch kind {
	case frameStruct:
		return d.handler.StructEnd()
	case frameMap:
		return d.handler.MapEnd()
	case frameSet:
		return d.handler.SetEnd()
	default:
		return d.handler.ListEnd()
	}
}

// pushValue arranges decoding of one value of the given type: container types
// push a nested frame, primitives push a value frame consumed by stepValue.
func (d *Decoder) pushValue(t FieldType, fromField bool) {
	switch t {
	case FieldTypeStruct:
		d.stack = append(d.stack, &decoderFrame{kind: frameStruct, needBegin: true, fromField: fromField})
	case FieldTypeMap:
		d.stack = append(d.stack, &decoderFrame{kind: frameMap, needBegin: true, fromField: fromField})
	case FieldTypeList:
		d.stack = append(d.stack, &decoderFrame{kind: frameList, needBegin: true, fromField: fromField})
	case FieldTypeSet:
		d.stack = append(d.stack, &decoderFrame{kind: frameSet, needBegin: true, fromField: fromField})
	default:
		d.stack = append(d.stack, &decoderFrame{kind: framePrimitive, elemType: t, fromField: fromField})
	}
}

// popFrame fires the completed frame's end event. A frame that was a struct
// field's value is replaced with a FieldEnd marker so the FieldEnd event gets
// its own resumable step.
func (d *Decoder) popFrame() (FilterStatus, bool, error) {
	top := d.stack[len(d.stack)-1]
	if top.fromField {
		d.stack[len(d.stack)-1] = &decoderFrame{kind: framePendingFieldEnd}
	} else {
		d.stack = d.stack[:len(d.stack)-1]
	}

	status, err := d.fireContainerEnd(top.kind)
	return status, false, err
}

func (d *Decoder) stepValue(buf *Buffer, top *decoderFrame) (FilterStatus, bool, error) {
	var (
		fire func() (FilterStatus, error)
		ok   bool
		err  error
	)

	switch top.elemType {
	case FieldTypeBool:
		var v bool
		if v, ok, err = d.protocol.ReadBool(buf); ok && err == nil {
			fire = func() (FilterStatus, error) { return d.handler.BoolValue(v) }
		}
	case FieldTypeByte:
		var v int8
		if v, ok, err = d.protocol.ReadByte(buf); ok && err == nil {
			fire = func() (FilterStatus, error) { return d.handler.ByteValue(v) }
		}
	case FieldTypeI16:
		var v int16
		if v, ok, err = d.protocol.ReadI16(buf); ok && err == nil {
			fire = func() (FilterStatus, error) { return d.handler.Int16Value(v) }
		}
	case FieldTypeI32:
		var v int32
		if v, ok, err = d.protocol.ReadI32(buf); ok && err == nil {
			fire = func() (FilterStatus, error) { return d.handler.Int32Value(v) }
		}
	case FieldTypeI64:
		var v int64
		if v, ok, err = d.protocol.ReadI64(buf); ok && err == nil {
			fire = func() (FilterStatus, error) { return d.handler.Int64Value(v) }
		}
	case FieldTypeDouble:
		var v float64
		if v, ok, err = d.protocol.ReadDouble(buf); ok && err == nil {
			fire = func() (FilterStatus, error) { return d.handler.DoubleValue(v) }
		}
	case FieldTypeString:
		var v string
		if v, ok, err = d.protocol.ReadString(buf); ok && err == nil {
			fire = func() (FilterStatus, error) { return d.handler.StringValue(v) }
		}
	default:
		return FilterStatusContinue, false, decodeErrorf("cannot decode thrift value of type %d", top.elemType)
	}

	if !ok || err != nil {
		return FilterStatusContinue, !ok, err
	}

	if top.fromField {
		d.stack[len(d.stack)-1] = &decoderFrame{kind: framePendingFieldEnd}
	} else {
		d.stack = d.stack[:len(d.stack)-1]
	}

	status, err := fire()
	return status, false, err
}
