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

// ProtocolConverter is a DecoderEventHandler that re-encodes every event it
// receives through a target protocol into an output buffer. Because events
// are re-encoded rather than copied, the source and target protocols are free
// to differ; when they match the conversion degenerates to a faithful
// re-serialization. The output holds protocol bytes only, never transport
// framing, so any transport can wrap it afterwards.
type ProtocolConverter struct {
	proto Protocol
	out   *Buffer
}

// initProtocolConverter binds the converter to its target protocol and output
// buffer. Types that embed ProtocolConverter call this before use.
func (pc *ProtocolConverter) initProtocolConverter(proto Protocol, out *Buffer) {
	pc.proto = proto
	pc.out = out
}

func (pc *ProtocolConverter) MessageBegin(metadata *MessageMetadata) (FilterStatus, error) {
	pc.proto.WriteMessageBegin(pc.out, metadata.MethodName(), metadata.MessageType(), metadata.SequenceID())
	return FilterStatusContinue, nil
}

func (pc *ProtocolConverter) MessageEnd() (FilterStatus, error) {
	pc.proto.WriteMessageEnd(pc.out)
	return FilterStatusContinue, nil
}

func (pc *ProtocolConverter) TransportEnd() (FilterStatus, error) {
	return FilterStatusContinue, nil
}

func (pc *ProtocolConverter) StructBegin(name string) (FilterStatus, error) {
	pc.proto.WriteStructBegin(pc.out, name)
	return FilterStatusContinue, nil
}

func (pc *ProtocolConverter) StructEnd() (FilterStatus, error) {
	pc.proto.WriteStructEnd(pc.out)
	return FilterStatusContinue, nil
}

func (pc *ProtocolConverter) FieldBegin(name string, fieldType FieldType, fieldID int16) (FilterStatus, error) {
	pc.proto.WriteFieldBegin(pc.out, name, fieldType, fieldID)
	return FilterStatusContinue, nil
}

func (pc *ProtocolConverter) FieldEnd() (FilterStatus, error) {
	pc.proto.WriteFieldEnd(pc.out)
	return FilterStatusContinue, nil
}

func (pc *ProtocolConverter) BoolValue(value bool) (FilterStatus, error) {
	pc.proto.WriteBool(pc.out, value)
	return FilterStatusContinue, nil
}

func (pc *ProtocolConverter) ByteValue(value int8) (FilterStatus, error) {
	pc.proto.WriteByte(pc.out, value)
	return FilterStatusContinue, nil
}

func (pc *ProtocolConverter) Int16Value(value int16) (FilterStatus, error) {
	pc.proto.WriteI16(pc.out, value)
	return FilterStatusContinue, nil
}

func (pc *ProtocolConverter) Int32Value(value int32) (FilterStatus, error) {
	pc.proto.WriteI32(pc.out, value)
	return FilterStatusContinue, nil
}

func (pc *ProtocolConverter) Int64Value(value int64) (FilterStatus, error) {
	pc.proto.WriteI64(pc.out, value)
	return FilterStatusContinue, nil
}

func (pc *ProtocolConverter) DoubleValue(value float64) (FilterStatus, error) {
	pc.proto.WriteDouble(pc.out, value)
	return FilterStatusContinue, nil
}

func (pc *ProtocolConverter) StringValue(value string) (FilterStatus, error) {
	pc.proto.WriteString(pc.out, value)
	return FilterStatusContinue, nil
}

func (pc *ProtocolConverter) MapBegin(keyType, valueType FieldType, size int) (FilterStatus, error) {
	pc.proto.WriteMapBegin(pc.out, keyType, valueType, size)
	return FilterStatusContinue, nil
}

func (pc *ProtocolConverter) MapEnd() (FilterStatus, error) {
	pc.proto.WriteMapEnd(pc.out)
	return FilterStatusContinue, nil
}

func (pc *ProtocolConverter) ListBegin(elemType FieldType, size int) (FilterStatus, error) {
	pc.proto.WriteListBegin(pc.out, elemType, size)
	return FilterStatusContinue, nil
}

func (pc *ProtocolConverter) ListEnd() (FilterStatus, error) {
	pc.proto.WriteListEnd(pc.out)
	return FilterStatusContinue, nil
}

func (pc *ProtocolConverter) SetBegin(elemType FieldType, size int) (FilterStatus, error) {
	pc.proto.WriteSetBegin(pc.out, elemType, size)
	return FilterStatusContinue, nil
}

func (pc *ProtocolConverter) SetEnd() (FilterStatus, error) {
	pc.proto.WriteSetEnd(pc.out)
	return FilterStatusContinue, nil
}
