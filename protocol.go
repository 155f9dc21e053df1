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
	"fmt"
	"math"

	"github.com/uber/thriftrelay-go/typed"
)

// ProtocolType identifies a Thrift encoding layer.
type ProtocolType int8

// Supported protocols. ProtocolAuto resolves to a concrete type once the
// first message has been seen. ProtocolCompact is recognized during detection
// but not decoded.
const (
	ProtocolAuto ProtocolType = iota
	ProtocolBinary
	ProtocolUpgradeableBinary
	ProtocolCompact
)

func (p ProtocolType) String() string {
	switch p {
	case ProtocolAuto:
		return "auto"
	case ProtocolBinary:
		return "binary"
	case ProtocolUpgradeableBinary:
		return "binary-upgrade"
	case ProtocolCompact:
		return "compact"
	default:
		return fmt.Sprintf("unknown(%d)", int8(p))
	}
}

const (
	binaryVersionMask = uint32(0xffff0000)
	binaryVersion1    = uint32(0x80010000)
)

// Protocol is the Thrift encoding layer: it reads and writes the message
// envelope, struct fields, and values inside a transport frame. Read methods
// take the whole remaining buffer, return ok=false on underflow without
// consuming anything, and consume exactly the value's encoding on success.
type Protocol interface {
	// Name returns the registry name of this protocol.
	Name() string

	// Type returns the protocol type. For an auto-detect protocol this is
	// ProtocolAuto until the first message resolves it.
	Type() ProtocolType

	ReadMessageBegin(buf *Buffer, metadata *MessageMetadata) (bool, error)
	ReadMessageEnd(buf *Buffer) (bool, error)
	ReadStructBegin(buf *Buffer) (name string, ok bool, err error)
	ReadStructEnd(buf *Buffer) (bool, error)
	ReadFieldBegin(buf *Buffer) (name string, fieldType FieldType, fieldID int16, ok bool, err error)
	ReadFieldEnd(buf *Buffer) (bool, error)
	ReadBool(buf *Buffer) (value bool, ok bool, err error)
	ReadByte(buf *Buffer) (value int8, ok bool, err error)
	ReadI16(buf *Buffer) (value int16, ok bool, err error)
	ReadI32(buf *Buffer) (value int32, ok bool, err error)
	ReadI64(buf *Buffer) (value int64, ok bool, err error)
	ReadDouble(buf *Buffer) (value float64, ok bool, err error)
	ReadString(buf *Buffer) (value string, ok bool, err error)
	ReadMapBegin(buf *Buffer) (keyType, valueType FieldType, size int, ok bool, err error)
	ReadMapEnd(buf *Buffer) (bool, error)
	ReadListBegin(buf *Buffer) (elemType FieldType, size int, ok bool, err error)
	ReadListEnd(buf *Buffer) (bool, error)
	ReadSetBegin(buf *Buffer) (elemType FieldType, size int, ok bool, err error)
	ReadSetEnd(buf *Buffer) (bool, error)

	WriteMessageBegin(out *Buffer, name string, messageType MessageType, seqID int32)
	WriteMessageEnd(out *Buffer)
	WriteStructBegin(out *Buffer, name string)
	WriteStructEnd(out *Buffer)
	WriteFieldBegin(out *Buffer, name string, fieldType FieldType, fieldID int16)
	WriteFieldEnd(out *Buffer)
	WriteBool(out *Buffer, value bool)
	WriteByte(out *Buffer, value int8)
	WriteI16(out *Buffer, value int16)
	WriteI32(out *Buffer, value int32)
	WriteI64(out *Buffer, value int64)
	WriteDouble(out *Buffer, value float64)
	WriteString(out *Buffer, value string)
	WriteMapBegin(out *Buffer, keyType, valueType FieldType, size int)
	WriteMapEnd(out *Buffer)
	WriteListBegin(out *Buffer, elemType FieldType, size int)
	WriteListEnd(out *Buffer)
	WriteSetBegin(out *Buffer, elemType FieldType, size int)
	WriteSetEnd(out *Buffer)

	// SupportsUpgrade reports whether this protocol has an in-band upgrade
	// handshake.
	SupportsUpgrade() bool

	// UpgradeRequestDecoder returns the event sink that consumes the upgrade
	// request's body. Only valid when SupportsUpgrade is true.
	UpgradeRequestDecoder() DecoderEventHandler

	// UpgradeResponse applies the upgrade negotiated by the given request
	// decoder and returns the reply to send downstream. Only valid when
	// SupportsUpgrade is true.
	UpgradeResponse(decoder DecoderEventHandler) DirectResponse
}

// ProtocolFromName returns the protocol registered under name.
func ProtocolFromName(name string) (Protocol, error) {
	switch name {
	case "binary":
		return NewBinaryProtocol(), nil
	case "binary-upgrade":
		return NewUpgradeableBinaryProtocol(), nil
	case "auto", "":
		return NewAutoProtocol(), nil
	default:
		return nil, fmt.Errorf("unknown protocol %q", name)
	}
}

type binaryProtocol struct{}

// NewBinaryProtocol returns the strict binary protocol. Reads also tolerate
// the pre-strict encoding, matching the lenient read path of the Apache
// libraries.
func NewBinaryProtocol() Protocol {
	return &binaryProtocol{}
}

func (p *binaryProtocol) Name() string       { return "binary" }
func (p *binaryProtocol) Type() ProtocolType { return ProtocolBinary }

func (p *binaryProtocol) ReadMessageBegin(buf *Buffer, metadata *MessageMetadata) (bool, error) {
	rb := typed.NewReadBuffer(buf.Bytes())

	first := rb.ReadUint32()
	if rb.Err() != nil {
		return false, nil
	}

	var (
		name    string
		msgType MessageType
		seqID   int32
	)
	if first&0x80000000 != 0 {
		if version := first & binaryVersionMask; version != binaryVersion1 {
			return false, decodeErrorf("invalid thrift binary protocol version 0x%04x", version>>16)
		}
		msgType = MessageType(first & 0xff)
		if msgType < MessageTypeCall || msgType > MessageTypeOneway {
			return false, NewAppException(AppExceptionInvalidMessageType,
				"invalid thrift binary protocol message type %d", msgType)
		}

		nameLen := int32(rb.ReadUint32())
		if rb.Err() == nil && (nameLen < 0 || nameLen > MaxFrameSize) {
			return false, decodeErrorf("invalid thrift binary protocol name length %d", nameLen)
		}
		name = rb.ReadString(int(nameLen))
		seqID = int32(rb.ReadUint32())
	} else {
		// Pre-strict encoding: name length leads, then name, type, sequence.
		nameLen := int32(first)
		if nameLen > MaxFrameSize {
			return false, decodeErrorf("invalid thrift binary protocol name length %d", nameLen)
		}
		name = rb.ReadString(int(nameLen))
		msgType = MessageType(rb.ReadSingleByte())
		seqID = int32(rb.ReadUint32())
	}

	if rb.Err() != nil {
		return false, nil
	}

	buf.Drain(rb.BytesRead())
	metadata.SetMethodName(name)
	metadata.SetMessageType(msgType)
	metadata.SetSequenceID(seqID)
	return true, nil
}

func (p *binaryProtocol) ReadMessageEnd(buf *Buffer) (bool, error) {
	return true, nil
}

func (p *binaryProtocol) ReadStructBegin(buf *Buffer) (string, bool, error) {
	return "", true, nil
}

func (p *binaryProtocol) ReadStructEnd(buf *Buffer) (bool, error) {
	return true, nil
}

func (p *binaryProtocol) ReadFieldBegin(buf *Buffer) (string, FieldType, int16, bool, error) {
	rb := typed.NewReadBuffer(buf.Bytes())

	ft := FieldType(rb.ReadSingleByte())
	if rb.Err() != nil {
		return "", 0, 0, false, nil
	}
	if !ft.valid() {
		return "", 0, 0, false, decodeErrorf("unknown thrift field type %d", ft)
	}
	if ft == FieldTypeStop {
		buf.Drain(rb.BytesRead())
		return "", FieldTypeStop, 0, true, nil
	}

	id := int16(rb.ReadUint16())
	if rb.Err() != nil {
		return "", 0, 0, false, nil
	}

	buf.Drain(rb.BytesRead())
	return "", ft, id, true, nil
}

func (p *binaryProtocol) ReadFieldEnd(buf *Buffer) (bool, error) {
	return true, nil
}

func (p *binaryProtocol) ReadBool(buf *Buffer) (bool, bool, error) {
	v, ok, err := p.ReadByte(buf)
	return v != 0, ok, err
}

func (p *binaryProtocol) ReadByte(buf *Buffer) (int8, bool, error) {
	if buf.Len() < 1 {
		return 0, false, nil
	}
	v := int8(buf.Bytes()[0])
	buf.Drain(1)
	return v, true, nil
}

func (p *binaryProtocol) ReadI16(buf *Buffer) (int16, bool, error) {
	rb := typed.NewReadBuffer(buf.Bytes())
	v := int16(rb.ReadUint16())
	if rb.Err() != nil {
		return 0, false, nil
	}
	buf.Drain(rb.BytesRead())
	return v, true, nil
}

func (p *binaryProtocol) ReadI32(buf *Buffer) (int32, bool, error) {
	rb := typed.NewReadBuffer(buf.Bytes())
	v := int32(rb.ReadUint32())
	if rb.Err() != nil {
		return 0, false, nil
	}
	buf.Drain(rb.BytesRead())
	return v, true, nil
}

func (p *binaryProtocol) ReadI64(buf *Buffer) (int64, bool, error) {
	rb := typed.NewReadBuffer(buf.Bytes())
	v := int64(rb.ReadUint64())
	if rb.Err() != nil {
		return 0, false, nil
	}
	buf.Drain(rb.BytesRead())
	return v, true, nil
}

func (p *binaryProtocol) ReadDouble(buf *Buffer) (float64, bool, error) {
	rb := typed.NewReadBuffer(buf.Bytes())
	bits := rb.ReadUint64()
	if rb.Err() != nil {
		return 0, false, nil
	}
	buf.Drain(rb.BytesRead())
	return math.Float64frombits(bits), true, nil
}

func (p *binaryProtocol) ReadString(buf *Buffer) (string, bool, error) {
	rb := typed.NewReadBuffer(buf.Bytes())

	strLen := int32(rb.ReadUint32())
	if rb.Err() != nil {
		return "", false, nil
	}
	if strLen < 0 || strLen > MaxFrameSize {
		return "", false, decodeErrorf("invalid thrift binary protocol string length %d", strLen)
	}

	v := rb.ReadString(int(strLen))
	if rb.Err() != nil {
		return "", false, nil
	}

	buf.Drain(rb.BytesRead())
	return v, true, nil
}

func (p *binaryProtocol) ReadMapBegin(buf *Buffer) (FieldType, FieldType, int, bool, error) {
	rb := typed.NewReadBuffer(buf.Bytes())

	keyType := FieldType(rb.ReadSingleByte())
	valueType := FieldType(rb.ReadSingleByte())
	size := int32(rb.ReadUint32())
	if rb.Err() != nil {
		return 0, 0, 0, false, nil
	}
	if size < 0 {
		return 0, 0, 0, false, decodeErrorf("negative thrift binary protocol map size %d", size)
	}
	if !keyType.valid() || keyType == FieldTypeStop || !valueType.valid() || valueType == FieldTypeStop {
		return 0, 0, 0, false, decodeErrorf("invalid thrift binary protocol map types %d/%d", keyType, valueType)
	}

	buf.Drain(rb.BytesRead())
	return keyType, valueType, int(size), true, nil
}

func (p *binaryProtocol) ReadMapEnd(buf *Buffer) (bool, error) {
	return true, nil
}

func (p *binaryProtocol) ReadListBegin(buf *Buffer) (FieldType, int, bool, error) {
	rb := typed.NewReadBuffer(buf.Bytes())

	elemType := FieldType(rb.ReadSingleByte())
	size := int32(rb.ReadUint32())
	if rb.Err() != nil {
		return 0, 0, false, nil
	}
	if size < 0 {
		return 0, 0, false, decodeErrorf("negative thrift binary protocol list size %d", size)
	}
	if !elemType.valid() || elemType == FieldTypeStop {
		return 0, 0, false, decodeErrorf("invalid thrift binary protocol list type %d", elemType)
	}

	buf.Drain(rb.BytesRead())
	return elemType, int(size), true, nil
}

func (p *binaryProtocol) ReadListEnd(buf *Buffer) (bool, error) {
	return true, nil
}

func (p *binaryProtocol) ReadSetBegin(buf *Buffer) (FieldType, int, bool, error) {
	return p.ReadListBegin(buf)
}

func (p *binaryProtocol) ReadSetEnd(buf *Buffer) (bool, error) {
	return true, nil
}

func (p *binaryProtocol) WriteMessageBegin(out *Buffer, name string, messageType MessageType, seqID int32) {
	wb := typed.NewWriteBuffer(12 + len(name))
	wb.WriteUint32(binaryVersion1 | uint32(uint8(messageType)))
	wb.WriteLen32String(name)
	wb.WriteUint32(uint32(seqID))
	out.Append(wb.Bytes())
}

func (p *binaryProtocol) WriteMessageEnd(out *Buffer) {}

func (p *binaryProtocol) WriteStructBegin(out *Buffer, name string) {}

// WriteStructEnd emits the field stop marker that terminates the struct.
func (p *binaryProtocol) WriteStructEnd(out *Buffer) {
	out.Append([]byte{byte(FieldTypeStop)})
}

func (p *binaryProtocol) WriteFieldBegin(out *Buffer, name string, fieldType FieldType, fieldID int16) {
	wb := typed.NewWriteBuffer(3)
	wb.WriteSingleByte(byte(fieldType))
	wb.WriteUint16(uint16(fieldID))
	out.Append(wb.Bytes())
}

func (p *binaryProtocol) WriteFieldEnd(out *Buffer) {}

func (p *binaryProtocol) WriteBool(out *Buffer, value bool) {
	if value {
		p.WriteByte(out, 1)
	} else {
		p.WriteByte(out, 0)
	}
}

func (p *binaryProtocol) WriteByte(out *Buffer, value int8) {
	out.Append([]byte{byte(value)})
}

func (p *binaryProtocol) WriteI16(out *Buffer, value int16) {
	wb := typed.NewWriteBuffer(2)
	wb.WriteUint16(uint16(value))
	out.Append(wb.Bytes())
}

func (p *binaryProtocol) WriteI32(out *Buffer, value int32) {
	wb := typed.NewWriteBuffer(4)
	wb.WriteUint32(uint32(value))
	out.Append(wb.Bytes())
}

func (p *binaryProtocol) WriteI64(out *Buffer, value int64) {
	wb := typed.NewWriteBuffer(8)
	wb.WriteUint64(uint64(value))
	out.Append(wb.Bytes())
}

func (p *binaryProtocol) WriteDouble(out *Buffer, value float64) {
	wb := typed.NewWriteBuffer(8)
	wb.WriteUint64(math.Float64bits(value))
	out.Append(wb.Bytes())
}

func (p *binaryProtocol) WriteString(out *Buffer, value string) {
	wb := typed.NewWriteBuffer(4 + len(value))
	wb.WriteLen32String(value)
	out.Append(wb.Bytes())
}

func (p *binaryProtocol) WriteMapBegin(out *Buffer, keyType, valueType FieldType, size int) {
	wb := typed.NewWriteBuffer(6)
	wb.WriteSingleByte(byte(keyType))
	wb.WriteSingleByte(byte(valueType))
	wb.WriteUint32(uint32(size))
	out.Append(wb.Bytes())
}

func (p *binaryProtocol) WriteMapEnd(out *Buffer) {}

func (p *binaryProtocol) WriteListBegin(out *Buffer, elemType FieldType, size int) {
	wb := typed.NewWriteBuffer(5)
	wb.WriteSingleByte(byte(elemType))
	wb.WriteUint32(uint32(size))
	out.Append(wb.Bytes())
}

func (p *binaryProtocol) WriteListEnd(out *Buffer) {}

func (p *binaryProtocol) WriteSetBegin(out *Buffer, elemType FieldType, size int) {
	p.WriteListBegin(out, elemType, size)
}

func (p *binaryProtocol) WriteSetEnd(out *Buffer) {}

func (p *binaryProtocol) SupportsUpgrade() bool { return false }

func (p *binaryProtocol) UpgradeRequestDecoder() DecoderEventHandler { return nil }

func (p *binaryProtocol) UpgradeResponse(DecoderEventHandler) DirectResponse { return nil }

type autoProtocol struct {
	delegate Protocol
}

// NewAutoProtocol returns a protocol that sniffs the first message's leading
// bytes to pick a concrete protocol, then delegates to it for the rest of the
// connection.
func NewAutoProtocol() Protocol {
	return &autoProtocol{}
}

func (p *autoProtocol) Name() string { return "auto" }

func (p *autoProtocol) Type() ProtocolType {
	if p.delegate != nil {
		return p.delegate.Type()
	}
	return ProtocolAuto
}

func (p *autoProtocol) ReadMessageBegin(buf *Buffer, metadata *MessageMetadata) (bool, error) {
	if p.delegate == nil {
		if buf.Len() < 2 {
			return false, nil
		}

		b := buf.Bytes()
		switch {
		case b[0] == 0x80 && b[1] == 0x01:
			p.delegate = NewBinaryProtocol()
		case b[0] == 0x82:
			// Compact is recognized but not decoded; report it in-band so the
			// connection survives.
			return false, NewAppException(AppExceptionInvalidProtocol,
				"compact protocol is not supported")
		default:
			return false, decodeErrorf("unable to detect thrift protocol from message start %x", b[:2])
		}
	}

	return p.delegate.ReadMessageBegin(buf, metadata)
}

// reader returns the delegate for decode paths, which are only reached after
// ReadMessageBegin resolved detection.
func (p *autoProtocol) reader() Protocol {
	return p.delegate
}

// writer returns the protocol used for locally-originated writes. Before the
// first downstream message resolves detection, local replies are encoded as
// strict binary.
func (p *autoProtocol) writer() Protocol {
	if p.delegate != nil {
		return p.delegate
	}
	return NewBinaryProtocol()
}

func (p *autoProtocol) ReadMessageEnd(buf *Buffer) (bool, error) { return p.reader().ReadMessageEnd(buf) }
func (p *autoProtocol) ReadStructBegin(buf *Buffer) (string, bool, error) {
	return p.reader().ReadStructBegin(buf)
}
func (p *autoProtocol) ReadStructEnd(buf *Buffer) (bool, error) { return p.reader().ReadStructEnd(buf) }
func (p *autoProtocol) ReadFieldBegin(buf *Buffer) (string, FieldType, int16, bool, error) {
	return p.reader().ReadFieldBegin(buf)
}
func (p *autoProtocol) ReadFieldEnd(buf *Buffer) (bool, error) { return p.reader().ReadFieldEnd(buf) }
func (p *autoProtocol) ReadBool(buf *Buffer) (bool, bool, error) { return p.reader().ReadBool(buf) }
func (p *autoProtocol) ReadByte(buf *Buffer) (int8, bool, error) { return p.reader().ReadByte(buf) }
func (p *autoProtocol) ReadI16(buf *Buffer) (int16, bool, error) { return p.reader().ReadI16(buf) }
func (p *autoProtocol) ReadI32(buf *Buffer) (int32, bool, error) { return p.reader().ReadI32(buf) }
func (p *autoProtocol) ReadI64(buf *Buffer) (int64, bool, error) { return p.reader().ReadI64(buf) }
func (p *autoProtocol) ReadDouble(buf *Buffer) (float64, bool, error) {
	return p.reader().ReadDouble(buf)
}
func (p *autoProtocol) ReadString(buf *Buffer) (string, bool, error) {
	return p.reader().ReadString(buf)
}
func (p *autoProtocol) ReadMapBegin(buf *Buffer) (FieldType, FieldType, int, bool, error) {
	return p.reader().ReadMapBegin(buf)
}
func (p *autoProtocol) ReadMapEnd(buf *Buffer) (bool, error) { return p.reader().ReadMapEnd(buf) }
func (p *autoProtocol) ReadListBegin(buf *Buffer) (FieldType, int, bool, error) {
	return p.reader().ReadListBegin(buf)
}
func (p *autoProtocol) ReadListEnd(buf *Buffer) (bool, error) { return p.reader().ReadListEnd(buf) }
func (p *autoProtocol) ReadSetBegin(buf *Buffer) (FieldType, int, bool, error) {
	return p.reader().ReadSetBegin(buf)
}
func (p *autoProtocol) ReadSetEnd(buf *Buffer) (bool, error) { return p.reader().ReadSetEnd(buf) }

func (p *autoProtocol) WriteMessageBegin(out *Buffer, name string, messageType MessageType, seqID int32) {
	p.writer().WriteMessageBegin(out, name, messageType, seqID)
}
func (p *autoProtocol) WriteMessageEnd(out *Buffer)              { p.writer().WriteMessageEnd(out) }
func (p *autoProtocol) WriteStructBegin(out *Buffer, name string) { p.writer().WriteStructBegin(out, name) }
func (p *autoProtocol) WriteStructEnd(out *Buffer)               { p.writer().WriteStructEnd(out) }
func (p *autoProtocol) WriteFieldBegin(out *Buffer, name string, fieldType FieldType, fieldID int16) {
	p.writer().WriteFieldBegin(out, name, fieldType, fieldID)
}
func (p *autoProtocol) WriteFieldEnd(out *Buffer)             { p.writer().WriteFieldEnd(out) }
func (p *autoProtocol) WriteBool(out *Buffer, value bool)     { p.writer().WriteBool(out, value) }
func (p *autoProtocol) WriteByte(out *Buffer, value int8)     { p.writer().WriteByte(out, value) }
func (p *autoProtocol) WriteI16(out *Buffer, value int16)     { p.writer().WriteI16(out, value) }
func (p *autoProtocol) WriteI32(out *Buffer, value int32)     { p.writer().WriteI32(out, value) }
func (p *autoProtocol) WriteI64(out *Buffer, value int64)     { p.writer().WriteI64(out, value) }
func (p *autoProtocol) WriteDouble(out *Buffer, value float64) { p.writer().WriteDouble(out, value) }
func (p *autoProtocol) WriteString(out *Buffer, value string) { p.writer().WriteString(out, value) }
func (p *autoProtocol) WriteMapBegin(out *Buffer, keyType, valueType FieldType, size int) {
	p.writer().WriteMapBegin(out, keyType, valueType, size)
}
func (p *autoProtocol) WriteMapEnd(out *Buffer) { p.writer().WriteMapEnd(out) }
func (p *autoProtocol) WriteListBegin(out *Buffer, elemType FieldType, size int) {
	p.writer().WriteListBegin(out, elemType, size)
}
func (p *autoProtocol) WriteListEnd(out *Buffer) { p.writer().WriteListEnd(out) }
func (p *autoProtocol) WriteSetBegin(out *Buffer, elemType FieldType, size int) {
	p.writer().WriteSetBegin(out, elemType, size)
}
func (p *autoProtocol) WriteSetEnd(out *Buffer) { p.writer().WriteSetEnd(out) }

func (p *autoProtocol) SupportsUpgrade() bool {
	if p.delegate != nil {
		return p.delegate.SupportsUpgrade()
	}
	return false
}

func (p *autoProtocol) UpgradeRequestDecoder() DecoderEventHandler {
	return p.delegate.UpgradeRequestDecoder()
}

func (p *autoProtocol) UpgradeResponse(decoder DecoderEventHandler) DirectResponse {
	return p.delegate.UpgradeResponse(decoder)
}
