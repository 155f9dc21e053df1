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

import "fmt"

// MessageType is the Thrift message type, as encoded on the wire.
type MessageType int8

// Wire values per the Thrift binary protocol.
const (
	MessageTypeCall      MessageType = 1
	MessageTypeReply     MessageType = 2
	MessageTypeException MessageType = 3
	MessageTypeOneway    MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeCall:
		return "call"
	case MessageTypeReply:
		return "reply"
	case MessageTypeException:
		return "exception"
	case MessageTypeOneway:
		return "oneway"
	default:
		return fmt.Sprintf("unknown(%d)", int8(t))
	}
}

// FieldType is the Thrift struct field type, as encoded on the wire.
type FieldType int8

// Wire values per the Thrift binary protocol.
const (
	FieldTypeStop   FieldType = 0
	FieldTypeBool   FieldType = 2
	FieldTypeByte   FieldType = 3
	FieldTypeDouble FieldType = 4
	FieldTypeI16    FieldType = 6
	FieldTypeI32    FieldType = 8
	FieldTypeI64    FieldType = 10
	FieldTypeString FieldType = 11
	FieldTypeStruct FieldType = 12
	FieldTypeMap    FieldType = 13
	FieldTypeSet    FieldType = 14
	FieldTypeList   FieldType = 15
)

func (t FieldType) valid() bool {
	switch t {
	case FieldTypeStop, FieldTypeBool, FieldTypeByte, FieldTypeDouble,
		FieldTypeI16, FieldTypeI32, FieldTypeI64, FieldTypeString,
		FieldTypeStruct, FieldTypeMap, FieldTypeSet, FieldTypeList:
		return true
	}
	return false
}

// MessageMetadata is the per-message envelope assembled during decode. An
// ActiveRpc holds its request's envelope and its ResponseDecoder holds the
// reply's; both rewrite the sequence ID before re-encoding. Fields track their
// own presence since a zero value is a legal wire value for all of them.
type MessageMetadata struct {
	methodName    string
	hasMethodName bool

	messageType    MessageType
	hasMessageType bool

	sequenceID    int32
	hasSequenceID bool

	protocol    ProtocolType
	hasProtocol bool

	frameSize    uint32
	hasFrameSize bool

	headers map[string]string

	protocolUpgrade bool
}

// NewMessageMetadata returns an empty metadata envelope.
func NewMessageMetadata() *MessageMetadata {
	return &MessageMetadata{}
}

// MethodName returns the message's method name, if present.
func (m *MessageMetadata) MethodName() string { return m.methodName }

// HasMethodName reports whether a method name was decoded.
func (m *MessageMetadata) HasMethodName() bool { return m.hasMethodName }

// SetMethodName records the message's method name.
func (m *MessageMetadata) SetMethodName(name string) {
	m.methodName = name
	m.hasMethodName = true
}

// MessageType returns the message type, if present.
func (m *MessageMetadata) MessageType() MessageType { return m.messageType }

// HasMessageType reports whether a message type was decoded.
func (m *MessageMetadata) HasMessageType() bool { return m.hasMessageType }

// SetMessageType records the message type.
func (m *MessageMetadata) SetMessageType(t MessageType) {
	m.messageType = t
	m.hasMessageType = true
}

// SequenceID returns the message's sequence ID, if present.
func (m *MessageMetadata) SequenceID() int32 { return m.sequenceID }

// HasSequenceID reports whether a sequence ID was decoded.
func (m *MessageMetadata) HasSequenceID() bool { return m.hasSequenceID }

// SetSequenceID records the message's sequence ID.
func (m *MessageMetadata) SetSequenceID(id int32) {
	m.sequenceID = id
	m.hasSequenceID = true
}

// Protocol returns the protocol the message was (or will be) encoded with.
func (m *MessageMetadata) Protocol() ProtocolType { return m.protocol }

// HasProtocol reports whether a protocol has been recorded.
func (m *MessageMetadata) HasProtocol() bool { return m.hasProtocol }

// SetProtocol records the message's protocol.
func (m *MessageMetadata) SetProtocol(p ProtocolType) {
	m.protocol = p
	m.hasProtocol = true
}

// FrameSize returns the transport frame size, if the transport carries one.
func (m *MessageMetadata) FrameSize() uint32 { return m.frameSize }

// HasFrameSize reports whether a frame size was decoded.
func (m *MessageMetadata) HasFrameSize() bool { return m.hasFrameSize }

// SetFrameSize records the transport frame size.
func (m *MessageMetadata) SetFrameSize(n uint32) {
	m.frameSize = n
	m.hasFrameSize = true
}

// Headers returns the transport headers, which may be nil.
func (m *MessageMetadata) Headers() map[string]string { return m.headers }

// SetHeader records a transport header.
func (m *MessageMetadata) SetHeader(key, value string) {
	if m.headers == nil {
		m.headers = make(map[string]string)
	}
	m.headers[key] = value
}

// IsProtocolUpgradeMessage reports whether this message is a protocol upgrade
// handshake rather than an application call.
func (m *MessageMetadata) IsProtocolUpgradeMessage() bool { return m.protocolUpgrade }

// SetProtocolUpgradeMessage marks this message as a protocol upgrade handshake.
func (m *MessageMetadata) SetProtocolUpgradeMessage(upgrade bool) {
	m.protocolUpgrade = upgrade
}
