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

// UpgradeMethodName is the reserved method name of the in-band handshake that
// switches a connection to the upgraded binary variant. The request body is a
// struct with an optional version at field 1; the reply echoes the version the
// proxy accepted.
const UpgradeMethodName = "__upgrade__v1"

// upgradeProtocolVersion is the highest handshake version this proxy speaks.
const upgradeProtocolVersion int16 = 1

type upgradeableBinaryProtocol struct {
	binaryProtocol

	upgraded bool
}

// NewUpgradeableBinaryProtocol returns a binary protocol that additionally
// recognizes the UpgradeMethodName handshake. Messages before and after the
// handshake are plain strict binary; the handshake only pins the negotiated
// version for the rest of the connection.
func NewUpgradeableBinaryProtocol() Protocol {
	return &upgradeableBinaryProtocol{}
}

func (p *upgradeableBinaryProtocol) Name() string       { return "binary-upgrade" }
func (p *upgradeableBinaryProtocol) Type() ProtocolType { return ProtocolUpgradeableBinary }

func (p *upgradeableBinaryProtocol) ReadMessageBegin(buf *Buffer, metadata *MessageMetadata) (bool, error) {
	ok, err := p.binaryProtocol.ReadMessageBegin(buf, metadata)
	if !ok || err != nil {
		return ok, err
	}

	if !p.upgraded && metadata.MessageType() == MessageTypeCall &&
		metadata.MethodName() == UpgradeMethodName {
		metadata.SetProtocolUpgradeMessage(true)
	}
	return true, nil
}

func (p *upgradeableBinaryProtocol) SupportsUpgrade() bool { return true }

func (p *upgradeableBinaryProtocol) UpgradeRequestDecoder() DecoderEventHandler {
	return &upgradeRequestHandler{version: upgradeProtocolVersion}
}

func (p *upgradeableBinaryProtocol) UpgradeResponse(decoder DecoderEventHandler) DirectResponse {
	handler, ok := decoder.(*upgradeRequestHandler)
	if !ok {
		return nil
	}

	version := handler.version
	if version > upgradeProtocolVersion {
		version = upgradeProtocolVersion
	}
	p.upgraded = true
	return &upgradeResponse{version: version}
}

// upgradeRequestHandler consumes the upgrade request's body, capturing the
// client's proposed handshake version.
type upgradeRequestHandler struct {
	PassThroughDecoderEventHandler

	version        int16
	inVersionField bool
}

func (h *upgradeRequestHandler) FieldBegin(name string, fieldType FieldType, fieldID int16) (FilterStatus, error) {
	h.inVersionField = fieldID == 1 && fieldType == FieldTypeI16
	return FilterStatusContinue, nil
}

func (h *upgradeRequestHandler) Int16Value(value int16) (FilterStatus, error) {
	if h.inVersionField {
		h.version = value
		h.inVersionField = false
	}
	return FilterStatusContinue, nil
}

// upgradeResponse is the reply to a successful upgrade handshake.
type upgradeResponse struct {
	version int16
}

func (r *upgradeResponse) Encode(metadata *MessageMetadata, proto Protocol, out *Buffer) {
	var seqID int32
	if metadata.HasSequenceID() {
		seqID = metadata.SequenceID()
	}

	proto.WriteMessageBegin(out, UpgradeMethodName, MessageTypeReply, seqID)
	proto.WriteStructBegin(out, "UpgradeReply")
	proto.WriteFieldBegin(out, "version", FieldTypeI16, 1)
	proto.WriteI16(out, r.version)
	proto.WriteFieldEnd(out)
	proto.WriteStructEnd(out)
	proto.WriteMessageEnd(out)
}
