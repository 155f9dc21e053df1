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
	"encoding/binary"
	"fmt"
)

// TransportType identifies a Thrift framing layer.
type TransportType int8

// Supported transports. TransportAuto resolves to a concrete type once the
// first frame has been seen.
const (
	TransportAuto TransportType = iota
	TransportFramed
	TransportUnframed
)

func (t TransportType) String() string {
	switch t {
	case TransportAuto:
		return "auto"
	case TransportFramed:
		return "framed"
	case TransportUnframed:
		return "unframed"
	default:
		return fmt.Sprintf("unknown(%d)", int8(t))
	}
}

// MaxFrameSize is the largest framed-transport frame accepted on decode.
// EncodeFrame does not check it.
const MaxFrameSize = 16 * 1024 * 1024

// Transport is the Thrift framing layer: it brackets a protocol-encoded
// message payload on the wire. Decode methods return ok=false when the buffer
// does not yet hold enough bytes; the buffer is left untouched so the call can
// be retried.
type Transport interface {
	// Name returns the registry name of this transport.
	Name() string

	// Type returns the transport type. For an auto-detect transport this is
	// TransportAuto until the first frame resolves it.
	Type() TransportType

	// DecodeFrameStart consumes a frame header, if any, recording frame
	// attributes on metadata.
	DecodeFrameStart(buf *Buffer, metadata *MessageMetadata) (bool, error)

	// DecodeFrameEnd consumes a frame trailer, if any.
	DecodeFrameEnd(buf *Buffer) (bool, error)

	// EncodeFrame wraps payload in this transport's framing and appends the
	// result to out. The payload is drained.
	EncodeFrame(out *Buffer, metadata *MessageMetadata, payload *Buffer)
}

// NewTransport returns a transport for a concrete TransportType. It is used
// where a decoder's post-detection type must be turned back into a fresh
// instance, such as framing an upstream response for the downstream wire.
func NewTransport(t TransportType) Transport {
	switch t {
	case TransportFramed:
		return NewFramedTransport()
	case TransportUnframed:
		return NewUnframedTransport()
	default:
		return NewAutoTransport()
	}
}

// TransportFromName returns the transport registered under name.
func TransportFromName(name string) (Transport, error) {
	switch name {
	case "framed":
		return NewFramedTransport(), nil
	case "unframed":
		return NewUnframedTransport(), nil
	case "auto", "":
		return NewAutoTransport(), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", name)
	}
}

type framedTransport struct{}

// NewFramedTransport returns the framed transport: each message is prefixed
// with its length as a big-endian int32.
func NewFramedTransport() Transport {
	return &framedTransport{}
}

func (t *framedTransport) Name() string        { return "framed" }
func (t *framedTransport) Type() TransportType { return TransportFramed }

func (t *framedTransport) DecodeFrameStart(buf *Buffer, metadata *MessageMetadata) (bool, error) {
	if buf.Len() < 4 {
		return false, nil
	}

	size := int32(binary.BigEndian.Uint32(buf.Bytes()))
	if size <= 0 || size > MaxFrameSize {
		return false, decodeErrorf("invalid thrift framed transport frame size %d", size)
	}

	buf.Drain(4)
	metadata.SetFrameSize(uint32(size))
	return true, nil
}

func (t *framedTransport) DecodeFrameEnd(buf *Buffer) (bool, error) {
	return true, nil
}

func (t *framedTransport) EncodeFrame(out *Buffer, metadata *MessageMetadata, payload *Buffer) {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(payload.Len()))
	out.Append(header[:])
	out.Move(payload)
}

type unframedTransport struct{}

// NewUnframedTransport returns the unframed transport: protocol bytes flow on
// the wire with no framing at all.
func NewUnframedTransport() Transport {
	return &unframedTransport{}
}

func (t *unframedTransport) Name() string        { return "unframed" }
func (t *unframedTransport) Type() TransportType { return TransportUnframed }

func (t *unframedTransport) DecodeFrameStart(buf *Buffer, metadata *MessageMetadata) (bool, error) {
	return true, nil
}

func (t *unframedTransport) DecodeFrameEnd(buf *Buffer) (bool, error) {
	return true, nil
}

func (t *unframedTransport) EncodeFrame(out *Buffer, metadata *MessageMetadata, payload *Buffer) {
	out.Move(payload)
}

type autoTransport struct {
	delegate Transport
}

// NewAutoTransport returns a transport that sniffs the first bytes on the wire
// to decide between framed and unframed, then delegates to the detected
// transport for the rest of the connection.
func NewAutoTransport() Transport {
	return &autoTransport{}
}

func (t *autoTransport) Name() string { return "auto" }

func (t *autoTransport) Type() TransportType {
	if t.delegate != nil {
		return t.delegate.Type()
	}
	return TransportAuto
}

// Detection needs the first 8 bytes: either a strict binary protocol version
// word at offset 0 (unframed), or a plausible frame size followed by the
// version word at offset 4 (framed).
func (t *autoTransport) DecodeFrameStart(buf *Buffer, metadata *MessageMetadata) (bool, error) {
	if t.delegate == nil {
		if buf.Len() < 8 {
			return false, nil
		}

		b := buf.Bytes()
		switch {
		case looksLikeProtocolStart(b[0], b[1]):
			t.delegate = NewUnframedTransport()
		case looksLikeFramed(b):
			t.delegate = NewFramedTransport()
		default:
			return false, decodeErrorf("unable to detect thrift transport from frame start %x", b[:8])
		}
	}

	return t.delegate.DecodeFrameStart(buf, metadata)
}

func (t *autoTransport) DecodeFrameEnd(buf *Buffer) (bool, error) {
	if t.delegate == nil {
		return true, nil
	}
	return t.delegate.DecodeFrameEnd(buf)
}

func (t *autoTransport) EncodeFrame(out *Buffer, metadata *MessageMetadata, payload *Buffer) {
	// Local replies may be emitted before the first downstream frame resolved
	// detection. Framed is the dominant deployment, so frame them.
	if t.delegate == nil {
		NewFramedTransport().EncodeFrame(out, metadata, payload)
		return
	}
	t.delegate.EncodeFrame(out, metadata, payload)
}

func looksLikeFramed(b []byte) bool {
	size := int32(binary.BigEndian.Uint32(b))
	return size > 0 && size <= MaxFrameSize && looksLikeProtocolStart(b[4], b[5])
}

// looksLikeProtocolStart reports whether two bytes begin a known protocol:
// the strict binary version word 0x8001, or the compact magic 0x82 (accepted
// here so the protocol layer can report it precisely).
func looksLikeProtocolStart(b0, b1 byte) bool {
	if b0 == 0x80 && b1 == 0x01 {
		return true
	}
	return b0 == 0x82
}
