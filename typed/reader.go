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

package typed

import (
	"encoding/binary"
	"errors"
)

// ErrEOF is returned by a ReadBuffer when a read runs past the end of the
// underlying slice. For streaming decoders this is the underflow signal: the
// caller discards the partial read and retries once more bytes arrive.
var ErrEOF = errors.New("buffer is too small")

// ReadBuffer is a wrapper around an underlying []byte with methods to read
// typed values from it. Reads are validated against the remaining length;
// after the first failed read every subsequent read returns a zero value and
// the buffer reports ErrEOF.
type ReadBuffer struct {
	buffer    []byte
	remaining []byte
	err       error
}

// NewReadBuffer returns a ReadBuffer wrapping a byte slice.
func NewReadBuffer(buffer []byte) *ReadBuffer {
	return &ReadBuffer{buffer: buffer, remaining: buffer}
}

// ReadSingleByte reads the next byte from the buffer.
func (r *ReadBuffer) ReadSingleByte() byte {
	b, _ := r.ReadByte()
	return b
}

// ReadByte reads the next byte from the buffer.
func (r *ReadBuffer) ReadByte() (byte, error) {
	if r.err != nil {
		return 0, r.err
	}
	if len(r.remaining) < 1 {
		r.err = ErrEOF
		return 0, r.err
	}

	b := r.remaining[0]
	r.remaining = r.remaining[1:]
	return b, nil
}

// ReadBytes returns the next n bytes from the buffer.
func (r *ReadBuffer) ReadBytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.remaining) < n {
		r.err = ErrEOF
		return nil
	}

	b := r.remaining[:n]
	r.remaining = r.remaining[n:]
	return b
}

// ReadString returns the next n bytes from the buffer as a string.
func (r *ReadBuffer) ReadString(n int) string {
	if b := r.ReadBytes(n); b != nil {
		// TODO: use unsafe to avoid the copy here when callers guarantee the
		// buffer outlives the string.
		return string(b)
	}
	return ""
}

// ReadUint16 reads the next big-endian uint16 from the buffer.
func (r *ReadBuffer) ReadUint16() uint16 {
	if b := r.ReadBytes(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

// ReadUint32 reads the next big-endian uint32 from the buffer.
func (r *ReadBuffer) ReadUint32() uint32 {
	if b := r.ReadBytes(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

// ReadUint64 reads the next big-endian uint64 from the buffer.
func (r *ReadBuffer) ReadUint64() uint64 {
	if b := r.ReadBytes(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

// SkipBytes advances the buffer past n bytes.
func (r *ReadBuffer) SkipBytes(n int) {
	r.ReadBytes(n)
}

// BytesRead returns the number of bytes consumed so far.
func (r *ReadBuffer) BytesRead() int {
	return len(r.buffer) - len(r.remaining)
}

// BytesRemaining returns the number of unconsumed bytes.
func (r *ReadBuffer) BytesRemaining() int {
	return len(r.remaining)
}

// Err returns the error state of the buffer.
func (r *ReadBuffer) Err() error {
	return r.err
}
