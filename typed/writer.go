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

import "encoding/binary"

// WriteBuffer is a growable byte buffer with methods to write typed values.
// Unlike ReadBuffer it cannot fail; the underlying slice grows as needed.
type WriteBuffer struct {
	buffer []byte
}

// NewWriteBuffer returns a WriteBuffer with the given initial capacity.
func NewWriteBuffer(capacity int) *WriteBuffer {
	return &WriteBuffer{buffer: make([]byte, 0, capacity)}
}

// WriteSingleByte appends a single byte.
func (w *WriteBuffer) WriteSingleByte(b byte) {
	w.buffer = append(w.buffer, b)
}

// WriteBytes appends a slice of bytes.
func (w *WriteBuffer) WriteBytes(b []byte) {
	w.buffer = append(w.buffer, b...)
}

// WriteString appends the bytes of a string.
func (w *WriteBuffer) WriteString(s string) {
	w.buffer = append(w.buffer, s...)
}

// WriteUint16 appends a big-endian uint16.
func (w *WriteBuffer) WriteUint16(n uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], n)
	w.buffer = append(w.buffer, b[:]...)
}

// WriteUint32 appends a big-endian uint32.
func (w *WriteBuffer) WriteUint32(n uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], n)
	w.buffer = append(w.buffer, b[:]...)
}

// WriteUint64 appends a big-endian uint64.
func (w *WriteBuffer) WriteUint64(n uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	w.buffer = append(w.buffer, b[:]...)
}

// WriteLen16String appends a string preceded by its big-endian uint16 length.
func (w *WriteBuffer) WriteLen16String(s string) {
	w.WriteUint16(uint16(len(s)))
	w.WriteString(s)
}

// WriteLen32String appends a string preceded by its big-endian uint32 length.
func (w *WriteBuffer) WriteLen32String(s string) {
	w.WriteUint32(uint32(len(s)))
	w.WriteString(s)
}

// BytesWritten returns the number of bytes written so far.
func (w *WriteBuffer) BytesWritten() int {
	return len(w.buffer)
}

// Bytes returns the written bytes. The slice aliases the buffer and is only
// valid until the next write.
func (w *WriteBuffer) Bytes() []byte {
	return w.buffer
}
