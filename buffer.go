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

// Buffer is a growable byte buffer that is appended to at the back and drained
// from the front. It is the unit of data exchange between connections, the
// decoders, and the codecs. A decoder that underflows leaves the buffer
// untouched so the read can be retried when more data arrives.
type Buffer struct {
	data []byte
}

// NewBufferBytes returns a Buffer holding a copy of b.
func NewBufferBytes(b []byte) *Buffer {
	buf := &Buffer{}
	buf.Append(b)
	return buf
}

// Append copies b onto the end of the buffer.
func (b *Buffer) Append(p []byte) {
	b.data = append(b.data, p...)
}

// Write implements io.Writer.
func (b *Buffer) Write(p []byte) (int, error) {
	b.Append(p)
	return len(p), nil
}

// Move appends the entire contents of src and drains src. This mirrors the
// zero-copy move the network layer performs between read buffers; the copy
// here is the price of slice-backed buffers.
func (b *Buffer) Move(src *Buffer) {
	if src.Len() == 0 {
		return
	}
	b.data = append(b.data, src.data...)
	src.data = src.data[:0]
}

// Drain discards n bytes from the front of the buffer. Draining more than
// Len() empties the buffer.
func (b *Buffer) Drain(n int) {
	if n >= len(b.data) {
		b.data = b.data[:0]
		return
	}
	b.data = b.data[n:]
}

// Len returns the number of readable bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Bytes returns the readable bytes. The slice aliases the buffer and is only
// valid until the next Append, Move, or Drain.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Reset empties the buffer.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
}
