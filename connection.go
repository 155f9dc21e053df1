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
	"io"
	"net"
	"runtime"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ConnectionEvent is a connection lifecycle notification.
type ConnectionEvent int

const (
	// ConnectionEventRemoteClose fires when the peer closed the connection.
	ConnectionEventRemoteClose ConnectionEvent = iota

	// ConnectionEventLocalClose fires when this process closed the connection.
	ConnectionEventLocalClose
)

// CloseType selects how pending write data is treated on close.
type CloseType int

const (
	// CloseFlushWrite flushes pending write data before closing.
	CloseFlushWrite CloseType = iota

	// CloseNoFlush abandons pending write data.
	CloseNoFlush
)

// ConnectionCallbacks receives connection lifecycle events.
type ConnectionCallbacks interface {
	OnEvent(event ConnectionEvent)
}

// Connection is the downstream connection handle the runtime hands to a
// filter. All methods must be called on the connection's event loop.
type Connection interface {
	// Write queues buf on the connection, draining it. endStream half-closes
	// the write side after the data is flushed.
	Write(buf *Buffer, endStream bool)

	// Close closes the connection and fires ConnectionEventLocalClose.
	Close(closeType CloseType)

	// EnableHalfClose makes a remote write-shutdown surface as a final
	// end-of-stream read instead of a close event.
	EnableHalfClose(enabled bool)

	// AddConnectionCallbacks registers for lifecycle events.
	AddConnectionCallbacks(cb ConnectionCallbacks)

	// Dispatcher returns the event loop this connection runs on.
	Dispatcher() Dispatcher
}

// ReadFilter consumes bytes read from a connection.
type ReadFilter interface {
	OnData(buf *Buffer, endStream bool) FilterStatus
	OnNewConnection() FilterStatus
	InitializeReadFilterCallbacks(cb ReadFilterCallbacks)
}

// ReadFilterCallbacks is the runtime surface exposed to a ReadFilter.
type ReadFilterCallbacks interface {
	Connection() Connection
}

// Deletable is an object whose teardown must be deferred to the end of the
// current event-loop turn, so it can delete itself from inside one of its own
// methods and still let the calling frame return safely.
type Deletable interface {
	OnDeferredDelete()
}

// Dispatcher serializes work onto a single goroutine and provides end-of-turn
// deferred deletion.
type Dispatcher interface {
	// Post enqueues fn to run as its own turn on the loop.
	Post(fn func())

	// DeferredDelete schedules item's teardown for the end of the current
	// turn.
	DeferredDelete(item Deletable)
}

// EventLoop is the per-connection Dispatcher: a serialized task queue whose
// turns end by draining the deferred-delete list. A panic in a task is
// contained, logged with its stack, and fails the loop rather than the
// process.
type EventLoop struct {
	log      *zap.Logger
	tasks    chan func()
	deferred []Deletable
	stopped  atomic.Bool
	done     chan struct{}
}

// NewEventLoop returns an event loop ready to Run.
func NewEventLoop(log *zap.Logger) *EventLoop {
	return &EventLoop{
		log:   log,
		tasks: make(chan func(), 128),
		done:  make(chan struct{}),
	}
}

// Post implements Dispatcher. Tasks posted after Stop are dropped.
func (l *EventLoop) Post(fn func()) {
	if l.stopped.Load() {
		return
	}
	select {
	case l.tasks <- fn:
	case <-l.done:
	}
}

// DeferredDelete implements Dispatcher.
func (l *EventLoop) DeferredDelete(item Deletable) {
	l.deferred = append(l.deferred, item)
}

// Run executes tasks until Stop is called. It is the loop goroutine; every
// Dispatcher client runs inside it. Tasks already queued when Stop happens
// still run, so a caller can Post a final teardown and then Stop.
func (l *EventLoop) Run() {
	for {
		select {
		case fn := <-l.tasks:
			l.runTurn(fn)
			continue
		default:
		}

		select {
		case <-l.done:
			return
		case fn := <-l.tasks:
			l.runTurn(fn)
		}
	}
}

// RunTurn executes fn as a single turn, inline. It exists for callers that
// drive the loop themselves, primarily tests.
func (l *EventLoop) RunTurn(fn func()) {
	l.runTurn(fn)
}

// Stop terminates Run once the tasks already queued have run. Tasks posted
// after Stop are dropped.
func (l *EventLoop) Stop() {
	if l.stopped.CAS(false, true) {
		close(l.done)
	}
}

func (l *EventLoop) runTurn(fn func()) {
	defer l.drainDeferred()
	defer func() {
		if r := recover(); r != nil {
			const size = 64 << 10
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			l.log.Error("panic on connection event loop",
				zap.Any("panic", r),
				zap.ByteString("stack", buf),
			)
			l.Stop()
		}
	}()
	fn()
}

func (l *EventLoop) drainDeferred() {
	// Deletions may schedule further deletions; drain until quiescent.
	for len(l.deferred) > 0 {
		items := l.deferred
		l.deferred = nil
		for _, item := range items {
			item.OnDeferredDelete()
		}
	}
}

// serverConnection adapts a net.Conn to the Connection interface, pumping
// reads through a ReadFilter on a dedicated event loop.
type serverConnection struct {
	conn      net.Conn
	loop      *EventLoop
	log       *zap.Logger
	filter    ReadFilter
	callbacks []ConnectionCallbacks
	halfClose bool
	closed    atomic.Bool
}

func newServerConnection(conn net.Conn, loop *EventLoop, log *zap.Logger) *serverConnection {
	return &serverConnection{conn: conn, loop: loop, log: log}
}

func (c *serverConnection) Connection() Connection { return c }

func (c *serverConnection) Dispatcher() Dispatcher { return c.loop }

func (c *serverConnection) EnableHalfClose(enabled bool) {
	c.halfClose = enabled
}

func (c *serverConnection) AddConnectionCallbacks(cb ConnectionCallbacks) {
	c.callbacks = append(c.callbacks, cb)
}

func (c *serverConnection) Write(buf *Buffer, endStream bool) {
	if c.closed.Load() {
		buf.Reset()
		return
	}
	if _, err := c.conn.Write(buf.Bytes()); err != nil {
		c.log.Warn("downstream write failed", zap.Error(err))
	}
	buf.Reset()

	if endStream {
		if tc, ok := c.conn.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	}
}

func (c *serverConnection) Close(closeType CloseType) {
	if !c.closed.CAS(false, true) {
		return
	}
	if closeType == CloseNoFlush {
		if tc, ok := c.conn.(*net.TCPConn); ok {
			// Abort instead of draining: a reset is the contract of NoFlush.
			_ = tc.SetLinger(0)
		}
	}
	_ = c.conn.Close()
	c.raiseEvent(ConnectionEventLocalClose)
}

// attachReadFilter registers filter and starts the read pump. The pump
// goroutine posts every read onto the event loop, so the filter only ever
// runs there.
func (c *serverConnection) attachReadFilter(filter ReadFilter) {
	c.filter = filter
	filter.InitializeReadFilterCallbacks(c)
	c.loop.Post(func() { filter.OnNewConnection() })
	go c.readLoop()
}

func (c *serverConnection) readLoop() {
	readBuf := make([]byte, 8192)
	for {
		n, err := c.conn.Read(readBuf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, readBuf[:n])
			c.loop.Post(func() {
				c.filter.OnData(NewBufferBytes(data), false)
			})
		}
		if err == nil {
			continue
		}

		if err == io.EOF && c.halfClose && !c.closed.Load() {
			c.loop.Post(func() {
				c.filter.OnData(&Buffer{}, true)
			})
			return
		}
		if !c.closed.Load() {
			c.loop.Post(func() {
				if c.closed.CAS(false, true) {
					_ = c.conn.Close()
					c.raiseEvent(ConnectionEventRemoteClose)
				}
			})
		}
		return
	}
}

func (c *serverConnection) raiseEvent(event ConnectionEvent) {
	for _, cb := range c.callbacks {
		cb.OnEvent(event)
	}
}
