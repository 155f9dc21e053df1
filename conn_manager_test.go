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
	"testing"

	"github.com/uber/thriftrelay-go/testutils"

	"github.com/apache/thrift/lib/go/thrift"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeConnection is an in-memory Connection and ReadFilterCallbacks.
type fakeConnection struct {
	loop *EventLoop

	written          Buffer
	closed           bool
	closeType        CloseType
	halfCloseEnabled bool
	callbacks        []ConnectionCallbacks
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{loop: NewEventLoop(zap.NewNop())}
}

func (c *fakeConnection) Connection() Connection { return c }
func (c *fakeConnection) Dispatcher() Dispatcher { return c.loop }

func (c *fakeConnection) Write(buf *Buffer, endStream bool) {
	c.written.Move(buf)
}

func (c *fakeConnection) Close(closeType CloseType) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeType = closeType
	for _, cb := range c.callbacks {
		cb.OnEvent(ConnectionEventLocalClose)
	}
}

func (c *fakeConnection) EnableHalfClose(enabled bool) { c.halfCloseEnabled = enabled }

func (c *fakeConnection) AddConnectionCallbacks(cb ConnectionCallbacks) {
	c.callbacks = append(c.callbacks, cb)
}

// captureFilter is a configurable decoder filter for driving the manager.
type captureFilter struct {
	PassThroughDecoderFilter

	messageBeginErr    error
	structBeginStatus  FilterStatus
	transportEndStatus FilterStatus

	metadata           *MessageMetadata
	destroyed          bool
	resetUpstreamCalls int
}

func (f *captureFilter) MessageBegin(metadata *MessageMetadata) (FilterStatus, error) {
	f.metadata = metadata
	if f.messageBeginErr != nil {
		return FilterStatusContinue, f.messageBeginErr
	}
	return FilterStatusContinue, nil
}

func (f *captureFilter) StructBegin(name string) (FilterStatus, error) {
	return f.structBeginStatus, nil
}

func (f *captureFilter) TransportEnd() (FilterStatus, error) {
	return f.transportEndStatus, nil
}

func (f *captureFilter) OnDestroy() { f.destroyed = true }

func (f *captureFilter) ResetUpstreamConnection() { f.resetUpstreamCalls++ }

// cmFixture wires a ConnectionManager to fakes and drives it in event-loop
// turns the way the runtime would.
type cmFixture struct {
	t        *testing.T
	cm       *ConnectionManager
	conn     *fakeConnection
	reporter *testutils.RecordingStatsReporter

	queued  []*captureFilter
	created []*captureFilter
}

func newCmFixture(t *testing.T, mutate func(cfg *Config)) *cmFixture {
	fx := &cmFixture{
		t:        t,
		conn:     newFakeConnection(),
		reporter: testutils.NewRecordingStatsReporter(),
	}

	cfg := &Config{
		Transport:     "framed",
		Protocol:      "binary",
		StatsReporter: fx.reporter,
		FilterFactory: FilterChainFactoryFunc(func(cb FilterChainFactoryCallbacks) {
			cb.AddDecoderFilter(fx.nextFilter())
		}),
	}
	if mutate != nil {
		mutate(cfg)
	}

	cm, err := NewConnectionManager(cfg)
	require.NoError(t, err)
	fx.cm = cm

	cm.InitializeReadFilterCallbacks(fx.conn)
	require.True(t, fx.conn.halfCloseEnabled)
	return fx
}

// queueFilter arranges for the next created request to use f.
func (fx *cmFixture) queueFilter(f *captureFilter) *captureFilter {
	fx.queued = append(fx.queued, f)
	return f
}

func (fx *cmFixture) nextFilter() *captureFilter {
	var f *captureFilter
	if len(fx.queued) > 0 {
		f, fx.queued = fx.queued[0], fx.queued[1:]
	} else {
		f = &captureFilter{}
	}
	fx.created = append(fx.created, f)
	return f
}

// run executes fn as one event-loop turn, draining deferred deletes after.
func (fx *cmFixture) run(fn func()) {
	fx.conn.loop.RunTurn(fn)
}

func (fx *cmFixture) onData(wire []byte, endStream bool) {
	fx.run(func() { fx.cm.OnData(NewBufferBytes(wire), endStream) })
}

func (fx *cmFixture) counter(name string) int64 {
	return fx.reporter.Counter(name)
}

// frontFilter returns the oldest in-flight rpc's decoder filter.
func (fx *cmFixture) frontFilter() *captureFilter {
	return fx.cm.frontRpc().decoderFilter.(*captureFilter)
}

// readReply parses the next reply written downstream with the Apache library.
func (fx *cmFixture) readReply() testutils.DecodedMessage {
	msg, rest, err := testutils.ParseFramedBinary(fx.conn.written.Bytes())
	require.NoError(fx.t, err)
	fx.conn.written.Reset()
	fx.conn.written.Append(rest)
	return msg
}

// Scenario: a call is proxied, the upstream reply keeps the client's
// sequence ID and counts as a success.
func TestConnManagerHappyCall(t *testing.T) {
	fx := newCmFixture(t, nil)

	fx.onData(testutils.Framed(testutils.BinaryCall("ping", 7)), false)

	assert.EqualValues(t, 1, fx.counter("request"))
	assert.EqualValues(t, 1, fx.counter("request_call"))
	assert.Equal(t, 1, fx.cm.rpcs.Len())

	filter := fx.created[0]
	fx.run(func() {
		filter.Callbacks.StartUpstreamResponse(NewFramedTransport(), NewBinaryProtocol())
		complete := filter.Callbacks.UpstreamData(
			NewBufferBytes(testutils.Framed(testutils.BinaryReplySuccess("ping", 99, 0))))
		assert.True(t, complete)
	})

	reply := fx.readReply()
	assert.Equal(t, thrift.REPLY, reply.Type)
	assert.Equal(t, int32(7), reply.SeqID, "reply must carry the client's sequence ID")
	assert.Equal(t, "ping", reply.Method)

	assert.EqualValues(t, 1, fx.counter("response"))
	assert.EqualValues(t, 1, fx.counter("response_reply"))
	assert.EqualValues(t, 1, fx.counter("response_success"))
	assert.EqualValues(t, 0, fx.counter("response_error"))

	assert.Equal(t, 0, fx.cm.rpcs.Len())
	assert.True(t, filter.destroyed)
	assert.False(t, fx.conn.closed)
}

// Scenario: a reply whose first field is not field 0 is a declared IDL
// exception and counts as an error, not a success.
func TestConnManagerIDLException(t *testing.T) {
	fx := newCmFixture(t, nil)

	fx.onData(testutils.Framed(testutils.BinaryCall("getUser", 7)), false)

	filter := fx.created[0]
	fx.run(func() {
		filter.Callbacks.StartUpstreamResponse(NewFramedTransport(), NewBinaryProtocol())
		complete := filter.Callbacks.UpstreamData(
			NewBufferBytes(testutils.Framed(testutils.BinaryReplyIDLException("getUser", 55, "no such user"))))
		assert.True(t, complete)
	})

	reply := fx.readReply()
	assert.Equal(t, thrift.REPLY, reply.Type)
	assert.Equal(t, int32(7), reply.SeqID)

	assert.EqualValues(t, 1, fx.counter("response_reply"))
	assert.EqualValues(t, 1, fx.counter("response_error"))
	assert.EqualValues(t, 0, fx.counter("response_success"))
}

// Scenario: a oneway in flight when the client half-closes is allowed to
// finish; the connection closes only after it does.
func TestConnManagerOnewayHalfClose(t *testing.T) {
	fx := newCmFixture(t, nil)

	filter := fx.queueFilter(&captureFilter{structBeginStatus: FilterStatusStopIteration})

	fx.onData(testutils.Framed(testutils.BinaryOneway("fire", 4)), true)

	assert.True(t, fx.cm.stopped)
	assert.True(t, fx.cm.halfClosed)
	assert.False(t, fx.conn.closed, "must wait for the oneway to finish")
	assert.Equal(t, 1, fx.cm.rpcs.Len())

	filter.structBeginStatus = FilterStatusContinue
	fx.run(func() { filter.Callbacks.ContinueDecoding() })

	assert.EqualValues(t, 1, fx.counter("request_oneway"))
	assert.EqualValues(t, 0, fx.counter("response"))
	assert.Equal(t, 0, fx.cm.rpcs.Len())
	assert.True(t, fx.conn.closed)
	assert.Equal(t, CloseFlushWrite, fx.conn.closeType)
	assert.True(t, filter.destroyed)
}

// Scenario: a malformed frame header is fatal for the connection.
func TestConnManagerMalformedFrame(t *testing.T) {
	fx := newCmFixture(t, nil)

	fx.onData([]byte{0xff, 0xff, 0xff, 0xff}, false)

	assert.EqualValues(t, 1, fx.counter("request_decoding_error"))
	assert.True(t, fx.conn.closed)
	assert.Equal(t, CloseFlushWrite, fx.conn.closeType)
	assert.Equal(t, 0, fx.cm.rpcs.Len())
}

// Scenario: an AppException raised inside a filter is answered in-band with
// the original sequence ID; the connection stays open and the next request
// proceeds normally.
func TestConnManagerAppExceptionMidStream(t *testing.T) {
	fx := newCmFixture(t, nil)

	fx.queueFilter(&captureFilter{
		messageBeginErr: NewAppException(AppExceptionProtocolError, "cannot deserialize"),
	})

	fx.onData(testutils.Framed(testutils.BinaryCallI32Arg("bad", 7, 1, 1)), false)

	reply := fx.readReply()
	assert.Equal(t, thrift.EXCEPTION, reply.Type)
	assert.Equal(t, int32(7), reply.SeqID)
	assert.False(t, fx.conn.closed, "AppException is reportable in-band")
	assert.Equal(t, 0, fx.cm.rpcs.Len())
	assert.EqualValues(t, 0, fx.counter("request_decoding_error"))

	// A subsequent valid request is processed normally.
	fx.onData(testutils.Framed(testutils.BinaryCall("good", 8)), false)
	assert.EqualValues(t, 1, fx.counter("request_call"))
	assert.Equal(t, 1, fx.cm.rpcs.Len())
	assert.False(t, fx.conn.closed)
}

// An AppException from a later pipelined request must not disturb an older
// in-flight call: the reply borrows the oldest rpc's metadata, but only the
// broken request is torn down, and the older call still completes.
func TestConnManagerAppExceptionWithPipelinedCalls(t *testing.T) {
	fx := newCmFixture(t, nil)

	fx.onData(testutils.Framed(testutils.BinaryCall("healthy", 1)), false)
	require.Equal(t, 1, fx.cm.rpcs.Len())
	healthy := fx.created[0]

	fx.queueFilter(&captureFilter{
		messageBeginErr: NewAppException(AppExceptionProtocolError, "cannot deserialize"),
	})
	fx.onData(testutils.Framed(testutils.BinaryCallI32Arg("broken", 2, 1, 1)), false)

	// The in-band reply was addressed with the oldest rpc's metadata; only
	// the broken rpc is gone.
	errReply := fx.readReply()
	assert.Equal(t, thrift.EXCEPTION, errReply.Type)
	assert.Equal(t, int32(1), errReply.SeqID)
	assert.Equal(t, 1, fx.cm.rpcs.Len())
	assert.Same(t, healthy, fx.frontFilter())
	assert.False(t, healthy.destroyed)
	assert.True(t, fx.created[1].destroyed)
	assert.False(t, fx.conn.closed)

	// The healthy call still completes against its real upstream response.
	fx.run(func() {
		healthy.Callbacks.StartUpstreamResponse(NewFramedTransport(), NewBinaryProtocol())
		complete := healthy.Callbacks.UpstreamData(
			NewBufferBytes(testutils.Framed(testutils.BinaryReplySuccess("healthy", 77, 0))))
		assert.True(t, complete)
	})

	reply := fx.readReply()
	assert.Equal(t, thrift.REPLY, reply.Type)
	assert.Equal(t, int32(1), reply.SeqID)
	assert.EqualValues(t, 1, fx.counter("response_success"))
	assert.Equal(t, 0, fx.cm.rpcs.Len())
}

// A compact-protocol client gets an in-band exception and the connection
// survives for a well-spoken one.
func TestConnManagerCompactProtocolRejectedInBand(t *testing.T) {
	fx := newCmFixture(t, func(cfg *Config) {
		cfg.Transport = "auto"
		cfg.Protocol = "auto"
	})

	compact := []byte{0x82, 0x21, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00}
	fx.onData(testutils.Framed(compact), false)

	reply := fx.readReply()
	assert.Equal(t, thrift.EXCEPTION, reply.Type)
	assert.False(t, fx.conn.closed)
	assert.EqualValues(t, 0, fx.counter("request_decoding_error"))

	// A strict-binary request on the same connection decodes normally.
	fx.onData(testutils.Framed(testutils.BinaryCall("ping", 5)), false)
	assert.EqualValues(t, 1, fx.counter("request_call"))
	assert.Equal(t, 1, fx.cm.rpcs.Len())
	assert.False(t, fx.conn.closed)
}

// Scenario: a protocol upgrade request is consumed by the protocol's upgrade
// decoder and answered locally; later messages flow as usual.
func TestConnManagerProtocolUpgrade(t *testing.T) {
	fx := newCmFixture(t, func(cfg *Config) {
		cfg.Protocol = "binary-upgrade"
	})

	fx.onData(testutils.Framed(testutils.BinaryCall(UpgradeMethodName, 3)), false)

	reply := fx.readReply()
	assert.Equal(t, thrift.REPLY, reply.Type)
	assert.Equal(t, UpgradeMethodName, reply.Method)
	assert.Equal(t, int32(3), reply.SeqID)
	assert.Equal(t, 0, fx.cm.rpcs.Len())
	assert.False(t, fx.conn.closed)

	// Post-upgrade, ordinary calls proceed. The handshake itself was a Call,
	// so this is the second one.
	fx.onData(testutils.Framed(testutils.BinaryCall("ping", 9)), false)
	assert.EqualValues(t, 2, fx.counter("request_call"))
	assert.Equal(t, 1, fx.cm.rpcs.Len())
}

// A remote close resets every in-flight rpc, oldest first.
func TestConnManagerRemoteCloseResetsAll(t *testing.T) {
	fx := newCmFixture(t, nil)

	fx.onData(testutils.Framed(testutils.BinaryCall("one", 1)), false)
	fx.onData(testutils.Framed(testutils.BinaryCall("two", 2)), false)
	require.Equal(t, 2, fx.cm.rpcs.Len())

	fx.run(func() { fx.cm.OnEvent(ConnectionEventRemoteClose) })

	assert.Equal(t, 0, fx.cm.rpcs.Len())
	assert.EqualValues(t, 2, fx.counter("cx_destroy_remote_with_active_rq"))
	for _, f := range fx.created {
		assert.True(t, f.destroyed)
	}
}

// End-of-stream with no paused oneway closes after resetting in-flight rpcs.
func TestConnManagerEndStreamClosesConnection(t *testing.T) {
	fx := newCmFixture(t, nil)

	fx.onData(testutils.Framed(testutils.BinaryCall("one", 1)), false)
	require.Equal(t, 1, fx.cm.rpcs.Len())

	fx.onData(nil, true)

	assert.Equal(t, 0, fx.cm.rpcs.Len())
	assert.EqualValues(t, 1, fx.counter("cx_destroy_remote_with_active_rq"))
	assert.True(t, fx.conn.closed)
	assert.Equal(t, CloseFlushWrite, fx.conn.closeType)
}

// A half-close while stopped on a non-oneway request cannot complete; the
// connection resets and closes.
func TestConnManagerEndStreamStoppedOnCall(t *testing.T) {
	fx := newCmFixture(t, nil)

	fx.queueFilter(&captureFilter{structBeginStatus: FilterStatusStopIteration})
	fx.onData(testutils.Framed(testutils.BinaryCall("ping", 1)), true)

	assert.False(t, fx.cm.halfClosed)
	assert.True(t, fx.conn.closed)
	assert.Equal(t, 0, fx.cm.rpcs.Len())
}

// stopped implies at least one rpc is in flight.
func TestConnManagerStoppedInvariant(t *testing.T) {
	fx := newCmFixture(t, nil)

	fx.queueFilter(&captureFilter{structBeginStatus: FilterStatusStopIteration})
	fx.onData(testutils.Framed(testutils.BinaryCall("ping", 1)), false)

	assert.True(t, fx.cm.stopped)
	assert.NotZero(t, fx.cm.rpcs.Len())
}

// Upstream decode failures translate to a downstream reply and an upstream
// reset, leaving the downstream connection open.
func TestConnManagerUpstreamDecodeErrors(t *testing.T) {
	t.Run("decode error", func(t *testing.T) {
		fx := newCmFixture(t, nil)
		fx.onData(testutils.Framed(testutils.BinaryCall("ping", 7)), false)

		filter := fx.created[0]
		fx.run(func() {
			filter.Callbacks.StartUpstreamResponse(NewFramedTransport(), NewBinaryProtocol())
			complete := filter.Callbacks.UpstreamData(NewBufferBytes([]byte{0xff, 0xff, 0xff, 0xff}))
			assert.True(t, complete)
		})

		reply := fx.readReply()
		assert.Equal(t, thrift.EXCEPTION, reply.Type)
		assert.Equal(t, int32(7), reply.SeqID)
		assert.EqualValues(t, 1, fx.counter("response_decoding_error"))
		assert.Equal(t, 1, filter.resetUpstreamCalls)
		assert.False(t, fx.conn.closed)
		assert.Equal(t, 0, fx.cm.rpcs.Len())
	})

	t.Run("app exception", func(t *testing.T) {
		fx := newCmFixture(t, nil)
		fx.onData(testutils.Framed(testutils.BinaryCall("ping", 9)), false)

		filter := fx.created[0]
		// Strict version word with an out-of-range message type.
		bad := testutils.Framed([]byte{0x80, 0x01, 0x00, 0x09, 0, 0, 0, 0})
		fx.run(func() {
			filter.Callbacks.StartUpstreamResponse(NewFramedTransport(), NewBinaryProtocol())
			complete := filter.Callbacks.UpstreamData(NewBufferBytes(bad))
			assert.True(t, complete)
		})

		reply := fx.readReply()
		assert.Equal(t, thrift.EXCEPTION, reply.Type)
		assert.Equal(t, int32(9), reply.SeqID)
		assert.EqualValues(t, 1, fx.counter("response_decoding_error"))
		assert.Equal(t, 1, filter.resetUpstreamCalls)
		assert.False(t, fx.conn.closed)
	})
}

// The route cache distinguishes "unresolved" from "resolved to no route".
func TestConnManagerRouteCache(t *testing.T) {
	router := &countingRouter{}
	fx := newCmFixture(t, func(cfg *Config) { cfg.Router = router })

	fx.onData(testutils.Framed(testutils.BinaryCall("ping", 1)), false)

	filter := fx.created[0]
	fx.run(func() {
		assert.Nil(t, filter.Callbacks.Route())
		assert.Nil(t, filter.Callbacks.Route())
	})
	assert.Equal(t, 1, router.calls, "a nil result must not be recomputed")

	router.route = &staticRoute{cluster: "users"}
	fx.onData(testutils.Framed(testutils.BinaryCall("ping", 2)), false)
	filter = fx.created[1]
	fx.run(func() {
		require.NotNil(t, filter.Callbacks.Route())
		assert.Equal(t, "users", filter.Callbacks.Route().ClusterName())
	})
	assert.Equal(t, 2, router.calls)
}

type countingRouter struct {
	route Route
	calls int
}

func (r *countingRouter) Route(metadata *MessageMetadata, streamID uint64) Route {
	r.calls++
	return r.route
}

// An invalid-but-decodable message type is counted and passed through, not
// fatal.
func TestConnManagerInvalidRequestType(t *testing.T) {
	fx := newCmFixture(t, nil)

	// A client has no business sending a Reply; it still decodes.
	wire := testutils.Framed(testutils.BinaryReplySuccess("odd", 5, 1))
	fx.onData(wire, false)

	assert.EqualValues(t, 1, fx.counter("request"))
	assert.EqualValues(t, 1, fx.counter("request_invalid_type"))
	assert.False(t, fx.conn.closed)
}

// A filter can abruptly reset the downstream connection, without flushing.
func TestConnManagerResetDownstreamConnection(t *testing.T) {
	fx := newCmFixture(t, nil)

	fx.onData(testutils.Framed(testutils.BinaryCall("ping", 1)), false)

	filter := fx.created[0]
	fx.run(func() { filter.Callbacks.ResetDownstreamConnection() })

	assert.True(t, fx.conn.closed)
	assert.Equal(t, CloseNoFlush, fx.conn.closeType)
	assert.Equal(t, 0, fx.cm.rpcs.Len(), "close event resets in-flight rpcs")
}

// Stream IDs come from the configured random source and differ per rpc.
func TestConnManagerStreamIDs(t *testing.T) {
	next := uint64(100)
	fx := newCmFixture(t, func(cfg *Config) {
		cfg.Random = func() uint64 { next++; return next }
	})

	fx.onData(testutils.Framed(testutils.BinaryCall("a", 1)), false)
	fx.onData(testutils.Framed(testutils.BinaryCall("b", 2)), false)

	var ids []uint64
	fx.run(func() {
		for _, f := range fx.created {
			ids = append(ids, f.Callbacks.StreamID())
		}
	})
	assert.Equal(t, []uint64{101, 102}, ids)
}
