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
	"io"
	"net"
	"testing"
	"time"

	"github.com/uber/thriftrelay-go/testutils"

	"github.com/apache/thrift/lib/go/thrift"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeUpstream is a TCP server that answers each framed binary call with a
// framed binary reply carrying its own sequence numbering.
type fakeUpstream struct {
	ln net.Listener
}

func startFakeUpstream(t *testing.T) *fakeUpstream {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	u := &fakeUpstream{ln: ln}
	go u.acceptLoop()
	return u
}

func (u *fakeUpstream) addr() string { return u.ln.Addr().String() }

func (u *fakeUpstream) stop() { u.ln.Close() }

func (u *fakeUpstream) acceptLoop() {
	for {
		conn, err := u.ln.Accept()
		if err != nil {
			return
		}
		go u.serve(conn)
	}
}

func (u *fakeUpstream) serve(conn net.Conn) {
	defer conn.Close()
	for {
		frame, err := readFrame(conn)
		if err != nil {
			return
		}
		msg, _, err := testutils.ParseFramedBinary(frame)
		if err != nil {
			return
		}
		if msg.Type == thrift.ONEWAY {
			continue
		}
		// Replies use the upstream's own sequence numbering; the proxy must
		// restore the client's.
		reply := testutils.Framed(testutils.BinaryReplySuccess(msg.Method, msg.SeqID+1000, 1))
		if _, err := conn.Write(reply); err != nil {
			return
		}
	}
}

// readFrame reads one length-prefixed frame, returning header plus payload.
func readFrame(conn net.Conn) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header)
	frame := make([]byte, 4+size)
	copy(frame, header)
	if _, err := io.ReadFull(conn, frame[4:]); err != nil {
		return nil, err
	}
	return frame, nil
}

func TestServerProxiesCall(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	upstream := startFakeUpstream(t)
	defer upstream.stop()

	logger := zaptest.NewLogger(t)
	pool := NewDialPool(DialPoolOptions{
		Addresses: map[string]string{"echo": upstream.addr()},
	})

	cfg := &Config{
		Transport: "framed",
		Protocol:  "binary",
		Logger:    logger,
		Router:    NewMethodRouter([]RouteEntry{{MethodPrefix: "", Cluster: "echo"}}),
		FilterFactory: FilterChainFactoryFunc(func(cb FilterChainFactoryCallbacks) {
			cb.AddDecoderFilter(NewRouterFilter(logger, pool))
		}),
	}

	server := NewServer(cfg, ServerOptions{MaxConnections: 8})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	serveDone := make(chan error, 1)
	go func() { serveDone <- server.Serve(ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(testutils.Framed(testutils.BinaryCall("ping", 7)))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	frame, err := readFrame(conn)
	require.NoError(t, err)

	msg, rest, err := testutils.ParseFramedBinary(frame)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, thrift.REPLY, msg.Type)
	assert.Equal(t, "ping", msg.Method)
	assert.Equal(t, int32(7), msg.SeqID, "proxy must restore the downstream sequence ID")

	// A second call on the same connection works too.
	_, err = conn.Write(testutils.Framed(testutils.BinaryCall("ping", 8)))
	require.NoError(t, err)
	frame, err = readFrame(conn)
	require.NoError(t, err)
	msg, _, err = testutils.ParseFramedBinary(frame)
	require.NoError(t, err)
	assert.Equal(t, int32(8), msg.SeqID)

	require.NoError(t, server.Stop())
	require.NoError(t, <-serveDone)
}

func TestServerNoRouteReply(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	logger := zaptest.NewLogger(t)
	cfg := &Config{
		Transport: "framed",
		Protocol:  "binary",
		Logger:    logger,
		Router:    NewMethodRouter(nil),
		FilterFactory: FilterChainFactoryFunc(func(cb FilterChainFactoryCallbacks) {
			cb.AddDecoderFilter(NewRouterFilter(logger, NewDialPool(DialPoolOptions{})))
		}),
	}

	server := NewServer(cfg, ServerOptions{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	serveDone := make(chan error, 1)
	go func() { serveDone <- server.Serve(ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(testutils.Framed(testutils.BinaryCall("nowhere", 12)))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	frame, err := readFrame(conn)
	require.NoError(t, err)

	msg, _, err := testutils.ParseFramedBinary(frame)
	require.NoError(t, err)
	assert.Equal(t, thrift.EXCEPTION, msg.Type)
	assert.Equal(t, int32(12), msg.SeqID)

	require.NoError(t, server.Stop())
	require.NoError(t, <-serveDone)
}
