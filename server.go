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
	"net"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
)

// ServerOptions configures a Server beyond its per-connection Config.
type ServerOptions struct {
	// MaxConnections caps concurrent downstream connections; 0 is unlimited.
	MaxConnections int
}

// Server accepts downstream connections and runs a ConnectionManager over
// each on its own event loop.
type Server struct {
	cfg  *Config
	opts ServerOptions
	log  *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[*serverConnection]*EventLoop
	stopped  bool

	group errgroup.Group
}

// NewServer returns a Server over the given per-connection config.
func NewServer(cfg *Config, opts ServerOptions) *Server {
	cfg.normalize()
	return &Server{
		cfg:   cfg,
		opts:  opts,
		log:   cfg.Logger,
		conns: make(map[*serverConnection]*EventLoop),
	}
}

// ListenAndServe listens on addr and serves until Stop.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections from ln until Stop. It owns and closes ln.
func (s *Server) Serve(ln net.Listener) error {
	if s.opts.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.opts.MaxConnections)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("listening", zap.String("address", ln.Addr().String()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()

			ln.Close()
			s.closeConns()
			waitErr := s.group.Wait()
			if stopped || isClosedListenerErr(err) {
				return waitErr
			}
			return multierr.Append(err, waitErr)
		}

		if err := s.handleConn(conn); err != nil {
			s.log.Error("rejecting connection", zap.Error(err))
			conn.Close()
		}
	}
}

func (s *Server) handleConn(conn net.Conn) error {
	log := s.log.With(zap.String("remote", conn.RemoteAddr().String()))

	cm, err := NewConnectionManager(s.cfg)
	if err != nil {
		return err
	}

	loop := NewEventLoop(log)
	sc := newServerConnection(conn, loop, log)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		conn.Close()
		return nil
	}
	s.conns[sc] = loop
	s.mu.Unlock()

	sc.AddConnectionCallbacks(connectionCallbacksFunc(func(ConnectionEvent) {
		s.mu.Lock()
		delete(s.conns, sc)
		s.mu.Unlock()
		loop.Stop()
	}))

	s.group.Go(func() error {
		loop.Run()
		return nil
	})
	sc.attachReadFilter(cm)
	return nil
}

// Stop closes the listener and every active connection and returns without
// waiting; Serve returns once the connection loops have exited.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.stopped = true
	ln := s.listener
	conns := make([]*serverConnection, 0, len(s.conns))
	for sc := range s.conns {
		conns = append(conns, sc)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = multierr.Append(err, ln.Close())
	}
	closeAll(conns)
	return err
}

// closeConns tears down whatever connections remain, for shutdown paths that
// bypass Stop.
func (s *Server) closeConns() {
	s.mu.Lock()
	conns := make([]*serverConnection, 0, len(s.conns))
	for sc := range s.conns {
		conns = append(conns, sc)
	}
	s.mu.Unlock()
	closeAll(conns)
}

func closeAll(conns []*serverConnection) {
	for _, sc := range conns {
		sc := sc
		loop := sc.loop
		loop.Post(func() {
			sc.Close(CloseFlushWrite)
		})
		loop.Stop()
	}
}

type connectionCallbacksFunc func(event ConnectionEvent)

func (f connectionCallbacksFunc) OnEvent(event ConnectionEvent) { f(event) }

func isClosedListenerErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "use of closed network connection")
}
