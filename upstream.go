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
	"fmt"
	"net"
	"time"
)

// ClusterPool hands out upstream connections by cluster name.
type ClusterPool interface {
	GetConnection(cluster string) (net.Conn, error)
}

// DialPoolOptions configures a DialPool.
type DialPoolOptions struct {
	// Addresses maps cluster names to host:port endpoints.
	Addresses map[string]string

	// ConnectTimeout bounds each dial. Zero means 5s.
	ConnectTimeout time.Duration
}

// DialPool is the simplest ClusterPool: one fresh TCP connection per request,
// closed when the request completes.
type DialPool struct {
	opts DialPoolOptions
}

// NewDialPool returns a dial-per-request ClusterPool.
func NewDialPool(opts DialPoolOptions) *DialPool {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	return &DialPool{opts: opts}
}

// GetConnection implements ClusterPool.
func (p *DialPool) GetConnection(cluster string) (net.Conn, error) {
	addr, ok := p.opts.Addresses[cluster]
	if !ok {
		return nil, fmt.Errorf("unknown cluster %q", cluster)
	}
	return net.DialTimeout("tcp", addr, p.opts.ConnectTimeout)
}
