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

import "strings"

// Route is a resolved routing decision.
type Route interface {
	// ClusterName names the upstream cluster this request should go to.
	ClusterName() string
}

// Router resolves a route for a request from its metadata. A nil result means
// no route matched.
type Router interface {
	Route(metadata *MessageMetadata, streamID uint64) Route
}

// RouteEntry is one method-match rule. Exactly one of Method or MethodPrefix
// should be set; an entry with both empty matches everything.
type RouteEntry struct {
	Method       string
	MethodPrefix string
	Cluster      string
}

type staticRoute struct {
	cluster string
}

func (r *staticRoute) ClusterName() string { return r.cluster }

// methodRouter routes by method name: exact matches first, then prefix rules
// in declaration order.
type methodRouter struct {
	exact    map[string]Route
	prefixes []RouteEntry
	routes   map[string]Route
}

// NewMethodRouter returns a Router over the given rules.
func NewMethodRouter(entries []RouteEntry) Router {
	r := &methodRouter{
		exact:  make(map[string]Route),
		routes: make(map[string]Route),
	}
	for _, e := range entries {
		if e.Method != "" {
			r.exact[e.Method] = r.routeTo(e.Cluster)
			continue
		}
		r.prefixes = append(r.prefixes, e)
	}
	return r
}

// routeTo interns Route values so repeated rules share one instance.
func (r *methodRouter) routeTo(cluster string) Route {
	if route, ok := r.routes[cluster]; ok {
		return route
	}
	route := &staticRoute{cluster: cluster}
	r.routes[cluster] = route
	return route
}

func (r *methodRouter) Route(metadata *MessageMetadata, streamID uint64) Route {
	if !metadata.HasMethodName() {
		return nil
	}

	method := metadata.MethodName()
	if route, ok := r.exact[method]; ok {
		return route
	}
	for _, e := range r.prefixes {
		if strings.HasPrefix(method, e.MethodPrefix) {
			return r.routeTo(e.Cluster)
		}
	}
	return nil
}
