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
	"math/rand"
	"os"
	"time"

	"github.com/opentracing/opentracing-go"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// Config configures the proxy's per-connection machinery. The zero value is
// usable for tests: auto-detect codecs, no-op observability, and no routes.
type Config struct {
	// Transport and Protocol are registry names ("auto", "framed", "unframed",
	// "binary", "binary-upgrade"). Empty means auto-detect.
	Transport string
	Protocol  string

	// Router resolves requests to upstream clusters.
	Router Router

	// FilterFactory builds the decoder filter chain for each request.
	FilterFactory FilterChainFactory

	// StatsReporter receives the proxy's counters.
	StatsReporter StatsReporter

	// Logger receives structured logs.
	Logger *zap.Logger

	// Tracer receives one span per proxied request.
	Tracer opentracing.Tracer

	// Random produces stream IDs.
	Random func() uint64

	stats *Stats
}

// normalize fills defaults and builds shared state. It is idempotent and must
// be called before the config is shared across connections.
func (c *Config) normalize() {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.StatsReporter == nil {
		c.StatsReporter = NullStatsReporter
	}
	if c.Tracer == nil {
		c.Tracer = opentracing.NoopTracer{}
	}
	if c.Random == nil {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		c.Random = rng.Uint64
	}
	if c.FilterFactory == nil {
		c.FilterFactory = FilterChainFactoryFunc(func(cb FilterChainFactoryCallbacks) {
			cb.AddDecoderFilter(NewRouterFilter(c.Logger, NewDialPool(DialPoolOptions{})))
		})
	}
	if c.Router == nil {
		c.Router = NewMethodRouter(nil)
	}
	if c.stats == nil {
		c.stats = NewStats(c.StatsReporter, nil)
	}
}

// Stats returns the shared counter set, building it on first use.
func (c *Config) Stats() *Stats {
	if c.stats == nil {
		c.normalize()
	}
	return c.stats
}

func (c *Config) newTransport() (Transport, error) {
	return TransportFromName(c.Transport)
}

func (c *Config) newProtocol() (Protocol, error) {
	return ProtocolFromName(c.Protocol)
}

// Duration is a time.Duration that unmarshals from a YAML string like "5s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// FileConfig is the YAML configuration consumed by the proxy binary.
type FileConfig struct {
	// Listen is the downstream listener address, host:port.
	Listen string `yaml:"listen"`

	// Transport and Protocol name the downstream codecs.
	Transport string `yaml:"transport"`
	Protocol  string `yaml:"protocol"`

	// MaxConnections caps concurrent downstream connections; 0 is unlimited.
	MaxConnections int `yaml:"max_connections"`

	// ConnectTimeout bounds upstream dials.
	ConnectTimeout Duration `yaml:"connect_timeout"`

	LogLevel string `yaml:"log_level"`

	Clusters []ClusterConfig   `yaml:"clusters"`
	Routes   []RouteRuleConfig `yaml:"routes"`
}

// ClusterConfig names an upstream endpoint.
type ClusterConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

// RouteRuleConfig is one routing rule.
type RouteRuleConfig struct {
	Method       string `yaml:"method"`
	MethodPrefix string `yaml:"method_prefix"`
	Cluster      string `yaml:"cluster"`
}

// LoadFileConfig reads and validates a YAML config file.
func LoadFileConfig(path string) (*FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %v", err)
	}

	cfg := &FileConfig{}
	if err := yaml.UnmarshalStrict(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency and fills defaults.
func (c *FileConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if _, err := TransportFromName(c.Transport); err != nil {
		return err
	}
	if _, err := ProtocolFromName(c.Protocol); err != nil {
		return err
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = Duration(5 * time.Second)
	}

	clusters := make(map[string]struct{}, len(c.Clusters))
	for _, cl := range c.Clusters {
		if cl.Name == "" || cl.Address == "" {
			return fmt.Errorf("cluster entries need both name and address")
		}
		if _, dup := clusters[cl.Name]; dup {
			return fmt.Errorf("duplicate cluster %q", cl.Name)
		}
		clusters[cl.Name] = struct{}{}
	}
	for _, r := range c.Routes {
		if r.Cluster == "" {
			return fmt.Errorf("route entries need a cluster")
		}
		if r.Method != "" && r.MethodPrefix != "" {
			return fmt.Errorf("route for %q sets both method and method_prefix", r.Method)
		}
		if _, ok := clusters[r.Cluster]; !ok {
			return fmt.Errorf("route references unknown cluster %q", r.Cluster)
		}
	}
	return nil
}

// RouteEntries converts the file's route rules to router entries.
func (c *FileConfig) RouteEntries() []RouteEntry {
	entries := make([]RouteEntry, 0, len(c.Routes))
	for _, r := range c.Routes {
		entries = append(entries, RouteEntry{
			Method:       r.Method,
			MethodPrefix: r.MethodPrefix,
			Cluster:      r.Cluster,
		})
	}
	return entries
}

// ClusterAddresses returns the cluster name to address mapping.
func (c *FileConfig) ClusterAddresses() map[string]string {
	addrs := make(map[string]string, len(c.Clusters))
	for _, cl := range c.Clusters {
		addrs[cl.Name] = cl.Address
	}
	return addrs
}
