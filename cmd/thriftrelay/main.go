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

// thriftrelay is a Thrift-aware TCP proxy: it decodes downstream requests,
// routes them by method name to upstream clusters, and relays replies back
// with the client's original sequence IDs.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/uber/thriftrelay-go"
	"github.com/uber/thriftrelay-go/stats"

	"github.com/cactus/go-statsd-client/statsd"
	flags "github.com/jessevdk/go-flags"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var opts struct {
	Config   string `short:"c" long:"config" required:"true" description:"Path to the YAML config file"`
	LogLevel string `long:"log-level" description:"Override the configured log level"`
	Statsd   string `long:"statsd" description:"Emit counters to this statsd host:port"`
}

func main() {
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	fileCfg, err := thriftrelay.LoadFileConfig(opts.Config)
	if err != nil {
		return err
	}

	logger, err := newLogger(fileCfg.LogLevel, opts.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	reporter, err := newReporter()
	if err != nil {
		return err
	}

	pool := thriftrelay.NewDialPool(thriftrelay.DialPoolOptions{
		Addresses:      fileCfg.ClusterAddresses(),
		ConnectTimeout: time.Duration(fileCfg.ConnectTimeout),
	})

	cfg := &thriftrelay.Config{
		Transport:     fileCfg.Transport,
		Protocol:      fileCfg.Protocol,
		Router:        thriftrelay.NewMethodRouter(fileCfg.RouteEntries()),
		StatsReporter: reporter,
		Logger:        logger,
		FilterFactory: thriftrelay.FilterChainFactoryFunc(func(cb thriftrelay.FilterChainFactoryCallbacks) {
			cb.AddDecoderFilter(thriftrelay.NewRouterFilter(logger, pool))
		}),
	}

	server := thriftrelay.NewServer(cfg, thriftrelay.ServerOptions{
		MaxConnections: fileCfg.MaxConnections,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", zap.String("signal", sig.String()))
		if err := server.Stop(); err != nil {
			logger.Warn("shutdown error", zap.Error(err))
		}
	}()

	return server.ListenAndServe(fileCfg.Listen)
}

func newLogger(configured, override string) (*zap.Logger, error) {
	level := configured
	if override != "" {
		level = override
	}
	if level == "" {
		level = "info"
	}

	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("bad log level %q: %v", level, err)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(parsed)
	return zapCfg.Build()
}

func newReporter() (thriftrelay.StatsReporter, error) {
	if opts.Statsd == "" {
		return stats.NewTallyReporter(tally.NoopScope), nil
	}

	client, err := statsd.NewClient(opts.Statsd, "thriftrelay")
	if err != nil {
		return nil, fmt.Errorf("statsd client: %v", err)
	}
	return stats.NewStatsdReporter(client), nil
}
