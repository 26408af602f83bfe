// Copyright (C) 2016, 2023 Opsmate, Inc.
//
// This Source Code Form is subject to the terms of the Mozilla
// Public License, v. 2.0. If a copy of the MPL was not distributed
// with this file, You can obtain one at http://mozilla.org/MPL/2.0/.
//
// This software is distributed WITHOUT A WARRANTY OF ANY KIND.
// See the Mozilla Public License for details.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/tracertea/src/ctstream/certificate"
	"github.com/tracertea/src/ctstream/ctclient"
	"github.com/tracertea/src/ctstream/cttypes"
	"github.com/tracertea/src/ctstream/loglist"
	"github.com/tracertea/src/ctstream/monitor"
)

var programName = os.Args[0]
var Version = "unknown"
var Source = "unknown"

const checkpointInterval = 5 * time.Second

func ctstreamVersion() (string, string) {
	if buildinfo, ok := debug.ReadBuildInfo(); ok && strings.HasPrefix(buildinfo.Main.Version, "v") {
		return strings.TrimPrefix(buildinfo.Main.Version, "v"), buildinfo.Main.Path
	} else {
		return Version, Source
	}
}

func newMonitorConfig(ctx context.Context, opts *options) (*monitor.Config, error) {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = -1
	}
	config := &monitor.Config{
		LogURL:         opts.LogURL,
		Proxies:        opts.Proxies,
		RequestTimeout: opts.Timeout,
		MaxRequestRate: opts.Rate,
		Workers:        opts.Workers,
		BatchSize:      opts.BatchSize,
		PollInterval:   opts.PollInterval,
		Retry:          monitor.RetryPolicy{MaxRetries: maxRetries},
	}

	if opts.Log != "" {
		list, err := loglist.Load(ctx, opts.Logs)
		if err != nil {
			return nil, err
		}
		ctlog := list.FindByURL(opts.Log)
		if ctlog == nil {
			return nil, fmt.Errorf("log %s is not in the log list %s", opts.Log, opts.Logs)
		}
		config.LogURL = ctlog.URL
		if config.BatchSize == 0 {
			config.BatchSize = ctlog.BatchSize()
		}
		if config.Workers == 0 {
			config.Workers = ctlog.Workers()
		}
		klog.V(1).Infof("%s: %s (log ID %s)", ctlog.URL, ctlog.Description, ctlog.LogID.Base64String())
	}

	startIndex, err := opts.startIndex()
	if err != nil {
		return nil, err
	}
	config.StartIndex = startIndex
	return config, nil
}

func serveMetrics(addr string, registry *prometheus.Registry) (*http.Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("error listening for metrics requests: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Errorf("metrics server failed: %s", err)
		}
	}()
	klog.V(1).Infof("serving metrics on http://%s/metrics", listener.Addr())
	return server, nil
}

func listRoots(ctx context.Context, config *monitor.Config, stdout io.Writer) error {
	logURL, err := url.Parse(config.LogURL)
	if err != nil {
		return fmt.Errorf("log has invalid URL: %w", err)
	}
	ctlog := &ctclient.Log{URL: logURL, Timeout: config.RequestTimeout}
	roots, err := ctlog.GetRoots(ctx)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(stdout)
	for _, der := range roots {
		record := struct {
			DER         []byte                   `json:"der"`
			Certificate *certificate.Certificate `json:"certificate,omitempty"`
		}{DER: der}
		record.Certificate, _ = certificate.Parse(der)
		if err := encoder.Encode(record); err != nil {
			return err
		}
	}
	return nil
}

func run(ctx context.Context, opts *options, stdout io.Writer) error {
	config, err := newMonitorConfig(ctx, opts)
	if err != nil {
		return err
	}
	if opts.listRoots {
		return listRoots(ctx, config, stdout)
	}

	if opts.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		config.Metrics = monitor.NewMetrics(registry)
		server, err := serveMetrics(opts.MetricsAddr, registry)
		if err != nil {
			return err
		}
		defer server.Close()
	}

	out := newSink(stdout, opts.StateFile)
	checkpointCtx, stopCheckpoints := context.WithCancel(ctx)
	defer stopCheckpoints()
	go out.checkpointPeriodically(checkpointCtx, checkpointInterval)

	var outputErr error
	streamErr := monitor.Stream(ctx, config, func(entry *cttypes.Entry) bool {
		if outputErr = out.Write(entry); outputErr != nil {
			return false
		}
		return opts.Limit == 0 || out.Count() < opts.Limit
	})
	stopCheckpoints()
	if err := out.Checkpoint(); err != nil && outputErr == nil {
		outputErr = err
	}
	if outputErr != nil {
		return fmt.Errorf("error writing output: %w", outputErr)
	}
	return streamErr
}

func main() {
	version, source := ctstreamVersion()

	ctclient.UserAgent = fmt.Sprintf("ctstream/%s (%s; %s; %s; %s)", version, source, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	loglist.UserAgent = ctclient.UserAgent

	opts, err := parseOptions(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", programName, err)
		os.Exit(2)
	}
	if opts.version {
		fmt.Fprintf(os.Stdout, "ctstream version %s (%s)\n", version, source)
		os.Exit(0)
	}
	if err := opts.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", programName, err)
		os.Exit(2)
	}

	if opts.LocalAddr != "" {
		customDialContext := func(ctx context.Context, network, address string) (net.Conn, error) {
			localTCPAddr, err := net.ResolveTCPAddr(network, opts.LocalAddr+":0")
			if err != nil {
				return nil, fmt.Errorf("failed to resolve local address %s: %w", opts.LocalAddr, err)
			}

			d := &net.Dialer{
				LocalAddr: localTCPAddr,
			}
			return d.DialContext(ctx, network, address)
		}

		customClient := ctclient.NewDialHTTPClient(customDialContext)
		ctclient.SetDefaultHTTPClient(customClient)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = run(ctx, opts, os.Stdout)
	if ctx.Err() == context.Canceled && errors.Is(err, context.Canceled) {
		klog.V(1).Info("exiting due to SIGINT or SIGTERM")
		klog.Flush()
		os.Exit(0)
	} else if err != nil {
		klog.Flush()
		fmt.Fprintf(os.Stderr, "%s: %s\n", programName, err)
		os.Exit(1)
	}
	klog.Flush()
}
