// Copyright (C) 2025 Opsmate, Inc.
//
// This Source Code Form is subject to the terms of the Mozilla
// Public License, v. 2.0. If a copy of the MPL was not distributed
// with this file, You can obtain one at http://mozilla.org/MPL/2.0/.
//
// This software is distributed WITHOUT A WARRANTY OF ANY KIND.
// See the Mozilla Public License for details.

package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/klog/v2"

	"github.com/tracertea/src/ctstream/ctclient"
)

const (
	failureThreshold = 3
	cooldownDuration = 5 * time.Minute
)

type endpointState struct {
	client        *ctclient.Log
	address       string // for logging
	failures      int
	isUnhealthy   bool
	cooldownUntil time.Time
}

// endpointPool spreads requests over one handle per proxy (or a single direct
// handle), tracking their health with a circuit breaker.  An endpoint that
// fails failureThreshold times in a row is skipped until cooldownDuration has
// passed, after which it is tried again (half-open).
type endpointPool struct {
	mu        sync.Mutex
	endpoints []*endpointState
	next      int // for round-robin
	logName   string
	metrics   *Metrics
	now       func() time.Time
}

func newEndpointPool(config *Config, logURL *url.URL, limiter *rate.Limiter) (*endpointPool, error) {
	pool := &endpointPool{
		logName: config.logName(),
		metrics: config.Metrics,
		now:     time.Now,
	}

	if len(config.Proxies) == 0 {
		pool.endpoints = append(pool.endpoints, &endpointState{
			client:  &ctclient.Log{URL: logURL, HTTPClient: config.HTTPClient, Timeout: config.RequestTimeout, Limiter: limiter},
			address: "direct",
		})
	}
	for _, proxyAddr := range config.Proxies {
		proxyURL, err := url.Parse(proxyAddr)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url %q: %w", proxyAddr, err)
		}
		pool.endpoints = append(pool.endpoints, &endpointState{
			client:  &ctclient.Log{URL: logURL, HTTPClient: ctclient.NewHTTPClientWithProxy(proxyURL), Timeout: config.RequestTimeout, Limiter: limiter},
			address: proxyURL.Redacted(),
		})
	}
	for _, e := range pool.endpoints {
		pool.metrics.observeEndpointHealth(e.address, true)
	}
	if len(pool.endpoints) > 1 {
		klog.V(1).Infof("%s: spreading requests over %d proxies", pool.logName, len(pool.endpoints))
	}
	return pool, nil
}

// pick returns the next healthy endpoint in round-robin order.  Endpoints
// whose cooldown has expired become healthy again.  If every endpoint is
// unhealthy, the one whose cooldown ends first is used anyway.
func (pool *endpointPool) pick() *endpointState {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	now := pool.now()
	var fallback *endpointState
	for i := 0; i < len(pool.endpoints); i++ {
		idx := (pool.next + i) % len(pool.endpoints)
		e := pool.endpoints[idx]
		if e.isUnhealthy && !now.Before(e.cooldownUntil) {
			klog.V(1).Infof("%s: endpoint %s finished cooling down; trying it again", pool.logName, e.address)
			e.isUnhealthy = false
			e.failures = 0
			pool.metrics.observeEndpointHealth(e.address, true)
		}
		if !e.isUnhealthy {
			pool.next = (idx + 1) % len(pool.endpoints)
			return e
		}
		if fallback == nil || e.cooldownUntil.Before(fallback.cooldownUntil) {
			fallback = e
		}
	}
	return fallback
}

// report updates e's health after a request.  Only transport failures and
// timeouts count against an endpoint; other errors say nothing about the
// path to the log.
func (pool *endpointPool) report(e *endpointState, err error) {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	var fetchErr *ctclient.FetchError
	switch {
	case err == nil:
		if e.failures > 0 || e.isUnhealthy {
			klog.V(1).Infof("%s: endpoint %s is healthy again", pool.logName, e.address)
			pool.metrics.observeEndpointHealth(e.address, true)
		}
		e.failures = 0
		e.isUnhealthy = false
	case errors.As(err, &fetchErr) && (fetchErr.Kind == ctclient.KindTransport || fetchErr.Kind == ctclient.KindTimeout):
		if e.isUnhealthy {
			// in-flight request that started before the circuit was tripped
			return
		}
		e.failures++
		if e.failures >= failureThreshold {
			e.isUnhealthy = true
			e.cooldownUntil = pool.now().Add(cooldownDuration)
			pool.metrics.observeEndpointHealth(e.address, false)
			if len(pool.endpoints) > 1 {
				klog.Warningf("%s: endpoint %s failed %d times in a row; cooling down until %s", pool.logName, e.address, e.failures, e.cooldownUntil.Format(time.RFC3339))
			}
		}
	}
}

func (pool *endpointPool) TreeSize(ctx context.Context) (uint64, error) {
	e := pool.pick()
	size, err := e.client.TreeSize(ctx)
	pool.report(e, err)
	return size, err
}

func (pool *endpointPool) Entries(ctx context.Context, startInclusive, endExclusive uint64) ([]ctclient.RawEntry, error) {
	e := pool.pick()
	entries, err := e.client.Entries(ctx, startInclusive, endExclusive)
	pool.report(e, err)
	return entries, err
}
