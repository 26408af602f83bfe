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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports Prometheus metrics about a stream.  A nil *Metrics records nothing.
type Metrics struct {
	entriesDelivered prometheus.Counter
	requests         *prometheus.CounterVec
	retries          *prometheus.CounterVec
	requestLatency   *prometheus.HistogramVec
	treeSize         prometheus.Gauge
	nextIndex        prometheus.Gauge
	pendingBatches   prometheus.Gauge
	endpointHealthy  *prometheus.GaugeVec
}

// NewMetrics creates stream metrics and registers them with reg, which may be
// nil to leave them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		entriesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "ctstream_entries_delivered_total",
			Help: "Number of log entries handed to the consumer.",
		}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ctstream_requests_total",
			Help: "Number of requests to the log, by operation and outcome.",
		}, []string{"op", "outcome"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ctstream_retries_total",
			Help: "Number of retried requests, by error kind.",
		}, []string{"kind"}),
		requestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ctstream_request_duration_seconds",
			Help:    "Latency of requests to the log, including paging.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"op"}),
		treeSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ctstream_tree_size",
			Help: "Most recently observed tree size.",
		}),
		nextIndex: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ctstream_next_index",
			Help: "Index of the next entry to be delivered.",
		}),
		pendingBatches: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ctstream_pending_batches",
			Help: "Fetched batches waiting for an earlier batch before delivery.",
		}),
		endpointHealthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ctstream_endpoint_healthy",
			Help: "Whether each endpoint (direct or proxy) is currently considered healthy.",
		}, []string{"endpoint"}),
	}
}

func (m *Metrics) observeRequest(op string, started time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = KindOf(err).String()
	}
	m.requests.WithLabelValues(op, outcome).Inc()
	m.requestLatency.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

func (m *Metrics) observeRetry(err error) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(KindOf(err).String()).Inc()
}

func (m *Metrics) observeDelivered(nextIndex uint64) {
	if m == nil {
		return
	}
	m.entriesDelivered.Inc()
	m.nextIndex.Set(float64(nextIndex))
}

func (m *Metrics) observeTreeSize(treeSize uint64) {
	if m == nil {
		return
	}
	m.treeSize.Set(float64(treeSize))
}

func (m *Metrics) observePending(n int) {
	if m == nil {
		return
	}
	m.pendingBatches.Set(float64(n))
}

func (m *Metrics) observeEndpointHealth(endpoint string, healthy bool) {
	if m == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1
	}
	m.endpointHealthy.WithLabelValues(endpoint).Set(value)
}
