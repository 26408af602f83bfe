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
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/tracertea/src/ctstream/ctclient"
)

// gatherValue returns the value of the counter or gauge called name whose
// labels include labels.
func gatherValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if !hasLabels(metric, labels) {
				continue
			}
			switch {
			case metric.GetCounter() != nil:
				return metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				return metric.GetGauge().GetValue()
			}
		}
	}
	t.Fatalf("no metric %s with labels %v", name, labels)
	return 0
}

func hasLabels(metric *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, pair := range metric.GetLabel() {
		if value, ok := labels[pair.GetName()]; ok && value == pair.GetValue() {
			matched++
		}
	}
	return matched == len(labels)
}

func TestMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.observeRequest("get-entries", time.Now(), nil)
	m.observeRequest("get-entries", time.Now(), fetchError(ctclient.KindProtocol))
	m.observeRetry(fetchError(ctclient.KindTimeout))
	m.observeRetry(errors.New("custom"))
	m.observeDelivered(42)
	m.observeTreeSize(1000)
	m.observePending(3)
	m.observeEndpointHealth("direct", false)

	for _, test := range []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"ctstream_requests_total", map[string]string{"op": "get-entries", "outcome": "ok"}, 1},
		{"ctstream_requests_total", map[string]string{"op": "get-entries", "outcome": "protocol"}, 1},
		{"ctstream_retries_total", map[string]string{"kind": "timeout"}, 1},
		{"ctstream_retries_total", map[string]string{"kind": "unknown"}, 1},
		{"ctstream_entries_delivered_total", nil, 1},
		{"ctstream_next_index", nil, 42},
		{"ctstream_tree_size", nil, 1000},
		{"ctstream_pending_batches", nil, 3},
		{"ctstream_endpoint_healthy", map[string]string{"endpoint": "direct"}, 0},
	} {
		if got := gatherValue(t, registry, test.name, test.labels); got != test.want {
			t.Errorf("%s%v = %v, want %v", test.name, test.labels, got, test.want)
		}
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.observeRequest("get-sth", time.Now(), nil)
	m.observeRetry(nil)
	m.observeDelivered(1)
	m.observeTreeSize(1)
	m.observePending(1)
	m.observeEndpointHealth("direct", true)
}
