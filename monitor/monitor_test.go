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
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tracertea/src/ctstream/ctclient"
	"github.com/tracertea/src/ctstream/cttypes"
	"github.com/tracertea/src/ctstream/testonly"
)

// fakeEndpoint serves testonly.LeafForIndex entries without HTTP.
type fakeEndpoint struct {
	mu          sync.Mutex
	treeSizes   []uint64 // successive tree sizes; the last one sticks
	entryErrs   map[uint64][]error
	corrupt     map[uint64]bool
	calls       map[uint64]int
	inFlight    int
	maxInFlight int
}

func newFakeEndpoint(treeSizes ...uint64) *fakeEndpoint {
	return &fakeEndpoint{
		treeSizes: treeSizes,
		entryErrs: make(map[uint64][]error),
		corrupt:   make(map[uint64]bool),
		calls:     make(map[uint64]int),
	}
}

func (e *fakeEndpoint) TreeSize(ctx context.Context) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	size := e.treeSizes[0]
	if len(e.treeSizes) > 1 {
		e.treeSizes = e.treeSizes[1:]
	}
	return size, nil
}

func (e *fakeEndpoint) Entries(ctx context.Context, startInclusive, endExclusive uint64) ([]ctclient.RawEntry, error) {
	e.mu.Lock()
	e.calls[startInclusive]++
	e.inFlight++
	e.maxInFlight = max(e.maxInFlight, e.inFlight)
	var err error
	if errs := e.entryErrs[startInclusive]; len(errs) > 0 {
		err, e.entryErrs[startInclusive] = errs[0], errs[1:]
	}
	e.mu.Unlock()

	time.Sleep(time.Millisecond)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.inFlight--
	if err != nil {
		return nil, err
	}
	var entries []ctclient.RawEntry
	for i := startInclusive; i < endExclusive; i++ {
		leaf := testonly.LeafForIndex(i)
		if e.corrupt[i] {
			leaf = leaf[:len(leaf)-1]
		}
		entries = append(entries, ctclient.RawEntry{LeafInput: leaf, ExtraData: testonly.X509ChainEntry()})
	}
	return entries, nil
}

func (e *fakeEndpoint) callsAt(start uint64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[start]
}

func (e *fakeEndpoint) starts() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	var starts []uint64
	for start := range e.calls {
		starts = append(starts, start)
	}
	slices.Sort(starts)
	return starts
}

func startAt(index uint64) *uint64 { return &index }

func testConfig(endpoint Endpoint) *Config {
	return &Config{
		Endpoint:     endpoint,
		Workers:      2,
		BatchSize:    4,
		PollInterval: time.Millisecond,
		StartIndex:   startAt(0),
		Retry:        fastRetry,
	}
}

// collector records delivered entries and stops after the entry at stopAfter.
type collector struct {
	stopAfter uint64
	indexes   []uint64
	entries   []*cttypes.Entry
}

func (c *collector) onEntry(entry *cttypes.Entry) bool {
	c.indexes = append(c.indexes, entry.Index)
	c.entries = append(c.entries, entry)
	return entry.Index < c.stopAfter
}

func indexRange(start, end uint64) []uint64 {
	var indexes []uint64
	for i := start; i < end; i++ {
		indexes = append(indexes, i)
	}
	return indexes
}

func streamWithTimeout(t *testing.T, config *Config, onEntry EntryFunc) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := Stream(ctx, config, onEntry)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stream did not finish: %v", err)
	}
	return err
}

func TestStreamDeliversInOrder(t *testing.T) {
	endpoint := newFakeEndpoint(10)
	c := &collector{stopAfter: 9}
	if err := streamWithTimeout(t, testConfig(endpoint), c.onEntry); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if diff := cmp.Diff(indexRange(0, 10), c.indexes); diff != "" {
		t.Errorf("delivered indexes diff (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint64{0, 4, 8}, endpoint.starts()); diff != "" {
		t.Errorf("requested ranges diff (-want +got):\n%s", diff)
	}
	for _, entry := range c.entries {
		wantPrecert := entry.Index%2 == 1
		if entry.IsPrecert() != wantPrecert {
			t.Errorf("entry %d: IsPrecert = %v, want %v", entry.Index, entry.IsPrecert(), wantPrecert)
		}
		if diff := cmp.Diff(testonly.FakeCert(entry.Index), entry.Certificate); diff != "" {
			t.Errorf("entry %d: certificate diff (-want +got):\n%s", entry.Index, diff)
		}
	}
}

func TestStreamManyWorkers(t *testing.T) {
	endpoint := newFakeEndpoint(1000)
	config := testConfig(endpoint)
	config.Workers = 8
	config.BatchSize = 7
	config.StartIndex = startAt(13)
	c := &collector{stopAfter: 999}
	if err := streamWithTimeout(t, config, c.onEntry); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if diff := cmp.Diff(indexRange(13, 1000), c.indexes); diff != "" {
		t.Errorf("delivered indexes diff (-want +got):\n%s", diff)
	}
	if endpoint.maxInFlight > config.Workers {
		t.Errorf("%d concurrent requests, want at most %d", endpoint.maxInFlight, config.Workers)
	}
}

func TestStreamStopsEarly(t *testing.T) {
	endpoint := newFakeEndpoint(100)
	c := &collector{stopAfter: 5}
	if err := streamWithTimeout(t, testConfig(endpoint), c.onEntry); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if diff := cmp.Diff(indexRange(0, 6), c.indexes); diff != "" {
		t.Errorf("delivered indexes diff (-want +got):\n%s", diff)
	}
}

func TestStreamFollowsGrowingTree(t *testing.T) {
	endpoint := newFakeEndpoint(3, 3, 3, 7, 12)
	c := &collector{stopAfter: 11}
	if err := streamWithTimeout(t, testConfig(endpoint), c.onEntry); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if diff := cmp.Diff(indexRange(0, 12), c.indexes); diff != "" {
		t.Errorf("delivered indexes diff (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint64{0, 3, 7, 11}, endpoint.starts()); diff != "" {
		t.Errorf("requested ranges diff (-want +got):\n%s", diff)
	}
}

func TestStreamFromTip(t *testing.T) {
	endpoint := newFakeEndpoint(5, 8)
	config := testConfig(endpoint)
	config.StartIndex = nil
	c := &collector{stopAfter: 7}
	if err := streamWithTimeout(t, config, c.onEntry); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if diff := cmp.Diff(indexRange(5, 8), c.indexes); diff != "" {
		t.Errorf("delivered indexes diff (-want +got):\n%s", diff)
	}
}

func TestStreamStartBeyondTree(t *testing.T) {
	endpoint := newFakeEndpoint(5, 5, 12)
	config := testConfig(endpoint)
	config.StartIndex = startAt(10)
	c := &collector{stopAfter: 11}
	if err := streamWithTimeout(t, config, c.onEntry); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if diff := cmp.Diff(indexRange(10, 12), c.indexes); diff != "" {
		t.Errorf("delivered indexes diff (-want +got):\n%s", diff)
	}
}

func TestStreamRetriesTransientErrors(t *testing.T) {
	endpoint := newFakeEndpoint(10)
	endpoint.entryErrs[4] = []error{fetchError(ctclient.KindTimeout), fetchError(ctclient.KindTransport)}
	c := &collector{stopAfter: 9}
	if err := streamWithTimeout(t, testConfig(endpoint), c.onEntry); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if diff := cmp.Diff(indexRange(0, 10), c.indexes); diff != "" {
		t.Errorf("delivered indexes diff (-want +got):\n%s", diff)
	}
	if got := endpoint.callsAt(4); got != 3 {
		t.Errorf("requests for [4, 8) = %d, want 3", got)
	}
}

func TestStreamRetriesExhausted(t *testing.T) {
	endpoint := newFakeEndpoint(10)
	for i := 0; i <= fastRetry.MaxRetries; i++ {
		endpoint.entryErrs[0] = append(endpoint.entryErrs[0], fetchError(ctclient.KindTransport))
	}
	c := &collector{stopAfter: 9}
	err := streamWithTimeout(t, testConfig(endpoint), c.onEntry)
	var streamErr *Error
	if !errors.As(err, &streamErr) || streamErr.Kind != KindTransport {
		t.Fatalf("Stream = %v, want transport *Error", err)
	}
	if len(c.indexes) != 0 {
		t.Errorf("delivered %v past a failed range", c.indexes)
	}
	if got := endpoint.callsAt(0); got != fastRetry.MaxRetries+1 {
		t.Errorf("requests for [0, 4) = %d, want %d", got, fastRetry.MaxRetries+1)
	}
}

func TestStreamProtocolErrorIsFatal(t *testing.T) {
	endpoint := newFakeEndpoint(10)
	endpoint.entryErrs[4] = []error{fetchError(ctclient.KindProtocol)}
	c := &collector{stopAfter: 9}
	err := streamWithTimeout(t, testConfig(endpoint), c.onEntry)
	if KindOf(err) != KindProtocol {
		t.Fatalf("Stream = %v, want protocol error", err)
	}
	if got := endpoint.callsAt(4); got != 1 {
		t.Errorf("requests for [4, 8) = %d, want 1", got)
	}
	for _, index := range c.indexes {
		if index >= 4 {
			t.Errorf("delivered entry %d from a failed range", index)
		}
	}
}

func TestStreamDecodeErrorIsFatal(t *testing.T) {
	endpoint := newFakeEndpoint(10)
	endpoint.corrupt[6] = true
	c := &collector{stopAfter: 9}
	err := streamWithTimeout(t, testConfig(endpoint), c.onEntry)
	var decodeErr *cttypes.DecodeError
	if KindOf(err) != KindDecode || !errors.As(err, &decodeErr) {
		t.Fatalf("Stream = %v, want decode error", err)
	}
	if decodeErr.Index != 6 {
		t.Errorf("DecodeError.Index = %d, want 6", decodeErr.Index)
	}
	if got := endpoint.callsAt(4); got != 1 {
		t.Errorf("requests for [4, 8) = %d, want 1", got)
	}
	for _, index := range c.indexes {
		if index >= 4 {
			t.Errorf("delivered entry %d from a malformed range", index)
		}
	}
}

func TestStreamTreeShrinks(t *testing.T) {
	endpoint := newFakeEndpoint(10, 10, 4)
	c := &collector{stopAfter: 100}
	err := streamWithTimeout(t, testConfig(endpoint), c.onEntry)
	if KindOf(err) != KindConsistency {
		t.Fatalf("Stream = %v, want consistency error", err)
	}
	if diff := cmp.Diff(indexRange(0, 10), c.indexes); diff != "" {
		t.Errorf("delivered indexes diff (-want +got):\n%s", diff)
	}
}

func TestStreamCanceled(t *testing.T) {
	endpoint := newFakeEndpoint(5)
	config := testConfig(endpoint)
	config.StartIndex = nil
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := Stream(ctx, config, func(entry *cttypes.Entry) bool {
		t.Errorf("unexpected entry %d", entry.Index)
		return true
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Stream = %v, want context.DeadlineExceeded", err)
	}
}

func TestStreamCanceledDuringCycle(t *testing.T) {
	endpoint := newFakeEndpoint(1000)
	config := testConfig(endpoint)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	delivered := 0
	err := Stream(ctx, config, func(entry *cttypes.Entry) bool {
		delivered++
		if entry.Index == 20 {
			cancel()
		}
		return true
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Stream = %v, want context.Canceled", err)
	}
	if delivered >= 1000 {
		t.Errorf("delivered %d entries after cancellation", delivered)
	}
}

func TestStreamHTTP(t *testing.T) {
	fake := testonly.NewFakeLog(50)
	fake.PageSize = 3
	fake.AddEntryFaults(10, testonly.Fault{Status: 429}, testonly.Fault{Status: 429})
	fake.AddSTHFaults(testonly.Fault{Status: 429})
	server := httptest.NewServer(fake)
	defer server.Close()

	registry := prometheus.NewRegistry()
	config := &Config{
		LogURL:       server.URL + "/",
		HTTPClient:   server.Client(),
		Workers:      3,
		BatchSize:    10,
		PollInterval: time.Millisecond,
		StartIndex:   startAt(0),
		Retry:        fastRetry,
		Metrics:      NewMetrics(registry),
	}
	c := &collector{stopAfter: 49}
	if err := streamWithTimeout(t, config, c.onEntry); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if diff := cmp.Diff(indexRange(0, 50), c.indexes); diff != "" {
		t.Errorf("delivered indexes diff (-want +got):\n%s", diff)
	}
	if got := fake.EntriesCalls(10); got != 3 {
		t.Errorf("get-entries calls at 10 = %d, want 3", got)
	}
	if got := gatherValue(t, registry, "ctstream_entries_delivered_total", nil); got != 50 {
		t.Errorf("entries delivered metric = %v, want 50", got)
	}
	if got := gatherValue(t, registry, "ctstream_next_index", nil); got != 50 {
		t.Errorf("next index metric = %v, want 50", got)
	}
	if got := gatherValue(t, registry, "ctstream_tree_size", nil); got != 50 {
		t.Errorf("tree size metric = %v, want 50", got)
	}
	if got := gatherValue(t, registry, "ctstream_retries_total", map[string]string{"kind": "rate_limited"}); got != 3 {
		t.Errorf("rate limited retries metric = %v, want 3", got)
	}
}
