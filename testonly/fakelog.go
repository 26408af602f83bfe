// Copyright (C) 2025 Opsmate, Inc.
//
// This Source Code Form is subject to the terms of the Mozilla
// Public License, v. 2.0. If a copy of the MPL was not distributed
// with this file, You can obtain one at http://mozilla.org/MPL/2.0/.
//
// This software is distributed WITHOUT A WARRANTY OF ANY KIND.
// See the Mozilla Public License for details.
package testonly

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// Fault describes how the fake log should misbehave for one request.
type Fault struct {
	Status     int           // HTTP status to return instead of 200 (0 to not fail)
	RetryAfter string        // value of the Retry-After header
	Delay      time.Duration // time to stall before responding
	Body       string        // body to return instead of the normal response
}

// FakeLog is an http.Handler serving get-sth and get-entries for a log whose
// entry at index i is LeafForIndex(i).
type FakeLog struct {
	PageSize uint64 // maximum number of entries per get-entries response; 0 for unlimited

	mu           sync.Mutex
	treeSizes    []uint64 // successive tree sizes to report; the last one sticks
	sthFaults    []Fault
	entryFaults  map[uint64][]Fault
	entriesCalls map[uint64]int
	sthCalls     int
	maxInFlight  int
	inFlight     int
}

func NewFakeLog(treeSize uint64) *FakeLog {
	return &FakeLog{
		treeSizes:    []uint64{treeSize},
		entryFaults:  make(map[uint64][]Fault),
		entriesCalls: make(map[uint64]int),
	}
}

// SetTreeSizes makes successive get-sth calls report the given sizes.  Once
// exhausted, the last size continues to be reported.
func (l *FakeLog) SetTreeSizes(sizes ...uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.treeSizes = append([]uint64(nil), sizes...)
}

// AddEntryFaults queues faults for get-entries requests starting at start.
func (l *FakeLog) AddEntryFaults(start uint64, faults ...Fault) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entryFaults[start] = append(l.entryFaults[start], faults...)
}

// AddSTHFaults queues faults for get-sth requests.
func (l *FakeLog) AddSTHFaults(faults ...Fault) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sthFaults = append(l.sthFaults, faults...)
}

// EntriesCalls returns the number of get-entries requests seen starting at start.
func (l *FakeLog) EntriesCalls(start uint64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entriesCalls[start]
}

func (l *FakeLog) STHCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sthCalls
}

// MaxInFlight returns the largest number of concurrent get-entries requests observed.
func (l *FakeLog) MaxInFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxInFlight
}

func (l *FakeLog) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/ct/v1/get-sth":
		l.serveSTH(w, r)
	case "/ct/v1/get-entries":
		l.serveEntries(w, r)
	case "/ct/v1/get-roots":
		writeJSON(w, map[string]any{"certificates": [][]byte{FakeCert(0)}})
	default:
		http.NotFound(w, r)
	}
}

func (l *FakeLog) serveSTH(w http.ResponseWriter, r *http.Request) {
	l.mu.Lock()
	l.sthCalls++
	size := l.treeSizes[0]
	if len(l.treeSizes) > 1 {
		l.treeSizes = l.treeSizes[1:]
	}
	var fault *Fault
	if len(l.sthFaults) > 0 {
		fault = &l.sthFaults[0]
		l.sthFaults = l.sthFaults[1:]
	}
	l.mu.Unlock()

	if applyFault(w, r, fault) {
		return
	}
	writeJSON(w, map[string]any{
		"tree_size":           size,
		"timestamp":           1_600_000_000_000 + size,
		"sha256_root_hash":    make([]byte, 32),
		"tree_head_signature": []byte{4, 3, 0, 0},
	})
}

func (l *FakeLog) serveEntries(w http.ResponseWriter, r *http.Request) {
	start, err1 := strconv.ParseUint(r.URL.Query().Get("start"), 10, 64)
	end, err2 := strconv.ParseUint(r.URL.Query().Get("end"), 10, 64)
	if err1 != nil || err2 != nil || end < start {
		http.Error(w, "bad start/end", http.StatusBadRequest)
		return
	}

	l.mu.Lock()
	l.entriesCalls[start]++
	l.inFlight++
	l.maxInFlight = max(l.maxInFlight, l.inFlight)
	size := l.treeSizes[0]
	var fault *Fault
	if faults := l.entryFaults[start]; len(faults) > 0 {
		fault = &faults[0]
		l.entryFaults[start] = faults[1:]
	}
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.inFlight--
		l.mu.Unlock()
	}()

	if applyFault(w, r, fault) {
		return
	}
	if start >= size {
		http.Error(w, fmt.Sprintf("start %d beyond tree size %d", start, size), http.StatusBadRequest)
		return
	}
	end = min(end, size-1)
	if l.PageSize != 0 {
		end = min(end, start+l.PageSize-1)
	}

	type entry struct {
		LeafInput string `json:"leaf_input"`
		ExtraData string `json:"extra_data"`
	}
	entries := make([]entry, 0, end-start+1)
	for i := start; i <= end; i++ {
		entries = append(entries, entry{
			LeafInput: base64.StdEncoding.EncodeToString(LeafForIndex(i)),
			ExtraData: base64.StdEncoding.EncodeToString(X509ChainEntry()),
		})
	}
	writeJSON(w, map[string]any{"entries": entries})
}

// applyFault carries out fault, reporting whether the response has been written.
func applyFault(w http.ResponseWriter, r *http.Request, fault *Fault) bool {
	if fault == nil {
		return false
	}
	if fault.Delay > 0 {
		timer := time.NewTimer(fault.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-r.Context().Done():
			return true
		}
	}
	if fault.RetryAfter != "" {
		w.Header().Set("Retry-After", fault.RetryAfter)
	}
	switch {
	case fault.Status != 0:
		w.WriteHeader(fault.Status)
		fmt.Fprint(w, fault.Body)
		return true
	case fault.Body != "":
		fmt.Fprint(w, fault.Body)
		return true
	default:
		return false
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
