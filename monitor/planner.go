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
	"cmp"
	"fmt"
	"slices"
	"sync"
)

// Range is a half-open range of log positions.
type Range struct {
	Start, End uint64
}

func (r Range) Len() uint64 { return r.End - r.Start }

func (r Range) String() string { return fmt.Sprintf("[%d, %d)", r.Start, r.End) }

// planner hands out consecutive ranges of at most batchSize entries.  It is
// the only place that decides what gets fetched, so the ranges it returns
// tile the log with no gaps or overlaps.
type planner struct {
	mu        sync.Mutex
	next      uint64 // first position not yet assigned
	batchSize uint64
	inFlight  map[uint64]Range
}

func newPlanner(start uint64, batchSize uint64) *planner {
	return &planner{
		next:      start,
		batchSize: batchSize,
		inFlight:  make(map[uint64]Range),
	}
}

// Next returns the next range to fetch, clipped to targetSize, or false if
// every position below targetSize has already been assigned.
func (p *planner) Next(targetSize uint64) (Range, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.next >= targetSize {
		return Range{}, false
	}
	r := Range{Start: p.next, End: min(p.next+p.batchSize, targetSize)}
	p.next = r.End
	p.inFlight[r.Start] = r
	return r, true
}

// Done records that r has been fetched and handed off for delivery.
func (p *planner) Done(r Range) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, r.Start)
}

// Position returns the first position not yet assigned.
func (p *planner) Position() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next
}

// InFlight returns the assigned ranges that are not yet Done, in order.
func (p *planner) InFlight() []Range {
	p.mu.Lock()
	defer p.mu.Unlock()
	ranges := make([]Range, 0, len(p.inFlight))
	for _, r := range p.inFlight {
		ranges = append(ranges, r)
	}
	slices.SortFunc(ranges, func(a, b Range) int { return cmp.Compare(a.Start, b.Start) })
	return ranges
}

// numRanges returns how many ranges Next will return before targetSize is reached.
func (p *planner) numRanges(targetSize uint64) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.next >= targetSize {
		return 0
	}
	return (targetSize - p.next + p.batchSize - 1) / p.batchSize
}
