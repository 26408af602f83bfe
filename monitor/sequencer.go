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
	"fmt"
	"sync"

	"github.com/tracertea/src/ctstream/cttypes"
)

// batch is a fetched and decoded range.
type batch struct {
	begin, end uint64
	entries    []*cttypes.Entry // entries[i] is at position begin+i
}

// sequencer accepts batches in any order and releases them in log order.
// Add blocks while the batch starts capacity or more positions ahead of the
// next position to release, which bounds how far fast workers can run ahead.
type sequencer struct {
	mu       sync.Mutex
	next     uint64
	capacity uint64
	pending  map[uint64]*batch
	changed  chan struct{} // closed and replaced whenever next or pending changes
}

func newSequencer(next uint64, capacity uint64) *sequencer {
	return &sequencer{
		next:     next,
		capacity: max(capacity, 1),
		pending:  make(map[uint64]*batch),
		changed:  make(chan struct{}),
	}
}

// must hold s.mu
func (s *sequencer) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// wait releases s.mu until the sequencer changes or ctx is done, and
// reacquires it.
func (s *sequencer) wait(ctx context.Context) error {
	changed := s.changed
	s.mu.Unlock()
	defer s.mu.Lock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-changed:
		return nil
	}
}

func (s *sequencer) Add(ctx context.Context, b *batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if b.begin < s.next {
			return fmt.Errorf("sequencer: batch [%d, %d) starts before next position %d", b.begin, b.end, s.next)
		}
		if _, exists := s.pending[b.begin]; exists {
			return fmt.Errorf("sequencer: duplicate batch starting at %d", b.begin)
		}
		if b.begin-s.next < s.capacity {
			break
		}
		if err := s.wait(ctx); err != nil {
			return err
		}
	}
	s.pending[b.begin] = b
	if b.begin == s.next {
		s.broadcast()
	}
	return nil
}

// Next blocks until the batch starting at the next position has been added,
// removes it, and advances the next position past it.
func (s *sequencer) Next(ctx context.Context) (*batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if b, ok := s.pending[s.next]; ok {
			delete(s.pending, s.next)
			s.next = b.end
			s.broadcast()
			return b, nil
		}
		if err := s.wait(ctx); err != nil {
			return nil, err
		}
	}
}

// Len returns the number of batches waiting for an earlier batch.
func (s *sequencer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Position returns the next position to be released.
func (s *sequencer) Position() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}
