// Copyright (C) 2025 Opsmate, Inc.
//
// This Source Code Form is subject to the terms of the Mozilla
// Public License, v. 2.0. If a copy of the MPL was not distributed
// with this file, You can obtain one at http://mozilla.org/MPL/2.0/.
//
// This software is distributed WITHOUT A WARRANTY OF ANY KIND.
// See the Mozilla Public License for details.

// Package monitor streams the entries of a Certificate Transparency log, in
// order, to a caller-supplied function.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/looplab/fsm"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/tracertea/src/ctstream/ctclient"
	"github.com/tracertea/src/ctstream/cttypes"
)

// EntryFunc receives each entry in log order.  Returning false stops the stream.
type EntryFunc func(entry *cttypes.Entry) bool

const (
	statePolling     = "polling"
	stateDispatching = "dispatching"
	stateDraining    = "draining"
	stateIdling      = "idling"
	stateStopped     = "stopped"

	eventDiscover = "discover" // the tree has grown past the next position
	eventWait     = "wait"     // nothing new
	eventDrain    = "drain"    // workers started; deliver as batches complete
	eventRest     = "rest"     // every discovered entry has been delivered
	eventPoll     = "poll"
	eventStop     = "stop"
)

type session struct {
	config   *Config
	endpoint Endpoint
	onEntry  EntryFunc
	machine  *fsm.FSM

	knownTreeSize uint64
	started       bool
	next          uint64 // position of the next entry to deliver

	planner   *planner
	sequencer *sequencer
}

// Stream polls the log for new entries and passes them to onEntry strictly
// in log order, with no gaps and no duplicates, starting at
// config.StartIndex.  Entries are fetched by config.Workers concurrent
// workers in ranges of up to config.BatchSize entries.
//
// Stream returns nil once onEntry returns false, ctx.Err() if ctx is done,
// and an *Error for any failure that could not be retried away.
func Stream(ctx context.Context, config *Config, onEntry EntryFunc) error {
	config = config.withDefaults()
	endpoint, err := config.newEndpoint()
	if err != nil {
		return err
	}
	s := &session{
		config:   config,
		endpoint: endpoint,
		onEntry:  onEntry,
	}
	s.machine = fsm.NewFSM(
		statePolling,
		fsm.Events{
			{Name: eventDiscover, Src: []string{statePolling}, Dst: stateDispatching},
			{Name: eventWait, Src: []string{statePolling}, Dst: stateIdling},
			{Name: eventDrain, Src: []string{stateDispatching}, Dst: stateDraining},
			{Name: eventRest, Src: []string{stateDraining}, Dst: stateIdling},
			{Name: eventPoll, Src: []string{stateIdling}, Dst: statePolling},
			{Name: eventStop, Src: []string{statePolling, stateDispatching, stateDraining, stateIdling}, Dst: stateStopped},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				klog.V(3).Infof("%s: %s -> %s", s.config.logName(), e.Src, e.Dst)
			},
		},
	)
	err = s.run(ctx)
	s.fire(ctx, eventStop)
	return err
}

// fire transitions the state machine.  Transitions are driven by this
// package alone, so an invalid one is a bug.
func (s *session) fire(ctx context.Context, event string) {
	if err := s.machine.Event(context.WithoutCancel(ctx), event); err != nil {
		panic(fmt.Errorf("monitor: invalid %q event in state %s: %w", event, s.machine.Current(), err))
	}
}

func (s *session) run(ctx context.Context) error {
	for {
		treeSize, err := s.pollTreeSize(ctx)
		if err != nil {
			return err
		}

		if treeSize > s.next {
			s.fire(ctx, eventDiscover)
			stopped, err := s.runCycle(ctx, treeSize)
			if err != nil || stopped {
				return err
			}
			s.fire(ctx, eventRest)
		} else {
			s.fire(ctx, eventWait)
		}

		if err := sleep(ctx, s.config.PollInterval); err != nil {
			return err
		}
		s.fire(ctx, eventPoll)
	}
}

// pollTreeSize fetches the current tree size and checks it against the
// sizes observed earlier in the session.  The first call also fixes the
// starting position.
func (s *session) pollTreeSize(ctx context.Context) (uint64, error) {
	var treeSize uint64
	started := time.Now()
	err := withRetry(ctx, s.config.Retry, s.config.Metrics, "get-sth", func() error {
		var err error
		treeSize, err = s.endpoint.TreeSize(ctx)
		return err
	})
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	s.config.Metrics.observeRequest("get-sth", started, err)
	if err != nil {
		return 0, &Error{Kind: KindOf(err), Op: "get-sth", Err: err}
	}

	if treeSize < s.knownTreeSize {
		return 0, &Error{
			Kind: KindConsistency,
			Op:   "get-sth",
			Err:  fmt.Errorf("tree size decreased from %d to %d", s.knownTreeSize, treeSize),
		}
	}
	s.knownTreeSize = treeSize
	s.config.Metrics.observeTreeSize(treeSize)

	if !s.started {
		s.started = true
		if s.config.StartIndex != nil {
			s.next = *s.config.StartIndex
		} else {
			s.next = treeSize
		}
		s.planner = newPlanner(s.next, s.config.BatchSize)
		s.sequencer = newSequencer(s.next, uint64(s.config.Workers)*s.config.BatchSize)
		klog.V(1).Infof("%s: streaming from position %d (tree size %d)", s.config.logName(), s.next, treeSize)
	}
	return treeSize, nil
}

// runCycle fetches and delivers every entry in [s.next, treeSize).  It
// reports stopped if onEntry asked to stop.
func (s *session) runCycle(ctx context.Context, treeSize uint64) (stopped bool, err error) {
	if pos := s.planner.Position(); pos != s.next {
		panic(fmt.Errorf("monitor: planner is at %d but next position is %d", pos, s.next))
	}
	cycleStart, cycleStarted := s.next, time.Now()
	klog.V(1).Infof("%s: fetching entries [%d, %d)", s.config.logName(), s.next, treeSize)

	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, gctx := errgroup.WithContext(cycleCtx)

	numWorkers := min(uint64(s.config.Workers), s.planner.numRanges(treeSize))
	for i := uint64(0); i < numWorkers; i++ {
		group.Go(func() error { return s.downloadWorker(gctx, treeSize) })
	}
	s.fire(ctx, eventDrain)

	for s.next < treeSize {
		b, err := s.sequencer.Next(gctx)
		if err != nil {
			break
		}
		s.config.Metrics.observePending(s.sequencer.Len())
		for _, entry := range b.entries {
			s.next = entry.Index + 1
			s.config.Metrics.observeDelivered(s.next)
			if !s.onEntry(entry) {
				klog.V(1).Infof("%s: consumer stopped the stream after entry %d", s.config.logName(), entry.Index)
				cancel()
				_ = group.Wait()
				return true, nil
			}
		}
	}

	if err := group.Wait(); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if inFlight := s.planner.InFlight(); len(inFlight) > 0 {
			klog.V(2).Infof("%s: abandoning ranges %v", s.config.logName(), inFlight)
		}
		return false, err
	}
	if s.next < treeSize {
		return false, ctx.Err()
	}

	elapsed := time.Since(cycleStarted)
	klog.V(1).Infof("%s: delivered %d entries in %s (%.1f entries/sec)", s.config.logName(), s.next-cycleStart, elapsed.Round(time.Millisecond), float64(s.next-cycleStart)/max(elapsed.Seconds(), 1e-9))
	return false, nil
}

func (s *session) downloadWorker(ctx context.Context, treeSize uint64) error {
	for {
		r, ok := s.planner.Next(treeSize)
		if !ok {
			return nil
		}
		b, err := s.download(ctx, r)
		if err != nil {
			return err
		}
		if err := s.sequencer.Add(ctx, b); err != nil {
			return err
		}
		s.planner.Done(r)
	}
}

// download fetches and decodes r, retrying transient failures.
func (s *session) download(ctx context.Context, r Range) (*batch, error) {
	op := "get-entries " + r.String()

	var rawEntries []ctclient.RawEntry
	started := time.Now()
	err := withRetry(ctx, s.config.Retry, s.config.Metrics, op, func() error {
		var err error
		rawEntries, err = s.endpoint.Entries(ctx, r.Start, r.End)
		if err == nil && uint64(len(rawEntries)) != r.Len() {
			err = &ctclient.FetchError{Kind: ctclient.KindProtocol, URL: s.config.logName(), Err: fmt.Errorf("got %d entries, expected %d", len(rawEntries), r.Len())}
		}
		return err
	})
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	s.config.Metrics.observeRequest("get-entries", started, err)
	if err != nil {
		return nil, &Error{Kind: KindOf(err), Op: op, Err: err}
	}

	b := &batch{begin: r.Start, end: r.End, entries: make([]*cttypes.Entry, len(rawEntries))}
	for i, raw := range rawEntries {
		entry, err := cttypes.DecodeLeaf(r.Start+uint64(i), raw.LeafInput, raw.ExtraData)
		if err != nil {
			return nil, &Error{Kind: KindDecode, Op: op, Err: err}
		}
		b.entries[i] = entry
	}
	klog.V(2).Infof("%s: fetched %s", s.config.logName(), r)
	return b, nil
}

func sleep(ctx context.Context, duration time.Duration) error {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
