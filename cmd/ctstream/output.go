// Copyright (C) 2025 Opsmate, Inc.
//
// This Source Code Form is subject to the terms of the Mozilla
// Public License, v. 2.0. If a copy of the MPL was not distributed
// with this file, You can obtain one at http://mozilla.org/MPL/2.0/.
//
// This software is distributed WITHOUT A WARRANTY OF ANY KIND.
// See the Mozilla Public License for details.

package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"io"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"k8s.io/klog/v2"

	"github.com/tracertea/src/ctstream/certificate"
	"github.com/tracertea/src/ctstream/cttypes"
)

// entryRecord is the JSON line printed for each log entry.
type entryRecord struct {
	Index         uint64                   `json:"index"`
	Timestamp     time.Time                `json:"timestamp"`
	Type          string                   `json:"type"`
	IssuerKeyHash string                   `json:"issuer_key_hash,omitempty"`
	ChainLength   int                      `json:"chain_length"`
	Certificate   *certificate.Certificate `json:"certificate,omitempty"`
	Error         string                   `json:"error,omitempty"`
}

func newEntryRecord(entry *cttypes.Entry) *entryRecord {
	record := &entryRecord{
		Index:     entry.Index,
		Timestamp: entry.Timestamp,
		Type:      entry.Type.String(),
	}
	if entry.IssuerKeyHash != nil {
		record.IssuerKeyHash = hex.EncodeToString(entry.IssuerKeyHash[:])
	}
	if chain, err := entry.Chain(); err == nil {
		record.ChainLength = len(chain)
	} else {
		record.Error = err.Error()
	}
	if cert, err := certificate.Parse(entry.Certificate); err == nil {
		record.Certificate = cert
	} else if record.Error == "" {
		record.Error = err.Error()
	}
	return record
}

// entryWriter writes JSON lines to a buffered output.
type entryWriter struct {
	out     *bufio.Writer
	encoder *json.Encoder
}

func newEntryWriter(w io.Writer) *entryWriter {
	out := bufio.NewWriter(w)
	return &entryWriter{out: out, encoder: json.NewEncoder(out)}
}

func (w *entryWriter) Write(entry *cttypes.Entry) error {
	return w.encoder.Encode(newEntryRecord(entry))
}

func (w *entryWriter) Flush() error {
	return w.out.Flush()
}

// sink writes entries through an entryWriter and periodically records the
// position after the last entry written in a state file, so an interrupted
// run resumes without skipping entries.
type sink struct {
	mu        sync.Mutex
	writer    *entryWriter
	stateFile string // optional
	next      uint64
	count     uint64
	dirty     bool
}

func newSink(w io.Writer, stateFile string) *sink {
	return &sink{writer: newEntryWriter(w), stateFile: stateFile}
}

func (s *sink) Write(entry *cttypes.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.Write(entry); err != nil {
		return err
	}
	s.next = entry.Index + 1
	s.count++
	s.dirty = true
	return nil
}

func (s *sink) Count() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Checkpoint flushes the output and then saves the position.
func (s *sink) Checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	if err := s.writer.Flush(); err != nil {
		return err
	}
	if s.stateFile != "" {
		if err := writeStateFile(s.stateFile, s.next); err != nil {
			return err
		}
	}
	s.dirty = false
	return nil
}

func (s *sink) checkpointPeriodically(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Checkpoint(); err != nil {
				klog.Warningf("error saving progress: %s", err)
			}
		}
	}
}
