// Copyright (C) 2025 Opsmate, Inc.
//
// This Source Code Form is subject to the terms of the Mozilla
// Public License, v. 2.0. If a copy of the MPL was not distributed
// with this file, You can obtain one at http://mozilla.org/MPL/2.0/.
//
// This software is distributed WITHOUT A WARRANTY OF ANY KIND.
// See the Mozilla Public License for details.

// Package cttypes decodes the binary structures served by RFC6962 Certificate Transparency logs.
package cttypes

import (
	"fmt"
	"time"

	"golang.org/x/crypto/cryptobyte"
)

const (
	// V1 is the only MerkleTreeLeaf version defined by RFC6962.
	V1 = 0

	// TimestampedEntryLeafType is the only MerkleLeafType defined by RFC6962.
	TimestampedEntryLeafType = 0
)

type EntryType uint16

const (
	X509EntryType    EntryType = 0
	PrecertEntryType EntryType = 1
)

func (t EntryType) String() string {
	switch t {
	case X509EntryType:
		return "x509_entry"
	case PrecertEntryType:
		return "precert_entry"
	default:
		return fmt.Sprintf("EntryType(%d)", uint16(t))
	}
}

// Entry is one decoded log entry.  For precert entries, Certificate holds the
// TBSCertificate and IssuerKeyHash is non-nil.
type Entry struct {
	Index         uint64
	Timestamp     time.Time
	Type          EntryType
	Certificate   []byte
	IssuerKeyHash *[32]byte
	Extensions    []byte
	ExtraData     []byte
}

// DecodeError is returned when a leaf cannot be decoded.  It is permanent:
// decoding the same bytes again will fail the same way.
type DecodeError struct {
	Index  uint64
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed log entry %d: %s", e.Index, e.Reason)
}

// DecodeLeaf decodes the MerkleTreeLeaf in leafInput, as returned by
// get-entries for the entry at index.  extraData is attached to the entry
// unparsed; see Entry.Chain.
func DecodeLeaf(index uint64, leafInput []byte, extraData []byte) (*Entry, error) {
	malformed := func(format string, args ...any) error {
		return &DecodeError{Index: index, Reason: fmt.Sprintf(format, args...)}
	}

	s := cryptobyte.String(leafInput)

	var version, leafType uint8
	if !s.ReadUint8(&version) {
		return nil, malformed("missing version")
	}
	if version != V1 {
		return nil, malformed("unsupported version %d", version)
	}
	if !s.ReadUint8(&leafType) {
		return nil, malformed("missing leaf type")
	}
	if leafType != TimestampedEntryLeafType {
		return nil, malformed("unsupported leaf type %d", leafType)
	}

	var timestamp uint64
	var entryType uint16
	if !s.ReadUint64(&timestamp) {
		return nil, malformed("truncated timestamp")
	}
	if !s.ReadUint16(&entryType) {
		return nil, malformed("truncated entry type")
	}

	entry := &Entry{
		Index:     index,
		Timestamp: time.UnixMilli(int64(timestamp)).UTC(),
		Type:      EntryType(entryType),
		ExtraData: extraData,
	}

	var body cryptobyte.String
	switch entry.Type {
	case X509EntryType:
		if !s.ReadUint24LengthPrefixed(&body) {
			return nil, malformed("truncated certificate")
		}
	case PrecertEntryType:
		entry.IssuerKeyHash = new([32]byte)
		if !s.CopyBytes(entry.IssuerKeyHash[:]) {
			return nil, malformed("truncated issuer key hash")
		}
		if !s.ReadUint24LengthPrefixed(&body) {
			return nil, malformed("truncated TBS certificate")
		}
	default:
		return nil, malformed("unsupported entry type %d", entryType)
	}
	entry.Certificate = body

	var extensions cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&extensions) {
		return nil, malformed("truncated extensions")
	}
	entry.Extensions = extensions

	if !s.Empty() {
		return nil, malformed("%d trailing bytes", len(s))
	}
	return entry, nil
}

// IsPrecert reports whether the entry was logged as a precertificate.
func (entry *Entry) IsPrecert() bool {
	return entry.Type == PrecertEntryType
}

// Chain parses ExtraData according to the entry type.  For precert entries
// the first element is the submitted precertificate.
func (entry *Entry) Chain() ([][]byte, error) {
	switch entry.Type {
	case X509EntryType:
		return ParseX509ChainEntry(entry.ExtraData)
	case PrecertEntryType:
		precert, chain, err := ParsePrecertChainEntry(entry.ExtraData)
		if err != nil {
			return nil, err
		}
		return append([][]byte{precert}, chain...), nil
	default:
		return nil, fmt.Errorf("entry %d has unsupported type %s", entry.Index, entry.Type)
	}
}
