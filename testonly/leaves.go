// Copyright (C) 2025 Opsmate, Inc.
//
// This Source Code Form is subject to the terms of the Mozilla
// Public License, v. 2.0. If a copy of the MPL was not distributed
// with this file, You can obtain one at http://mozilla.org/MPL/2.0/.
//
// This software is distributed WITHOUT A WARRANTY OF ANY KIND.
// See the Mozilla Public License for details.
// Package testonly holds helpers for tests: leaf encoders and a fake RFC6962 log server.
package testonly

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// X509Leaf encodes a MerkleTreeLeaf for an x509_entry.
func X509Leaf(timestamp uint64, cert []byte, extensions []byte) []byte {
	var b cryptobyte.Builder
	b.AddUint8(0) // v1
	b.AddUint8(0) // timestamped_entry
	b.AddUint64(timestamp)
	b.AddUint16(0)
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(cert) })
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(extensions) })
	return b.BytesOrPanic()
}

// PrecertLeaf encodes a MerkleTreeLeaf for a precert_entry.
func PrecertLeaf(timestamp uint64, issuerKeyHash [32]byte, tbs []byte, extensions []byte) []byte {
	var b cryptobyte.Builder
	b.AddUint8(0)
	b.AddUint8(0)
	b.AddUint64(timestamp)
	b.AddUint16(1)
	b.AddBytes(issuerKeyHash[:])
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(tbs) })
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(extensions) })
	return b.BytesOrPanic()
}

// X509ChainEntry encodes the extra_data of an x509_entry.
func X509ChainEntry(chain ...[]byte) []byte {
	var b cryptobyte.Builder
	addCertList(&b, chain)
	return b.BytesOrPanic()
}

// PrecertChainEntry encodes the extra_data of a precert_entry.
func PrecertChainEntry(precert []byte, chain ...[]byte) []byte {
	var b cryptobyte.Builder
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(precert) })
	addCertList(&b, chain)
	return b.BytesOrPanic()
}

func addCertList(b *cryptobyte.Builder, certs [][]byte) {
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, cert := range certs {
			b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(cert) })
		}
	})
}

// FakeCert returns placeholder certificate bytes unique to index.
func FakeCert(index uint64) []byte {
	return []byte(fmt.Sprintf("certificate #%d", index))
}

// LeafForIndex returns a deterministic leaf for index: even indexes are
// x509 entries, odd ones precert entries.  The timestamp encodes the index.
func LeafForIndex(index uint64) []byte {
	timestamp := 1_600_000_000_000 + index
	if index%2 == 0 {
		return X509Leaf(timestamp, FakeCert(index), nil)
	}
	var keyHash [32]byte
	binary.BigEndian.PutUint64(keyHash[:], index)
	keyHash = sha256.Sum256(keyHash[:])
	return PrecertLeaf(timestamp, keyHash, FakeCert(index), nil)
}
