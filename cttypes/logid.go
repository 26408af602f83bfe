// Copyright (C) 2025 Opsmate, Inc.
//
// This Source Code Form is subject to the terms of the Mozilla
// Public License, v. 2.0. If a copy of the MPL was not distributed
// with this file, You can obtain one at http://mozilla.org/MPL/2.0/.
//
// This software is distributed WITHOUT A WARRANTY OF ANY KIND.
// See the Mozilla Public License for details.

package cttypes

import (
	"encoding/base64"
	"fmt"
)

// LogID is the SHA-256 hash of a log's public key.
type LogID [32]byte

func (id LogID) Base64String() string {
	return base64.StdEncoding.EncodeToString(id[:])
}

func (id LogID) Base64URLString() string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

func (id LogID) MarshalText() ([]byte, error) {
	return []byte(id.Base64String()), nil
}

func (id *LogID) UnmarshalText(text []byte) error {
	decoded, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("log ID is not valid base64: %w", err)
	}
	if len(decoded) != len(id) {
		return fmt.Errorf("log ID has wrong length (should be %d bytes, not %d)", len(id), len(decoded))
	}
	copy(id[:], decoded)
	return nil
}
