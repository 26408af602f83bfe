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
	"fmt"

	"github.com/tracertea/src/ctstream/ctclient"
	"github.com/tracertea/src/ctstream/cttypes"
)

// Kind classifies the errors returned by Stream.
type Kind int

const (
	KindUnknown     Kind = iota // error from a custom Endpoint that is not a FetchError
	KindTransport               // connection-level failure, retries exhausted
	KindTimeout                 // request timeout, retries exhausted
	KindRateLimited             // log kept rate limiting us, retries exhausted
	KindProtocol                // log returned an unacceptable response
	KindDecode                  // log returned a malformed leaf
	KindConsistency             // log's tree size went backwards
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindRateLimited:
		return "rate_limited"
	case KindProtocol:
		return "protocol"
	case KindDecode:
		return "decode"
	case KindConsistency:
		return "consistency"
	default:
		return "unknown"
	}
}

// Error is returned by Stream for every failure other than cancellation.
type Error struct {
	Kind Kind
	Op   string // what was being done, e.g. "get-entries [0, 1000)"
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, which may be an *Error, a
// *ctclient.FetchError, or a *cttypes.DecodeError.
func KindOf(err error) Kind {
	if streamErr := (*Error)(nil); errors.As(err, &streamErr) {
		return streamErr.Kind
	}
	if fetchErr := (*ctclient.FetchError)(nil); errors.As(err, &fetchErr) {
		switch fetchErr.Kind {
		case ctclient.KindTransport:
			return KindTransport
		case ctclient.KindTimeout:
			return KindTimeout
		case ctclient.KindRateLimited:
			return KindRateLimited
		case ctclient.KindProtocol:
			return KindProtocol
		}
	}
	if decodeErr := (*cttypes.DecodeError)(nil); errors.As(err, &decodeErr) {
		return KindDecode
	}
	return KindUnknown
}
