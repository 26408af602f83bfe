// Copyright (C) 2025 Opsmate, Inc.
//
// This Source Code Form is subject to the terms of the Mozilla
// Public License, v. 2.0. If a copy of the MPL was not distributed
// with this file, You can obtain one at http://mozilla.org/MPL/2.0/.
//
// This software is distributed WITHOUT A WARRANTY OF ANY KIND.
// See the Mozilla Public License for details.
package ctclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Kind classifies a failed request to a log.
type Kind int

const (
	KindTransport   Kind = iota + 1 // connection-level failure; retryable
	KindTimeout                     // the per-request timeout expired; retryable
	KindRateLimited                 // the log asked us to slow down; retryable
	KindProtocol                    // the log returned an unacceptable response; fatal
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
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// FetchError is returned by Log methods when a request fails for any reason
// other than cancellation of the caller's context.
type FetchError struct {
	Kind       Kind
	URL        string
	RetryAfter time.Duration // for KindRateLimited, the delay requested by the log (0 if unspecified)
	Err        error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s error fetching %q: %s", e.Kind, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether err is a FetchError that may succeed if the
// same request is issued again.
func Retryable(err error) bool {
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		return false
	}
	switch fetchErr.Kind {
	case KindTransport, KindTimeout, KindRateLimited:
		return true
	default:
		return false
	}
}

// classify turns the error from a request made under a context derived from
// ctx into a *FetchError.  Cancellation of ctx itself is passed through.
func classify(ctx context.Context, fullURL string, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if fetchErr := (*FetchError)(nil); errors.As(err, &fetchErr) {
		return err
	}
	if httpErr := (*HTTPError)(nil); errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return &FetchError{Kind: KindRateLimited, URL: fullURL, RetryAfter: httpErr.RetryAfter, Err: err}
		case httpErr.StatusCode == http.StatusServiceUnavailable && httpErr.RetryAfter > 0:
			return &FetchError{Kind: KindRateLimited, URL: fullURL, RetryAfter: httpErr.RetryAfter, Err: err}
		default:
			return &FetchError{Kind: KindProtocol, URL: fullURL, Err: err}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &FetchError{Kind: KindTimeout, URL: fullURL, Err: err}
	}
	if netErr := net.Error(nil); errors.As(err, &netErr) && netErr.Timeout() {
		return &FetchError{Kind: KindTimeout, URL: fullURL, Err: err}
	}
	return &FetchError{Kind: KindTransport, URL: fullURL, Err: err}
}
