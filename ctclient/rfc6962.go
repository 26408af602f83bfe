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
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// SignedTreeHead is the response to get-sth.  The signature is not verified.
type SignedTreeHead struct {
	TreeSize  uint64 `json:"tree_size"`
	Timestamp uint64 `json:"timestamp"`
	RootHash  []byte `json:"sha256_root_hash"`
	Signature []byte `json:"tree_head_signature"`
}

// RawEntry is one element of a get-entries response.
type RawEntry struct {
	LeafInput []byte `json:"leaf_input"`
	ExtraData []byte `json:"extra_data"`
}

// Log is a handle to an RFC6962 log.  It is safe for concurrent use.
type Log struct {
	URL        *url.URL
	HTTPClient *http.Client  // nil to use default client
	Timeout    time.Duration // bound on each HTTP request; 0 for no bound beyond HTTPClient's
	Limiter    *rate.Limiter // nil for no throttling
}

func (ctlog *Log) getJSON(ctx context.Context, fullURL string, response any) error {
	if ctlog.Limiter != nil {
		if err := ctlog.Limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			// the wait would outlast ctx's deadline
			return &FetchError{Kind: KindTimeout, URL: fullURL, Err: err}
		}
	}
	requestCtx := ctx
	if ctlog.Timeout > 0 {
		var cancel context.CancelFunc
		requestCtx, cancel = context.WithTimeout(ctx, ctlog.Timeout)
		defer cancel()
	}
	return classify(ctx, fullURL, getJSON(requestCtx, ctlog.HTTPClient, fullURL, response))
}

func (ctlog *Log) GetSTH(ctx context.Context) (*SignedTreeHead, error) {
	fullURL := ctlog.URL.JoinPath("/ct/v1/get-sth").String()
	sth := new(SignedTreeHead)
	if err := ctlog.getJSON(ctx, fullURL, sth); err != nil {
		return nil, err
	}
	return sth, nil
}

// TreeSize returns the tree size of the log's current STH.
func (ctlog *Log) TreeSize(ctx context.Context) (uint64, error) {
	sth, err := ctlog.GetSTH(ctx)
	if err != nil {
		return 0, err
	}
	return sth.TreeSize, nil
}

// GetRawEntries issues a single get-entries request.  The log may return
// fewer entries than requested.
func (ctlog *Log) GetRawEntries(ctx context.Context, startInclusive, endInclusive uint64) ([]RawEntry, error) {
	u := ctlog.URL.JoinPath("/ct/v1/get-entries")
	u.RawQuery = url.Values{
		"start": {strconv.FormatUint(startInclusive, 10)},
		"end":   {strconv.FormatUint(endInclusive, 10)},
	}.Encode()
	fullURL := u.String()

	var parsedResponse struct {
		Entries []RawEntry `json:"entries"`
	}
	if err := ctlog.getJSON(ctx, fullURL, &parsedResponse); err != nil {
		return nil, err
	}
	return parsedResponse.Entries, nil
}

const maxPreallocatedEntries = 4096

// Entries returns exactly the entries in [startInclusive, endExclusive),
// issuing as many get-entries requests as the log's page size requires.
func (ctlog *Log) Entries(ctx context.Context, startInclusive, endExclusive uint64) ([]RawEntry, error) {
	if startInclusive >= endExclusive {
		return nil, nil
	}
	allEntries := make([]RawEntry, 0, min(endExclusive-startInclusive, maxPreallocatedEntries))
	for position := startInclusive; position < endExclusive; {
		entries, err := ctlog.GetRawEntries(ctx, position, endExclusive-1)
		if err != nil {
			return nil, err
		}
		wanted := endExclusive - position
		if len(entries) == 0 {
			return nil, &FetchError{Kind: KindProtocol, URL: ctlog.URL.String(), Err: fmt.Errorf("get-entries returned no entries for [%d, %d)", position, endExclusive)}
		}
		if uint64(len(entries)) > wanted {
			return nil, &FetchError{Kind: KindProtocol, URL: ctlog.URL.String(), Err: fmt.Errorf("get-entries returned %d entries for [%d, %d), more than requested", len(entries), position, endExclusive)}
		}
		allEntries = append(allEntries, entries...)
		position += uint64(len(entries))
	}
	return allEntries, nil
}

// GetRoots returns the DER-encoded root certificates accepted by the log.
func (ctlog *Log) GetRoots(ctx context.Context) ([][]byte, error) {
	fullURL := ctlog.URL.JoinPath("/ct/v1/get-roots").String()
	var parsedResponse struct {
		Certificates [][]byte `json:"certificates"`
	}
	if err := ctlog.getJSON(ctx, fullURL, &parsedResponse); err != nil {
		return nil, err
	}
	return parsedResponse.Certificates, nil
}
