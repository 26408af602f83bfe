// Copyright (C) 2025 Opsmate, Inc.
//
// This Source Code Form is subject to the terms of the Mozilla
// Public License, v. 2.0. If a copy of the MPL was not distributed
// with this file, You can obtain one at http://mozilla.org/MPL/2.0/.
//
// This software is distributed WITHOUT A WARRANTY OF ANY KIND.
// See the Mozilla Public License for details.

// Package ctclient implements a client for reading entries from RFC6962 Certificate Transparency logs
package ctclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
)

var UserAgent = ""

// HTTPError is returned by `get` when the HTTP status is not 200 OK.
type HTTPError struct {
	Status     string
	StatusCode int
	URL        string
	Body       []byte
	RetryAfter time.Duration // from the Retry-After header, if present
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("Get %q: %s (%q)", e.URL, e.Status, bytes.TrimSpace(e.Body))
}

const (
	maxResponseSize  = 64 << 20
	maxErrorBodySize = 4 << 10
)

type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// newHTTPClient returns a client tuned for CT logs.  It has no overall
// timeout; Log.Timeout bounds each request instead.
func newHTTPClient(proxy func(*http.Request) (*url.URL, error), dialContext DialFunc) *http.Client {
	if dialContext == nil {
		// fail faster than the default on dead hosts
		dialContext = (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 proxy,
			DialContext:           dialContext,
			TLSHandshakeTimeout:   15 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return errors.New("redirects not followed")
		},
	}
}

// NewHTTPClient creates an HTTP client suitable for communicating with CT logs using the default environment proxy settings.
func NewHTTPClient() *http.Client {
	return newHTTPClient(http.ProxyFromEnvironment, nil)
}

// NewHTTPClientWithProxy creates an HTTP client that sends every request through proxyURL.
// If proxyURL is nil, http.ProxyFromEnvironment is used.
func NewHTTPClientWithProxy(proxyURL *url.URL) *http.Client {
	if proxyURL == nil {
		return NewHTTPClient()
	}
	return newHTTPClient(http.ProxyURL(proxyURL), nil)
}

// NewDialHTTPClient creates an HTTP client that dials with dialContext, e.g. to bind a local address.
func NewDialHTTPClient(dialContext DialFunc) *http.Client {
	return newHTTPClient(http.ProxyFromEnvironment, dialContext)
}

var defaultHTTPClient = NewHTTPClient()

func SetDefaultHTTPClient(client *http.Client) {
	defaultHTTPClient = client
}

func get(ctx context.Context, httpClient *http.Client, fullURL string) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("User-Agent", UserAgent)

	if httpClient == nil {
		httpClient = defaultHTTPClient
	}

	response, err := httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodySize))
		return nil, &HTTPError{
			Status:     response.Status,
			StatusCode: response.StatusCode,
			URL:        fullURL,
			Body:       body,
			RetryAfter: parseRetryAfter(response.Header.Get("Retry-After"), time.Now()),
		}
	}

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("Get %q: error reading response: %w", fullURL, err)
	}
	if len(responseBody) > maxResponseSize {
		return nil, &FetchError{Kind: KindProtocol, URL: fullURL, Err: fmt.Errorf("response exceeds %d bytes", maxResponseSize)}
	}

	return responseBody, nil
}

func getJSON(ctx context.Context, httpClient *http.Client, fullURL string, response any) error {
	responseBytes, err := get(ctx, httpClient, fullURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(responseBytes, response); err != nil {
		return &FetchError{Kind: KindProtocol, URL: fullURL, Err: fmt.Errorf("error parsing response JSON: %w", err)}
	}
	return nil
}

// parseRetryAfter interprets a Retry-After header, which is either a number
// of seconds or an HTTP date.  It returns 0 if the header is absent or invalid.
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.ParseUint(value, 10, 32); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if when, err := http.ParseTime(value); err == nil && when.After(now) {
		return when.Sub(now)
	}
	return 0
}
