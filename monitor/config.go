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
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"runtime"
	"time"

	"golang.org/x/time/rate"

	"github.com/tracertea/src/ctstream/ctclient"
)

const (
	DefaultRequestTimeout  = 30 * time.Second
	DefaultBatchSize       = 1000
	DefaultPollInterval    = 15 * time.Second
	DefaultMaxRetries      = 5
	DefaultInitialInterval = 1 * time.Second
	DefaultMaxInterval     = 1 * time.Minute

	// Larger values are clamped, so that Workers*BatchSize cannot overflow.
	MaxBatchSize = 1 << 16
	MaxWorkers   = 1 << 10
)

// Endpoint is the capability Stream needs from a log.  Entries must return
// exactly endExclusive-startInclusive entries or fail.  Errors should be
// *ctclient.FetchError so that they can be classified; any other error is
// treated as fatal.  Implementations must be safe for concurrent use.
type Endpoint interface {
	TreeSize(ctx context.Context) (uint64, error)
	Entries(ctx context.Context, startInclusive, endExclusive uint64) ([]ctclient.RawEntry, error)
}

// RetryPolicy controls how transient failures are retried.
type RetryPolicy struct {
	// MaxRetries is the number of times a failed request is retried before
	// the failure becomes fatal.  0 means DefaultMaxRetries; negative means never retry.
	MaxRetries int

	InitialInterval time.Duration // first backoff delay; 0 means DefaultInitialInterval
	MaxInterval     time.Duration // cap on backoff delay; 0 means DefaultMaxInterval
}

type Config struct {
	// LogURL is the log's API root, e.g. https://ct.googleapis.com/logs/us1/argon2025h2/.
	// It is ignored if Endpoint is set.
	LogURL string

	// Endpoint overrides the HTTP client built from LogURL.
	Endpoint Endpoint

	HTTPClient     *http.Client // used for direct connections; nil for the default client
	Proxies        []string     // if non-empty, requests are spread over these proxies instead of a direct connection
	RequestTimeout time.Duration
	MaxRequestRate float64 // requests per second across all workers; 0 for no limit

	Workers      int    // 0 means runtime.NumCPU(); at most MaxWorkers
	BatchSize    uint64 // maximum entries per range; 0 means DefaultBatchSize; at most MaxBatchSize
	PollInterval time.Duration

	// StartIndex is the first entry to deliver.  nil means start at the
	// log's current tree size, i.e. only deliver entries logged from now on.
	StartIndex *uint64

	Retry   RetryPolicy
	Metrics *Metrics // optional
}

func (config *Config) withDefaults() *Config {
	c := *config
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	c.BatchSize = min(c.BatchSize, MaxBatchSize)
	c.Workers = min(c.Workers, MaxWorkers)
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = DefaultMaxRetries
	} else if c.Retry.MaxRetries < 0 {
		c.Retry.MaxRetries = 0
	}
	if c.Retry.InitialInterval == 0 {
		c.Retry.InitialInterval = DefaultInitialInterval
	}
	if c.Retry.MaxInterval == 0 {
		c.Retry.MaxInterval = max(DefaultMaxInterval, c.Retry.InitialInterval)
	}
	return &c
}

// logName returns a name for the log suitable for log messages.
func (config *Config) logName() string {
	if config.LogURL != "" {
		return config.LogURL
	}
	return "log"
}

func (config *Config) newEndpoint() (Endpoint, error) {
	if config.Endpoint != nil {
		return config.Endpoint, nil
	}
	if config.LogURL == "" {
		return nil, errors.New("no log URL or endpoint configured")
	}
	logURL, err := url.Parse(config.LogURL)
	if err != nil {
		return nil, fmt.Errorf("log has invalid URL: %w", err)
	}
	if logURL.Scheme != "http" && logURL.Scheme != "https" {
		return nil, fmt.Errorf("log URL %q is not an http or https URL", config.LogURL)
	}

	var limiter *rate.Limiter
	if config.MaxRequestRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.MaxRequestRate), max(1, int(math.Ceil(config.MaxRequestRate))))
	}
	return newEndpointPool(config, logURL, limiter)
}
