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
	"time"

	"github.com/cenkalti/backoff/v5"
	"k8s.io/klog/v2"

	"github.com/tracertea/src/ctstream/ctclient"
)

// withRetry calls f until it succeeds, fails with an error that is not
// retryable, exhausts the retry budget, or ctx is done.  Rate limited
// failures wait for as long as the log asked, if it said.
func withRetry(ctx context.Context, policy RetryPolicy, metrics *Metrics, op string, f func() error) error {
	var lastErr error
	numRetries := 0
	operation := func() (struct{}, error) {
		lastErr = f()
		switch {
		case lastErr == nil:
			return struct{}{}, nil
		case !ctclient.Retryable(lastErr):
			return struct{}{}, backoff.Permanent(lastErr)
		}
		var fetchErr *ctclient.FetchError
		if errors.As(lastErr, &fetchErr) && fetchErr.Kind == ctclient.KindRateLimited && fetchErr.RetryAfter > 0 {
			return struct{}{}, backoff.RetryAfter(int(math.Ceil(fetchErr.RetryAfter.Seconds())))
		}
		return struct{}{}, lastErr
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(policy.MaxRetries+1)),
		backoff.WithMaxElapsedTime(0), // MaxRetries is the only budget
		backoff.WithNotify(func(_ error, delay time.Duration) {
			numRetries++
			metrics.observeRetry(lastErr)
			klog.Warningf("%s failed (retry %d/%d in %s): %s", op, numRetries, policy.MaxRetries, delay.Round(time.Millisecond), lastErr)
		}),
	)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case numRetries > 0 && ctclient.Retryable(lastErr):
		return fmt.Errorf("%w (retried %d times)", lastErr, numRetries)
	default:
		return lastErr
	}
}
