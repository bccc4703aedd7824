// Copyright 2017 Aleksey Blinov. All rights reserved.

package apns2

import (
	"context"
	"strconv"
	"time"
)

// retryableStatuses are the APNs statuses worth another attempt. A 403 is
// additionally retryable when the rejection reason is an expired provider
// token, since the requester regenerates the token before the next try.
var retryableStatuses = map[int]bool{
	408: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

func isRetryable(f *failure) bool {
	status, err := strconv.Atoi(f.Status)
	if err != nil {
		// Pseudo statuses and transport failures are final.
		return false
	}
	if status == 403 {
		return f.Err != nil && f.Err.Error() == ReasonExpiredProviderToken
	}
	return retryableStatuses[status]
}

// retryDelay converts the server supplied Retry-After value, in integer
// seconds, into a duration. Anything unparseable counts as zero.
func retryDelay(retryAfter string) time.Duration {
	if retryAfter == "" {
		return 0
	}
	secs, err := strconv.Atoi(retryAfter)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// retryPolicy reissues retryable failures up to the configured limit,
// honoring the server requested delay between attempts. A request that
// ultimately fails with a 500 tears down the session it rode on so the
// next request reconnects.
type retryPolicy struct {
	sm    *sessionManager
	limit int
	log   *logSink

	// wait is a seam for tests; defaults to a context-aware sleep.
	wait func(ctx context.Context, d time.Duration)
}

func newRetryPolicy(sm *sessionManager, limit int, log *logSink) *retryPolicy {
	return &retryPolicy{sm: sm, limit: limit, log: log, wait: sleepContext}
}

func sleepContext(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// execute runs one request through the requester, retrying per policy,
// and returns the final outcome.
func (p *retryPolicy) execute(ctx context.Context, r *requester, req *apnsRequest) *outcome {
	out := r.do(ctx, req)
	for attempt := 0; out.failure != nil && isRetryable(out.failure); attempt++ {
		if p.sm.shuttingDown() {
			out = failureOutcome(req, "", nil, ErrSessionClosed, "")
			break
		}
		if attempt+1 > p.limit {
			break
		}
		if d := retryDelay(out.failure.retryAfter); d > 0 {
			p.log.trace(0, p.sm.id, "Retrying in %v.", d)
			p.wait(ctx, d)
		}
		out = r.do(ctx, req)
	}
	if out.failure != nil && out.failure.Status == "500" {
		p.sm.teardown(req.kind.session())
	}
	return out
}
