// Copyright 2017 Aleksey Blinov. All rights reserved.

package apns2

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryExhausts500AndTearsDownSession(t *testing.T) {
	var hits int32
	s := mustNewTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		respondJSON(w, http.StatusInternalServerError, `{"reason":"InternalServerError"}`)
	}))
	r, p, sm := newTestRequester(t, s, nil, 0)
	out := p.execute(context.Background(), r, deviceRequest("abcd1234", `{"aps":{}}`))
	if out.failure == nil {
		t.Fatal("expected failure")
	}
	assert.Equal(t, "500", out.failure.Status)
	assert.EqualError(t, out.failure.Err, "Error 500, stream ended unexpectedly")
	// Initial attempt plus the full retry budget.
	assert.Equal(t, int32(4), atomic.LoadInt32(&hits))
	// The session used was closed and destroyed; the next request would
	// have to reconnect.
	assert.Nil(t, sm.session(sessionPush).open())
}

func TestRetryHonorsRetryAfter(t *testing.T) {
	var hits int32
	s := mustNewTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.Header().Set("Retry-After", "3")
			respondJSON(w, http.StatusTooManyRequests, `{"reason":"TooManyRequests"}`)
			return
		}
		respondJSON(w, http.StatusOK, "")
	}))
	r, p, _ := newTestRequester(t, s, nil, 0)
	var waited []time.Duration
	p.wait = func(ctx context.Context, d time.Duration) {
		waited = append(waited, d)
	}
	out := p.execute(context.Background(), r, deviceRequest("abcd1234", `{"aps":{}}`))
	if out.failure != nil {
		t.Fatalf("unexpected failure: %+v", out.failure)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
	assert.Equal(t, []time.Duration{3 * time.Second}, waited)
}

func TestRetryRecoversExpiredProviderToken(t *testing.T) {
	var hits int32
	s := mustNewTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			respondJSON(w, http.StatusForbidden, `{"reason":"ExpiredProviderToken"}`)
			return
		}
		respondJSON(w, http.StatusOK, "")
	}))
	r, p, _ := newTestRequester(t, s, nil, 0)
	_, genBefore := r.token.Current()
	out := p.execute(context.Background(), r, deviceRequest("abcd1234", `{"aps":{}}`))
	if out.failure != nil {
		t.Fatalf("unexpected failure: %+v", out.failure)
	}
	assert.Equal(t, "abcd1234", out.success.Device)
	_, genAfter := r.token.Current()
	assert.Equal(t, genBefore+1, genAfter)
}

func TestRetrySkipsNonRetryable(t *testing.T) {
	var hits int32
	s := mustNewTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		respondJSON(w, http.StatusBadRequest, `{"reason":"BadDeviceToken"}`)
	}))
	r, p, _ := newTestRequester(t, s, nil, 0)
	out := p.execute(context.Background(), r, deviceRequest("abcd1234", `{"aps":{}}`))
	if out.failure == nil {
		t.Fatal("expected failure")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestRetryStopsOnShutdown(t *testing.T) {
	s := mustNewTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		respondJSON(w, http.StatusServiceUnavailable, `{"reason":"ServiceUnavailable"}`)
	}))
	r, p, sm := newTestRequester(t, s, nil, 0)
	done := make(chan struct{})
	p.wait = func(ctx context.Context, d time.Duration) {
		sm.Shutdown(func() { close(done) })
		<-done
	}
	out := p.execute(context.Background(), r, deviceRequest("abcd1234", `{"aps":{}}`))
	if out.failure == nil {
		t.Fatal("expected failure")
	}
	assert.Equal(t, ErrSessionClosed, out.failure.Err)
}

func TestIsRetryable(t *testing.T) {
	for _, status := range []string{"408", "429", "500", "502", "503", "504"} {
		f := &failure{}
		f.Status = status
		assert.True(t, isRetryable(f), status)
	}
	for _, status := range []string{"", "400", "403", "410", "413", statusTimeout, statusAborted, statusError} {
		f := &failure{}
		f.Status = status
		assert.False(t, isRetryable(f), status)
	}
	f := &failure{}
	f.Status = "403"
	f.Err = assert.AnError
	assert.False(t, isRetryable(f))
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, time.Duration(0), retryDelay(""))
	assert.Equal(t, time.Duration(0), retryDelay("soon"))
	assert.Equal(t, 2*time.Second, retryDelay("2"))
}
