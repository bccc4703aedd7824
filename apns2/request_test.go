// Copyright 2017 Aleksey Blinov. All rights reserved.

package apns2

import (
	"context"
	"net/http"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var request_test_bearer = regexp.MustCompile(`^bearer [a-zA-Z0-9\-_]+\.[a-zA-Z0-9\-_]+\.[a-zA-Z0-9\-_]+$`)

// newTestRequester builds a requester, a retry policy and the session
// manager they share, all pointed at the supplied servers.
func newTestRequester(t testing.TB, push, manage *testServer, timeout time.Duration) (*requester, *retryPolicy, *sessionManager) {
	t.Helper()
	res := mustResolveConfig(t, testConfig(push, manage))
	log := newLogSink()
	sm := newSessionManager("Client", res, log)
	if timeout <= 0 {
		timeout = res.requestTimeout
	}
	r := &requester{sm: sm, token: res.token, timeout: timeout, log: log}
	return r, newRetryPolicy(sm, res.retryLimit, log), sm
}

func deviceRequest(token string, body string) *apnsRequest {
	return &apnsRequest{
		kind:    kindDevice,
		method:  http.MethodPost,
		sub:     token,
		headers: map[string]string{"apns-topic": "com.example.Alert"},
		body:    []byte(body),
	}
}

func TestRequestSuccess(t *testing.T) {
	s := mustNewTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/3/device/abcd1234", r.URL.Path)
		assert.Equal(t, "com.example.Alert", r.Header.Get("apns-topic"))
		assert.True(t, request_test_bearer.MatchString(r.Header.Get("authorization")))
		respondJSON(w, http.StatusOK, "")
	}))
	r, _, _ := newTestRequester(t, s, nil, 0)
	out := r.do(context.Background(), deviceRequest("abcd1234", `{"aps":{"badge":1}}`))
	if out.failure != nil {
		t.Fatalf("unexpected failure: %+v", out.failure)
	}
	assert.Equal(t, "abcd1234", out.success.Device)
	assert.Empty(t, out.success.BundleID)
	assert.Empty(t, out.success.Body)
}

func TestRequestEchoHeaders(t *testing.T) {
	s := mustNewTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("apns-unique-id", "u-1")
		w.Header().Set("apns-request-id", "r-1")
		w.Header().Set("apns-channel-id", "c-1")
		respondJSON(w, http.StatusOK, "")
	}))
	r, _, _ := newTestRequester(t, s, nil, 0)
	out := r.do(context.Background(), deviceRequest("abcd1234", "{}"))
	if out.failure != nil {
		t.Fatalf("unexpected failure: %+v", out.failure)
	}
	assert.Equal(t, "u-1", out.success.UniqueID)
	assert.Equal(t, "r-1", out.success.RequestID)
	assert.Equal(t, "c-1", out.success.ChannelID)
}

// The literal {} payload must not produce a DATA frame.
func TestRequestEmptyBodyElided(t *testing.T) {
	var sawBody int32
	s := mustNewTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength != 0 {
			atomic.StoreInt32(&sawBody, 1)
		}
		buf := make([]byte, 1)
		if n, _ := r.Body.Read(buf); n > 0 {
			atomic.StoreInt32(&sawBody, 1)
		}
		respondJSON(w, http.StatusOK, "")
	}))
	r, _, _ := newTestRequester(t, s, nil, 0)
	out := r.do(context.Background(), deviceRequest("abcd1234", "{}"))
	if out.failure != nil {
		t.Fatalf("unexpected failure: %+v", out.failure)
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&sawBody))
}

func TestRequestRejectionWithReason(t *testing.T) {
	s := mustNewTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusBadRequest, `{"reason":"BadDeviceToken"}`)
	}))
	r, _, _ := newTestRequester(t, s, nil, 0)
	out := r.do(context.Background(), deviceRequest("abcd1234", `{"aps":{}}`))
	if out.failure == nil {
		t.Fatal("expected failure")
	}
	assert.Equal(t, "abcd1234", out.failure.Device)
	assert.Equal(t, "400", out.failure.Status)
	assert.Equal(t, ReasonBadDeviceToken, out.failure.Response["reason"])
	assert.Nil(t, out.failure.Err)
}

func TestRequestEmptyBodyRejection(t *testing.T) {
	s := mustNewTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	r, _, _ := newTestRequester(t, s, nil, 0)
	out := r.do(context.Background(), deviceRequest("abcd1234", `{"aps":{}}`))
	if out.failure == nil {
		t.Fatal("expected failure")
	}
	assert.Equal(t, "404", out.failure.Status)
	assert.EqualError(t, out.failure.Err, "stream ended unexpectedly with status 404 and empty body")
}

func TestRequestMalformedResponseBody(t *testing.T) {
	s := mustNewTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusBadRequest, "not json")
	}))
	r, _, _ := newTestRequester(t, s, nil, 0)
	out := r.do(context.Background(), deviceRequest("abcd1234", `{"aps":{}}`))
	if out.failure == nil {
		t.Fatal("expected failure")
	}
	assert.Contains(t, out.failure.Err.Error(), "Unexpected error processing APNs response")
}

func TestRequestTimeout(t *testing.T) {
	s := mustNewTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		respondJSON(w, http.StatusOK, "")
	}))
	r, _, _ := newTestRequester(t, s, nil, 50*time.Millisecond)
	out := r.do(context.Background(), deviceRequest("abcd1234", `{"aps":{}}`))
	if out.failure == nil {
		t.Fatal("expected failure")
	}
	assert.Equal(t, statusTimeout, out.failure.Status)
	assert.Equal(t, errUnresolved, out.failure.Err)
}

func TestRequestAborted(t *testing.T) {
	s := mustNewTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		respondJSON(w, http.StatusOK, "")
	}))
	r, _, _ := newTestRequester(t, s, nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	out := r.do(ctx, deviceRequest("abcd1234", `{"aps":{}}`))
	if out.failure == nil {
		t.Fatal("expected failure")
	}
	assert.Equal(t, statusAborted, out.failure.Status)
	assert.Equal(t, errUnresolved, out.failure.Err)
}

func TestRequestExpiredProviderTokenRegenerates(t *testing.T) {
	s := mustNewTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusForbidden, `{"reason":"ExpiredProviderToken"}`)
	}))
	r, _, _ := newTestRequester(t, s, nil, 0)
	_, genBefore := r.token.Current()
	out := r.do(context.Background(), deviceRequest("abcd1234", `{"aps":{}}`))
	if out.failure == nil {
		t.Fatal("expected failure")
	}
	assert.Equal(t, "403", out.failure.Status)
	assert.EqualError(t, out.failure.Err, ReasonExpiredProviderToken)
	_, genAfter := r.token.Current()
	assert.Equal(t, genBefore+1, genAfter)
}

func TestRequestRetryAfterStaysInternal(t *testing.T) {
	s := mustNewTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		respondJSON(w, http.StatusServiceUnavailable, `{"reason":"ServiceUnavailable"}`)
	}))
	r, _, _ := newTestRequester(t, s, nil, 0)
	out := r.do(context.Background(), deviceRequest("abcd1234", `{"aps":{}}`))
	if out.failure == nil {
		t.Fatal("expected failure")
	}
	assert.Equal(t, "7", out.failure.retryAfter)
	// The externally visible record carries no trace of the hint.
	assert.Equal(t, "503", out.failure.redacted().Status)
}

func TestRequestInvalidMethod(t *testing.T) {
	s := mustNewTestServer(t, nil)
	r, _, _ := newTestRequester(t, s, nil, 0)
	req := deviceRequest("abcd1234", "{}")
	req.method = http.MethodPut
	out := r.do(context.Background(), req)
	if out.failure == nil {
		t.Fatal("expected failure")
	}
	assert.Empty(t, out.failure.Status)
	assert.Contains(t, out.failure.Err.Error(), "invalid request method")
}
