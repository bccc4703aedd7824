// Copyright 2017 Aleksey Blinov. All rights reserved.

package apns2

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Request kinds select the path template, the label field of the outcome
// and the session the request rides on.
type requestKind int

const (
	kindDevice requestKind = iota
	kindChannels
	kindAllChannels
	kindBroadcasts
)

// path resolves the request path for the given device token or bundle
// identifier. An unknown kind resolves to the empty path, which is
// rejected before any session is opened.
func (k requestKind) path(sub string) string {
	switch k {
	case kindDevice:
		return "/3/device/" + sub
	case kindChannels:
		return "/1/apps/" + sub + "/channels"
	case kindAllChannels:
		return "/1/apps/" + sub + "/all-channels"
	case kindBroadcasts:
		return "/4/broadcasts/apps/" + sub
	}
	return ""
}

// session maps the kind to the session that carries it. Channel management
// paths, the /1/apps/ family, ride the manage session; everything else,
// broadcasts included, rides the push session.
func (k requestKind) session() sessionKind {
	switch k {
	case kindChannels, kindAllChannels:
		return sessionManage
	}
	return sessionPush
}

func allowedMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodGet, http.MethodDelete:
		return true
	}
	return false
}

// apnsRequest is a single fully-built request to APN service.
type apnsRequest struct {
	kind   requestKind
	method string

	// sub is the path parameter: a device token for kindDevice, a bundle
	// identifier otherwise. It is also the outcome label.
	sub string

	headers map[string]string
	body    []byte

	// channelID is the apns-channel-id of the outgoing notification,
	// echoed into broadcast outcomes when the server does not supply one.
	channelID string
}

// label writes the request's identity into the outcome's label field.
func (r *apnsRequest) label(device, bundleID *string) {
	if r.kind == kindDevice {
		*device = r.sub
	} else {
		*bundleID = r.sub
	}
}

func failureOutcome(req *apnsRequest, status string, response map[string]interface{}, err error, retryAfter string) *outcome {
	f := &failure{retryAfter: retryAfter}
	f.Status = status
	f.Response = response
	f.Err = err
	req.label(&f.Device, &f.BundleID)
	return &outcome{failure: f}
}

// errUnresolved is reported for requests that ended without a complete
// APNs response: a timeout, an abort or a mid-stream transport error.
var errUnresolved = errors.New("Timeout, aborted, or other unknown error")

var emptyJSONBody = []byte("{}")

// requester issues a single request on a session acquired from the
// manager and resolves it to a success or a structured failure.
type requester struct {
	sm      *sessionManager
	token   *TokenSource
	timeout time.Duration
	log     *logSink
}

func (r *requester) do(ctx context.Context, req *apnsRequest) *outcome {
	path := req.kind.path(req.sub)
	if path == "" {
		return failureOutcome(req, "", nil, fmt.Errorf("apns2: no path template for request kind %d", req.kind), "")
	}
	if !allowedMethod(req.method) {
		return failureOutcome(req, "", nil, fmt.Errorf("apns2: invalid request method %s", req.method), "")
	}
	kind := req.kind.session()
	cc, err := r.sm.acquire(ctx, kind)
	if err != nil {
		return failureOutcome(req, "", nil, err, "")
	}
	authority := r.sm.session(kind).endpoint.Addr()

	tctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(tctx, req.method, "https://"+authority+path, nil)
	if err != nil {
		return failureOutcome(req, "", nil, err, "")
	}
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}
	var observedGen uint64
	if r.token != nil {
		if r.token.IsExpired(r.token.refreshAge) {
			_, gen := r.token.Current()
			if err := r.token.Regenerate(gen); err != nil {
				r.log.warn(r.sm.id, "Token regeneration failed: %v", err)
			}
		}
		tok, gen := r.token.Current()
		observedGen = gen
		httpReq.Header.Set("authorization", "bearer "+tok)
	}
	// An empty payload, literal {} included, produces no DATA frame.
	if len(req.body) > 0 && !bytes.Equal(req.body, emptyJSONBody) {
		httpReq.Body = io.NopCloser(bytes.NewReader(req.body))
		httpReq.ContentLength = int64(len(req.body))
		httpReq.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	resp, err := cc.RoundTrip(httpReq)
	if err != nil {
		return r.unresolved(req, tctx, ctx, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return r.unresolved(req, tctx, ctx, err)
	}
	return r.classify(req, resp, body, observedGen)
}

// unresolved classifies a request that died before a complete response
// arrived. The pseudo status records how: the request's own timeout, a
// canceled caller, or a stream-level transport error. None of these are
// retried.
func (r *requester) unresolved(req *apnsRequest, tctx, ctx context.Context, cause error) *outcome {
	status := statusError
	switch {
	case ctx.Err() != nil:
		status = statusAborted
	case tctx.Err() == context.DeadlineExceeded:
		status = statusTimeout
		r.log.warn(r.sm.id, "apn write timeout: %v", cause)
	default:
		r.log.trace(0, r.sm.id, "Request error: %v", cause)
	}
	return failureOutcome(req, status, nil, errUnresolved, "")
}

func (r *requester) classify(req *apnsRequest, resp *http.Response, body []byte, observedGen uint64) *outcome {
	statusStr := strconv.Itoa(resp.StatusCode)
	retryAfter := resp.Header.Get("Retry-After")
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		parsed := map[string]interface{}{}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &parsed); err != nil {
				return r.processingError(req, err)
			}
		}
		s := &Success{Body: parsed}
		req.label(&s.Device, &s.BundleID)
		echoHeaders(resp.Header, s)
		if s.ChannelID == "" {
			s.ChannelID = req.channelID
		}
		return &outcome{success: s}
	}
	if len(body) == 0 {
		err := fmt.Errorf("stream ended unexpectedly with status %s and empty body", statusStr)
		return failureOutcome(req, statusStr, nil, err, retryAfter)
	}
	parsed := map[string]interface{}{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return r.processingError(req, err)
	}
	reason, _ := parsed["reason"].(string)
	if resp.StatusCode == http.StatusForbidden && reason == ReasonExpiredProviderToken {
		if r.token != nil {
			if err := r.token.Regenerate(observedGen); err != nil {
				r.log.warn(r.sm.id, "Token regeneration failed: %v", err)
			}
		}
		return failureOutcome(req, statusStr, nil, errors.New(ReasonExpiredProviderToken), retryAfter)
	}
	if resp.StatusCode == http.StatusInternalServerError && reason == ReasonInternalServerError {
		return failureOutcome(req, statusStr, nil, errors.New("Error 500, stream ended unexpectedly"), retryAfter)
	}
	return failureOutcome(req, statusStr, parsed, nil, retryAfter)
}

func (r *requester) processingError(req *apnsRequest, cause error) *outcome {
	err := fmt.Errorf("Unexpected error processing APNs response: %w", cause)
	return failureOutcome(req, "", nil, err, "")
}
