// Copyright 2017 Aleksey Blinov. All rights reserved.

package apns2

import (
	"context"
	"fmt"
	"net/http"
	"sync"
)

// Provider is the public surface for communicating with APN service.
// It owns one HTTP/2 session to the push gateway and one to the channel
// management gateway, shares them among all concurrent requests, and is
// safe to use in concurrent goroutines.
//
// As per APN service guidelines, you should keep a handle on a provider
// so that you can keep your connections with APN servers open.
// Repeatedly opening and closing connections in rapid succession is
// treated by Apple as a denial-of-service attack.
type Provider struct {
	id    string
	log   *logSink
	sm    *sessionManager
	req   *requester
	retry *retryPolicy
}

// NewProvider validates cfg, loads any credential material and returns a
// ready provider. No connection is made until the first request.
func NewProvider(cfg *Config) (*Provider, error) {
	res, err := resolveConfig(cfg)
	if err != nil {
		return nil, err
	}
	log := newLogSink()
	sm := newSessionManager("Client", res, log)
	return &Provider{
		id:    sm.id,
		log:   log,
		sm:    sm,
		req:   &requester{sm: sm, token: res.token, timeout: res.requestTimeout, log: log},
		retry: newRetryPolicy(sm, res.retryLimit, log),
	}, nil
}

// ChannelAction names a channel management operation.
type ChannelAction string

const (
	ChannelCreate  ChannelAction = "create"
	ChannelRead    ChannelAction = "read"
	ChannelReadAll ChannelAction = "readAll"
	ChannelDelete  ChannelAction = "delete"
)

// route maps the action to a path template and HTTP method.
func (a ChannelAction) route() (requestKind, string, bool) {
	switch a {
	case ChannelCreate:
		return kindChannels, http.MethodPost, true
	case ChannelRead:
		return kindChannels, http.MethodGet, true
	case ChannelReadAll:
		return kindAllChannels, http.MethodGet, true
	case ChannelDelete:
		return kindChannels, http.MethodDelete, true
	}
	return 0, "", false
}

// Send pushes the notification to every recipient device token
// concurrently and partitions the per-recipient outcomes. The call
// resolves only after every recipient has; partial failure is reported
// through the result, never as an error.
func (p *Provider) Send(ctx context.Context, n *Notification, recipients ...string) *BatchResult {
	headers := n.Headers()
	body, err := n.Compile()
	if err != nil {
		res := &BatchResult{}
		for _, rcpt := range recipients {
			res.Failed = append(res.Failed, Failure{Device: rcpt, Err: err})
		}
		return res
	}
	reqs := make([]*apnsRequest, 0, len(recipients))
	for _, rcpt := range recipients {
		reqs = append(reqs, &apnsRequest{
			kind:    kindDevice,
			method:  http.MethodPost,
			sub:     rcpt,
			headers: headers,
			body:    body,
		})
	}
	return p.fanOut(ctx, reqs)
}

// ManageChannels runs one channel management request per notification,
// all scoped to the same bundle identifier. The supported actions are
// create, read, readAll and delete. An unsupported action is rejected
// with a *Failure before any network I/O; this is the only case where
// the batch APIs reject rather than resolve.
func (p *Provider) ManageChannels(ctx context.Context, bundleID string, action ChannelAction, ns ...*Notification) (*BatchResult, error) {
	kind, method, ok := action.route()
	if !ok {
		return nil, &Failure{
			BundleID: bundleID,
			Err:      fmt.Errorf("the action %q is not supported", string(action)),
		}
	}
	res := &BatchResult{}
	reqs := make([]*apnsRequest, 0, len(ns))
	for _, n := range ns {
		if action == ChannelCreate {
			n.AddPushTypeToPayloadIfNeeded()
		}
		n.RemoveNonChannelRelatedProperties()
		headers := n.Headers()
		body, err := n.Compile()
		if err != nil {
			res.Failed = append(res.Failed, Failure{BundleID: bundleID, Err: err})
			continue
		}
		reqs = append(reqs, &apnsRequest{
			kind:      kind,
			method:    method,
			sub:       bundleID,
			headers:   headers,
			body:      body,
			channelID: headers["apns-channel-id"],
		})
	}
	p.fanOutInto(ctx, reqs, res)
	return res, nil
}

// Broadcast posts each notification to the bundle's broadcast path on the
// push session. Outcomes echo the channel identifier of the outgoing
// notification when the server does not supply one.
func (p *Provider) Broadcast(ctx context.Context, bundleID string, ns ...*Notification) *BatchResult {
	res := &BatchResult{}
	reqs := make([]*apnsRequest, 0, len(ns))
	for _, n := range ns {
		headers := n.Headers()
		body, err := n.Compile()
		if err != nil {
			res.Failed = append(res.Failed, Failure{BundleID: bundleID, Err: err})
			continue
		}
		reqs = append(reqs, &apnsRequest{
			kind:      kindBroadcasts,
			method:    http.MethodPost,
			sub:       bundleID,
			headers:   headers,
			body:      body,
			channelID: headers["apns-channel-id"],
		})
	}
	p.fanOutInto(ctx, reqs, res)
	return res
}

// Shutdown closes both sessions and invokes cb exactly once after both
// are done. Outstanding requests resolve through their own stream
// outcomes. Subsequent calls are no-ops.
func (p *Provider) Shutdown(cb func()) {
	p.sm.Shutdown(cb)
}

// SetLogger directs this provider's log output, session and retry
// activity included, to l.
func (p *Provider) SetLogger(l Logger) {
	p.log.set(l)
}

func (p *Provider) fanOut(ctx context.Context, reqs []*apnsRequest) *BatchResult {
	res := &BatchResult{}
	p.fanOutInto(ctx, reqs, res)
	return res
}

// fanOutInto issues every request concurrently and settles them all:
// each recipient lands in exactly one of the two lists regardless of how
// its request resolved.
func (p *Provider) fanOutInto(ctx context.Context, reqs []*apnsRequest, res *BatchResult) {
	if len(reqs) == 0 {
		return
	}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, req := range reqs {
		wg.Add(1)
		go func(req *apnsRequest) {
			defer wg.Done()
			out := p.retry.execute(ctx, p.req, req)
			mu.Lock()
			defer mu.Unlock()
			if out.failure != nil {
				res.Failed = append(res.Failed, out.failure.redacted())
			} else {
				res.Sent = append(res.Sent, *out.success)
			}
		}(req)
	}
	wg.Wait()
}
