// Copyright 2017 Aleksey Blinov. All rights reserved.

package apns2

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/http2"

	"github.com/stretchr/testify/assert"
)

func newTestSessionManager(t testing.TB, push, manage *testServer, heartBeat time.Duration) *sessionManager {
	t.Helper()
	cfg := testConfig(push, manage)
	if heartBeat > 0 {
		cfg.HeartBeat = heartBeat
	}
	return newSessionManager("Client", mustResolveConfig(t, cfg), newLogSink())
}

func okServer(t testing.TB) *testServer {
	t.Helper()
	return mustNewTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, "")
	}))
}

// Concurrent first users of a session share a single connection attempt.
func TestAcquireCoalesced(t *testing.T) {
	s := okServer(t)
	sm := newTestSessionManager(t, s, nil, 0)
	const workers = 16
	conns := make([]*http2.ClientConn, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cc, err := sm.acquire(context.Background(), sessionPush)
			if err != nil {
				t.Error(err)
				return
			}
			conns[i] = cc
		}(i)
	}
	wg.Wait()
	for i := 1; i < workers; i++ {
		assert.Same(t, conns[0], conns[i])
	}
}

func TestAcquireSeparateSessions(t *testing.T) {
	push := okServer(t)
	manage := okServer(t)
	sm := newTestSessionManager(t, push, manage, 0)
	ctx := context.Background()
	pc, err := sm.acquire(ctx, sessionPush)
	if err != nil {
		t.Fatal(err)
	}
	mc, err := sm.acquire(ctx, sessionManage)
	if err != nil {
		t.Fatal(err)
	}
	assert.NotSame(t, pc, mc)
}

func TestAcquireReconnectsAfterTeardown(t *testing.T) {
	s := okServer(t)
	sm := newTestSessionManager(t, s, nil, 0)
	ctx := context.Background()
	first, err := sm.acquire(ctx, sessionPush)
	if err != nil {
		t.Fatal(err)
	}
	sm.teardown(sessionPush)
	assert.Nil(t, sm.session(sessionPush).open())
	second, err := sm.acquire(ctx, sessionPush)
	if err != nil {
		t.Fatal(err)
	}
	assert.NotSame(t, first, second)
	assert.True(t, second.CanTakeNewRequest())
}

func TestAcquireConnectFailure(t *testing.T) {
	s := okServer(t)
	sm := newTestSessionManager(t, s, nil, 0)
	// Close the server first so the dial has nowhere to go.
	s.Close()
	_, err := sm.acquire(context.Background(), sessionPush)
	assert.Error(t, err)
	assert.Nil(t, sm.session(sessionPush).open())
}

func TestAcquireAfterShutdown(t *testing.T) {
	s := okServer(t)
	sm := newTestSessionManager(t, s, nil, 0)
	done := make(chan struct{})
	sm.Shutdown(func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * shutdownGrace):
		t.Fatal("shutdown never completed")
	}
	_, err := sm.acquire(context.Background(), sessionPush)
	assert.Equal(t, ErrSessionClosed, err)
}

func TestSessionManagerShutdownIdempotent(t *testing.T) {
	s := okServer(t)
	sm := newTestSessionManager(t, s, nil, 0)
	if _, err := sm.acquire(context.Background(), sessionPush); err != nil {
		t.Fatal(err)
	}
	var mu sync.Mutex
	calls := 0
	done := make(chan struct{})
	sm.Shutdown(func() {
		mu.Lock()
		calls++
		mu.Unlock()
		close(done)
	})
	sm.Shutdown(func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	select {
	case <-done:
	case <-time.After(2 * shutdownGrace):
		t.Fatal("shutdown never completed")
	}
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

// A short heartbeat keeps pinging without disturbing an open session.
func TestHeartBeatKeepsSessionOpen(t *testing.T) {
	s := okServer(t)
	sm := newTestSessionManager(t, s, nil, 20*time.Millisecond)
	cc, err := sm.acquire(context.Background(), sessionPush)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)
	assert.Same(t, cc, sm.session(sessionPush).open())
}

// When the transport kills the connection under the heartbeat, the
// session is dropped and the next acquire reconnects.
func TestHeartBeatDropsDeadSession(t *testing.T) {
	s := okServer(t)
	sm := newTestSessionManager(t, s, nil, 20*time.Millisecond)
	cc, err := sm.acquire(context.Background(), sessionPush)
	if err != nil {
		t.Fatal(err)
	}
	cc.Close()
	assert.Eventually(t, func() bool {
		return sm.session(sessionPush).open() == nil
	}, time.Second, 10*time.Millisecond)
	second, err := sm.acquire(context.Background(), sessionPush)
	if err != nil {
		t.Fatal(err)
	}
	assert.NotSame(t, cc, second)
}
