// Copyright 2017 Aleksey Blinov. All rights reserved.

package apns2

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/sync/singleflight"
)

// ErrSessionClosed is reported for requests attempted after the provider
// has been shut down.
var ErrSessionClosed = errors.New("client session is either closed or destroyed")

// shutdownGrace bounds the graceful drain of a session during Shutdown
// before it is destroyed outright.
const shutdownGrace = 5 * time.Second

// sessionKind selects one of the two sessions a manager owns.
type sessionKind int

const (
	sessionPush sessionKind = iota
	sessionManage
)

func (k sessionKind) String() string {
	if k == sessionManage {
		return "manage"
	}
	return "push"
}

// sessionState tracks a session through its lifecycle. Only open sessions
// accept requests; a request that observes anything else re-establishes
// the session before proceeding.
type sessionState int

const (
	stateIdle sessionState = iota
	stateConnecting
	stateOpen
	stateClosed
	stateDestroyed
)

var sessionStateStrs = map[sessionState]string{
	stateIdle:       "idle",
	stateConnecting: "connecting",
	stateOpen:       "open",
	stateClosed:     "closed",
	stateDestroyed:  "destroyed",
}

func (s sessionState) String() string {
	return sessionStateStrs[s]
}

// session is one HTTP/2 connection to a single APN service endpoint,
// optionally tunneled through an HTTP proxy.
type session struct {
	kind     sessionKind
	id       string
	endpoint Endpoint
	proxy    *Endpoint
	tlsCfg   *tls.Config

	mu       sync.Mutex
	state    sessionState
	conn     *http2.ClientConn
	pingStop chan struct{}
}

// open returns the session's connection when it is usable, nil otherwise.
func (s *session) open() *http2.ClientConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil && s.state == stateOpen && s.conn.CanTakeNewRequest() {
		return s.conn
	}
	return nil
}

// drop forgets the supplied connection if it is still the live one.
// Used when the transport reports the connection unusable; the next
// acquire reconnects.
func (s *session) drop(cc *http2.ClientConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != cc {
		return
	}
	s.conn = nil
	s.state = stateDestroyed
	if s.pingStop != nil {
		close(s.pingStop)
		s.pingStop = nil
	}
}

func (s *session) setState(st sessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// sessionManager owns the push and manage sessions. Establishment is lazy
// and coalesced: all concurrent first users of a session share a single
// connection attempt. While a session is open a periodic PING keeps it
// honest; goaway and transport errors are observed through the connection
// state and lead to reconnection on the next acquire.
type sessionManager struct {
	id        string
	log       *logSink
	dialer    *net.Dialer
	transport *http2.Transport
	heartBeat time.Duration

	push   *session
	manage *session

	connect singleflight.Group

	mu         sync.Mutex
	isShutdown bool
}

func newSessionManager(id string, cfg *resolvedConfig, log *logSink) *sessionManager {
	m := &sessionManager{
		id:  id,
		log: log,
		dialer: &net.Dialer{
			Timeout:   cfg.dialTimeout,
			KeepAlive: cfg.keepAlive,
		},
		// Compression is disabled as per Apple spec.
		transport: &http2.Transport{DisableCompression: true},
		heartBeat: cfg.heartBeat,
		push: &session{
			kind:     sessionPush,
			id:       id + "-push",
			endpoint: cfg.pushEndpoint,
			proxy:    cfg.pushProxy,
			tlsCfg:   cfg.tlsConfig(cfg.pushEndpoint),
		},
		manage: &session{
			kind:     sessionManage,
			id:       id + "-manage",
			endpoint: cfg.manageEndpoint,
			proxy:    cfg.manageProxy,
			tlsCfg:   cfg.tlsConfig(cfg.manageEndpoint),
		},
	}
	return m
}

func (m *sessionManager) session(kind sessionKind) *session {
	if kind == sessionManage {
		return m.manage
	}
	return m.push
}

func (m *sessionManager) shuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isShutdown
}

// acquire returns an open connection for the requested session,
// establishing it first if needed.
func (m *sessionManager) acquire(ctx context.Context, kind sessionKind) (*http2.ClientConn, error) {
	if m.shuttingDown() {
		return nil, ErrSessionClosed
	}
	s := m.session(kind)
	if cc := s.open(); cc != nil {
		return cc, nil
	}
	v, err, _ := m.connect.Do(s.id, func() (interface{}, error) {
		return m.establish(ctx, s)
	})
	if err != nil {
		return nil, err
	}
	return v.(*http2.ClientConn), nil
}

func (m *sessionManager) establish(ctx context.Context, s *session) (*http2.ClientConn, error) {
	// Another caller may have finished connecting while this one was
	// queued on the flight group.
	if cc := s.open(); cc != nil {
		return cc, nil
	}
	s.setState(stateConnecting)
	m.log.info(s.id, "Connecting to %s.", s.endpoint.Addr())
	conn, err := m.dialTLS(ctx, s)
	if err != nil {
		s.setState(stateIdle)
		m.log.warn(s.id, "Connection failed: %v", err)
		return nil, err
	}
	cc, err := m.transport.NewClientConn(conn)
	if err != nil {
		conn.Close()
		s.setState(stateIdle)
		return nil, err
	}
	stop := make(chan struct{})
	s.mu.Lock()
	s.conn = cc
	s.state = stateOpen
	s.pingStop = stop
	s.mu.Unlock()
	m.log.info(s.id, "Connected.")
	go m.runHeartBeat(s, cc, stop)
	return cc, nil
}

// dialTLS connects to the session endpoint, through the HTTP proxy when
// one is configured, and negotiates TLS with ALPN h2 and SNI set to the
// endpoint host.
func (m *sessionManager) dialTLS(ctx context.Context, s *session) (net.Conn, error) {
	var conn *tls.Conn
	if s.proxy != nil {
		raw, err := dialProxy(ctx, m.dialer, *s.proxy, s.endpoint)
		if err != nil {
			return nil, err
		}
		conn = tls.Client(raw, s.tlsCfg)
		if err := conn.HandshakeContext(ctx); err != nil {
			raw.Close()
			return nil, err
		}
	} else {
		d := &tls.Dialer{NetDialer: m.dialer, Config: s.tlsCfg}
		c, err := d.DialContext(ctx, "tcp", s.endpoint.Addr())
		if err != nil {
			return nil, err
		}
		conn = c.(*tls.Conn)
	}
	if p := conn.ConnectionState().NegotiatedProtocol; p != "h2" {
		conn.Close()
		return nil, fmt.Errorf("apns2: endpoint did not negotiate h2, got %q", p)
	}
	return conn, nil
}

// runHeartBeat pings the session at the configured interval while it
// remains open. Ping outcomes are logged; a failed ping does not itself
// destroy the session, but a connection the transport has given up on is
// dropped so the next request reconnects.
func (m *sessionManager) runHeartBeat(s *session, cc *http2.ClientConn, stop <-chan struct{}) {
	if m.heartBeat <= 0 {
		return
	}
	tkr := time.NewTicker(m.heartBeat)
	defer tkr.Stop()
	for {
		select {
		case <-tkr.C:
			start := time.Now()
			ctx, cancel := context.WithTimeout(context.Background(), m.heartBeat)
			err := cc.Ping(ctx)
			cancel()
			if err != nil {
				m.log.warn(s.id, "Ping failed: %v", err)
			} else {
				m.log.trace(0, s.id, "Ping round trip %v.", time.Since(start))
			}
			if !cc.CanTakeNewRequest() {
				m.log.info(s.id, "Session closed by transport; marking destroyed.")
				s.drop(cc)
				return
			}
		case <-stop:
			return
		}
	}
}

// teardown closes and destroys one session outright so that subsequent
// requests reconnect. The retry policy calls this after a request
// ultimately fails with a 500.
func (m *sessionManager) teardown(kind sessionKind) {
	s := m.session(kind)
	s.mu.Lock()
	cc := s.conn
	s.conn = nil
	if cc != nil {
		s.state = stateDestroyed
	}
	if s.pingStop != nil {
		close(s.pingStop)
		s.pingStop = nil
	}
	s.mu.Unlock()
	if cc != nil {
		m.log.info(s.id, "Closing and destroying session.")
		cc.Close()
	}
}

// Shutdown closes both sessions, gracefully first, and invokes cb exactly
// once after both are done. Subsequent calls are no-ops. Outstanding
// requests are not canceled explicitly; they resolve through their own
// stream outcomes.
func (m *sessionManager) Shutdown(cb func()) {
	m.mu.Lock()
	if m.isShutdown {
		m.mu.Unlock()
		return
	}
	m.isShutdown = true
	m.mu.Unlock()
	go func() {
		for _, s := range []*session{m.push, m.manage} {
			s.mu.Lock()
			cc := s.conn
			s.conn = nil
			s.state = stateClosed
			if s.pingStop != nil {
				close(s.pingStop)
				s.pingStop = nil
			}
			s.mu.Unlock()
			if cc != nil {
				ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
				if err := cc.Shutdown(ctx); err != nil {
					cc.Close()
				}
				cancel()
			}
			m.log.info(s.id, "Stopped.")
		}
		if cb != nil {
			cb()
		}
	}()
}
