// Copyright 2017 Aleksey Blinov. All rights reserved.

package apns2

import (
	"context"
	"sync"

	"github.com/stage88/apns/syncx"
)

// MultiProvider spreads load over a fixed set of independent providers,
// each with its own pair of sessions. Calls are assigned whole to one
// provider, round-robin; recipients within a batch are never split.
type MultiProvider struct {
	providers []*Provider
	cursor    syncx.Counter
	shutdown  sync.Once
}

// NewMultiProvider creates cfg.ClientCount independent providers sharing
// the same configuration.
func NewMultiProvider(cfg *Config) (*MultiProvider, error) {
	count := DefaultClientCount
	if cfg != nil && cfg.ClientCount != 0 {
		count = cfg.ClientCount
	}
	if count < 0 {
		return nil, ErrClientCountInvalid
	}
	m := &MultiProvider{providers: make([]*Provider, 0, count)}
	for i := 0; i < count; i++ {
		p, err := NewProvider(cfg)
		if err != nil {
			return nil, err
		}
		m.providers = append(m.providers, p)
	}
	return m, nil
}

// next advances the round-robin cursor atomically and picks the provider
// for this call.
func (m *MultiProvider) next() *Provider {
	idx := (m.cursor.Add(1) - 1) % uint64(len(m.providers))
	return m.providers[idx]
}

// Send delegates the whole batch to the next provider in turn.
func (m *MultiProvider) Send(ctx context.Context, n *Notification, recipients ...string) *BatchResult {
	return m.next().Send(ctx, n, recipients...)
}

// ManageChannels delegates the whole batch to the next provider in turn.
func (m *MultiProvider) ManageChannels(ctx context.Context, bundleID string, action ChannelAction, ns ...*Notification) (*BatchResult, error) {
	return m.next().ManageChannels(ctx, bundleID, action, ns...)
}

// Broadcast delegates the whole batch to the next provider in turn.
func (m *MultiProvider) Broadcast(ctx context.Context, bundleID string, ns ...*Notification) *BatchResult {
	return m.next().Broadcast(ctx, bundleID, ns...)
}

// Shutdown shuts down every provider and invokes cb exactly once after
// all of them have completed. Subsequent calls are no-ops.
func (m *MultiProvider) Shutdown(cb func()) {
	m.shutdown.Do(func() {
		var wg sync.WaitGroup
		for _, p := range m.providers {
			wg.Add(1)
			p.Shutdown(wg.Done)
		}
		go func() {
			wg.Wait()
			if cb != nil {
				cb()
			}
		}()
	})
}

// SetLogger forwards the logger to every provider.
func (m *MultiProvider) SetLogger(l Logger) {
	for _, p := range m.providers {
		p.SetLogger(l)
	}
}
