package remote

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Dialer produces a connected-on-demand Client for one account.
type Dialer func(accountID string) (Client, error)

// Pool hands out at most one remote connection per account, with a shared
// rate limit on new dials. Components acquire a client for the duration of
// one account pass and release it when done; concurrent acquisition for the
// same account blocks until the holder releases.
type Pool struct {
	dial    Dialer
	limiter *rate.Limiter

	mu    sync.Mutex
	conns map[string]*pooledConn
}

type pooledConn struct {
	client Client
	busy   chan struct{} // buffered(1); holding the token means owning the conn
}

// NewPool creates a pool. dialsPerSec bounds how fast new connections are
// established across all accounts.
func NewPool(dial Dialer, dialsPerSec float64) *Pool {
	if dialsPerSec <= 0 {
		dialsPerSec = 1
	}
	return &Pool{
		dial:    dial,
		limiter: rate.NewLimiter(rate.Limit(dialsPerSec), 1),
		conns:   make(map[string]*pooledConn),
	}
}

// Acquire returns the account's client and a release func. The caller must
// call release exactly once, and must not use the client afterwards.
func (p *Pool) Acquire(ctx context.Context, accountID string) (Client, func(), error) {
	p.mu.Lock()
	pc, ok := p.conns[accountID]
	if !ok {
		pc = &pooledConn{busy: make(chan struct{}, 1)}
		p.conns[accountID] = pc
	}
	p.mu.Unlock()

	select {
	case pc.busy <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	if pc.client == nil {
		if err := p.limiter.Wait(ctx); err != nil {
			<-pc.busy
			return nil, nil, err
		}
		client, err := p.dial(accountID)
		if err != nil {
			<-pc.busy
			return nil, nil, fmt.Errorf("dialing account %s: %w", accountID, err)
		}
		pc.client = client
	}

	release := func() { <-pc.busy }
	return pc.client, release, nil
}

// Drop closes and forgets the account's connection. Call after a connection
// level failure so the next Acquire redials.
func (p *Pool) Drop(accountID string) {
	p.mu.Lock()
	pc, ok := p.conns[accountID]
	if ok {
		delete(p.conns, accountID)
	}
	p.mu.Unlock()

	if ok && pc.client != nil {
		_ = pc.client.Close()
	}
}

// Close closes every pooled connection.
func (p *Pool) Close() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*pooledConn)
	p.mu.Unlock()

	for _, pc := range conns {
		if pc.client != nil {
			_ = pc.client.Close()
		}
	}
}
