// Package chanpool implements the named channel pool from spec §9's
// supplemented feature set, modeled on libvortex's vortex_channel_pool.c:
// a bag of channels on one connection that all share a profile URI and
// creation parameters, so callers needing throughput across many
// concurrent requests don't pay a <start> round trip per request.
package chanpool

import (
	"fmt"
	"sync"

	"github.com/beepproto/beep"
	"github.com/beepproto/beep/greeting"
)

// Pool is a bag of same-profile channels on one Connection.
type Pool struct {
	conn       *beep.Connection
	serverName string
	candidates []greeting.ProfileAd

	mu      sync.Mutex
	members []*beep.Channel
	next    int // round-robin cursor over members
	closed  bool
}

// New creates an empty pool bound to conn. Channels are created lazily by
// GetNextReady's auto-grow, or eagerly with Grow.
func New(conn *beep.Connection, serverName string, candidates []greeting.ProfileAd) *Pool {
	return &Pool{conn: conn, serverName: serverName, candidates: candidates}
}

// Grow starts n new channels against the pool's profile and adds them to
// the bag.
func (p *Pool) Grow(n int) error {
	for i := 0; i < n; i++ {
		ch, err := p.conn.StartChannel(p.serverName, p.candidates)
		if err != nil {
			return fmt.Errorf("chanpool: grow channel %d/%d: %w", i+1, n, err)
		}
		p.mu.Lock()
		p.members = append(p.members, ch)
		p.mu.Unlock()
	}
	return nil
}

// GetNextReady returns the next channel in round-robin order. If the pool
// is empty and autoGrow is true, it starts exactly one channel on demand;
// otherwise an empty pool is an error.
//
// A pool's serverName is fixed at construction (see New) rather than
// re-negotiated per auto-grown channel: spec §9 leaves open whether a
// later StartChannel call in the same pool may request a different
// serverName mid-pool-lifetime. This implementation decides no — every
// channel in a pool shares one pinned serverName, matching the
// Connection-level first-pin-wins rule in spec §4.7, so a pool can never
// produce channels with inconsistent peer identity.
func (p *Pool) GetNextReady(autoGrow bool) (*beep.Channel, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("chanpool: pool closed")
	}
	if len(p.members) == 0 {
		p.mu.Unlock()
		if !autoGrow {
			return nil, fmt.Errorf("chanpool: pool is empty")
		}
		if err := p.Grow(1); err != nil {
			return nil, err
		}
		p.mu.Lock()
	}
	ch := p.members[p.next%len(p.members)]
	p.next++
	p.mu.Unlock()
	return ch, nil
}

// Release removes a channel from the pool without closing it; the caller
// still owns closing ch directly if it's done with it entirely. Release is
// for pool implementations that hand out dedicated (non-round-robin)
// channels and later want to return them to the shared bag — this pool
// always round-robins, so Release simply drops ch from future rotation.
func (p *Pool) Release(ch *beep.Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, m := range p.members {
		if m == ch {
			p.members = append(p.members[:i], p.members[i+1:]...)
			return
		}
	}
}

// Close closes every channel in the pool. The pool's lifecycle is bound to
// its Connection: callers should Close it no later than the Connection
// itself closes.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	members := p.members
	p.members = nil
	p.mu.Unlock()

	var firstErr error
	for _, ch := range members {
		if err := p.conn.CloseChannel(ch.Number()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Len reports how many channels currently belong to the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.members)
}
