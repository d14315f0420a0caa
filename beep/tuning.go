package beep

import (
	"fmt"
	"io"
	"sync"
)

// TuningProfile implements one tuning-reset backend (spec §4.8): a
// handshake that runs directly on the connection's socket, replacing the
// plaintext BEEP stream with a wrapped one (TLS) or recording an outcome
// without rewrapping I/O (SASL). RegisterTuningProfile installs one under
// the same URI a <start> announces.
type TuningProfile interface {
	// Reset runs the handshake over rw (the connection's current raw
	// socket, with BEEP framing suspended) and returns the
	// io.ReadWriteCloser all subsequent traffic should use — rw itself for
	// a no-rewrap profile (SASL), or a wrapped stream (TLS).
	Reset(conn *Connection, rw io.ReadWriteCloser, serverName string) (io.ReadWriteCloser, error)
}

// tuningRegistry is the Context-wide URI -> TuningProfile table.
type tuningRegistry struct {
	mu       sync.RWMutex
	profiles map[string]TuningProfile
}

func newTuningRegistry() *tuningRegistry {
	return &tuningRegistry{profiles: make(map[string]TuningProfile)}
}

func (r *tuningRegistry) register(uri string, p TuningProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[uri] = p
}

func (r *tuningRegistry) lookup(uri string) (TuningProfile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[uri]
	return p, ok
}

// TuningReset drives a tuning reset end to end on this connection, per
// spec §4.8: every channel but 0 must already be closed, channel 0 is torn
// down without touching the socket, the registered profile's handshake
// runs directly on the raw stream, the connection's I/O is swapped to the
// result, and channel 0 plus the greeting exchange are re-established.
//
// greet re-sends and re-parses the post-reset channel-0 greeting; it is
// supplied by the reader/listener code that already knows how to do the
// initial greeting exchange, so this method doesn't duplicate it.
func (c *Connection) TuningReset(uri string, serverName string, greet func(*Connection) error) error {
	profile, ok := c.ctx.tuningReg.lookup(uri)
	if !ok {
		return fmt.Errorf("beep: no tuning profile registered for %s: %w", uri, ErrNoSuchProfile)
	}

	for _, ch := range c.Channels() {
		if ch.number != 0 && ch.State() != ChannelClosed {
			return fmt.Errorf("beep: tuning reset requires every non-zero channel closed first: %w", ErrTuningFailure)
		}
	}

	if zero, ok := c.GetChannel(0); ok {
		zero.terminate(ErrChannelClosed)
	}

	// Detach from the reader's watch set before the handshake touches the
	// raw socket directly: otherwise the watcher goroutine's own Read races
	// the handshake's reads on the same fd (spec §4.8 steps 3-5).
	c.ctx.waiter.Unwatch(c.id)

	c.mu.Lock()
	c.keepSocketOnClose = true
	rw := c.io.rw
	c.mu.Unlock()

	wrapped, err := profile.Reset(c, rw, serverName)
	if err != nil {
		return fmt.Errorf("beep: tuning reset with %s failed: %w", uri, ErrTuningFailure)
	}

	c.swapIO(wrapped)
	c.mu.Lock()
	c.keepSocketOnClose = false
	c.mu.Unlock()

	zero := newChannel(c, 0, "", nil, c.ctx.cfg.Serialize)
	zero.init()
	zero.rawIncoming = c.onChannelZero
	zero.setState(ChannelOpen)
	// Suspend SEQ emission on the fresh channel 0 until the post-reset
	// greeting has been sent (spec §4.8 step 6); otherwise a SEQ could race
	// ahead of the greeting that re-establishes the session.
	zero.setSuppressSeq(true)
	if err := c.addChannel(zero); err != nil {
		return err
	}

	c.ctx.waiter.Watch(c.id, readerFor(c), c.ctx.cfg.ReaderBufferSize)

	if err := greet(c); err != nil {
		return fmt.Errorf("beep: post-reset greeting failed: %w", ErrTuningFailure)
	}

	zero.setSuppressSeq(false)
	zero.flushPendingSeq()

	c.ctx.metrics.TuningResetsTotal.Inc()
	return nil
}
