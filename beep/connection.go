package beep

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beepproto/beep/frame"
	"github.com/beepproto/beep/greeting"
	"github.com/beepproto/beep/logging"
)

// Role is a Connection's position in the session, per spec §3.
type Role int

const (
	RoleInitiator Role = iota
	RoleListener
	RoleMasterListener
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleListener:
		return "listener"
	case RoleMasterListener:
		return "master-listener"
	default:
		return "unknown"
	}
}

// Status is a Connection's lifecycle status, per spec §3.
type Status int32

const (
	StatusOK Status = iota
	StatusClosed
	StatusFiltered
	StatusProtocolError
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusClosed:
		return "closed"
	case StatusFiltered:
		return "filtered"
	case StatusProtocolError:
		return "protocol-error"
	case StatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ioHandlers is the pluggable {read, write, close} capability a Connection
// uses instead of talking to net.Conn directly, so a tuning reset (spec
// §4.8) can atomically swap plain-socket I/O for a TLS-wrapped one while
// the reader is detached.
type ioHandlers struct {
	rw io.ReadWriteCloser
}

// Connection represents one BEEP session over a reliable byte stream
// (spec §3). Its channel table and I/O handlers are protected by mu, the
// reference count is updated atomically, and role/id/remote address are
// immutable after creation.
type Connection struct {
	ctx *Context

	id         uint64
	role       Role
	remoteAddr net.Addr
	localAddr  net.Addr
	socket     net.Conn // the literal socket, for Addr() and tuning handover

	mu                sync.Mutex
	io                ioHandlers
	status            Status
	initial           bool // two-phase accept: true until the first greeting exchange completes
	watched           bool
	keepSocketOnClose bool // flipped true during a tuning reset's teardown phase
	serverNamePinned  bool
	serverName        string
	peerProfiles      []string
	channels          map[uint32]*Channel
	nextOddChan       uint32
	nextEvenChan      uint32
	refcount          int32
	onCloseHandlers   []func(*Connection)
	data              map[string]any
	saslProps         map[string]string

	decoder *frame.Decoder
	writer  *writer

	nextZeroMsgno uint32
	zeroWaiters   map[uint32]chan *greeting.Message
	greetingCh    chan greeting.Greeting

	closeOnce sync.Once
	die       chan struct{}

	readErr  atomic.Value
	writeErr atomic.Value

	log *logging.Logger
}

func newConnection(ctx *Context, socket net.Conn, role Role) *Connection {
	id := ctx.allocConnID()
	c := &Connection{
		ctx:        ctx,
		id:         id,
		role:       role,
		remoteAddr: socket.RemoteAddr(),
		localAddr:  socket.LocalAddr(),
		socket:     socket,
		io:         ioHandlers{rw: socket},
		initial:    true,
		channels:   make(map[uint32]*Channel),
		data:       make(map[string]any),
		saslProps:  make(map[string]string),
		die:        make(chan struct{}),
		decoder:    frame.NewDecoder(ctx.cfg.MaxFrameSize),
		zeroWaiters: make(map[uint32]chan *greeting.Message),
		greetingCh:  make(chan greeting.Greeting, 1),
		log:        logging.New().With("conn", id),
	}
	switch role {
	case RoleInitiator:
		c.nextOddChan, c.nextEvenChan = 1, 2
	default:
		c.nextOddChan, c.nextEvenChan = 1, 2
	}
	c.writer = newWriter(c)

	zero := newChannel(c, 0, "", nil, ctx.cfg.Serialize)
	zero.init()
	zero.rawIncoming = c.onChannelZero
	zero.setState(ChannelOpen)
	c.channels[0] = zero

	return c
}

// ID is the Connection's monotonic identifier.
func (c *Connection) ID() uint64 { return c.id }

// Role returns the Connection's role.
func (c *Connection) Role() Role { return c.role }

// Status returns the Connection's current lifecycle status.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Connection) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// RemoteAddr returns the peer's network address.
func (c *Connection) RemoteAddr() net.Addr { return c.remoteAddr }

// LocalAddr returns the local network address.
func (c *Connection) LocalAddr() net.Addr { return c.localAddr }

// ServerName returns the serverName pinned by the first successfully
// started channel, or "" if none has pinned one yet (spec §4.7's
// serverName policy).
func (c *Connection) ServerName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverName
}

// pinServerName sets the connection's serverName if none is pinned yet;
// later requests with a different value are ignored, per spec §4.7.
func (c *Connection) pinServerName(name string) {
	if name == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.serverNamePinned {
		c.serverName = name
		c.serverNamePinned = true
	}
}

// PeerProfiles returns the profile URIs the peer advertised in its
// greeting.
func (c *Connection) PeerProfiles() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.peerProfiles))
	copy(out, c.peerProfiles)
	return out
}

func (c *Connection) setPeerProfiles(uris []string) {
	c.mu.Lock()
	c.peerProfiles = uris
	c.mu.Unlock()
}

// SetData stores a value in the connection's opaque keyed-data store
// (spec §9: "typed extension slots where known at compile time, and a
// single typed map... for the rest" — this is that map).
func (c *Connection) SetData(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
}

// GetData retrieves a value from the opaque keyed-data store.
func (c *Connection) GetData(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok
}

// SASLProperties returns a copy of the authentication properties recorded
// on this connection (spec §4.10, SPEC_FULL §9). TuningReset records none,
// and no other code in this package does, so the map is empty.
func (c *Connection) SASLProperties() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.saslProps))
	for k, v := range c.saslProps {
		out[k] = v
	}
	return out
}

func (c *Connection) setSASLProperty(k, v string) {
	c.mu.Lock()
	c.saslProps[k] = v
	c.mu.Unlock()
}

// OnClose registers a handler invoked (on the worker pool) once the
// connection tears down.
func (c *Connection) OnClose(fn func(*Connection)) {
	c.mu.Lock()
	c.onCloseHandlers = append(c.onCloseHandlers, fn)
	c.mu.Unlock()
}

// Ref increments the connection's reference count. Used across a
// locally-initiated close so a racing peer close doesn't dangle the
// caller (spec §4.11).
func (c *Connection) Ref() { atomic.AddInt32(&c.refcount, 1) }

// Unref decrements the reference count and, if it reaches zero and every
// channel is closed, tears the connection down.
func (c *Connection) Unref() {
	if atomic.AddInt32(&c.refcount, -1) == 0 {
		c.maybeDestroy()
	}
}

func (c *Connection) maybeDestroy() {
	c.mu.Lock()
	if atomic.LoadInt32(&c.refcount) > 0 {
		c.mu.Unlock()
		return
	}
	for _, ch := range c.channels {
		if ch.State() != ChannelClosed {
			c.mu.Unlock()
			return
		}
	}
	c.mu.Unlock()
	c.Shutdown()
}

func (c *Connection) allocChannelNumber() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n uint32
	switch c.role {
	case RoleInitiator:
		n = c.nextOddChan
		c.nextOddChan += 2
	default:
		n = c.nextEvenChan
		c.nextEvenChan += 2
	}
	return n
}

// peerChannelParityOK reports whether n is the parity this
// connection's peer is allowed to allocate (spec §3: "tie break by
// role" — the initiator uses odd numbers, the listener even ones).
func (c *Connection) peerChannelParityOK(n uint32) bool {
	if n == 0 {
		return true
	}
	odd := n%2 == 1
	switch c.role {
	case RoleInitiator:
		// peer is the listener: must request even numbers.
		return !odd
	default:
		// peer is the initiator: must request odd numbers.
		return odd
	}
}

func (c *Connection) addChannel(ch *Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.channels[ch.number]; dup {
		return fmt.Errorf("beep: channel %d already exists", ch.number)
	}
	c.channels[ch.number] = ch
	return nil
}

func (c *Connection) removeChannel(number uint32) {
	c.mu.Lock()
	delete(c.channels, number)
	c.mu.Unlock()
}

// GetChannel looks up an existing channel by number.
func (c *Connection) GetChannel(number uint32) (*Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[number]
	return ch, ok
}

// Channels returns a snapshot of every channel currently known to this
// connection (including channel 0).
func (c *Connection) Channels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

func (c *Connection) swapIO(rw io.ReadWriteCloser) {
	c.mu.Lock()
	c.io.rw = rw
	c.mu.Unlock()
}

func (c *Connection) currentIO() io.ReadWriteCloser {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.io.rw
}

// Close attempts a graceful BEEP shutdown: closes every channel, then
// channel 0, waiting up to timeout (0 = Config.DefaultTimeout) before
// falling back to Shutdown.
func (c *Connection) Close(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.ctx.cfg.DefaultTimeout
	}
	zero, ok := c.GetChannel(0)
	if !ok {
		c.Shutdown()
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- zero.closeSession(timeout) }()
	timer, stop := afterTimer(timeout)
	defer stop()
	select {
	case err := <-done:
		return err
	case <-timer:
		c.Shutdown()
		return ErrTimeoutNet
	}
}

// Shutdown is the hard form: it drops the socket immediately without
// attempting a BEEP-level close handshake.
func (c *Connection) Shutdown() {
	c.closeOnce.Do(func() {
		c.setStatus(StatusClosed)
		close(c.die)

		c.mu.Lock()
		ch := make([]*Channel, 0, len(c.channels))
		for _, x := range c.channels {
			ch = append(ch, x)
		}
		keepSocket := c.keepSocketOnClose
		handlers := append([]func(*Connection){}, c.onCloseHandlers...)
		c.mu.Unlock()

		for _, x := range ch {
			x.terminate(ErrConnectionClosed)
		}

		c.writer.stop()
		c.ctx.waiter.Unwatch(c.id)
		if !keepSocket {
			_ = c.io.rw.Close()
		}
		c.ctx.removeConn(c)

		for _, fn := range handlers {
			handler := fn
			c.ctx.dispatch(func() { handler(c) })
		}
	})
}

func (c *Connection) fail(err error) {
	c.setStatus(StatusProtocolError)
	c.ctx.metrics.ProtocolErrors.Inc()
	c.log.Warn("connection failing", "err", err)
	c.Shutdown()
}
