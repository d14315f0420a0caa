package beep

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/beepproto/beep/greeting"
	"github.com/beepproto/beep/logging"
)

// AcceptFilter decides whether a freshly-accepted socket may proceed to
// the greeting exchange (spec §4.3/§4.9's on-accept filter chain). It runs
// against the bare remote address, before any bytes are read. Returning
// false rejects the connection before any BEEP traffic is exchanged.
type AcceptFilter func(remote net.Addr) bool

// PortShareHandler inspects up to the first 4 bytes read from a freshly
// accepted socket, before any BEEP traffic is parsed (spec §4.3/§9's
// port-sharing hook, generalizing libvortex's MSG_PEEK-based protocol
// detection). A handler that recognizes peek may claim the socket,
// returning an alternate net.Conn (e.g. one that completes a TLS handshake
// first) to use in place of the raw one. A handler that doesn't recognize
// peek returns handled=false, leaving the socket for the next handler (or
// for plain BEEP if none claims it).
type PortShareHandler func(peek []byte, socket net.Conn) (wrapped net.Conn, handled bool, err error)

// portSharePeekTimeout bounds how long the listener waits for the first
// bytes before concluding none are coming and proceeding as plain BEEP.
const portSharePeekTimeout = 50 * time.Millisecond

// GreetingFeaturesHook runs once a listener-role connection's peer
// greeting has been parsed, mirroring libvortex's PROCESS_GREETINGS_
// FEATURES actions (spec §9). Returning an error rejects the connection
// before it becomes visible to Accept.
type GreetingFeaturesHook func(conn *Connection, g greeting.Greeting) error

// ConnectionCreatedHook runs once a connection has completed its greeting
// exchange and is about to become visible to Accept, mirroring libvortex's
// POST_CREATED actions (spec §9).
type ConnectionCreatedHook func(conn *Connection)

// Listener accepts inbound connections and bootstraps each one through the
// BEEP greeting exchange before handing it to the caller (spec §4.9, C9).
type Listener struct {
	ctx      *Context
	ln       net.Listener
	filters  []AcceptFilter
	log      *logging.Logger
	accepted chan acceptResult
	die      chan struct{}

	hookMu        sync.RWMutex
	portShare     []PortShareHandler
	greetingHooks []GreetingFeaturesHook
	createdHooks  []ConnectionCreatedHook
}

type acceptResult struct {
	conn *Connection
	err  error
}

// Listen opens a Listener on network/addr. Accepted connections are
// delivered through Accept after their greeting exchange completes.
func Listen(ctx *Context, network, addr string, filters ...AcceptFilter) (*Listener, error) {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("beep: listen %s: %w", addr, err)
	}
	l := &Listener{
		ctx:      ctx,
		ln:       ln,
		filters:  filters,
		log:      logging.New().With("listener", addr),
		accepted: make(chan acceptResult, ctx.cfg.ListenerBacklog),
		die:      make(chan struct{}),
	}
	go l.acceptLoop()
	return l, nil
}

func (l *Listener) acceptLoop() {
	for {
		socket, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.die:
				return
			default:
			}
			select {
			case l.accepted <- acceptResult{err: fmt.Errorf("beep: accept: %w", ErrTransport)}:
			case <-l.die:
			}
			return
		}

		if !l.runFilters(socket.RemoteAddr()) {
			l.log.Info("connection filtered on accept", "remote", socket.RemoteAddr())
			_ = socket.Close()
			continue
		}

		go l.bootstrap(socket)
	}
}

func (l *Listener) runFilters(remote net.Addr) bool {
	for _, f := range l.filters {
		if !f(remote) {
			return false
		}
	}
	return true
}

// AddPortShareHandler registers h to inspect the first bytes of every
// subsequently accepted socket, before the greeting exchange begins
// (spec §4.3/§9). Handlers run in registration order; the first to claim
// a socket wins.
func (l *Listener) AddPortShareHandler(h PortShareHandler) {
	l.hookMu.Lock()
	defer l.hookMu.Unlock()
	l.portShare = append(l.portShare, h)
}

// OnGreetingFeatures registers h to run once a connection's peer greeting
// has been parsed but before the connection is marked non-initial
// (libvortex's PROCESS_GREETINGS_FEATURES, spec §9). Returning an error
// from h rejects the connection.
func (l *Listener) OnGreetingFeatures(h GreetingFeaturesHook) {
	l.hookMu.Lock()
	defer l.hookMu.Unlock()
	l.greetingHooks = append(l.greetingHooks, h)
}

// OnConnectionCreated registers h to run once a connection is fully
// accepted and about to become visible to Accept (libvortex's
// POST_CREATED, spec §9).
func (l *Listener) OnConnectionCreated(h ConnectionCreatedHook) {
	l.hookMu.Lock()
	defer l.hookMu.Unlock()
	l.createdHooks = append(l.createdHooks, h)
}

// snapshotHooks returns defensive copies of the hook slices so bootstrap
// goroutines don't race concurrent registration calls.
func (l *Listener) snapshotHooks() (portShare []PortShareHandler, greetingHooks []GreetingFeaturesHook, created []ConnectionCreatedHook) {
	l.hookMu.RLock()
	defer l.hookMu.RUnlock()
	portShare = append([]PortShareHandler(nil), l.portShare...)
	greetingHooks = append([]GreetingFeaturesHook(nil), l.greetingHooks...)
	created = append([]ConnectionCreatedHook(nil), l.createdHooks...)
	return
}

func (l *Listener) bootstrap(socket net.Conn) {
	portShare, greetingHooks, created := l.snapshotHooks()

	remote := socket.RemoteAddr()
	wrapped, err := peekSocket(socket, portShare)
	if err != nil {
		l.log.Info("connection rejected during port-share peek", "remote", remote, "err", err)
		_ = socket.Close()
		return
	}

	conn, err := acceptConnection(l.ctx, wrapped, RoleListener, greetingHooks)
	if err == nil {
		for _, h := range created {
			h(conn)
		}
	}
	l.deliver(acceptResult{conn: conn, err: err})
}

func (l *Listener) deliver(r acceptResult) {
	select {
	case l.accepted <- r:
	case <-l.die:
		if r.conn != nil {
			r.conn.Shutdown()
		}
	}
}

// peekSocket implements the port-sharing hook (spec §4.3/§9): before BEEP
// begins, it peeks up to 4 bytes and offers them to each registered
// handler in turn. A handler may claim the socket and return an alternate
// net.Conn to use in its place (e.g. after completing a TLS handshake).
// Absent any registered handlers, data starting with "RPY" (BEEP's own
// unsolicited-greeting prefix), or no data arriving within
// portSharePeekTimeout, the original socket is returned unchanged so the
// connection proceeds as plain BEEP.
func peekSocket(socket net.Conn, handlers []PortShareHandler) (net.Conn, error) {
	if len(handlers) == 0 {
		return socket, nil
	}

	_ = socket.SetReadDeadline(time.Now().Add(portSharePeekTimeout))
	br := bufio.NewReader(socket)
	peek, err := br.Peek(4)
	_ = socket.SetReadDeadline(time.Time{})
	if err != nil || bytes.HasPrefix(peek, []byte("RPY")) {
		return &peekedConn{Conn: socket, r: br}, nil
	}

	for _, h := range handlers {
		wrapped, handled, herr := h(peek, socket)
		if herr != nil {
			return nil, herr
		}
		if handled {
			return wrapped, nil
		}
	}
	return &peekedConn{Conn: socket, r: br}, nil
}

// peekedConn replays bytes already buffered by peekSocket's Peek before
// falling through to the underlying socket, so no data is lost.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (p *peekedConn) Read(b []byte) (int, error) { return p.r.Read(b) }

// Accept blocks until the next connection completes its greeting exchange
// (or fails to). Call it in a loop.
func (l *Listener) Accept() (*Connection, error) {
	select {
	case r, ok := <-l.accepted:
		if !ok {
			return nil, ErrConnectionClosed
		}
		return r.conn, r.err
	case <-l.die:
		return nil, ErrConnectionClosed
	}
}

// Close stops accepting new connections. Already-bootstrapped connections
// are unaffected; the caller closes those explicitly.
func (l *Listener) Close() error {
	select {
	case <-l.die:
	default:
		close(l.die)
	}
	return l.ln.Close()
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }
