package beep

import (
	"fmt"
	"net"

	"github.com/beepproto/beep/frame"
	"github.com/beepproto/beep/greeting"
)

// Connect dials addr and completes the BEEP greeting exchange as the
// initiating peer (spec §3: "the connector always creates channel 0...
// greetings... determine the peer's advertised profiles before either
// side may <start> a channel").
func Connect(ctx *Context, network, addr string) (*Connection, error) {
	socket, err := net.DialTimeout(network, addr, ctx.cfg.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("beep: connect %s: %w", addr, err)
	}
	conn := newConnection(ctx, socket, RoleInitiator)
	ctx.addConn(conn)
	ctx.waiter.Watch(conn.id, readerFor(conn), ctx.cfg.ReaderBufferSize)

	if err := greetPeer(ctx, conn); err != nil {
		conn.Shutdown()
		return nil, err
	}
	conn.mu.Lock()
	conn.initial = false
	conn.mu.Unlock()
	return conn, nil
}

// acceptConnection finishes bootstrapping a freshly-accepted socket as a
// listener-role Connection: it sends the local greeting immediately, waits
// for the peer's, then runs hooks (spec §4.3's PROCESS_GREETINGS_FEATURES
// actions) able to reject the connection before it is marked non-initial.
func acceptConnection(ctx *Context, socket net.Conn, role Role, hooks []GreetingFeaturesHook) (*Connection, error) {
	conn := newConnection(ctx, socket, role)
	ctx.addConn(conn)
	ctx.waiter.Watch(conn.id, readerFor(conn), ctx.cfg.ReaderBufferSize)

	if err := sendLocalGreeting(conn); err != nil {
		conn.Shutdown()
		return nil, err
	}
	g, err := awaitPeerGreeting(conn)
	if err != nil {
		conn.Shutdown()
		return nil, err
	}
	for _, h := range hooks {
		if err := h(conn, g); err != nil {
			// Our own greeting already went out as an unsolicited RPY, so
			// there's no pending <start>/<close> to answer with <error>;
			// send it as a standalone notice before hanging up (spec §4.6's
			// refusal code, mirroring libvortex's PROCESS_GREETINGS_FEATURES
			// rejection path).
			_ = conn.writer.enqueue(sendJob{
				typ: frame.ERR, channel: 0, msgno: 0, ansno: frame.NoAnsno,
				payload: greeting.EmitError(greeting.Error{Code: CodeConnectionRefused, Message: err.Error()}),
			})
			conn.Shutdown()
			return nil, fmt.Errorf("beep: connection rejected by greeting features hook: %w", ErrConnectionFiltered)
		}
	}
	conn.mu.Lock()
	conn.initial = false
	conn.mu.Unlock()
	return conn, nil
}

// greetPeer runs the initiator's half: wait for the listener's unsolicited
// <greeting>, then send our own.
func greetPeer(ctx *Context, conn *Connection) error {
	if _, err := awaitPeerGreeting(conn); err != nil {
		return err
	}
	return sendLocalGreeting(conn)
}

func sendLocalGreeting(conn *Connection) error {
	uris := conn.ctx.profiles.Advertised(conn)
	ads := make([]greeting.ProfileAd, 0, len(uris))
	for _, u := range uris {
		ads = append(ads, greeting.ProfileAd{URI: u})
	}
	g := greeting.EmitGreeting(greeting.Greeting{Profiles: ads})
	return conn.writer.enqueue(sendJob{typ: frame.RPY, channel: 0, msgno: 0, ansno: frame.NoAnsno, payload: g})
}

func awaitPeerGreeting(conn *Connection) (greeting.Greeting, error) {
	timer, stop := afterTimer(conn.ctx.cfg.DefaultTimeout)
	defer stop()
	select {
	case g := <-conn.greetingCh:
		conn.setPeerProfiles(profileURIs(g.Profiles))
		return g, nil
	case <-timer:
		return greeting.Greeting{}, fmt.Errorf("beep: timed out waiting for peer greeting: %w", ErrTimeout)
	case <-conn.die:
		return greeting.Greeting{}, ErrConnectionClosed
	}
}

func profileURIs(ads []greeting.ProfileAd) []string {
	out := make([]string, len(ads))
	for i, a := range ads {
		out[i] = a.URI
	}
	return out
}

// readerFor returns the io.Reader the waiter should poll for conn; it
// always reads through the connection's current (possibly tuning-reset)
// I/O handler.
func readerFor(conn *Connection) *connReader { return &connReader{conn: conn} }

type connReader struct{ conn *Connection }

func (r *connReader) Read(p []byte) (int, error) {
	return r.conn.currentIO().Read(p)
}

// StartChannel requests a new channel from the peer, negotiating the first
// acceptable profile among candidates (spec §4.5). It blocks until the
// peer replies.
func (c *Connection) StartChannel(serverName string, candidates []greeting.ProfileAd) (*Channel, error) {
	number := c.allocChannelNumber()
	req := greeting.Start{Number: number, ServerName: serverName, Profiles: candidates}
	msg, err := c.sendZeroRequest(greeting.EmitStart(req))
	if err != nil {
		return nil, err
	}
	if msg.Kind == greeting.KindError {
		return nil, &ProtocolError{Code: msg.Error.Code, Message: msg.Error.Message, Err: ErrRemoteRefused}
	}

	reg, _ := c.ctx.profiles.Lookup(msg.Profile.URI, c)
	ch := newChannel(c, number, msg.Profile.URI, reg, c.ctx.cfg.Serialize)
	ch.init()
	if err := c.addChannel(ch); err != nil {
		return nil, err
	}
	ch.setState(ChannelOpen)
	c.pinServerName(serverName)
	return ch, nil
}

// CloseChannel requests the peer close one of our channels (spec §4.2).
func (c *Connection) CloseChannel(number uint32) error {
	ch, ok := c.GetChannel(number)
	if !ok {
		return ErrNoSuchChannel
	}
	msg, err := c.sendZeroRequest(greeting.EmitClose(greeting.Close{Number: number, Code: CodeGenericError}))
	if err != nil {
		return err
	}
	if msg.Kind == greeting.KindError {
		return &ProtocolError{Code: msg.Error.Code, Message: msg.Error.Message, Err: ErrRemoteRefused}
	}
	ch.terminate(ErrChannelClosed)
	return nil
}
