package beep

import (
	"errors"
	"fmt"
	"io"

	"github.com/beepproto/beep/frame"
	"github.com/beepproto/beep/greeting"
	"github.com/beepproto/beep/iowait"
)

// readLoop is the Context-wide reader (spec §4.3, C6): one goroutine drains
// every watched connection's readiness events from the shared iowait
// Waiter, so a single slow or misbehaving connection can never stall
// another's progress, and dispatches completed frames without blocking on
// application code (that goes through Context.dispatch).
func (c *Context) readLoop() {
	for {
		select {
		case <-c.done.Done():
			return
		case ev, ok := <-c.waiter.Ready():
			if !ok {
				return
			}
			c.mu.Lock()
			conn, known := c.conns[ev.ID]
			c.mu.Unlock()
			if !known {
				continue
			}
			c.handleReady(conn, ev)
		}
	}
}

func (c *Context) handleReady(conn *Connection, ev iowait.ReadyEvent) {
	if ev.Err != nil {
		if errors.Is(ev.Err, io.EOF) {
			conn.Shutdown()
		} else {
			conn.fail(fmt.Errorf("beep: read failed: %w", ErrTransport))
		}
		return
	}

	conn.decoder.Feed(ev.Buf)
	for {
		f, err := conn.decoder.Next()
		if err != nil {
			if errors.Is(err, frame.ErrNeedMore) {
				return
			}
			conn.fail(newProtocolError(CodeGenericError, "frame decode failed", err))
			return
		}
		conn.ctx.metrics.FramesRecvTotal.WithLabelValues(f.Type.String()).Inc()
		if err := conn.dispatchFrame(f); err != nil {
			conn.fail(err)
			return
		}
	}
}

// dispatchFrame routes one decoded frame to its channel.
func (c *Connection) dispatchFrame(f *frame.Frame) error {
	ch, ok := c.GetChannel(f.Channel)
	if !ok {
		return newProtocolError(CodeGenericError, fmt.Sprintf("frame for unknown channel %d", f.Channel), ErrProtocol)
	}
	return ch.ingest(f)
}

// onChannelZero handles one completed channel-0 element: the greeting/
// start/close management protocol (spec §4.6).
func (c *Connection) onChannelZero(f *frame.Frame) {
	msg, err := greeting.Parse(f.Body)
	if err != nil {
		c.fail(newProtocolError(CodeGenericError, "malformed channel-0 element", err))
		return
	}

	switch msg.Kind {
	case greeting.KindGreeting:
		select {
		case c.greetingCh <- msg.Greeting:
		default:
		}
	case greeting.KindStart:
		c.ctx.dispatch(func() { c.handleStartRequest(f.Msgno, msg.Start) })
	case greeting.KindClose:
		c.ctx.dispatch(func() { c.handleCloseRequest(f.Msgno, msg.Close) })
	case greeting.KindProfile, greeting.KindOk, greeting.KindError:
		c.deliverZeroReply(f.Msgno, msg)
	}
}

func (c *Connection) deliverZeroReply(msgno uint32, msg *greeting.Message) {
	c.mu.Lock()
	w, ok := c.zeroWaiters[msgno]
	if ok {
		delete(c.zeroWaiters, msgno)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	w <- msg
}

// sendZeroRequest writes payload as a MSG on channel 0 and blocks for its
// RPY/ERR reply.
func (c *Connection) sendZeroRequest(payload []byte) (*greeting.Message, error) {
	c.mu.Lock()
	msgno := c.nextZeroMsgno
	c.nextZeroMsgno++
	wait := make(chan *greeting.Message, 1)
	c.zeroWaiters[msgno] = wait
	c.mu.Unlock()

	if err := c.writer.enqueue(sendJob{typ: frame.MSG, channel: 0, msgno: msgno, ansno: frame.NoAnsno, payload: payload}); err != nil {
		return nil, err
	}

	timer, stop := afterTimer(c.ctx.cfg.DefaultTimeout)
	defer stop()
	select {
	case msg := <-wait:
		return msg, nil
	case <-timer:
		c.mu.Lock()
		delete(c.zeroWaiters, msgno)
		c.mu.Unlock()
		return nil, ErrTimeoutNet
	case <-c.die:
		return nil, ErrConnectionClosed
	}
}

// handleStartRequest processes an incoming <start>: looks the requested
// profile up (first acceptable wins, per spec §4.5), creates the channel
// if accepted, and replies <profile>/<error>.
func (c *Connection) handleStartRequest(msgno uint32, req greeting.Start) {
	if !c.peerChannelParityOK(req.Number) {
		c.replyZeroErr(msgno, CodeParameterError, "channel number violates role parity")
		return
	}
	if _, exists := c.GetChannel(req.Number); exists {
		c.replyZeroErr(msgno, CodeOtherChannelReuse, "channel already in use")
		return
	}

	for _, p := range req.Profiles {
		reg, ok := c.ctx.profiles.Lookup(p.URI, c)
		if !ok {
			continue
		}
		ch := newChannel(c, req.Number, p.URI, reg, c.ctx.cfg.Serialize)
		ch.init()
		var decision = struct {
			accept  bool
			code    int
			content string
		}{}
		var err error
		if reg.ExtendedStart != nil {
			d, derr := reg.ExtendedStart(c, ch, req.ServerName, p.Content)
			decision.accept, decision.code, decision.content, err = d.Accept, d.Code, d.Content, derr
		} else if reg.Start != nil {
			d, derr := reg.Start(c, ch, p.Content)
			decision.accept, decision.code, decision.content, err = d.Accept, d.Code, d.Content, derr
		} else {
			decision.accept = true
		}
		if err != nil || !decision.accept {
			continue
		}

		if addErr := c.addChannel(ch); addErr != nil {
			c.replyZeroErr(msgno, CodeOtherChannelReuse, addErr.Error())
			return
		}
		ch.setState(ChannelOpen)
		c.pinServerName(req.ServerName)
		c.replyZeroOK(msgno, greeting.ProfileAd{URI: p.URI, Content: decision.content})
		return
	}

	c.replyZeroErr(msgno, CodeProfileNotAccepted, "no requested profile is acceptable")
}

func (c *Connection) replyZeroOK(msgno uint32, p greeting.ProfileAd) {
	_ = c.writer.enqueue(sendJob{typ: frame.RPY, channel: 0, msgno: msgno, ansno: frame.NoAnsno, payload: greeting.EmitProfileReply(p)})
}

// replyZeroOkElement sends the bare <ok/> positive reply required for
// <close> (spec §4.7/§6); unlike replyZeroOK it carries no profile.
func (c *Connection) replyZeroOkElement(msgno uint32) {
	_ = c.writer.enqueue(sendJob{typ: frame.RPY, channel: 0, msgno: msgno, ansno: frame.NoAnsno, payload: greeting.EmitOk()})
}

func (c *Connection) replyZeroErr(msgno uint32, code int, message string) {
	_ = c.writer.enqueue(sendJob{typ: frame.ERR, channel: 0, msgno: msgno, ansno: frame.NoAnsno, payload: greeting.EmitError(greeting.Error{Code: code, Message: message})})
}

// handleCloseRequest processes an incoming <close>.
func (c *Connection) handleCloseRequest(msgno uint32, req greeting.Close) {
	if req.Number == 0 {
		c.replyZeroOkElement(msgno)
		c.Shutdown()
		return
	}
	ch, ok := c.GetChannel(req.Number)
	if !ok {
		c.replyZeroErr(msgno, CodeParameterError, "no such channel")
		return
	}
	if err := ch.close(c.ctx.cfg.DefaultTimeout); err != nil {
		c.replyZeroErr(msgno, CodeChannelBusy, err.Error())
		return
	}
	c.replyZeroOkElement(msgno)
}

