package beep

import (
	"fmt"
	"sync"
	"time"

	"github.com/beepproto/beep/frame"
	"github.com/beepproto/beep/greeting"
	"github.com/beepproto/beep/profile"
)

// ChannelState is the channel lifecycle state machine from spec §4.2:
// Opening -> Open -> CloseRequested -> Closed.
type ChannelState int32

const (
	ChannelOpening ChannelState = iota
	ChannelOpen
	ChannelCloseRequested
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelOpening:
		return "opening"
	case ChannelOpen:
		return "open"
	case ChannelCloseRequested:
		return "close-requested"
	case ChannelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Answer is one ANS frame's reassembled payload within an ANS...NUL reply
// group (spec §4.2: "a MSG may be answered by zero or more ANS frames
// terminated by one NUL").
type Answer struct {
	Header  []byte
	Payload []byte
}

// Reply is the outcome of a MSG this channel sent: either an RPY (Err nil),
// an ERR (Err set, Payload/Header are the error's body), or an ANS...NUL
// group (Answers set, Payload/Header/Err all zero).
type Reply struct {
	Err     error
	Header  []byte
	Payload []byte
	Answers []Answer
}

// sendJob is one logical outbound unit handed to the connection's writer,
// which fragments it to fit the peer's advertised window (spec §4.4). For
// typ == frame.SEQ, msgno and window carry the ackno/window pair instead of
// a message number, and payload/ansno are unused.
type sendJob struct {
	typ     frame.Type
	channel uint32
	msgno   uint32
	ansno   int
	window  uint32
	payload []byte
}

type ansGroup struct {
	nextAnsno int
	answers   []Answer
}

// Channel is one BEEP channel: a logically independent, flow-controlled
// stream of MSG/RPY/ERR/ANS/NUL frames multiplexed over its Connection's
// byte stream (spec §3, §4.2). It exclusively owns its pending-frame
// reassembly buffers and reply-ordering queues.
type Channel struct {
	conn       *Connection
	number     uint32
	profileURI string
	reg        *profile.Registration // nil for channel 0

	mu        sync.Mutex
	state     ChannelState
	serialize bool
	closeErr  error
	die       chan struct{}

	// outgoing MSG numbering and the replies we are waiting on.
	nextMsgnoToSend uint32
	outReplies      *orderedRelease[*Reply]
	outFragments    map[uint32]*frame.Frame // in-flight reassembly of RPY/ERR/ANS fragments, by msgno
	outAnsGroups    map[uint32]*ansGroup    // ANS accumulation for msgnos awaiting NUL

	delivered  map[uint32]*Reply     // replies landed but not yet claimed by GetReply
	waitChans  map[uint32]chan struct{} // signaled once delivered[msgno] is set

	// incoming MSGs and the replies we owe the peer.
	nextExpectedMsgno uint32
	inFragments       map[uint32]*frame.Frame // in-flight reassembly of incoming MSG fragments, by msgno
	owedReplies       []uint32
	activeOwedReply   uint32
	blockedReplyFns   map[uint32][]func()
	outAnsno          map[uint32]int // next ansno this side will send for an owed msgno

	// flow control (spec §4.4). send* tracks the peer's receive window for
	// frames we transmit; recv* tracks our own advertised window.
	sendWindowRemaining uint32
	sendWindowWaiters   []chan struct{}
	nextSendSeqno       uint32

	recvWindowSize     uint32
	recvWindowConsumed uint32
	nextExpectedSeqno  uint32
	lastAckno          uint32
	suppressSeq        bool // true while a SEQ update must stay pending (spec §4.8 step 6)

	// rawIncoming, when set, receives every completed incoming frame
	// directly instead of going through the profile dispatch/reply
	// machinery below. Only channel 0 uses this, for greeting/tuning
	// management traffic (spec §4.6).
	rawIncoming func(*frame.Frame)
}

func newChannel(conn *Connection, number uint32, profileURI string, reg *profile.Registration, serialize bool) *Channel {
	return &Channel{
		conn:              conn,
		number:            number,
		profileURI:        profileURI,
		reg:               reg,
		state:             ChannelOpening,
		serialize:         serialize,
		die:               make(chan struct{}),
		outFragments:      make(map[uint32]*frame.Frame),
		outAnsGroups:      make(map[uint32]*ansGroup),
		delivered:         make(map[uint32]*Reply),
		waitChans:         make(map[uint32]chan struct{}),
		inFragments:       make(map[uint32]*frame.Frame),
		blockedReplyFns:   make(map[uint32][]func()),
		outAnsno:          make(map[uint32]int),
		sendWindowRemaining: conn.ctx.cfg.DefaultWindow,
		recvWindowSize:      conn.ctx.cfg.DefaultWindow,
	}
}

func (c *Channel) init() {
	c.outReplies = newOrderedRelease(func(msgno uint32, r *Reply) { c.deliverReply(msgno, r) })
}

// Number returns the channel's number; 0 is the always-present management
// channel.
func (c *Channel) Number() uint32 { return c.number }

// ProfileURI returns the profile this channel was started with.
func (c *Channel) ProfileURI() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profileURI
}

// State returns the channel's current lifecycle state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) setState(s ChannelState) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != ChannelOpen && s == ChannelOpen {
		c.conn.ctx.metrics.ChannelsOpen.Inc()
	}
	if prev == ChannelOpen && s != ChannelOpen {
		c.conn.ctx.metrics.ChannelsOpen.Dec()
	}
}

// Connection returns the owning Connection.
func (c *Channel) Connection() *Connection { return c.conn }

// SendMSG enqueues an application message for transmission and returns its
// msgno immediately; the caller retrieves the reply with GetReply (spec
// §4.2: send_msg is non-blocking, one reply is expected per MSG).
func (c *Channel) SendMSG(payload []byte) (uint32, error) {
	c.mu.Lock()
	if c.state != ChannelOpen {
		c.mu.Unlock()
		return 0, fmt.Errorf("beep: channel %d not open: %w", c.number, ErrChannelClosed)
	}
	msgno := c.nextMsgnoToSend
	c.nextMsgnoToSend++
	c.outReplies.expect(msgno)
	c.mu.Unlock()

	if err := c.conn.writer.enqueue(sendJob{typ: frame.MSG, channel: c.number, msgno: msgno, ansno: frame.NoAnsno, payload: payload}); err != nil {
		return 0, err
	}
	return msgno, nil
}

// GetReply blocks until msgno's reply has fully arrived, or until timeout
// (0 means the Context's DefaultTimeout; negative means forever).
func (c *Channel) GetReply(msgno uint32, timeout time.Duration) (*Reply, error) {
	if timeout == 0 {
		timeout = c.conn.ctx.cfg.DefaultTimeout
	}

	c.mu.Lock()
	if r, ok := c.delivered[msgno]; ok {
		delete(c.delivered, msgno)
		c.mu.Unlock()
		return r, nil
	}
	wait, ok := c.waitChans[msgno]
	if !ok {
		wait = make(chan struct{})
		c.waitChans[msgno] = wait
	}
	c.mu.Unlock()

	var timer <-chan time.Time
	var stop func()
	if timeout > 0 {
		timer, stop = afterTimer(timeout)
		defer stop()
	}

	select {
	case <-wait:
		c.mu.Lock()
		r, ok := c.delivered[msgno]
		delete(c.delivered, msgno)
		delete(c.waitChans, msgno)
		c.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("beep: reply for msgno %d lost: %w", msgno, ErrChannelClosed)
		}
		return r, nil
	case <-timer:
		return nil, ErrTimeoutNet
	case <-c.die:
		return nil, ErrChannelClosed
	}
}

// deliverReply is invoked by outReplies once msgno reaches the head of the
// ordered-delivery queue and its item has fully arrived.
func (c *Channel) deliverReply(msgno uint32, r *Reply) {
	c.mu.Lock()
	c.delivered[msgno] = r
	wait, ok := c.waitChans[msgno]
	c.mu.Unlock()
	if ok {
		close(wait)
	}
}

// ingest feeds one decoded frame addressed to this channel. It reassembles
// fragments, updates sequencing state and, once a frame completes, routes
// it to rawIncoming when set (channel 0's management traffic), otherwise
// to either the frame-received callback (incoming MSG) or the reply
// machinery (incoming RPY/ERR/ANS/NUL).
func (c *Channel) ingest(f *frame.Frame) error {
	if f.Type == frame.SEQ {
		return c.handleSEQ(f)
	}

	full, err := c.reassemble(f)
	if err != nil {
		return err
	}
	if err := c.advanceRecvWindow(f); err != nil {
		return err
	}
	if ackno, window, due := c.pendingAckThreshold(c.conn.ctx.cfg.SeqAckThresholdNum, c.conn.ctx.cfg.SeqAckThresholdDen); due {
		if err := c.conn.writer.enqueueSEQ(c.number, ackno, window); err != nil {
			return err
		}
	}
	if full == nil {
		return nil // fragment buffered, awaiting more
	}

	frame.MIMEProcess(full)

	if c.rawIncoming != nil {
		c.rawIncoming(full)
		return nil
	}

	switch full.Type {
	case frame.MSG:
		return c.handleIncomingMSG(full)
	case frame.RPY, frame.ERR:
		return c.handleIncomingFinalReply(full)
	case frame.ANS:
		return c.handleIncomingAns(full)
	case frame.NUL:
		return c.handleIncomingNul(full)
	default:
		return newProtocolError(CodeGenericError, fmt.Sprintf("unexpected frame type %s on channel", full.Type), ErrProtocol)
	}
}

// reassemble joins continuation fragments sharing a msgno, with one table
// for MSG fragments and one for every reply type, so an in-flight MSG
// fragment and an in-flight reply fragment with the same msgno never
// collide.
func (c *Channel) reassemble(f *frame.Frame) (*frame.Frame, error) {
	table := c.inFragments
	if f.Type != frame.MSG {
		table = c.outFragments
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prev, ok := table[f.Msgno]
	cur := f
	if ok {
		joined, err := frame.Join(prev, f)
		if err != nil {
			return nil, newProtocolError(CodeGenericError, "fragment reassembly failed", err)
		}
		cur = joined
	}
	if cur.More {
		table[f.Msgno] = cur
		return nil, nil
	}
	delete(table, f.Msgno)
	return cur, nil
}

func (c *Channel) handleIncomingMSG(f *frame.Frame) error {
	c.mu.Lock()
	if f.Msgno != c.nextExpectedMsgno {
		c.mu.Unlock()
		return newProtocolError(CodeGenericError, fmt.Sprintf("msgno out of order: want %d got %d", c.nextExpectedMsgno, f.Msgno), ErrProtocol)
	}
	c.nextExpectedMsgno++
	c.owedReplies = append(c.owedReplies, f.Msgno)
	reg := c.reg
	c.mu.Unlock()

	if reg != nil && reg.FrameReceived != nil {
		c.conn.ctx.dispatch(func() { reg.FrameReceived(c.conn, c, f.Msgno, f.Body) })
	}
	return nil
}

func (c *Channel) handleIncomingFinalReply(f *frame.Frame) error {
	c.mu.Lock()
	if !c.outReplies.isPending(f.Msgno) {
		c.mu.Unlock()
		return newProtocolError(CodeGenericError, fmt.Sprintf("unexpected %s for msgno %d", f.Type, f.Msgno), ErrProtocol)
	}
	c.mu.Unlock()

	r := &Reply{Header: f.Header, Payload: f.Body}
	if f.Type == frame.ERR {
		r.Err = newProtocolError(CodeGenericError, string(f.Body), ErrRemoteRefused)
	}

	c.mu.Lock()
	c.outReplies.submit(f.Msgno, r)
	c.mu.Unlock()
	return nil
}

func (c *Channel) handleIncomingAns(f *frame.Frame) error {
	c.mu.Lock()
	if !c.outReplies.isPending(f.Msgno) {
		c.mu.Unlock()
		return newProtocolError(CodeGenericError, fmt.Sprintf("unexpected ANS for msgno %d", f.Msgno), ErrProtocol)
	}
	g, ok := c.outAnsGroups[f.Msgno]
	if !ok {
		g = &ansGroup{}
		c.outAnsGroups[f.Msgno] = g
	}
	if f.Ansno != g.nextAnsno {
		c.mu.Unlock()
		return newProtocolError(CodeGenericError, fmt.Sprintf("non-contiguous ansno on msgno %d: want %d got %d", f.Msgno, g.nextAnsno, f.Ansno), ErrProtocol)
	}
	g.nextAnsno++
	g.answers = append(g.answers, Answer{Header: f.Header, Payload: f.Body})
	c.mu.Unlock()
	return nil
}

func (c *Channel) handleIncomingNul(f *frame.Frame) error {
	c.mu.Lock()
	if !c.outReplies.isPending(f.Msgno) {
		c.mu.Unlock()
		return newProtocolError(CodeGenericError, fmt.Sprintf("unexpected NUL for msgno %d", f.Msgno), ErrProtocol)
	}
	g := c.outAnsGroups[f.Msgno]
	delete(c.outAnsGroups, f.Msgno)
	var answers []Answer
	if g != nil {
		answers = g.answers
	}
	c.outReplies.submit(f.Msgno, &Reply{Answers: answers})
	c.mu.Unlock()
	return nil
}

// SendRpy sends the final reply to an owed MSG.
func (c *Channel) SendRpy(msgno uint32, payload []byte) error {
	return c.sendFinalReply(frame.RPY, msgno, payload)
}

// SendErr sends an error reply to an owed MSG.
func (c *Channel) SendErr(msgno uint32, payload []byte) error {
	return c.sendFinalReply(frame.ERR, msgno, payload)
}

func (c *Channel) sendFinalReply(typ frame.Type, msgno uint32, payload []byte) error {
	return c.runReplyJob(msgno, func() error {
		err := c.conn.writer.enqueue(sendJob{typ: typ, channel: c.number, msgno: msgno, ansno: frame.NoAnsno, payload: payload})
		c.completeOwedReply(msgno)
		return err
	})
}

// SendAns sends the next ANS frame for an owed MSG; the reply stays open
// until SendNul.
func (c *Channel) SendAns(msgno uint32, payload []byte) error {
	return c.runReplyJob(msgno, func() error {
		c.mu.Lock()
		ansno := c.outAnsno[msgno]
		c.outAnsno[msgno] = ansno + 1
		c.mu.Unlock()
		return c.conn.writer.enqueue(sendJob{typ: frame.ANS, channel: c.number, msgno: msgno, ansno: ansno, payload: payload})
	})
}

// SendNul terminates an ANS sequence for an owed MSG.
func (c *Channel) SendNul(msgno uint32) error {
	return c.runReplyJob(msgno, func() error {
		c.mu.Lock()
		ansno := c.outAnsno[msgno]
		delete(c.outAnsno, msgno)
		c.mu.Unlock()
		err := c.conn.writer.enqueue(sendJob{typ: frame.NUL, channel: c.number, msgno: msgno, ansno: ansno, payload: nil})
		c.completeOwedReply(msgno)
		return err
	})
}

// runReplyJob gates fn behind the owed-reply ordering rule (spec §4.2):
// when serialize is true, a reply may only be written once its msgno is
// the head of the owed-reply FIFO (or already the "active" msgno, for a
// multi-call ANS sequence); otherwise fn runs immediately.
func (c *Channel) runReplyJob(msgno uint32, fn func() error) error {
	c.mu.Lock()
	if !c.owes(msgno) {
		c.mu.Unlock()
		return fmt.Errorf("beep: msgno %d is not an owed reply: %w", msgno, ErrProtocol)
	}
	if !c.serialize || c.activeOwedReply == msgno || (c.activeOwedReply == 0 && len(c.owedReplies) > 0 && c.owedReplies[0] == msgno) {
		if c.serialize {
			c.activeOwedReply = msgno
		}
		c.mu.Unlock()
		return fn()
	}

	result := make(chan error, 1)
	c.blockedReplyFns[msgno] = append(c.blockedReplyFns[msgno], func() { result <- fn() })
	c.mu.Unlock()
	return <-result
}

func (c *Channel) owes(msgno uint32) bool {
	for _, m := range c.owedReplies {
		if m == msgno {
			return true
		}
	}
	return false
}

// completeOwedReply retires msgno from the owed-reply FIFO and, if
// serialize is on, advances to the next head, running any reply calls the
// application already queued for it.
func (c *Channel) completeOwedReply(msgno uint32) {
	c.mu.Lock()
	for i, m := range c.owedReplies {
		if m == msgno {
			c.owedReplies = append(c.owedReplies[:i], c.owedReplies[i+1:]...)
			break
		}
	}
	if c.activeOwedReply == msgno {
		c.activeOwedReply = 0
	}
	var toRun []func()
	if c.serialize && len(c.owedReplies) > 0 {
		head := c.owedReplies[0]
		if fns := c.blockedReplyFns[head]; len(fns) > 0 {
			toRun = fns
			delete(c.blockedReplyFns, head)
			c.activeOwedReply = head
		}
	}
	c.mu.Unlock()
	for _, fn := range toRun {
		fn()
	}
}

// handleSEQ applies a peer-sent window update to our outgoing flow control.
func (c *Channel) handleSEQ(f *frame.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f.Ackno < c.lastAckno {
		return newProtocolError(CodeGenericError, "SEQ ackno moved backwards", ErrProtocol)
	}
	c.lastAckno = f.Ackno
	c.sendWindowRemaining = f.Window
	for _, w := range c.sendWindowWaiters {
		close(w)
	}
	c.sendWindowWaiters = nil
	return nil
}

// advanceRecvWindow validates seqno contiguity on an incoming data frame
// and accounts the consumed bytes against our advertised receive window;
// the writer emits a SEQ update once SeqAckThreshold of it is consumed.
func (c *Channel) advanceRecvWindow(f *frame.Frame) error {
	if f.Type != frame.MSG && f.Type != frame.RPY && f.Type != frame.ERR && f.Type != frame.ANS {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if f.Seqno != c.nextExpectedSeqno {
		return newProtocolError(CodeGenericError, fmt.Sprintf("seqno out of order on channel %d: want %d got %d", c.number, c.nextExpectedSeqno, f.Seqno), ErrProtocol)
	}
	c.nextExpectedSeqno += uint32(len(f.Payload))
	c.recvWindowConsumed += uint32(len(f.Payload))
	return nil
}

// consumeSendWindow blocks until at least one byte of peer window is
// available, then reserves up to want bytes and returns how many it got.
func (c *Channel) consumeSendWindow(want uint32) uint32 {
	for {
		c.mu.Lock()
		if c.sendWindowRemaining > 0 {
			take := want
			if take > c.sendWindowRemaining {
				take = c.sendWindowRemaining
			}
			c.sendWindowRemaining -= take
			c.mu.Unlock()
			return take
		}
		w := make(chan struct{})
		c.sendWindowWaiters = append(c.sendWindowWaiters, w)
		c.mu.Unlock()
		select {
		case <-w:
		case <-c.die:
			return 0
		}
	}
}

func (c *Channel) allocSeqno(n int) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.nextSendSeqno
	c.nextSendSeqno += uint32(n)
	return s
}

// pendingAckThreshold reports the SEQ update due (consumed bytes, window
// size) if this channel has crossed Config.SeqAckThreshold since its last
// update, and resets the counter.
func (c *Channel) pendingAckThreshold(num, den int) (uint32, uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.suppressSeq {
		return 0, 0, false
	}
	if c.recvWindowSize == 0 {
		return 0, 0, false
	}
	if c.recvWindowConsumed*uint32(den) < c.recvWindowSize*uint32(num) {
		return 0, 0, false
	}
	ackno := c.nextExpectedSeqno
	c.recvWindowConsumed = 0
	return ackno, c.recvWindowSize, true
}

// setSuppressSeq holds back (true) or releases (false) SEQ emission for
// this channel without discarding the accumulated consumed-byte counter, so
// a threshold crossed while suppressed is still honored once released
// (spec §4.8 step 6).
func (c *Channel) setSuppressSeq(v bool) {
	c.mu.Lock()
	c.suppressSeq = v
	c.mu.Unlock()
}

// flushPendingSeq emits a SEQ now if the threshold was already crossed
// while suppressed; call after setSuppressSeq(false).
func (c *Channel) flushPendingSeq() {
	if ackno, window, due := c.pendingAckThreshold(c.conn.ctx.cfg.SeqAckThresholdNum, c.conn.ctx.cfg.SeqAckThresholdDen); due {
		_ = c.conn.writer.enqueueSEQ(c.number, ackno, window)
	}
}

// close begins a local close request on this channel, per spec §4.2: if
// replies are still outstanding, the behavior follows Config.ClosePending.
// Under CloseWait the channel waits in CloseRequested until those replies
// drain or timeout (zero means no bound) expires, then closes.
func (c *Channel) close(timeout time.Duration) error {
	c.mu.Lock()
	if c.state == ChannelClosed {
		c.mu.Unlock()
		return nil
	}
	pending := len(c.owedReplies) > 0 || c.outReplies.len() > 0
	if pending {
		if c.conn.ctx.cfg.ClosePending == CloseReject {
			c.mu.Unlock()
			return fmt.Errorf("beep: channel %d has replies outstanding: %w", c.number, ErrChannelBusy)
		}
		c.state = ChannelCloseRequested
	}
	c.mu.Unlock()

	c.conn.Ref()
	defer c.conn.Unref()

	deadline, stop := afterTimer(timeout)
	defer stop()
	for pending {
		select {
		case <-c.die:
			return nil
		case <-deadline:
			pending = false
		case <-time.After(10 * time.Millisecond):
			c.mu.Lock()
			pending = len(c.owedReplies) > 0 || c.outReplies.len() > 0
			c.mu.Unlock()
		}
	}

	c.terminate(ErrChannelClosed)
	return nil
}

// closeSession runs the channel-0 <close> handshake: it waits for every
// other channel to finish closing, sends <close number="0">, and awaits the
// peer's answer (spec §4.2/§4.6). An <error> answer is returned and leaves
// the connection up; an <ok>, or no answer at all, tears it down.
func (c *Channel) closeSession(timeout time.Duration) error {
	if c.number != 0 {
		return fmt.Errorf("beep: closeSession called on non-zero channel %d", c.number)
	}
	for _, ch := range c.conn.Channels() {
		if ch.number == 0 {
			continue
		}
		if err := ch.close(timeout); err != nil {
			return err
		}
	}
	msg, err := c.conn.sendZeroRequest(greeting.EmitClose(greeting.Close{Number: 0, Code: CodeGenericError}))
	if err == nil && msg.Kind == greeting.KindError {
		return &ProtocolError{Code: msg.Error.Code, Message: msg.Error.Message, Err: ErrRemoteRefused}
	}
	c.terminate(ErrConnectionClosed)
	c.conn.Shutdown()
	return nil
}

// terminate forces the channel to ChannelClosed, failing every outstanding
// waiter and owed reply with err.
func (c *Channel) terminate(err error) {
	c.mu.Lock()
	if c.state == ChannelClosed {
		c.mu.Unlock()
		return
	}
	c.closeErr = err
	waitChans := c.waitChans
	c.waitChans = make(map[uint32]chan struct{})
	for _, w := range c.sendWindowWaiters {
		close(w)
	}
	c.sendWindowWaiters = nil
	blocked := c.blockedReplyFns
	c.blockedReplyFns = make(map[uint32][]func())
	c.mu.Unlock()

	select {
	case <-c.die:
	default:
		close(c.die)
	}

	c.outReplies.abort(func(msgno uint32) {
		c.deliverReply(msgno, &Reply{Err: fmt.Errorf("beep: channel closed waiting on msgno %d: %w", msgno, err)})
	})
	for _, w := range waitChans {
		select {
		case <-w:
		default:
			close(w)
		}
	}
	for _, fns := range blocked {
		for _, fn := range fns {
			fn()
		}
	}

	c.conn.removeChannel(c.number)
	c.setState(ChannelClosed)
	if c.reg != nil && c.reg.Close != nil {
		c.conn.ctx.dispatch(func() { _ = c.reg.Close(c.conn, c) })
	}
}
