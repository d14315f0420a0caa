package beep

import (
	"github.com/sagernet/sing/common/bufio"

	"github.com/beepproto/beep/frame"
)

// writer is a Connection's single serial sender, matching smux's
// sendLoop/shaperLoop split: channel-0 tuning/greeting traffic jumps the
// queue ahead of ordinary channel data, and every write to the socket goes
// through one goroutine so frames from independently flow-controlled
// channels never interleave mid-frame on the wire.
type writer struct {
	conn *Connection

	jobs    chan sendJob
	control chan sendJob
	die     chan struct{}
	stopped chan struct{}
}

func newWriter(c *Connection) *writer {
	w := &writer{
		conn:    c,
		jobs:    make(chan sendJob, 64),
		control: make(chan sendJob, 16),
		die:     make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go w.run()
	return w
}

// enqueue submits a logical send; it blocks only until the job is queued,
// not until it is written.
func (w *writer) enqueue(job sendJob) error {
	ch := w.jobs
	if job.channel == 0 {
		ch = w.control
	}
	select {
	case ch <- job:
		return nil
	case <-w.die:
		return ErrConnectionClosed
	}
}

func (w *writer) stop() {
	select {
	case <-w.die:
	default:
		close(w.die)
	}
	<-w.stopped
}

// run is the sendLoop: control-channel (channel 0) jobs always win a race
// against ordinary channel jobs, fragmenting MSG/RPY/ERR/ANS payloads to
// fit both Config.MaxFrameSize and the destination channel's advertised
// peer window, and periodically emitting SEQ updates for the receive side.
func (w *writer) run() {
	defer close(w.stopped)
	cfg := w.conn.ctx.cfg

	for {
		var job sendJob
		select {
		case <-w.die:
			return
		case job = <-w.control:
		default:
			select {
			case <-w.die:
				return
			case job = <-w.control:
			case job = <-w.jobs:
			}
		}
		if err := w.send(job, cfg.MaxFrameSize); err != nil {
			w.conn.writeErr.Store(err)
			w.conn.fail(err)
			return
		}
	}
}

// send fragments one logical unit into one or more wire frames.
func (w *writer) send(job sendJob, maxFrameSize int) error {
	ch, ok := w.conn.GetChannel(job.channel)
	if !ok {
		return nil // channel closed out from under a queued job; drop it
	}

	if job.typ == frame.SEQ {
		return w.writeOne(&frame.Frame{Type: frame.SEQ, Channel: job.channel, Ackno: job.msgno, Window: job.window})
	}

	payload := job.payload
	for {
		chunk := payload
		want := len(chunk)
		if maxFrameSize > 0 && want > maxFrameSize {
			want = maxFrameSize
		}
		if ch.number != 0 {
			got := ch.consumeSendWindow(uint32(want))
			if got == 0 {
				return ErrConnectionClosed
			}
			want = int(got)
		}
		chunk = payload[:want]
		payload = payload[want:]

		seqno := ch.allocSeqno(len(chunk))
		f := &frame.Frame{
			Type:    job.typ,
			Channel: job.channel,
			Msgno:   job.msgno,
			More:    len(payload) > 0,
			Seqno:   seqno,
			Ansno:   frame.NoAnsno,
			Payload: chunk,
		}
		if job.typ.HasAnsno() {
			f.Ansno = job.ansno
		}
		if err := w.writeOne(f); err != nil {
			return err
		}
		if len(payload) == 0 {
			break
		}
	}
	return w.maybeEmitSeq(ch)
}

func (w *writer) maybeEmitSeq(ch *Channel) error {
	cfg := w.conn.ctx.cfg
	if ackno, window, due := ch.pendingAckThreshold(cfg.SeqAckThresholdNum, cfg.SeqAckThresholdDen); due {
		return w.writeOne(&frame.Frame{Type: frame.SEQ, Channel: ch.number, Ackno: ackno, Window: window})
	}
	return nil
}

// enqueueSEQ schedules an out-of-band flow-control window update for
// channel; the reader calls this once the receive side crosses
// Config.SeqAckThreshold outside of an ordinary send (e.g. the peer has
// gone quiet but we've still consumed receive window).
func (w *writer) enqueueSEQ(channel, ackno, window uint32) error {
	return w.enqueue(sendJob{typ: frame.SEQ, channel: channel, msgno: ackno, window: window})
}

func (w *writer) writeOne(f *frame.Frame) error {
	header, payload, trailerBytes, err := frame.EncodeParts(f)
	if err != nil {
		return err
	}
	w.conn.ctx.metrics.FramesSentTotal.WithLabelValues(f.Type.String()).Inc()

	rw := w.conn.currentIO()
	bw, ok := bufio.CreateVectorisedWriter(rw)
	if !ok {
		for _, part := range [][]byte{header, payload, trailerBytes} {
			if len(part) == 0 {
				continue
			}
			if _, err := rw.Write(part); err != nil {
				return err
			}
		}
		return nil
	}

	// header, payload and trailer go to the kernel as distinct iovecs so a
	// large payload is never copied into a combined buffer just to satisfy
	// a single Write call, matching smux's sendLoop split of header/payload.
	vecs := make([][]byte, 0, 3)
	vecs = append(vecs, header)
	if len(payload) > 0 {
		vecs = append(vecs, payload)
	}
	if len(trailerBytes) > 0 {
		vecs = append(vecs, trailerBytes)
	}
	_, err = bufio.WriteVectorised(bw, vecs)
	return err
}

