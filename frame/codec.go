package frame

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// ErrNeedMore is returned by Decoder.Next when the buffered bytes don't yet
// contain a complete frame. The caller should Feed more bytes and retry.
var ErrNeedMore = errors.New("frame: need more data")

// ErrParse is wrapped by every malformed-frame error a Decoder returns. A
// parse error on a live connection is fatal to that connection (spec
// §4.1): the caller is expected to treat it as a ProtocolError.
var ErrParse = errors.New("frame: parse error")

const (
	trailer    = "END\r\n"
	crlf       = "\r\n"
	moreChar   = '*'
	finalChar  = '.'
)

func parseErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrParse, fmt.Sprintf(format, args...))
}

// Encode renders a frame to its wire representation. Callers of Encode for
// ANS/NUL must set f.Ansno to a non-negative value; every other type must
// leave it as NoAnsno. SEQ frames ignore Payload and Msgno/More/Seqno and
// instead use Ackno/Window.
func Encode(f *Frame) ([]byte, error) {
	header, payload, trailerBytes, err := EncodeParts(f)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(header)+len(payload)+len(trailerBytes))
	buf = append(buf, header...)
	buf = append(buf, payload...)
	buf = append(buf, trailerBytes...)
	return buf, nil
}

// EncodeParts renders a frame as its three wire components — header line,
// payload, and END trailer — without concatenating them, so a caller doing
// a vectorised write can hand each to the kernel as a separate iovec
// instead of copying the payload into a combined buffer. SEQ frames have no
// payload or trailer; their entire wire form is the header. The returned
// payload aliases f.Payload and must not be retained past the caller's use
// of f.
func EncodeParts(f *Frame) (header, payload, trailerBytes []byte, err error) {
	if f.Type == SEQ {
		return []byte(fmt.Sprintf("SEQ %d %d %d\r\n", f.Channel, f.Ackno, f.Window)), nil, nil, nil
	}

	more := byte(finalChar)
	if f.More {
		more = moreChar
	}

	var buf bytes.Buffer
	if f.Type.HasAnsno() {
		if f.Ansno < 0 {
			return nil, nil, nil, fmt.Errorf("frame: %s frame requires a non-negative ansno", f.Type)
		}
		fmt.Fprintf(&buf, "%s %d %d %c %d %d %d\r\n", f.Type, f.Channel, f.Msgno, more, f.Seqno, len(f.Payload), f.Ansno)
	} else {
		if f.Ansno != NoAnsno {
			return nil, nil, nil, fmt.Errorf("frame: %s frame must not carry an ansno", f.Type)
		}
		fmt.Fprintf(&buf, "%s %d %d %c %d %d\r\n", f.Type, f.Channel, f.Msgno, more, f.Seqno, len(f.Payload))
	}
	return buf.Bytes(), f.Payload, []byte(trailer), nil
}

// Decoder incrementally reassembles frames out of a byte stream that may
// deliver the header line, payload and trailer in arbitrarily small pieces.
// It is not safe for concurrent use; one Decoder belongs to one connection.
type Decoder struct {
	buf          bytes.Buffer
	maxFrameSize int
}

// NewDecoder returns a Decoder that rejects any frame whose declared SIZE
// exceeds maxFrameSize (0 means unbounded).
func NewDecoder(maxFrameSize int) *Decoder {
	return &Decoder{maxFrameSize: maxFrameSize}
}

// Feed appends newly-read bytes to the decoder's internal buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf.Write(p)
}

// Buffered reports how many bytes are waiting in the decoder.
func (d *Decoder) Buffered() int { return d.buf.Len() }

// Next attempts to decode the next frame from the buffered bytes. It
// returns ErrNeedMore when no complete frame is available yet,
// without consuming any bytes — Feed and retry. Any other error is fatal.
func (d *Decoder) Next() (*Frame, error) {
	data := d.buf.Bytes()
	idx := bytes.Index(data, []byte(crlf))
	if idx < 0 {
		if d.maxFrameSize > 0 && len(data) > d.maxFrameSize {
			return nil, parseErr("header line exceeds max frame size")
		}
		return nil, ErrNeedMore
	}

	headerLine := string(data[:idx])
	f, size, err := parseHeaderLine(headerLine)
	if err != nil {
		return nil, err
	}

	if f.Type == SEQ {
		d.buf.Next(idx + len(crlf))
		return f, nil
	}

	if d.maxFrameSize > 0 && size > d.maxFrameSize {
		return nil, parseErr("frame size %d exceeds max frame size %d", size, d.maxFrameSize)
	}

	need := idx + len(crlf) + size + len(trailer)
	if len(data) < need {
		return nil, ErrNeedMore
	}

	payloadStart := idx + len(crlf)
	payloadEnd := payloadStart + size
	trailerBytes := data[payloadEnd:need]
	if string(trailerBytes) != trailer {
		return nil, parseErr("missing END trailer")
	}

	f.Payload = append([]byte(nil), data[payloadStart:payloadEnd]...)
	d.buf.Next(need)
	return f, nil
}

// parseHeaderLine parses one header line and returns the frame (with
// Payload still nil) plus the declared SIZE, which the caller uses to know
// how many more bytes to wait for before the frame is complete.
func parseHeaderLine(line string) (*Frame, int, error) {
	fields := splitFields(line)
	if len(fields) < 2 {
		return nil, 0, parseErr("short header line %q", line)
	}

	typ, ok := parseType(fields[0])
	if !ok {
		return nil, 0, parseErr("unknown frame type %q", fields[0])
	}

	if typ == SEQ {
		if len(fields) != 4 {
			return nil, 0, parseErr("malformed SEQ header %q", line)
		}
		chanNo, err := parseUint32(fields[1])
		if err != nil {
			return nil, 0, err
		}
		ackno, err := parseUint32(fields[2])
		if err != nil {
			return nil, 0, err
		}
		window, err := parseUint32(fields[3])
		if err != nil {
			return nil, 0, err
		}
		return &Frame{Type: SEQ, Channel: chanNo, Ackno: ackno, Window: window, Ansno: NoAnsno}, 0, nil
	}

	wantFields := 6
	if typ.HasAnsno() {
		wantFields = 7
	}
	if len(fields) != wantFields {
		return nil, 0, parseErr("malformed %s header %q", typ, line)
	}

	chanNo, err := parseUint32(fields[1])
	if err != nil {
		return nil, 0, err
	}
	msgno, err := parseUint32(fields[2])
	if err != nil {
		return nil, 0, err
	}
	if len(fields[3]) != 1 || (fields[3][0] != byte(moreChar) && fields[3][0] != byte(finalChar)) {
		return nil, 0, parseErr("bad continuation flag %q", fields[3])
	}
	more := fields[3][0] == byte(moreChar)
	seqno, err := parseUint32(fields[4])
	if err != nil {
		return nil, 0, err
	}
	size, err := parseUint32(fields[5])
	if err != nil {
		return nil, 0, err
	}

	ansno := NoAnsno
	if typ.HasAnsno() {
		a, err := parseUint32(fields[6])
		if err != nil {
			return nil, 0, err
		}
		ansno = int(a)
	}

	return &Frame{
		Type:    typ,
		Channel: chanNo,
		Msgno:   msgno,
		More:    more,
		Seqno:   seqno,
		Ansno:   ansno,
		Payload: nil,
	}, int(size), nil
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, parseErr("bad integer field %q", s)
	}
	return uint32(v), nil
}

func splitFields(s string) []string {
	var fields []string
	start := -1
	for i := 0; i <= len(s); i++ {
		if i < len(s) && s[i] != ' ' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			fields = append(fields, s[start:i])
			start = -1
		}
	}
	return fields
}

// Join concatenates a continuation fragment onto its predecessor. prev must
// have More set; next must share prev's Msgno and Channel, and next.Seqno
// must equal prev.Seqno+len(prev.Payload) (contiguous byte ranges).
func Join(prev, next *Frame) (*Frame, error) {
	if !prev.More {
		return nil, errors.New("frame: Join called on a non-continued frame")
	}
	if prev.Type != next.Type || prev.Channel != next.Channel || prev.Msgno != next.Msgno {
		return nil, fmt.Errorf("%w: fragment mismatch on channel %d msgno %d", ErrParse, prev.Channel, prev.Msgno)
	}
	wantSeq := prev.Seqno + uint32(len(prev.Payload))
	if next.Seqno != wantSeq {
		return nil, fmt.Errorf("%w: non-contiguous seqno on channel %d: want %d got %d", ErrParse, prev.Channel, wantSeq, next.Seqno)
	}
	joined := *prev
	joined.Payload = append(append([]byte(nil), prev.Payload...), next.Payload...)
	joined.More = next.More
	return &joined, nil
}
