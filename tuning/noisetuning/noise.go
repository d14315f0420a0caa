// Package noisetuning is a concrete TuningProfile (spec §4.8) that
// replaces a BEEP connection's plaintext stream with one encrypted under
// the Noise Protocol Framework, grounded on Atsika-aznet's
// github.com/flynn/noise handshake/cipher-state wrapper. It plays the role
// spec.md's "TLS-style tuning reset" names, using Noise NN (anonymous,
// unauthenticated) in place of TLS's certificate exchange — appropriate
// for BEEP peers that authenticate at the SASL layer instead.
package noisetuning

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/flynn/noise"

	"github.com/beepproto/beep"
)

// URI is the profile identifier a <start>/tuning-reset request names to
// select this TuningProfile.
const URI = "http://beepproto.org/tuning/noise"

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherAESGCM, noise.HashSHA256)

// NewInitiator returns a TuningProfile whose Reset runs the Noise
// handshake as the initiating side. A Context registers this under URI on
// the dialing peer, and NewResponder's result under the same URI on the
// accepting peer.
func NewInitiator() beep.TuningProfile { return roleProfile{initiator: true} }

// NewResponder returns a Profile whose Reset runs the Noise handshake as
// the responding side.
func NewResponder() beep.TuningProfile { return roleProfile{initiator: false} }

type roleProfile struct{ initiator bool }

func (p roleProfile) Reset(_ *beep.Connection, rw io.ReadWriteCloser, _ string) (io.ReadWriteCloser, error) {
	return newStream(rw, p.initiator)
}

func newStream(rw io.ReadWriteCloser, initiator bool) (io.ReadWriteCloser, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: cipherSuite,
		Pattern:     noise.HandshakeNN,
		Initiator:   initiator,
	})
	if err != nil {
		return nil, fmt.Errorf("noisetuning: init handshake: %w", err)
	}

	s := &stream{rw: rw}
	if initiator {
		msg, _, _, err := hs.WriteMessage(nil, nil)
		if err != nil {
			return nil, fmt.Errorf("noisetuning: write message 1: %w", err)
		}
		if err := writeFramed(rw, msg); err != nil {
			return nil, err
		}
		reply, err := readFramed(rw)
		if err != nil {
			return nil, err
		}
		_, cs1, cs2, err := hs.ReadMessage(nil, reply)
		if err != nil {
			return nil, fmt.Errorf("noisetuning: read message 2: %w", err)
		}
		s.send, s.recv = cs1, cs2
	} else {
		msg, err := readFramed(rw)
		if err != nil {
			return nil, err
		}
		if _, _, _, err := hs.ReadMessage(nil, msg); err != nil {
			return nil, fmt.Errorf("noisetuning: read message 1: %w", err)
		}
		reply, cs1, cs2, err := hs.WriteMessage(nil, nil)
		if err != nil {
			return nil, fmt.Errorf("noisetuning: write message 2: %w", err)
		}
		if err := writeFramed(rw, reply); err != nil {
			return nil, err
		}
		s.send, s.recv = cs2, cs1
	}
	return s, nil
}

func writeFramed(w io.Writer, p []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(p)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("noisetuning: write length: %w", err)
	}
	if _, err := w.Write(p); err != nil {
		return fmt.Errorf("noisetuning: write body: %w", err)
	}
	return nil
}

func readFramed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("noisetuning: read length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("noisetuning: read body: %w", err)
	}
	return buf, nil
}

// stream wraps rw so every Write is sealed as one length-prefixed Noise
// ciphertext chunk and every Read unseals the next chunk into an internal
// buffer, draining it across however many Read calls the caller makes.
type stream struct {
	rw   io.ReadWriteCloser
	send *noise.CipherState
	recv *noise.CipherState

	pending []byte
}

func (s *stream) Write(p []byte) (int, error) {
	ciphertext, err := s.send.Encrypt(nil, nil, p)
	if err != nil {
		return 0, fmt.Errorf("noisetuning: encrypt: %w", err)
	}
	if err := writeFramed(s.rw, ciphertext); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *stream) Read(p []byte) (int, error) {
	for len(s.pending) == 0 {
		ciphertext, err := readFramed(s.rw)
		if err != nil {
			return 0, err
		}
		plaintext, err := s.recv.Decrypt(nil, nil, ciphertext)
		if err != nil {
			return 0, fmt.Errorf("noisetuning: decrypt: %w", err)
		}
		s.pending = plaintext
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *stream) Close() error { return s.rw.Close() }
