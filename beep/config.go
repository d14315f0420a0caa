package beep

import (
	"fmt"
	"time"

	"github.com/beepproto/beep/iowait"
)

// ClosePendingPolicy controls what happens when a <close> arrives for a
// channel that still has replies outstanding (spec §4.2 failure
// semantics).
type ClosePendingPolicy int

const (
	// CloseReject replies <error code="550"> and leaves the channel Open.
	CloseReject ClosePendingPolicy = iota
	// CloseWait transitions the channel to CloseRequested and closes it once
	// the outstanding replies drain or the close timeout expires. MSGs that
	// arrive while it waits are still accepted, and their replies are
	// waited for as well.
	CloseWait
)

// Config holds every tunable named in spec §6, following smux's
// Config/DefaultConfig/Verify pattern exactly: a plain struct, a
// constructor with sane defaults, and a Verify method callers run before
// handing it to NewContext.
type Config struct {
	// MaxFrameSize bounds the payload of any single emitted frame.
	MaxFrameSize int
	// DefaultWindow is the receive window advertised for new channels.
	DefaultWindow uint32
	// ListenerBacklog sizes the queue of accepted connections each Listener
	// holds for Accept. It is not passed to the OS listen call, which uses
	// the system default backlog.
	ListenerBacklog int
	// ConnectTimeout bounds the non-blocking connect phase.
	ConnectTimeout time.Duration
	// IOWaiter names the reader's readiness strategy. Verify checks it, but
	// every accepted value uses the same goroutine-per-connection waiter
	// (see package iowait).
	IOWaiter iowait.Kind
	// AutoTLS is carried in the config but nothing reads it: Connect does
	// not start a tuning reset after greetings, whatever its value.
	AutoTLS bool
	// Serialize is the default per-channel reply-reordering toggle; a
	// channel may override it at creation.
	Serialize bool
	// ClosePending controls behavior when <close> races pending replies.
	ClosePending ClosePendingPolicy

	// ReaderBufferSize sizes each connection's read buffer.
	ReaderBufferSize int
	// WorkerPoolSize bounds concurrent application-callback dispatch.
	WorkerPoolSize int
	// DefaultTimeout bounds every blocking wait (get_reply, close, open)
	// unless a call-specific timeout is given. Zero means forever.
	DefaultTimeout time.Duration
	// SeqAckThresholdNum/Den is the fraction of the receive window that
	// must be consumed before a SEQ update is scheduled (spec §4.4); the
	// default 1/2 matches "half-consumed".
	SeqAckThresholdNum int
	SeqAckThresholdDen int
}

// DefaultConfig returns a Config with the defaults spec.md implies
// throughout (§6 and §4.4's "half-consumed" threshold).
func DefaultConfig() *Config {
	return &Config{
		MaxFrameSize:       4096,
		DefaultWindow:      32 * 1024,
		ListenerBacklog:    128,
		ConnectTimeout:     30 * time.Second,
		IOWaiter:           iowait.Select,
		AutoTLS:            false,
		Serialize:          true,
		ClosePending:       CloseWait,
		ReaderBufferSize:   16 * 1024,
		WorkerPoolSize:     64,
		DefaultTimeout:     30 * time.Second,
		SeqAckThresholdNum: 1,
		SeqAckThresholdDen: 2,
	}
}

// Verify validates cfg, matching smux.VerifyConfig's "fail fast, name the
// bad field" style.
func (c *Config) Verify() error {
	if c.MaxFrameSize <= 0 {
		return fmt.Errorf("beep: MaxFrameSize must be positive")
	}
	if c.DefaultWindow == 0 {
		return fmt.Errorf("beep: DefaultWindow must be positive")
	}
	if c.ListenerBacklog <= 0 {
		return fmt.Errorf("beep: ListenerBacklog must be positive")
	}
	if c.ReaderBufferSize <= 0 {
		return fmt.Errorf("beep: ReaderBufferSize must be positive")
	}
	if c.WorkerPoolSize <= 0 {
		return fmt.Errorf("beep: WorkerPoolSize must be positive")
	}
	switch c.IOWaiter {
	case iowait.Select, iowait.Poll, iowait.Epoll:
	default:
		return fmt.Errorf("beep: unknown IOWaiter %q", c.IOWaiter)
	}
	if c.SeqAckThresholdNum <= 0 || c.SeqAckThresholdDen <= 0 || c.SeqAckThresholdNum > c.SeqAckThresholdDen {
		return fmt.Errorf("beep: SeqAckThreshold must be a fraction in (0,1]")
	}
	return nil
}
