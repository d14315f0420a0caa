package beep

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/beepproto/beep/iowait"
	"github.com/beepproto/beep/logging"
	"github.com/beepproto/beep/metrics"
	"github.com/beepproto/beep/profile"
	"github.com/beepproto/beep/workerpool"
)

// Context is the process-wide shared state described in spec §3: the
// registered profiles, the worker pool, the I/O waiter, configuration and
// metrics. Every Connection, Channel and worker belongs to exactly one
// Context, created explicitly and torn down explicitly; nothing outlives
// it.
type Context struct {
	ID string

	cfg      *Config
	profiles *profile.Registry
	pool     *workerpool.Pool
	waiter   *iowait.Waiter
	metrics  *metrics.Set
	log      *logging.Logger

	done   context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	conns        map[uint64]*Connection
	nextConnID   atomic.Uint64
	closed       bool

	tuningReg *tuningRegistry
}

// NewContext creates a Context. The caller owns shutdown via Close.
func NewContext(cfg *Config) (*Context, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Verify(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Context{
		ID:        uuid.NewString(),
		cfg:       cfg,
		profiles:  profile.NewRegistry(),
		pool:      workerpool.New(ctx, cfg.WorkerPoolSize),
		waiter:    iowait.New(cfg.IOWaiter, 256),
		metrics:   metrics.New(),
		log:       logging.New().With("context", "beep"),
		done:      ctx,
		cancel:    cancel,
		conns:     make(map[uint64]*Connection),
		tuningReg: newTuningRegistry(),
	}
	go c.readLoop()
	return c, nil
}

// Config returns the Context's immutable configuration.
func (c *Context) Config() *Config { return c.cfg }

// Profiles returns the profile registry components register against.
func (c *Context) Profiles() *profile.Registry { return c.profiles }

// Metrics returns the Context's Prometheus registry/handler.
func (c *Context) Metrics() *metrics.Set { return c.metrics }

// RegisterTuningProfile installs a TuningProfile (TLS/SASL-style) under a
// profile URI so Connection.TuningReset can drive it (spec §4.8, §4.10).
func (c *Context) RegisterTuningProfile(uri string, p TuningProfile) {
	c.tuningReg.register(uri, p)
}

func (c *Context) allocConnID() uint64 {
	return c.nextConnID.Add(1)
}

func (c *Context) addConn(conn *Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[conn.id] = conn
	c.metrics.ConnectionsOpen.Inc()
}

func (c *Context) removeConn(conn *Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.conns[conn.id]; ok {
		delete(c.conns, conn.id)
		c.metrics.ConnectionsOpen.Dec()
	}
}

// Dispatch hands fn to the Context's worker pool, so callers on the
// reader's goroutine never block waiting for an application callback
// (spec §4.3 invariant).
func (c *Context) dispatch(fn func()) {
	if err := c.pool.Submit(func(context.Context) { fn() }); err != nil {
		c.log.Warn("dispatch dropped: pool closed", "err", err)
	}
}

// Close tears the Context down: stops watching every connection, shuts
// every connection down, drains the worker pool, and releases the I/O
// waiter.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conns := make([]*Connection, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mu.Unlock()

	for _, conn := range conns {
		conn.Shutdown()
	}
	c.waiter.Close()
	c.cancel()
	if err := c.pool.Drain(); err != nil {
		return fmt.Errorf("beep: context close: %w", err)
	}
	return nil
}

// IsClosed reports whether Close has been called.
func (c *Context) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
