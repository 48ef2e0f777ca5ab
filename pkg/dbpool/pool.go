// Package dbpool implements the bounded connection pool of spec.md §4.5
// on top of bun's per-connection handle (*bun.Conn), giving callers the
// explicit get()/release() and RAII semantics the spec asks for while
// keeping the teacher's *bun.DB as the underlying driver.
package dbpool

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/uptrace/bun"

	"github.com/roversun/latcheck/pkg/errs"
)

// Config bounds pool size and timeouts, mirroring the database.* keys of
// spec.md §6.
type Config struct {
	MinConnections    int
	MaxConnections    int
	ConnectionTimeout time.Duration
	HealthCheckPeriod time.Duration
}

// Pool lends *bun.Conn handles bound to one *sql.Conn apiece, so a
// transaction opened on a borrowed connection only ever touches that
// connection, per spec.md §4.5's "transactions are bound to a single
// borrowed connection" invariant.
type Pool struct {
	db  *bun.DB
	cfg Config

	mu      sync.Mutex
	idle    []bun.Conn
	active  int
	closed  bool
	waiters chan struct{}

	stopHealthCheck chan struct{}
}

// New constructs a pool over db and starts it with MinConnections idle
// connections plus a background health-check loop.
func New(ctx context.Context, db *bun.DB, cfg Config) (*Pool, error) {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10
	}
	if cfg.MinConnections < 0 || cfg.MinConnections > cfg.MaxConnections {
		cfg.MinConnections = 0
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 5 * time.Second
	}
	if cfg.HealthCheckPeriod <= 0 {
		cfg.HealthCheckPeriod = 30 * time.Second
	}

	p := &Pool{
		db:              db,
		cfg:             cfg,
		waiters:         make(chan struct{}, cfg.MaxConnections),
		stopHealthCheck: make(chan struct{}),
	}

	for i := 0; i < cfg.MinConnections; i++ {
		conn, err := db.Conn(ctx)
		if err != nil {
			return nil, errs.Wrap(errs.ConnectionFailed, fmt.Errorf("priming pool: %w", err))
		}
		p.idle = append(p.idle, conn)
		p.active++
	}

	go p.healthCheckLoop()

	return p, nil
}

// Conn is a borrowed, uniquely owned connection. Callers must call
// Release exactly once. If they forget, a finalizer hands it back to the
// pool's release path (which recycles or closes it like Release does) as
// a backstop, per spec.md §4.5 and §9's RAII requirement — that path only
// runs on GC and should never be relied on.
type Conn struct {
	pool    *Pool
	conn    bun.Conn
	invalid bool
	done    bool
}

// Bun exposes the underlying bun query surface bound to this connection.
func (c *Conn) Bun() bun.Conn { return c.conn }

// Invalidate marks the connection as broken so Release discards rather
// than recycles it.
func (c *Conn) Invalidate() { c.invalid = true }

// Release returns c to its pool. Safe to call multiple times.
func (c *Conn) Release() {
	if c.done {
		return
	}
	c.done = true
	c.pool.release(c)
}

func newBorrowed(p *Pool, conn bun.Conn) *Conn {
	c := &Conn{pool: p, conn: conn}
	runtime.SetFinalizer(c, func(c *Conn) {
		if !c.done {
			c.pool.release(c)
		}
	})
	return c
}

// Get returns a live connection, creating one if the pool is under
// MaxConnections, else waiting up to ConnectionTimeout.
func (p *Pool) Get(ctx context.Context) (*Conn, error) {
	deadline := time.Now().Add(p.cfg.ConnectionTimeout)
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errs.New(errs.ConnectionFailed, "pool closed")
		}
		if n := len(p.idle); n > 0 {
			conn := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()
			return newBorrowed(p, conn), nil
		}
		if p.active < p.cfg.MaxConnections {
			p.active++
			p.mu.Unlock()
			conn, err := p.db.Conn(ctx)
			if err != nil {
				p.mu.Lock()
				p.active--
				p.mu.Unlock()
				return nil, errs.Wrap(errs.ConnectionFailed, err)
			}
			return newBorrowed(p, conn), nil
		}
		p.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, errs.New(errs.ConnectionTimeout, "timed out waiting for a database connection")
		}
		select {
		case <-p.waiters:
			// another release freed a slot; loop and retry
		case <-time.After(remaining):
			return nil, errs.New(errs.ConnectionTimeout, "timed out waiting for a database connection")
		case <-ctx.Done():
			return nil, errs.Wrap(errs.ConnectionTimeout, ctx.Err())
		}
	}
}

func (p *Pool) release(c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case c.invalid || p.closed:
		p.active--
		_ = c.conn.Close()
	case len(p.idle)+1 > p.cfg.MinConnections:
		// recycling this connection would push idle count over the
		// configured minimum: close it instead, per spec.md §4.5.
		p.active--
		_ = c.conn.Close()
	default:
		p.idle = append(p.idle, c.conn)
	}

	select {
	case p.waiters <- struct{}{}:
	default:
	}
}

// healthCheckLoop reaps invalid idle connections and refills to
// MinConnections, per spec.md §4.5.
func (p *Pool) healthCheckLoop() {
	ticker := time.NewTicker(p.cfg.HealthCheckPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapAndRefill()
		case <-p.stopHealthCheck:
			return
		}
	}
}

func (p *Pool) reapAndRefill() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectionTimeout)
	defer cancel()

	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var live []bun.Conn
	for _, conn := range idle {
		if _, err := conn.ExecContext(ctx, "SELECT 1"); err != nil {
			slog.Warn("dbpool: reaping invalid idle connection", "error", err)
			_ = conn.Close()
			p.mu.Lock()
			p.active--
			p.mu.Unlock()
			continue
		}
		live = append(live, conn)
	}

	p.mu.Lock()
	p.idle = append(p.idle, live...)
	deficit := p.cfg.MinConnections - len(p.idle)
	p.mu.Unlock()

	for i := 0; i < deficit; i++ {
		conn, err := p.db.Conn(ctx)
		if err != nil {
			slog.Warn("dbpool: failed to refill idle connection", "error", err)
			break
		}
		p.mu.Lock()
		p.idle = append(p.idle, conn)
		p.active++
		p.mu.Unlock()
	}
}

// Close stops the health-check loop and closes every idle connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	close(p.stopHealthCheck)

	var firstErr error
	for _, conn := range idle {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
