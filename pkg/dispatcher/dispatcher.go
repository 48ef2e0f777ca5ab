// Package dispatcher implements the server accept loop of spec.md §4.9:
// bound total concurrent sessions at max_connections, close any accept
// beyond the cap before the TLS handshake, and sweep timed-out sessions
// every 60 seconds.
package dispatcher

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/roversun/latcheck/pkg/session"
)

const sweepInterval = 60 * time.Second

// Config bounds accept-loop behavior, mirroring spec.md §6's
// server.max_connections and server.connection_timeout/auth_timeout keys.
type Config struct {
	MaxConnections int
	AuthTimeout    time.Duration
	IdleTimeout    time.Duration
}

// SessionFactory builds a session.Session bound to one accepted, already
// TLS-wrapped connection. Constructing it here (rather than inside
// Dispatcher) keeps the dispatcher decoupled from auth/dao wiring.
type SessionFactory func(conn net.Conn, cfg session.Config) *session.Session

// Dispatcher owns the listener and the live session set.
type Dispatcher struct {
	listener   net.Listener
	tlsConfig  *tls.Config
	cfg        Config
	newSession SessionFactory

	mu       sync.Mutex
	active   int
	sessions map[*session.Session]struct{}

	stopSweep chan struct{}
	wg        sync.WaitGroup
}

func New(listener net.Listener, tlsConfig *tls.Config, cfg Config, newSession SessionFactory) *Dispatcher {
	return &Dispatcher{
		listener:   listener,
		tlsConfig:  tlsConfig,
		cfg:        cfg,
		newSession: newSession,
		sessions:   make(map[*session.Session]struct{}),
		stopSweep:  make(chan struct{}),
	}
}

// Serve runs the accept loop until ctx is cancelled or the listener is
// closed. It blocks the caller; run it in its own goroutine.
func (d *Dispatcher) Serve(ctx context.Context) error {
	d.wg.Add(1)
	go d.sweepLoop(ctx)

	go func() {
		<-ctx.Done()
		_ = d.listener.Close()
	}()

	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				d.wg.Wait()
				return nil
			default:
				return err
			}
		}

		d.mu.Lock()
		overCap := d.active >= d.cfg.MaxConnections
		if !overCap {
			d.active++
		}
		d.mu.Unlock()

		if overCap {
			slog.Warn("dispatcher: rejecting connection over max_connections", "remote", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}

		tlsConn := tls.Server(conn, d.tlsConfig)
		go d.handle(ctx, tlsConn)
	}
}

func (d *Dispatcher) handle(ctx context.Context, conn net.Conn) {
	defer func() {
		d.mu.Lock()
		d.active--
		d.mu.Unlock()
	}()

	if err := conn.(*tls.Conn).HandshakeContext(ctx); err != nil {
		slog.Warn("dispatcher: TLS handshake failed", "remote", conn.RemoteAddr(), "error", err)
		_ = conn.Close()
		return
	}

	sess := d.newSession(conn, session.Config{
		AuthTimeout: d.cfg.AuthTimeout,
		IdleTimeout: d.cfg.IdleTimeout,
	})

	d.mu.Lock()
	d.sessions[sess] = struct{}{}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.sessions, sess)
		d.mu.Unlock()
	}()

	sess.Serve(ctx)
}

// sweepLoop closes sessions still Connected past their auth deadline, or
// idle past their connection_timeout deadline, per spec.md §4.9. It runs
// until ctx is cancelled.
func (d *Dispatcher) sweepLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.sweep()
		case <-ctx.Done():
			return
		case <-d.stopSweep:
			return
		}
	}
}

func (d *Dispatcher) sweep() {
	now := time.Now()

	d.mu.Lock()
	victims := make([]*session.Session, 0)
	for sess := range d.sessions {
		if sess.State() == session.Connected && sess.ConnectTime().Add(d.cfg.AuthTimeout).Before(now) {
			victims = append(victims, sess)
			continue
		}
		if sess.LastActiveTime().Add(d.cfg.IdleTimeout).Before(now) {
			victims = append(victims, sess)
		}
	}
	d.mu.Unlock()

	for _, sess := range victims {
		slog.Info("dispatcher: sweeper closing timed-out session")
		sess.Close()
	}
}

// Stop halts the sweeper. The accept loop itself stops when ctx passed
// to Serve is cancelled or the listener closes.
func (d *Dispatcher) Stop() {
	close(d.stopSweep)
}
