// Package session implements the server-side per-connection state
// machine of spec.md §4.8: a framed read loop over one TLS stream,
// gated by an authentication timeout and refreshed by an idle timeout,
// dispatching to the login/list/report handlers.
package session

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/roversun/latcheck/pkg/codec"
	"github.com/roversun/latcheck/pkg/errs"
	"github.com/roversun/latcheck/pkg/models"
	"github.com/roversun/latcheck/pkg/proto"
)

// State is the session's lifecycle position, per spec.md §3 and §4.8.
type State int

const (
	Connected State = iota
	Authenticated
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Authenticated:
		return "authenticated"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Authenticator is the subset of auth.Authenticator a session needs.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password, clientIP string) (string, models.Role, error)
	Revoke(token string)
}

// ServerLister is the subset of dao.ServerDAO a session needs to answer
// LIST_REQUEST and to resolve server_ip on a cache miss.
type ServerLister interface {
	GetActiveServers(ctx context.Context) ([]models.TestServer, error)
}

// ReportCreator is the subset of dao.ReportDAO a session needs to answer
// REPORT_REQUEST.
type ReportCreator interface {
	CreateReport(ctx context.Context, report *models.Report, records []models.ReportRecord) (int64, error)
}

// Config bounds the session's timers, per spec.md §4.8 and §4.9.
type Config struct {
	AuthTimeout time.Duration
	IdleTimeout time.Duration
}

// Session owns one accepted, TLS-wrapped connection and the state built
// up while serving it: cached server list, id→ip map, and read buffer.
// None of that state is shared with any other session.
type Session struct {
	conn net.Conn
	cfg  Config

	auth    Authenticator
	servers ServerLister
	reports ReportCreator

	mu             sync.Mutex
	state          State
	connectTime    time.Time
	lastActiveTime time.Time
	userName       string
	role           models.Role
	token          string
	serverCache    []models.TestServer
	serverIPByID   map[uint32]uint32
	closeOnce      sync.Once
	closed         chan struct{}
	authTimer      *time.Timer
	idleTimer      *time.Timer

	buf []byte
}

func New(conn net.Conn, cfg Config, auth Authenticator, servers ServerLister, reports ReportCreator) *Session {
	now := time.Now()
	s := &Session{
		conn:           conn,
		cfg:            cfg,
		auth:           auth,
		servers:        servers,
		reports:        reports,
		state:          Connected,
		connectTime:    now,
		lastActiveTime: now,
		closed:         make(chan struct{}),
	}
	s.authTimer = time.AfterFunc(cfg.AuthTimeout, s.onAuthTimeout)
	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConnectTime and LastActiveTime back the sweeper's deadline checks in
// pkg/dispatcher.
func (s *Session) ConnectTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectTime
}

func (s *Session) LastActiveTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActiveTime
}

func (s *Session) onAuthTimeout() {
	s.mu.Lock()
	stillConnecting := s.state == Connected
	s.mu.Unlock()
	if stillConnecting {
		slog.Info("session: auth timeout, closing", "remote", s.conn.RemoteAddr())
		s.Close()
	}
}

// Close closes the transport and stops both timers. Safe to call more
// than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = Disconnected
		token := s.token
		s.mu.Unlock()

		if s.authTimer != nil {
			s.authTimer.Stop()
		}
		if s.idleTimer != nil {
			s.idleTimer.Stop()
		}
		if token != "" && s.auth != nil {
			s.auth.Revoke(token)
		}
		close(s.closed)
		_ = s.conn.Close()
	})
}

func (s *Session) resetIdleTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(s.cfg.IdleTimeout, func() { s.Close() })
	s.lastActiveTime = time.Now()
}

// Serve runs the framed read loop until the connection closes, a
// protocol violation occurs, or ctx is cancelled. It never blocks the
// caller's accept loop beyond this single call — one goroutine per
// session is the expected usage, per spec.md §4.9.
func (s *Session) Serve(ctx context.Context) {
	defer s.Close()

	readBuf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		default:
		}

		n, err := s.conn.Read(readBuf)
		if err != nil {
			return
		}
		s.buf = append(s.buf, readBuf[:n]...)

		for {
			frame, consumed, needMore, err := codec.TryDecodeFrame(s.buf)
			if err != nil {
				slog.Warn("session: malformed frame, closing", "error", err)
				return
			}
			if needMore {
				break
			}
			s.buf = s.buf[consumed:]

			if !s.dispatch(ctx, frame) {
				return
			}
		}
	}
}

// dispatch processes one fully decoded frame and returns false if the
// session should stop reading.
func (s *Session) dispatch(ctx context.Context, frame codec.Frame) bool {
	state := s.State()

	if state == Connected {
		if frame.Header.MsgType != proto.LoginRequest {
			slog.Warn("session: message before authentication, closing", "type", frame.Header.MsgType)
			_ = s.writeResult(proto.LoginFail, uint32(errs.PermissionDenied))
			return false
		}
		return s.handleLogin(ctx, frame)
	}

	if state != Authenticated {
		return false
	}

	s.resetIdleTimer()

	switch frame.Header.MsgType {
	case proto.ListRequest:
		return s.handleList(ctx)
	case proto.ReportRequest:
		return s.handleReport(ctx, frame)
	default:
		slog.Warn("session: unexpected message type while authenticated", "type", frame.Header.MsgType)
		return false
	}
}

func (s *Session) handleLogin(ctx context.Context, frame codec.Frame) bool {
	payload, ok := frame.Payload.(proto.LoginRequestPayload)
	if !ok {
		_ = s.writeResult(proto.LoginFail, uint32(errs.InvalidParameter))
		return false
	}

	clientIP := remoteIP(s.conn)
	token, role, err := s.auth.Authenticate(ctx, payload.Username, payload.Password, clientIP)
	if err != nil {
		_ = s.writeResult(proto.LoginFail, uint32(errs.CodeOf(err)))
		return false
	}

	s.mu.Lock()
	s.state = Authenticated
	s.userName = payload.Username
	s.role = role
	s.token = token
	s.mu.Unlock()

	if s.authTimer != nil {
		s.authTimer.Stop()
	}
	s.resetIdleTimer()

	return s.writeResult(proto.LoginOK, 0) == nil
}

func (s *Session) handleList(ctx context.Context) bool {
	servers, err := s.servers.GetActiveServers(ctx)
	if err != nil {
		slog.Error("session: failed to list servers", "error", err)
		return false
	}

	s.mu.Lock()
	s.serverCache = servers
	idByIP := make(map[uint32]uint32, len(servers))
	for _, srv := range servers {
		idByIP[srv.ServerID] = srv.IPAddr
	}
	s.serverIPByID = idByIP
	s.mu.Unlock()

	entries := make([]proto.ServerEntry, len(servers))
	for i, srv := range servers {
		entries[i] = proto.ServerEntry{ServerID: srv.ServerID, IPAddr: srv.IPAddr}
	}

	buf := codec.EncodeListResponse(entries)
	return s.writeFrame(proto.ListResponse, buf) == nil
}

func (s *Session) handleReport(ctx context.Context, frame codec.Frame) bool {
	payload, ok := frame.Payload.(proto.ReportRequestPayload)
	if !ok {
		_ = s.writeResult(proto.ReportFail, uint32(errs.InvalidParameter))
		return true
	}

	s.mu.Lock()
	userName := s.userName
	role := s.role
	ipByID := s.serverIPByID
	s.mu.Unlock()

	if !role.CanUploadReports() {
		slog.Warn("session: report upload denied by role", "user", userName, "role", role)
		_ = s.writeResult(proto.ReportFail, uint32(errs.PermissionDenied))
		return true
	}

	if len(ipByID) == 0 {
		slog.Warn("session: server cache empty at REPORT_REQUEST, refetching", "user", userName)
		servers, err := s.servers.GetActiveServers(ctx)
		if err != nil {
			_ = s.writeResult(proto.ReportFail, uint32(errs.DatabaseError))
			return true
		}
		ipByID = make(map[uint32]uint32, len(servers))
		for _, srv := range servers {
			ipByID[srv.ServerID] = srv.IPAddr
		}
	}

	report := &models.Report{UserName: userName, Location: payload.Location}
	records := make([]models.ReportRecord, len(payload.Records))
	for i, rec := range payload.Records {
		records[i] = models.ReportRecord{
			ServerID: rec.ServerID,
			ServerIP: ipByID[rec.ServerID],
			Latency:  rec.Latency,
		}
	}

	if _, err := s.reports.CreateReport(ctx, report, records); err != nil {
		_ = s.writeResult(proto.ReportFail, uint32(errs.CodeOf(err)))
		return true
	}

	return s.writeResult(proto.ReportOK, 0) == nil
}

func (s *Session) writeResult(msgType proto.MsgType, code uint32) error {
	return s.writeFrame(msgType, codec.EncodeResult(code))
}

func (s *Session) writeFrame(msgType proto.MsgType, payload []byte) error {
	header := codec.EncodeHeader(msgType, uint32(len(payload)))
	if _, err := s.conn.Write(header); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := s.conn.Write(payload)
	return err
}

func remoteIP(conn net.Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
