// Package auth implements spec.md §4.7: password verification, opaque
// session tokens, and the rate-limit/lockout ledgers that gate login.
package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roversun/latcheck/pkg/errs"
	"github.com/roversun/latcheck/pkg/logging"
	"github.com/roversun/latcheck/pkg/models"
)

// UserRepository is the subset of dao.UserDAO the authenticator needs,
// factored out as an interface (in the style of jjudge-oj-apiserver's
// UserRepository) so the login pipeline can be tested without a database.
type UserRepository interface {
	GetByUsername(ctx context.Context, name string) (*models.User, error)
	UpdateLastLogin(ctx context.Context, id int64) error
}

// Config bounds session lifetime and the lockout/rate-limit windows of
// spec.md §3 and §4.7.
type Config struct {
	SessionTimeout       time.Duration
	MaxLoginAttempts     int
	LockoutWindow        time.Duration
	LockoutDuration      time.Duration
	MaxRequestsPerWindow int
	RateLimitWindow      time.Duration
}

// SessionRecord is the in-memory record spec.md §3 associates with an
// authenticated session token.
type SessionRecord struct {
	UserName     string
	Role         models.Role
	ClientIP     string
	LoginTime    time.Time
	LastActivity time.Time
	IsActive     bool
}

// Authenticator implements the ordered login pipeline of spec.md §4.7:
// rate limit → lock → fetch → verify → mint → stamp → record.
type Authenticator struct {
	cfg   Config
	users UserRepository
	audit *logging.AuditLog

	loginAttempts *ledger
	rateLimit     *ledger

	mu       sync.Mutex
	sessions map[string]*SessionRecord
}

func NewAuthenticator(cfg Config, users UserRepository, audit *logging.AuditLog) *Authenticator {
	return &Authenticator{
		cfg:           cfg,
		users:         users,
		audit:         audit,
		loginAttempts: newLedger(),
		rateLimit:     newLedger(),
		sessions:      make(map[string]*SessionRecord),
	}
}

// Authenticate runs the full login pipeline. On success it mints an
// opaque session token and returns it along with the user's role, so
// callers can gate role-restricted requests without a second lookup; on
// failure it returns an *errs.Error classified per spec.md §7, with
// rate-limit and lockout denials both reported as InvalidPassword to
// avoid leaking which stage failed.
func (a *Authenticator) Authenticate(ctx context.Context, username, password, clientIP string) (token string, role models.Role, err error) {
	now := time.Now()

	if a.rateLimit.count(clientIP, now, a.cfg.RateLimitWindow) >= a.cfg.MaxRequestsPerWindow {
		a.rateLimit.record(clientIP, now, a.cfg.RateLimitWindow)
		a.audit.Record(username, "login", false, "rate limit exceeded")
		return "", "", errs.New(errs.InvalidPassword, "rate limit exceeded")
	}
	a.rateLimit.record(clientIP, now, a.cfg.RateLimitWindow)

	if _, locked := a.loginAttempts.lockedUntil(username, now); locked {
		a.audit.Record(username, "login", false, "account locked")
		return "", "", errs.New(errs.InvalidPassword, "account locked")
	}

	user, fetchErr := a.users.GetByUsername(ctx, username)
	if fetchErr != nil {
		a.recordFailure(username, now)
		a.audit.Record(username, "login", false, "unknown user")
		return "", "", errs.New(errs.InvalidUser, "unknown user")
	}

	if user.Status != models.StatusActive {
		a.recordFailure(username, now)
		a.audit.Record(username, "login", false, "account not active")
		return "", "", errs.New(errs.UserDisabled, "account not active")
	}

	if !VerifyPassword(password, user.Salt, user.PasswordHash) {
		a.recordFailure(username, now)
		a.audit.Record(username, "login", false, "bad password")
		return "", "", errs.New(errs.InvalidPassword, "bad password")
	}

	token = uuid.NewString()

	a.mu.Lock()
	a.sessions[token] = &SessionRecord{
		UserName:     username,
		Role:         user.Role,
		ClientIP:     clientIP,
		LoginTime:    now,
		LastActivity: now,
		IsActive:     true,
	}
	a.mu.Unlock()

	if err := a.users.UpdateLastLogin(ctx, user.UserID); err != nil {
		slog.Warn("auth: failed to stamp last_login_at", "user", username, "error", err)
	}

	a.loginAttempts.reset(username)
	a.audit.Record(username, "login", true, "authenticated")

	return token, user.Role, nil
}

func (a *Authenticator) recordFailure(username string, now time.Time) {
	n := a.loginAttempts.record(username, now, a.cfg.LockoutWindow)
	if n >= a.cfg.MaxLoginAttempts {
		a.loginAttempts.lock(username, now.Add(a.cfg.LockoutDuration))
	}
}

// Touch refreshes a session's last-activity timestamp, extending its
// idle deadline.
func (a *Authenticator) Touch(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.sessions[token]; ok {
		s.LastActivity = time.Now()
	}
}

// Valid reports whether token identifies a live, non-expired session.
func (a *Authenticator) Valid(token string) (*SessionRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[token]
	if !ok || !s.IsActive {
		return nil, false
	}
	if time.Since(s.LastActivity) >= a.cfg.SessionTimeout {
		return nil, false
	}
	return s, true
}

// Revoke ends token's session, e.g. on disconnect.
func (a *Authenticator) Revoke(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, token)
}
