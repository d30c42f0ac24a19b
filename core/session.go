package core

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// SessionStore issues, resolves and destroys server-side sessions. The client
// holds an opaque random token; storage only ever sees its SHA-256 digest.
type SessionStore struct {
	repo       SessionRepository
	users      CredentialStore
	config     SessionConfig
	audit      *auditLogger
	metrics    *Metrics
	now        func() time.Time
	trustProxy bool
}

// NewSessionStore creates a session store.
func NewSessionStore(repo SessionRepository, users CredentialStore, config SessionConfig, audit *auditLogger, metrics *Metrics, now func() time.Time) *SessionStore {
	if now == nil {
		now = time.Now
	}
	return &SessionStore{
		repo:    repo,
		users:   users,
		config:  config,
		audit:   audit,
		metrics: metrics,
		now:     now,
	}
}

func (s *SessionStore) lifetime(rememberMe bool) time.Duration {
	if rememberMe {
		return s.config.RememberMeLifetime
	}
	return s.config.Lifetime
}

// Create starts a session for userID and returns the plaintext token. The
// token is never stored and cannot be recovered later.
func (s *SessionStore) Create(ctx context.Context, userID uint, rememberMe bool, meta RequestMeta) (string, *Session, error) {
	token, err := generateSecureToken(tokenBytes)
	if err != nil {
		return "", nil, internalError("generate session token", err)
	}

	now := s.now()
	session := &Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		TokenHash:    hashToken(token),
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
		RememberMe:   rememberMe,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.lifetime(rememberMe)),
		LastActivity: now,
	}

	if err := s.repo.CreateSession(ctx, session); err != nil {
		return "", nil, internalError("create session", err)
	}

	s.metrics.sessionCreated()
	s.audit.record(ctx, &userID, EventSessionCreated, "Session created", meta, true)
	return token, session, nil
}

// Resolve returns the user and session for token. Every failure, whether a
// malformed token, unknown token, expired session or inactive user, returns
// ErrInvalidOrExpiredToken. Storage failures return an internal error and
// never an identity.
func (s *SessionStore) Resolve(ctx context.Context, token string) (*User, *Session, error) {
	if !wellFormedToken(token) {
		return nil, nil, ErrInvalidOrExpiredToken
	}

	tokenHash := hashToken(token)
	session, err := s.repo.GetSessionByTokenHash(ctx, tokenHash)
	if err != nil {
		return nil, nil, internalError("get session", err)
	}
	if session == nil || subtle.ConstantTimeCompare([]byte(session.TokenHash), []byte(tokenHash)) != 1 {
		return nil, nil, ErrInvalidOrExpiredToken
	}

	now := s.now()
	if session.IsExpired(now) {
		slog.Debug("Session expired", "session_id", session.ID)
		if err := s.repo.DeleteSessionByTokenHash(ctx, tokenHash); err != nil {
			slog.Error("Failed to delete expired session", "session_id", session.ID, "error", err)
		}
		return nil, nil, ErrInvalidOrExpiredToken
	}

	user, err := s.users.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, nil, internalError("get session user", err)
	}
	if !user.IsActive() {
		slog.Debug("Session user missing or inactive", "session_id", session.ID, "user_id", session.UserID)
		return nil, nil, ErrInvalidOrExpiredToken
	}

	if now.Sub(session.LastActivity) >= s.config.ActivityInterval {
		if err := s.repo.TouchSession(ctx, session.ID, now); err != nil {
			slog.Error("Failed to update session activity", "session_id", session.ID, "error", err)
		} else {
			session.LastActivity = now
		}
	}

	return user.Sanitized(), session, nil
}

// Destroy deletes the session identified by token. Unknown tokens are ignored.
func (s *SessionStore) Destroy(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := s.repo.DeleteSessionByTokenHash(ctx, hashToken(token)); err != nil {
		return internalError("delete session", err)
	}
	return nil
}

// DestroyByID deletes one of the user's sessions by ID.
func (s *SessionStore) DestroyByID(ctx context.Context, userID uint, sessionID string) error {
	deleted, err := s.repo.DeleteSessionByID(ctx, userID, sessionID)
	if err != nil {
		return internalError("delete session", err)
	}
	if !deleted {
		return ErrSessionNotFound
	}
	return nil
}

// DestroyAll deletes every session belonging to userID.
func (s *SessionStore) DestroyAll(ctx context.Context, userID uint) (int64, error) {
	n, err := s.repo.DeleteUserSessions(ctx, userID)
	if err != nil {
		return 0, internalError("delete user sessions", err)
	}
	return n, nil
}

// DestroyOthers deletes every session of userID except keepID.
func (s *SessionStore) DestroyOthers(ctx context.Context, userID uint, keepID string) (int64, error) {
	n, err := s.repo.DeleteUserSessionsExcept(ctx, userID, keepID)
	if err != nil {
		return 0, internalError("delete other sessions", err)
	}
	return n, nil
}

// List returns the user's unexpired sessions.
func (s *SessionStore) List(ctx context.Context, userID uint) ([]*Session, error) {
	sessions, err := s.repo.ListUserSessions(ctx, userID, s.now())
	if err != nil {
		return nil, internalError("list sessions", err)
	}
	return sessions, nil
}

// Sweep deletes expired sessions and returns how many were removed.
func (s *SessionStore) Sweep(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteExpiredSessions(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return n, nil
}

// Cookie builds the session cookie for token.
func (s *SessionStore) Cookie(r *http.Request, token string, session *Session) *http.Cookie {
	cookie := &http.Cookie{
		Name:     s.config.CookieName,
		Value:    token,
		Path:     "/",
		Domain:   s.config.CookieDomain,
		HttpOnly: true,
		Secure:   s.config.SecureCookie || isHTTPS(r, s.trustProxy),
		SameSite: http.SameSiteLaxMode,
		Expires:  session.ExpiresAt,
		MaxAge:   int(session.ExpiresAt.Sub(s.now()).Seconds()),
	}
	if cookie.MaxAge <= 0 {
		cookie.MaxAge = -1
	}
	return cookie
}

// ClearCookie builds a cookie that removes the session cookie.
func (s *SessionStore) ClearCookie(r *http.Request) *http.Cookie {
	return &http.Cookie{
		Name:     s.config.CookieName,
		Value:    "",
		Path:     "/",
		Domain:   s.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.config.SecureCookie || isHTTPS(r, s.trustProxy),
		SameSite: http.SameSiteLaxMode,
	}
}
