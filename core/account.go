package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RegisterInput is the data needed to create an email/password account.
type RegisterInput struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=128"`
	Name     string `json:"name" validate:"required,max=100"`
}

// LoginInput is a sign-in request.
type LoginInput struct {
	Email      string `json:"email" validate:"required,email,max=254"`
	Password   string `json:"password" validate:"required,max=128"`
	RememberMe bool   `json:"remember_me"`
}

// ChangePasswordInput is a signed-in password change.
type ChangePasswordInput struct {
	CurrentPassword string `json:"current_password" validate:"required,max=128"`
	NewPassword     string `json:"new_password" validate:"required,max=128"`
}

// LoginResult is returned by a successful login. Token is the plaintext
// session token and must only be handed to the client.
type LoginResult struct {
	Token     string
	User      *User
	Session   *Session
	CSRFToken string
}

// Register creates an active account with the base global role.
// It does not sign the user in.
func (a *AuthService) Register(ctx context.Context, rc *RequestContext, in RegisterInput) (*User, error) {
	if err := a.validate(in); err != nil {
		return nil, err
	}
	if err := validatePasswordStrength(in.Password, a.securityConfig); err != nil {
		return nil, err
	}

	email := normalizeEmail(in.Email)
	existing, err := a.storage.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, internalError("check existing user", err)
	}
	if existing != nil {
		slog.Debug("User already exists", "email", email)
		return nil, ErrEmailTaken
	}

	hashedPassword, err := a.hasher.Hash(in.Password)
	if err != nil {
		return nil, internalError("hash password", err)
	}

	now := a.now()
	user := &User{
		UUID:         uuid.NewString(),
		Email:        email,
		Name:         strings.TrimSpace(in.Name),
		PasswordHash: hashedPassword,
		Provider:     "email",
		Status:       UserStatusActive,
		GlobalRole:   GlobalUser,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := a.storage.CreateUser(ctx, user); err != nil {
		// Lost a race with a concurrent registration for the same address.
		if errors.Is(err, ErrDuplicateKey) {
			return nil, ErrEmailTaken
		}
		return nil, internalError("create user", err)
	}

	a.logSecurityEvent(ctx, &user.ID, EventRegistered, "User registered", rc.Meta, true)
	return user.Sanitized(), nil
}

// Login authenticates email and password and starts a session. Unknown
// emails and wrong passwords return the same ErrInvalidCredentials after the
// same hashing work. The lockout check runs before any credential lookup, and
// a non-active status is only disclosed once the password has verified.
//
// On success rc is updated with the new identity and its CSRF token is rotated.
func (a *AuthService) Login(ctx context.Context, rc *RequestContext, in LoginInput) (*LoginResult, error) {
	if err := a.validate(in); err != nil {
		return nil, err
	}
	email := normalizeEmail(in.Email)
	meta := rc.Meta

	if err := a.throttle.Check(ctx, email, meta.IPAddress); err != nil {
		if errors.Is(err, ErrTooManyAttempts) {
			a.metrics.lockout()
			a.metrics.login("locked")
			a.logSecurityEvent(ctx, nil, EventLoginLocked, "Login rejected by lockout for "+email, meta, false)
		}
		return nil, err
	}

	user, err := a.storage.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, internalError("get user by email", err)
	}

	if user == nil || user.PasswordHash == "" {
		a.hasher.Verify(in.Password, a.dummyHash)
		a.loginFailed(ctx, nil, email, meta, "unknown email")
		return nil, ErrInvalidCredentials
	}

	ok, needsRehash := a.hasher.Verify(in.Password, user.PasswordHash)
	if !ok {
		a.loginFailed(ctx, &user.ID, email, meta, "invalid password")
		return nil, ErrInvalidCredentials
	}

	if !user.IsActive() {
		slog.Debug("Login for inactive account", "user_id", user.ID, "status", user.Status)
		a.metrics.login("inactive")
		a.logSecurityEvent(ctx, &user.ID, EventLoginFailed, fmt.Sprintf("Login rejected: account %s", user.Status), meta, false)
		return nil, accountNotActiveError(user.Status)
	}

	if err := a.throttle.RecordSuccess(ctx, email, meta); err != nil {
		slog.Error("Failed to record successful login", "user_id", user.ID, "error", err)
	}

	if needsRehash {
		a.upgradePasswordHash(ctx, user.ID, in.Password)
	}

	result, err := a.startSession(ctx, rc, user, in.RememberMe)
	if err != nil {
		return nil, err
	}

	a.metrics.login("success")
	a.logSecurityEvent(ctx, &user.ID, EventLoginSuccess, "User logged in", meta, true)
	return result, nil
}

// startSession issues a session for user, records the login and binds the
// identity to rc.
func (a *AuthService) startSession(ctx context.Context, rc *RequestContext, user *User, rememberMe bool) (*LoginResult, error) {
	token, session, err := a.sessions.Create(ctx, user.ID, rememberMe, rc.Meta)
	if err != nil {
		return nil, err
	}

	now := a.now()
	if err := a.storage.UpdateLastLogin(ctx, user.ID, rc.Meta.IPAddress, now); err != nil {
		slog.Error("Failed to update last login", "user_id", user.ID, "error", err)
	} else {
		user.LastLoginAt = &now
		user.LastLoginIP = rc.Meta.IPAddress
	}

	sanitized := user.Sanitized()
	rc.setIdentity(sanitized, session, token)

	csrfToken, err := a.csrf.Refresh(rc.State)
	if err != nil {
		return nil, err
	}

	return &LoginResult{
		Token:     token,
		User:      sanitized,
		Session:   session,
		CSRFToken: csrfToken,
	}, nil
}

func (a *AuthService) loginFailed(ctx context.Context, userID *uint, email string, meta RequestMeta, reason string) {
	if err := a.throttle.RecordFailure(ctx, email, meta); err != nil {
		slog.Error("Failed to record failed login", "error", err)
	}
	a.metrics.login("failure")
	a.logSecurityEvent(ctx, userID, EventLoginFailed, "Login failed: "+reason, meta, false)
}

func (a *AuthService) upgradePasswordHash(ctx context.Context, userID uint, password string) {
	hash, err := a.hasher.Hash(password)
	if err != nil {
		slog.Error("Failed to rehash password", "user_id", userID, "error", err)
		return
	}
	if err := a.storage.UpdatePassword(ctx, userID, hash, a.now()); err != nil {
		slog.Error("Failed to store upgraded password hash", "user_id", userID, "error", err)
	}
}

// Authenticate resolves token and binds the identity to rc. Any failure
// leaves rc anonymous.
func (a *AuthService) Authenticate(ctx context.Context, rc *RequestContext, token string) error {
	user, session, err := a.sessions.Resolve(ctx, token)
	if err != nil {
		rc.clearIdentity()
		return err
	}
	rc.setIdentity(user, session, token)
	return nil
}

// Logout destroys the current session and rotates the CSRF token.
func (a *AuthService) Logout(ctx context.Context, rc *RequestContext) error {
	if rc.Token != "" {
		if err := a.sessions.Destroy(ctx, rc.Token); err != nil {
			return err
		}
	}
	if rc.IsAuthenticated() {
		userID := rc.User.ID
		a.logSecurityEvent(ctx, &userID, EventLogout, "User logged out", rc.Meta, true)
	}
	rc.clearIdentity()
	if _, err := a.csrf.Refresh(rc.State); err != nil {
		return err
	}
	return nil
}

// LogoutEverywhere destroys every session of the signed-in user, including
// the current one.
func (a *AuthService) LogoutEverywhere(ctx context.Context, rc *RequestContext) (int64, error) {
	if err := a.roles.RequireAuth(rc); err != nil {
		return 0, err
	}
	userID := rc.User.ID
	n, err := a.sessions.DestroyAll(ctx, userID)
	if err != nil {
		return 0, err
	}
	a.logSecurityEvent(ctx, &userID, EventLogoutEverywhere, fmt.Sprintf("Terminated %d sessions", n), rc.Meta, true)
	rc.clearIdentity()
	if _, err := a.csrf.Refresh(rc.State); err != nil {
		return n, err
	}
	return n, nil
}

// ChangePassword verifies the current password, stores the new one and ends
// every other session of the user. The current session stays valid.
func (a *AuthService) ChangePassword(ctx context.Context, rc *RequestContext, in ChangePasswordInput) error {
	if err := a.roles.RequireAuth(rc); err != nil {
		return err
	}
	if err := a.validate(in); err != nil {
		return err
	}

	user, err := a.storage.GetUserByID(ctx, rc.User.ID)
	if err != nil {
		return internalError("get user", err)
	}
	if user == nil || user.PasswordHash == "" {
		return ErrInvalidCredentials
	}
	if ok, _ := a.hasher.Verify(in.CurrentPassword, user.PasswordHash); !ok {
		a.logSecurityEvent(ctx, &user.ID, EventPasswordChanged, "Password change rejected: wrong current password", rc.Meta, false)
		return ErrInvalidCredentials
	}
	if err := validatePasswordStrength(in.NewPassword, a.securityConfig); err != nil {
		return err
	}

	hash, err := a.hasher.Hash(in.NewPassword)
	if err != nil {
		return internalError("hash password", err)
	}
	if err := a.storage.UpdatePassword(ctx, user.ID, hash, a.now()); err != nil {
		return internalError("update password", err)
	}

	terminated, err := a.sessions.DestroyOthers(ctx, user.ID, rc.Session.ID)
	if err != nil {
		return err
	}

	a.logSecurityEvent(ctx, &user.ID, EventPasswordChanged,
		fmt.Sprintf("Password changed; terminated %d other sessions", terminated), rc.Meta, true)
	return nil
}

// ListSessions returns the signed-in user's active sessions.
func (a *AuthService) ListSessions(ctx context.Context, rc *RequestContext) ([]*Session, error) {
	if err := a.roles.RequireAuth(rc); err != nil {
		return nil, err
	}
	return a.sessions.List(ctx, rc.User.ID)
}

// RevokeSession ends one of the signed-in user's sessions.
func (a *AuthService) RevokeSession(ctx context.Context, rc *RequestContext, sessionID string) error {
	if err := a.roles.RequireAuth(rc); err != nil {
		return err
	}
	userID := rc.User.ID
	if err := a.sessions.DestroyByID(ctx, userID, sessionID); err != nil {
		return err
	}
	a.logSecurityEvent(ctx, &userID, EventSessionTerminated, "Session revoked", rc.Meta, true)
	if sessionID == rc.Session.ID {
		rc.clearIdentity()
	}
	return nil
}

// GrantMembership adds or updates a user's membership in a congregation. The
// caller must be an admin of that congregation, or a global admin.
func (a *AuthService) GrantMembership(ctx context.Context, rc *RequestContext, m *CongregationMembership) error {
	if err := a.roles.RequireAuth(rc); err != nil {
		return err
	}
	if !m.Role.Valid() {
		return NewValidationError("unknown congregation role")
	}
	if m.Status == "" {
		m.Status = MembershipActive
	}

	if !a.roles.HasRole(rc, GlobalAdmin) {
		if err := a.roles.RequireCongregationRole(ctx, rc, m.CongregationID, CongregationAdmin); err != nil {
			return err
		}
	}

	if m.JoinedAt.IsZero() {
		m.JoinedAt = a.now()
	}
	if err := a.storage.UpsertMembership(ctx, m); err != nil {
		return internalError("grant membership", err)
	}

	grantor := rc.User.ID
	a.logSecurityEvent(ctx, &grantor, EventMembershipGranted,
		fmt.Sprintf("Granted %s in congregation %d to user %d", m.Role, m.CongregationID, m.UserID), rc.Meta, true)
	return nil
}

// sessionExpiry is the expiry reported to clients for session.
func sessionExpiry(session *Session) time.Time {
	if session == nil {
		return time.Time{}
	}
	return session.ExpiresAt
}
