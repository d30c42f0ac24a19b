package core

import (
	"context"
	"time"
)

// UserStatus is the account lifecycle state. Only active users may sign in.
type UserStatus string

const (
	UserStatusPending   UserStatus = "pending"
	UserStatusActive    UserStatus = "active"
	UserStatusSuspended UserStatus = "suspended"
	UserStatusBanned    UserStatus = "banned"
)

// Valid reports whether s is one of the known statuses.
func (s UserStatus) Valid() bool {
	switch s {
	case UserStatusPending, UserStatusActive, UserStatusSuspended, UserStatusBanned:
		return true
	}
	return false
}

// User represents core user identity and authentication information.
type User struct {
	ID    uint   `json:"id"`
	UUID  string `json:"uuid"`
	Email string `json:"email"`
	Name  string `json:"name"`

	PasswordHash string `json:"-"` // Hide password from JSON
	Provider     string `json:"provider"` // "email", "google", "github", "discord"
	ProviderID   string `json:"-"`

	Status     UserStatus `json:"status"`
	GlobalRole GlobalRole `json:"global_role"`

	LastLoginAt       *time.Time `json:"last_login_at,omitempty"`
	LastLoginIP       string     `json:"-"`
	PasswordChangedAt *time.Time `json:"password_changed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsActive reports whether the account may authenticate.
func (u *User) IsActive() bool {
	return u != nil && u.Status == UserStatusActive
}

// Sanitized returns a copy of the user without credential material, suitable
// for request contexts and responses.
func (u *User) Sanitized() *User {
	if u == nil {
		return nil
	}
	clone := *u
	clone.PasswordHash = ""
	return &clone
}

// Session is a server-side login session. Only the SHA-256 digest of the
// bearer token is stored.
type Session struct {
	ID           string    `json:"id"`
	UserID       uint      `json:"user_id"`
	TokenHash    string    `json:"-"`
	IPAddress    string    `json:"ip_address"`
	UserAgent    string    `json:"user_agent"`
	RememberMe   bool      `json:"remember_me"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastActivity time.Time `json:"last_activity"`
}

// IsExpired reports whether the session is past its expiry at now.
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// LoginAttempt is one row of the login ledger used for lockout decisions.
type LoginAttempt struct {
	ID          uint      `json:"id"`
	Email       string    `json:"email"`
	IPAddress   string    `json:"ip_address"`
	UserAgent   string    `json:"user_agent"`
	Success     bool      `json:"success"`
	AttemptedAt time.Time `json:"attempted_at"`
}

// PasswordResetToken is a single-use reset credential. Only the digest is stored.
type PasswordResetToken struct {
	ID        uint      `json:"id"`
	UserID    uint      `json:"user_id"`
	TokenHash string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// MembershipStatus is the state of a user's membership in a congregation.
type MembershipStatus string

const (
	MembershipPending   MembershipStatus = "pending"
	MembershipActive    MembershipStatus = "active"
	MembershipSuspended MembershipStatus = "suspended"
)

// CongregationMembership links a user to a congregation with a scoped role.
type CongregationMembership struct {
	UserID         uint             `json:"user_id"`
	CongregationID uint             `json:"congregation_id"`
	Role           CongregationRole `json:"role"`
	Status         MembershipStatus `json:"status"`
	IsPrimary      bool             `json:"is_primary"`
	JoinedAt       time.Time        `json:"joined_at"`
}

// SecurityEvent represents security-related events for audit logging
type SecurityEvent struct {
	ID     uint  `json:"id"`
	UserID *uint `json:"user_id,omitempty"`

	// Event Details
	EventType   string `json:"event_type"`
	Description string `json:"description"`

	// Request Context
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`

	// Event Metadata
	Severity string `json:"severity"`
	Success  bool   `json:"success"`

	CreatedAt time.Time `json:"created_at"`
}

// RequestMeta carries the client attributes recorded with sessions,
// attempts and audit events.
type RequestMeta struct {
	IPAddress string
	UserAgent string
	Path      string
}

// CredentialStore reads and writes user accounts. Lookups return (nil, nil)
// when the user does not exist.
type CredentialStore interface {
	CreateUser(ctx context.Context, user *User) error
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByID(ctx context.Context, id uint) (*User, error)
	UpdateUser(ctx context.Context, user *User) error
	UpdateLastLogin(ctx context.Context, userID uint, ipAddress string, at time.Time) error
	UpdatePassword(ctx context.Context, userID uint, passwordHash string, at time.Time) error
}

// SessionRepository persists sessions keyed by token digest.
type SessionRepository interface {
	CreateSession(ctx context.Context, session *Session) error
	GetSessionByTokenHash(ctx context.Context, tokenHash string) (*Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	ListUserSessions(ctx context.Context, userID uint, now time.Time) ([]*Session, error)
	DeleteSessionByTokenHash(ctx context.Context, tokenHash string) error
	DeleteSessionByID(ctx context.Context, userID uint, id string) (bool, error)
	DeleteUserSessions(ctx context.Context, userID uint) (int64, error)
	DeleteUserSessionsExcept(ctx context.Context, userID uint, keepID string) (int64, error)
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// LoginAttemptRepository is the append-mostly login ledger.
type LoginAttemptRepository interface {
	RecordLoginAttempt(ctx context.Context, attempt *LoginAttempt) error
	// CountFailedLoginAttempts counts failures matching email OR ip since the given time.
	CountFailedLoginAttempts(ctx context.Context, email, ipAddress string, since time.Time) (int, error)
	// ClearFailedLoginAttempts deletes the failures recorded for email. Rows
	// for other emails are kept even when they share an IP.
	ClearFailedLoginAttempts(ctx context.Context, email string) error
	DeleteLoginAttemptsBefore(ctx context.Context, before time.Time) (int64, error)
}

// PasswordResetRepository persists reset tokens keyed by digest.
type PasswordResetRepository interface {
	CreatePasswordResetToken(ctx context.Context, token *PasswordResetToken) error
	GetPasswordResetToken(ctx context.Context, tokenHash string) (*PasswordResetToken, error)
	// DeletePasswordResetToken reports whether a row was removed, so concurrent
	// consumers can tell who won.
	DeletePasswordResetToken(ctx context.Context, id uint) (bool, error)
	DeleteUserPasswordResetTokens(ctx context.Context, userID uint) error
	DeleteExpiredPasswordResetTokens(ctx context.Context, now time.Time) (int64, error)
}

// MembershipRepository reads and writes congregation memberships.
type MembershipRepository interface {
	GetMembership(ctx context.Context, userID, congregationID uint) (*CongregationMembership, error)
	GetPrimaryMembership(ctx context.Context, userID uint) (*CongregationMembership, error)
	ListMemberships(ctx context.Context, userID uint) ([]*CongregationMembership, error)
	// UpsertMembership inserts or updates a membership. Marking one primary
	// clears the flag on the user's other memberships.
	UpsertMembership(ctx context.Context, membership *CongregationMembership) error
}

// SecurityEventRepository stores the audit trail.
type SecurityEventRepository interface {
	CreateSecurityEvent(ctx context.Context, event *SecurityEvent) error
	ListSecurityEvents(ctx context.Context, userID *uint, eventType string, limit, offset int) ([]*SecurityEvent, error)
}

// Storage defines the contract for core authentication data storage operations
type Storage interface {
	CredentialStore
	SessionRepository
	LoginAttemptRepository
	PasswordResetRepository
	MembershipRepository
	SecurityEventRepository

	// WithTx runs fn inside a transaction. The Storage passed to fn is bound to
	// the transaction; returning an error rolls it back.
	WithTx(ctx context.Context, fn func(tx Storage) error) error

	// Health check
	Ping(ctx context.Context) error
	Close() error
}
