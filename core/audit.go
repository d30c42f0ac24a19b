package core

import (
	"context"
	"log/slog"
	"time"
)

// Security event types
const (
	EventLoginSuccess      = "login_success"
	EventLoginFailed       = "login_failed"
	EventLoginLocked       = "login_locked"
	EventLogout            = "logout"
	EventLogoutEverywhere  = "logout_everywhere"
	EventRegistered        = "user_registered"
	EventPasswordResetSent = "password_reset_requested"
	EventPasswordReset     = "password_reset"
	EventPasswordChanged   = "password_changed"
	EventSessionCreated    = "session_created"
	EventSessionTerminated = "session_terminated"
	EventCSRFRejected      = "csrf_rejected"
	EventRateLimited       = "rate_limited"
	EventAccessDenied      = "access_denied"
	EventMembershipGranted = "membership_granted"
	EventOAuthLogin        = "oauth_login"
)

// auditLogger writes security events to storage. Failures are logged and never
// propagate to the operation being audited.
type auditLogger struct {
	events SecurityEventRepository
	now    func() time.Time
}

func newAuditLogger(events SecurityEventRepository, now func() time.Time) *auditLogger {
	return &auditLogger{events: events, now: now}
}

func (l *auditLogger) record(ctx context.Context, userID *uint, eventType, description string, meta RequestMeta, success bool) {
	if l == nil || l.events == nil {
		return
	}

	event := &SecurityEvent{
		UserID:      userID,
		EventType:   eventType,
		Description: description,
		IPAddress:   meta.IPAddress,
		UserAgent:   meta.UserAgent,
		Severity:    "info",
		Success:     success,
		CreatedAt:   l.now(),
	}

	if !success {
		event.Severity = "warning"
	}

	if err := l.events.CreateSecurityEvent(context.WithoutCancel(ctx), event); err != nil {
		slog.Error("Failed to log security event",
			"event_type", eventType,
			"user_id", userID,
			"error", err)
	}
}
