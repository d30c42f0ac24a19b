package core

import (
	"context"
	"log/slog"
	"time"
)

// LoginThrottle enforces the failed-login lockout. Failures are counted over a
// sliding window across rows matching the email OR the client IP, so spraying
// one account from many IPs and one IP across many accounts both trip it.
type LoginThrottle struct {
	attempts    LoginAttemptRepository
	maxAttempts int
	window      time.Duration
	now         func() time.Time
}

// NewLoginThrottle creates a throttle that locks out after maxAttempts
// failures within window.
func NewLoginThrottle(attempts LoginAttemptRepository, maxAttempts int, window time.Duration, now func() time.Time) *LoginThrottle {
	if now == nil {
		now = time.Now
	}
	return &LoginThrottle{
		attempts:    attempts,
		maxAttempts: maxAttempts,
		window:      window,
		now:         now,
	}
}

// FailureCount returns failures in the current window matching email or ip.
func (t *LoginThrottle) FailureCount(ctx context.Context, email, ip string) (int, error) {
	count, err := t.attempts.CountFailedLoginAttempts(ctx, normalizeEmail(email), ip, t.now().Add(-t.window))
	if err != nil {
		return 0, internalError("count failed login attempts", err)
	}
	return count, nil
}

// Check returns ErrTooManyAttempts when the lockout threshold is reached. It
// must run before any credential lookup.
func (t *LoginThrottle) Check(ctx context.Context, email, ip string) error {
	count, err := t.FailureCount(ctx, email, ip)
	if err != nil {
		return err
	}
	if count >= t.maxAttempts {
		slog.Warn("Login locked out", "email", normalizeEmail(email), "ip", ip, "failures", count)
		return ErrTooManyAttempts
	}
	return nil
}

// RecordFailure appends a failed attempt.
func (t *LoginThrottle) RecordFailure(ctx context.Context, email string, meta RequestMeta) error {
	return t.record(ctx, email, meta, false)
}

// RecordSuccess appends a successful attempt and clears prior failures for
// the email. Failures against other accounts from the same IP are kept, so a
// valid login cannot reset someone else's lockout.
func (t *LoginThrottle) RecordSuccess(ctx context.Context, email string, meta RequestMeta) error {
	if err := t.record(ctx, email, meta, true); err != nil {
		return err
	}
	if err := t.attempts.ClearFailedLoginAttempts(ctx, normalizeEmail(email)); err != nil {
		return internalError("clear failed login attempts", err)
	}
	return nil
}

// Prune deletes attempts older than retention.
func (t *LoginThrottle) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	return t.attempts.DeleteLoginAttemptsBefore(ctx, t.now().Add(-retention))
}

func (t *LoginThrottle) record(ctx context.Context, email string, meta RequestMeta, success bool) error {
	attempt := &LoginAttempt{
		Email:       normalizeEmail(email),
		IPAddress:   meta.IPAddress,
		UserAgent:   meta.UserAgent,
		Success:     success,
		AttemptedAt: t.now(),
	}
	if err := t.attempts.RecordLoginAttempt(ctx, attempt); err != nil {
		return internalError("record login attempt", err)
	}
	return nil
}
