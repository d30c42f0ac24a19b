package core

import (
	"context"
	"log/slog"
	"time"
)

// passwordResetMessage is returned whether or not the email has an account.
const passwordResetMessage = "If an account exists for that email, a password reset link has been sent."

// ResetNotifier delivers a plaintext reset token to the account owner,
// typically by email. It is the only place the plaintext token leaves the
// service.
type ResetNotifier interface {
	SendPasswordReset(ctx context.Context, user *User, token string, expiresAt time.Time) error
}

// ResetNotifierFunc adapts a function to ResetNotifier.
type ResetNotifierFunc func(ctx context.Context, user *User, token string, expiresAt time.Time) error

// SendPasswordReset calls f.
func (f ResetNotifierFunc) SendPasswordReset(ctx context.Context, user *User, token string, expiresAt time.Time) error {
	return f(ctx, user, token, expiresAt)
}

// logResetNotifier is used when no notifier is configured. It records that a
// reset was issued without logging the token.
type logResetNotifier struct{}

func (logResetNotifier) SendPasswordReset(_ context.Context, user *User, _ string, expiresAt time.Time) error {
	slog.Warn("Password reset issued but no notifier is configured", "user_id", user.ID, "expires_at", expiresAt)
	return nil
}

// PasswordResetRequestInput asks for a reset link.
type PasswordResetRequestInput struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

// ResetPasswordInput completes a reset.
type ResetPasswordInput struct {
	Token    string `json:"token" validate:"required"`
	Password string `json:"password" validate:"required,max=128"`
}

// RequestPasswordReset issues a single-use reset token for email and hands it
// to the notifier. The result is identical whether or not the account exists,
// and both paths generate and hash a token so their cost is similar. Only one
// outstanding token exists per user.
func (a *AuthService) RequestPasswordReset(ctx context.Context, rc *RequestContext, in PasswordResetRequestInput) (string, error) {
	if err := a.validate(in); err != nil {
		return "", err
	}
	email := normalizeEmail(in.Email)

	token, err := generateSecureToken(tokenBytes)
	if err != nil {
		return "", internalError("generate reset token", err)
	}
	tokenHash := hashToken(token)

	user, err := a.storage.GetUserByEmail(ctx, email)
	if err != nil {
		slog.Error("Failed to look up user for password reset", "error", err)
		return passwordResetMessage, nil
	}
	if user == nil {
		a.metrics.passwordReset("unknown_email")
		a.logSecurityEvent(ctx, nil, EventPasswordResetSent, "Password reset requested for unknown email", rc.Meta, false)
		return passwordResetMessage, nil
	}

	now := a.now()
	resetToken := &PasswordResetToken{
		UserID:    user.ID,
		TokenHash: tokenHash,
		ExpiresAt: now.Add(a.securityConfig.PasswordResetTTL),
		CreatedAt: now,
	}

	err = a.storage.WithTx(ctx, func(tx Storage) error {
		if err := tx.DeleteUserPasswordResetTokens(ctx, user.ID); err != nil {
			return err
		}
		return tx.CreatePasswordResetToken(ctx, resetToken)
	})
	if err != nil {
		slog.Error("Failed to store password reset token", "user_id", user.ID, "error", err)
		return passwordResetMessage, nil
	}

	if err := a.notifier.SendPasswordReset(ctx, user.Sanitized(), token, resetToken.ExpiresAt); err != nil {
		slog.Error("Failed to deliver password reset", "user_id", user.ID, "error", err)
	}

	a.metrics.passwordReset("requested")
	a.logSecurityEvent(ctx, &user.ID, EventPasswordResetSent, "Password reset requested", rc.Meta, true)
	return passwordResetMessage, nil
}

// ResetPassword consumes a reset token and sets a new password. Consuming the
// token, updating the hash and ending every session of the user happen in one
// transaction; a token can only ever be used once.
func (a *AuthService) ResetPassword(ctx context.Context, rc *RequestContext, in ResetPasswordInput) error {
	if err := a.validate(in); err != nil {
		return err
	}
	if !wellFormedToken(in.Token) {
		return ErrInvalidOrExpiredToken
	}
	if err := validatePasswordStrength(in.Password, a.securityConfig); err != nil {
		return err
	}

	hash, err := a.hasher.Hash(in.Password)
	if err != nil {
		return internalError("hash password", err)
	}

	now := a.now()
	var userID uint
	err = a.storage.WithTx(ctx, func(tx Storage) error {
		resetToken, err := tx.GetPasswordResetToken(ctx, hashToken(in.Token))
		if err != nil {
			return internalError("get reset token", err)
		}
		if resetToken == nil || !now.Before(resetToken.ExpiresAt) {
			return ErrInvalidOrExpiredToken
		}

		deleted, err := tx.DeletePasswordResetToken(ctx, resetToken.ID)
		if err != nil {
			return internalError("consume reset token", err)
		}
		if !deleted {
			return ErrInvalidOrExpiredToken
		}

		if err := tx.UpdatePassword(ctx, resetToken.UserID, hash, now); err != nil {
			return internalError("update password", err)
		}
		if _, err := tx.DeleteUserSessions(ctx, resetToken.UserID); err != nil {
			return internalError("delete user sessions", err)
		}
		userID = resetToken.UserID
		return nil
	})
	if err != nil {
		if KindOf(err) == KindInvalidOrExpiredToken {
			a.metrics.passwordReset("rejected")
			a.logSecurityEvent(ctx, nil, EventPasswordReset, "Password reset rejected: invalid or expired token", rc.Meta, false)
		}
		return err
	}

	if rc.IsAuthenticated() && rc.User.ID == userID {
		rc.clearIdentity()
	}

	a.metrics.passwordReset("completed")
	a.logSecurityEvent(ctx, &userID, EventPasswordReset, "Password reset completed", rc.Meta, true)
	return nil
}
