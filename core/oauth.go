package core

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// oauthStateTTL bounds how long a user may take at the provider.
const oauthStateTTL = 10 * time.Minute

// OAuthUser represents user information from OAuth providers
type OAuthUser struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Username  string `json:"username,omitempty"`
}

// OAuthStart begins an authorization-code flow. The state parameter is kept
// in the signed browser state and returned URL sends the user to the provider.
func (a *AuthService) OAuthStart(rc *RequestContext, provider string) (string, error) {
	oauthConfig, exists := a.oauthConfigs[provider]
	if !exists {
		slog.Debug("Unsupported OAuth provider", "provider", provider)
		return "", ErrInvalidProvider
	}

	stateToken, err := generateSecureToken(tokenBytes)
	if err != nil {
		return "", internalError("generate oauth state", err)
	}

	rc.State.OAuthState = stateToken
	rc.State.OAuthProvider = provider
	rc.State.OAuthExpiresAt = a.now().Add(oauthStateTTL)
	rc.State.dirty = true

	slog.Debug("OAuth flow initiated", "provider", provider)
	return oauthConfig.AuthCodeURL(stateToken), nil
}

// OAuthCallback completes the flow: it checks state, exchanges code, loads
// the provider profile and signs the matching user in, creating an account
// on first use. The second return value reports whether the user is new.
func (a *AuthService) OAuthCallback(ctx context.Context, rc *RequestContext, provider, state, code string) (*LoginResult, bool, error) {
	oauthConfig, exists := a.oauthConfigs[provider]
	if !exists {
		return nil, false, ErrInvalidProvider
	}

	expected, expectedProvider, expiresAt := rc.State.OAuthState, rc.State.OAuthProvider, rc.State.OAuthExpiresAt
	rc.State.OAuthState, rc.State.OAuthProvider, rc.State.OAuthExpiresAt = "", "", time.Time{}
	rc.State.dirty = true

	if expected == "" || state == "" || expectedProvider != provider ||
		subtle.ConstantTimeCompare([]byte(expected), []byte(state)) != 1 ||
		!a.now().Before(expiresAt) {
		slog.Warn("OAuth state mismatch", "provider", provider, "ip", rc.Meta.IPAddress)
		a.logSecurityEvent(ctx, nil, EventOAuthLogin, "OAuth state rejected for "+provider, rc.Meta, false)
		return nil, false, ErrInvalidOrExpiredToken
	}
	if code == "" {
		return nil, false, NewValidationError("authorization code is required")
	}

	token, err := oauthConfig.Exchange(ctx, code)
	if err != nil {
		slog.Error("Failed to exchange OAuth code", "provider", provider, "error", err)
		return nil, false, &AuthError{Kind: KindInvalidCredentials, Message: "OAuth sign-in failed", Cause: err}
	}

	client := oauthConfig.Client(ctx, token)
	profile, err := a.fetchOAuthUserInfo(ctx, client, a.oauthProviders[provider])
	if err != nil {
		return nil, false, internalError("fetch oauth user info", err)
	}
	if profile.Email == "" || profile.ID == "" {
		return nil, false, NewValidationError("The provider did not return a verified email address")
	}

	user, isNew, err := a.findOrCreateOAuthUser(ctx, provider, profile)
	if err != nil {
		return nil, false, err
	}
	if !user.IsActive() {
		a.logSecurityEvent(ctx, &user.ID, EventOAuthLogin, "OAuth login rejected: account "+string(user.Status), rc.Meta, false)
		return nil, false, accountNotActiveError(user.Status)
	}

	result, err := a.startSession(ctx, rc, user, false)
	if err != nil {
		return nil, false, err
	}

	a.metrics.login("success")
	a.logSecurityEvent(ctx, &user.ID, EventOAuthLogin, "User logged in with "+provider, rc.Meta, true)
	return result, isNew, nil
}

func (a *AuthService) findOrCreateOAuthUser(ctx context.Context, provider string, profile *OAuthUser) (*User, bool, error) {
	email := normalizeEmail(profile.Email)
	user, err := a.storage.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, false, internalError("get user by email", err)
	}
	if user != nil {
		return user, false, nil
	}

	name := strings.TrimSpace(profile.Name)
	if name == "" {
		name = profile.Username
	}

	now := a.now()
	user = &User{
		UUID:       uuid.NewString(),
		Email:      email,
		Name:       name,
		Provider:   provider,
		ProviderID: profile.ID,
		Status:     UserStatusActive,
		GlobalRole: GlobalUser,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := a.storage.CreateUser(ctx, user); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			return nil, false, ErrEmailTaken
		}
		return nil, false, internalError("create oauth user", err)
	}
	return user, true, nil
}
