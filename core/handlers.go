package core

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// Request and Response Types

// SignUpResponse represents the response for user registration
type SignUpResponse struct {
	Token      string `json:"token,omitempty"`      // Session token for authentication
	User       *User  `json:"user,omitempty"`       // Created user information
	CSRFToken  string `json:"csrf_token,omitempty"` // Rotated CSRF token for the new session
	StatusCode int    `json:"-"`                    // HTTP status code (not serialized)
	Error      string `json:"error,omitempty"`      // Error message if any
	Code       string `json:"code,omitempty"`       // Machine-readable error code

	session *Session
}

// SignInResponse represents the response for user authentication
type SignInResponse struct {
	Token            string    `json:"token,omitempty"`              // Session token for authentication
	User             *User     `json:"user,omitempty"`               // Authenticated user information
	SessionID        string    `json:"session_id,omitempty"`         // Session identifier
	SessionExpiresAt time.Time `json:"session_expires_at,omitempty"` // When the session expires
	CSRFToken        string    `json:"csrf_token,omitempty"`         // Rotated CSRF token
	RetryAfter       int       `json:"-"`                            // Seconds until a locked-out client may retry
	StatusCode       int       `json:"-"`                            // HTTP status code (not serialized)
	Error            string    `json:"error,omitempty"`              // Error message if any
	Code             string    `json:"code,omitempty"`               // Machine-readable error code

	session *Session
}

// ValidateResponse represents the response for token validation
type ValidateResponse struct {
	User       *User  `json:"user,omitempty"`  // Validated user information
	StatusCode int    `json:"-"`               // HTTP status code (not serialized)
	Error      string `json:"error,omitempty"` // Error message if any
	Code       string `json:"code,omitempty"`
}

// OAuthResponse represents the response for OAuth operations
type OAuthResponse struct {
	URL        string `json:"url,omitempty"`         // OAuth authorization URL (for initial request)
	Token      string `json:"token,omitempty"`       // Session token (for callback)
	User       *User  `json:"user,omitempty"`        // User information (for callback)
	IsNewUser  bool   `json:"is_new_user,omitempty"` // Whether this is a new user registration
	CSRFToken  string `json:"csrf_token,omitempty"`
	StatusCode int    `json:"-"`               // HTTP status code (not serialized)
	Error      string `json:"error,omitempty"` // Error message if any
	Code       string `json:"code,omitempty"`

	session *Session
}

// SessionsResponse represents the response for user session listing
type SessionsResponse struct {
	Sessions         []*Session `json:"sessions"`                     // List of user sessions
	CurrentSessionID string     `json:"current_session_id,omitempty"` // Session making the request
	StatusCode       int        `json:"-"`                            // HTTP status code (not serialized)
	Error            string     `json:"error,omitempty"`              // Error message if any
	Code             string     `json:"code,omitempty"`
}

// MessageResponse is returned by operations that only report an outcome.
type MessageResponse struct {
	Message    string `json:"message,omitempty"`
	StatusCode int    `json:"-"`
	Error      string `json:"error,omitempty"`
	Code       string `json:"code,omitempty"`
}

// LogoutResponse represents the response for user logout
type LogoutResponse = MessageResponse

// CSRFTokenResponse carries the current CSRF token for script clients.
type CSRFTokenResponse struct {
	Token      string `json:"csrf_token,omitempty"`
	StatusCode int    `json:"-"`
	Error      string `json:"error,omitempty"`
	Code       string `json:"code,omitempty"`
}

// SecurityEventsResponse lists audit events.
type SecurityEventsResponse struct {
	Events     []*SecurityEvent `json:"events"`
	StatusCode int              `json:"-"`
	Error      string           `json:"error,omitempty"`
	Code       string           `json:"code,omitempty"`
}

func (a *AuthService) errorMessage(err error) MessageResponse {
	if KindOf(err) == KindInternal {
		slog.Error("Request failed", "error", err)
	}
	return MessageResponse{
		StatusCode: StatusCodeOf(err),
		Error:      PublicMessage(err, a.debug),
		Code:       KindOf(err).String(),
	}
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return NewValidationError("Invalid request format")
	}
	if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(dst); err != nil {
		slog.Debug("Failed to decode request", "path", r.URL.Path, "error", err)
		return &AuthError{Kind: KindValidation, Message: "Invalid request format", Cause: err}
	}
	return nil
}

// SignUpHandler processes user registration requests. The new user is signed
// in immediately.
func (a *AuthService) SignUpHandler(r *http.Request) SignUpResponse {
	rc := a.requestContext(r)

	var req RegisterInput
	if err := decodeJSON(r, &req); err != nil {
		e := a.errorMessage(err)
		return SignUpResponse{StatusCode: http.StatusBadRequest, Error: e.Error, Code: e.Code}
	}

	user, err := a.Register(r.Context(), rc, req)
	if err != nil {
		e := a.errorMessage(err)
		return SignUpResponse{StatusCode: e.StatusCode, Error: e.Error, Code: e.Code}
	}

	result, err := a.startSession(r.Context(), rc, user, false)
	if err != nil {
		e := a.errorMessage(err)
		return SignUpResponse{StatusCode: e.StatusCode, Error: e.Error, Code: e.Code}
	}

	return SignUpResponse{
		StatusCode: http.StatusCreated,
		Token:      result.Token,
		User:       result.User,
		CSRFToken:  result.CSRFToken,
		session:    result.Session,
	}
}

// SignInHandler processes user login requests
func (a *AuthService) SignInHandler(r *http.Request) SignInResponse {
	rc := a.requestContext(r)

	var req LoginInput
	if err := decodeJSON(r, &req); err != nil {
		e := a.errorMessage(err)
		return SignInResponse{StatusCode: http.StatusBadRequest, Error: e.Error, Code: e.Code}
	}

	result, err := a.Login(r.Context(), rc, req)
	if err != nil {
		e := a.errorMessage(err)
		resp := SignInResponse{StatusCode: e.StatusCode, Error: e.Error, Code: e.Code}
		if KindOf(err) == KindTooManyAttempts {
			resp.RetryAfter = int(a.securityConfig.LockoutWindow.Seconds())
		}
		return resp
	}

	return SignInResponse{
		StatusCode:       http.StatusOK,
		Token:            result.Token,
		User:             result.User,
		SessionID:        result.Session.ID,
		SessionExpiresAt: sessionExpiry(result.Session),
		CSRFToken:        result.CSRFToken,
		session:          result.Session,
	}
}

// ValidateHandler returns the signed-in user.
func (a *AuthService) ValidateHandler(r *http.Request) ValidateResponse {
	rc := a.requestContext(r)
	if !rc.IsAuthenticated() {
		return ValidateResponse{
			StatusCode: http.StatusUnauthorized,
			Error:      ErrUnauthenticated.Message,
			Code:       KindUnauthenticated.String(),
		}
	}

	return ValidateResponse{
		StatusCode: http.StatusOK,
		User:       rc.User,
	}
}

// LogoutHandler ends the current session.
func (a *AuthService) LogoutHandler(r *http.Request) LogoutResponse {
	rc := a.requestContext(r)
	if err := a.Logout(r.Context(), rc); err != nil {
		return a.errorMessage(err)
	}
	return LogoutResponse{
		StatusCode: http.StatusOK,
		Message:    "Logged out successfully",
	}
}

// LogoutAllHandler ends every session of the signed-in user.
func (a *AuthService) LogoutAllHandler(r *http.Request) LogoutResponse {
	rc := a.requestContext(r)
	n, err := a.LogoutEverywhere(r.Context(), rc)
	if err != nil {
		return a.errorMessage(err)
	}
	return LogoutResponse{
		StatusCode: http.StatusOK,
		Message:    "Logged out of " + strconv.FormatInt(n, 10) + " sessions",
	}
}

// GetSessionsHandler lists the signed-in user's sessions.
func (a *AuthService) GetSessionsHandler(r *http.Request) SessionsResponse {
	rc := a.requestContext(r)
	sessions, err := a.ListSessions(r.Context(), rc)
	if err != nil {
		e := a.errorMessage(err)
		return SessionsResponse{StatusCode: e.StatusCode, Error: e.Error, Code: e.Code}
	}
	return SessionsResponse{
		StatusCode:       http.StatusOK,
		Sessions:         sessions,
		CurrentSessionID: rc.Session.ID,
	}
}

// RevokeSessionHandler ends one of the signed-in user's sessions.
func (a *AuthService) RevokeSessionHandler(r *http.Request, sessionID string) MessageResponse {
	rc := a.requestContext(r)
	if err := a.RevokeSession(r.Context(), rc, sessionID); err != nil {
		return a.errorMessage(err)
	}
	return MessageResponse{
		StatusCode: http.StatusOK,
		Message:    "Session revoked",
	}
}

// ForgotPasswordHandler requests a password reset. The response does not
// reveal whether the email has an account.
func (a *AuthService) ForgotPasswordHandler(r *http.Request) MessageResponse {
	rc := a.requestContext(r)

	var req PasswordResetRequestInput
	if err := decodeJSON(r, &req); err != nil {
		return a.errorMessage(err)
	}

	message, err := a.RequestPasswordReset(r.Context(), rc, req)
	if err != nil {
		return a.errorMessage(err)
	}
	return MessageResponse{
		StatusCode: http.StatusOK,
		Message:    message,
	}
}

// ResetPasswordHandler completes a password reset.
func (a *AuthService) ResetPasswordHandler(r *http.Request) MessageResponse {
	rc := a.requestContext(r)

	var req ResetPasswordInput
	if err := decodeJSON(r, &req); err != nil {
		return a.errorMessage(err)
	}

	if err := a.ResetPassword(r.Context(), rc, req); err != nil {
		return a.errorMessage(err)
	}
	return MessageResponse{
		StatusCode: http.StatusOK,
		Message:    "Password has been reset. Please sign in with your new password.",
	}
}

// ChangePasswordHandler changes the signed-in user's password.
func (a *AuthService) ChangePasswordHandler(r *http.Request) MessageResponse {
	rc := a.requestContext(r)

	var req ChangePasswordInput
	if err := decodeJSON(r, &req); err != nil {
		return a.errorMessage(err)
	}

	if err := a.ChangePassword(r.Context(), rc, req); err != nil {
		return a.errorMessage(err)
	}
	return MessageResponse{
		StatusCode: http.StatusOK,
		Message:    "Password changed. Other sessions have been signed out.",
	}
}

// CSRFTokenHandler returns the current CSRF token, minting one if needed.
func (a *AuthService) CSRFTokenHandler(r *http.Request) CSRFTokenResponse {
	rc := a.requestContext(r)
	token, err := a.csrf.Token(rc.State)
	if err != nil {
		e := a.errorMessage(err)
		return CSRFTokenResponse{StatusCode: e.StatusCode, Error: e.Error, Code: e.Code}
	}
	return CSRFTokenResponse{
		StatusCode: http.StatusOK,
		Token:      token,
	}
}

// SecurityEventsHandler lists the signed-in user's audit events. Global
// admins may pass user_id to inspect another user.
func (a *AuthService) SecurityEventsHandler(r *http.Request) SecurityEventsResponse {
	rc := a.requestContext(r)
	if err := a.roles.RequireAuth(rc); err != nil {
		e := a.errorMessage(err)
		return SecurityEventsResponse{StatusCode: e.StatusCode, Error: e.Error, Code: e.Code}
	}

	query := r.URL.Query()
	userID := rc.User.ID
	if raw := query.Get("user_id"); raw != "" {
		if err := a.roles.RequireRole(r.Context(), rc, GlobalAdmin); err != nil {
			e := a.errorMessage(err)
			return SecurityEventsResponse{StatusCode: e.StatusCode, Error: e.Error, Code: e.Code}
		}
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return SecurityEventsResponse{
				StatusCode: http.StatusUnprocessableEntity,
				Error:      "user_id must be a number",
				Code:       KindValidation.String(),
			}
		}
		userID = uint(parsed)
	}

	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))

	events, err := a.ListSecurityEvents(r.Context(), &userID, query.Get("event_type"), limit, offset)
	if err != nil {
		e := a.errorMessage(err)
		return SecurityEventsResponse{StatusCode: e.StatusCode, Error: e.Error, Code: e.Code}
	}
	return SecurityEventsResponse{
		StatusCode: http.StatusOK,
		Events:     events,
	}
}
