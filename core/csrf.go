package core

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// BrowserState is the small amount of per-browser state kept client side in a
// signed cookie: the CSRF token and any pending OAuth state.
type BrowserState struct {
	CSRFToken      string
	CSRFExpiresAt  time.Time
	OAuthState     string
	OAuthProvider  string
	OAuthExpiresAt time.Time

	dirty bool
}

// Dirty reports whether the state changed and must be written back.
func (s *BrowserState) Dirty() bool {
	return s != nil && s.dirty
}

type browserStateClaims struct {
	CSRFToken      string `json:"csrf,omitempty"`
	CSRFExpiresAt  int64  `json:"csrf_exp,omitempty"`
	OAuthState     string `json:"oauth_state,omitempty"`
	OAuthProvider  string `json:"oauth_provider,omitempty"`
	OAuthExpiresAt int64  `json:"oauth_exp,omitempty"`
	jwt.RegisteredClaims
}

const browserStateIssuer = "sanctuary"

// BrowserStateCodec signs and verifies the browser-state cookie with HS256.
type BrowserStateCodec struct {
	secret     []byte
	config     CSRFConfig
	now        func() time.Time
	trustProxy bool
}

// NewBrowserStateCodec creates a codec using config.Secret as the HMAC key.
func NewBrowserStateCodec(config CSRFConfig, now func() time.Time) *BrowserStateCodec {
	if now == nil {
		now = time.Now
	}
	return &BrowserStateCodec{secret: config.Secret, config: config, now: now}
}

// Encode serializes and signs state.
func (c *BrowserStateCodec) Encode(state *BrowserState) (string, error) {
	now := c.now()
	claims := browserStateClaims{
		CSRFToken:     state.CSRFToken,
		OAuthState:    state.OAuthState,
		OAuthProvider: state.OAuthProvider,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    browserStateIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.config.StateLifetime)),
		},
	}
	if !state.CSRFExpiresAt.IsZero() {
		claims.CSRFExpiresAt = state.CSRFExpiresAt.Unix()
	}
	if !state.OAuthExpiresAt.IsZero() {
		claims.OAuthExpiresAt = state.OAuthExpiresAt.Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign browser state: %w", err)
	}
	return signed, nil
}

// Decode verifies value and returns the state it carries.
func (c *BrowserStateCodec) Decode(value string) (*BrowserState, error) {
	claims := &browserStateClaims{}
	_, err := jwt.ParseWithClaims(value, claims, func(token *jwt.Token) (interface{}, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(browserStateIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to verify browser state: %w", err)
	}

	state := &BrowserState{
		CSRFToken:     claims.CSRFToken,
		OAuthState:    claims.OAuthState,
		OAuthProvider: claims.OAuthProvider,
	}
	if claims.CSRFExpiresAt != 0 {
		state.CSRFExpiresAt = time.Unix(claims.CSRFExpiresAt, 0)
	}
	if claims.OAuthExpiresAt != 0 {
		state.OAuthExpiresAt = time.Unix(claims.OAuthExpiresAt, 0)
	}
	return state, nil
}

// Load reads the browser state from r. A missing, tampered or expired cookie
// yields an empty state.
func (c *BrowserStateCodec) Load(r *http.Request) *BrowserState {
	cookie, err := r.Cookie(c.config.CookieName)
	if err != nil || cookie.Value == "" {
		return &BrowserState{}
	}
	state, err := c.Decode(cookie.Value)
	if err != nil {
		slog.Debug("Discarding invalid browser state", "error", err)
		return &BrowserState{dirty: true}
	}
	return state
}

// Save writes state to w as a browser-session cookie and clears the dirty flag.
func (c *BrowserStateCodec) Save(w http.ResponseWriter, r *http.Request, state *BrowserState) error {
	value, err := c.Encode(state)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     c.config.CookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   c.config.SecureCookie || isHTTPS(r, c.trustProxy),
		SameSite: http.SameSiteLaxMode,
	})
	state.dirty = false
	return nil
}

// CSRFGuard issues and checks synchronizer tokens for state-changing requests.
type CSRFGuard struct {
	config  CSRFConfig
	audit   *auditLogger
	metrics *Metrics
	now     func() time.Time
}

// NewCSRFGuard creates a guard.
func NewCSRFGuard(config CSRFConfig, audit *auditLogger, metrics *Metrics, now func() time.Time) *CSRFGuard {
	if now == nil {
		now = time.Now
	}
	return &CSRFGuard{config: config, audit: audit, metrics: metrics, now: now}
}

// Token returns the current CSRF token, minting a new one when none exists or
// the existing one has expired.
func (g *CSRFGuard) Token(state *BrowserState) (string, error) {
	if state.CSRFToken != "" && g.now().Before(state.CSRFExpiresAt) {
		return state.CSRFToken, nil
	}
	return g.Refresh(state)
}

// Refresh unconditionally replaces the token. Call it after login so a token
// observed before authentication cannot be replayed.
func (g *CSRFGuard) Refresh(state *BrowserState) (string, error) {
	token, err := generateSecureToken(tokenBytes)
	if err != nil {
		return "", internalError("generate csrf token", err)
	}
	state.CSRFToken = token
	state.CSRFExpiresAt = g.now().Add(g.config.TokenTTL)
	state.dirty = true
	return token, nil
}

// Validate reports whether presented matches the stored, unexpired token.
// The comparison is constant time.
func (g *CSRFGuard) Validate(state *BrowserState, presented string) bool {
	if state == nil || state.CSRFToken == "" || presented == "" {
		return false
	}
	if !g.now().Before(state.CSRFExpiresAt) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(state.CSRFToken), []byte(presented)) == 1
}

// Require validates presented against rc's browser state and returns
// ErrCSRFMismatch on failure. Failures are logged with client IP and path.
func (g *CSRFGuard) Require(ctx context.Context, rc *RequestContext, presented string) error {
	if g.Validate(rc.State, presented) {
		return nil
	}

	slog.Warn("CSRF token mismatch",
		"ip", rc.Meta.IPAddress,
		"path", rc.Meta.Path,
		"token_present", presented != "")
	g.metrics.csrfRejected()

	var userID *uint
	if rc.IsAuthenticated() {
		id := rc.User.ID
		userID = &id
	}
	g.audit.record(ctx, userID, EventCSRFRejected, "CSRF token rejected for "+rc.Meta.Path, rc.Meta, false)
	return ErrCSRFMismatch
}

// PresentedToken extracts the token sent with r from the header or form field.
func (g *CSRFGuard) PresentedToken(r *http.Request) string {
	if token := r.Header.Get(g.config.HeaderName); token != "" {
		return token
	}
	return r.PostFormValue(g.config.FieldName)
}

// HiddenField renders an HTML hidden input carrying the token.
func (g *CSRFGuard) HiddenField(token string) string {
	return fmt.Sprintf(`<input type="hidden" name="%s" value="%s">`, html.EscapeString(g.config.FieldName), html.EscapeString(token))
}

// MetaTag renders an HTML meta tag carrying the token for scripts.
func (g *CSRFGuard) MetaTag(token string) string {
	return fmt.Sprintf(`<meta name="csrf-token" content="%s">`, html.EscapeString(token))
}

// isStateChanging reports whether method requires CSRF validation.
func isStateChanging(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	}
	return true
}

var errMissingSecret = errors.New("csrf secret must be at least 32 bytes")
