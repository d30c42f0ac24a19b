package core

import (
	"time"

	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"
)

// Password hashing algorithms accepted by SecurityConfig.HashAlgorithm.
const (
	HashArgon2id = "argon2id"
	HashBcrypt   = "bcrypt"
)

// Argon2Params tunes Argon2id hashing.
type Argon2Params struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
	KeyLen  uint32
	SaltLen uint32
}

// SecurityConfig defines security-related configuration options
type SecurityConfig struct {
	// Password security
	PasswordMinLength      int
	PasswordRequireUpper   bool
	PasswordRequireLower   bool
	PasswordRequireNumber  bool
	PasswordRequireSpecial bool

	// Password hashing
	HashAlgorithm string // HashArgon2id or HashBcrypt
	Argon2        Argon2Params
	BcryptCost    int

	// Login security
	MaxLoginAttempts int           // Failed attempts within LockoutWindow before lockout
	LockoutWindow    time.Duration // Sliding window for counting failures
	AttemptRetention time.Duration // How long attempt rows are kept before sweeping

	PasswordResetTTL time.Duration

	// TrustProxyHeaders makes client IP extraction honor X-Forwarded-For and
	// X-Real-IP. Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool
}

// DefaultSecurityConfig returns a secure default configuration
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		PasswordMinLength:     8,
		PasswordRequireUpper:  true,
		PasswordRequireLower:  true,
		PasswordRequireNumber: true,
		HashAlgorithm:         HashArgon2id,
		Argon2: Argon2Params{
			Time:    3,
			Memory:  64 * 1024,
			Threads: 2,
			KeyLen:  32,
			SaltLen: 16,
		},
		BcryptCost:       12,
		MaxLoginAttempts: 5,
		LockoutWindow:    15 * time.Minute,
		AttemptRetention: 30 * 24 * time.Hour,
		PasswordResetTTL: time.Hour,
	}
}

// SessionConfig controls session lifetime and the session cookie.
type SessionConfig struct {
	CookieName         string
	CookieDomain       string
	SecureCookie       bool          // Force Secure even when the request did not arrive over TLS
	Lifetime           time.Duration // Default session lifetime
	RememberMeLifetime time.Duration // Lifetime when "remember me" is requested
	ActivityInterval   time.Duration // Minimum gap between last-activity writes
}

// DefaultSessionConfig returns the default session settings.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		CookieName:         "sanctuary_session",
		Lifetime:           24 * time.Hour,
		RememberMeLifetime: 30 * 24 * time.Hour,
		ActivityInterval:   time.Minute,
	}
}

// CSRFConfig controls CSRF tokens and the signed browser-state cookie that
// carries them.
type CSRFConfig struct {
	Secret        []byte        // HMAC key for the browser-state cookie
	TokenTTL      time.Duration // CSRF token lifetime
	CookieName    string
	FieldName     string
	HeaderName    string
	StateLifetime time.Duration // Upper bound on a browser-state cookie's age
	SecureCookie  bool          // Force Secure even when the request did not arrive over TLS
}

// DefaultCSRFConfig returns the default CSRF settings. Secret is left empty
// and generated at startup if not supplied.
func DefaultCSRFConfig() CSRFConfig {
	return CSRFConfig{
		TokenTTL:      time.Hour,
		CookieName:    "sanctuary_state",
		FieldName:     "csrf_token",
		HeaderName:    "X-CSRF-Token",
		StateLifetime: 24 * time.Hour,
	}
}

// RateLimitRule is a fixed-window limit.
type RateLimitRule struct {
	MaxRequests int
	Window      time.Duration
}

// Rate-limited actions.
const (
	ActionLogin         = "login"
	ActionRegister      = "register"
	ActionPasswordReset = "password_reset"
	ActionGeneral       = "general"
)

// RateLimitConfig holds the named limits applied by the HTTP layer.
type RateLimitConfig struct {
	Login         RateLimitRule
	Register      RateLimitRule
	PasswordReset RateLimitRule
	General       RateLimitRule
}

// DefaultRateLimitConfig returns the default limits.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Login:         RateLimitRule{MaxRequests: 10, Window: time.Minute},
		Register:      RateLimitRule{MaxRequests: 5, Window: time.Hour},
		PasswordReset: RateLimitRule{MaxRequests: 5, Window: time.Hour},
		General:       RateLimitRule{MaxRequests: 300, Window: time.Minute},
	}
}

// Rule returns the configured rule for an action.
func (c RateLimitConfig) Rule(action string) RateLimitRule {
	switch action {
	case ActionLogin:
		return c.Login
	case ActionRegister:
		return c.Register
	case ActionPasswordReset:
		return c.PasswordReset
	default:
		return c.General
	}
}

// Discord OAuth2 endpoints for Discord authentication integration
var (
	// DiscordAuthURL is the Discord OAuth2 authorization endpoint
	DiscordAuthURL = "https://discord.com/api/oauth2/authorize"
	// DiscordTokenURL is the Discord OAuth2 token endpoint
	DiscordTokenURL = "https://discord.com/api/oauth2/token"
)

// OAuthProviderConfig defines the configuration for an OAuth2 provider.
type OAuthProviderConfig struct {
	Kind         string   `json:"kind" toml:"kind"`                   // "google", "github" or "discord"; selects the user info parser
	ClientID     string   `json:"client_id" toml:"client_id"`         // OAuth2 client ID from provider
	ClientSecret string   `json:"client_secret" toml:"client_secret"` // OAuth2 client secret from provider
	RedirectURL  string   `json:"redirect_url" toml:"redirect_url"`   // Callback URL registered with provider
	AuthURL      string   `json:"auth_url" toml:"auth_url"`           // OAuth2 authorization endpoint
	TokenURL     string   `json:"token_url" toml:"token_url"`         // OAuth2 token endpoint
	UserInfoURL  string   `json:"user_info_url" toml:"user_info_url"` // Profile endpoint queried after exchange
	Scopes       []string `json:"scopes" toml:"scopes"`               // OAuth2 scopes to request
}

// NewGoogleOAuthProvider creates a Google OAuth provider configuration with defaults
func NewGoogleOAuthProvider(clientID, clientSecret, redirectURL string) OAuthProviderConfig {
	return OAuthProviderConfig{
		Kind:         "google",
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		AuthURL:      google.Endpoint.AuthURL,
		TokenURL:     google.Endpoint.TokenURL,
		UserInfoURL:  "https://www.googleapis.com/oauth2/v2/userinfo",
		Scopes:       []string{"https://www.googleapis.com/auth/userinfo.email", "https://www.googleapis.com/auth/userinfo.profile"},
	}
}

// NewGitHubOAuthProvider creates a GitHub OAuth provider configuration with defaults
func NewGitHubOAuthProvider(clientID, clientSecret, redirectURL string) OAuthProviderConfig {
	return OAuthProviderConfig{
		Kind:         "github",
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		AuthURL:      github.Endpoint.AuthURL,
		TokenURL:     github.Endpoint.TokenURL,
		UserInfoURL:  "https://api.github.com/user",
		Scopes:       []string{"user:email", "read:user"},
	}
}

// NewDiscordOAuthProvider creates a Discord OAuth provider configuration with defaults
func NewDiscordOAuthProvider(clientID, clientSecret, redirectURL string) OAuthProviderConfig {
	return OAuthProviderConfig{
		Kind:         "discord",
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		AuthURL:      DiscordAuthURL,
		TokenURL:     DiscordTokenURL,
		UserInfoURL:  "https://discord.com/api/users/@me",
		Scopes:       []string{"identify", "email"},
	}
}

// Config contains the configuration for the AuthService
type Config struct {
	Storage         Storage                        // Storage implementation (required)
	Counters        CounterStore                   // Rate limit counters; in-memory when nil
	SecurityConfig  SecurityConfig                 // Security configuration
	SessionConfig   SessionConfig                  // Session configuration
	CSRFConfig      CSRFConfig                     // CSRF configuration
	RateLimitConfig RateLimitConfig                // Named rate limits
	OAuthProviders  map[string]OAuthProviderConfig // OAuth provider configurations
	Metrics         *Metrics                       // Optional Prometheus metrics
	ResetNotifier   ResetNotifier                  // Delivers password reset tokens
	OnboardingURL   string                         // Redirect target when a user has no primary congregation
	Debug           bool                           // Expose internal error causes in responses
	Now             func() time.Time               // Clock; time.Now when nil
}

// withDefaults fills every zero field with its default.
func (c Config) withDefaults() Config {
	sec, secDef := &c.SecurityConfig, DefaultSecurityConfig()
	if sec.PasswordMinLength == 0 {
		sec.PasswordMinLength = secDef.PasswordMinLength
		sec.PasswordRequireUpper = secDef.PasswordRequireUpper
		sec.PasswordRequireLower = secDef.PasswordRequireLower
		sec.PasswordRequireNumber = secDef.PasswordRequireNumber
	}
	if sec.HashAlgorithm == "" {
		sec.HashAlgorithm = secDef.HashAlgorithm
	}
	if sec.Argon2.Time == 0 {
		sec.Argon2.Time = secDef.Argon2.Time
	}
	if sec.Argon2.Memory == 0 {
		sec.Argon2.Memory = secDef.Argon2.Memory
	}
	if sec.Argon2.Threads == 0 {
		sec.Argon2.Threads = secDef.Argon2.Threads
	}
	if sec.Argon2.KeyLen == 0 {
		sec.Argon2.KeyLen = secDef.Argon2.KeyLen
	}
	if sec.Argon2.SaltLen == 0 {
		sec.Argon2.SaltLen = secDef.Argon2.SaltLen
	}
	if sec.BcryptCost == 0 {
		sec.BcryptCost = secDef.BcryptCost
	}
	if sec.MaxLoginAttempts == 0 {
		sec.MaxLoginAttempts = secDef.MaxLoginAttempts
	}
	if sec.LockoutWindow == 0 {
		sec.LockoutWindow = secDef.LockoutWindow
	}
	if sec.AttemptRetention == 0 {
		sec.AttemptRetention = secDef.AttemptRetention
	}
	if sec.PasswordResetTTL == 0 {
		sec.PasswordResetTTL = secDef.PasswordResetTTL
	}

	sess, sessDef := &c.SessionConfig, DefaultSessionConfig()
	if sess.CookieName == "" {
		sess.CookieName = sessDef.CookieName
	}
	if sess.Lifetime == 0 {
		sess.Lifetime = sessDef.Lifetime
	}
	if sess.RememberMeLifetime == 0 {
		sess.RememberMeLifetime = sessDef.RememberMeLifetime
	}
	if sess.ActivityInterval == 0 {
		sess.ActivityInterval = sessDef.ActivityInterval
	}

	csrf, csrfDef := &c.CSRFConfig, DefaultCSRFConfig()
	if csrf.CookieName == "" {
		csrf.CookieName = csrfDef.CookieName
	}
	if csrf.TokenTTL == 0 {
		csrf.TokenTTL = csrfDef.TokenTTL
	}
	if csrf.FieldName == "" {
		csrf.FieldName = csrfDef.FieldName
	}
	if csrf.HeaderName == "" {
		csrf.HeaderName = csrfDef.HeaderName
	}
	if csrf.StateLifetime == 0 {
		csrf.StateLifetime = csrfDef.StateLifetime
	}

	rl, rlDef := &c.RateLimitConfig, DefaultRateLimitConfig()
	if rl.Login.MaxRequests == 0 {
		rl.Login = rlDef.Login
	}
	if rl.Register.MaxRequests == 0 {
		rl.Register = rlDef.Register
	}
	if rl.PasswordReset.MaxRequests == 0 {
		rl.PasswordReset = rlDef.PasswordReset
	}
	if rl.General.MaxRequests == 0 {
		rl.General = rlDef.General
	}

	if c.OnboardingURL == "" {
		c.OnboardingURL = "/onboarding"
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
