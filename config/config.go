// Package config loads application settings from a TOML file with
// SANCTUARY_* environment overrides and converts them to core settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/wispberry-tech/sanctuary/core"
)

// Config is the complete application configuration.
type Config struct {
	Server    ServerConfig                  `toml:"server"`
	Database  DatabaseConfig                `toml:"database"`
	Redis     RedisConfig                   `toml:"redis"`
	Session   SessionConfig                 `toml:"session"`
	CSRF      CSRFConfig                    `toml:"csrf"`
	Security  SecurityConfig                `toml:"security"`
	RateLimit RateLimitConfig               `toml:"rate_limit"`
	OAuth     map[string]OAuthProviderEntry `toml:"oauth"`
	Logging   LoggingConfig                 `toml:"logging"`
	Sweeper   SweeperConfig                 `toml:"sweeper"`
	Metrics   MetricsConfig                 `toml:"metrics"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr              string        `toml:"addr"`
	BaseURL           string        `toml:"base_url"`
	OnboardingURL     string        `toml:"onboarding_url"`
	ShutdownTimeout   time.Duration `toml:"shutdown_timeout"`
	ReadHeaderTimeout time.Duration `toml:"read_header_timeout"`
	TrustProxyHeaders bool          `toml:"trust_proxy_headers"`
	Debug             bool          `toml:"debug"`
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	Driver string `toml:"driver"` // "sqlite" or "postgres"
	DSN    string `toml:"dsn"`    // file path for sqlite, connection string for postgres
}

// RedisConfig enables shared rate limit counters. Empty Addr keeps counters
// in process memory.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
}

// SessionConfig mirrors core.SessionConfig.
type SessionConfig struct {
	CookieName         string        `toml:"cookie_name"`
	CookieDomain       string        `toml:"cookie_domain"`
	SecureCookie       bool          `toml:"secure_cookie"`
	Lifetime           time.Duration `toml:"lifetime"`
	RememberMeLifetime time.Duration `toml:"remember_me_lifetime"`
	ActivityInterval   time.Duration `toml:"activity_interval"`
}

// CSRFConfig mirrors core.CSRFConfig. Secret must be at least 32 bytes.
type CSRFConfig struct {
	Secret     string        `toml:"secret"`
	TokenTTL   time.Duration `toml:"token_ttl"`
	CookieName string        `toml:"cookie_name"`
}

// SecurityConfig mirrors the tunable parts of core.SecurityConfig.
type SecurityConfig struct {
	HashAlgorithm         string        `toml:"hash_algorithm"`
	PasswordMinLength     int           `toml:"password_min_length"`
	PasswordRequireUpper  bool          `toml:"password_require_upper"`
	PasswordRequireLower  bool          `toml:"password_require_lower"`
	PasswordRequireNumber bool          `toml:"password_require_number"`
	MaxLoginAttempts      int           `toml:"max_login_attempts"`
	LockoutWindow         time.Duration `toml:"lockout_window"`
	AttemptRetention      time.Duration `toml:"attempt_retention"`
	PasswordResetTTL      time.Duration `toml:"password_reset_ttl"`
}

// RateLimitRule is a fixed-window limit.
type RateLimitRule struct {
	Max    int           `toml:"max"`
	Window time.Duration `toml:"window"`
}

// RateLimitConfig holds the per-action limits.
type RateLimitConfig struct {
	Login         RateLimitRule `toml:"login"`
	Register      RateLimitRule `toml:"register"`
	PasswordReset RateLimitRule `toml:"password_reset"`
	General       RateLimitRule `toml:"general"`
}

// OAuthProviderEntry configures one OAuth provider. The table key selects
// google, github or discord defaults.
type OAuthProviderEntry struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	RedirectURL  string `toml:"redirect_url"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // json or text
}

// SweeperConfig configures the expired-row sweeper.
type SweeperConfig struct {
	Interval time.Duration `toml:"interval"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	sec := core.DefaultSecurityConfig()
	sess := core.DefaultSessionConfig()
	csrf := core.DefaultCSRFConfig()
	limits := core.DefaultRateLimitConfig()

	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			BaseURL:           "http://localhost:8080",
			OnboardingURL:     "/onboarding",
			ShutdownTimeout:   15 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: core.DatabaseSQLite,
			DSN:    "sanctuary.db",
		},
		Redis: RedisConfig{
			Prefix: "sanctuary:",
		},
		Session: SessionConfig{
			CookieName:         sess.CookieName,
			Lifetime:           sess.Lifetime,
			RememberMeLifetime: sess.RememberMeLifetime,
			ActivityInterval:   sess.ActivityInterval,
		},
		CSRF: CSRFConfig{
			TokenTTL:   csrf.TokenTTL,
			CookieName: csrf.CookieName,
		},
		Security: SecurityConfig{
			HashAlgorithm:         sec.HashAlgorithm,
			PasswordMinLength:     sec.PasswordMinLength,
			PasswordRequireUpper:  sec.PasswordRequireUpper,
			PasswordRequireLower:  sec.PasswordRequireLower,
			PasswordRequireNumber: sec.PasswordRequireNumber,
			MaxLoginAttempts:      sec.MaxLoginAttempts,
			LockoutWindow:         sec.LockoutWindow,
			AttemptRetention:      sec.AttemptRetention,
			PasswordResetTTL:      sec.PasswordResetTTL,
		},
		RateLimit: RateLimitConfig{
			Login:         fromCoreRule(limits.Login),
			Register:      fromCoreRule(limits.Register),
			PasswordReset: fromCoreRule(limits.PasswordReset),
			General:       fromCoreRule(limits.General),
		},
		OAuth: map[string]OAuthProviderEntry{},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Sweeper: SweeperConfig{
			Interval: 10 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

func fromCoreRule(rule core.RateLimitRule) RateLimitRule {
	return RateLimitRule{Max: rule.MaxRequests, Window: rule.Window}
}

// Load reads path (if not empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides applies SANCTUARY_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	c.Server.Addr = getEnvString("SANCTUARY_ADDR", c.Server.Addr)
	c.Server.BaseURL = getEnvString("SANCTUARY_BASE_URL", c.Server.BaseURL)
	c.Server.OnboardingURL = getEnvString("SANCTUARY_ONBOARDING_URL", c.Server.OnboardingURL)
	c.Server.TrustProxyHeaders = getEnvBool("SANCTUARY_TRUST_PROXY_HEADERS", c.Server.TrustProxyHeaders)
	c.Server.Debug = getEnvBool("SANCTUARY_DEBUG", c.Server.Debug)

	c.Database.Driver = getEnvString("SANCTUARY_DATABASE_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnvString("SANCTUARY_DATABASE_DSN", c.Database.DSN)

	c.Redis.Addr = getEnvString("SANCTUARY_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnvString("SANCTUARY_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("SANCTUARY_REDIS_DB", c.Redis.DB)

	c.Session.SecureCookie = getEnvBool("SANCTUARY_SECURE_COOKIE", c.Session.SecureCookie)
	c.Session.CookieDomain = getEnvString("SANCTUARY_COOKIE_DOMAIN", c.Session.CookieDomain)
	c.Session.Lifetime = getEnvDuration("SANCTUARY_SESSION_LIFETIME", c.Session.Lifetime)

	c.CSRF.Secret = getEnvString("SANCTUARY_CSRF_SECRET", c.CSRF.Secret)

	c.Logging.Level = getEnvString("SANCTUARY_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnvString("SANCTUARY_LOG_FORMAT", c.Logging.Format)

	for _, provider := range []string{"google", "github", "discord"} {
		prefix := "SANCTUARY_" + strings.ToUpper(provider) + "_"
		clientID := os.Getenv(prefix + "CLIENT_ID")
		if clientID == "" {
			continue
		}
		if c.OAuth == nil {
			c.OAuth = map[string]OAuthProviderEntry{}
		}
		entry := c.OAuth[provider]
		entry.ClientID = clientID
		entry.ClientSecret = getEnvString(prefix+"CLIENT_SECRET", entry.ClientSecret)
		entry.RedirectURL = getEnvString(prefix+"REDIRECT_URL", entry.RedirectURL)
		c.OAuth[provider] = entry
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case core.DatabaseSQLite, core.DatabasePostgres:
	default:
		errs = append(errs, fmt.Errorf("database.driver must be %q or %q, got %q",
			core.DatabaseSQLite, core.DatabasePostgres, c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.CSRF.Secret != "" && len(c.CSRF.Secret) < 32 {
		errs = append(errs, errors.New("csrf.secret must be at least 32 bytes"))
	}
	switch c.Security.HashAlgorithm {
	case core.HashArgon2id, core.HashBcrypt:
	default:
		errs = append(errs, fmt.Errorf("security.hash_algorithm must be %q or %q",
			core.HashArgon2id, core.HashBcrypt))
	}
	if c.Security.MaxLoginAttempts <= 0 {
		errs = append(errs, errors.New("security.max_login_attempts must be positive"))
	}
	if c.Session.Lifetime <= 0 || c.Session.RememberMeLifetime <= 0 {
		errs = append(errs, errors.New("session lifetimes must be positive"))
	}
	for name, rule := range map[string]RateLimitRule{
		"login":          c.RateLimit.Login,
		"register":       c.RateLimit.Register,
		"password_reset": c.RateLimit.PasswordReset,
		"general":        c.RateLimit.General,
	} {
		if rule.Max <= 0 || rule.Window <= 0 {
			errs = append(errs, fmt.Errorf("rate_limit.%s needs a positive max and window", name))
		}
	}
	for name, entry := range c.OAuth {
		switch name {
		case "google", "github", "discord":
		default:
			errs = append(errs, fmt.Errorf("oauth.%s: unsupported provider", name))
			continue
		}
		if entry.ClientID == "" || entry.ClientSecret == "" {
			errs = append(errs, fmt.Errorf("oauth.%s: client_id and client_secret are required", name))
		}
	}
	if c.Sweeper.Interval <= 0 {
		errs = append(errs, errors.New("sweeper.interval must be positive"))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// SecurityConfig returns the core security settings.
func (c *Config) SecurityConfig() core.SecurityConfig {
	sec := core.DefaultSecurityConfig()
	sec.HashAlgorithm = c.Security.HashAlgorithm
	sec.PasswordMinLength = c.Security.PasswordMinLength
	sec.PasswordRequireUpper = c.Security.PasswordRequireUpper
	sec.PasswordRequireLower = c.Security.PasswordRequireLower
	sec.PasswordRequireNumber = c.Security.PasswordRequireNumber
	sec.MaxLoginAttempts = c.Security.MaxLoginAttempts
	sec.LockoutWindow = c.Security.LockoutWindow
	sec.AttemptRetention = c.Security.AttemptRetention
	sec.PasswordResetTTL = c.Security.PasswordResetTTL
	sec.TrustProxyHeaders = c.Server.TrustProxyHeaders
	return sec
}

// SessionConfig returns the core session settings.
func (c *Config) SessionConfig() core.SessionConfig {
	return core.SessionConfig{
		CookieName:         c.Session.CookieName,
		CookieDomain:       c.Session.CookieDomain,
		SecureCookie:       c.Session.SecureCookie || strings.HasPrefix(c.Server.BaseURL, "https://"),
		Lifetime:           c.Session.Lifetime,
		RememberMeLifetime: c.Session.RememberMeLifetime,
		ActivityInterval:   c.Session.ActivityInterval,
	}
}

// CSRFConfig returns the core CSRF settings.
func (c *Config) CSRFConfig() core.CSRFConfig {
	csrf := core.DefaultCSRFConfig()
	if c.CSRF.Secret != "" {
		csrf.Secret = []byte(c.CSRF.Secret)
	}
	if c.CSRF.TokenTTL > 0 {
		csrf.TokenTTL = c.CSRF.TokenTTL
	}
	if c.CSRF.CookieName != "" {
		csrf.CookieName = c.CSRF.CookieName
	}
	csrf.SecureCookie = c.SessionConfig().SecureCookie
	return csrf
}

// RateLimitConfig returns the core rate limits.
func (c *Config) RateLimitConfig() core.RateLimitConfig {
	toCore := func(rule RateLimitRule) core.RateLimitRule {
		return core.RateLimitRule{MaxRequests: rule.Max, Window: rule.Window}
	}
	return core.RateLimitConfig{
		Login:         toCore(c.RateLimit.Login),
		Register:      toCore(c.RateLimit.Register),
		PasswordReset: toCore(c.RateLimit.PasswordReset),
		General:       toCore(c.RateLimit.General),
	}
}

// OAuthProviders returns the configured providers with their default
// endpoints. A missing redirect URL is derived from the base URL.
func (c *Config) OAuthProviders(mountPath string) map[string]core.OAuthProviderConfig {
	providers := make(map[string]core.OAuthProviderConfig, len(c.OAuth))
	for name, entry := range c.OAuth {
		redirectURL := entry.RedirectURL
		if redirectURL == "" {
			redirectURL = strings.TrimSuffix(c.Server.BaseURL, "/") + mountPath + "/oauth/" + name + "/callback"
		}
		switch name {
		case "google":
			providers[name] = core.NewGoogleOAuthProvider(entry.ClientID, entry.ClientSecret, redirectURL)
		case "github":
			providers[name] = core.NewGitHubOAuthProvider(entry.ClientID, entry.ClientSecret, redirectURL)
		case "discord":
			providers[name] = core.NewDiscordOAuthProvider(entry.ClientID, entry.ClientSecret, redirectURL)
		}
	}
	return providers
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
