// Package core provides the identity and access-control layer of a
// multi-tenant community application.
//
// This package includes:
//   - Email/password registration and login with Argon2id hashing
//   - Server-side sessions keyed by hashed bearer tokens
//   - CSRF protection backed by a signed browser-state cookie
//   - Failed-login lockout and fixed-window rate limiting
//   - Global and per-congregation role checks
//   - Password reset and change with session revocation
//   - OAuth2 sign-in (Google, GitHub, Discord)
//   - Security event auditing
//
// ## Key Features:
//   - Return-based handlers - maximum control over HTTP responses
//   - Chi-compatible middleware for sessions, CSRF, rate limits and roles
//   - PostgreSQL and SQLite storage in the storage subpackage
//
// ## Quick Start:
//
//	store, err := storage.NewSQLiteStorage(ctx, "community.db")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	authService, err := core.NewAuthService(core.Config{
//		Storage: store,
//		CSRFConfig: core.CSRFConfig{Secret: secret},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	r := chi.NewRouter()
//	r.Use(authService.SessionMiddleware, authService.CSRFMiddleware)
//	r.Mount("/auth", authService.Routes())
package core

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/oauth2"
)

// AuthService is the main service for handling authentication operations.
type AuthService struct {
	storage         Storage
	sessions        *SessionStore
	csrf            *CSRFGuard
	stateCodec      *BrowserStateCodec
	throttle        *LoginThrottle
	limiter         *RateLimiter
	roles           *RoleAuthorizer
	hasher          *PasswordHasher
	audit           *auditLogger
	metrics         *Metrics
	notifier        ResetNotifier
	oauthConfigs    map[string]*oauth2.Config
	oauthProviders  map[string]OAuthProviderConfig
	securityConfig  SecurityConfig
	sessionConfig   SessionConfig
	rateLimitConfig RateLimitConfig
	validator       *validator.Validate
	onboardingURL   string
	debug           bool
	now             func() time.Time

	// dummyHash is verified against when the email is unknown so that both
	// login failure paths do the same hashing work.
	dummyHash string
}

// NewAuthService creates a new authentication service
func NewAuthService(cfg Config) (*AuthService, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}

	// Test storage connection
	if err := cfg.Storage.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to connect to storage: %w", err)
	}

	cfg = cfg.withDefaults()

	switch cfg.SecurityConfig.HashAlgorithm {
	case HashArgon2id, HashBcrypt:
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %s", cfg.SecurityConfig.HashAlgorithm)
	}

	if len(cfg.CSRFConfig.Secret) == 0 {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate csrf secret: %w", err)
		}
		cfg.CSRFConfig.Secret = secret
		slog.Warn("No CSRF secret configured, generated an ephemeral one; browser state will not survive restarts")
	} else if len(cfg.CSRFConfig.Secret) < 32 {
		return nil, errMissingSecret
	}

	counters := cfg.Counters
	if counters == nil {
		counters = NewMemoryCounterStore(cfg.Now)
	}

	// Convert OAuth provider configs to oauth2.Config
	oauthConfigs := make(map[string]*oauth2.Config)
	oauthProviders := make(map[string]OAuthProviderConfig)
	for provider, providerCfg := range cfg.OAuthProviders {
		if providerCfg.Kind == "" {
			providerCfg.Kind = provider
		}
		oauthProviders[provider] = providerCfg
		oauthConfigs[provider] = &oauth2.Config{
			ClientID:     providerCfg.ClientID,
			ClientSecret: providerCfg.ClientSecret,
			RedirectURL:  providerCfg.RedirectURL,
			Scopes:       providerCfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  providerCfg.AuthURL,
				TokenURL: providerCfg.TokenURL,
			},
		}
	}

	audit := newAuditLogger(cfg.Storage, cfg.Now)
	hasher := NewPasswordHasher(cfg.SecurityConfig)

	dummySecret, err := generateSecureToken(16)
	if err != nil {
		return nil, fmt.Errorf("failed to generate dummy password: %w", err)
	}
	dummyHash, err := hasher.Hash(dummySecret)
	if err != nil {
		return nil, fmt.Errorf("failed to hash dummy password: %w", err)
	}

	notifier := cfg.ResetNotifier
	if notifier == nil {
		notifier = logResetNotifier{}
	}

	service := &AuthService{
		storage:         cfg.Storage,
		sessions:        NewSessionStore(cfg.Storage, cfg.Storage, cfg.SessionConfig, audit, cfg.Metrics, cfg.Now),
		csrf:            NewCSRFGuard(cfg.CSRFConfig, audit, cfg.Metrics, cfg.Now),
		stateCodec:      NewBrowserStateCodec(cfg.CSRFConfig, cfg.Now),
		throttle:        NewLoginThrottle(cfg.Storage, cfg.SecurityConfig.MaxLoginAttempts, cfg.SecurityConfig.LockoutWindow, cfg.Now),
		limiter:         NewRateLimiter(counters, audit, cfg.Metrics, cfg.Now),
		roles:           NewRoleAuthorizer(cfg.Storage, audit),
		hasher:          hasher,
		audit:           audit,
		metrics:         cfg.Metrics,
		notifier:        notifier,
		oauthConfigs:    oauthConfigs,
		oauthProviders:  oauthProviders,
		securityConfig:  cfg.SecurityConfig,
		sessionConfig:   cfg.SessionConfig,
		rateLimitConfig: cfg.RateLimitConfig,
		validator:       validator.New(),
		onboardingURL:   cfg.OnboardingURL,
		debug:           cfg.Debug,
		now:             cfg.Now,
		dummyHash:       dummyHash,
	}
	service.sessions.trustProxy = cfg.SecurityConfig.TrustProxyHeaders
	service.stateCodec.trustProxy = cfg.SecurityConfig.TrustProxyHeaders

	return service, nil
}

// Sessions returns the session store.
func (a *AuthService) Sessions() *SessionStore { return a.sessions }

// CSRF returns the CSRF guard.
func (a *AuthService) CSRF() *CSRFGuard { return a.csrf }

// BrowserState returns the browser-state cookie codec.
func (a *AuthService) BrowserState() *BrowserStateCodec { return a.stateCodec }

// Throttle returns the login throttle.
func (a *AuthService) Throttle() *LoginThrottle { return a.throttle }

// RateLimiter returns the rate limiter.
func (a *AuthService) RateLimiter() *RateLimiter { return a.limiter }

// Roles returns the role authorizer.
func (a *AuthService) Roles() *RoleAuthorizer { return a.roles }

// logSecurityEvent logs a security event to the database
func (a *AuthService) logSecurityEvent(ctx context.Context, userID *uint, eventType, description string, meta RequestMeta, success bool) {
	a.audit.record(ctx, userID, eventType, description, meta, success)
}

// ListSecurityEvents returns audit events, newest first. A nil userID lists
// events for all users; an empty eventType lists all types.
func (a *AuthService) ListSecurityEvents(ctx context.Context, userID *uint, eventType string, limit, offset int) ([]*SecurityEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	events, err := a.storage.ListSecurityEvents(ctx, userID, eventType, limit, offset)
	if err != nil {
		return nil, internalError("list security events", err)
	}
	return events, nil
}

// Close closes the auth service and cleans up resources
func (a *AuthService) Close() error {
	return a.storage.Close()
}
