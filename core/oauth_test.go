package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider is an OAuth2 provider serving a token endpoint and profile
// endpoints in the shape of the real providers.
type fakeProvider struct {
	server    *httptest.Server
	profile   map[string]any
	emails    []map[string]any
	exchanges atomic.Int32
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		p.exchanges.Add(1)
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("code") != "good-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"provider-token","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer provider-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(p.profile)
	})
	mux.HandleFunc("/user/emails", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(p.emails)
	})
	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)
	return p
}

func (p *fakeProvider) config(kind string) OAuthProviderConfig {
	return OAuthProviderConfig{
		Kind:         kind,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "https://community.example/auth/oauth/" + kind + "/callback",
		AuthURL:      p.server.URL + "/authorize",
		TokenURL:     p.server.URL + "/token",
		UserInfoURL:  p.server.URL + "/user",
		Scopes:       []string{"email"},
	}
}

func newOAuthEnv(t *testing.T, kind string) (*testEnv, *fakeProvider) {
	t.Helper()
	provider := newFakeProvider(t)
	env := newTestEnv(t, func(c *Config) {
		c.OAuthProviders = map[string]OAuthProviderConfig{kind: provider.config(kind)}
	})
	return env, provider
}

// startFlow begins a flow and returns the request context holding the
// state and the state parameter sent to the provider.
func startFlow(t *testing.T, env *testEnv, provider string) (*RequestContext, string) {
	t.Helper()
	rc := testRC()
	authURL, err := env.svc.OAuthStart(rc, provider)
	require.NoError(t, err)

	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	state := parsed.Query().Get("state")
	require.NotEmpty(t, state)
	assert.Equal(t, "client-id", parsed.Query().Get("client_id"))
	assert.Equal(t, state, rc.State.OAuthState)
	return rc, state
}

func TestOAuth_GoogleCreatesThenLinks(t *testing.T) {
	env, provider := newOAuthEnv(t, "google")
	provider.profile = map[string]any{
		"id":             "g-123",
		"email":          "Alice@Example.com",
		"verified_email": true,
		"name":           "Alice",
	}

	rc, state := startFlow(t, env, "google")
	result, isNew, err := env.svc.OAuthCallback(context.Background(), rc, "google", state, "good-code")
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, "alice@example.com", result.User.Email)
	assert.Equal(t, "google", result.User.Provider)
	assert.True(t, rc.IsAuthenticated())
	assert.Empty(t, rc.State.OAuthState, "state is single use")

	rc, state = startFlow(t, env, "google")
	result2, isNew, err := env.svc.OAuthCallback(context.Background(), rc, "google", state, "good-code")
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, result.User.ID, result2.User.ID)

	events := env.store.eventsOfType(EventOAuthLogin)
	require.Len(t, events, 2)
	assert.True(t, events[1].Success)
}

func TestOAuth_LinksExistingPasswordAccount(t *testing.T) {
	env, provider := newOAuthEnv(t, "google")
	user := env.mustRegister(t, "alice@example.com")
	provider.profile = map[string]any{"id": "g-1", "email": "alice@example.com", "verified_email": true}

	rc, state := startFlow(t, env, "google")
	result, isNew, err := env.svc.OAuthCallback(context.Background(), rc, "google", state, "good-code")
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, user.ID, result.User.ID)
}

func TestOAuth_RejectsBadState(t *testing.T) {
	env, provider := newOAuthEnv(t, "google")
	provider.profile = map[string]any{"id": "g-1", "email": "a@example.com", "verified_email": true}

	t.Run("mismatch", func(t *testing.T) {
		rc, _ := startFlow(t, env, "google")
		_, _, err := env.svc.OAuthCallback(context.Background(), rc, "google", "forged", "good-code")
		assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)
	})

	t.Run("no flow started", func(t *testing.T) {
		_, _, err := env.svc.OAuthCallback(context.Background(), testRC(), "google", "anything", "good-code")
		assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)
	})

	t.Run("replayed", func(t *testing.T) {
		rc, state := startFlow(t, env, "google")
		_, _, err := env.svc.OAuthCallback(context.Background(), rc, "google", state, "bad-code")
		require.Error(t, err)
		_, _, err = env.svc.OAuthCallback(context.Background(), rc, "google", state, "good-code")
		assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)
	})

	t.Run("expired", func(t *testing.T) {
		rc, state := startFlow(t, env, "google")
		env.clock.Advance(oauthStateTTL)
		_, _, err := env.svc.OAuthCallback(context.Background(), rc, "google", state, "good-code")
		assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)
	})

	before := provider.exchanges.Load()
	rc, _ := startFlow(t, env, "google")
	_, _, _ = env.svc.OAuthCallback(context.Background(), rc, "google", "forged", "good-code")
	assert.Equal(t, before, provider.exchanges.Load(), "no code exchange without a valid state")
}

func TestOAuth_ExchangeFailure(t *testing.T) {
	env, _ := newOAuthEnv(t, "google")
	rc, state := startFlow(t, env, "google")

	_, _, err := env.svc.OAuthCallback(context.Background(), rc, "google", state, "bad-code")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.False(t, rc.IsAuthenticated())
}

func TestOAuth_UnverifiedEmail(t *testing.T) {
	env, provider := newOAuthEnv(t, "google")
	provider.profile = map[string]any{"id": "g-1", "email": "a@example.com", "verified_email": false}

	rc, state := startFlow(t, env, "google")
	_, _, err := env.svc.OAuthCallback(context.Background(), rc, "google", state, "good-code")
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Zero(t, env.store.callCount("CreateUser"))
}

func TestOAuth_GitHubUsesEmailsEndpoint(t *testing.T) {
	env, provider := newOAuthEnv(t, "github")
	provider.profile = map[string]any{"id": 42, "login": "octo", "email": "unverified@example.com"}
	provider.emails = []map[string]any{
		{"email": "secondary@example.com", "primary": false, "verified": true},
		{"email": "octo@example.com", "primary": true, "verified": true},
	}

	rc, state := startFlow(t, env, "github")
	result, isNew, err := env.svc.OAuthCallback(context.Background(), rc, "github", state, "good-code")
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, "octo@example.com", result.User.Email)
	assert.Equal(t, "octo", result.User.Name, "login is used when the profile has no name")
}

func TestOAuth_DiscordUnverified(t *testing.T) {
	env, provider := newOAuthEnv(t, "discord")
	provider.profile = map[string]any{"id": "d-1", "username": "disc", "email": "d@example.com", "verified": false}

	rc, state := startFlow(t, env, "discord")
	_, _, err := env.svc.OAuthCallback(context.Background(), rc, "discord", state, "good-code")
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestOAuth_InactiveUser(t *testing.T) {
	env, provider := newOAuthEnv(t, "google")
	user := env.mustRegister(t, "alice@example.com")
	env.setStatus(t, user.ID, UserStatusSuspended)
	provider.profile = map[string]any{"id": "g-1", "email": "alice@example.com", "verified_email": true}

	rc, state := startFlow(t, env, "google")
	_, _, err := env.svc.OAuthCallback(context.Background(), rc, "google", state, "good-code")
	assert.ErrorIs(t, err, ErrAccountNotActive)
	assert.Zero(t, env.store.sessionCount(user.ID))
}

func TestOAuth_UnknownProvider(t *testing.T) {
	env, _ := newOAuthEnv(t, "google")

	_, err := env.svc.OAuthStart(testRC(), "myspace")
	assert.ErrorIs(t, err, ErrInvalidProvider)

	_, _, err = env.svc.OAuthCallback(context.Background(), testRC(), "myspace", "s", "c")
	assert.ErrorIs(t, err, ErrInvalidProvider)
}

func TestOAuthRoutes_BrowserFlow(t *testing.T) {
	env, provider := newOAuthEnv(t, "google")
	provider.profile = map[string]any{"id": "g-9", "email": "web@example.com", "verified_email": true}
	b := newBrowser(t, newTestRouter(env))

	rec := b.do(http.MethodGet, "/auth/oauth/google", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	state := location.Query().Get("state")

	rec = b.do(http.MethodGet, "/auth/oauth/google/callback?state="+url.QueryEscape(state)+"&code=good-code", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp OAuthResponse
	decodeBody(t, rec, &resp)
	assert.True(t, resp.IsNewUser)
	assert.NotNil(t, b.cookies["sanctuary_session"])

	rec = b.do(http.MethodGet, "/auth/me", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = b.do(http.MethodGet, "/auth/oauth/google/callback?error=access_denied", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
