package core

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, MessageResponse{Message: "ok"})
}

func newTestRouter(env *testEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(RecoveryMiddleware, NewSecurityHeadersMiddleware(false), env.svc.SessionMiddleware)
	r.Mount("/auth", env.svc.Routes())

	r.Group(func(r chi.Router) {
		r.Use(env.svc.RequireAuth)
		r.With(env.svc.RequirePrimaryCongregation).Get("/home", okHandler)
		r.With(env.svc.RequireRole(GlobalAdmin)).Get("/admin", okHandler)
		r.With(env.svc.RequireCongregationRole("congregationID", CongregationLeader)).
			Get("/congregations/{congregationID}/manage", okHandler)
	})

	r.Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	return r
}

// signUp registers email through the HTTP API and leaves the browser signed in.
func (b *browser) signUp(email string) SignUpResponse {
	b.t.Helper()
	if b.csrf == "" {
		b.fetchCSRF("/auth/csrf")
	}
	rec := b.do(http.MethodPost, "/auth/register", map[string]string{
		"email":    email,
		"password": testPassword,
		"name":     "Test User",
	})
	require.Equal(b.t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp SignUpResponse
	decodeBody(b.t, rec, &resp)
	b.csrf = resp.CSRFToken
	return resp
}

func TestRoutes_BrowserFlow(t *testing.T) {
	env := newTestEnv(t)
	b := newBrowser(t, newTestRouter(env))

	rec := b.do(http.MethodPost, "/auth/register", map[string]string{"email": "a@example.com", "password": testPassword, "name": "A"})
	assert.Equal(t, http.StatusForbidden, rec.Code, "state-changing requests need a CSRF token")

	b.fetchCSRF("/auth/csrf")
	require.Contains(t, b.cookies, "sanctuary_state")
	preLogin := b.csrf

	resp := b.signUp("alice@example.com")
	assert.Equal(t, "alice@example.com", resp.User.Email)
	assert.NotEmpty(t, resp.Token)
	assert.NotEqual(t, preLogin, resp.CSRFToken)
	require.Contains(t, b.cookies, "sanctuary_session")
	assert.True(t, b.cookies["sanctuary_session"].HttpOnly)

	rec = b.do(http.MethodGet, "/auth/me", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var me ValidateResponse
	decodeBody(t, rec, &me)
	assert.Equal(t, "alice@example.com", me.User.Email)

	b.csrf = preLogin
	rec = b.do(http.MethodPost, "/auth/logout", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "the pre-login token was rotated away")

	b.csrf = resp.CSRFToken
	rec = b.do(http.MethodPost, "/auth/logout", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, b.cookies, "sanctuary_session")

	rec = b.do(http.MethodGet, "/auth/me", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRoutes_Login(t *testing.T) {
	env := newTestEnv(t)
	env.mustRegister(t, "alice@example.com")
	b := newBrowser(t, newTestRouter(env))
	b.fetchCSRF("/auth/csrf")

	rec := b.do(http.MethodPost, "/auth/login", map[string]any{
		"email": "alice@example.com", "password": testPassword, "remember_me": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp SignInResponse
	decodeBody(t, rec, &resp)
	assert.NotEmpty(t, resp.SessionID)
	assert.True(t, env.clock.Now().Add(30*24*time.Hour).Equal(resp.SessionExpiresAt))
	assert.Positive(t, b.cookies["sanctuary_session"].MaxAge, "remember-me cookies persist")

	rec = b.do(http.MethodPost, "/auth/login", `{"email":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRoutes_LoginLockout(t *testing.T) {
	env := newTestEnv(t)
	env.mustRegister(t, "alice@example.com")
	b := newBrowser(t, newTestRouter(env))
	b.fetchCSRF("/auth/csrf")

	for i := 0; i < 5; i++ {
		rec := b.do(http.MethodPost, "/auth/login", map[string]string{"email": "alice@example.com", "password": "WrongPassword1"})
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec := b.do(http.MethodPost, "/auth/login", map[string]string{"email": "alice@example.com", "password": testPassword})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "900", rec.Header().Get("Retry-After"))
	var resp SignInResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "too_many_attempts", resp.Code)
}

func TestRoutes_RateLimit(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.RateLimitConfig.Login = RateLimitRule{MaxRequests: 2, Window: time.Minute}
	})
	b := newBrowser(t, newTestRouter(env))
	b.fetchCSRF("/auth/csrf")

	for i := 0; i < 2; i++ {
		rec := b.do(http.MethodPost, "/auth/login", map[string]string{"email": "x@example.com", "password": "Whatever1"})
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec := b.do(http.MethodPost, "/auth/login", map[string]string{"email": "x@example.com", "password": "Whatever1"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.Equal(t, 60, retry)
	assert.Equal(t, 2, env.store.callCount("GetUserByEmail"), "limited requests never reach the handler")
}

func TestRoutes_StaleSessionCookieCleared(t *testing.T) {
	env := newTestEnv(t)
	b := newBrowser(t, newTestRouter(env))
	b.cookies["sanctuary_session"] = &http.Cookie{Name: "sanctuary_session", Value: hashToken("gone")}

	rec := b.do(http.MethodGet, "/auth/csrf", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, b.cookies, "sanctuary_session")
}

func TestRoutes_BearerClientsSkipCSRF(t *testing.T) {
	env := newTestEnv(t)
	env.mustRegister(t, "alice@example.com")
	_, result := env.mustLogin(t, "alice@example.com")
	api := newBrowser(t, newTestRouter(env))

	rec := api.do(http.MethodGet, "/auth/sessions", nil, "Authorization", "Bearer "+result.Token)
	require.Equal(t, http.StatusOK, rec.Code)
	var sessions SessionsResponse
	decodeBody(t, rec, &sessions)
	assert.Equal(t, result.Session.ID, sessions.CurrentSessionID)
	assert.Len(t, sessions.Sessions, 1)

	api.cookies = map[string]*http.Cookie{}
	rec = api.do(http.MethodPost, "/auth/logout-all", nil, "Authorization", "Bearer "+result.Token)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(http.MethodGet, "/auth/me", nil, "Authorization", "Bearer "+result.Token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRoutes_CookieWithBearerStillNeedsCSRF(t *testing.T) {
	env := newTestEnv(t)
	b := newBrowser(t, newTestRouter(env))
	resp := b.signUp("alice@example.com")
	b.csrf = ""

	rec := b.do(http.MethodPost, "/auth/logout", nil, "Authorization", "Bearer "+resp.Token)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRoutes_Sessions(t *testing.T) {
	env := newTestEnv(t)
	b := newBrowser(t, newTestRouter(env))
	b.signUp("alice@example.com")
	_, other := env.mustLogin(t, "alice@example.com")

	rec := b.do(http.MethodGet, "/auth/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list SessionsResponse
	decodeBody(t, rec, &list)
	assert.Len(t, list.Sessions, 2)

	rec = b.do(http.MethodDelete, "/auth/sessions/"+other.Session.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = b.do(http.MethodDelete, "/auth/sessions/"+other.Session.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = b.do(http.MethodDelete, "/auth/sessions/"+list.CurrentSessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, b.cookies, "sanctuary_session", "revoking the current session clears its cookie")
}

func TestRoutes_PasswordFlows(t *testing.T) {
	notifier := &captureNotifier{}
	env := newTestEnv(t, func(c *Config) { c.ResetNotifier = notifier })
	b := newBrowser(t, newTestRouter(env))
	b.signUp("alice@example.com")

	rec := b.do(http.MethodPost, "/auth/password/change", map[string]string{
		"current_password": testPassword,
		"new_password":     "ChangedPassword1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	anon := newBrowser(t, newTestRouter(env))
	anon.fetchCSRF("/auth/csrf")
	rec = anon.do(http.MethodPost, "/auth/password/forgot", map[string]string{"email": "alice@example.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	var forgot MessageResponse
	decodeBody(t, rec, &forgot)
	assert.Equal(t, passwordResetMessage, forgot.Message)

	rec = anon.do(http.MethodPost, "/auth/password/reset", map[string]string{
		"token":    notifier.last(t),
		"password": "ResetPassword2",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = b.do(http.MethodGet, "/auth/me", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "a reset signs out every session")
	assert.NotContains(t, b.cookies, "sanctuary_session")

	rec = anon.do(http.MethodPost, "/auth/password/change", map[string]string{
		"current_password": "x", "new_password": "y",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRoutes_Guards(t *testing.T) {
	env := newTestEnv(t)
	b := newBrowser(t, newTestRouter(env))
	resp := b.signUp("alice@example.com")
	userID := resp.User.ID
	ctx := context.Background()

	rec := newBrowser(t, newTestRouter(env)).do(http.MethodGet, "/admin", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = b.do(http.MethodGet, "/admin", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = b.do(http.MethodGet, "/home", nil)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/onboarding", rec.Header().Get("Location"))

	require.NoError(t, env.store.UpsertMembership(ctx, &CongregationMembership{
		UserID: userID, CongregationID: 5, Role: CongregationLeader, Status: MembershipActive, IsPrimary: true,
	}))
	rec = b.do(http.MethodGet, "/home", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = b.do(http.MethodGet, "/congregations/5/manage", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = b.do(http.MethodGet, "/congregations/6/manage", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = b.do(http.MethodGet, "/congregations/abc/manage", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	env.setGlobalRole(t, userID, GlobalAdmin)
	rec = b.do(http.MethodGet, "/admin", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "roles are read from storage on every request")
}

func TestRoutes_GrantMembership(t *testing.T) {
	env := newTestEnv(t)
	admin := newBrowser(t, newTestRouter(env))
	adminUser := admin.signUp("admin@example.com").User
	member := env.mustRegister(t, "member@example.com")
	require.NoError(t, env.store.UpsertMembership(context.Background(), &CongregationMembership{
		UserID: adminUser.ID, CongregationID: 2, Role: CongregationAdmin, Status: MembershipActive,
	}))

	rec := admin.do(http.MethodPost, "/auth/congregations/2/members", map[string]any{
		"user_id": member.ID, "role": "leader", "is_primary": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	m, err := env.store.GetPrimaryMembership(context.Background(), member.ID)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, CongregationLeader, m.Role)

	rec = admin.do(http.MethodPost, "/auth/congregations/2/members", map[string]any{
		"user_id": member.ID, "role": "leader", "status": "retired",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = admin.do(http.MethodPost, "/auth/congregations/3/members", map[string]any{
		"user_id": member.ID, "role": "member",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRoutes_SecurityEvents(t *testing.T) {
	env := newTestEnv(t)
	b := newBrowser(t, newTestRouter(env))
	user := b.signUp("alice@example.com").User

	rec := b.do(http.MethodGet, "/auth/events?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp SecurityEventsResponse
	decodeBody(t, rec, &resp)
	require.NotEmpty(t, resp.Events)
	for _, e := range resp.Events {
		require.NotNil(t, e.UserID)
		assert.Equal(t, user.ID, *e.UserID)
	}

	rec = b.do(http.MethodGet, fmt.Sprintf("/auth/events?user_id=%d", user.ID+1), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "only admins may inspect other users")
}

func TestRoutes_OAuthUnknownProvider(t *testing.T) {
	env := newTestEnv(t)
	b := newBrowser(t, newTestRouter(env))

	rec := b.do(http.MethodGet, "/auth/oauth/myspace/", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	env := newTestEnv(t)
	b := newBrowser(t, newTestRouter(env))

	rec := b.do(http.MethodGet, "/panic", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp MessageResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "internal_error", resp.Code)
}
