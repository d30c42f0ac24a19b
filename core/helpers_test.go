package core

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testPassword = "TestPassword123"

var testSecret = []byte("0123456789abcdef0123456789abcdef")

// testClock is a settable clock shared by every component of a test service.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fastSecurityConfig keeps Argon2 cheap so tests stay quick.
func fastSecurityConfig() SecurityConfig {
	cfg := DefaultSecurityConfig()
	cfg.Argon2 = Argon2Params{Time: 1, Memory: 64, Threads: 1, KeyLen: 32, SaltLen: 16}
	cfg.BcryptCost = 4
	return cfg
}

type testEnv struct {
	svc   *AuthService
	store *mockStorage
	clock *testClock
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	store := newMockStorage()
	clock := newTestClock()
	cfg := Config{
		Storage:        store,
		SecurityConfig: fastSecurityConfig(),
		CSRFConfig:     CSRFConfig{Secret: testSecret},
		Now:            clock.Now,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	svc, err := NewAuthService(cfg)
	require.NoError(t, err)
	return &testEnv{svc: svc, store: store, clock: clock}
}

func testRC() *RequestContext {
	return NewRequestContext(RequestMeta{IPAddress: "203.0.113.7", UserAgent: "test-agent", Path: "/test"})
}

// mustRegister creates an active user with testPassword.
func (e *testEnv) mustRegister(t *testing.T, email string) *User {
	t.Helper()
	user, err := e.svc.Register(context.Background(), testRC(), RegisterInput{
		Email:    email,
		Password: testPassword,
		Name:     "Test User",
	})
	require.NoError(t, err)
	return user
}

// mustLogin signs email in and returns the bound request context.
func (e *testEnv) mustLogin(t *testing.T, email string) (*RequestContext, *LoginResult) {
	t.Helper()
	rc := testRC()
	result, err := e.svc.Login(context.Background(), rc, LoginInput{Email: email, Password: testPassword})
	require.NoError(t, err)
	return rc, result
}

func (e *testEnv) setStatus(t *testing.T, userID uint, status UserStatus) {
	t.Helper()
	user, err := e.store.GetUserByID(context.Background(), userID)
	require.NoError(t, err)
	user.Status = status
	require.NoError(t, e.store.UpdateUser(context.Background(), user))
}

func (e *testEnv) setGlobalRole(t *testing.T, userID uint, role GlobalRole) {
	t.Helper()
	user, err := e.store.GetUserByID(context.Background(), userID)
	require.NoError(t, err)
	user.GlobalRole = role
	require.NoError(t, e.store.UpdateUser(context.Background(), user))
}

// flipToken changes one hex digit of token.
func flipToken(token string) string {
	b := []byte(token)
	if b[0] == 'a' {
		b[0] = 'b'
	} else {
		b[0] = 'a'
	}
	return string(b)
}

// browser carries cookies between handler invocations the way a client would.
type browser struct {
	t       *testing.T
	handler http.Handler
	cookies map[string]*http.Cookie
	csrf    string
}

func newBrowser(t *testing.T, handler http.Handler) *browser {
	return &browser{t: t, handler: handler, cookies: make(map[string]*http.Cookie)}
}

func (b *browser) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	b.t.Helper()
	var reader *bytes.Buffer
	switch v := body.(type) {
	case nil:
		reader = bytes.NewBuffer(nil)
	case string:
		reader = bytes.NewBufferString(v)
	default:
		data, err := json.Marshal(v)
		require.NoError(b.t, err)
		reader = bytes.NewBuffer(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "198.51.100.20:41000"
	for _, c := range b.cookies {
		req.AddCookie(c)
	}
	if b.csrf != "" {
		req.Header.Set("X-CSRF-Token", b.csrf)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	b.handler.ServeHTTP(rec, req)

	for _, c := range rec.Result().Cookies() {
		if c.MaxAge < 0 || c.Value == "" {
			delete(b.cookies, c.Name)
			continue
		}
		b.cookies[c.Name] = c
	}
	return rec
}

// fetchCSRF loads a token the way a page script would.
func (b *browser) fetchCSRF(path string) {
	b.t.Helper()
	rec := b.do(http.MethodGet, path, nil)
	require.Equal(b.t, http.StatusOK, rec.Code)
	var resp CSRFTokenResponse
	require.NoError(b.t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(b.t, resp.Token)
	b.csrf = resp.Token
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(strings.NewReader(rec.Body.String())).Decode(dst))
}
