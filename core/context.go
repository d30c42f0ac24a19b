package core

import (
	"context"
	"net/http"
	"sync"
)

type contextKey string

const requestContextKey contextKey = "sanctuary_request_context"

// RequestContext is the per-request authentication state. It is built by
// SessionMiddleware and passed explicitly to every facade operation; nothing
// in this package keeps request state in globals.
type RequestContext struct {
	User    *User
	Session *Session
	Token   string // session token presented by the client, if any
	State   *BrowserState
	Meta    RequestMeta

	mu          sync.Mutex
	memberships map[uint]*CongregationMembership
}

// NewRequestContext returns an anonymous context with a fresh browser state.
func NewRequestContext(meta RequestMeta) *RequestContext {
	return &RequestContext{
		State: &BrowserState{},
		Meta:  meta,
	}
}

// IsAuthenticated reports whether a user is signed in.
func (rc *RequestContext) IsAuthenticated() bool {
	return rc != nil && rc.User != nil && rc.Session != nil
}

// UserID returns the signed-in user's ID, or 0.
func (rc *RequestContext) UserID() uint {
	if !rc.IsAuthenticated() {
		return 0
	}
	return rc.User.ID
}

func (rc *RequestContext) setIdentity(user *User, session *Session, token string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.User = user
	rc.Session = session
	rc.Token = token
	rc.memberships = nil
}

func (rc *RequestContext) clearIdentity() {
	rc.setIdentity(nil, nil, "")
}

func (rc *RequestContext) cachedMembership(congregationID uint) (*CongregationMembership, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	m, ok := rc.memberships[congregationID]
	return m, ok
}

func (rc *RequestContext) cacheMembership(congregationID uint, m *CongregationMembership) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.memberships == nil {
		rc.memberships = make(map[uint]*CongregationMembership)
	}
	rc.memberships[congregationID] = m
}

// WithRequestContext attaches rc to ctx.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey, rc)
}

// RequestContextFrom returns the RequestContext stored in ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestContextKey).(*RequestContext)
	return rc
}

// GetUserFromContext retrieves the authenticated user from the request context.
// This function is used by middleware and handlers to access the current user.
func GetUserFromContext(r *http.Request) *User {
	if rc := RequestContextFrom(r.Context()); rc.IsAuthenticated() {
		return rc.User
	}
	return nil
}

// GetSessionFromContext retrieves the current session from the request context
func GetSessionFromContext(r *http.Request) *Session {
	if rc := RequestContextFrom(r.Context()); rc.IsAuthenticated() {
		return rc.Session
	}
	return nil
}

// MustGetUserFromContext retrieves the authenticated user from context and panics if not found.
// This function should only be used when you are certain authentication middleware has run.
func MustGetUserFromContext(r *http.Request) *User {
	user := GetUserFromContext(r)
	if user == nil {
		panic("user not found in context - ensure authentication middleware is applied")
	}
	return user
}

// requestContext returns the RequestContext for r, building one from the
// request when SessionMiddleware has not run.
func (a *AuthService) requestContext(r *http.Request) *RequestContext {
	if rc := RequestContextFrom(r.Context()); rc != nil {
		return rc
	}
	rc, _ := a.buildRequestContext(r)
	return rc
}

func (a *AuthService) requestMeta(r *http.Request) RequestMeta {
	return RequestMeta{
		IPAddress: extractIP(r, a.securityConfig.TrustProxyHeaders),
		UserAgent: r.UserAgent(),
		Path:      r.URL.Path,
	}
}
