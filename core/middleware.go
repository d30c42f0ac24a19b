package core

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// buildRequestContext creates the RequestContext for r: client metadata, the
// browser state cookie and, when a valid session token is presented, the
// signed-in identity. stale reports a session token that no longer resolves.
func (a *AuthService) buildRequestContext(r *http.Request) (rc *RequestContext, stale bool) {
	rc = NewRequestContext(a.requestMeta(r))
	rc.State = a.stateCodec.Load(r)

	token := extractTokenFromRequest(r, a.sessionConfig.CookieName)
	if token == "" {
		return rc, false
	}
	if err := a.Authenticate(r.Context(), rc, token); err != nil {
		if KindOf(err) == KindInternal {
			slog.Error("Failed to resolve session", "path", r.URL.Path, "error", err)
			return rc, false
		}
		slog.Debug("Ignoring invalid session token", "path", r.URL.Path)
		return rc, true
	}
	return rc, false
}

// stateWriter saves a modified browser state just before the response
// headers are sent.
type stateWriter struct {
	http.ResponseWriter
	a           *AuthService
	r           *http.Request
	rc          *RequestContext
	wroteHeader bool
}

func (w *stateWriter) persist() {
	if !w.rc.State.Dirty() {
		return
	}
	if err := w.a.stateCodec.Save(w.ResponseWriter, w.r, w.rc.State); err != nil {
		slog.Error("Failed to save browser state", "error", err)
	}
}

func (w *stateWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		w.persist()
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *stateWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *stateWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// SessionMiddleware attaches a RequestContext to every request. Invalid or
// expired session tokens leave the request anonymous rather than failing it.
// Applying it twice is harmless.
func (a *AuthService) SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if RequestContextFrom(r.Context()) != nil {
			next.ServeHTTP(w, r)
			return
		}

		rc, stale := a.buildRequestContext(r)
		if stale && hasCookie(r, a.sessionConfig.CookieName) {
			http.SetCookie(w, a.sessions.ClearCookie(r))
		}
		sw := &stateWriter{ResponseWriter: w, a: a, r: r, rc: rc}
		next.ServeHTTP(sw, r.WithContext(WithRequestContext(r.Context(), rc)))
		if !sw.wroteHeader {
			sw.persist()
		}
	})
}

// CSRFMiddleware requires a valid CSRF token on state-changing requests. Safe
// methods pass through after a token has been minted so pages can embed it.
// Requests authenticated only by an Authorization header carry no ambient
// credentials and are exempt.
func (a *AuthService) CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := a.requestContext(r)

		if !isStateChanging(r.Method) {
			if _, err := a.csrf.Token(rc.State); err != nil {
				a.WriteError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		if bearerOnly(r, a.sessionConfig.CookieName) {
			next.ServeHTTP(w, r)
			return
		}

		if err := a.csrf.Require(r.Context(), rc, a.csrf.PresentedToken(r)); err != nil {
			a.WriteError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerOnly(r *http.Request, sessionCookie string) bool {
	return r.Header.Get("Authorization") != "" && !hasCookie(r, sessionCookie)
}

func hasCookie(r *http.Request, name string) bool {
	_, err := r.Cookie(name)
	return !errors.Is(err, http.ErrNoCookie)
}

// RequireAuth rejects anonymous requests with 401.
func (a *AuthService) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.roles.RequireAuth(a.requestContext(r)); err != nil {
			a.WriteError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole rejects requests from users below the given global role.
func (a *AuthService) RequireRole(role GlobalRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := a.roles.RequireRole(r.Context(), a.requestContext(r), role); err != nil {
				a.WriteError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireCongregationRole rejects requests from users below role in the
// congregation named by the chi URL parameter param.
func (a *AuthService) RequireCongregationRole(param string, role CongregationRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			congregationID, err := strconv.ParseUint(chi.URLParam(r, param), 10, 64)
			if err != nil {
				a.WriteError(w, r, NewValidationError("invalid congregation id"))
				return
			}
			if err := a.roles.RequireCongregationRole(r.Context(), a.requestContext(r), uint(congregationID), role); err != nil {
				a.WriteError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequirePrimaryCongregation redirects users without a primary congregation
// to the onboarding URL.
func (a *AuthService) RequirePrimaryCongregation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := a.roles.RequirePrimaryCongregation(r.Context(), a.requestContext(r)); err != nil {
			if errors.Is(err, ErrNoPrimaryCongregation) {
				http.Redirect(w, r, a.onboardingURL, http.StatusSeeOther)
				return
			}
			a.WriteError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimit applies the named rule for action, keyed by user or client IP.
func (a *AuthService) RateLimit(action string) func(http.Handler) http.Handler {
	rule := a.rateLimitConfig.Rule(action)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := a.requestContext(r)
			if err := a.limiter.Limit(r.Context(), rc, ClientKey(action, rc), rule); err != nil {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(a.limiter.RetryAfter(rule.Window))))
				a.WriteError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterSeconds(d time.Duration) int {
	seconds := int(d.Seconds())
	if d > time.Duration(seconds)*time.Second {
		seconds++
	}
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

// NewSecurityHeadersMiddleware sets the standard hardening headers. HSTS is
// only sent on HTTPS requests; X-Forwarded-Proto counts only when trustProxy
// is set.
func NewSecurityHeadersMiddleware(trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return securityHeaders(next, trustProxy)
	}
}

func securityHeaders(next http.Handler, trustProxy bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		w.Header().Set("Content-Security-Policy", "default-src 'self'; frame-ancestors 'none'; base-uri 'self'; form-action 'self'")
		if isHTTPS(r, trustProxy) {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// RecoveryMiddleware turns panics into 500 responses.
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("Panic recovered",
					slog.Any("panic", rec),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("stack", string(debug.Stack())),
				)
				writeJSON(w, http.StatusInternalServerError, MessageResponse{
					Error: "An unexpected error occurred",
					Code:  KindInternal.String(),
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.statusCode = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.statusCode = http.StatusOK
		sr.written = true
	}
	return sr.ResponseWriter.Write(b)
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// RequestIDHeader carries the request ID set by RequestLogger.
const RequestIDHeader = "X-Request-ID"

// RequestLogger logs one structured line per request, at a level chosen by
// the response status. A request ID is taken from the incoming header or
// generated, and echoed on the response. Place it after SessionMiddleware to
// include user_id.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := r.Header.Get(RequestIDHeader)
			if _, err := uuid.Parse(requestID); err != nil {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rec, r)

			args := []any{
				slog.String("request_id", requestID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
			}
			if rc := RequestContextFrom(r.Context()); rc.IsAuthenticated() {
				args = append(args, slog.Uint64("user_id", uint64(rc.User.ID)))
			}

			level := slog.LevelInfo
			if rec.statusCode >= 500 {
				level = slog.LevelError
			} else if rec.statusCode >= 400 {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "http_request", args...)
		})
	}
}

// WriteError writes err as a JSON error response with the matching status.
func (a *AuthService) WriteError(w http.ResponseWriter, r *http.Request, err error) {
	resp := a.errorMessage(err)
	if KindOf(err) == KindNoPrimaryCongregation {
		w.Header().Set("Location", a.onboardingURL)
	}
	writeJSON(w, resp.StatusCode, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
