package core

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// GrantMembershipInput assigns a congregation role to a user.
type GrantMembershipInput struct {
	UserID    uint   `json:"user_id" validate:"required"`
	Role      string `json:"role" validate:"required"`
	Status    string `json:"status" validate:"omitempty,oneof=pending active suspended"`
	IsPrimary bool   `json:"is_primary"`
}

// GrantMembershipHandler adds a member to the congregation in the URL.
func (a *AuthService) GrantMembershipHandler(r *http.Request, congregationID uint) MessageResponse {
	rc := a.requestContext(r)

	var req GrantMembershipInput
	if err := decodeJSON(r, &req); err != nil {
		return a.errorMessage(err)
	}
	if err := a.validate(req); err != nil {
		return a.errorMessage(err)
	}

	m := &CongregationMembership{
		UserID:         req.UserID,
		CongregationID: congregationID,
		Role:           ParseCongregationRole(req.Role),
		Status:         MembershipStatus(req.Status),
		IsPrimary:      req.IsPrimary,
	}
	if err := a.GrantMembership(r.Context(), rc, m); err != nil {
		return a.errorMessage(err)
	}
	return MessageResponse{
		StatusCode: http.StatusOK,
		Message:    "Membership granted",
	}
}

// Routes returns a chi router exposing the account endpoints as JSON. Mount
// it under a prefix such as /auth. Session and CSRF middleware are applied
// here; they are no-ops if the parent router already runs SessionMiddleware.
func (a *AuthService) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(a.SessionMiddleware)
	r.Use(a.CSRFMiddleware)
	r.Use(a.RateLimit(ActionGeneral))

	r.With(a.RateLimit(ActionRegister)).Post("/register", func(w http.ResponseWriter, r *http.Request) {
		resp := a.SignUpHandler(r)
		a.syncSessionCookie(w, r, resp.Token, resp.session)
		writeJSON(w, resp.StatusCode, resp)
	})

	r.With(a.RateLimit(ActionLogin)).Post("/login", func(w http.ResponseWriter, r *http.Request) {
		resp := a.SignInHandler(r)
		if resp.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(resp.RetryAfter))
		}
		a.syncSessionCookie(w, r, resp.Token, resp.session)
		writeJSON(w, resp.StatusCode, resp)
	})

	r.Post("/logout", func(w http.ResponseWriter, r *http.Request) {
		resp := a.LogoutHandler(r)
		a.syncSessionCookie(w, r, "", nil)
		writeJSON(w, resp.StatusCode, resp)
	})

	r.Get("/csrf", func(w http.ResponseWriter, r *http.Request) {
		resp := a.CSRFTokenHandler(r)
		writeJSON(w, resp.StatusCode, resp)
	})

	r.Route("/password", func(r chi.Router) {
		r.With(a.RateLimit(ActionPasswordReset)).Post("/forgot", func(w http.ResponseWriter, r *http.Request) {
			resp := a.ForgotPasswordHandler(r)
			writeJSON(w, resp.StatusCode, resp)
		})
		r.With(a.RateLimit(ActionPasswordReset)).Post("/reset", func(w http.ResponseWriter, r *http.Request) {
			resp := a.ResetPasswordHandler(r)
			a.syncSessionCookie(w, r, "", nil)
			writeJSON(w, resp.StatusCode, resp)
		})
		r.With(a.RequireAuth).Post("/change", func(w http.ResponseWriter, r *http.Request) {
			resp := a.ChangePasswordHandler(r)
			writeJSON(w, resp.StatusCode, resp)
		})
	})

	r.Route("/oauth/{provider}", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			resp := a.OAuthInitHandler(r, chi.URLParam(r, "provider"))
			if resp.URL != "" && r.URL.Query().Get("redirect") != "false" {
				http.Redirect(w, r, resp.URL, http.StatusFound)
				return
			}
			writeJSON(w, resp.StatusCode, resp)
		})
		r.Get("/callback", func(w http.ResponseWriter, r *http.Request) {
			resp := a.OAuthCallbackHandler(r, chi.URLParam(r, "provider"))
			a.syncSessionCookie(w, r, resp.Token, resp.session)
			writeJSON(w, resp.StatusCode, resp)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(a.RequireAuth)

		r.Get("/me", func(w http.ResponseWriter, r *http.Request) {
			resp := a.ValidateHandler(r)
			writeJSON(w, resp.StatusCode, resp)
		})
		r.Post("/logout-all", func(w http.ResponseWriter, r *http.Request) {
			resp := a.LogoutAllHandler(r)
			a.syncSessionCookie(w, r, "", nil)
			writeJSON(w, resp.StatusCode, resp)
		})
		r.Get("/sessions", func(w http.ResponseWriter, r *http.Request) {
			resp := a.GetSessionsHandler(r)
			writeJSON(w, resp.StatusCode, resp)
		})
		r.Delete("/sessions/{sessionID}", func(w http.ResponseWriter, r *http.Request) {
			resp := a.RevokeSessionHandler(r, chi.URLParam(r, "sessionID"))
			a.syncSessionCookie(w, r, "", nil)
			writeJSON(w, resp.StatusCode, resp)
		})
		r.Get("/events", func(w http.ResponseWriter, r *http.Request) {
			resp := a.SecurityEventsHandler(r)
			writeJSON(w, resp.StatusCode, resp)
		})
		r.Post("/congregations/{congregationID}/members", func(w http.ResponseWriter, r *http.Request) {
			congregationID, err := strconv.ParseUint(chi.URLParam(r, "congregationID"), 10, 64)
			if err != nil {
				a.WriteError(w, r, NewValidationError("invalid congregation id"))
				return
			}
			resp := a.GrantMembershipHandler(r, uint(congregationID))
			writeJSON(w, resp.StatusCode, resp)
		})
	})

	return r
}

// syncSessionCookie sets the session cookie after a sign-in, or clears it
// when the request arrived with a cookie and is no longer signed in.
func (a *AuthService) syncSessionCookie(w http.ResponseWriter, r *http.Request, token string, session *Session) {
	if token != "" && session != nil {
		http.SetCookie(w, a.sessions.Cookie(r, token, session))
		return
	}
	if hasCookie(r, a.sessionConfig.CookieName) && !a.requestContext(r).IsAuthenticated() {
		http.SetCookie(w, a.sessions.ClearCookie(r))
	}
}
