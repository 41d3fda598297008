package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"bizfolio/internal/apperr"
	"bizfolio/internal/auth"
	"bizfolio/internal/ident"
	"bizfolio/internal/metrics"
	"bizfolio/internal/model"
)

func (a *API) Router() http.Handler {
	a.Routers.Use(middleware.RequestID)
	a.Routers.Use(middleware.RealIP)
	a.Routers.Use(LoggingMiddleware)
	a.Routers.Use(middleware.Recoverer)

	a.Routers.Get("/healthz", a.Healthz)
	a.Routers.Handle("/metrics", metrics.Handler())

	a.Routers.Route("/api", func(r chi.Router) {
		// Public: no session exists yet, so only the origin is checked.
		r.Group(func(r chi.Router) {
			r.Use(a.CSRF.RequireSameOrigin)
			r.Post("/auth/register", a.Register)
			r.Post("/auth/login", a.Login)
		})

		// Secured
		r.Group(func(r chi.Router) {
			r.Use(auth.Authenticate(a.Sessions, a.Cookies, writeError))
			r.Use(a.CSRF.Protect(auth.CSRFHash))

			r.Post("/auth/logout", a.Logout)
			r.Get("/auth/me", a.Me)
			r.Post("/auth/password", a.ChangePassword)
			r.Get("/auth/sessions", a.ListSessions)
			r.Delete("/auth/sessions/{sessionID}", a.RevokeSession)

			r.Get("/businesses", a.ListBusinesses)
			r.Post("/businesses", a.CreateBusiness)
			r.Route("/businesses/{businessID}", func(r chi.Router) {
				r.Get("/", a.GetBusiness)
				r.Get("/members", a.ListMembers)
				r.Post("/members", a.AddMember)
				r.Get("/portfolios", a.ListPortfolios)
				r.Post("/portfolios", a.CreatePortfolio)
				r.Route("/portfolios/{portfolioID}", func(r chi.Router) {
					r.Get("/", a.GetPortfolio)
					r.Put("/visibility", a.SetVisibility)
					r.Get("/comments", a.ListComments)
					r.Post("/comments", a.AddComment)
				})
			})
		})
	})

	return a.Routers
}

// pathID parses the external id in URL parameter name.
func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := ident.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, apperr.Invalid(name, "must be a valid id")
	}
	return id, nil
}

// identity is set by auth.Authenticate on every secured route.
func identity(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}

// @Summary Liveness and storage reachability
// @Tags Health
// @Produce json
// @Success 200 {object} map[string]string
// @Router /healthz [get]
func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	if a.Health != nil {
		if err := a.Health.Ping(r.Context()); err != nil {
			log.Error().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// @Summary Register an account
// @Tags Auth
// @Accept json
// @Produce json
// @Param body body credentials true "Email and password"
// @Success 201 {object} model.Account
// @Router /api/auth/register [post]
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	var body credentials
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	account, err := a.Auth.Register(r.Context(), body.Email, body.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}

	log.Info().Str("account", account.ExternalID.String()).Msg("account registered")
	writeJSON(w, http.StatusCreated, account)
}

type loginResponse struct {
	Account   model.Account `json:"account"`
	CSRFToken string        `json:"csrf_token"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// @Summary Log in
// @Description Sets the session cookie. The CSRF token in the body is shown
// @Description once and must be sent as X-CSRF-Token on every unsafe request.
// @Tags Auth
// @Accept json
// @Produce json
// @Param body body credentials true "Email and password"
// @Success 200 {object} loginResponse
// @Router /api/auth/login [post]
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	var body credentials
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	account, issued, err := a.Auth.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}

	a.Cookies.Set(w, issued.Token, issued.Session.ExpiresAt)
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, loginResponse{
		Account:   account,
		CSRFToken: issued.CSRFToken,
		ExpiresAt: issued.Session.ExpiresAt,
	})
}

// @Summary Log out
// @Tags Auth
// @Security SessionCookie
// @Success 204
// @Router /api/auth/logout [post]
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if err := a.Auth.Logout(r.Context(), id, id.Token); err != nil {
		writeError(w, r, err)
		return
	}
	a.Cookies.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

type sessionView struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Current   bool      `json:"current"`
}

func newSessionView(s model.Session, current model.Session) sessionView {
	return sessionView{ID: s.ExternalID, CreatedAt: s.CreatedAt, ExpiresAt: s.ExpiresAt, Current: s.ID == current.ID}
}

type meResponse struct {
	Account model.Account `json:"account"`
	Session sessionView   `json:"session"`
}

// @Summary Current account and session
// @Tags Auth
// @Security SessionCookie
// @Produce json
// @Success 200 {object} meResponse
// @Router /api/auth/me [get]
func (a *API) Me(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	writeJSON(w, http.StatusOK, meResponse{Account: id.Account, Session: newSessionView(id.Session, id.Session)})
}

type passwordChange struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// @Summary Change password
// @Description Every other session of the account is revoked.
// @Tags Auth
// @Security SessionCookie
// @Accept json
// @Param body body passwordChange true "Current and new password"
// @Success 204
// @Router /api/auth/password [post]
func (a *API) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var body passwordChange
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.Auth.ChangePassword(r.Context(), identity(r), body.CurrentPassword, body.NewPassword); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// @Summary List the caller's sessions
// @Tags Auth
// @Security SessionCookie
// @Produce json
// @Success 200 {array} sessionView
// @Router /api/auth/sessions [get]
func (a *API) ListSessions(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	sessions, err := a.Sessions.List(r.Context(), id.Account.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, newSessionView(s, id.Session))
	}
	writeJSON(w, http.StatusOK, out)
}

// @Summary Revoke one of the caller's sessions
// @Tags Auth
// @Security SessionCookie
// @Param sessionID path string true "Session id"
// @Success 204
// @Router /api/auth/sessions/{sessionID} [delete]
func (a *API) RevokeSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := pathID(r, "sessionID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	id := identity(r)
	if _, err := a.Sessions.RevokeByID(r.Context(), id.Account.ID, sessionID); err != nil {
		writeError(w, r, err)
		return
	}
	if sessionID == id.Session.ExternalID {
		a.Cookies.Clear(w)
	}
	w.WriteHeader(http.StatusNoContent)
}
