package api

import (
	"context"

	"github.com/go-chi/chi/v5"

	"bizfolio/internal/auth"
	"bizfolio/internal/csrf"
	"bizfolio/internal/manager"
	"bizfolio/internal/session"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type API struct {
	Auth      *auth.Service
	Sessions  *session.Manager
	TenantMgr *manager.TenantManager
	Health    Pinger
	Cookies   auth.Cookies
	CSRF      *csrf.Guard
	Routers   *chi.Mux
}

func NewAPI(authSvc *auth.Service, sessions *session.Manager, tm *manager.TenantManager, health Pinger, cookies auth.Cookies, origins []string) *API {
	a := &API{
		Auth:      authSvc,
		Sessions:  sessions,
		TenantMgr: tm,
		Health:    health,
		Cookies:   cookies,
		Routers:   chi.NewRouter(),
	}
	a.CSRF = csrf.NewGuard(origins, forbidden)
	return a
}
