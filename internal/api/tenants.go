package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"bizfolio/internal/model"
)

type businessView struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	Role      model.Role `json:"role"`
	CreatedAt time.Time  `json:"created_at"`
}

func newBusinessView(br model.BusinessRole) businessView {
	return businessView{ID: br.Business.ExternalID, Name: br.Business.Name, Role: br.Role, CreatedAt: br.Business.CreatedAt}
}

type businessRequest struct {
	Name string `json:"name"`
}

// @Summary List the caller's businesses
// @Tags Businesses
// @Security SessionCookie
// @Produce json
// @Success 200 {array} businessView
// @Router /api/businesses [get]
func (a *API) ListBusinesses(w http.ResponseWriter, r *http.Request) {
	list, err := a.TenantMgr.ListBusinesses(r.Context(), identity(r).Account)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]businessView, 0, len(list))
	for _, br := range list {
		out = append(out, newBusinessView(br))
	}
	writeJSON(w, http.StatusOK, out)
}

// @Summary Create a business
// @Description The caller becomes its admin.
// @Tags Businesses
// @Security SessionCookie
// @Accept json
// @Produce json
// @Param body body businessRequest true "Business name"
// @Success 201 {object} businessView
// @Router /api/businesses [post]
func (a *API) CreateBusiness(w http.ResponseWriter, r *http.Request) {
	var body businessRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	b, err := a.TenantMgr.CreateBusiness(r.Context(), identity(r).Account, body.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newBusinessView(model.BusinessRole{Business: b, Role: model.RoleAdmin}))
}

// @Summary Get a business
// @Tags Businesses
// @Security SessionCookie
// @Param businessID path string true "Business id"
// @Produce json
// @Success 200 {object} businessView
// @Router /api/businesses/{businessID} [get]
func (a *API) GetBusiness(w http.ResponseWriter, r *http.Request) {
	businessID, err := pathID(r, "businessID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	br, err := a.TenantMgr.GetBusiness(r.Context(), identity(r).Account, businessID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newBusinessView(br))
}

type memberRequest struct {
	Email string     `json:"email"`
	Role  model.Role `json:"role"`
}

// @Summary List members of a business
// @Tags Members
// @Security SessionCookie
// @Param businessID path string true "Business id"
// @Produce json
// @Success 200 {array} model.Member
// @Router /api/businesses/{businessID}/members [get]
func (a *API) ListMembers(w http.ResponseWriter, r *http.Request) {
	businessID, err := pathID(r, "businessID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	members, err := a.TenantMgr.ListMembers(r.Context(), identity(r).Account, businessID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(members))
}

// @Summary Add a member by email
// @Description Admin only. Adding an existing member is a conflict and
// @Description leaves the existing role unchanged.
// @Tags Members
// @Security SessionCookie
// @Param businessID path string true "Business id"
// @Param body body memberRequest true "Email and role"
// @Success 201 {object} model.Member
// @Router /api/businesses/{businessID}/members [post]
func (a *API) AddMember(w http.ResponseWriter, r *http.Request) {
	businessID, err := pathID(r, "businessID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body memberRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if body.Role == "" {
		body.Role = model.RoleMember
	}
	m, err := a.TenantMgr.AddMember(r.Context(), identity(r).Account, businessID, body.Email, body.Role)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

type portfolioRequest struct {
	Title string `json:"title"`
}

// @Summary List portfolios
// @Description Members only see visible portfolios.
// @Tags Portfolios
// @Security SessionCookie
// @Param businessID path string true "Business id"
// @Produce json
// @Success 200 {array} model.Portfolio
// @Router /api/businesses/{businessID}/portfolios [get]
func (a *API) ListPortfolios(w http.ResponseWriter, r *http.Request) {
	businessID, err := pathID(r, "businessID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	list, err := a.TenantMgr.ListPortfolios(r.Context(), identity(r).Account, businessID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

// @Summary Create a portfolio
// @Description Admin only. New portfolios are hidden.
// @Tags Portfolios
// @Security SessionCookie
// @Param businessID path string true "Business id"
// @Param body body portfolioRequest true "Title"
// @Success 201 {object} model.Portfolio
// @Router /api/businesses/{businessID}/portfolios [post]
func (a *API) CreatePortfolio(w http.ResponseWriter, r *http.Request) {
	businessID, err := pathID(r, "businessID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body portfolioRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := a.TenantMgr.CreatePortfolio(r.Context(), identity(r).Account, businessID, body.Title)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// portfolioIDs parses both ids of a portfolio route.
func portfolioIDs(r *http.Request) (uuid.UUID, uuid.UUID, error) {
	businessID, err := pathID(r, "businessID")
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	portfolioID, err := pathID(r, "portfolioID")
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return businessID, portfolioID, nil
}

// @Summary Get a portfolio
// @Tags Portfolios
// @Security SessionCookie
// @Param businessID path string true "Business id"
// @Param portfolioID path string true "Portfolio id"
// @Success 200 {object} model.Portfolio
// @Router /api/businesses/{businessID}/portfolios/{portfolioID} [get]
func (a *API) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	businessID, portfolioID, err := portfolioIDs(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	p, err := a.TenantMgr.GetPortfolio(r.Context(), identity(r).Account, businessID, portfolioID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type visibilityRequest struct {
	Visibility model.Visibility `json:"visibility"`
}

// @Summary Show or hide a portfolio
// @Description Admin only.
// @Tags Portfolios
// @Security SessionCookie
// @Param businessID path string true "Business id"
// @Param portfolioID path string true "Portfolio id"
// @Param body body visibilityRequest true "visible or hidden"
// @Success 200 {object} model.Portfolio
// @Router /api/businesses/{businessID}/portfolios/{portfolioID}/visibility [put]
func (a *API) SetVisibility(w http.ResponseWriter, r *http.Request) {
	businessID, portfolioID, err := portfolioIDs(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body visibilityRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := a.TenantMgr.SetVisibility(r.Context(), identity(r).Account, businessID, portfolioID, body.Visibility)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type commentRequest struct {
	Body string `json:"body"`
}

// @Summary List comments, oldest first
// @Tags Comments
// @Security SessionCookie
// @Param businessID path string true "Business id"
// @Param portfolioID path string true "Portfolio id"
// @Success 200 {array} model.Comment
// @Router /api/businesses/{businessID}/portfolios/{portfolioID}/comments [get]
func (a *API) ListComments(w http.ResponseWriter, r *http.Request) {
	businessID, portfolioID, err := portfolioIDs(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	comments, err := a.TenantMgr.ListComments(r.Context(), identity(r).Account, businessID, portfolioID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(comments))
}

// @Summary Comment on a portfolio
// @Tags Comments
// @Security SessionCookie
// @Param businessID path string true "Business id"
// @Param portfolioID path string true "Portfolio id"
// @Param body body commentRequest true "Comment text"
// @Success 201 {object} model.Comment
// @Router /api/businesses/{businessID}/portfolios/{portfolioID}/comments [post]
func (a *API) AddComment(w http.ResponseWriter, r *http.Request) {
	businessID, portfolioID, err := portfolioIDs(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body commentRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	c, err := a.TenantMgr.AddComment(r.Context(), identity(r).Account, businessID, portfolioID, body.Body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// nonNil keeps empty lists rendering as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
