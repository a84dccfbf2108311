package api

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/xela07ax/spaceai-agent-router/internal/audit"
	"github.com/xela07ax/spaceai-agent-router/internal/domain"
	"github.com/xela07ax/spaceai-agent-router/internal/policy"
)

// PolicyView is a policy as returned by the API, with the health factor floor
// also rendered as a decimal.
type PolicyView struct {
	StrategyID      domain.StrategyID `json:"strategy_id"`
	Authorized      bool              `json:"authorized"`
	MinHealthFactor string            `json:"min_health_factor_display"`
	Policy          *domain.Policy    `json:"policy"`
}

func (s *Server) view(principal domain.Address, id domain.StrategyID) (PolicyView, error) {
	p, err := s.deps.Router.Policies().Get(principal, id)
	if err != nil {
		return PolicyView{}, err
	}
	return PolicyView{
		StrategyID:      id,
		Authorized:      s.deps.Router.Grants().IsAuthorized(domain.PolicyKey{Principal: principal, StrategyID: id}),
		MinHealthFactor: policy.FormatHealthFactor(&p.MinHealthFactor),
		Policy:          &p,
	}, nil
}

type authorizeRequest struct {
	Policy        *domain.Policy        `json:"policy,omitempty"`
	Template      string                `json:"template,omitempty"`
	Customization *domain.Customization `json:"customization,omitempty"`
}

// POST /v1/strategies/{id}/authorization
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) {
	id, err := strategyParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req authorizeRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	principal := caller(r)
	switch {
	case req.Policy != nil && req.Template == "":
		err = s.deps.Router.Authorize(r.Context(), principal, id, *req.Policy)
	case req.Policy == nil && req.Template != "":
		var c domain.Customization
		if req.Customization != nil {
			c = *req.Customization
		}
		err = s.deps.Router.AuthorizeFromTemplate(r.Context(), principal, id, req.Template, c)
	default:
		err = domain.ErrInvalidRequest.Withf("exactly one of policy or template is required")
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	v, err := s.view(principal, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// DELETE /v1/strategies/{id}/authorization
func (s *Server) revoke(w http.ResponseWriter, r *http.Request) {
	id, err := strategyParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Router.Revoke(r.Context(), caller(r), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /v1/policies
func (s *Server) listPolicies(w http.ResponseWriter, r *http.Request) {
	principal := caller(r)
	out := []PolicyView{}
	for _, id := range s.deps.Router.Policies().Installed(principal) {
		v, err := s.view(principal, id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /v1/policies/{id}
func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	id, err := strategyParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err := s.view(caller(r), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) enablePolicy(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, true)
}

func (s *Server) disablePolicy(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, false)
}

func (s *Server) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id, err := strategyParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if enabled {
		err = s.deps.Router.EnablePolicy(r.Context(), caller(r), id)
	} else {
		err = s.deps.Router.DisablePolicy(r.Context(), caller(r), id)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type groupUpdate func(ctx context.Context, store *policy.Store, principal domain.Address, id domain.StrategyID, body io.Reader) error

func decodeGroup[T any](apply func(*policy.Store) func(context.Context, domain.Address, domain.StrategyID, T) error) groupUpdate {
	return func(ctx context.Context, store *policy.Store, principal domain.Address, id domain.StrategyID, body io.Reader) error {
		var v T
		if err := decodeJSON(body, &v); err != nil {
			return err
		}
		return apply(store)(ctx, principal, id, v)
	}
}

var groupUpdates = map[string]groupUpdate{
	"trading": decodeGroup(func(s *policy.Store) func(context.Context, domain.Address, domain.StrategyID, domain.TradingLimits) error {
		return s.UpdateTradingLimits
	}),
	"borrowing": decodeGroup(func(s *policy.Store) func(context.Context, domain.Address, domain.StrategyID, domain.BorrowingLimits) error {
		return s.UpdateBorrowingLimits
	}),
	"safety": decodeGroup(func(s *policy.Store) func(context.Context, domain.Address, domain.StrategyID, domain.SafetyControls) error {
		return s.UpdateSafetyControls
	}),
	"tokens": decodeGroup(func(s *policy.Store) func(context.Context, domain.Address, domain.StrategyID, domain.TokenLists) error {
		return s.UpdateTokenLists
	}),
	"permissions": decodeGroup(func(s *policy.Store) func(context.Context, domain.Address, domain.StrategyID, domain.Permissions) error {
		return s.UpdatePermissions
	}),
	"advanced": decodeGroup(func(s *policy.Store) func(context.Context, domain.Address, domain.StrategyID, domain.AdvancedLimits) error {
		return s.UpdateAdvancedLimits
	}),
}

// PATCH /v1/policies/{id}/{group}
func (s *Server) updatePolicy(w http.ResponseWriter, r *http.Request) {
	id, err := strategyParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	group := chi.URLParam(r, "group")
	update, ok := groupUpdates[group]
	if !ok {
		s.writeError(w, r, domain.ErrInvalidRequest.Withf("unknown field group %q", group))
		return
	}

	principal := caller(r)
	err = s.deps.Router.Configure(r.Context(), principal, id, func(ctx context.Context, store *policy.Store) error {
		return update(ctx, store, principal, id, r.Body)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	v, err := s.view(principal, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// GET /v1/policies/{id}/events?limit=N
func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		s.writeError(w, r, domain.ErrInvalidRequest.Withf("event history is not available"))
		return
	}
	id, err := strategyParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit <= 0 || limit > 1000 {
			s.writeError(w, r, domain.ErrInvalidRequest.Withf("limit %q", raw))
			return
		}
	}

	events, err := s.deps.Events.List(r.Context(), domain.PolicyKey{Principal: caller(r), StrategyID: id}, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// GET /v1/templates
func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Router.Policies().Catalog().List())
}

type healthResponse struct {
	HealthFactor   string       `json:"health_factor"`
	PortfolioValue *uint256.Int `json:"portfolio_value"`
}

// GET /v1/principals/{principal}/health
func (s *Server) principalHealth(w http.ResponseWriter, r *http.Request) {
	principal, err := principalParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	hf, err := s.deps.Venue.HealthFactor(r.Context(), principal)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	value, err := s.deps.Venue.PortfolioValue(r.Context(), principal)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		HealthFactor:   policy.FormatHealthFactor(&hf),
		PortfolioValue: &value,
	})
}
