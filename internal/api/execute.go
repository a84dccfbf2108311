package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/xela07ax/spaceai-agent-router/internal/domain"
	"github.com/xela07ax/spaceai-agent-router/internal/policy"
)

type executeResponse struct {
	OrderID      domain.OrderID `json:"order_id,omitempty"`
	Filled       *uint256.Int   `json:"filled,omitempty"`
	HealthFactor string         `json:"health_factor,omitempty"`
}

// POST /v1/principals/{principal}/strategies/{id}/{action}
//
// The caller must control strategy {id}; funds move on {principal}'s account.
func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	principal, err := principalParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := strategyParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, r, domain.ErrInvalidRequest.Wrap(err))
		return
	}

	res, err := s.deps.Router.ProcessAction(r.Context(), caller(r), principal, id, chi.URLParam(r, "action"), payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := executeResponse{OrderID: res.OrderID, Filled: res.Filled}
	if res.HealthFactor != nil {
		out.HealthFactor = policy.FormatHealthFactor(res.HealthFactor)
	}
	writeJSON(w, http.StatusOK, out)
}
