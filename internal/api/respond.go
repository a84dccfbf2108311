package api

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-agent-router/internal/domain"
	"github.com/xela07ax/spaceai-agent-router/internal/engine"
	"github.com/xela07ax/spaceai-agent-router/internal/infra/auth"
	"github.com/xela07ax/spaceai-agent-router/internal/venue"
	"go.uber.org/zap"
)

type errorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(body io.Reader, dst any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return domain.ErrInvalidRequest.Wrap(err)
	}
	return nil
}

// statusOf maps an error kind to the HTTP status.
func statusOf(err error) int {
	switch domain.KindOf(err) {
	case domain.KindAuthorization, domain.KindPermission:
		return http.StatusForbidden
	case domain.KindPolicyState, domain.KindCircuitBreaker, domain.KindConflict:
		return http.StatusConflict
	case domain.KindRisk:
		if errors.Is(err, domain.ErrCooldownActive) {
			return http.StatusTooManyRequests
		}
		return http.StatusConflict
	case domain.KindPolicyValidation:
		return http.StatusUnprocessableEntity
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindInvalidRequest:
		return http.StatusBadRequest
	case domain.KindUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)

	var cd *engine.Cooldown
	if errors.As(err, &cd) {
		secs := math.Ceil(time.Until(cd.Until).Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(int(secs)))
	}

	if isVenueRejection(err) {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "VENUE_REJECTED", Message: err.Error()})
		return
	}

	e, ok := domain.AsError(err)
	if !ok {
		s.logger.Error("internal error",
			zap.String("path", r.URL.Path),
			zap.String("trace_id", engine.TraceID(r.Context())),
			zap.Error(err),
		)
		writeJSON(w, status, errorResponse{Error: "INTERNAL", Message: "internal error"})
		return
	}
	writeJSON(w, status, errorResponse{Error: e.Code, Kind: string(e.Kind), Message: e.Error()})
}

func isVenueRejection(err error) bool {
	for _, target := range []error{
		venue.ErrInsufficientBalance,
		venue.ErrInsufficientCollateral,
		venue.ErrNoDebt,
		venue.ErrNoPrice,
		venue.ErrZeroAmount,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// caller is set by the auth middleware for every protected route.
func caller(r *http.Request) domain.Address {
	a, _ := auth.Caller(r.Context())
	return a
}

func strategyParam(r *http.Request) (domain.StrategyID, error) {
	raw := chi.URLParam(r, "id")
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, domain.ErrInvalidRequest.Withf("strategy id %q", raw)
	}
	return domain.StrategyID(n), nil
}

func principalParam(r *http.Request) (domain.Address, error) {
	raw := chi.URLParam(r, "principal")
	if !common.IsHexAddress(raw) {
		return domain.Address{}, domain.ErrInvalidRequest.Withf("principal %q", raw)
	}
	return common.HexToAddress(raw), nil
}
