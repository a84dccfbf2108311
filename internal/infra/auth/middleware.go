package auth

import (
	"context"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/xela07ax/spaceai-agent-router/internal/domain"
	"go.uber.org/zap"
)

// TokenValidator is implemented by BaseValidator.
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.Claims, error)
}

type ctxKey struct{}

// WithCaller stores the authenticated caller address.
func WithCaller(ctx context.Context, caller domain.Address) context.Context {
	return context.WithValue(ctx, ctxKey{}, caller)
}

// Caller returns the authenticated caller, if any.
func Caller(ctx context.Context) (domain.Address, bool) {
	a, ok := ctx.Value(ctxKey{}).(domain.Address)
	return a, ok
}

func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := WithCaller(r.Context(), common.HexToAddress(claims.Address))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
