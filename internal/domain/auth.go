package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// Claims identify the caller of the API. Address is the EVM account the
// caller acts as: a principal managing grants or a strategy controller
// executing on a principal's behalf.
type Claims struct {
	Address string `json:"address"`
	jwt.RegisteredClaims
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // always "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
}
