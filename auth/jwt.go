package auth

import (
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTAuth sends "Authorization: Bearer <token>".
type JWTAuth struct {
	Token string
}

// NewJWTAuth ...
func NewJWTAuth(token string) *JWTAuth {
	return &JWTAuth{Token: token}
}

// Apply ...
func (a *JWTAuth) Apply(req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+a.Token)
	return nil
}

// Equal ...
func (a *JWTAuth) Equal(other Authenticator) bool {
	o, ok := other.(*JWTAuth)
	return ok && o.Token == a.Token
}

// Claims decodes the token claims without verifying the signature.
// The server is the authority on the signature; this is only used for inspection.
func (a *JWTAuth) Claims() (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(a.Token, claims); err != nil {
		return nil, fmt.Errorf("parse jwt: %w", err)
	}
	return claims, nil
}

// ExpiresAt returns the "exp" claim, or the zero time when the token has none.
func (a *JWTAuth) ExpiresAt() (time.Time, error) {
	claims, err := a.Claims()
	if err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, err
	}
	return exp.Time, nil
}
