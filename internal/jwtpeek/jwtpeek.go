// Package jwtpeek extracts claims from a JWT without verifying its
// signature. The backend is the authority on token validity; peeking is
// only used to align storage expiry with the token's own lifetime.
package jwtpeek

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMalformedJWT is returned when the token does not parse as a JWT.
var ErrMalformedJWT = errors.New("malformed JWT: expected header.payload.signature")

// Expiry returns the exp claim of the token. Returns a zero time with no
// error when the token carries no expiry. This performs no validation of
// the JWT, so its use should be carefully considered.
func Expiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, ErrMalformedJWT
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}
