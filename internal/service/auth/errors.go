package auth

import "errors"

// Token validation failures. The middleware maps all of them to 401.
var (
	ErrInvalidToken     = errors.New("invalid authentication token")
	ErrExpiredToken     = errors.New("authentication token has expired")
	ErrTokenNotYetValid = errors.New("authentication token not yet valid")
	// ErrWrongTokenType is returned for a well-signed token whose type
	// claim is not "access".
	ErrWrongTokenType = errors.New("wrong authentication token type")
)
