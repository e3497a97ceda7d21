package service

import "errors"

// Client-correctable failures. Handlers map them to 4xx with a generic message;
// any other error is treated as a storage failure.
var (
	ErrInvalidCredentials = errors.New("email or password is incorrect")
	ErrAccountInactive    = errors.New("account is inactive")
	ErrSessionInvalid     = errors.New("invalid session")
	ErrTokenMalformed     = errors.New("malformed token")
	ErrTokenExpired       = errors.New("token expired")
	ErrForbidden          = errors.New("forbidden")
	ErrValidation         = errors.New("validation failed")
	ErrInvalidToken       = errors.New("invalid token")
	ErrNotFound           = errors.New("not found")
)
