package auth

import "errors"

var (
	// ErrInvalidToken indicates the token failed validation.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrUnauthenticated is returned when no principal is attached to the request.
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	// ErrForbidden is returned when the principal lacks a permission.
	ErrForbidden = errors.New("auth: forbidden")
)
