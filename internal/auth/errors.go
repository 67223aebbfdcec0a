package auth

import "errors"

var (
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrRateLimited  = errors.New("auth: too many attempts")
	ErrInvalidInput = errors.New("auth: invalid input")
)
