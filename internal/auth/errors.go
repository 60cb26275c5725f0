package auth

import "errors"

var (
	ErrNotFound      = errors.New("auth: not found")
	ErrConflict      = errors.New("auth: conflict")
	ErrInvalidInput  = errors.New("auth: invalid input")
	ErrUnauthorized  = errors.New("auth: unauthorized")
	ErrAccountLocked = errors.New("auth: account disabled")
)
