package authz

import "errors"

var (
	ErrNotFound     = errors.New("authz: not found")
	ErrConflict     = errors.New("authz: conflict")
	ErrForbidden    = errors.New("authz: forbidden")
	ErrInvalidInput = errors.New("authz: invalid input")
)
