package core

import "errors"

var (
	// ErrAuthorizationDenied is never surfaced to clients.
	ErrAuthorizationDenied = errors.New("authorization denied")
	ErrValidation          = errors.New("validation error")
	ErrRateLimited         = errors.New("rate limited")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("already exists")
	ErrStore               = errors.New("store failure")
)
