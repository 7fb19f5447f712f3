package domain

import "errors"

// Sentinel errors shared by the store, app and api layers. Callers wrap them
// with fmt.Errorf("...: %w", err) and the HTTP edge maps them with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrForbidden         = errors.New("forbidden")
	ErrAlreadyExists     = errors.New("already exists")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrRateLimited       = errors.New("rate limited")
	ErrInvalidInput      = errors.New("invalid input")
)
