package models

import "errors"

var (
	ErrValidation        = errors.New("provided data is malformed or misses required fields")
	ErrNotFound          = errors.New("requested entity does not exist")
	ErrNotEligible       = errors.New("provider is not eligible for this request")
	ErrForbidden         = errors.New("provided actor does not have permission for this operation")
	ErrDuplicateOffer    = errors.New("provider already has a pending offer for this request")
	ErrInvalidState      = errors.New("entity is not in a state that allows this operation")
	ErrInvalidTransition = errors.New("requested status transition is not allowed")
	ErrConflict          = errors.New("request was changed concurrently, re-fetch and retry")
	ErrDependency        = errors.New("external dependency is unavailable")
)
