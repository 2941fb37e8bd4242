package engine

import "errors"

var (
	// ErrInvalidInput marks a request rejected at validation time.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound marks a lookup for an unknown position or symbol.
	ErrNotFound = errors.New("not found")
)
