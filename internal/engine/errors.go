package engine

import "errors"

// Error kinds surfaced to the caller. Wrap with %w and detail (order id,
// requested vs. actual state) so the API layer can render a message.
var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidState       = errors.New("invalid state")
	ErrConflict           = errors.New("conflict")
	ErrPersistenceFailure = errors.New("persistence failure")
)
