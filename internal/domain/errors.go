package domain

import "github.com/pkg/errors"

// Ledger error kinds. Callers match them with errors.Is; adapters wrap them
// with context but never replace them.
var (
	ErrAlreadyInitialized = errors.New("already initialized")
	ErrNotInitialized     = errors.New("not initialized")
	ErrInvalidParameters  = errors.New("invalid parameters")
	ErrNotFound           = errors.New("stream not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidState       = errors.New("invalid state")
	ErrNothingDue         = errors.New("nothing due")
	ErrOverflow           = errors.New("arithmetic overflow")
	ErrTransferFailed     = errors.New("transfer failed")
)
