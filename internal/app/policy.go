package app

import "github.com/fluxora/streamledger/internal/domain"

// Policy is the configuration port used by the application.
// Implemented by internal/policy.Policy.
type Policy interface {
	// EscrowAccount is the principal that holds locked deposits.
	EscrowAccount() domain.Principal
	StateFile() string
	SignalFilePath() string
}
