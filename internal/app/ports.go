package app

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fluxora/streamledger/internal/domain"
)

// Authorizer verifies that the current call was authorized by p.
// Implementation: internal/auth.
type Authorizer interface {
	// RequireCaller returns an error wrapping domain.ErrUnauthorized when the
	// call does not carry p's authorization.
	RequireCaller(ctx context.Context, p domain.Principal) error
}

// TokenTransfer moves token balances atomically. Implementation: internal/token.
type TokenTransfer interface {
	// Transfer moves amount of token from one principal to another. A failed
	// transfer has no effect.
	Transfer(ctx context.Context, token, from, to domain.Principal, amount decimal.Decimal) error
}

// Clock returns the current ledger time in unix seconds.
type Clock interface {
	Now() uint64
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() uint64 { return uint64(time.Now().Unix()) }

// ClockFunc adapts a function to Clock.
type ClockFunc func() uint64

// Now implements Clock.
func (f ClockFunc) Now() uint64 { return f() }

// Observer is told about every committed change, after commit.
type Observer interface {
	StreamChanged(ev domain.StreamEvent)
}

type nopObserver struct{}

func (nopObserver) StreamChanged(domain.StreamEvent) {}
