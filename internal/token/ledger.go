// Package token is an in-process token balance ledger. It implements the
// app.TokenTransfer port for the server and for tests.
package token

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/fluxora/streamledger/internal/domain"
)

type account struct {
	token, owner domain.Principal
}

// Ledger holds balances per (token, owner). Safe for concurrent use.
type Ledger struct {
	mu       sync.Mutex
	balances map[account]decimal.Decimal
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{balances: make(map[account]decimal.Decimal)}
}

// Mint credits amount of token to owner out of thin air (genesis balances).
func (l *Ledger) Mint(token, owner domain.Principal, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errors.Wrapf(domain.ErrInvalidParameters, "mint amount %s", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	k := account{token, owner}
	next, err := domain.AddAmount(l.balances[k], amount)
	if err != nil {
		return err
	}
	l.balances[k] = next
	return nil
}

// BalanceOf returns owner's balance of token.
func (l *Ledger) BalanceOf(token, owner domain.Principal) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account{token, owner}]
}

// Transfer implements app.TokenTransfer. It fails with
// domain.ErrTransferFailed and leaves balances untouched when the amount is
// not positive or the sender cannot cover it.
func (l *Ledger) Transfer(ctx context.Context, token, from, to domain.Principal, amount decimal.Decimal) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(domain.ErrTransferFailed, err.Error())
	}
	if !amount.IsPositive() {
		return errors.Wrapf(domain.ErrTransferFailed, "amount %s must be positive", amount)
	}
	if token == "" || from == "" || to == "" {
		return errors.Wrap(domain.ErrTransferFailed, "token, from and to are required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	src, dst := account{token, from}, account{token, to}
	if l.balances[src].LessThan(amount) {
		return errors.Wrapf(domain.ErrTransferFailed, "%s has %s, needs %s", from, l.balances[src], amount)
	}
	if from == to {
		return nil
	}
	credited, err := domain.AddAmount(l.balances[dst], amount)
	if err != nil {
		return errors.Wrap(domain.ErrTransferFailed, err.Error())
	}
	l.balances[src] = l.balances[src].Sub(amount)
	l.balances[dst] = credited
	return nil
}
