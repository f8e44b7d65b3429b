package app

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fluxora/streamledger/internal/domain"
)

type transfer struct {
	from, to domain.Principal
	amount   decimal.Decimal
}

// settlement stages the token movements of one operation. settle executes
// pending transfers in order; if one fails, the ones already executed in
// this call are reversed. revert undoes everything settled so far and is
// used when the store commit fails after settlement.
type settlement struct {
	tokens  TokenTransfer
	token   domain.Principal
	pending []transfer
	settled []transfer
}

func newSettlement(tokens TokenTransfer) *settlement {
	return &settlement{tokens: tokens}
}

// add stages a transfer. Non-positive amounts are dropped.
func (s *settlement) add(from, to domain.Principal, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	s.pending = append(s.pending, transfer{from: from, to: to, amount: amount})
}

func (s *settlement) settle(ctx context.Context, logger *zap.Logger) error {
	mark := len(s.settled)
	for len(s.pending) > 0 {
		t := s.pending[0]
		if err := s.tokens.Transfer(ctx, s.token, t.from, t.to, t.amount); err != nil {
			s.undo(ctx, logger, mark)
			s.pending = nil
			if errors.Is(err, domain.ErrTransferFailed) {
				return err
			}
			return errors.Wrap(domain.ErrTransferFailed, err.Error())
		}
		s.settled = append(s.settled, t)
		s.pending = s.pending[1:]
	}
	return nil
}

func (s *settlement) revert(ctx context.Context, logger *zap.Logger) {
	s.undo(ctx, logger, 0)
	s.pending = nil
}

// undo reverses settled transfers down to index mark, newest first. It
// ignores cancellation of ctx: the caller going away must not strand funds.
func (s *settlement) undo(ctx context.Context, logger *zap.Logger, mark int) {
	ctx = context.WithoutCancel(ctx)
	for i := len(s.settled) - 1; i >= mark; i-- {
		t := s.settled[i]
		if err := s.tokens.Transfer(ctx, s.token, t.to, t.from, t.amount); err != nil {
			logger.Error("reverse transfer failed",
				zap.String("from", string(t.to)),
				zap.String("to", string(t.from)),
				zap.String("amount", t.amount.String()),
				zap.Error(err))
		}
	}
	s.settled = s.settled[:mark]
}
