package app

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fluxora/streamledger/internal/domain"
)

// StreamEngine runs the stream lifecycle over a StreamStore. Every public
// method is one serialized transaction: it either commits the record write
// together with its token transfers or leaves no effect.
type StreamEngine struct {
	store    StreamStore
	policy   Policy
	auth     Authorizer
	tokens   TokenTransfer
	clock    Clock
	observer Observer
	logger   *zap.Logger
	mu       sync.Mutex
}

// EngineOption configures a StreamEngine.
type EngineOption func(*StreamEngine)

// WithClock overrides the wall clock (tests, replay).
func WithClock(c Clock) EngineOption {
	return func(e *StreamEngine) { e.clock = c }
}

// WithObserver attaches an Observer (e.g. *Notifier) that is told about every
// committed change.
func WithObserver(o Observer) EngineOption {
	return func(e *StreamEngine) { e.observer = o }
}

// NewStreamEngine returns a StreamEngine.
func NewStreamEngine(store StreamStore, policy Policy, auth Authorizer, tokens TokenTransfer, logger *zap.Logger, opts ...EngineOption) *StreamEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &StreamEngine{
		store:    store,
		policy:   policy,
		auth:     auth,
		tokens:   tokens,
		clock:    SystemClock{},
		observer: nopObserver{},
		logger:   logger,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Init writes the ledger config once. The admin must authorize it.
func (e *StreamEngine) Init(ctx context.Context, token, admin domain.Principal) error {
	if token == "" || admin == "" {
		return errors.Wrap(domain.ErrInvalidParameters, "token and admin are required")
	}
	if err := e.auth.RequireCaller(ctx, admin); err != nil {
		return err
	}
	return e.mutate(ctx, "init", func(tx StreamTx, _ *settlement, _ uint64) ([]domain.StreamEvent, error) {
		ok, err := tx.HasConfig()
		if err != nil {
			return nil, err
		}
		if ok {
			return nil, domain.ErrAlreadyInitialized
		}
		return nil, tx.PutConfig(domain.Config{Token: token, Admin: admin})
	})
}

// GetConfig returns the ledger config or domain.ErrNotInitialized.
func (e *StreamEngine) GetConfig(ctx context.Context) (*domain.Config, error) {
	var cfg *domain.Config
	err := e.store.View(ctx, func(tx StreamTx) error {
		var err error
		cfg, err = tx.Config()
		return err
	})
	return cfg, err
}

// CreateStream locks the deposit from the sender and records a new Active
// stream. The deposit is debited before the record is written.
func (e *StreamEngine) CreateStream(ctx context.Context, in domain.CreateStreamInput) (uint64, error) {
	if err := e.auth.RequireCaller(ctx, in.Sender); err != nil {
		return 0, err
	}
	if err := in.Validate(); err != nil {
		return 0, err
	}
	var id uint64
	err := e.mutate(ctx, "create_stream", func(tx StreamTx, st *settlement, now uint64) ([]domain.StreamEvent, error) {
		st.add(in.Sender, e.policy.EscrowAccount(), in.DepositAmount)
		if err := st.settle(ctx, e.logger); err != nil {
			return nil, err
		}
		var err error
		if id, err = tx.AllocateID(); err != nil {
			return nil, err
		}
		s := &domain.Stream{
			ID:              id,
			Sender:          in.Sender,
			Recipient:       in.Recipient,
			DepositAmount:   in.DepositAmount,
			RatePerSecond:   in.RatePerSecond,
			StartTime:       in.StartTime,
			CliffTime:       in.CliffTime,
			EndTime:         in.EndTime,
			WithdrawnAmount: decimal.Zero,
			RefundedAmount:  decimal.Zero,
			AccruedAtPause:  decimal.Zero,
			Status:          domain.StatusActive,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.Put(s); err != nil {
			return nil, err
		}
		return []domain.StreamEvent{event(domain.EventCreated, s, in.DepositAmount, now)}, nil
	})
	if err != nil {
		return 0, err
	}
	e.logger.Info("stream created",
		zap.Uint64("stream_id", id),
		zap.String("sender", string(in.Sender)),
		zap.String("recipient", string(in.Recipient)),
		zap.String("deposit", in.DepositAmount.String()))
	return id, nil
}

// CalculateAccrued returns the amount unlocked so far. It never mutates.
func (e *StreamEngine) CalculateAccrued(ctx context.Context, id uint64) (decimal.Decimal, error) {
	s, err := e.GetStreamState(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	return s.AccruedAt(e.clock.Now()), nil
}

// GetStreamState returns the stored record for id.
func (e *StreamEngine) GetStreamState(ctx context.Context, id uint64) (*domain.Stream, error) {
	var s *domain.Stream
	err := e.store.View(ctx, func(tx StreamTx) error {
		var err error
		s, err = tx.Get(id)
		return err
	})
	return s, err
}

// Withdraw pays the recipient everything accrued and not yet withdrawn.
// Once accrual is final the payout completes the stream and the part of the
// deposit that was never streamed goes back to the sender.
func (e *StreamEngine) Withdraw(ctx context.Context, id uint64) (decimal.Decimal, error) {
	var paid decimal.Decimal
	err := e.mutate(ctx, "withdraw", func(tx StreamTx, st *settlement, now uint64) ([]domain.StreamEvent, error) {
		s, err := tx.Get(id)
		if err != nil {
			return nil, err
		}
		if err := e.auth.RequireCaller(ctx, s.Recipient); err != nil {
			return nil, err
		}
		next, err := s.Status.Next(domain.ActionWithdraw)
		if err != nil {
			return nil, err
		}
		paid = s.Payable(now)
		if !paid.IsPositive() {
			return nil, errors.Wrapf(domain.ErrNothingDue, "stream %d", id)
		}
		withdrawn, err := domain.AddAmount(s.WithdrawnAmount, paid)
		if err != nil {
			return nil, err
		}
		final := s.AccrualFinal(now)
		escrow := e.policy.EscrowAccount()
		st.add(escrow, s.Recipient, paid)

		s.WithdrawnAmount = withdrawn
		s.Status = next
		s.UpdatedAt = now
		events := []domain.StreamEvent{event(domain.EventWithdrawn, s, paid, now)}
		if final {
			refund, err := domain.SubAmount(s.DepositAmount, withdrawn)
			if err != nil {
				return nil, err
			}
			if s.Status, err = s.Status.Next(domain.ActionComplete); err != nil {
				return nil, err
			}
			st.add(escrow, s.Sender, refund)
			s.RefundedAmount = refund
			s.PausedAt = 0
			s.AccruedAtPause = decimal.Zero
			events = append(events, event(domain.EventCompleted, s, refund, now))
		}
		if err := tx.Put(s); err != nil {
			return nil, err
		}
		return events, nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	e.logger.Info("stream withdrawn", zap.Uint64("stream_id", id), zap.String("amount", paid.String()))
	return paid, nil
}

// PauseStream freezes accrual at its current value. Only the sender or the
// admin may pause.
func (e *StreamEngine) PauseStream(ctx context.Context, id uint64) error {
	err := e.mutate(ctx, "pause_stream", func(tx StreamTx, _ *settlement, now uint64) ([]domain.StreamEvent, error) {
		s, err := e.loadManaged(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if err := s.Pause(now); err != nil {
			return nil, err
		}
		s.UpdatedAt = now
		if err := tx.Put(s); err != nil {
			return nil, err
		}
		return []domain.StreamEvent{event(domain.EventPaused, s, s.AccruedAtPause, now)}, nil
	})
	if err != nil {
		return err
	}
	e.logger.Info("stream paused", zap.Uint64("stream_id", id))
	return nil
}

// ResumeStream restarts accrual on a paused stream without crediting the
// paused interval.
func (e *StreamEngine) ResumeStream(ctx context.Context, id uint64) error {
	err := e.mutate(ctx, "resume_stream", func(tx StreamTx, _ *settlement, now uint64) ([]domain.StreamEvent, error) {
		s, err := e.loadManaged(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if err := s.Resume(now); err != nil {
			return nil, err
		}
		s.UpdatedAt = now
		if err := tx.Put(s); err != nil {
			return nil, err
		}
		return []domain.StreamEvent{event(domain.EventResumed, s, decimal.Zero, now)}, nil
	})
	if err != nil {
		return err
	}
	e.logger.Info("stream resumed", zap.Uint64("stream_id", id))
	return nil
}

// CancelStream pays the recipient what has accrued but not been withdrawn and
// refunds the unaccrued remainder to the sender, in one settlement.
func (e *StreamEngine) CancelStream(ctx context.Context, id uint64) error {
	var due, refund decimal.Decimal
	err := e.mutate(ctx, "cancel_stream", func(tx StreamTx, st *settlement, now uint64) ([]domain.StreamEvent, error) {
		s, err := e.loadManaged(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		next, err := s.Status.Next(domain.ActionCancel)
		if err != nil {
			return nil, err
		}
		accrued := s.AccruedAt(now)
		if due, err = domain.SubAmount(accrued, s.WithdrawnAmount); err != nil {
			return nil, err
		}
		if refund, err = domain.SubAmount(s.DepositAmount, accrued); err != nil {
			return nil, err
		}
		escrow := e.policy.EscrowAccount()
		st.add(escrow, s.Recipient, due)
		st.add(escrow, s.Sender, refund)

		s.WithdrawnAmount = accrued
		s.RefundedAmount = refund
		s.PausedAt = 0
		s.AccruedAtPause = decimal.Zero
		s.Status = next
		s.UpdatedAt = now
		if err := tx.Put(s); err != nil {
			return nil, err
		}
		return []domain.StreamEvent{event(domain.EventCancelled, s, refund, now)}, nil
	})
	if err != nil {
		return err
	}
	e.logger.Info("stream cancelled",
		zap.Uint64("stream_id", id),
		zap.String("paid_to_recipient", due.String()),
		zap.String("refunded_to_sender", refund.String()))
	return nil
}

// loadManaged loads a stream and checks that the caller is its sender or the
// ledger admin.
func (e *StreamEngine) loadManaged(ctx context.Context, tx StreamTx, id uint64) (*domain.Stream, error) {
	s, err := tx.Get(id)
	if err != nil {
		return nil, err
	}
	if err := e.auth.RequireCaller(ctx, s.Sender); err == nil {
		return s, nil
	}
	cfg, err := tx.Config()
	if err != nil {
		return nil, err
	}
	if err := e.auth.RequireCaller(ctx, cfg.Admin); err != nil {
		return nil, errors.Wrapf(domain.ErrUnauthorized, "stream %d: caller is neither sender nor admin", id)
	}
	return s, nil
}

// mutate runs fn in a store transaction under the engine lock. Transfers
// staged by fn are settled before commit; if settlement or commit fails the
// settled transfers are reversed. Events are published only after commit.
func (e *StreamEngine) mutate(ctx context.Context, op string, fn func(StreamTx, *settlement, uint64) ([]domain.StreamEvent, error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	st := newSettlement(e.tokens)
	var events []domain.StreamEvent
	err := e.store.Update(ctx, func(tx StreamTx) error {
		cfg, err := tx.Config()
		switch {
		case err == nil:
			st.token = cfg.Token
		case errors.Is(err, domain.ErrNotInitialized) && op == "init":
		default:
			return err
		}
		if events, err = fn(tx, st, now); err != nil {
			return err
		}
		return st.settle(ctx, e.logger)
	})
	if err != nil {
		st.revert(ctx, e.logger)
		e.logger.Warn("operation aborted", zap.String("op", op), zap.Error(err))
		return err
	}
	for _, ev := range events {
		e.observer.StreamChanged(ev)
	}
	return nil
}

func event(kind domain.EventKind, s *domain.Stream, amount decimal.Decimal, now uint64) domain.StreamEvent {
	return domain.StreamEvent{Kind: kind, StreamID: s.ID, Amount: amount, Status: s.Status, At: now}
}
