package app_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxora/streamledger/internal/app"
	"github.com/fluxora/streamledger/internal/auth"
	"github.com/fluxora/streamledger/internal/domain"
	"github.com/fluxora/streamledger/internal/token"
)

const (
	tokenID   domain.Principal = "usdc"
	admin     domain.Principal = "admin"
	escrow    domain.Principal = "escrow"
	sender    domain.Principal = "sender"
	recipient domain.Principal = "recipient"
	stranger  domain.Principal = "stranger"
)

// memStore is a copy-on-write StreamStore: Update works on a private copy
// and swaps it in only when fn succeeds.
type memStore struct {
	mu      sync.Mutex
	cfg     *domain.Config
	nextID  uint64
	streams map[uint64]domain.Stream
	puts    int
	failPut error
	// onCommit runs after fn succeeds; an error aborts the commit.
	onCommit func() error
}

func newMemStore() *memStore {
	return &memStore{nextID: 1, streams: make(map[uint64]domain.Stream)}
}

type memTx struct {
	store    *memStore
	cfg      *domain.Config
	nextID   uint64
	streams  map[uint64]domain.Stream
	readOnly bool
}

func (s *memStore) Update(_ context.Context, fn func(app.StreamTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := s.begin(false)
	if err := fn(tx); err != nil {
		return err
	}
	if s.onCommit != nil {
		if err := s.onCommit(); err != nil {
			return err
		}
	}
	s.cfg, s.nextID, s.streams = tx.cfg, tx.nextID, tx.streams
	return nil
}

func (s *memStore) View(_ context.Context, fn func(app.StreamTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.begin(true))
}

func (s *memStore) Close() error { return nil }

func (s *memStore) begin(readOnly bool) *memTx {
	streams := make(map[uint64]domain.Stream, len(s.streams))
	for k, v := range s.streams {
		streams[k] = v
	}
	return &memTx{store: s, cfg: s.cfg, nextID: s.nextID, streams: streams, readOnly: readOnly}
}

func (tx *memTx) HasConfig() (bool, error) { return tx.cfg != nil, nil }

func (tx *memTx) Config() (*domain.Config, error) {
	if tx.cfg == nil {
		return nil, domain.ErrNotInitialized
	}
	c := *tx.cfg
	return &c, nil
}

func (tx *memTx) PutConfig(cfg domain.Config) error {
	tx.cfg = &cfg
	return nil
}

func (tx *memTx) AllocateID() (uint64, error) {
	id := tx.nextID
	tx.nextID++
	return id, nil
}

func (tx *memTx) Get(id uint64) (*domain.Stream, error) {
	s, ok := tx.streams[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &s, nil
}

func (tx *memTx) Put(s *domain.Stream) error {
	if tx.readOnly {
		return errors.New("read-only transaction")
	}
	if tx.store.failPut != nil {
		return tx.store.failPut
	}
	tx.store.puts++
	tx.streams[s.ID] = *s
	return nil
}

type testPolicy struct{}

func (testPolicy) EscrowAccount() domain.Principal { return escrow }
func (testPolicy) StateFile() string               { return "" }
func (testPolicy) SignalFilePath() string          { return "" }

// flakyTokens fails the transfer whose 1-based index equals failAt.
type flakyTokens struct {
	*token.Ledger
	calls  int
	failAt int
}

func (f *flakyTokens) Transfer(ctx context.Context, tok, from, to domain.Principal, amount decimal.Decimal) error {
	f.calls++
	if f.calls == f.failAt {
		return errors.New("bridge offline")
	}
	return f.Ledger.Transfer(ctx, tok, from, to, amount)
}

type recordingObserver struct {
	events []domain.StreamEvent
}

func (r *recordingObserver) StreamChanged(ev domain.StreamEvent) { r.events = append(r.events, ev) }

type fixture struct {
	engine   *app.StreamEngine
	store    *memStore
	ledger   *token.Ledger
	tokens   *flakyTokens
	observer *recordingObserver
	now      uint64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: newMemStore(), ledger: token.NewLedger(), observer: &recordingObserver{}}
	f.tokens = &flakyTokens{Ledger: f.ledger}
	f.engine = app.NewStreamEngine(f.store, testPolicy{}, auth.ContextAuthorizer{}, f.tokens, nil,
		app.WithClock(app.ClockFunc(func() uint64 { return f.now })),
		app.WithObserver(f.observer))
	require.NoError(t, f.engine.Init(as(admin), tokenID, admin))
	require.NoError(t, f.ledger.Mint(tokenID, sender, amt(10_000)))
	return f
}

func as(p domain.Principal) context.Context { return auth.WithCaller(context.Background(), p) }

func amt(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func (f *fixture) balance(p domain.Principal) decimal.Decimal { return f.ledger.BalanceOf(tokenID, p) }

func (f *fixture) create(t *testing.T) uint64 {
	t.Helper()
	id, err := f.engine.CreateStream(as(sender), domain.CreateStreamInput{
		Sender: sender, Recipient: recipient,
		DepositAmount: amt(1000), RatePerSecond: amt(1),
		StartTime: 100, CliffTime: 110, EndTime: 200,
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) accrued(t *testing.T, id uint64, now uint64) decimal.Decimal {
	t.Helper()
	f.now = now
	a, err := f.engine.CalculateAccrued(context.Background(), id)
	require.NoError(t, err)
	return a
}

func assertAmount(t *testing.T, want int64, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	if !got.Equal(amt(want)) {
		assert.Fail(t, fmt.Sprintf("want %d, got %s", want, got), msgAndArgs...)
	}
}

func TestInitOnlyOnce(t *testing.T) {
	f := newFixture(t)
	err := f.engine.Init(as(admin), tokenID, admin)
	assert.ErrorIs(t, err, domain.ErrAlreadyInitialized)

	cfg, err := f.engine.GetConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.Config{Token: tokenID, Admin: admin}, *cfg)
}

func TestCreateBeforeInitFails(t *testing.T) {
	store := newMemStore()
	e := app.NewStreamEngine(store, testPolicy{}, auth.ContextAuthorizer{}, token.NewLedger(), nil)
	_, err := e.CreateStream(as(sender), domain.CreateStreamInput{
		Sender: sender, Recipient: recipient, DepositAmount: amt(1), RatePerSecond: amt(1),
	})
	assert.ErrorIs(t, err, domain.ErrNotInitialized)

	_, err = e.GetConfig(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotInitialized)
}

func TestCreateStream(t *testing.T) {
	f := newFixture(t)
	f.now = 90
	id := f.create(t)
	assert.Equal(t, uint64(1), id)
	assert.Equal(t, uint64(2), f.create(t))

	s, err := f.engine.GetStreamState(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, sender, s.Sender)
	assert.Equal(t, recipient, s.Recipient)
	assertAmount(t, 1000, s.DepositAmount)
	assertAmount(t, 0, s.WithdrawnAmount)
	assert.Equal(t, domain.StatusActive, s.Status)
	assert.Equal(t, uint64(90), s.CreatedAt)

	assertAmount(t, 8000, f.balance(sender))
	assertAmount(t, 2000, f.balance(escrow))
	require.NotEmpty(t, f.observer.events)
	assert.Equal(t, domain.EventCreated, f.observer.events[len(f.observer.events)-1].Kind)
}

func TestCreateStreamRejections(t *testing.T) {
	f := newFixture(t)
	valid := domain.CreateStreamInput{
		Sender: sender, Recipient: recipient,
		DepositAmount: amt(1000), RatePerSecond: amt(1),
		StartTime: 100, CliffTime: 110, EndTime: 200,
	}

	_, err := f.engine.CreateStream(as(stranger), valid)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	bad := valid
	bad.CliffTime = 90
	_, err = f.engine.CreateStream(as(sender), bad)
	assert.ErrorIs(t, err, domain.ErrInvalidParameters)

	bad = valid
	bad.DepositAmount = amt(0)
	_, err = f.engine.CreateStream(as(sender), bad)
	assert.ErrorIs(t, err, domain.ErrInvalidParameters)

	bad = valid
	bad.DepositAmount = amt(1_000_000)
	_, err = f.engine.CreateStream(as(sender), bad)
	assert.ErrorIs(t, err, domain.ErrTransferFailed)

	assert.Zero(t, f.store.puts, "no record may be written by a rejected create")
	assertAmount(t, 10_000, f.balance(sender))

	// The failed creates must not consume ids.
	assert.Equal(t, uint64(1), f.create(t))
}

func TestCreateStreamStoreFailureRefundsDeposit(t *testing.T) {
	f := newFixture(t)
	f.store.failPut = errors.New("disk full")
	_, err := f.engine.CreateStream(as(sender), domain.CreateStreamInput{
		Sender: sender, Recipient: recipient,
		DepositAmount: amt(1000), RatePerSecond: amt(1),
		StartTime: 100, CliffTime: 110, EndTime: 200,
	})
	require.Error(t, err)
	assertAmount(t, 10_000, f.balance(sender))
	assertAmount(t, 0, f.balance(escrow))

	_, err = f.engine.GetStreamState(context.Background(), 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestWithdrawScenario(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)

	assertAmount(t, 0, f.accrued(t, id, 105))
	assertAmount(t, 50, f.accrued(t, id, 150))

	f.now = 150
	paid, err := f.engine.Withdraw(as(recipient), id)
	require.NoError(t, err)
	assertAmount(t, 50, paid)
	s, err := f.engine.GetStreamState(context.Background(), id)
	require.NoError(t, err)
	assertAmount(t, 50, s.WithdrawnAmount)

	_, err = f.engine.Withdraw(as(recipient), id)
	assert.ErrorIs(t, err, domain.ErrNothingDue)

	assertAmount(t, 100, f.accrued(t, id, 1300))
	f.now = 1300
	paid, err = f.engine.Withdraw(as(recipient), id)
	require.NoError(t, err)
	assertAmount(t, 50, paid)
	assertAmount(t, 100, f.balance(recipient))

	s, err = f.engine.GetStreamState(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, s.Status)
	assertAmount(t, 100, s.WithdrawnAmount)
	assertAmount(t, 900, s.RefundedAmount)
	assert.True(t, s.Conserved())
	assertAmount(t, 9000+900, f.balance(sender), "unstreamed deposit returns to the sender")
	assertAmount(t, 0, f.balance(escrow))

	last := f.observer.events[len(f.observer.events)-1]
	assert.Equal(t, domain.EventCompleted, last.Kind)
	assertAmount(t, 900, last.Amount)
}

func TestWithdrawAtEndCompletesInOneCall(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)
	f.now = 200
	paid, err := f.engine.Withdraw(as(recipient), id)
	require.NoError(t, err)
	assertAmount(t, 100, paid)

	s, err := f.engine.GetStreamState(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, s.Status)
	assertAmount(t, 900, s.RefundedAmount)
	assertAmount(t, 100, f.accrued(t, id, 5000))
}

func TestWithdrawCompletionRefundFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)
	f.now = 1300
	// Completion stages the recipient payout, then the sender refund.
	f.tokens.failAt = f.tokens.calls + 2
	_, err := f.engine.Withdraw(as(recipient), id)
	assert.ErrorIs(t, err, domain.ErrTransferFailed)

	assertAmount(t, 0, f.balance(recipient))
	assertAmount(t, 1000, f.balance(escrow))
	s, err := f.engine.GetStreamState(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, s.Status)
	assertAmount(t, 0, s.WithdrawnAmount)
}

func TestWithdrawCompletesWhenDepositDrained(t *testing.T) {
	f := newFixture(t)
	id, err := f.engine.CreateStream(as(sender), domain.CreateStreamInput{
		Sender: sender, Recipient: recipient,
		DepositAmount: amt(100), RatePerSecond: amt(1),
		StartTime: 100, CliffTime: 110, EndTime: 200,
	})
	require.NoError(t, err)

	f.now = 150
	_, err = f.engine.Withdraw(as(recipient), id)
	require.NoError(t, err)

	f.now = 1300
	paid, err := f.engine.Withdraw(as(recipient), id)
	require.NoError(t, err)
	assertAmount(t, 50, paid)

	s, err := f.engine.GetStreamState(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, s.Status)
	assert.True(t, s.Conserved())

	_, err = f.engine.Withdraw(as(recipient), id)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.ErrorIs(t, f.engine.CancelStream(as(sender), id), domain.ErrInvalidState)

	last := f.observer.events[len(f.observer.events)-1]
	assert.Equal(t, domain.EventCompleted, last.Kind)
}

func TestWithdrawRequiresRecipient(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)
	f.now = 150
	_, err := f.engine.Withdraw(as(sender), id)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = f.engine.Withdraw(as(admin), id)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = f.engine.Withdraw(as(recipient), 99)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestWithdrawTransferFailureLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)
	f.now = 150
	f.tokens.failAt = f.tokens.calls + 1
	_, err := f.engine.Withdraw(as(recipient), id)
	assert.ErrorIs(t, err, domain.ErrTransferFailed)

	s, err := f.engine.GetStreamState(context.Background(), id)
	require.NoError(t, err)
	assertAmount(t, 0, s.WithdrawnAmount)
	assertAmount(t, 0, f.balance(recipient))
	assertAmount(t, 1000, f.balance(escrow))
}

func TestPauseResumeScenario(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)

	f.now = 150
	require.NoError(t, f.engine.PauseStream(as(sender), id))
	s, err := f.engine.GetStreamState(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaused, s.Status)
	assertAmount(t, 50, s.AccruedAtPause)

	assertAmount(t, 50, f.accrued(t, id, 155))
	assertAmount(t, 50, f.accrued(t, id, 160))

	f.now = 160
	require.NoError(t, f.engine.ResumeStream(as(sender), id))
	assertAmount(t, 60, f.accrued(t, id, 170))
	assertAmount(t, 100, f.accrued(t, id, 500))
}

func TestPauseAllowsWithdrawOfFrozenAmount(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)
	f.now = 150
	require.NoError(t, f.engine.PauseStream(as(admin), id))

	f.now = 180
	paid, err := f.engine.Withdraw(as(recipient), id)
	require.NoError(t, err)
	assertAmount(t, 50, paid)

	s, err := f.engine.GetStreamState(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaused, s.Status)

	_, err = f.engine.Withdraw(as(recipient), id)
	assert.ErrorIs(t, err, domain.ErrNothingDue)
}

func TestPauseResumeStateChecks(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)
	f.now = 150

	assert.ErrorIs(t, f.engine.ResumeStream(as(sender), id), domain.ErrInvalidState)
	assert.ErrorIs(t, f.engine.PauseStream(as(stranger), id), domain.ErrUnauthorized)
	assert.ErrorIs(t, f.engine.PauseStream(as(recipient), id), domain.ErrUnauthorized)

	require.NoError(t, f.engine.PauseStream(as(sender), id))
	assert.ErrorIs(t, f.engine.PauseStream(as(sender), id), domain.ErrInvalidState)
	require.NoError(t, f.engine.ResumeStream(as(admin), id))

	f.now = 300
	require.NoError(t, f.engine.PauseStream(as(sender), id))
	assert.ErrorIs(t, f.engine.PauseStream(as(admin), id), domain.ErrInvalidState)
}

func TestAccruedConstantWhilePaused(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)
	f.now = 130
	require.NoError(t, f.engine.PauseStream(as(sender), id))

	for _, now := range []uint64{130, 131, 150, 199, 200, 201, 1300, 1 << 40} {
		assertAmount(t, 20, f.accrued(t, id, now), "now=%d", now)
	}
}

func TestPauseAfterEndThenWithdrawCompletes(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)
	f.now = 250
	require.NoError(t, f.engine.PauseStream(as(sender), id))
	assertAmount(t, 100, f.accrued(t, id, 250))
	assertAmount(t, 100, f.accrued(t, id, 400))

	f.now = 400
	paid, err := f.engine.Withdraw(as(recipient), id)
	require.NoError(t, err)
	assertAmount(t, 100, paid)

	s, err := f.engine.GetStreamState(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, s.Status)
	assertAmount(t, 900, s.RefundedAmount)
	assert.True(t, s.Conserved())
	assertAmount(t, 9000+900, f.balance(sender))
	assertAmount(t, 0, f.balance(escrow))
	assert.ErrorIs(t, f.engine.ResumeStream(as(sender), id), domain.ErrInvalidState)
}

func TestCancelScenario(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)
	f.now = 150
	require.NoError(t, f.engine.CancelStream(as(sender), id))

	assertAmount(t, 50, f.balance(recipient))
	assertAmount(t, 9000+950, f.balance(sender))
	assertAmount(t, 0, f.balance(escrow))

	s, err := f.engine.GetStreamState(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, s.Status)
	assertAmount(t, 50, s.WithdrawnAmount)
	assertAmount(t, 950, s.RefundedAmount)
	assert.True(t, s.Conserved())

	f.now = 190
	_, err = f.engine.Withdraw(as(recipient), id)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.ErrorIs(t, f.engine.CancelStream(as(sender), id), domain.ErrInvalidState)
	assert.ErrorIs(t, f.engine.PauseStream(as(sender), id), domain.ErrInvalidState)
	assertAmount(t, 50, f.accrued(t, id, 190))
}

func TestCancelAfterPartialWithdrawAndPause(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)
	f.now = 130
	_, err := f.engine.Withdraw(as(recipient), id)
	require.NoError(t, err)
	f.now = 150
	require.NoError(t, f.engine.PauseStream(as(sender), id))

	f.now = 400
	require.NoError(t, f.engine.CancelStream(as(admin), id))
	assertAmount(t, 50, f.balance(recipient))
	assertAmount(t, 9000+950, f.balance(sender))

	s, err := f.engine.GetStreamState(context.Background(), id)
	require.NoError(t, err)
	assertAmount(t, 50, s.WithdrawnAmount)
	assert.True(t, s.Conserved())
}

func TestCancelSecondTransferFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)
	f.now = 150
	// Cancel stages recipient payout, then sender refund; fail the refund.
	f.tokens.failAt = f.tokens.calls + 2
	err := f.engine.CancelStream(as(sender), id)
	assert.ErrorIs(t, err, domain.ErrTransferFailed)

	assertAmount(t, 0, f.balance(recipient), "payout must be reversed")
	assertAmount(t, 1000, f.balance(escrow))
	s, err := f.engine.GetStreamState(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, s.Status)
	assertAmount(t, 0, s.WithdrawnAmount)
}

func TestCancelStoreFailureReversesTransfers(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)
	f.now = 150
	f.store.failPut = errors.New("disk full")
	require.Error(t, f.engine.CancelStream(as(sender), id))
	f.store.failPut = nil

	assertAmount(t, 0, f.balance(recipient))
	assertAmount(t, 9000, f.balance(sender))
	assertAmount(t, 1000, f.balance(escrow))
}

func TestCreateStreamCancelledDuringCommitRefundsDeposit(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(as(sender))
	defer cancel()
	f.store.onCommit = func() error {
		cancel()
		return errors.Wrap(ctx.Err(), "commit")
	}
	_, err := f.engine.CreateStream(ctx, domain.CreateStreamInput{
		Sender: sender, Recipient: recipient,
		DepositAmount: amt(1000), RatePerSecond: amt(1),
		StartTime: 100, CliffTime: 110, EndTime: 200,
	})
	require.ErrorIs(t, err, context.Canceled)
	f.store.onCommit = nil

	assertAmount(t, 10_000, f.balance(sender))
	assertAmount(t, 0, f.balance(escrow))
	_, err = f.engine.GetStreamState(context.Background(), 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancelStreamCancelledDuringCommitReversesTransfers(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)
	f.now = 150
	ctx, cancel := context.WithCancel(as(sender))
	defer cancel()
	f.store.onCommit = func() error {
		cancel()
		return errors.Wrap(ctx.Err(), "commit")
	}
	require.ErrorIs(t, f.engine.CancelStream(ctx, id), context.Canceled)
	f.store.onCommit = nil

	assertAmount(t, 0, f.balance(recipient))
	assertAmount(t, 9000, f.balance(sender))
	assertAmount(t, 1000, f.balance(escrow))
	s, err := f.engine.GetStreamState(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, s.Status)
}

func TestTerminalConservationWithExcessDeposit(t *testing.T) {
	f := newFixture(t)
	// rate x duration = 100, so 400 of the deposit can never stream.
	id, err := f.engine.CreateStream(as(sender), domain.CreateStreamInput{
		Sender: sender, Recipient: recipient,
		DepositAmount: amt(500), RatePerSecond: amt(1),
		StartTime: 100, CliffTime: 100, EndTime: 200,
	})
	require.NoError(t, err)

	for now := uint64(100); now <= 260; now += 7 {
		f.now = now
		switch now {
		case 135:
			require.NoError(t, f.engine.PauseStream(as(sender), id))
		case 156:
			require.NoError(t, f.engine.ResumeStream(as(admin), id))
		}
		if _, err := f.engine.Withdraw(as(recipient), id); err != nil {
			require.ErrorIs(t, err, domain.ErrNothingDue, "now=%d", now)
		}
		s, err := f.engine.GetStreamState(context.Background(), id)
		require.NoError(t, err)
		require.True(t, s.Conserved(), "now=%d", now)
		if s.Status.Terminal() {
			break
		}
	}
	s, err := f.engine.GetStreamState(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, s.Status)
	assertAmount(t, 500, s.WithdrawnAmount.Add(s.RefundedAmount))
	assertAmount(t, 100, s.WithdrawnAmount)
	assertAmount(t, 100, f.balance(recipient))
	assertAmount(t, 9500+400, f.balance(sender))
	assertAmount(t, 0, f.balance(escrow))
}

func TestGetStreamStateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)
	f.now = 150
	puts := f.store.puts
	first, err := f.engine.GetStreamState(context.Background(), id)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := f.engine.GetStreamState(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, first, again)
		_, err = f.engine.CalculateAccrued(context.Background(), id)
		require.NoError(t, err)
	}
	assert.Equal(t, puts, f.store.puts)

	_, err = f.engine.GetStreamState(context.Background(), 42)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestWithdrawnNeverExceedsDeposit(t *testing.T) {
	f := newFixture(t)
	id, err := f.engine.CreateStream(as(sender), domain.CreateStreamInput{
		Sender: sender, Recipient: recipient,
		DepositAmount: amt(90), RatePerSecond: amt(1),
		StartTime: 100, CliffTime: 100, EndTime: 200,
	})
	require.NoError(t, err)

	for now := uint64(100); now <= 250; now += 3 {
		f.now = now
		if now == 130 {
			require.NoError(t, f.engine.PauseStream(as(sender), id))
		}
		if now == 142 {
			require.NoError(t, f.engine.ResumeStream(as(sender), id))
		}
		_, err := f.engine.Withdraw(as(recipient), id)
		if err != nil {
			require.True(t, errors.Is(err, domain.ErrNothingDue) || errors.Is(err, domain.ErrInvalidState), "unexpected %v", err)
		}
		s, err := f.engine.GetStreamState(context.Background(), id)
		require.NoError(t, err)
		require.True(t, s.Conserved(), "now=%d withdrawn=%s", now, s.WithdrawnAmount)
		assertAmount(t, 90, s.WithdrawnAmount.Add(f.balance(escrow)), "escrow + withdrawn must equal deposit at now=%d", now)
	}
	s, err := f.engine.GetStreamState(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, s.Status)
	assertAmount(t, 90, f.balance(recipient))
}
