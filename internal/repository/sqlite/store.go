package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/fluxora/streamledger/internal/app"
	"github.com/fluxora/streamledger/internal/domain"
)

// Amounts and uint64 timestamps are stored as TEXT: SQLite integers are
// signed 64-bit and cannot hold either range.
const schema = `
CREATE TABLE IF NOT EXISTS streams (
	id TEXT PRIMARY KEY,
	sender TEXT NOT NULL,
	recipient TEXT NOT NULL,
	deposit_amount TEXT NOT NULL,
	rate_per_second TEXT NOT NULL,
	start_time TEXT NOT NULL,
	cliff_time TEXT NOT NULL,
	end_time TEXT NOT NULL,
	withdrawn_amount TEXT NOT NULL DEFAULT '0',
	refunded_amount TEXT NOT NULL DEFAULT '0',
	status TEXT NOT NULL,
	paused_at TEXT NOT NULL DEFAULT '0',
	accrued_at_pause TEXT NOT NULL DEFAULT '0',
	pause_offset TEXT NOT NULL DEFAULT '0',
	created_at TEXT NOT NULL DEFAULT '0',
	updated_at TEXT NOT NULL DEFAULT '0'
);
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const indexes = `
CREATE INDEX IF NOT EXISTS idx_streams_status ON streams(status);
`

const (
	metaConfig       = "config"
	metaNextStreamID = "next_stream_id"
)

// Store implements app.StreamStore using SQLite. SQLite has no expiry, so
// records are kept until deleted and no lifetime is extended on write.
type Store struct {
	db *sql.DB
}

var _ app.StreamStore = (*Store)(nil)

// New opens the SQLite database at path (creating parent dirs and schema).
func New(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrap(err, "sqlite mkdir")
		}
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "sqlite open")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "sqlite schema")
	}
	if _, err := db.Exec(indexes); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "sqlite indexes")
	}
	return &Store{db: db}, nil
}

// Close releases the database connection. Call on shutdown for clean exit.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Update runs fn in a read-write transaction, committed only if fn succeeds.
func (s *Store) Update(ctx context.Context, fn func(app.StreamTx) error) error {
	return s.run(ctx, false, fn)
}

// View runs fn in a transaction that rejects writes and is always rolled back.
func (s *Store) View(ctx context.Context, fn func(app.StreamTx) error) error {
	return s.run(ctx, true, fn)
}

func (s *Store) run(ctx context.Context, readOnly bool, fn func(app.StreamTx) error) error {
	if s.db == nil {
		return errors.New("sqlite: store is closed")
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite begin")
	}
	defer sqlTx.Rollback()

	if err := fn(&tx{ctx: ctx, tx: sqlTx, readOnly: readOnly}); err != nil {
		return err
	}
	if readOnly {
		return nil
	}
	return errors.Wrap(sqlTx.Commit(), "sqlite commit")
}

type tx struct {
	ctx      context.Context
	tx       *sql.Tx
	readOnly bool
}

func (t *tx) writable() error {
	if t.readOnly {
		return errors.New("sqlite: write in read-only transaction")
	}
	return nil
}

func (t *tx) meta(key string) (string, bool, error) {
	var v string
	err := t.tx.QueryRowContext(t.ctx, "SELECT value FROM meta WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "sqlite read meta %s", key)
	}
	return v, true, nil
}

func (t *tx) putMeta(key, value string) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(t.ctx, "INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)", key, value)
	return errors.Wrapf(err, "sqlite write meta %s", key)
}

func (t *tx) HasConfig() (bool, error) {
	_, ok, err := t.meta(metaConfig)
	return ok, err
}

func (t *tx) Config() (*domain.Config, error) {
	v, ok, err := t.meta(metaConfig)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrNotInitialized
	}
	var cfg domain.Config
	if err := json.Unmarshal([]byte(v), &cfg); err != nil {
		return nil, errors.Wrap(err, "sqlite decode config")
	}
	return &cfg, nil
}

func (t *tx) PutConfig(cfg domain.Config) error {
	b, err := json.Marshal(cfg)
	if err != nil {
		return errors.WithStack(err)
	}
	return t.putMeta(metaConfig, string(b))
}

func (t *tx) AllocateID() (uint64, error) {
	id := uint64(1)
	v, ok, err := t.meta(metaNextStreamID)
	if err != nil {
		return 0, err
	}
	if ok {
		if id, err = strconv.ParseUint(v, 10, 64); err != nil {
			return 0, errors.Wrapf(err, "sqlite parse %s %q", metaNextStreamID, v)
		}
	}
	if id == ^uint64(0) {
		return 0, errors.Wrap(domain.ErrOverflow, "stream id space exhausted")
	}
	if err := t.putMeta(metaNextStreamID, strconv.FormatUint(id+1, 10)); err != nil {
		return 0, err
	}
	return id, nil
}

func (t *tx) Get(id uint64) (*domain.Stream, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT sender, recipient, deposit_amount, rate_per_second,
		start_time, cliff_time, end_time, withdrawn_amount, refunded_amount, status,
		paused_at, accrued_at_pause, pause_offset, created_at, updated_at
		FROM streams WHERE id = ?`, strconv.FormatUint(id, 10))

	var (
		sender, recipient, status                          string
		deposit, rate, withdrawn, refunded, accruedAtPause string
		start, cliff, end, pausedAt, offset, created, upd  string
	)
	err := row.Scan(&sender, &recipient, &deposit, &rate, &start, &cliff, &end,
		&withdrawn, &refunded, &status, &pausedAt, &accruedAtPause, &offset, &created, &upd)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(domain.ErrNotFound, "stream %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "sqlite read stream %d", id)
	}

	s := &domain.Stream{
		ID:        id,
		Sender:    domain.Principal(sender),
		Recipient: domain.Principal(recipient),
		Status:    domain.StreamStatus(status),
	}
	p := parser{context: "stream " + strconv.FormatUint(id, 10)}
	s.DepositAmount = p.amount(deposit)
	s.RatePerSecond = p.amount(rate)
	s.WithdrawnAmount = p.amount(withdrawn)
	s.RefundedAmount = p.amount(refunded)
	s.AccruedAtPause = p.amount(accruedAtPause)
	s.StartTime = p.uint(start)
	s.CliffTime = p.uint(cliff)
	s.EndTime = p.uint(end)
	s.PausedAt = p.uint(pausedAt)
	s.PauseOffset = p.uint(offset)
	s.CreatedAt = p.uint(created)
	s.UpdatedAt = p.uint(upd)
	if p.err != nil {
		return nil, p.err
	}
	if !s.Status.Valid() {
		return nil, errors.Errorf("sqlite: stream %d has unknown status %q", id, status)
	}
	return s, nil
}

func (t *tx) Put(s *domain.Stream) error {
	if err := t.writable(); err != nil {
		return err
	}
	if s == nil {
		return errors.New("sqlite: stream is nil")
	}
	u := func(v uint64) string { return strconv.FormatUint(v, 10) }
	_, err := t.tx.ExecContext(t.ctx, `INSERT OR REPLACE INTO streams (id, sender, recipient,
		deposit_amount, rate_per_second, start_time, cliff_time, end_time, withdrawn_amount,
		refunded_amount, status, paused_at, accrued_at_pause, pause_offset, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u(s.ID), string(s.Sender), string(s.Recipient),
		s.DepositAmount.String(), s.RatePerSecond.String(),
		u(s.StartTime), u(s.CliffTime), u(s.EndTime),
		s.WithdrawnAmount.String(), s.RefundedAmount.String(), string(s.Status),
		u(s.PausedAt), s.AccruedAtPause.String(), u(s.PauseOffset),
		u(s.CreatedAt), u(s.UpdatedAt))
	return errors.Wrapf(err, "sqlite write stream %d", s.ID)
}

// parser decodes TEXT columns, keeping the first error.
type parser struct {
	context string
	err     error
}

func (p *parser) amount(v string) decimal.Decimal {
	if p.err != nil {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		p.err = errors.Wrapf(err, "%s: parse amount %q", p.context, v)
	}
	return d
}

func (p *parser) uint(v string) uint64 {
	if p.err != nil {
		return 0
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		p.err = errors.Wrapf(err, "%s: parse integer %q", p.context, v)
	}
	return n
}
