// Package domain holds stream ledger entities, the lifecycle table and the
// accrual formula. It has no dependencies on other internal packages.
package domain

import (
	"github.com/shopspring/decimal"
)

// Principal is an opaque identity. It is only ever compared for equality.
type Principal string

// Config is the ledger-wide setup written once by Init.
type Config struct {
	Token Principal `json:"token"`
	Admin Principal `json:"admin"`
}

// Stream is one streaming agreement. Times are unix seconds. The schedule
// fields keep their creation values; pauses accumulate into PauseOffset and
// the effective schedule is shifted by it.
type Stream struct {
	ID              uint64          `json:"stream_id"`
	Sender          Principal       `json:"sender"`
	Recipient       Principal       `json:"recipient"`
	DepositAmount   decimal.Decimal `json:"deposit_amount"`
	RatePerSecond   decimal.Decimal `json:"rate_per_second"`
	StartTime       uint64          `json:"start_time"`
	CliffTime       uint64          `json:"cliff_time"`
	EndTime         uint64          `json:"end_time"`
	WithdrawnAmount decimal.Decimal `json:"withdrawn_amount"`
	RefundedAmount  decimal.Decimal `json:"refunded_amount"`
	Status          StreamStatus    `json:"status"`
	PausedAt        uint64          `json:"paused_at,omitempty"`
	AccruedAtPause  decimal.Decimal `json:"accrued_at_pause"`
	PauseOffset     uint64          `json:"pause_offset,omitempty"`
	CreatedAt       uint64          `json:"created_at"`
	UpdatedAt       uint64          `json:"updated_at"`
}

// EffectiveStart is StartTime shifted by accumulated pauses.
func (s *Stream) EffectiveStart() uint64 { return addSat(s.StartTime, s.PauseOffset) }

// EffectiveCliff is CliffTime shifted by accumulated pauses.
func (s *Stream) EffectiveCliff() uint64 { return addSat(s.CliffTime, s.PauseOffset) }

// EffectiveEnd is EndTime shifted by accumulated pauses.
func (s *Stream) EffectiveEnd() uint64 { return addSat(s.EndTime, s.PauseOffset) }

// AccruedAt returns the cumulative amount unlocked at now. Before the cliff
// nothing is unlocked; a paused stream reports the amount frozen at pause;
// terminal streams report what the recipient ended up with.
func (s *Stream) AccruedAt(now uint64) decimal.Decimal {
	switch s.Status {
	case StatusCompleted, StatusCancelled:
		return s.WithdrawnAmount
	}
	if now < s.EffectiveCliff() {
		return decimal.Zero
	}
	if s.Status == StatusPaused {
		return s.AccruedAtPause
	}
	return s.scheduledAt(now)
}

// scheduledAt is min((min(now, end) - start) * rate, deposit) over the
// effective schedule, ignoring the cliff and status.
func (s *Stream) scheduledAt(now uint64) decimal.Decimal {
	start, end := s.EffectiveStart(), s.EffectiveEnd()
	t := min(now, end)
	if t <= start {
		return decimal.Zero
	}
	return decimal.Min(MulSaturating(t-start, s.RatePerSecond), s.DepositAmount)
}

// Payable is accrued minus already withdrawn at now.
func (s *Stream) Payable(now uint64) decimal.Decimal {
	return s.AccruedAt(now).Sub(s.WithdrawnAmount)
}

// AccrualFinal reports whether accrual can no longer grow: the effective end
// has passed or the deposit is fully unlocked. A paused stream is judged at
// the moment it was paused, since resuming shifts the schedule.
func (s *Stream) AccrualFinal(now uint64) bool {
	switch s.Status {
	case StatusCompleted, StatusCancelled:
		return true
	case StatusPaused:
		now = s.PausedAt
	}
	if now >= s.EffectiveEnd() {
		return true
	}
	return now >= s.EffectiveCliff() && s.scheduledAt(now).GreaterThanOrEqual(s.DepositAmount)
}

// Pause freezes accrual at now.
func (s *Stream) Pause(now uint64) error {
	next, err := s.Status.Next(ActionPause)
	if err != nil {
		return err
	}
	s.AccruedAtPause = s.AccruedAt(now)
	s.PausedAt = now
	s.Status = next
	return nil
}

// Resume restarts accrual. The part of the paused interval that overlapped
// the effective schedule is added to PauseOffset, so the paused time never
// accrues retroactively.
func (s *Stream) Resume(now uint64) error {
	next, err := s.Status.Next(ActionResume)
	if err != nil {
		return err
	}
	from := max(s.PausedAt, s.EffectiveStart())
	to := min(now, s.EffectiveEnd())
	if to > from {
		s.PauseOffset = addSat(s.PauseOffset, to-from)
	}
	s.PausedAt = 0
	s.AccruedAtPause = decimal.Zero
	s.Status = next
	return nil
}

// Conserved reports whether withdrawn + refunded stays within the deposit,
// with equality on terminal streams.
func (s *Stream) Conserved() bool {
	total := s.WithdrawnAmount.Add(s.RefundedAmount)
	if s.WithdrawnAmount.IsNegative() || total.GreaterThan(s.DepositAmount) {
		return false
	}
	if s.Status.Terminal() {
		return total.Equal(s.DepositAmount)
	}
	return true
}

func addSat(a, b uint64) uint64 {
	if c := a + b; c >= a {
		return c
	}
	return ^uint64(0)
}
