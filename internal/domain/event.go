package domain

import "github.com/shopspring/decimal"

// EventKind names a committed ledger change.
type EventKind string

const (
	EventCreated   EventKind = "created"
	EventWithdrawn EventKind = "withdrawn"
	EventPaused    EventKind = "paused"
	EventResumed   EventKind = "resumed"
	EventCancelled EventKind = "cancelled"
	EventCompleted EventKind = "completed"
)

// StreamEvent describes one committed change to a stream. Amount is the
// value moved by the change (deposit, payout, refund) or zero.
type StreamEvent struct {
	Kind     EventKind       `json:"kind"`
	StreamID uint64          `json:"stream_id"`
	Amount   decimal.Decimal `json:"amount"`
	Status   StreamStatus    `json:"status"`
	At       uint64          `json:"at"`
}
