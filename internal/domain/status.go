package domain

import "github.com/pkg/errors"

// StreamStatus is the lifecycle state of a stream.
type StreamStatus string

const (
	StatusActive    StreamStatus = "active"
	StatusPaused    StreamStatus = "paused"
	StatusCompleted StreamStatus = "completed"
	StatusCancelled StreamStatus = "cancelled"
)

// Valid reports whether s is one of the four known states.
func (s StreamStatus) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s StreamStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Action is a lifecycle operation applied to a stream.
type Action string

const (
	ActionPause    Action = "pause"
	ActionResume   Action = "resume"
	ActionWithdraw Action = "withdraw"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
)

// transitions lists every allowed (status, action) pair. Anything missing is
// rejected.
var transitions = map[StreamStatus]map[Action]StreamStatus{
	StatusActive: {
		ActionPause:    StatusPaused,
		ActionWithdraw: StatusActive,
		ActionComplete: StatusCompleted,
		ActionCancel:   StatusCancelled,
	},
	StatusPaused: {
		ActionResume:   StatusActive,
		ActionWithdraw: StatusPaused,
		ActionComplete: StatusCompleted,
		ActionCancel:   StatusCancelled,
	},
}

// Next returns the status reached by applying a to s, or ErrInvalidState.
func (s StreamStatus) Next(a Action) (StreamStatus, error) {
	if next, ok := transitions[s][a]; ok {
		return next, nil
	}
	return s, errors.Wrapf(ErrInvalidState, "cannot %s a %s stream", a, s)
}
