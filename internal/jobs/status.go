package jobs

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned when a status change is not part of the graph.
var ErrIllegalTransition = errors.New("illegal status transition")

// Status is the lifecycle state shared by Jobs and Files.
type Status string

const (
	StatusCandidate       Status = "candidate"
	StatusInitiating      Status = "initiating"
	StatusActive          Status = "active"
	StatusPaused          Status = "paused"
	StatusSucceeded       Status = "succeeded"
	StatusFailed          Status = "failed"
	StatusInitiationError Status = "initiation_error"
	StatusStoppedByUser   Status = "stopped_by_user"
)

var transitions = map[Status][]Status{
	StatusCandidate: {
		StatusInitiating,
		StatusStoppedByUser,
		StatusInitiationError, // secondary file of a job that failed before launch
		StatusFailed,          // batch stopped by policy or fatal error
	},
	StatusInitiating: {
		StatusActive,
		StatusInitiating, // retry re-launch
		StatusCandidate,  // crash recovery reset
		StatusInitiationError,
		StatusFailed,
		StatusStoppedByUser,
	},
	StatusActive: {
		StatusPaused,
		StatusSucceeded,
		StatusInitiating, // retry re-launch
		StatusFailed,
		StatusInitiationError, // dependent file could not start
		StatusStoppedByUser,
	},
	StatusPaused: {
		StatusActive,
		StatusInitiating,
		StatusFailed,
		StatusInitiationError,
		StatusStoppedByUser,
	},
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusInitiationError, StatusStoppedByUser:
		return true
	}
	return false
}

// IsInFlight reports whether the status claims work is under way.
func (s Status) IsInFlight() bool {
	return s == StatusInitiating || s == StatusActive || s == StatusPaused
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	if s.IsTerminal() {
		return true
	}
	_, ok := transitions[s]
	return ok
}

func (s Status) String() string {
	return string(s)
}

// CanTransition reports whether from -> to is an edge of the status graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition is CanTransition returning a wrapped ErrIllegalTransition.
// Staying in the same status is always allowed.
func CheckTransition(from, to Status) error {
	if from == to {
		return nil
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// TerminalStatuses lists every terminal status.
func TerminalStatuses() []Status {
	return []Status{StatusSucceeded, StatusFailed, StatusInitiationError, StatusStoppedByUser}
}

// InFlightStatuses lists every status that claims work is under way.
func InFlightStatuses() []Status {
	return []Status{StatusInitiating, StatusActive, StatusPaused}
}

// Route returns the statuses to step through to get from one status to
// another. A Job or File that finishes while still initiating or paused is
// routed through Active first. ok is false when the target is unreachable.
func Route(from, to Status) (steps []Status, ok bool) {
	if from == to {
		return nil, true
	}
	if CanTransition(from, to) {
		return []Status{to}, true
	}
	if CanTransition(from, StatusActive) && CanTransition(StatusActive, to) {
		return []Status{StatusActive, to}, true
	}
	return nil, false
}
