// Package host defines the transfer subsystem the engine drives: submit,
// cancel, pause, resume and erase transfers, and a stream of lifecycle events
// keyed by the host's own transfer handle.
package host

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned for an unknown transfer handle.
	ErrNotFound = errors.New("transfer not found")

	// ErrRejected is returned when the host refuses a request outright.
	ErrRejected = errors.New("transfer rejected")
)

// Request asks the host to start one transfer.
type Request struct {
	URL               string
	Filename          string // relative target path
	Token             string // echoed back in every event for this transfer
	PromptForLocation bool
}

// State is the coarse state of a transfer.
type State string

const (
	StateInProgress  State = "in_progress"
	StateInterrupted State = "interrupted"
	StateComplete    State = "complete"
)

// Created is fired once the host has registered a transfer.
type Created struct {
	TransferID int64
	Token      string
	URL        string
	Filename   string
}

// Delta is fired whenever a transfer changes. Nil fields did not change.
type Delta struct {
	TransferID int64
	Token      string
	URL        string
	Paused     *bool
	State      *State
	Error      *Reason
	Filename   *string
}

// NameRequest is passed to the filename hook before the host picks a target.
type NameRequest struct {
	TransferID int64
	Token      string
	URL        string
	Suggested  string
}

// Listener receives host events. Implementations must not block for long:
// hosts may call them from their transfer goroutines.
type Listener interface {
	OnCreated(ev Created)
	OnChanged(ev Delta)
	// OnDeterminingName returns the filename to use, or ok=false to keep
	// the host's suggestion.
	OnDeterminingName(req NameRequest) (filename string, ok bool)
}

// Host is the transfer subsystem.
type Host interface {
	Submit(ctx context.Context, req Request) (int64, error)
	Cancel(ctx context.Context, id int64) error
	Pause(ctx context.Context, id int64) error
	Resume(ctx context.Context, id int64) error
	// Erase removes a transfer from the host's history. The file is kept.
	Erase(ctx context.Context, id int64) error
	Exists(ctx context.Context, id int64) (bool, error)
	Subscribe(l Listener)
}

// BoolPtr, StatePtr, ReasonPtr and StringPtr help build Deltas.
func BoolPtr(b bool) *bool       { return &b }
func StatePtr(s State) *State    { return &s }
func ReasonPtr(r Reason) *Reason { return &r }
func StringPtr(s string) *string { return &s }
