// Package types contains shared type definitions for notification packages.
package types

import (
	"context"
	"time"
)

// NotifierType identifies a notification provider
type NotifierType string

const (
	NotifierLog     NotifierType = "log"
	NotifierWebhook NotifierType = "webhook"
	NotifierMock    NotifierType = "mock"
)

// Notifier is the interface all notification providers must implement
type Notifier interface {
	Type() NotifierType
	Name() string
	Test(ctx context.Context) error

	OnJobFinished(ctx context.Context, event JobEvent) error
	OnRecovery(ctx context.Context, event RecoveryEvent) error
}

// EventType identifies the type of notification event
type EventType string

const (
	EventJobSucceeded EventType = "job_succeeded"
	EventJobFailed    EventType = "job_failed"
	EventJobStopped   EventType = "job_stopped"
	EventRecovery     EventType = "recovery"
)

// JobEvent is sent when a Job reaches a terminal status.
type JobEvent struct {
	Type       EventType `json:"type"`
	JobID      int64     `json:"jobId"`
	BatchID    int64     `json:"batchId"`
	ContentID  int64     `json:"contentId"`
	Title      string    `json:"title"`
	Episode    string    `json:"episode,omitempty"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	FinishedAt time.Time `json:"finishedAt"`
}

// RecoveryEvent is sent after startup recovery found interrupted work.
type RecoveryEvent struct {
	Jobs       int       `json:"jobs"`
	Files      int       `json:"files"`
	Restored   bool      `json:"restored"`
	OccurredAt time.Time `json:"occurredAt"`
}
