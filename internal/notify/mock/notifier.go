// Package mock provides an in-memory notifier for tests and dev mode.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstream/grabber/internal/notify/types"
)

// NotificationRecord stores a sent notification for inspection
type NotificationRecord struct {
	ID        int64     `json:"id"`
	EventType string    `json:"eventType"`
	Data      any       `json:"data,omitempty"`
	SentAt    time.Time `json:"sentAt"`
}

// Notifier records every notification it receives.
type Notifier struct {
	name   string
	logger zerolog.Logger

	mu         sync.RWMutex
	records    []NotificationRecord
	nextID     int64
	maxRecords int
}

var _ types.Notifier = (*Notifier)(nil)

// New creates a new mock notifier
func New(name string, logger zerolog.Logger) *Notifier {
	return &Notifier{
		name:       name,
		logger:     logger.With().Str("notifier", "mock").Str("name", name).Logger(),
		nextID:     1,
		maxRecords: 100,
	}
}

func (n *Notifier) Type() types.NotifierType {
	return types.NotifierMock
}

func (n *Notifier) Name() string {
	return n.name
}

func (n *Notifier) Test(ctx context.Context) error {
	n.record("test", nil)
	return nil
}

func (n *Notifier) OnJobFinished(ctx context.Context, event types.JobEvent) error {
	n.record(string(event.Type), event)
	return nil
}

func (n *Notifier) OnRecovery(ctx context.Context, event types.RecoveryEvent) error {
	n.record(string(types.EventRecovery), event)
	return nil
}

func (n *Notifier) record(eventType string, data any) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.records = append(n.records, NotificationRecord{
		ID:        n.nextID,
		EventType: eventType,
		Data:      data,
		SentAt:    time.Now(),
	})
	n.nextID++
	if len(n.records) > n.maxRecords {
		n.records = n.records[len(n.records)-n.maxRecords:]
	}
	n.logger.Debug().Str("event", eventType).Msg("Notification recorded")
}

// Records returns a copy of the recorded notifications, oldest first.
func (n *Notifier) Records() []NotificationRecord {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]NotificationRecord(nil), n.records...)
}

// JobEvents returns the recorded job events.
func (n *Notifier) JobEvents() []types.JobEvent {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var out []types.JobEvent
	for _, r := range n.records {
		if e, ok := r.Data.(types.JobEvent); ok {
			out = append(out, e)
		}
	}
	return out
}

// Clear removes all records.
func (n *Notifier) Clear() {
	n.mu.Lock()
	n.records = nil
	n.mu.Unlock()
}
