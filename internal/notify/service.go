// Package notify fans job outcomes out to the configured notifiers: the log,
// webhooks and, in tests, an in-memory recorder.
package notify

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstream/grabber/internal/config"
	"github.com/slipstream/grabber/internal/jobs"
	"github.com/slipstream/grabber/internal/notify/types"
	"github.com/slipstream/grabber/internal/notify/webhook"
)

// Notifier is re-exported for callers that only need the interface.
type Notifier = types.Notifier

const sendTimeout = 15 * time.Second

// maxConsecutiveFailures disables a notifier until the next successful test.
const maxConsecutiveFailures = 5

// Service dispatches events to every registered notifier.
type Service struct {
	logger zerolog.Logger

	mu        sync.RWMutex
	notifiers []Notifier
	failures  map[string]int
	inflight  sync.WaitGroup
}

// NewService creates a service with no notifiers.
func NewService(logger zerolog.Logger) *Service {
	return &Service{
		logger:   logger.With().Str("component", "notify").Logger(),
		failures: make(map[string]int),
	}
}

// NewFromConfig creates a service with the log notifier plus every webhook in
// cfg.
func NewFromConfig(cfg config.NotificationsConfig, client *http.Client, logger zerolog.Logger) *Service {
	s := NewService(logger)
	s.Add(NewLogNotifier(logger))
	for _, w := range cfg.Webhooks {
		s.Add(webhook.New(w.Name, webhook.Settings{
			URL:     w.URL,
			Method:  w.Method,
			Headers: w.Headers,
		}, client, logger))
	}
	return s
}

// Add registers a notifier.
func (s *Service) Add(n Notifier) {
	s.mu.Lock()
	s.notifiers = append(s.notifiers, n)
	s.mu.Unlock()
}

// List returns the registered notifiers.
func (s *Service) List() []Notifier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Notifier(nil), s.notifiers...)
}

// Test sends a test notification through every notifier and resets the
// failure counters of the ones that succeed.
func (s *Service) Test(ctx context.Context) map[string]error {
	out := make(map[string]error)
	for _, n := range s.List() {
		err := n.Test(ctx)
		out[n.Name()] = err
		if err == nil {
			s.clearFailure(n.Name())
		}
	}
	return out
}

// JobFinished dispatches a terminal Job.
func (s *Service) JobFinished(job *jobs.Job) {
	event := JobEventFor(job)
	s.dispatch(string(event.Type), func(ctx context.Context, n Notifier) error {
		return n.OnJobFinished(ctx, event)
	})
}

// Recovery dispatches a startup recovery summary.
func (s *Service) Recovery(event types.RecoveryEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	s.dispatch(string(types.EventRecovery), func(ctx context.Context, n Notifier) error {
		return n.OnRecovery(ctx, event)
	})
}

// Wait blocks until in-flight notifications are done.
func (s *Service) Wait() {
	s.inflight.Wait()
}

func (s *Service) dispatch(event string, send func(context.Context, Notifier) error) {
	notifiers := s.List()
	if len(notifiers) == 0 {
		return
	}

	s.logger.Debug().
		Str("event", event).
		Int("count", len(notifiers)).
		Msg("Dispatching notification event")

	for _, n := range notifiers {
		if s.isDisabled(n.Name()) {
			continue
		}
		s.inflight.Add(1)
		go func(n Notifier) {
			defer s.inflight.Done()
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()

			if err := send(ctx, n); err != nil {
				s.logger.Error().
					Err(err).
					Str("name", n.Name()).
					Str("type", string(n.Type())).
					Str("event", event).
					Msg("Notification failed")
				s.recordFailure(n.Name())
				return
			}
			s.clearFailure(n.Name())
		}(n)
	}
}

func (s *Service) isDisabled(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failures[name] >= maxConsecutiveFailures
}

func (s *Service) recordFailure(name string) {
	s.mu.Lock()
	s.failures[name]++
	n := s.failures[name]
	s.mu.Unlock()
	if n == maxConsecutiveFailures {
		s.logger.Warn().Str("name", name).Msg("Notifier disabled after repeated failures")
	}
}

func (s *Service) clearFailure(name string) {
	s.mu.Lock()
	delete(s.failures, name)
	s.mu.Unlock()
}

// JobEventFor maps a terminal Job to its notification event.
func JobEventFor(job *jobs.Job) types.JobEvent {
	e := types.JobEvent{
		Type:       types.EventJobFailed,
		JobID:      job.ID,
		BatchID:    job.BatchID,
		ContentID:  job.ContentID,
		Title:      job.Title,
		Status:     string(job.Status),
		Reason:     job.Error,
		FinishedAt: job.UpdatedAt,
	}
	if job.Episode != nil {
		e.Episode = job.Episode.String()
	}
	switch job.Status {
	case jobs.StatusSucceeded:
		e.Type = types.EventJobSucceeded
	case jobs.StatusStoppedByUser:
		e.Type = types.EventJobStopped
	}
	if e.FinishedAt.IsZero() {
		e.FinishedAt = time.Now().UTC()
	}
	return e
}
