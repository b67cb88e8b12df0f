package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TaskFunc is the function signature for scheduled tasks.
type TaskFunc func(ctx context.Context) error

// TaskConfig contains configuration for a recurring task. Exactly one of
// Cron and Every must be set.
type TaskConfig struct {
	ID          string
	Name        string
	Description string
	Cron        string        // Cron expression: "0 0 * * *" for midnight daily
	Every       time.Duration // Fixed interval
	Func        TaskFunc
	RunOnStart  bool // Execute immediately on startup
}

// TaskInfo contains information about a scheduled task for API responses.
type TaskInfo struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Cron        string     `json:"cron,omitempty"`
	Every       string     `json:"every,omitempty"`
	LastRun     *time.Time `json:"lastRun,omitempty"`
	NextRun     *time.Time `json:"nextRun,omitempty"`
	Running     bool       `json:"running"`
}

// taskEntry holds internal task state.
type taskEntry struct {
	config  TaskConfig
	job     gocron.Job
	lastRun *time.Time
	running bool
}

// Scheduler runs recurring tasks and one-shot delayed work such as retries.
type Scheduler struct {
	gocron  gocron.Scheduler
	logger  zerolog.Logger
	tasks   map[string]*taskEntry
	delayed map[string]uuid.UUID
	mu      sync.RWMutex
}

// New creates a new scheduler.
func New(logger zerolog.Logger) (*Scheduler, error) {
	gs, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		gocron:  gs,
		logger:  logger.With().Str("component", "scheduler").Logger(),
		tasks:   make(map[string]*taskEntry),
		delayed: make(map[string]uuid.UUID),
	}, nil
}

// RegisterTask registers a new recurring task.
func (s *Scheduler) RegisterTask(config TaskConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[config.ID]; exists {
		return fmt.Errorf("task with ID %q already registered", config.ID)
	}

	var def gocron.JobDefinition
	switch {
	case config.Cron != "" && config.Every > 0:
		return fmt.Errorf("task %q: set either cron or every, not both", config.ID)
	case config.Cron != "":
		def = gocron.CronJob(config.Cron, false)
	case config.Every > 0:
		def = gocron.DurationJob(config.Every)
	default:
		return fmt.Errorf("task %q: no schedule", config.ID)
	}

	taskFunc := func() {
		s.executeTask(config.ID)
	}

	job, err := s.gocron.NewJob(
		def,
		gocron.NewTask(taskFunc),
		gocron.WithName(config.Name),
		gocron.WithTags(config.ID),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to create job for task %q: %w", config.ID, err)
	}

	s.tasks[config.ID] = &taskEntry{
		config: config,
		job:    job,
	}

	s.logger.Info().
		Str("id", config.ID).
		Str("name", config.Name).
		Str("cron", config.Cron).
		Dur("every", config.Every).
		Bool("runOnStart", config.RunOnStart).
		Msg("Registered task")

	return nil
}

// RemoveTask unregisters a recurring task. It reports whether it existed.
func (s *Scheduler) RemoveTask(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.tasks[taskID]
	if !ok {
		return false
	}
	delete(s.tasks, taskID)
	if err := s.gocron.RemoveJob(entry.job.ID()); err != nil && !errors.Is(err, gocron.ErrJobNotFound) {
		s.logger.Warn().Err(err).Str("id", taskID).Msg("Failed to remove task")
	}
	return true
}

// executeTask runs a task and updates its state.
func (s *Scheduler) executeTask(taskID string) {
	s.mu.Lock()
	entry, exists := s.tasks[taskID]
	if !exists || entry.running {
		s.mu.Unlock()
		return
	}
	entry.running = true
	s.mu.Unlock()

	startTime := time.Now()
	s.logger.Debug().
		Str("id", taskID).
		Str("name", entry.config.Name).
		Msg("Starting task")

	err := entry.config.Func(context.Background())

	s.mu.Lock()
	entry.running = false
	entry.lastRun = &startTime
	s.mu.Unlock()

	duration := time.Since(startTime)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("id", taskID).
			Str("name", entry.config.Name).
			Dur("duration", duration).
			Msg("Task failed")
	} else {
		s.logger.Debug().
			Str("id", taskID).
			Str("name", entry.config.Name).
			Dur("duration", duration).
			Msg("Task completed")
	}
}

// After runs fn once after delay, or right away when delay is not positive.
// Scheduling the same key again replaces the pending run.
func (s *Scheduler) After(key string, delay time.Duration, fn TaskFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.delayed[key]; ok {
		_ = s.gocron.RemoveJob(id)
		delete(s.delayed, key)
	}

	var jobID uuid.UUID
	run := func() {
		s.mu.Lock()
		if s.delayed[key] == jobID {
			delete(s.delayed, key)
		}
		s.mu.Unlock()

		if err := fn(context.Background()); err != nil {
			s.logger.Error().Err(err).Str("key", key).Msg("Delayed task failed")
		}
	}

	start := gocron.OneTimeJobStartImmediately()
	if delay > 0 {
		start = gocron.OneTimeJobStartDateTime(time.Now().Add(delay))
	}
	job, err := s.gocron.NewJob(
		gocron.OneTimeJob(start),
		gocron.NewTask(run),
		gocron.WithName(key),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule %q: %w", key, err)
	}
	jobID = job.ID()
	s.delayed[key] = jobID

	s.logger.Debug().Str("key", key).Dur("delay", delay).Msg("Scheduled delayed task")
	return nil
}

// CancelDelayed drops a pending delayed run. It reports whether one existed.
func (s *Scheduler) CancelDelayed(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.delayed[key]
	if !ok {
		return false
	}
	delete(s.delayed, key)
	if err := s.gocron.RemoveJob(id); err != nil && !errors.Is(err, gocron.ErrJobNotFound) {
		s.logger.Warn().Err(err).Str("key", key).Msg("Failed to remove delayed task")
	}
	return true
}

// Pending reports whether a delayed run is scheduled for key.
func (s *Scheduler) Pending(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.delayed[key]
	return ok
}

// Start starts the scheduler and runs any tasks configured with RunOnStart.
func (s *Scheduler) Start() error {
	s.logger.Info().Msg("Starting scheduler")

	s.gocron.Start()

	s.mu.RLock()
	tasksToRun := make([]string, 0)
	for id, entry := range s.tasks {
		if entry.config.RunOnStart {
			tasksToRun = append(tasksToRun, id)
		}
	}
	s.mu.RUnlock()

	for _, taskID := range tasksToRun {
		go s.executeTask(taskID)
	}

	return nil
}

// Stop stops the scheduler gracefully.
func (s *Scheduler) Stop() error {
	s.logger.Info().Msg("Stopping scheduler")
	return s.gocron.Shutdown()
}

// RunNow manually triggers a task to run immediately.
func (s *Scheduler) RunNow(taskID string) error {
	s.mu.RLock()
	entry, exists := s.tasks[taskID]
	running := exists && entry.running
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("task %q not found", taskID)
	}
	if running {
		return fmt.Errorf("task %q is already running", taskID)
	}

	go s.executeTask(taskID)
	return nil
}

// ListTasks returns information about all registered tasks.
func (s *Scheduler) ListTasks() []TaskInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]TaskInfo, 0, len(s.tasks))
	for _, entry := range s.tasks {
		tasks = append(tasks, entry.info())
	}
	return tasks
}

// GetTask returns information about a specific task.
func (s *Scheduler) GetTask(taskID string) (*TaskInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("task %q not found", taskID)
	}
	info := entry.info()
	return &info, nil
}

func (e *taskEntry) info() TaskInfo {
	info := TaskInfo{
		ID:          e.config.ID,
		Name:        e.config.Name,
		Description: e.config.Description,
		Cron:        e.config.Cron,
		LastRun:     e.lastRun,
		Running:     e.running,
	}
	if e.config.Every > 0 {
		info.Every = e.config.Every.String()
	}
	if nextRun, err := e.job.NextRun(); err == nil {
		info.NextRun = &nextRun
	}
	return info
}
