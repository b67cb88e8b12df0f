// Package engine is the download orchestrator. It admits queued Jobs,
// resolves their Files through the site adapters, hands transfers to the host,
// follows host events to completion, retries transient failures and recovers
// interrupted work at startup.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/slipstream/grabber/internal/config"
	"github.com/slipstream/grabber/internal/host"
	"github.com/slipstream/grabber/internal/jobs"
	"github.com/slipstream/grabber/internal/lockmgr"
	"github.com/slipstream/grabber/internal/naming"
	"github.com/slipstream/grabber/internal/notify/types"
	"github.com/slipstream/grabber/internal/queue"
	"github.com/slipstream/grabber/internal/scheduler"
	"github.com/slipstream/grabber/internal/site"
	"github.com/slipstream/grabber/internal/store"
)

var (
	// ErrNotReady is returned by every operation after Close.
	ErrNotReady = errors.New("engine is not running")

	// ErrInvalidState is returned when a Job cannot take the requested action.
	ErrInvalidState = errors.New("job is not in a state that allows this")
)

const (
	reconcileTaskID = "reconcile-transfers"
	maxTickRestarts = 3
)

// Notifier receives terminal Jobs and recovery summaries.
type Notifier interface {
	JobFinished(job *jobs.Job)
	Recovery(event types.RecoveryEvent)
}

// Broadcaster pushes live updates to connected clients.
type Broadcaster interface {
	Broadcast(msgType string, payload any) error
}

// Deps are the collaborators of an Engine. Notifier, Broadcaster and
// Permission are optional.
type Deps struct {
	Store       store.Store
	Host        host.Host
	Sites       *site.Registry
	Scheduler   *scheduler.Scheduler
	Locks       *lockmgr.Manager
	Notifier    Notifier
	Broadcaster Broadcaster
	Permission  Permission
	Settings    config.DownloadsConfig
	Naming      naming.Options
}

// JobStatusMessage is broadcast as "job:status" whenever a Job moves.
type JobStatusMessage struct {
	JobID     int64       `json:"jobId"`
	ContentID int64       `json:"contentId"`
	Status    jobs.Status `json:"status"`
	Error     string      `json:"error,omitempty"`
}

// pending is a transfer the engine has asked for but not yet bound to a
// handle. The host echoes the token back in every event.
type pending struct {
	fileID   int64
	jobID    int64
	filename string
}

// Engine drives Jobs from the queue to a terminal status.
type Engine struct {
	store       store.Store
	host        host.Host
	sites       *site.Registry
	sched       *scheduler.Scheduler
	locks       *lockmgr.Manager
	notifier    Notifier
	broadcaster Broadcaster
	permission  Permission
	settings    config.DownloadsConfig
	naming      naming.Options
	queue       *queue.Controller
	logger      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	tickMu sync.Mutex

	hmu       sync.Mutex
	handles   map[int64]int64 // transfer id -> file id
	pending   map[string]pending
	abandoned map[string]pending

	dmu    sync.Mutex
	serial map[int64][]func()

	workers sync.WaitGroup
	events  sync.WaitGroup
}

// New builds an Engine, subscribes it to the host, recovers interrupted
// work and starts admitting queued Jobs. It returns once the Engine is ready.
func New(ctx context.Context, deps Deps, logger *zerolog.Logger) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("engine: store is required")
	case deps.Host == nil:
		return nil, errors.New("engine: host is required")
	case deps.Sites == nil:
		return nil, errors.New("engine: site registry is required")
	case deps.Scheduler == nil:
		return nil, errors.New("engine: scheduler is required")
	}
	locks := deps.Locks
	if locks == nil {
		locks = lockmgr.New()
	}
	permission := deps.Permission
	if permission == nil {
		permission = StaticPermission(true)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:       deps.Store,
		host:        deps.Host,
		sites:       deps.Sites,
		sched:       deps.Scheduler,
		locks:       locks,
		notifier:    deps.Notifier,
		broadcaster: deps.Broadcaster,
		permission:  permission,
		settings:    deps.Settings,
		naming:      deps.Naming,
		logger:      logger.With().Str("component", "engine").Logger(),
		ctx:         runCtx,
		cancel:      cancel,
		handles:     make(map[int64]int64),
		pending:     make(map[string]pending),
		abandoned:   make(map[string]pending),
		serial:      make(map[int64][]func()),
	}
	e.queue = queue.New(queue.Deps{
		Store:     deps.Store,
		Host:      deps.Host,
		Locks:     locks,
		Settings:  deps.Settings,
		OnSettled: e.onSettled,
	}, logger)

	e.host.Subscribe(e)

	if err := e.Stabilize(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("recover interrupted downloads: %w", err)
	}

	if deps.Settings.ReconcileInterval > 0 {
		err := e.sched.RegisterTask(scheduler.TaskConfig{
			ID:          reconcileTaskID,
			Name:        "Reconcile transfers",
			Description: "Fails over transfers that vanished from the host",
			Every:       deps.Settings.ReconcileInterval,
			Func: func(ctx context.Context) error {
				_, err := e.Reconcile(ctx)
				return err
			},
		})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("register reconcile task: %w", err)
		}
	}

	e.ScheduleTick()
	e.logger.Info().
		Int("maxParallel", deps.Settings.MaxParallelDownloads).
		Int("maxParallelEpisodes", deps.Settings.MaxParallelDownloadsEpisodes).
		Msg("Engine ready")
	return e, nil
}

// Queue exposes the queue controller for read-only views.
func (e *Engine) Queue() *queue.Controller {
	return e.queue
}

// Snapshot returns the current queue state.
func (e *Engine) Snapshot() queue.Snapshot {
	return e.queue.Snapshot()
}

// Submit accepts an Intent. A second submit for content that is still
// downloading stops it instead.
func (e *Engine) Submit(ctx context.Context, in *jobs.Intent) (queue.Outcome, *jobs.Batch, error) {
	if e.closed.Load() {
		return queue.OutcomeAccepted, nil, ErrNotReady
	}

	var (
		out   queue.Outcome
		batch *jobs.Batch
	)
	err := e.locks.Run(ctx, lockmgr.KindContent, in.ContentID, lockmgr.PriorityUser, func(ctx context.Context) error {
		var err error
		out, batch, err = e.queue.SubmitIntent(ctx, in)
		return err
	})
	if err != nil {
		return out, nil, err
	}

	e.publishQueue()
	e.ScheduleTick()
	return out, batch, nil
}

// Cancel stops Jobs on behalf of the user.
func (e *Engine) Cancel(ctx context.Context, jobIDs []int64) error {
	if e.closed.Load() {
		return ErrNotReady
	}
	for _, id := range jobIDs {
		files, err := e.store.ListFilesByJob(ctx, id)
		if err != nil {
			return fmt.Errorf("list files of job %d: %w", id, err)
		}
		for _, f := range files {
			e.sched.CancelDelayed(retryKey(f.ID))
		}
	}

	err := e.queue.Cancel(ctx, jobIDs, jobs.StatusStoppedByUser)
	e.publishQueue()
	e.ScheduleTick()
	return err
}

// Pause pauses every running transfer of a Job. The status follows once the
// host confirms.
func (e *Engine) Pause(ctx context.Context, jobID int64) error {
	return e.toggle(ctx, jobID, true)
}

// Resume resumes a paused Job.
func (e *Engine) Resume(ctx context.Context, jobID int64) error {
	return e.toggle(ctx, jobID, false)
}

func (e *Engine) toggle(ctx context.Context, jobID int64, pause bool) error {
	if e.closed.Load() {
		return ErrNotReady
	}
	return e.locks.Run(ctx, lockmgr.KindJob, jobID, lockmgr.PriorityNormal, func(ctx context.Context) error {
		job, err := e.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		want := jobs.StatusActive
		if !pause {
			want = jobs.StatusPaused
		}
		if job.Status != want {
			return fmt.Errorf("%w: job %d is %s", ErrInvalidState, jobID, job.Status)
		}

		files, err := e.store.ListFilesByJob(ctx, jobID)
		if err != nil {
			return err
		}
		for _, f := range files {
			if f.TransferID == nil || f.Status != want {
				continue
			}
			if pause {
				err = e.host.Pause(ctx, *f.TransferID)
			} else {
				err = e.host.Resume(ctx, *f.TransferID)
			}
			if err != nil && !errors.Is(err, host.ErrNotFound) {
				return fmt.Errorf("transfer %d: %w", *f.TransferID, err)
			}
		}
		return nil
	})
}

// ScheduleTick admits queued Jobs until the caps or the queue stop it. Each
// admitted Job is prepared on its own goroutine.
func (e *Engine) ScheduleTick() {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	for restarts := 0; ; restarts++ {
		if e.tick() {
			return
		}
		if restarts >= maxTickRestarts {
			e.logger.Error().Int("restarts", restarts).Msg("Scheduling loop keeps failing, giving up until the next tick")
			return
		}
	}
}

func (e *Engine) tick() (done bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Msg("Scheduling loop panicked, restarting")
			done = false
		}
	}()

	for !e.closed.Load() {
		id, ok := e.queue.NextAdmissible()
		if !ok {
			break
		}
		e.spawnPrepare(id)
	}
	return true
}

func (e *Engine) spawnPrepare(jobID int64) {
	e.workers.Add(1)
	go func() {
		defer e.workers.Done()
		err := e.locks.Run(e.ctx, lockmgr.KindJob, jobID, lockmgr.PriorityNormal, func(ctx context.Context) error {
			return e.prepare(ctx, jobID)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error().Err(err).Int64("jobId", jobID).Msg("Failed to start job")
		}
	}()
}

func (e *Engine) onSettled(job *jobs.Job) {
	if e.notifier != nil {
		e.notifier.JobFinished(job)
	}
	e.publishJob(job)
	e.publishQueue()
	e.ScheduleTick()
}

func (e *Engine) publishJob(job *jobs.Job) {
	if e.broadcaster == nil {
		return
	}
	msg := JobStatusMessage{JobID: job.ID, ContentID: job.ContentID, Status: job.Status, Error: job.Error}
	if err := e.broadcaster.Broadcast("job:status", msg); err != nil {
		e.logger.Debug().Err(err).Msg("Failed to broadcast job status")
	}
}

func (e *Engine) publishQueue() {
	if e.broadcaster == nil {
		return
	}
	if err := e.broadcaster.Broadcast("queue:state", e.queue.Snapshot()); err != nil {
		e.logger.Debug().Err(err).Msg("Failed to broadcast queue state")
	}
}

// Wait blocks until running prepares, event handlers and cascades are done.
// Work they trigger in turn may still be running afterwards.
func (e *Engine) Wait() {
	e.workers.Wait()
	e.events.Wait()
	e.queue.Wait()
}

// Close stops admitting work and waits for running handlers. Transfers keep
// running on the host and are picked up again by the next Stabilize.
func (e *Engine) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.sched.RemoveTask(reconcileTaskID)
	e.cancel()
	e.Wait()
	e.logger.Info().Msg("Engine stopped")
}

func retryKey(fileID int64) string {
	return fmt.Sprintf("retry:file:%d", fileID)
}
