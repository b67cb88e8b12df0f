package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/slipstream/grabber/internal/host"
	"github.com/slipstream/grabber/internal/jobs"
	"github.com/slipstream/grabber/internal/lockmgr"
	"github.com/slipstream/grabber/internal/notify/types"
)

// RecoverySummary describes the interrupted work found at startup.
type RecoverySummary struct {
	// Jobs were in flight without a live transfer.
	Jobs int `json:"jobs"`
	// Files were in flight without a live transfer.
	Files int `json:"files"`
	// Queued Jobs never started.
	Queued int `json:"queued"`
}

// Empty reports whether there is nothing to recover.
func (s RecoverySummary) Empty() bool {
	return s.Jobs == 0 && s.Queued == 0
}

// Permission decides whether interrupted work is resumed or dropped.
type Permission interface {
	RequestRestore(ctx context.Context, summary RecoverySummary) (bool, error)
}

// StaticPermission always answers the same.
type StaticPermission bool

// RequestRestore implements Permission.
func (p StaticPermission) RequestRestore(context.Context, RecoverySummary) (bool, error) {
	return bool(p), nil
}

// PermissionFunc adapts a function to Permission.
type PermissionFunc func(ctx context.Context, summary RecoverySummary) (bool, error)

// RequestRestore implements Permission.
func (f PermissionFunc) RequestRestore(ctx context.Context, summary RecoverySummary) (bool, error) {
	return f(ctx, summary)
}

// staleJob is an in-flight Job whose transfers are gone.
type staleJob struct {
	job   *jobs.Job
	files []*jobs.File
	stale []*jobs.File
}

// Stabilize reconciles persisted state with the host after a restart. Jobs
// with live transfers are reattached. Everything else that was in flight,
// plus queued Candidates, is restored or cancelled depending on Permission.
func (e *Engine) Stabilize(ctx context.Context) error {
	inflight, err := e.store.ListJobsByStatus(ctx, jobs.InFlightStatuses()...)
	if err != nil {
		return fmt.Errorf("list in-flight jobs: %w", err)
	}
	queued, err := e.store.ListJobsByStatus(ctx, jobs.StatusCandidate)
	if err != nil {
		return fmt.Errorf("list queued jobs: %w", err)
	}

	var stale []staleJob
	var staleFiles, reattached int
	for _, job := range inflight {
		files, err := e.store.ListFilesByJob(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("list files of job %d: %w", job.ID, err)
		}

		live := false
		var dead []*jobs.File
		for _, f := range files {
			if !f.Status.IsInFlight() {
				continue
			}
			if f.TransferID != nil {
				ok, err := e.host.Exists(ctx, *f.TransferID)
				if err != nil {
					return fmt.Errorf("check transfer %d: %w", *f.TransferID, err)
				}
				if ok {
					e.hmu.Lock()
					e.handles[*f.TransferID] = f.ID
					e.hmu.Unlock()
					live = true
					continue
				}
			}
			dead = append(dead, f)
		}

		if live {
			e.queue.Activate(job.ID, job.ContentID)
			reattached++
			continue
		}
		stale = append(stale, staleJob{job: job, files: files, stale: dead})
		staleFiles += len(dead)
	}

	summary := RecoverySummary{Jobs: len(stale), Files: staleFiles, Queued: len(queued)}
	e.logger.Info().
		Int("reattached", reattached).
		Int("stale", summary.Jobs).
		Int("staleFiles", summary.Files).
		Int("queued", summary.Queued).
		Msg("Recovery scan finished")
	if summary.Empty() {
		return nil
	}

	granted, err := e.permission.RequestRestore(ctx, summary)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Recovery permission request failed, dropping interrupted work")
		granted = false
	}

	if !granted {
		ids := make([]int64, 0, len(stale)+len(queued))
		for _, s := range stale {
			ids = append(ids, s.job.ID)
		}
		for _, j := range queued {
			ids = append(ids, j.ID)
		}
		e.logger.Info().Int("jobs", len(ids)).Msg("Recovery declined, stopping interrupted downloads")
		return e.queue.Cancel(ctx, ids, jobs.StatusStoppedByUser)
	}

	requeue := append([]*jobs.Job(nil), queued...)
	for _, s := range stale {
		reset, err := e.restoreJob(ctx, s)
		if err != nil {
			return err
		}
		if reset {
			requeue = append(requeue, s.job)
		}
	}
	e.queue.Restore(requeue)

	if e.notifier != nil {
		e.notifier.Recovery(types.RecoveryEvent{
			Jobs:       summary.Jobs,
			Files:      summary.Files,
			Restored:   true,
			OccurredAt: time.Now().UTC(),
		})
	}
	return nil
}

// restoreJob resumes one stale Job. Jobs that never got Files are reset to
// Candidate and reset=true tells the caller to queue them again.
func (e *Engine) restoreJob(ctx context.Context, s staleJob) (reset bool, err error) {
	err = e.locks.Run(ctx, lockmgr.KindJob, s.job.ID, lockmgr.PriorityNormal, func(ctx context.Context) error {
		job := s.job
		if len(s.files) == 0 {
			if err := e.queue.MoveJob(ctx, job, jobs.StatusInitiating, ""); err != nil {
				return err
			}
			if err := e.queue.MoveJob(ctx, job, jobs.StatusCandidate, ""); err != nil {
				return err
			}
			reset = true
			return nil
		}

		e.queue.Activate(job.ID, job.ContentID)
		relaunch := s.stale
		if len(relaunch) == 0 {
			// Files were created but the primary never reached the host.
			if primary, _ := pickPrimary(s.files, e.settings.FilePriority); primary != nil {
				relaunch = []*jobs.File{primary}
			}
		}
		if len(relaunch) == 0 {
			for _, f := range s.files {
				if f.Status == jobs.StatusSucceeded {
					return e.queue.FinalizeSuccess(ctx, f)
				}
			}
			return e.queue.CancelLocked(ctx, job.ID, jobs.StatusFailed)
		}

		if err := e.queue.MoveJob(ctx, job, jobs.StatusInitiating, ""); err != nil {
			return err
		}
		for _, f := range relaunch {
			if f.Status.IsInFlight() {
				f.TransferID = nil
				if err := e.queue.MoveFile(ctx, f, jobs.StatusInitiating, ""); err != nil {
					return err
				}
				if err := e.store.UpdateFile(ctx, f); err != nil {
					return fmt.Errorf("update file %d: %w", f.ID, err)
				}
			}
			if err := e.scheduleRelaunch(job.ID, f.ID, e.settings.RecoveryRetryDelay); err != nil {
				return e.abortRetry(ctx, job.ID, f, err)
			}
		}
		e.logger.Info().Int64("jobId", job.ID).Str("job", job.Label()).Int("files", len(relaunch)).Msg("Resuming interrupted job")
		return nil
	})
	return reset, err
}

// Reconcile fails over in-flight Files whose transfer the host no longer
// knows. It returns how many were found.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	if e.closed.Load() {
		return 0, ErrNotReady
	}
	files, err := e.queue.ActiveFiles(ctx)
	if err != nil {
		return 0, err
	}

	vanished := 0
	var errs []error
	for _, f := range files {
		if f.TransferID == nil || f.Status.IsTerminal() {
			continue
		}
		tid := *f.TransferID
		ok, err := e.host.Exists(ctx, tid)
		if err != nil {
			errs = append(errs, fmt.Errorf("check transfer %d: %w", tid, err))
			continue
		}
		if ok {
			continue
		}

		err = e.locks.Run(ctx, lockmgr.KindJob, f.JobID, lockmgr.PriorityNormal, func(ctx context.Context) error {
			fresh, err := e.store.GetFile(ctx, f.ID)
			if err != nil {
				return err
			}
			if fresh.Status.IsTerminal() || !owns(fresh, tid) {
				return nil
			}
			vanished++
			e.logger.Warn().Int64("fileId", f.ID).Int64("transferId", tid).Msg("Transfer vanished from host")
			return e.onFileInterrupted(ctx, f.JobID, fresh, host.ReasonVanished)
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return vanished, errors.Join(errs...)
}
