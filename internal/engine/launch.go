package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/slipstream/grabber/internal/host"
	"github.com/slipstream/grabber/internal/jobs"
	"github.com/slipstream/grabber/internal/lockmgr"
	"github.com/slipstream/grabber/internal/quality"
	"github.com/slipstream/grabber/internal/queue"
	"github.com/slipstream/grabber/internal/site"
)

// prepare resolves an admitted Job into Files and launches the primary one.
// The caller holds the Job's lock.
func (e *Engine) prepare(ctx context.Context, jobID int64) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		e.queue.Release(jobID)
		return err
	}
	if job.Status != jobs.StatusCandidate {
		e.logger.Warn().Int64("jobId", jobID).Str("status", string(job.Status)).Msg("Admitted job is not a candidate, skipping")
		if job.Status.IsTerminal() {
			e.queue.Release(jobID)
		}
		return nil
	}

	if err := e.queue.MoveJob(ctx, job, jobs.StatusInitiating, ""); err != nil {
		e.queue.Release(jobID)
		return err
	}
	e.publishJob(job)

	batch, err := e.store.GetBatch(ctx, job.BatchID)
	if err != nil {
		return e.failInitiation(ctx, job.ID, nil, "", fmt.Sprintf("load batch: %v", err))
	}

	adapter, err := e.sites.Adapter(job, batch, site.Settings{
		Policies:          e.settings.Policies(),
		PromptForLocation: e.settings.PromptForLocation,
		Naming:            e.naming,
	})
	if err != nil {
		return e.failInitiation(ctx, job.ID, nil, "", err.Error())
	}

	video, subtitle, err := adapter.MaterializeFiles(ctx)
	if err != nil {
		var gap quality.Gap
		if errors.Is(err, site.ErrNoSource) {
			gap = quality.GapNoQuality
		}
		return e.failInitiation(ctx, job.ID, nil, gap, err.Error())
	}

	// The adapter recorded the offered qualities and languages on the Job.
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("update job %d: %w", job.ID, err)
	}

	var files []*jobs.File
	for _, f := range []*jobs.File{video, subtitle} {
		if f == nil {
			continue
		}
		if err := e.store.CreateFile(ctx, f); err != nil {
			return e.failInitiation(ctx, job.ID, nil, "", fmt.Sprintf("create file: %v", err))
		}
		files = append(files, f)
	}

	for _, f := range files {
		if f.HasURL() {
			continue
		}
		gap := quality.GapNoQuality
		if f.Kind == jobs.FileSubtitle {
			gap = quality.GapNoSubtitles
		}
		ignored, err := e.queue.FinalizeFailure(ctx, job.ID, f, queue.Failure{
			Cause:  jobs.StatusInitiationError,
			Gap:    gap,
			Reason: f.Error,
		})
		if err != nil || !ignored {
			return err
		}
	}

	primary, secondary := pickPrimary(files, e.settings.FilePriority)
	if primary == nil {
		return nil
	}
	if secondary != nil {
		id := secondary.ID
		primary.DependentFileID = &id
		if err := e.store.UpdateFile(ctx, primary); err != nil {
			return fmt.Errorf("update file %d: %w", primary.ID, err)
		}
	}

	e.logger.Info().
		Int64("jobId", job.ID).
		Str("job", job.Label()).
		Str("primary", string(primary.Kind)).
		Int("files", len(files)).
		Msg("Job prepared")
	return e.launch(ctx, job.ID, primary)
}

// pickPrimary returns the Candidate File to launch first and the one that
// follows it, ordered by the file priority setting.
func pickPrimary(files []*jobs.File, priority string) (primary, secondary *jobs.File) {
	var video, subtitle *jobs.File
	for _, f := range files {
		if f.Status != jobs.StatusCandidate {
			continue
		}
		switch f.Kind {
		case jobs.FileVideo:
			video = f
		case jobs.FileSubtitle:
			subtitle = f
		}
	}
	if priority == string(jobs.FileSubtitle) && subtitle != nil {
		return subtitle, video
	}
	if video != nil {
		return video, subtitle
	}
	return subtitle, nil
}

func (e *Engine) failInitiation(ctx context.Context, jobID int64, file *jobs.File, gap quality.Gap, reason string) error {
	ignored, err := e.queue.FinalizeFailure(ctx, jobID, file, queue.Failure{
		Cause:  jobs.StatusInitiationError,
		Gap:    gap,
		Reason: reason,
	})
	if err != nil {
		return err
	}
	if ignored {
		return e.continueAfterIgnored(ctx, jobID)
	}
	return nil
}

// launch hands a File to the host. The caller holds the Job's lock; the lock
// is soft while the host call is in progress so a user cancel is not stuck
// behind a slow host.
func (e *Engine) launch(ctx context.Context, jobID int64, file *jobs.File) error {
	if !file.HasURL() {
		return e.failInitiation(ctx, jobID, file, "", "no source url")
	}

	token := uuid.NewString()
	file.Token = token
	file.TransferID = nil
	if err := e.queue.MoveFile(ctx, file, jobs.StatusInitiating, ""); err != nil {
		return err
	}
	if err := e.store.UpdateFile(ctx, file); err != nil {
		return fmt.Errorf("update file %d: %w", file.ID, err)
	}

	e.hmu.Lock()
	e.pending[token] = pending{fileID: file.ID, jobID: jobID, filename: file.Filename}
	e.hmu.Unlock()

	restore := e.locks.MarkAsSoftLock(lockmgr.KindJob, jobID)
	submitCtx, cancel := context.WithTimeout(ctx, e.settings.DownloadStartTimeLimit)
	tid, submitErr := e.host.Submit(submitCtx, host.Request{
		URL:               *file.URL,
		Filename:          file.Filename,
		Token:             token,
		PromptForLocation: file.PromptForLocation,
	})
	cancel()
	interrupted, err := restore(context.Background())
	if err != nil {
		return fmt.Errorf("regain job lock: %w", err)
	}

	if submitErr != nil {
		e.abandon(token)
		if interrupted {
			fresh, err := e.store.GetFile(ctx, file.ID)
			if err != nil {
				return err
			}
			if fresh.Status.IsTerminal() {
				return nil
			}
			file = fresh
		}
		reason := fmt.Sprintf("host refused the transfer: %v", submitErr)
		if errors.Is(submitErr, context.DeadlineExceeded) {
			reason = fmt.Sprintf("transfer did not start within %s", e.settings.DownloadStartTimeLimit)
		}
		e.logger.Warn().Err(submitErr).Int64("jobId", jobID).Int64("fileId", file.ID).Msg("Transfer could not be started")
		return e.failInitiation(ctx, jobID, file, "", reason)
	}

	if interrupted {
		fresh, err := e.store.GetFile(ctx, file.ID)
		if err != nil {
			return err
		}
		if fresh.Status.IsTerminal() {
			e.abandon(token)
			e.discardOrphan(ctx, tid)
			return nil
		}
		file = fresh
	}

	file.TransferID = &tid
	if err := e.store.UpdateFile(ctx, file); err != nil {
		return fmt.Errorf("update file %d: %w", file.ID, err)
	}
	e.hmu.Lock()
	e.handles[tid] = file.ID
	delete(e.pending, token)
	e.hmu.Unlock()

	e.logger.Debug().
		Int64("jobId", jobID).
		Int64("fileId", file.ID).
		Int64("transferId", tid).
		Msg("Transfer submitted")

	if interrupted {
		// Someone with a stronger claim changed the Job while the host was
		// busy and the File is still open: the fresh transfer must not run.
		return e.queue.CancelLocked(ctx, jobID, jobs.StatusStoppedByUser)
	}
	return nil
}

// abandon moves a token out of the pending buffer, keeping it resolvable so
// a late created event can be matched and its transfer discarded.
func (e *Engine) abandon(token string) {
	e.hmu.Lock()
	if p, ok := e.pending[token]; ok {
		e.abandoned[token] = p
		delete(e.pending, token)
	}
	e.hmu.Unlock()
}

// discardOrphan cancels and erases a transfer nobody is waiting for.
func (e *Engine) discardOrphan(ctx context.Context, tid int64) {
	e.hmu.Lock()
	delete(e.handles, tid)
	e.hmu.Unlock()

	if err := e.host.Cancel(ctx, tid); err != nil && !errors.Is(err, host.ErrNotFound) {
		e.logger.Warn().Err(err).Int64("transferId", tid).Msg("Failed to cancel orphaned transfer")
	}
	if err := e.host.Erase(ctx, tid); err != nil && !errors.Is(err, host.ErrNotFound) {
		e.logger.Warn().Err(err).Int64("transferId", tid).Msg("Failed to erase orphaned transfer")
	}
	e.logger.Info().Int64("transferId", tid).Msg("Discarded orphaned transfer")
}

// attempt retries a File after a transient failure, or fails the Job once
// the attempts are used up. The caller holds the Job's lock.
func (e *Engine) attempt(ctx context.Context, jobID int64, file *jobs.File, reason host.Reason) error {
	if file.RetryAttempts >= e.settings.MaxFallbackAttempts {
		e.logger.Warn().
			Int64("jobId", jobID).
			Int64("fileId", file.ID).
			Int("attempts", file.RetryAttempts).
			Str("reason", string(reason)).
			Msg("Transfer failed, no attempts left")
		ignored, err := e.queue.FinalizeFailure(ctx, jobID, file, queue.Failure{
			Cause:  jobs.StatusFailed,
			Reason: fmt.Sprintf("transfer failed after %d retries: %s", file.RetryAttempts, reason),
		})
		if err != nil {
			return err
		}
		if ignored {
			return e.continueAfterIgnored(ctx, jobID)
		}
		return nil
	}

	old := file.TransferID
	file.RetryAttempts++
	file.TransferID = nil
	if err := e.queue.MoveFile(ctx, file, jobs.StatusInitiating, string(reason)); err != nil {
		return err
	}
	if err := e.store.UpdateFile(ctx, file); err != nil {
		return fmt.Errorf("update file %d: %w", file.ID, err)
	}
	if old != nil {
		e.hmu.Lock()
		delete(e.handles, *old)
		e.hmu.Unlock()
		if err := e.host.Erase(ctx, *old); err != nil && !errors.Is(err, host.ErrNotFound) {
			e.logger.Warn().Err(err).Int64("transferId", *old).Msg("Failed to erase failed transfer")
		}
	}

	e.logger.Info().
		Int64("jobId", jobID).
		Int64("fileId", file.ID).
		Int("attempt", file.RetryAttempts).
		Str("reason", string(reason)).
		Dur("delay", e.settings.TimeBetweenDownloadAttempts).
		Msg("Retrying transfer")
	if err := e.scheduleRelaunch(jobID, file.ID, e.settings.TimeBetweenDownloadAttempts); err != nil {
		return e.abortRetry(ctx, jobID, file, err)
	}
	return nil
}

// abortRetry fails a File whose relaunch could not be scheduled, so the Job
// does not keep its slot with nothing in flight. The caller holds the Job's
// lock.
func (e *Engine) abortRetry(ctx context.Context, jobID int64, file *jobs.File, cause error) error {
	e.logger.Error().Err(cause).Int64("jobId", jobID).Int64("fileId", file.ID).Msg("Failed to schedule retry")
	ignored, err := e.queue.FinalizeFailure(ctx, jobID, file, queue.Failure{
		Cause:  jobs.StatusFailed,
		Reason: fmt.Sprintf("could not schedule retry: %v", cause),
	})
	if err != nil {
		return err
	}
	if ignored {
		return e.continueAfterIgnored(ctx, jobID)
	}
	return nil
}

func (e *Engine) scheduleRelaunch(jobID, fileID int64, delay time.Duration) error {
	return e.sched.After(retryKey(fileID), delay, func(context.Context) error {
		return e.relaunch(jobID, fileID)
	})
}

// relaunch starts a File again after a retry delay unless something else
// finished it in the meantime.
func (e *Engine) relaunch(jobID, fileID int64) error {
	if e.closed.Load() {
		return nil
	}
	return e.locks.Run(e.ctx, lockmgr.KindJob, jobID, lockmgr.PriorityNormal, func(ctx context.Context) error {
		job, err := e.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return nil
		}
		file, err := e.store.GetFile(ctx, fileID)
		if err != nil {
			return err
		}
		if file.Status.IsTerminal() || file.TransferID != nil {
			return nil
		}
		return e.launch(ctx, jobID, file)
	})
}

// continueAfterIgnored picks up a Job after its subtitle failed under the
// ignore policy: the video is launched, or the Job succeeds if the video is
// already done. The caller holds the Job's lock.
func (e *Engine) continueAfterIgnored(ctx context.Context, jobID int64) error {
	files, err := e.store.ListFilesByJob(ctx, jobID)
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.Kind != jobs.FileVideo {
			continue
		}
		switch f.Status {
		case jobs.StatusSucceeded:
			return e.queue.FinalizeSuccess(ctx, f)
		case jobs.StatusCandidate:
			return e.launch(ctx, jobID, f)
		}
	}
	return nil
}
