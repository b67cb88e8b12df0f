package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/slipstream/grabber/internal/host"
	"github.com/slipstream/grabber/internal/jobs"
	"github.com/slipstream/grabber/internal/lockmgr"
	"github.com/slipstream/grabber/internal/quality"
)

// Failure describes why a Job could not finish.
type Failure struct {
	// Cause is the terminal status: Failed, InitiationError or StoppedByUser.
	Cause jobs.Status
	// Gap selects the policy row. Empty derives it from the File kind.
	Gap    quality.Gap
	Reason string
	// Fatal stops every unfinished Job of the content, bypassing policy.
	Fatal bool
}

// Cancel stops Jobs with the given cause, taking each Job's lock at user
// priority. Queued Jobs are finalized at once. Jobs with live transfers get
// a host cancel and are finalized when the host reports the interruption.
func (c *Controller) Cancel(ctx context.Context, jobIDs []int64, cause jobs.Status) error {
	return c.cancelJobs(ctx, jobIDs, cause, lockmgr.PriorityUser)
}

func (c *Controller) cancelJobs(ctx context.Context, jobIDs []int64, cause jobs.Status, prio lockmgr.Priority) error {
	var errs []error
	for _, id := range jobIDs {
		err := c.locks.Run(ctx, lockmgr.KindJob, id, prio, func(ctx context.Context) error {
			return c.CancelLocked(ctx, id, cause)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("cancel job %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// CancelLocked is Cancel for a single Job whose lock the caller holds.
func (c *Controller) CancelLocked(ctx context.Context, jobID int64, cause jobs.Status) error {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}

	if c.removeQueued(jobID) {
		return c.settle(ctx, job, nil, cause, cancelReason(cause))
	}

	files, err := c.store.ListFilesByJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("list files: %w", err)
	}

	waiting := 0
	for _, f := range files {
		if f.Status.IsTerminal() || f.TransferID == nil {
			continue
		}
		c.mu.Lock()
		c.pendingCancel[f.ID] = cause
		c.mu.Unlock()

		if err := c.host.Cancel(ctx, *f.TransferID); err != nil {
			c.TakePendingCancel(f.ID)
			if errors.Is(err, host.ErrNotFound) {
				continue
			}
			return fmt.Errorf("cancel transfer %d: %w", *f.TransferID, err)
		}
		waiting++
	}
	if waiting > 0 {
		c.logger.Debug().Int64("jobId", jobID).Int("transfers", waiting).Msg("Waiting for host to confirm cancel")
		return nil
	}

	// Nothing was ever handed to the host, or the transfers are gone.
	return c.settle(ctx, job, nil, cause, cancelReason(cause))
}

func cancelReason(cause jobs.Status) string {
	if cause == jobs.StatusStoppedByUser {
		return "stopped by user"
	}
	return "stopped because another download of this content failed"
}

// FinalizeSuccess records a File as succeeded and closes its Job. The caller
// holds the Job's lock.
func (c *Controller) FinalizeSuccess(ctx context.Context, file *jobs.File) error {
	job, err := c.store.GetJob(ctx, file.JobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}
	return c.settle(ctx, job, file, jobs.StatusSucceeded, "")
}

// FinalizeCancel closes a Job whose transfer was cancelled on purpose. No
// policy is evaluated. The caller holds the Job's lock.
func (c *Controller) FinalizeCancel(ctx context.Context, file *jobs.File, cause jobs.Status) error {
	job, err := c.store.GetJob(ctx, file.JobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}
	return c.settle(ctx, job, file, cause, cancelReason(cause))
}

// FinalizeFailure applies the policy matrix to a failed Job. file is the
// File that failed and may be nil when the Job failed before any File
// existed. When the subtitle policy is ignore and the Job still has a
// usable video, only the subtitle is failed and ignored=true is returned:
// the caller continues the Job. The caller holds the Job's lock.
func (c *Controller) FinalizeFailure(ctx context.Context, jobID int64, file *jobs.File, f Failure) (ignored bool, err error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Status.IsTerminal() {
		return false, nil
	}

	action := quality.ActionSkip
	if f.Cause != jobs.StatusStoppedByUser && !f.Fatal {
		gap := f.Gap
		if gap == "" && file != nil {
			gap = quality.GapLoadVideoError
			if file.Kind == jobs.FileSubtitle {
				gap = quality.GapLoadSubtitleError
			}
		}
		if gap != "" {
			action = c.settings.Policies().ActionFor(gap)
		}
	}

	if action == quality.ActionIgnore && file != nil && file.Kind == jobs.FileSubtitle {
		ok, err := c.hasUsableVideo(ctx, jobID)
		if err != nil {
			return false, err
		}
		if ok {
			if err := c.MoveFile(ctx, file, f.Cause, f.Reason); err != nil {
				return false, err
			}
			c.logger.Info().Int64("jobId", jobID).Str("reason", f.Reason).Msg("Subtitle failed, continuing without it")
			return true, nil
		}
		action = quality.ActionSkip
	}

	// Related Jobs leave the queue before the settle frees a slot, so the
	// next tick cannot admit one of them.
	var related []int64
	switch {
	case f.Fatal:
		related = c.relatedJobs(ctx, job, true)
	case action == quality.ActionStop:
		related = c.relatedJobs(ctx, job, false)
	}
	for _, id := range related {
		c.removeQueued(id)
	}

	if err := c.settle(ctx, job, file, f.Cause, f.Reason); err != nil {
		return false, err
	}
	c.cascade(job, related)
	return false, nil
}

func (c *Controller) hasUsableVideo(ctx context.Context, jobID int64) (bool, error) {
	files, err := c.store.ListFilesByJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	for _, f := range files {
		if f.Kind == jobs.FileVideo && f.HasURL() && (f.Status == jobs.StatusSucceeded || !f.Status.IsTerminal()) {
			return true, nil
		}
	}
	return false, nil
}

// relatedJobs lists the unfinished Jobs that a failure of job stops: the
// rest of its Batch, or every Job of the content when wholeContent is set.
func (c *Controller) relatedJobs(ctx context.Context, job *jobs.Job, wholeContent bool) []int64 {
	var (
		list []*jobs.Job
		err  error
	)
	if wholeContent {
		list, err = c.store.ListJobsByContent(ctx, job.ContentID)
	} else {
		list, err = c.store.ListJobsByBatch(ctx, job.BatchID)
	}
	if err != nil {
		c.logger.Error().Err(err).Int64("jobId", job.ID).Bool("content", wholeContent).Msg("Failed to list related jobs")
		return nil
	}
	return unfinishedExcept(list, job.ID)
}

func unfinishedExcept(list []*jobs.Job, skip int64) []int64 {
	var ids []int64
	for _, j := range list {
		if j.ID != skip && !j.Status.IsTerminal() {
			ids = append(ids, j.ID)
		}
	}
	return ids
}

// cascade runs outside the failing Job's lock so two Jobs failing at once
// cannot wait on each other.
func (c *Controller) cascade(origin *jobs.Job, ids []int64) {
	if len(ids) == 0 {
		return
	}
	c.logger.Warn().Int64("jobId", origin.ID).Int("jobs", len(ids)).Msg("Stopping related downloads")

	c.cascades.Add(1)
	go func() {
		defer c.cascades.Done()
		if err := c.cancelJobs(context.Background(), ids, jobs.StatusFailed, lockmgr.PriorityNormal); err != nil {
			c.logger.Error().Err(err).Msg("Failed to stop related downloads")
		}
	}()
}

// settle writes the terminal status to the Job and every unfinished File and
// removes the Job from the queue and the active set. file, when given, is the
// in-memory copy of the File that decided the outcome and is persisted as is.
// Other in-flight Files become InitiationError unless the cause is a user
// stop, which propagates verbatim.
func (c *Controller) settle(ctx context.Context, job *jobs.Job, file *jobs.File, cause jobs.Status, reason string) error {
	c.removeQueued(job.ID)
	c.Release(job.ID)

	// A File that already finished keeps its own outcome.
	if file != nil && !file.Status.IsTerminal() {
		if err := c.MoveFile(ctx, file, cause, reason); err != nil {
			return err
		}
	}

	files, err := c.store.ListFilesByJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("list files: %w", err)
	}
	c.mu.Lock()
	for _, f := range files {
		delete(c.pendingCancel, f.ID)
	}
	c.mu.Unlock()
	for _, f := range files {
		if f.Status.IsTerminal() || (file != nil && f.ID == file.ID) {
			continue
		}
		target, why := jobs.StatusInitiationError, "paired file did not finish"
		if cause == jobs.StatusStoppedByUser {
			target, why = cause, reason
		}
		if err := c.MoveFile(ctx, f, target, why); err != nil {
			return err
		}
	}

	if err := c.MoveJob(ctx, job, cause, reason); err != nil {
		return err
	}

	c.logger.Info().
		Int64("jobId", job.ID).
		Str("job", job.Label()).
		Str("status", string(cause)).
		Str("reason", reason).
		Msg("Job finished")

	if c.onSettled != nil {
		c.onSettled(job)
	}
	return nil
}

// MoveFile steps a File to a status, persisting every hop.
func (c *Controller) MoveFile(ctx context.Context, f *jobs.File, to jobs.Status, reason string) error {
	steps, ok := jobs.Route(f.Status, to)
	if !ok {
		return fmt.Errorf("file %d: %w: %s -> %s", f.ID, jobs.ErrIllegalTransition, f.Status, to)
	}
	if reason != "" {
		f.Error = reason
	}
	for _, s := range steps {
		if err := f.SetStatus(s); err != nil {
			return err
		}
		if err := c.store.UpdateFile(ctx, f); err != nil {
			return fmt.Errorf("update file %d: %w", f.ID, err)
		}
	}
	if len(steps) == 0 && reason != "" {
		return c.store.UpdateFile(ctx, f)
	}
	return nil
}

// MoveJob steps a Job to a status, persisting every hop.
func (c *Controller) MoveJob(ctx context.Context, j *jobs.Job, to jobs.Status, reason string) error {
	steps, ok := jobs.Route(j.Status, to)
	if !ok {
		return fmt.Errorf("job %d: %w: %s -> %s", j.ID, jobs.ErrIllegalTransition, j.Status, to)
	}
	j.Error = reason
	for _, s := range steps {
		if err := j.SetStatus(s); err != nil {
			return err
		}
		if err := c.store.UpdateJob(ctx, j); err != nil {
			return fmt.Errorf("update job %d: %w", j.ID, err)
		}
	}
	return nil
}
