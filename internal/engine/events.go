package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/slipstream/grabber/internal/host"
	"github.com/slipstream/grabber/internal/jobs"
	"github.com/slipstream/grabber/internal/lockmgr"
	"github.com/slipstream/grabber/internal/naming"
	"github.com/slipstream/grabber/internal/queue"
	"github.com/slipstream/grabber/internal/store"
)

var _ host.Listener = (*Engine)(nil)

// OnCreated implements host.Listener.
func (e *Engine) OnCreated(ev host.Created) {
	e.dispatch(ev.TransferID, func() {
		e.handle(ev.TransferID, ev.Token, ev.URL, func(ctx context.Context, jobID int64, file *jobs.File) error {
			return e.handleCreated(ctx, jobID, file, ev)
		})
	})
}

// OnChanged implements host.Listener.
func (e *Engine) OnChanged(ev host.Delta) {
	e.dispatch(ev.TransferID, func() {
		e.handle(ev.TransferID, ev.Token, ev.URL, func(ctx context.Context, jobID int64, file *jobs.File) error {
			return e.handleChanged(ctx, jobID, file, ev)
		})
	})
}

// OnDeterminingName implements host.Listener. The host is blocked until it
// returns, so only the pending buffer is consulted.
func (e *Engine) OnDeterminingName(req host.NameRequest) (string, bool) {
	e.hmu.Lock()
	defer e.hmu.Unlock()
	if p, ok := e.pending[req.Token]; ok && p.filename != "" {
		return p.filename, true
	}
	return "", false
}

// dispatch runs fn on a goroutine, keeping the events of one transfer in
// the order the host fired them.
func (e *Engine) dispatch(tid int64, fn func()) {
	e.dmu.Lock()
	q, running := e.serial[tid]
	e.serial[tid] = append(q, fn)
	e.dmu.Unlock()
	if running {
		return
	}

	e.events.Add(1)
	go func() {
		defer e.events.Done()
		for {
			e.dmu.Lock()
			q := e.serial[tid]
			if len(q) == 0 {
				delete(e.serial, tid)
				e.dmu.Unlock()
				return
			}
			next := q[0]
			e.serial[tid] = q[1:]
			e.dmu.Unlock()
			next()
		}
	}()
}

// handle correlates an event with a File and runs fn under the Job's lock
// with a fresh copy of that File.
func (e *Engine) handle(tid int64, token, url string, fn func(ctx context.Context, jobID int64, file *jobs.File) error) {
	if e.closed.Load() {
		return
	}
	ctx := e.ctx

	fileID, jobID, err := e.correlate(ctx, tid, token, url)
	if err != nil {
		e.logger.Error().Err(err).Int64("transferId", tid).Msg("Failed to correlate host event")
		return
	}
	if fileID == 0 {
		e.logger.Debug().Int64("transferId", tid).Str("url", url).Msg("Ignoring event for unknown transfer")
		return
	}

	err = e.locks.Run(ctx, lockmgr.KindJob, jobID, lockmgr.PriorityNormal, func(ctx context.Context) error {
		file, err := e.store.GetFile(ctx, fileID)
		if err != nil {
			return err
		}
		return fn(ctx, jobID, file)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Error().Err(err).Int64("transferId", tid).Int64("fileId", fileID).Msg("Failed to handle host event")
	}
}

// correlate finds the File a transfer belongs to: the pending buffer by
// token, the handle map, a token or URL match among the Files of active
// Jobs, and finally the store by handle, where the newest File wins when
// the host reused a handle.
func (e *Engine) correlate(ctx context.Context, tid int64, token, url string) (fileID, jobID int64, err error) {
	e.hmu.Lock()
	if p, ok := e.pending[token]; ok && token != "" {
		e.hmu.Unlock()
		return p.fileID, p.jobID, nil
	}
	if p, ok := e.abandoned[token]; ok && token != "" {
		e.hmu.Unlock()
		return p.fileID, p.jobID, nil
	}
	id, known := e.handles[tid]
	e.hmu.Unlock()

	if known {
		f, err := e.store.GetFile(ctx, id)
		if err == nil {
			return f.ID, f.JobID, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return 0, 0, err
		}
	}

	active, err := e.queue.ActiveFiles(ctx)
	if err != nil {
		return 0, 0, err
	}
	if token != "" {
		for _, f := range active {
			if f.Token == token {
				return f.ID, f.JobID, nil
			}
		}
	}
	if url != "" {
		for _, f := range active {
			if f.Status.IsInFlight() && f.URL != nil && *f.URL == url {
				return f.ID, f.JobID, nil
			}
		}
	}

	byHandle, err := e.store.ListFilesByTransferID(ctx, tid)
	if err != nil {
		return 0, 0, err
	}
	if len(byHandle) > 0 {
		return byHandle[0].ID, byHandle[0].JobID, nil
	}
	return 0, 0, nil
}

// owns reports whether the File is currently bound to the transfer.
func owns(file *jobs.File, tid int64) bool {
	return file.TransferID != nil && *file.TransferID == tid
}

func (e *Engine) handleCreated(ctx context.Context, jobID int64, file *jobs.File, ev host.Created) error {
	e.hmu.Lock()
	delete(e.abandoned, ev.Token)
	e.hmu.Unlock()

	if file.Status.IsTerminal() || !owns(file, ev.TransferID) {
		e.discardOrphan(ctx, ev.TransferID)
		return nil
	}

	e.hmu.Lock()
	e.handles[ev.TransferID] = file.ID
	e.hmu.Unlock()

	if ev.Filename != "" && ev.Filename != file.Filename {
		e.recordFilename(file, ev.Filename)
	}
	if file.Status == jobs.StatusInitiating {
		if err := e.queue.MoveFile(ctx, file, jobs.StatusActive, ""); err != nil {
			return err
		}
	} else if err := e.store.UpdateFile(ctx, file); err != nil {
		return fmt.Errorf("update file %d: %w", file.ID, err)
	}

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == jobs.StatusInitiating {
		if err := e.queue.MoveJob(ctx, job, jobs.StatusActive, ""); err != nil {
			return err
		}
		e.publishJob(job)
	}
	return nil
}

func (e *Engine) recordFilename(file *jobs.File, actual string) {
	if !naming.SameTarget(file.Filename, actual) {
		e.logger.Warn().
			Int64("fileId", file.ID).
			Str("requested", file.Filename).
			Str("actual", actual).
			Msg("Host saved the file under a different name")
	}
	file.Filename = actual
}

func (e *Engine) handleChanged(ctx context.Context, jobID int64, file *jobs.File, ev host.Delta) error {
	if file.Status.IsTerminal() || !owns(file, ev.TransferID) {
		e.logger.Debug().Int64("transferId", ev.TransferID).Int64("fileId", file.ID).Msg("Ignoring stale transfer event")
		return nil
	}

	if ev.Filename != nil && *ev.Filename != file.Filename {
		e.recordFilename(file, *ev.Filename)
		if err := e.store.UpdateFile(ctx, file); err != nil {
			return fmt.Errorf("update file %d: %w", file.ID, err)
		}
	}

	if ev.Paused != nil {
		if err := e.setPaused(ctx, jobID, file, *ev.Paused); err != nil {
			return err
		}
	}

	if ev.State == nil {
		return nil
	}
	switch *ev.State {
	case host.StateComplete:
		return e.onFileSucceeded(ctx, jobID, file)
	case host.StateInterrupted:
		reason := host.ReasonNetworkFailed
		if ev.Error != nil && *ev.Error != "" {
			reason = *ev.Error
		}
		return e.onFileInterrupted(ctx, jobID, file, reason)
	}
	return nil
}

func (e *Engine) setPaused(ctx context.Context, jobID int64, file *jobs.File, paused bool) error {
	from, to := jobs.StatusActive, jobs.StatusPaused
	if !paused {
		from, to = to, from
	}
	if file.Status != from {
		return nil
	}
	if err := e.queue.MoveFile(ctx, file, to, ""); err != nil {
		return err
	}

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != from {
		return nil
	}
	if err := e.queue.MoveJob(ctx, job, to, ""); err != nil {
		return err
	}
	e.publishJob(job)
	return nil
}

// onFileSucceeded closes a finished File and either launches its dependent
// File or completes the Job. A cancel the host accepted after the transfer
// had already finished still stops the Job.
func (e *Engine) onFileSucceeded(ctx context.Context, jobID int64, file *jobs.File) error {
	cause, cancelled := e.queue.TakePendingCancel(file.ID)
	if err := e.queue.MoveFile(ctx, file, jobs.StatusSucceeded, ""); err != nil {
		return err
	}
	e.logger.Info().
		Int64("jobId", jobID).
		Int64("fileId", file.ID).
		Str("kind", string(file.Kind)).
		Str("filename", file.Filename).
		Msg("File downloaded")

	if cancelled {
		return e.queue.FinalizeCancel(ctx, file, cause)
	}

	if file.DependentFileID != nil {
		dep, err := e.store.GetFile(ctx, *file.DependentFileID)
		if err != nil {
			return err
		}
		if dep.Status == jobs.StatusCandidate {
			return e.launch(ctx, jobID, dep)
		}
	}
	return e.queue.FinalizeSuccess(ctx, file)
}

// onFileInterrupted reacts to a transfer the host stopped.
func (e *Engine) onFileInterrupted(ctx context.Context, jobID int64, file *jobs.File, reason host.Reason) error {
	if cause, ok := e.queue.TakePendingCancel(file.ID); ok {
		return e.queue.FinalizeCancel(ctx, file, cause)
	}

	class := host.Classify(reason)
	e.logger.Info().
		Int64("jobId", jobID).
		Int64("fileId", file.ID).
		Str("reason", string(reason)).
		Str("class", class.String()).
		Msg("Transfer interrupted")

	switch class {
	case host.ClassUser:
		return e.queue.FinalizeCancel(ctx, file, jobs.StatusStoppedByUser)
	case host.ClassFatal:
		_, err := e.queue.FinalizeFailure(ctx, jobID, file, queue.Failure{
			Cause:  jobs.StatusFailed,
			Reason: string(reason),
			Fatal:  true,
		})
		return err
	case host.ClassInitiation:
		return e.failInitiation(ctx, jobID, file, "", string(reason))
	default:
		return e.attempt(ctx, jobID, file, reason)
	}
}
