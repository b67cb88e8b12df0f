package engine

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstream/grabber/internal/host"
	"github.com/slipstream/grabber/internal/host/mock"
	"github.com/slipstream/grabber/internal/jobs"
	"github.com/slipstream/grabber/internal/store"
)

// seedJob stores an accepted movie Job and walks it to status.
func seedJob(t *testing.T, st *store.SQLStore, contentID int64, status jobs.Status) *jobs.Job {
	t.Helper()
	ctx := context.Background()
	in := movieIntent(contentID, jobs.ContentVideo)
	sub := &store.Submission{
		Batch: &jobs.Batch{ContentID: contentID, Quality: in.Quality},
		Jobs:  in.NewJobs(),
		Registration: &jobs.SourceRegistration{
			ContentID: contentID, SourceType: in.SourceType, URL: in.URL, Title: in.Title,
		},
	}
	require.NoError(t, st.CreateSubmission(ctx, sub))
	job := sub.Jobs[0]

	steps, ok := jobs.Route(job.Status, status)
	if status == jobs.StatusActive {
		steps, ok = []jobs.Status{jobs.StatusInitiating, jobs.StatusActive}, true
	}
	require.True(t, ok)
	for _, s := range steps {
		require.NoError(t, job.SetStatus(s))
		require.NoError(t, st.UpdateJob(ctx, job))
	}
	return job
}

// seedFile stores an Active video File bound to transfer tid.
func seedFile(t *testing.T, st *store.SQLStore, jobID, tid int64) *jobs.File {
	t.Helper()
	url := "https://cdn.test/1080.mp4"
	f := &jobs.File{
		Kind:       jobs.FileVideo,
		JobID:      jobID,
		URL:        &url,
		Filename:   "Movie 1080p.mp4",
		Quality:    "1080p",
		TransferID: &tid,
		Status:     jobs.StatusActive,
	}
	require.NoError(t, st.CreateFile(context.Background(), f))
	return f
}

func TestRecoveryDeniedStopsInterruptedWork(t *testing.T) {
	var asked atomic.Int32
	var stale, queued *jobs.Job
	f := newFixture(t, options{
		permission: PermissionFunc(func(_ context.Context, s RecoverySummary) (bool, error) {
			asked.Add(1)
			assert.Equal(t, RecoverySummary{Jobs: 1, Files: 1, Queued: 1}, s)
			return false, nil
		}),
		seed: func(t *testing.T, st *store.SQLStore, _ *mock.Host) {
			stale = seedJob(t, st, 40, jobs.StatusActive)
			seedFile(t, st, stale.ID, 99)
			queued = seedJob(t, st, 41, jobs.StatusCandidate)
		},
	})

	assert.Equal(t, int32(1), asked.Load())
	assert.Equal(t, jobs.StatusStoppedByUser, f.job(t, stale.ID).Status)
	assert.Equal(t, jobs.StatusStoppedByUser, f.job(t, queued.ID).Status)
	for _, fl := range f.files(t, stale.ID) {
		assert.Equal(t, jobs.StatusStoppedByUser, fl.Status)
	}
	assert.Empty(t, f.host.Submitted())
	assert.Empty(t, f.e.Queue().Snapshot().Active)
}

func TestRecoveryGrantedResumesWork(t *testing.T) {
	var stale, noFiles, queued *jobs.Job
	f := newFixture(t, options{
		seed: func(t *testing.T, st *store.SQLStore, _ *mock.Host) {
			stale = seedJob(t, st, 50, jobs.StatusActive)
			seedFile(t, st, stale.ID, 7)
			noFiles = seedJob(t, st, 51, jobs.StatusInitiating)
			queued = seedJob(t, st, 52, jobs.StatusCandidate)
		},
	})

	tid, file := f.running(t, stale.ID, 0)
	assert.Equal(t, "https://cdn.test/1080.mp4", *file.URL)
	assert.Equal(t, 0, file.RetryAttempts, "recovery does not use up retries")
	f.running(t, noFiles.ID, 0)
	f.running(t, queued.ID, 0)

	require.NoError(t, f.host.Complete(tid))
	f.waitStatus(t, stale.ID, jobs.StatusSucceeded)

	f.notes.mu.Lock()
	defer f.notes.mu.Unlock()
	require.Len(t, f.notes.recovered, 1)
	assert.Equal(t, 2, f.notes.recovered[0].Jobs)
	assert.True(t, f.notes.recovered[0].Restored)
}

func TestRecoveryReattachesLiveTransfer(t *testing.T) {
	var job *jobs.Job
	var tid int64
	f := newFixture(t, options{
		permission: PermissionFunc(func(context.Context, RecoverySummary) (bool, error) {
			t.Error("nothing to recover, permission must not be requested")
			return false, nil
		}),
		seed: func(t *testing.T, st *store.SQLStore, h *mock.Host) {
			var err error
			tid, err = h.Submit(context.Background(), host.Request{URL: "https://cdn.test/1080.mp4"})
			require.NoError(t, err)
			job = seedJob(t, st, 60, jobs.StatusActive)
			seedFile(t, st, job.ID, tid)
		},
	})

	assert.True(t, f.e.Queue().IsActive(job.ID))
	require.NoError(t, f.host.Complete(tid))
	f.waitStatus(t, job.ID, jobs.StatusSucceeded)
	assert.Len(t, f.host.Submitted(), 1, "no new transfer was started")
}

func TestReusedHandleMatchesNewestFile(t *testing.T) {
	var old, current *jobs.Job
	f := newFixture(t, options{
		seed: func(t *testing.T, st *store.SQLStore, h *mock.Host) {
			ctx := context.Background()
			old = seedJob(t, st, 70, jobs.StatusActive)
			oldFile := seedFile(t, st, old.ID, 1)
			require.NoError(t, oldFile.SetStatus(jobs.StatusSucceeded))
			require.NoError(t, st.UpdateFile(ctx, oldFile))
			require.NoError(t, old.SetStatus(jobs.StatusSucceeded))
			require.NoError(t, st.UpdateJob(ctx, old))

			_, err := h.Submit(ctx, host.Request{URL: "https://cdn.test/1080.mp4"})
			require.NoError(t, err)
			current = seedJob(t, st, 71, jobs.StatusActive)
			seedFile(t, st, current.ID, 1)
		},
	})

	// Without the handle map entry the Files of active Jobs win over the
	// finished File that used the same handle before.
	f.e.hmu.Lock()
	delete(f.e.handles, 1)
	f.e.hmu.Unlock()

	require.NoError(t, f.host.Complete(1))
	f.waitStatus(t, current.ID, jobs.StatusSucceeded)
	assert.Equal(t, jobs.StatusSucceeded, f.job(t, old.ID).Status)
}
