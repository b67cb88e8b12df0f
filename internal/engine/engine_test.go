package engine

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstream/grabber/internal/config"
	"github.com/slipstream/grabber/internal/host"
	"github.com/slipstream/grabber/internal/host/mock"
	"github.com/slipstream/grabber/internal/jobs"
	"github.com/slipstream/grabber/internal/lockmgr"
	"github.com/slipstream/grabber/internal/naming"
	"github.com/slipstream/grabber/internal/notify/types"
	"github.com/slipstream/grabber/internal/quality"
	"github.com/slipstream/grabber/internal/queue"
	"github.com/slipstream/grabber/internal/scheduler"
	"github.com/slipstream/grabber/internal/site"
	"github.com/slipstream/grabber/internal/store"
	"github.com/slipstream/grabber/internal/testutil"
)

const waitFor = 3 * time.Second

type staticFetcher struct {
	manifest *site.Manifest
}

func (f *staticFetcher) Fetch(context.Context, site.Query) (*site.Manifest, error) {
	return f.manifest, nil
}

type stubSizer struct {
	mu    sync.Mutex
	sizes map[string]int64
}

func (p *stubSizer) Size(_ context.Context, u string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sizes[u], nil
}

type recorder struct {
	mu        sync.Mutex
	finished  []jobs.Job
	recovered []types.RecoveryEvent
}

func (r *recorder) JobFinished(job *jobs.Job) {
	r.mu.Lock()
	r.finished = append(r.finished, *job)
	r.mu.Unlock()
}

func (r *recorder) Recovery(event types.RecoveryEvent) {
	r.mu.Lock()
	r.recovered = append(r.recovered, event)
	r.mu.Unlock()
}

func (r *recorder) finishedIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.finished))
	for _, j := range r.finished {
		ids = append(ids, j.ID)
	}
	return ids
}

type broadcasts struct {
	mu    sync.Mutex
	types []string
}

func (b *broadcasts) Broadcast(msgType string, _ any) error {
	b.mu.Lock()
	b.types = append(b.types, msgType)
	b.mu.Unlock()
	return nil
}

type options struct {
	settings   func(*config.DownloadsConfig)
	permission Permission
	seed       func(t *testing.T, st *store.SQLStore, h *mock.Host)
	manifest   *site.Manifest
	sizes      map[string]int64
}

type fixture struct {
	e      *Engine
	store  *store.SQLStore
	host   *mock.Host
	sched  *scheduler.Scheduler
	notes  *recorder
	casts  *broadcasts
	sizer  *stubSizer
}

func defaultManifest() *site.Manifest {
	return &site.Manifest{
		Streams: []site.Stream{
			{Quality: "480p", URLs: []string{"https://cdn.test/480.mp4"}},
			{Quality: "720p", URLs: []string{"https://cdn.test/720.mp4"}},
			{Quality: "1080p", URLs: []string{"https://cdn.test/1080.mp4"}},
		},
		Subtitles: []site.Subtitle{{Label: "English", Language: "en", URL: "https://cdn.test/en.vtt"}},
	}
}

func defaultSizes() map[string]int64 {
	return map[string]int64{
		"https://cdn.test/480.mp4":  100,
		"https://cdn.test/720.mp4":  100,
		"https://cdn.test/1080.mp4": 100,
	}
}

func newFixture(t *testing.T, opts options) *fixture {
	t.Helper()
	tdb := testutil.NewTestDB(t)
	logger := testutil.NewTestLogger(t)

	settings := config.Default().Downloads
	settings.TimeBetweenDownloadAttempts = 10 * time.Millisecond
	settings.RecoveryRetryDelay = 10 * time.Millisecond
	settings.DownloadStartTimeLimit = time.Second
	settings.ReconcileInterval = 0
	if opts.settings != nil {
		opts.settings(&settings)
	}
	if opts.manifest == nil {
		opts.manifest = defaultManifest()
	}
	if opts.sizes == nil {
		opts.sizes = defaultSizes()
	}

	f := &fixture{
		store:  store.New(tdb.Conn),
		host:   mock.New(),
		notes:  &recorder{},
		casts:  &broadcasts{},
		sizer:  &stubSizer{sizes: opts.sizes},
	}
	if opts.seed != nil {
		opts.seed(t, f.store, f.host)
	}

	sched, err := scheduler.New(logger)
	require.NoError(t, err)
	require.NoError(t, sched.Start())
	t.Cleanup(func() { _ = sched.Stop() })
	f.sched = sched

	reg := site.NewRegistry([]site.Definition{{ID: "demo", Family: "fake"}}, site.RegistryConfig{
		Sizer: f.sizer,
		Retry: site.RetryConfig{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 1, Multiplier: 1},
	}, &logger)
	fetcher := &staticFetcher{manifest: opts.manifest}
	reg.RegisterFamily("fake", func(site.Definition, *http.Client) site.Fetcher { return fetcher })

	permission := opts.permission
	if permission == nil {
		permission = StaticPermission(true)
	}

	e, err := New(context.Background(), Deps{
		Store:       f.store,
		Host:        f.host,
		Sites:       reg,
		Scheduler:   sched,
		Locks:       lockmgr.New(),
		Notifier:    f.notes,
		Broadcaster: f.casts,
		Permission:  permission,
		Settings:    settings,
		Naming:      naming.Options{Template: config.DefaultTemplate},
	}, &logger)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	f.e = e
	return f
}

func movieIntent(contentID int64, kind jobs.ContentKind) *jobs.Intent {
	in := &jobs.Intent{
		SourceType:  "demo",
		ContentID:   contentID,
		URL:         "https://site.test/movie",
		Title:       "Movie",
		Kind:        jobs.IntentMovie,
		ContentKind: kind,
		Quality:     "1080p",
	}
	if kind.WantsSubtitle() {
		in.Subtitle = "en"
	}
	return in
}

func seriesIntent(contentID int64, episodes ...int) *jobs.Intent {
	return &jobs.Intent{
		SourceType:  "demo",
		ContentID:   contentID,
		URL:         "https://site.test/show",
		Title:       "Show",
		Kind:        jobs.IntentSeries,
		ContentKind: jobs.ContentVideo,
		Quality:     "720p",
		Catalog:     []jobs.SeasonEpisodes{{Season: 1, Episodes: episodes}},
	}
}

func (f *fixture) submit(t *testing.T, in *jobs.Intent) *jobs.Batch {
	t.Helper()
	out, batch, err := f.e.Submit(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, queue.OutcomeAccepted, out)
	return batch
}

func (f *fixture) job(t *testing.T, id int64) *jobs.Job {
	t.Helper()
	j, err := f.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func (f *fixture) files(t *testing.T, jobID int64) []*jobs.File {
	t.Helper()
	list, err := f.store.ListFilesByJob(context.Background(), jobID)
	require.NoError(t, err)
	return list
}

func (f *fixture) waitStatus(t *testing.T, jobID int64, want jobs.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		j, err := f.store.GetJob(context.Background(), jobID)
		return err == nil && j.Status == want
	}, waitFor, 5*time.Millisecond, "job %d never reached %s", jobID, want)
}

// running waits until a File of the Job is Active on a transfer other than
// skip and returns that transfer.
func (f *fixture) running(t *testing.T, jobID int64, skip int64) (int64, *jobs.File) {
	t.Helper()
	var tid int64
	var file *jobs.File
	require.Eventually(t, func() bool {
		list, err := f.store.ListFilesByJob(context.Background(), jobID)
		if err != nil {
			return false
		}
		for _, fl := range list {
			if fl.Status == jobs.StatusActive && fl.TransferID != nil && *fl.TransferID != skip {
				tid, file = *fl.TransferID, fl
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond, "job %d never got a running transfer", jobID)
	return tid, file
}

func activeJobs(t *testing.T, f *fixture, ids []int64) int {
	t.Helper()
	n := 0
	for _, id := range ids {
		if f.job(t, id).Status.IsInFlight() {
			n++
		}
	}
	return n
}

func TestMovieDownloadSucceeds(t *testing.T) {
	f := newFixture(t, options{})
	batch := f.submit(t, movieIntent(1, jobs.ContentVideo))
	require.Len(t, batch.JobIDs, 1)
	jobID := batch.JobIDs[0]

	tid, file := f.running(t, jobID, 0)
	f.waitStatus(t, jobID, jobs.StatusActive)
	assert.Equal(t, "https://cdn.test/1080.mp4", *file.URL)
	assert.NotEmpty(t, file.Token)

	tr, ok := f.host.Get(tid)
	require.True(t, ok)
	assert.Equal(t, file.Filename, tr.Filename, "filename hook answers with the planned name")
	assert.Equal(t, file.Token, tr.Request.Token)

	require.NoError(t, f.host.Complete(tid))
	f.waitStatus(t, jobID, jobs.StatusSucceeded)

	files := f.files(t, jobID)
	require.Len(t, files, 1)
	assert.Equal(t, jobs.StatusSucceeded, files[0].Status)
	assert.Equal(t, []string{"480p", "720p", "1080p"}, f.job(t, jobID).Qualities)

	require.Eventually(t, func() bool { return len(f.notes.finishedIDs()) == 1 }, waitFor, 5*time.Millisecond)
	assert.False(t, f.e.Queue().IsActive(jobID))
}

func TestPairingOrder(t *testing.T) {
	for _, tc := range []struct {
		priority string
		first    string
		second   string
	}{
		{priority: "video", first: "https://cdn.test/1080.mp4", second: "https://cdn.test/en.vtt"},
		{priority: "subtitle", first: "https://cdn.test/en.vtt", second: "https://cdn.test/1080.mp4"},
	} {
		t.Run(tc.priority, func(t *testing.T) {
			f := newFixture(t, options{settings: func(s *config.DownloadsConfig) { s.FilePriority = tc.priority }})
			jobID := f.submit(t, movieIntent(2, jobs.ContentBoth)).JobIDs[0]

			tid, first := f.running(t, jobID, 0)
			assert.Equal(t, tc.first, *first.URL)
			require.NotNil(t, first.DependentFileID)
			require.Len(t, f.host.Submitted(), 1, "second file waits for the first")

			require.NoError(t, f.host.Complete(tid))
			tid2, second := f.running(t, jobID, tid)
			assert.Equal(t, tc.second, *second.URL)
			assert.Equal(t, *first.DependentFileID, second.ID)
			assert.Equal(t, jobs.StatusActive, f.job(t, jobID).Status)

			require.NoError(t, f.host.Complete(tid2))
			f.waitStatus(t, jobID, jobs.StatusSucceeded)
			for _, fl := range f.files(t, jobID) {
				assert.Equal(t, jobs.StatusSucceeded, fl.Status)
			}
		})
	}
}

func TestSeriesCapScenario(t *testing.T) {
	f := newFixture(t, options{settings: func(s *config.DownloadsConfig) {
		s.MaxParallelDownloads = 5
		s.MaxParallelDownloadsEpisodes = 2
	}})
	ids := f.submit(t, seriesIntent(7, 1, 2, 3, 4, 5)).JobIDs
	require.Len(t, ids, 5)

	first, _ := f.running(t, ids[0], 0)
	f.running(t, ids[1], 0)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, activeJobs(t, f, ids))
	assert.Equal(t, jobs.StatusCandidate, f.job(t, ids[2]).Status)

	// A movie of another content is not held back by the series cap.
	movie := f.submit(t, movieIntent(8, jobs.ContentVideo)).JobIDs[0]
	f.running(t, movie, 0)

	require.NoError(t, f.host.Complete(first))
	f.waitStatus(t, ids[0], jobs.StatusSucceeded)
	f.running(t, ids[2], 0)
	assert.Equal(t, 2, activeJobs(t, f, ids))
	assert.Equal(t, jobs.StatusCandidate, f.job(t, ids[3]).Status)
}

func TestGlobalCap(t *testing.T) {
	f := newFixture(t, options{settings: func(s *config.DownloadsConfig) { s.MaxParallelDownloads = 1 }})
	a := f.submit(t, movieIntent(11, jobs.ContentVideo)).JobIDs[0]
	b := f.submit(t, movieIntent(12, jobs.ContentVideo)).JobIDs[0]

	tid, _ := f.running(t, a, 0)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, jobs.StatusCandidate, f.job(t, b).Status)

	snap := f.e.Queue().Snapshot()
	assert.Equal(t, []int64{a}, snap.Active)
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, []int64{b}, snap.Entries[0].JobIDs)

	require.NoError(t, f.host.Complete(tid))
	f.running(t, b, 0)
}

func TestRetryBound(t *testing.T) {
	f := newFixture(t, options{settings: func(s *config.DownloadsConfig) { s.MaxFallbackAttempts = 2 }})
	jobID := f.submit(t, movieIntent(3, jobs.ContentVideo)).JobIDs[0]

	var last int64
	for i := 0; i < 3; i++ {
		tid, file := f.running(t, jobID, last)
		assert.Equal(t, i, file.RetryAttempts)
		require.NoError(t, f.host.Fail(tid, host.ReasonNetworkFailed))
		last = tid
	}

	f.waitStatus(t, jobID, jobs.StatusFailed)
	assert.Len(t, f.host.Submitted(), 3)
	files := f.files(t, jobID)
	require.Len(t, files, 1)
	assert.Equal(t, jobs.StatusFailed, files[0].Status)
	assert.Equal(t, 2, files[0].RetryAttempts)
	assert.Empty(t, f.host.Live())
}

func TestResubmitTogglesOff(t *testing.T) {
	f := newFixture(t, options{})
	in := movieIntent(4, jobs.ContentVideo)
	jobID := f.submit(t, in).JobIDs[0]
	tid, _ := f.running(t, jobID, 0)

	out, batch, err := f.e.Submit(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, queue.OutcomeCancelled, out)
	assert.Nil(t, batch)

	f.waitStatus(t, jobID, jobs.StatusStoppedByUser)
	tr, _ := f.host.Get(tid)
	assert.Equal(t, host.ReasonUserCanceled, tr.Error)
	for _, fl := range f.files(t, jobID) {
		assert.Equal(t, jobs.StatusStoppedByUser, fl.Status)
	}

	// With nothing running, the same intent starts a new batch.
	again := f.submit(t, in)
	assert.NotEqual(t, jobID, again.JobIDs[0])
}

func TestCancelDuringRetryWait(t *testing.T) {
	f := newFixture(t, options{settings: func(s *config.DownloadsConfig) { s.TimeBetweenDownloadAttempts = time.Hour }})
	jobID := f.submit(t, movieIntent(5, jobs.ContentVideo)).JobIDs[0]
	tid, file := f.running(t, jobID, 0)

	require.NoError(t, f.host.Fail(tid, host.ReasonServerFailed))
	require.Eventually(t, func() bool { return f.sched.Pending(retryKey(file.ID)) }, waitFor, 5*time.Millisecond)

	require.NoError(t, f.e.Cancel(context.Background(), []int64{jobID}))
	assert.Equal(t, jobs.StatusStoppedByUser, f.job(t, jobID).Status)
	assert.False(t, f.sched.Pending(retryKey(file.ID)))

	// A relaunch that slipped through sees the terminal File and does nothing.
	require.NoError(t, f.e.relaunch(jobID, file.ID))
	assert.Len(t, f.host.Submitted(), 1)
}

func TestConcurrentEventAndCancel(t *testing.T) {
	for i := 0; i < 5; i++ {
		f := newFixture(t, options{})
		jobID := f.submit(t, movieIntent(int64(20+i), jobs.ContentVideo)).JobIDs[0]
		tid, _ := f.running(t, jobID, 0)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = f.host.Complete(tid)
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, f.e.Cancel(context.Background(), []int64{jobID}))
		}()
		wg.Wait()

		require.Eventually(t, func() bool {
			j, err := f.store.GetJob(context.Background(), jobID)
			return err == nil && j.Status.IsTerminal()
		}, waitFor, 5*time.Millisecond)
		f.e.Wait()
		status := f.job(t, jobID).Status
		assert.Contains(t, []jobs.Status{jobs.StatusSucceeded, jobs.StatusStoppedByUser}, status)
		files := f.files(t, jobID)
		require.Len(t, files, 1)
		assert.Equal(t, status, files[0].Status, "file and job agree")
	}
}

func TestLadderReducesQuality(t *testing.T) {
	sizes := defaultSizes()
	sizes["https://cdn.test/1080.mp4"] = 0
	f := newFixture(t, options{sizes: sizes})
	jobID := f.submit(t, movieIntent(6, jobs.ContentVideo)).JobIDs[0]

	_, file := f.running(t, jobID, 0)
	assert.Equal(t, "720p", file.Quality)
	assert.Equal(t, "https://cdn.test/720.mp4", *file.URL)
}

func TestNoQualitySkipFailsJob(t *testing.T) {
	sizes := defaultSizes()
	sizes["https://cdn.test/1080.mp4"] = 0
	f := newFixture(t, options{sizes: sizes, settings: func(s *config.DownloadsConfig) {
		s.ActionOnNoQuality = quality.ActionSkip
	}})
	jobID := f.submit(t, movieIntent(9, jobs.ContentVideo)).JobIDs[0]

	f.waitStatus(t, jobID, jobs.StatusInitiationError)
	assert.Empty(t, f.host.Submitted())
	files := f.files(t, jobID)
	require.Len(t, files, 1)
	assert.Contains(t, files[0].Error, "1080p")
}

func TestStartTimeoutIsInitiationError(t *testing.T) {
	f := newFixture(t, options{settings: func(s *config.DownloadsConfig) { s.DownloadStartTimeLimit = 30 * time.Millisecond }})
	f.host.SetSubmitDelay(time.Second)
	jobID := f.submit(t, movieIntent(10, jobs.ContentVideo)).JobIDs[0]

	f.waitStatus(t, jobID, jobs.StatusInitiationError)
	files := f.files(t, jobID)
	require.Len(t, files, 1)
	assert.Equal(t, jobs.StatusInitiationError, files[0].Status)
	assert.Contains(t, files[0].Error, "did not start")
	assert.Empty(t, f.host.Live())
}

func TestHostRejectionIsInitiationError(t *testing.T) {
	f := newFixture(t, options{})
	f.host.SetSubmitError(host.ErrRejected)
	jobID := f.submit(t, movieIntent(13, jobs.ContentVideo)).JobIDs[0]
	f.waitStatus(t, jobID, jobs.StatusInitiationError)
}

func TestFatalErrorStopsContent(t *testing.T) {
	f := newFixture(t, options{settings: func(s *config.DownloadsConfig) { s.MaxParallelDownloadsEpisodes = 3 }})
	ids := f.submit(t, seriesIntent(14, 1, 2, 3, 4)).JobIDs

	tid, _ := f.running(t, ids[0], 0)
	f.running(t, ids[1], 0)
	f.running(t, ids[2], 0)

	require.NoError(t, f.host.Fail(tid, host.ReasonFileNoSpace))
	for _, id := range ids {
		f.waitStatus(t, id, jobs.StatusFailed)
	}
	assert.Len(t, f.host.Submitted(), 3, "no retry after a fatal error")
	assert.Empty(t, f.host.Live())
}

func TestHostRenameIsRecorded(t *testing.T) {
	f := newFixture(t, options{})
	jobID := f.submit(t, movieIntent(15, jobs.ContentVideo)).JobIDs[0]
	tid, file := f.running(t, jobID, 0)

	renamed := file.Filename + " (1)"
	require.NoError(t, f.host.Rename(tid, renamed))
	require.Eventually(t, func() bool {
		fl, err := f.store.GetFile(context.Background(), file.ID)
		return err == nil && fl.Filename == renamed
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, jobs.StatusActive, f.files(t, jobID)[0].Status, "a renamed transfer keeps running")
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t, options{})
	ctx := context.Background()
	jobID := f.submit(t, movieIntent(16, jobs.ContentVideo)).JobIDs[0]
	f.running(t, jobID, 0)
	f.waitStatus(t, jobID, jobs.StatusActive)

	require.NoError(t, f.e.Pause(ctx, jobID))
	f.waitStatus(t, jobID, jobs.StatusPaused)
	assert.ErrorIs(t, f.e.Pause(ctx, jobID), ErrInvalidState)

	require.NoError(t, f.e.Resume(ctx, jobID))
	f.waitStatus(t, jobID, jobs.StatusActive)
	tid, _ := f.running(t, jobID, 0)

	require.NoError(t, f.host.Complete(tid))
	f.waitStatus(t, jobID, jobs.StatusSucceeded)
}

func TestSubtitleFailureIgnored(t *testing.T) {
	f := newFixture(t, options{settings: func(s *config.DownloadsConfig) {
		s.FilePriority = "subtitle"
		s.MaxFallbackAttempts = 0
	}})
	jobID := f.submit(t, movieIntent(17, jobs.ContentBoth)).JobIDs[0]

	tid, sub := f.running(t, jobID, 0)
	require.Equal(t, jobs.FileSubtitle, sub.Kind)
	require.NoError(t, f.host.Fail(tid, host.ReasonServerFailed))

	vid, video := f.running(t, jobID, tid)
	assert.Equal(t, jobs.FileVideo, video.Kind)
	require.NoError(t, f.host.Complete(vid))

	f.waitStatus(t, jobID, jobs.StatusSucceeded)
	for _, fl := range f.files(t, jobID) {
		want := jobs.StatusSucceeded
		if fl.Kind == jobs.FileSubtitle {
			want = jobs.StatusFailed
		}
		assert.Equal(t, want, fl.Status)
	}
}

func TestReconcileRetriesVanishedTransfer(t *testing.T) {
	f := newFixture(t, options{})
	jobID := f.submit(t, movieIntent(18, jobs.ContentVideo)).JobIDs[0]
	tid, _ := f.running(t, jobID, 0)

	f.host.Forget(tid)
	n, err := f.e.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, file := f.running(t, jobID, tid)
	assert.Equal(t, 1, file.RetryAttempts)
	assert.Equal(t, string(host.ReasonVanished), file.Error)
}

func TestBroadcastsStatus(t *testing.T) {
	f := newFixture(t, options{})
	jobID := f.submit(t, movieIntent(19, jobs.ContentVideo)).JobIDs[0]
	tid, _ := f.running(t, jobID, 0)
	require.NoError(t, f.host.Complete(tid))
	f.waitStatus(t, jobID, jobs.StatusSucceeded)

	require.Eventually(t, func() bool {
		f.casts.mu.Lock()
		defer f.casts.mu.Unlock()
		seen := map[string]bool{}
		for _, ty := range f.casts.types {
			seen[ty] = true
		}
		return seen["job:status"] && seen["queue:state"]
	}, waitFor, 5*time.Millisecond)
}

func TestClosedEngineRefusesWork(t *testing.T) {
	f := newFixture(t, options{})
	f.e.Close()

	_, _, err := f.e.Submit(context.Background(), movieIntent(30, jobs.ContentVideo))
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, f.e.Cancel(context.Background(), []int64{1}), ErrNotReady)
}

func TestCancelWinsOverQueuedCompletion(t *testing.T) {
	f := newFixture(t, options{})
	ctx := context.Background()
	jobID := f.submit(t, movieIntent(31, jobs.ContentBoth)).JobIDs[0]
	tid, primary := f.running(t, jobID, 0)
	f.waitStatus(t, jobID, jobs.StatusActive)

	// Park both the completion and the cancel behind the Job lock; the
	// cancel is served first and finds a transfer that is already done.
	require.NoError(t, f.e.locks.Lock(ctx, lockmgr.KindJob, jobID, lockmgr.PriorityNormal))
	require.NoError(t, f.host.Complete(tid))
	done := make(chan error, 1)
	go func() { done <- f.e.Cancel(ctx, []int64{jobID}) }()
	time.Sleep(50 * time.Millisecond)
	f.e.locks.Unlock(lockmgr.KindJob, jobID)

	require.NoError(t, <-done)
	f.waitStatus(t, jobID, jobs.StatusStoppedByUser)
	f.e.Wait()

	assert.Len(t, f.host.Submitted(), 1, "the dependent file is never launched")
	for _, fl := range f.files(t, jobID) {
		want := jobs.StatusStoppedByUser
		if fl.ID == primary.ID {
			want = jobs.StatusSucceeded
		}
		assert.Equal(t, want, fl.Status, "file %d", fl.ID)
	}
	_, pending := f.e.Queue().TakePendingCancel(primary.ID)
	assert.False(t, pending)
	assert.False(t, f.e.Queue().IsActive(jobID))
}

func TestRetryWithoutDelay(t *testing.T) {
	f := newFixture(t, options{settings: func(s *config.DownloadsConfig) { s.TimeBetweenDownloadAttempts = 0 }})
	jobID := f.submit(t, movieIntent(32, jobs.ContentVideo)).JobIDs[0]
	tid, _ := f.running(t, jobID, 0)

	require.NoError(t, f.host.Fail(tid, host.ReasonNetworkFailed))
	next, file := f.running(t, jobID, tid)
	assert.Equal(t, 1, file.RetryAttempts)
	assert.Len(t, f.host.Submitted(), 2)

	require.NoError(t, f.host.Complete(next))
	f.waitStatus(t, jobID, jobs.StatusSucceeded)
}

func TestUnschedulableRetryFailsJob(t *testing.T) {
	f := newFixture(t, options{settings: func(s *config.DownloadsConfig) { s.TimeBetweenDownloadAttempts = time.Hour }})
	ctx := context.Background()
	jobID := f.submit(t, movieIntent(33, jobs.ContentVideo)).JobIDs[0]
	tid, file := f.running(t, jobID, 0)

	require.NoError(t, f.host.Fail(tid, host.ReasonServerFailed))
	require.Eventually(t, func() bool { return f.sched.Pending(retryKey(file.ID)) }, waitFor, 5*time.Millisecond)

	err := f.e.locks.Run(ctx, lockmgr.KindJob, jobID, lockmgr.PriorityNormal, func(ctx context.Context) error {
		fresh, err := f.store.GetFile(ctx, file.ID)
		if err != nil {
			return err
		}
		require.Equal(t, jobs.StatusInitiating, fresh.Status)
		return f.e.abortRetry(ctx, jobID, fresh, errors.New("scheduler is shut down"))
	})
	require.NoError(t, err)

	assert.Equal(t, jobs.StatusFailed, f.job(t, jobID).Status)
	files := f.files(t, jobID)
	require.Len(t, files, 1)
	assert.Equal(t, jobs.StatusFailed, files[0].Status)
	assert.Contains(t, files[0].Error, "could not schedule retry")
	assert.False(t, f.e.Queue().IsActive(jobID), "the slot is given back")
}

// initiating waits until the Job's File is handed to the host but has no
// transfer yet.
func (f *fixture) initiating(t *testing.T, jobID int64) *jobs.File {
	t.Helper()
	var file *jobs.File
	require.Eventually(t, func() bool {
		list, err := f.store.ListFilesByJob(context.Background(), jobID)
		if err != nil || len(list) == 0 {
			return false
		}
		file = list[0]
		return file.Status == jobs.StatusInitiating && file.TransferID == nil
	}, waitFor, 5*time.Millisecond)
	return file
}

func TestCancelDuringSlowSubmit(t *testing.T) {
	const delay = 400 * time.Millisecond
	f := newFixture(t, options{})
	f.host.SetSubmitDelay(delay)
	jobID := f.submit(t, movieIntent(34, jobs.ContentVideo)).JobIDs[0]
	f.initiating(t, jobID)

	start := time.Now()
	require.NoError(t, f.e.Cancel(context.Background(), []int64{jobID}))
	assert.Less(t, time.Since(start), delay, "cancel is not stuck behind the host")
	assert.Equal(t, jobs.StatusStoppedByUser, f.job(t, jobID).Status)

	// The transfer the host accepts afterwards is an orphan and is discarded.
	require.Eventually(t, func() bool { return len(f.host.Submitted()) == 1 }, waitFor, 5*time.Millisecond)
	f.e.Wait()
	require.Eventually(t, func() bool { return len(f.host.Live()) == 0 }, waitFor, 5*time.Millisecond)
	_, kept := f.host.Get(f.host.Submitted()[0].ID)
	assert.False(t, kept, "orphaned transfer is erased")

	files := f.files(t, jobID)
	require.Len(t, files, 1)
	assert.Equal(t, jobs.StatusStoppedByUser, files[0].Status)
	assert.Nil(t, files[0].TransferID)
	assert.False(t, f.e.Queue().IsActive(jobID))
}

func TestLateCreatedEventBindsFile(t *testing.T) {
	f := newFixture(t, options{})
	f.host.SetCreatedAfterReturn(true)
	jobID := f.submit(t, movieIntent(35, jobs.ContentVideo)).JobIDs[0]

	tid, file := f.running(t, jobID, 0)
	f.waitStatus(t, jobID, jobs.StatusActive)
	assert.Equal(t, tid, f.host.Submitted()[0].ID)
	assert.Equal(t, "https://cdn.test/1080.mp4", *file.URL)

	require.NoError(t, f.host.Complete(tid))
	f.waitStatus(t, jobID, jobs.StatusSucceeded)
	assert.Equal(t, jobs.StatusSucceeded, f.files(t, jobID)[0].Status)
}
