package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstream/grabber/internal/jobs"
	"github.com/slipstream/grabber/internal/testutil"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	tdb := testutil.NewTestDB(t)
	return New(tdb.Conn)
}

func seriesSubmission(contentID int64, episodes ...int) *Submission {
	in := &jobs.Intent{
		SourceType:  "demo",
		ContentID:   contentID,
		URL:         "https://example.test/show",
		Title:       "Show",
		Kind:        jobs.IntentSeries,
		ContentKind: jobs.ContentBoth,
		Catalog:     []jobs.SeasonEpisodes{{Season: 1, Episodes: episodes}},
	}
	return &Submission{
		Batch:        &jobs.Batch{ContentID: contentID, Quality: "720p", Subtitle: "en", VoiceTrack: jobs.VoiceTrack{ID: 3, Name: "Original"}},
		Jobs:         in.NewJobs(),
		Registration: &jobs.SourceRegistration{ContentID: contentID, SourceType: "demo", URL: in.URL, Title: in.Title},
	}
}

func TestCreateSubmission(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sub := seriesSubmission(7, 1, 2, 3)
	require.NoError(t, s.CreateSubmission(ctx, sub))

	require.NotZero(t, sub.Batch.ID)
	require.NotZero(t, sub.Batch.Key)
	require.Len(t, sub.Batch.JobIDs, 3)

	b, err := s.GetBatch(ctx, sub.Batch.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.Batch.JobIDs, b.JobIDs)
	assert.Equal(t, "Original", b.VoiceTrack.Name)

	listed, err := s.ListJobsByBatch(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	for i, j := range listed {
		assert.Equal(t, b.JobIDs[i], j.ID)
		assert.Equal(t, jobs.StatusCandidate, j.Status)
		require.NotNil(t, j.Episode)
		assert.Equal(t, i+1, j.Episode.Episode)
	}

	reg, err := s.GetRegistration(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []int64{b.Key}, reg.BatchKeys)
}

func TestCreateSubmissionAppendsBatchHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := seriesSubmission(7, 1)
	second := seriesSubmission(7, 2)
	require.NoError(t, s.CreateSubmission(ctx, first))
	require.NoError(t, s.CreateSubmission(ctx, second))

	assert.NotEqual(t, first.Batch.Key, second.Batch.Key)

	reg, err := s.GetRegistration(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []int64{first.Batch.Key, second.Batch.Key}, reg.BatchKeys)

	batches, err := s.ListBatchesByKeys(ctx, reg.BatchKeys)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, first.Batch.ID, batches[0].ID)

	byContent, err := s.ListJobsByContent(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, byContent, 2)
}

func TestUpdateJobEnforcesTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sub := seriesSubmission(1, 1)
	require.NoError(t, s.CreateSubmission(ctx, sub))
	j := sub.Jobs[0]

	j.Status = jobs.StatusInitiating
	j.Qualities = []string{"360p", "720p"}
	require.NoError(t, s.UpdateJob(ctx, j))

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusInitiating, got.Status)
	assert.Equal(t, []string{"360p", "720p"}, got.Qualities)

	got.Status = jobs.StatusSucceeded
	err = s.UpdateJob(ctx, got)
	require.ErrorIs(t, err, jobs.ErrIllegalTransition)

	again, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusInitiating, again.Status, "rejected update must not be written")
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetJob(ctx, 99)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = s.GetFile(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetBatch(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetRegistration(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)
	err = s.UpdateJob(ctx, &jobs.Job{ID: 99, Status: jobs.StatusCandidate})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFilesRoundTripAndIndexes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sub := seriesSubmission(1, 1)
	require.NoError(t, s.CreateSubmission(ctx, sub))
	jobID := sub.Jobs[0].ID

	url := "https://cdn.example.test/e1.mp4"
	video := &jobs.File{Kind: jobs.FileVideo, JobID: jobID, Filename: "Show S01E01.mp4", URL: &url, Quality: "720p"}
	require.NoError(t, s.CreateFile(ctx, video))
	sub1 := &jobs.File{Kind: jobs.FileSubtitle, JobID: jobID, Filename: "Show S01E01.en.vtt", Language: "en"}
	require.NoError(t, s.CreateFile(ctx, sub1))

	got, err := s.GetFile(ctx, video.ID)
	require.NoError(t, err)
	require.NotNil(t, got.URL)
	assert.Equal(t, url, *got.URL)
	assert.Nil(t, got.TransferID)
	assert.Equal(t, jobs.StatusCandidate, got.Status)

	noURL, err := s.GetFile(ctx, sub1.ID)
	require.NoError(t, err)
	assert.Nil(t, noURL.URL)

	video.DependentFileID = &sub1.ID
	handle := int64(12)
	video.TransferID = &handle
	video.Status = jobs.StatusInitiating
	require.NoError(t, s.UpdateFile(ctx, video))

	byHandle, err := s.ListFilesByTransferID(ctx, 12)
	require.NoError(t, err)
	require.Len(t, byHandle, 1)
	assert.Equal(t, sub1.ID, *byHandle[0].DependentFileID)

	inFlight, err := s.ListFilesByStatus(ctx, jobs.InFlightStatuses()...)
	require.NoError(t, err)
	require.Len(t, inFlight, 1)
	assert.Equal(t, video.ID, inFlight[0].ID)

	listed, err := s.ListFilesByJob(ctx, jobID)
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	video.Status = jobs.StatusCandidate
	assert.ErrorIs(t, s.UpdateFile(ctx, video), jobs.ErrIllegalTransition)
}

func TestListFilesByTransferIDPrefersNewest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	sub := seriesSubmission(1, 1, 2)
	require.NoError(t, s.CreateSubmission(ctx, sub))

	handle := int64(5)
	old := &jobs.File{Kind: jobs.FileVideo, JobID: sub.Jobs[0].ID, TransferID: &handle}
	require.NoError(t, s.CreateFile(ctx, old))
	fresh := &jobs.File{Kind: jobs.FileVideo, JobID: sub.Jobs[1].ID, TransferID: &handle}
	require.NoError(t, s.CreateFile(ctx, fresh))

	got, err := s.ListFilesByTransferID(ctx, handle)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, fresh.ID, got[0].ID)
}

func TestListJobsByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sub := seriesSubmission(1, 1, 2, 3)
	require.NoError(t, s.CreateSubmission(ctx, sub))

	j := sub.Jobs[1]
	j.Status = jobs.StatusStoppedByUser
	require.NoError(t, s.UpdateJob(ctx, j))

	candidates, err := s.ListJobsByStatus(ctx, jobs.StatusCandidate)
	require.NoError(t, err)
	assert.Len(t, candidates, 2)

	all, err := s.ListJobsByStatus(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestUpsertRegistration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	reg := &jobs.SourceRegistration{ContentID: 4, SourceType: "demo", URL: "u1", Title: "T", BatchKeys: []int64{1}}
	require.NoError(t, s.UpsertRegistration(ctx, reg))
	reg.URL = "u2"
	reg.BatchKeys = []int64{1, 2}
	require.NoError(t, s.UpsertRegistration(ctx, reg))

	got, err := s.GetRegistration(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, "u2", got.URL)
	assert.Equal(t, []int64{1, 2}, got.BatchKeys)
}

func TestMergeKeys(t *testing.T) {
	assert.Equal(t, []int64{1, 2, 3}, mergeKeys([]int64{3, 1}, []int64{2, 3}))
	assert.Empty(t, mergeKeys(nil, nil))
}

func TestIsSQLiteBusy(t *testing.T) {
	assert.False(t, isSQLiteBusy(nil))
	assert.True(t, isSQLiteBusy(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.False(t, isSQLiteBusy(errors.New("no such table")))
}
