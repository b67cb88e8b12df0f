package site

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstream/grabber/internal/jobs"
	"github.com/slipstream/grabber/internal/naming"
	"github.com/slipstream/grabber/internal/quality"
)

// Resolution is the outcome of resolving one File. An empty URL means the
// requested resource is unavailable and Gap says which policy applies.
type Resolution struct {
	URL      string
	Quality  string
	Language string
	Label    string
	Gap      quality.Gap
}

// Found reports whether a URL was resolved.
func (r Resolution) Found() bool {
	return r.URL != ""
}

// Adapter resolves one Job against one site.
type Adapter struct {
	def      Definition
	fetcher  Fetcher
	sizer    Sizer
	retry    RetryConfig
	job      *jobs.Job
	batch    *jobs.Batch
	settings Settings
	logger   zerolog.Logger

	mu       sync.Mutex
	manifest *Manifest
}

// QueryParameters derives the fetch query from the Job and its Batch.
func (a *Adapter) QueryParameters() Query {
	q := Query{
		PageURL:   a.job.URL,
		ContentID: a.job.ContentID,
		Params:    a.def.Params,
	}
	if a.batch != nil {
		q.TranslatorID = a.batch.VoiceTrack.ID
	}
	if a.job.Episode != nil {
		q.Season = a.job.Episode.Season
		q.Episode = a.job.Episode.Episode
	}
	return q
}

// FetchSourceData returns the site manifest, fetching it once per Adapter.
// Network failures are retried with backoff.
func (a *Adapter) FetchSourceData(ctx context.Context) (*Manifest, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.manifest != nil {
		return a.manifest, nil
	}

	q := a.QueryParameters()
	var m *Manifest
	err := WithRetry(ctx, "fetch "+a.def.ID, a.retry, func() error {
		var fetchErr error
		m, fetchErr = a.fetcher.Fetch(ctx, q)
		return fetchErr
	}, &a.logger)
	if err != nil {
		return nil, fmt.Errorf("fetch source data for job %d: %w", a.job.ID, err)
	}
	if m == nil || (len(m.Streams) == 0 && len(m.Subtitles) == 0) {
		return nil, fmt.Errorf("job %d: %w", a.job.ID, ErrNoSource)
	}

	a.manifest = m
	a.job.Qualities = quality.SortNames(m.Qualities())
	a.job.SubtitleLanguages = m.Languages()
	return m, nil
}

// requestedQuality returns the rung asked for, or the best offered rung
// when the Batch did not name one.
func (a *Adapter) requestedQuality(m *Manifest) (quality.Quality, bool) {
	if a.batch != nil && a.batch.Quality != "" {
		return quality.Parse(a.batch.Quality)
	}
	names := quality.SortNames(m.Qualities())
	if len(names) == 0 {
		return quality.Quality{}, false
	}
	return quality.Parse(names[len(names)-1])
}

// ResolveVideoURL sizes the requested rung. When it is missing or empty and
// the no-quality policy is reduce_quality, lower rungs are sized
// concurrently and the highest one with content wins.
func (a *Adapter) ResolveVideoURL(ctx context.Context) (Resolution, error) {
	m, err := a.FetchSourceData(ctx)
	if err != nil {
		return Resolution{}, err
	}

	want, ok := a.requestedQuality(m)
	if !ok {
		a.logger.Warn().Str("quality", a.batchQuality()).Msg("requested quality is not on the ladder")
		return Resolution{Gap: quality.GapNoQuality, Quality: a.batchQuality()}, nil
	}

	if s, found := m.Stream(want.Name); found {
		if u, _ := firstSized(ctx, a.sizer, s.URLs); u != "" {
			return Resolution{URL: u, Quality: want.Name}, nil
		}
	}
	if ctx.Err() != nil {
		return Resolution{}, ctx.Err()
	}

	action := a.settings.Policies.ActionFor(quality.GapNoQuality)
	if action != quality.ActionReduceQuality {
		a.logger.Info().Str("quality", want.Name).Str("action", string(action)).Msg("requested quality unavailable")
		return Resolution{Gap: quality.GapNoQuality, Quality: want.Name}, nil
	}

	var lower []Stream
	for _, q := range quality.Below(want) {
		if s, found := m.Stream(q.Name); found {
			s.Quality = q.Name
			lower = append(lower, s)
		}
	}
	s, u, found := sizeAll(ctx, a.sizer, lower)
	if !found {
		if ctx.Err() != nil {
			return Resolution{}, ctx.Err()
		}
		a.logger.Info().Str("quality", want.Name).Msg("no lower quality has content")
		return Resolution{Gap: quality.GapNoQuality, Quality: want.Name}, nil
	}

	a.logger.Info().Str("requested", want.Name).Str("selected", s.Quality).Msg("reduced quality")
	return Resolution{URL: u, Quality: s.Quality}, nil
}

func (a *Adapter) batchQuality() string {
	if a.batch == nil {
		return ""
	}
	return a.batch.Quality
}

// ResolveSubtitleURL finds the requested subtitle track.
func (a *Adapter) ResolveSubtitleURL(ctx context.Context) (Resolution, error) {
	m, err := a.FetchSourceData(ctx)
	if err != nil {
		return Resolution{}, err
	}

	lang := a.subtitleLanguage()
	if s, ok := m.Subtitle(lang); ok && s.URL != "" {
		code := s.Language
		if code == "" {
			code = lang
		}
		return Resolution{URL: s.URL, Language: code, Label: s.Label}, nil
	}
	return Resolution{Gap: quality.GapNoSubtitles, Language: lang}, nil
}

func (a *Adapter) subtitleLanguage() string {
	if a.batch == nil {
		return ""
	}
	return a.batch.Subtitle
}

// MaterializeFiles resolves the Files the Job asked for. A File whose
// resource is unavailable is returned with a nil URL and the reason in
// Error. A missing subtitle under the ignore policy yields no subtitle File.
// Returned Files are not yet persisted.
func (a *Adapter) MaterializeFiles(ctx context.Context) (video, subtitle *jobs.File, err error) {
	now := time.Now()

	if a.job.ContentKind.WantsVideo() {
		res, err := a.ResolveVideoURL(ctx)
		if err != nil {
			return nil, nil, err
		}
		video = a.newFile(jobs.FileVideo, res, now)
	}

	if a.job.ContentKind.WantsSubtitle() && a.subtitleLanguage() != "" {
		res, err := a.ResolveSubtitleURL(ctx)
		if err != nil {
			return nil, nil, err
		}
		ignore := a.settings.Policies.ActionFor(quality.GapNoSubtitles) == quality.ActionIgnore
		if res.Found() || !ignore || video == nil {
			subtitle = a.newFile(jobs.FileSubtitle, res, now)
		} else {
			a.logger.Info().Str("language", res.Language).Msg("subtitle unavailable, ignoring")
		}
	}

	if video == nil && subtitle == nil {
		return nil, nil, fmt.Errorf("job %d: %w", a.job.ID, ErrNoSource)
	}
	return video, subtitle, nil
}

func (a *Adapter) newFile(kind jobs.FileKind, res Resolution, ts time.Time) *jobs.File {
	f := &jobs.File{
		Kind:              kind,
		JobID:             a.job.ID,
		Quality:           res.Quality,
		Language:          res.Language,
		PromptForLocation: a.settings.PromptForLocation,
		Status:            jobs.StatusCandidate,
	}
	if !res.Found() {
		f.Error = gapReason(res)
		f.Filename = a.BuildFilename(kind, ts)
		return f
	}
	u := res.URL
	f.URL = &u
	f.Filename = a.filename(kind, res, ts)
	return f
}

func gapReason(res Resolution) string {
	switch res.Gap {
	case quality.GapNoQuality:
		return fmt.Sprintf("quality %s is not available", res.Quality)
	case quality.GapNoSubtitles:
		return fmt.Sprintf("subtitles %q are not available", res.Language)
	default:
		return "source is not available"
	}
}

// BuildFilename renders the target path for a File kind from what the
// Batch requested, before any resource has been resolved.
func (a *Adapter) BuildFilename(kind jobs.FileKind, ts time.Time) string {
	res := Resolution{Quality: a.batchQuality(), Language: a.subtitleLanguage()}
	return a.filename(kind, res, ts)
}

func (a *Adapter) filename(kind jobs.FileKind, res Resolution, ts time.Time) string {
	v := naming.Values{
		Title:         a.job.Title,
		OriginalTitle: a.job.OriginalTitle,
		Quality:       res.Quality,
		SubtitleCode:  res.Language,
		SubtitleLang:  res.Label,
		ContentID:     a.job.ContentID,
		Time:          ts,
	}
	if a.batch != nil {
		v.Translation = a.batch.VoiceTrack.Name
		v.TranslationID = a.batch.VoiceTrack.ID
		if v.SubtitleCode == "" {
			v.SubtitleCode = a.batch.Subtitle
		}
	}
	if v.SubtitleLang == "" {
		v.SubtitleLang = v.SubtitleCode
	}
	if a.job.Episode != nil {
		v.Season = a.job.Episode.Season
		v.Episode = a.job.Episode.Episode
	}

	ext := ".mp4"
	if kind == jobs.FileSubtitle {
		ext = subtitleExt(res.URL)
		if v.SubtitleCode != "" {
			ext = "." + v.SubtitleCode + ext
		}
	} else if e := mediaExt(res.URL); e != "" {
		ext = e
	}
	return a.settings.Naming.Path(v, ext)
}

func subtitleExt(rawURL string) string {
	switch e := strings.ToLower(path.Ext(stripQuery(rawURL))); e {
	case ".srt", ".ass", ".ssa", ".vtt":
		return e
	}
	return ".vtt"
}

func mediaExt(rawURL string) string {
	switch e := strings.ToLower(path.Ext(stripQuery(rawURL))); e {
	case ".mp4", ".mkv", ".webm", ".avi", ".mov", ".ts":
		return e
	}
	return ""
}

func stripQuery(rawURL string) string {
	if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}

func normalizeQuality(name string) string {
	if q, ok := quality.Parse(name); ok {
		return q.Name
	}
	return strings.ToLower(strings.TrimSpace(name))
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
