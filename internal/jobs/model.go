// Package jobs holds the download entities (Job, File, Batch,
// SourceRegistration) and the status graph they move through.
package jobs

import (
	"fmt"
	"time"
)

// ContentKind is what a Job was asked to fetch.
type ContentKind string

const (
	ContentVideo    ContentKind = "video"
	ContentSubtitle ContentKind = "subtitle"
	ContentBoth     ContentKind = "both"
)

// WantsVideo reports whether a video File is requested.
func (k ContentKind) WantsVideo() bool {
	return k == ContentVideo || k == ContentBoth
}

// WantsSubtitle reports whether a subtitle File is requested.
func (k ContentKind) WantsSubtitle() bool {
	return k == ContentSubtitle || k == ContentBoth
}

// IsValid reports whether k is a known content kind.
func (k ContentKind) IsValid() bool {
	return k == ContentVideo || k == ContentSubtitle || k == ContentBoth
}

// FileKind identifies one concrete artifact type.
type FileKind string

const (
	FileVideo    FileKind = "video"
	FileSubtitle FileKind = "subtitle"
)

// EpisodeRef points at one episode of a series.
type EpisodeRef struct {
	Season  int `json:"season"`
	Episode int `json:"episode"`
}

// Less orders episodes by season, then episode.
func (e EpisodeRef) Less(o EpisodeRef) bool {
	if e.Season != o.Season {
		return e.Season < o.Season
	}
	return e.Episode < o.Episode
}

func (e EpisodeRef) String() string {
	return fmt.Sprintf("S%02dE%02d", e.Season, e.Episode)
}

// VoiceTrack is the chosen dubbing/translation of a title.
type VoiceTrack struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Job is one watch unit: a movie or a single episode.
type Job struct {
	ID                int64       `json:"id"`
	SourceType        string      `json:"sourceType"`
	ContentID         int64       `json:"contentId"`
	Title             string      `json:"title"`
	OriginalTitle     string      `json:"originalTitle,omitempty"`
	URL               string      `json:"url"`
	Episode           *EpisodeRef `json:"episode,omitempty"`
	ContentKind       ContentKind `json:"contentKind"`
	Qualities         []string    `json:"qualities,omitempty"`
	SubtitleLanguages []string    `json:"subtitleLanguages,omitempty"`
	BatchID           int64       `json:"batchId"`
	Status            Status      `json:"status"`
	Error             string      `json:"error,omitempty"`
	CreatedAt         time.Time   `json:"createdAt"`
	UpdatedAt         time.Time   `json:"updatedAt"`
}

// IsSeries reports whether the Job is one episode of a series.
func (j *Job) IsSeries() bool {
	return j.Episode != nil
}

// SetStatus moves the Job along the status graph.
func (j *Job) SetStatus(to Status) error {
	if err := CheckTransition(j.Status, to); err != nil {
		return fmt.Errorf("job %d: %w", j.ID, err)
	}
	j.Status = to
	return nil
}

// Label is a short human description used in logs and notifications.
func (j *Job) Label() string {
	if j.Episode != nil {
		return fmt.Sprintf("%s %s", j.Title, j.Episode)
	}
	return j.Title
}

// File is one transferable artifact of a Job.
type File struct {
	ID                int64     `json:"id"`
	Kind              FileKind  `json:"kind"`
	JobID             int64     `json:"jobId"`
	DependentFileID   *int64    `json:"dependentFileId,omitempty"`
	TransferID        *int64    `json:"transferId,omitempty"`
	Token             string    `json:"token,omitempty"`
	Filename          string    `json:"filename"`
	URL               *string   `json:"url,omitempty"`
	Quality           string    `json:"quality,omitempty"`
	Language          string    `json:"language,omitempty"`
	PromptForLocation bool      `json:"promptForLocation"`
	RetryAttempts     int       `json:"retryAttempts"`
	Status            Status    `json:"status"`
	Error             string    `json:"error,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// SetStatus moves the File along the status graph.
func (f *File) SetStatus(to Status) error {
	if err := CheckTransition(f.Status, to); err != nil {
		return fmt.Errorf("file %d: %w", f.ID, err)
	}
	f.Status = to
	return nil
}

// HasURL reports whether the File resolved to a source location.
func (f *File) HasURL() bool {
	return f.URL != nil && *f.URL != ""
}

// Batch is one accepted Intent.
type Batch struct {
	ID         int64      `json:"id"`
	Key        int64      `json:"key"`
	ContentID  int64      `json:"contentId"`
	VoiceTrack VoiceTrack `json:"voiceTrack"`
	Quality    string     `json:"quality"`
	Subtitle   string     `json:"subtitle,omitempty"`
	JobIDs     []int64    `json:"jobIds"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// SourceRegistration records the canonical source of a content id and every
// batch submitted against it.
type SourceRegistration struct {
	ContentID  int64     `json:"contentId"`
	SourceType string    `json:"sourceType"`
	URL        string    `json:"url"`
	Title      string    `json:"title"`
	BatchKeys  []int64   `json:"batchKeys"`
	UpdatedAt  time.Time `json:"updatedAt"`
}
