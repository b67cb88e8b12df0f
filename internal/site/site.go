// Package site resolves a Job into concrete downloadable Files. A site
// definition (loaded from YAML) names a fetcher family; the family knows how
// to turn query parameters into a Manifest of streams and subtitles.
package site

import (
	"context"
	"errors"
	"net/url"
	"strings"
)

var (
	// ErrNoSource is returned when a site has nothing for the requested content.
	ErrNoSource = errors.New("no source available")

	// ErrUnknownSource is returned for a source type with no definition.
	ErrUnknownSource = errors.New("unknown source type")

	// ErrUnknownFamily is returned when a definition names an unregistered fetcher family.
	ErrUnknownFamily = errors.New("unknown fetcher family")
)

// Query is what a fetcher needs to locate one Job's media.
type Query struct {
	PageURL      string
	ContentID    int64
	TranslatorID int64
	Season       int
	Episode      int
	Params       map[string]string
}

// Values renders the query as form values, static params first.
func (q Query) Values() url.Values {
	v := url.Values{}
	for k, val := range q.Params {
		v.Set(k, val)
	}
	v.Set("id", itoa(q.ContentID))
	if q.TranslatorID > 0 {
		v.Set("translator_id", itoa(q.TranslatorID))
	}
	if q.Season > 0 {
		v.Set("season", itoa(int64(q.Season)))
		v.Set("episode", itoa(int64(q.Episode)))
	}
	return v
}

// Stream is one quality rung with its candidate mirrors, best first.
type Stream struct {
	Quality string   `json:"quality"`
	URLs    []string `json:"urls"`
}

// Subtitle is one subtitle track.
type Subtitle struct {
	Label    string `json:"label"`
	Language string `json:"language"`
	URL      string `json:"url"`
}

// Manifest is everything a site offers for one Job.
type Manifest struct {
	Streams   []Stream   `json:"streams"`
	Subtitles []Subtitle `json:"subtitles"`
}

// Stream returns the stream for a quality name, matched on the ladder.
func (m *Manifest) Stream(name string) (Stream, bool) {
	want := normalizeQuality(name)
	for _, s := range m.Streams {
		if normalizeQuality(s.Quality) == want {
			return s, true
		}
	}
	return Stream{}, false
}

// Qualities lists the quality names offered, as published.
func (m *Manifest) Qualities() []string {
	out := make([]string, 0, len(m.Streams))
	for _, s := range m.Streams {
		out = append(out, s.Quality)
	}
	return out
}

// Subtitle finds a subtitle track by language code or label.
func (m *Manifest) Subtitle(lang string) (Subtitle, bool) {
	for _, s := range m.Subtitles {
		if strings.EqualFold(s.Language, lang) || strings.EqualFold(s.Label, lang) {
			return s, true
		}
	}
	return Subtitle{}, false
}

// Languages lists the subtitle language codes offered.
func (m *Manifest) Languages() []string {
	out := make([]string, 0, len(m.Subtitles))
	for _, s := range m.Subtitles {
		code := s.Language
		if code == "" {
			code = s.Label
		}
		out = append(out, code)
	}
	return out
}

// Fetcher retrieves a Manifest from one site family.
type Fetcher interface {
	Fetch(ctx context.Context, q Query) (*Manifest, error)
}

// Sizer reports the size of a remote resource.
type Sizer interface {
	Size(ctx context.Context, rawURL string) (int64, error)
}
