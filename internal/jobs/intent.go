package jobs

import (
	"errors"
	"fmt"
	"strings"
)

// IntentKind distinguishes a single title from an episodic one.
type IntentKind string

const (
	IntentMovie  IntentKind = "movie"
	IntentSeries IntentKind = "series"
)

// SeasonEpisodes lists the episodes of one season in air order.
type SeasonEpisodes struct {
	Season   int   `json:"season"`
	Episodes []int `json:"episodes"`
}

// EpisodeRange is an inclusive range of episodes.
type EpisodeRange struct {
	From EpisodeRef `json:"from"`
	To   EpisodeRef `json:"to"`
}

// Contains reports whether e falls inside the range.
func (r EpisodeRange) Contains(e EpisodeRef) bool {
	return !e.Less(r.From) && !r.To.Less(e)
}

// Intent is the inbound request describing what to download.
type Intent struct {
	SourceType    string           `json:"sourceType"`
	ContentID     int64            `json:"contentId"`
	URL           string           `json:"url"`
	Title         string           `json:"title"`
	OriginalTitle string           `json:"originalTitle,omitempty"`
	Kind          IntentKind       `json:"kind"`
	ContentKind   ContentKind      `json:"contentKind"`
	Quality       string           `json:"quality"`
	Subtitle      string           `json:"subtitle,omitempty"`
	VoiceTrack    VoiceTrack       `json:"voiceTrack"`
	Catalog       []SeasonEpisodes `json:"catalog,omitempty"`
	Range         *EpisodeRange    `json:"range,omitempty"`
}

var ErrInvalidIntent = errors.New("invalid intent")

// Validate checks the fields every intent needs.
func (in *Intent) Validate() error {
	var problems []string
	if strings.TrimSpace(in.SourceType) == "" {
		problems = append(problems, "sourceType is required")
	}
	if in.ContentID <= 0 {
		problems = append(problems, "contentId must be positive")
	}
	if strings.TrimSpace(in.Title) == "" {
		problems = append(problems, "title is required")
	}
	if in.Kind != IntentMovie && in.Kind != IntentSeries {
		problems = append(problems, fmt.Sprintf("unknown kind %q", in.Kind))
	}
	if !in.ContentKind.IsValid() {
		problems = append(problems, fmt.Sprintf("unknown contentKind %q", in.ContentKind))
	}
	if in.ContentKind == ContentSubtitle && in.Subtitle == "" {
		problems = append(problems, "subtitle language is required for subtitle-only intents")
	}
	if in.Kind == IntentSeries {
		if len(in.Catalog) == 0 {
			problems = append(problems, "series intents need an episode catalog")
		}
		if in.Range != nil && in.Range.To.Less(in.Range.From) {
			problems = append(problems, "range end is before range start")
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidIntent, strings.Join(problems, "; "))
	}
	return nil
}

// Episodes expands a series intent into its episodes in catalog order,
// restricted to Range when set. Movies expand to nothing.
func (in *Intent) Episodes() []EpisodeRef {
	if in.Kind != IntentSeries {
		return nil
	}
	var out []EpisodeRef
	for _, season := range in.Catalog {
		for _, ep := range season.Episodes {
			ref := EpisodeRef{Season: season.Season, Episode: ep}
			if in.Range != nil && !in.Range.Contains(ref) {
				continue
			}
			out = append(out, ref)
		}
	}
	return out
}

// NewJobs builds the Candidate Job skeletons for an intent: one per episode
// for a series, one for a movie. IDs and BatchID are assigned by the store.
func (in *Intent) NewJobs() []*Job {
	base := Job{
		SourceType:    in.SourceType,
		ContentID:     in.ContentID,
		Title:         in.Title,
		OriginalTitle: in.OriginalTitle,
		URL:           in.URL,
		ContentKind:   in.ContentKind,
		Status:        StatusCandidate,
	}

	if in.Kind != IntentSeries {
		j := base
		return []*Job{&j}
	}

	episodes := in.Episodes()
	out := make([]*Job, 0, len(episodes))
	for _, ep := range episodes {
		j := base
		e := ep
		j.Episode = &e
		out = append(out, &j)
	}
	return out
}
