package quality

import "fmt"

// Action is a user policy value from the settings matrix.
type Action string

const (
	ActionReduceQuality Action = "reduce_quality"
	ActionSkip          Action = "skip"
	ActionStop          Action = "stop"
	ActionIgnore        Action = "ignore"
)

// Gap identifies which policy a failure is evaluated against.
type Gap string

const (
	GapNoQuality         Gap = "no_quality"
	GapNoSubtitles       Gap = "no_subtitles"
	GapLoadVideoError    Gap = "load_video_error"
	GapLoadSubtitleError Gap = "load_subtitle_error"
)

// Policies is the gap/failure policy matrix.
type Policies struct {
	OnNoQuality         Action
	OnNoSubtitles       Action
	OnLoadVideoError    Action
	OnLoadSubtitleError Action
}

var allowed = map[Gap][]Action{
	GapNoQuality:         {ActionReduceQuality, ActionSkip, ActionStop},
	GapNoSubtitles:       {ActionIgnore, ActionSkip, ActionStop},
	GapLoadVideoError:    {ActionSkip, ActionStop},
	GapLoadSubtitleError: {ActionIgnore, ActionSkip, ActionStop},
}

// ActionFor returns the configured action for a gap.
func (p Policies) ActionFor(g Gap) Action {
	switch g {
	case GapNoQuality:
		return p.OnNoQuality
	case GapNoSubtitles:
		return p.OnNoSubtitles
	case GapLoadVideoError:
		return p.OnLoadVideoError
	case GapLoadSubtitleError:
		return p.OnLoadSubtitleError
	default:
		return ActionSkip
	}
}

// Validate rejects actions that are not valid for their gap, e.g. "ignore"
// for a video failure.
func (p Policies) Validate() error {
	for _, g := range []Gap{GapNoQuality, GapNoSubtitles, GapLoadVideoError, GapLoadSubtitleError} {
		a := p.ActionFor(g)
		ok := false
		for _, candidate := range allowed[g] {
			if a == candidate {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("action %q is not valid for %s", a, g)
		}
	}
	return nil
}
