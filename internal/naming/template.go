// Package naming builds target filenames from a user-ordered template of
// tokens and literals.
package naming

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Options mirrors the naming section of the configuration.
type Options struct {
	Template         []string
	ReplaceSpaces    bool
	SpaceReplacement string
	SeriesFolders    bool
	RootFolder       string
}

// Values are the token inputs for one File.
type Values struct {
	Title         string
	OriginalTitle string
	Translation   string
	TranslationID int64
	Season        int // 0 for movies
	Episode       int // 0 for movies
	Quality       string
	SubtitleCode  string
	SubtitleLang  string
	ContentID     int64
	Time          time.Time
}

// Tokens lists every supported token.
var Tokens = []string{
	"%title%", "%orig_title%", "%translation%", "%translation_id%",
	"%season%", "%episode%", "%season_id%", "%episode_id%",
	"%quality%", "%subtitle_code%", "%subtitle_lang%",
	"%data%", "%time%", "%content_id%",
}

// IsToken reports whether a template element is a token rather than a literal.
func IsToken(s string) bool {
	for _, t := range Tokens {
		if s == t {
			return true
		}
	}
	return false
}

func (v Values) resolve(token string) string {
	switch token {
	case "%title%":
		return v.Title
	case "%orig_title%":
		if v.OriginalTitle == "" {
			return v.Title
		}
		return v.OriginalTitle
	case "%translation%":
		return v.Translation
	case "%translation_id%":
		return formatID(v.TranslationID)
	case "%season%":
		return formatNumber(v.Season, "")
	case "%episode%":
		return formatNumber(v.Episode, "")
	case "%season_id%":
		return formatNumber(v.Season, "00")
	case "%episode_id%":
		return formatNumber(v.Episode, "00")
	case "%quality%":
		return v.Quality
	case "%subtitle_code%":
		return v.SubtitleCode
	case "%subtitle_lang%":
		return v.SubtitleLang
	case "%data%":
		if v.Time.IsZero() {
			return ""
		}
		return v.Time.Format("2006-01-02")
	case "%time%":
		if v.Time.IsZero() {
			return ""
		}
		return v.Time.Format("15-04-05")
	case "%content_id%":
		return formatID(v.ContentID)
	}
	return ""
}

func formatID(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

// formatNumber pads n to the width of format ("00" -> 2 digits). Zero
// renders empty.
func formatNumber(n int, format string) string {
	if n <= 0 {
		return ""
	}
	if format == "" {
		return strconv.Itoa(n)
	}
	return fmt.Sprintf("%0*d", len(format), n)
}

// Filename renders the template for v and appends ext (".mp4", ".en.vtt").
// A literal immediately before a token that renders empty is dropped, so
// " S" + "%season_id%" disappears for a movie.
func (o Options) Filename(v Values, ext string) string {
	template := o.Template
	var b strings.Builder
	for i, part := range template {
		if IsToken(part) {
			b.WriteString(v.resolve(part))
			continue
		}
		if i+1 < len(template) && IsToken(template[i+1]) && v.resolve(template[i+1]) == "" {
			continue
		}
		b.WriteString(part)
	}

	name := Sanitize(b.String())
	if name == "" {
		name = Sanitize(v.Title)
	}
	if name == "" {
		name = "download"
	}
	if o.ReplaceSpaces {
		name = strings.ReplaceAll(name, " ", o.SpaceReplacement)
	}
	return name + ext
}

// Path returns the relative target path: optional root folder, optional
// per-series folder, then the filename. Segments are joined with "/".
func (o Options) Path(v Values, ext string) string {
	segments := make([]string, 0, 4)
	for _, seg := range strings.Split(strings.ReplaceAll(o.RootFolder, "\\", "/"), "/") {
		if s := Sanitize(seg); s != "" {
			segments = append(segments, s)
		}
	}
	if o.SeriesFolders && v.Season > 0 {
		folder := Sanitize(v.Title)
		if o.ReplaceSpaces {
			folder = strings.ReplaceAll(folder, " ", o.SpaceReplacement)
		}
		if folder != "" {
			segments = append(segments, folder)
		}
	}
	segments = append(segments, o.Filename(v, ext))
	return path.Join(segments...)
}

var uniqueSuffix = regexp.MustCompile(`\s?\(\d+\)$`)

// SameTarget reports whether the host-assigned path refers to the file we
// asked for. Directories, case, Unicode form and a host uniquification
// suffix such as " (1)" are ignored.
func SameTarget(requested, actual string) bool {
	if requested == "" || actual == "" {
		return false
	}
	return targetKey(requested) == targetKey(actual)
}

func targetKey(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	base := path.Base(p)
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	stem = uniqueSuffix.ReplaceAllString(stem, "")
	return strings.ToLower(norm.NFC.String(stem + ext))
}
