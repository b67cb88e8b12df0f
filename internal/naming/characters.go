package naming

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// IllegalCharacters are characters not allowed in filenames on most filesystems.
var IllegalCharacters = []rune{'\\', '/', ':', '*', '?', '"', '<', '>', '|'}

// Sanitize makes s safe to use as a single path segment: NFC normalised,
// illegal characters replaced, control characters dropped, runs of spaces
// collapsed, leading/trailing spaces and dots trimmed, and reserved Windows
// device names escaped.
func Sanitize(s string) string {
	if s == "" {
		return s
	}
	s = norm.NFC.String(s)

	var result strings.Builder
	result.Grow(len(s))

	runes := []rune(s)
	for i, r := range runes {
		switch {
		case r == ':':
			result.WriteString(colonReplacement(runes, i))
		case isIllegalChar(r):
			result.WriteRune(getReplacement(r))
		case unicode.IsControl(r):
		default:
			result.WriteRune(r)
		}
	}

	out := cleanupSpaces(result.String())
	out = strings.Trim(out, " .")
	return avoidReservedNames(out)
}

// colonReplacement uses " -" after a word ("Title: Sub" -> "Title - Sub")
// and "-" elsewhere ("10:30" -> "10-30").
func colonReplacement(runes []rune, pos int) string {
	var prevIsWord, nextIsSpace bool
	if pos > 0 {
		prev := runes[pos-1]
		prevIsWord = unicode.IsLetter(prev)
	}
	if pos < len(runes)-1 {
		nextIsSpace = unicode.IsSpace(runes[pos+1])
	}
	if prevIsWord && nextIsSpace {
		return " -"
	}
	return "-"
}

func isIllegalChar(r rune) bool {
	for _, illegal := range IllegalCharacters {
		if r == illegal {
			return true
		}
	}
	return false
}

func getReplacement(r rune) rune {
	switch r {
	case '\\', '/', '*', '|':
		return '-'
	case '"':
		return '\''
	case '<':
		return '('
	case '>':
		return ')'
	default:
		return ' '
	}
}

func cleanupSpaces(s string) string {
	for strings.Contains(s, "  ") {
		s = strings.ReplaceAll(s, "  ", " ")
	}
	return strings.TrimSpace(s)
}

var reservedNames = []string{
	"CON", "PRN", "AUX", "NUL",
	"COM1", "COM2", "COM3", "COM4", "COM5", "COM6", "COM7", "COM8", "COM9",
	"LPT1", "LPT2", "LPT3", "LPT4", "LPT5", "LPT6", "LPT7", "LPT8", "LPT9",
}

func avoidReservedNames(s string) string {
	upper := strings.ToUpper(s)
	for _, r := range reservedNames {
		if upper == r {
			return s + "_"
		}
		if strings.HasPrefix(upper, r+".") {
			return s[:len(r)] + "_" + s[len(r):]
		}
	}
	return s
}
