// Package quality defines the fixed video quality ladder and the
// gap/failure policy matrix applied when a requested quality or subtitle
// cannot be delivered.
package quality

import (
	"sort"
	"strings"
)

// Quality represents one rung of the ladder.
type Quality struct {
	Name       string `json:"name"`
	Resolution int    `json:"resolution"`
	Rank       int    `json:"rank"` // Higher = better quality
}

// Ladder is the total order of qualities, lowest first.
var Ladder = []Quality{
	{Name: "360p", Resolution: 360, Rank: 1},
	{Name: "480p", Resolution: 480, Rank: 2},
	{Name: "720p", Resolution: 720, Rank: 3},
	{Name: "1080p", Resolution: 1080, Rank: 4},
	{Name: "1080p Ultra", Resolution: 1080, Rank: 5},
	{Name: "2K", Resolution: 1440, Rank: 6},
	{Name: "4K", Resolution: 2160, Rank: 7},
}

var byKey map[string]Quality

func init() {
	byKey = make(map[string]Quality, len(Ladder))
	for _, q := range Ladder {
		byKey[key(q.Name)] = q
	}
	// Aliases seen in site manifests.
	byKey["1440p"] = byKey["2k"]
	byKey["2160p"] = byKey["4k"]
	byKey["uhd"] = byKey["4k"]
}

func key(name string) string {
	k := strings.ToLower(strings.TrimSpace(name))
	k = strings.NewReplacer(" ", "", "_", "", "-", "").Replace(k)
	return k
}

// Parse finds a ladder rung by name. Matching ignores case, spaces,
// underscores and dashes, so "1080p Ultra", "1080pUltra" and "1080p_ultra"
// are the same rung.
func Parse(name string) (Quality, bool) {
	q, ok := byKey[key(name)]
	return q, ok
}

// Less reports whether q is lower on the ladder than other.
func (q Quality) Less(other Quality) bool {
	return q.Rank < other.Rank
}

func (q Quality) String() string {
	return q.Name
}

// Below returns the rungs strictly below q, highest first. This is the
// order the reduce-quality fallback walks.
func Below(q Quality) []Quality {
	out := make([]Quality, 0, len(Ladder))
	for i := len(Ladder) - 1; i >= 0; i-- {
		if Ladder[i].Rank < q.Rank {
			out = append(out, Ladder[i])
		}
	}
	return out
}

// SortNames orders quality names by ladder position, lowest first. Unknown
// names are dropped.
func SortNames(names []string) []string {
	known := make([]Quality, 0, len(names))
	seen := make(map[int]bool, len(names))
	for _, n := range names {
		q, ok := Parse(n)
		if !ok || seen[q.Rank] {
			continue
		}
		seen[q.Rank] = true
		known = append(known, q)
	}
	sort.Slice(known, func(i, j int) bool { return known[i].Less(known[j]) })

	out := make([]string, len(known))
	for i, q := range known {
		out[i] = q.Name
	}
	return out
}
