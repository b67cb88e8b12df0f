// Package streamjson fetches manifests from sites that answer a form POST
// with a JSON document listing stream URLs per quality and subtitle tracks.
//
// The stream list looks like "[360p]https://a/1.mp4 or https://b/1.mp4,[720p]https://a/2.mp4"
// and the subtitle list like "[English]https://a/en.vtt,[Русский]https://a/ru.vtt",
// with "subtitle_lns" mapping labels to language codes.
package streamjson

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/slipstream/grabber/internal/site"
)

// Family is the definition family name for this fetcher.
const Family = "streamjson"

const maxBody = 4 << 20

// Fetcher implements site.Fetcher.
type Fetcher struct {
	def    site.Definition
	client *http.Client
}

// New creates a fetcher for def. It matches site.Factory.
func New(def site.Definition, client *http.Client) site.Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{def: def, client: client}
}

type response struct {
	Success     *bool           `json:"success"`
	Message     string          `json:"message"`
	URL         json.RawMessage `json:"url"`
	Subtitle    json.RawMessage `json:"subtitle"`
	SubtitleLns json.RawMessage `json:"subtitle_lns"`
}

// Fetch posts the query to the stream endpoint and parses the answer.
func (f *Fetcher) Fetch(ctx context.Context, q site.Query) (*site.Manifest, error) {
	endpoint := f.def.ResolveEndpoint()
	form := q.Values()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	req.Header.Set("Accept", "application/json")
	if q.PageURL != "" {
		req.Header.Set("Referer", q.PageURL)
	}
	for k, v := range f.def.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, &site.TemporaryError{Err: fmt.Errorf("stream endpoint returned status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stream endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return Parse(body)
}

// Parse decodes a stream endpoint response.
func Parse(body []byte) (*site.Manifest, error) {
	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("failed to decode stream response: %w", err)
	}
	if r.Success != nil && !*r.Success {
		if r.Message != "" {
			return nil, fmt.Errorf("%w: %s", site.ErrNoSource, r.Message)
		}
		return nil, site.ErrNoSource
	}

	m := &site.Manifest{}

	if streams := rawString(r.URL); streams != "" {
		m.Streams = ParseStreams(streams)
	}

	if subs := rawString(r.Subtitle); subs != "" {
		codes := map[string]string{}
		if len(r.SubtitleLns) > 0 && string(r.SubtitleLns) != "false" {
			_ = json.Unmarshal(r.SubtitleLns, &codes)
		}
		m.Subtitles = ParseSubtitles(subs, codes)
	}
	return m, nil
}

// rawString returns the string value of a field that may also be false or null.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// ParseStreams splits "[label]u1 or u2,[label]u3" into streams. Mirrors keep
// their published order.
func ParseStreams(s string) []site.Stream {
	var out []site.Stream
	for _, entry := range splitEntries(s) {
		label, rest := splitLabel(entry)
		if label == "" {
			continue
		}
		var urls []string
		for _, u := range strings.Split(rest, " or ") {
			u = strings.TrimSpace(u)
			if i := strings.Index(u, ":hls:"); i >= 0 {
				u = u[:i]
			}
			if u != "" {
				urls = append(urls, u)
			}
		}
		if len(urls) > 0 {
			out = append(out, site.Stream{Quality: label, URLs: urls})
		}
	}
	return out
}

// ParseSubtitles splits "[label]url,[label]url" into tracks, mapping labels
// to codes when known.
func ParseSubtitles(s string, codes map[string]string) []site.Subtitle {
	var out []site.Subtitle
	for _, entry := range splitEntries(s) {
		label, rest := splitLabel(entry)
		u := strings.TrimSpace(rest)
		if label == "" || u == "" {
			continue
		}
		out = append(out, site.Subtitle{Label: label, Language: codes[label], URL: u})
	}
	return out
}

// splitEntries splits on commas that start a new "[label]" entry, so commas
// inside URLs survive.
func splitEntries(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' && i+1 < len(s) && s[i+1] == '[' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}

func splitLabel(entry string) (string, string) {
	entry = strings.TrimSpace(entry)
	if !strings.HasPrefix(entry, "[") {
		return "", ""
	}
	end := strings.IndexByte(entry, ']')
	if end < 0 {
		return "", ""
	}
	return strings.TrimSpace(entry[1:end]), entry[end+1:]
}
