// Package html5 fetches manifests from pages that embed an HTML5 player:
// <video><source src label res></video> and <track kind="subtitles">.
package html5

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/slipstream/grabber/internal/quality"
	"github.com/slipstream/grabber/internal/site"
)

// Family is the definition family name for this fetcher.
const Family = "html5"

const maxBody = 8 << 20

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

// PageURL returns the page to load for a query: the Job's URL with season
// and episode appended for series.
func PageURL(q site.Query) (string, error) {
	u, err := url.Parse(q.PageURL)
	if err != nil {
		return "", fmt.Errorf("invalid page url: %w", err)
	}
	if !u.IsAbs() {
		return "", fmt.Errorf("page url %q is not absolute", q.PageURL)
	}
	values := u.Query()
	for k, v := range q.Params {
		values.Set(k, v)
	}
	if q.Season > 0 {
		values.Set("season", fmt.Sprint(q.Season))
		values.Set("episode", fmt.Sprint(q.Episode))
	}
	if q.TranslatorID > 0 {
		values.Set("translator_id", fmt.Sprint(q.TranslatorID))
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Fetch loads the page and extracts its player sources.
func (f *Fetcher) Fetch(ctx context.Context, q site.Query) (*site.Manifest, error) {
	pageURL, err := PageURL(q)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
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
		return nil, &site.TemporaryError{Err: fmt.Errorf("page returned status %d", resp.StatusCode)}
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: page not found", site.ErrNoSource)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("page returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read page: %w", err)
	}
	base, _ := url.Parse(pageURL)
	return Parse(body, base)
}

// Parse extracts streams and subtitle tracks from an HTML document. Relative
// URLs are resolved against base.
func Parse(html []byte, base *url.URL) (*site.Manifest, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	m := &site.Manifest{}
	index := map[string]int{}

	doc.Find("video source[src]").Each(func(_ int, sel *goquery.Selection) {
		src := resolve(base, attr(sel, "src"))
		label := sourceQuality(sel)
		if src == "" || label == "" {
			return
		}
		if i, ok := index[label]; ok {
			m.Streams[i].URLs = append(m.Streams[i].URLs, src)
			return
		}
		index[label] = len(m.Streams)
		m.Streams = append(m.Streams, site.Stream{Quality: label, URLs: []string{src}})
	})

	doc.Find(`video track[src]`).Each(func(_ int, sel *goquery.Selection) {
		kind := strings.ToLower(attr(sel, "kind"))
		if kind != "" && kind != "subtitles" && kind != "captions" {
			return
		}
		src := resolve(base, attr(sel, "src"))
		if src == "" {
			return
		}
		lang := attr(sel, "srclang")
		label := attr(sel, "label")
		if label == "" {
			label = lang
		}
		m.Subtitles = append(m.Subtitles, site.Subtitle{Label: label, Language: lang, URL: src})
	})

	return m, nil
}

// sourceQuality reads the quality of a <source> from label, res, size or
// data-quality, normalised onto the ladder when possible.
func sourceQuality(sel *goquery.Selection) string {
	for _, name := range []string{"label", "data-quality", "res", "size"} {
		v := attr(sel, name)
		if v == "" {
			continue
		}
		if isDigits(v) {
			v += "p"
		}
		if q, ok := quality.Parse(v); ok {
			return q.Name
		}
		return v
	}
	return ""
}

func attr(sel *goquery.Selection, name string) string {
	v, _ := sel.Attr(name)
	return strings.TrimSpace(v)
}

func resolve(base *url.URL, ref string) string {
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if base == nil {
		return u.String()
	}
	return base.ResolveReference(u).String()
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
