package site

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
)

// HTTPSizer sizes resources with HEAD, falling back to a one-byte ranged
// GET for servers that reject HEAD.
type HTTPSizer struct {
	client    *http.Client
	userAgent string
}

// NewHTTPSizer creates a Sizer using client.
func NewHTTPSizer(client *http.Client, userAgent string) *HTTPSizer {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSizer{client: client, userAgent: userAgent}
}

// Size returns the resource size in bytes, 0 when it is missing or empty.
func (p *HTTPSizer) Size(ctx context.Context, rawURL string) (int64, error) {
	size, status, err := p.do(ctx, http.MethodHead, rawURL)
	if err != nil {
		return 0, err
	}
	if status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented {
		size, status, err = p.do(ctx, http.MethodGet, rawURL)
		if err != nil {
			return 0, err
		}
	}
	if status >= 500 {
		return 0, &TemporaryError{Err: fmt.Errorf("size %s: status %d", rawURL, status)}
	}
	if status >= 400 {
		return 0, nil
	}
	return size, nil
}

func (p *HTTPSizer) do(ctx context.Context, method, rawURL string) (int64, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, http.NoBody)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create size request: %w", err)
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}
	if method == http.MethodGet {
		req.Header.Set("Range", "bytes=0-0")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	if method == http.MethodGet && resp.StatusCode == http.StatusPartialContent {
		return contentRangeTotal(resp.Header.Get("Content-Range")), resp.StatusCode, nil
	}
	if resp.ContentLength < 0 {
		return 0, resp.StatusCode, nil
	}
	return resp.ContentLength, resp.StatusCode, nil
}

// contentRangeTotal parses the total from "bytes 0-0/12345".
func contentRangeTotal(h string) int64 {
	i := strings.LastIndexByte(h, '/')
	if i < 0 {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(h[i+1:]), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// firstSized returns the first mirror with a nonzero size. Sizing errors
// count as missing.
func firstSized(ctx context.Context, p Sizer, urls []string) (string, int64) {
	for _, u := range urls {
		if ctx.Err() != nil {
			return "", 0
		}
		size, err := p.Size(ctx, u)
		if err == nil && size > 0 {
			return u, size
		}
	}
	return "", 0
}

type sizeResult struct {
	url  string
	size int64
}

// sizeAll sizes every stream concurrently and returns the first stream, in
// the given order, that has a nonzero-size mirror.
func sizeAll(ctx context.Context, p Sizer, streams []Stream) (Stream, string, bool) {
	results := make([]sizeResult, len(streams))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, s := range streams {
		g.Go(func() error {
			u, size := firstSized(gctx, p, s.URLs)
			results[i] = sizeResult{url: u, size: size}
			return nil
		})
	}
	_ = g.Wait()

	for i, r := range results {
		if r.size > 0 {
			return streams[i], r.url, true
		}
	}
	return Stream{}, "", false
}
