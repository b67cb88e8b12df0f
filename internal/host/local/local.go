// Package local implements host.Host with plain HTTP transfers written to an
// afero filesystem. Handles are numbered from 1 on every process start, so a
// restarted daemon reuses handles persisted by the previous one.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/slipstream/grabber/internal/host"
)

// Config configures a local host.
type Config struct {
	// Dir is the download root. Empty means the root of Fs.
	Dir       string
	Fs        afero.Fs
	Client    *http.Client
	UserAgent string
}

type stopCause int

const (
	stopNone stopCause = iota
	stopPause
	stopCancel
	stopErase
	stopClose
)

type transfer struct {
	id       int64
	req      host.Request
	filename string
	state    host.State
	paused   bool
	written  int64
	total    int64

	cancel context.CancelFunc
	done   chan struct{}
	stop   stopCause
}

// Host is a local HTTP transfer host.
type Host struct {
	fs        afero.Fs
	client    *http.Client
	userAgent string
	logger    zerolog.Logger

	mu        sync.Mutex
	nextID    int64
	transfers map[int64]*transfer
	listeners []host.Listener
	closed    bool
}

var _ host.Host = (*Host)(nil)

// New creates a local host.
func New(cfg Config, logger *zerolog.Logger) *Host {
	fs := cfg.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if cfg.Dir != "" {
		fs = afero.NewBasePathFs(fs, cfg.Dir)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Host{
		fs:        fs,
		client:    client,
		userAgent: cfg.UserAgent,
		logger:    logger.With().Str("component", "host").Logger(),
		transfers: make(map[int64]*transfer),
	}
}

// Subscribe implements host.Host.
func (h *Host) Subscribe(l host.Listener) {
	h.mu.Lock()
	h.listeners = append(h.listeners, l)
	h.mu.Unlock()
}

// Submit implements host.Host.
func (h *Host) Submit(ctx context.Context, req host.Request) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return 0, fmt.Errorf("%w: unsupported url %q", host.ErrRejected, req.URL)
	}
	if req.PromptForLocation {
		h.logger.Debug().Str("url", req.URL).Msg("Save-as prompt not supported, using download directory")
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0, fmt.Errorf("%w: host is closed", host.ErrRejected)
	}
	h.nextID++
	t := &transfer{
		id:       h.nextID,
		req:      req,
		filename: suggestedName(req),
		state:    host.StateInProgress,
	}
	h.transfers[t.id] = t
	h.mu.Unlock()

	h.logger.Info().Int64("transferId", t.id).Str("url", req.URL).Msg("Transfer submitted")

	go h.start(t)
	return t.id, nil
}

// start announces the transfer, settles its filename and runs the first
// download pass.
func (h *Host) start(t *transfer) {
	listeners := h.snapshotListeners()
	for _, l := range listeners {
		l.OnCreated(host.Created{TransferID: t.id, Token: t.req.Token, URL: t.req.URL, Filename: t.filename})
	}

	name := t.filename
	for _, l := range listeners {
		if n, ok := l.OnDeterminingName(host.NameRequest{TransferID: t.id, Token: t.req.Token, URL: t.req.URL, Suggested: name}); ok && n != "" {
			name = n
			break
		}
	}

	h.mu.Lock()
	final := h.uniquify(name)
	changed := final != t.filename
	t.filename = final
	h.mu.Unlock()

	if changed {
		h.emit(t, host.Delta{Filename: host.StringPtr(final)})
	}
	h.run(t)
}

// run starts a download pass in the background. Callers must not hold h.mu.
func (h *Host) run(t *transfer) {
	h.mu.Lock()
	if t.state != host.StateInProgress || t.paused || t.cancel != nil {
		h.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.stop = stopNone
	t.done = make(chan struct{})
	done := t.done
	h.mu.Unlock()

	go func() {
		defer close(done)
		err := h.download(ctx, t)
		h.finish(t, err)
	}()
}

func (h *Host) finish(t *transfer, err error) {
	h.mu.Lock()
	t.cancel = nil
	stop := t.stop
	if stop != stopNone {
		h.mu.Unlock()
		return
	}
	var ev host.Delta
	if err == nil {
		t.state = host.StateComplete
		ev.State = host.StatePtr(host.StateComplete)
	} else {
		t.state = host.StateInterrupted
		reason := reasonFor(err)
		ev.State = host.StatePtr(host.StateInterrupted)
		ev.Error = host.ReasonPtr(reason)
	}
	written := t.written
	h.mu.Unlock()

	if err == nil {
		h.logger.Info().
			Int64("transferId", t.id).
			Str("file", t.filename).
			Str("size", humanize.Bytes(uint64(written))).
			Msg("Transfer complete")
	} else {
		h.logger.Warn().Err(err).Int64("transferId", t.id).Str("reason", string(*ev.Error)).Msg("Transfer interrupted")
	}
	h.emit(t, ev)
}

// download fetches the request URL into the transfer's file, resuming from
// the bytes already written.
func (h *Host) download(ctx context.Context, t *transfer) error {
	h.mu.Lock()
	name, offset := t.filename, t.written
	h.mu.Unlock()

	if dir := path.Dir(name); dir != "." && dir != "/" {
		if err := h.fs.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.req.URL, nil)
	if err != nil {
		return err
	}
	if h.userAgent != "" {
		req.Header.Set("User-Agent", h.userAgent)
	}
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if reason := host.ReasonForStatus(resp.StatusCode); reason != "" {
		return &statusError{code: resp.StatusCode, reason: reason}
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_APPEND
	if offset == 0 || resp.StatusCode != http.StatusPartialContent {
		// Fresh start, or the server ignored the range.
		offset = 0
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}

	f, err := h.fs.OpenFile(name, flags, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	h.mu.Lock()
	t.written = offset
	if resp.ContentLength > 0 {
		t.total = offset + resp.ContentLength
	}
	h.mu.Unlock()

	_, err = io.Copy(f, &progressReader{r: resp.Body, h: h, t: t})
	if err != nil {
		return err
	}
	return f.Sync()
}

// Cancel implements host.Host. The partial file is removed.
func (h *Host) Cancel(_ context.Context, id int64) error {
	h.mu.Lock()
	t, ok := h.transfers[id]
	if !ok {
		h.mu.Unlock()
		return host.ErrNotFound
	}
	if t.state != host.StateInProgress {
		h.mu.Unlock()
		return nil
	}
	h.stopLocked(t, stopCancel)
	t.state = host.StateInterrupted
	name := t.filename
	h.mu.Unlock()

	if err := h.fs.Remove(name); err != nil && !errors.Is(err, afero.ErrFileNotFound) {
		h.logger.Debug().Err(err).Str("file", name).Msg("Could not remove partial file")
	}
	h.emit(t, host.Delta{
		State: host.StatePtr(host.StateInterrupted),
		Error: host.ReasonPtr(host.ReasonUserCanceled),
	})
	return nil
}

// Pause implements host.Host.
func (h *Host) Pause(_ context.Context, id int64) error {
	h.mu.Lock()
	t, ok := h.transfers[id]
	if !ok {
		h.mu.Unlock()
		return host.ErrNotFound
	}
	if t.paused || t.state != host.StateInProgress {
		h.mu.Unlock()
		return nil
	}
	t.paused = true
	h.stopLocked(t, stopPause)
	h.mu.Unlock()

	h.emit(t, host.Delta{Paused: host.BoolPtr(true)})
	return nil
}

// Resume implements host.Host. The download continues from the bytes already
// on disk using an HTTP range request.
func (h *Host) Resume(_ context.Context, id int64) error {
	h.mu.Lock()
	t, ok := h.transfers[id]
	if !ok {
		h.mu.Unlock()
		return host.ErrNotFound
	}
	if !t.paused || t.state != host.StateInProgress {
		h.mu.Unlock()
		return nil
	}
	t.paused = false
	h.mu.Unlock()

	h.emit(t, host.Delta{Paused: host.BoolPtr(false)})
	h.run(t)
	return nil
}

// Erase implements host.Host. A running transfer is stopped silently.
func (h *Host) Erase(_ context.Context, id int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.transfers[id]
	if !ok {
		return host.ErrNotFound
	}
	h.stopLocked(t, stopErase)
	delete(h.transfers, id)
	return nil
}

// Exists implements host.Host.
func (h *Host) Exists(_ context.Context, id int64) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.transfers[id]
	return ok, nil
}

// Progress returns the bytes written and the expected total (0 if unknown).
func (h *Host) Progress(id int64) (written, total int64, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.transfers[id]
	if !ok {
		return 0, 0, host.ErrNotFound
	}
	return t.written, t.total, nil
}

// Close stops every running transfer without firing events.
func (h *Host) Close() error {
	h.mu.Lock()
	h.closed = true
	for _, t := range h.transfers {
		h.stopLocked(t, stopClose)
	}
	h.mu.Unlock()
	return nil
}

// stopLocked cancels the running pass of t and waits for it to exit. h.mu is
// released while waiting.
func (h *Host) stopLocked(t *transfer, cause stopCause) {
	if t.cancel == nil {
		return
	}
	t.stop = cause
	t.cancel()
	done := t.done
	h.mu.Unlock()
	waitDone(done)
	h.mu.Lock()
}

func waitDone(done <-chan struct{}) {
	select {
	case <-done:
	case <-time.After(10 * time.Second):
	}
}

// uniquify appends " (N)" to name until it no longer collides with a file on
// disk or another live transfer. Caller holds h.mu.
func (h *Host) uniquify(name string) string {
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	candidate := name
	for n := 1; h.taken(candidate); n++ {
		candidate = fmt.Sprintf("%s (%d)%s", base, n, ext)
	}
	return candidate
}

func (h *Host) taken(name string) bool {
	if ok, _ := afero.Exists(h.fs, name); ok {
		return true
	}
	for _, t := range h.transfers {
		if t.filename == name && t.state == host.StateInProgress && t.cancel != nil {
			return true
		}
	}
	return false
}

func (h *Host) snapshotListeners() []host.Listener {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]host.Listener(nil), h.listeners...)
}

func (h *Host) emit(t *transfer, ev host.Delta) {
	ev.TransferID = t.id
	ev.Token = t.req.Token
	ev.URL = t.req.URL
	for _, l := range h.snapshotListeners() {
		l.OnChanged(ev)
	}
}

// suggestedName picks the request's filename, or the last URL path segment.
func suggestedName(req host.Request) string {
	if req.Filename != "" {
		return path.Clean(strings.TrimPrefix(req.Filename, "/"))
	}
	if u, err := url.Parse(req.URL); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" {
			return base
		}
	}
	return "download"
}

type statusError struct {
	code   int
	reason host.Reason
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}

func reasonFor(err error) host.Reason {
	var se *statusError
	if errors.As(err, &se) {
		return se.reason
	}
	return host.ReasonForError(err)
}

type progressReader struct {
	r io.Reader
	h *Host
	t *transfer
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.h.mu.Lock()
		p.t.written += int64(n)
		p.h.mu.Unlock()
	}
	return n, err
}
