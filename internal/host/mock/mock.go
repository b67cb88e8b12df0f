// Package mock provides an in-memory transfer host for tests and dev mode.
// Nothing is downloaded: tests drive each transfer through Complete, Fail
// and friends, and the host fires the matching events.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/slipstream/grabber/internal/host"
)

// Transfer is the mock's record of one submitted request.
type Transfer struct {
	ID       int64
	Request  host.Request
	Filename string
	State    host.State
	Paused   bool
	Error    host.Reason
}

// Host implements host.Host in memory.
type Host struct {
	mu        sync.RWMutex
	transfers map[int64]*Transfer
	submitted []Transfer
	listeners []host.Listener
	nextID    int64

	submitErr   error
	submitDelay time.Duration
	// autoComplete completes every transfer as soon as it is created.
	autoComplete bool
	// createdBeforeReturn fires the created event before Submit returns.
	createdBeforeReturn bool
}

var _ host.Host = (*Host)(nil)

// New creates an empty mock host. Events are fired before Submit returns,
// like a browser host that reports creation synchronously.
func New() *Host {
	return &Host{
		transfers:           make(map[int64]*Transfer),
		createdBeforeReturn: true,
	}
}

// SetSubmitError makes every following Submit fail with err.
func (h *Host) SetSubmitError(err error) {
	h.mu.Lock()
	h.submitErr = err
	h.mu.Unlock()
}

// SetSubmitDelay delays Submit by d, honouring ctx.
func (h *Host) SetSubmitDelay(d time.Duration) {
	h.mu.Lock()
	h.submitDelay = d
	h.mu.Unlock()
}

// SetAutoComplete completes transfers right after creating them.
func (h *Host) SetAutoComplete(on bool) {
	h.mu.Lock()
	h.autoComplete = on
	h.mu.Unlock()
}

// SetCreatedAfterReturn fires the created event from a goroutine after
// Submit has returned.
func (h *Host) SetCreatedAfterReturn(on bool) {
	h.mu.Lock()
	h.createdBeforeReturn = !on
	h.mu.Unlock()
}

// ResetHandles restarts handle numbering, simulating a host restart that
// reuses ids. Existing records are forgotten.
func (h *Host) ResetHandles() {
	h.mu.Lock()
	h.nextID = 0
	h.transfers = make(map[int64]*Transfer)
	h.mu.Unlock()
}

// Subscribe implements host.Host.
func (h *Host) Subscribe(l host.Listener) {
	h.mu.Lock()
	h.listeners = append(h.listeners, l)
	h.mu.Unlock()
}

// Submit implements host.Host.
func (h *Host) Submit(ctx context.Context, req host.Request) (int64, error) {
	h.mu.RLock()
	delay, submitErr := h.submitDelay, h.submitErr
	h.mu.RUnlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if submitErr != nil {
		return 0, submitErr
	}

	h.mu.Lock()
	h.nextID++
	t := &Transfer{ID: h.nextID, Request: req, Filename: req.Filename, State: host.StateInProgress}
	h.transfers[t.ID] = t
	h.submitted = append(h.submitted, *t)
	before, auto := h.createdBeforeReturn, h.autoComplete
	h.mu.Unlock()

	announce := func() {
		h.nameAndCreate(t.ID)
		if auto {
			_ = h.Complete(t.ID)
		}
	}
	if before {
		announce()
	} else {
		go announce()
	}
	return t.ID, nil
}

func (h *Host) nameAndCreate(id int64) {
	h.mu.RLock()
	t, ok := h.transfers[id]
	if !ok {
		h.mu.RUnlock()
		return
	}
	req := t.Request
	listeners := append([]host.Listener(nil), h.listeners...)
	h.mu.RUnlock()

	name := req.Filename
	for _, l := range listeners {
		if n, ok := l.OnDeterminingName(host.NameRequest{TransferID: id, Token: req.Token, URL: req.URL, Suggested: name}); ok {
			name = n
			break
		}
	}

	h.mu.Lock()
	t.Filename = name
	h.mu.Unlock()

	for _, l := range listeners {
		l.OnCreated(host.Created{TransferID: id, Token: req.Token, URL: req.URL, Filename: name})
	}
}

// Cancel implements host.Host. The interrupted event carries USER_CANCELED.
func (h *Host) Cancel(_ context.Context, id int64) error {
	h.mu.Lock()
	t, ok := h.transfers[id]
	if !ok {
		h.mu.Unlock()
		return host.ErrNotFound
	}
	if t.State != host.StateInProgress {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()
	return h.Fail(id, host.ReasonUserCanceled)
}

// Pause implements host.Host.
func (h *Host) Pause(_ context.Context, id int64) error {
	return h.setPaused(id, true)
}

// Resume implements host.Host.
func (h *Host) Resume(_ context.Context, id int64) error {
	return h.setPaused(id, false)
}

func (h *Host) setPaused(id int64, paused bool) error {
	h.mu.Lock()
	t, ok := h.transfers[id]
	if !ok {
		h.mu.Unlock()
		return host.ErrNotFound
	}
	if t.Paused == paused || t.State != host.StateInProgress {
		h.mu.Unlock()
		return nil
	}
	t.Paused = paused
	ev := host.Delta{TransferID: id, Token: t.Request.Token, URL: t.Request.URL, Paused: host.BoolPtr(paused)}
	h.mu.Unlock()

	h.emit(ev)
	return nil
}

// Erase implements host.Host.
func (h *Host) Erase(_ context.Context, id int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.transfers[id]; !ok {
		return host.ErrNotFound
	}
	delete(h.transfers, id)
	return nil
}

// Exists implements host.Host.
func (h *Host) Exists(_ context.Context, id int64) (bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.transfers[id]
	return ok, nil
}

// Complete finishes a transfer successfully.
func (h *Host) Complete(id int64) error {
	h.mu.Lock()
	t, ok := h.transfers[id]
	if !ok {
		h.mu.Unlock()
		return host.ErrNotFound
	}
	t.State = host.StateComplete
	ev := host.Delta{TransferID: id, Token: t.Request.Token, URL: t.Request.URL, State: host.StatePtr(host.StateComplete)}
	h.mu.Unlock()

	h.emit(ev)
	return nil
}

// Fail interrupts a transfer with reason.
func (h *Host) Fail(id int64, reason host.Reason) error {
	h.mu.Lock()
	t, ok := h.transfers[id]
	if !ok {
		h.mu.Unlock()
		return host.ErrNotFound
	}
	t.State = host.StateInterrupted
	t.Error = reason
	ev := host.Delta{
		TransferID: id,
		Token:      t.Request.Token,
		URL:        t.Request.URL,
		State:      host.StatePtr(host.StateInterrupted),
		Error:      host.ReasonPtr(reason),
	}
	h.mu.Unlock()

	h.emit(ev)
	return nil
}

// Rename fires a filename change, as a host does after uniquifying.
func (h *Host) Rename(id int64, filename string) error {
	h.mu.Lock()
	t, ok := h.transfers[id]
	if !ok {
		h.mu.Unlock()
		return host.ErrNotFound
	}
	t.Filename = filename
	ev := host.Delta{TransferID: id, Token: t.Request.Token, URL: t.Request.URL, Filename: host.StringPtr(filename)}
	h.mu.Unlock()

	h.emit(ev)
	return nil
}

// Forget drops a transfer without any event, as if the host lost it.
func (h *Host) Forget(id int64) {
	h.mu.Lock()
	delete(h.transfers, id)
	h.mu.Unlock()
}

// Get returns a copy of a live transfer.
func (h *Host) Get(id int64) (Transfer, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.transfers[id]
	if !ok {
		return Transfer{}, false
	}
	return *t, true
}

// Submitted returns every request ever accepted, in order.
func (h *Host) Submitted() []Transfer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Transfer(nil), h.submitted...)
}

// Live returns the ids of transfers still in progress.
func (h *Host) Live() []int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var ids []int64
	for id, t := range h.transfers {
		if t.State == host.StateInProgress {
			ids = append(ids, id)
		}
	}
	return ids
}

func (h *Host) emit(ev host.Delta) {
	h.mu.RLock()
	listeners := append([]host.Listener(nil), h.listeners...)
	h.mu.RUnlock()
	for _, l := range listeners {
		l.OnChanged(ev)
	}
}
