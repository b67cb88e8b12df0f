// Package lockmgr provides per-resource exclusive locks with priority
// ordering and preemptable "soft" holds.
//
// Every mutation of a Job and its Files happens while the Job's lock is held.
// A holder about to make a slow, irreversible call (submitting a transfer to
// the host) marks its hold as soft: a higher-priority caller arriving during
// that window is granted at once, and the original holder learns about it
// from Restore and re-verifies state before trusting its in-memory view.
package lockmgr

import (
	"context"
	"fmt"
	"sync"
)

// Kind names a family of lockable resources.
type Kind string

const (
	KindJob     Kind = "job"
	KindContent Kind = "content"
)

// Priority orders waiters. Higher values are served first.
type Priority int

const (
	PriorityNormal Priority = 0
	PriorityUser   Priority = 10
)

// Key returns the lock key for a resource.
func Key(kind Kind, id int64) string {
	return fmt.Sprintf("%s:%d", kind, id)
}

// Restore ends a soft hold. It reports false when nobody preempted the hold.
// Otherwise it waits until the lock is handed back to the original holder
// (ahead of every other waiter) and reports true. When ctx ends first the
// lock is not held and the error is returned.
type Restore func(ctx context.Context) (interrupted bool, err error)

// Manager hands out locks keyed by (Kind, id).
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	holder  *grant
	waiters []*waiter
}

type grant struct {
	priority    Priority
	soft        bool
	interrupted bool
	resume      *waiter
}

type waiter struct {
	priority Priority
	front    bool
	g        *grant
	ready    chan struct{}
	done     bool
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{
		entries: make(map[string]*entry),
	}
}

// Lock blocks until the caller holds (kind, id) or ctx ends.
func (m *Manager) Lock(ctx context.Context, kind Kind, id int64, priority Priority) error {
	key := Key(kind, id)
	g := &grant{priority: priority}

	m.mu.Lock()
	e := m.entryFor(key)
	if e.holder == nil {
		e.holder = g
		m.mu.Unlock()
		return nil
	}
	if e.holder.soft && priority > e.holder.priority {
		m.preempt(e, g)
		m.mu.Unlock()
		return nil
	}
	w := m.enqueue(e, priority, g)
	m.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		defer m.mu.Unlock()
		m.abandon(key, w)
		return ctx.Err()
	}
}

// Unlock releases (kind, id) and grants the next waiter.
func (m *Manager) Unlock(kind Kind, id int64) {
	key := Key(kind, id)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[key]; !ok {
		return
	}
	m.grantNext(key)
}

// Run executes fn while holding (kind, id).
func (m *Manager) Run(ctx context.Context, kind Kind, id int64, priority Priority, fn func(ctx context.Context) error) error {
	if err := m.Lock(ctx, kind, id, priority); err != nil {
		return err
	}
	defer m.Unlock(kind, id)
	return fn(ctx)
}

// MarkAsSoftLock declares the current hold on (kind, id) preemptable. Waiters
// already queued with a higher priority than the holder are granted at once.
// The returned Restore must be called before the holder touches the
// resource again.
func (m *Manager) MarkAsSoftLock(kind Kind, id int64) Restore {
	key := Key(kind, id)

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || e.holder == nil {
		return func(context.Context) (bool, error) { return false, nil }
	}

	h := e.holder
	h.soft = true

	if len(e.waiters) > 0 && !e.waiters[0].front && e.waiters[0].priority > h.priority {
		w := e.waiters[0]
		e.waiters = e.waiters[1:]
		m.preempt(e, w.g)
		w.done = true
		close(w.ready)
	}

	return func(ctx context.Context) (bool, error) {
		return m.restore(ctx, key, h)
	}
}

// Held reports whether anyone currently holds (kind, id).
func (m *Manager) Held(kind Kind, id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[Key(kind, id)]
	return ok && e.holder != nil
}

func (m *Manager) restore(ctx context.Context, key string, h *grant) (bool, error) {
	m.mu.Lock()
	h.soft = false
	if !h.interrupted || h.resume == nil {
		interrupted := h.interrupted
		m.mu.Unlock()
		return interrupted, nil
	}
	w := h.resume
	m.mu.Unlock()

	select {
	case <-w.ready:
		m.mu.Lock()
		h.resume = nil
		m.mu.Unlock()
		return true, nil
	case <-ctx.Done():
		m.mu.Lock()
		defer m.mu.Unlock()
		h.resume = nil
		m.abandon(key, w)
		return true, ctx.Err()
	}
}

// preempt hands the lock to g and reserves the head of the queue for the
// interrupted holder. Caller holds m.mu.
func (m *Manager) preempt(e *entry, g *grant) {
	old := e.holder
	old.soft = false
	old.interrupted = true
	old.resume = &waiter{
		priority: old.priority,
		front:    true,
		g:        old,
		ready:    make(chan struct{}),
	}
	e.waiters = append([]*waiter{old.resume}, e.waiters...)
	e.holder = g
}

// enqueue inserts a waiter behind every reserved slot and every waiter of
// equal or higher priority. Caller holds m.mu.
func (m *Manager) enqueue(e *entry, priority Priority, g *grant) *waiter {
	w := &waiter{
		priority: priority,
		g:        g,
		ready:    make(chan struct{}),
	}

	i := 0
	for i < len(e.waiters) && (e.waiters[i].front || e.waiters[i].priority >= priority) {
		i++
	}
	e.waiters = append(e.waiters, nil)
	copy(e.waiters[i+1:], e.waiters[i:])
	e.waiters[i] = w
	return w
}

// abandon withdraws a waiter whose context ended. If the grant raced the
// cancellation the lock is passed on. Caller holds m.mu.
func (m *Manager) abandon(key string, w *waiter) {
	e, ok := m.entries[key]
	if !ok {
		return
	}
	if w.done {
		if e.holder == w.g {
			m.grantNext(key)
		}
		return
	}
	for i, other := range e.waiters {
		if other == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			break
		}
	}
	if e.holder == nil && len(e.waiters) == 0 {
		delete(m.entries, key)
	}
}

// grantNext passes the lock to the head waiter or frees the entry. Caller
// holds m.mu.
func (m *Manager) grantNext(key string) {
	e := m.entries[key]
	if len(e.waiters) == 0 {
		delete(m.entries, key)
		return
	}
	w := e.waiters[0]
	e.waiters = e.waiters[1:]
	e.holder = w.g
	w.done = true
	close(w.ready)
}

func (m *Manager) entryFor(key string) *entry {
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	return e
}
