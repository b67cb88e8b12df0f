// Package queue owns admission: the FIFO of accepted Jobs, the active set and
// the caps on concurrent work, plus the terminal bookkeeping for a Job and its
// Files.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/slipstream/grabber/internal/config"
	"github.com/slipstream/grabber/internal/host"
	"github.com/slipstream/grabber/internal/jobs"
	"github.com/slipstream/grabber/internal/lockmgr"
	"github.com/slipstream/grabber/internal/store"
)

// Outcome is the result of SubmitIntent.
type Outcome int

const (
	// OutcomeAccepted means a new Batch was created and queued.
	OutcomeAccepted Outcome = iota
	// OutcomeCancelled means the content was already downloading and the
	// running Jobs were stopped instead.
	OutcomeCancelled
)

func (o Outcome) String() string {
	if o == OutcomeCancelled {
		return "cancelled"
	}
	return "accepted"
}

// entry is one queue slot: a standalone Job or a series group in air order.
type entry struct {
	contentID int64
	group     bool
	ids       []int64
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Store    store.Store
	Host     host.Host
	Locks    *lockmgr.Manager
	Settings config.DownloadsConfig
	// OnSettled is called after a Job reached a terminal status.
	OnSettled func(job *jobs.Job)
}

// Controller is the queue controller.
type Controller struct {
	store     store.Store
	host      host.Host
	locks     *lockmgr.Manager
	settings  config.DownloadsConfig
	onSettled func(job *jobs.Job)
	logger    zerolog.Logger

	mu            sync.Mutex
	queue         []*entry
	active        map[int64]int64 // job id -> content id
	pendingCancel map[int64]jobs.Status

	cascades sync.WaitGroup
}

// New creates a Controller with an empty queue.
func New(deps Deps, logger *zerolog.Logger) *Controller {
	return &Controller{
		store:         deps.Store,
		host:          deps.Host,
		locks:         deps.Locks,
		settings:      deps.Settings,
		onSettled:     deps.OnSettled,
		logger:        logger.With().Str("component", "queue").Logger(),
		active:        make(map[int64]int64),
		pendingCancel: make(map[int64]jobs.Status),
	}
}

// SubmitIntent accepts an Intent. If the content already has unfinished
// Jobs they are stopped and OutcomeCancelled is returned; a second submit
// toggles the download off. Callers serialize submits per content id.
func (c *Controller) SubmitIntent(ctx context.Context, in *jobs.Intent) (Outcome, *jobs.Batch, error) {
	if err := in.Validate(); err != nil {
		return OutcomeAccepted, nil, err
	}

	running, err := c.unfinishedJobs(ctx, in.ContentID)
	if err != nil {
		return OutcomeAccepted, nil, err
	}
	if len(running) > 0 {
		c.logger.Info().Int64("contentId", in.ContentID).Int("jobs", len(running)).Msg("Content already downloading, stopping it")
		if err := c.Cancel(ctx, running, jobs.StatusStoppedByUser); err != nil {
			return OutcomeCancelled, nil, err
		}
		return OutcomeCancelled, nil, nil
	}

	newJobs := in.NewJobs()
	if len(newJobs) == 0 {
		return OutcomeAccepted, nil, fmt.Errorf("%w: no episodes in the selected range", jobs.ErrInvalidIntent)
	}

	sub := &store.Submission{
		Batch: &jobs.Batch{
			ContentID:  in.ContentID,
			VoiceTrack: in.VoiceTrack,
			Quality:    in.Quality,
			Subtitle:   in.Subtitle,
		},
		Jobs: newJobs,
		Registration: &jobs.SourceRegistration{
			ContentID:  in.ContentID,
			SourceType: in.SourceType,
			URL:        in.URL,
			Title:      in.Title,
		},
	}
	if err := c.store.CreateSubmission(ctx, sub); err != nil {
		return OutcomeAccepted, nil, fmt.Errorf("create submission: %w", err)
	}

	ids := append([]int64(nil), sub.Batch.JobIDs...)
	c.mu.Lock()
	c.queue = append(c.queue, &entry{contentID: in.ContentID, group: in.Kind == jobs.IntentSeries, ids: ids})
	c.mu.Unlock()

	c.logger.Info().
		Int64("contentId", in.ContentID).
		Int64("batchId", sub.Batch.ID).
		Int("jobs", len(ids)).
		Msg("Intent accepted")
	return OutcomeAccepted, sub.Batch, nil
}

// unfinishedJobs walks the content's batch history and returns the ids of
// Jobs that are not terminal.
func (c *Controller) unfinishedJobs(ctx context.Context, contentID int64) ([]int64, error) {
	reg, err := c.store.GetRegistration(ctx, contentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get registration: %w", err)
	}
	batches, err := c.store.ListBatchesByKeys(ctx, reg.BatchKeys)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}

	var ids []int64
	for _, b := range batches {
		list, err := c.store.ListJobsByBatch(ctx, b.ID)
		if err != nil {
			return nil, fmt.Errorf("list jobs of batch %d: %w", b.ID, err)
		}
		for _, j := range list {
			if !j.Status.IsTerminal() {
				ids = append(ids, j.ID)
			}
		}
	}
	return ids, nil
}

// NextAdmissible pops the first admissible Job and moves it into the active
// set. Groups whose content already has the per-series cap of active Jobs
// are skipped. It returns false when the queue is empty, everything is
// blocked, or the global cap is reached.
func (c *Controller) NextAdmissible() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.active) >= c.settings.MaxParallelDownloads {
		return 0, false
	}
	for i, e := range c.queue {
		if e.group && c.activeForContentLocked(e.contentID) >= c.settings.MaxParallelDownloadsEpisodes {
			continue
		}
		id := e.ids[0]
		e.ids = e.ids[1:]
		if len(e.ids) == 0 {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
		}
		c.active[id] = e.contentID
		return id, true
	}
	return 0, false
}

func (c *Controller) activeForContentLocked(contentID int64) int {
	n := 0
	for _, cid := range c.active {
		if cid == contentID {
			n++
		}
	}
	return n
}

// Activate puts a recovered in-flight Job straight into the active set.
func (c *Controller) Activate(jobID, contentID int64) {
	c.mu.Lock()
	c.active[jobID] = contentID
	c.mu.Unlock()
}

// Release drops a Job from the active set without touching its status.
func (c *Controller) Release(jobID int64) {
	c.mu.Lock()
	delete(c.active, jobID)
	c.mu.Unlock()
}

// IsActive reports whether a Job is in the active set.
func (c *Controller) IsActive(jobID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[jobID]
	return ok
}

// IsQueued reports whether a Job is waiting in the queue.
func (c *Controller) IsQueued(jobID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.queue {
		for _, id := range e.ids {
			if id == jobID {
				return true
			}
		}
	}
	return false
}

// removeQueued takes a Job out of the queue, reporting whether it was there.
func (c *Controller) removeQueued(jobID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.queue {
		for k, id := range e.ids {
			if id != jobID {
				continue
			}
			e.ids = append(e.ids[:k], e.ids[k+1:]...)
			if len(e.ids) == 0 {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
			}
			return true
		}
	}
	return false
}

// Restore re-enqueues recovered Candidate Jobs. Jobs of one Batch are kept
// together in air order; a Batch with episodes becomes a group entry.
func (c *Controller) Restore(list []*jobs.Job) {
	sorted := append([]*jobs.Job(nil), list...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].BatchID != sorted[j].BatchID {
			return sorted[i].BatchID < sorted[j].BatchID
		}
		a, b := sorted[i].Episode, sorted[j].Episode
		if a != nil && b != nil && *a != *b {
			return a.Less(*b)
		}
		return sorted[i].ID < sorted[j].ID
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	known := make(map[int64]bool)
	for _, e := range c.queue {
		for _, id := range e.ids {
			known[id] = true
		}
	}
	for id := range c.active {
		known[id] = true
	}

	var group *entry
	var groupBatch int64
	for _, j := range sorted {
		if known[j.ID] {
			continue
		}
		known[j.ID] = true
		if !j.IsSeries() {
			c.queue = append(c.queue, &entry{contentID: j.ContentID, ids: []int64{j.ID}})
			continue
		}
		if group == nil || groupBatch != j.BatchID {
			group = &entry{contentID: j.ContentID, group: true}
			groupBatch = j.BatchID
			c.queue = append(c.queue, group)
		}
		group.ids = append(group.ids, j.ID)
	}
}

// Snapshot is a point-in-time view of the queue.
type Snapshot struct {
	Entries []EntrySnapshot `json:"entries"`
	Active  []int64         `json:"active"`
}

// EntrySnapshot describes one queue slot.
type EntrySnapshot struct {
	ContentID int64   `json:"contentId"`
	Group     bool    `json:"group"`
	JobIDs    []int64 `json:"jobIds"`
}

// Snapshot returns the queue and the active set.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		Entries: make([]EntrySnapshot, 0, len(c.queue)),
		Active:  make([]int64, 0, len(c.active)),
	}
	for _, e := range c.queue {
		s.Entries = append(s.Entries, EntrySnapshot{
			ContentID: e.contentID,
			Group:     e.group,
			JobIDs:    append([]int64(nil), e.ids...),
		})
	}
	for id := range c.active {
		s.Active = append(s.Active, id)
	}
	sort.Slice(s.Active, func(i, j int) bool { return s.Active[i] < s.Active[j] })
	return s
}

// ActiveFiles returns the Files of every Job in the active set.
func (c *Controller) ActiveFiles(ctx context.Context) ([]*jobs.File, error) {
	c.mu.Lock()
	ids := make([]int64, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	var out []*jobs.File
	for _, id := range ids {
		files, err := c.store.ListFilesByJob(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("list files of job %d: %w", id, err)
		}
		out = append(out, files...)
	}
	return out, nil
}

// TakePendingCancel returns and clears the cancel cause recorded for a File
// whose transfer was cancelled on purpose.
func (c *Controller) TakePendingCancel(fileID int64) (jobs.Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cause, ok := c.pendingCancel[fileID]
	delete(c.pendingCancel, fileID)
	return cause, ok
}

// Wait blocks until background cascades have finished.
func (c *Controller) Wait() {
	c.cascades.Wait()
}
