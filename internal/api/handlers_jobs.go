package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/slipstream/grabber/internal/engine"
	"github.com/slipstream/grabber/internal/jobs"
	"github.com/slipstream/grabber/internal/queue"
	"github.com/slipstream/grabber/internal/store"
)

// SubmitResponse is returned by POST /api/v1/intents.
type SubmitResponse struct {
	Outcome string      `json:"outcome"`
	Batch   *jobs.Batch `json:"batch,omitempty"`
}

// JobDetail is a Job with its Files.
type JobDetail struct {
	*jobs.Job
	Files []*jobs.File `json:"files"`
}

// CancelRequest is the body of POST /api/v1/jobs/cancel.
type CancelRequest struct {
	JobIDs []int64 `json:"jobIds"`
}

// SourceResponse is returned by GET /api/v1/sources/:contentId.
type SourceResponse struct {
	Registration *jobs.SourceRegistration `json:"registration"`
	Batches      []*jobs.Batch            `json:"batches"`
	Jobs         []*jobs.Job              `json:"jobs"`
}

// httpError maps domain errors to status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, jobs.ErrInvalidIntent):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrInvalidState), errors.Is(err, jobs.ErrIllegalTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrNotReady):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func pathID(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// submitIntent accepts a download Intent. Submitting content that is still
// downloading stops it instead.
// POST /api/v1/intents
func (s *Server) submitIntent(c echo.Context) error {
	var in jobs.Intent
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	out, batch, err := s.engine.Submit(c.Request().Context(), &in)
	if err != nil {
		return httpError(err)
	}

	status := http.StatusAccepted
	if out == queue.OutcomeCancelled {
		status = http.StatusOK
	}
	return c.JSON(status, SubmitResponse{Outcome: out.String(), Batch: batch})
}

// listJobs returns Jobs, optionally filtered by ?status=a,b and ?contentId=.
// GET /api/v1/jobs
func (s *Server) listJobs(c echo.Context) error {
	ctx := c.Request().Context()

	var statuses []jobs.Status
	if raw := c.QueryParam("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := jobs.Status(strings.TrimSpace(part))
			if !st.IsValid() {
				return echo.NewHTTPError(http.StatusBadRequest, "unknown status "+string(st))
			}
			statuses = append(statuses, st)
		}
	}

	var (
		list []*jobs.Job
		err  error
	)
	if raw := c.QueryParam("contentId"); raw != "" {
		contentID, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid contentId")
		}
		list, err = s.store.ListJobsByContent(ctx, contentID)
		list = filterStatus(list, statuses)
	} else {
		list, err = s.store.ListJobsByStatus(ctx, statuses...)
	}
	if err != nil {
		return httpError(err)
	}
	if list == nil {
		list = []*jobs.Job{}
	}
	return c.JSON(http.StatusOK, list)
}

func filterStatus(list []*jobs.Job, statuses []jobs.Status) []*jobs.Job {
	if len(statuses) == 0 {
		return list
	}
	out := list[:0]
	for _, j := range list {
		for _, st := range statuses {
			if j.Status == st {
				out = append(out, j)
				break
			}
		}
	}
	return out
}

// getJob returns a Job with its Files.
// GET /api/v1/jobs/:id
func (s *Server) getJob(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return httpError(err)
	}
	files, err := s.store.ListFilesByJob(ctx, id)
	if err != nil {
		return httpError(err)
	}
	if files == nil {
		files = []*jobs.File{}
	}
	return c.JSON(http.StatusOK, JobDetail{Job: job, Files: files})
}

// cancelJobs stops Jobs on behalf of the user.
// POST /api/v1/jobs/cancel
func (s *Server) cancelJobs(c echo.Context) error {
	var req CancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.JobIDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "jobIds is required")
	}
	if err := s.engine.Cancel(c.Request().Context(), req.JobIDs); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]any{"cancelled": req.JobIDs})
}

// pauseJob pauses a running Job.
// POST /api/v1/jobs/:id/pause
func (s *Server) pauseJob(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if err := s.engine.Pause(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "pausing"})
}

// resumeJob resumes a paused Job.
// POST /api/v1/jobs/:id/resume
func (s *Server) resumeJob(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if err := s.engine.Resume(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "resuming"})
}

// getQueue returns the queue and the active set.
// GET /api/v1/queue
func (s *Server) getQueue(c echo.Context) error {
	return c.JSON(http.StatusOK, s.engine.Snapshot())
}

// getSource returns the source registration of a content id with its
// Batches and Jobs.
// GET /api/v1/sources/:contentId
func (s *Server) getSource(c echo.Context) error {
	contentID, err := pathID(c, "contentId")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	reg, err := s.store.GetRegistration(ctx, contentID)
	if err != nil {
		return httpError(err)
	}
	batches, err := s.store.ListBatchesByKeys(ctx, reg.BatchKeys)
	if err != nil {
		return httpError(err)
	}
	list, err := s.store.ListJobsByContent(ctx, contentID)
	if err != nil {
		return httpError(err)
	}
	if batches == nil {
		batches = []*jobs.Batch{}
	}
	if list == nil {
		list = []*jobs.Job{}
	}
	return c.JSON(http.StatusOK, SourceResponse{Registration: reg, Batches: batches, Jobs: list})
}
