package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/slipstream/grabber/internal/scheduler"
)

// SchedulerHandler exposes the recurring tasks, such as the transfer
// reconcile, over HTTP.
type SchedulerHandler struct {
	scheduler *scheduler.Scheduler
}

// NewSchedulerHandler creates a new scheduler handler.
func NewSchedulerHandler(sched *scheduler.Scheduler) *SchedulerHandler {
	return &SchedulerHandler{scheduler: sched}
}

// RegisterRoutes mounts the task routes on g.
func (h *SchedulerHandler) RegisterRoutes(g *echo.Group) {
	g.GET("", h.ListTasks)
	g.GET("/:id", h.GetTask)
	g.POST("/:id/run", h.RunTask)
}

// ListTasks returns all scheduled tasks.
// GET /api/v1/scheduler/tasks
func (h *SchedulerHandler) ListTasks(c echo.Context) error {
	tasks := h.scheduler.ListTasks()
	if tasks == nil {
		tasks = []scheduler.TaskInfo{}
	}
	return c.JSON(http.StatusOK, tasks)
}

// GetTask returns information about a specific task.
// GET /api/v1/scheduler/tasks/:id
func (h *SchedulerHandler) GetTask(c echo.Context) error {
	task, err := h.scheduler.GetTask(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, task)
}

// RunTask triggers a task outside its schedule.
// POST /api/v1/scheduler/tasks/:id/run
func (h *SchedulerHandler) RunTask(c echo.Context) error {
	taskID := c.Param("id")
	if _, err := h.scheduler.GetTask(taskID); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err := h.scheduler.RunNow(taskID); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]string{"taskId": taskID})
}
