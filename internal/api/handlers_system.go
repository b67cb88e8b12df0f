package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/slipstream/grabber/internal/config"
)

func (s *Server) healthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// getStatus reports version, uptime and queue counters.
// GET /api/v1/status
func (s *Server) getStatus(c echo.Context) error {
	snap := s.engine.Snapshot()
	queued := 0
	for _, e := range snap.Entries {
		queued += len(e.JobIDs)
	}

	clients := 0
	if s.hub != nil {
		clients = s.hub.ClientCount()
	}

	return c.JSON(http.StatusOK, map[string]any{
		"version":      config.Version,
		"startTime":    s.startedAt.UTC().Format(time.RFC3339),
		"uptime":       time.Since(s.startedAt).Round(time.Second).String(),
		"activeJobs":   len(snap.Active),
		"queuedJobs":   queued,
		"wsClients":    clients,
		"requiresAuth": s.auth.Enabled(),
	})
}
