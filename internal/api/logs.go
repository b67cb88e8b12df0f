package api

import (
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
)

// LogsProvider provides access to the rotating log file.
type LogsProvider interface {
	FilePath() string
}

// LogsHandlers handles log-related HTTP endpoints.
type LogsHandlers struct {
	provider LogsProvider
}

// NewLogsHandlers creates a new logs handlers instance.
func NewLogsHandlers(provider LogsProvider) *LogsHandlers {
	return &LogsHandlers{provider: provider}
}

// RegisterRoutes registers log routes on the given group.
func (h *LogsHandlers) RegisterRoutes(g *echo.Group) {
	g.GET("/download", h.DownloadLogFile)
}

// DownloadLogFile serves the current log file for download.
func (h *LogsHandlers) DownloadLogFile(c echo.Context) error {
	logPath := h.provider.FilePath()
	if logPath == "" {
		return echo.NewHTTPError(http.StatusNotFound, "no log file configured")
	}

	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		return echo.NewHTTPError(http.StatusNotFound, "log file not found")
	}

	return c.Attachment(logPath, "grabber.log")
}
