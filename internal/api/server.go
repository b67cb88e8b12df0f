//nolint:revive // Package name 'api' is intentionally generic for the HTTP API layer
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/slipstream/grabber/internal/api/handlers"
	"github.com/slipstream/grabber/internal/auth"
	"github.com/slipstream/grabber/internal/config"
	"github.com/slipstream/grabber/internal/jobs"
	"github.com/slipstream/grabber/internal/queue"
	"github.com/slipstream/grabber/internal/scheduler"
	"github.com/slipstream/grabber/internal/websocket"
)

// Engine is the orchestration surface the API drives.
type Engine interface {
	Submit(ctx context.Context, in *jobs.Intent) (queue.Outcome, *jobs.Batch, error)
	Cancel(ctx context.Context, jobIDs []int64) error
	Pause(ctx context.Context, jobID int64) error
	Resume(ctx context.Context, jobID int64) error
	Snapshot() queue.Snapshot
}

// Store is the read side of persistence the API needs.
type Store interface {
	GetJob(ctx context.Context, id int64) (*jobs.Job, error)
	ListJobsByStatus(ctx context.Context, statuses ...jobs.Status) ([]*jobs.Job, error)
	ListJobsByContent(ctx context.Context, contentID int64) ([]*jobs.Job, error)
	ListFilesByJob(ctx context.Context, jobID int64) ([]*jobs.File, error)
	GetRegistration(ctx context.Context, contentID int64) (*jobs.SourceRegistration, error)
	ListBatchesByKeys(ctx context.Context, keys []int64) ([]*jobs.Batch, error)
}

// Deps are the collaborators of the Server. Scheduler, Logs and Hub are
// optional.
type Deps struct {
	Engine    Engine
	Store     Store
	Hub       *websocket.Hub
	Auth      *auth.Service
	Guard     *auth.Guard
	Scheduler *scheduler.Scheduler
	Logs      LogsProvider
}

// Server handles HTTP requests for the grabber API.
type Server struct {
	echo      *echo.Echo
	engine    Engine
	store     Store
	hub       *websocket.Hub
	auth      *auth.Service
	sched     *scheduler.Scheduler
	logs      LogsProvider
	guard     *auth.Guard
	logger    zerolog.Logger
	startedAt time.Time
	bg        context.Context
	stop      context.CancelFunc
}

// NewServer creates a new API server instance.
func NewServer(deps Deps, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:      e,
		engine:    deps.Engine,
		store:     deps.Store,
		hub:       deps.Hub,
		auth:      deps.Auth,
		guard:     deps.Guard,
		sched:     deps.Scheduler,
		logs:      deps.Logs,
		logger:    logger.With().Str("component", "api").Logger(),
		startedAt: time.Now(),
	}
	if s.auth == nil {
		s.auth = auth.NewService(config.AuthConfig{})
	}
	if s.guard == nil {
		s.guard = auth.NewGuard(config.AuthConfig{})
	}
	s.bg, s.stop = context.WithCancel(context.Background())

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures Echo middleware.
func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestID())
	s.echo.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		Skipper:               isWebSocket,
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		ReferrerPolicy:        "no-referrer",
	}))
	s.echo.Use(noStore)

	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogMethod:   true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Err(v.Error).
					Msg("request error")
			} else {
				s.logger.Debug().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Msg("request")
			}
			return nil
		},
	}))

	s.echo.Use(middleware.GzipWithConfig(middleware.GzipConfig{
		Level:   5,
		Skipper: isWebSocket,
	}))
}

func isWebSocket(c echo.Context) bool {
	return strings.EqualFold(c.Request().Header.Get(echo.HeaderUpgrade), "websocket")
}

// noStore keeps job and queue state out of HTTP caches.
func noStore(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if strings.HasPrefix(c.Request().URL.Path, "/api/") && !isWebSocket(c) {
			c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
		}
		return next(c)
	}
}

// setupRoutes configures API routes.
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)

	api := s.echo.Group("/api/v1")
	auth.NewHandlers(s.auth, s.guard).RegisterRoutes(api.Group("/auth"))

	protected := api.Group("", s.auth.Middleware())
	protected.GET("/status", s.getStatus)

	protected.POST("/intents", s.submitIntent)
	protected.GET("/jobs", s.listJobs)
	protected.GET("/jobs/:id", s.getJob)
	protected.POST("/jobs/cancel", s.cancelJobs)
	protected.POST("/jobs/:id/pause", s.pauseJob)
	protected.POST("/jobs/:id/resume", s.resumeJob)
	protected.GET("/queue", s.getQueue)
	protected.GET("/sources/:contentId", s.getSource)

	if s.hub != nil {
		protected.GET("/ws", s.hub.HandleWebSocket)
	}
	if s.sched != nil {
		handlers.NewSchedulerHandler(s.sched).RegisterRoutes(protected.Group("/scheduler/tasks"))
	}
	if s.logs != nil {
		NewLogsHandlers(s.logs).RegisterRoutes(protected.Group("/logs"))
	}
}

// Start begins listening for HTTP requests.
func (s *Server) Start(address string) error {
	s.logger.Info().Str("address", address).Msg("starting HTTP server")
	s.guard.Run(s.bg, 5*time.Minute)
	return s.echo.Start(address)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")
	s.stop()
	return s.echo.Shutdown(ctx)
}

// Echo returns the underlying Echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
