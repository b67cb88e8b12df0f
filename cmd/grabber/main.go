package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/joho/godotenv"

	"github.com/slipstream/grabber/internal/api"
	"github.com/slipstream/grabber/internal/auth"
	"github.com/slipstream/grabber/internal/config"
	"github.com/slipstream/grabber/internal/database"
	"github.com/slipstream/grabber/internal/engine"
	"github.com/slipstream/grabber/internal/host/local"
	"github.com/slipstream/grabber/internal/lockmgr"
	"github.com/slipstream/grabber/internal/logger"
	"github.com/slipstream/grabber/internal/naming"
	"github.com/slipstream/grabber/internal/notify"
	"github.com/slipstream/grabber/internal/scheduler"
	"github.com/slipstream/grabber/internal/site"
	"github.com/slipstream/grabber/internal/site/html5"
	"github.com/slipstream/grabber/internal/site/streamjson"
	"github.com/slipstream/grabber/internal/store"
	"github.com/slipstream/grabber/internal/websocket"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "grabber: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to config file")
	envFile := flag.String("env", ".env", "Path to an optional .env file")
	hashPassword := flag.String("hash-password", "", "Print the bcrypt hash of a password for auth.password_hash and exit")
	flag.Parse()

	if *hashPassword != "" {
		hash, err := auth.HashPassword(*hashPassword)
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", *envFile, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Path:       cfg.Logging.Path,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	defer log.Close()

	log.Info().
		Str("version", config.Version).
		Str("logLevel", cfg.Logging.Level).
		Msg("starting grabber")

	if dir := filepath.Dir(cfg.Database.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
	}

	// One daemon per database; a second instance would fight over transfers.
	lock := flock.New(cfg.Database.Path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another grabber is already running on %s", cfg.Database.Path)
	}
	defer func() { _ = lock.Unlock() }()

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	log.Info().Msg("running database migrations")
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	defs, err := site.LoadDefinitions(cfg.Sites.DefinitionsPath)
	if err != nil {
		return err
	}
	httpClient := &http.Client{Timeout: 30 * time.Second}
	sites := site.NewRegistry(defs, site.RegistryConfig{
		Client:    httpClient,
		UserAgent: cfg.Sites.UserAgent,
	}, &log.Logger)
	sites.RegisterFamily("streamjson", streamjson.New)
	sites.RegisterFamily("html5", html5.New)

	transfers := local.New(local.Config{
		Dir:       cfg.Downloads.Directory,
		UserAgent: cfg.Sites.UserAgent,
	}, &log.Logger)
	defer func() { _ = transfers.Close() }()

	sched, err := scheduler.New(log.Logger)
	if err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return err
	}
	defer func() { _ = sched.Stop() }()

	notifications := notify.NewFromConfig(cfg.Notifications, httpClient, log.Logger)
	defer notifications.Wait()

	st := store.New(db.Conn())
	hub := websocket.NewHub(nil, log.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go hub.Run(ctx)

	eng, err := engine.New(ctx, engine.Deps{
		Store:       st,
		Host:        transfers,
		Sites:       sites,
		Scheduler:   sched,
		Locks:       lockmgr.New(),
		Notifier:    notifications,
		Broadcaster: hub,
		Permission:  engine.StaticPermission(cfg.Recovery.OnStartup != "cancel"),
		Settings:    cfg.Downloads,
		Naming: naming.Options{
			Template:         cfg.Naming.Template,
			ReplaceSpaces:    cfg.Naming.ReplaceSpaces,
			SpaceReplacement: cfg.Naming.SpaceReplacement,
			SeriesFolders:    cfg.Naming.SeriesFolders,
			RootFolder:       cfg.Naming.RootFolder,
		},
	}, &log.Logger)
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer eng.Close()
	hub.SetSnapshot(func() any { return eng.Snapshot() })

	server := api.NewServer(api.Deps{
		Engine:    eng,
		Store:     st,
		Hub:       hub,
		Auth:      auth.NewService(cfg.Auth),
		Guard:     auth.NewGuard(cfg.Auth),
		Scheduler: sched,
		Logs:      log,
	}, log.Logger)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.Server.Address()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("received shutdown signal")
	case err := <-errCh:
		log.Error().Err(err).Msg("HTTP server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}

	log.Info().Msg("grabber stopped")
	return nil
}
