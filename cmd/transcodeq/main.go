package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/clipforge/transcodeq/internal/api"
	"github.com/clipforge/transcodeq/internal/api/handler"
	"github.com/clipforge/transcodeq/internal/artifact"
	"github.com/clipforge/transcodeq/internal/config"
	"github.com/clipforge/transcodeq/internal/engine"
	"github.com/clipforge/transcodeq/internal/queue"
	"github.com/clipforge/transcodeq/internal/repository"
	"github.com/clipforge/transcodeq/internal/runner"
	"github.com/clipforge/transcodeq/internal/scheduler"
	"github.com/clipforge/transcodeq/internal/service"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("transcodeq %s (built %s)\n", Version, BuildTime)
		os.Exit(0)
	}

	// Optional .env for local development
	godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("starting transcodeq",
		"version", Version,
		"build_time", BuildTime,
	)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.Engine.WorkDir, 0755); err != nil {
		logger.Error("failed to create work directory", "error", err)
		os.Exit(1)
	}

	// Record stores
	jobs, videos, closeStore, err := buildStores(cfg)
	if err != nil {
		logger.Error("failed to open record store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	// Transcoding engine
	eng, err := buildEngine(cfg)
	if err != nil {
		logger.Error("failed to initialize engine", "error", err)
		os.Exit(1)
	}

	// Artifact publication
	artifacts, err := buildArtifactStore(cfg)
	if err != nil {
		logger.Error("failed to initialize artifact store", "error", err)
		os.Exit(1)
	}

	// Scheduler and orchestration
	q := queue.New()
	run := runner.New(eng, artifacts, cfg.Engine.WorkDir, cfg.Engine.PollInterval, cfg.Worker.ProgressStep, logger)
	sched := scheduler.New(cfg.Worker, jobs, videos, q, run, logger)
	orch := service.NewOrchestrator(jobs, videos, q, sched, cfg.Worker, logger)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	if err := sched.Start(startCtx); err != nil {
		cancelStart()
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	cancelStart()

	// HTTP surface
	router := api.NewRouter(
		handler.NewVideoHandler(orch, logger),
		handler.NewJobHandler(orch, logger),
		handler.NewHealthHandler(orch),
		cfg.Server.APIKey,
	)

	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting new requests
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	// Stop workers; interrupted jobs go back to pending for the next
	// start's recovery pass.
	if err := sched.Shutdown(ctx); err != nil {
		logger.Error("scheduler shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
}

func buildStores(cfg *config.Config) (repository.JobStore, repository.VideoStore, func(), error) {
	switch cfg.Store.Backend {
	case "sqlite":
		store, err := repository.OpenSQLite(cfg.Store.Path)
		if err != nil {
			return nil, nil, nil, err
		}
		return repository.NewSQLiteJobStore(store), repository.NewSQLiteVideoStore(store),
			func() { store.Close() }, nil
	case "memory":
		return repository.NewMemoryJobStore(), repository.NewMemoryVideoStore(), func() {}, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func buildEngine(cfg *config.Config) (engine.Engine, error) {
	switch cfg.Engine.Backend {
	case "ffmpeg":
		return engine.NewFFmpegEngine(cfg.Engine.FFmpegPath, cfg.Engine.FFprobePath)
	case "remote":
		return engine.NewRemoteEngine(cfg.Engine.RemoteURL, cfg.Engine.RemoteToken), nil
	default:
		return nil, fmt.Errorf("unknown engine backend %q", cfg.Engine.Backend)
	}
}

func buildArtifactStore(cfg *config.Config) (artifact.Store, error) {
	switch cfg.Artifacts.Backend {
	case "local":
		return artifact.NewLocalStore(cfg.Artifacts.Dir, cfg.Artifacts.BaseURL)
	case "s3":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return artifact.NewS3Store(ctx, cfg.Artifacts.Bucket, cfg.Artifacts.Prefix, cfg.Artifacts.Region)
	default:
		return nil, fmt.Errorf("unknown artifacts backend %q", cfg.Artifacts.Backend)
	}
}
