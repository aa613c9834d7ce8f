package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/camdash/camdash/internal/backend"
	"github.com/camdash/camdash/internal/config"
	"github.com/camdash/camdash/internal/httpserver"
	"github.com/camdash/camdash/internal/metrics"
	"github.com/camdash/camdash/internal/stats"
	"github.com/camdash/camdash/internal/tasks"
	"github.com/camdash/camdash/internal/viewer"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting camdash",
		"listen_addr", cfg.ListenAddr,
		"backend_url", cfg.BackendURL,
		"mode", cfg.Mode,
		"cameras_per_page", cfg.CamerasPerPage,
		"session_max_retries", cfg.SessionMaxRetries,
		"session_retry_delay", cfg.SessionRetryDelay,
		"ice_servers", len(cfg.ICEServers),
		"signaling_url_override_set", cfg.SignalingURL != "",
		"redis_addr_set", cfg.RedisAddr != "",
	)

	m := metrics.New()
	collector := stats.NewCollector()
	backendClient := backend.NewClient(cfg.BackendURL, nil)

	grid := viewer.NewGrid(viewer.GridConfig{
		Backend:      backendClient,
		NewPeer:      viewer.NewPionFactory(cfg.ICEServers, collector, logger),
		SignalingURL: cfg.SignalingURL,
		PageSize:     cfg.CamerasPerPage,
		MaxRetries:   cfg.SessionMaxRetries,
		RetryDelay:   cfg.SessionRetryDelay,
		WriteTimeout: cfg.WSWriteTimeout,
		Logger:       logger,
		Metrics:      m,
		Stats:        collector,
	})

	store, err := newTaskStore(cfg, logger)
	if err != nil {
		logger.Error("failed to open task store", "err", err)
		os.Exit(1)
	}
	taskSvc := tasks.NewService(store, logger)

	commit, buildTime := resolveBuildInfo(buildCommit, buildTime)

	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: buildTime}, httpserver.Deps{
		Grid:    grid,
		Tasks:   taskSvc,
		Stats:   collector,
		Metrics: m,
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	if err := grid.Start(startCtx); err != nil {
		cancelStart()
		logger.Error("failed to start camera grid", "err", err)
		os.Exit(1)
	}
	cancelStart()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		grid.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	grid.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

// newTaskStore picks Redis when an address is configured, in-memory otherwise.
// The Redis connection is verified on startup so a bad address fails fast.
func newTaskStore(cfg config.Config, logger *slog.Logger) (tasks.Store, error) {
	if cfg.RedisAddr == "" {
		logger.Info("using in-memory task store")
		return tasks.NewMemoryStore(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	store := tasks.NewRedisStore(client, "camdash")

	pingCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}

	logger.Info("using redis task store", "addr", cfg.RedisAddr, "db", cfg.RedisDB)
	return store, nil
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
