package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/rendis/dynsched/internal/controller"
	"github.com/rendis/dynsched/internal/driver"
	"github.com/rendis/dynsched/internal/engine"
	"github.com/rendis/dynsched/internal/logging"
	"github.com/rendis/dynsched/internal/operation"
	"github.com/rendis/dynsched/internal/services"
	"github.com/rendis/dynsched/internal/store"
	"github.com/rendis/dynsched/internal/streaming"
	"github.com/rendis/dynsched/pkg/mcp"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := loadConfig(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	if cfg.ShowVersion {
		printVersion()
		return nil
	}

	// stdout carries the MCP stdio transport; logs go to stderr.
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	handler, err := logging.NewHandler(cfg.LogFormat, level, os.Stderr)
	if err != nil {
		return err
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	rt, err := openRuntime(cfg)
	if err != nil {
		return err
	}

	reg := operation.NewRegistry()
	if err := services.Register(reg, rt, services.Config{StepTimeout: time.Duration(cfg.StepTimeout)}); err != nil {
		return err
	}

	hub := streaming.NewMemoryHub()
	eng := engine.New(reg, st, engine.Config{
		StepTimeout: time.Duration(cfg.StepTimeout),
		PoolSize:    cfg.PoolSize,
		Logger:      logger,
		Hub:         hub,
	})
	if n, err := eng.Recover(ctx); err != nil {
		logger.Error("recover schedules", slog.Any("error", err))
	} else if n > 0 {
		logger.Info("recovered schedules", slog.Int("count", n))
	}

	ctrl := controller.New(st, eng, controller.Config{
		ReconcileEvery: time.Duration(cfg.ReconcileEvery),
		Logger:         logger,
		Hub:            hub,
	})
	controller.NewStatusMonitor(ctrl, rt, controller.MonitorConfig{
		PollEvery:   time.Duration(cfg.PollEvery),
		PollTimeout: time.Duration(cfg.PollTimeout),
	})
	if err := ctrl.Start(ctx); err != nil {
		return err
	}

	srv := mcp.NewServer(mcp.ServerDeps{
		Scheduler:  eng,
		Reconciler: ctrl,
		Hub:        hub,
		Logger:     logger,
		Version:    version,
	})
	logger.Info("dynsched started",
		slog.String("version", version),
		slog.String("store", cfg.Store),
		slog.Int("pool_size", cfg.PoolSize),
	)
	serveErr := srv.Serve(ctx)

	ctrl.Stop()
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := eng.Shutdown(sctx); err != nil {
		logger.Error("engine shutdown", slog.Any("error", err))
	}
	logger.Info("dynsched stopped", slog.Uint64("events_dropped", hub.Dropped()))

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	return nil
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	switch cfg.Store {
	case storeLibSQL:
		dir := filepath.Dir(cfg.DBPath)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
		s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	case storeRedis:
		s, err := store.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return store.NewMemoryStore(), nil
	}
}

func openRuntime(cfg Config) (driver.Runtime, error) {
	if cfg.RuntimeURL == "" {
		return driver.NewMemoryRuntime(), nil
	}
	rt, err := driver.NewHTTPRuntime(driver.HTTPConfig{
		BaseURL: cfg.RuntimeURL,
		Token:   cfg.RuntimeToken,
		Timeout: time.Duration(cfg.PollTimeout),
	})
	if err != nil {
		return nil, err
	}
	return rt, nil
}
