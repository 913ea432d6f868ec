// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flyingrobots/vk-collector/internal/archive"
	"github.com/flyingrobots/vk-collector/internal/config"
	"github.com/flyingrobots/vk-collector/internal/eventhooks"
	"github.com/flyingrobots/vk-collector/internal/httpapi"
	"github.com/flyingrobots/vk-collector/internal/obs"
	"github.com/flyingrobots/vk-collector/internal/pruner"
	"github.com/flyingrobots/vk-collector/internal/queue"
	"github.com/flyingrobots/vk-collector/internal/reclaimer"
	"github.com/flyingrobots/vk-collector/internal/redisclient"
	"github.com/flyingrobots/vk-collector/internal/store"
	"github.com/flyingrobots/vk-collector/internal/taskservice"
	"github.com/flyingrobots/vk-collector/internal/upstream"
	"github.com/flyingrobots/vk-collector/internal/worker"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: api|worker|all")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	st, err := store.Open(store.Config{
		DSN:             cfg.Postgres.DSN,
		MaxOpenConns:    cfg.Postgres.MaxOpenConns,
		MaxIdleConns:    cfg.Postgres.MaxIdleConns,
		ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
	})
	if err != nil {
		logger.Fatal("failed to open store", obs.Err(err))
	}
	defer st.Close()

	q := queue.New(rdb, cfg.Queue.KeyPrefix)
	svc := taskservice.New(cfg, st, q, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	readyCheck := func(c context.Context) error {
		if _, err := rdb.Ping(c).Result(); err != nil {
			return err
		}
		return nil
	}
	metricsSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = metricsSrv.Shutdown(context.Background()) }()

	obs.StartQueueDepthUpdater(ctx, cfg, q, logger)

	switch role {
	case "api":
		runAPI(ctx, cfg, svc, logger)
	case "worker":
		runWorker(ctx, cfg, rdb, q, st, logger)
	case "all":
		go runAPI(ctx, cfg, svc, logger)
		runWorker(ctx, cfg, rdb, q, st, logger)
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

func runAPI(ctx context.Context, cfg *config.Config, svc *taskservice.Service, logger *zap.Logger) {
	srv := httpapi.New(cfg, svc, logger)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Start(); err != nil {
		logger.Warn("http api stopped", obs.Err(err))
	}
}

func runWorker(ctx context.Context, cfg *config.Config, rdb *redis.Client, q *queue.Queue, st *store.Store, logger *zap.Logger) {
	up := upstream.New(cfg.Upstream)
	hooks := eventhooks.New(cfg.EventHooks, logger)
	defer hooks.Close()

	ar, err := archive.New(cfg.Archive, st, logger)
	if err != nil {
		logger.Warn("archive init failed, disabling archive sinks", obs.Err(err))
		ar = nil
	}
	if ar != nil {
		defer ar.Close()
	}

	rc := reclaimer.New(cfg, rdb, q, cfg.Queue.KeyPrefix, logger)
	go rc.Run(ctx)

	pr := pruner.New(cfg.Pruner, st, logger)
	if err := pr.Start(ctx); err != nil {
		logger.Warn("pruner start failed", obs.Err(err))
	}
	defer pr.Stop()

	w := worker.New(cfg, rdb, q, st, up, hooks, ar, logger)
	if err := w.Run(ctx); err != nil {
		logger.Fatal("worker error", obs.Err(err))
	}
}
