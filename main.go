package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"querychat/agent"
	"querychat/dbpool"
	"querychat/logger"
	"querychat/ratelimit"
	"querychat/realtime"
	"querychat/workerpool"
)

func main() {
	storageDir := flag.String("storage-dir", "", "directory for config, logs, sessions and usage data (default: user config dir)")
	flag.Parse()

	if err := run(*storageDir); err != nil {
		fmt.Fprintf(os.Stderr, "querychat: %v\n", err)
		os.Exit(1)
	}
}

func run(storageDir string) error {
	log := logger.NewLogger()
	configService := NewConfigService(storageDir, log.Log)

	dir, err := configService.GetStorageDir()
	if err != nil {
		return err
	}
	if err := log.Init(filepath.Join(dir, "logs")); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: file logging disabled: %v\n", err)
	}
	defer log.Close()

	cfg, err := configService.GetConfig()
	if err != nil {
		return err
	}
	if cfg.SessionsDir == "" {
		cfg.SessionsDir = filepath.Join(dir, "sessions")
	}
	if cfg.WorkerBinPath == "" {
		cfg.WorkerBinPath = defaultWorkerBin()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbm := dbpool.New(dbpool.EngineSQLite, log.Log)

	limiter, err := ratelimit.NewService(dbm, filepath.Join(dir, "usage.db"),
		cfg.RateLimit.TokenLimit24h, cfg.RateLimit.WarnThresholdPct, log.Log)
	if err != nil {
		return fmt.Errorf("failed to initialize rate limiter: %v", err)
	}
	defer limiter.Close()

	pool := workerpool.New(workerpool.Config{
		PoolSize:       cfg.Pool.Size,
		MemoryLimitMB:  cfg.Pool.MemoryLimitMB,
		QueueDepth:     cfg.Pool.QueueDepth,
		WorkerBin:      cfg.WorkerBinPath,
		DefaultTimeout: time.Duration(cfg.Pool.QueryTimeoutSec) * time.Second,
		Logf:           log.Log,
	})
	if err := pool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %v", err)
	}
	defer pool.Shutdown(10 * time.Second)

	hub := realtime.NewHub(log.Log)
	defer hub.Close()

	chatModel, err := agent.NewChatModel(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize chat model: %v", err)
	}

	orchestrator := agent.NewOrchestrator(chatModel, pool, limiter, hub,
		cfg.PageSize, time.Duration(cfg.Pool.QueryTimeoutSec)*time.Second, log.Log)
	conversations := NewConversationService(cfg.SessionsDir)

	server := NewServer(orchestrator, conversations, limiter, pool, hub, log.Log)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Router(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Logf("Listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server failed: %v", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	log.Log("Shutdown complete")
	return nil
}

// defaultWorkerBin looks for the queryworker binary next to the server
// executable, falling back to PATH lookup.
func defaultWorkerBin() string {
	exe, err := os.Executable()
	if err != nil {
		return "queryworker"
	}
	candidate := filepath.Join(filepath.Dir(exe), "queryworker")
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	if _, err := os.Stat(candidate + ".exe"); err == nil {
		return candidate + ".exe"
	}
	return "queryworker"
}
