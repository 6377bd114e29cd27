package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"snapshot-renderer/internal/archive"
	"snapshot-renderer/internal/config"
	"snapshot-renderer/internal/queue"
	"snapshot-renderer/internal/renderer"
	"snapshot-renderer/internal/store"
	"snapshot-renderer/internal/telemetry"
	workerproc "snapshot-renderer/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	q := queue.New(cfg)

	pool := renderer.NewPool(cfg.PoolSize, renderer.RodLauncher(cfg), renderer.PoolOptions{
		HealthCheckTimeout:  cfg.HealthCheckTimeout,
		BrowserCloseTimeout: cfg.BrowserCloseTimeout,
	})
	if err := pool.Initialize(ctx); err != nil {
		log.Fatalf("init renderer pool: %v", err)
	}

	orchestrator := workerproc.NewOrchestrator(cfg, st, pool, renderer.NewRenderer(cfg, nil), nil)
	orchestrator.SetProgressReporter(func(ctx context.Context, jobID string, progress int) {
		_ = q.SetProgress(ctx, jobID, progress)
	})

	exporter, err := archive.New(ctx, cfg)
	if err != nil {
		log.Fatalf("init archive exporter: %v", err)
	}
	if exporter != nil {
		orchestrator.SetArchiver(exporter)
	}

	processor := workerproc.NewProcessor(cfg, q, orchestrator.Process, nil)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				telemetry.PoolBusyGauge.Set(float64(pool.Stats().BusySlots))
			}
		}
	}()

	log.Printf("worker started with pool=%d concurrency=%d visibility=%s",
		cfg.PoolSize, cfg.WorkerConcurrency, cfg.VisibilityTimeout)
	if err := processor.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.BrowserCloseTimeout+5*time.Second)
	defer cancelShutdown()
	pool.Shutdown(shutdownCtx)
}
