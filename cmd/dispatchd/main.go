// Command dispatchd runs the durable asynchronous task dispatcher: an HTTP
// API that persists tasks in Postgres and a worker pool that claims them,
// forwards each to its downstream service, and records the outcome.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"dispatchd/internal/async"
	"dispatchd/internal/config"
	"dispatchd/internal/dispatch"
	infratask "dispatchd/internal/infra/task"
	"dispatchd/internal/logging"
	serverhttp "dispatchd/internal/server/http"
	"dispatchd/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger.Info("starting dispatchd: port=%s workers=%d testing=%v", cfg.Port, cfg.WorkerCount, cfg.Testing)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("create database pool: %v", err)
	}
	defer pool.Close()

	store := infratask.NewPostgresStore(pool)
	if !cfg.Testing {
		if err := store.EnsureSchema(ctx); err != nil {
			log.Fatalf("ensure schema: %v", err)
		}
	}

	// Workers are suppressed in testing mode so tests can drive the queue
	// protocol directly.
	workersDone := make(chan error, 1)
	if cfg.Testing {
		workersDone <- nil
	} else {
		dispatcher := dispatch.NewHTTPDispatcher(cfg.Downstreams, cfg.DispatchTimeout)
		workerPool := worker.NewPool(cfg.WorkerCount, store, dispatcher, logger)
		if cfg.ReaperInterval > 0 {
			workerPool.EnableReaper(cfg.ReaperInterval, cfg.ReaperAfter)
		}
		async.Go(logger, "worker.pool", func() {
			workersDone <- workerPool.Run(ctx)
		})
	}

	router := serverhttp.NewRouter(store, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	async.Go(logger, "http.server", func() {
		logger.Info("server listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown: %v", err)
	}

	// Cancel the workers and wait for them to drain before the pool closes.
	cancel()
	if err := <-workersDone; err != nil {
		logger.Error("worker pool exited with error: %v", err)
	}

	logger.Info("stopped")
}
