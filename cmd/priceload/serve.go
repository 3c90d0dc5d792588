package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ahmethakanbesel/priceload/internal/config"
	"github.com/ahmethakanbesel/priceload/internal/run"
	"github.com/ahmethakanbesel/priceload/internal/server"
)

const shutdownTimeout = 10 * time.Second

func runServe(ctx context.Context, cfg config.Config, stderr io.Writer) int {
	a, err := openApp(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "open database: %v\n", err)
		return 1
	}
	defer func() { _ = a.Close() }()

	runSvc := run.NewService(a.runs, run.WithIngestDir(cfg.IngestDir), run.WithSinks(cfg.Sinks))
	pool := run.NewWorkerPool(a.runs, a.ingest)
	runSvc.SetNotify(pool.Notify)

	// ctx is the base context of every request, so cancelling it on a
	// signal winds down in-flight handlers as well as the worker.
	srv := server.New(ctx, cfg.Port, a.price, runSvc)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		work(gctx, runSvc, pool)
		return nil
	})

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		return 1
	}
	slog.Info("server stopped")
	return 0
}

// work re-queues runs interrupted by a previous shutdown, then runs the
// worker until ctx is done. Recovery completes before the first claim.
func work(ctx context.Context, runSvc *run.Service, pool *run.WorkerPool) {
	if err := runSvc.RecoverStaleRuns(ctx); err != nil {
		slog.Error("failed to recover stale runs", "error", err)
	}
	pool.Run(ctx)
}
