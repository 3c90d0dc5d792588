package run

import (
	"context"
	"log/slog"
	"time"
)

// Processor handles execution of a claimed run.
type Processor interface {
	Process(ctx context.Context, r *Run) error
}

// WorkerPool claims and processes pending runs on a single goroutine, so
// each destination has at most one writer at a time.
type WorkerPool struct {
	repo         Repository
	processor    Processor
	notify       chan struct{}
	pollInterval time.Duration
}

func NewWorkerPool(repo Repository, processor Processor) *WorkerPool {
	return &WorkerPool{
		repo:         repo,
		processor:    processor,
		notify:       make(chan struct{}, 1),
		pollInterval: 5 * time.Second,
	}
}

// Notify wakes the worker to check for pending runs. Non-blocking.
func (wp *WorkerPool) Notify() {
	select {
	case wp.notify <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled and the current run has finished.
func (wp *WorkerPool) Run(ctx context.Context) {
	ticker := time.NewTicker(wp.pollInterval)
	defer ticker.Stop()

	for {
		// Drain all available pending runs before waiting.
		wp.drain(ctx)

		select {
		case <-ctx.Done():
			return
		case <-wp.notify:
		case <-ticker.C:
		}
	}
}

func (wp *WorkerPool) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		r, err := wp.repo.ClaimPending(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // shutting down
			}
			slog.Error("worker: claim pending", "error", err)
			return
		}
		if r == nil {
			return
		}

		slog.Info("worker: processing run", "run", r.ID, "instrument", r.Instrument, "source", r.SourcePath)

		if err := wp.processor.Process(ctx, r); err != nil {
			slog.Error("worker: process run", "run", r.ID, "error", err)
		}
	}
}
