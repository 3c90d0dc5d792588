// Package ingest runs the pipeline for a run and records the outcome in the
// run ledger.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/ahmethakanbesel/priceload/internal/checksum"
	"github.com/ahmethakanbesel/priceload/internal/loader"
	"github.com/ahmethakanbesel/priceload/internal/normalize"
	"github.com/ahmethakanbesel/priceload/internal/pipeline"
	"github.com/ahmethakanbesel/priceload/internal/price"
	"github.com/ahmethakanbesel/priceload/internal/run"
)

type Config struct {
	Pipeline pipeline.Config
	Policy   normalize.Policy
	// Sinks is used for runs that do not name their own sinks.
	Sinks []string
}

type Service struct {
	runs   run.Repository
	opener SinkOpener
	cfg    Config
	logger *slog.Logger
}

var _ run.Processor = (*Service)(nil)

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

func NewService(runs run.Repository, opener SinkOpener, cfg Config, opts ...Option) *Service {
	s := &Service{
		runs:   runs,
		opener: opener,
		cfg:    cfg,
		logger: slog.Default(),
	}
	if s.cfg.Policy == "" {
		s.cfg.Policy = normalize.PolicyPass
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Process executes a claimed run. It implements run.Processor.
func (s *Service) Process(ctx context.Context, r *run.Run) error {
	_, err := s.execute(ctx, r)
	return err
}

// RunFile records a new run for the file at path and executes it
// synchronously.
func (s *Service) RunFile(ctx context.Context, instrument, path string) (*run.Run, *pipeline.Report, error) {
	name, err := price.NormalizeInstrument(instrument)
	if err != nil {
		return nil, nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve source: %w", err)
	}

	r := run.New(name, abs, s.cfg.Sinks)
	r.Status = run.StatusRunning
	if err := s.runs.Create(ctx, r); err != nil {
		return nil, nil, err
	}

	report, err := s.execute(ctx, r)
	return r, report, err
}

func (s *Service) execute(ctx context.Context, r *run.Run) (*pipeline.Report, error) {
	logger := s.logger.With("run", r.ID, "instrument", r.Instrument)

	report, err := s.ingest(ctx, r, logger)
	if report != nil {
		r.RowsRead = int64(report.RowsRead)
		r.RowsWritten = int64(report.RowsWritten())
		r.RowsRejected = int64(report.RowsRejected)
	}

	if err != nil {
		r.Status = run.StatusFailed
		r.Error = err.Error()
		logger.Error("run failed", "rows_written", r.RowsWritten, "rows_rejected", r.RowsRejected, "error", err)
	} else {
		r.Status = run.StatusCompleted
		r.Error = ""
		logger.Info("run completed", "rows_read", r.RowsRead, "rows_written", r.RowsWritten)
	}

	// the ledger is updated even when ctx was cancelled mid-run
	if uerr := s.runs.Update(context.WithoutCancel(ctx), r); uerr != nil {
		return report, errors.Join(err, fmt.Errorf("update run: %w", uerr))
	}
	return report, err
}

func (s *Service) ingest(ctx context.Context, r *run.Run, logger *slog.Logger) (report *pipeline.Report, err error) {
	sum, err := checksum.File(r.SourcePath)
	if err != nil {
		return nil, err
	}
	r.Checksum = sum
	logger.Info("ingesting", "source", r.SourcePath, "checksum", sum)

	names := r.SinkNames()
	if len(names) == 0 {
		names = s.cfg.Sinks
	}

	sinks, err := s.opener.Open(ctx, r.Instrument, names)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := closeAll(sinks); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	p := pipeline.New(
		loader.FromFile(r.SourcePath),
		normalize.New(normalize.WithIntegrityPolicy(s.cfg.Policy)),
		sinks,
		s.cfg.Pipeline,
		pipeline.WithLogger(logger),
	)
	return p.Run(ctx)
}
