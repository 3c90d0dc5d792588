package run

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ahmethakanbesel/priceload/internal/apperror"
	"github.com/ahmethakanbesel/priceload/internal/price"
)

type Service struct {
	repo      Repository
	ingestDir string
	sinks     []string
	notify    func()
}

type Option func(*Service)

// WithIngestDir sets the directory submitted source paths are resolved in.
func WithIngestDir(dir string) Option {
	return func(s *Service) {
		s.ingestDir = dir
	}
}

// WithSinks sets the sink names recorded on submitted runs.
func WithSinks(names []string) Option {
	return func(s *Service) {
		s.sinks = names
	}
}

func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{repo: repo, ingestDir: "."}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetNotify registers the function called after a run is queued.
func (s *Service) SetNotify(fn func()) {
	s.notify = fn
}

// Submit queues a run for the source file. If a pending or running run
// already exists for the same instrument and file, that run is returned.
func (s *Service) Submit(ctx context.Context, req SubmitRunRequest) (*Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	instrument, _ := price.NormalizeInstrument(req.Instrument)
	path, err := s.resolveSource(req.Source)
	if err != nil {
		return nil, err
	}

	active, err := s.repo.FindActive(ctx, instrument, path)
	if err != nil {
		return nil, err
	}
	if active != nil {
		slog.Info("run already queued", "run", active.ID, "instrument", instrument, "source", path)
		return active, nil
	}

	r := New(instrument, path, s.sinks)
	if err := s.repo.Create(ctx, r); err != nil {
		return nil, err
	}
	slog.Info("queued run", "run", r.ID, "instrument", instrument, "source", path)

	if s.notify != nil {
		s.notify()
	}
	return r, nil
}

func (s *Service) resolveSource(source string) (string, error) {
	if !filepath.IsLocal(source) {
		return "", apperror.New(apperror.BadRequest, "source must be a relative path inside the ingest directory")
	}

	root, err := filepath.Abs(s.ingestDir)
	if err != nil {
		return "", fmt.Errorf("resolve ingest dir: %w", err)
	}
	path := filepath.Join(root, source)

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", apperror.New(apperror.NotFound, "source file not found")
	}
	if err != nil {
		return "", fmt.Errorf("stat source: %w", err)
	}
	if info.IsDir() {
		return "", apperror.New(apperror.BadRequest, "source is a directory")
	}
	return path, nil
}

func (s *Service) RecoverStaleRuns(ctx context.Context) error {
	n, err := s.repo.RecoverStale(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("re-queued interrupted runs", "count", n)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, req GetRunRequest) (*Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, req.ID)
}

func (s *Service) List(ctx context.Context, req ListRunsRequest) ([]Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	instrument := req.Instrument
	if instrument != "" {
		instrument, _ = price.NormalizeInstrument(instrument)
	}
	return s.repo.List(ctx, instrument)
}
