package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ahmethakanbesel/priceload/internal/config"
	"github.com/ahmethakanbesel/priceload/internal/ingest"
	"github.com/ahmethakanbesel/priceload/internal/logging"
	"github.com/ahmethakanbesel/priceload/internal/pipeline"
	"github.com/ahmethakanbesel/priceload/internal/platform/sqlite"
	"github.com/ahmethakanbesel/priceload/internal/price"
	pricerepo "github.com/ahmethakanbesel/priceload/internal/repository/price"
	runrepo "github.com/ahmethakanbesel/priceload/internal/repository/run"
)

const usage = `usage: priceload [command]

commands:
  ingest   load SOURCE_PATH into the configured sinks (default)
  stats    print summary statistics for INSTRUMENT from DB_PATH
  serve    run the HTTP API and background run worker
`

func main() {
	if err := godotenv.Load(); err == nil {
		slog.Info("loaded .env file")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	command := "ingest"
	if len(args) > 0 {
		command = args[0]
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		_, _ = fmt.Fprintf(stderr, "logging: %v\n", err)
		return 1
	}

	switch command {
	case "ingest":
		return runIngest(ctx, cfg, stdout, stderr)
	case "stats":
		return runStats(ctx, cfg, stdout, stderr)
	case "serve":
		return runServe(ctx, cfg, stderr)
	case "help", "-h", "--help":
		_, _ = fmt.Fprint(stdout, usage)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n%s", command, usage)
		return 2
	}
}

// app holds the components shared by every command.
type app struct {
	db     *sqlite.DB
	prices *pricerepo.Repository
	runs   *runrepo.Repository
	ingest *ingest.Service
	price  *price.Service
}

func openApp(cfg config.Config) (*app, error) {
	db, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	prices := pricerepo.NewRepository(db.DB)
	runs := runrepo.NewRepository(db.DB)

	ingestSvc := ingest.NewService(runs, ingest.NewOpener(cfg, prices), ingest.Config{
		Pipeline: pipelineConfig(cfg),
		Policy:   cfg.Policy(),
		Sinks:    cfg.Sinks,
	})

	return &app{
		db:     db,
		prices: prices,
		runs:   runs,
		ingest: ingestSvc,
		price:  price.NewService(prices),
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

func pipelineConfig(cfg config.Config) pipeline.Config {
	return pipeline.Config{
		BatchSize:       cfg.BatchSize,
		RetryBound:      cfg.RetryBound,
		RetryBackoff:    cfg.RetryBackoff,
		RetryMaxBackoff: cfg.RetryMaxBackoff,
		FailFast:        cfg.FailFast,
		CallTimeout:     cfg.DestTimeout,
	}
}
