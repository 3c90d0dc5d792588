package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/ahmethakanbesel/priceload/internal/config"
	"github.com/ahmethakanbesel/priceload/internal/pipeline"
	"github.com/ahmethakanbesel/priceload/internal/price"
)

func runIngest(ctx context.Context, cfg config.Config, stdout, stderr io.Writer) int {
	if cfg.SourcePath == "" {
		_, _ = fmt.Fprintln(stderr, "SOURCE_PATH is required")
		return 1
	}

	a, err := openApp(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "open database: %v\n", err)
		return 1
	}
	defer func() { _ = a.Close() }()

	r, report, err := a.ingest.RunFile(ctx, cfg.Instrument, cfg.SourcePath)
	if report != nil {
		printReport(stdout, report)
	}
	if err != nil {
		printErrors(stderr, err)
		return 1
	}

	slog.Info("ingest finished", "run", r.ID, "rows_written", r.RowsWritten)
	return 0
}

func printReport(w io.Writer, report *pipeline.Report) {
	_, _ = fmt.Fprintf(w, "rows read: %d, rejected: %d, duplicates: %d, dropped: %d, records: %d\n",
		report.RowsRead, report.RowsRejected, report.Duplicates, report.Dropped, report.Records)
	for _, warn := range report.Warnings {
		_, _ = fmt.Fprintf(w, "warning: %v\n", warn)
	}
	for _, s := range report.Sinks {
		line := fmt.Sprintf("sink %s: %d rows in %d batches, %d retries", s.Name, s.Rows, s.Batches, s.Retries)
		if s.Verified {
			line += fmt.Sprintf(", verified latest %s close %s", s.Latest.Date.Format(price.DateFormat), s.Latest.Close)
		}
		_, _ = fmt.Fprintln(w, line)
	}
}

// printErrors writes one line per row failure, sink failure or other error.
func printErrors(w io.Writer, err error) {
	if rowErrs, ok := err.(*pipeline.RowErrors); ok { //nolint:errorlint // checked before flattening
		for _, re := range rowErrs.Errors {
			_, _ = fmt.Fprintf(w, "rejected: %v\n", re)
		}
		return
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok { //nolint:errorlint // flattening a join
		for _, e := range joined.Unwrap() {
			printErrors(w, e)
		}
		return
	}
	_, _ = fmt.Fprintf(w, "error: %v\n", err)
}
