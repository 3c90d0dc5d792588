package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ahmethakanbesel/priceload/internal/config"
	"github.com/ahmethakanbesel/priceload/internal/price"
)

func runStats(ctx context.Context, cfg config.Config, stdout, stderr io.Writer) int {
	a, err := openApp(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "open database: %v\n", err)
		return 1
	}
	defer func() { _ = a.Close() }()

	stats, err := a.price.GetStats(ctx, price.GetStatsRequest{Instrument: cfg.Instrument})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "stats: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(stats); err != nil {
		_, _ = fmt.Fprintf(stderr, "encode stats: %v\n", err)
		return 1
	}
	return 0
}
