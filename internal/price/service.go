package price

import (
	"context"
	"fmt"
	"time"

	"github.com/ahmethakanbesel/priceload/internal/apperror"
)

// Bounds used when a request leaves a side of the range open.
var (
	earliest = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)
	latest   = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) GetPrices(ctx context.Context, req GetPricesRequest) (*GetPricesResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	instrument, _ := NormalizeInstrument(req.Instrument)

	from := req.StartDate
	if from.IsZero() {
		from = earliest
	}
	to := req.EndDate
	if to.IsZero() {
		to = latest
	}

	prices, err := s.repo.ListPrices(ctx, instrument, from, to)
	if err != nil {
		return nil, fmt.Errorf("list prices: %w", err)
	}
	if prices == nil {
		prices = []Record{}
	}
	return &GetPricesResponse{Instrument: instrument, Prices: prices}, nil
}

func (s *Service) GetStats(ctx context.Context, req GetStatsRequest) (*Stats, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	instrument, _ := NormalizeInstrument(req.Instrument)

	prices, err := s.repo.ListPrices(ctx, instrument, earliest, latest)
	if err != nil {
		return nil, fmt.Errorf("list prices: %w", err)
	}
	if len(prices) == 0 {
		return nil, apperror.New(apperror.NotFound, fmt.Sprintf("no prices stored for %s", instrument))
	}

	stats := Summarize(prices)
	stats.Instrument = instrument
	return &stats, nil
}
