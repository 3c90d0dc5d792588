// Package sqlite writes price records to the embedded SQLite store.
package sqlite

import (
	"context"
	"fmt"

	"github.com/ahmethakanbesel/priceload/internal/price"
	pricerepo "github.com/ahmethakanbesel/priceload/internal/repository/price"
	"github.com/ahmethakanbesel/priceload/internal/sink"
)

// Sink stores one instrument in table <instrument>_prices. The table is
// replaced by Prepare, so every run starts from an empty table.
type Sink struct {
	repo       *pricerepo.Repository
	instrument string
}

var (
	_ sink.Sink     = (*Sink)(nil)
	_ sink.Preparer = (*Sink)(nil)
)

func New(repo *pricerepo.Repository, instrument string) (*Sink, error) {
	name, err := price.NormalizeInstrument(instrument)
	if err != nil {
		return nil, err
	}
	return &Sink{repo: repo, instrument: name}, nil
}

func (s *Sink) Name() string { return "sqlite" }

// DefaultBatchSize is zero: the embedded store takes the whole run at once.
func (s *Sink) DefaultBatchSize() int { return 0 }

func (s *Sink) Prepare(ctx context.Context) error {
	return s.repo.ReplaceTable(ctx, s.instrument)
}

func (s *Sink) WriteBatch(ctx context.Context, records []price.Record) error {
	if _, err := s.repo.SavePrices(ctx, s.instrument, records); err != nil {
		return fmt.Errorf("write batch: %w", err)
	}
	return nil
}

func (s *Sink) Latest(ctx context.Context) (sink.Point, error) {
	rec, err := s.repo.Latest(ctx, s.instrument)
	if err != nil {
		return sink.Point{}, fmt.Errorf("latest price: %w", err)
	}
	if rec == nil {
		return sink.Point{}, sink.ErrNoData
	}
	return sink.Point{Date: rec.Date, Close: rec.Close}, nil
}

// Close is a no-op; the database handle is owned by the caller.
func (s *Sink) Close() error { return nil }
