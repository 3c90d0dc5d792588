package price

import (
	"context"
	"time"
)

type Repository interface {
	ListPrices(ctx context.Context, instrument string, from, to time.Time) ([]Record, error)
	Latest(ctx context.Context, instrument string) (*Record, error)
}
