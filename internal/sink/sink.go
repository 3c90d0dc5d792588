// Package sink defines the destinations normalized price records are
// written to.
package sink

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ahmethakanbesel/priceload/internal/price"
)

// ErrNoData is returned by Latest when the destination holds no points.
var ErrNoData = errors.New("sink: no data")

// Point is the most recent close stored in a destination.
type Point struct {
	Date  time.Time
	Close decimal.Decimal
}

// Sink durably stores price records and answers a read-back query.
// WriteBatch must be atomic from the caller's point of view: either the
// whole batch is acknowledged or an error is returned. Writes upsert by date.
type Sink interface {
	Name() string
	WriteBatch(ctx context.Context, records []price.Record) error
	Latest(ctx context.Context) (Point, error)
	Close() error
}

// Preparer is implemented by sinks that must set up their destination
// before the first batch of a run.
type Preparer interface {
	Prepare(ctx context.Context) error
}

// BatchSizer is implemented by sinks with a preferred batch size. Zero means
// the whole run is written as a single batch.
type BatchSizer interface {
	DefaultBatchSize() int
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether a failed write may succeed if retried.
// Cancellation and deadline errors are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}
