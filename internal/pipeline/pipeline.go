// Package pipeline loads, normalizes and writes price records to sinks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ahmethakanbesel/priceload/internal/loader"
	"github.com/ahmethakanbesel/priceload/internal/normalize"
	"github.com/ahmethakanbesel/priceload/internal/price"
	"github.com/ahmethakanbesel/priceload/internal/sink"
)

const (
	opPrepare = "prepare"
	opWrite   = "write"
)

// Source yields raw rows. Each call to Rows starts from the beginning.
type Source interface {
	Rows(ctx context.Context) iter.Seq2[loader.Row, error]
}

type Normalizer interface {
	Normalize(row loader.Row) (normalize.Result, error)
}

type Config struct {
	// BatchSize is the number of records per WriteBatch call. Zero uses the
	// sink's default, or the whole run when the sink has none.
	BatchSize int
	// RetryBound is the maximum number of attempts per sink call.
	RetryBound      int
	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration
	// FailFast aborts on the first rejected row, before anything is written.
	FailFast bool
	// CallTimeout bounds every individual sink call. Zero means no timeout.
	CallTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		RetryBound:      3,
		RetryBackoff:    500 * time.Millisecond,
		RetryMaxBackoff: 10 * time.Second,
		CallTimeout:     30 * time.Second,
	}
}

type Option func(*Pipeline)

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// WithTimer replaces the timer used to wait between attempts, mainly for
// tests.
func WithTimer(t backoff.Timer) Option {
	return func(p *Pipeline) {
		p.timer = t
	}
}

type Pipeline struct {
	source     Source
	normalizer Normalizer
	sinks      []sink.Sink
	cfg        Config
	logger     *slog.Logger
	timer      backoff.Timer
}

func New(source Source, normalizer Normalizer, sinks []sink.Sink, cfg Config, opts ...Option) *Pipeline {
	if cfg.RetryBound < 1 {
		cfg.RetryBound = 1
	}
	p := &Pipeline{
		source:     source,
		normalizer: normalizer,
		sinks:      sinks,
		cfg:        cfg,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run performs one full pass: load and normalize every row, de-duplicate by
// date, write to each sink in turn and verify each sink's latest close.
//
// The report is returned even on failure. When rows were rejected but the
// rest were written and verified, the error is a *RowErrors.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	report := &Report{}

	records, rowErrs, err := p.collect(ctx, report)
	if err != nil {
		return report, err
	}

	records, report.Duplicates = dedupe(records)
	report.Records = len(records)
	if report.Duplicates > 0 {
		p.logger.Warn("duplicate dates in input, keeping last row", "duplicates", report.Duplicates)
	}

	if len(records) == 0 {
		p.logger.Warn("no valid records to write", "rows_read", report.RowsRead)
		if len(rowErrs) > 0 {
			return report, &RowErrors{Errors: rowErrs}
		}
		return report, nil
	}

	for _, s := range p.sinks {
		sr, err := p.writeSink(ctx, s, records)
		report.Sinks = append(report.Sinks, sr)
		if err != nil {
			return report, withRowErrors(err, rowErrs)
		}
	}

	last := records[len(records)-1]
	var verifyErrs []error
	for i, s := range p.sinks {
		got, err := p.verify(ctx, s, last)
		report.Sinks[i].Latest = got
		if err != nil {
			verifyErrs = append(verifyErrs, err)
			continue
		}
		report.Sinks[i].Verified = true
	}
	if len(verifyErrs) > 0 {
		return report, withRowErrors(errors.Join(verifyErrs...), rowErrs)
	}

	if len(rowErrs) > 0 {
		return report, &RowErrors{Errors: rowErrs}
	}
	return report, nil
}

// collect drains the source through the normalizer. A fatal input error or
// cancellation stops the run; row failures are gathered unless FailFast.
func (p *Pipeline) collect(ctx context.Context, report *Report) ([]price.Record, []error, error) {
	var (
		records []price.Record
		rowErrs []error
	)

	reject := func(err error) error {
		report.RowsRejected++
		report.RowFailures = append(report.RowFailures, err)
		p.logger.Warn("rejected row", "error", err)
		if p.cfg.FailFast {
			return err
		}
		rowErrs = append(rowErrs, err)
		return nil
	}

	for row, err := range p.source.Rows(ctx) {
		if err != nil {
			var mie *loader.MalformedInputError
			if errors.As(err, &mie) && !mie.Fatal() {
				report.RowsRead++
				if err := reject(err); err != nil {
					return nil, nil, err
				}
				continue
			}
			return nil, nil, err
		}
		report.RowsRead++

		res, err := p.normalizer.Normalize(row)
		if err != nil {
			if err := reject(err); err != nil {
				return nil, nil, err
			}
			continue
		}

		if res.Warning != nil {
			report.Warnings = append(report.Warnings, res.Warning)
			p.logger.Warn("integrity warning", "row", res.Warning.Row, "date", res.Warning.Date.Format(price.DateFormat),
				"reason", res.Warning.Reason, "kept", res.Keep)
		}
		if !res.Keep {
			report.Dropped++
			continue
		}
		records = append(records, res.Record)
	}

	p.logger.Info("loaded input", "rows", report.RowsRead, "records", len(records),
		"rejected", report.RowsRejected, "warnings", len(report.Warnings))
	return records, rowErrs, nil
}

// dedupe keeps the last record for each date and orders the result by date.
func dedupe(records []price.Record) ([]price.Record, int) {
	byDate := make(map[time.Time]int, len(records))
	out := make([]price.Record, 0, len(records))
	for _, r := range records {
		if i, ok := byDate[r.Date]; ok {
			out[i] = r
			continue
		}
		byDate[r.Date] = len(out)
		out = append(out, r)
	}

	slices.SortStableFunc(out, func(a, b price.Record) int {
		return a.Date.Compare(b.Date)
	})
	return out, len(records) - len(out)
}

func (p *Pipeline) batchSize(s sink.Sink, total int) int {
	size := p.cfg.BatchSize
	if size <= 0 {
		if bs, ok := s.(sink.BatchSizer); ok {
			size = bs.DefaultBatchSize()
		}
	}
	if size <= 0 || size > total {
		size = total
	}
	return size
}

func (p *Pipeline) writeSink(ctx context.Context, s sink.Sink, records []price.Record) (SinkReport, error) {
	sr := SinkReport{Name: s.Name()}
	logger := p.logger.With("sink", s.Name())
	start := time.Now()

	if prep, ok := s.(sink.Preparer); ok {
		attempts, err := p.retry(ctx, logger, prep.Prepare)
		sr.Retries += attempts - 1
		if err != nil {
			return sr, &SinkWriteError{Sink: s.Name(), Op: opPrepare, Attempts: attempts, Err: err}
		}
	}

	size := p.batchSize(s, len(records))
	for batch, offset := 0, 0; offset < len(records); batch, offset = batch+1, offset+size {
		if err := ctx.Err(); err != nil {
			return sr, fmt.Errorf("write %s: %w", s.Name(), err)
		}

		end := min(offset+size, len(records))
		chunk := records[offset:end]

		attempts, err := p.retry(ctx, logger.With("batch", batch), func(ctx context.Context) error {
			return s.WriteBatch(ctx, chunk)
		})
		sr.Retries += attempts - 1
		if err != nil {
			return sr, &SinkWriteError{
				Sink:     s.Name(),
				Op:       opWrite,
				Batch:    batch,
				Offset:   offset,
				Size:     len(chunk),
				Attempts: attempts,
				Err:      err,
			}
		}

		sr.Batches++
		sr.Rows += len(chunk)
	}

	logger.Info("wrote records", "rows", sr.Rows, "batches", sr.Batches, "retries", sr.Retries,
		"duration", time.Since(start))
	return sr, nil
}

// retry calls fn until it succeeds, fails permanently or RetryBound attempts
// have been made. It returns the number of attempts used.
func (p *Pipeline) retry(ctx context.Context, logger *slog.Logger, fn func(ctx context.Context) error) (int, error) {
	attempts := 0
	op := func() error {
		attempts++
		err := p.call(ctx, fn)
		if err != nil && !sink.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		logger.Warn("sink call failed, retrying", "attempt", attempts, "delay", delay, "error", err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), uint64(p.cfg.RetryBound-1)), ctx)
	err := backoff.RetryNotifyWithTimer(op, policy, notify, p.timer)
	return attempts, err
}

func (p *Pipeline) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.cfg.CallTimeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()
	return fn(ctx)
}

// newBackOff doubles from RetryBackoff up to RetryMaxBackoff, without jitter.
func (p *Pipeline) newBackOff() *backoff.ExponentialBackOff {
	maxInterval := p.cfg.RetryMaxBackoff
	if maxInterval <= 0 {
		maxInterval = time.Duration(math.MaxInt64)
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.cfg.RetryBackoff,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// closePlaces is the precision at which closes are compared. Float-backed
// destinations do not round-trip decimals exactly.
const closePlaces = 6

func (p *Pipeline) verify(ctx context.Context, s sink.Sink, want price.Record) (sink.Point, error) {
	var got sink.Point
	_, err := p.retry(ctx, p.logger.With("sink", s.Name()), func(ctx context.Context) error {
		var err error
		got, err = s.Latest(ctx)
		return err
	})
	if err != nil {
		return got, &VerificationError{Sink: s.Name(), Want: want, Err: err}
	}

	if !got.Date.Equal(want.Date) || !got.Close.Round(closePlaces).Equal(want.Close.Round(closePlaces)) {
		return got, &VerificationError{Sink: s.Name(), Want: want, Got: got}
	}

	p.logger.Info("verified sink", "sink", s.Name(), "date", got.Date.Format(price.DateFormat), "close", got.Close)
	return got, nil
}
