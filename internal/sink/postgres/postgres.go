// Package postgres writes price records to a PostgreSQL table.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ahmethakanbesel/priceload/internal/price"
	"github.com/ahmethakanbesel/priceload/internal/sink"
)

const defaultBatchSize = 1000

// DB is the subset of *pgxpool.Pool used by the sink.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Sink upserts records into <instrument>_prices keyed by date.
type Sink struct {
	db    DB
	table string
	close func()
}

var (
	_ sink.Sink     = (*Sink)(nil)
	_ sink.Preparer = (*Sink)(nil)
)

func New(db DB, instrument string) (*Sink, error) {
	table, err := price.TableName(instrument)
	if err != nil {
		return nil, err
	}
	return &Sink{
		db:    db,
		table: pgx.Identifier{table}.Sanitize(),
	}, nil
}

// Connect opens a connection pool and returns a sink that owns it.
func Connect(ctx context.Context, connString, instrument string) (*Sink, error) {
	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s, err := New(pool, instrument)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.close = pool.Close
	return s, nil
}

func (s *Sink) Name() string { return "postgres" }

func (s *Sink) DefaultBatchSize() int { return defaultBatchSize }

func (s *Sink) Prepare(ctx context.Context) error {
	_, err := s.db.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		date   DATE PRIMARY KEY,
		open   NUMERIC NOT NULL,
		high   NUMERIC NOT NULL,
		low    NUMERIC NOT NULL,
		close  NUMERIC NOT NULL,
		volume BIGINT NOT NULL
	)`, s.table))
	if err != nil {
		return classify(fmt.Errorf("create table %s: %w", s.table, err))
	}
	return nil
}

// WriteBatch queues one upsert per record. A pgx batch runs in a single
// implicit transaction, so the batch is applied entirely or not at all.
func (s *Sink) WriteBatch(ctx context.Context, records []price.Record) error {
	if len(records) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (date, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (date) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume
	`, s.table)

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(query, r.Date, r.Open.String(), r.High.String(), r.Low.String(), r.Close.String(), r.Volume)
	}

	results := s.db.SendBatch(ctx, batch)
	for i := range records {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return classify(fmt.Errorf("upsert %s: %w", records[i].Date.Format(price.DateFormat), err))
		}
	}
	if err := results.Close(); err != nil {
		return classify(fmt.Errorf("close batch: %w", err))
	}
	return nil
}

func (s *Sink) Latest(ctx context.Context) (sink.Point, error) {
	var (
		p        sink.Point
		closeStr string
	)
	err := s.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT date, close::text FROM %s ORDER BY date DESC LIMIT 1`, s.table),
	).Scan(&p.Date, &closeStr)
	if errors.Is(err, pgx.ErrNoRows) {
		return sink.Point{}, sink.ErrNoData
	}
	if err != nil {
		return sink.Point{}, classify(fmt.Errorf("query latest close: %w", err))
	}

	p.Date = price.Day(p.Date)
	p.Close, err = decimal.NewFromString(closeStr)
	if err != nil {
		return sink.Point{}, fmt.Errorf("parse close %q: %w", closeStr, err)
	}
	return p, nil
}

func (s *Sink) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}

// Serialization failures, deadlocks and connection exceptions may succeed on
// a later attempt.
var transientCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"53300": true, // too_many_connections
	"57P01": true, // admin_shutdown
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if transientCodes[pgErr.Code] || strings.HasPrefix(pgErr.Code, "08") {
			return sink.Transient(err)
		}
		return err
	}
	if pgconn.SafeToRetry(err) {
		return sink.Transient(err)
	}
	return err
}
