package price

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/ahmethakanbesel/priceload/internal/price"
)

// insertChunk keeps each statement well below SQLite's bound parameter limit.
const insertChunk = 500

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func createTableSQL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		date   TEXT PRIMARY KEY,
		open   REAL NOT NULL,
		high   REAL NOT NULL,
		low    REAL NOT NULL,
		close  REAL NOT NULL,
		volume INTEGER NOT NULL
	)`, table)
}

// ReplaceTable drops and recreates the instrument's price table.
func (r *Repository) ReplaceTable(ctx context.Context, instrument string) error {
	table, err := domain.TableName(instrument)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace table: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
		return fmt.Errorf("drop %s: %w", table, err)
	}
	if _, err := tx.ExecContext(ctx, createTableSQL(table)); err != nil {
		return fmt.Errorf("create %s: %w", table, err)
	}
	return tx.Commit()
}

// EnsureTable creates the instrument's price table if it does not exist.
func (r *Repository) EnsureTable(ctx context.Context, instrument string) error {
	table, err := domain.TableName(instrument)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, createTableSQL(table)); err != nil {
		return fmt.Errorf("create %s: %w", table, err)
	}
	return nil
}

// SavePrices upserts prices by date inside a single transaction and returns
// the number of rows written.
func (r *Repository) SavePrices(ctx context.Context, instrument string, prices []domain.Record) (int64, error) {
	if len(prices) == 0 {
		return 0, nil
	}
	table, err := domain.TableName(instrument)
	if err != nil {
		return 0, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("save prices: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	for i := 0; i < len(prices); i += insertChunk {
		end := min(i+insertChunk, len(prices))
		batch := prices[i:end]

		placeholders := make([]string, len(batch))
		args := make([]any, 0, len(batch)*6)
		for j, p := range batch {
			placeholders[j] = "(?, ?, ?, ?, ?, ?)"
			args = append(args,
				p.Date.Format(domain.DateFormat),
				p.Open.InexactFloat64(),
				p.High.InexactFloat64(),
				p.Low.InexactFloat64(),
				p.Close.InexactFloat64(),
				p.Volume,
			)
		}

		query := fmt.Sprintf( //nolint:gosec // table name is validated, placeholders are not user input
			"INSERT OR REPLACE INTO %s (date, open, high, low, close, volume) VALUES %s",
			table, strings.Join(placeholders, ", "),
		)

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("save prices: %w", err)
		}

		n, _ := res.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("save prices: commit: %w", err)
	}
	return total, nil
}

func (r *Repository) ListPrices(ctx context.Context, instrument string, from, to time.Time) ([]domain.Record, error) {
	table, err := domain.TableName(instrument)
	if err != nil {
		return nil, err
	}
	ok, err := r.tableExists(ctx, table)
	if err != nil || !ok {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT date, open, high, low, close, volume
		FROM %s
		WHERE date >= ? AND date <= ?
		ORDER BY date ASC`, table)

	rows, err := r.db.QueryContext(ctx, query, from.Format(domain.DateFormat), to.Format(domain.DateFormat))
	if err != nil {
		return nil, fmt.Errorf("list prices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var prices []domain.Record
	for rows.Next() {
		p, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		prices = append(prices, p)
	}

	return prices, rows.Err()
}

// Latest returns the record with the greatest date, or nil when the table is
// missing or empty.
func (r *Repository) Latest(ctx context.Context, instrument string) (*domain.Record, error) {
	table, err := domain.TableName(instrument)
	if err != nil {
		return nil, err
	}
	ok, err := r.tableExists(ctx, table)
	if err != nil || !ok {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT date, open, high, low, close, volume
		FROM %s ORDER BY date DESC LIMIT 1`, table)

	p, err := scanRecord(r.db.QueryRowContext(ctx, query))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repository) tableExists(ctx context.Context, table string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return n > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (domain.Record, error) {
	var p domain.Record
	var dateStr string
	var open, high, low, closePrice float64
	if err := s.Scan(&dateStr, &open, &high, &low, &closePrice, &p.Volume); err != nil {
		if err == sql.ErrNoRows {
			return p, err
		}
		return p, fmt.Errorf("scan price: %w", err)
	}
	p.Date, _ = time.Parse(domain.DateFormat, dateStr)
	p.Open = decimal.NewFromFloat(open)
	p.High = decimal.NewFromFloat(high)
	p.Low = decimal.NewFromFloat(low)
	p.Close = decimal.NewFromFloat(closePrice)
	return p, nil
}
