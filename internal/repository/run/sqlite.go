package run

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ahmethakanbesel/priceload/internal/apperror"
	domain "github.com/ahmethakanbesel/priceload/internal/run"
)

const selectColumns = `SELECT id, instrument, source_path, checksum, sinks,
		status, error, rows_read, rows_written, rows_rejected, created_at, updated_at
		FROM runs`

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, run *domain.Run) error {
	const query = `INSERT INTO runs (id, instrument, source_path, checksum, sinks, status)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		run.ID, run.Instrument, run.SourcePath, run.Checksum, run.Sinks, string(run.Status),
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	run.CreatedAt = time.Now().UTC().Truncate(time.Second)
	run.UpdatedAt = run.CreatedAt
	return nil
}

func (r *Repository) Update(ctx context.Context, run *domain.Run) error {
	const query = `UPDATE runs SET status = ?, error = ?, checksum = ?,
		rows_read = ?, rows_written = ?, rows_rejected = ?,
		updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		WHERE id = ?`

	var runErr sql.NullString
	if run.Error != "" {
		runErr = sql.NullString{String: run.Error, Valid: true}
	}

	res, err := r.db.ExecContext(ctx, query,
		string(run.Status), runErr, run.Checksum,
		run.RowsRead, run.RowsWritten, run.RowsRejected,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.New(apperror.NotFound, "run not found")
	}
	run.UpdatedAt = time.Now().UTC().Truncate(time.Second)
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*domain.Run, error) {
	run, err := scanRun(r.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, apperror.New(apperror.NotFound, "run not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

func (r *Repository) List(ctx context.Context, instrument string) ([]domain.Run, error) {
	query := selectColumns + ` WHERE 1=1`

	var args []any
	if instrument != "" {
		query += " AND instrument = ?"
		args = append(args, instrument)
	}
	query += " ORDER BY rowid DESC LIMIT 100"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *run)
	}

	return runs, rows.Err()
}

func (r *Repository) FindActive(ctx context.Context, instrument, sourcePath string) (*domain.Run, error) {
	query := selectColumns + `
		WHERE instrument = ? AND source_path = ?
		  AND status IN ('pending', 'running')
		LIMIT 1`

	run, err := scanRun(r.db.QueryRowContext(ctx, query, instrument, sourcePath))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active run: %w", err)
	}
	return run, nil
}

func (r *Repository) ClaimPending(ctx context.Context) (*domain.Run, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim pending: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM runs WHERE status = 'pending' ORDER BY rowid ASC LIMIT 1`,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim pending: select: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET status = 'running', updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now') WHERE id = ?`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("claim pending: update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim pending: commit: %w", err)
	}

	return r.Get(ctx, id)
}

// RecoverStale re-queues runs left running by an interrupted process.
func (r *Repository) RecoverStale(ctx context.Context) (int64, error) {
	const query = `UPDATE runs SET status = 'pending', error = NULL,
		updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		WHERE status = 'running'`

	res, err := r.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("recover stale runs: %w", err)
	}

	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*domain.Run, error) {
	run := &domain.Run{}
	var status, createdStr, updatedStr string
	var runErr sql.NullString

	if err := s.Scan(
		&run.ID, &run.Instrument, &run.SourcePath, &run.Checksum, &run.Sinks,
		&status, &runErr, &run.RowsRead, &run.RowsWritten, &run.RowsRejected,
		&createdStr, &updatedStr,
	); err != nil {
		return nil, err
	}

	run.Status = domain.Status(status)
	if runErr.Valid {
		run.Error = runErr.String
	}
	run.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	run.UpdatedAt, _ = time.Parse(time.RFC3339, updatedStr)
	return run, nil
}
