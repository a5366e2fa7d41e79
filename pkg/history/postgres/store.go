// Package postgres provides PostgreSQL storage for run history.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/txn2/cost-report-runner/pkg/history"
)

const defaultRetentionDays = 30

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var runColumns = []string{
	"id", "owner", "reports", "region", "state", "artifact", "error_message", "started_at", "finished_at",
}

// Store implements history.Store using PostgreSQL.
type Store struct {
	db            *sql.DB
	retentionDays int
	cancel        context.CancelFunc
	done          chan struct{}
}

// Config configures the PostgreSQL run store.
type Config struct {
	RetentionDays int
}

// New creates a new PostgreSQL run store.
func New(db *sql.DB, cfg Config) *Store {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = defaultRetentionDays
	}
	return &Store{db: db, retentionDays: cfg.RetentionDays}
}

// Create records a newly launched run.
func (s *Store) Create(ctx context.Context, run history.Run) error {
	query := `
		INSERT INTO report_runs (id, owner, reports, region, state, artifact, error_message, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.Owner, pq.Array(run.Reports), run.Region, run.State, run.Artifact, run.Error, run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// Finish records the outcome of run id.
func (s *Store) Finish(ctx context.Context, id string, res history.Result) error {
	query, args, err := psq.Update("report_runs").
		Set("state", res.State).
		Set("artifact", res.Artifact).
		Set("error_message", res.Error).
		Set("finished_at", res.FinishedAt).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building finish query: %w", err)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", history.ErrNotFound, id)
	}
	return nil
}

// Get returns run id or history.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*history.Run, error) {
	query, args, err := psq.Select(runColumns...).From("report_runs").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building run query: %w", err)
	}

	run, err := scanRun(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", history.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// List returns runs matching filter, newest first.
func (s *Store) List(ctx context.Context, filter history.Filter) ([]history.Run, error) {
	qb := psq.Select(runColumns...).From("report_runs").OrderBy("started_at DESC")
	if filter.Owner != "" {
		qb = qb.Where(sq.Eq{"owner": filter.Owner})
	}
	if filter.State != "" {
		qb = qb.Where(sq.Eq{"state": filter.State})
	}
	if filter.Limit > 0 {
		qb = qb.Limit(uint64(filter.Limit))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building run list query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []history.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating run rows: %w", err)
	}
	return runs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*history.Run, error) {
	var (
		run      history.Run
		reports  pq.StringArray
		finished sql.NullTime
	)
	err := row.Scan(
		&run.ID, &run.Owner, &reports, &run.Region, &run.State,
		&run.Artifact, &run.Error, &run.StartedAt, &finished,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning run row: %w", err)
	}
	run.Reports = []string(reports)
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return &run, nil
}

// Cleanup removes runs started before the retention period.
func (s *Store) Cleanup(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	_, err := s.db.ExecContext(ctx, `DELETE FROM report_runs WHERE started_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("cleaning up runs: %w", err)
	}
	return nil
}

// StartCleanupRoutine starts a background goroutine that periodically removes
// expired runs. The goroutine is stopped when Close is called.
func (s *Store) StartCleanupRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.Cleanup(ctx)
			}
		}
	}()
}

// Close stops the cleanup goroutine and waits for it to exit.
// It is safe to call Close even if StartCleanupRoutine was never called.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

// Verify interface compliance.
var _ history.Store = (*Store)(nil)
