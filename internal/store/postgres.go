package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"docflow/internal/models"
)

// ErrNotFound is returned when a job does not exist or is not visible to the
// requesting owner.
var ErrNotFound = errors.New("job not found")

// Store wraps pgxpool for Postgres persistence of job records.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id, owner_id, object_key, original_name, status, extracted_text, last_error, created_at, updated_at`

// CreateJobParams collects inputs required to insert a job record.
// The ID is generated by the gateway before the object-store write so the
// object key can embed it.
type CreateJobParams struct {
	ID           string
	OwnerID      string
	ObjectKey    string
	OriginalName string
}

// CreateJob inserts a PENDING job row.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, owner_id, object_key, original_name, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, p.ID, p.OwnerID, p.ObjectKey, p.OriginalName, models.StatusPending, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return models.Job{
		ID:           p.ID,
		OwnerID:      p.OwnerID,
		ObjectKey:    p.ObjectKey,
		OriginalName: p.OriginalName,
		Status:       models.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// GetJob fetches a job by id regardless of owner. Worker-side use only; the
// HTTP surface goes through GetJobForOwner.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// GetJobForOwner fetches a job only if it belongs to the given owner.
// A foreign job is indistinguishable from a missing one.
func (s *Store) GetJobForOwner(ctx context.Context, id, ownerID string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND owner_id = $2`, id, ownerID)
	return scanJob(row)
}

// ListJobs returns the owner's jobs newest-first, bounded by limit.
func (s *Store) ListJobs(ctx context.Context, ownerID string, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]models.Job, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkProcessing transitions a job to PROCESSING unless it is already
// terminal. Returns whether the transition was applied.
func (s *Store) MarkProcessing(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($3, $4)
	`, id, models.StatusProcessing, models.StatusCompleted, models.StatusFailed)
	if err != nil {
		return false, fmt.Errorf("mark processing: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkCompleted stores the extracted text and transitions to COMPLETED.
// The terminal guard makes the update a no-op under duplicate delivery.
func (s *Store) MarkCompleted(ctx context.Context, id, extractedText string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, extracted_text = $3, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($4, $5)
	`, id, models.StatusCompleted, extractedText, models.StatusCompleted, models.StatusFailed)
	if err != nil {
		return false, fmt.Errorf("mark completed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFailed records the failure cause and transitions to FAILED.
func (s *Store) MarkFailed(ctx context.Context, id, cause string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = $3, extracted_text = NULL, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($4, $5)
	`, id, models.StatusFailed, cause, models.StatusCompleted, models.StatusFailed)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// StalePending returns jobs still PENDING after the given age. These are jobs
// whose enqueue never landed; the sweeper re-publishes a task for each.
func (s *Store) StalePending(ctx context.Context, olderThan time.Duration, limit int) ([]models.Job, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3
	`, models.StatusPending, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale pending: %w", err)
	}
	defer rows.Close()

	jobs := make([]models.Job, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var text pgtype.Text
	var lastErr pgtype.Text

	err := row.Scan(&job.ID, &job.OwnerID, &job.ObjectKey, &job.OriginalName, &job.Status, &text, &lastErr, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.ExtractedText = textPtr(text)
	job.LastError = textPtr(lastErr)
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
