package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"molrender/internal/models"
)

// Store mirrors rendering job records to Postgres so job history survives
// restarts. The in-memory queue remains the source of truth for live jobs.
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

// SaveJob inserts a new job row.
func (s *Store) SaveJob(ctx context.Context, job models.RenderingJob) error {
	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO rendering_jobs (id, session_id, kind, params, status, frames_done, frames_total, output_path, message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`, job.ID, job.SessionID, job.Kind, paramsJSON, job.Status,
		job.Progress.Completed, job.Progress.Total, job.OutputPath, job.Message, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateJob writes the job's current status, progress, and output back.
func (s *Store) UpdateJob(ctx context.Context, job models.RenderingJob) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE rendering_jobs
		SET status = $2, frames_done = $3, frames_total = $4, output_path = $5, message = $6, updated_at = NOW(), completed_at = $7
		WHERE id = $1
	`, job.ID, job.Status, job.Progress.Completed, job.Progress.Total, job.OutputPath, job.Message, job.CompletedAt)
	return err
}

// GetJob fetches a persisted job row by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.RenderingJob, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, session_id, kind, params, status, frames_done, frames_total, output_path, message, created_at, updated_at, completed_at
		FROM rendering_jobs WHERE id = $1
	`, id)

	var job models.RenderingJob
	var paramsJSON []byte
	var completed pgtype.Timestamptz
	if err := row.Scan(&job.ID, &job.SessionID, &job.Kind, &paramsJSON, &job.Status,
		&job.Progress.Completed, &job.Progress.Total, &job.OutputPath, &job.Message,
		&job.CreatedAt, &job.UpdatedAt, &completed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.RenderingJob{}, fmt.Errorf("job not found: %w", err)
		}
		return models.RenderingJob{}, fmt.Errorf("scan job: %w", err)
	}
	if err := json.Unmarshal(paramsJSON, &job.Params); err != nil {
		return models.RenderingJob{}, fmt.Errorf("unmarshal params: %w", err)
	}
	if completed.Valid {
		t := completed.Time
		job.CompletedAt = &t
	}
	return job, nil
}

// ListJobs returns persisted jobs for a session, newest first.
func (s *Store) ListJobs(ctx context.Context, sessionID string, limit int) ([]models.RenderingJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, kind, params, status, frames_done, frames_total, output_path, message, created_at, updated_at, completed_at
		FROM rendering_jobs WHERE session_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.RenderingJob
	for rows.Next() {
		var job models.RenderingJob
		var paramsJSON []byte
		var completed pgtype.Timestamptz
		if err := rows.Scan(&job.ID, &job.SessionID, &job.Kind, &paramsJSON, &job.Status,
			&job.Progress.Completed, &job.Progress.Total, &job.OutputPath, &job.Message,
			&job.CreatedAt, &job.UpdatedAt, &completed); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		if err := json.Unmarshal(paramsJSON, &job.Params); err != nil {
			return nil, fmt.Errorf("unmarshal params: %w", err)
		}
		if completed.Valid {
			t := completed.Time
			job.CompletedAt = &t
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// AppendAudit adds a job audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_audit (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}
