package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nearzoom/image-processor/internal/domain"
)

// PostgresStore is the durable Store implementation backed by
// PostgreSQL. Atomic read-modify-write is implemented with
// SELECT ... FOR UPDATE transactions so concurrent writers of one job
// serialize while other jobs proceed independently.
type PostgresStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresStore creates a Postgres-backed store.
func NewPostgresStore(db *sqlx.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id        TEXT PRIMARY KEY,
	mode          TEXT NOT NULL,
	status        TEXT NOT NULL,
	progress      INT NOT NULL DEFAULT 0,
	input_url     TEXT NOT NULL,
	faces         JSONB NOT NULL DEFAULT '[]',
	params        JSONB NOT NULL DEFAULT '{}',
	degraded      BOOLEAN NOT NULL DEFAULT FALSE,
	result_url    TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	webhook_url   TEXT NOT NULL DEFAULT '',
	webhook_state TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs (created_at DESC, job_id DESC);

CREATE TABLE IF NOT EXISTS job_events (
	id     BIGSERIAL PRIMARY KEY,
	job_id TEXT NOT NULL REFERENCES jobs (job_id) ON DELETE CASCADE,
	name   TEXT NOT NULL,
	at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_job_events_job_id ON job_events (job_id, id);
`

// EnsureSchema creates the jobs tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// jobRow mirrors the jobs table.
type jobRow struct {
	JobID        string    `db:"job_id"`
	Mode         string    `db:"mode"`
	Status       string    `db:"status"`
	Progress     int       `db:"progress"`
	InputURL     string    `db:"input_url"`
	Faces        []byte    `db:"faces"`
	Params       []byte    `db:"params"`
	Degraded     bool      `db:"degraded"`
	ResultURL    string    `db:"result_url"`
	ErrorMessage string    `db:"error_message"`
	WebhookURL   string    `db:"webhook_url"`
	WebhookState string    `db:"webhook_state"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func toRow(job *domain.Job) (*jobRow, error) {
	faces, err := json.Marshal(job.Faces)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal faces: %w", err)
	}
	params, err := json.Marshal(job.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return &jobRow{
		JobID:        job.ID,
		Mode:         string(job.Mode),
		Status:       string(job.Status),
		Progress:     job.Progress,
		InputURL:     job.InputURL,
		Faces:        faces,
		Params:       params,
		Degraded:     job.Degraded,
		ResultURL:    job.ResultURL,
		ErrorMessage: job.Error,
		WebhookURL:   job.WebhookURL,
		WebhookState: string(job.WebhookState),
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}, nil
}

func (r *jobRow) toJob() (*domain.Job, error) {
	job := &domain.Job{
		ID:           r.JobID,
		Mode:         domain.Mode(r.Mode),
		Status:       domain.Status(r.Status),
		Progress:     r.Progress,
		InputURL:     r.InputURL,
		Degraded:     r.Degraded,
		ResultURL:    r.ResultURL,
		Error:        r.ErrorMessage,
		WebhookURL:   r.WebhookURL,
		WebhookState: domain.WebhookState(r.WebhookState),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if len(r.Faces) > 0 {
		if err := json.Unmarshal(r.Faces, &job.Faces); err != nil {
			return nil, fmt.Errorf("failed to unmarshal faces: %w", err)
		}
	}
	if len(r.Params) > 0 {
		if err := json.Unmarshal(r.Params, &job.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}
	}
	return job, nil
}

const jobColumns = `job_id, mode, status, progress, input_url, faces, params, degraded,
	result_url, error_message, webhook_url, webhook_state, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, job *domain.Job) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt

	row, err := toRow(job)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = tx.ExecContext(ctx, query,
		row.JobID, row.Mode, row.Status, row.Progress, row.InputURL,
		row.Faces, row.Params, row.Degraded, row.ResultURL,
		row.ErrorMessage, row.WebhookURL, row.WebhookState,
		row.CreatedAt, row.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO job_events (job_id, name, at) VALUES ($1, $2, $3)`,
		row.JobID, string(domain.StatusQueued), now,
	)
	if err != nil {
		return fmt.Errorf("failed to append created event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job creation: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toJob()
}

func (s *PostgresStore) Update(ctx context.Context, id string, mutate Mutator) (*domain.Job, error) {
	return s.updateTx(ctx, id, func(job *domain.Job) (string, error) {
		return "", mutate(job)
	})
}

func (s *PostgresStore) Transition(ctx context.Context, id string, to domain.Status, mutate Mutator) (*domain.Job, error) {
	return s.updateTx(ctx, id, func(job *domain.Job) (string, error) {
		if err := applyTransition(job, to, mutate); err != nil {
			return "", err
		}
		return string(to), nil
	})
}

// updateTx locks the job row, applies the mutation and writes the new
// record plus an optional event in a single transaction.
func (s *PostgresStore) updateTx(ctx context.Context, id string, mutate func(*domain.Job) (string, error)) (*domain.Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var row jobRow
	err = tx.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1 FOR UPDATE`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to lock job: %w", err)
	}

	job, err := row.toJob()
	if err != nil {
		return nil, err
	}

	eventName, err := mutate(job)
	if err != nil {
		return nil, err
	}

	job.UpdatedAt = time.Now().UTC()
	next, err := toRow(job)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE jobs
		SET mode = $2, status = $3, progress = $4, input_url = $5,
		    faces = $6, params = $7, degraded = $8, result_url = $9,
		    error_message = $10, webhook_url = $11, webhook_state = $12,
		    updated_at = $13
		WHERE job_id = $1
	`
	_, err = tx.ExecContext(ctx, query,
		next.JobID, next.Mode, next.Status, next.Progress, next.InputURL,
		next.Faces, next.Params, next.Degraded, next.ResultURL,
		next.ErrorMessage, next.WebhookURL, next.WebhookState,
		next.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}

	if eventName != "" {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO job_events (job_id, name, at) VALUES ($1, $2, $3)`,
			id, eventName, job.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to append event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit job update: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, id, name string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET updated_at = $2 WHERE job_id = $1`, id, now)
	if err != nil {
		return fmt.Errorf("failed to touch job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrJobNotFound
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO job_events (job_id, name, at) VALUES ($1, $2, $3)`,
		id, name, now,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event append: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, id string) ([]domain.Event, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	type eventRow struct {
		ID    int64     `db:"id"`
		JobID string    `db:"job_id"`
		Name  string    `db:"name"`
		At    time.Time `db:"at"`
	}

	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, job_id, name, at FROM job_events WHERE job_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	events := make([]domain.Event, len(rows))
	for i, r := range rows {
		events[i] = domain.Event{ID: r.ID, JobID: r.JobID, Name: r.Name, At: r.At}
	}
	return events, nil
}

func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Mode != "" {
		query += fmt.Sprintf(" AND mode = $%d", argIdx)
		args = append(args, string(filter.Mode))
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"

	if filter.PageSize > 0 {
		// One extra row signals a next page.
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.PageSize+1)
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]domain.Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

func (s *PostgresStore) PurgeOlderThan(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-retention)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN ($1, $2) AND updated_at < $3`,
		string(domain.StatusDone), string(domain.StatusFailed), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge jobs: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected > 0 {
		s.logger.Info("Purged terminal jobs",
			slog.Int64("removed", affected),
			slog.Duration("retention", retention),
		)
	}
	return int(affected), nil
}
