package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"lead-validator/internal/models"
)

// Store wraps pgxpool for Postgres persistence. The validation_jobs row is
// the single source of truth for coordination between workers; no state
// survives outside it.
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

const jobColumns = `id, member_id, contact_channel, display_name, source, status, attempts, last_error, created_at, updated_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var lastErr pgtype.Text
	err := row.Scan(&job.ID, &job.MemberID, &job.ContactChannel, &job.DisplayName, &job.Source,
		&job.Status, &job.Attempts, &lastErr, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return models.Job{}, err
	}
	job.LastError = textPtr(lastErr)
	return job, nil
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	MemberID       int64
	ContactChannel string
	DisplayName    string
	Source         string
}

// CreateJob inserts a PENDING job row with zero attempts.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.Source == "" {
		p.Source = "sbcp"
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO validation_jobs (member_id, contact_channel, display_name, source, status, attempts)
		VALUES ($1, $2, $3, $4, $5, 0)
		RETURNING `+jobColumns+`
	`, p.MemberID, p.ContactChannel, p.DisplayName, p.Source, models.StatusPending)
	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM validation_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %d not found: %w", id, err)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// ClaimRequest bounds which jobs a claim may pick up.
type ClaimRequest struct {
	MaxAttempts int
}

// ClaimNext atomically claims the oldest PENDING job with attempts below the
// limit: the row flips to RUNNING, attempts increments, updated_at is
// stamped. SKIP LOCKED keeps N concurrent claimers from ever receiving the
// same job or blocking behind each other. Returns claimed=false when no job
// is eligible.
func (s *Store) ClaimNext(ctx context.Context, req ClaimRequest) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE validation_jobs
		SET status = $2, attempts = attempts + 1, updated_at = NOW()
		WHERE id = (
			SELECT id FROM validation_jobs
			WHERE status = $3 AND attempts < $1
			ORDER BY id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns+`
	`, req.MaxAttempts, models.StatusRunning, models.StatusPending)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

// FinalizeRequest names the transition a runner wants to apply.
type FinalizeRequest struct {
	JobID     int64
	Status    string
	LastError *string
}

// FinalizeOwned applies a terminal or requeue transition only while the row
// is still RUNNING. A false result means ownership was lost in the meantime
// (cancelled by a sibling or reclaimed by the watchdog) and the caller must
// discard its outcome rather than resurrect the row.
func (s *Store) FinalizeOwned(ctx context.Context, req FinalizeRequest) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE validation_jobs
		SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, req.JobID, req.Status, req.LastError, models.StatusRunning)
	if err != nil {
		return false, fmt.Errorf("finalize job %d: %w", req.JobID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// RequeueStale flips every RUNNING job whose updated_at is older than ttl
// back to PENDING so a crashed or hung worker never strands a job. Attempts
// are deliberately untouched; only a claim increments them.
func (s *Store) RequeueStale(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-ttl)
	tag, err := s.pool.Exec(ctx, `
		UPDATE validation_jobs
		SET status = $1, last_error = 'ttl_requeue', updated_at = NOW()
		WHERE status = $2 AND updated_at < $3
	`, models.StatusPending, models.StatusRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// FailExhausted moves PENDING jobs that already burned through their attempt
// budget straight to FAILED, without them ever being claimed again. Such rows
// only exist after a watchdog requeue of a final attempt.
func (s *Store) FailExhausted(ctx context.Context, maxAttempts int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE validation_jobs
		SET status = $1, last_error = 'attempts_exhausted', updated_at = NOW()
		WHERE status = $2 AND attempts >= $3
	`, models.StatusFailed, models.StatusPending, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("fail exhausted jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CancelSiblings cancels every other non-terminal job sharing a contact
// channel once one of them has succeeded. Empty channels dedup nothing.
func (s *Store) CancelSiblings(ctx context.Context, contactChannel string, exceptJobID int64) (int64, error) {
	if contactChannel == "" {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE validation_jobs
		SET status = $1, last_error = 'cancelled_by_sibling_success', updated_at = NOW()
		WHERE contact_channel = $2 AND id <> $3 AND status IN ($4, $5)
	`, models.StatusCancelled, contactChannel, exceptJobID, models.StatusPending, models.StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("cancel siblings: %w", err)
	}
	return tag.RowsAffected(), nil
}

// HasSucceededSibling reports whether any job for the channel already reached
// SUCCEEDED. A failure notification is suppressed in that case so an approved
// subject never receives a later rejection.
func (s *Store) HasSucceededSibling(ctx context.Context, contactChannel string) (bool, error) {
	if contactChannel == "" {
		return false, nil
	}
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM validation_jobs WHERE contact_channel = $1 AND status = $2
		)
	`, contactChannel, models.StatusSucceeded).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check succeeded sibling: %w", err)
	}
	return exists, nil
}

// PendingJobs counts claimable jobs for the depth gauge.
func (s *Store) PendingJobs(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM validation_jobs WHERE status = $1
	`, models.StatusPending).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return n, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
