package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"analysis-orchestrator/internal/models"
)

// pgUniqueViolation is the SQLSTATE for a unique constraint violation.
const pgUniqueViolation = "23505"

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence.
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

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	ProjectID  int64
	Type       string
	Trigger    string
	PRNumber   *int
	CommitHash *string
	Branch     *string
}

// CreateJob inserts a pending job row with a freshly assigned external id.
// The external id is immutable; no update path for it exists in this store.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.Trigger == "" {
		p.Trigger = models.TriggerWebhook
	}
	externalID := "job-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:20]
	now := time.Now().UTC()

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (external_id, project_id, type, trigger, status, progress, step, pr_number, commit_hash, branch, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, '', $6, $7, $8, $9, $9)
		RETURNING id
	`, externalID, p.ProjectID, p.Type, p.Trigger, models.StatusPending, p.PRNumber, p.CommitHash, p.Branch, now).Scan(&id)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:         id,
		ExternalID: externalID,
		ProjectID:  p.ProjectID,
		Type:       p.Type,
		Trigger:    p.Trigger,
		Status:     models.StatusPending,
		PRNumber:   p.PRNumber,
		CommitHash: p.CommitHash,
		Branch:     p.Branch,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

const jobColumns = `id, external_id, project_id, type, trigger, status, progress, step, analysis_result_id, pr_number, commit_hash, branch, created_at, updated_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var step pgtype.Text
	var resultID pgtype.Int8
	var prNumber pgtype.Int4
	var commit pgtype.Text
	var branch pgtype.Text

	err := row.Scan(&job.ID, &job.ExternalID, &job.ProjectID, &job.Type, &job.Trigger, &job.Status,
		&job.Progress, &step, &resultID, &prNumber, &commit, &branch, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Step = step.String
	if resultID.Valid {
		job.AnalysisResultID = &resultID.Int64
	}
	if prNumber.Valid {
		n := int(prNumber.Int32)
		job.PRNumber = &n
	}
	job.CommitHash = textPtr(commit)
	job.Branch = textPtr(branch)
	return job, nil
}

// GetJob fetches a job by internal id.
func (s *Store) GetJob(ctx context.Context, id int64) (models.Job, error) {
	return scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
}

// GetJobByExternalID fetches a job by its client-facing id.
func (s *Store) GetJobByExternalID(ctx context.Context, externalID string) (models.Job, error) {
	return scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE external_id = $1`, externalID))
}

// TransitionJob moves a job to the given status. The WHERE clause refuses to
// touch rows already in a terminal state, which is what makes transitions
// monotonic under concurrent writers. Returns false when no row changed.
func (s *Store) TransitionJob(ctx context.Context, id int64, status string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($3, $4, $5, $6)
	`, id, status, models.StatusCompleted, models.StatusFailed, models.StatusCancelled, models.StatusSkipped)
	if err != nil {
		return false, fmt.Errorf("transition job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateJobProgress sets the progress percentage and current step label.
func (s *Store) UpdateJobProgress(ctx context.Context, id int64, progress int, step string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET progress = $2, step = $3, updated_at = NOW() WHERE id = $1
	`, id, progress, step)
	return err
}

// SetJobResult links a completed analysis result to the job.
func (s *Store) SetJobResult(ctx context.Context, id int64, analysisResultID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET analysis_result_id = $2, updated_at = NOW() WHERE id = $1
	`, id, analysisResultID)
	return err
}

// AppendJobLog persists one log line with the next dense sequence number for
// the job. The sequence is computed per job inside the insert; when two writers
// race for the same number the unique index on (job_id, seq) rejects one and we
// retry with a fresh number.
func (s *Store) AppendJobLog(ctx context.Context, jobID int64, level, step, message string, metadata map[string]any) (models.JobLogEntry, error) {
	var metaJSON []byte
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return models.JobLogEntry{}, fmt.Errorf("marshal log metadata: %w", err)
		}
		metaJSON = b
	}

	for attempt := 0; attempt < 10; attempt++ {
		entry := models.JobLogEntry{
			JobID:    jobID,
			Level:    level,
			Step:     step,
			Message:  message,
			Metadata: metadata,
		}
		err := s.pool.QueryRow(ctx, `
			INSERT INTO job_logs (job_id, seq, level, step, message, metadata, recorded_at)
			VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM job_logs WHERE job_id = $1), $2, $3, $4, $5, NOW())
			RETURNING id, seq, recorded_at
		`, jobID, level, step, message, metaJSON).Scan(&entry.ID, &entry.Seq, &entry.Recorded)
		if err == nil {
			return entry, nil
		}
		if isUniqueViolation(err) {
			continue
		}
		return models.JobLogEntry{}, fmt.Errorf("insert job log: %w", err)
	}
	return models.JobLogEntry{}, fmt.Errorf("insert job log: sequence contention for job %d", jobID)
}

// ListJobLogs returns all log entries for a job in sequence order.
func (s *Store) ListJobLogs(ctx context.Context, jobID int64) ([]models.JobLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, seq, level, step, message, metadata, recorded_at
		FROM job_logs WHERE job_id = $1 ORDER BY seq
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query job logs: %w", err)
	}
	defer rows.Close()

	var entries []models.JobLogEntry
	for rows.Next() {
		var e models.JobLogEntry
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.JobID, &e.Seq, &e.Level, &e.Step, &e.Message, &metaJSON, &e.Recorded); err != nil {
			return nil, fmt.Errorf("scan job log: %w", err)
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal log metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteJobWithLogs removes a job and its log trail in one transaction so a
// failure never leaves logs without a job or a job without logs.
func (s *Store) DeleteJobWithLogs(ctx context.Context, jobID int64) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `DELETE FROM job_logs WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("delete job logs: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, jobID); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return tx.Commit(ctx)
}

// ListStuckRunning returns running jobs whose last update predates the cutoff.
func (s *Store) ListStuckRunning(ctx context.Context, cutoff time.Time) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE status = $1 AND updated_at < $2
	`, models.StatusRunning, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stuck jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListTerminalUpdatedBefore returns terminal jobs untouched since the cutoff,
// oldest first, capped at limit. Used by the retention pass.
func (s *Store) ListTerminalUpdatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`, []string{models.StatusCompleted, models.StatusFailed, models.StatusCancelled, models.StatusSkipped}, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query terminal jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// FindLock returns the lock row for a resource tuple if one exists, live or expired.
func (s *Store) FindLock(ctx context.Context, projectID int64, branch, lockType string) (models.AnalysisLock, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, key, project_id, branch, type, holder_id, commit_hash, pr_number, expires_at, created_at
		FROM analysis_locks WHERE project_id = $1 AND branch = $2 AND type = $3
	`, projectID, branch, lockType)

	var lock models.AnalysisLock
	var commit pgtype.Text
	var prNumber pgtype.Int4
	err := row.Scan(&lock.ID, &lock.Key, &lock.ProjectID, &lock.Branch, &lock.Type,
		&lock.HolderID, &commit, &prNumber, &lock.ExpiresAt, &lock.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AnalysisLock{}, false, nil
	}
	if err != nil {
		return models.AnalysisLock{}, false, fmt.Errorf("scan lock: %w", err)
	}
	lock.CommitHash = textPtr(commit)
	if prNumber.Valid {
		n := int(prNumber.Int32)
		lock.PRNumber = &n
	}
	return lock, true, nil
}

// InsertLock writes a new lock row. The unique index on (project_id, branch,
// type) is the mutual-exclusion mechanism: a violation means another acquirer
// won the race and is reported as (false, nil), never as a crash.
func (s *Store) InsertLock(ctx context.Context, lock models.AnalysisLock) (bool, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO analysis_locks (key, project_id, branch, type, holder_id, commit_hash, pr_number, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
	`, lock.Key, lock.ProjectID, lock.Branch, lock.Type, lock.HolderID, lock.CommitHash, lock.PRNumber, lock.ExpiresAt)
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert lock: %w", err)
	}
	return true, nil
}

// DeleteLockByKey removes a lock by its acquisition key. Missing keys are fine;
// the row may have expired and been swept already.
func (s *Store) DeleteLockByKey(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM analysis_locks WHERE key = $1`, key)
	return err
}

// DeleteLockIfExpired removes the identified lock only while it is still
// expired, so a concurrent re-acquisition by another holder is never clobbered.
func (s *Store) DeleteLockIfExpired(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM analysis_locks WHERE id = $1 AND expires_at <= NOW()
	`, id)
	if err != nil {
		return false, fmt.Errorf("delete expired lock: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ExtendLock pushes the expiry of a live lock forward. Returns false when the
// lock is missing or already expired.
func (s *Store) ExtendLock(ctx context.Context, key string, until time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE analysis_locks SET expires_at = $2 WHERE key = $1 AND expires_at > NOW()
	`, key, until)
	if err != nil {
		return false, fmt.Errorf("extend lock: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteExpiredLocks bulk-removes every expired lock row.
func (s *Store) DeleteExpiredLocks(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM analysis_locks WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired locks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// IncrementRateWindow bumps the command counter for the window via an atomic
// upsert and returns the post-increment count. Concurrent writers cannot
// under-count.
func (s *Store) IncrementRateWindow(ctx context.Context, projectID int64, windowStart time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO rate_limit_windows (project_id, window_start, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (project_id, window_start) DO UPDATE SET count = rate_limit_windows.count + 1
		RETURNING count
	`, projectID, windowStart).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment rate window: %w", err)
	}
	return count, nil
}

// RateWindowCount reads the current command count for a window; zero if absent.
func (s *Store) RateWindowCount(ctx context.Context, projectID int64, windowStart time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count FROM rate_limit_windows WHERE project_id = $1 AND window_start = $2
	`, projectID, windowStart).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query rate window: %w", err)
	}
	return count, nil
}

// DeleteRateWindowsBefore drops windows older than the cutoff.
func (s *Store) DeleteRateWindowsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM rate_limit_windows WHERE window_start < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete rate windows: %w", err)
	}
	return tag.RowsAffected(), nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
