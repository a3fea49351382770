// Package registry is the durable job state machine and append-only audit log.
// Every job starts PENDING with an init log line; transitions are monotonic and
// terminal states tear down live notification topics.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"analysis-orchestrator/internal/models"
	"analysis-orchestrator/internal/notify"
	"analysis-orchestrator/internal/store"
)

// ErrAlreadyTerminal is returned when a transition targets a job that has
// already reached a terminal state.
var ErrAlreadyTerminal = errors.New("job already in a terminal state")

// Store is the persistence contract the registry needs.
type Store interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id int64) (models.Job, error)
	GetJobByExternalID(ctx context.Context, externalID string) (models.Job, error)
	TransitionJob(ctx context.Context, id int64, status string) (bool, error)
	UpdateJobProgress(ctx context.Context, id int64, progress int, step string) error
	SetJobResult(ctx context.Context, id int64, analysisResultID int64) error
	AppendJobLog(ctx context.Context, jobID int64, level, step, message string, metadata map[string]any) (models.JobLogEntry, error)
	ListJobLogs(ctx context.Context, jobID int64) ([]models.JobLogEntry, error)
	DeleteJobWithLogs(ctx context.Context, jobID int64) error
	ListStuckRunning(ctx context.Context, cutoff time.Time) ([]models.Job, error)
}

// Notifier fans persisted log entries out to live subscribers.
type Notifier interface {
	Publish(ctx context.Context, ev notify.LogEvent)
	CloseTopic(externalID string)
}

// Registry coordinates job rows, their log trail, and live notification.
type Registry struct {
	store    Store
	notifier Notifier
	log      *zap.SugaredLogger
}

// New builds a Registry. notifier may be nil when live delivery is not wired.
func New(st Store, notifier Notifier, log *zap.SugaredLogger) *Registry {
	return &Registry{store: st, notifier: notifier, log: log.Named("registry")}
}

// CreateRequest carries trigger metadata for a new job.
type CreateRequest struct {
	ProjectID  int64
	Type       string
	Trigger    string
	PRNumber   *int
	CommitHash *string
	Branch     *string
}

// Create inserts a PENDING job and appends its init log line, so a job always
// has at least one log entry once it exists.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (models.Job, error) {
	job, err := r.store.CreateJob(ctx, store.CreateJobParams{
		ProjectID:  req.ProjectID,
		Type:       req.Type,
		Trigger:    req.Trigger,
		PRNumber:   req.PRNumber,
		CommitHash: req.CommitHash,
		Branch:     req.Branch,
	})
	if err != nil {
		return models.Job{}, fmt.Errorf("create job: %w", err)
	}
	if err := r.AddLog(ctx, job, models.LevelInfo, "init", fmt.Sprintf("%s job created", req.Type), nil); err != nil {
		return models.Job{}, err
	}
	r.log.Infow("job created", "job", job.ExternalID, "project", job.ProjectID, "type", job.Type)
	return job, nil
}

// CreatePRAnalysis is the creation helper for pull request analysis jobs.
func (r *Registry) CreatePRAnalysis(ctx context.Context, projectID int64, trigger string, prNumber int, commitHash, branch string) (models.Job, error) {
	return r.Create(ctx, CreateRequest{
		ProjectID:  projectID,
		Type:       models.TypePRAnalysis,
		Trigger:    trigger,
		PRNumber:   &prNumber,
		CommitHash: &commitHash,
		Branch:     &branch,
	})
}

// CreateBranchAnalysis is the creation helper for branch analysis jobs.
func (r *Registry) CreateBranchAnalysis(ctx context.Context, projectID int64, trigger, commitHash, branch string) (models.Job, error) {
	return r.Create(ctx, CreateRequest{
		ProjectID:  projectID,
		Type:       models.TypeBranchAnalysis,
		Trigger:    trigger,
		CommitHash: &commitHash,
		Branch:     &branch,
	})
}

// Get fetches a job by its client-facing id.
func (r *Registry) Get(ctx context.Context, externalID string) (models.Job, error) {
	return r.store.GetJobByExternalID(ctx, externalID)
}

// Logs returns the full persisted log trail for a job, in sequence order.
func (r *Registry) Logs(ctx context.Context, job models.Job) ([]models.JobLogEntry, error) {
	return r.store.ListJobLogs(ctx, job.ID)
}

// Start moves a job to RUNNING.
func (r *Registry) Start(ctx context.Context, job models.Job) error {
	ok, err := r.store.TransitionJob(ctx, job.ID, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("start job: %w", err)
	}
	if !ok {
		return ErrAlreadyTerminal
	}
	return r.AddLog(ctx, job, models.LevelInfo, "start", "analysis started", nil)
}

// Complete moves a job to COMPLETED, optionally linking the analysis result.
func (r *Registry) Complete(ctx context.Context, job models.Job, analysisResultID *int64) error {
	if analysisResultID != nil {
		if err := r.store.SetJobResult(ctx, job.ID, *analysisResultID); err != nil {
			return fmt.Errorf("link analysis result: %w", err)
		}
	}
	return r.finish(ctx, job, models.StatusCompleted, models.LevelInfo, "done", "analysis completed", nil)
}

// Fail moves a job to FAILED and records the reason. It must land even when
// the caller's own unit of work is being abandoned, so it re-reads the job
// fresh by id instead of trusting a possibly stale copy, and every write here
// runs as its own statement against the pool rather than inside any ambient
// transaction the caller may be rolling back.
func (r *Registry) Fail(ctx context.Context, jobID int64, reason string) error {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("reload job for failure: %w", err)
	}
	return r.finish(ctx, job, models.StatusFailed, models.LevelError, "failed", reason, nil)
}

// Cancel moves a job to CANCELLED.
func (r *Registry) Cancel(ctx context.Context, job models.Job) error {
	return r.finish(ctx, job, models.StatusCancelled, models.LevelWarn, "cancelled", "job cancelled", nil)
}

// Skip records that no analysis was warranted. Not a failure.
func (r *Registry) Skip(ctx context.Context, job models.Job, reason string) error {
	return r.finish(ctx, job, models.StatusSkipped, models.LevelInfo, "skipped", reason, nil)
}

func (r *Registry) finish(ctx context.Context, job models.Job, status, level, step, message string, metadata map[string]any) error {
	ok, err := r.store.TransitionJob(ctx, job.ID, status)
	if err != nil {
		return fmt.Errorf("transition to %s: %w", status, err)
	}
	if ok {
		if err := r.AddLog(ctx, job, level, step, message, metadata); err != nil {
			r.log.Errorw("append terminal log", "job", job.ExternalID, "status", status, "error", err)
		}
	}
	if r.notifier != nil {
		r.notifier.CloseTopic(job.ExternalID)
	}
	if !ok {
		return ErrAlreadyTerminal
	}
	r.log.Infow("job finished", "job", job.ExternalID, "status", status)
	return nil
}

// AddLog persists one audit line and fans it out to live subscribers. Fan-out
// problems never fail the write; the durable trail is the source of truth.
func (r *Registry) AddLog(ctx context.Context, job models.Job, level, step, message string, metadata map[string]any) error {
	entry, err := r.store.AppendJobLog(ctx, job.ID, level, step, message, metadata)
	if err != nil {
		return fmt.Errorf("append job log: %w", err)
	}
	if r.notifier != nil {
		r.notifier.Publish(ctx, notify.LogEvent{
			JobID:    job.ExternalID,
			Seq:      entry.Seq,
			Level:    entry.Level,
			Step:     entry.Step,
			Message:  entry.Message,
			Metadata: entry.Metadata,
			Recorded: entry.Recorded,
		})
	}
	return nil
}

// Progress updates the job's progress percentage and step label and logs it.
func (r *Registry) Progress(ctx context.Context, job models.Job, percent int, step, message string) error {
	if err := r.store.UpdateJobProgress(ctx, job.ID, percent, step); err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return r.AddLog(ctx, job, models.LevelInfo, step, message, map[string]any{"progress": percent})
}

// DeleteIgnored removes a job judged irrelevant after creation, together with
// its logs, to keep the audit trail free of noise. The delete is atomic; on
// error the caller falls back to Skip rather than leaving a partial record.
func (r *Registry) DeleteIgnored(ctx context.Context, job models.Job, reason string) error {
	if err := r.store.DeleteJobWithLogs(ctx, job.ID); err != nil {
		return fmt.Errorf("delete ignored job: %w", err)
	}
	if r.notifier != nil {
		r.notifier.CloseTopic(job.ExternalID)
	}
	r.log.Infow("deleted ignored job", "job", job.ExternalID, "reason", reason)
	return nil
}

// FindAndFailStuckJobs forcibly fails RUNNING jobs older than the threshold.
// Safety net against workers that crashed without reaching a terminal write.
func (r *Registry) FindAndFailStuckJobs(ctx context.Context, threshold time.Duration, reason string) (int, error) {
	stuck, err := r.store.ListStuckRunning(ctx, time.Now().Add(-threshold))
	if err != nil {
		return 0, fmt.Errorf("find stuck jobs: %w", err)
	}
	var failed int
	for _, job := range stuck {
		if err := r.Fail(ctx, job.ID, reason); err != nil {
			if errors.Is(err, ErrAlreadyTerminal) {
				continue
			}
			r.log.Errorw("fail stuck job", "job", job.ExternalID, "error", err)
			continue
		}
		failed++
	}
	if failed > 0 {
		r.log.Warnw("failed stuck jobs", "count", failed, "threshold", threshold)
	}
	return failed, nil
}
