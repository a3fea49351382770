package archive

import (
	"context"
	"time"

	"go.uber.org/zap"

	"analysis-orchestrator/internal/models"
)

// jobStore is the slice of the persistence layer the retention pass needs.
type jobStore interface {
	ListTerminalUpdatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error)
	ListJobLogs(ctx context.Context, jobID int64) ([]models.JobLogEntry, error)
	DeleteJobWithLogs(ctx context.Context, jobID int64) error
}

// batchSize bounds a single retention pass so it never holds a long scan.
const batchSize = 100

// Retention archives finished jobs past their retention window and prunes them
// from the database. A job is only deleted after its bundle uploaded; upload
// trouble leaves the row in place for the next pass.
type Retention struct {
	store    jobStore
	exporter *Exporter
	keep     time.Duration
	log      *zap.SugaredLogger
}

// NewRetention builds the retention pass. exporter may be nil, in which case
// jobs are pruned without archival.
func NewRetention(store jobStore, exporter *Exporter, keep time.Duration, log *zap.SugaredLogger) *Retention {
	return &Retention{
		store:    store,
		exporter: exporter,
		keep:     keep,
		log:      log.Named("retention"),
	}
}

// Run archives and prunes one batch of expired terminal jobs. Returns how many
// jobs were removed.
func (r *Retention) Run(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-r.keep)
	jobs, err := r.store.ListTerminalUpdatedBefore(ctx, cutoff, batchSize)
	if err != nil {
		return 0, err
	}

	pruned := 0
	for _, job := range jobs {
		logs, err := r.store.ListJobLogs(ctx, job.ID)
		if err != nil {
			r.log.Errorw("read logs for archival", "job", job.ExternalID, "error", err)
			continue
		}
		if err := r.exporter.Export(ctx, job, logs); err != nil {
			r.log.Errorw("archive job", "job", job.ExternalID, "error", err)
			continue
		}
		if err := r.store.DeleteJobWithLogs(ctx, job.ID); err != nil {
			r.log.Errorw("prune job", "job", job.ExternalID, "error", err)
			continue
		}
		pruned++
	}
	if pruned > 0 {
		r.log.Infow("retention pass complete", "pruned", pruned, "cutoff", cutoff)
	}
	return pruned, nil
}
