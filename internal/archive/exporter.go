// Package archive exports the full log trail of terminal jobs as JSON bundles
// to object storage, for retention beyond the database's lifetime.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"analysis-orchestrator/internal/config"
	"analysis-orchestrator/internal/models"
)

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Exporter uploads job log bundles. Nil-safe: a nil exporter ignores calls, so
// deployments without a bucket configured need no special casing.
type Exporter struct {
	client objectPutter
	bucket string
	prefix string
	log    *zap.SugaredLogger
}

// New builds an Exporter, or nil when no bucket is configured.
func New(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) (*Exporter, error) {
	if cfg.ArchiveBucket == "" {
		return nil, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Exporter{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.ArchiveBucket,
		prefix: cfg.ArchivePrefix,
		log:    log.Named("archive"),
	}, nil
}

// bundle is the persisted JSON shape.
type bundle struct {
	Job        models.Job           `json:"job"`
	Logs       []models.JobLogEntry `json:"logs"`
	ExportedAt time.Time            `json:"exported_at"`
}

// Export uploads one job's trail. Key layout: <prefix>/<project>/<external id>.json.
func (e *Exporter) Export(ctx context.Context, job models.Job, logs []models.JobLogEntry) error {
	if e == nil {
		return nil
	}
	body, err := json.Marshal(bundle{Job: job, Logs: logs, ExportedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal log bundle: %w", err)
	}

	key := fmt.Sprintf("%s/%d/%s.json", e.prefix, job.ProjectID, job.ExternalID)
	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("upload log bundle: %w", err)
	}
	e.log.Infow("archived job logs", "job", job.ExternalID, "key", key, "bytes", len(body))
	return nil
}
