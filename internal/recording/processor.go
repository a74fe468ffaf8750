package recording

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/aura-connect/backend/internal/models"
	"github.com/aura-connect/backend/pkg/queue"
	"github.com/aura-connect/backend/pkg/storage"
)

// Processor drains the upload retry queue: artifacts whose inline upload
// failed are pushed to object storage in the background, with the queue's
// retry/DLQ policy on repeated failure.
type Processor struct {
	queue  *queue.Queue
	repo   Store
	s3     *storage.S3
	logger *zap.Logger
}

// NewProcessor creates the background upload worker.
func NewProcessor(q *queue.Queue, repo Store, s3 *storage.S3, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{queue: q, repo: repo, s3: s3, logger: logger}
}

// Run consumes jobs until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	p.logger.Info("upload processor started")
	for {
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				p.logger.Info("upload processor stopped")
				return
			}
			p.logger.Warn("dequeue failed", zap.Error(err))
			continue
		}
		if job == nil {
			continue
		}
		if err := p.process(ctx, job); err != nil {
			p.logger.Warn("upload job failed",
				zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if err := p.queue.Retry(ctx, job); err != nil {
				p.logger.Error("requeue failed", zap.String("job_id", job.ID), zap.Error(err))
			}
		}
	}
}

func (p *Processor) process(ctx context.Context, job *queue.Job) error {
	var payload queue.UploadPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		// Malformed payloads can never succeed; drop instead of retrying.
		p.logger.Error("dropping malformed upload job",
			zap.String("job_id", job.ID), zap.Error(err))
		return nil
	}

	info, err := os.Stat(payload.LocalPath)
	if err != nil {
		p.logger.Error("dropping upload job, local file gone",
			zap.String("job_id", job.ID), zap.String("path", payload.LocalPath))
		return nil
	}

	asset, err := p.repo.AssetForRecording(ctx, payload.RecordingID)
	if err != nil {
		return fmt.Errorf("load asset: %w", err)
	}

	key := p.s3.ArtifactKey(payload.RoomID, payload.RecordingID)
	f, err := os.Open(payload.LocalPath)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	err = p.s3.Upload(ctx, key, "video/mp4", f, info.Size())
	_ = f.Close()
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}

	if err := p.repo.UpdateAssetUpload(ctx, asset.ID, p.s3.Bucket(), key, info.Size()); err != nil {
		return fmt.Errorf("update asset: %w", err)
	}
	if err := p.repo.UpdateStatus(ctx, payload.RecordingID, models.RecordingCompleted); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	_ = os.Remove(payload.LocalPath)
	p.logger.Info("artifact uploaded on retry",
		zap.String("recording_id", payload.RecordingID), zap.String("key", key))
	return nil
}
