package recording

import (
	"context"
	"errors"
	"time"

	"github.com/aura-connect/backend/internal/models"
	"github.com/aura-connect/backend/pkg/database"
)

// Store is the persistence surface the orchestrator and upload processor
// need. Implemented by Repository.
type Store interface {
	CreateSession(ctx context.Context, rec *models.Recording) error
	UpdateStatus(ctx context.Context, recordingID, status string) error
	FinishSession(ctx context.Context, recordingID string, endedAt time.Time, durationSeconds int, status string) error
	CreateAsset(ctx context.Context, asset *models.RecordingAsset) error
	UpdateAssetUpload(ctx context.Context, assetID, bucket, key string, size int64) error
	AssetForRecording(ctx context.Context, recordingID string) (*models.RecordingAsset, error)
	ActiveForRoom(ctx context.Context, roomID string) (*models.Recording, error)
}

// Repository persists recording sessions and their assets.
type Repository struct {
	db *database.Client
}

// NewRepository creates the recordings repository.
func NewRepository(db *database.Client) *Repository {
	return &Repository{db: db}
}

const recordingColumns = `id, room_id, host_user_id, status, started_at, ended_at, duration_seconds, created_at, updated_at`

func scanRecording(row interface{ Scan(dest ...any) error }, rec *models.Recording) error {
	return row.Scan(&rec.ID, &rec.RoomID, &rec.HostUserID, &rec.Status, &rec.StartedAt,
		&rec.EndedAt, &rec.DurationSeconds, &rec.CreatedAt, &rec.UpdatedAt)
}

// CreateSession inserts a new session row, filling in the generated fields.
func (r *Repository) CreateSession(ctx context.Context, rec *models.Recording) error {
	return r.db.Run(ctx, "recordings.create", func(ctx context.Context) error {
		row := r.db.Pool().QueryRow(ctx,
			`INSERT INTO recordings (room_id, host_user_id, status, started_at)
			 VALUES ($1, $2, $3, $4)
			 RETURNING id, created_at, updated_at`,
			rec.RoomID, rec.HostUserID, rec.Status, rec.StartedAt)
		return row.Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
	})
}

// UpdateStatus moves a session to a new lifecycle state.
func (r *Repository) UpdateStatus(ctx context.Context, recordingID, status string) error {
	return r.db.Run(ctx, "recordings.update_status", func(ctx context.Context) error {
		_, err := r.db.Pool().Exec(ctx,
			`UPDATE recordings SET status = $1, updated_at = NOW() WHERE id = $2`,
			status, recordingID)
		return err
	})
}

// FinishSession closes a session with its end time, duration and final state.
func (r *Repository) FinishSession(ctx context.Context, recordingID string, endedAt time.Time, durationSeconds int, status string) error {
	return r.db.Run(ctx, "recordings.finish", func(ctx context.Context) error {
		_, err := r.db.Pool().Exec(ctx,
			`UPDATE recordings SET status = $1, ended_at = $2, duration_seconds = $3, updated_at = NOW()
			 WHERE id = $4`,
			status, endedAt, durationSeconds, recordingID)
		return err
	})
}

// GetSession returns one session by id.
func (r *Repository) GetSession(ctx context.Context, recordingID string) (*models.Recording, error) {
	var rec models.Recording
	err := r.db.Run(ctx, "recordings.get", func(ctx context.Context) error {
		return scanRecording(r.db.Pool().QueryRow(ctx,
			`SELECT `+recordingColumns+` FROM recordings WHERE id = $1`, recordingID), &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ActiveForRoom returns the room's in-flight session, or nil when none.
func (r *Repository) ActiveForRoom(ctx context.Context, roomID string) (*models.Recording, error) {
	var rec models.Recording
	err := r.db.Run(ctx, "recordings.active_for_room", func(ctx context.Context) error {
		return scanRecording(r.db.Pool().QueryRow(ctx,
			`SELECT `+recordingColumns+` FROM recordings
			 WHERE room_id = $1 AND status IN ($2, $3, $4)
			 ORDER BY started_at DESC LIMIT 1`,
			roomID, models.RecordingStarting, models.RecordingRecording, models.RecordingUploading), &rec)
	})
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListByRoom returns the room's sessions, newest first.
func (r *Repository) ListByRoom(ctx context.Context, roomID string) ([]models.Recording, error) {
	var list []models.Recording
	err := r.db.Run(ctx, "recordings.list_by_room", func(ctx context.Context) error {
		rows, err := r.db.Pool().Query(ctx,
			`SELECT `+recordingColumns+` FROM recordings WHERE room_id = $1 ORDER BY started_at DESC`,
			roomID)
		if err != nil {
			return err
		}
		defer rows.Close()
		list = list[:0]
		for rows.Next() {
			var rec models.Recording
			if err := scanRecording(rows, &rec); err != nil {
				return err
			}
			list = append(list, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

// CreateAsset inserts an artifact row for a session.
func (r *Repository) CreateAsset(ctx context.Context, asset *models.RecordingAsset) error {
	return r.db.Run(ctx, "recordings.create_asset", func(ctx context.Context) error {
		row := r.db.Pool().QueryRow(ctx,
			`INSERT INTO recording_assets (recording_id, asset_type, format, s3_bucket, s3_key, file_size, local_path)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING id, created_at`,
			asset.RecordingID, asset.AssetType, asset.Format, asset.S3Bucket, asset.S3Key, asset.FileSize, asset.LocalPath)
		return row.Scan(&asset.ID, &asset.CreatedAt)
	})
}

// UpdateAssetUpload records a completed upload and clears the local path.
func (r *Repository) UpdateAssetUpload(ctx context.Context, assetID, bucket, key string, size int64) error {
	return r.db.Run(ctx, "recordings.update_asset_upload", func(ctx context.Context) error {
		_, err := r.db.Pool().Exec(ctx,
			`UPDATE recording_assets SET s3_bucket = $1, s3_key = $2, file_size = $3, local_path = ''
			 WHERE id = $4`,
			bucket, key, size, assetID)
		return err
	})
}

// AssetForRecording returns the session's composite asset.
func (r *Repository) AssetForRecording(ctx context.Context, recordingID string) (*models.RecordingAsset, error) {
	var a models.RecordingAsset
	err := r.db.Run(ctx, "recordings.asset_for_recording", func(ctx context.Context) error {
		return r.db.Pool().QueryRow(ctx,
			`SELECT id, recording_id, asset_type, format, s3_bucket, s3_key, file_size, local_path, created_at
			 FROM recording_assets WHERE recording_id = $1 ORDER BY created_at LIMIT 1`,
			recordingID).
			Scan(&a.ID, &a.RecordingID, &a.AssetType, &a.Format, &a.S3Bucket, &a.S3Key, &a.FileSize, &a.LocalPath, &a.CreatedAt)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}
