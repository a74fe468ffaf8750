package rooms

import (
	"context"
	"errors"

	"github.com/aura-connect/backend/internal/models"
	"github.com/aura-connect/backend/pkg/database"
)

// Repository handles room, participant and join-request persistence.
type Repository struct {
	db *database.Client
}

// NewRepository creates the rooms repository.
func NewRepository(db *database.Client) *Repository {
	return &Repository{db: db}
}

const roomColumns = `id, code, name, created_by, require_approval, chat_muted, is_active, closed_at, created_at, updated_at`

func scanRoom(row interface{ Scan(...any) error }) (*models.Room, error) {
	var r models.Room
	err := row.Scan(&r.ID, &r.Code, &r.Name, &r.CreatedBy, &r.RequireApproval,
		&r.ChatMuted, &r.IsActive, &r.ClosedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Create inserts a room with a freshly generated code, retrying on the
// unlikely code collision.
func (r *Repository) Create(ctx context.Context, name, createdBy string, requireApproval bool) (*models.Room, error) {
	for attempt := 0; attempt < 3; attempt++ {
		code := GenerateCode()
		var room *models.Room
		err := r.db.Run(ctx, "rooms.create", func(ctx context.Context) error {
			row := r.db.Pool().QueryRow(ctx,
				`INSERT INTO rooms (code, name, created_by, require_approval)
				 VALUES ($1, $2, $3, $4)
				 RETURNING `+roomColumns, code, name, createdBy, requireApproval)
			var err error
			room, err = scanRoom(row)
			return err
		})
		if database.IsUniqueViolation(err) {
			continue
		}
		return room, err
	}
	return nil, errors.New("room code collision persisted across retries")
}

// GetByCode returns a room by its normalized code.
func (r *Repository) GetByCode(ctx context.Context, code string) (*models.Room, error) {
	var room *models.Room
	err := r.db.Run(ctx, "rooms.get_by_code", func(ctx context.Context) error {
		row := r.db.Pool().QueryRow(ctx,
			`SELECT `+roomColumns+` FROM rooms WHERE code = $1`, code)
		var err error
		room, err = scanRoom(row)
		return err
	})
	return room, err
}

// GetByID returns a room by id.
func (r *Repository) GetByID(ctx context.Context, id string) (*models.Room, error) {
	var room *models.Room
	err := r.db.Run(ctx, "rooms.get_by_id", func(ctx context.Context) error {
		row := r.db.Pool().QueryRow(ctx,
			`SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id)
		var err error
		room, err = scanRoom(row)
		return err
	})
	return room, err
}

// UpdateSettings patches the mutable room settings. Nil fields are untouched.
func (r *Repository) UpdateSettings(ctx context.Context, roomID string, name *string, requireApproval, chatMuted *bool) (*models.Room, error) {
	var room *models.Room
	err := r.db.Run(ctx, "rooms.update_settings", func(ctx context.Context) error {
		row := r.db.Pool().QueryRow(ctx,
			`UPDATE rooms SET
			   name = COALESCE($2, name),
			   require_approval = COALESCE($3, require_approval),
			   chat_muted = COALESCE($4, chat_muted),
			   updated_at = NOW()
			 WHERE id = $1
			 RETURNING `+roomColumns, roomID, name, requireApproval, chatMuted)
		var err error
		room, err = scanRoom(row)
		return err
	})
	return room, err
}

// CloseRoom deactivates a room.
func (r *Repository) CloseRoom(ctx context.Context, roomID string) error {
	return r.db.Run(ctx, "rooms.close", func(ctx context.Context) error {
		_, err := r.db.Pool().Exec(ctx,
			`UPDATE rooms SET is_active = FALSE, closed_at = NOW(), updated_at = NOW() WHERE id = $1`, roomID)
		return err
	})
}

// UpsertParticipant inserts or revives a participant row. A rejoin clears
// left_at and refreshes joined_at; the role is preserved on conflict.
func (r *Repository) UpsertParticipant(ctx context.Context, roomID, userID, role string) (*models.Participant, error) {
	var p models.Participant
	err := r.db.Run(ctx, "participants.upsert", func(ctx context.Context) error {
		return r.db.Pool().QueryRow(ctx,
			`INSERT INTO participants (room_id, user_id, role)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (room_id, user_id)
			 DO UPDATE SET left_at = NULL, joined_at = NOW()
			 RETURNING id, room_id, user_id, role, joined_at, left_at`,
			roomID, userID, role).
			Scan(&p.ID, &p.RoomID, &p.UserID, &p.Role, &p.JoinedAt, &p.LeftAt)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// MarkLeft stamps left_at for a participant still marked present.
func (r *Repository) MarkLeft(ctx context.Context, roomID, userID string) error {
	return r.db.Run(ctx, "participants.mark_left", func(ctx context.Context) error {
		_, err := r.db.Pool().Exec(ctx,
			`UPDATE participants SET left_at = NOW()
			 WHERE room_id = $1 AND user_id = $2 AND left_at IS NULL`, roomID, userID)
		return err
	})
}

// ListActive returns the participants currently in the room.
func (r *Repository) ListActive(ctx context.Context, roomID string) ([]models.Participant, error) {
	var out []models.Participant
	err := r.db.Run(ctx, "participants.list_active", func(ctx context.Context) error {
		rows, err := r.db.Pool().Query(ctx,
			`SELECT id, room_id, user_id, role, joined_at, left_at
			 FROM participants WHERE room_id = $1 AND left_at IS NULL
			 ORDER BY joined_at`, roomID)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var p models.Participant
			if err := rows.Scan(&p.ID, &p.RoomID, &p.UserID, &p.Role, &p.JoinedAt, &p.LeftAt); err != nil {
				return err
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	return out, err
}

// CreateJoinRequest queues a pending request. A repeat request while one is
// already pending returns the existing row unchanged (idempotent); a
// previously rejected request is reopened.
func (r *Repository) CreateJoinRequest(ctx context.Context, roomID, userID string) (*models.JoinRequest, error) {
	var jr models.JoinRequest
	err := r.db.Run(ctx, "join_requests.create", func(ctx context.Context) error {
		return r.db.Pool().QueryRow(ctx,
			`INSERT INTO join_requests (room_id, user_id)
			 VALUES ($1, $2)
			 ON CONFLICT (room_id, user_id) DO UPDATE SET
			   status = CASE WHEN join_requests.status = 'rejected' THEN 'pending' ELSE join_requests.status END,
			   resolved_at = CASE WHEN join_requests.status = 'rejected' THEN NULL ELSE join_requests.resolved_at END
			 RETURNING id, room_id, user_id, status, created_at, resolved_at`,
			roomID, userID).
			Scan(&jr.ID, &jr.RoomID, &jr.UserID, &jr.Status, &jr.CreatedAt, &jr.ResolvedAt)
	})
	if err != nil {
		return nil, err
	}
	return &jr, nil
}

// ResolveJoinRequest marks a pending request approved or rejected.
func (r *Repository) ResolveJoinRequest(ctx context.Context, requestID, status string) (*models.JoinRequest, error) {
	var jr models.JoinRequest
	err := r.db.Run(ctx, "join_requests.resolve", func(ctx context.Context) error {
		return r.db.Pool().QueryRow(ctx,
			`UPDATE join_requests SET status = $2, resolved_at = NOW()
			 WHERE id = $1 AND status = 'pending'
			 RETURNING id, room_id, user_id, status, created_at, resolved_at`,
			requestID, status).
			Scan(&jr.ID, &jr.RoomID, &jr.UserID, &jr.Status, &jr.CreatedAt, &jr.ResolvedAt)
	})
	if err != nil {
		return nil, err
	}
	return &jr, nil
}

// GetJoinRequest returns the request a user has for a room, if any.
func (r *Repository) GetJoinRequest(ctx context.Context, roomID, userID string) (*models.JoinRequest, error) {
	var jr models.JoinRequest
	err := r.db.Run(ctx, "join_requests.get", func(ctx context.Context) error {
		return r.db.Pool().QueryRow(ctx,
			`SELECT id, room_id, user_id, status, created_at, resolved_at
			 FROM join_requests WHERE room_id = $1 AND user_id = $2`, roomID, userID).
			Scan(&jr.ID, &jr.RoomID, &jr.UserID, &jr.Status, &jr.CreatedAt, &jr.ResolvedAt)
	})
	if err != nil {
		return nil, err
	}
	return &jr, nil
}

// ListPendingRequests returns the pending requests for a room.
func (r *Repository) ListPendingRequests(ctx context.Context, roomID string) ([]models.JoinRequest, error) {
	var out []models.JoinRequest
	err := r.db.Run(ctx, "join_requests.list_pending", func(ctx context.Context) error {
		rows, err := r.db.Pool().Query(ctx,
			`SELECT id, room_id, user_id, status, created_at, resolved_at
			 FROM join_requests WHERE room_id = $1 AND status = 'pending'
			 ORDER BY created_at`, roomID)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var jr models.JoinRequest
			if err := rows.Scan(&jr.ID, &jr.RoomID, &jr.UserID, &jr.Status, &jr.CreatedAt, &jr.ResolvedAt); err != nil {
				return err
			}
			out = append(out, jr)
		}
		return rows.Err()
	})
	return out, err
}
