package rooms

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/aura-connect/backend/internal/models"
	"github.com/aura-connect/backend/pkg/database"
)

var (
	// ErrInvalidCode means the room code fails canonical validation.
	ErrInvalidCode = errors.New("invalid room code")
	// ErrRoomClosed means the room exists but is no longer active.
	ErrRoomClosed = errors.New("room is closed")
	// ErrApprovalRequired means the room gates entry on a host decision.
	ErrApprovalRequired = errors.New("join approval required")
)

// joinRetryDelays spaces the rejoin retries; the upsert races with a
// concurrent leave stamping the same row.
var joinRetryDelays = []time.Duration{time.Millisecond, 10 * time.Millisecond}

// Service wraps the repository with join semantics.
type Service struct {
	repo   *Repository
	logger *zap.Logger
}

// NewService creates the room service.
func NewService(repo *Repository, logger *zap.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// Repo exposes the repository for handlers that only need persistence.
func (s *Service) Repo() *Repository { return s.repo }

// Join resolves a room code and upserts the participant row, retrying the
// upsert up to three attempts. The room creator joins as host and bypasses
// approval; everyone else needs an approved request when the room gates entry.
func (s *Service) Join(ctx context.Context, userID, rawCode string) (*models.Room, *models.Participant, error) {
	code := NormalizeCode(rawCode)
	if !ValidCode(code) {
		return nil, nil, ErrInvalidCode
	}

	room, err := s.repo.GetByCode(ctx, code)
	if err != nil {
		return nil, nil, err
	}
	if !room.IsActive {
		return nil, nil, ErrRoomClosed
	}

	role := models.RoleGuest
	if room.CreatedBy == userID {
		role = models.RoleHost
	} else if room.RequireApproval {
		jr, err := s.repo.GetJoinRequest(ctx, room.ID, userID)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return nil, nil, err
		}
		if jr == nil || jr.Status != models.JoinRequestApproved {
			return nil, nil, ErrApprovalRequired
		}
	}

	var participant *models.Participant
	for attempt := 0; ; attempt++ {
		participant, err = s.repo.UpsertParticipant(ctx, room.ID, userID, role)
		if err == nil {
			break
		}
		if attempt >= len(joinRetryDelays) {
			return nil, nil, err
		}
		s.logger.Warn("participant upsert retry",
			zap.String("room_id", room.ID), zap.String("user_id", userID),
			zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-time.After(joinRetryDelays[attempt]):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	return room, participant, nil
}

// Leave stamps the participant row.
func (s *Service) Leave(ctx context.Context, roomID, userID string) error {
	return s.repo.MarkLeft(ctx, roomID, userID)
}

// IsHost reports whether the user created the room identified by code.
func (s *Service) IsHost(room *models.Room, userID string) bool {
	return room.CreatedBy == userID
}
