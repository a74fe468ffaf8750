// Package mute tracks per-participant audio/video mute flags. The shared
// store carries the hot copy with a refresh TTL for fast reads on any node;
// the database keeps a durable shadow that survives store eviction.
package mute

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aura-connect/backend/internal/models"
	"github.com/aura-connect/backend/pkg/database"
	"github.com/aura-connect/backend/pkg/redisstore"
)

const mirrorTTL = time.Hour

// Kind of track being muted.
const (
	KindAudio = "audio"
	KindVideo = "video"
)

// Service writes mute state to both stores.
type Service struct {
	store  *redisstore.Client
	db     *database.Client
	logger *zap.Logger
}

// NewService creates the mute service.
func NewService(store *redisstore.Client, db *database.Client, logger *zap.Logger) *Service {
	return &Service{store: store, db: db, logger: logger}
}

// Set records a mute flag change. forced marks a host-initiated mute. The
// durable write is authoritative; the mirror write is best-effort and lands
// value plus TTL atomically in one pipeline.
func (s *Service) Set(ctx context.Context, roomID, roomCode, userID, kind string, muted, forced bool) (*models.MuteState, error) {
	if kind != KindAudio && kind != KindVideo {
		return nil, errors.New("unknown mute kind: " + kind)
	}

	state, err := s.upsertShadow(ctx, roomID, userID, kind, muted, forced)
	if err != nil {
		return nil, err
	}
	s.mirror(ctx, roomCode, userID, state)
	return state, nil
}

func (s *Service) upsertShadow(ctx context.Context, roomID, userID, kind string, muted, forced bool) (*models.MuteState, error) {
	column, forcedColumn := "audio_muted", "audio_forced"
	if kind == KindVideo {
		column, forcedColumn = "video_muted", "video_forced"
	}
	var state models.MuteState
	err := s.db.Run(ctx, "mute.upsert", func(ctx context.Context) error {
		return s.db.Pool().QueryRow(ctx,
			`INSERT INTO mute_states (room_id, user_id, `+column+`, `+forcedColumn+`)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (room_id, user_id) DO UPDATE SET
			   `+column+` = $3, `+forcedColumn+` = $4, updated_at = NOW()
			 RETURNING room_id, user_id, audio_muted, video_muted, audio_forced, video_forced, updated_at`,
			roomID, userID, muted, forced).
			Scan(&state.RoomID, &state.UserID, &state.AudioMuted, &state.VideoMuted,
				&state.AudioForced, &state.VideoForced, &state.UpdatedAt)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *Service) mirror(ctx context.Context, roomCode, userID string, state *models.MuteState) {
	key := redisstore.RoomMuteKey(roomCode, userID)
	err := s.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"audioMuted", strconv.FormatBool(state.AudioMuted),
			"videoMuted", strconv.FormatBool(state.VideoMuted),
			"audioForced", strconv.FormatBool(state.AudioForced),
			"videoForced", strconv.FormatBool(state.VideoForced),
			"updatedMs", strconv.FormatInt(state.UpdatedAt.UnixMilli(), 10),
		)
		pipe.Expire(ctx, key, mirrorTTL)
		return nil
	})
	if err != nil && !redisstore.IsUnavailable(err) {
		s.logger.Warn("mute mirror write failed",
			zap.String("room_code", roomCode), zap.String("user_id", userID), zap.Error(err))
	}
}

// Get reads the mirror first and falls back to the durable shadow on a miss
// or store outage.
func (s *Service) Get(ctx context.Context, roomID, roomCode, userID string) (*models.MuteState, error) {
	key := redisstore.RoomMuteKey(roomCode, userID)
	fields, err := s.store.Raw().HGetAll(ctx, key).Result()
	if err == nil && len(fields) > 0 {
		state := &models.MuteState{
			RoomID:      roomID,
			UserID:      userID,
			AudioMuted:  fields["audioMuted"] == "true",
			VideoMuted:  fields["videoMuted"] == "true",
			AudioForced: fields["audioForced"] == "true",
			VideoForced: fields["videoForced"] == "true",
		}
		if ms, err := strconv.ParseInt(fields["updatedMs"], 10, 64); err == nil {
			state.UpdatedAt = time.UnixMilli(ms)
		}
		return state, nil
	}

	var state models.MuteState
	err = s.db.Run(ctx, "mute.get", func(ctx context.Context) error {
		return s.db.Pool().QueryRow(ctx,
			`SELECT room_id, user_id, audio_muted, video_muted, audio_forced, video_forced, updated_at
			 FROM mute_states WHERE room_id = $1 AND user_id = $2`, roomID, userID).
			Scan(&state.RoomID, &state.UserID, &state.AudioMuted, &state.VideoMuted,
				&state.AudioForced, &state.VideoForced, &state.UpdatedAt)
	})
	if errors.Is(err, database.ErrNotFound) {
		// No record means unmuted.
		return &models.MuteState{RoomID: roomID, UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	s.mirror(ctx, roomCode, userID, &state)
	return &state, nil
}
