// Package models holds the row types shared across repositories.
package models

import "time"

// User is an account row. PasswordHash never serializes.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Name         string    `json:"name"`
	Picture      string    `json:"picture"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Participant roles.
const (
	RoleHost  = "host"
	RoleGuest = "guest"
)

// Room is a conference room row. Code is the human-shareable identifier
// (xxxx-xxxx-xxxx); ID is the internal key everything else references.
type Room struct {
	ID              string     `json:"id"`
	Code            string     `json:"code"`
	Name            string     `json:"name"`
	CreatedBy       string     `json:"createdBy"`
	RequireApproval bool       `json:"requireApproval"`
	ChatMuted       bool       `json:"chatMuted"`
	IsActive        bool       `json:"isActive"`
	ClosedAt        *time.Time `json:"closedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Participant links a user to a room. LeftAt nil means currently joined.
type Participant struct {
	ID       string     `json:"id"`
	RoomID   string     `json:"roomId"`
	UserID   string     `json:"userId"`
	Role     string     `json:"role"`
	JoinedAt time.Time  `json:"joinedAt"`
	LeftAt   *time.Time `json:"leftAt,omitempty"`
}

// Join request statuses.
const (
	JoinRequestPending  = "pending"
	JoinRequestApproved = "approved"
	JoinRequestRejected = "rejected"
)

// JoinRequest is a pending entry for rooms that require host approval.
type JoinRequest struct {
	ID         string     `json:"id"`
	RoomID     string     `json:"roomId"`
	UserID     string     `json:"userId"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"createdAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// ChatMessage is a persisted chat row. RecipientID nil means room-wide.
type ChatMessage struct {
	ID              string    `json:"id"`
	RoomID          string    `json:"roomId"`
	SenderID        string    `json:"senderId"`
	RecipientID     *string   `json:"recipientId,omitempty"`
	ClientMessageID string    `json:"clientMessageId,omitempty"`
	Content         string    `json:"content"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Recording lifecycle states.
const (
	RecordingStarting  = "STARTING"
	RecordingRecording = "RECORDING"
	RecordingUploading = "UPLOADING"
	RecordingCompleted = "COMPLETED"
	RecordingFailed    = "FAILED"
)

// Recording is one recording session for a room. At most one is active per
// room at any time.
type Recording struct {
	ID              string     `json:"id"`
	RoomID          string     `json:"roomId"`
	HostUserID      string     `json:"hostUserId"`
	Status          string     `json:"status"`
	StartedAt       time.Time  `json:"startedAt"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
	DurationSeconds int        `json:"durationSeconds"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Recording asset types.
const AssetComposite = "COMPOSITE"

// RecordingAsset is a produced artifact for a completed recording.
type RecordingAsset struct {
	ID          string    `json:"id"`
	RecordingID string    `json:"recordingId"`
	AssetType   string    `json:"assetType"`
	Format      string    `json:"format"`
	S3Bucket    string    `json:"s3Bucket"`
	S3Key       string    `json:"s3Key"`
	FileSize    int64     `json:"fileSize"`
	LocalPath   string    `json:"-"`
	CreatedAt   time.Time `json:"createdAt"`
}

// MuteState is the durable shadow of a participant's mute flags. The shared
// store carries the hot copy with a refresh TTL.
type MuteState struct {
	RoomID      string    `json:"roomId"`
	UserID      string    `json:"userId"`
	AudioMuted  bool      `json:"audioMuted"`
	VideoMuted  bool      `json:"videoMuted"`
	AudioForced bool      `json:"audioForced"`
	VideoForced bool      `json:"videoForced"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
