// Package chat persists room chat and serves history with cursor pagination.
// Delivery happens over the signaling channel; this layer only stores and
// pages.
package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/aura-connect/backend/internal/models"
	"github.com/aura-connect/backend/pkg/database"
)

// MaxContentLength caps a single message.
const MaxContentLength = 2000

const defaultPageSize = 50

var (
	// ErrEmptyMessage means the content is blank after trimming.
	ErrEmptyMessage = errors.New("empty message")
	// ErrMessageTooLong means the content exceeds MaxContentLength.
	ErrMessageTooLong = errors.New("message too long")
)

// Repository handles chat persistence.
type Repository struct {
	db *database.Client
}

// NewRepository creates the chat repository.
func NewRepository(db *database.Client) *Repository {
	return &Repository{db: db}
}

// Save validates and inserts a message. recipientID empty means room-wide;
// clientMessageID lets the sender correlate the ack with its optimistic echo.
func (r *Repository) Save(ctx context.Context, roomID, senderID, recipientID, clientMessageID, content string) (*models.ChatMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	if len(content) > MaxContentLength {
		return nil, ErrMessageTooLong
	}

	var recipient *string
	if recipientID != "" {
		recipient = &recipientID
	}

	var m models.ChatMessage
	err := r.db.Run(ctx, "chat.save", func(ctx context.Context) error {
		return r.db.Pool().QueryRow(ctx,
			`INSERT INTO chat_messages (room_id, sender_id, recipient_id, client_message_id, content)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING id, room_id, sender_id, recipient_id, client_message_id, content, created_at`,
			roomID, senderID, recipient, clientMessageID, content).
			Scan(&m.ID, &m.RoomID, &m.SenderID, &m.RecipientID, &m.ClientMessageID, &m.Content, &m.CreatedAt)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// HistoryPage is one page of messages, newest first, plus the cursor for the
// next older page. Empty NextCursor means history is exhausted.
type HistoryPage struct {
	Messages   []models.ChatMessage `json:"messages"`
	NextCursor string               `json:"nextCursor,omitempty"`
}

// History returns messages visible to userID (room-wide plus DMs involving
// them), newest first. participantID, when set, narrows the page to messages
// from that sender. cursor is an RFC 3339 timestamp from a previous page.
func (r *Repository) History(ctx context.Context, roomID, userID, participantID, cursor string, limit int) (*HistoryPage, error) {
	if limit <= 0 || limit > 200 {
		limit = defaultPageSize
	}
	before := time.Now().Add(time.Minute)
	if cursor != "" {
		t, err := time.Parse(time.RFC3339Nano, cursor)
		if err != nil {
			return nil, errors.New("bad history cursor")
		}
		before = t
	}

	var page HistoryPage
	err := r.db.Run(ctx, "chat.history", func(ctx context.Context) error {
		rows, err := r.db.Pool().Query(ctx,
			`SELECT id, room_id, sender_id, recipient_id, client_message_id, content, created_at
			 FROM chat_messages
			 WHERE room_id = $1 AND created_at < $2
			   AND (recipient_id IS NULL OR recipient_id = $3 OR sender_id = $3)
			   AND ($4 = '' OR sender_id = $4)
			 ORDER BY created_at DESC
			 LIMIT $5`, roomID, before, userID, participantID, limit+1)
		if err != nil {
			return err
		}
		defer rows.Close()
		page.Messages = page.Messages[:0]
		for rows.Next() {
			var m models.ChatMessage
			if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.RecipientID,
				&m.ClientMessageID, &m.Content, &m.CreatedAt); err != nil {
				return err
			}
			page.Messages = append(page.Messages, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	if len(page.Messages) > limit {
		page.Messages = page.Messages[:limit]
		page.NextCursor = page.Messages[limit-1].CreatedAt.Format(time.RFC3339Nano)
	}
	return &page, nil
}
