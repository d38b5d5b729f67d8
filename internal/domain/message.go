package domain

import (
	"context"
	"time"
)

type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
)

// MaxMessageLength bounds message content in characters.
const MaxMessageLength = 4000

type Message struct {
	ID         int64       `json:"id"`
	RoomID     RoomID      `json:"room_id"`
	AuthorID   UserID      `json:"author_id"`
	AuthorName string      `json:"author_name,omitempty"`
	Content    string      `json:"content"`
	Type       MessageType `json:"message_type"`
	CreatedAt  time.Time   `json:"created_at"`
	EditedAt   *time.Time  `json:"edited_at,omitempty"`
}

// NewMessage is the input for persisting a message.
type NewMessage struct {
	RoomID  RoomID      `json:"room_id"`
	Content string      `json:"content"`
	Type    MessageType `json:"message_type"`
}

// ReadReceipt records that a reader has seen a message, or a whole room when
// MessageID is zero.
type ReadReceipt struct {
	RoomID    RoomID    `json:"room_id"`
	MessageID int64     `json:"message_id,omitempty"`
	ReaderID  UserID    `json:"reader_id"`
	ReadAt    time.Time `json:"read_at"`
}

// ParticipantChecker answers conversation membership questions.
type ParticipantChecker interface {
	IsParticipant(ctx context.Context, roomID RoomID, userID UserID) (bool, error)
}

type MessageStore interface {
	ParticipantChecker

	Participants(ctx context.Context, roomID RoomID) ([]UserID, error)
	CreateMessage(ctx context.Context, author Principal, msg NewMessage) (*Message, error)
	MarkMessageRead(ctx context.Context, messageID int64, reader UserID) (*ReadReceipt, error)
	MarkRoomRead(ctx context.Context, roomID RoomID, reader UserID) (*ReadReceipt, error)
}
