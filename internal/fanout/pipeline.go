// Package fanout delivers persisted messages and read receipts to the live
// members of a room and hands notification work to the dispatcher queue.
package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"
	"github.com/jschvat/posting-system-refactor-sub005/internal/domain"
	apperrors "github.com/jschvat/posting-system-refactor-sub005/internal/errors"
	"github.com/jschvat/posting-system-refactor-sub005/internal/metrics"
)

const (
	lockStripes    = 64
	previewLength  = 120
	maxContentSize = domain.MaxMessageLength
)

type RoomBroadcaster interface {
	Broadcast(ctx context.Context, room domain.RoomID, ev domain.Event, except domain.ConnID) int
}

type TypingClearer interface {
	Clear(ctx context.Context, room domain.RoomID, user domain.UserID) bool
}

type Enqueuer interface {
	EnqueueRoom(ctx context.Context, job domain.RoomNotification) error
}

type Pipeline struct {
	store    domain.MessageStore
	rooms    RoomBroadcaster
	typing   TypingClearer
	notifier Enqueuer
	clock    clockwork.Clock

	// Held across persist and delivery so each connection observes a room's
	// messages in persistence order.
	stripes [lockStripes]sync.Mutex
}

func New(store domain.MessageStore, rooms RoomBroadcaster, typing TypingClearer, notifier Enqueuer, clock clockwork.Clock) *Pipeline {
	return &Pipeline{store: store, rooms: rooms, typing: typing, notifier: notifier, clock: clock}
}

func (p *Pipeline) lock(room domain.RoomID) func() {
	mu := &p.stripes[uint64(room)%lockStripes]
	mu.Lock()
	return mu.Unlock
}

func validate(in *domain.NewMessage) error {
	if in.RoomID <= 0 {
		return apperrors.ValidationError("room_id must be positive")
	}
	in.Content = strings.TrimSpace(in.Content)
	if in.Content == "" {
		return apperrors.ValidationError("content must not be empty")
	}
	if utf8.RuneCountInString(in.Content) > maxContentSize {
		return apperrors.ValidationError(fmt.Sprintf("content exceeds %d characters", maxContentSize))
	}
	switch in.Type {
	case "":
		in.Type = domain.MessageTypeText
	case domain.MessageTypeText, domain.MessageTypeImage, domain.MessageTypeFile:
	default:
		return apperrors.ValidationError("unsupported message_type").WithContext("message_type", in.Type)
	}
	return nil
}

// Send validates, persists and publishes a message from author. Nothing is
// delivered when persistence fails.
func (p *Pipeline) Send(ctx context.Context, author domain.Principal, origin domain.ConnID, in domain.NewMessage) (*domain.Message, error) {
	if err := validate(&in); err != nil {
		return nil, err
	}

	start := p.clock.Now()
	unlock := p.lock(in.RoomID)
	msg, err := p.store.CreateMessage(ctx, author, in)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("failed to persist message: %w", err)
	}
	if msg.AuthorName == "" {
		msg.AuthorName = author.DisplayName
	}
	p.deliver(ctx, domain.EventMessageNew, msg.RoomID, msg.AuthorID, msg, "")
	unlock()
	metrics.FanoutDuration.WithLabelValues(string(domain.EventMessageNew)).Observe(p.clock.Since(start).Seconds())

	p.afterNew(ctx, msg)
	return msg, nil
}

// Publish fans out a message persisted elsewhere.
func (p *Pipeline) Publish(ctx context.Context, msg *domain.Message) error {
	if msg == nil || msg.ID <= 0 || msg.RoomID <= 0 {
		return apperrors.ValidationError("message id and room_id are required")
	}

	unlock := p.lock(msg.RoomID)
	p.deliver(ctx, domain.EventMessageNew, msg.RoomID, msg.AuthorID, msg, "")
	unlock()

	p.afterNew(ctx, msg)
	return nil
}

// PublishEdited delivers an edit. Edits never notify.
func (p *Pipeline) PublishEdited(ctx context.Context, msg *domain.Message) error {
	if msg == nil || msg.ID <= 0 || msg.RoomID <= 0 {
		return apperrors.ValidationError("message id and room_id are required")
	}
	if msg.EditedAt == nil {
		now := p.clock.Now()
		msg.EditedAt = &now
	}

	unlock := p.lock(msg.RoomID)
	defer unlock()
	p.deliver(ctx, domain.EventMessageEdited, msg.RoomID, msg.AuthorID, msg, "")
	return nil
}

type deletedPayload struct {
	MessageID int64         `json:"message_id"`
	RoomID    domain.RoomID `json:"room_id"`
	DeletedAt time.Time     `json:"deleted_at"`
}

// PublishDeleted delivers a deletion. Deletions never notify.
func (p *Pipeline) PublishDeleted(ctx context.Context, room domain.RoomID, messageID int64, by domain.UserID) error {
	if room <= 0 || messageID <= 0 {
		return apperrors.ValidationError("message id and room_id are required")
	}

	unlock := p.lock(room)
	defer unlock()
	p.deliver(ctx, domain.EventMessageDeleted, room, by,
		deletedPayload{MessageID: messageID, RoomID: room, DeletedAt: p.clock.Now()}, "")
	return nil
}

// MarkRead records that reader saw messageID and tells the other members.
func (p *Pipeline) MarkRead(ctx context.Context, reader domain.Principal, origin domain.ConnID, messageID int64) (*domain.ReadReceipt, error) {
	if messageID <= 0 {
		return nil, apperrors.ValidationError("message_id must be positive")
	}

	receipt, err := p.store.MarkMessageRead(ctx, messageID, reader.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark message %d read: %w", messageID, err)
	}

	unlock := p.lock(receipt.RoomID)
	defer unlock()
	p.deliver(ctx, domain.EventMessageRead, receipt.RoomID, reader.ID, receipt, origin)
	return receipt, nil
}

// MarkRoomRead records that reader caught up on the whole room.
func (p *Pipeline) MarkRoomRead(ctx context.Context, reader domain.Principal, origin domain.ConnID, room domain.RoomID) (*domain.ReadReceipt, error) {
	if room <= 0 {
		return nil, apperrors.ValidationError("room_id must be positive")
	}

	receipt, err := p.store.MarkRoomRead(ctx, room, reader.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark room %d read: %w", room, err)
	}

	unlock := p.lock(room)
	defer unlock()
	p.deliver(ctx, domain.EventRoomRead, room, reader.ID, receipt, origin)
	return receipt, nil
}

func (p *Pipeline) deliver(ctx context.Context, kind domain.EventKind, room domain.RoomID, user domain.UserID, payload any, except domain.ConnID) {
	n := p.rooms.Broadcast(ctx, room, domain.Event{
		Kind:      kind,
		RoomID:    room,
		UserID:    user,
		Timestamp: p.clock.Now(),
		Payload:   payload,
	}, except)
	slog.DebugContext(ctx, "Room event delivered", "type", kind, "room_id", room, "connections", n)
}

// afterNew runs outside the room lock: typing cleanup, then queued
// notification work so a slow push provider never holds up delivery.
func (p *Pipeline) afterNew(ctx context.Context, msg *domain.Message) {
	p.typing.Clear(ctx, msg.RoomID, msg.AuthorID)

	job := domain.RoomNotification{
		RoomID:      msg.RoomID,
		ExcludeUser: msg.AuthorID,
		Template: domain.NotificationTemplate{
			Type:      domain.NotificationMessage,
			ActorID:   msg.AuthorID,
			RoomID:    msg.RoomID,
			MessageID: msg.ID,
			Title:     notificationTitle(msg),
			Body:      preview(msg),
			Data: map[string]string{
				"room_id":    msg.RoomID.String(),
				"message_id": fmt.Sprint(msg.ID),
			},
		},
	}
	if err := p.notifier.EnqueueRoom(ctx, job); err != nil {
		slog.ErrorContext(ctx, "Failed to enqueue message notifications", "room_id", msg.RoomID, "message_id", msg.ID, "error", err)
	}
}

func notificationTitle(msg *domain.Message) string {
	if msg.AuthorName != "" {
		return msg.AuthorName
	}
	return "New message"
}

func preview(msg *domain.Message) string {
	switch msg.Type {
	case domain.MessageTypeImage:
		return "Sent an image"
	case domain.MessageTypeFile:
		return "Sent a file"
	}
	if utf8.RuneCountInString(msg.Content) <= previewLength {
		return msg.Content
	}
	return string([]rune(msg.Content)[:previewLength]) + "…"
}
