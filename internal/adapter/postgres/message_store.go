package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jschvat/posting-system-refactor-sub005/internal/domain"
)

const isParticipantSQL = `SELECT EXISTS (
	SELECT 1 FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2
)`

func (s *Store) IsParticipant(ctx context.Context, room domain.RoomID, user domain.UserID) (bool, error) {
	var ok bool
	if err := s.pool.QueryRow(ctx, isParticipantSQL, int64(room), int64(user)).Scan(&ok); err != nil {
		return false, fmt.Errorf("failed to check participant: %w", err)
	}
	return ok, nil
}

func (s *Store) Participants(ctx context.Context, room domain.RoomID) ([]domain.UserID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM conversation_participants WHERE conversation_id = $1 ORDER BY user_id`, int64(room))
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("failed to scan participants: %w", err)
	}
	out := make([]domain.UserID, len(ids))
	for i, id := range ids {
		out[i] = domain.UserID(id)
	}
	return out, nil
}

// AddParticipant is used by seeding and tests; conversation management lives
// in the main application.
func (s *Store) AddParticipant(ctx context.Context, room domain.RoomID, user domain.UserID) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_participants (conversation_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		int64(room), int64(user))
	if err != nil {
		return fmt.Errorf("failed to add participant: %w", err)
	}
	return nil
}

// CreateMessage inserts only when the author participates, so the check and
// the write cannot race with a removal.
func (s *Store) CreateMessage(ctx context.Context, author domain.Principal, msg domain.NewMessage) (*domain.Message, error) {
	const q = `INSERT INTO messages (conversation_id, author_id, author_name, content, message_type)
		SELECT $1, $2, $3, $4, $5
		WHERE EXISTS (SELECT 1 FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2)
		RETURNING id, created_at`

	m := &domain.Message{
		RoomID:     msg.RoomID,
		AuthorID:   author.ID,
		AuthorName: author.DisplayName,
		Content:    msg.Content,
		Type:       msg.Type,
	}
	err := s.pool.QueryRow(ctx, q, int64(msg.RoomID), int64(author.ID), author.DisplayName, msg.Content, string(msg.Type)).
		Scan(&m.ID, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %d in room %d: %w", author.ID, msg.RoomID, domain.ErrNotAuthorized)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}
	return m, nil
}

func (s *Store) MarkMessageRead(ctx context.Context, messageID int64, reader domain.UserID) (*domain.ReadReceipt, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var room int64
	err = tx.QueryRow(ctx, `SELECT conversation_id FROM messages WHERE id = $1 AND deleted_at IS NULL`, messageID).Scan(&room)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("message %d: %w", messageID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message: %w", err)
	}

	var member bool
	if err := tx.QueryRow(ctx, isParticipantSQL, room, int64(reader)).Scan(&member); err != nil {
		return nil, fmt.Errorf("failed to check participant: %w", err)
	}
	if !member {
		return nil, fmt.Errorf("user %d in room %d: %w", reader, room, domain.ErrNotAuthorized)
	}

	var readAt time.Time
	err = tx.QueryRow(ctx, `INSERT INTO message_reads (message_id, user_id) VALUES ($1, $2)
		ON CONFLICT (message_id, user_id) DO UPDATE SET read_at = message_reads.read_at
		RETURNING read_at`, messageID, int64(reader)).Scan(&readAt)
	if err != nil {
		return nil, fmt.Errorf("failed to mark message read: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &domain.ReadReceipt{RoomID: domain.RoomID(room), MessageID: messageID, ReaderID: reader, ReadAt: readAt}, nil
}

func (s *Store) MarkRoomRead(ctx context.Context, room domain.RoomID, reader domain.UserID) (*domain.ReadReceipt, error) {
	ok, err := s.IsParticipant(ctx, room, reader)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("user %d in room %d: %w", reader, room, domain.ErrNotAuthorized)
	}

	batch := &pgx.Batch{}
	var readAt time.Time
	batch.Queue(`INSERT INTO conversation_reads (conversation_id, user_id) VALUES ($1, $2)
		ON CONFLICT (conversation_id, user_id) DO UPDATE SET read_at = now()
		RETURNING read_at`, int64(room), int64(reader)).QueryRow(func(row pgx.Row) error {
		return row.Scan(&readAt)
	})
	batch.Queue(`INSERT INTO message_reads (message_id, user_id)
		SELECT id, $2 FROM messages WHERE conversation_id = $1 AND deleted_at IS NULL
		ON CONFLICT DO NOTHING`, int64(room), int64(reader))

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return nil, fmt.Errorf("failed to mark room read: %w", err)
	}
	return &domain.ReadReceipt{RoomID: room, ReaderID: reader, ReadAt: readAt}, nil
}
