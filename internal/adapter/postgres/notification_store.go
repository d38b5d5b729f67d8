package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jschvat/posting-system-refactor-sub005/internal/domain"
)

func nullableID[T ~int64](v T) *int64 {
	if v == 0 {
		return nil
	}
	i := int64(v)
	return &i
}

func (s *Store) CreateNotification(ctx context.Context, user domain.UserID, tmpl domain.NotificationTemplate) (*domain.Notification, error) {
	if !tmpl.Type.Valid() {
		return nil, fmt.Errorf("notification type %q: %w", tmpl.Type, domain.ErrValidation)
	}
	data := tmpl.Data
	if data == nil {
		data = map[string]string{}
	}

	n := &domain.Notification{NotificationTemplate: tmpl, UserID: user}
	err := s.pool.QueryRow(ctx, `INSERT INTO notifications
		(user_id, type, actor_id, conversation_id, message_id, title, body, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`,
		int64(user), string(tmpl.Type), nullableID(tmpl.ActorID), nullableID(tmpl.RoomID), nullableID(tmpl.MessageID),
		tmpl.Title, tmpl.Body, data,
	).Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert notification: %w", err)
	}
	return n, nil
}

func (s *Store) UnreadCount(ctx context.Context, user domain.UserID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM notifications WHERE user_id = $1 AND read_at IS NULL`, int64(user)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return n, nil
}

func (s *Store) PreferencesFor(ctx context.Context, user domain.UserID, typ domain.NotificationType) (domain.Preference, error) {
	var p domain.Preference
	err := s.pool.QueryRow(ctx, `SELECT push_enabled, in_app_enabled FROM notification_preferences
		WHERE user_id = $1 AND type = $2`, int64(user), string(typ)).Scan(&p.PushEnabled, &p.InAppEnabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.DefaultPreference, nil
	}
	if err != nil {
		return domain.Preference{}, fmt.Errorf("failed to load preference: %w", err)
	}
	return p, nil
}

func (s *Store) SetPreference(ctx context.Context, user domain.UserID, typ domain.NotificationType, p domain.Preference) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO notification_preferences (user_id, type, push_enabled, in_app_enabled)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, type) DO UPDATE SET push_enabled = $3, in_app_enabled = $4`,
		int64(user), string(typ), p.PushEnabled, p.InAppEnabled)
	if err != nil {
		return fmt.Errorf("failed to save preference: %w", err)
	}
	return nil
}

func (s *Store) ActiveDestinationsFor(ctx context.Context, user domain.UserID) ([]domain.Destination, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, user_id, platform, token, last_seen_at, active
		FROM delivery_destinations WHERE user_id = $1 AND active ORDER BY id`, int64(user))
	if err != nil {
		return nil, fmt.Errorf("failed to list destinations: %w", err)
	}
	dests, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Destination, error) {
		var (
			d        domain.Destination
			userID   int64
			platform string
		)
		err := row.Scan(&d.ID, &userID, &platform, &d.Token, &d.LastSeenAt, &d.Active)
		d.UserID = domain.UserID(userID)
		d.Platform = domain.Platform(platform)
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan destinations: %w", err)
	}
	return dests, nil
}

// RegisterDestination upserts a token; re-registering reactivates it.
func (s *Store) RegisterDestination(ctx context.Context, user domain.UserID, platform domain.Platform, token string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `INSERT INTO delivery_destinations (user_id, platform, token)
		VALUES ($1, $2, $3)
		ON CONFLICT (platform, token) DO UPDATE SET user_id = $1, active = true, last_seen_at = now()
		RETURNING id`, int64(user), string(platform), token).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to register destination: %w", err)
	}
	return id, nil
}

func (s *Store) DeactivateDestination(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `UPDATE delivery_destinations SET active = false WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate destination: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("destination %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) RecordDeliveryAttempts(ctx context.Context, attempts []domain.DeliveryAttempt) error {
	if len(attempts) == 0 {
		return nil
	}
	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"delivery_attempts"},
		[]string{"notification_id", "destination_id", "status", "provider_message_id", "error", "attempted_at"},
		pgx.CopyFromSlice(len(attempts), func(i int) ([]any, error) {
			a := attempts[i]
			return []any{a.NotificationID, a.DestinationID, string(a.Status), a.ProviderMessageID, a.Error, a.AttemptedAt}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to record delivery attempts: %w", err)
	}
	return nil
}
