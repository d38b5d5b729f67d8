package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jschvat/posting-system-refactor-sub005/internal/domain"
)

// Store implements domain.MessageStore and domain.NotificationStore.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ domain.MessageStore      = (*Store)(nil)
	_ domain.NotificationStore = (*Store)(nil)
)

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}
