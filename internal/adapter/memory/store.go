// Package memory is a process-local store for development and tests. It keeps
// the same authorization and not-found rules as the Postgres store.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/jschvat/posting-system-refactor-sub005/internal/domain"
)

type prefKey struct {
	user domain.UserID
	typ  domain.NotificationType
}

type Store struct {
	clock clockwork.Clock

	mu            sync.RWMutex
	participants  map[domain.RoomID]map[domain.UserID]struct{}
	messages      map[int64]*domain.Message
	reads         map[int64]map[domain.UserID]domain.ReadReceipt
	roomReads     map[domain.RoomID]map[domain.UserID]domain.ReadReceipt
	notifications map[domain.UserID][]domain.Notification
	prefs         map[prefKey]domain.Preference
	destinations  map[int64]*domain.Destination
	attempts      []domain.DeliveryAttempt

	nextMessageID      int64
	nextNotificationID int64
	nextDestinationID  int64
}

func NewStore(clock clockwork.Clock) *Store {
	return &Store{
		clock:         clock,
		participants:  make(map[domain.RoomID]map[domain.UserID]struct{}),
		messages:      make(map[int64]*domain.Message),
		reads:         make(map[int64]map[domain.UserID]domain.ReadReceipt),
		roomReads:     make(map[domain.RoomID]map[domain.UserID]domain.ReadReceipt),
		notifications: make(map[domain.UserID][]domain.Notification),
		prefs:         make(map[prefKey]domain.Preference),
		destinations:  make(map[int64]*domain.Destination),
	}
}

func (s *Store) Ping(context.Context) error { return nil }

// AddParticipants seeds conversation membership.
func (s *Store) AddParticipants(room domain.RoomID, users ...domain.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.participants[room]
	if !ok {
		set = make(map[domain.UserID]struct{})
		s.participants[room] = set
	}
	for _, u := range users {
		set[u] = struct{}{}
	}
}

func (s *Store) RemoveParticipant(room domain.RoomID, user domain.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.participants[room], user)
}

func (s *Store) AddDestination(user domain.UserID, platform domain.Platform, token string) domain.Destination {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextDestinationID++
	d := &domain.Destination{
		ID:         s.nextDestinationID,
		UserID:     user,
		Platform:   platform,
		Token:      token,
		LastSeenAt: s.clock.Now(),
		Active:     true,
	}
	s.destinations[d.ID] = d
	return *d
}

func (s *Store) SetPreference(user domain.UserID, typ domain.NotificationType, p domain.Preference) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[prefKey{user, typ}] = p
}

func (s *Store) isParticipant(room domain.RoomID, user domain.UserID) bool {
	_, ok := s.participants[room][user]
	return ok
}

func (s *Store) IsParticipant(_ context.Context, room domain.RoomID, user domain.UserID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isParticipant(room, user), nil
}

func (s *Store) Participants(_ context.Context, room domain.RoomID) ([]domain.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.UserID, 0, len(s.participants[room]))
	for u := range s.participants[room] {
		out = append(out, u)
	}
	slices.Sort(out)
	return out, nil
}

func (s *Store) CreateMessage(_ context.Context, author domain.Principal, msg domain.NewMessage) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isParticipant(msg.RoomID, author.ID) {
		return nil, fmt.Errorf("user %d in room %d: %w", author.ID, msg.RoomID, domain.ErrNotAuthorized)
	}
	s.nextMessageID++
	m := &domain.Message{
		ID:         s.nextMessageID,
		RoomID:     msg.RoomID,
		AuthorID:   author.ID,
		AuthorName: author.DisplayName,
		Content:    msg.Content,
		Type:       msg.Type,
		CreatedAt:  s.clock.Now(),
	}
	s.messages[m.ID] = m
	out := *m
	return &out, nil
}

func (s *Store) MarkMessageRead(_ context.Context, id int64, reader domain.UserID) (*domain.ReadReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %d: %w", id, domain.ErrNotFound)
	}
	if !s.isParticipant(m.RoomID, reader) {
		return nil, fmt.Errorf("user %d in room %d: %w", reader, m.RoomID, domain.ErrNotAuthorized)
	}
	r := domain.ReadReceipt{RoomID: m.RoomID, MessageID: id, ReaderID: reader, ReadAt: s.clock.Now()}
	if s.reads[id] == nil {
		s.reads[id] = make(map[domain.UserID]domain.ReadReceipt)
	}
	if prev, ok := s.reads[id][reader]; ok {
		return &prev, nil
	}
	s.reads[id][reader] = r
	return &r, nil
}

func (s *Store) MarkRoomRead(_ context.Context, room domain.RoomID, reader domain.UserID) (*domain.ReadReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isParticipant(room, reader) {
		return nil, fmt.Errorf("user %d in room %d: %w", reader, room, domain.ErrNotAuthorized)
	}
	r := domain.ReadReceipt{RoomID: room, ReaderID: reader, ReadAt: s.clock.Now()}
	if s.roomReads[room] == nil {
		s.roomReads[room] = make(map[domain.UserID]domain.ReadReceipt)
	}
	s.roomReads[room][reader] = r
	for id, m := range s.messages {
		if m.RoomID != room {
			continue
		}
		if s.reads[id] == nil {
			s.reads[id] = make(map[domain.UserID]domain.ReadReceipt)
		}
		if _, ok := s.reads[id][reader]; !ok {
			s.reads[id][reader] = domain.ReadReceipt{RoomID: room, MessageID: id, ReaderID: reader, ReadAt: r.ReadAt}
		}
	}
	return &r, nil
}

func (s *Store) CreateNotification(_ context.Context, user domain.UserID, tmpl domain.NotificationTemplate) (*domain.Notification, error) {
	if !tmpl.Type.Valid() {
		return nil, fmt.Errorf("notification type %q: %w", tmpl.Type, domain.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextNotificationID++
	n := domain.Notification{
		NotificationTemplate: tmpl,
		ID:                   s.nextNotificationID,
		UserID:               user,
		CreatedAt:            s.clock.Now(),
	}
	s.notifications[user] = append(s.notifications[user], n)
	return &n, nil
}

// Notifications returns what has been created for user, oldest first.
func (s *Store) Notifications(user domain.UserID) []domain.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.notifications[user])
}

// UnreadCount counts every notification; there is no read tracking here.
func (s *Store) UnreadCount(_ context.Context, user domain.UserID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.notifications[user]), nil
}

func (s *Store) PreferencesFor(_ context.Context, user domain.UserID, typ domain.NotificationType) (domain.Preference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.prefs[prefKey{user, typ}]; ok {
		return p, nil
	}
	return domain.DefaultPreference, nil
}

func (s *Store) ActiveDestinationsFor(_ context.Context, user domain.UserID) ([]domain.Destination, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Destination
	for _, d := range s.destinations {
		if d.UserID == user && d.Active {
			out = append(out, *d)
		}
	}
	slices.SortFunc(out, func(a, b domain.Destination) int { return int(a.ID - b.ID) })
	return out, nil
}

func (s *Store) DeactivateDestination(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.destinations[id]
	if !ok {
		return fmt.Errorf("destination %d: %w", id, domain.ErrNotFound)
	}
	d.Active = false
	return nil
}

func (s *Store) RecordDeliveryAttempts(_ context.Context, attempts []domain.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, attempts...)
	return nil
}

// Attempts returns every recorded delivery attempt.
func (s *Store) Attempts() []domain.DeliveryAttempt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.attempts)
}
