package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/jschvat/posting-system-refactor-sub005/internal/domain"
	apperrors "github.com/jschvat/posting-system-refactor-sub005/internal/errors"
	"github.com/jschvat/posting-system-refactor-sub005/internal/fanout"
	"github.com/jschvat/posting-system-refactor-sub005/internal/notify"
	"github.com/jschvat/posting-system-refactor-sub005/internal/presence"
	"github.com/jschvat/posting-system-refactor-sub005/internal/registry"
	"github.com/jschvat/posting-system-refactor-sub005/internal/rooms"
	"github.com/jschvat/posting-system-refactor-sub005/internal/typing"
)

// Components are the realtime building blocks a Service drives. Listener
// wiring between them is done by Wire.
type Components struct {
	Registry   *registry.Registry
	Rooms      *rooms.Manager
	Typing     *typing.Coordinator
	Presence   *presence.Broadcaster
	Fanout     *fanout.Pipeline
	Dispatcher *notify.Dispatcher
	Queue      *notify.Queue
}

// Service is the application layer. Transports call it with a connection id
// or, for server-to-server calls, with no connection at all.
type Service struct {
	c     Components
	clock clockwork.Clock
}

func NewService(c Components, clock clockwork.Clock) *Service {
	return &Service{c: c, clock: clock}
}

// RelayHandlers registers local delivery for every scope peers may publish.
type RelayHandlers interface {
	Handle(scope domain.Scope, h func(env domain.Envelope))
}

// Wire installs registry listeners and, when r is non-nil, relay handlers.
func Wire(c Components, r RelayHandlers) {
	c.Registry.AddListener(c.Rooms)
	c.Registry.AddListener(c.Presence)

	if r == nil {
		return
	}
	r.Handle(domain.ScopeRoom, func(env domain.Envelope) {
		c.Rooms.DeliverLocal(env.RoomID, env.Event, env.Except)
	})
	r.Handle(domain.ScopeUser, func(env domain.Envelope) {
		c.Registry.SendToUser(context.Background(), env.UserID, env.Event)
	})
	r.Handle(domain.ScopeAll, func(env domain.Envelope) {
		c.Registry.Broadcast(context.Background(), env.Event)
	})
	r.Handle(domain.ScopeWatchers, func(env domain.Envelope) {
		c.Presence.DeliverToWatchers(env.UserID, env.Event)
	})
}

func (s *Service) principal(id domain.ConnID) (domain.Principal, error) {
	info, ok := s.c.Registry.Connection(id)
	if !ok {
		return domain.Principal{}, fmt.Errorf("connection %s: %w", id, domain.ErrUnknownConnection)
	}
	return info.Principal, nil
}

func (s *Service) requireMember(id domain.ConnID, room domain.RoomID) error {
	if room <= 0 {
		return apperrors.ValidationError("room_id must be positive")
	}
	if !s.c.Rooms.IsMember(id, room) {
		return apperrors.NotAuthorizedError("join the room first").WithContext("room_id", room)
	}
	return nil
}

// Connect registers an authenticated connection.
func (s *Service) Connect(ctx context.Context, p domain.Principal, sink domain.Sink) domain.ConnID {
	id := s.c.Registry.Register(p, sink)
	slog.DebugContext(ctx, "Client registered", "conn_id", id, "user_id", p.ID)
	return id
}

// Disconnect clears the principal's typing in rooms no other of its
// connections still holds, then unregisters, which cascades to rooms and
// presence subscriptions.
func (s *Service) Disconnect(ctx context.Context, id domain.ConnID) {
	info, ok := s.c.Registry.Connection(id)
	if !ok {
		return
	}
	for _, room := range s.c.Rooms.RoomsOf(id) {
		if !s.otherConnectionInRoom(info.Principal.ID, id, room) {
			s.c.Typing.Clear(ctx, room, info.Principal.ID)
		}
	}
	s.c.Registry.Unregister(id)
	slog.DebugContext(ctx, "Client unregistered", "conn_id", id, "user_id", info.Principal.ID)
}

func (s *Service) otherConnectionInRoom(user domain.UserID, self domain.ConnID, room domain.RoomID) bool {
	for _, other := range s.c.Registry.ConnectionsFor(user) {
		if other != self && s.c.Rooms.IsMember(other, room) {
			return true
		}
	}
	return false
}

// JoinRoom returns who is currently typing so the client can render it.
func (s *Service) JoinRoom(ctx context.Context, id domain.ConnID, room domain.RoomID) ([]domain.UserID, error) {
	if err := s.c.Rooms.Join(ctx, id, room); err != nil {
		return nil, err
	}
	return s.c.Typing.Active(room), nil
}

func (s *Service) LeaveRoom(ctx context.Context, id domain.ConnID, room domain.RoomID) error {
	p, err := s.principal(id)
	if err != nil {
		return err
	}
	if err := s.c.Rooms.Leave(ctx, id, room); err != nil {
		return err
	}
	if !s.otherConnectionInRoom(p.ID, id, room) {
		s.c.Typing.Clear(ctx, room, p.ID)
	}
	return nil
}

func (s *Service) StartTyping(ctx context.Context, id domain.ConnID, room domain.RoomID) error {
	p, err := s.principal(id)
	if err != nil {
		return err
	}
	if err := s.requireMember(id, room); err != nil {
		return err
	}
	s.c.Typing.Start(ctx, room, p, id)
	return nil
}

func (s *Service) StopTyping(ctx context.Context, id domain.ConnID, room domain.RoomID) error {
	p, err := s.principal(id)
	if err != nil {
		return err
	}
	if err := s.requireMember(id, room); err != nil {
		return err
	}
	s.c.Typing.Stop(ctx, room, p.ID, id)
	return nil
}

func (s *Service) SendMessage(ctx context.Context, id domain.ConnID, msg domain.NewMessage) (*domain.Message, error) {
	p, err := s.principal(id)
	if err != nil {
		return nil, err
	}
	return s.c.Fanout.Send(ctx, p, id, msg)
}

// SendMessageAs posts on behalf of an authenticated API caller with no socket.
func (s *Service) SendMessageAs(ctx context.Context, p domain.Principal, msg domain.NewMessage) (*domain.Message, error) {
	return s.c.Fanout.Send(ctx, p, "", msg)
}

func (s *Service) MarkMessageRead(ctx context.Context, id domain.ConnID, messageID int64) (*domain.ReadReceipt, error) {
	p, err := s.principal(id)
	if err != nil {
		return nil, err
	}
	if messageID <= 0 {
		return nil, apperrors.ValidationError("message_id must be positive")
	}
	return s.c.Fanout.MarkRead(ctx, p, id, messageID)
}

func (s *Service) MarkRoomRead(ctx context.Context, id domain.ConnID, room domain.RoomID) (*domain.ReadReceipt, error) {
	p, err := s.principal(id)
	if err != nil {
		return nil, err
	}
	if room <= 0 {
		return nil, apperrors.ValidationError("room_id must be positive")
	}
	return s.c.Fanout.MarkRoomRead(ctx, p, id, room)
}

func (s *Service) SubscribePresence(id domain.ConnID, users []domain.UserID) (map[domain.UserID]bool, error) {
	if _, err := s.principal(id); err != nil {
		return nil, err
	}
	return s.c.Presence.Subscribe(id, users)
}

func (s *Service) UnsubscribePresence(id domain.ConnID, users []domain.UserID) {
	s.c.Presence.Unsubscribe(id, users)
}

func (s *Service) CheckPresence(id domain.ConnID, users []domain.UserID) (map[domain.UserID]bool, error) {
	return s.c.Presence.Check(id, users)
}

// Presence answers a server-side presence lookup.
func (s *Service) Presence(users []domain.UserID) (map[domain.UserID]bool, error) {
	return s.c.Presence.Check("", users)
}

// PublishMessage fans out a message persisted by another service.
func (s *Service) PublishMessage(ctx context.Context, msg *domain.Message) error {
	if err := validatePersisted(msg); err != nil {
		return err
	}
	return s.c.Fanout.Publish(ctx, msg)
}

func (s *Service) PublishEdited(ctx context.Context, msg *domain.Message) error {
	if err := validatePersisted(msg); err != nil {
		return err
	}
	return s.c.Fanout.PublishEdited(ctx, msg)
}

func (s *Service) PublishDeleted(ctx context.Context, room domain.RoomID, messageID int64, by domain.UserID) error {
	if room <= 0 || messageID <= 0 {
		return apperrors.ValidationError("room_id and message_id must be positive")
	}
	return s.c.Fanout.PublishDeleted(ctx, room, messageID, by)
}

func validatePersisted(msg *domain.Message) error {
	switch {
	case msg == nil:
		return apperrors.ValidationError("message is required")
	case msg.ID <= 0:
		return apperrors.ValidationError("message id must be positive")
	case msg.RoomID <= 0:
		return apperrors.ValidationError("room_id must be positive")
	case msg.AuthorID <= 0:
		return apperrors.ValidationError("author_id must be positive")
	}
	return nil
}

func validateTemplate(users []domain.UserID, tmpl domain.NotificationTemplate) error {
	if len(users) == 0 {
		return apperrors.ValidationError("user_ids must not be empty")
	}
	if !tmpl.Type.Valid() {
		return apperrors.ValidationError(fmt.Sprintf("unknown notification type %q", tmpl.Type))
	}
	if tmpl.Title == "" {
		return apperrors.ValidationError("title is required")
	}
	return nil
}

// EnqueueNotification queues durable notification work for users.
func (s *Service) EnqueueNotification(ctx context.Context, users []domain.UserID, tmpl domain.NotificationTemplate) error {
	if err := validateTemplate(users, tmpl); err != nil {
		return err
	}
	return s.c.Queue.Enqueue(ctx, users, tmpl)
}

// DispatchNotification creates and dispatches synchronously.
func (s *Service) DispatchNotification(ctx context.Context, users []domain.UserID, tmpl domain.NotificationTemplate) (notify.Summary, error) {
	if err := validateTemplate(users, tmpl); err != nil {
		return notify.Summary{}, err
	}
	return s.c.Dispatcher.DispatchToMany(ctx, users, tmpl), nil
}

// Shutdown closes every connection and drains queued notification work.
func (s *Service) Shutdown(ctx context.Context) error {
	s.c.Registry.CloseAll("server shutting down")
	return s.c.Queue.Stop(ctx)
}

// ConnectionCount reports live connections on this instance.
func (s *Service) ConnectionCount() int {
	return s.c.Registry.Count()
}
