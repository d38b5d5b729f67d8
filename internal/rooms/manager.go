// Package rooms holds conversation-scoped membership for live connections.
// Participation is verified once, at join time.
package rooms

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/jschvat/posting-system-refactor-sub005/internal/domain"
	apperrors "github.com/jschvat/posting-system-refactor-sub005/internal/errors"
	"github.com/jschvat/posting-system-refactor-sub005/internal/metrics"
	"github.com/jschvat/posting-system-refactor-sub005/internal/registry"
	"golang.org/x/sync/singleflight"
)

const shardCount = 32

// Transport is the slice of the connection registry rooms deliver through.
type Transport interface {
	SendRaw(id domain.ConnID, data []byte) error
}

type roomShard struct {
	mu      sync.RWMutex
	members map[domain.RoomID]map[domain.ConnID]domain.Principal
}

// connState tracks the rooms of one connection. Its mutex is always taken
// before a room shard's.
type connState struct {
	mu        sync.Mutex
	principal domain.Principal
	rooms     map[domain.RoomID]struct{}
	closed    bool
}

type Manager struct {
	registry.NopListener

	transport Transport
	checker   domain.ParticipantChecker
	relay     domain.Relay
	nodeID    string
	clock     clockwork.Clock

	checks singleflight.Group
	shards [shardCount]*roomShard

	connsMu sync.RWMutex
	conns   map[domain.ConnID]*connState
}

func NewManager(transport Transport, checker domain.ParticipantChecker, relay domain.Relay, nodeID string, clock clockwork.Clock) *Manager {
	m := &Manager{
		transport: transport,
		checker:   checker,
		relay:     relay,
		nodeID:    nodeID,
		clock:     clock,
		conns:     make(map[domain.ConnID]*connState),
	}
	for i := range shardCount {
		m.shards[i] = &roomShard{members: make(map[domain.RoomID]map[domain.ConnID]domain.Principal)}
	}
	return m
}

func (m *Manager) shard(room domain.RoomID) *roomShard {
	return m.shards[uint64(room)%shardCount]
}

func (m *Manager) state(id domain.ConnID) *connState {
	m.connsMu.RLock()
	defer m.connsMu.RUnlock()
	return m.conns[id]
}

// ConnectionOpened runs inside registry.Register, before any join can arrive.
func (m *Manager) ConnectionOpened(info domain.ConnectionInfo) {
	m.connsMu.Lock()
	defer m.connsMu.Unlock()
	m.conns[info.ID] = &connState{principal: info.Principal, rooms: make(map[domain.RoomID]struct{})}
}

// ConnectionClosed drops every membership of the connection and tells the
// remaining members of each room.
func (m *Manager) ConnectionClosed(info domain.ConnectionInfo) {
	m.connsMu.Lock()
	st := m.conns[info.ID]
	delete(m.conns, info.ID)
	m.connsMu.Unlock()
	if st == nil {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.closed = true
	for room := range st.rooms {
		m.removeMember(room, info.ID)
		m.announce(context.Background(), domain.EventRoomUserLeft, room, st.principal, info.ID)
	}
	st.rooms = nil
}

// Join adds the connection to room after confirming its principal participates
// in the conversation. A rejected join leaves membership untouched.
func (m *Manager) Join(ctx context.Context, id domain.ConnID, room domain.RoomID) error {
	if room <= 0 {
		return apperrors.ValidationError("room_id must be positive")
	}
	st := m.state(id)
	if st == nil {
		return fmt.Errorf("join room %d: %w", room, domain.ErrUnknownConnection)
	}

	ok, err := m.isParticipant(ctx, room, st.principal.ID)
	if err != nil {
		metrics.RoomJoinsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to verify participation in room %d: %w", room, err)
	}
	if !ok {
		metrics.RoomJoinsTotal.WithLabelValues("not_authorized").Inc()
		slog.InfoContext(ctx, "Room join rejected", "room_id", room)
		return apperrors.NotAuthorizedError("not a participant of this room").WithContext("room_id", room)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return fmt.Errorf("join room %d: %w", room, domain.ErrUnknownConnection)
	}
	if _, already := st.rooms[room]; already {
		return nil
	}

	s := m.shard(room)
	s.mu.Lock()
	set, exists := s.members[room]
	if !exists {
		set = make(map[domain.ConnID]domain.Principal)
		s.members[room] = set
	}
	set[id] = st.principal
	s.mu.Unlock()
	st.rooms[room] = struct{}{}

	metrics.RoomJoinsTotal.WithLabelValues("ok").Inc()
	metrics.RoomMemberships.Inc()
	slog.DebugContext(ctx, "Room joined", "room_id", room)

	m.announce(ctx, domain.EventRoomUserJoined, room, st.principal, id)
	return nil
}

func (m *Manager) isParticipant(ctx context.Context, room domain.RoomID, user domain.UserID) (bool, error) {
	key := room.String() + ":" + user.String()
	v, err, _ := m.checks.Do(key, func() (any, error) {
		return m.checker.IsParticipant(ctx, room, user)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Leave removes the membership. Leaving a room the connection is not in, or
// leaving with an unknown connection, is a no-op.
func (m *Manager) Leave(ctx context.Context, id domain.ConnID, room domain.RoomID) error {
	st := m.state(id)
	if st == nil {
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if _, member := st.rooms[room]; !member {
		return nil
	}
	delete(st.rooms, room)
	m.removeMember(room, id)
	slog.DebugContext(ctx, "Room left", "room_id", room)

	m.announce(ctx, domain.EventRoomUserLeft, room, st.principal, id)
	return nil
}

func (m *Manager) removeMember(room domain.RoomID, id domain.ConnID) {
	s := m.shard(room)
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.members[room]
	if _, ok := set[id]; !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(s.members, room)
	}
	metrics.RoomMemberships.Dec()
}

// Members returns the connections currently in room.
func (m *Manager) Members(room domain.RoomID) []domain.ConnID {
	s := m.shard(room)
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.members[room]
	ids := make([]domain.ConnID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) IsMember(id domain.ConnID, room domain.RoomID) bool {
	s := m.shard(room)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[room][id]
	return ok
}

// RoomsOf returns the rooms a connection has joined.
func (m *Manager) RoomsOf(id domain.ConnID) []domain.RoomID {
	st := m.state(id)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]domain.RoomID, 0, len(st.rooms))
	for room := range st.rooms {
		out = append(out, room)
	}
	return out
}

// Broadcast delivers ev to every local member of room except one connection,
// then relays it to peer instances.
func (m *Manager) Broadcast(ctx context.Context, room domain.RoomID, ev domain.Event, except domain.ConnID) int {
	ev.RoomID = room
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.clock.Now()
	}

	n := m.DeliverLocal(room, ev, except)

	env := domain.Envelope{Origin: m.nodeID, Scope: domain.ScopeRoom, RoomID: room, Except: except, Event: ev}
	if err := m.relay.Publish(ctx, env); err != nil {
		slog.WarnContext(ctx, "Room relay publish failed", "room_id", room, "type", ev.Kind, "error", err)
	}
	return n
}

// DeliverLocal sends ev to this instance's members of room. Peers call it for
// relayed room events.
func (m *Manager) DeliverLocal(room domain.RoomID, ev domain.Event, except domain.ConnID) int {
	data, err := ev.Encode()
	if err != nil {
		slog.Error("Dropping room event", "room_id", room, "type", ev.Kind, "error", err)
		return 0
	}

	delivered := 0
	for _, id := range m.Members(room) {
		if id == except {
			continue
		}
		if err := m.transport.SendRaw(id, data); err == nil {
			delivered++
		}
	}
	metrics.EventsDeliveredTotal.WithLabelValues(string(ev.Kind)).Add(float64(delivered))
	return delivered
}

func (m *Manager) announce(ctx context.Context, kind domain.EventKind, room domain.RoomID, p domain.Principal, id domain.ConnID) {
	m.Broadcast(ctx, room, domain.Event{
		Kind:      kind,
		UserID:    p.ID,
		Timestamp: m.clock.Now(),
		Payload:   domain.MembershipPayload{UserID: p.ID, DisplayName: p.DisplayName, ConnectionID: id},
	}, id)
}
