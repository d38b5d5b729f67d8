// Package typing tracks who is typing in each room. Every entry owns one
// cancellable timer keyed by (room, principal); the entry disappears when the
// timer fires unless a newer start or an explicit stop got there first.
package typing

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jschvat/posting-system-refactor-sub005/internal/domain"
	"github.com/jschvat/posting-system-refactor-sub005/internal/metrics"
)

const (
	DefaultTTL = 5 * time.Second
	shardCount = 16
)

type RoomBroadcaster interface {
	Broadcast(ctx context.Context, room domain.RoomID, ev domain.Event, except domain.ConnID) int
}

type entry struct {
	principal domain.Principal
	origin    domain.ConnID
	deadline  time.Time
	timer     clockwork.Timer
	gen       uint64
}

type shard struct {
	mu    sync.Mutex
	rooms map[domain.RoomID]map[domain.UserID]*entry
}

type Coordinator struct {
	rooms RoomBroadcaster
	clock clockwork.Clock
	ttl   time.Duration

	shards [shardCount]*shard
	gen    atomic.Uint64
}

func New(rooms RoomBroadcaster, clock clockwork.Clock, ttl time.Duration) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Coordinator{rooms: rooms, clock: clock, ttl: ttl}
	for i := range shardCount {
		c.shards[i] = &shard{rooms: make(map[domain.RoomID]map[domain.UserID]*entry)}
	}
	return c
}

func (c *Coordinator) shard(room domain.RoomID) *shard {
	return c.shards[uint64(room)%shardCount]
}

func (c *Coordinator) nextGen() uint64 {
	return c.gen.Add(1)
}

// Start marks p as typing in room. A fresh entry is announced to the room
// (excluding origin); a live entry only has its deadline pushed out.
// It reports whether a start event was broadcast.
func (c *Coordinator) Start(ctx context.Context, room domain.RoomID, p domain.Principal, origin domain.ConnID) bool {
	s := c.shard(room)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := c.clock.Now()
	users := s.rooms[room]
	if users == nil {
		users = make(map[domain.UserID]*entry)
		s.rooms[room] = users
	}

	e, exists := users[p.ID]
	if exists && now.Before(e.deadline) {
		e.timer.Stop()
		e.gen = c.nextGen()
		e.deadline = now.Add(c.ttl)
		e.origin = origin
		e.timer = c.clock.AfterFunc(c.ttl, c.expireFunc(room, p.ID, e.gen))
		return false
	}
	if exists {
		// Past its deadline but the timer has not run yet; its generation is
		// about to be replaced so it will find nothing to do.
		e.timer.Stop()
	} else {
		metrics.TypingActive.Inc()
	}

	e = &entry{principal: p, origin: origin, deadline: now.Add(c.ttl), gen: c.nextGen()}
	e.timer = c.clock.AfterFunc(c.ttl, c.expireFunc(room, p.ID, e.gen))
	users[p.ID] = e

	c.rooms.Broadcast(ctx, room, typingEvent(domain.EventTypingStart, room, p, now), origin)
	return true
}

// Stop removes p's entry and announces it. Absent or already expired entries
// are left alone and nothing is broadcast.
func (c *Coordinator) Stop(ctx context.Context, room domain.RoomID, user domain.UserID, origin domain.ConnID) bool {
	s := c.shard(room)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.rooms[room][user]
	if !ok || !c.clock.Now().Before(e.deadline) {
		return false
	}
	e.timer.Stop()
	c.remove(s, room, user)

	c.rooms.Broadcast(ctx, room, typingEvent(domain.EventTypingStop, room, e.principal, c.clock.Now()), origin)
	return true
}

// Clear is Stop without an excluded connection; sending a message clears the
// author's typing state for every member, including the author's other devices.
func (c *Coordinator) Clear(ctx context.Context, room domain.RoomID, user domain.UserID) bool {
	return c.Stop(ctx, room, user, "")
}

func (c *Coordinator) expireFunc(room domain.RoomID, user domain.UserID, gen uint64) func() {
	return func() {
		s := c.shard(room)
		s.mu.Lock()
		defer s.mu.Unlock()

		e, ok := s.rooms[room][user]
		if !ok || e.gen != gen {
			return
		}
		c.remove(s, room, user)
		slog.Debug("Typing expired", "room_id", room, "user_id", user)

		c.rooms.Broadcast(context.Background(), room, typingEvent(domain.EventTypingStop, room, e.principal, c.clock.Now()), e.origin)
	}
}

func (c *Coordinator) remove(s *shard, room domain.RoomID, user domain.UserID) {
	delete(s.rooms[room], user)
	if len(s.rooms[room]) == 0 {
		delete(s.rooms, room)
	}
	metrics.TypingActive.Dec()
}

// Active lists principals typing in room. Entries past their deadline are
// excluded even if their timer has not fired yet.
func (c *Coordinator) Active(room domain.RoomID) []domain.UserID {
	s := c.shard(room)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := c.clock.Now()
	var out []domain.UserID
	for user, e := range s.rooms[room] {
		if now.Before(e.deadline) {
			out = append(out, user)
		}
	}
	return out
}

func typingEvent(kind domain.EventKind, room domain.RoomID, p domain.Principal, at time.Time) domain.Event {
	return domain.Event{
		Kind:      kind,
		RoomID:    room,
		UserID:    p.ID,
		Timestamp: at,
		Payload: domain.TypingPayload{
			UserID:      p.ID,
			DisplayName: p.DisplayName,
			Typing:      kind == domain.EventTypingStart,
		},
	}
}
