// Package presence turns registry transitions into online/offline events and
// manages per-connection presence subscriptions.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jschvat/posting-system-refactor-sub005/internal/domain"
	apperrors "github.com/jschvat/posting-system-refactor-sub005/internal/errors"
	"github.com/jschvat/posting-system-refactor-sub005/internal/registry"
)

// MaxSubscriptionIDs bounds one subscribe or check request.
const MaxSubscriptionIDs = 500

// Directory is the slice of the connection registry presence needs.
type Directory interface {
	IsOnline(user domain.UserID) bool
	SendRaw(id domain.ConnID, data []byte) error
	Broadcast(ctx context.Context, ev domain.Event) int
}

type Broadcaster struct {
	registry.NopListener

	dir    Directory
	relay  domain.Relay
	nodeID string

	mu       sync.RWMutex
	open     map[domain.ConnID]struct{}
	byConn   map[domain.ConnID]map[domain.UserID]struct{}
	watchers map[domain.UserID]map[domain.ConnID]struct{}
}

func New(dir Directory, relay domain.Relay, nodeID string) *Broadcaster {
	return &Broadcaster{
		dir:      dir,
		relay:    relay,
		nodeID:   nodeID,
		open:     make(map[domain.ConnID]struct{}),
		byConn:   make(map[domain.ConnID]map[domain.UserID]struct{}),
		watchers: make(map[domain.UserID]map[domain.ConnID]struct{}),
	}
}

func validateIDs(ids []domain.UserID) error {
	if len(ids) == 0 {
		return apperrors.ValidationError("user_ids must not be empty")
	}
	if len(ids) > MaxSubscriptionIDs {
		return apperrors.ValidationError("too many user_ids").WithContext("max", MaxSubscriptionIDs)
	}
	for _, id := range ids {
		if id <= 0 {
			return apperrors.ValidationError("user_ids must be positive")
		}
	}
	return nil
}

// Subscribe records interest in ids and returns their current state. The
// snapshot has exactly one entry per requested id. Connections that are not
// open, or closed concurrently, are rejected so no subscription outlives them.
func (b *Broadcaster) Subscribe(conn domain.ConnID, ids []domain.UserID) (map[domain.UserID]bool, error) {
	if err := validateIDs(ids); err != nil {
		return nil, err
	}

	b.mu.Lock()
	if _, ok := b.open[conn]; !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("connection %s: %w", conn, domain.ErrUnknownConnection)
	}
	subs := b.byConn[conn]
	if subs == nil {
		subs = make(map[domain.UserID]struct{})
		b.byConn[conn] = subs
	}
	for _, id := range ids {
		subs[id] = struct{}{}
		w := b.watchers[id]
		if w == nil {
			w = make(map[domain.ConnID]struct{})
			b.watchers[id] = w
		}
		w[conn] = struct{}{}
	}
	b.mu.Unlock()

	return b.snapshot(ids), nil
}

// Unsubscribe removes interest. Ids that were never subscribed are ignored.
func (b *Broadcaster) Unsubscribe(conn domain.ConnID, ids []domain.UserID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.byConn[conn]
	for _, id := range ids {
		delete(subs, id)
		b.dropWatcher(id, conn)
	}
	if len(subs) == 0 {
		delete(b.byConn, conn)
	}
}

// Check returns a one-shot snapshot without touching subscriptions.
func (b *Broadcaster) Check(_ domain.ConnID, ids []domain.UserID) (map[domain.UserID]bool, error) {
	if err := validateIDs(ids); err != nil {
		return nil, err
	}
	return b.snapshot(ids), nil
}

func (b *Broadcaster) snapshot(ids []domain.UserID) map[domain.UserID]bool {
	out := make(map[domain.UserID]bool, len(ids))
	for _, id := range ids {
		out[id] = b.dir.IsOnline(id)
	}
	return out
}

// Subscriptions lists the principals a connection watches.
func (b *Broadcaster) Subscriptions(conn domain.ConnID) []domain.UserID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.UserID, 0, len(b.byConn[conn]))
	for id := range b.byConn[conn] {
		out = append(out, id)
	}
	return out
}

func (b *Broadcaster) dropWatcher(user domain.UserID, conn domain.ConnID) {
	w := b.watchers[user]
	delete(w, conn)
	if len(w) == 0 {
		delete(b.watchers, user)
	}
}

func (b *Broadcaster) ConnectionOpened(info domain.ConnectionInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open[info.ID] = struct{}{}
}

func (b *Broadcaster) ConnectionClosed(info domain.ConnectionInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.open, info.ID)
	for user := range b.byConn[info.ID] {
		b.dropWatcher(user, info.ID)
	}
	delete(b.byConn, info.ID)
}

func (b *Broadcaster) PrincipalOnline(p domain.Principal, at time.Time) {
	b.announce(domain.EventUserOnline, p, at)
}

func (b *Broadcaster) PrincipalOffline(p domain.Principal, at time.Time) {
	b.announce(domain.EventUserOffline, p, at)
}

// announce emits to the global firehose and to the principal's watchers.
// Watchers therefore see the event twice; clients apply it idempotently.
func (b *Broadcaster) announce(kind domain.EventKind, p domain.Principal, at time.Time) {
	ctx := context.Background()
	ev := domain.Event{
		Kind:      kind,
		UserID:    p.ID,
		Timestamp: at,
		Payload: domain.PresencePayload{
			UserID:      p.ID,
			DisplayName: p.DisplayName,
			Online:      kind == domain.EventUserOnline,
		},
	}

	b.dir.Broadcast(ctx, ev)
	b.DeliverToWatchers(p.ID, ev)

	for _, env := range []domain.Envelope{
		{Origin: b.nodeID, Scope: domain.ScopeAll, UserID: p.ID, Event: ev},
		{Origin: b.nodeID, Scope: domain.ScopeWatchers, UserID: p.ID, Event: ev},
	} {
		if err := b.relay.Publish(ctx, env); err != nil {
			slog.Warn("Presence relay publish failed", "user_id", p.ID, "type", kind, "error", err)
		}
	}
}

// DeliverToWatchers sends ev to local connections subscribed to user. Peers
// call it for relayed presence events.
func (b *Broadcaster) DeliverToWatchers(user domain.UserID, ev domain.Event) int {
	b.mu.RLock()
	targets := make([]domain.ConnID, 0, len(b.watchers[user]))
	for conn := range b.watchers[user] {
		targets = append(targets, conn)
	}
	b.mu.RUnlock()
	if len(targets) == 0 {
		return 0
	}

	data, err := ev.Encode()
	if err != nil {
		slog.Error("Dropping presence event", "user_id", user, "error", err)
		return 0
	}
	n := 0
	for _, conn := range targets {
		if b.dir.SendRaw(conn, data) == nil {
			n++
		}
	}
	return n
}
