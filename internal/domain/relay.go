package domain

import "context"

// Scope selects which local connections a relayed event targets.
type Scope string

const (
	ScopeRoom     Scope = "room"
	ScopeUser     Scope = "user"
	ScopeAll      Scope = "all"
	ScopeWatchers Scope = "watchers"
)

// Envelope carries an event to peer instances.
type Envelope struct {
	Origin string `json:"origin"`
	Scope  Scope  `json:"scope"`
	RoomID RoomID `json:"room_id,omitempty"`
	UserID UserID `json:"user_id,omitempty"`
	Except ConnID `json:"except,omitempty"`
	Event  Event  `json:"event"`
}

// Relay forwards locally emitted events to other instances. Publishing is
// best-effort and must not block: callers publish while holding delivery
// locks.
type Relay interface {
	Publish(ctx context.Context, env Envelope) error
}

// NopRelay is used for single-instance deployments.
type NopRelay struct{}

func (NopRelay) Publish(context.Context, Envelope) error { return nil }
