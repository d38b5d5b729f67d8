package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventKind string

const (
	EventMessageNew      EventKind = "message:new"
	EventMessageEdited   EventKind = "message:edited"
	EventMessageDeleted  EventKind = "message:deleted"
	EventMessageRead     EventKind = "message:read"
	EventRoomRead        EventKind = "room:read"
	EventTypingStart     EventKind = "user:typing:start"
	EventTypingStop      EventKind = "user:typing:stop"
	EventUserOnline      EventKind = "user:online"
	EventUserOffline     EventKind = "user:offline"
	EventPresenceStatus  EventKind = "presence:snapshot"
	EventNotificationNew EventKind = "notification:new"
	EventRoomUserJoined  EventKind = "room:user_joined"
	EventRoomUserLeft    EventKind = "room:user_left"
	EventRoomJoined      EventKind = "room:joined"
	EventRoomLeft        EventKind = "room:left"
	EventConnectionReady EventKind = "connection:ready"
	EventError           EventKind = "error"
	EventPong            EventKind = "pong"
	EventAck             EventKind = "ack"
)

// Event is the structured payload delivered to clients. Every event carries a
// kind and a timestamp; room and user identifiers are set when they apply.
type Event struct {
	Kind      EventKind `json:"type"`
	Ref       string    `json:"ref,omitempty"`
	RoomID    RoomID    `json:"room_id,omitempty"`
	UserID    UserID    `json:"user_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Encode marshals the event once so it can be fanned out to many sinks.
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", e.Kind, err)
	}
	return data, nil
}

// TypingPayload accompanies user:typing:start and user:typing:stop.
type TypingPayload struct {
	UserID      UserID `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	Typing      bool   `json:"typing"`
}

// PresencePayload accompanies user:online and user:offline.
type PresencePayload struct {
	UserID      UserID `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	Online      bool   `json:"online"`
}

// MembershipPayload accompanies room join and leave notifications.
type MembershipPayload struct {
	UserID       UserID `json:"user_id"`
	DisplayName  string `json:"display_name,omitempty"`
	ConnectionID ConnID `json:"connection_id,omitempty"`
}

// ErrorPayload is sent to the originating connection when a request fails.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Request string `json:"request,omitempty"`
	RoomID  RoomID `json:"room_id,omitempty"`
}
