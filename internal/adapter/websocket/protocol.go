package websocket

import (
	"encoding/json"

	"github.com/jschvat/posting-system-refactor-sub005/internal/domain"
)

// Frame is one inbound client request. Ref is echoed on the reply so the
// client can correlate it.
type Frame struct {
	Type    string          `json:"type"`
	Ref     string          `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	FrameRoomJoin            = "room:join"
	FrameRoomLeave           = "room:leave"
	FrameTypingStart         = "typing:start"
	FrameTypingStop          = "typing:stop"
	FrameMessageSend         = "message:send"
	FrameMessageRead         = "message:read"
	FrameRoomRead            = "room:read"
	FramePresenceSubscribe   = "presence:subscribe"
	FramePresenceUnsubscribe = "presence:unsubscribe"
	FramePresenceCheck       = "presence:check"
	FramePing                = "ping"
)

var knownFrames = map[string]bool{
	FrameRoomJoin: true, FrameRoomLeave: true, FrameTypingStart: true, FrameTypingStop: true,
	FrameMessageSend: true, FrameMessageRead: true, FrameRoomRead: true,
	FramePresenceSubscribe: true, FramePresenceUnsubscribe: true, FramePresenceCheck: true,
	FramePing: true,
}

type roomRequest struct {
	RoomID domain.RoomID `json:"room_id"`
}

type readRequest struct {
	MessageID int64 `json:"message_id"`
}

type presenceRequest struct {
	UserIDs []domain.UserID `json:"user_ids"`
}

type readyPayload struct {
	ConnectionID domain.ConnID `json:"connection_id"`
	UserID       domain.UserID `json:"user_id"`
	DisplayName  string        `json:"display_name,omitempty"`
}

type joinedPayload struct {
	RoomID domain.RoomID   `json:"room_id"`
	Typing []domain.UserID `json:"typing"`
}

type snapshotPayload struct {
	Statuses map[domain.UserID]bool `json:"statuses"`
}

type ackPayload struct {
	Request string `json:"request"`
	Result  any    `json:"result,omitempty"`
}
