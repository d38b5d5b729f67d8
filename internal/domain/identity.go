package domain

import (
	"strconv"
	"time"
)

// UserID identifies a principal in the relational store.
type UserID int64

// RoomID identifies a conversation or group channel.
type RoomID int64

// ConnID identifies one live transport session.
type ConnID string

func (id UserID) String() string { return strconv.FormatInt(int64(id), 10) }
func (id RoomID) String() string { return strconv.FormatInt(int64(id), 10) }

// Principal is the authenticated identity that owns a connection.
type Principal struct {
	ID          UserID `json:"id"`
	DisplayName string `json:"display_name"`
}

// ConnectionInfo is a read-only view of a registered connection.
type ConnectionInfo struct {
	ID          ConnID
	Principal   Principal
	ConnectedAt time.Time
}

// Sink is the transport side of a connection. Send must not block; a sink that
// cannot accept more data returns ErrSlowConsumer.
type Sink interface {
	Send(data []byte) error
	Close(reason string)
}
