package domain

import (
	"context"
	"time"
)

type NotificationType string

const (
	NotificationMessage     NotificationType = "message"
	NotificationMention     NotificationType = "mention"
	NotificationReaction    NotificationType = "reaction"
	NotificationComment     NotificationType = "comment"
	NotificationFollow      NotificationType = "follow"
	NotificationGroupInvite NotificationType = "group_invite"
	NotificationSystem      NotificationType = "system"
)

func (t NotificationType) Valid() bool {
	switch t {
	case NotificationMessage, NotificationMention, NotificationReaction, NotificationComment,
		NotificationFollow, NotificationGroupInvite, NotificationSystem:
		return true
	}
	return false
}

// NotificationTemplate is the recipient-independent part of a notification.
type NotificationTemplate struct {
	Type      NotificationType  `json:"type"`
	ActorID   UserID            `json:"actor_id,omitempty"`
	RoomID    RoomID            `json:"room_id,omitempty"`
	MessageID int64             `json:"message_id,omitempty"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
}

type Notification struct {
	NotificationTemplate

	ID        int64     `json:"id"`
	UserID    UserID    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Preference controls delivery surfaces for one notification type.
type Preference struct {
	PushEnabled  bool
	InAppEnabled bool
}

// DefaultPreference applies when a principal has not configured a type.
var DefaultPreference = Preference{PushEnabled: true, InAppEnabled: true}

type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformWeb     Platform = "web"
)

// Destination is a registered push endpoint. Destinations are never deleted
// here, only deactivated.
type Destination struct {
	ID         int64
	UserID     UserID
	Platform   Platform
	Token      string
	LastSeenAt time.Time
	Active     bool
}

type DeliveryStatus string

const (
	DeliverySent   DeliveryStatus = "sent"
	DeliveryFailed DeliveryStatus = "failed"
)

// DeliveryAttempt is the append-only audit row for one (notification, destination) pair.
type DeliveryAttempt struct {
	NotificationID    int64
	DestinationID     int64
	Status            DeliveryStatus
	ProviderMessageID string
	Error             string
	AttemptedAt       time.Time
}

// PushPayload is what a provider delivers to a device.
type PushPayload struct {
	NotificationID int64             `json:"notification_id"`
	Type           NotificationType  `json:"type"`
	Title          string            `json:"title"`
	Body           string            `json:"body"`
	Badge          int               `json:"badge"`
	Data           map[string]string `json:"data,omitempty"`
}

// PushProvider sends to one platform. Errors wrap ErrPermanentDelivery when the
// token will never succeed again; anything else is treated as transient.
type PushProvider interface {
	Send(ctx context.Context, token string, payload PushPayload) (string, error)
}

type NotificationStore interface {
	CreateNotification(ctx context.Context, userID UserID, tmpl NotificationTemplate) (*Notification, error)
	UnreadCount(ctx context.Context, userID UserID) (int, error)
	PreferencesFor(ctx context.Context, userID UserID, typ NotificationType) (Preference, error)
	ActiveDestinationsFor(ctx context.Context, userID UserID) ([]Destination, error)
	DeactivateDestination(ctx context.Context, destinationID int64) error
	RecordDeliveryAttempts(ctx context.Context, attempts []DeliveryAttempt) error
}

// RoomNotification asks for every participant of RoomID except ExcludeUser to
// be notified with Template.
type RoomNotification struct {
	RoomID      RoomID
	ExcludeUser UserID
	Template    NotificationTemplate
}
