// Package notify publishes livechat lifecycle notifications to external
// consumers as JSON envelopes.
package notify

import (
	"time"

	"github.com/google/uuid"
)

const producer = "guestbridge"

// Event type names, versioned like routing keys.
const (
	TypeGuestRegistered = "livechat.guest_registered.v1"
	TypeMessageSent     = "livechat.message_sent.v1"
	TypeGuestLogout     = "livechat.guest_logout.v1"
)

type Meta struct {
	// Conversation the event belongs to
	CorrelationID string `json:"correlation_id,omitempty"`
	// Unique event ID
	ID       string    `json:"id"`
	Producer string    `json:"producer,omitempty"`
	Time     time.Time `json:"time"`
	Type     string    `json:"type"`
}

type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

type GuestRegistered struct {
	ChatID    string `json:"chat_id"`
	RoomID    string `json:"room_id"`
	VisitorID string `json:"visitor_id,omitempty"`
}

type MessageSent struct {
	ChatID    string `json:"chat_id"`
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
}

type GuestLogout struct {
	ChatID string `json:"chat_id"`
	RoomID string `json:"room_id"`
}

// NewEnvelope wraps data with fresh metadata. The chat id doubles as the
// correlation id so consumers can group a conversation's events.
func NewEnvelope(eventType, chatID string, data any) Envelope {
	return Envelope{
		Meta: Meta{
			CorrelationID: chatID,
			ID:            uuid.NewString(),
			Producer:      producer,
			Time:          time.Now().UTC(),
			Type:          eventType,
		},
		Data: data,
	}
}
