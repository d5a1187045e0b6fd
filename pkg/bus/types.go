package bus

import (
	"encoding/json"
	"fmt"
)

// Kind identifies an event stream on the bus.
type Kind int

const (
	// KindResult carries DDP method results.
	KindResult Kind = iota
	// KindChanged carries DDP collection updates (changed/added).
	KindChanged
	// KindMessageSent is published by a guest session once the backend
	// acknowledges a visitor message.
	KindMessageSent
	// KindGuestRegistered is published once per session when the backend
	// accepts the guest registration.
	KindGuestRegistered
	// KindGuestLogout is published when the bot signals the end of the chat.
	KindGuestLogout
)

func (k Kind) String() string {
	switch k {
	case KindResult:
		return "result"
	case KindChanged:
		return "changed"
	case KindMessageSent:
		return "message_sent"
	case KindGuestRegistered:
		return "guest_registered"
	case KindGuestLogout:
		return "guest_logout"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is implemented by every payload published on the bus.
type Event interface {
	Kind() Kind
}

// RPCError is the error object attached to a failed DDP method result.
type RPCError struct {
	Code      any    `json:"error,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
	ErrorType string `json:"errorType,omitempty"`
}

func (e *RPCError) Error() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Reason != "":
		return fmt.Sprintf("%v: %s", e.Code, e.Reason)
	default:
		return fmt.Sprintf("rpc error %v", e.Code)
	}
}

type ResultEvent struct {
	ID     string          `json:"id"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

func (ResultEvent) Kind() Kind { return KindResult }

type ChangedEvent struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Fields     json.RawMessage `json:"fields,omitempty"`
}

func (ChangedEvent) Kind() Kind { return KindChanged }

type MessageSentEvent struct {
	ChatID    string      `json:"chat_id"`
	RoomID    string      `json:"room_id"`
	MessageID string      `json:"message_id"`
	Result    ResultEvent `json:"result"`
}

func (MessageSentEvent) Kind() Kind { return KindMessageSent }

type GuestRegisteredEvent struct {
	ChatID string      `json:"chat_id"`
	RoomID string      `json:"room_id"`
	Result ResultEvent `json:"result"`
}

func (GuestRegisteredEvent) Kind() Kind { return KindGuestRegistered }

type GuestLogoutEvent struct {
	ChatID string `json:"chat_id"`
	RoomID string `json:"room_id"`
}

func (GuestLogoutEvent) Kind() Kind { return KindGuestLogout }
