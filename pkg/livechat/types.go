package livechat

import (
	"context"
	"encoding/json"
	"slices"
)

// Rocket.Chat livechat method and stream names.
const (
	MethodRegisterGuest = "livechat:registerGuest"
	MethodSendMessage   = "sendMessageLivechat"
	StreamRoomMessages  = "stream-room-messages"
)

// System message types that never reach the visitor.
const (
	MessageTypeUserJoined = "uj"
	MessageTypeUserLeft   = "ul"
)

// Bot replies that end the conversation instead of being shown as text.
const (
	BotStatePromptTranscript = "promptTranscript"
	BotStateConnected        = "connected"
)

var botStates = []string{BotStatePromptTranscript, BotStateConnected}

// IsTerminationKeyword reports whether msg is a bot control message.
func IsTerminationKeyword(msg string) bool {
	return slices.Contains(botStates, msg)
}

// RPC is the subset of the DDP client a session needs.
type RPC interface {
	Method(ctx context.Context, name string, params ...any) (string, error)
	Subscribe(ctx context.Context, name string, params ...any) (string, error)
}

// SessionHandle is the visitor-facing end of a conversation.
type SessionHandle interface {
	DeliverText(ctx context.Context, text string) error
}

// Registry resolves a chat id to its visitor-facing handle.
type Registry interface {
	Lookup(chatID string) (SessionHandle, bool)
}

// Options configures a GuestSession.
type Options struct {
	Token       string
	Department  string // optional livechat department id
	Name        string
	Email       string
	ChatID      string
	Host        string
	DownloadURL string
	Debug       bool
}

// Visitor is the guest descriptor returned by livechat:registerGuest.
type Visitor struct {
	ID         string `json:"_id"`
	Token      string `json:"token"`
	Name       string `json:"name,omitempty"`
	Username   string `json:"username,omitempty"`
	Department string `json:"department,omitempty"`
}

// RoomMessage is a message delivered on stream-room-messages.
type RoomMessage struct {
	ID     string      `json:"_id"`
	RoomID string      `json:"rid"`
	Msg    string      `json:"msg"`
	Type   string      `json:"t,omitempty"`
	User   MessageUser `json:"u"`
}

type MessageUser struct {
	ID       string `json:"_id"`
	Username string `json:"username,omitempty"`
	Name     string `json:"name,omitempty"`
}

type registerParams struct {
	Token      string `json:"token"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	Department string `json:"department,omitempty"`
}

type sendMessageParams struct {
	ID     string `json:"_id"`
	RoomID string `json:"rid"`
	Msg    string `json:"msg"`
	Token  string `json:"token"`
}

// DecodeVisitor extracts the visitor from a livechat:registerGuest result.
func DecodeVisitor(result json.RawMessage) (*Visitor, error) {
	var body struct {
		Visitor *Visitor `json:"visitor"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		return nil, err
	}
	return body.Visitor, nil
}

// ackedMessageID extracts the message id from a sendMessageLivechat result,
// falling back to the id generated when the message was sent.
func ackedMessageID(result json.RawMessage, fallback string) string {
	var body struct {
		ID string `json:"_id"`
	}
	if len(result) > 0 && json.Unmarshal(result, &body) == nil && body.ID != "" {
		return body.ID
	}
	return fallback
}

func decodeRoomMessage(fields json.RawMessage) (RoomMessage, bool) {
	var body struct {
		Args []RoomMessage `json:"args"`
	}
	if err := json.Unmarshal(fields, &body); err != nil || len(body.Args) == 0 {
		return RoomMessage{}, false
	}
	return body.Args[0], true
}
