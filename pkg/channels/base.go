package channels

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// Channel is a visitor-facing surface. Each live conversation on a channel is
// identified by a chat id the channel assigns.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, chatID, text string) error
	End(ctx context.Context, chatID string) error
	IsRunning() bool
}

type InboundKind int

const (
	InboundStart InboundKind = iota + 1
	InboundMessage
	InboundDisconnect
)

func (k InboundKind) String() string {
	switch k {
	case InboundStart:
		return "start"
	case InboundMessage:
		return "message"
	case InboundDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Inbound is something a visitor did on a channel.
type Inbound struct {
	Kind       InboundKind
	Channel    string
	ChatID     string
	Name       string // start only
	Email      string // start only
	Department string // start only
	Text       string // message only
}

// InboundHandler receives visitor activity. An error is reported back to the
// visitor by the channel.
type InboundHandler func(ctx context.Context, in Inbound) error

// BaseChannelOption is a functional option for configuring a BaseChannel.
type BaseChannelOption func(*BaseChannel)

// WithMaxMessageLength sets the maximum message length (in runes) for a channel.
// Messages exceeding this limit will be automatically split by the Manager.
// A value of 0 means no limit.
func WithMaxMessageLength(n int) BaseChannelOption {
	return func(c *BaseChannel) { c.maxMessageLength = n }
}

// WithAllowList restricts which origins may open a conversation.
func WithAllowList(list []string) BaseChannelOption {
	return func(c *BaseChannel) { c.allowList = list }
}

// MessageLengthProvider is an opt-in interface that channels implement
// to advertise their maximum message length. The Manager uses this via
// type assertion to decide whether to split outbound messages.
type MessageLengthProvider interface {
	MaxMessageLength() int
}

type BaseChannel struct {
	handler          InboundHandler
	running          atomic.Bool
	name             string
	allowList        []string
	maxMessageLength int
}

func NewBaseChannel(name string, handler InboundHandler, opts ...BaseChannelOption) *BaseChannel {
	bc := &BaseChannel{
		handler: handler,
		name:    name,
	}
	for _, opt := range opts {
		opt(bc)
	}
	return bc
}

// MaxMessageLength returns the maximum message length (in runes) for this channel.
// A value of 0 means no limit.
func (c *BaseChannel) MaxMessageLength() int {
	return c.maxMessageLength
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

// IsAllowed matches an origin against the allow list. An empty list allows
// everything; entries match case-insensitively and ignore a trailing slash.
func (c *BaseChannel) IsAllowed(origin string) bool {
	if len(c.allowList) == 0 {
		return true
	}
	origin = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(origin)), "/")
	for _, allowed := range c.allowList {
		if allowed == "*" {
			return true
		}
		if origin == strings.TrimSuffix(strings.ToLower(strings.TrimSpace(allowed)), "/") {
			return true
		}
	}
	return false
}

// HandleInbound stamps the channel name on in and passes it to the handler.
func (c *BaseChannel) HandleInbound(ctx context.Context, in Inbound) error {
	in.Channel = c.name
	if c.handler == nil {
		return nil
	}
	return c.handler(ctx, in)
}

func (c *BaseChannel) SetRunning(running bool) {
	c.running.Store(running)
}

// NewChatID returns a fresh conversation id scoped to the channel.
func (c *BaseChannel) NewChatID() string {
	return c.name + ":" + uuid.NewString()
}
