// Package gateway connects visitor channels to livechat sessions: one
// GuestSession per chat, created when the visitor starts a conversation and
// dropped when either side ends it.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tinyland-inc/guestbridge/pkg/bus"
	"github.com/tinyland-inc/guestbridge/pkg/channels"
	"github.com/tinyland-inc/guestbridge/pkg/config"
	"github.com/tinyland-inc/guestbridge/pkg/livechat"
	"github.com/tinyland-inc/guestbridge/pkg/logger"
)

// ErrNoConversation is returned for visitor messages on an unknown chat.
var ErrNoConversation = errors.New("no active conversation")

type Options struct {
	RocketChat config.RocketChatConfig
	Guest      config.GuestConfig
	Debug      bool
}

// conversation serializes visitor messages for one chat. Messages typed
// before registration completes are held and sent in order afterwards.
type conversation struct {
	session *livechat.GuestSession

	mu         sync.Mutex
	registered bool
	backlog    []string
}

type Gateway struct {
	rpc      livechat.RPC
	bus      *bus.Bus
	channels *channels.Manager
	opts     Options

	mu            sync.Mutex
	conversations map[string]*conversation
	unsubs        []func()
}

func New(rpc livechat.RPC, b *bus.Bus, mgr *channels.Manager, opts Options) *Gateway {
	g := &Gateway{
		rpc:           rpc,
		bus:           b,
		channels:      mgr,
		opts:          opts,
		conversations: make(map[string]*conversation),
	}
	g.unsubs = append(g.unsubs,
		bus.On(b, g.onGuestRegistered),
		bus.On(b, g.onGuestLogout),
	)
	return g
}

// HandleInbound is the channels.InboundHandler for the manager.
func (g *Gateway) HandleInbound(ctx context.Context, in channels.Inbound) error {
	switch in.Kind {
	case channels.InboundStart:
		return g.start(ctx, in)
	case channels.InboundMessage:
		return g.message(ctx, in)
	case channels.InboundDisconnect:
		g.drop(in.ChatID, "visitor disconnected")
		return nil
	default:
		return fmt.Errorf("unsupported inbound kind %d", in.Kind)
	}
}

func (g *Gateway) start(ctx context.Context, in channels.Inbound) error {
	opts := livechat.Options{
		Token:       in.ChatID,
		Department:  firstNonEmpty(in.Department, g.opts.RocketChat.Department),
		Name:        firstNonEmpty(in.Name, g.opts.Guest.DefaultName),
		Email:       firstNonEmpty(in.Email, g.opts.Guest.DefaultEmail),
		ChatID:      in.ChatID,
		Host:        g.opts.RocketChat.PublicHost(),
		DownloadURL: g.opts.RocketChat.DownloadURL,
		Debug:       g.opts.Debug,
	}

	session := livechat.NewGuestSession(g.rpc, g.bus, g.channels, opts)
	conv := &conversation{session: session}

	g.mu.Lock()
	if _, exists := g.conversations[in.ChatID]; exists {
		g.mu.Unlock()
		return fmt.Errorf("chat %s already started", in.ChatID)
	}
	g.conversations[in.ChatID] = conv
	g.mu.Unlock()

	if err := session.Start(ctx); err != nil {
		g.drop(in.ChatID, "registration failed")
		return err
	}
	session.ReceiveResponse()

	logger.InfoCF("gateway", "Conversation opened", map[string]any{
		"chat_id": in.ChatID,
		"channel": in.Channel,
		"room_id": session.RoomID(),
	})
	return nil
}

func (g *Gateway) message(ctx context.Context, in channels.Inbound) error {
	conv, ok := g.conversation(in.ChatID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoConversation, in.ChatID)
	}

	conv.mu.Lock()
	defer conv.mu.Unlock()
	if !conv.registered {
		conv.backlog = append(conv.backlog, in.Text)
		logger.DebugCF("gateway", "Holding message until registration", map[string]any{
			"chat_id": in.ChatID,
			"pending": len(conv.backlog),
		})
		return nil
	}
	return conv.session.SendMessage(ctx, in.Text)
}

func (g *Gateway) onGuestRegistered(ctx context.Context, e bus.GuestRegisteredEvent) {
	conv, ok := g.conversation(e.ChatID)
	if !ok {
		return
	}

	conv.mu.Lock()
	defer conv.mu.Unlock()
	conv.registered = true
	backlog := conv.backlog
	conv.backlog = nil

	for _, text := range backlog {
		if err := conv.session.SendMessage(ctx, text); err != nil {
			logger.ErrorCF("gateway", "Failed to flush held message", map[string]any{
				"chat_id": e.ChatID,
				"error":   err.Error(),
			})
		}
	}
}

func (g *Gateway) onGuestLogout(ctx context.Context, e bus.GuestLogoutEvent) {
	if !g.drop(e.ChatID, "bot ended conversation") {
		return
	}
	if err := g.channels.End(ctx, e.ChatID); err != nil && !errors.Is(err, channels.ErrUnknownChat) {
		logger.WarnCF("gateway", "Failed to end visitor chat", map[string]any{
			"chat_id": e.ChatID,
			"error":   err.Error(),
		})
	}
}

// drop forgets a conversation and detaches its session. It reports whether
// the chat was known.
func (g *Gateway) drop(chatID, reason string) bool {
	g.mu.Lock()
	conv, ok := g.conversations[chatID]
	delete(g.conversations, chatID)
	g.mu.Unlock()
	if !ok {
		return false
	}

	conv.session.Detach()
	logger.InfoCF("gateway", "Conversation closed", map[string]any{
		"chat_id": chatID,
		"reason":  reason,
	})
	return true
}

func (g *Gateway) conversation(chatID string) (*conversation, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	conv, ok := g.conversations[chatID]
	return conv, ok
}

// Session returns the livechat session behind a chat.
func (g *Gateway) Session(chatID string) (*livechat.GuestSession, bool) {
	conv, ok := g.conversation(chatID)
	if !ok {
		return nil, false
	}
	return conv.session, true
}

// Conversations returns the number of open conversations.
func (g *Gateway) Conversations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conversations)
}

// Close detaches every session and stops listening on the bus.
func (g *Gateway) Close() {
	g.mu.Lock()
	convs := g.conversations
	g.conversations = make(map[string]*conversation)
	unsubs := g.unsubs
	g.unsubs = nil
	g.mu.Unlock()

	for _, conv := range convs {
		conv.session.Detach()
	}
	for _, unsub := range unsubs {
		unsub()
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
