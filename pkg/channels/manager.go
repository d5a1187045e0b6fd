package channels

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tinyland-inc/guestbridge/pkg/livechat"
	"github.com/tinyland-inc/guestbridge/pkg/logger"
)

// ErrUnknownChat is returned when a chat id is not bound to any channel.
var ErrUnknownChat = errors.New("unknown chat")

// Manager owns the channels and remembers which channel each chat lives on.
// It is the livechat.Registry the gateway hands to sessions.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
	bindings map[string]string // chat id -> channel name
	handler  InboundHandler
}

func NewManager() *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		bindings: make(map[string]string),
	}
}

// SetHandler sets where Dispatch forwards visitor activity.
func (m *Manager) SetHandler(h InboundHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

func (m *Manager) Channel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

func (m *Manager) Bind(chatID, channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[chatID] = channel
}

func (m *Manager) Unbind(chatID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bindings, chatID)
}

// Chats returns the number of bound conversations.
func (m *Manager) Chats() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bindings)
}

// Dispatch is the InboundHandler channels are built with. It keeps the chat
// bindings current and forwards to the handler set with SetHandler.
func (m *Manager) Dispatch(ctx context.Context, in Inbound) error {
	if in.Kind == InboundStart {
		m.Bind(in.ChatID, in.Channel)
	}

	m.mu.RLock()
	h := m.handler
	m.mu.RUnlock()

	var err error
	if h != nil {
		err = h(ctx, in)
	}

	if in.Kind == InboundDisconnect || (in.Kind == InboundStart && err != nil) {
		m.Unbind(in.ChatID)
	}
	return err
}

func (m *Manager) lookupChannel(chatID string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name, ok := m.bindings[chatID]
	if !ok {
		return nil, false
	}
	ch, ok := m.channels[name]
	return ch, ok
}

// Lookup implements livechat.Registry.
func (m *Manager) Lookup(chatID string) (livechat.SessionHandle, bool) {
	ch, ok := m.lookupChannel(chatID)
	if !ok {
		return nil, false
	}
	return &chatHandle{ch: ch, chatID: chatID}, true
}

// Send delivers text to a chat, splitting it when the channel has a length limit.
func (m *Manager) Send(ctx context.Context, chatID, text string) error {
	ch, ok := m.lookupChannel(chatID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChat, chatID)
	}
	return sendSplit(ctx, ch, chatID, text)
}

// End closes a conversation on its channel and forgets the binding.
func (m *Manager) End(ctx context.Context, chatID string) error {
	ch, ok := m.lookupChannel(chatID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChat, chatID)
	}
	m.Unbind(chatID)
	return ch.End(ctx, chatID)
}

func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	chs := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		chs = append(chs, ch)
	}
	m.mu.RUnlock()

	for _, ch := range chs {
		logger.InfoCF("channels", "Starting channel", map[string]any{"channel": ch.Name()})
		if err := ch.Start(ctx); err != nil {
			return fmt.Errorf("start channel %s: %w", ch.Name(), err)
		}
	}
	return nil
}

func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	chs := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		chs = append(chs, ch)
	}
	m.mu.RUnlock()

	for _, ch := range chs {
		if !ch.IsRunning() {
			continue
		}
		if err := ch.Stop(ctx); err != nil {
			logger.ErrorCF("channels", "Failed to stop channel", map[string]any{
				"channel": ch.Name(),
				"error":   err.Error(),
			})
		}
	}
}

type chatHandle struct {
	ch     Channel
	chatID string
}

func (h *chatHandle) DeliverText(ctx context.Context, text string) error {
	return sendSplit(ctx, h.ch, h.chatID, text)
}

func sendSplit(ctx context.Context, ch Channel, chatID, text string) error {
	limit := 0
	if p, ok := ch.(MessageLengthProvider); ok {
		limit = p.MaxMessageLength()
	}
	for _, part := range SplitMessage(text, limit) {
		if err := ch.Send(ctx, chatID, part); err != nil {
			return err
		}
	}
	return nil
}

// SplitMessage cuts text into chunks of at most limit runes, preferring to
// break at a newline or space. A limit of 0 disables splitting.
func SplitMessage(text string, limit int) []string {
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return []string{text}
	}

	var parts []string
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i] == '\n' || runes[i] == ' ' {
				cut = i
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
		if len(runes) > 0 && (runes[0] == '\n' || runes[0] == ' ') {
			runes = runes[1:]
		}
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
