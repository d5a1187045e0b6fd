// Package livechat implements the Rocket.Chat livechat guest session: it
// registers a visitor, relays the visitor's text to the backend and relays
// agent and bot replies back to the visitor-facing surface.
package livechat

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/tinyland-inc/guestbridge/pkg/bus"
	"github.com/tinyland-inc/guestbridge/pkg/logger"
)

// State is the coarse lifecycle position of a session.
type State int

const (
	StateCreated State = iota
	StateRegistering
	StateRegistered
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRegistering:
		return "registering"
	case StateRegistered:
		return "registered"
	case StateSubscribed:
		return "subscribed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type callKind int

const (
	callRegister callKind = iota + 1
	callSend
)

type pendingCall struct {
	kind      callKind
	messageID string
}

// GuestSession is one visitor conversation.
//
// Method results are matched by correlation id against a table of calls
// issued by this session, so overlapping sends never shadow each other.
// Duplicate acknowledgements and duplicate room messages are dropped by id.
type GuestSession struct {
	opts     Options
	roomID   string
	rpc      RPC
	bus      *bus.Bus
	registry Registry

	mu                   sync.Mutex
	started              bool
	pending              map[string]pendingCall
	registerCallID       string
	sendCallID           string
	registered           bool
	subscribedToStream   bool
	sentMessageIDs       map[string]struct{}
	deliveredResponseIDs map[string]struct{}
	visitor              *Visitor

	listeningResults bool
	listeningSent    bool
	listeningChanged bool
	unsubs           []func()
}

// NewGuestSession creates a session. Nothing is sent until Start.
func NewGuestSession(rpc RPC, b *bus.Bus, registry Registry, opts Options) *GuestSession {
	return &GuestSession{
		opts:                 opts,
		roomID:               uuid.NewString(),
		rpc:                  rpc,
		bus:                  b,
		registry:             registry,
		pending:              make(map[string]pendingCall),
		sentMessageIDs:       make(map[string]struct{}),
		deliveredResponseIDs: make(map[string]struct{}),
	}
}

// Start registers the guest and attaches the result and message-sent
// listeners. Listeners are attached before the registration call goes out so
// a fast reply cannot be missed. The returned error only reports a failure to
// write the call; rejections arrive asynchronously and are logged.
func (s *GuestSession) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.listenResults()
	s.subscribe()
	return s.register(ctx)
}

func (s *GuestSession) register(ctx context.Context) error {
	s.trace("Registering guest", map[string]any{
		"token": s.opts.Token,
		"name":  s.opts.Name,
		"email": s.opts.Email,
	})

	params := registerParams{
		Token:      s.roomID,
		Name:       s.opts.Name,
		Email:      s.opts.Email,
		Department: s.opts.Department,
	}

	// Held across the call so the result handler cannot look the id up
	// before it is recorded.
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.rpc.Method(ctx, MethodRegisterGuest, params)
	if err != nil {
		return fmt.Errorf("register guest %s: %w", s.opts.ChatID, err)
	}
	s.pending[id] = pendingCall{kind: callRegister}
	s.registerCallID = id
	return nil
}

func (s *GuestSession) listenResults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeningResults {
		return
	}
	s.listeningResults = true
	s.unsubs = append(s.unsubs, bus.On(s.bus, s.onResult))
}

func (s *GuestSession) onResult(ctx context.Context, ev bus.ResultEvent) {
	s.mu.Lock()
	call, ok := s.pending[ev.ID]
	if !ok {
		s.mu.Unlock()
		return
	}

	if ev.Error != nil {
		delete(s.pending, ev.ID)
		s.mu.Unlock()
		logger.ErrorCF("livechat", "Livechat call failed", map[string]any{
			"chat_id": s.opts.ChatID,
			"room_id": s.roomID,
			"call_id": ev.ID,
			"method":  ev.Method,
			"error":   ev.Error.Error(),
		})
		return
	}

	switch call.kind {
	case callRegister:
		delete(s.pending, ev.ID)
		if s.registered {
			s.mu.Unlock()
			return
		}
		s.registered = true
		visitor, err := DecodeVisitor(ev.Result)
		s.visitor = visitor
		s.mu.Unlock()

		if err != nil || visitor == nil {
			fields := map[string]any{"chat_id": s.opts.ChatID}
			if err != nil {
				fields["error"] = err.Error()
			}
			logger.WarnCF("livechat", "Registration result carried no visitor", fields)
		}

		s.trace("Guest registered", map[string]any{"call_id": ev.ID})
		s.publish(ctx, bus.GuestRegisteredEvent{ChatID: s.opts.ChatID, RoomID: s.roomID, Result: ev})
		s.subscribe()

	case callSend:
		delete(s.pending, ev.ID)
		msgID := ackedMessageID(ev.Result, call.messageID)
		if _, seen := s.sentMessageIDs[msgID]; seen {
			s.mu.Unlock()
			return
		}
		s.sentMessageIDs[msgID] = struct{}{}
		s.mu.Unlock()

		s.trace("Message delivered to livechat", map[string]any{"message_id": msgID})
		s.publish(ctx, bus.MessageSentEvent{
			ChatID:    s.opts.ChatID,
			RoomID:    s.roomID,
			MessageID: msgID,
			Result:    ev,
		})

	default:
		s.mu.Unlock()
	}
}

// subscribe attaches the message-sent listener once. The room stream only
// exists after the first visitor message reaches the backend, so the stream
// subscription is issued on the first acknowledgement for this room.
func (s *GuestSession) subscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeningSent {
		return
	}
	s.listeningSent = true
	s.unsubs = append(s.unsubs, bus.On(s.bus, s.onMessageSent))
}

func (s *GuestSession) onMessageSent(ctx context.Context, ev bus.MessageSentEvent) {
	if ev.RoomID != s.roomID {
		return
	}

	s.mu.Lock()
	if s.subscribedToStream {
		s.mu.Unlock()
		return
	}
	s.subscribedToStream = true
	s.mu.Unlock()

	s.trace("Subscribing to guest room", map[string]any{"room_id": s.roomID})
	if _, err := s.rpc.Subscribe(ctx, StreamRoomMessages, s.roomID, false); err != nil {
		logger.ErrorCF("livechat", "Room subscription failed", map[string]any{
			"chat_id": s.opts.ChatID,
			"room_id": s.roomID,
			"error":   err.Error(),
		})
	}
}

// SendMessage forwards visitor text to the backend. Before registration
// completes the call carries an empty token and the backend rejects it.
func (s *GuestSession) SendMessage(ctx context.Context, text string) error {
	msgID := uuid.NewString()
	s.trace("Sending message to livechat", map[string]any{"message_id": msgID})

	s.mu.Lock()
	defer s.mu.Unlock()

	var token string
	if s.visitor != nil {
		token = s.visitor.Token
	}

	id, err := s.rpc.Method(ctx, MethodSendMessage, sendMessageParams{
		ID:     msgID,
		RoomID: s.roomID,
		Msg:    text,
		Token:  token,
	})
	if err != nil {
		return fmt.Errorf("send message for %s: %w", s.opts.ChatID, err)
	}
	s.pending[id] = pendingCall{kind: callSend, messageID: msgID}
	s.sendCallID = id
	return nil
}

// ReceiveResponse attaches the room-stream listener once. Qualifying
// messages are delivered through the registry, or turned into a
// GuestLogoutEvent when they carry a bot termination keyword.
func (s *GuestSession) ReceiveResponse() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeningChanged {
		return
	}
	s.listeningChanged = true
	s.unsubs = append(s.unsubs, bus.On(s.bus, s.onChanged))
}

func (s *GuestSession) onChanged(ctx context.Context, ev bus.ChangedEvent) {
	if ev.Collection != StreamRoomMessages {
		return
	}
	resp, ok := decodeRoomMessage(ev.Fields)
	if !ok || resp.RoomID != s.roomID {
		return
	}
	if resp.Type == MessageTypeUserJoined || resp.Type == MessageTypeUserLeft {
		return
	}

	s.mu.Lock()
	if _, seen := s.deliveredResponseIDs[resp.ID]; seen {
		s.mu.Unlock()
		return
	}
	var ownID string
	if s.visitor != nil {
		ownID = s.visitor.ID
	}
	if resp.User.ID == ownID {
		s.mu.Unlock()
		return
	}
	s.deliveredResponseIDs[resp.ID] = struct{}{}
	s.mu.Unlock()

	if IsTerminationKeyword(resp.Msg) {
		s.trace("Bot ended the conversation", map[string]any{"keyword": resp.Msg})
		s.publish(ctx, bus.GuestLogoutEvent{ChatID: s.opts.ChatID, RoomID: s.roomID})
		return
	}

	handle, ok := s.registry.Lookup(s.opts.ChatID)
	if !ok {
		logger.WarnCF("livechat", "No visitor surface for chat", map[string]any{
			"chat_id":    s.opts.ChatID,
			"message_id": resp.ID,
		})
		return
	}

	s.trace("Delivering reply to visitor", map[string]any{"message_id": resp.ID})
	if err := handle.DeliverText(ctx, resp.Msg); err != nil {
		logger.ErrorCF("livechat", "Failed to deliver reply", map[string]any{
			"chat_id":    s.opts.ChatID,
			"message_id": resp.ID,
			"error":      err.Error(),
		})
	}
}

// Detach removes the session's bus listeners. The backend is not contacted.
func (s *GuestSession) Detach() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

func (s *GuestSession) publish(ctx context.Context, e bus.Event) {
	if err := s.bus.Publish(ctx, e); err != nil {
		logger.WarnCF("livechat", "Notification dropped", map[string]any{
			"chat_id": s.opts.ChatID,
			"kind":    e.Kind().String(),
			"error":   err.Error(),
		})
	}
}

func (s *GuestSession) trace(msg string, fields map[string]any) {
	f := make(map[string]any, len(fields)+2)
	maps.Copy(f, fields)
	f["chat_id"] = s.opts.ChatID
	f["room_id"] = s.roomID
	if s.opts.Debug {
		logger.InfoCF("livechat", msg, f)
		return
	}
	logger.DebugCF("livechat", msg, f)
}

func (s *GuestSession) ChatID() string      { return s.opts.ChatID }
func (s *GuestSession) RoomID() string      { return s.roomID }
func (s *GuestSession) Host() string        { return s.opts.Host }
func (s *GuestSession) DownloadURL() string { return s.opts.DownloadURL }

func (s *GuestSession) Registered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

func (s *GuestSession) SubscribedToStream() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribedToStream
}

// Visitor returns a copy of the registered visitor, or nil.
func (s *GuestSession) Visitor() *Visitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.visitor == nil {
		return nil
	}
	v := *s.visitor
	return &v
}

// RegisterCallID is the correlation id of the latest registration call.
func (s *GuestSession) RegisterCallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registerCallID
}

// SendCallID is the correlation id of the latest send call.
func (s *GuestSession) SendCallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendCallID
}

// SentMessageIDs returns the acknowledged message ids, sorted.
func (s *GuestSession) SentMessageIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.sentMessageIDs))
}

func (s *GuestSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.subscribedToStream:
		return StateSubscribed
	case s.registered:
		return StateRegistered
	case s.started:
		return StateRegistering
	default:
		return StateCreated
	}
}
