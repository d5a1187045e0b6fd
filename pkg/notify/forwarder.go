package notify

import (
	"context"
	"sync"
	"time"

	"github.com/tinyland-inc/guestbridge/pkg/bus"
	"github.com/tinyland-inc/guestbridge/pkg/livechat"
	"github.com/tinyland-inc/guestbridge/pkg/logger"
)

const (
	defaultQueueSize = 256
	publishTimeout   = 5 * time.Second
)

type outgoing struct {
	key string
	env Envelope
}

// Forwarder turns session notifications on the bus into published envelopes.
// Bus handlers only enqueue; a single worker does the network I/O so the
// DDP read loop never waits on the broker.
type Forwarder struct {
	pub    Publisher
	queue  chan outgoing
	unsubs []func()
	wg     sync.WaitGroup
	once   sync.Once
}

func NewForwarder(pub Publisher) *Forwarder {
	return &Forwarder{
		pub:   pub,
		queue: make(chan outgoing, defaultQueueSize),
	}
}

// Attach subscribes to b and starts the publishing worker.
func (f *Forwarder) Attach(b *bus.Bus) {
	f.unsubs = append(f.unsubs,
		bus.On(b, func(_ context.Context, e bus.GuestRegisteredEvent) {
			data := GuestRegistered{ChatID: e.ChatID, RoomID: e.RoomID}
			if v := registeredVisitorID(e); v != "" {
				data.VisitorID = v
			}
			f.enqueue("guest_registered", NewEnvelope(TypeGuestRegistered, e.ChatID, data))
		}),
		bus.On(b, func(_ context.Context, e bus.MessageSentEvent) {
			f.enqueue("message_sent", NewEnvelope(TypeMessageSent, e.ChatID, MessageSent{
				ChatID:    e.ChatID,
				RoomID:    e.RoomID,
				MessageID: e.MessageID,
			}))
		}),
		bus.On(b, func(_ context.Context, e bus.GuestLogoutEvent) {
			f.enqueue("guest_logout", NewEnvelope(TypeGuestLogout, e.ChatID, GuestLogout{
				ChatID: e.ChatID,
				RoomID: e.RoomID,
			}))
		}),
	)

	f.wg.Add(1)
	go f.run()
}

func (f *Forwarder) enqueue(key string, env Envelope) {
	select {
	case f.queue <- outgoing{key: key, env: env}:
	default:
		logger.WarnCF("notify", "Queue full, notification dropped", map[string]any{
			"type":    env.Meta.Type,
			"chat_id": env.Meta.CorrelationID,
		})
	}
}

func (f *Forwarder) run() {
	defer f.wg.Done()
	for out := range f.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := f.pub.Publish(ctx, out.key, out.env); err != nil {
			logger.ErrorCF("notify", "Publish failed", map[string]any{
				"type":  out.env.Meta.Type,
				"error": err.Error(),
			})
		}
		cancel()
	}
}

// Close detaches from the bus, drains queued notifications and closes the
// publisher.
func (f *Forwarder) Close() error {
	var err error
	f.once.Do(func() {
		for _, unsub := range f.unsubs {
			unsub()
		}
		close(f.queue)
		f.wg.Wait()
		err = f.pub.Close()
	})
	return err
}

func registeredVisitorID(e bus.GuestRegisteredEvent) string {
	v, err := livechat.DecodeVisitor(e.Result.Result)
	if err != nil || v == nil {
		return ""
	}
	return v.ID
}
