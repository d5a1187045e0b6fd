package channels

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/chzyer/readline"

	"github.com/tinyland-inc/guestbridge/pkg/logger"
)

// LineReader is the part of *readline.Instance the console needs.
type LineReader interface {
	Readline() (string, error)
	Close() error
}

// Guest identifies the person typing at the console.
type Guest struct {
	Name       string
	Email      string
	Department string
}

// ConsoleChannel runs a single conversation on the terminal.
type ConsoleChannel struct {
	*BaseChannel
	in     LineReader
	out    io.Writer
	guest  Guest
	chatID string

	outMu sync.Mutex
	done  chan struct{}
	once  sync.Once
}

// NewConsoleChannel builds a console channel. With readline, in and out are
// usually the same *readline.Instance so replies do not garble the prompt.
func NewConsoleChannel(in LineReader, out io.Writer, guest Guest, handler InboundHandler) *ConsoleChannel {
	c := &ConsoleChannel{
		BaseChannel: NewBaseChannel("console", handler),
		in:          in,
		out:         out,
		guest:       guest,
		done:        make(chan struct{}),
	}
	c.chatID = c.NewChatID()
	return c
}

func (c *ConsoleChannel) ChatID() string { return c.chatID }

// Done is closed once the conversation is over.
func (c *ConsoleChannel) Done() <-chan struct{} { return c.done }

func (c *ConsoleChannel) Start(ctx context.Context) error {
	err := c.HandleInbound(ctx, Inbound{
		Kind:       InboundStart,
		ChatID:     c.chatID,
		Name:       c.guest.Name,
		Email:      c.guest.Email,
		Department: c.guest.Department,
	})
	if err != nil {
		return err
	}
	c.SetRunning(true)
	go c.readLoop(ctx)
	return nil
}

func (c *ConsoleChannel) readLoop(ctx context.Context) {
	defer c.finish(ctx)

	for {
		line, err := c.in.Readline()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, readline.ErrInterrupt) && c.IsRunning() {
				logger.WarnCF("console", "Read failed", map[string]any{"error": err.Error()})
			}
			return
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return
		}

		if err := c.HandleInbound(ctx, Inbound{Kind: InboundMessage, ChatID: c.chatID, Text: line}); err != nil {
			c.printf("! %v\n", err)
		}
	}
}

func (c *ConsoleChannel) finish(ctx context.Context) {
	c.once.Do(func() {
		c.SetRunning(false)
		if err := c.HandleInbound(ctx, Inbound{Kind: InboundDisconnect, ChatID: c.chatID}); err != nil {
			logger.WarnCF("console", "Disconnect handler failed", map[string]any{"error": err.Error()})
		}
		close(c.done)
	})
}

func (c *ConsoleChannel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	return c.in.Close()
}

func (c *ConsoleChannel) Send(ctx context.Context, chatID, text string) error {
	if chatID != c.chatID {
		return fmt.Errorf("%w: %s", ErrUnknownChat, chatID)
	}
	return c.printf("agent> %s\n", text)
}

func (c *ConsoleChannel) End(ctx context.Context, chatID string) error {
	if chatID != c.chatID {
		return nil
	}
	_ = c.printf("-- conversation ended --\n")
	c.SetRunning(false)
	return c.in.Close()
}

func (c *ConsoleChannel) printf(format string, args ...any) error {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, err := fmt.Fprintf(c.out, format, args...)
	return err
}
