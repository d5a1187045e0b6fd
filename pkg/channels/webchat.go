package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinyland-inc/guestbridge/pkg/config"
	"github.com/tinyland-inc/guestbridge/pkg/logger"
)

const (
	webchatWriteTimeout = 10 * time.Second
	webchatMaxFrame     = 64 << 10
)

// webchatFrame is the JSON frame exchanged with the browser widget.
type webchatFrame struct {
	Type       string `json:"type"`
	ChatID     string `json:"chat_id,omitempty"`
	Name       string `json:"name,omitempty"`
	Email      string `json:"email,omitempty"`
	Department string `json:"department,omitempty"`
	Text       string `json:"text,omitempty"`
}

type webchatConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *webchatConn) write(ctx context.Context, f webchatFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(webchatWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteJSON(f)
}

// WebChatChannel serves the browser widget over a websocket. One socket is
// one conversation.
type WebChatChannel struct {
	*BaseChannel
	cfg      config.WebChatConfig
	upgrader websocket.Upgrader
	server   *http.Server

	mu    sync.RWMutex
	conns map[string]*webchatConn
}

func NewWebChatChannel(cfg config.WebChatConfig, handler InboundHandler, opts ...BaseChannelOption) *WebChatChannel {
	opts = append([]BaseChannelOption{WithAllowList(cfg.AllowedOrigins)}, opts...)
	ch := &WebChatChannel{
		BaseChannel: NewBaseChannel("webchat", handler, opts...),
		cfg:         cfg,
		conns:       make(map[string]*webchatConn),
	}
	ch.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || ch.IsAllowed(origin)
		},
	}
	return ch
}

// Handler returns the HTTP handler serving the widget socket and /health.
func (c *WebChatChannel) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(c.cfg.Path, c.handleSocket)
	mux.HandleFunc("/health", c.handleHealth)
	return mux
}

func (c *WebChatChannel) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", c.cfg.Addr())
	if err != nil {
		return fmt.Errorf("webchat listen: %w", err)
	}

	c.server = &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	c.SetRunning(true)

	go func() {
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF("webchat", "Server stopped", map[string]any{"error": err.Error()})
		}
	}()

	logger.InfoCF("webchat", "WebChat channel listening", map[string]any{
		"addr": ln.Addr().String(),
		"path": c.cfg.Path,
	})
	return nil
}

func (c *WebChatChannel) Stop(ctx context.Context) error {
	c.SetRunning(false)

	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[string]*webchatConn)
	c.mu.Unlock()
	for _, wc := range conns {
		wc.conn.Close()
	}

	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

func (c *WebChatChannel) Send(ctx context.Context, chatID, text string) error {
	wc, ok := c.conn(chatID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChat, chatID)
	}
	return wc.write(ctx, webchatFrame{Type: "message", Text: text})
}

// End tells the widget the conversation is over and closes the socket.
func (c *WebChatChannel) End(ctx context.Context, chatID string) error {
	wc, ok := c.conn(chatID)
	if !ok {
		return nil
	}
	err := wc.write(ctx, webchatFrame{Type: "end"})
	wc.conn.Close()
	return err
}

// Conversations returns the number of open sockets.
func (c *WebChatChannel) Conversations() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.conns)
}

func (c *WebChatChannel) conn(chatID string) (*webchatConn, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	wc, ok := c.conns[chatID]
	return wc, ok
}

func (c *WebChatChannel) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":        "ok",
		"conversations": c.Conversations(),
	})
}

func (c *WebChatChannel) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnCF("webchat", "Upgrade failed", map[string]any{
			"remote": r.RemoteAddr,
			"error":  err.Error(),
		})
		return
	}
	conn.SetReadLimit(webchatMaxFrame)
	wc := &webchatConn{conn: conn}
	ctx := context.Background()

	chatID, ok := c.awaitStart(ctx, wc)
	if !ok {
		conn.Close()
		return
	}
	defer func() {
		c.mu.Lock()
		delete(c.conns, chatID)
		c.mu.Unlock()
		conn.Close()

		if err := c.HandleInbound(ctx, Inbound{Kind: InboundDisconnect, ChatID: chatID}); err != nil {
			logger.WarnCF("webchat", "Disconnect handler failed", map[string]any{
				"chat_id": chatID,
				"error":   err.Error(),
			})
		}
	}()

	for {
		var f webchatFrame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.DebugCF("webchat", "Socket closed", map[string]any{"chat_id": chatID, "error": err.Error()})
			}
			return
		}

		switch f.Type {
		case "message":
			if f.Text == "" {
				continue
			}
			if err := c.HandleInbound(ctx, Inbound{Kind: InboundMessage, ChatID: chatID, Text: f.Text}); err != nil {
				_ = wc.write(ctx, webchatFrame{Type: "error", Text: err.Error()})
			}
		case "end":
			return
		default:
			_ = wc.write(ctx, webchatFrame{Type: "error", Text: fmt.Sprintf("unexpected frame %q", f.Type)})
		}
	}
}

// awaitStart reads the opening frame, registers the socket and announces the
// chat id to the widget.
func (c *WebChatChannel) awaitStart(ctx context.Context, wc *webchatConn) (string, bool) {
	var f webchatFrame
	if err := wc.conn.ReadJSON(&f); err != nil {
		return "", false
	}
	if f.Type != "start" {
		_ = wc.write(ctx, webchatFrame{Type: "error", Text: "expected start frame"})
		return "", false
	}

	chatID := c.NewChatID()
	c.mu.Lock()
	c.conns[chatID] = wc
	c.mu.Unlock()

	if err := wc.write(ctx, webchatFrame{Type: "ready", ChatID: chatID}); err != nil {
		c.mu.Lock()
		delete(c.conns, chatID)
		c.mu.Unlock()
		return "", false
	}

	err := c.HandleInbound(ctx, Inbound{
		Kind:       InboundStart,
		ChatID:     chatID,
		Name:       f.Name,
		Email:      f.Email,
		Department: f.Department,
	})
	if err != nil {
		logger.WarnCF("webchat", "Conversation rejected", map[string]any{
			"chat_id": chatID,
			"error":   err.Error(),
		})
		c.mu.Lock()
		delete(c.conns, chatID)
		c.mu.Unlock()
		_ = wc.write(ctx, webchatFrame{Type: "error", Text: err.Error()})
		return "", false
	}

	logger.InfoCF("webchat", "Conversation started", map[string]any{"chat_id": chatID})
	return chatID, true
}
