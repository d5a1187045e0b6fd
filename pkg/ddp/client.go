// Package ddp is a minimal DDP client for the Rocket.Chat realtime API.
//
// Method calls are fire-and-forget: Method returns the correlation id and the
// outcome arrives later as a bus.ResultEvent. Subscription updates arrive as
// bus.ChangedEvent. All events are published from a single read loop, so
// subscribers see them in wire order.
package ddp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinyland-inc/guestbridge/pkg/bus"
	"github.com/tinyland-inc/guestbridge/pkg/logger"
)

var (
	// ErrClosed is returned when writing to a closed client.
	ErrClosed = errors.New("ddp client closed")
	// ErrConnectFailed is returned when the server rejects the handshake.
	ErrConnectFailed = errors.New("ddp connect rejected")
)

const defaultHandshakeTimeout = 10 * time.Second

// Config holds DDP connection parameters.
type Config struct {
	URL              string        // ws(s):// endpoint, see WebSocketURL
	HandshakeTimeout time.Duration // dial + "connected" wait (default 10s)
	Header           http.Header   // extra handshake headers (Origin, cookies)
}

// Client is a DDP connection. It is safe for concurrent use.
type Client struct {
	cfg     Config
	conn    *websocket.Conn
	bus     *bus.Bus
	session string

	writeMu sync.Mutex
	nextID  atomic.Uint64

	inflight   map[string]string // method call id -> method name
	inflightMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	closed atomic.Bool
}

// WebSocketURL turns a Rocket.Chat base URL ("https://chat.example.com")
// into its DDP endpoint ("wss://chat.example.com/websocket"). URLs already
// using a ws scheme are returned unchanged.
func WebSocketURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("invalid rocket.chat url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return u.String(), nil
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported rocket.chat url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/websocket"
	return u.String(), nil
}

// Dial connects to the DDP endpoint, completes the handshake and starts the
// read loop. Events are published on b until Close is called or the
// connection drops.
func Dial(ctx context.Context, cfg Config, b *bus.Bus) (*Client, error) {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		conn:     conn,
		bus:      b,
		inflight: make(map[string]string),
		ctx:      cctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	if err := c.handshake(); err != nil {
		cancel()
		conn.Close()
		return nil, err
	}

	go c.readLoop()

	logger.InfoCF("ddp", "Connected to DDP endpoint", map[string]any{
		"url":     cfg.URL,
		"session": c.session,
	})
	return c, nil
}

func (c *Client) handshake() error {
	if err := c.conn.WriteJSON(connectFrame{
		Msg:     "connect",
		Version: supportedVersions[0],
		Support: supportedVersions,
	}); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}

	c.conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		var f inboundFrame
		if err := c.conn.ReadJSON(&f); err != nil {
			return fmt.Errorf("read connect reply: %w", err)
		}
		switch f.Msg {
		case "connected":
			c.session = f.Session
			return nil
		case "failed":
			return fmt.Errorf("%w: server wants version %q", ErrConnectFailed, f.Version)
		case "":
			// {"server_id": "..."} precedes the reply
			continue
		default:
			logger.DebugCF("ddp", "Ignoring frame during handshake", map[string]any{"msg": f.Msg})
		}
	}
}

// Session returns the server-assigned DDP session id.
func (c *Client) Session() string { return c.session }

// Done is closed when the read loop exits.
func (c *Client) Done() <-chan struct{} { return c.done }

// Method invokes a server method and returns its correlation id. The result
// is published later as a bus.ResultEvent carrying the same id.
func (c *Client) Method(ctx context.Context, name string, params ...any) (string, error) {
	if params == nil {
		params = []any{}
	}
	id := c.newID()

	c.inflightMu.Lock()
	c.inflight[id] = name
	c.inflightMu.Unlock()

	if err := c.write(ctx, methodFrame{Msg: "method", ID: id, Method: name, Params: params}); err != nil {
		c.takeInflight(id)
		return "", fmt.Errorf("call %s: %w", name, err)
	}

	logger.DebugCF("ddp", "Method sent", map[string]any{"id": id, "method": name})
	return id, nil
}

// Subscribe activates a server publication and returns the subscription id.
func (c *Client) Subscribe(ctx context.Context, name string, params ...any) (string, error) {
	if params == nil {
		params = []any{}
	}
	id := c.newID()
	if err := c.write(ctx, subFrame{Msg: "sub", ID: id, Name: name, Params: params}); err != nil {
		return "", fmt.Errorf("subscribe %s: %w", name, err)
	}

	logger.DebugCF("ddp", "Subscription sent", map[string]any{"id": id, "name": name})
	return id, nil
}

// Unsubscribe stops a subscription started with Subscribe.
func (c *Client) Unsubscribe(ctx context.Context, id string) error {
	return c.write(ctx, unsubFrame{Msg: "unsub", ID: id})
}

// Close terminates the connection. Pending method results are dropped.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.writeMu.Lock()
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()

	err := c.conn.Close()
	c.cancel()
	<-c.done
	return err
}

func (c *Client) newID() string {
	return strconv.FormatUint(c.nextID.Add(1), 10)
}

func (c *Client) takeInflight(id string) string {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	name := c.inflight[id]
	delete(c.inflight, id)
	return name
}

// write serializes a frame onto the socket; gorilla connections support a
// single concurrent writer.
func (c *Client) write(ctx context.Context, v any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return c.conn.WriteJSON(v)
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer c.cancel()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closed.Load() {
				logger.ErrorCF("ddp", "Connection lost", map[string]any{"error": err.Error()})
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		logger.WarnCF("ddp", "Malformed frame", map[string]any{"error": err.Error()})
		return
	}

	switch f.Msg {
	case "ping":
		if err := c.write(c.ctx, pongFrame{Msg: "pong", ID: f.ID}); err != nil {
			logger.WarnCF("ddp", "Failed to answer ping", map[string]any{"error": err.Error()})
		}
	case "pong":
	case "result":
		c.publish(bus.ResultEvent{
			ID:     f.ID,
			Method: c.takeInflight(f.ID),
			Result: f.Result,
			Error:  f.Error,
		})
	case "changed", "added":
		c.publish(bus.ChangedEvent{
			Collection: f.Collection,
			ID:         f.ID,
			Fields:     f.Fields,
		})
	case "ready":
		logger.DebugCF("ddp", "Subscriptions ready", map[string]any{"subs": f.Subs})
	case "nosub":
		fields := map[string]any{"id": f.ID}
		if f.Error != nil {
			fields["error"] = f.Error.Error()
		}
		logger.WarnCF("ddp", "Subscription rejected", fields)
	case "updated", "removed":
	case "error":
		logger.ErrorCF("ddp", "Server reported protocol error", map[string]any{"reason": f.Reason})
	default:
		logger.DebugCF("ddp", "Unhandled frame", map[string]any{"msg": f.Msg})
	}
}

func (c *Client) publish(e bus.Event) {
	if err := c.bus.Publish(c.ctx, e); err != nil && !errors.Is(err, context.Canceled) {
		logger.WarnCF("ddp", "Event dropped", map[string]any{
			"kind":  e.Kind().String(),
			"error": err.Error(),
		})
	}
}
