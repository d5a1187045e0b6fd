package ddp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/guestbridge/pkg/bus"
)

// fakeServer is a scripted DDP endpoint. Every frame the client sends is
// recorded; reply decides what to write back.
type fakeServer struct {
	t      *testing.T
	srv    *httptest.Server
	reply  func(conn *websocket.Conn, frame map[string]any)
	reject bool

	mu     sync.Mutex
	frames []map[string]any
	seen   chan map[string]any
}

func newFakeServer(t *testing.T, reply func(conn *websocket.Conn, frame map[string]any)) *fakeServer {
	t.Helper()
	fs := &fakeServer{t: t, reply: reply, seen: make(chan map[string]any, 32)}
	upgrader := websocket.Upgrader{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var frame map[string]any
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			fs.mu.Lock()
			fs.frames = append(fs.frames, frame)
			fs.mu.Unlock()
			fs.seen <- frame

			if frame["msg"] == "connect" {
				_ = conn.WriteJSON(map[string]any{"server_id": "0"})
				if fs.reject {
					_ = conn.WriteJSON(map[string]any{"msg": "failed", "version": "1"})
					return
				}
				_ = conn.WriteJSON(map[string]any{"msg": "connected", "session": "sess-1"})
				continue
			}
			if fs.reply != nil {
				fs.reply(conn, frame)
			}
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) waitFrame(t *testing.T, msg string) map[string]any {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f := <-fs.seen:
			if f["msg"] == msg {
				return f
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q frame", msg)
			return nil
		}
	}
}

func dialFake(t *testing.T, fs *fakeServer, b *bus.Bus) *Client {
	t.Helper()
	c, err := Dial(context.Background(), Config{URL: fs.url(), HandshakeTimeout: 2 * time.Second}, b)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDial_Handshake(t *testing.T) {
	fs := newFakeServer(t, nil)
	c := dialFake(t, fs, bus.NewBus())

	assert.Equal(t, "sess-1", c.Session())

	connect := fs.waitFrame(t, "connect")
	assert.Equal(t, "1", connect["version"])
	assert.Equal(t, []any{"1", "pre2", "pre1"}, connect["support"])
}

func TestDial_Rejected(t *testing.T) {
	fs := newFakeServer(t, nil)
	fs.reject = true

	_, err := Dial(context.Background(), Config{URL: fs.url(), HandshakeTimeout: time.Second}, bus.NewBus())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectFailed)
}

func TestMethod_PublishesCorrelatedResult(t *testing.T) {
	fs := newFakeServer(t, func(conn *websocket.Conn, frame map[string]any) {
		if frame["msg"] != "method" {
			return
		}
		_ = conn.WriteJSON(map[string]any{
			"msg":    "result",
			"id":     frame["id"],
			"result": map[string]any{"visitor": map[string]any{"_id": "v1", "token": "tok"}},
		})
	})

	b := bus.NewBus()
	results := make(chan bus.ResultEvent, 1)
	bus.On(b, func(_ context.Context, e bus.ResultEvent) { results <- e })

	c := dialFake(t, fs, b)
	id, err := c.Method(context.Background(), "livechat:registerGuest", map[string]any{"token": "r1"})
	require.NoError(t, err)

	sent := fs.waitFrame(t, "method")
	assert.Equal(t, id, sent["id"])
	assert.Equal(t, "livechat:registerGuest", sent["method"])
	assert.Equal(t, []any{map[string]any{"token": "r1"}}, sent["params"])

	select {
	case res := <-results:
		assert.Equal(t, id, res.ID)
		assert.Equal(t, "livechat:registerGuest", res.Method)
		assert.Nil(t, res.Error)
		assert.JSONEq(t, `{"visitor":{"_id":"v1","token":"tok"}}`, string(res.Result))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result event")
	}
}

func TestMethod_ErrorResult(t *testing.T) {
	fs := newFakeServer(t, func(conn *websocket.Conn, frame map[string]any) {
		if frame["msg"] != "method" {
			return
		}
		_ = conn.WriteJSON(map[string]any{
			"msg": "result",
			"id":  frame["id"],
			"error": map[string]any{
				"error":   "invalid-token",
				"reason":  "Token is invalid",
				"message": "Token is invalid [invalid-token]",
			},
		})
	})

	b := bus.NewBus()
	results := make(chan bus.ResultEvent, 1)
	bus.On(b, func(_ context.Context, e bus.ResultEvent) { results <- e })

	c := dialFake(t, fs, b)
	_, err := c.Method(context.Background(), "sendMessageLivechat")
	require.NoError(t, err)

	select {
	case res := <-results:
		require.NotNil(t, res.Error)
		assert.Equal(t, "invalid-token", res.Error.Code)
		assert.Equal(t, "Token is invalid [invalid-token]", res.Error.Error())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result event")
	}
}

func TestMethod_IDsAreUnique(t *testing.T) {
	fs := newFakeServer(t, nil)
	c := dialFake(t, fs, bus.NewBus())

	ctx := context.Background()
	id1, err := c.Method(ctx, "a")
	require.NoError(t, err)
	id2, err := c.Subscribe(ctx, "stream-room-messages", "room", false)
	require.NoError(t, err)
	id3, err := c.Method(ctx, "b")
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)
	assert.NotEqual(t, id2, id3)
	assert.NotEqual(t, id1, id3)
}

func TestSubscribe_ChangedEvents(t *testing.T) {
	fs := newFakeServer(t, func(conn *websocket.Conn, frame map[string]any) {
		if frame["msg"] != "sub" {
			return
		}
		_ = conn.WriteJSON(map[string]any{"msg": "ready", "subs": []string{frame["id"].(string)}})
		_ = conn.WriteJSON(map[string]any{
			"msg":        "changed",
			"collection": "stream-room-messages",
			"id":         "id",
			"fields": map[string]any{
				"eventName": "room-1",
				"args":      []any{map[string]any{"_id": "m1", "rid": "room-1", "msg": "hi"}},
			},
		})
	})

	b := bus.NewBus()
	changes := make(chan bus.ChangedEvent, 1)
	bus.On(b, func(_ context.Context, e bus.ChangedEvent) { changes <- e })

	c := dialFake(t, fs, b)
	_, err := c.Subscribe(context.Background(), "stream-room-messages", "room-1", false)
	require.NoError(t, err)

	sub := fs.waitFrame(t, "sub")
	assert.Equal(t, "stream-room-messages", sub["name"])
	assert.Equal(t, []any{"room-1", false}, sub["params"])

	select {
	case ev := <-changes:
		assert.Equal(t, "stream-room-messages", ev.Collection)
		var fields struct {
			Args []json.RawMessage `json:"args"`
		}
		require.NoError(t, json.Unmarshal(ev.Fields, &fields))
		require.Len(t, fields.Args, 1)
		assert.JSONEq(t, `{"_id":"m1","rid":"room-1","msg":"hi"}`, string(fields.Args[0]))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for changed event")
	}
}

func TestPing_AnsweredWithPong(t *testing.T) {
	fs := newFakeServer(t, func(conn *websocket.Conn, frame map[string]any) {
		if frame["msg"] == "method" {
			_ = conn.WriteJSON(map[string]any{"msg": "ping", "id": "p1"})
		}
	})
	c := dialFake(t, fs, bus.NewBus())

	_, err := c.Method(context.Background(), "trigger")
	require.NoError(t, err)

	pong := fs.waitFrame(t, "pong")
	assert.Equal(t, "p1", pong["id"])
}

func TestClose_RejectsWrites(t *testing.T) {
	fs := newFakeServer(t, nil)
	c, err := Dial(context.Background(), Config{URL: fs.url()}, bus.NewBus())
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not exit")
	}

	_, err = c.Method(context.Background(), "x")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWebSocketURL(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "https://chat.example.com", want: "wss://chat.example.com/websocket"},
		{in: "http://localhost:3000/", want: "ws://localhost:3000/websocket"},
		{in: "https://example.com/chat", want: "wss://example.com/chat/websocket"},
		{in: "wss://chat.example.com/websocket", want: "wss://chat.example.com/websocket"},
		{in: "ftp://example.com", wantErr: true},
	}
	for _, tt := range tests {
		got, err := WebSocketURL(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}
