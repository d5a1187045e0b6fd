package ddp

import (
	"encoding/json"

	"github.com/tinyland-inc/guestbridge/pkg/bus"
)

// Protocol version offered during the handshake, most preferred first.
var supportedVersions = []string{"1", "pre2", "pre1"}

type connectFrame struct {
	Msg     string   `json:"msg"`
	Version string   `json:"version"`
	Support []string `json:"support"`
}

type methodFrame struct {
	Msg    string `json:"msg"`
	ID     string `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type subFrame struct {
	Msg    string `json:"msg"`
	ID     string `json:"id"`
	Name   string `json:"name"`
	Params []any  `json:"params"`
}

type unsubFrame struct {
	Msg string `json:"msg"`
	ID  string `json:"id"`
}

type pongFrame struct {
	Msg string `json:"msg"`
	ID  string `json:"id,omitempty"`
}

// inboundFrame is the union of every server message the client reads.
type inboundFrame struct {
	Msg        string          `json:"msg"`
	ID         string          `json:"id,omitempty"`
	Session    string          `json:"session,omitempty"`
	Version    string          `json:"version,omitempty"`
	Collection string          `json:"collection,omitempty"`
	Fields     json.RawMessage `json:"fields,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *bus.RPCError   `json:"error,omitempty"`
	Subs       []string        `json:"subs,omitempty"`
	Methods    []string        `json:"methods,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	ServerID   string          `json:"server_id,omitempty"`
}
