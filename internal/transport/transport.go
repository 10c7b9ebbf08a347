// Package transport defines the fabric's wire-level contract: the frame
// envelope every backend exchanges and the Transport interface a network
// service or agent runner drives regardless of which concrete backend
// (websocket, gRPC) is in use.
package transport

import (
	"context"
	"errors"
)

// ErrIdleTimeout is the error a backend passes to Handler.OnClose when it
// evicted a connection for exceeding its heartbeat timeout, as opposed to
// the peer closing normally or a network error. Network services use this
// to distinguish a timed-out agent from a graceful disconnect.
var ErrIdleTimeout = errors.New("connection idle timeout")

// FrameType identifies the purpose of a Frame on the wire, per spec §6.
type FrameType string

const (
	FrameHello          FrameType = "hello"
	FrameHelloAck       FrameType = "hello_ack"
	FrameError          FrameType = "error"
	FrameMessage        FrameType = "message"
	FrameSystemRequest  FrameType = "system_request"
	FrameSystemResponse FrameType = "system_response"
	FramePing           FrameType = "ping"
	FramePong           FrameType = "pong"
	FrameGossip         FrameType = "gossip"
)

// Frame is the outermost wire envelope. Body carries a message.Envelope
// (for FrameMessage) or a free-form payload (hello/system/error frames),
// deferred to the caller to interpret based on Type.
type Frame struct {
	Type      FrameType      `json:"type"`
	RequestID string         `json:"request_id,omitempty"`
	Body      map[string]any `json:"body,omitempty"`
}

// Peer is a single established connection, abstracted away from the
// concrete backend (a websocket conn or a gRPC stream). AgentID is empty
// until the hello handshake completes.
type Peer interface {
	AgentID() string
	Send(ctx context.Context, f Frame) error
	Close() error
}

// AgentIDSetter is implemented by every backend's Peer so the network
// service can bind a connection to its agent_id once admission accepts
// it. A type assertion, not part of the Peer interface itself, since the
// network service is the only caller and most Peer consumers never need
// it.
type AgentIDSetter interface {
	SetAgentID(id string)
}

// Handler processes frames arriving on an accepted or dialed connection.
// OnFrame is invoked from the transport's own read loop; implementations
// must not block it for long. OnClose is invoked exactly once when the
// peer's connection ends, for any reason.
type Handler interface {
	OnFrame(peer Peer, f Frame)
	OnClose(peer Peer, err error)
}

// Transport is the backend-agnostic contract a network service (server
// mode) or connector (client mode) drives. Both ends implement it: the
// server Listens, a client/peer Dials.
type Transport interface {
	// Listen starts accepting inbound connections at addr, dispatching
	// frames to handler. Non-blocking; returns once the listener is
	// bound.
	Listen(ctx context.Context, addr string, handler Handler) error

	// Dial opens an outbound connection to addr, dispatching frames to
	// handler. Blocks until the connection is established or ctx is
	// done.
	Dial(ctx context.Context, addr string, handler Handler) (Peer, error)

	// Shutdown stops accepting new connections and closes all existing
	// ones.
	Shutdown(ctx context.Context) error
}
