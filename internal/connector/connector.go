// Package connector implements the agent-side connection to the
// network service: one transport association, frame-type and system
// command handler registries, and pending-request correlation for
// system requests, grounded on the teacher's cluster/agent.go connect/
// enroll/backoff machinery generalized from Docker-fleet RPCs to the
// fabric's frame model.
package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openmesh/fabric/internal/identity"
	"github.com/openmesh/fabric/internal/logging"
	"github.com/openmesh/fabric/internal/netfabric/errs"
	"github.com/openmesh/fabric/internal/transport"
)

// DefaultConnectTimeout bounds how long connect() waits for a hello_ack.
const DefaultConnectTimeout = 5 * time.Second

// DefaultRequestTimeout bounds how long a system request waits for its
// response.
const DefaultRequestTimeout = 10 * time.Second

// Connector is one agent's live (or formerly live) association to a
// server (centralized mode) or a mesh node (decentralized mode).
type Connector struct {
	tp   transport.Transport
	log  *logging.Logger
	addr string

	connectTimeout time.Duration
	requestTimeout time.Duration

	mu        sync.RWMutex
	peer      transport.Peer
	connected bool
	agentID   string
	cert      *identity.Certificate

	handlersMu         sync.RWMutex
	messageHandlers    map[transport.FrameType][]func(transport.Frame)
	systemHandlers     map[string]func(transport.Frame)
	connectionHandlers []func()
	disconnectHandlers []func(error)

	pendingMu sync.Mutex
	pending   map[string]chan transport.Frame

	helloWaiterMu sync.Mutex
	helloWaiter   chan transport.Frame
}

// Option configures a Connector at construction time.
type Option func(*Connector)

func WithConnectTimeout(d time.Duration) Option { return func(c *Connector) { c.connectTimeout = d } }
func WithRequestTimeout(d time.Duration) Option { return func(c *Connector) { c.requestTimeout = d } }

// New builds a Connector that will dial addr over tp.
func New(tp transport.Transport, addr string, log *logging.Logger, opts ...Option) *Connector {
	c := &Connector{
		tp:              tp,
		addr:            addr,
		log:             log,
		connectTimeout:  DefaultConnectTimeout,
		requestTimeout:  DefaultRequestTimeout,
		messageHandlers: make(map[transport.FrameType][]func(transport.Frame)),
		systemHandlers:  make(map[string]func(transport.Frame)),
		pending:         make(map[string]chan transport.Frame),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Certificate returns the currently cached certificate, if any.
func (c *Connector) Certificate() *identity.Certificate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cert
}

// AgentID returns this connector's claimed agent_id.
func (c *Connector) AgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agentID
}

// RegisterMessageHandler adds cb to the list invoked for every frame of
// the given type, in registration order.
func (c *Connector) RegisterMessageHandler(t transport.FrameType, cb func(transport.Frame)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.messageHandlers[t] = append(c.messageHandlers[t], cb)
}

// RegisterSystemHandler binds cb to an incoming system_request frame
// whose command matches. Used by a decentralized node's agent side to
// answer mesh peers that query it directly.
func (c *Connector) RegisterSystemHandler(command string, cb func(transport.Frame)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.systemHandlers[command] = cb
}

// OnConnectionEstablished registers cb to fire once connect() succeeds.
func (c *Connector) OnConnectionEstablished(cb func()) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.connectionHandlers = append(c.connectionHandlers, cb)
}

// OnConnectionClosed registers cb to fire when the connection ends, for
// any reason.
func (c *Connector) OnConnectionClosed(cb func(error)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.disconnectHandlers = append(c.disconnectHandlers, cb)
}

// Connect dials the server/node, sends a hello carrying metadata (and
// the cached certificate, if any), and waits for a hello_ack. On
// acceptance any returned certificate is cached and connection_established
// handlers fire.
func (c *Connector) Connect(ctx context.Context, agentID string, metadata map[string]any) error {
	c.mu.Lock()
	cert := c.cert
	c.mu.Unlock()

	c.helloWaiterMu.Lock()
	waiter := make(chan transport.Frame, 1)
	c.helloWaiter = waiter
	c.helloWaiterMu.Unlock()

	peer, err := c.tp.Dial(ctx, c.addr, c)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.addr, err)
	}

	c.mu.Lock()
	c.peer = peer
	c.agentID = agentID
	c.connected = true
	c.mu.Unlock()

	body := map[string]any{"agent_id": agentID, "metadata": metadata}
	if cert != nil {
		certMap, _ := toMap(cert)
		body["certificate"] = certMap
	}

	if err := peer.Send(ctx, transport.Frame{Type: transport.FrameHello, Body: body}); err != nil {
		c.teardown(err)
		return fmt.Errorf("send hello: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	select {
	case ack := <-waiter:
		return c.handleHelloAck(ack)
	case <-connectCtx.Done():
		c.teardown(connectCtx.Err())
		return fmt.Errorf("timed out waiting for hello_ack")
	}
}

func (c *Connector) handleHelloAck(ack transport.Frame) error {
	accepted, _ := ack.Body["accepted"].(bool)
	if !accepted {
		reason, _ := ack.Body["reason"].(string)
		c.teardown(fmt.Errorf("%s", reason))
		return fmt.Errorf("admission rejected: %s", reason)
	}

	if rawCert, ok := ack.Body["certificate"]; ok {
		var cert identity.Certificate
		if err := remarshal(rawCert, &cert); err == nil {
			c.mu.Lock()
			c.cert = &cert
			c.mu.Unlock()
		}
	}

	c.handlersMu.RLock()
	handlers := append([]func(){}, c.connectionHandlers...)
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		h()
	}
	return nil
}

// Disconnect closes the underlying connection from this side, if one is
// open. The close fires OnClose (and so the registered disconnect
// handlers) exactly as a remote close would.
func (c *Connector) Disconnect() error {
	c.mu.RLock()
	peer := c.peer
	c.mu.RUnlock()
	if peer == nil {
		return nil
	}
	return peer.Close()
}

// Send writes f to the connection. No retries are performed here -- a
// caller that wants resilience retries at its own layer.
func (c *Connector) Send(ctx context.Context, f transport.Frame) error {
	c.mu.RLock()
	peer, connected := c.peer, c.connected
	c.mu.RUnlock()
	if !connected || peer == nil {
		return errs.ErrConnectionLost
	}
	return peer.Send(ctx, f)
}

// ClaimAgentID issues a claim_agent_id system request and awaits the
// response, returning the issued certificate on success.
func (c *Connector) ClaimAgentID(ctx context.Context, agentID string) (*identity.Certificate, error) {
	resp, err := c.request(ctx, "claim_agent_id", map[string]any{"agent_id": agentID})
	if err != nil {
		return nil, err
	}
	if ok, _ := resp["ok"].(bool); !ok {
		return nil, fmt.Errorf("claim_agent_id failed: %v", resp["error"])
	}
	var cert identity.Certificate
	if err := remarshal(resp["data"], &cert); err != nil {
		return nil, fmt.Errorf("decode certificate: %w", err)
	}
	return &cert, nil
}

// ListAgents issues a list_agents system request.
func (c *Connector) ListAgents(ctx context.Context) ([]map[string]any, error) {
	resp, err := c.request(ctx, "list_agents", nil)
	if err != nil {
		return nil, err
	}
	return toSliceOfMaps(resp["data"]), nil
}

// ListMods issues a list_mods system request.
func (c *Connector) ListMods(ctx context.Context) ([]map[string]any, error) {
	resp, err := c.request(ctx, "list_mods", nil)
	if err != nil {
		return nil, err
	}
	return toSliceOfMaps(resp["data"]), nil
}

// request sends a system_request and awaits its correlated response,
// grounded on the teacher's registerPending/awaitPending/deliverPending
// pattern.
func (c *Connector) request(ctx context.Context, command string, args map[string]any) (map[string]any, error) {
	requestID := uuid.NewString()
	ch := c.registerPending(requestID)
	defer c.cancelPending(requestID)

	f := transport.Frame{
		Type:      transport.FrameSystemRequest,
		RequestID: requestID,
		Body:      map[string]any{"command": command, "args": args},
	}
	if err := c.Send(ctx, f); err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	select {
	case resp := <-ch:
		if resp.Type == transport.FrameError {
			return nil, fmt.Errorf("system request %q failed: %v", command, resp.Body["error"])
		}
		return resp.Body, nil
	case <-reqCtx.Done():
		return nil, fmt.Errorf("system request %q timed out", command)
	}
}

func (c *Connector) registerPending(requestID string) <-chan transport.Frame {
	ch := make(chan transport.Frame, 1)
	c.pendingMu.Lock()
	c.pending[requestID] = ch
	c.pendingMu.Unlock()
	return ch
}

func (c *Connector) cancelPending(requestID string) {
	c.pendingMu.Lock()
	delete(c.pending, requestID)
	c.pendingMu.Unlock()
}

func (c *Connector) deliverPending(requestID string, f transport.Frame) bool {
	c.pendingMu.Lock()
	ch, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.pendingMu.Unlock()
	if !ok {
		return false
	}
	ch <- f
	return true
}

// OnFrame implements transport.Handler: dispatches to the matching
// pending request, the hello-ack waiter, or the registered handlers.
func (c *Connector) OnFrame(peer transport.Peer, f transport.Frame) {
	switch f.Type {
	case transport.FrameHelloAck:
		c.helloWaiterMu.Lock()
		waiter := c.helloWaiter
		c.helloWaiterMu.Unlock()
		if waiter != nil {
			waiter <- f
		}
		return
	case transport.FrameSystemResponse:
		if c.deliverPending(f.RequestID, f) {
			return
		}
	case transport.FrameSystemRequest:
		var body struct {
			Command string `json:"command"`
		}
		_ = remarshal(f.Body, &body)
		c.handlersMu.RLock()
		cb := c.systemHandlers[body.Command]
		c.handlersMu.RUnlock()
		if cb != nil {
			cb(f)
			return
		}
	}

	c.handlersMu.RLock()
	handlers := append([]func(transport.Frame){}, c.messageHandlers[f.Type]...)
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		h(f)
	}
}

// OnClose implements transport.Handler.
func (c *Connector) OnClose(peer transport.Peer, err error) {
	c.teardown(err)
}

func (c *Connector) teardown(err error) {
	c.mu.Lock()
	c.connected = false
	c.peer = nil
	c.mu.Unlock()

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		select {
		case ch <- transport.Frame{Type: transport.FrameError, Body: map[string]any{"error": errs.Code(errs.ErrConnectionLost)}}:
		default:
		}
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	c.handlersMu.RLock()
	handlers := append([]func(error){}, c.disconnectHandlers...)
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}

func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func remarshal(v any, out any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func toSliceOfMaps(v any) []map[string]any {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
