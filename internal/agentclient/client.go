// Package agentclient implements the agent-side client: the ordered
// adapter chain, the local thread store, and the outgoing/incoming
// message pipelines that sit between an agent's own logic and its
// connector.
package agentclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/openmesh/fabric/internal/connector"
	"github.com/openmesh/fabric/internal/logging"
	"github.com/openmesh/fabric/internal/message"
	"github.com/openmesh/fabric/internal/mod"
	"github.com/openmesh/fabric/internal/transport"
)

// registeredAdapter pairs an adapter with the mod name it was loaded
// under, for get_tools / list_mods cross-referencing.
type registeredAdapter struct {
	name    string
	adapter mod.Adapter
}

// Client holds the connector, the ordered adapter chain, and the local
// thread store for one agent.
type Client struct {
	agentID string
	conn    *connector.Connector
	log     *logging.Logger

	mu       sync.RWMutex
	adapters []registeredAdapter

	threads *message.Store
}

// New builds a Client bound to agentID and conn. The client registers
// itself as the connector's FrameMessage handler and subscribes to
// connection-closed notifications to fan out OnDisconnect to every
// adapter.
func New(agentID string, conn *connector.Connector, log *logging.Logger) *Client {
	c := &Client{
		agentID: agentID,
		conn:    conn,
		log:     log,
		threads: message.NewStore(),
	}
	conn.RegisterMessageHandler(transport.FrameMessage, c.handleIncomingFrame)
	conn.OnConnectionClosed(func(error) {
		c.mu.RLock()
		defer c.mu.RUnlock()
		for _, ra := range c.adapters {
			ra.adapter.OnDisconnect(context.Background())
		}
	})
	return c
}

// RegisterModAdapter binds adapter to this client's agent_id and
// connector, appends it to both pipelines in registration order, and
// fires OnConnect immediately -- by the time a runner loads adapters the
// connection is already established (spec §4.I start sequence).
func (c *Client) RegisterModAdapter(ctx context.Context, name string, adapter mod.Adapter) {
	adapter.BindAgent(c.agentID)
	adapter.BindConnector(&adapterConnector{conn: c.conn})

	c.mu.Lock()
	c.adapters = append(c.adapters, registeredAdapter{name: name, adapter: adapter})
	c.mu.Unlock()

	adapter.OnConnect(ctx)
}

// adapterConnector implements mod.Connector by sending an envelope
// directly through the underlying connector, bypassing the outgoing
// pipeline -- the adapter calling this IS a pipeline stage, so re-running
// the chain here would recurse.
type adapterConnector struct {
	conn *connector.Connector
}

func (a *adapterConnector) Send(ctx context.Context, msg *message.Envelope) error {
	body, err := toMap(msg)
	if err != nil {
		return err
	}
	return a.conn.Send(ctx, transport.Frame{Type: transport.FrameMessage, Body: body})
}

func (c *Client) adapterSnapshot() []registeredAdapter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]registeredAdapter, len(c.adapters))
	copy(out, c.adapters)
	return out
}

// SendDirectMessage runs content through the outgoing direct pipeline and,
// if it survives, transmits it and appends it to the local thread.
func (c *Client) SendDirectMessage(ctx context.Context, targetAgentID string, content map[string]any) error {
	env := message.NewDirectMessage(c.agentID, targetAgentID, content, nowSeconds())
	return c.sendThrough(ctx, env, func(a mod.Adapter, e *message.Envelope) *message.Envelope {
		return a.ProcessOutgoingDirectMessage(ctx, e)
	})
}

// SendBroadcastMessage is the broadcast analogue of SendDirectMessage.
func (c *Client) SendBroadcastMessage(ctx context.Context, content map[string]any) error {
	env := message.NewBroadcastMessage(c.agentID, content, nowSeconds())
	return c.sendThrough(ctx, env, func(a mod.Adapter, e *message.Envelope) *message.Envelope {
		return a.ProcessOutgoingBroadcastMessage(ctx, e)
	})
}

// SendModMessage is the mod-scoped analogue of SendDirectMessage.
func (c *Client) SendModMessage(ctx context.Context, modName string, direction message.Direction, relevantAgentID string, content map[string]any) error {
	env := message.NewModMessage(c.agentID, modName, direction, relevantAgentID, content, nowSeconds())
	return c.sendThrough(ctx, env, func(a mod.Adapter, e *message.Envelope) *message.Envelope {
		return a.ProcessOutgoingModMessage(ctx, e)
	})
}

func (c *Client) sendThrough(ctx context.Context, env *message.Envelope, stage func(mod.Adapter, *message.Envelope) *message.Envelope) error {
	current := env
	for _, ra := range c.adapterSnapshot() {
		current = c.runAdapterStage(ra, current, stage)
		if current == nil {
			return nil // an adapter cancelled the send; not an error
		}
	}

	body, err := toMap(current)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := c.conn.Send(ctx, transport.Frame{Type: transport.FrameMessage, Body: body}); err != nil {
		return err
	}

	c.threads.Append(message.ThreadKey(current, c.agentID), current)
	return nil
}

// handleIncomingFrame is the connector's FrameMessage callback: parse,
// classify, run the matching incoming pipeline, append survivors.
func (c *Client) handleIncomingFrame(f transport.Frame) {
	env, err := message.Parse(f.Body)
	if err != nil {
		c.log.Debug("dropping malformed incoming envelope", "error", err)
		return
	}

	ctx := context.Background()
	var stage func(mod.Adapter, *message.Envelope) *message.Envelope
	switch env.MessageType {
	case message.TypeDirect:
		stage = func(a mod.Adapter, e *message.Envelope) *message.Envelope { return a.ProcessIncomingDirectMessage(ctx, e) }
	case message.TypeBroadcast:
		stage = func(a mod.Adapter, e *message.Envelope) *message.Envelope { return a.ProcessIncomingBroadcastMessage(ctx, e) }
	case message.TypeMod:
		stage = func(a mod.Adapter, e *message.Envelope) *message.Envelope { return a.ProcessIncomingModMessage(ctx, e) }
	default:
		return
	}

	current := env
	for _, ra := range c.adapterSnapshot() {
		current = c.runAdapterStage(ra, current, stage)
		if current == nil {
			return
		}
	}

	c.threads.Append(message.ThreadKey(current, c.agentID), current)
}

// runAdapterStage invokes one adapter's pipeline hook, recovering from a
// panic so a single misbehaving adapter can't take down the reaction
// loop -- it just drops the message, same failure mode as a returned nil.
func (c *Client) runAdapterStage(ra registeredAdapter, env *message.Envelope, stage func(mod.Adapter, *message.Envelope) *message.Envelope) (result *message.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("adapter pipeline panic", "adapter", ra.name, "message_id", env.MessageID, "panic", r)
			result = nil
		}
	}()
	return stage(ra.adapter, env)
}

// ListAgents issues a list_agents system request through the connector.
func (c *Client) ListAgents(ctx context.Context) ([]map[string]any, error) {
	return c.conn.ListAgents(ctx)
}

// ListMods issues a list_mods system request through the connector.
func (c *Client) ListMods(ctx context.Context) ([]map[string]any, error) {
	return c.conn.ListMods(ctx)
}

// GetTools returns the union of every adapter's advertised tools, in
// registration order.
func (c *Client) GetTools() []mod.ToolDescriptor {
	var tools []mod.ToolDescriptor
	for _, ra := range c.adapterSnapshot() {
		tools = append(tools, ra.adapter.GetTools()...)
	}
	return tools
}

// GetMessageThreads returns a snapshot of every local thread.
func (c *Client) GetMessageThreads() map[string][]*message.Envelope {
	return c.threads.Snapshot()
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
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
