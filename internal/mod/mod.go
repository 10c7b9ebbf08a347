// Package mod defines the two extension contracts the fabric invokes --
// server-side mods, hosted by the network service, and agent-side
// adapters, hosted by the agent client -- plus the manifest-driven loader
// that resolves mod names to instances of both. Every method on both
// contracts is optional: BaseServerMod and BaseAdapter supply pass-through
// defaults so a mod only overrides what it needs, the way the teacher's
// hooks package let a Docker lifecycle hook implement only the stages it
// cared about.
package mod

import (
	"context"

	"github.com/openmesh/fabric/internal/message"
)

// NetworkHandle is the slice of the network service a server mod is
// allowed to call back into. It is a narrow interface (not *netfabric.Service
// itself) so this package never imports netfabric -- netfabric imports mod.
type NetworkHandle interface {
	// SendDirect hands msg to the fabric for direct delivery, bypassing
	// the ingress pipeline (the message already came from inside one).
	SendDirect(ctx context.Context, msg *message.Envelope) error
	// Broadcast hands msg to the fabric for broadcast delivery.
	Broadcast(ctx context.Context, msg *message.Envelope) error
	// ConnectedAgents lists agent_ids currently registered.
	ConnectedAgents() []string
}

// ServerMod is the set of hooks the network service may invoke for a
// server-side mod. Any method may be left unimplemented by embedding
// BaseServerMod.
type ServerMod interface {
	// BindNetwork stashes a handle to the owning network service,
	// called once at load time before Initialize.
	BindNetwork(net NetworkHandle)

	// Initialize runs once after BindNetwork, before the mod receives
	// any traffic. Shutdown runs once as the network service stops.
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error

	// HandleRegisterAgent and HandleUnregisterAgent fire as agents join
	// and leave the fabric.
	HandleRegisterAgent(ctx context.Context, agentID string, metadata map[string]any)
	HandleUnregisterAgent(ctx context.Context, agentID string)

	// ProcessDirectMessage and ProcessBroadcastMessage run as pipeline
	// stages over every direct/broadcast envelope respectively. Returning
	// nil drops the message; the pipeline short-circuits on the first nil.
	ProcessDirectMessage(ctx context.Context, msg *message.Envelope) *message.Envelope
	ProcessBroadcastMessage(ctx context.Context, msg *message.Envelope) *message.Envelope

	// ProcessModMessage receives a message scoped to this mod terminally;
	// its return value is ignored, there is no further pipeline stage.
	ProcessModMessage(ctx context.Context, msg *message.Envelope)

	// GetState returns a snapshot of the mod's internal state, for
	// diagnostics. The list_mods system request does not include it.
	GetState() map[string]any
}

// BaseServerMod implements ServerMod with pass-through defaults. Embed it
// and override only the hooks a concrete mod needs.
type BaseServerMod struct{}

func (BaseServerMod) BindNetwork(NetworkHandle)                                   {}
func (BaseServerMod) Initialize(context.Context) error                           { return nil }
func (BaseServerMod) Shutdown(context.Context) error                             { return nil }
func (BaseServerMod) HandleRegisterAgent(context.Context, string, map[string]any) {}
func (BaseServerMod) HandleUnregisterAgent(context.Context, string)               {}

func (BaseServerMod) ProcessDirectMessage(_ context.Context, msg *message.Envelope) *message.Envelope {
	return msg
}

func (BaseServerMod) ProcessBroadcastMessage(_ context.Context, msg *message.Envelope) *message.Envelope {
	return msg
}

func (BaseServerMod) ProcessModMessage(context.Context, *message.Envelope) {}

func (BaseServerMod) GetState() map[string]any { return nil }

// Connector is the slice of the agent-side connector an adapter is
// allowed to call back into. Defined narrowly here so this package never
// imports internal/connector -- agentclient imports both and passes its
// connector in.
type Connector interface {
	Send(ctx context.Context, msg *message.Envelope) error
}

// ToolDescriptor describes one callable tool an adapter contributes,
// collected by the owning agent client and exposed to whatever drives
// the agent's reasoning loop.
type ToolDescriptor struct {
	Name        string
	Description string
	ArgsSchema  map[string]any
	Call        func(ctx context.Context, args map[string]any) (any, error)
}

// Adapter is the set of hooks an agent-side mod adapter may implement.
// Symmetric with ServerMod, plus outgoing hooks run before the connector
// writes to the transport. Embed BaseAdapter for pass-through defaults.
type Adapter interface {
	BindAgent(agentID string)
	BindConnector(conn Connector)

	OnConnect(ctx context.Context)
	OnDisconnect(ctx context.Context)

	ProcessIncomingDirectMessage(ctx context.Context, msg *message.Envelope) *message.Envelope
	ProcessIncomingBroadcastMessage(ctx context.Context, msg *message.Envelope) *message.Envelope
	ProcessIncomingModMessage(ctx context.Context, msg *message.Envelope) *message.Envelope

	ProcessOutgoingDirectMessage(ctx context.Context, msg *message.Envelope) *message.Envelope
	ProcessOutgoingBroadcastMessage(ctx context.Context, msg *message.Envelope) *message.Envelope
	ProcessOutgoingModMessage(ctx context.Context, msg *message.Envelope) *message.Envelope

	GetTools() []ToolDescriptor
}

// BaseAdapter implements Adapter with pass-through defaults.
type BaseAdapter struct{}

func (BaseAdapter) BindAgent(string)              {}
func (BaseAdapter) BindConnector(Connector)       {}
func (BaseAdapter) OnConnect(context.Context)     {}
func (BaseAdapter) OnDisconnect(context.Context)  {}

func (BaseAdapter) ProcessIncomingDirectMessage(_ context.Context, msg *message.Envelope) *message.Envelope {
	return msg
}

func (BaseAdapter) ProcessIncomingBroadcastMessage(_ context.Context, msg *message.Envelope) *message.Envelope {
	return msg
}

func (BaseAdapter) ProcessIncomingModMessage(_ context.Context, msg *message.Envelope) *message.Envelope {
	return msg
}

func (BaseAdapter) ProcessOutgoingDirectMessage(_ context.Context, msg *message.Envelope) *message.Envelope {
	return msg
}

func (BaseAdapter) ProcessOutgoingBroadcastMessage(_ context.Context, msg *message.Envelope) *message.Envelope {
	return msg
}

func (BaseAdapter) ProcessOutgoingModMessage(_ context.Context, msg *message.Envelope) *message.Envelope {
	return msg
}

func (BaseAdapter) GetTools() []ToolDescriptor { return nil }
