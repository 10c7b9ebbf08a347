package topology

import (
	"context"

	"github.com/openmesh/fabric/internal/logging"
	"github.com/openmesh/fabric/internal/metrics"
	"github.com/openmesh/fabric/internal/transport"
)

// Centralized is the star topology: one coordinator node holds every
// agent's live transport.Peer directly, grounded on the teacher's
// cluster/server Registry (one authoritative map of connected hosts).
// Routing never hops through another node.
type Centralized struct {
	*baseDirectory
	log *logging.Logger
}

// CentralizedOption configures a Centralized at construction time.
type CentralizedOption func(*Centralized)

// WithDirectoryStore enables persistence of the directory to store,
// loading any previously persisted entries immediately (minus their Peer,
// which is re-established only once the agent reconnects).
func WithDirectoryStore(store DirectoryStore) CentralizedOption {
	return func(c *Centralized) {
		c.store = store
		if err := c.loadFromStore(); err != nil && c.log != nil {
			c.log.Warn("failed to load persisted directory", "error", err)
		}
	}
}

// NewCentralized builds a Centralized directory for a coordinator node.
func NewCentralized(log *logging.Logger, opts ...CentralizedOption) *Centralized {
	c := &Centralized{baseDirectory: newBaseDirectory(), log: log}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Centralized) Send(ctx context.Context, agentID string, f transport.Frame) bool {
	entry, ok := c.Lookup(agentID)
	if !ok || entry.Peer == nil {
		return false
	}
	if err := entry.Peer.Send(ctx, f); err != nil {
		c.log.Warn("centralized send failed", "agent_id", agentID, "error", err)
		return false
	}
	c.touch(agentID)
	return true
}

func (c *Centralized) Broadcast(ctx context.Context, f transport.Frame, excludeAgentID string) []string {
	var sent []string
	for _, e := range c.snapshot() {
		if e.AgentID == excludeAgentID || e.Peer == nil {
			continue
		}
		if err := e.Peer.Send(ctx, f); err != nil {
			c.log.Warn("centralized broadcast failed", "agent_id", e.AgentID, "error", err)
			metrics.MessagesUndeliverable.WithLabelValues("broadcast_send_error").Inc()
			continue
		}
		sent = append(sent, e.AgentID)
	}
	return sent
}

// DiscoverPeers is a no-op for the star topology: there is exactly one
// coordinator and agents never learn of one another's addresses.
func (c *Centralized) DiscoverPeers() []string {
	return nil
}

// CentralizedClient is the topology.Directory seen from an agent process
// running in centralized mode: it has exactly one reachable peer, the
// coordinator, reached indirectly through the connector rather than a
// locally held transport.Peer. It exists so agent-side code can share the
// Directory interface without a coordinator-style fan-out map.
type CentralizedClient struct {
	coordinatorID string
	send          func(ctx context.Context, f transport.Frame) error
}

// NewCentralizedClient builds a client-side view of the star topology.
// send delivers a frame to the coordinator over the agent's single
// connection.
func NewCentralizedClient(coordinatorID string, send func(ctx context.Context, f transport.Frame) error) *CentralizedClient {
	return &CentralizedClient{coordinatorID: coordinatorID, send: send}
}

func (c *CentralizedClient) Register(Entry)          {}
func (c *CentralizedClient) Unregister(string)       {}
func (c *CentralizedClient) List() []string          { return []string{c.coordinatorID} }
func (c *CentralizedClient) DiscoverPeers() []string { return []string{c.coordinatorID} }

func (c *CentralizedClient) Lookup(agentID string) (Entry, bool) {
	if agentID != c.coordinatorID {
		return Entry{}, false
	}
	return Entry{AgentID: c.coordinatorID}, true
}

func (c *CentralizedClient) Send(ctx context.Context, agentID string, f transport.Frame) bool {
	if agentID != c.coordinatorID {
		return false
	}
	return c.send(ctx, f) == nil
}

func (c *CentralizedClient) Broadcast(ctx context.Context, f transport.Frame, excludeAgentID string) []string {
	if excludeAgentID == c.coordinatorID {
		return nil
	}
	if c.send(ctx, f) != nil {
		return nil
	}
	return []string{c.coordinatorID}
}
