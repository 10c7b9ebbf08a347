// Package topology implements the fabric's two registration/routing
// strategies: a centralized star (one authoritative directory) and a
// decentralized gossip mesh (bounded-hop flooding of announcements),
// grounded on the teacher's cluster/server Registry for the membership
// bookkeeping shape.
package topology

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/openmesh/fabric/internal/transport"
)

// Entry is one agent's directory record.
type Entry struct {
	AgentID  string
	Peer     transport.Peer // non-nil only for a directly connected agent
	Address  string         // dial address, known for gossip-learned peers
	IssuedAt time.Time      // identity certificate issuance time, for gossip dedup
	LastSeen time.Time
}

// Directory is the common membership and delivery surface both topology
// strategies implement.
type Directory interface {
	// Register adds or replaces the entry for agentID.
	Register(entry Entry)

	// Unregister removes agentID from the directory.
	Unregister(agentID string)

	// Lookup returns the current entry for agentID.
	Lookup(agentID string) (Entry, bool)

	// List returns every known agent_id.
	List() []string

	// Send delivers f to agentID's live peer connection, if this node
	// holds one. Returns false if the agent is unknown or not directly
	// reachable from this node.
	Send(ctx context.Context, agentID string, f transport.Frame) bool

	// Broadcast delivers f to every directly connected peer except
	// excludeAgentID, returning the agent_ids it was sent to.
	Broadcast(ctx context.Context, f transport.Frame, excludeAgentID string) []string

	// DiscoverPeers returns addresses of other nodes this topology knows
	// about, for bootstrap/administrative use.
	DiscoverPeers() []string
}

// DirectoryStore persists directory entries so a centralized coordinator
// can rebuild its roster across a restart (only Centralized accepts one,
// via WithDirectoryStore). Implemented by
// internal/store against bbolt; the live Peer connection itself is never
// persisted -- a restored entry only gains a Peer again once its agent
// reconnects.
type DirectoryStore interface {
	SaveDirectoryEntry(agentID string, data []byte) error
	GetDirectoryEntry(agentID string) ([]byte, error)
	ListDirectoryEntries() (map[string][]byte, error)
	DeleteDirectoryEntry(agentID string) error
}

// persistedEntry is the on-disk shape of an Entry: Peer isn't
// serializable and isn't part of the durable record.
type persistedEntry struct {
	AgentID  string    `json:"agent_id"`
	Address  string    `json:"address"`
	IssuedAt time.Time `json:"issued_at"`
	LastSeen time.Time `json:"last_seen"`
}

// baseDirectory is the in-memory bookkeeping shared by both strategies;
// each strategy adds its own Send/Broadcast/DiscoverPeers semantics.
type baseDirectory struct {
	mu      sync.RWMutex
	entries map[string]Entry
	store   DirectoryStore // optional; nil disables persistence
}

func newBaseDirectory() *baseDirectory {
	return &baseDirectory{entries: make(map[string]Entry)}
}

// loadFromStore repopulates the in-memory directory from persisted
// entries, restoring every field except Peer (unreachable until the
// agent reconnects and calls Register again).
func (d *baseDirectory) loadFromStore() error {
	if d.store == nil {
		return nil
	}
	raw, err := d.store.ListDirectoryEntries()
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for agentID, data := range raw {
		var pe persistedEntry
		if err := json.Unmarshal(data, &pe); err != nil {
			continue // corrupt record -- skip rather than fail the whole load
		}
		d.entries[agentID] = Entry{AgentID: pe.AgentID, Address: pe.Address, IssuedAt: pe.IssuedAt, LastSeen: pe.LastSeen}
	}
	return nil
}

func (d *baseDirectory) Register(entry Entry) {
	d.mu.Lock()
	if entry.LastSeen.IsZero() {
		entry.LastSeen = time.Now()
	}
	d.entries[entry.AgentID] = entry
	store := d.store
	d.mu.Unlock()

	if store != nil {
		data, err := json.Marshal(persistedEntry{AgentID: entry.AgentID, Address: entry.Address, IssuedAt: entry.IssuedAt, LastSeen: entry.LastSeen})
		if err == nil {
			_ = store.SaveDirectoryEntry(entry.AgentID, data)
		}
	}
}

func (d *baseDirectory) Unregister(agentID string) {
	d.mu.Lock()
	delete(d.entries, agentID)
	store := d.store
	d.mu.Unlock()

	if store != nil {
		_ = store.DeleteDirectoryEntry(agentID)
	}
}

func (d *baseDirectory) Lookup(agentID string) (Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[agentID]
	return e, ok
}

func (d *baseDirectory) List() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.entries))
	for id := range d.entries {
		out = append(out, id)
	}
	return out
}

func (d *baseDirectory) snapshot() []Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Entry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e)
	}
	return out
}

func (d *baseDirectory) touch(agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries[agentID]; ok {
		e.LastSeen = time.Now()
		d.entries[agentID] = e
	}
}
