package topology

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openmesh/fabric/internal/logging"
	"github.com/openmesh/fabric/internal/transport"
)

// DefaultMaxHops bounds gossip flooding so an announcement can't circulate
// the mesh forever.
const DefaultMaxHops = 3

// dedupWindow is how long a (agent_id, issued_at) pair is remembered
// before its announcement would be accepted again, mirroring the
// teacher's dedup.cleanup cutoff.
const dedupWindow = 5 * time.Minute

// Announcement is a gossip message propagating one agent's presence
// (and reachable address) across the decentralized mesh.
type Announcement struct {
	AgentID  string
	Address  string
	IssuedAt time.Time
	Hops     int
}

func (a Announcement) dedupKey() string {
	return a.AgentID + "|" + a.IssuedAt.UTC().Format(time.RFC3339Nano)
}

// Decentralized is the gossip-mesh topology: there is no single
// coordinator, each node directly serves the agents dialed into it and
// learns about the rest of the mesh through bounded-hop announcement
// flooding, grounded on the teacher's agent.go dedup struct for the
// seen-before bookkeeping.
type Decentralized struct {
	*baseDirectory
	log     *logging.Logger
	selfID  string
	maxHops int

	relay     func(ctx context.Context, neighborAddr string, ann Announcement) error
	neighbors func() []string

	dedupMu sync.Mutex
	seen    map[string]time.Time

	cronMu sync.Mutex
	c      *cron.Cron
}

// DecentralizedOption configures a Decentralized topology.
type DecentralizedOption func(*Decentralized)

// WithMaxHops overrides DefaultMaxHops.
func WithMaxHops(hops int) DecentralizedOption {
	return func(d *Decentralized) { d.maxHops = hops }
}

// NewDecentralized builds a gossip-mesh directory for node selfID. relay
// delivers an onward announcement to one neighbor address; neighbors
// lists the addresses of nodes currently known for bootstrap/flooding.
func NewDecentralized(log *logging.Logger, selfID string, relay func(ctx context.Context, neighborAddr string, ann Announcement) error, neighbors func() []string, opts ...DecentralizedOption) *Decentralized {
	d := &Decentralized{
		baseDirectory: newBaseDirectory(),
		log:           log,
		selfID:        selfID,
		maxHops:       DefaultMaxHops,
		relay:         relay,
		neighbors:     neighbors,
		seen:          make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// isSeen reports whether ann was already processed, recording it if not.
func (d *Decentralized) isSeen(ann Announcement) bool {
	key := ann.dedupKey()
	d.dedupMu.Lock()
	defer d.dedupMu.Unlock()
	if _, ok := d.seen[key]; ok {
		return true
	}
	d.seen[key] = time.Now()
	return false
}

// cleanupSeen drops dedup entries older than dedupWindow, mirroring the
// teacher's dedup.cleanup.
func (d *Decentralized) cleanupSeen() {
	cutoff := time.Now().Add(-dedupWindow)
	d.dedupMu.Lock()
	defer d.dedupMu.Unlock()
	for k, t := range d.seen {
		if t.Before(cutoff) {
			delete(d.seen, k)
		}
	}
}

// Publish originates a fresh announcement for a locally connected agent
// and floods it to every known neighbor.
func (d *Decentralized) Publish(ctx context.Context, agentID, address string, issuedAt time.Time) {
	ann := Announcement{AgentID: agentID, Address: address, IssuedAt: issuedAt, Hops: 0}
	d.isSeen(ann) // record so a relayed echo of our own announcement is dropped
	d.flood(ctx, ann)
}

// Announce processes an announcement received from a neighbor: registers
// the remote entry if new, and relays it onward while Hops stays under
// maxHops.
func (d *Decentralized) Announce(ctx context.Context, ann Announcement) {
	if d.isSeen(ann) {
		return
	}
	if ann.AgentID != d.selfID {
		d.baseDirectory.Register(Entry{
			AgentID:  ann.AgentID,
			Address:  ann.Address,
			IssuedAt: ann.IssuedAt,
			LastSeen: time.Now(),
		})
	}
	if ann.Hops >= d.maxHops {
		return
	}
	d.flood(ctx, Announcement{AgentID: ann.AgentID, Address: ann.Address, IssuedAt: ann.IssuedAt, Hops: ann.Hops + 1})
}

func (d *Decentralized) flood(ctx context.Context, ann Announcement) {
	for _, addr := range d.neighbors() {
		addr := addr
		go func() {
			if err := d.relay(ctx, addr, ann); err != nil {
				d.log.Debug("gossip relay failed", "neighbor", addr, "agent_id", ann.AgentID, "error", err)
			}
		}()
	}
}

// StartPeriodicReannounce re-floods the local agent roster on a cron
// schedule so nodes that missed the original announcement (a late
// bootstrap join, a dropped packet) eventually converge.
func (d *Decentralized) StartPeriodicReannounce(ctx context.Context, spec string) error {
	d.cronMu.Lock()
	defer d.cronMu.Unlock()
	if d.c != nil {
		return fmt.Errorf("periodic reannounce already running")
	}
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		d.cleanupSeen()
		for _, e := range d.snapshot() {
			if e.Peer == nil {
				continue // only re-announce agents directly connected to this node
			}
			d.Publish(ctx, e.AgentID, e.Address, e.IssuedAt)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule reannounce: %w", err)
	}
	c.Start()
	d.c = c
	return nil
}

// StopPeriodicReannounce halts the cron schedule started by
// StartPeriodicReannounce, if any.
func (d *Decentralized) StopPeriodicReannounce() {
	d.cronMu.Lock()
	defer d.cronMu.Unlock()
	if d.c != nil {
		d.c.Stop()
		d.c = nil
	}
}

func (d *Decentralized) Send(ctx context.Context, agentID string, f transport.Frame) bool {
	entry, ok := d.Lookup(agentID)
	if !ok || entry.Peer == nil {
		return false // known only by address via gossip; messages are not relayed across nodes
	}
	if err := entry.Peer.Send(ctx, f); err != nil {
		d.log.Warn("decentralized send failed", "agent_id", agentID, "error", err)
		return false
	}
	d.touch(agentID)
	return true
}

func (d *Decentralized) Broadcast(ctx context.Context, f transport.Frame, excludeAgentID string) []string {
	var sent []string
	for _, e := range d.snapshot() {
		if e.AgentID == excludeAgentID || e.Peer == nil {
			continue
		}
		if err := e.Peer.Send(ctx, f); err != nil {
			d.log.Warn("decentralized broadcast failed", "agent_id", e.AgentID, "error", err)
			continue
		}
		sent = append(sent, e.AgentID)
	}
	return sent
}

func (d *Decentralized) DiscoverPeers() []string {
	return d.neighbors()
}
