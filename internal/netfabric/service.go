// Package netfabric ties identity, transport, and topology into the
// network service: the process that accepts agent connections, runs the
// admission protocol, pipes every envelope through the registered
// server-side mods, and routes what survives. Grounded on the teacher's
// cluster/server.Server (agentStream bookkeeping, pendingMu/pending
// request correlation) generalized from Docker-fleet RPCs to the
// fabric's direct/broadcast/mod envelope model.
package netfabric

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openmesh/fabric/internal/config"
	"github.com/openmesh/fabric/internal/events"
	"github.com/openmesh/fabric/internal/identity"
	"github.com/openmesh/fabric/internal/logging"
	"github.com/openmesh/fabric/internal/message"
	"github.com/openmesh/fabric/internal/metrics"
	"github.com/openmesh/fabric/internal/mod"
	"github.com/openmesh/fabric/internal/netfabric/errs"
	"github.com/openmesh/fabric/internal/topology"
	"github.com/openmesh/fabric/internal/transport"
)

// agentRecord is what the service tracks per connected agent beyond what
// topology.Entry holds -- the metadata declared at hello time, needed for
// list_agents.
type agentRecord struct {
	Metadata    map[string]any
	ConnectedAt time.Time
}

// Service is the network service: admission, ingress/egress mod
// pipelines, and routing, all driven from one accepted transport.Peer
// per agent.
type Service struct {
	log       *logging.Logger
	cfg       *config.Config
	transport transport.Transport
	topo      topology.Directory
	identity  *identity.Manager
	bus       *events.Bus

	mu      sync.RWMutex
	mods    []mod.Loaded
	records map[string]*agentRecord
	peers   map[string]transport.Peer
}

// Option configures a Service at construction time.
type Option func(*Service)

func WithConfig(c *config.Config) Option             { return func(s *Service) { s.cfg = c } }
func WithTransport(t transport.Transport) Option     { return func(s *Service) { s.transport = t } }
func WithTopology(d topology.Directory) Option       { return func(s *Service) { s.topo = d } }
func WithIdentityManager(m *identity.Manager) Option { return func(s *Service) { s.identity = m } }
func WithLogger(l *logging.Logger) Option            { return func(s *Service) { s.log = l } }
func WithEventBus(b *events.Bus) Option              { return func(s *Service) { s.bus = b } }

// WithMods registers the server-side mods the ingress/egress pipelines
// run, in the given order. Order is registration order per spec; callers
// append new mods rather than reordering existing ones.
func WithMods(loaded []mod.Loaded) Option {
	return func(s *Service) { s.mods = loaded }
}

// New builds a Service. Callers are expected to supply Transport,
// Topology, and an IdentityManager; a Service with any of those nil will
// panic the first time it's used, which is preferable to silently
// no-op-ing a mis-wired deployment.
func New(opts ...Option) *Service {
	s := &Service{
		records: make(map[string]*agentRecord),
		peers:   make(map[string]transport.Peer),
		log:     logging.New(false),
		bus:     events.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start initializes the registered mods and begins listening at addr.
func (s *Service) Start(ctx context.Context, addr string) error {
	for _, m := range s.mods {
		if m.ServerMod == nil {
			continue
		}
		m.ServerMod.BindNetwork(s)
		if err := m.ServerMod.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize mod %q: %w", m.Name, err)
		}
	}
	if err := s.transport.Listen(ctx, addr, s); err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.log.Info("network service listening", "addr", addr, "mode", s.cfg.Mode)
	return nil
}

// Shutdown runs every mod's Shutdown hook and stops the transport.
func (s *Service) Shutdown(ctx context.Context) error {
	for _, m := range s.mods {
		if m.ServerMod == nil {
			continue
		}
		if err := m.ServerMod.Shutdown(ctx); err != nil {
			s.log.Warn("mod shutdown error", "mod", m.Name, "error", err)
		}
	}
	return s.transport.Shutdown(ctx)
}

// OnFrame implements transport.Handler. It is invoked from the
// transport's own read loop, so each branch does its own locking and
// returns promptly.
func (s *Service) OnFrame(peer transport.Peer, f transport.Frame) {
	ctx := context.Background()
	switch f.Type {
	case transport.FrameHello:
		s.handleHello(ctx, peer, f)
	case transport.FrameMessage:
		s.handleMessage(ctx, peer, f)
	case transport.FrameSystemRequest:
		s.handleSystemRequest(ctx, peer, f)
	case transport.FrameGossip:
		s.handleGossip(ctx, peer, f)
	case transport.FrameError:
		s.log.Debug("received error frame from peer", "agent_id", peer.AgentID(), "body", f.Body)
	default:
		s.log.Debug("unexpected frame type at network service", "type", f.Type, "agent_id", peer.AgentID())
	}
}

// OnClose implements transport.Handler: a connection ending unregisters
// its agent from the topology and the roster.
func (s *Service) OnClose(peer transport.Peer, err error) {
	agentID := peer.AgentID()
	if agentID == "" {
		return
	}
	s.topo.Unregister(agentID)
	s.mu.Lock()
	delete(s.records, agentID)
	delete(s.peers, agentID)
	s.mu.Unlock()
	metrics.ConnectedAgents.Dec()

	reason := "closed"
	if err != nil {
		reason = err.Error()
	}
	eventType := events.EventAgentDisconnected
	if errors.Is(err, transport.ErrIdleTimeout) {
		eventType = events.EventAgentTimedOut
		metrics.ConnectionTimeouts.Inc()
	}
	s.bus.Publish(events.SystemEvent{Type: eventType, AgentID: agentID, Reason: reason, Timestamp: time.Now()})

	for _, m := range s.mods {
		if m.ServerMod != nil {
			m.ServerMod.HandleUnregisterAgent(context.Background(), agentID)
		}
	}
	s.log.Info("agent disconnected", "agent_id", agentID, "reason", reason)
}

type helloBody struct {
	AgentID     string                  `json:"agent_id"`
	Metadata    map[string]any          `json:"metadata"`
	Certificate *identity.Certificate   `json:"certificate,omitempty"`
}

// handleHello runs the admission protocol from spec §4.E.
func (s *Service) handleHello(ctx context.Context, peer transport.Peer, f transport.Frame) {
	var body helloBody
	if err := decodeBody(f.Body, &body); err != nil || body.AgentID == "" {
		s.sendAck(ctx, peer, false, "BadEnvelope", nil)
		return
	}

	var cert *identity.Certificate
	var rejectReason string

	switch {
	case body.Certificate != nil:
		if body.Certificate.AgentID != body.AgentID || !s.identity.Validate(body.Certificate) {
			if s.identity.IsClaimed(body.AgentID) {
				rejectReason = errs.Code(errs.ErrAgentIDInUse)
			} else {
				rejectReason = errs.Code(errs.ErrInvalidCertificate)
			}
			metrics.IdentityClaims.WithLabelValues("rejected").Inc()
		} else {
			cert = body.Certificate
			metrics.IdentityClaims.WithLabelValues("reconnect").Inc()
		}
	case s.identity.IsClaimed(body.AgentID):
		rejectReason = errs.Code(errs.ErrAgentIDInUse)
		metrics.IdentityClaims.WithLabelValues("rejected").Inc()
	default:
		issued, err := s.identity.Claim(body.AgentID, false)
		if err != nil || issued == nil {
			rejectReason = errs.Code(errs.ErrIdentityServerUnavailable)
			metrics.IdentityClaims.WithLabelValues("rejected").Inc()
		} else {
			cert = issued
			metrics.IdentityClaims.WithLabelValues("issued").Inc()
			s.bus.Publish(events.SystemEvent{Type: events.EventIdentityClaimed, AgentID: body.AgentID, Timestamp: time.Now()})
		}
	}

	if rejectReason != "" {
		s.sendAck(ctx, peer, false, rejectReason, nil)
		_ = peer.Close()
		return
	}

	if setter, ok := peer.(transport.AgentIDSetter); ok {
		setter.SetAgentID(body.AgentID)
	}

	s.topo.Register(topology.Entry{AgentID: body.AgentID, Peer: peer, IssuedAt: cert.IssuedAt})
	s.mu.Lock()
	s.records[body.AgentID] = &agentRecord{Metadata: body.Metadata, ConnectedAt: time.Now()}
	s.peers[body.AgentID] = peer
	s.mu.Unlock()
	metrics.ConnectedAgents.Inc()

	s.sendAck(ctx, peer, true, "", cert)

	s.bus.Publish(events.SystemEvent{Type: events.EventAgentConnected, AgentID: body.AgentID, Timestamp: time.Now()})
	for _, m := range s.mods {
		if m.ServerMod != nil {
			m.ServerMod.HandleRegisterAgent(ctx, body.AgentID, body.Metadata)
		}
	}
	s.log.Info("agent admitted", "agent_id", body.AgentID)
}

func (s *Service) sendAck(ctx context.Context, peer transport.Peer, accepted bool, reason string, cert *identity.Certificate) {
	body := map[string]any{"accepted": accepted}
	if reason != "" {
		body["reason"] = reason
	}
	if cert != nil {
		certMap, _ := toMap(cert)
		body["certificate"] = certMap
	}
	_ = peer.Send(ctx, transport.Frame{Type: transport.FrameHelloAck, Body: body})
}

// handleMessage runs the ingress pipeline for one envelope and, if it
// survives, routes it.
func (s *Service) handleMessage(ctx context.Context, peer transport.Peer, f transport.Frame) {
	start := time.Now()
	env, err := message.Parse(f.Body)
	if err != nil {
		s.sendError(ctx, peer, errs.Code(errs.ErrBadEnvelope), err.Error())
		return
	}

	if env.SenderID != peer.AgentID() {
		s.sendError(ctx, peer, errs.Code(errs.ErrBadEnvelope), "sender_id does not match the authenticated connection")
		return
	}

	survived := s.runIngressChain(ctx, env)
	if survived == nil {
		return
	}

	s.route(ctx, peer, survived)
	metrics.RouteDuration.Observe(time.Since(start).Seconds())
}

// runIngressChain runs the ordered server-mod chain for env's variant,
// stopping at the first mod that consumes the message.
func (s *Service) runIngressChain(ctx context.Context, env *message.Envelope) *message.Envelope {
	current := env
	for _, m := range s.mods {
		if m.ServerMod == nil {
			continue
		}
		current = s.runModStage(ctx, m, current)
		if current == nil {
			return nil
		}
	}
	return current
}

// runModStage invokes one mod's pipeline hook for env's variant, logging
// and dropping the message (not the service) on a panic -- a mod cannot
// bring down the network service.
func (s *Service) runModStage(ctx context.Context, m mod.Loaded, env *message.Envelope) (result *message.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("mod pipeline panic", "mod", m.Name, "message_id", env.MessageID, "panic", r)
			metrics.PipelineDrops.WithLabelValues(m.Name).Inc()
			result = nil
		}
	}()

	switch env.MessageType {
	case message.TypeDirect:
		return m.ServerMod.ProcessDirectMessage(ctx, env)
	case message.TypeBroadcast:
		return m.ServerMod.ProcessBroadcastMessage(ctx, env)
	case message.TypeMod:
		if env.Mod == m.Name {
			m.ServerMod.ProcessModMessage(ctx, env)
			return nil // mod messages terminate at their owning mod
		}
		return env
	default:
		return env
	}
}

// route delivers env via the topology, per spec §4.D, and surfaces
// routing failures as an error frame back to the sender (never a
// disconnect).
func (s *Service) route(ctx context.Context, sender transport.Peer, env *message.Envelope) {
	switch env.MessageType {
	case message.TypeDirect:
		if !s.topo.Send(ctx, env.TargetAgentID, frameFromEnvelope(env)) {
			metrics.MessagesUndeliverable.WithLabelValues("unknown_target").Inc()
			s.bus.Publish(events.SystemEvent{Type: events.EventMessageUndeliverable, AgentID: env.TargetAgentID, Reason: "target not connected", Timestamp: time.Now()})
			s.sendError(ctx, sender, errs.Code(errs.ErrUndeliverable), fmt.Sprintf("agent %q is not connected", env.TargetAgentID))
			return
		}
		metrics.MessagesRouted.WithLabelValues("direct").Inc()
	case message.TypeBroadcast:
		s.topo.Broadcast(ctx, frameFromEnvelope(env), env.SenderID)
		metrics.MessagesRouted.WithLabelValues("broadcast").Inc()
	case message.TypeMod:
		if !s.modKnown(env.Mod) {
			s.sendError(ctx, sender, errs.Code(errs.ErrModUnknown), fmt.Sprintf("mod %q is not registered", env.Mod))
			return
		}
		if env.RelevantAgentID != "" && env.RelevantAgentID != env.SenderID {
			s.topo.Send(ctx, env.RelevantAgentID, frameFromEnvelope(env))
		}
		metrics.MessagesRouted.WithLabelValues("mod").Inc()
	}
}

func (s *Service) modKnown(name string) bool {
	for _, m := range s.mods {
		if m.Name == name {
			return true
		}
	}
	return false
}

// gossipAnnouncer is the subset of topology.Decentralized this service
// needs; a centralized deployment's topo never satisfies it, so incoming
// gossip frames are simply ignored on a star topology.
type gossipAnnouncer interface {
	Announce(ctx context.Context, ann topology.Announcement)
}

// handleGossip feeds an incoming announcement frame into the decentralized
// topology, a no-op when this node runs centralized.
func (s *Service) handleGossip(ctx context.Context, peer transport.Peer, f transport.Frame) {
	announcer, ok := s.topo.(gossipAnnouncer)
	if !ok {
		return
	}
	var ann topology.Announcement
	if err := decodeBody(f.Body, &ann); err != nil {
		s.log.Debug("dropping malformed gossip frame", "error", err)
		return
	}
	announcer.Announce(ctx, ann)
	metrics.DiscoveryAnnouncements.Inc()
}

// SendDirect implements mod.NetworkHandle: a mod sending a message it
// originated bypasses the ingress pipeline (it didn't arrive from one)
// but still runs the egress chain.
func (s *Service) SendDirect(ctx context.Context, msg *message.Envelope) error {
	survived := s.runEgressChain(ctx, msg)
	if survived == nil {
		return nil
	}
	if !s.topo.Send(ctx, survived.TargetAgentID, frameFromEnvelope(survived)) {
		metrics.MessagesUndeliverable.WithLabelValues("unknown_target").Inc()
		return errs.ErrUndeliverable
	}
	metrics.MessagesRouted.WithLabelValues("direct").Inc()
	return nil
}

// Broadcast implements mod.NetworkHandle.
func (s *Service) Broadcast(ctx context.Context, msg *message.Envelope) error {
	survived := s.runEgressChain(ctx, msg)
	if survived == nil {
		return nil
	}
	s.topo.Broadcast(ctx, frameFromEnvelope(survived), survived.SenderID)
	metrics.MessagesRouted.WithLabelValues("broadcast").Inc()
	return nil
}

// ConnectedAgents implements mod.NetworkHandle.
func (s *Service) ConnectedAgents() []string {
	return s.topo.List()
}

func (s *Service) runEgressChain(ctx context.Context, env *message.Envelope) *message.Envelope {
	current := env
	for _, m := range s.mods {
		if m.ServerMod == nil {
			continue
		}
		current = s.runModStage(ctx, m, current)
		if current == nil {
			return nil
		}
	}
	return current
}

func (s *Service) sendError(ctx context.Context, peer transport.Peer, code, msg string) {
	_ = peer.Send(ctx, transport.Frame{Type: transport.FrameError, Body: map[string]any{"code": code, "message": msg}})
}

func frameFromEnvelope(env *message.Envelope) transport.Frame {
	body, _ := toMap(env)
	return transport.Frame{Type: transport.FrameMessage, Body: body}
}

func decodeBody(body map[string]any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
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
