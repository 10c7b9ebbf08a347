package netfabric

import (
	"context"
	"testing"
	"time"

	"github.com/openmesh/fabric/internal/config"
	"github.com/openmesh/fabric/internal/events"
	"github.com/openmesh/fabric/internal/identity"
	"github.com/openmesh/fabric/internal/logging"
	"github.com/openmesh/fabric/internal/message"
	"github.com/openmesh/fabric/internal/mod"
	"github.com/openmesh/fabric/internal/topology"
	"github.com/openmesh/fabric/internal/transport"
)

type fakePeer struct {
	id     string
	frames []transport.Frame
}

func (p *fakePeer) AgentID() string { return p.id }
func (p *fakePeer) Send(ctx context.Context, f transport.Frame) error {
	p.frames = append(p.frames, f)
	return nil
}
func (p *fakePeer) Close() error { return nil }
func (p *fakePeer) SetAgentID(id string) { p.id = id }

func newService(t *testing.T) (*Service, *topology.Centralized, *identity.Manager) {
	t.Helper()
	mgr, err := identity.New()
	if err != nil {
		t.Fatal(err)
	}
	topo := topology.NewCentralized(logging.New(false))
	svc := New(
		WithConfig(&config.Config{}),
		WithTopology(topo),
		WithIdentityManager(mgr),
		WithLogger(logging.New(false)),
	)
	return svc, topo, mgr
}

func TestHelloUnclaimedIDIssuesCertificate(t *testing.T) {
	svc, topo, _ := newService(t)
	peer := &fakePeer{}

	svc.handleHello(context.Background(), peer, transport.Frame{Body: map[string]any{"agent_id": "agent-1", "metadata": map[string]any{}}})

	if peer.id != "agent-1" {
		t.Fatalf("peer agent_id = %q, want agent-1", peer.id)
	}
	if len(peer.frames) != 1 || peer.frames[0].Type != transport.FrameHelloAck {
		t.Fatalf("expected one hello_ack frame, got %v", peer.frames)
	}
	if accepted, _ := peer.frames[0].Body["accepted"].(bool); !accepted {
		t.Fatalf("expected accepted=true, got %v", peer.frames[0].Body)
	}
	if _, ok := peer.frames[0].Body["certificate"]; !ok {
		t.Fatal("expected a certificate in the hello_ack body")
	}
	if _, ok := topo.Lookup("agent-1"); !ok {
		t.Fatal("expected agent-1 to be registered in the topology")
	}
}

func TestHelloClaimedIDWithoutCertificateIsRejected(t *testing.T) {
	svc, _, mgr := newService(t)
	if _, err := mgr.Claim("agent-1", false); err != nil {
		t.Fatal(err)
	}

	peer := &fakePeer{}
	svc.handleHello(context.Background(), peer, transport.Frame{Body: map[string]any{"agent_id": "agent-1"}})

	if len(peer.frames) != 1 {
		t.Fatalf("expected one frame, got %d", len(peer.frames))
	}
	body := peer.frames[0].Body
	if accepted, _ := body["accepted"].(bool); accepted {
		t.Fatal("expected rejection for an already-claimed id with no certificate")
	}
	if body["reason"] != "AgentIDInUse" {
		t.Fatalf("reason = %v, want AgentIDInUse", body["reason"])
	}
}

func TestHelloWithValidCertificateReconnects(t *testing.T) {
	svc, topo, mgr := newService(t)
	cert, err := mgr.Claim("agent-1", false)
	if err != nil {
		t.Fatal(err)
	}

	certMap, _ := toMap(cert)
	peer := &fakePeer{}
	svc.handleHello(context.Background(), peer, transport.Frame{Body: map[string]any{"agent_id": "agent-1", "certificate": certMap}})

	if accepted, _ := peer.frames[0].Body["accepted"].(bool); !accepted {
		t.Fatalf("expected reconnect to be accepted, got %v", peer.frames[0].Body)
	}
	if _, ok := topo.Lookup("agent-1"); !ok {
		t.Fatal("expected agent-1 to be registered after reconnect")
	}
}

func TestHandleMessageRejectsSenderIDMismatch(t *testing.T) {
	svc, topo, _ := newService(t)
	sender := &fakePeer{id: "agent-1"}
	topo.Register(topology.Entry{AgentID: "agent-1", Peer: sender})

	env := message.NewDirectMessage("someone-else", "agent-2", nil, 0)
	body, _ := toMap(env)
	svc.handleMessage(context.Background(), sender, transport.Frame{Type: transport.FrameMessage, Body: body})

	if len(sender.frames) != 1 || sender.frames[0].Type != transport.FrameError {
		t.Fatalf("expected one error frame, got %v", sender.frames)
	}
}

func TestHandleMessageDirectDeliversToTarget(t *testing.T) {
	svc, topo, _ := newService(t)
	sender := &fakePeer{id: "agent-1"}
	target := &fakePeer{id: "agent-2"}
	topo.Register(topology.Entry{AgentID: "agent-1", Peer: sender})
	topo.Register(topology.Entry{AgentID: "agent-2", Peer: target})

	env := message.NewDirectMessage("agent-1", "agent-2", map[string]any{"hi": true}, 0)
	body, _ := toMap(env)
	svc.handleMessage(context.Background(), sender, transport.Frame{Type: transport.FrameMessage, Body: body})

	if len(target.frames) != 1 {
		t.Fatalf("target received %d frames, want 1", len(target.frames))
	}
	if len(sender.frames) != 0 {
		t.Fatalf("sender should receive no error frame on success, got %v", sender.frames)
	}
}

func TestHandleMessageUndeliverableSurfacesErrorNotDisconnect(t *testing.T) {
	svc, topo, _ := newService(t)
	sender := &fakePeer{id: "agent-1"}
	topo.Register(topology.Entry{AgentID: "agent-1", Peer: sender})

	env := message.NewDirectMessage("agent-1", "ghost", nil, 0)
	body, _ := toMap(env)
	svc.handleMessage(context.Background(), sender, transport.Frame{Type: transport.FrameMessage, Body: body})

	if len(sender.frames) != 1 || sender.frames[0].Type != transport.FrameError {
		t.Fatalf("expected an error frame for an undeliverable target, got %v", sender.frames)
	}
	if sender.frames[0].Body["code"] != "Undeliverable" {
		t.Fatalf("code = %v, want Undeliverable", sender.frames[0].Body["code"])
	}
}

type consumingMod struct {
	mod.BaseServerMod
	consumeDirect bool
}

func (m *consumingMod) ProcessDirectMessage(ctx context.Context, msg *message.Envelope) *message.Envelope {
	if m.consumeDirect {
		return nil
	}
	return msg
}

func TestIngressChainStopsWhenModConsumesMessage(t *testing.T) {
	svc, topo, _ := newService(t)
	sender := &fakePeer{id: "agent-1"}
	target := &fakePeer{id: "agent-2"}
	topo.Register(topology.Entry{AgentID: "agent-1", Peer: sender})
	topo.Register(topology.Entry{AgentID: "agent-2", Peer: target})

	svc.mods = []mod.Loaded{{Name: "blocker", ServerMod: &consumingMod{consumeDirect: true}}}

	env := message.NewDirectMessage("agent-1", "agent-2", nil, 0)
	body, _ := toMap(env)
	svc.handleMessage(context.Background(), sender, transport.Frame{Type: transport.FrameMessage, Body: body})

	if len(target.frames) != 0 {
		t.Fatal("expected the mod to consume the message before routing")
	}
}

func TestPipelinePanicDropsMessageNotService(t *testing.T) {
	svc, topo, _ := newService(t)
	sender := &fakePeer{id: "agent-1"}
	topo.Register(topology.Entry{AgentID: "agent-1", Peer: sender})
	svc.mods = []mod.Loaded{{Name: "panicker", ServerMod: &panickingMod{}}}

	env := message.NewBroadcastMessage("agent-1", nil, 0)
	body, _ := toMap(env)

	done := make(chan struct{})
	go func() {
		svc.handleMessage(context.Background(), sender, transport.Frame{Type: transport.FrameMessage, Body: body})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handleMessage did not return; a mod panic should be recovered")
	}
}

type panickingMod struct{ mod.BaseServerMod }

func (m *panickingMod) ProcessBroadcastMessage(ctx context.Context, msg *message.Envelope) *message.Envelope {
	panic("boom")
}

func TestListAgentsReportsConnectedRoster(t *testing.T) {
	svc, _, _ := newService(t)
	peer := &fakePeer{}
	svc.handleHello(context.Background(), peer, transport.Frame{Body: map[string]any{"agent_id": "agent-1", "metadata": map[string]any{"role": "worker"}}})

	agents := svc.listAgents()
	if len(agents) != 1 {
		t.Fatalf("listAgents = %v, want 1 entry", agents)
	}
	if agents[0]["agent_id"] != "agent-1" {
		t.Fatalf("agent_id = %v, want agent-1", agents[0]["agent_id"])
	}
}

func TestHandleGossipRegistersAnnouncementOnDecentralizedTopology(t *testing.T) {
	relayed := make(chan struct{}, 1)
	relay := func(ctx context.Context, addr string, ann topology.Announcement) error {
		select {
		case relayed <- struct{}{}:
		default:
		}
		return nil
	}
	topo := topology.NewDecentralized(logging.New(false), "self", relay, func() []string { return []string{"neighbor:1"} })
	svc := New(
		WithConfig(&config.Config{}),
		WithTopology(topo),
		WithLogger(logging.New(false)),
	)

	ann := topology.Announcement{AgentID: "remote-agent", Address: "remote:7700", Hops: 0}
	body, err := toMap(ann)
	if err != nil {
		t.Fatal(err)
	}

	svc.handleGossip(context.Background(), &fakePeer{}, transport.Frame{Type: transport.FrameGossip, Body: body})

	if _, ok := topo.Lookup("remote-agent"); !ok {
		t.Fatal("expected the announced agent to be registered")
	}
	select {
	case <-relayed:
	case <-time.After(time.Second):
		t.Fatal("expected the announcement to be relayed onward")
	}
}

func TestHandleGossipNoOpsOnCentralizedTopology(t *testing.T) {
	svc, topo, _ := newService(t)

	ann := topology.Announcement{AgentID: "remote-agent", Address: "remote:7700"}
	body, _ := toMap(ann)
	svc.handleGossip(context.Background(), &fakePeer{}, transport.Frame{Type: transport.FrameGossip, Body: body})

	if _, ok := topo.Lookup("remote-agent"); ok {
		t.Fatal("centralized topology must not register gossip announcements")
	}
}

func TestOnCloseReportsTimedOutEventForIdleTimeout(t *testing.T) {
	svc, topo, _ := newService(t)
	peer := &fakePeer{id: "agent-1"}
	topo.Register(topology.Entry{AgentID: "agent-1", Peer: peer})

	ch, cancel := svc.bus.Subscribe()
	defer cancel()

	svc.OnClose(peer, transport.ErrIdleTimeout)

	select {
	case evt := <-ch:
		if evt.Type != events.EventAgentTimedOut {
			t.Fatalf("event type = %q, want %q", evt.Type, events.EventAgentTimedOut)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a system event to be published")
	}
}

func TestOnCloseReportsDisconnectedEventForGracefulClose(t *testing.T) {
	svc, topo, _ := newService(t)
	peer := &fakePeer{id: "agent-1"}
	topo.Register(topology.Entry{AgentID: "agent-1", Peer: peer})

	ch, cancel := svc.bus.Subscribe()
	defer cancel()

	svc.OnClose(peer, nil)

	select {
	case evt := <-ch:
		if evt.Type != events.EventAgentDisconnected {
			t.Fatalf("event type = %q, want %q", evt.Type, events.EventAgentDisconnected)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a system event to be published")
	}
}

func TestClaimAgentIDSystemRequest(t *testing.T) {
	svc, _, _ := newService(t)
	peer := &fakePeer{}

	svc.handleSystemRequest(context.Background(), peer, transport.Frame{
		Type:      transport.FrameSystemRequest,
		RequestID: "req-1",
		Body:      map[string]any{"command": "claim_agent_id", "args": map[string]any{"agent_id": "new-agent"}},
	})

	if len(peer.frames) != 1 {
		t.Fatalf("expected one response frame, got %d", len(peer.frames))
	}
	resp := peer.frames[0]
	if resp.RequestID != "req-1" {
		t.Fatalf("request_id = %q, want req-1", resp.RequestID)
	}
	if ok, _ := resp.Body["ok"].(bool); !ok {
		t.Fatalf("expected ok=true, got %v", resp.Body)
	}
}
