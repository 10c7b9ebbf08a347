package connector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openmesh/fabric/internal/logging"
	"github.com/openmesh/fabric/internal/transport"
)

type fakePeer struct {
	mu     sync.Mutex
	frames []transport.Frame
	closed bool
}

func (p *fakePeer) AgentID() string { return "" }
func (p *fakePeer) Send(ctx context.Context, f transport.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, f)
	return nil
}
func (p *fakePeer) Close() error { p.closed = true; return nil }

func (p *fakePeer) sent() []transport.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]transport.Frame, len(p.frames))
	copy(out, p.frames)
	return out
}

type fakeTransport struct {
	peer *fakePeer
}

func (t *fakeTransport) Listen(ctx context.Context, addr string, h transport.Handler) error {
	return nil
}
func (t *fakeTransport) Dial(ctx context.Context, addr string, h transport.Handler) (transport.Peer, error) {
	return t.peer, nil
}
func (t *fakeTransport) Shutdown(ctx context.Context) error { return nil }

func newTestConnector() (*Connector, *fakePeer) {
	peer := &fakePeer{}
	c := New(&fakeTransport{peer: peer}, "127.0.0.1:0", logging.New(false), WithConnectTimeout(time.Second), WithRequestTimeout(time.Second))
	return c, peer
}

func TestConnectSendsHelloAndAwaitsAck(t *testing.T) {
	c, peer := newTestConnector()

	var established bool
	c.OnConnectionEstablished(func() { established = true })

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background(), "agent-1", map[string]any{"role": "worker"}) }()

	waitForFrame(t, peer, 1)
	if peer.sent()[0].Type != transport.FrameHello {
		t.Fatalf("first frame type = %q, want hello", peer.sent()[0].Type)
	}

	c.OnFrame(peer, transport.Frame{Type: transport.FrameHelloAck, Body: map[string]any{"accepted": true}})

	if err := <-done; err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	if !established {
		t.Fatal("expected connection_established handler to fire")
	}
}

func TestConnectRejectionReturnsError(t *testing.T) {
	c, peer := newTestConnector()

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background(), "agent-1", nil) }()

	waitForFrame(t, peer, 1)
	c.OnFrame(peer, transport.Frame{Type: transport.FrameHelloAck, Body: map[string]any{"accepted": false, "reason": "AgentIDInUse"}})

	err := <-done
	if err == nil {
		t.Fatal("expected Connect to fail on rejection")
	}
}

func TestConnectTimesOutWithoutAck(t *testing.T) {
	c, _ := newTestConnector()
	err := c.Connect(context.Background(), "agent-1", nil)
	if err == nil {
		t.Fatal("expected a timeout error when no hello_ack arrives")
	}
}

func TestRequestCorrelatesResponseByRequestID(t *testing.T) {
	c, peer := newTestConnector()
	establish(t, c, peer)

	resultCh := make(chan []map[string]any, 1)
	errCh := make(chan error, 1)
	go func() {
		agents, err := c.ListAgents(context.Background())
		resultCh <- agents
		errCh <- err
	}()

	waitForFrame(t, peer, 2) // hello + the list_agents system_request
	reqFrame := peer.sent()[1]
	if reqFrame.Type != transport.FrameSystemRequest {
		t.Fatalf("expected a system_request frame, got %q", reqFrame.Type)
	}

	c.OnFrame(peer, transport.Frame{
		Type:      transport.FrameSystemResponse,
		RequestID: reqFrame.RequestID,
		Body:      map[string]any{"ok": true, "data": []any{map[string]any{"agent_id": "a1"}}},
	})

	if err := <-errCh; err != nil {
		t.Fatalf("ListAgents error: %v", err)
	}
	agents := <-resultCh
	if len(agents) != 1 || agents[0]["agent_id"] != "a1" {
		t.Fatalf("agents = %v, want one entry for a1", agents)
	}
}

func TestDisconnectFailsPendingRequestsFast(t *testing.T) {
	c, peer := newTestConnector()
	establish(t, c, peer)

	var disconnected bool
	c.OnConnectionClosed(func(error) { disconnected = true })

	errCh := make(chan error, 1)
	go func() {
		_, err := c.ListAgents(context.Background())
		errCh <- err
	}()

	waitForFrame(t, peer, 2)
	c.OnClose(peer, nil)

	if err := <-errCh; err == nil {
		t.Fatal("expected the pending request to fail fast on disconnect")
	}
	if !disconnected {
		t.Fatal("expected connection_closed handler to fire")
	}

	if err := c.Send(context.Background(), transport.Frame{Type: transport.FrameMessage}); err == nil {
		t.Fatal("expected Send to fail fast after disconnect")
	}
}

func establish(t *testing.T, c *Connector, peer *fakePeer) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background(), "agent-1", nil) }()
	waitForFrame(t, peer, 1)
	c.OnFrame(peer, transport.Frame{Type: transport.FrameHelloAck, Body: map[string]any{"accepted": true}})
	if err := <-done; err != nil {
		t.Fatalf("establish: Connect failed: %v", err)
	}
}

func waitForFrame(t *testing.T, peer *fakePeer, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if len(peer.sent()) >= n {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d frames, have %d", n, len(peer.sent()))
		case <-time.After(5 * time.Millisecond):
		}
	}
}
