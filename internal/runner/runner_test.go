package runner

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/openmesh/fabric/internal/agentclient"
	"github.com/openmesh/fabric/internal/connector"
	"github.com/openmesh/fabric/internal/logging"
	"github.com/openmesh/fabric/internal/message"
	"github.com/openmesh/fabric/internal/mod"
	"github.com/openmesh/fabric/internal/transport"
)

type fakePeer struct {
	mu     sync.Mutex
	frames []transport.Frame
}

func (p *fakePeer) AgentID() string { return "" }
func (p *fakePeer) Send(ctx context.Context, f transport.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, f)
	return nil
}
func (p *fakePeer) Close() error { return nil }

func (p *fakePeer) snapshot() []transport.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]transport.Frame, len(p.frames))
	copy(out, p.frames)
	return out
}

type fakeTransport struct{ peer *fakePeer }

func (t *fakeTransport) Listen(ctx context.Context, addr string, h transport.Handler) error {
	return nil
}
func (t *fakeTransport) Dial(ctx context.Context, addr string, h transport.Handler) (transport.Peer, error) {
	return t.peer, nil
}
func (t *fakeTransport) Shutdown(ctx context.Context) error { return nil }

// recordingHooks tracks call order and lets tests feed React a canned error.
type recordingHooks struct {
	mu          sync.Mutex
	setupCalled bool
	teardownN   int
	reactCalls  []string
	reactErr    error
}

func (h *recordingHooks) Setup(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.setupCalled = true
	return nil
}

func (h *recordingHooks) Teardown(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.teardownN++
	return nil
}

func (h *recordingHooks) React(ctx context.Context, threads map[string][]*message.Envelope, threadID string, env *message.Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reactCalls = append(h.reactCalls, env.MessageID)
	return h.reactErr
}

func (h *recordingHooks) reactCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.reactCalls)
}

// newStartedRunner builds a Runner over a fake transport without dialing
// and returns it not yet Start()-ed, so the test controls when the
// connection, handshake and loop happen.
func newStartedRunner(t *testing.T, hooks Hooks, opts ...Option) (*Runner, *connector.Connector, *fakePeer) {
	t.Helper()
	peer := &fakePeer{}
	conn := connector.New(&fakeTransport{peer: peer}, "addr", logging.New(false))
	client := agentclient.New("agent-1", conn, logging.New(false))

	noMods := func(names []string, manifestPath string) ([]mod.Loaded, []*mod.LoadError) {
		return nil, nil
	}
	allOpts := append([]Option{WithInterval(5 * time.Millisecond), WithModLoader(noMods)}, opts...)
	r := New(client, conn, hooks, logging.New(false), allOpts...)
	return r, conn, peer
}

func waitForFrames(t *testing.T, peer *fakePeer, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if len(peer.snapshot()) >= n {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d frames, have %d", n, len(peer.snapshot()))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func startAndAck(t *testing.T, r *Runner, conn *connector.Connector, peer *fakePeer) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- r.Start(context.Background(), "agent-1", nil) }()
	waitForFrames(t, peer, 1)
	conn.OnFrame(peer, transport.Frame{Type: transport.FrameHelloAck, Body: map[string]any{"accepted": true}})
	// list_mods system request follows the accepted hello.
	waitForFrames(t, peer, 2)
	reqFrame := peer.snapshot()[1]
	conn.OnFrame(peer, transport.Frame{
		Type:      transport.FrameSystemResponse,
		RequestID: reqFrame.RequestID,
		Body:      map[string]any{"ok": true, "data": []any{}},
	})
	if err := <-done; err != nil {
		t.Fatalf("Start failed: %v", err)
	}
}

func TestStartRunsSetupAndEntersRunningState(t *testing.T) {
	hooks := &recordingHooks{}
	r, conn, peer := newStartedRunner(t, hooks)
	startAndAck(t, r, conn, peer)

	if !hooks.setupCalled {
		t.Fatal("expected Setup to run during Start")
	}
	if r.State() != StateRunning {
		t.Fatalf("state = %q, want running", r.State())
	}

	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestReactionLoopDispatchesEarliestUnprocessedEnvelope(t *testing.T) {
	hooks := &recordingHooks{}
	r, conn, peer := newStartedRunner(t, hooks)
	startAndAck(t, r, conn, peer)
	defer r.Stop(context.Background())

	env := message.NewDirectMessage("agent-2", "agent-1", map[string]any{"x": 1}, 1.0)
	body, _ := toMapForTest(env)
	conn.OnFrame(peer, transport.Frame{Type: transport.FrameMessage, Body: body})

	deadline := time.After(2 * time.Second)
	for hooks.reactCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for React to be invoked")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if hooks.reactCalls[0] != env.MessageID {
		t.Fatalf("react called with %q, want %q", hooks.reactCalls[0], env.MessageID)
	}
}

func TestReactionLoopSkipsAlreadyProcessedEnvelope(t *testing.T) {
	hooks := &recordingHooks{}
	r, conn, peer := newStartedRunner(t, hooks)
	startAndAck(t, r, conn, peer)
	defer r.Stop(context.Background())

	env := message.NewDirectMessage("agent-2", "agent-1", map[string]any{"x": 1}, 1.0)
	body, _ := toMapForTest(env)
	conn.OnFrame(peer, transport.Frame{Type: transport.FrameMessage, Body: body})

	deadline := time.After(2 * time.Second)
	for hooks.reactCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the first React")
		case <-time.After(5 * time.Millisecond):
		}
	}

	time.Sleep(30 * time.Millisecond)
	if hooks.reactCount() != 1 {
		t.Fatalf("react count = %d, want exactly 1 (no reprocessing)", hooks.reactCount())
	}
}

func TestReactionLoopSkipsIgnoredSender(t *testing.T) {
	hooks := &recordingHooks{}
	r, conn, peer := newStartedRunner(t, hooks, WithIgnoredSenders("agent-2"))
	startAndAck(t, r, conn, peer)
	defer r.Stop(context.Background())

	env := message.NewDirectMessage("agent-2", "agent-1", map[string]any{"x": 1}, 1.0)
	body, _ := toMapForTest(env)
	conn.OnFrame(peer, transport.Frame{Type: transport.FrameMessage, Body: body})

	time.Sleep(30 * time.Millisecond)
	if hooks.reactCount() != 0 {
		t.Fatalf("expected the ignored sender's envelope to never be reacted to, got %d calls", hooks.reactCount())
	}
}

func TestFindCandidatePicksEarliestTimestampAcrossThreads(t *testing.T) {
	e1 := message.NewDirectMessage("a", "self", nil, 5.0)
	e2 := message.NewDirectMessage("b", "self", nil, 2.0)
	threads := map[string][]*message.Envelope{
		"t1": {e1},
		"t2": {e2},
	}
	threadID, best := findCandidate(threads, map[string]struct{}{}, map[string]struct{}{})
	if best != e2 || threadID != "t2" {
		t.Fatalf("expected e2 from t2, got %v from %q", best, threadID)
	}
}

func TestFilterThreadsOmitsLaterEnvelopes(t *testing.T) {
	e1 := message.NewDirectMessage("a", "self", nil, 1.0)
	e2 := message.NewDirectMessage("a", "self", nil, 2.0)
	threads := map[string][]*message.Envelope{"t1": {e1, e2}}

	filtered := filterThreads(threads, 1.0)
	if len(filtered["t1"]) != 1 || filtered["t1"][0] != e1 {
		t.Fatalf("expected only e1 to survive the cutoff, got %v", filtered["t1"])
	}
}

func TestStopIsIdempotentAndRunsTeardownOnce(t *testing.T) {
	hooks := &recordingHooks{}
	r, conn, peer := newStartedRunner(t, hooks)
	startAndAck(t, r, conn, peer)

	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	hooks.mu.Lock()
	n := hooks.teardownN
	hooks.mu.Unlock()
	if n != 1 {
		t.Fatalf("teardown ran %d times, want exactly 1", n)
	}
	if r.State() != StateStopped {
		t.Fatalf("state = %q, want stopped", r.State())
	}
}

func toMapForTest(v any) (map[string]any, error) {
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
