package wsocket

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openmesh/fabric/internal/transport"
)

type recordingHandler struct {
	mu     sync.Mutex
	frames []transport.Frame
	closed chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{closed: make(chan struct{}, 1)}
}

func (h *recordingHandler) OnFrame(p transport.Peer, f transport.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, f)
}

func (h *recordingHandler) OnClose(p transport.Peer, err error) {
	select {
	case h.closed <- struct{}{}:
	default:
	}
}

func (h *recordingHandler) received() []transport.Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]transport.Frame, len(h.frames))
	copy(out, h.frames)
	return out
}

func freeAddr(t *testing.T) string {
	t.Helper()
	return "127.0.0.1:18811"
}

func TestDialDeliversFramesToServerHandler(t *testing.T) {
	addr := freeAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverHandler := newRecordingHandler()
	srv := New(WithHeartbeatInterval(time.Hour), WithAgentTimeout(time.Hour))
	if err := srv.Listen(ctx, addr, serverHandler); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Shutdown(context.Background())

	time.Sleep(50 * time.Millisecond) // let the listener bind

	clientHandler := newRecordingHandler()
	client := New(WithHeartbeatInterval(time.Hour), WithAgentTimeout(time.Hour))
	p, err := client.Dial(ctx, addr, clientHandler)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer p.Close()

	hello := transport.Frame{Type: transport.FrameHello, Body: map[string]any{"agent_id": "a1"}}
	if err := p.Send(ctx, hello); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if len(serverHandler.received()) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("server never received the hello frame")
		case <-time.After(10 * time.Millisecond):
		}
	}

	got := serverHandler.received()[0]
	if got.Type != transport.FrameHello {
		t.Errorf("frame type = %q, want hello", got.Type)
	}
	if got.Body["agent_id"] != "a1" {
		t.Errorf("body agent_id = %v, want a1", got.Body["agent_id"])
	}
}

func TestPingIsAnsweredWithPongWithoutReachingHandler(t *testing.T) {
	addr := freeAddr(t)
	addr = "127.0.0.1:18812"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverHandler := newRecordingHandler()
	srv := New(WithHeartbeatInterval(time.Hour), WithAgentTimeout(time.Hour))
	if err := srv.Listen(ctx, addr, serverHandler); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Shutdown(context.Background())
	time.Sleep(50 * time.Millisecond)

	clientHandler := newRecordingHandler()
	client := New(WithHeartbeatInterval(time.Hour), WithAgentTimeout(time.Hour))
	p, err := client.Dial(ctx, addr, clientHandler)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer p.Close()

	if err := p.Send(ctx, transport.Frame{Type: transport.FramePing}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	for _, f := range serverHandler.received() {
		if f.Type == transport.FramePing || f.Type == transport.FramePong {
			t.Errorf("ping/pong frame leaked to handler: %v", f)
		}
	}
}

func TestHeartbeatEvictsIdlePeer(t *testing.T) {
	addr := "127.0.0.1:18813"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverHandler := newRecordingHandler()
	srv := New(WithHeartbeatInterval(20*time.Millisecond), WithAgentTimeout(60*time.Millisecond))
	if err := srv.Listen(ctx, addr, serverHandler); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Shutdown(context.Background())
	time.Sleep(50 * time.Millisecond)

	// A raw websocket client that never reads, so it never answers the
	// server's pings: a wsocket client would pong, and every frame seen
	// (pongs included) refreshes the server's idle clock.
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, "ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	select {
	case <-serverHandler.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("idle peer was never evicted")
	}
}
