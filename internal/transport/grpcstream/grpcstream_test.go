package grpcstream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openmesh/fabric/internal/transport"
)

type recordingHandler struct {
	mu     sync.Mutex
	frames []transport.Frame
}

func (h *recordingHandler) OnFrame(p transport.Peer, f transport.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, f)
}

func (h *recordingHandler) OnClose(p transport.Peer, err error) {}

func (h *recordingHandler) received() []transport.Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]transport.Frame, len(h.frames))
	copy(out, h.frames)
	return out
}

func TestDialDeliversFramesToServerHandler(t *testing.T) {
	addr := "127.0.0.1:18911"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverHandler := &recordingHandler{}
	srv := New()
	if err := srv.Listen(ctx, addr, serverHandler); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Shutdown(context.Background())
	time.Sleep(50 * time.Millisecond)

	clientHandler := &recordingHandler{}
	client := New()
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
}
