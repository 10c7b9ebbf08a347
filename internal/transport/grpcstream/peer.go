package grpcstream

import (
	"context"
	"sync"

	"github.com/openmesh/fabric/internal/transport"
)

// rawStream is the subset of grpc.ServerStream / grpc.ClientStream this
// package needs; satisfied by both.
type rawStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// peer wraps one gRPC bidirectional stream carrying JSON-coded frames.
type peer struct {
	stream rawStream

	mu      sync.RWMutex
	agentID string

	sendMu sync.Mutex

	closeOnce sync.Once
	closeFn   func() error
	closeErr  error
}

func newPeer(stream rawStream, closeFn func() error) *peer {
	return &peer{stream: stream, closeFn: closeFn}
}

func (p *peer) AgentID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.agentID
}

// SetAgentID binds this stream to agentID once the admission handshake
// accepts it. Satisfies transport.AgentIDSetter.
func (p *peer) SetAgentID(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agentID = id
}

// Send writes f to the stream. gRPC streams don't support concurrent
// SendMsg calls, so sends are serialised with sendMu.
func (p *peer) Send(ctx context.Context, f transport.Frame) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	frame := f
	return p.stream.SendMsg(&frame)
}

func (p *peer) Close() error {
	p.closeOnce.Do(func() {
		if p.closeFn != nil {
			p.closeErr = p.closeFn()
		}
	})
	return p.closeErr
}

// recvLoop reads frames until the stream ends, dispatching each to
// handler. Ping/pong frames are answered inline, mirroring wsocket.
func (p *peer) recvLoop(ctx context.Context, handler transport.Handler) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var f transport.Frame
		if err := p.stream.RecvMsg(&f); err != nil {
			return err
		}

		if f.Type == transport.FramePing {
			_ = p.Send(ctx, transport.Frame{Type: transport.FramePong})
			continue
		}
		if f.Type == transport.FramePong {
			continue
		}

		handler.OnFrame(p, f)
	}
}
