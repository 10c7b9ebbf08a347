package wsocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openmesh/fabric/internal/transport"
)

// sendBufferSize is the channel buffer for outbound frames to each peer.
// Large enough to absorb short bursts without blocking the writer, but
// small enough that frames to a truly stalled peer are dropped (Send
// returns an error) rather than consuming unbounded memory.
const sendBufferSize = 64

// peer wraps one websocket connection, in either accepted (server) or
// dialed (client) direction. It satisfies transport.Peer.
type peer struct {
	conn *websocket.Conn

	mu      sync.RWMutex
	agentID string

	send   chan transport.Frame
	cancel context.CancelFunc
	sealer *sealer // nil unless the transport was built with WithSealing

	lastSeenMu sync.Mutex
	lastSeen   time.Time

	closeOnce sync.Once
	closeErr  error

	timedOutMu sync.Mutex
	timedOut   bool
}

func newPeer(conn *websocket.Conn) *peer {
	return &peer{
		conn:     conn,
		send:     make(chan transport.Frame, sendBufferSize),
		lastSeen: time.Now(),
	}
}

func (p *peer) AgentID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.agentID
}

// SetAgentID binds this connection to agentID once the admission
// handshake accepts it. Satisfies transport.AgentIDSetter.
func (p *peer) SetAgentID(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agentID = id
}

func (p *peer) touch() {
	p.lastSeenMu.Lock()
	p.lastSeen = time.Now()
	p.lastSeenMu.Unlock()
}

func (p *peer) idleFor() time.Duration {
	p.lastSeenMu.Lock()
	defer p.lastSeenMu.Unlock()
	return time.Since(p.lastSeen)
}

// Send enqueues f for delivery. Non-blocking: a full buffer means the
// peer isn't draining fast enough and the frame is dropped, matching the
// teacher's agentStream.send semantics.
func (p *peer) Send(ctx context.Context, f transport.Frame) error {
	select {
	case p.send <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("peer %s: send buffer full", p.AgentID())
	}
}

// closeIdle marks the connection as evicted for idleness and closes it.
// adopt checks TimedOut after readPump returns to report the right reason
// to the handler.
func (p *peer) closeIdle() error {
	p.timedOutMu.Lock()
	p.timedOut = true
	p.timedOutMu.Unlock()
	return p.Close()
}

// TimedOut reports whether this connection was closed by heartbeatLoop
// for exceeding its idle timeout.
func (p *peer) TimedOut() bool {
	p.timedOutMu.Lock()
	defer p.timedOutMu.Unlock()
	return p.timedOut
}

func (p *peer) Close() error {
	p.closeOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.closeErr = p.conn.Close()
	})
	return p.closeErr
}

// writePump drains p.send and writes frames to the websocket connection.
// Runs until ctx is cancelled or a write fails.
func (p *peer) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-p.send:
			if !ok {
				return
			}
			data, err := json.Marshal(f)
			if err != nil {
				continue
			}
			msgType := websocket.TextMessage
			if p.sealer != nil {
				sealed, err := p.sealer.seal(data)
				if err != nil {
					continue
				}
				data = sealed
				msgType = websocket.BinaryMessage
			}
			if err := p.conn.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}
}

// readPump reads frames from the websocket connection and dispatches
// them to handler. Returns when the connection closes or ctx ends.
func (p *peer) readPump(ctx context.Context, handler transport.Handler) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return err
		}
		p.touch()

		if p.sealer != nil {
			opened, err := p.sealer.open(data)
			if err != nil {
				continue // failed authentication -- drop, don't tear down the connection
			}
			data = opened
		}

		var f transport.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue // malformed frame -- drop, don't tear down the connection
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

// heartbeatLoop periodically sends a ping frame and evicts the
// connection if no frame (of any kind) has been seen within timeout.
func (p *peer) heartbeatLoop(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.idleFor() > timeout {
				p.closeIdle()
				return
			}
			_ = p.Send(ctx, transport.Frame{Type: transport.FramePing})
		}
	}
}
