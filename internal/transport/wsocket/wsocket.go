// Package wsocket is the fabric's primary transport backend: JSON-framed
// messages over gorilla/websocket connections, matching spec §4.C/§6's
// wire format. It is the fully-exercised implementation of
// internal/transport.Transport; internal/transport/grpcstream provides a
// secondary backend behind the same interface.
package wsocket

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openmesh/fabric/internal/transport"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultAgentTimeout      = 60 * time.Second
)

// Option configures a WSTransport at construction time.
type Option func(*WSTransport)

// WithHeartbeatInterval overrides DefaultHeartbeatInterval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(w *WSTransport) { w.heartbeatInterval = d }
}

// WithAgentTimeout overrides DefaultAgentTimeout.
func WithAgentTimeout(d time.Duration) Option {
	return func(w *WSTransport) { w.agentTimeout = d }
}

// WithTLS enables wss:// on Listen using the given server keypair.
func WithTLS(certPEM, keyPEM []byte) Option {
	return func(w *WSTransport) {
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return
		}
		w.tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS13}
	}
}

// WithSealing enables per-frame NaCl secretbox sealing with a pre-shared
// 32-byte key, the transport's realization of encryption_type "nacl". An
// invalid key length is a no-op (sealing stays disabled) rather than a
// panic, since this runs at construction time far from where the key was
// configured.
func WithSealing(key []byte) Option {
	return func(w *WSTransport) {
		s, err := newSealer(key)
		if err != nil {
			return
		}
		w.sealer = s
	}
}

// WSTransport implements transport.Transport over websocket connections.
type WSTransport struct {
	heartbeatInterval time.Duration
	agentTimeout      time.Duration
	tlsConfig         *tls.Config
	sealer            *sealer

	upgrader websocket.Upgrader

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	peers    map[*peer]struct{}
}

// New creates a WSTransport. Call Listen (server mode) or Dial (client
// mode), or both for a decentralized node that does both.
func New(opts ...Option) *WSTransport {
	w := &WSTransport{
		heartbeatInterval: DefaultHeartbeatInterval,
		agentTimeout:      DefaultAgentTimeout,
		peers:             make(map[*peer]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Listen starts an HTTP server with a single /ws upgrade endpoint at
// addr. Each accepted connection runs its own read/write/heartbeat
// goroutines until it closes.
func (w *WSTransport) Listen(ctx context.Context, addr string, handler transport.Handler) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(rw http.ResponseWriter, r *http.Request) {
		conn, err := w.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		w.adopt(ctx, conn, handler)
	})

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	if w.tlsConfig != nil {
		lis = tls.NewListener(lis, w.tlsConfig)
	}

	w.mu.Lock()
	w.listener = lis
	w.srv = &http.Server{Handler: mux}
	srv := w.srv
	w.mu.Unlock()

	go func() {
		_ = srv.Serve(lis)
	}()
	return nil
}

// Dial opens a websocket connection to addr (host:port, no scheme) and
// runs the connection's read/write/heartbeat goroutines until it closes
// or ctx is cancelled.
func (w *WSTransport) Dial(ctx context.Context, addr string, handler transport.Handler) (transport.Peer, error) {
	scheme := "ws"
	if w.tlsConfig != nil {
		scheme = "wss"
	}
	url := fmt.Sprintf("%s://%s/ws", scheme, addr)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if w.tlsConfig != nil {
		dialer.TLSClientConfig = w.tlsConfig
	}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return w.adopt(ctx, conn, handler), nil
}

// adopt wraps conn as a peer and launches its pumps.
func (w *WSTransport) adopt(ctx context.Context, conn *websocket.Conn, handler transport.Handler) *peer {
	pctx, cancel := context.WithCancel(ctx)
	p := newPeer(conn)
	p.cancel = cancel
	p.sealer = w.sealer

	w.mu.Lock()
	w.peers[p] = struct{}{}
	w.mu.Unlock()

	go p.writePump(pctx)
	go p.heartbeatLoop(pctx, w.heartbeatInterval, w.agentTimeout)
	go func() {
		err := p.readPump(pctx, handler)
		w.mu.Lock()
		delete(w.peers, p)
		w.mu.Unlock()
		p.Close()
		if p.TimedOut() {
			err = transport.ErrIdleTimeout
		}
		handler.OnClose(p, err)
	}()

	return p
}

// Shutdown stops accepting new connections and closes every tracked
// peer.
func (w *WSTransport) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	srv := w.srv
	peers := make([]*peer, 0, len(w.peers))
	for p := range w.peers {
		peers = append(peers, p)
	}
	w.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}
