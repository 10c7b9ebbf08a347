// Package grpcstream is the fabric's secondary transport backend: a
// bidirectional gRPC stream carrying the same JSON-coded transport.Frame
// values as wsocket, grounded on the teacher's cluster/server
// agentStream pattern but reusing a custom JSON codec (see codec.go) in
// place of protoc-generated message types. It satisfies the same
// transport.Transport interface as wsocket but carries lighter test
// coverage -- wsocket is the primary, fully-exercised implementation.
package grpcstream

import (
	"context"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/openmesh/fabric/internal/transport"
)

const serviceName = "fabric.Channel"
const methodName = "/" + serviceName + "/Channel"

// GRPCTransport implements transport.Transport over a single
// hand-registered bidirectional streaming RPC, coded with jsonCodec so
// no protoc-generated stubs are required.
type GRPCTransport struct {
	mu     sync.Mutex
	srv    *grpc.Server
	lis    net.Listener
	conns  []*grpc.ClientConn
	peers  map[*peer]struct{}
}

// New creates a GRPCTransport.
func New() *GRPCTransport {
	return &GRPCTransport{peers: make(map[*peer]struct{})}
}

func (t *GRPCTransport) serviceDesc(handler transport.Handler) *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{
			{
				StreamName:    "Channel",
				ServerStreams: true,
				ClientStreams: true,
				Handler: func(srv any, stream grpc.ServerStream) error {
					p := newPeer(stream, func() error { return nil })
					t.mu.Lock()
					t.peers[p] = struct{}{}
					t.mu.Unlock()

					err := p.recvLoop(stream.Context(), handler)

					t.mu.Lock()
					delete(t.peers, p)
					t.mu.Unlock()

					handler.OnClose(p, err)
					return nil
				},
			},
		},
	}
}

// Listen starts a gRPC server at addr using the JSON codec.
func (t *GRPCTransport) Listen(ctx context.Context, addr string, handler transport.Handler) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := grpc.NewServer(grpc.ForceServerCodec(jsonCodec{}))
	srv.RegisterService(t.serviceDesc(handler), nil)

	t.mu.Lock()
	t.srv = srv
	t.lis = lis
	t.mu.Unlock()

	go func() {
		_ = srv.Serve(lis)
	}()
	return nil
}

// Dial opens a gRPC client connection to addr and starts the channel
// stream, dispatching received frames to handler.
func (t *GRPCTransport) Dial(ctx context.Context, addr string, handler transport.Handler) (transport.Peer, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	stream, err := conn.NewStream(ctx, &grpc.StreamDesc{
		StreamName:    "Channel",
		ServerStreams: true,
		ClientStreams: true,
	}, methodName)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel stream: %w", err)
	}

	t.mu.Lock()
	t.conns = append(t.conns, conn)
	t.mu.Unlock()

	p := newPeer(stream, conn.Close)

	t.mu.Lock()
	t.peers[p] = struct{}{}
	t.mu.Unlock()

	go func() {
		err := p.recvLoop(ctx, handler)
		t.mu.Lock()
		delete(t.peers, p)
		t.mu.Unlock()
		handler.OnClose(p, err)
	}()

	return p, nil
}

// Shutdown stops the server (if running) and closes all client
// connections this transport opened.
func (t *GRPCTransport) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	srv := t.srv
	conns := t.conns
	t.conns = nil
	t.mu.Unlock()

	if srv != nil {
		srv.GracefulStop()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}
