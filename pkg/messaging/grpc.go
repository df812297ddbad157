package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content-subtype for envelope streams. The
// payload is opaque XML inside a small JSON frame, so a JSON codec
// replaces generated protobuf types.
const codecName = "pacegrid-json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// exchangeReceiver is the service contract: anything that can take a
// received envelope.
type exchangeReceiver interface {
	deliver(env *Envelope)
}

var exchangeStreamDesc = grpc.StreamDesc{
	StreamName:    "Exchange",
	ClientStreams: true,
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "pacegrid.Messaging",
	HandlerType: (*exchangeReceiver)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Exchange",
			Handler:       exchangeHandler,
			ClientStreams: true,
		},
	},
	Metadata: "messaging",
}

func exchangeHandler(srv interface{}, stream grpc.ServerStream) error {
	recv := srv.(exchangeReceiver)
	for {
		var env Envelope
		if err := stream.RecvMsg(&env); err != nil {
			return err
		}
		recv.deliver(&env)
	}
}

// GRPCTransport is the daemon-to-daemon transport: one server stream
// inbound, one lazily-dialed client stream per peer outbound. Failed
// sends retry with exponential backoff up to a cap; receivers dedupe by
// reference, so replays are safe.
type GRPCTransport struct {
	localUUID string
	server    *grpc.Server
	inbox     chan *Envelope
	seen      *refCache

	mu    sync.Mutex
	addrs map[string]string // peer uuid -> host:port
	conns map[string]*peerConn

	maxRetries int
	baseDelay  time.Duration
}

type peerConn struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream
}

// NewGRPCTransport starts listening on bindAddr. peerAddrs maps node
// uuids to their bind addresses.
func NewGRPCTransport(localUUID, bindAddr string, peerAddrs map[string]string) (*GRPCTransport, error) {
	lis, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("messaging: listen %s: %w", bindAddr, err)
	}

	t := &GRPCTransport{
		localUUID:  localUUID,
		server:     grpc.NewServer(),
		inbox:      make(chan *Envelope, 256),
		seen:       newRefCache(),
		addrs:      make(map[string]string, len(peerAddrs)),
		conns:      make(map[string]*peerConn),
		maxRetries: 5,
		baseDelay:  100 * time.Millisecond,
	}
	for uuid, addr := range peerAddrs {
		t.addrs[uuid] = addr
	}

	t.server.RegisterService(&serviceDesc, t)
	go func() {
		_ = t.server.Serve(lis)
	}()
	return t, nil
}

// LocalUUID identifies this endpoint.
func (t *GRPCTransport) LocalUUID() string { return t.localUUID }

// Inbox is the stream of received, deduped envelopes.
func (t *GRPCTransport) Inbox() <-chan *Envelope { return t.inbox }

func (t *GRPCTransport) deliver(env *Envelope) {
	if t.seen.observe(env.Reference) {
		return
	}
	select {
	case t.inbox <- env:
	default:
	}
}

// AddPeer registers or updates a peer address.
func (t *GRPCTransport) AddPeer(uuid, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.conns[uuid]; ok && t.addrs[uuid] != addr {
		old.conn.Close()
		delete(t.conns, uuid)
	}
	t.addrs[uuid] = addr
}

// Send delivers to one peer, or to all peers when To is empty.
func (t *GRPCTransport) Send(env *Envelope) error {
	if env.To != "" {
		return t.sendOne(env.To, env)
	}
	t.mu.Lock()
	peers := make([]string, 0, len(t.addrs))
	for uuid := range t.addrs {
		if uuid != t.localUUID {
			peers = append(peers, uuid)
		}
	}
	t.mu.Unlock()

	var firstErr error
	for _, uuid := range peers {
		if err := t.sendOne(uuid, env); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// sendOne pushes an envelope down the peer's stream, redialing and
// backing off on failure. Transient peer outages surface only after the
// retry cap.
func (t *GRPCTransport) sendOne(uuid string, env *Envelope) error {
	var lastErr error
	delay := t.baseDelay
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		pc, err := t.peer(uuid)
		if err != nil {
			lastErr = err
			continue
		}
		if err := pc.stream.SendMsg(env); err != nil {
			lastErr = err
			t.dropPeer(uuid)
			continue
		}
		return nil
	}
	return fmt.Errorf("messaging: send to %s: %w", uuid, lastErr)
}

func (t *GRPCTransport) peer(uuid string) (*peerConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if pc, ok := t.conns[uuid]; ok {
		return pc, nil
	}
	addr, ok := t.addrs[uuid]
	if !ok {
		return nil, fmt.Errorf("messaging: unknown peer %s", uuid)
	}
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, err
	}
	stream, err := conn.NewStream(context.Background(), &exchangeStreamDesc, "/pacegrid.Messaging/Exchange")
	if err != nil {
		conn.Close()
		return nil, err
	}
	pc := &peerConn{conn: conn, stream: stream}
	t.conns[uuid] = pc
	return pc, nil
}

func (t *GRPCTransport) dropPeer(uuid string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pc, ok := t.conns[uuid]; ok {
		pc.conn.Close()
		delete(t.conns, uuid)
	}
}

// Close stops the server and closes every outbound connection.
func (t *GRPCTransport) Close() error {
	t.server.GracefulStop()
	t.mu.Lock()
	defer t.mu.Unlock()
	for uuid, pc := range t.conns {
		pc.conn.Close()
		delete(t.conns, uuid)
	}
	return nil
}
