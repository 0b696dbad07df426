package grpccomm

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/AnishMulay/memstripe/internal/communication"
	"github.com/AnishMulay/memstripe/internal/log_service"
)

const (
	serviceName     = "memstripe.communication.Rank"
	deliverMethod   = "/" + serviceName + "/Deliver"
	frameHeaderSize = 8

	DefaultMaxMessageBytes = 256 << 20
)

// RankServer receives framed messages from peer ranks.
type RankServer interface {
	Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

var rankServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*RankServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "memstripe/communication/rank.proto",
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RankServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RankServer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// GRPCCommunicator connects the ranks of a group with unary gRPC calls. A
// call returns once the peer has queued the message, which keeps messages
// from one sender in order.
type GRPCCommunicator struct {
	rank            int
	peers           []string
	listenAddress   string
	maxMessageBytes int
	ls              log_service.LogService

	mailbox    *communication.Mailbox
	grpcServer *grpc.Server

	clientLock sync.RWMutex
	clients    map[int]*grpc.ClientConn

	stopped   bool
	stopMutex sync.RWMutex
}

// NewGRPCCommunicator creates the communicator of rank. peers holds the
// address of every rank, indexed by rank.
func NewGRPCCommunicator(rank int, peers []string, listenAddr string, maxMessageBytes int, ls log_service.LogService) *GRPCCommunicator {
	if maxMessageBytes <= 0 {
		maxMessageBytes = DefaultMaxMessageBytes
	}
	if listenAddr == "" && rank < len(peers) {
		listenAddr = peers[rank]
	}
	return &GRPCCommunicator{
		rank:            rank,
		peers:           peers,
		listenAddress:   listenAddr,
		maxMessageBytes: maxMessageBytes,
		ls:              ls,
		mailbox:         communication.NewMailbox(),
		clients:         make(map[int]*grpc.ClientConn),
	}
}

func (c *GRPCCommunicator) Rank() int       { return c.rank }
func (c *GRPCCommunicator) Size() int       { return len(c.peers) }
func (c *GRPCCommunicator) Address() string { return c.listenAddress }

func (c *GRPCCommunicator) Start() error {
	c.ls.Info(log_service.LogEvent{
		Message:  "Starting GRPC communicator",
		Metadata: map[string]any{"address": c.listenAddress, "rank": c.rank, "size": len(c.peers)},
	})

	lis, err := net.Listen("tcp", c.listenAddress)
	if err != nil {
		c.ls.Error(log_service.LogEvent{
			Message:  "Failed to listen on address",
			Metadata: map[string]any{"address": c.listenAddress, "error": err.Error()},
		})
		return fmt.Errorf("listen %s: %w", c.listenAddress, communication.ErrServerStartFailed)
	}

	c.grpcServer = grpc.NewServer(grpc.MaxRecvMsgSize(c.maxMessageBytes))
	c.grpcServer.RegisterService(&rankServiceDesc, c)

	go func() {
		if err := c.grpcServer.Serve(lis); err != nil {
			c.ls.Error(log_service.LogEvent{
				Message:  "GRPC server error",
				Metadata: map[string]any{"address": c.listenAddress, "error": err.Error()},
			})
		}
	}()
	return nil
}

func (c *GRPCCommunicator) Stop() error {
	c.stopMutex.Lock()
	defer c.stopMutex.Unlock()

	if c.stopped {
		return nil
	}
	c.stopped = true

	c.ls.Info(log_service.LogEvent{
		Message:  "Stopping GRPC communicator",
		Metadata: map[string]any{"address": c.listenAddress},
	})

	c.mailbox.Close()
	if c.grpcServer != nil {
		c.grpcServer.GracefulStop()
	}

	c.clientLock.Lock()
	defer c.clientLock.Unlock()
	var firstErr error
	for rank, conn := range c.clients {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.clients, rank)
	}
	return firstErr
}

func (c *GRPCCommunicator) client(to int) (*grpc.ClientConn, error) {
	c.clientLock.RLock()
	conn, ok := c.clients[to]
	c.clientLock.RUnlock()
	if ok {
		return conn, nil
	}

	c.clientLock.Lock()
	defer c.clientLock.Unlock()
	if conn, ok := c.clients[to]; ok {
		return conn, nil
	}

	conn, err := grpc.NewClient(c.peers[to],
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallSendMsgSize(c.maxMessageBytes),
			grpc.MaxCallRecvMsgSize(c.maxMessageBytes),
		),
	)
	if err != nil {
		c.ls.Error(log_service.LogEvent{
			Message:  "Failed to create GRPC client",
			Metadata: map[string]any{"to": c.peers[to], "error": err.Error()},
		})
		return nil, fmt.Errorf("rank %d: %w", to, communication.ErrClientCreateFailed)
	}
	c.clients[to] = conn
	return conn, nil
}

func (c *GRPCCommunicator) Send(ctx context.Context, to int, tag communication.Tag, payload []byte) error {
	if to < 0 || to >= len(c.peers) {
		return fmt.Errorf("send to %d: %w", to, communication.ErrInvalidRank)
	}

	c.stopMutex.RLock()
	stopped := c.stopped
	c.stopMutex.RUnlock()
	if stopped {
		return communication.ErrStopped
	}

	if to == c.rank {
		return c.mailbox.Deliver(communication.Message{
			From:    c.rank,
			Tag:     tag,
			Payload: append([]byte(nil), payload...),
		})
	}

	conn, err := c.client(to)
	if err != nil {
		return err
	}

	frame := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:], uint32(c.rank))
	binary.LittleEndian.PutUint32(frame[4:], uint32(tag))
	copy(frame[frameHeaderSize:], payload)

	if err := conn.Invoke(ctx, deliverMethod, wrapperspb.Bytes(frame), new(emptypb.Empty), grpc.WaitForReady(true)); err != nil {
		c.ls.Error(log_service.LogEvent{
			Message:  "Failed to deliver message",
			Metadata: map[string]any{"to": to, "tag": tag, "bytes": len(payload), "error": err.Error()},
		})
		return fmt.Errorf("rank %d: %w: %v", to, communication.ErrMessageSendFailed, err)
	}
	return nil
}

func (c *GRPCCommunicator) Receive(ctx context.Context, from int, tag communication.Tag) (communication.Message, error) {
	return c.mailbox.Receive(ctx, from, tag)
}

// Deliver queues a frame sent by a peer.
func (c *GRPCCommunicator) Deliver(_ context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	frame := in.GetValue()
	if len(frame) < frameHeaderSize {
		return nil, communication.ErrShortMessage
	}
	msg := communication.Message{
		From:    int(binary.LittleEndian.Uint32(frame[0:])),
		Tag:     communication.Tag(binary.LittleEndian.Uint32(frame[4:])),
		Payload: frame[frameHeaderSize:],
	}
	if msg.From < 0 || msg.From >= len(c.peers) {
		return nil, communication.ErrInvalidRank
	}
	if err := c.mailbox.Deliver(msg); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

var _ communication.Communicator = (*GRPCCommunicator)(nil)
