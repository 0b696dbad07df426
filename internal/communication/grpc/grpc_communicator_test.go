package grpccomm

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnishMulay/memstripe/internal/communication"
	"github.com/AnishMulay/memstripe/internal/log_service"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestGRPCCommunicator_SendReceive(t *testing.T) {
	peers := []string{freeAddr(t), freeAddr(t)}
	ls := log_service.NewNopLogService()

	comms := make([]*GRPCCommunicator, len(peers))
	for r := range peers {
		comms[r] = NewGRPCCommunicator(r, peers, "", 0, ls)
		require.NoError(t, comms[r].Start())
	}
	defer func() {
		for _, c := range comms {
			_ = c.Stop()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, comms[0].Send(ctx, 1, communication.TagRequest, []byte("first")))
	require.NoError(t, comms[0].Send(ctx, 1, communication.TagRequest, []byte("second")))
	require.NoError(t, comms[0].Send(ctx, 0, communication.TagCollective, []byte("self")))

	msg, err := comms[1].Receive(ctx, 0, communication.TagRequest)
	require.NoError(t, err)
	assert.Equal(t, "first", string(msg.Payload))
	assert.Equal(t, 0, msg.From)

	msg, err = comms[1].Receive(ctx, communication.AnySource, communication.TagRequest)
	require.NoError(t, err)
	assert.Equal(t, "second", string(msg.Payload))

	msg, err = comms[0].Receive(ctx, 0, communication.TagCollective)
	require.NoError(t, err)
	assert.Equal(t, "self", string(msg.Payload))

	assert.ErrorIs(t, comms[0].Send(ctx, 5, communication.TagRequest, nil), communication.ErrInvalidRank)
}

func TestGRPCCommunicator_CollectivesOverGRPC(t *testing.T) {
	peers := []string{freeAddr(t), freeAddr(t), freeAddr(t)}
	ls := log_service.NewNopLogService()

	gs := make([]*communication.Group, len(peers))
	for r := range peers {
		c := NewGRPCCommunicator(r, peers, "", 0, ls)
		require.NoError(t, c.Start())
		defer func() { _ = c.Stop() }()
		gs[r] = communication.NewGroup(c)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	counts := []int{1, 1, 1}
	displs := []int{0, 1, 2}
	results := make(chan []byte, len(gs))
	errs := make(chan error, len(gs))
	for _, g := range gs {
		go func() {
			out, err := g.Allgatherv(ctx, []byte{byte('a' + g.Rank())}, counts, displs)
			results <- out
			errs <- err
		}()
	}
	for range gs {
		require.NoError(t, <-errs)
		assert.Equal(t, []byte("abc"), <-results)
	}
}
