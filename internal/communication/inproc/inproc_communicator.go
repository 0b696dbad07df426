package inproc

import (
	"context"
	"fmt"

	"github.com/AnishMulay/memstripe/internal/communication"
)

// Network connects a fixed group of in-process ranks through mailboxes.
type Network struct {
	boxes []*communication.Mailbox
}

func NewNetwork(size int) *Network {
	n := &Network{boxes: make([]*communication.Mailbox, size)}
	for i := range n.boxes {
		n.boxes[i] = communication.NewMailbox()
	}
	return n
}

func (n *Network) Size() int { return len(n.boxes) }

// Endpoint returns the communicator of rank.
func (n *Network) Endpoint(rank int) *InProcCommunicator {
	return &InProcCommunicator{net: n, rank: rank}
}

// Endpoints returns one communicator per rank, indexed by rank.
func (n *Network) Endpoints() []*InProcCommunicator {
	out := make([]*InProcCommunicator, len(n.boxes))
	for r := range out {
		out[r] = n.Endpoint(r)
	}
	return out
}

type InProcCommunicator struct {
	net  *Network
	rank int
}

func (c *InProcCommunicator) Start() error { return nil }

func (c *InProcCommunicator) Stop() error {
	c.net.boxes[c.rank].Close()
	return nil
}

func (c *InProcCommunicator) Rank() int { return c.rank }
func (c *InProcCommunicator) Size() int { return len(c.net.boxes) }

func (c *InProcCommunicator) Send(ctx context.Context, to int, tag communication.Tag, payload []byte) error {
	if to < 0 || to >= len(c.net.boxes) {
		return fmt.Errorf("send to %d: %w", to, communication.ErrInvalidRank)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.net.boxes[to].Deliver(communication.Message{
		From:    c.rank,
		Tag:     tag,
		Payload: append([]byte(nil), payload...),
	})
}

func (c *InProcCommunicator) Receive(ctx context.Context, from int, tag communication.Tag) (communication.Message, error) {
	return c.net.boxes[c.rank].Receive(ctx, from, tag)
}

var _ communication.Communicator = (*InProcCommunicator)(nil)
