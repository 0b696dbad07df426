package communication

import "context"

// AnySource matches a message from any rank in Receive.
const AnySource = -1

// Tag separates independent message streams between the same pair of ranks.
type Tag uint32

const (
	// TagRequest carries request headers to the dispatch loop.
	TagRequest Tag = iota + 1
	// TagCollective carries the data of broadcast, scatter and gather steps.
	TagCollective
	// TagSequencer carries ticket requests to the sequencer rank.
	TagSequencer
	// TagSequencerGrant carries ticket grants back to the requester.
	TagSequencerGrant
)

type Message struct {
	From    int
	Tag     Tag
	Payload []byte
}

// Communicator is a reliable point-to-point channel between the ranks of a
// fixed group. Messages from one sender with the same tag arrive in the
// order they were sent, and Send returns only once the destination has
// queued the message.
type Communicator interface {
	Start() error
	Stop() error
	Rank() int
	Size() int
	Send(ctx context.Context, to int, tag Tag, payload []byte) error
	Receive(ctx context.Context, from int, tag Tag) (Message, error)
}
