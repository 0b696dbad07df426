package sequencer

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
)

// Ticket grants its holder the group-wide turn. Sequence numbers start at 1
// and increase by one per grant.
type Ticket struct {
	Seq uint64
}

// Sequencer hands out exclusive, totally ordered turns.
type Sequencer interface {
	Acquire(ctx context.Context) (Ticket, error)
	Release(ctx context.Context, t Ticket) error
}

// LocalSequencer serves turns to callers of one process.
type LocalSequencer struct {
	turn chan struct{}

	mu   sync.Mutex
	last uint64
	held uint64
}

func NewLocalSequencer() *LocalSequencer {
	return &LocalSequencer{turn: make(chan struct{}, 1)}
}

func (s *LocalSequencer) Acquire(ctx context.Context) (Ticket, error) {
	select {
	case s.turn <- struct{}{}:
	case <-ctx.Done():
		return Ticket{}, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.last++
	s.held = s.last
	return Ticket{Seq: s.last}, nil
}

func (s *LocalSequencer) Release(_ context.Context, t Ticket) error {
	s.mu.Lock()
	if s.held == 0 || s.held != t.Seq {
		held := s.held
		s.mu.Unlock()
		return fmt.Errorf("release %d while %d is held: %w", t.Seq, held, ErrNotHeld)
	}
	s.held = 0
	s.mu.Unlock()

	<-s.turn
	return nil
}

// Last reports the most recently granted sequence number.
func (s *LocalSequencer) Last() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

const (
	opAcquire byte = 1
	opRelease byte = 2

	messageSize = 16
)

func encode(op byte, seq uint64) []byte {
	buf := make([]byte, messageSize)
	buf[0] = op
	binary.LittleEndian.PutUint64(buf[8:], seq)
	return buf
}

func decode(buf []byte) (byte, uint64, error) {
	if len(buf) < messageSize {
		return 0, 0, ErrMalformedGrant
	}
	return buf[0], binary.LittleEndian.Uint64(buf[8:]), nil
}
