package sequencer

import (
	"context"
	"fmt"
	"sync"
)

// Gate combines a Sequencer with the highest sequence number this rank has
// applied. Enter returns only after every earlier operation of the group has
// been applied locally, so local and remote operations interleave in ticket
// order on every rank.
type Gate struct {
	seq Sequencer

	mu      sync.Mutex
	applied uint64
	changed chan struct{}
}

func NewGate(seq Sequencer) *Gate {
	return &Gate{seq: seq, changed: make(chan struct{})}
}

func (g *Gate) Enter(ctx context.Context) (Ticket, error) {
	t, err := g.seq.Acquire(ctx)
	if err != nil {
		return Ticket{}, err
	}
	if err := g.waitApplied(ctx, t.Seq-1); err != nil {
		_ = g.seq.Release(context.WithoutCancel(ctx), t)
		return Ticket{}, err
	}
	return t, nil
}

func (g *Gate) Leave(ctx context.Context, t Ticket) error {
	g.Observe(t.Seq)
	return g.seq.Release(ctx, t)
}

func (g *Gate) waitApplied(ctx context.Context, seq uint64) error {
	for {
		g.mu.Lock()
		if g.applied >= seq {
			g.mu.Unlock()
			return nil
		}
		wait := g.changed
		g.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Observe records that seq has been applied on this rank.
func (g *Gate) Observe(seq uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if seq <= g.applied {
		return
	}
	g.applied = seq
	close(g.changed)
	g.changed = make(chan struct{})
}

func (g *Gate) Applied() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.applied
}

// Check validates an inbound sequence number. A new operation must be the
// next number; a continuation of the current operation repeats it.
func (g *Gate) Check(seq uint64, continuation bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	want := g.applied + 1
	if continuation {
		want = g.applied
	}
	if seq != want {
		return fmt.Errorf("got %d, want %d: %w", seq, want, ErrOutOfOrder)
	}
	return nil
}
