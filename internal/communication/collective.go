package communication

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Group layers the collective operations over a Communicator. Every rank
// must issue the same collective calls in the same order; the group does not
// detect a missing call, it waits for it.
type Group struct {
	comm Communicator
}

func NewGroup(comm Communicator) *Group {
	return &Group{comm: comm}
}

func (g *Group) Rank() int { return g.comm.Rank() }
func (g *Group) Size() int { return g.comm.Size() }

func (g *Group) Communicator() Communicator { return g.comm }

func (g *Group) checkRoot(root int) error {
	if root < 0 || root >= g.Size() {
		return fmt.Errorf("root %d: %w", root, ErrInvalidRank)
	}
	return nil
}

// Bcast sends data from root to every rank and returns it on all of them.
func (g *Group) Bcast(ctx context.Context, root int, data []byte) ([]byte, error) {
	if err := g.checkRoot(root); err != nil {
		return nil, err
	}
	if g.Rank() != root {
		msg, err := g.comm.Receive(ctx, root, TagCollective)
		if err != nil {
			return nil, err
		}
		return msg.Payload, nil
	}

	eg, ctx := errgroup.WithContext(ctx)
	for r := 0; r < g.Size(); r++ {
		if r == root {
			continue
		}
		eg.Go(func() error {
			return g.comm.Send(ctx, r, TagCollective, data)
		})
	}
	return data, eg.Wait()
}

// Scatterv hands rank r the bytes send[displs[r]:displs[r]+counts[r]].
// Only the root reads send, counts and displs.
func (g *Group) Scatterv(ctx context.Context, root int, send []byte, counts, displs []int) ([]byte, error) {
	if err := g.checkRoot(root); err != nil {
		return nil, err
	}
	if g.Rank() != root {
		msg, err := g.comm.Receive(ctx, root, TagCollective)
		if err != nil {
			return nil, err
		}
		return msg.Payload, nil
	}
	if len(counts) != g.Size() || len(displs) != g.Size() {
		return nil, fmt.Errorf("scatterv with %d counts in a group of %d: %w", len(counts), g.Size(), ErrSizeMismatch)
	}

	var own []byte
	eg, ctx := errgroup.WithContext(ctx)
	for r := 0; r < g.Size(); r++ {
		chunk := send[displs[r] : displs[r]+counts[r]]
		if r == root {
			own = append([]byte(nil), chunk...)
			continue
		}
		eg.Go(func() error {
			return g.comm.Send(ctx, r, TagCollective, chunk)
		})
	}
	return own, eg.Wait()
}

// Gatherv assembles every rank's contribution at root, placing rank r's
// bytes at displs[r]. Non-root ranks get nil back.
func (g *Group) Gatherv(ctx context.Context, root int, send []byte, counts, displs []int) ([]byte, error) {
	if err := g.checkRoot(root); err != nil {
		return nil, err
	}
	if g.Rank() != root {
		return nil, g.comm.Send(ctx, root, TagCollective, send)
	}
	return g.collect(ctx, send, counts, displs)
}

// Allgatherv leaves the assembled contributions of all ranks on every rank.
func (g *Group) Allgatherv(ctx context.Context, send []byte, counts, displs []int) ([]byte, error) {
	eg, sendCtx := errgroup.WithContext(ctx)
	for r := 0; r < g.Size(); r++ {
		if r == g.Rank() {
			continue
		}
		eg.Go(func() error {
			return g.comm.Send(sendCtx, r, TagCollective, send)
		})
	}

	out, err := g.collect(ctx, send, counts, displs)
	if werr := eg.Wait(); err == nil {
		err = werr
	}
	return out, err
}

// collect receives one contribution from every other rank. A contribution of
// the wrong size is still consumed so the stream stays aligned.
func (g *Group) collect(ctx context.Context, own []byte, counts, displs []int) ([]byte, error) {
	if len(counts) != g.Size() || len(displs) != g.Size() {
		return nil, fmt.Errorf("gather with %d counts in a group of %d: %w", len(counts), g.Size(), ErrSizeMismatch)
	}

	total := 0
	for r := range counts {
		total = max(total, displs[r]+counts[r])
	}
	out := make([]byte, total)

	var mismatch error
	place := func(r int, data []byte) {
		if len(data) != counts[r] {
			if mismatch == nil {
				mismatch = fmt.Errorf("rank %d sent %d bytes, want %d: %w", r, len(data), counts[r], ErrSizeMismatch)
			}
			data = data[:min(len(data), counts[r])]
		}
		copy(out[displs[r]:], data)
	}

	place(g.Rank(), own)
	for r := 0; r < g.Size(); r++ {
		if r == g.Rank() {
			continue
		}
		msg, err := g.comm.Receive(ctx, r, TagCollective)
		if err != nil {
			return nil, err
		}
		place(r, msg.Payload)
	}
	return out, mismatch
}
