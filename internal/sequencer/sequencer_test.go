package sequencer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnishMulay/memstripe/internal/communication/inproc"
	"github.com/AnishMulay/memstripe/internal/log_service"
)

func TestLocalSequencer_ExclusiveAndIncreasing(t *testing.T) {
	s := NewLocalSequencer()
	ctx := context.Background()

	var inside atomic.Int32
	var mu sync.Mutex
	var seen []uint64

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tk, err := s.Acquire(ctx)
			require.NoError(t, err)
			assert.Equal(t, int32(1), inside.Add(1))
			mu.Lock()
			seen = append(seen, tk.Seq)
			mu.Unlock()
			inside.Add(-1)
			require.NoError(t, s.Release(ctx, tk))
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 8)
	for i := 1; i < len(seen); i++ {
		assert.Equal(t, seen[i-1]+1, seen[i])
	}
	assert.Equal(t, uint64(8), s.Last())
}

func TestLocalSequencer_ReleaseWithoutGrant(t *testing.T) {
	s := NewLocalSequencer()
	assert.ErrorIs(t, s.Release(context.Background(), Ticket{Seq: 1}), ErrNotHeld)
}

func TestRemoteSequencer_TicketsFromSequencerRank(t *testing.T) {
	net := inproc.NewNetwork(3)
	svc := NewService(net.Endpoint(0), log_service.NewNopLogService())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = svc.Serve(ctx) }()

	r1 := NewRemoteSequencer(net.Endpoint(1))
	r2 := NewRemoteSequencer(net.Endpoint(2))

	t1, err := r1.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), t1.Seq)

	granted := make(chan Ticket, 1)
	go func() {
		tk, err := r2.Acquire(ctx)
		if err == nil {
			granted <- tk
		}
	}()

	select {
	case <-granted:
		t.Fatal("second rank got a turn while the first holds it")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, r1.Release(ctx, t1))
	select {
	case t2 := <-granted:
		assert.Equal(t, uint64(2), t2.Seq)
		require.NoError(t, r2.Release(ctx, t2))
	case <-ctx.Done():
		t.Fatal("no grant after release")
	}

	local, err := svc.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), local.Seq)
	require.NoError(t, svc.Release(ctx, local))
}

func TestGate_EnterWaitsForEarlierOperations(t *testing.T) {
	s := NewLocalSequencer()
	g := NewGate(s)
	ctx := context.Background()

	// another rank took ticket 1 and has not been observed yet
	other, err := s.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, other))

	entered := make(chan Ticket, 1)
	go func() {
		tk, err := g.Enter(ctx)
		if err == nil {
			entered <- tk
		}
	}()

	select {
	case <-entered:
		t.Fatal("entered before sequence 1 was applied")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, g.Check(1, false))
	g.Observe(1)
	tk := <-entered
	assert.Equal(t, uint64(2), tk.Seq)

	require.NoError(t, g.Leave(ctx, tk))
	assert.Equal(t, uint64(2), g.Applied())

	assert.NoError(t, g.Check(2, true))
	assert.ErrorIs(t, g.Check(2, false), ErrOutOfOrder)
	assert.ErrorIs(t, g.Check(4, false), ErrOutOfOrder)
}
