package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnishMulay/memstripe/internal/block_service"
	"github.com/AnishMulay/memstripe/internal/collective_io"
	"github.com/AnishMulay/memstripe/internal/communication"
	"github.com/AnishMulay/memstripe/internal/communication/inproc"
	"github.com/AnishMulay/memstripe/internal/log_service"
	"github.com/AnishMulay/memstripe/internal/namespace_replicator"
	"github.com/AnishMulay/memstripe/internal/sequencer"
)

type recordingMirror struct {
	mu      sync.Mutex
	created []string
	deleted []string
	dirs    []string
}

func (m *recordingMirror) MirrorCreateFile(_ uint64, _, _, _ uint32, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, path)
	return nil
}

func (m *recordingMirror) MirrorDeleteFile(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, path)
	return nil
}

func (m *recordingMirror) MirrorCreateDir(uint64, uint32, uint32, uint32, string) error { return nil }
func (m *recordingMirror) MirrorDeleteDir(string) error                                 { return nil }
func (m *recordingMirror) MirrorRename(string, string) error                            { return nil }
func (m *recordingMirror) MirrorSymlink(uint64, uint32, uint32, string, string) error   { return nil }
func (m *recordingMirror) MirrorLink(string, string) error                              { return nil }

func (m *recordingMirror) ChangeDirectory(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirs = append(m.dirs, path)
	return nil
}

func (m *recordingMirror) snapshot() (created, deleted, dirs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.created...), append([]string(nil), m.deleted...), append([]string(nil), m.dirs...)
}

type rank struct {
	engine     *collective_io.Engine
	dispatcher *Dispatcher
	mirror     *recordingMirror
}

func startRanks(t *testing.T, model collective_io.Model, world int) []*rank {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	net := inproc.NewNetwork(world)
	ls := log_service.NewNopLogService()
	var svc *sequencer.Service
	ranks := make([]*rank, world)
	for r := range world {
		comm := net.Endpoint(r)
		var seq sequencer.Sequencer
		switch {
		case model == collective_io.Coordinator && r == 0:
			seq = sequencer.NewLocalSequencer()
		case model == collective_io.Replicated && r == sequencer.SequencerRank:
			svc = sequencer.NewService(comm, ls)
			seq = svc
		case model == collective_io.Replicated:
			seq = sequencer.NewRemoteSequencer(comm)
		}
		arena := block_service.NewArena(r, 8, 0)
		store := block_service.NewBlockStore(8, block_service.NewAllocator(world, 8))
		e := collective_io.NewEngine(model, communication.NewGroup(comm), arena, store, sequencer.NewGate(seq), nil, ls)
		m := &recordingMirror{}
		ranks[r] = &rank{engine: e, mirror: m, dispatcher: NewDispatcher(e, m, m, ls)}
	}
	if svc != nil {
		go func() { _ = svc.Serve(ctx) }()
	}
	for r, rk := range ranks {
		if model == collective_io.Coordinator && r == 0 {
			continue
		}
		require.NoError(t, rk.dispatcher.Start())
		t.Cleanup(func() { _ = rk.dispatcher.Stop() })
	}
	return ranks
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitDone(t *testing.T, d *Dispatcher) {
	t.Helper()
	select {
	case <-d.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not return")
	}
}

func TestDispatcher_TerminateEndsEveryLoop(t *testing.T) {
	ranks := startRanks(t, collective_io.Coordinator, 3)
	ctx := testCtx(t)

	data := []byte("striped over three ranks")
	require.NoError(t, ranks[0].engine.Write(ctx, 2, data, uint64(len(data))))
	got, err := ranks[0].engine.Read(ctx, 2, uint64(len(data)), uint64(len(data)), 0)
	require.NoError(t, err)
	assert.Equal(t, data, got[:len(data)])

	require.NoError(t, ranks[0].engine.NotifyTerminate(ctx))
	for _, r := range ranks[1:] {
		waitDone(t, r.dispatcher)
		assert.NoError(t, r.dispatcher.Err())
		assert.ErrorIs(t, r.engine.Err(), collective_io.ErrTerminated)
	}
}

func TestDispatcher_ChangeDirectory(t *testing.T) {
	ranks := startRanks(t, collective_io.Coordinator, 3)
	require.NoError(t, ranks[0].engine.NotifyChangeDirectory(testCtx(t), "/tmp/shadow"))

	for _, r := range ranks[1:] {
		assert.Eventually(t, func() bool {
			_, _, dirs := r.mirror.snapshot()
			return len(dirs) == 1 && dirs[0] == "/tmp/shadow"
		}, 5*time.Second, 5*time.Millisecond)
	}
}

func TestDispatcher_AppliesNamespaceChangesInOrder(t *testing.T) {
	ranks := startRanks(t, collective_io.Replicated, 3)
	ctx := testCtx(t)

	announce := func(r *rank, fn func(repl *namespace_replicator.Replicator, seq uint64) error) {
		gate := r.engine.Gate()
		ticket, err := gate.Enter(ctx)
		require.NoError(t, err)
		require.NoError(t, fn(namespace_replicator.NewReplicator(r.engine, log_service.NewNopLogService()), ticket.Seq))
		require.NoError(t, gate.Leave(ctx, ticket))
	}

	announce(ranks[1], func(repl *namespace_replicator.Replicator, seq uint64) error {
		return repl.NotifyCreateFile(ctx, seq, 2, 0o644, 0, 0, "/a")
	})
	announce(ranks[2], func(repl *namespace_replicator.Replicator, seq uint64) error {
		return repl.NotifyCreateFile(ctx, seq, 3, 0o644, 0, 0, "/b")
	})
	announce(ranks[0], func(repl *namespace_replicator.Replicator, seq uint64) error {
		return repl.NotifyDeleteFile(ctx, seq, "/a")
	})

	want := []struct{ created, deleted []string }{
		{created: []string{"/a", "/b"}},
		{created: []string{"/b"}, deleted: []string{"/a"}},
		{created: []string{"/a"}, deleted: []string{"/a"}},
	}
	for r, w := range want {
		assert.Eventually(t, func() bool {
			created, deleted, _ := ranks[r].mirror.snapshot()
			return assert.ObjectsAreEqual(w.created, created) && assert.ObjectsAreEqual(w.deleted, deleted)
		}, 5*time.Second, 5*time.Millisecond, "rank %d", r)
	}
}

func TestDispatcher_VoidedTicketDoesNotStall(t *testing.T) {
	ranks := startRanks(t, collective_io.Replicated, 2)
	ctx := testCtx(t)

	gate := ranks[1].engine.Gate()
	ticket, err := gate.Enter(ctx)
	require.NoError(t, err)
	require.NoError(t, ranks[1].engine.Void(ctx, communication.RequestCreateFile, ticket.Seq))
	require.NoError(t, gate.Leave(ctx, ticket))

	data := []byte("after the void")
	require.NoError(t, ranks[0].engine.Write(ctx, 4, data, uint64(len(data))))
	got, err := ranks[1].engine.Read(ctx, 4, uint64(len(data)), uint64(len(data)), 0)
	require.NoError(t, err)
	assert.Equal(t, data, got[:len(data)])
}

func TestDispatcher_StopWithoutTraffic(t *testing.T) {
	ranks := startRanks(t, collective_io.Replicated, 2)
	require.NoError(t, ranks[1].dispatcher.Stop())
	waitDone(t, ranks[1].dispatcher)
	assert.NoError(t, ranks[1].dispatcher.Err())
	assert.ErrorIs(t, ranks[1].dispatcher.Start(), ErrAlreadyStarted)
}
