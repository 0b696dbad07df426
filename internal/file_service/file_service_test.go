package file_service

import (
	"context"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnishMulay/memstripe/internal/block_service"
	"github.com/AnishMulay/memstripe/internal/collective_io"
	"github.com/AnishMulay/memstripe/internal/communication"
	"github.com/AnishMulay/memstripe/internal/communication/inproc"
	"github.com/AnishMulay/memstripe/internal/log_service"
	"github.com/AnishMulay/memstripe/internal/metadata_service"
	"github.com/AnishMulay/memstripe/internal/namespace_replicator"
	"github.com/AnishMulay/memstripe/internal/sequencer"
	"github.com/AnishMulay/memstripe/internal/server"
)

var root = metadata_service.RootCaller

type testCluster struct {
	engines []*collective_io.Engine
	// one per rank in the replicated model, only rank 0 otherwise
	fss []*FileSystem
}

func newTestCluster(t *testing.T, model collective_io.Model, world, blockSize, threshold int) *testCluster {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	net := inproc.NewNetwork(world)
	ls := log_service.NewNopLogService()
	c := &testCluster{}

	var svc *sequencer.Service
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
		arena := block_service.NewArena(r, blockSize, 0)
		store := block_service.NewBlockStore(blockSize, block_service.NewAllocator(world, blockSize))
		e := collective_io.NewEngine(model, communication.NewGroup(comm), arena, store, sequencer.NewGate(seq), nil, ls)
		c.engines = append(c.engines, e)

		var mirror namespace_replicator.Mirror
		switch {
		case model == collective_io.Replicated:
			fs := NewFileSystem(e, namespace_replicator.NewReplicator(e, ls), threshold, 0, nil, ls)
			c.fss = append(c.fss, fs)
			mirror = fs
		case r == 0:
			c.fss = append(c.fss, NewFileSystem(e, nil, threshold, 0, nil, ls))
			continue
		}
		d := server.NewDispatcher(e, mirror, nil, ls)
		require.NoError(t, d.Start())
		t.Cleanup(func() { _ = d.Stop() })
	}
	if svc != nil {
		go func() { _ = svc.Serve(ctx) }()
	}
	return c
}

func (c *testCluster) live() int {
	n := 0
	for _, e := range c.engines {
		n += e.Arena().Live()
	}
	return n
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// writeFile creates path and stores data in it through open, write and
// release.
func writeFile(t *testing.T, ctx context.Context, fs *FileSystem, path string, data []byte) uint64 {
	t.Helper()
	parent, name, err := fs.ResolveParent(path)
	require.NoError(t, err)
	attr, err := fs.Create(ctx, root, parent, name, 0o644)
	require.NoError(t, err)
	require.NoError(t, fs.Open(ctx, root, attr.Ino, os.O_WRONLY))
	n, err := fs.Write(ctx, attr.Ino, 0, data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.NoError(t, fs.Release(ctx, attr.Ino))
	return attr.Ino
}

func readFile(t *testing.T, ctx context.Context, fs *FileSystem, ino uint64) []byte {
	t.Helper()
	require.NoError(t, fs.Open(ctx, root, ino, os.O_RDONLY))
	attr, err := fs.GetAttr(ino)
	require.NoError(t, err)
	data, err := fs.Read(ctx, ino, 0, int(attr.Size)+10)
	require.NoError(t, err)
	require.NoError(t, fs.Release(ctx, ino))
	return data
}

func TestFileSystem_WriteReadBack(t *testing.T) {
	for _, model := range []collective_io.Model{collective_io.Coordinator, collective_io.Replicated} {
		t.Run(model.String(), func(t *testing.T) {
			c := newTestCluster(t, model, 3, 16, -1)
			ctx := testCtx(t)
			fs := c.fss[0]

			data := []byte(strings.Repeat("memory resident ", 10))
			ino := writeFile(t, ctx, fs, "/greeting", data)

			attr, err := fs.GetAttr(ino)
			require.NoError(t, err)
			assert.Equal(t, uint64(len(data)), attr.Size)
			assert.Equal(t, uint64(10), attr.Blocks)
			assert.Equal(t, 10, c.live())
			assert.Greater(t, c.engines[1].Arena().Live(), 0)
			assert.Greater(t, c.engines[2].Arena().Live(), 0)

			assert.Equal(t, data, readFile(t, ctx, fs, ino))

			got, err := fs.Read(ctx, ino, 7, 8)
			require.NoError(t, err)
			assert.Equal(t, data[7:15], got)
			got, err = fs.Read(ctx, ino, int64(len(data)), 8)
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestFileSystem_ReplicatedRanksConverge(t *testing.T) {
	c := newTestCluster(t, collective_io.Replicated, 3, 8, -1)
	ctx := testCtx(t)

	dir, err := c.fss[0].Mkdir(ctx, root, metadata_service.RootInode, "shared", 0o755)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		ino, err := c.fss[1].Resolve("/shared")
		return err == nil && ino == dir.Ino
	}, 5*time.Second, 5*time.Millisecond)

	parent, err := c.fss[1].Resolve("/shared")
	require.NoError(t, err)
	data := []byte("written on rank one")
	ino := writeFile(t, ctx, c.fss[1], "/shared/note", data)

	for r, fs := range c.fss {
		assert.Eventually(t, func() bool {
			attr, err := fs.GetAttr(ino)
			return err == nil && attr.Size == uint64(len(data))
		}, 5*time.Second, 5*time.Millisecond, "rank %d", r)
	}

	require.NoError(t, c.fss[2].Rename(ctx, root, parent, "note", metadata_service.RootInode, "moved"))
	for r, fs := range c.fss {
		assert.Eventually(t, func() bool {
			got, err := fs.Resolve("/moved")
			return err == nil && got == ino
		}, 5*time.Second, 5*time.Millisecond, "rank %d", r)
	}

	assert.Equal(t, data, readFile(t, ctx, c.fss[2], ino))
	assert.Equal(t, data, readFile(t, ctx, c.fss[0], ino))

	_, err = c.fss[0].Symlink(ctx, root, metadata_service.RootInode, "link", "/moved")
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		ino, err := c.fss[2].Resolve("/link")
		if err != nil {
			return false
		}
		target, err := c.fss[2].Readlink(ino)
		return err == nil && target == "/moved"
	}, 5*time.Second, 5*time.Millisecond)
}

func TestFileSystem_NamespaceErrors(t *testing.T) {
	c := newTestCluster(t, collective_io.Coordinator, 2, 8, -1)
	ctx := testCtx(t)
	fs := c.fss[0]
	top := metadata_service.RootInode

	_, err := fs.Create(ctx, root, top, "f", 0o644)
	require.NoError(t, err)
	_, err = fs.Create(ctx, root, top, "f", 0o644)
	assert.ErrorIs(t, err, metadata_service.ErrExists)

	d, err := fs.Mkdir(ctx, root, top, "d", 0o755)
	require.NoError(t, err)
	_, err = fs.Create(ctx, root, d.Ino, "inner", 0o644)
	require.NoError(t, err)

	assert.ErrorIs(t, fs.Rmdir(ctx, root, top, "d"), metadata_service.ErrNotEmpty)
	assert.ErrorIs(t, fs.Unlink(ctx, root, top, "d"), metadata_service.ErrIsDir)
	assert.ErrorIs(t, fs.Rmdir(ctx, root, top, "f"), metadata_service.ErrNotDir)
	assert.ErrorIs(t, fs.Unlink(ctx, root, top, "missing"), metadata_service.ErrNotFound)
	assert.ErrorIs(t, fs.Rename(ctx, root, top, "d", d.Ino, "self"), metadata_service.ErrInvalid)

	_, err = fs.Create(ctx, root, top, strings.Repeat("n", MaxNameLen+1), 0o644)
	assert.ErrorIs(t, err, metadata_service.ErrNameTooLong)
	_, err = fs.Link(ctx, root, d.Ino, top, "dirlink")
	assert.ErrorIs(t, err, metadata_service.ErrPermission)

	_, err = fs.Resolve("/d/inner/deeper")
	assert.ErrorIs(t, err, metadata_service.ErrNotDir)
}

func TestFileSystem_DirectoryLinkCounts(t *testing.T) {
	c := newTestCluster(t, collective_io.Coordinator, 2, 8, -1)
	ctx := testCtx(t)
	fs := c.fss[0]
	top := metadata_service.RootInode

	before, err := fs.GetAttr(top)
	require.NoError(t, err)
	a, err := fs.Mkdir(ctx, root, top, "a", 0o755)
	require.NoError(t, err)
	b, err := fs.Mkdir(ctx, root, top, "b", 0o755)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), a.Nlink)

	after, err := fs.GetAttr(top)
	require.NoError(t, err)
	assert.Equal(t, before.Nlink+2, after.Nlink)

	require.NoError(t, fs.Rename(ctx, root, top, "a", b.Ino, "a"))
	bAttr, err := fs.GetAttr(b.Ino)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), bAttr.Nlink)
	topAttr, err := fs.GetAttr(top)
	require.NoError(t, err)
	assert.Equal(t, before.Nlink+1, topAttr.Nlink)

	up, err := fs.Lookup(ctx, root, a.Ino, "..")
	require.NoError(t, err)
	assert.Equal(t, b.Ino, up.Ino)
}

func TestFileSystem_RenameReplacesTarget(t *testing.T) {
	c := newTestCluster(t, collective_io.Coordinator, 2, 8, -1)
	ctx := testCtx(t)
	fs := c.fss[0]
	top := metadata_service.RootInode

	src := writeFile(t, ctx, fs, "/src", []byte("new content"))
	dst := writeFile(t, ctx, fs, "/dst", []byte("old"))

	require.NoError(t, fs.Rename(ctx, root, top, "src", top, "dst"))
	got, err := fs.Resolve("/dst")
	require.NoError(t, err)
	assert.Equal(t, src, got)
	_, err = fs.Resolve("/src")
	assert.ErrorIs(t, err, metadata_service.ErrNotFound)

	victim, err := fs.GetAttr(dst)
	require.NoError(t, err)
	assert.Zero(t, victim.Nlink)
}

func TestFileSystem_HardLinks(t *testing.T) {
	c := newTestCluster(t, collective_io.Replicated, 2, 8, -1)
	ctx := testCtx(t)
	fs := c.fss[0]
	top := metadata_service.RootInode

	ino := writeFile(t, ctx, fs, "/orig", []byte("shared bytes"))
	attr, err := fs.Link(ctx, root, ino, top, "alias")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), attr.Nlink)

	require.NoError(t, fs.Unlink(ctx, root, top, "orig"))
	attr, err = fs.GetAttr(ino)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), attr.Nlink)

	assert.Eventually(t, func() bool {
		got, err := c.fss[1].Resolve("/alias")
		if err != nil || got != ino {
			return false
		}
		_, err = c.fss[1].Resolve("/orig")
		return err != nil
	}, 5*time.Second, 5*time.Millisecond)
}

func TestFileSystem_ReclaimedInodeFreesBlocks(t *testing.T) {
	c := newTestCluster(t, collective_io.Coordinator, 3, 4, 0)
	ctx := testCtx(t)
	fs := c.fss[0]
	top := metadata_service.RootInode

	ino := writeFile(t, ctx, fs, "/doomed", []byte("twelve bytes"))
	assert.Equal(t, 3, c.live())
	assert.Equal(t, uint64(3), fs.table.UsedBlocks())

	require.NoError(t, fs.Unlink(ctx, root, top, "doomed"))
	// blocks are kept until the number is reused
	assert.Equal(t, 3, c.live())

	fresh, err := fs.Create(ctx, root, top, "fresh", 0o644)
	require.NoError(t, err)
	assert.Equal(t, ino, fresh.Ino)
	assert.Zero(t, fresh.Size)
	assert.Zero(t, fs.table.UsedBlocks())
	assert.Eventually(t, func() bool { return c.live() == 0 }, 5*time.Second, 5*time.Millisecond)
	assert.Empty(t, readFile(t, ctx, fs, fresh.Ino))
}

func TestFileSystem_LookupKeepsUnlinkedInode(t *testing.T) {
	c := newTestCluster(t, collective_io.Coordinator, 2, 8, 0)
	ctx := testCtx(t)
	fs := c.fss[0]
	top := metadata_service.RootInode

	ino := writeFile(t, ctx, fs, "/held", []byte("still readable"))
	_, err := fs.Lookup(ctx, root, top, "held")
	require.NoError(t, err)
	require.NoError(t, fs.Unlink(ctx, root, top, "held"))

	other, err := fs.Create(ctx, root, top, "other", 0o644)
	require.NoError(t, err)
	assert.NotEqual(t, ino, other.Ino)
	assert.Equal(t, []byte("still readable"), readFile(t, ctx, fs, ino))

	require.NoError(t, fs.Forget(ctx, ino, 1))
	again, err := fs.Create(ctx, root, top, "again", 0o644)
	require.NoError(t, err)
	assert.Equal(t, ino, again.Ino)
}

func TestFileSystem_TruncateAndOpenTrunc(t *testing.T) {
	for _, model := range []collective_io.Model{collective_io.Coordinator, collective_io.Replicated} {
		t.Run(model.String(), func(t *testing.T) {
			c := newTestCluster(t, model, 2, 4, -1)
			ctx := testCtx(t)
			fs := c.fss[0]

			ino := writeFile(t, ctx, fs, "/t", []byte("0123456789"))

			size := uint64(6)
			attr, err := fs.SetAttr(ctx, root, ino, SetAttrRequest{Size: &size})
			require.NoError(t, err)
			assert.Equal(t, uint64(6), attr.Size)
			assert.Equal(t, uint64(2), attr.Blocks)
			assert.Equal(t, []byte("012345"), readFile(t, ctx, fs, ino))
			assert.Eventually(t, func() bool { return c.live() == 2 }, 5*time.Second, 5*time.Millisecond)

			size = 9
			_, err = fs.SetAttr(ctx, root, ino, SetAttrRequest{Size: &size})
			require.NoError(t, err)
			assert.Equal(t, []byte("012345\x00\x00\x00"), readFile(t, ctx, fs, ino))

			require.NoError(t, fs.Open(ctx, root, ino, os.O_WRONLY|os.O_TRUNC))
			require.NoError(t, fs.Release(ctx, ino))
			attr, err = fs.GetAttr(ino)
			require.NoError(t, err)
			assert.Zero(t, attr.Size)
			assert.Zero(t, attr.Blocks)
			assert.Eventually(t, func() bool { return c.live() == 0 }, 5*time.Second, 5*time.Millisecond)
		})
	}
}

func TestFileSystem_Permissions(t *testing.T) {
	c := newTestCluster(t, collective_io.Coordinator, 2, 8, -1)
	ctx := testCtx(t)
	fs := c.fss[0]
	top := metadata_service.RootInode
	alice := metadata_service.Caller{Uid: 1000, Gid: 1000}

	locked, err := fs.Mkdir(ctx, root, top, "locked", 0o755)
	require.NoError(t, err)
	_, err = fs.Create(ctx, alice, locked.Ino, "nope", 0o644)
	assert.ErrorIs(t, err, metadata_service.ErrPermission)

	secret := writeFile(t, ctx, fs, "/secret", []byte("x"))
	mode := uint32(0o600)
	_, err = fs.SetAttr(ctx, root, secret, SetAttrRequest{Mode: &mode})
	require.NoError(t, err)
	assert.ErrorIs(t, fs.Open(ctx, alice, secret, os.O_RDONLY), metadata_service.ErrPermission)
	assert.ErrorIs(t, fs.Access(alice, secret, metadata_service.MayRead), metadata_service.ErrPermission)

	_, err = fs.SetAttr(ctx, alice, secret, SetAttrRequest{Mode: &mode})
	assert.ErrorIs(t, err, metadata_service.ErrPermission)
	uid := uint32(1000)
	_, err = fs.SetAttr(ctx, root, secret, SetAttrRequest{Uid: &uid})
	require.NoError(t, err)
	require.NoError(t, fs.Access(alice, secret, metadata_service.MayRead|metadata_service.MayWrite))
}

func TestFileSystem_XAttrs(t *testing.T) {
	c := newTestCluster(t, collective_io.Coordinator, 2, 8, -1)
	ctx := testCtx(t)
	fs := c.fss[0]

	ino := writeFile(t, ctx, fs, "/x", nil)
	require.NoError(t, fs.SetXAttr(ino, "user.a", []byte("1"), 0))
	assert.ErrorIs(t, fs.SetXAttr(ino, "user.a", []byte("2"), metadata_service.XattrCreate), metadata_service.ErrExists)
	assert.ErrorIs(t, fs.SetXAttr(ino, "user.b", []byte("2"), metadata_service.XattrReplace), metadata_service.ErrNoData)
	require.NoError(t, fs.SetXAttr(ino, "user.b", []byte("2"), metadata_service.XattrCreate))

	names, err := fs.ListXAttr(ino)
	require.NoError(t, err)
	assert.Equal(t, []string{"user.a", "user.b"}, names)
	v, err := fs.GetXAttr(ino, "user.a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	require.NoError(t, fs.RemoveXAttr(ino, "user.a"))
	_, err = fs.GetXAttr(ino, "user.a")
	assert.ErrorIs(t, err, metadata_service.ErrNoData)
}

func TestFileSystem_ReplicatedLongPathIsRejected(t *testing.T) {
	c := newTestCluster(t, collective_io.Replicated, 2, 8, -1)
	ctx := testCtx(t)
	fs := c.fss[1]
	top := metadata_service.RootInode

	parent := top
	for i := 0; i < 5; i++ {
		d, err := fs.Mkdir(ctx, root, parent, strings.Repeat(string(rune('a'+i)), 50), 0o755)
		require.NoError(t, err)
		parent = d.Ino
	}
	_, err := fs.Create(ctx, root, parent, "too-deep", 0o644)
	assert.ErrorIs(t, err, metadata_service.ErrNameTooLong)

	// the voided ticket does not hold up the next operation
	ok, err := c.fss[0].Create(ctx, root, top, "fine", 0o644)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		got, err := fs.Resolve("/fine")
		return err == nil && got == ok.Ino
	}, 5*time.Second, 5*time.Millisecond)
}

func TestFileSystem_StatFs(t *testing.T) {
	c := newTestCluster(t, collective_io.Coordinator, 2, 8, -1)
	ctx := testCtx(t)
	fs := c.fss[0]

	empty := fs.StatFs()
	assert.Equal(t, uint64(8), empty.BlockSize)
	assert.Equal(t, uint64(MaxNameLen), empty.NameMax)
	assert.Equal(t, empty.Blocks, empty.BlocksFree)

	writeFile(t, ctx, fs, "/s", []byte("seventeen bytes!!"))
	st := fs.StatFs()
	assert.Equal(t, empty.BlocksFree-3, st.BlocksFree)
	assert.Equal(t, empty.FsID, st.FsID)
}

func TestFileSystem_ReplicatedReadSeesEarlierWrite(t *testing.T) {
	c := newTestCluster(t, collective_io.Replicated, 3, 8, -1)
	ctx := testCtx(t)

	for i := range 20 {
		path := "/f" + strconv.Itoa(i)
		ino := writeFile(t, ctx, c.fss[1], path, []byte("hello world"))

		require.Eventually(t, func() bool {
			got, err := c.fss[2].Resolve(path)
			return err == nil && got == ino
		}, 5*time.Second, time.Millisecond)

		// rank 2 may not have applied the write yet when it opens the file
		require.NoError(t, c.fss[2].Open(ctx, root, ino, os.O_RDWR))
		got, err := c.fss[2].Read(ctx, ino, 0, 64)
		require.NoError(t, err)
		assert.Equal(t, "hello world", string(got), "iteration %d", i)

		_, err = c.fss[2].Write(ctx, ino, 0, []byte("J"))
		require.NoError(t, err)
		require.NoError(t, c.fss[2].Release(ctx, ino))

		assert.Equal(t, "Jello world", string(readFile(t, ctx, c.fss[0], ino)), "iteration %d", i)
	}
}
