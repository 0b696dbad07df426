package namespace_replicator_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnishMulay/memstripe/internal/communication"
	"github.com/AnishMulay/memstripe/internal/log_service"
	"github.com/AnishMulay/memstripe/internal/namespace_replicator"
	"github.com/AnishMulay/memstripe/internal/namespace_replicator/billymirror"
)

// loopback hands every notification straight to a mirror, as the dispatcher
// of a receiving rank would.
type loopback struct {
	mirror  namespace_replicator.Mirror
	headers []communication.Header
}

func (l *loopback) Notify(_ context.Context, h communication.Header, body []byte) error {
	l.headers = append(l.headers, h)
	return namespace_replicator.Apply(l.mirror, h.Type, body)
}

type recordingMirror struct {
	calls []string
	fail  bool
}

func (r *recordingMirror) rec(s string) error {
	r.calls = append(r.calls, s)
	if r.fail {
		return errors.New("boom")
	}
	return nil
}

func (r *recordingMirror) MirrorCreateFile(ino uint64, mode, uid, gid uint32, path string) error {
	return r.rec("create " + path)
}
func (r *recordingMirror) MirrorDeleteFile(path string) error { return r.rec("unlink " + path) }
func (r *recordingMirror) MirrorCreateDir(ino uint64, mode, uid, gid uint32, path string) error {
	return r.rec("mkdir " + path)
}
func (r *recordingMirror) MirrorDeleteDir(path string) error { return r.rec("rmdir " + path) }
func (r *recordingMirror) MirrorRename(o, n string) error    { return r.rec("rename " + o + " " + n) }
func (r *recordingMirror) MirrorSymlink(ino uint64, uid, gid uint32, path, target string) error {
	return r.rec("symlink " + path + " " + target)
}
func (r *recordingMirror) MirrorLink(o, n string) error { return r.rec("link " + o + " " + n) }

func TestReplicator_ShadowTree(t *testing.T) {
	ls := log_service.NewNopLogService()
	shadow := billymirror.NewMemory(2, ls)
	rec := &recordingMirror{}
	lb := &loopback{mirror: namespace_replicator.Tee(shadow, rec)}
	r := namespace_replicator.NewReplicator(lb, ls)
	ctx := context.Background()

	require.NoError(t, r.NotifyCreateDir(ctx, 1, 2, 0o755, 0, 0, "/docs"))
	require.NoError(t, r.NotifyCreateFile(ctx, 2, 3, 0o644, 0, 0, "/docs/a.txt"))
	require.NoError(t, r.NotifyRename(ctx, 3, "/docs/a.txt", "/docs/b.txt"))
	require.NoError(t, r.NotifyLink(ctx, 4, "/docs/b.txt", "/docs/c.txt"))
	require.NoError(t, r.NotifyCreateSymlink(ctx, 5, 5, 0, 0, "/docs/l", "b.txt"))
	require.NoError(t, r.NotifyDeleteFile(ctx, 6, "/docs/c.txt"))

	fs := shadow.FS()
	assert.Equal(t, "/2", shadow.Dir())

	_, err := fs.Stat("/docs/b.txt")
	assert.NoError(t, err)
	_, err = fs.Stat("/docs/a.txt")
	assert.Error(t, err)
	_, err = fs.Stat("/docs/c.txt")
	assert.Error(t, err)
	target, err := fs.Readlink("/docs/l")
	require.NoError(t, err)
	assert.Equal(t, "b.txt", target)

	require.NoError(t, r.NotifyDeleteDir(ctx, 7, "/docs"))
	_, err = fs.Stat("/docs")
	assert.Error(t, err)

	assert.Equal(t, []string{
		"mkdir /docs",
		"create /docs/a.txt",
		"rename /docs/a.txt /docs/b.txt",
		"link /docs/b.txt /docs/c.txt",
		"symlink /docs/l b.txt",
		"unlink /docs/c.txt",
		"rmdir /docs",
	}, rec.calls)

	for i, h := range lb.headers {
		assert.Equal(t, uint64(i+1), h.Seq)
		assert.True(t, namespace_replicator.IsNamespace(h.Type))
	}
}

func TestReplicator_NameTooLong(t *testing.T) {
	lb := &loopback{mirror: &recordingMirror{}}
	r := namespace_replicator.NewReplicator(lb, log_service.NewNopLogService())

	long := make([]byte, communication.NameSize)
	for i := range long {
		long[i] = 'x'
	}
	err := r.NotifyDeleteFile(context.Background(), 1, string(long))
	assert.ErrorIs(t, err, communication.ErrNameTooLong)
	assert.Empty(t, lb.headers)
}

func TestTee_JoinsErrors(t *testing.T) {
	a := &recordingMirror{fail: true}
	b := &recordingMirror{}
	err := namespace_replicator.Tee(a, b).MirrorDeleteDir("/x")
	assert.Error(t, err)
	assert.Equal(t, []string{"rmdir /x"}, b.calls, "later mirrors still run")
}

func TestBillyMirror_ChangeDirectory(t *testing.T) {
	ls := log_service.NewNopLogService()
	m := billymirror.NewMemory(1, ls)
	require.NoError(t, m.MirrorCreateFile(2, 0o644, 0, 0, "/before"))

	dc := namespace_replicator.Tee(m).(namespace_replicator.DirectoryChanger)
	require.NoError(t, dc.ChangeDirectory("/dump"))
	assert.Equal(t, "/dump/1", m.Dir())

	require.NoError(t, m.MirrorCreateFile(3, 0o644, 0, 0, "/after"))
	entries, err := m.FS().ReadDir("/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "after", entries[0].Name())
}

func TestApply_UnknownType(t *testing.T) {
	err := namespace_replicator.Apply(&recordingMirror{}, communication.RequestRead, nil)
	assert.ErrorIs(t, err, communication.ErrUnknownRequest)
}
