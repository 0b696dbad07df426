package metadata_service

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInodeTable_Bootstrap(t *testing.T) {
	table := NewInodeTable(nil, nil)

	special, err := table.Get(SpecialInode)
	require.NoError(t, err)
	assert.Equal(t, KindSpecial, special.Kind())
	assert.Zero(t, special.Nlink)

	root, err := table.Get(RootInode)
	require.NoError(t, err)
	assert.Equal(t, KindDirectory, root.Kind())
	assert.Equal(t, uint32(3), root.Nlink)
	assert.True(t, root.Mode().IsDir())

	assert.Equal(t, 2, table.CountTotal())
	assert.Equal(t, uint64(2), table.UsedInodes())

	_, err = table.Get(99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInodeTable_KindAccessors(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		call    func(*Inode) error
		errorIs error
	}{
		{
			name:    "file body of directory",
			kind:    KindDirectory,
			call:    func(i *Inode) error { _, err := i.File(); return err },
			errorIs: ErrIsDir,
		},
		{
			name:    "directory body of file",
			kind:    KindFile,
			call:    func(i *Inode) error { _, err := i.Directory(); return err },
			errorIs: ErrNotDir,
		},
		{
			name:    "symlink body of file",
			kind:    KindFile,
			call:    func(i *Inode) error { _, err := i.Symlink(); return err },
			errorIs: ErrInvalid,
		},
		{
			name: "symlink body of symlink",
			kind: KindSymlink,
			call: func(i *Inode) error { _, err := i.Symlink(); return err },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := NewInodeTable(nil, nil)
			n := table.RegisterNew(tt.kind, 0o644, 1, 0, 0)
			inode, err := table.Get(n)
			require.NoError(t, err)

			err = tt.call(inode)
			if tt.errorIs == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.errorIs), "got %v", err)
		})
	}
}

func TestInodeTable_ReclaimsSmallestAfterThreshold(t *testing.T) {
	const threshold = 4
	var released []uint64
	table := NewInodeTable(NewReclamationPolicy(threshold), func(ino uint64) {
		released = append(released, ino)
	})

	const n = threshold + 2
	numbers := make([]uint64, n)
	for i := range numbers {
		numbers[i] = table.RegisterNew(KindFile, 0o644, 1, 0, 0)
		inode, _ := table.Get(numbers[i])
		inode.Blocks = 2
		table.AddUsedBlocks(2)
	}
	assert.Equal(t, uint64(2*n), table.UsedBlocks())

	// delete in reverse order so FIFO and smallest-first disagree
	for i := n - 1; i >= 0; i-- {
		inode, _ := table.Get(numbers[i])
		inode.Nlink = 0
		require.True(t, table.MaybeDelete(inode))
	}
	assert.Equal(t, n, table.CountDeleted())
	assert.True(t, table.Reclamation().Reclaiming())

	usedInodes := table.UsedInodes()
	reused := table.RegisterNew(KindFile, 0o600, 1, 0, 0)
	assert.Equal(t, numbers[0], reused)
	assert.Equal(t, []uint64{numbers[0]}, released)
	assert.Equal(t, uint64(2*n-2), table.UsedBlocks(), "old blocks subtracted before new ones are added")
	assert.Equal(t, usedInodes, table.UsedInodes())

	inode, err := table.Get(reused)
	require.NoError(t, err)
	assert.Zero(t, inode.Blocks)
	assert.Equal(t, uint32(0o600), inode.Perm)
}

func TestInodeTable_ReclaimingTurnsOffWhenDrained(t *testing.T) {
	table := NewInodeTable(NewReclamationPolicy(0), nil)
	a := table.RegisterNew(KindFile, 0o644, 1, 0, 0)
	inode, _ := table.Get(a)
	inode.Nlink = 0
	table.MaybeDelete(inode)

	assert.Equal(t, a, table.RegisterNew(KindFile, 0o644, 1, 0, 0))
	assert.False(t, table.Reclamation().Reclaiming())

	next := table.RegisterNew(KindFile, 0o644, 1, 0, 0)
	assert.Equal(t, uint64(table.CountTotal()-1), next, "appends once the queue is empty")
}

func TestInodeTable_ReferencedInodeIsNotQueued(t *testing.T) {
	table := NewInodeTable(nil, nil)
	n := table.RegisterNew(KindFile, 0o644, 1, 0, 0)
	inode, _ := table.Get(n)
	inode.Nlink = 0
	inode.Lookups = 1

	assert.False(t, table.MaybeDelete(inode))
	assert.Zero(t, table.CountDeleted())

	inode.Lookups = 0
	assert.True(t, table.MaybeDelete(inode))
	assert.True(t, inode.PendingDeletion)
}

func TestInodeTable_RegisterAt(t *testing.T) {
	table := NewInodeTable(nil, nil)

	mirror := table.CreateEmpty(KindFile)
	mirror.Nlink = 1
	require.NoError(t, table.RegisterAt(6, mirror))
	assert.Equal(t, 7, table.CountTotal())

	_, err := table.Get(4)
	assert.ErrorIs(t, err, ErrNotFound, "gap slots stay unregistered")

	again := table.CreateEmpty(KindFile)
	assert.ErrorIs(t, table.RegisterAt(6, again), ErrExists)

	mirror.Nlink = 0
	table.MaybeDelete(mirror)
	require.NoError(t, table.RegisterAt(6, again))
	assert.Zero(t, table.CountDeleted(), "adopted number leaves the queue")
}

func TestDirectoryIndex(t *testing.T) {
	d := NewDirectoryIndex()
	require.NoError(t, d.Insert("b", 3))
	require.NoError(t, d.Insert("a", 2))
	assert.ErrorIs(t, d.Insert("a", 9), ErrExists)

	prev, ok := d.Put("b", 7)
	assert.True(t, ok)
	assert.Equal(t, uint64(3), prev)

	assert.Equal(t, []DirEntry{{"a", 2}, {"b", 7}}, d.Entries())

	ino, ok := d.Remove("a")
	assert.True(t, ok)
	assert.Equal(t, uint64(2), ino)
	assert.Equal(t, 1, d.Len())
}

func TestCheckAccess(t *testing.T) {
	inode := &Inode{Number: 5, Uid: 1000, Gid: 100, Perm: 0o640}

	tests := []struct {
		name    string
		caller  Caller
		mask    uint32
		wantErr bool
	}{
		{"owner reads", Caller{Uid: 1000, Gid: 1}, MayRead, false},
		{"owner writes", Caller{Uid: 1000, Gid: 1}, MayWrite, false},
		{"group reads", Caller{Uid: 2000, Gid: 100}, MayRead, false},
		{"group cannot write", Caller{Uid: 2000, Gid: 100}, MayWrite, true},
		{"other cannot read", Caller{Uid: 2000, Gid: 200}, MayRead, true},
		{"root bypass", RootCaller, MayRead | MayWrite | MayExec, false},
		{"existence check", Caller{Uid: 2000, Gid: 200}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckAccess(inode, tt.caller, tt.mask)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckAccess() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				assert.ErrorIs(t, err, ErrPermission)
			}
		})
	}
}

func TestXAttrFlags(t *testing.T) {
	inode := &Inode{}

	assert.ErrorIs(t, SetXAttr(inode, "user.a", []byte("1"), XattrReplace), ErrNoData)
	require.NoError(t, SetXAttr(inode, "user.a", []byte("1"), XattrCreate))
	assert.ErrorIs(t, SetXAttr(inode, "user.a", []byte("2"), XattrCreate), ErrExists)
	require.NoError(t, SetXAttr(inode, "user.a", []byte("2"), XattrReplace))
	require.NoError(t, SetXAttr(inode, "user.b", nil, 0))

	v, err := GetXAttr(inode, "user.a")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)
	assert.Equal(t, []string{"user.a", "user.b"}, ListXAttr(inode))

	require.NoError(t, RemoveXAttr(inode, "user.a"))
	assert.ErrorIs(t, RemoveXAttr(inode, "user.a"), ErrNoData)
}
