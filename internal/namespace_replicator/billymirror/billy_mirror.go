// Package billymirror keeps a shadow copy of the replicated namespace in a
// go-billy filesystem, one subtree per rank.
package billymirror

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/AnishMulay/memstripe/internal/collective_io"
	"github.com/AnishMulay/memstripe/internal/log_service"
	"github.com/AnishMulay/memstripe/internal/namespace_replicator"
)

// BillyMirror replays namespace mutations as empty files, directories and
// links below <base>/<rank>. Content is not mirrored.
type BillyMirror struct {
	mu   sync.Mutex
	base billy.Filesystem
	rank string
	dir  string
	fs   billy.Filesystem
	ls   log_service.LogService
}

// New mirrors into <base>/<rank>.
func New(base billy.Filesystem, rank int, ls log_service.LogService) (*BillyMirror, error) {
	m := &BillyMirror{base: base, rank: strconv.Itoa(rank), ls: ls}
	if err := m.ChangeDirectory("/"); err != nil {
		return nil, err
	}
	return m, nil
}

// NewOS mirrors into the host directory root.
func NewOS(root string, rank int, ls log_service.LogService) (*BillyMirror, error) {
	return New(osfs.New(root), rank, ls)
}

// NewMemory mirrors into a private in-memory filesystem.
func NewMemory(rank int, ls log_service.LogService) *BillyMirror {
	m, err := New(memfs.New(), rank, ls)
	if err != nil {
		// memfs cannot refuse a MkdirAll on an empty tree
		panic(err)
	}
	return m
}

// ChangeDirectory moves the mirror root to <dir>/<rank> below the base
// filesystem. Every rank receives the same dir, so their trees stay apart.
func (m *BillyMirror) ChangeDirectory(dir string) error {
	dir = path.Join("/", dir, m.rank)
	if err := m.base.MkdirAll(dir, 0o777); err != nil {
		return fmt.Errorf("mirror dir %s: %w", dir, err)
	}
	fs, err := m.base.Chroot(dir)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.dir, m.fs = dir, fs
	m.mu.Unlock()

	m.ls.Debug(log_service.LogEvent{Message: "Mirror directory changed", Metadata: map[string]any{"dir": dir}})
	return nil
}

// Dir returns the current mirror root relative to the base filesystem.
func (m *BillyMirror) Dir() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dir
}

// FS returns the filesystem rooted at the mirror directory.
func (m *BillyMirror) FS() billy.Filesystem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fs
}

func perm(mode uint32) os.FileMode {
	return os.FileMode(mode & 0o777)
}

func (m *BillyMirror) MirrorCreateFile(_ uint64, mode, _, _ uint32, name string) error {
	f, err := m.FS().OpenFile(name, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm(mode))
	if err != nil {
		return fmt.Errorf("mirror create %s: %w", name, err)
	}
	return f.Close()
}

func (m *BillyMirror) MirrorDeleteFile(name string) error {
	if err := m.FS().Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("mirror delete %s: %w", name, err)
	}
	return nil
}

func (m *BillyMirror) MirrorCreateDir(_ uint64, mode, _, _ uint32, name string) error {
	if err := m.FS().MkdirAll(name, perm(mode)); err != nil {
		return fmt.Errorf("mirror mkdir %s: %w", name, err)
	}
	return nil
}

func (m *BillyMirror) MirrorDeleteDir(name string) error {
	if err := util.RemoveAll(m.FS(), name); err != nil {
		return fmt.Errorf("mirror rmdir %s: %w", name, err)
	}
	return nil
}

func (m *BillyMirror) MirrorRename(oldName, newName string) error {
	if err := m.FS().Rename(oldName, newName); err != nil {
		return fmt.Errorf("mirror rename %s: %w", oldName, err)
	}
	return nil
}

func (m *BillyMirror) MirrorSymlink(_ uint64, _, _ uint32, name, target string) error {
	if err := m.FS().Symlink(target, name); err != nil {
		return fmt.Errorf("mirror symlink %s: %w", name, err)
	}
	return nil
}

// MirrorLink records a hard link as a second empty file; billy has no link
// primitive.
func (m *BillyMirror) MirrorLink(_, newName string) error {
	if err := util.WriteFile(m.FS(), newName, nil, 0o666); err != nil {
		return fmt.Errorf("mirror link %s: %w", newName, err)
	}
	return nil
}

var (
	_ namespace_replicator.Mirror           = (*BillyMirror)(nil)
	_ namespace_replicator.DirectoryChanger = (*BillyMirror)(nil)
	_ collective_io.DirectoryChanger        = (*BillyMirror)(nil)
)
