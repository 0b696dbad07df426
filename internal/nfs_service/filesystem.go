// Package nfs_service exports a rank's file system over NFSv3. The export
// is a billy filesystem translating paths to inode operations.
package nfs_service

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/helper/chroot"
	"github.com/google/uuid"
	nfsfile "github.com/willscott/go-nfs/file"

	"github.com/AnishMulay/memstripe/internal/file_service"
	"github.com/AnishMulay/memstripe/internal/metadata_service"
)

const maxSymlinkHops = 8

// Filesystem implements billy.Filesystem and billy.Change on top of a
// FileService. Every request runs as a single configured caller.
type Filesystem struct {
	fs     file_service.FileService
	caller metadata_service.Caller
	ctx    context.Context
}

func NewFilesystem(ctx context.Context, fs file_service.FileService, caller metadata_service.Caller) *Filesystem {
	return &Filesystem{fs: fs, caller: caller, ctx: ctx}
}

// toOS converts file service errors into the os errors go-nfs maps to NFS
// status codes.
func toOS(op, name string, err error) error {
	if err == nil {
		return nil
	}
	var pe *os.PathError
	if errors.As(err, &pe) {
		return err
	}
	var errno error
	switch {
	case errors.Is(err, metadata_service.ErrNotFound):
		errno = syscall.ENOENT
	case errors.Is(err, metadata_service.ErrExists):
		errno = syscall.EEXIST
	case errors.Is(err, metadata_service.ErrPermission):
		errno = syscall.EACCES
	case errors.Is(err, metadata_service.ErrNotDir):
		errno = syscall.ENOTDIR
	case errors.Is(err, metadata_service.ErrIsDir):
		errno = syscall.EISDIR
	case errors.Is(err, metadata_service.ErrNotEmpty):
		errno = syscall.ENOTEMPTY
	case errors.Is(err, metadata_service.ErrNameTooLong):
		errno = syscall.ENAMETOOLONG
	case errors.Is(err, metadata_service.ErrInvalid):
		errno = syscall.EINVAL
	case errors.Is(err, metadata_service.ErrNoData):
		errno = syscall.ENODATA
	default:
		errno = syscall.EIO
	}
	return &os.PathError{Op: op, Path: name, Err: errno}
}

func clean(name string) string {
	return path.Clean("/" + name)
}

func (f *Filesystem) Create(filename string) (billy.File, error) {
	return f.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
}

func (f *Filesystem) Open(filename string) (billy.File, error) {
	return f.OpenFile(filename, os.O_RDONLY, 0)
}

func (f *Filesystem) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	name := clean(filename)
	ino, err := f.follow(name)
	switch {
	case errors.Is(err, metadata_service.ErrNotFound) && flag&os.O_CREATE != 0:
		parent, base, perr := f.fs.ResolveParent(name)
		if perr != nil {
			return nil, toOS("open", filename, perr)
		}
		attr, cerr := f.fs.Create(f.ctx, f.caller, parent, base, file_service.PermBits(perm))
		if cerr != nil {
			return nil, toOS("open", filename, cerr)
		}
		ino = attr.Ino
	case err != nil:
		return nil, toOS("open", filename, err)
	case flag&(os.O_CREATE|os.O_EXCL) == os.O_CREATE|os.O_EXCL:
		return nil, toOS("open", filename, metadata_service.ErrExists)
	}

	if err := f.fs.Open(f.ctx, f.caller, ino, flag); err != nil {
		return nil, toOS("open", filename, err)
	}
	h := &file{fs: f, ino: ino, name: filename, flag: flag}
	if flag&os.O_APPEND != 0 {
		if attr, err := f.fs.GetAttr(ino); err == nil {
			h.pos = int64(attr.Size)
		}
	}
	return h, nil
}

// follow resolves name and the symbolic links it ends in.
func (f *Filesystem) follow(name string) (uint64, error) {
	for range maxSymlinkHops {
		ino, err := f.fs.Resolve(name)
		if err != nil {
			return 0, err
		}
		attr, err := f.fs.GetAttr(ino)
		if err != nil {
			return 0, err
		}
		if attr.Kind != metadata_service.KindSymlink {
			return ino, nil
		}
		target, err := f.fs.Readlink(ino)
		if err != nil {
			return 0, err
		}
		if !path.IsAbs(target) {
			target = path.Join(path.Dir(name), target)
		}
		name = target
	}
	return 0, &os.PathError{Op: "stat", Path: name, Err: syscall.ELOOP}
}

func (f *Filesystem) Stat(filename string) (os.FileInfo, error) {
	ino, err := f.follow(clean(filename))
	if err != nil {
		return nil, toOS("stat", filename, err)
	}
	return f.info(path.Base(clean(filename)), ino, "stat")
}

func (f *Filesystem) Lstat(filename string) (os.FileInfo, error) {
	ino, err := f.fs.Resolve(clean(filename))
	if err != nil {
		return nil, toOS("lstat", filename, err)
	}
	return f.info(path.Base(clean(filename)), ino, "lstat")
}

func (f *Filesystem) info(name string, ino uint64, op string) (os.FileInfo, error) {
	attr, err := f.fs.GetAttr(ino)
	if err != nil {
		return nil, toOS(op, name, err)
	}
	return &fileInfo{name: name, attr: attr}, nil
}

func (f *Filesystem) Rename(oldpath, newpath string) error {
	parent, name, err := f.fs.ResolveParent(clean(oldpath))
	if err != nil {
		return toOS("rename", oldpath, err)
	}
	newParent, newName, err := f.fs.ResolveParent(clean(newpath))
	if err != nil {
		return toOS("rename", newpath, err)
	}
	return toOS("rename", oldpath, f.fs.Rename(f.ctx, f.caller, parent, name, newParent, newName))
}

// Remove deletes a file, a symbolic link or an empty directory.
func (f *Filesystem) Remove(filename string) error {
	name := clean(filename)
	ino, err := f.fs.Resolve(name)
	if err != nil {
		return toOS("remove", filename, err)
	}
	attr, err := f.fs.GetAttr(ino)
	if err != nil {
		return toOS("remove", filename, err)
	}
	parent, base, err := f.fs.ResolveParent(name)
	if err != nil {
		return toOS("remove", filename, err)
	}
	if attr.Kind == metadata_service.KindDirectory {
		return toOS("remove", filename, f.fs.Rmdir(f.ctx, f.caller, parent, base))
	}
	return toOS("remove", filename, f.fs.Unlink(f.ctx, f.caller, parent, base))
}

func (f *Filesystem) Join(elem ...string) string {
	return path.Join(elem...)
}

func (f *Filesystem) TempFile(dir, prefix string) (billy.File, error) {
	name := path.Join(dir, prefix+uuid.NewString())
	return f.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
}

func (f *Filesystem) ReadDir(dirname string) ([]os.FileInfo, error) {
	ino, err := f.follow(clean(dirname))
	if err != nil {
		return nil, toOS("readdir", dirname, err)
	}
	entries, err := f.fs.ReadDir(f.caller, ino)
	if err != nil {
		return nil, toOS("readdir", dirname, err)
	}
	infos := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		attr, err := f.fs.GetAttr(e.Inode)
		if err != nil {
			// removed meanwhile
			continue
		}
		infos = append(infos, &fileInfo{name: e.Name, attr: attr})
	}
	return infos, nil
}

func (f *Filesystem) MkdirAll(filename string, perm os.FileMode) error {
	parent := metadata_service.RootInode
	for _, part := range strings.Split(strings.Trim(clean(filename), "/"), "/") {
		if part == "" {
			continue
		}
		attr, err := f.fs.Lookup(f.ctx, f.caller, parent, part)
		if err == nil {
			_ = f.fs.Forget(f.ctx, attr.Ino, 1)
			if attr.Kind != metadata_service.KindDirectory {
				return toOS("mkdir", filename, metadata_service.ErrNotDir)
			}
			parent = attr.Ino
			continue
		}
		if !errors.Is(err, metadata_service.ErrNotFound) {
			return toOS("mkdir", filename, err)
		}
		attr, err = f.fs.Mkdir(f.ctx, f.caller, parent, part, file_service.PermBits(perm))
		if err != nil {
			return toOS("mkdir", filename, err)
		}
		parent = attr.Ino
	}
	return nil
}

func (f *Filesystem) Symlink(target, link string) error {
	parent, name, err := f.fs.ResolveParent(clean(link))
	if err != nil {
		return toOS("symlink", link, err)
	}
	_, err = f.fs.Symlink(f.ctx, f.caller, parent, name, target)
	return toOS("symlink", link, err)
}

func (f *Filesystem) Readlink(link string) (string, error) {
	ino, err := f.fs.Resolve(clean(link))
	if err != nil {
		return "", toOS("readlink", link, err)
	}
	target, err := f.fs.Readlink(ino)
	return target, toOS("readlink", link, err)
}

func (f *Filesystem) Chroot(p string) (billy.Filesystem, error) {
	return chroot.New(f, clean(p)), nil
}

func (f *Filesystem) Root() string { return "/" }

func (f *Filesystem) setAttr(op, name string, follow bool, req file_service.SetAttrRequest) error {
	var (
		ino uint64
		err error
	)
	if follow {
		ino, err = f.follow(clean(name))
	} else {
		ino, err = f.fs.Resolve(clean(name))
	}
	if err != nil {
		return toOS(op, name, err)
	}
	_, err = f.fs.SetAttr(f.ctx, f.caller, ino, req)
	return toOS(op, name, err)
}

func (f *Filesystem) Chmod(name string, mode os.FileMode) error {
	perm := file_service.PermBits(mode)
	return f.setAttr("chmod", name, true, file_service.SetAttrRequest{Mode: &perm})
}

func (f *Filesystem) Lchown(name string, uid, gid int) error {
	u, g := uint32(uid), uint32(gid)
	return f.setAttr("lchown", name, false, file_service.SetAttrRequest{Uid: &u, Gid: &g})
}

func (f *Filesystem) Chown(name string, uid, gid int) error {
	u, g := uint32(uid), uint32(gid)
	return f.setAttr("chown", name, true, file_service.SetAttrRequest{Uid: &u, Gid: &g})
}

func (f *Filesystem) Chtimes(name string, atime time.Time, mtime time.Time) error {
	return f.setAttr("chtimes", name, true, file_service.SetAttrRequest{Atime: &atime, Mtime: &mtime})
}

// file is an open regular file. Content changes reach the other ranks when
// it is closed.
type file struct {
	fs   *Filesystem
	ino  uint64
	name string
	flag int

	mu     sync.Mutex
	pos    int64
	closed bool
}

func (h *file) Name() string { return h.name }

func (h *file) Read(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, err := h.readAt(p, h.pos)
	h.pos += int64(n)
	return n, err
}

func (h *file) ReadAt(p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.readAt(p, off)
}

func (h *file) readAt(p []byte, off int64) (int, error) {
	if h.closed {
		return 0, os.ErrClosed
	}
	if h.flag&os.O_WRONLY != 0 {
		return 0, toOS("read", h.name, metadata_service.ErrPermission)
	}
	data, err := h.fs.fs.Read(h.fs.ctx, h.ino, off, len(p))
	if err != nil {
		return 0, toOS("read", h.name, err)
	}
	n := copy(p, data)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (h *file) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.flag&os.O_APPEND != 0 {
		if attr, err := h.fs.fs.GetAttr(h.ino); err == nil {
			h.pos = int64(attr.Size)
		}
	}
	n, err := h.writeAt(p, h.pos)
	h.pos += int64(n)
	return n, err
}

func (h *file) WriteAt(p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.writeAt(p, off)
}

func (h *file) writeAt(p []byte, off int64) (int, error) {
	if h.closed {
		return 0, os.ErrClosed
	}
	if h.flag&(os.O_WRONLY|os.O_RDWR) == 0 {
		return 0, toOS("write", h.name, metadata_service.ErrPermission)
	}
	n, err := h.fs.fs.Write(h.fs.ctx, h.ino, off, p)
	return n, toOS("write", h.name, err)
}

func (h *file) Seek(offset int64, whence int) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = h.pos
	case io.SeekEnd:
		attr, err := h.fs.fs.GetAttr(h.ino)
		if err != nil {
			return h.pos, toOS("seek", h.name, err)
		}
		base = int64(attr.Size)
	default:
		return h.pos, toOS("seek", h.name, metadata_service.ErrInvalid)
	}
	if base+offset < 0 {
		return h.pos, toOS("seek", h.name, metadata_service.ErrInvalid)
	}
	h.pos = base + offset
	return h.pos, nil
}

// Close flushes the content and drops the open reference.
func (h *file) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return toOS("close", h.name, h.fs.fs.Release(h.fs.ctx, h.ino))
}

func (h *file) Lock() error   { return nil }
func (h *file) Unlock() error { return nil }

func (h *file) Truncate(size int64) error {
	if size < 0 {
		return toOS("truncate", h.name, metadata_service.ErrInvalid)
	}
	s := uint64(size)
	_, err := h.fs.fs.SetAttr(h.fs.ctx, h.fs.caller, h.ino, file_service.SetAttrRequest{Size: &s})
	return toOS("truncate", h.name, err)
}

type fileInfo struct {
	name string
	attr file_service.Attr
}

func (fi *fileInfo) Name() string       { return fi.name }
func (fi *fileInfo) Size() int64        { return int64(fi.attr.Size) }
func (fi *fileInfo) Mode() os.FileMode  { return fi.attr.Mode }
func (fi *fileInfo) ModTime() time.Time { return fi.attr.Mtime }
func (fi *fileInfo) IsDir() bool        { return fi.attr.Kind == metadata_service.KindDirectory }

// Sys carries the inode number, link count and owner to go-nfs.
func (fi *fileInfo) Sys() any {
	return &nfsfile.FileInfo{
		Nlink:  fi.attr.Nlink,
		UID:    fi.attr.Uid,
		GID:    fi.attr.Gid,
		Fileid: fi.attr.Ino,
	}
}

var (
	_ billy.Filesystem = (*Filesystem)(nil)
	_ billy.Change     = (*Filesystem)(nil)
	_ billy.File       = (*file)(nil)
	_ os.FileInfo      = (*fileInfo)(nil)
)
